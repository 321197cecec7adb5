package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// journalUnit is the systemd unit the engine runs under in production.
const journalUnit = "alluse-engine"

// maxLogLines bounds a single journal read.
const maxLogLines = 10000

// LogHandlers exposes the engine's journald logs over HTTP. The engine
// writes structured logs to stderr; under systemd those land in the journal,
// so this is read-only plumbing over journalctl.
type LogHandlers struct {
	log zerolog.Logger
}

// NewLogHandlers creates a new log handlers instance
func NewLogHandlers(log zerolog.Logger) *LogHandlers {
	return &LogHandlers{
		log: log.With().Str("component", "log_handlers").Logger(),
	}
}

// LogContentResponse represents log content
type LogContentResponse struct {
	Lines  []string `json:"lines"`
	Total  int      `json:"total"`
	Status string   `json:"status"`
}

// HandleGetLogs retrieves log content from journalctl with filtering.
// GET /api/logs?lines=&level=&search=
func (h *LogHandlers) HandleGetLogs(w http.ResponseWriter, r *http.Request) {
	level := strings.ToUpper(r.URL.Query().Get("level"))
	search := r.URL.Query().Get("search")
	lines := parseLines(r.URL.Query().Get("lines"), 100)

	h.log.Debug().
		Int("lines", lines).
		Str("level", level).
		Str("search", search).
		Msg("Reading journal")

	logLines, err := h.readJournal(lines)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read journal")
		http.Error(w, "Failed to read logs", http.StatusInternalServerError)
		return
	}

	response := LogContentResponse{
		Lines:  h.filterLogs(logLines, level, search),
		Total:  len(logLines),
		Status: "ok",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// HandleGetErrors retrieves only error logs from journalctl.
// GET /api/logs/errors?lines=
func (h *LogHandlers) HandleGetErrors(w http.ResponseWriter, r *http.Request) {
	lines := parseLines(r.URL.Query().Get("lines"), 500)

	logLines, err := h.readJournal(lines)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read journal")
		http.Error(w, "Failed to read logs", http.StatusInternalServerError)
		return
	}

	response := LogContentResponse{
		Lines:  h.filterLogs(logLines, "ERROR", ""),
		Total:  len(logLines),
		Status: "ok",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// readJournal shells out to journalctl for the engine's unit.
func (h *LogHandlers) readJournal(lines int) ([]string, error) {
	cmd := exec.Command("journalctl", "-u", journalUnit,
		fmt.Sprintf("--lines=%d", lines),
		"--output=short",
		"--no-pager")

	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	logLines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(logLines) == 1 && logLines[0] == "" {
		logLines = nil
	}
	return logLines, nil
}

// filterLogs filters log lines by level and search term
func (h *LogHandlers) filterLogs(lines []string, level string, search string) []string {
	if level == "" && search == "" {
		return lines
	}

	filtered := make([]string, 0)
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if level != "" && !h.lineMatchesLevel(line, level) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(line), strings.ToLower(search)) {
			continue
		}
		filtered = append(filtered, line)
	}
	return filtered
}

// lineMatchesLevel checks if a log line matches the specified level.
// Supports both zerolog JSON format and plain text.
func (h *LogHandlers) lineMatchesLevel(line string, level string) bool {
	if strings.Contains(line, `"level"`) {
		return strings.Contains(strings.ToLower(line), `"level":"`+strings.ToLower(level)+`"`)
	}

	upperLine := strings.ToUpper(line)
	upperLevel := strings.ToUpper(level)
	return strings.Contains(upperLine, upperLevel+":") ||
		strings.Contains(upperLine, "["+upperLevel+"]") ||
		strings.Contains(upperLine, " "+upperLevel+" ")
}

func parseLines(raw string, fallback int) int {
	lines := fallback
	if raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			lines = parsed
			if lines > maxLogLines {
				lines = maxLogLines
			}
		}
	}
	return lines
}
