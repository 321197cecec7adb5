package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/alluse/engine/internal/database"
	"github.com/alluse/engine/internal/domain"
)

const (
	defaultEntryLimit = 500
	maxEntryLimit     = 5000
)

// HealthResponse reports process, database and market-state health
type HealthResponse struct {
	Status          string            `json:"status"` // "healthy" or "degraded"
	Mode            string            `json:"mode"`
	BrokerConnected bool              `json:"broker_connected"`
	LedgerSeq       int64             `json:"ledger_seq"`
	Machines        map[string]string `json:"machines"`
	Databases       map[string]string `json:"databases"`
	CPUPercent      float64           `json:"cpu_percent"`
	MemoryPercent   float64           `json:"memory_percent"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Machines:  map[string]string{},
		Databases: map[string]string{},
	}

	if s.protocol != nil {
		resp.Mode = s.protocol.Mode().String()
	}
	if s.broker != nil {
		resp.BrokerConnected = s.broker.IsConnected()
		if !resp.BrokerConnected {
			resp.Status = "degraded"
		}
	}
	if s.ledger != nil {
		resp.LedgerSeq = s.ledger.LastSeq()
	}
	if s.supervisor != nil {
		for id, st := range s.supervisor.MachineStates() {
			resp.Machines[id] = string(st)
		}
	}

	databases := map[string]*database.DB{
		"state":      s.stateDB,
		"ledger":     s.ledgerDB,
		"marketdata": s.marketDataDB,
	}
	for name, db := range databases {
		if db == nil {
			continue
		}
		if err := s.checkDatabase(db); err != nil {
			resp.Databases[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Databases[name] = "ok"
	}

	resp.CPUPercent, resp.MemoryPercent = s.systemStats()

	s.writeJSON(w, http.StatusOK, resp)
}

// checkDatabase runs SQLite's cheap consistency probe. The deep
// integrity_check runs on the scheduler, not per request.
func (s *Server) checkDatabase(db *database.DB) error {
	var result string
	if err := db.Conn().QueryRow("PRAGMA quick_check(1)").Scan(&result); err != nil {
		return fmt.Errorf("quick_check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check returned: %s", result)
	}
	return nil
}

// systemStats returns CPU and RAM usage percentages. The short sample
// interval keeps the health endpoint fast.
func (s *Server) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

// handleListAccounts returns every account with its machine state
// GET /api/accounts
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := s.store.Accounts.All()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	machines := map[string]string{}
	if s.supervisor != nil {
		for id, st := range s.supervisor.MachineStates() {
			machines[id] = string(st)
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accts,
		"machines": machines,
	})
}

// handleAccountWeek returns the stored week classification for an account.
// Defaults to the current ISO week; override with ?year= and ?week=.
// GET /api/accounts/{id}/week
func (s *Server) handleAccountWeek(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	isoYear, isoWeek := s.clk.Now().ISOWeek()
	if v := r.URL.Query().Get("year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid year")
			return
		}
		isoYear = y
	}
	if v := r.URL.Query().Get("week"); v != "" {
		wk, err := strconv.Atoi(v)
		if err != nil || wk < 1 || wk > 53 {
			s.writeError(w, http.StatusBadRequest, "invalid week")
			return
		}
		isoWeek = wk
	}

	wt, ok, err := s.store.WeekType(accountID, isoYear, isoWeek)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"iso_year":   isoYear,
		"iso_week":   isoWeek,
		"week_type":  wt,
		"classified": ok,
	})
}

// handlePauseAccount pauses an account; its machine finishes the current
// protective work but enters no new positions until resumed.
// POST /api/accounts/{id}/pause
func (s *Server) handlePauseAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	acct, err := s.store.Accounts.Get(accountID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if acct == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown account %s", accountID))
		return
	}
	if acct.Status == domain.AccountClosed {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("account %s is closed", accountID))
		return
	}

	opCycle := uuid.New().String()
	if err := s.store.SetAccountStatus(opCycle, accountID, domain.AccountPaused, "operator pause"); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Warn().Str("account", accountID).Msg("Account paused by operator")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"status":     domain.AccountPaused,
	})
}

// handleKill latches the kill switch: cancel all working orders, liquidate
// nothing, freeze all new entries until restart.
// POST /api/kill
func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	opCycle := uuid.New().String()
	if err := s.protocol.ForceKill(r.Context(), opCycle); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Warn().Msg("Kill switch latched via API")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode": s.protocol.Mode().String(),
	})
}

// LedgerEntryView is the wire form of a ledger entry. Payloads are msgpack
// and arrive base64-encoded.
type LedgerEntryView struct {
	Seq        int64     `json:"seq"`
	TS         time.Time `json:"ts"`
	CycleID    string    `json:"cycle_id,omitempty"`
	Category   string    `json:"category"`
	AccountID  string    `json:"account_id,omitempty"`
	PositionID string    `json:"position_id,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	Payload    []byte    `json:"payload"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// handleLedgerEntries streams ledger entries after a sequence number.
// GET /api/ledger/entries?since=N&limit=M
func (s *Server) handleLedgerEntries(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = n
	}

	limit := defaultEntryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > maxEntryLimit {
			n = maxEntryLimit
		}
		limit = n
	}

	entries, err := s.ledger.ReadSince(since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	truncated := len(entries) > limit
	if truncated {
		entries = entries[:limit]
	}

	views := make([]LedgerEntryView, len(entries))
	for i := range entries {
		e := &entries[i]
		views[i] = LedgerEntryView{
			Seq:        e.Seq,
			TS:         e.TS,
			CycleID:    e.CycleID,
			Category:   string(e.Category),
			AccountID:  e.AccountID,
			PositionID: e.PositionID,
			OrderID:    e.OrderID,
			Payload:    e.Payload,
			PrevHash:   e.PrevHash,
			Hash:       e.Hash,
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":   views,
		"count":     len(views),
		"truncated": truncated,
		"last_seq":  s.ledger.LastSeq(),
	})
}

// handleLedgerSnapshot records a snapshot entry binding the current derived
// state hash to the ledger tip.
// POST /api/ledger/snapshot
func (s *Server) handleLedgerSnapshot(w http.ResponseWriter, r *http.Request) {
	stateHash, err := s.store.StateHash()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	tip, err := s.ledger.Snapshot(stateHash)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Info().Str("state_hash", stateHash).Msg("Ledger snapshot recorded via API")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state_hash": stateHash,
		"tip_hash":   tip,
		"seq":        s.ledger.LastSeq(),
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
