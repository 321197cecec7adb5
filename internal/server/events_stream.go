package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alluse/engine/internal/events"
	"github.com/rs/zerolog"
)

// heartbeatInterval keeps idle SSE connections from being reaped by proxies.
const heartbeatInterval = 30 * time.Second

// streamableTypes lists every event type exposed over the stream.
var streamableTypes = []events.EventType{
	events.FillReceived,
	events.OrderTerminal,
	events.ProtocolEscalated,
	events.CircuitBreakerTripped,
	events.StateTransitioned,
	events.ForkCompleted,
	events.WeekClassified,
}

// EventsStreamHandler streams engine events to operators as Server-Sent
// Events. Handlers on the bus must not block, so each connection buffers
// behind a channel and drops events when the client falls behind.
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsStreamHandler creates the SSE handler over the engine event bus.
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus: bus,
		log: log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/stream. The optional ?types= parameter
// narrows the stream to a comma-separated list of event types.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	wanted := parseTypesFilter(r.URL.Query().Get("types"))

	h.log.Info().Int("types", len(wanted)).Msg("Client connected to event stream")

	// Buffer per connection; the bus handler must never block a publisher.
	eventChan := make(chan events.Event, 100)
	forward := func(event events.Event) {
		select {
		case eventChan <- event:
		default:
			h.log.Warn().Str("event_type", string(event.Type)).Msg("Event channel full, dropping event")
		}
	}
	for _, t := range wanted {
		h.bus.Subscribe(t, forward)
	}

	fmt.Fprintf(w, "data: %s\n\n", h.encode(map[string]interface{}{
		"type": "connected",
	}))
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			fmt.Fprintf(w, "data: %s\n\n", h.encode(map[string]interface{}{
				"type": string(event.Type),
				"at":   event.At.Format(time.RFC3339),
				"data": event.Data,
			}))
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprintf(w, "data: %s\n\n", h.encode(map[string]interface{}{
				"type": "heartbeat",
				"at":   time.Now().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

// parseTypesFilter resolves the requested types against the streamable set.
// An empty filter means everything.
func parseTypesFilter(raw string) []events.EventType {
	if raw == "" {
		return streamableTypes
	}

	requested := make(map[events.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		requested[events.EventType(strings.TrimSpace(part))] = true
	}

	var out []events.EventType
	for _, t := range streamableTypes {
		if requested[t] {
			out = append(out, t)
		}
	}
	return out
}

func (h *EventsStreamHandler) encode(payload map[string]interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return `{"error":"failed to encode event"}`
	}
	return string(data)
}
