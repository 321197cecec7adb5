package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/alluse/engine/internal/domain"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	dialTimeout = 30 * time.Second

	// Reconnection constants
	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

// feedMessage is the wire format of the streaming feed
type feedMessage struct {
	Type   string  `json:"type"` // "quote" | "vix"
	Symbol string  `json:"symbol,omitempty"`
	Bid    float64 `json:"bid,omitempty"`
	Ask    float64 `json:"ask,omitempty"`
	Last   float64 `json:"last,omitempty"`
	Value  float64 `json:"value,omitempty"`
	TS     int64   `json:"ts"`
}

// Feed maintains a websocket subscription to the market-data stream and
// pushes updates through the coalescer into the snapshot cache.
type Feed struct {
	url       string
	coalescer *Coalescer
	cache     *Cache
	log       zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	stopChan  chan struct{}
	stopped   bool
}

// NewFeed creates a feed adapter for the given websocket URL
func NewFeed(url string, coalescer *Coalescer, cache *Cache, log zerolog.Logger) *Feed {
	return &Feed{
		url:       url,
		coalescer: coalescer,
		cache:     cache,
		log:       log.With().Str("component", "market_feed").Logger(),
		stopChan:  make(chan struct{}),
	}
}

// IsConnected reports connection health
func (f *Feed) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Start connects and runs the read loop with automatic reconnection.
// Blocks until Stop is called or reconnection attempts are exhausted.
func (f *Feed) Start(ctx context.Context) error {
	attempt := 0

	for {
		select {
		case <-f.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := f.connect(ctx); err != nil {
			attempt++
			if attempt > maxReconnectAttempts {
				return fmt.Errorf("market feed: gave up after %d reconnect attempts: %w", maxReconnectAttempts, err)
			}

			delay := reconnectDelay(attempt)
			f.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Feed connection failed")

			select {
			case <-time.After(delay):
				continue
			case <-f.stopChan:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		attempt = 0
		f.readLoop(ctx)

		f.mu.Lock()
		f.connected = false
		f.mu.Unlock()
	}
}

// Stop terminates the feed
func (f *Feed) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return nil
	}
	f.stopped = true
	close(f.stopChan)

	if f.conn != nil {
		return f.conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	return nil
}

func (f *Feed) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	f.log.Info().Str("url", f.url).Msg("Market feed connected")
	return nil
}

func (f *Feed) readLoop(ctx context.Context) {
	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := f.conn.Read(ctx)
		if err != nil {
			f.log.Warn().Err(err).Msg("Feed read failed, reconnecting")
			return
		}

		var msg feedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.log.Warn().Err(err).Msg("Malformed feed message, skipping")
			continue
		}

		switch msg.Type {
		case "quote":
			f.coalescer.Offer(domain.Quote{
				Symbol: msg.Symbol,
				Bid:    msg.Bid,
				Ask:    msg.Ask,
				Last:   msg.Last,
				At:     time.Unix(0, msg.TS),
			})
		case "vix":
			f.cache.SetVIXPrint(msg.Value)
		default:
			f.log.Debug().Str("type", msg.Type).Msg("Unknown feed message type")
		}
	}
}

// reconnectDelay returns the exponential backoff delay for an attempt.
func reconnectDelay(attempt int) time.Duration {
	delay := time.Duration(float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxReconnectDelay {
		return maxReconnectDelay
	}
	return delay
}
