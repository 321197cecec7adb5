package marketdata

import (
	"sync"

	"github.com/alluse/engine/internal/domain"
	"github.com/rs/zerolog"
)

// Coalescer applies back-pressure to market-data updates. When updates for a
// symbol outpace consumption, intermediate updates are dropped and only the
// latest is retained.
type Coalescer struct {
	cache *Cache
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[string]domain.Quote
	order   []string
	notify  chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	dropped int64
}

// NewCoalescer creates a coalescer feeding the given cache
func NewCoalescer(cache *Cache, log zerolog.Logger) *Coalescer {
	return &Coalescer{
		cache:   cache,
		log:     log.With().Str("component", "quote_coalescer").Logger(),
		pending: make(map[string]domain.Quote),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Offer enqueues a quote update. If one is already pending for the symbol it
// is replaced; only the latest update survives.
func (c *Coalescer) Offer(q domain.Quote) {
	c.mu.Lock()
	if _, exists := c.pending[q.Symbol]; exists {
		c.dropped++
	} else {
		c.order = append(c.order, q.Symbol)
	}
	c.pending[q.Symbol] = q
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Dropped returns the count of superseded updates
func (c *Coalescer) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Run drains pending updates into the cache until Stop is called.
func (c *Coalescer) Run() {
	defer close(c.stopped)

	for {
		select {
		case <-c.stop:
			c.drain()
			return
		case <-c.notify:
			c.drain()
		}
	}
}

// Stop stops the coalescer after a final drain.
func (c *Coalescer) Stop() {
	close(c.stop)
	<-c.stopped
}

func (c *Coalescer) drain() {
	for {
		c.mu.Lock()
		if len(c.order) == 0 {
			c.mu.Unlock()
			return
		}
		symbol := c.order[0]
		c.order = c.order[1:]
		q := c.pending[symbol]
		delete(c.pending, symbol)
		c.mu.Unlock()

		c.cache.SetQuote(q)
	}
}
