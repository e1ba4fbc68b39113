package realtime

import (
	"sync"
	"time"
)

// Coalescer buffers change events and flushes them as one batch once the
// feed has been quiet for the window, or immediately when the window has
// elapsed since the first buffered event. The cap on delay keeps a chatty
// feed from starving the flush forever.
type Coalescer struct {
	mu      sync.Mutex
	window  time.Duration
	handler Handler

	buf       []ChangeEvent
	timer     *time.Timer
	firstSeen time.Time
	stopped   bool
}

// NewCoalescer creates a coalescer flushing batches to handler.
func NewCoalescer(window time.Duration, handler Handler) *Coalescer {
	return &Coalescer{window: window, handler: handler}
}

// Add buffers one event and (re)arms the flush timer.
func (c *Coalescer) Add(ev ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	if len(c.buf) == 0 {
		c.firstSeen = time.Now()
	}
	c.buf = append(c.buf, ev)

	// Quiet-period debounce, capped at one window from the first event.
	delay := c.window / 4
	if remaining := c.window - time.Since(c.firstSeen); remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, c.flush)
}

// Flush delivers any buffered events immediately.
func (c *Coalescer) Flush() {
	c.flush()
}

func (c *Coalescer) flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := c.buf
	c.buf = nil
	c.mu.Unlock()

	if len(batch) > 0 {
		c.handler(batch)
	}
}

// Stop flushes what is buffered and rejects further events.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.flush()
}
