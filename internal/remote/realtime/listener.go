// Package realtime subscribes to the remote change feed over a websocket and
// hands batches of changes to the cache after a short coalescing delay.
package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"stocksync/internal/core/entity"
	"stocksync/pkg/logger"
)

// ChangeEvent is one remote-origin mutation announced by the feed.
type ChangeEvent struct {
	Entity  entity.Table    `json:"entity"`
	Action  entity.Action   `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// Handler consumes a coalesced batch of change events.
type Handler func(events []ChangeEvent)

// Listener maintains a websocket subscription with reconnects.
type Listener struct {
	url       string
	coalescer *Coalescer
	log       *logger.Logger

	dialer         *websocket.Dialer
	backoffInitial time.Duration
	backoffMax     time.Duration
	pingInterval   time.Duration
	readWait       time.Duration
}

// ListenerConfig tunes the listener; zero values get defaults.
type ListenerConfig struct {
	URL            string
	CoalesceWindow time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	PingInterval   time.Duration
}

// NewListener creates a listener delivering coalesced batches to handler.
func NewListener(cfg ListenerConfig, handler Handler, log *logger.Logger) *Listener {
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = 2500 * time.Millisecond
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}

	return &Listener{
		url:            cfg.URL,
		coalescer:      NewCoalescer(cfg.CoalesceWindow, handler),
		log:            log.WithComponent("realtime"),
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		pingInterval:   cfg.PingInterval,
		readWait:       90 * time.Second,
	}
}

// Run keeps the subscription alive until ctx is cancelled. Reconnects use
// exponential backoff; a successful read resets the backoff.
func (l *Listener) Run(ctx context.Context) {
	defer l.coalescer.Stop()

	backoff := l.backoffInitial
	for {
		if ctx.Err() != nil {
			return
		}

		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.log.Warnw("change feed disconnected", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.backoffMax {
			backoff = l.backoffMax
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	l.log.Infow("change feed connected", "url", l.url)

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(l.readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(l.readWait))
	})

	pinger := time.NewTicker(l.pingInterval)
	defer pinger.Stop()
	go func() {
		for {
			select {
			case <-pinger.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(l.readWait))

		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			l.log.Warnw("undecodable change event skipped", "error", err)
			continue
		}
		l.coalescer.Add(ev)
	}
}
