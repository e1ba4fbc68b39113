// Package guard holds the storage health monitor and the empty-remote data
// guard, independent utilities consulted at startup and periodically.
package guard

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"stocksync/internal/localdb"
	"stocksync/pkg/logger"
)

// Status is the result of one health check.
type Status struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// Monitor estimates durable-storage utilization and notifies registered
// callbacks. Detect and notify only; remediation is the host's concern.
type Monitor struct {
	db       *sql.DB
	budget   int64
	interval time.Duration
	log      *logger.Logger

	mu        sync.Mutex
	callbacks map[int]func(string)
	nextID    int
}

// MonitorConfig tunes the monitor; zero values get defaults.
type MonitorConfig struct {
	// BudgetBytes is the local database size treated as full.
	BudgetBytes int64
	Interval    time.Duration
}

// warnFraction is the utilization at which warnings start.
const warnFraction = 0.8

// NewMonitor creates a monitor over the local database.
func NewMonitor(db *sql.DB, cfg MonitorConfig, log *logger.Logger) *Monitor {
	if cfg.BudgetBytes <= 0 {
		cfg.BudgetBytes = 512 << 20
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Monitor{
		db:        db,
		budget:    cfg.BudgetBytes,
		interval:  cfg.Interval,
		log:       log.WithComponent("health"),
		callbacks: make(map[int]func(string)),
	}
}

// RegisterWarning adds a warning callback and returns its unregister func.
// Callbacks fire at most as often as checks run.
func (m *Monitor) RegisterWarning(fn func(message string)) (unregister func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cbID := m.nextID
	m.nextID++
	m.callbacks[cbID] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.callbacks, cbID)
	}
}

// Check measures utilization once, notifying callbacks on any warning.
func (m *Monitor) Check() Status {
	size, err := localdb.Size(m.db)
	if err != nil {
		status := Status{Healthy: false, Message: fmt.Sprintf("local storage unreadable: %v", err)}
		m.warn(status.Message)
		return status
	}

	switch {
	case size >= m.budget:
		status := Status{
			Healthy: false,
			Message: fmt.Sprintf("local storage full: %d of %d bytes used", size, m.budget),
		}
		m.warn(status.Message)
		return status
	case float64(size) >= float64(m.budget)*warnFraction:
		status := Status{
			Healthy: true,
			Message: fmt.Sprintf("local storage nearly full: %d of %d bytes used", size, m.budget),
		}
		m.warn(status.Message)
		return status
	default:
		return Status{Healthy: true}
	}
}

// Run checks at startup and then periodically until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Check()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// HandleStorageError receives escalated durable-storage write failures from
// the operation log and forwards them as warnings.
func (m *Monitor) HandleStorageError(err error) {
	message := fmt.Sprintf("local storage write failed: %v", err)
	m.log.Errorw("storage write failure escalated", "error", err)
	m.warn(message)
}

func (m *Monitor) warn(message string) {
	m.mu.Lock()
	callbacks := make([]func(string), 0, len(m.callbacks))
	for _, fn := range m.callbacks {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()

	m.log.Warnw("storage warning", "message", message)
	for _, fn := range callbacks {
		fn(message)
	}
}
