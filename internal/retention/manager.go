package retention

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/vnorme/vnorme-bot/internal/clock"
	"github.com/vnorme/vnorme-bot/internal/logging"
	"github.com/vnorme/vnorme-bot/internal/profile"
)

const (
	DefaultInactivityTTL = 30 * 24 * time.Hour
	DefaultMaxAge        = 365 * 24 * time.Hour
	DefaultSweepSchedule = "@every 6h"
	SweepJobName         = "retention-sweep"
)

// Manager is the only component that deletes records.
type Manager struct {
	store     profile.Store
	backend   Backend
	persister *Persister
	policy    profile.ExpiryPolicy
	clock     clock.Clock
	logger    *log.Logger
}

type Options struct {
	Policy   profile.ExpiryPolicy
	Debounce time.Duration
	Clock    clock.Clock
}

func NewManager(store profile.Store, backend Backend, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Policy.InactivityTTL <= 0 {
		opts.Policy.InactivityTTL = DefaultInactivityTTL
	}
	if opts.Policy.MaxAge <= 0 {
		opts.Policy.MaxAge = DefaultMaxAge
	}
	return &Manager{
		store:     store,
		backend:   backend,
		persister: NewPersister(store, backend, opts.Clock, opts.Debounce),
		policy:    opts.Policy,
		clock:     opts.Clock,
		logger:    logging.For("retention"),
	}
}

// Hydrate replaces the store contents with the durable snapshot. A missing
// or unreadable snapshot leaves an empty store; it is never fatal.
func (m *Manager) Hydrate(ctx context.Context) int {
	records, err := m.backend.Load(ctx)
	if err != nil {
		m.logger.Warn("snapshot unreadable, starting empty", "from", m.backend.Location(), "err", err)
		records = nil
	}
	m.store.Replace(records)
	n := m.store.Len()
	m.logger.Info("hydrated", "records", n, "from", m.backend.Location())
	return n
}

// Persist schedules a debounced snapshot.
func (m *Manager) Persist() {
	m.persister.Schedule()
}

// Reset deletes a record on user request. The next message starts fresh.
func (m *Manager) Reset(id string) bool {
	deleted := m.store.Delete(id)
	m.persister.Schedule()
	if deleted {
		m.logger.Info("record reset", "id", id)
	}
	return deleted
}

// Sweep evicts every expired record as of now and returns their ids.
func (m *Manager) Sweep(now time.Time) []string {
	ids := m.store.ListExpired(now, m.policy)
	var evicted []string
	for _, id := range ids {
		if m.store.Delete(id) {
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		m.persister.Schedule()
		m.logger.Info("sweep evicted records", "count", len(evicted), "remaining", m.store.Len())
	} else {
		m.logger.Debug("sweep found nothing to evict", "records", m.store.Len())
	}
	return evicted
}

// SweepJob adapts Sweep to the scheduler.
func (m *Manager) SweepJob(context.Context) error {
	m.Sweep(m.clock.Now())
	return nil
}

func (m *Manager) Policy() profile.ExpiryPolicy { return m.policy }

// Flush writes the snapshot immediately.
func (m *Manager) Flush(ctx context.Context) error {
	return m.persister.Flush(ctx)
}

// Close flushes and releases the backend.
func (m *Manager) Close(ctx context.Context) error {
	err := m.persister.Close(ctx)
	if cerr := m.backend.Close(); err == nil {
		err = cerr
	}
	return err
}
