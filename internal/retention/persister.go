package retention

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/vnorme/vnorme-bot/internal/clock"
	"github.com/vnorme/vnorme-bot/internal/logging"
	"github.com/vnorme/vnorme-bot/internal/profile"
)

// DefaultDebounce is the quiet period before a scheduled snapshot is written.
const DefaultDebounce = 500 * time.Millisecond

// Persister coalesces bursts of Schedule calls into a single snapshot of
// whatever the store holds when the timer fires.
type Persister struct {
	store    profile.Store
	backend  Backend
	clock    clock.Clock
	debounce time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	timer  clock.Timer
	gen    uint64
	closed bool

	saveMu sync.Mutex
}

func NewPersister(store profile.Store, backend Backend, clk clock.Clock, debounce time.Duration) *Persister {
	if clk == nil {
		clk = clock.Real()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Persister{
		store:    store,
		backend:  backend,
		clock:    clk,
		debounce: debounce,
		logger:   logging.For("retention"),
	}
}

// Schedule (re)starts the debounce window. It never blocks on I/O.
func (p *Persister) Schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = p.clock.AfterFunc(p.debounce, func() { p.fire(gen) })
}

func (p *Persister) fire(gen uint64) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.mu.Unlock()
	if err := p.save(context.Background()); err != nil {
		p.logger.Error("snapshot failed", "err", err)
	}
}

// Flush cancels any pending timer and writes synchronously.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
	p.mu.Unlock()
	return p.save(ctx)
}

// Close flushes once more and ignores later Schedule calls.
func (p *Persister) Close(ctx context.Context) error {
	err := p.Flush(ctx)
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return err
}

// Pending reports whether a snapshot is waiting for its timer.
func (p *Persister) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil
}

func (p *Persister) save(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	records := p.store.Snapshot()
	if err := p.backend.Save(ctx, records); err != nil {
		return err
	}
	p.logger.Debug("snapshot written", "records", len(records), "to", p.backend.Location())
	return nil
}
