// Package cron runs the bot's periodic maintenance jobs on robfig/cron.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	rcron "github.com/robfig/cron/v3"
	"github.com/vnorme/vnorme-bot/internal/logging"
)

// Func is the body of a scheduled job.
type Func func(ctx context.Context) error

// JobState records the outcome of the most recent run.
type JobState struct {
	Runs       int
	LastRunAt  time.Time
	LastStatus string // "ok" or "error"
	LastError  string
}

// Job is a read-only view of a registered job.
type Job struct {
	Name     string
	Schedule string
	Next     time.Time
	State    JobState
}

type job struct {
	name     string
	schedule string
	fn       Func
	entry    rcron.EntryID
	state    JobState
}

// Service owns the scheduler lifecycle: jobs are registered before or after
// Start and all of them stop together.
type Service struct {
	mu     sync.Mutex
	cron   *rcron.Cron
	jobs   map[string]*job
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	logger *log.Logger
}

var parser = rcron.NewParser(
	rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

func NewService() *Service {
	logger := logging.For("cron")
	return &Service{
		cron: rcron.New(
			rcron.WithParser(parser),
			rcron.WithChain(rcron.SkipIfStillRunning(cronLogger{logger})),
			rcron.WithLogger(cronLogger{logger}),
		),
		jobs:   make(map[string]*job),
		ctx:    context.Background(),
		logger: logger,
	}
}

// AddFunc registers fn under a unique name. spec accepts five or six field
// expressions and descriptors such as "@every 6h".
func (s *Service) AddFunc(name, spec string, fn Func) error {
	if fn == nil {
		return fmt.Errorf("job %s: nil func", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, schedule: spec, fn: fn}
	id, err := s.cron.AddFunc(spec, func() { s.execute(j) })
	if err != nil {
		return fmt.Errorf("job %s (%s): %w", name, spec, err)
	}
	j.entry = id
	s.jobs[name] = j
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(j.entry)
	delete(s.jobs, name)
	return true
}

// Start begins firing jobs. Cancelling ctx stops the service.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("cron already started")
	}
	s.ctx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("started", "jobs", n)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// Stop waits up to five seconds for running jobs. It is safe to call more
// than once.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	close(stopCh)

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("stop timeout waiting for running jobs")
	}
	cancel()
	s.logger.Info("stopped")
}

// RunNow executes a job synchronously outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(j)
}

func (s *Service) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Job{
			Name:     j.name,
			Schedule: j.schedule,
			Next:     s.cron.Entry(j.entry).Next,
			State:    j.state,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Service) execute(j *job) error {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	started := time.Now()
	err := j.fn(ctx)

	s.mu.Lock()
	j.state.Runs++
	j.state.LastRunAt = started
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
	} else {
		j.state.LastStatus = "ok"
		j.state.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", "job", j.name, "err", err)
	} else {
		s.logger.Debug("job done", "job", j.name, "took", time.Since(started))
	}
	return err
}

// cronLogger adapts the component logger to robfig's logger interface.
type cronLogger struct {
	l *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "err", err)...)
}
