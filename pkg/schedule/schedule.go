// Package schedule runs recurring fleet jobs (fleet-wide checks, the stale
// check reaper) on cron specs. A job whose previous run is still going is
// skipped rather than stacked.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled unit of work. ctx is cancelled when the scheduler
// stops.
type Job func(ctx context.Context)

type entry struct {
	id   cron.EntryID
	spec string
	job  Job
}

// Scheduler owns a cron instance and a set of named jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]entry

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a stopped Scheduler. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:  logger,
		entries: make(map[string]entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Validate reports whether spec is a standard five-field cron spec or a
// descriptor such as "@every 1h".
func Validate(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("schedule: invalid spec %q: %w", spec, err)
	}
	return nil
}

// Add registers job under name. Adding an existing name replaces it.
func (s *Scheduler) Add(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(name, spec, job)
}

func (s *Scheduler) add(name, spec string, job Job) error {
	if err := Validate(spec); err != nil {
		return err
	}
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old.id)
	}
	id, err := s.cron.AddFunc(spec, func() {
		s.logger.Debug("scheduled job starting", "job", name)
		job(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule: add %s: %w", name, err)
	}
	s.entries[name] = entry{id: id, spec: spec, job: job}
	s.logger.Info("job scheduled", "job", name, "spec", spec)
	return nil
}

// Reschedule moves name to a new spec. It is a no-op when the spec is
// unchanged.
func (s *Scheduler) Reschedule(name, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("schedule: unknown job %q", name)
	}
	if e.spec == spec {
		return nil
	}
	return s.add(name, spec, e.job)
}

// Spec returns the spec name is scheduled on.
func (s *Scheduler) Spec(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	return e.spec, ok
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running jobs' context and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
