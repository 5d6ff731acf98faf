// Package scheduler runs cron-driven background syncs for configured
// accounts.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/intentmail/intentmail/internal/config"
)

// SyncFunc performs a sync pass for one account, addressed by email.
type SyncFunc func(ctx context.Context, email string) error

// job is the tracked state of one scheduled account.
type job struct {
	entryID  cron.EntryID
	schedule string
	running  bool
	lastRun  time.Time
	lastErr  error
}

// AccountStatus is the reported state of one scheduled account.
type AccountStatus struct {
	Email     string    `json:"email"`
	Schedule  string    `json:"schedule"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	NextRun   time.Time `json:"nextRun"`
	LastError string    `json:"lastError,omitempty"`
}

// Scheduler owns the cron instance and the per-account job state. One
// sync per account runs at a time; an overlapping tick is skipped.
type Scheduler struct {
	cron     *cron.Cron
	syncFunc SyncFunc
	logger   *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]*job
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler around a sync callback. Schedules use standard
// five-field cron expressions.
func New(syncFunc SyncFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
		syncFunc: syncFunc,
		logger:   logger,
		jobs:     make(map[string]*job),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// AddAccount schedules an account, replacing any existing schedule.
func (s *Scheduler) AddAccount(email, cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[email]; ok {
		s.cron.Remove(existing.entryID)
		delete(s.jobs, email)
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() { s.tick(email) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	s.jobs[email] = &job{entryID: entryID, schedule: cronExpr}
	s.logger.Info("scheduled sync",
		"email", email,
		"schedule", cronExpr,
		"next_run", s.cron.Entry(entryID).Next)
	return nil
}

// AddAccountsFromConfig schedules every enabled account from the config.
// Returns how many were scheduled plus per-account failures.
func (s *Scheduler) AddAccountsFromConfig(cfg *config.Config) (int, []error) {
	var errs []error
	scheduled := 0
	for _, acc := range cfg.ScheduledAccounts() {
		if err := s.AddAccount(acc.Email, acc.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", acc.Email, err))
			continue
		}
		scheduled++
	}
	return scheduled, errs
}

// RemoveAccount drops an account's schedule.
func (s *Scheduler) RemoveAccount(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[email]; ok {
		s.cron.Remove(j.entryID)
		delete(s.jobs, email)
		s.logger.Info("removed schedule", "email", email)
	}
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.stopped = false
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", n)
}

// Stop halts scheduling, cancels in-flight syncs, and returns a context
// that is done once everything has drained.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	ctx, done := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		done()
	}()
	return ctx
}

// TriggerSync runs an account's sync now, outside its schedule.
func (s *Scheduler) TriggerSync(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	j, ok := s.jobs[email]
	if !ok {
		return fmt.Errorf("account %s is not scheduled", email)
	}
	if j.running {
		return fmt.Errorf("sync already running for %s", email)
	}
	j.running = true
	s.wg.Add(1)
	go s.runSync(email, j)
	return nil
}

// tick is the cron entry point for one account.
func (s *Scheduler) tick(email string) {
	s.mu.Lock()
	j, ok := s.jobs[email]
	if !ok || s.stopped || j.running {
		s.mu.Unlock()
		return
	}
	j.running = true
	s.wg.Add(1)
	s.mu.Unlock()
	s.runSync(email, j)
}

// runSync executes one sync pass. The caller has marked the job running
// and incremented the wait group.
func (s *Scheduler) runSync(email string, j *job) {
	defer s.wg.Done()

	s.logger.Info("starting scheduled sync", "email", email)
	start := time.Now()
	err := s.syncFunc(s.ctx, email)

	s.mu.Lock()
	j.running = false
	j.lastErr = err
	if err != nil {
		s.logger.Error("scheduled sync failed",
			"email", email, "duration", time.Since(start), "error", err)
	} else {
		j.lastRun = time.Now()
		s.logger.Info("scheduled sync completed",
			"email", email, "duration", time.Since(start))
	}
	s.mu.Unlock()
}

// IsScheduled reports whether an account has a schedule.
func (s *Scheduler) IsScheduled(email string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[email]
	return ok
}

// Status reports every scheduled account's state.
func (s *Scheduler) Status() []AccountStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]AccountStatus, 0, len(s.jobs))
	for email, j := range s.jobs {
		status := AccountStatus{
			Email:    email,
			Schedule: j.schedule,
			Running:  j.running,
			LastRun:  j.lastRun,
			NextRun:  s.cron.Entry(j.entryID).Next,
		}
		if j.lastErr != nil {
			status.LastError = j.lastErr.Error()
		}
		statuses = append(statuses, status)
	}
	return statuses
}
