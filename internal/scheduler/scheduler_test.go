package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/intentmail/intentmail/internal/config"
	"github.com/intentmail/intentmail/internal/scheduler"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddAccountValidatesCron(t *testing.T) {
	s := scheduler.New(func(context.Context, string) error { return nil }, discard())

	if err := s.AddAccount("a@example.com", "*/15 * * * *"); err != nil {
		t.Fatalf("valid expression rejected: %v", err)
	}
	if err := s.AddAccount("b@example.com", "not a cron"); err == nil {
		t.Error("invalid expression accepted")
	}
	// Six fields is the seconds-extended form, which is not supported.
	if err := s.AddAccount("c@example.com", "0 */15 * * * *"); err == nil {
		t.Error("six-field expression accepted")
	}
	if !s.IsScheduled("a@example.com") || s.IsScheduled("b@example.com") {
		t.Error("schedule bookkeeping wrong")
	}
}

func TestAddAccountReplacesSchedule(t *testing.T) {
	s := scheduler.New(func(context.Context, string) error { return nil }, discard())

	if err := s.AddAccount("a@example.com", "0 * * * *"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddAccount("a@example.com", "*/5 * * * *"); err != nil {
		t.Fatal(err)
	}

	statuses := s.Status()
	if len(statuses) != 1 {
		t.Fatalf("%d statuses, want 1", len(statuses))
	}
	if statuses[0].Schedule != "*/5 * * * *" {
		t.Errorf("schedule %q", statuses[0].Schedule)
	}
}

func TestAddAccountsFromConfig(t *testing.T) {
	s := scheduler.New(func(context.Context, string) error { return nil }, discard())
	cfg := &config.Config{Accounts: []config.AccountSchedule{
		{Email: "on@example.com", Schedule: "0 * * * *", Enabled: true},
		{Email: "off@example.com", Schedule: "0 * * * *", Enabled: false},
		{Email: "bad@example.com", Schedule: "nope", Enabled: true},
		{Email: "blank@example.com", Schedule: "", Enabled: true},
	}}

	scheduled, errs := s.AddAccountsFromConfig(cfg)
	if scheduled != 1 {
		t.Errorf("scheduled %d, want 1", scheduled)
	}
	if len(errs) != 1 {
		t.Errorf("errs %v", errs)
	}
	if !s.IsScheduled("on@example.com") || s.IsScheduled("off@example.com") {
		t.Error("wrong accounts scheduled")
	}
}

func TestTriggerSyncRunsCallback(t *testing.T) {
	var calls atomic.Int32
	done := make(chan string, 1)
	s := scheduler.New(func(_ context.Context, email string) error {
		calls.Add(1)
		done <- email
		return nil
	}, discard())

	if err := s.AddAccount("a@example.com", "0 * * * *"); err != nil {
		t.Fatal(err)
	}
	if err := s.TriggerSync("missing@example.com"); err == nil {
		t.Error("trigger for unscheduled account succeeded")
	}
	if err := s.TriggerSync("a@example.com"); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	select {
	case email := <-done:
		if email != "a@example.com" {
			t.Errorf("synced %q", email)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sync never ran")
	}
	drain := s.Stop()
	<-drain.Done()
	if calls.Load() != 1 {
		t.Errorf("callback ran %d times", calls.Load())
	}
}

func TestTriggerSyncSkipsOverlap(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	s := scheduler.New(func(ctx context.Context, _ string) error {
		close(started)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}, discard())

	if err := s.AddAccount("a@example.com", "0 * * * *"); err != nil {
		t.Fatal(err)
	}
	if err := s.TriggerSync("a@example.com"); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := s.TriggerSync("a@example.com"); err == nil {
		t.Error("overlapping trigger accepted")
	}
	close(block)
	<-s.Stop().Done()
}

func TestStatusReportsLastError(t *testing.T) {
	failure := errors.New("imap handshake failed")
	done := make(chan struct{})
	s := scheduler.New(func(context.Context, string) error {
		defer close(done)
		return failure
	}, discard())

	if err := s.AddAccount("a@example.com", "0 * * * *"); err != nil {
		t.Fatal(err)
	}
	if err := s.TriggerSync("a@example.com"); err != nil {
		t.Fatal(err)
	}
	<-done
	<-s.Stop().Done()

	statuses := s.Status()
	if len(statuses) != 1 {
		t.Fatalf("%d statuses", len(statuses))
	}
	if statuses[0].LastError != "imap handshake failed" {
		t.Errorf("lastError %q", statuses[0].LastError)
	}
	if statuses[0].Running {
		t.Error("job still marked running")
	}
	if !statuses[0].LastRun.IsZero() {
		t.Error("failed run stamped lastRun")
	}
}

func TestStopRefusesNewWork(t *testing.T) {
	s := scheduler.New(func(context.Context, string) error { return nil }, discard())
	if err := s.AddAccount("a@example.com", "0 * * * *"); err != nil {
		t.Fatal(err)
	}
	s.Start()
	<-s.Stop().Done()

	if err := s.TriggerSync("a@example.com"); err == nil {
		t.Error("trigger accepted after stop")
	}
}
