package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob(DefaultNotifySchedule, func() {}); err != nil {
		t.Errorf("Expected descriptor schedule to be accepted, got %v", err)
	}
	if err := s.AddJob("not a schedule", func() {}); err == nil {
		t.Error("Expected an error for an invalid expression")
	}
}

func TestParserRejectsSeconds(t *testing.T) {
	if _, err := NewParser().Parse("*/5 * * * * *"); err == nil {
		t.Error("Expected 6-field expressions to be rejected")
	}
}

func TestAddSweepRuns(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	ran := make(chan struct{}, 4)
	sweep := func(context.Context) (int, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return 1, nil
	}
	if err := s.AddSweep(context.Background(), "test", "@every 1s", sweep); err != nil {
		t.Fatalf("AddSweep: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("sweep did not run")
	}
}

func TestAddSweepSkipsAfterCancel(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := make(chan struct{}, 1)
	sweep := func(context.Context) (int, error) {
		called <- struct{}{}
		return 0, errors.New("should not run")
	}
	if err := s.AddSweep(ctx, "cancelled", "@every 1s", sweep); err != nil {
		t.Fatalf("AddSweep: %v", err)
	}
	select {
	case <-called:
		t.Fatal("sweep ran after its context was cancelled")
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestAddSweepInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddSweep(context.Background(), "bad", "every minute", func(context.Context) (int, error) { return 0, nil }); err == nil {
		t.Error("Expected an error for an invalid expression")
	}
}
