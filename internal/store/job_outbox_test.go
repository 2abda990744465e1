package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// forEachQueueBackend runs fn against the backends whose job tables are private to the test.
func forEachQueueBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewInMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
}

func TestJobRepo_EnqueueAndGet(t *testing.T) {
	forEachQueueBackend(t, func(t *testing.T, b Backend) {
		id, err := b.EnqueueJob(JobKindCreateStory, time.Now().Add(time.Hour), `{"request_id":"r1"}`, "")
		if err != nil || id == "" {
			t.Fatalf("EnqueueJob = %q, %v", id, err)
		}
		job, err := b.GetJob(id)
		if err != nil || job == nil {
			t.Fatalf("GetJob = %v, %v", job, err)
		}
		if job.Kind != JobKindCreateStory || job.Status != JobStatusQueued || job.PayloadJSON != `{"request_id":"r1"}` {
			t.Errorf("job = %+v", job)
		}
		if job.MaxAttempts != defaultJobMaxAttempts {
			t.Errorf("MaxAttempts = %d", job.MaxAttempts)
		}
		if j, _ := b.GetJob("missing"); j != nil {
			t.Errorf("missing job = %+v", j)
		}
	})
}

func TestJobRepo_DedupeKey(t *testing.T) {
	forEachQueueBackend(t, func(t *testing.T, b Backend) {
		runAt := time.Now().Add(time.Hour)
		id1, _ := b.EnqueueJob(JobKindRefundCredits, runAt, `{}`, "fin_abc")
		id2, _ := b.EnqueueJob(JobKindRefundCredits, runAt, `{}`, "fin_abc")
		if id1 != id2 {
			t.Errorf("dedupe returned %q and %q", id1, id2)
		}
		id3, _ := b.EnqueueJob(JobKindRefundCredits, runAt, `{}`, "fin_def")
		if id3 == id1 {
			t.Error("different dedupe keys must create different jobs")
		}

		// A finished job no longer blocks its key.
		if err := b.CompleteJob(id1); err != nil {
			t.Fatal(err)
		}
		id4, _ := b.EnqueueJob(JobKindRefundCredits, runAt, `{}`, "fin_abc")
		if id4 == id1 {
			t.Error("completed job should not dedupe")
		}
	})
}

func TestJobRepo_ClaimAndRetry(t *testing.T) {
	forEachQueueBackend(t, func(t *testing.T, b Backend) {
		now := time.Now()
		due, _ := b.EnqueueJob(JobKindCreateStory, now.Add(-time.Minute), `{}`, "")
		future, _ := b.EnqueueJob(JobKindCreateStory, now.Add(time.Hour), `{}`, "")

		jobs, err := b.ClaimDueJobs(now, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) != 1 || jobs[0].ID != due || jobs[0].Status != JobStatusRunning || jobs[0].LockedAt == nil {
			t.Fatalf("claimed = %+v", jobs)
		}
		if again, _ := b.ClaimDueJobs(now, 10); len(again) != 0 {
			t.Errorf("running job claimed twice: %+v", again)
		}

		for i := 1; i < defaultJobMaxAttempts; i++ {
			if err := b.FailJob(due, "backend down", now.Add(-time.Second)); err != nil {
				t.Fatal(err)
			}
			j, _ := b.GetJob(due)
			if j.Status != JobStatusQueued || j.Attempt != i || j.LastError != "backend down" {
				t.Fatalf("after failure %d: %+v", i, j)
			}
		}
		if err := b.FailJob(due, "backend down", now); err != nil {
			t.Fatal(err)
		}
		if j, _ := b.GetJob(due); j.Status != JobStatusFailed {
			t.Errorf("exhausted job status = %s", j.Status)
		}
		if err := b.FailJob("missing", "x", now); !errors.Is(err, ErrNotFound) {
			t.Errorf("FailJob missing: %v", err)
		}

		if err := b.CancelJob(future); err != nil {
			t.Fatal(err)
		}
		if j, _ := b.GetJob(future); j.Status != JobStatusCanceled {
			t.Errorf("canceled job status = %s", j.Status)
		}
	})
}

func TestJobRepo_RequeueStale(t *testing.T) {
	forEachQueueBackend(t, func(t *testing.T, b Backend) {
		now := time.Now()
		id, _ := b.EnqueueJob(JobKindCreateStory, now.Add(-time.Hour), `{}`, "")
		if _, err := b.ClaimDueJobs(now.Add(-10*time.Minute), 10); err != nil {
			t.Fatal(err)
		}
		n, err := b.RequeueStaleRunningJobs(now.Add(-5 * time.Minute))
		if err != nil || n != 1 {
			t.Fatalf("RequeueStaleRunningJobs = %d, %v", n, err)
		}
		if j, _ := b.GetJob(id); j.Status != JobStatusQueued || j.LockedAt != nil {
			t.Errorf("requeued job = %+v", j)
		}
	})
}

func TestJobRunner_Poll(t *testing.T) {
	b := NewInMemoryStore()
	now := time.Now()
	runner := NewJobRunner(b, time.Second)
	runner.now = func() time.Time { return now }

	calls := 0
	runner.RegisterHandler(JobKindCreateStory, func(ctx context.Context, payload string) error {
		calls++
		if calls == 1 {
			return errors.New("temporary")
		}
		return nil
	})

	id, _ := b.EnqueueJob(JobKindCreateStory, now, `{}`, "")
	orphan, _ := b.EnqueueJob("unknown_kind", now, `{}`, "")

	if done := runner.Poll(context.Background()); done != 0 {
		t.Errorf("first poll completed %d jobs", done)
	}
	j, _ := b.GetJob(id)
	if j.Status != JobStatusQueued || j.Attempt != 1 || !j.RunAt.Equal(now.Add(30*time.Second).UTC()) {
		t.Errorf("after failure = %+v", j)
	}
	if o, _ := b.GetJob(orphan); o.LastError == "" {
		t.Errorf("job without handler = %+v", o)
	}

	now = now.Add(30 * time.Second)
	if done := runner.Poll(context.Background()); done != 1 {
		t.Errorf("second poll completed %d jobs", done)
	}
	if j, _ := b.GetJob(id); j.Status != JobStatusDone {
		t.Errorf("status = %s", j.Status)
	}
}

func TestOutboxRepo_Lifecycle(t *testing.T) {
	forEachQueueBackend(t, func(t *testing.T, b Backend) {
		id, err := b.EnqueueOutboxMessage("u1", OutboxKindStoryReady, `{"body":"ready"}`, "notify:r1")
		if err != nil {
			t.Fatal(err)
		}
		dup, _ := b.EnqueueOutboxMessage("u1", OutboxKindStoryReady, `{"body":"ready"}`, "notify:r1")
		if dup != id {
			t.Errorf("dedupe returned %q, want %q", dup, id)
		}

		now := time.Now()
		msgs, err := b.ClaimDueOutboxMessages(now, 10)
		if err != nil || len(msgs) != 1 {
			t.Fatalf("claim = %+v, %v", msgs, err)
		}
		m := msgs[0]
		if m.UserID != "u1" || m.Kind != OutboxKindStoryReady || m.Status != OutboxStatusSending {
			t.Errorf("message = %+v", m)
		}

		if err := b.FailOutboxMessage(id, "twilio 503", now.Add(time.Minute)); err != nil {
			t.Fatal(err)
		}
		if msgs, _ := b.ClaimDueOutboxMessages(now, 10); len(msgs) != 0 {
			t.Errorf("message claimed before its retry time: %+v", msgs)
		}
		msgs, _ = b.ClaimDueOutboxMessages(now.Add(2*time.Minute), 10)
		if len(msgs) != 1 || msgs[0].Attempts != 1 || msgs[0].LastError != "twilio 503" {
			t.Fatalf("retry claim = %+v", msgs)
		}
		if err := b.MarkOutboxMessageSent(id); err != nil {
			t.Fatal(err)
		}
		// Sent messages keep deduplicating so a notice goes out once.
		if again, _ := b.EnqueueOutboxMessage("u1", OutboxKindStoryReady, `{}`, "notify:r1"); again != id {
			t.Errorf("sent message did not dedupe: %q", again)
		}
	})
}

func TestOutboxSender_Poll(t *testing.T) {
	b := NewInMemoryStore()
	now := time.Now()
	fail := true
	var seen []string
	sender := NewOutboxSender(b, func(ctx context.Context, msg OutboxMessage) error {
		seen = append(seen, msg.ID)
		if fail {
			return errors.New("unreachable")
		}
		return nil
	}, time.Second)
	sender.now = func() time.Time { return now }

	id, _ := b.EnqueueOutboxMessage("u1", OutboxKindStoryReady, `{}`, "")
	if sent := sender.Poll(context.Background()); sent != 0 {
		t.Errorf("sent = %d", sent)
	}
	fail = false
	if sent := sender.Poll(context.Background()); sent != 0 {
		t.Error("message retried before backoff elapsed")
	}
	now = now.Add(10 * time.Second)
	if sent := sender.Poll(context.Background()); sent != 1 {
		t.Errorf("sent after backoff = %d", sent)
	}
	if len(seen) != 2 || seen[0] != id {
		t.Errorf("send calls = %v", seen)
	}
}
