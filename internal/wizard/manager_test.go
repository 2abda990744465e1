package wizard

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/testutil"
)

type seriesMap map[string]*models.Series

func (m seriesMap) GetSeries(id string) (*models.Series, error) {
	return m[id], nil
}

func newTestManager(t *testing.T, credits int, opts ...ManagerOption) (*Manager, *MemorySessions, *testutil.FakeGateway, *testutil.FakeSink) {
	t.Helper()
	sessions := NewMemorySessions()
	gw := testutil.NewFakeGateway(credits, nil)
	sink := testutil.NewFakeSink("r1", nil)
	return NewManager(sessions, NewFinalizer(gw, sink), opts...), sessions, gw, sink
}

func fillSession(t *testing.T, m *Manager, userID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := m.Start(ctx, userID); err != nil {
		t.Fatal(err)
	}
	_, err := m.Update(ctx, userID, func(s *Session) error {
		s.SetChildren([]string{"c1"})
		s.SetCategory("cat-adventure")
		for s.CanNext() {
			if err := s.Next(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestManagerLifecycle(t *testing.T) {
	m, sessions, _, _ := newTestManager(t, 1)
	ctx := context.Background()

	if _, err := m.Get(ctx, "u1"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Get before Start: %v", err)
	}
	if _, err := m.Start(ctx, ""); !errors.Is(err, models.ErrMissingUserID) {
		t.Errorf("Start without user: %v", err)
	}

	fillSession(t, m, "u1")
	s, err := m.Get(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Current() != StepFinalizeAndSubmit {
		t.Errorf("step = %s", s.Current())
	}

	res, err := m.Finalize(ctx, "u1")
	if err != nil || res.RequestID != "r1" {
		t.Fatalf("Finalize = %+v, %v", res, err)
	}
	if snap, _ := sessions.Load(ctx, "u1"); snap != nil {
		t.Errorf("consumed session still stored: %+v", snap)
	}
}

func TestManagerUpdateRejectedIsNotSaved(t *testing.T) {
	m, _, _, _ := newTestManager(t, 1)
	ctx := context.Background()
	if _, err := m.Start(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	_, err := m.Update(ctx, "u1", func(s *Session) error {
		s.SetCategory("cat")
		return s.Next()
	})
	requireKind(t, err, MissingChildren)

	s, _ := m.Get(ctx, "u1")
	if s.Snapshot().CategoryID != nil {
		t.Error("a rejected update must not be persisted")
	}
}

func TestManagerFinalizeFailurePreservesSession(t *testing.T) {
	m, sessions, _, _ := newTestManager(t, 0)
	ctx := context.Background()
	fillSession(t, m, "u1")

	var insufficient *InsufficientCreditsError
	if _, err := m.Finalize(ctx, "u1"); !errors.As(err, &insufficient) {
		t.Fatalf("err = %v", err)
	}
	snap, _ := sessions.Load(ctx, "u1")
	if snap == nil || len(snap.ChildIDs) != 1 || snap.SubmittingSince != nil {
		t.Errorf("stored session = %+v", snap)
	}
	// The user can keep editing after a failed attempt.
	if _, err := m.Update(ctx, "u1", func(s *Session) error { s.SetGenerateImages(true); return nil }); err != nil {
		t.Errorf("Update after failure: %v", err)
	}
}

func TestManagerInFlightMark(t *testing.T) {
	now := time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)
	m, sessions, _, sink := newTestManager(t, 2, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	fillSession(t, m, "u1")

	// Simulate a finalize running elsewhere against the same store.
	snap, _ := sessions.Load(ctx, "u1")
	since := now.Add(-30 * time.Second)
	snap.SubmittingSince = &since
	_ = sessions.Save(ctx, *snap)

	if _, err := m.Finalize(ctx, "u1"); !errors.Is(err, ErrFinalizeInProgress) {
		t.Errorf("Finalize: %v", err)
	}
	if _, err := m.Update(ctx, "u1", func(*Session) error { return nil }); !errors.Is(err, ErrFinalizeInProgress) {
		t.Errorf("Update: %v", err)
	}
	if err := m.Cancel(ctx, "u1"); !errors.Is(err, ErrFinalizeInProgress) {
		t.Errorf("Cancel: %v", err)
	}
	if sink.SubmitCount() != 0 {
		t.Error("nothing may be submitted while marked")
	}

	// A crashed finalize stops blocking once the mark is stale.
	now = now.Add(DefaultInFlightTimeout)
	if _, err := m.Finalize(ctx, "u1"); err != nil {
		t.Fatalf("Finalize after stale mark: %v", err)
	}
}

func TestManagerFailedFinalizeKeepsKey(t *testing.T) {
	sessions := NewMemorySessions()
	sink := testutil.NewFakeSink("r1", nil)
	sink.Err = testutil.ErrSinkDown
	keys := 0
	f := NewFinalizer(testutil.NewFakeGateway(2, nil), sink, WithIdempotencyKeys(func() string {
		keys++
		return "fin_" + strconv.Itoa(keys)
	}))
	m := NewManager(sessions, f)
	ctx := context.Background()
	fillSession(t, m, "u1")

	if _, err := m.Finalize(ctx, "u1"); err == nil {
		t.Fatal("expected a submission error")
	}
	snap, _ := sessions.Load(ctx, "u1")
	if snap == nil || snap.IdempotencyKey != "fin_1" || snap.Attempt != 1 {
		t.Fatalf("stored session = %+v", snap)
	}
	sink.Err = nil
	if _, err := m.Finalize(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if sink.Payloads[1].IdempotencyKey != "fin_1" {
		t.Errorf("retry key = %q", sink.Payloads[1].IdempotencyKey)
	}
}

func TestManagerDropsIdleLocks(t *testing.T) {
	m, _, _, _ := newTestManager(t, 5)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		fillSession(t, m, "u"+strconv.Itoa(i%4))
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(user string, cancel bool) {
			defer wg.Done()
			_, _ = m.Get(ctx, user)
			if cancel {
				_ = m.Cancel(ctx, user)
			} else {
				_, _ = m.Finalize(ctx, user)
			}
		}("u"+strconv.Itoa(i%4), i%2 == 0)
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.locks) != 0 {
		t.Errorf("%d user locks left after all calls returned", len(m.locks))
	}
}

func TestManagerCancel(t *testing.T) {
	m, _, _, _ := newTestManager(t, 1)
	ctx := context.Background()
	fillSession(t, m, "u1")
	if err := m.Cancel(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "u1"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Get after cancel: %v", err)
	}
	if err := m.Cancel(ctx, "u1"); !errors.Is(err, ErrNoSession) {
		t.Errorf("second cancel: %v", err)
	}
}

func TestManagerStartResets(t *testing.T) {
	m, _, _, _ := newTestManager(t, 1)
	ctx := context.Background()
	fillSession(t, m, "u1")
	s, err := m.Start(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Current() != StepSelectChildren || len(s.ChildIDs()) != 0 {
		t.Errorf("Start did not reset: %+v", s.Snapshot())
	}
}

func TestManagerEpisodes(t *testing.T) {
	series := seriesMap{"s1": fixedSeries(3, 2)}
	m, _, gw, sink := newTestManager(t, 1, WithSeriesReader(series))
	ctx := context.Background()

	e, err := m.PrepareEpisode("u1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if v := e.View(); v.NextEpisodeNumber != 3 || !v.IsLastFixed || v.CanToggleFinal {
		t.Errorf("view = %+v", v)
	}

	if _, err := m.FinalizeEpisode(ctx, "u2", "s1", EpisodeInput{}); !errors.Is(err, ErrSeriesNotFound) {
		t.Errorf("foreign user: %v", err)
	}
	if _, err := m.FinalizeEpisode(ctx, "u1", "missing", EpisodeInput{}); !errors.Is(err, ErrSeriesNotFound) {
		t.Errorf("missing series: %v", err)
	}

	res, err := m.FinalizeEpisode(ctx, "u1", "s1", EpisodeInput{Length: "short"})
	if err != nil {
		t.Fatal(err)
	}
	if res.RequestID != "r1" || !sink.Episodes[0].MakeFinal || sink.Episodes[0].Length != models.StoryLengthShort {
		t.Errorf("result = %+v, payload = %+v", res, sink.Episodes[0])
	}
	if gw.Debited != 1 {
		t.Errorf("debited = %d", gw.Debited)
	}
}
