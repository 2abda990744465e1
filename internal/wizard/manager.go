package wizard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/traumfunke/storyflow/internal/models"
)

// SessionStore persists wizard sessions between requests.
// Load returns (nil, nil) when the user has no session.
type SessionStore interface {
	Load(ctx context.Context, userID string) (*Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Delete(ctx context.Context, userID string) error
}

// SeriesReader looks up a series together with its current episode count.
// GetSeries returns (nil, nil) for an unknown id.
type SeriesReader interface {
	GetSeries(id string) (*models.Series, error)
}

// MemorySessions keeps sessions in process memory.
type MemorySessions struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemorySessions creates an empty in-memory session store.
func NewMemorySessions() *MemorySessions {
	return &MemorySessions{snaps: make(map[string]Snapshot)}
}

func (m *MemorySessions) Load(_ context.Context, userID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[userID]
	if !ok {
		return nil, nil
	}
	out := cloneSnapshot(snap)
	return &out, nil
}

func (m *MemorySessions) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.UserID] = cloneSnapshot(snap)
	return nil
}

func (m *MemorySessions) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, userID)
	return nil
}

type managerOpts struct {
	now             func() time.Time
	inFlightTimeout time.Duration
	series          SeriesReader
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerOpts)

// WithClock overrides the time source used for finalize marks.
func WithClock(now func() time.Time) ManagerOption {
	return func(o *managerOpts) {
		o.now = now
	}
}

// WithInFlightTimeout sets how long a persisted finalize mark blocks the session.
func WithInFlightTimeout(d time.Duration) ManagerOption {
	return func(o *managerOpts) {
		o.inFlightTimeout = d
	}
}

// WithSeriesReader enables episode continuations.
func WithSeriesReader(r SeriesReader) ManagerOption {
	return func(o *managerOpts) {
		o.series = r
	}
}

// Manager owns the wizard sessions of all users. Calls for one user are serialised;
// a running finalize is recorded in the stored snapshot so that other requests, and
// other instances sharing the store, see it.
type Manager struct {
	store     SessionStore
	finalizer *Finalizer
	opts      managerOpts

	mu    sync.Mutex
	locks map[string]*userLock
}

// userLock serialises one user's calls. refs counts holders and waiters; the entry
// is dropped when it reaches zero.
type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a Manager.
func NewManager(store SessionStore, finalizer *Finalizer, opts ...ManagerOption) *Manager {
	cfg := managerOpts{
		now:             time.Now,
		inFlightTimeout: DefaultInFlightTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		store:     store,
		finalizer: finalizer,
		opts:      cfg,
		locks:     make(map[string]*userLock),
	}
}

func (m *Manager) lock(userID string) func() {
	m.mu.Lock()
	l, ok := m.locks[userID]
	if !ok {
		l = &userLock{}
		m.locks[userID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, userID)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) load(ctx context.Context, userID string) (*Session, error) {
	snap, err := m.store.Load(ctx, userID)
	if err != nil {
		slog.Error("Manager.load: session load failed", "userID", userID, "error", err)
		return nil, err
	}
	if snap == nil {
		return nil, ErrNoSession
	}
	return RestoreSession(*snap), nil
}

// Start begins a fresh wizard run for userID, discarding any previous selections.
func (m *Manager) Start(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, models.ErrMissingUserID
	}
	unlock := m.lock(userID)
	defer unlock()

	existing, err := m.load(ctx, userID)
	if err != nil && !errors.Is(err, ErrNoSession) {
		return nil, err
	}
	if existing != nil && existing.inFlight(m.opts.now(), m.opts.inFlightTimeout) {
		return nil, ErrFinalizeInProgress
	}

	s := NewSession(userID)
	if err := m.store.Save(ctx, s.Snapshot()); err != nil {
		slog.Error("Manager.Start: session save failed", "userID", userID, "error", err)
		return nil, err
	}
	slog.Info("Manager.Start: wizard session started", "userID", userID)
	return s, nil
}

// Get returns the user's current session.
func (m *Manager) Get(ctx context.Context, userID string) (*Session, error) {
	unlock := m.lock(userID)
	defer unlock()
	return m.load(ctx, userID)
}

// Update applies fn to the user's session and stores the result. If fn fails nothing is saved.
func (m *Manager) Update(ctx context.Context, userID string, fn func(*Session) error) (*Session, error) {
	unlock := m.lock(userID)
	defer unlock()

	s, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.inFlight(m.opts.now(), m.opts.inFlightTimeout) {
		return nil, ErrFinalizeInProgress
	}
	s.clearSubmitting()
	if err := fn(s); err != nil {
		slog.Debug("Manager.Update: update rejected", "userID", userID, "step", s.Current(), "error", err)
		return nil, err
	}
	if err := m.store.Save(ctx, s.Snapshot()); err != nil {
		slog.Error("Manager.Update: session save failed", "userID", userID, "error", err)
		return nil, err
	}
	slog.Debug("Manager.Update: session updated", "userID", userID, "step", s.Current())
	return s, nil
}

// Cancel abandons the user's wizard run.
func (m *Manager) Cancel(ctx context.Context, userID string) error {
	unlock := m.lock(userID)
	defer unlock()

	s, err := m.load(ctx, userID)
	if err != nil {
		return err
	}
	if s.inFlight(m.opts.now(), m.opts.inFlightTimeout) {
		return ErrFinalizeInProgress
	}
	if err := m.store.Delete(ctx, userID); err != nil {
		slog.Error("Manager.Cancel: session delete failed", "userID", userID, "error", err)
		return err
	}
	slog.Info("Manager.Cancel: wizard session cancelled", "userID", userID)
	return nil
}

// Finalize submits the user's session. The per-user lock is held only while the finalize
// mark is written and cleared, so concurrent requests fail fast with ErrFinalizeInProgress
// instead of waiting on the network calls.
func (m *Manager) Finalize(ctx context.Context, userID string) (models.SubmitResult, error) {
	s, err := m.beginFinalize(ctx, userID)
	if err != nil {
		return models.SubmitResult{}, err
	}

	res, ferr := m.finalizer.Finalize(ctx, s)

	unlock := m.lock(userID)
	defer unlock()
	// Storage calls below must run even if the caller went away.
	bg := context.WithoutCancel(ctx)
	if ferr == nil {
		if err := m.store.Delete(bg, userID); err != nil {
			slog.Error("Manager.Finalize: consumed session delete failed", "userID", userID, "requestID", res.RequestID, "error", err)
		}
		return res, nil
	}
	if err := m.store.Save(bg, s.Snapshot()); err != nil {
		slog.Error("Manager.Finalize: session restore failed", "userID", userID, "error", err)
	}
	return models.SubmitResult{}, ferr
}

func (m *Manager) beginFinalize(ctx context.Context, userID string) (*Session, error) {
	unlock := m.lock(userID)
	defer unlock()

	s, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.opts.now()
	if s.inFlight(now, m.opts.inFlightTimeout) {
		return nil, ErrFinalizeInProgress
	}
	if s.data.SubmittingSince != nil {
		slog.Warn("Manager.Finalize: clearing stale finalize mark", "userID", userID, "since", *s.data.SubmittingSince)
		s.clearSubmitting()
	}

	// The key is stored with the mark, so a retry after a crash mid-submit reuses it.
	s.ensureIdempotencyKey(m.finalizer.opts.newKey)
	marked := RestoreSession(s.Snapshot())
	marked.markSubmitting(now)
	if err := m.store.Save(ctx, marked.Snapshot()); err != nil {
		slog.Error("Manager.Finalize: finalize mark save failed", "userID", userID, "error", err)
		return nil, err
	}
	return s, nil
}

// PrepareEpisode loads a series and seeds an episode continuation for it.
func (m *Manager) PrepareEpisode(userID, seriesID string) (*EpisodeSession, error) {
	if m.opts.series == nil {
		return nil, ErrSeriesNotFound
	}
	series, err := m.opts.series.GetSeries(seriesID)
	if err != nil {
		slog.Error("Manager.PrepareEpisode: series lookup failed", "seriesID", seriesID, "error", err)
		return nil, err
	}
	return NewEpisodeSession(userID, series)
}

// FinalizeEpisode submits the next episode of seriesID with the user's choices.
func (m *Manager) FinalizeEpisode(ctx context.Context, userID, seriesID string, in EpisodeInput) (models.EpisodeSubmitResult, error) {
	e, err := m.PrepareEpisode(userID, seriesID)
	if err != nil {
		return models.EpisodeSubmitResult{}, err
	}
	if err := e.Apply(in); err != nil {
		return models.EpisodeSubmitResult{}, err
	}
	return m.finalizer.FinalizeEpisode(ctx, e)
}
