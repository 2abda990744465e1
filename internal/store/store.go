// Package store provides storage backends for storyflow.
//
// Store is implemented by an in-memory store and by SQLite and PostgreSQL stores that
// share one SQL implementation. The SQL stores also implement JobRepo and OutboxRepo,
// so durable jobs and outgoing notifications live in the same database as the data
// they refer to.
package store

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/traumfunke/storyflow/internal/models"
)

// Errors returned by Store implementations.
var (
	// ErrNotFound is returned by writes that target a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrSeriesFinished is returned when adding an episode to a completed series.
	ErrSeriesFinished = errors.New("series is finished")
	// ErrEpisodeConflict is returned when the episode number is not the next one.
	ErrEpisodeConflict = errors.New("episode number is not the next episode")
	// ErrRequestFinalized is returned when a finished or failed request is moved to another status.
	ErrRequestFinalized = errors.New("story request already reached a final status")
)

// Store is the persistence interface for profiles, catalog data, story requests,
// series and flow state. Lookups return (nil, nil) when the record does not exist.
type Store interface {
	GetProfile(userID string) (*models.Profile, error)
	// SaveProfile creates or updates profile fields. Credits are only changed through
	// DebitCredits and GrantCredits.
	SaveProfile(p models.Profile) error

	// GetBalance returns a zero balance for unknown users.
	GetBalance(userID string) (models.Balance, error)
	// DebitCredits atomically spends amount credits. The result is not OK when the
	// balance does not cover amount. Unlimited accounts are never decremented, so
	// Charged reports what was actually taken.
	DebitCredits(userID string, amount int) (models.DebitResult, error)
	// GrantCredits adds amount credits, creating the profile if needed.
	GrantCredits(userID string, amount int) error
	SetUnlimited(userID string, unlimited bool) error

	ListChildren(userID string) ([]models.Child, error)
	GetChild(id string) (*models.Child, error)
	// SaveChild inserts or updates a child. An empty ID is assigned.
	SaveChild(c *models.Child) error
	// DeleteChild removes a child of userID with its side characters, interests and
	// accessibility settings. A missing or foreign child is ErrNotFound.
	DeleteChild(userID, childID string) error
	ListSideCharacters(childIDs []string) ([]models.SideCharacter, error)
	SaveSideCharacter(c *models.SideCharacter) error
	DeleteSideCharacter(childID, id string) error

	ListChildInterests(childID string) ([]models.ChildInterest, error)
	// SetChildInterests replaces the interests of a child and returns the stored set.
	SetChildInterests(childID string, interests []string) ([]models.ChildInterest, error)
	GetChildAccessibility(childID string) (*models.ChildAccessibility, error)
	SaveChildAccessibility(a *models.ChildAccessibility) error

	// SeedCatalog upserts categories, category characters and morals.
	SeedCatalog(c models.Catalog) error
	ListCategories() ([]models.StoryCategory, error)
	ListCategoryCharacters(categoryID string) ([]models.CategoryCharacter, error)
	ListMorals() ([]models.Moral, error)

	GetSeries(id string) (*models.Series, error)
	ListSeries(userID string) ([]models.Series, error)
	CountSeriesEpisodes(seriesID string) (int, error)
	ListSeriesEpisodes(seriesID string) ([]models.SeriesEpisode, error)
	DeleteSeries(userID, seriesID string) error

	// CreateStoryRequest records a new story request, and its series when the payload
	// carries one, in a single transaction. A repeated idempotency key returns the
	// originally created ids.
	CreateStoryRequest(p models.StoryRequestPayload) (models.SubmitResult, error)
	// CreateEpisodeRequest records the next episode of a series. A finished series
	// is rejected with ErrSeriesFinished; the final episode finishes the series.
	CreateEpisodeRequest(seriesID string, p models.EpisodePayload) (models.EpisodeSubmitResult, error)
	GetStoryRequest(id string) (*models.StoryRequest, error)
	// ListPendingRequests returns the user's requests that are still processing and
	// were created at or after since, newest first.
	ListPendingRequests(userID string, since time.Time) ([]models.StoryRequest, error)
	// CancelStoryRequest withdraws a pending request of userID. An episode request
	// gives its slot in the series back; cancelling the first episode removes the
	// series. Only the latest episode of a series can be cancelled.
	CancelStoryRequest(userID, id string) error
	UpdateStoryRequestStatus(id string, u models.StatusUpdate) error
	// ListUnnotifiedCompleted returns finished or failed requests that asked for a
	// completion notice and have not been marked notified.
	ListUnnotifiedCompleted(limit int) ([]models.StoryRequest, error)
	MarkRequestNotified(id string) error

	SaveFlowState(state models.FlowState) error
	GetFlowState(userID, flowType string) (*models.FlowState, error)
	DeleteFlowState(userID, flowType string) error

	Close() error
}

// Backend is a Store that also persists durable jobs, outbox messages and ledger grants.
type Backend interface {
	Store
	JobRepo
	OutboxRepo
	GrantRepo
}

// Opts holds configuration options for stores.
type Opts struct {
	DSN    string // connection string or file path
	Driver string // "postgres" or "sqlite3"; empty means detect from DSN
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithPostgresDSN configures a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// WithSQLiteDSN configures the SQLite database file.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and key/value strings,
// and "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") ||
		strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the backend selected by the options. Without a DSN it returns an
// in-memory store.
func Open(opts ...Option) (Backend, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("store.Open: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}
	if driver == "postgres" {
		return NewPostgresStore(WithPostgresDSN(cfg.DSN))
	}
	return NewSQLiteStore(WithSQLiteDSN(cfg.DSN))
}
