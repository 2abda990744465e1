package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/traumfunke/storyflow/internal/catalog"
	"github.com/traumfunke/storyflow/internal/credits"
	"github.com/traumfunke/storyflow/internal/generation"
	"github.com/traumfunke/storyflow/internal/messaging"
	"github.com/traumfunke/storyflow/internal/metrics"
	"github.com/traumfunke/storyflow/internal/notify"
	"github.com/traumfunke/storyflow/internal/recovery"
	"github.com/traumfunke/storyflow/internal/scheduler"
	"github.com/traumfunke/storyflow/internal/sessions"
	"github.com/traumfunke/storyflow/internal/store"
	"github.com/traumfunke/storyflow/internal/wizard"
)

const (
	jobPollInterval    = 2 * time.Second
	outboxPollInterval = 5 * time.Second
	shutdownTimeout    = 15 * time.Second
)

// Opts holds configuration options for the service.
type Opts struct {
	Addr             string // HTTP listen address
	RedisURL         string // wizard sessions in Redis; empty keeps them in the store
	SessionTTL       time.Duration
	CatalogFile      string // YAML catalog; empty uses the built-in one
	NotifySchedule   string // cron expression of the completion-notice sweep
	GenerationURL    string // generation backend; empty disables dispatch
	GenerationKey    string
	CallbackSecret   string // guards /internal routes
	RefundOnFailure  bool
	NotifyOnComplete bool
}

// Option defines a configuration option for the service.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRedisURL stores wizard sessions in Redis.
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// WithSessionTTL sets how long idle Redis sessions are kept.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.SessionTTL = ttl }
}

// WithCatalogFile loads the catalog from a YAML file.
func WithCatalogFile(path string) Option {
	return func(o *Opts) { o.CatalogFile = path }
}

// WithNotifySchedule sets the cron expression of the notice sweep.
func WithNotifySchedule(expr string) Option {
	return func(o *Opts) { o.NotifySchedule = expr }
}

// WithGenerationBackend sets the generation backend URL and API key.
func WithGenerationBackend(url, key string) Option {
	return func(o *Opts) {
		o.GenerationURL = url
		o.GenerationKey = key
	}
}

// WithCallbackSecret sets the shared secret of the /internal routes.
func WithCallbackSecret(secret string) Option {
	return func(o *Opts) { o.CallbackSecret = secret }
}

// WithRefundOnFailure controls whether failed submissions schedule a refund.
func WithRefundOnFailure(enabled bool) Option {
	return func(o *Opts) { o.RefundOnFailure = enabled }
}

// WithNotifyOnComplete controls whether new requests ask for a completion notice.
func WithNotifyOnComplete(enabled bool) Option {
	return func(o *Opts) { o.NotifyOnComplete = enabled }
}

// Run wires the service together, serves HTTP and blocks until SIGINT or SIGTERM.
func Run(storeOpts []store.Option, msgOpts []messaging.Option, apiOpts []Option) error {
	cfg := Opts{
		Addr:             DefaultAddr,
		NotifySchedule:   scheduler.DefaultNotifySchedule,
		RefundOnFailure:  true,
		NotifyOnComplete: true,
	}
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	cat, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	if err := catalog.Seed(st, cat); err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}

	var sessionStore wizard.SessionStore
	if cfg.RedisURL != "" {
		rs, err := sessions.NewRedisSessions(ctx, cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			return err
		}
		defer rs.Close()
		sessionStore = rs
	} else {
		sessionStore = sessions.NewStoreSessions(st)
	}

	m := metrics.New()

	var backend generation.Backend = generation.NoopBackend{}
	if cfg.GenerationURL != "" {
		hb, err := generation.NewHTTPBackend(cfg.GenerationURL, generation.WithAPIKey(cfg.GenerationKey))
		if err != nil {
			return fmt.Errorf("failed to create generation backend: %w", err)
		}
		backend = hb
	} else {
		slog.Warn("Run: no generation backend configured, requests stay queued")
	}

	finOpts := []wizard.FinalizerOption{
		wizard.WithNotifyOnComplete(cfg.NotifyOnComplete),
		wizard.WithOutcomeHook(m.OutcomeHook()),
	}
	if cfg.RefundOnFailure {
		finOpts = append(finOpts, wizard.WithCompensator(credits.NewCompensator(st)))
	}
	finalizer := wizard.NewFinalizer(credits.NewGateway(st), generation.NewSink(st, st), finOpts...)
	manager := wizard.NewManager(sessionStore, finalizer, wizard.WithSeriesReader(st))

	runner := store.NewJobRunner(st, jobPollInterval)
	generation.RegisterJobHandlers(runner, st, backend)
	runner.RegisterHandler(store.JobKindRefundCredits, credits.RefundHandler(st))

	var notifier messaging.Notifier
	tn, err := messaging.NewTwilioNotifier(msgOpts...)
	if err != nil {
		slog.Warn("Run: Twilio not configured, completion notices are only logged", "reason", err)
		notifier = messaging.LogNotifier{}
	} else {
		notifier = tn
	}
	sender := store.NewOutboxSender(st, messaging.OutboxSendFunc(notifier), outboxPollInterval)

	rm := recovery.NewManager()
	rm.Register("jobs", recovery.Func(func(context.Context) error { return runner.RecoverStaleJobs() }))
	rm.Register("outbox", recovery.Func(func(context.Context) error { return sender.RecoverStaleMessages() }))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Error("Run: startup recovery incomplete", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sender.Run(ctx)
	}()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	watcher := notify.NewWatcher(st, st)
	err = sched.AddSweep(ctx, "completion-notices", cfg.NotifySchedule, func(ctx context.Context) (int, error) {
		n, err := watcher.Sweep(ctx)
		m.RecordNotices(n)
		return n, err
	})
	if err != nil {
		stop()
		wg.Wait()
		return fmt.Errorf("invalid notify schedule %q: %w", cfg.NotifySchedule, err)
	}

	srv := NewServer(st, manager,
		WithServerCatalog(cat),
		WithServerMetrics(m),
		WithServerCallbackSecret(cfg.CallbackSecret),
		WithServerGrants(st),
	)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Run: API server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Run: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			slog.Error("Run: API server failed", "error", err)
			runErr = err
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Run: graceful shutdown failed", "error", err)
	}
	wg.Wait()
	slog.Info("Run: stopped")
	return runErr
}
