package main

import (
	"errors"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/traumfunke/storyflow/internal/api"
	"github.com/traumfunke/storyflow/internal/lockfile"
	"github.com/traumfunke/storyflow/internal/messaging"
	"github.com/traumfunke/storyflow/internal/scheduler"
	"github.com/traumfunke/storyflow/internal/store"
	"github.com/traumfunke/storyflow/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for storyflow state data
	DefaultStateDir = "/var/lib/storyflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "storyflow.db"
)

func main() {
	config := loadEnvironmentConfig()

	initializeLogger(config.Debug)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	// SQLite state directories are single-writer.
	if store.DetectDSNType(flags.DBDSN) == "sqlite3" {
		lock, err := lockfile.Acquire(filepath.Dir(flags.DBDSN))
		if err != nil {
			var lockErr *lockfile.LockError
			if errors.As(err, &lockErr) {
				slog.Error("Another storyflow instance is using the state directory", "path", lockErr.Path, "holder", lockErr.Holder.String())
			} else {
				slog.Error("Failed to lock state directory", "error", err)
			}
			os.Exit(1)
		}
		defer lock.Release()
	}

	storeOpts := buildStoreOptions(flags)
	msgOpts := buildMessagingOptions(config)
	apiOpts := buildAPIOptions(flags, config)

	slog.Info("Bootstrapping storyflow with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "messaging", len(msgOpts), "api", len(apiOpts))
	if err := api.Run(storeOpts, msgOpts, apiOpts); err != nil {
		slog.Error("storyflow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("storyflow exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	APIAddr          string
	RedisURL         string
	SessionTTL       time.Duration
	CatalogFile      string
	GenerationURL    string
	GenerationKey    string
	CallbackSecret   string
	NotifySchedule   string
	RefundOnFailure  bool
	NotifyOnComplete bool
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	Debug            bool
}

// Flags holds command line flag values
type Flags struct {
	StateDir       string
	DBDSN          string
	APIAddr        string
	RedisURL       string
	CatalogFile    string
	NotifySchedule string
}

// initializeLogger sets up structured logging, at debug level when requested
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         util.GetenvDefault("STORYFLOW_STATE_DIR", DefaultStateDir),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		APIAddr:          util.GetenvDefault("API_ADDR", api.DefaultAddr),
		RedisURL:         os.Getenv("REDIS_URL"),
		SessionTTL:       time.Duration(util.ParseIntEnv("SESSION_TTL_MINUTES", 0)) * time.Minute,
		CatalogFile:      os.Getenv("CATALOG_FILE"),
		GenerationURL:    os.Getenv("GENERATION_BACKEND_URL"),
		GenerationKey:    os.Getenv("GENERATION_BACKEND_KEY"),
		CallbackSecret:   os.Getenv("CALLBACK_SECRET"),
		NotifySchedule:   util.GetenvDefault("NOTIFY_SCHEDULE", scheduler.DefaultNotifySchedule),
		RefundOnFailure:  util.ParseBoolEnv("REFUND_ON_SUBMIT_FAILURE", true),
		NotifyOnComplete: util.ParseBoolEnv("NOTIFY_ON_COMPLETE", true),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		Debug:            util.ParseBoolEnv("STORYFLOW_DEBUG", false),
	}

	slog.Debug("environment variables loaded",
		"STORYFLOW_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"REDIS_URL_SET", config.RedisURL != "",
		"CATALOG_FILE", config.CatalogFile,
		"GENERATION_BACKEND_URL", config.GenerationURL,
		"CALLBACK_SECRET_SET", config.CallbackSecret != "",
		"NOTIFY_SCHEDULE", config.NotifySchedule,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults.
// Without DATABASE_URL or --db-dsn the SQLite file lives in the state directory.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var flags Flags
	fs.StringVar(&flags.StateDir, "state-dir", config.StateDir, "state directory for storyflow data (overrides $STORYFLOW_STATE_DIR)")
	fs.StringVar(&flags.DBDSN, "db-dsn", config.DatabaseURL, "database DSN, PostgreSQL URL or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.RedisURL, "redis-url", config.RedisURL, "Redis URL for wizard sessions (overrides $REDIS_URL)")
	fs.StringVar(&flags.CatalogFile, "catalog", config.CatalogFile, "catalog YAML file (overrides $CATALOG_FILE)")
	fs.StringVar(&flags.NotifySchedule, "notify-schedule", config.NotifySchedule, "cron schedule of the completion-notice sweep (overrides $NOTIFY_SCHEDULE)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if flags.DBDSN == "" {
		flags.DBDSN = filepath.Join(flags.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", flags.DBDSN)
	}

	slog.Debug("flags parsed",
		"stateDir", flags.StateDir,
		"dbDSN_set", flags.DBDSN != "",
		"apiAddr", flags.APIAddr,
		"redisURL_set", flags.RedisURL != "",
		"catalog", flags.CatalogFile,
		"notifySchedule", flags.NotifySchedule)
	return flags, nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if flags.DBDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(flags.DBDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(flags.DBDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", flags.DBDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(flags.DBDSN))
	}
	return storeOpts
}

// buildMessagingOptions constructs Twilio notifier options
func buildMessagingOptions(config Config) []messaging.Option {
	var msgOpts []messaging.Option
	if config.TwilioSID != "" {
		msgOpts = append(msgOpts, messaging.WithAccountSID(config.TwilioSID))
	}
	if config.TwilioToken != "" {
		msgOpts = append(msgOpts, messaging.WithAuthToken(config.TwilioToken))
	}
	if config.TwilioFrom != "" {
		msgOpts = append(msgOpts, messaging.WithFromNumber(config.TwilioFrom))
	}
	return msgOpts
}

// buildAPIOptions constructs service configuration options
func buildAPIOptions(flags Flags, config Config) []api.Option {
	apiOpts := []api.Option{
		api.WithRefundOnFailure(config.RefundOnFailure),
		api.WithNotifyOnComplete(config.NotifyOnComplete),
	}
	if flags.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.APIAddr))
	}
	if flags.RedisURL != "" {
		apiOpts = append(apiOpts, api.WithRedisURL(flags.RedisURL))
	}
	if config.SessionTTL > 0 {
		apiOpts = append(apiOpts, api.WithSessionTTL(config.SessionTTL))
	}
	if flags.CatalogFile != "" {
		apiOpts = append(apiOpts, api.WithCatalogFile(flags.CatalogFile))
	}
	if flags.NotifySchedule != "" {
		apiOpts = append(apiOpts, api.WithNotifySchedule(flags.NotifySchedule))
	}
	if config.GenerationURL != "" {
		apiOpts = append(apiOpts, api.WithGenerationBackend(config.GenerationURL, config.GenerationKey))
	}
	if config.CallbackSecret != "" {
		apiOpts = append(apiOpts, api.WithCallbackSecret(config.CallbackSecret))
	}
	return apiOpts
}
