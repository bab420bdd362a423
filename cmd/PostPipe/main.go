package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/PostPipe/internal/fanza"
	"github.com/BTreeMap/PostPipe/internal/genai"
	"github.com/BTreeMap/PostPipe/internal/images"
	"github.com/BTreeMap/PostPipe/internal/pipeline"
	"github.com/BTreeMap/PostPipe/internal/reconcile"
	"github.com/BTreeMap/PostPipe/internal/render"
	"github.com/BTreeMap/PostPipe/internal/store"
	"github.com/BTreeMap/PostPipe/internal/util"
	"github.com/BTreeMap/PostPipe/internal/wordpress"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PostPipe state data
	DefaultStateDir = "/var/lib/postpipe"
	// DefaultSite keys the dedupe store when no site is named
	DefaultSite = "default"
)

func main() {
	initializeLogger(slog.LevelInfo)

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)
	initializeLogger(parseLogLevel(*flags.logLevel))

	repo, err := openStore(flags)
	if err != nil {
		slog.Error("Failed to open dedupe store", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Maintenance commands run against the store alone and exit.
	if done, code := runMaintenance(repo, flags); done {
		os.Exit(code)
	}

	if err := run(ctx, repo, config, flags); err != nil {
		slog.Error("PostPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("PostPipe exited successfully")
}

func run(ctx context.Context, repo store.ProductRepo, config Config, flags Flags) error {
	if config.WPBaseURL == "" || config.WPUsername == "" || config.WPAppPassword == "" {
		return fmt.Errorf("WP_BASE_URL, WP_USERNAME and WP_APP_PASSWORD must be set")
	}
	wp := wordpress.NewClient(config.WPBaseURL, config.WPUsername, config.WPAppPassword)

	if *flags.sync || *flags.fullResync {
		syncer := reconcile.NewSyncer(repo, wp)
		result, err := syncer.Run(ctx, *flags.fullResync)
		if err != nil {
			return fmt.Errorf("reconciliation sync failed: %w", err)
		}
		slog.Info("reconciliation sync finished",
			"scanned", result.Scanned,
			"extracted", result.Extracted,
			"skipped_no_id", result.SkippedNoID,
			"inserted", result.Inserted,
			"full", result.Full)
	}

	if *flags.limit <= 0 {
		slog.Info("limit is zero, skipping posting run")
		return nil
	}

	if config.FanzaAPIID == "" || config.FanzaAffiliateID == "" {
		return fmt.Errorf("FANZA_API_ID and FANZA_AFFILIATE_ID must be set")
	}
	source := fanza.NewClient(config.FanzaAPIID, config.FanzaAffiliateID)

	var genaiOpts []genai.Option
	if config.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(config.OpenAIKey))
	}
	if config.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.OpenAIModel))
	}
	generator, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("generation client init failed: %w", err)
	}

	renderer, err := render.New()
	if err != nil {
		return fmt.Errorf("renderer init failed: %w", err)
	}

	if *flags.dryRun {
		if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
			slog.Warn("could not create preview directory", "dir", *flags.stateDir, "error", err)
		}
	}

	poster := pipeline.NewPoster(repo, source, wp, generator, renderer, images.NewDownloader(), pipeline.Options{
		Limit:                *flags.limit,
		Workers:              *flags.workers,
		DryRun:               *flags.dryRun,
		PostStatus:           *flags.postStatus,
		Sort:                 *flags.sort,
		Since:                *flags.since,
		Keyword:              *flags.keyword,
		RequireFeaturedMedia: util.ParseBoolEnv("REQUIRE_FEATURED_MEDIA", true),
		UseCDNImages:         util.ParseBoolEnv("USE_CDN_IMAGES", false),
		PreviewDir:           *flags.stateDir,
	})

	stats, err := poster.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("run summary: succeeded=%d failed=%d skipped=%d\n", stats.Succeeded, stats.Failed, stats.Skipped)
	return nil
}

// runMaintenance handles store-only commands. Returns whether one ran and
// the exit code to use.
func runMaintenance(repo store.ProductRepo, flags Flags) (bool, int) {
	switch {
	case *flags.stats:
		stats, err := repo.Stats()
		if err != nil {
			slog.Error("Failed to read store stats", "error", err)
			return true, 1
		}
		fmt.Printf("total=%d claimed=%d drafted=%d published=%d dry_run=%d failed=%d\n",
			stats.Total, stats.Claimed, stats.Drafted, stats.Published, stats.DryRun, stats.Failed)
		return true, 0

	case *flags.clearFailed:
		n, err := repo.ClearFailed()
		if err != nil {
			slog.Error("Failed to clear failed rows", "error", err)
			return true, 1
		}
		fmt.Printf("cleared %d failed rows\n", n)
		return true, 0

	case *flags.staleClaims:
		before := time.Now().Add(-*flags.staleAfter)
		rows, err := repo.ListStaleClaims(before)
		if err != nil {
			slog.Error("Failed to list stale claims", "error", err)
			return true, 1
		}
		for _, row := range rows {
			fmt.Printf("%s\tclaimed_at=%s\n", row.ProductID, row.UpdatedAt.Format(time.RFC3339))
		}
		fmt.Printf("%d stale claims older than %s\n", len(rows), flags.staleAfter)
		return true, 0

	case *flags.clearStaleClaims:
		before := time.Now().Add(-*flags.staleAfter)
		n, err := repo.ClearStaleClaims(before)
		if err != nil {
			slog.Error("Failed to clear stale claims", "error", err)
			return true, 1
		}
		fmt.Printf("cleared %d stale claims older than %s\n", n, flags.staleAfter)
		return true, 0
	}
	return false, 0
}

// Config holds environment configuration
type Config struct {
	FanzaAPIID       string
	FanzaAffiliateID string
	WPBaseURL        string
	WPUsername       string
	WPAppPassword    string
	OpenAIKey        string
	OpenAIModel      string
	DatabaseURL      string
	DbDriver         string
	StateDir         string
	Site             string
}

// Flags holds command line flag values
type Flags struct {
	limit            *int
	dryRun           *bool
	sort             *string
	since            *string
	keyword          *string
	workers          *int
	postStatus       *string
	sync             *bool
	fullResync       *bool
	clearFailed      *bool
	stats            *bool
	staleClaims      *bool
	clearStaleClaims *bool
	staleAfter       *time.Duration
	dbDriver         *string
	dbDSN            *string
	stateDir         *string
	site             *string
	logLevel         *string
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		FanzaAPIID:       os.Getenv("FANZA_API_ID"),
		FanzaAffiliateID: os.Getenv("FANZA_AFFILIATE_ID"),
		WPBaseURL:        os.Getenv("WP_BASE_URL"),
		WPUsername:       os.Getenv("WP_USERNAME"),
		WPAppPassword:    os.Getenv("WP_APP_PASSWORD"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DbDriver:         os.Getenv("POSTPIPE_DB_DRIVER"),
		StateDir:         util.GetenvDefault("POSTPIPE_STATE_DIR", DefaultStateDir),
		Site:             util.GetenvDefault("POSTPIPE_SITE", DefaultSite),
	}

	slog.Debug("environment variables loaded",
		"FANZA_API_ID_SET", config.FanzaAPIID != "",
		"WP_BASE_URL", config.WPBaseURL,
		"WP_USERNAME_SET", config.WPUsername != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"POSTPIPE_STATE_DIR", config.StateDir,
		"POSTPIPE_SITE", config.Site)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		limit:            flag.Int("limit", 1, "target number of candidates to post this run (0 skips posting)"),
		dryRun:           flag.Bool("dry-run", false, "render and record without creating remote posts"),
		sort:             flag.String("sort", "date", "candidate sort order (date|rank)"),
		since:            flag.String("since", "", "only fetch candidates released on or after this date (YYYY-MM-DD)"),
		keyword:          flag.String("keyword", "", "candidate keyword filter"),
		workers:          flag.Int("workers", pipeline.DefaultWorkers, "concurrent candidate workers"),
		postStatus:       flag.String("post-status", "draft", "remote post status (draft|publish)"),
		sync:             flag.Bool("sync", false, "run reconciliation sync before posting"),
		fullResync:       flag.Bool("full-resync", false, "reconcile the full remote history, ignoring the sync cursor"),
		clearFailed:      flag.Bool("clear-failed", false, "delete failed rows from the store and exit"),
		stats:            flag.Bool("stats", false, "print store stats and exit"),
		staleClaims:      flag.Bool("stale-claims", false, "list stale claimed rows and exit"),
		clearStaleClaims: flag.Bool("clear-stale-claims", false, "delete stale claimed rows and exit"),
		staleAfter:       flag.Duration("stale-after", 24*time.Hour, "age after which a claimed row counts as stale"),
		dbDriver:         flag.String("db-driver", config.DbDriver, "database driver (sqlite3|postgres, overrides $POSTPIPE_DB_DRIVER)"),
		dbDSN:            flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		stateDir:         flag.String("state-dir", config.StateDir, "state directory for PostPipe data (overrides $POSTPIPE_STATE_DIR)"),
		site:             flag.String("site", config.Site, "site key: each site gets its own dedupe namespace"),
		logLevel:         flag.String("log-level", "info", "log level (debug|info|warn|error)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"limit", *flags.limit,
		"dryRun", *flags.dryRun,
		"workers", *flags.workers,
		"postStatus", *flags.postStatus,
		"sync", *flags.sync,
		"fullResync", *flags.fullResync,
		"dbDSN_set", *flags.dbDSN != "",
		"stateDir", *flags.stateDir,
		"site", *flags.site)

	return flags
}

// resolveStoreTarget picks the DSN and driver for the selected site.
// Without an explicit DSN each site gets its own SQLite file under the
// state directory, so multi-site operation keeps independent namespaces.
func resolveStoreTarget(flags Flags) (dsn, driver string) {
	dsn = *flags.dbDSN
	if dsn == "" {
		dsn = filepath.Join(*flags.stateDir, fmt.Sprintf("postpipe_%s.db", *flags.site))
	}
	driver = *flags.dbDriver
	if driver == "" {
		driver = store.DetectDSNType(dsn)
	}
	return dsn, driver
}

// openStore builds the dedupe store for the selected site.
func openStore(flags Flags) (store.ProductRepo, error) {
	dsn, driver := resolveStoreTarget(flags)
	switch driver {
	case "postgres":
		slog.Debug("opening PostgreSQL store", "dsn_set", dsn != "")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	case "sqlite", "sqlite3":
		slog.Debug("opening SQLite store", "db_path", dsn)
		return store.NewSQLiteStore(store.WithDSN(dsn))
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
}
