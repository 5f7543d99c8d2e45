package core

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"github.com/vrsandeep/mango-archiver/internal/assets"
	"github.com/vrsandeep/mango-archiver/internal/cache"
	"github.com/vrsandeep/mango-archiver/internal/config"
	"github.com/vrsandeep/mango-archiver/internal/control"
	"github.com/vrsandeep/mango-archiver/internal/db"
	"github.com/vrsandeep/mango-archiver/internal/downloader"
	"github.com/vrsandeep/mango-archiver/internal/downloader/providers"
	"github.com/vrsandeep/mango-archiver/internal/downloader/providers/mangadex"
	"github.com/vrsandeep/mango-archiver/internal/downloader/providers/mockadex"
	"github.com/vrsandeep/mango-archiver/internal/downloader/providers/weebcentral"
	"github.com/vrsandeep/mango-archiver/internal/jobs"
	"github.com/vrsandeep/mango-archiver/internal/locks"
	"github.com/vrsandeep/mango-archiver/internal/mirrors"
	"github.com/vrsandeep/mango-archiver/internal/models"
	"github.com/vrsandeep/mango-archiver/internal/network"
	"github.com/vrsandeep/mango-archiver/internal/store"
	"github.com/vrsandeep/mango-archiver/internal/websocket"
)

// Version is overridden at build time with -ldflags "-X ...core.Version=...".
var Version = "dev"

// App holds the core components of the application that are shared
// between the server and the CLI.
type App struct {
	config     *config.Config
	db         *sql.DB
	store      *store.Store
	wsHub      *websocket.Hub
	logger     zerolog.Logger
	providers  *providers.Registry
	mirrors    *mirrors.Registry
	client     *network.Client
	locks      *locks.MultiMutex
	pageCache  *cache.PageCache
	jobManager *jobs.JobManager
	downloads  *downloader.Manager
	scheduler  *gocron.Scheduler
	watcher    *control.SignalWatcher
}

// New sets up and returns a new App instance. It handles loading the
// configuration, initializing the database connection, and running migrations.
func New() (*App, error) {
	// Load configuration from config.yml
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewWithConfig(cfg, os.Stdout)
}

// NewWithConfig builds the application from an already loaded configuration.
// Logs are written to out.
func NewWithConfig(cfg *config.Config, out io.Writer) (*App, error) {
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat, out)
	if err != nil {
		return nil, err
	}

	// Initialize the database connection
	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Run database migrations
	if err := db.RunMigrations(database, assets.MigrationsFS, logger); err != nil {
		// We can't proceed without a valid database schema.
		database.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	pageCache, err := cache.New(cache.Options{
		Dir:               cfg.Cache.Path,
		FreeSpaceFraction: cfg.Cache.FreeSpaceFraction,
		MinSize:           cfg.Cache.MinSizeMB << 20,
		MaxSize:           cfg.Cache.MaxSizeMB << 20,
	}, logger)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to open page cache: %w", err)
	}

	format, err := models.ParseArchiveFormat(cfg.Downloads.Format, models.FormatCBZ)
	if err != nil {
		database.Close()
		return nil, err
	}

	app := &App{
		config:    cfg,
		db:        database,
		store:     store.New(database),
		wsHub:     websocket.NewHubWithLogger(logger),
		logger:    logger,
		providers: providers.NewRegistry(),
		mirrors:   mirrors.NewRegistry(logger),
		locks:     locks.New(),
		pageCache: pageCache,
	}
	app.client = network.NewClient(cfg.Downloads.RequestTimeout, app.mirrors, logger)

	app.RegisterProvider(mangadex.New(app.client))
	app.RegisterProvider(weebcentral.New(app.client))
	app.RegisterProvider(mockadex.New())

	worker := downloader.NewWorker(app.providers, app.client, pageCache, app.locks, downloader.Options{
		Destination:      cfg.Downloads.Path,
		Format:           format,
		MaxAttempts:      cfg.Downloads.MaxAttempts,
		RetryDelay:       cfg.Downloads.RetryDelay,
		ProgressInterval: cfg.Downloads.ProgressInterval,
	}, logger)
	app.downloads = downloader.NewManager(app.store, worker, app.wsHub, downloader.ManagerOptions{
		Workers:      cfg.Downloads.Workers,
		PollInterval: cfg.Downloads.PollInterval,
		RequeueDelay: cfg.Downloads.RequeueDelay,
	}, logger)

	app.jobManager = jobs.NewManager(app)
	jobs.RegisterDefaults(app.jobManager)

	logger.Info().Str("version", Version).Msg("Core application setup complete.")
	return app, nil
}

// NewLogger builds the root logger. format is "console" or "json".
func NewLogger(level, format string, out io.Writer) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// RegisterProvider adds a source and its mirrors. Mirrors and request
// options from the "sources" config section override the provider defaults.
func (a *App) RegisterProvider(p models.Provider) {
	info := p.GetInfo()
	a.providers.Register(p)

	src := a.config.Sources[info.ID]
	domains := info.Domains
	if len(src.Mirrors) > 0 {
		domains = src.Mirrors
	}
	if len(domains) > 0 {
		a.mirrors.Register(info.ID, domains)
	}
	a.client.Configure(info.ID, network.SourceOptions{
		RateLimit: src.RateLimit,
		UserAgent: src.UserAgent,
	})
}

// Start launches the background machinery: the websocket hub, the download
// dispatcher, the periodic jobs and the signal file watcher. Everything
// stops when ctx is cancelled; call Close afterwards.
func (a *App) Start(ctx context.Context) error {
	go a.wsHub.Run()
	a.downloads.Start(ctx)
	a.scheduler = jobs.StartJobs(a)

	if a.config.Signals.Path != "" {
		a.watcher = control.NewSignalWatcher(a.config.Signals.Path, a.downloads.HandleSignal, a.logger)
		if err := a.watcher.Start(); err != nil {
			return fmt.Errorf("failed to watch signals directory: %w", err)
		}
	}
	return nil
}

// Config returns the application configuration.
func (a *App) Config() *config.Config { return a.config }

// DB returns the database connection.
func (a *App) DB() *sql.DB { return a.db }

// Store returns the task and manga store.
func (a *App) Store() *store.Store { return a.store }

// WsHub returns the progress hub.
func (a *App) WsHub() *websocket.Hub { return a.wsHub }

// Logger returns the root logger.
func (a *App) Logger() zerolog.Logger { return a.logger }

// Providers returns the source registry.
func (a *App) Providers() *providers.Registry { return a.providers }

// Mirrors returns the mirror registry.
func (a *App) Mirrors() *mirrors.Registry { return a.mirrors }

// Client returns the shared source-aware HTTP client.
func (a *App) Client() *network.Client { return a.client }

// Locks returns the per-manga lock table.
func (a *App) Locks() *locks.MultiMutex { return a.locks }

// PageCache returns the on-disk page cache.
func (a *App) PageCache() *cache.PageCache { return a.pageCache }

// JobManager returns the maintenance job manager.
func (a *App) JobManager() *jobs.JobManager { return a.jobManager }

// Downloads returns the download manager.
func (a *App) Downloads() *downloader.Manager { return a.downloads }

// Version returns the build version.
func (a *App) Version() string { return Version }

// Close gracefully closes the application's resources. Running downloads
// must have been stopped by cancelling the context given to Start.
func (a *App) Close() {
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to stop signal watcher")
		}
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.downloads.Wait()
	if err := a.pageCache.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to persist page cache index")
	}
	if a.db != nil {
		a.db.Close()
	}
}
