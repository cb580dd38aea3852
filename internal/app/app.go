package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"okoa-go/internal/config"
	"okoa-go/internal/database"
	"okoa-go/internal/encryption"
	"okoa-go/internal/lock"
	"okoa-go/internal/metrics"
	"okoa-go/internal/model"
	"okoa-go/internal/network"
	"okoa-go/internal/okoa"
	"okoa-go/internal/remote"
	"okoa-go/internal/server"
)

// shutdownTimeout bounds graceful HTTP shutdown in Serve.
const shutdownTimeout = 10 * time.Second

// OkoaApp is the application layer between the CLI and the core.
// It constructs all dependencies from config, exposes high-level operations,
// and manages the DB lifecycle on Close.
type OkoaApp struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	network   okoa.Network
	prober    okoa.Prober
	cache     *okoa.ContentCache
	encryptor okoa.Encryptor
	outbox    *okoa.Outbox
	remote    okoa.Remote
	guard     okoa.FlushGuard
	latency   *metrics.LatencyTracker
	sync      *okoa.SyncCoordinator
	logger    *slog.Logger
	op        *Operation
	logFile   *os.File
}

// Option overrides a dependency NewOkoaApp would otherwise build from config.
type Option func(*OkoaApp)

// WithNetwork replaces the origin client.
func WithNetwork(n okoa.Network) Option {
	return func(a *OkoaApp) { a.network = n }
}

// WithProber replaces the connectivity prober used by Serve.
func WithProber(p okoa.Prober) Option {
	return func(a *OkoaApp) { a.prober = p }
}

// WithRemote replaces the remote endpoint.
func WithRemote(r okoa.Remote) Option {
	return func(a *OkoaApp) { a.remote = r }
}

// NewOkoaApp creates a fully wired OkoaApp from the given config.
// operation identifies the CLI command being run (e.g. "Flush", "Serve").
// The caller must call Close when done.
func NewOkoaApp(ctx context.Context, cfg *config.Config, operation string, opts ...Option) (*OkoaApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &OkoaApp{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a.op = NewOperation(operation, time.Now())
	logger, logFile, err := newLogger(cfg.LogDir, a.op.ID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a.logger = logger
	a.logFile = logFile
	coreLogger := &slogAdapter{l: logger}

	// From here on, failures must release what was already opened.
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	a.db, err = database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := a.db.CheckMigrations(); err != nil {
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	a.latency = metrics.NewLatencyTracker(metrics.DefaultRelativeAccuracy)

	if a.network == nil {
		a.network = network.NewHTTPNetwork(cfg.Origin.Timeout.Std(),
			network.WithMaxBodyBytes(cfg.Origin.MaxBodyBytes))
	}
	if a.prober == nil {
		a.prober = network.NewHTTPProber(cfg.Origin.URL, cfg.Origin.Timeout.Std())
	}

	a.cache, err = okoa.NewContentCache(a.db, a.network, okoa.CacheSettings{
		Origin:   cfg.Origin.URL,
		RootPath: cfg.Cache.RootPath,
	}, coreLogger, okoa.RealClock{}, a.latency)
	if err != nil {
		return nil, fmt.Errorf("creating content cache: %w", err)
	}

	a.encryptor, err = encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	a.outbox = okoa.NewOutbox(a.db, a.encryptor, coreLogger, okoa.RealClock{}, okoa.UUIDGenerator{})

	if a.remote == nil {
		a.remote, err = remote.NewRemoteFromConfig(ctx, cfg.Remote)
		if err != nil {
			return nil, fmt.Errorf("creating remote: %w", err)
		}
	}

	if cfg.Sync.LockPath != "" {
		a.guard, err = lock.NewFileGuard(cfg.Sync.LockPath)
		if err != nil {
			return nil, fmt.Errorf("creating flush lock: %w", err)
		}
	} else {
		a.guard = lock.NewMemGuard()
	}

	a.sync = okoa.NewSyncCoordinator(a.outbox, a.remote, a.guard, coreLogger, okoa.RealClock{},
		okoa.WithRunRecorder(a.db),
		okoa.WithLatencyRecorder(a.latency),
		okoa.WithSubmitTimeout(cfg.Sync.SubmitTimeout.Std()))

	ok = true
	return a, nil
}

// Logger returns the application logger.
func (a *OkoaApp) Logger() *slog.Logger {
	return a.logger
}

// Config returns the configuration the app was built from.
func (a *OkoaApp) Config() *config.Config {
	return a.cfg
}

// SetupKeys generates the key pair used to seal outbox payloads.
func (a *OkoaApp) SetupKeys(passphrase string) error {
	if a.encryptor == nil {
		return a.op.Fail(fmt.Errorf("encryption is disabled (encryption.type = %q)", a.cfg.Encryption.Type))
	}
	if err := a.encryptor.Setup(passphrase); err != nil {
		return a.op.Fail(fmt.Errorf("setting up keys: %w", err))
	}
	return nil
}

// SealsPayloads reports whether outbox payloads are encrypted at rest.
func (a *OkoaApp) SealsPayloads() bool {
	return a.encryptor != nil
}

// Unlock opens the private key so sealed payloads can be flushed.
func (a *OkoaApp) Unlock(passphrase string) error {
	if a.encryptor == nil {
		return nil
	}
	dc, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return a.op.Fail(fmt.Errorf("unlocking outbox key: %w", err))
	}
	a.outbox.Unlock(dc)
	return nil
}

// MigrationStatus reports the schema version of the local database.
func (a *OkoaApp) MigrationStatus() (string, error) {
	st, err := a.db.MigrationStatus()
	if err != nil {
		return "", err
	}
	return st.String(), nil
}

// Schema returns the CREATE statements of the local database.
func (a *OkoaApp) Schema(ctx context.Context) (string, error) {
	return a.db.Schema(ctx)
}

// Backup copies the local database to destPath.
func (a *OkoaApp) Backup(destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return a.op.Fail(fmt.Errorf("backup destination %s already exists", destPath))
	}
	return a.op.Fail(a.db.BackupTo(destPath))
}

// Prime fetches the configured manifest into the configured generation.
func (a *OkoaApp) Prime(ctx context.Context) error {
	err := a.latency.RecordFunc("cache.prime", func() error {
		return a.cache.Prime(ctx, a.cfg.Cache.Generation, a.cfg.Cache.Manifest)
	})
	return a.op.Fail(err)
}

// Activate makes the configured generation active and drops the others.
func (a *OkoaApp) Activate(ctx context.Context) error {
	return a.op.Fail(a.cache.Activate(ctx, a.cfg.Cache.Generation))
}

// Install primes and activates the configured generation unless it is
// already active. It reports whether anything was installed.
func (a *OkoaApp) Install(ctx context.Context) (bool, error) {
	active, err := a.cache.ActiveGeneration(ctx)
	if err != nil {
		return false, a.op.Fail(err)
	}
	if active == a.cfg.Cache.Generation {
		return false, nil
	}
	if err := a.Prime(ctx); err != nil {
		return false, err
	}
	if err := a.Activate(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// CacheStatus describes the stored application shell.
type CacheStatus struct {
	Origin     string
	Configured string // generation in config
	Active     string // generation in use
	Entries    int64
}

// CacheStatus returns the active generation and how many entries it holds.
func (a *OkoaApp) CacheStatus(ctx context.Context) (*CacheStatus, error) {
	active, err := a.cache.ActiveGeneration(ctx)
	if err != nil {
		return nil, err
	}
	n, err := a.cache.EntryCount(ctx)
	if err != nil {
		return nil, err
	}
	return &CacheStatus{
		Origin:     a.cache.Origin(),
		Configured: a.cfg.Cache.Generation,
		Active:     active,
		Entries:    n,
	}, nil
}

// Get reads ref through the content cache, as a browser navigation would
// when navigate is true.
func (a *OkoaApp) Get(ctx context.Context, ref string, navigate bool) (okoa.Result, error) {
	target, err := a.cache.Resolve(ref)
	if err != nil {
		return okoa.Result{}, err
	}
	mode := model.ModeResource
	if navigate {
		mode = model.ModeNavigate
	}
	return a.cache.FetchWithFallback(ctx, &model.Request{Method: http.MethodGet, URL: target, Mode: mode}), nil
}

// Refresh re-fetches paths into the active generation. With no paths the
// configured refresh paths are used, falling back to the manifest.
func (a *OkoaApp) Refresh(ctx context.Context, paths []string) (int, error) {
	if len(paths) == 0 {
		paths = a.refreshPaths()
	}
	n, err := a.cache.Refresh(ctx, paths)
	return n, a.op.Fail(err)
}

func (a *OkoaApp) refreshPaths() []string {
	if len(a.cfg.Cache.RefreshPaths) > 0 {
		return a.cfg.Cache.RefreshPaths
	}
	return a.cfg.Cache.Manifest
}

// Enqueue queues payload for delivery and returns its id.
func (a *OkoaApp) Enqueue(ctx context.Context, payload []byte) (string, error) {
	id, err := a.outbox.Enqueue(ctx, payload)
	return id, a.op.Fail(err)
}

// ListWrites returns up to limit outbox records, oldest first.
func (a *OkoaApp) ListWrites(ctx context.Context, limit int) ([]*model.PendingWrite, error) {
	return a.outbox.List(ctx, limit)
}

// PendingCount returns the number of writes awaiting delivery.
func (a *OkoaApp) PendingCount(ctx context.Context) (int64, error) {
	return a.outbox.PendingCount(ctx)
}

// Flush delivers pending writes once.
func (a *OkoaApp) Flush(ctx context.Context) (okoa.FlushSummary, error) {
	summary, err := a.sync.FlushOnce(ctx, okoa.TriggerExplicit)
	return summary, a.op.Fail(err)
}

// SyncHistory returns the most recent flushes, newest first.
func (a *OkoaApp) SyncHistory(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	return a.db.ListSyncRuns(ctx, limit)
}

// LatencyStats returns timing statistics gathered during this process.
func (a *OkoaApp) LatencyStats() []metrics.Stats {
	return a.latency.GetAllStats()
}

// NewServer builds the HTTP server over this app's cache and outbox.
func (a *OkoaApp) NewServer() *server.Server {
	return server.New(a.cache, a.outbox, a.sync, a.latency, a.logger, server.Options{
		RateLimitRPS:   a.cfg.Server.RateLimitRPS,
		RateLimitBurst: a.cfg.Server.RateLimitBurst,
		FlushOnEnqueue: true,
	})
}

// Serve installs the configured generation if needed, then serves HTTP and
// runs the flush triggers until ctx is cancelled.
func (a *OkoaApp) Serve(ctx context.Context) error {
	if installed, err := a.Install(ctx); err != nil {
		// Keep serving whatever generation is already active.
		a.logger.Warn("installing cache generation failed", "generation", a.cfg.Cache.Generation, "error", err)
	} else if installed {
		a.logger.Info("cache generation installed", "generation", a.cfg.Cache.Generation)
	}

	s := a.NewServer()
	defer s.Close()

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	a.runBackground(ctx, &wg)

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", srv.Addr, "origin", a.cfg.Origin.URL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err, open := <-errc:
		if open {
			serveErr = fmt.Errorf("serving http: %w", err)
		}
	}

	a.logger.Info("shutting down server")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("shutting down: %w", err)
	}
	wg.Wait()

	a.logger.Info("server stopped")
	return a.op.Fail(serveErr)
}

// runBackground starts the periodic flush, the connectivity watcher and the
// periodic cache refresh. They stop when ctx is cancelled.
func (a *OkoaApp) runBackground(ctx context.Context, wg *sync.WaitGroup) {
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	start(func() { a.sync.RunPeriodic(ctx, a.cfg.Sync.Interval.Std()) })
	start(func() { a.sync.WatchConnectivity(ctx, a.prober, a.cfg.Sync.ProbeInterval.Std()) })

	if interval := a.cfg.Cache.RefreshInterval.Std(); interval > 0 {
		start(func() { a.refreshLoop(ctx, interval) })
	}
}

func (a *OkoaApp) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.cache.Refresh(ctx, a.refreshPaths()); err != nil && ctx.Err() == nil {
				a.logger.Warn("periodic refresh failed", "error", err)
			}
		}
	}
}

// Close finishes the operation and closes all resources.
func (a *OkoaApp) Close() error {
	a.logger.Debug("operation finished", "operation", a.op.Name, "status", a.op.Status,
		"duration", time.Since(a.op.Started).Round(time.Millisecond))
	return a.closeResources()
}

func (a *OkoaApp) closeResources() error {
	var firstErr error
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
