// Package daemon keeps the local store in sync in the background.
//
// The daemon:
//  1. Runs a full sync cycle at a fixed interval
//  2. Syncs early once enough reviews are waiting to be uploaded
//  3. Reloads its schedule when the config file changes
//  4. Shuts down cleanly when its context is cancelled
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/skritter/studysync/internal/schema"
	syncer "github.com/skritter/studysync/internal/sync"
)

// Syncer runs sync cycles. *sync.Engine implements it.
type Syncer interface {
	Sync(ctx context.Context) (syncer.Stats, error)
	Syncing() bool
}

// ReviewQueue reports reviews waiting for upload. *study.Reviews
// implements it.
type ReviewQueue interface {
	Pending(ctx context.Context) ([]schema.Review, error)
}

// Settings are the reloadable parts of the daemon configuration.
type Settings struct {
	// SyncInterval is how often a full sync runs
	SyncInterval time.Duration

	// AutoSync enables syncing once AutoSyncThreshold is exceeded
	AutoSync bool

	// AutoSyncThreshold is the number of pending reviews that triggers
	// an early sync
	AutoSyncThreshold int

	// CheckInterval is how often the pending count is checked
	CheckInterval time.Duration
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		SyncInterval:      15 * time.Minute,
		AutoSync:          true,
		AutoSyncThreshold: 10,
		CheckInterval:     time.Minute,
	}
}

// Config holds configuration for the daemon.
type Config struct {
	Settings Settings

	// ConfigFile is watched for changes when set. Reload is called to
	// read the new settings.
	ConfigFile string
	Reload     func() (Settings, error)

	// DebounceInterval batches rapid config file writes
	DebounceInterval time.Duration

	Logger *zap.Logger
}

// Daemon schedules sync cycles.
type Daemon struct {
	engine  Syncer
	reviews ReviewQueue
	config  Config
	logger  *zap.Logger

	scheduler *gocron.Scheduler
	watcher   *ConfigWatcher

	mu       sync.Mutex
	settings Settings
	lastErr  error
	cycles   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. Use Start to begin scheduling.
func New(engine Syncer, reviews ReviewQueue, config Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if reviews == nil {
		return nil, fmt.Errorf("reviews cannot be nil")
	}
	if config.Settings.SyncInterval <= 0 {
		config.Settings.SyncInterval = DefaultSettings().SyncInterval
	}
	if config.Settings.CheckInterval <= 0 {
		config.Settings.CheckInterval = DefaultSettings().CheckInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 200 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()

	return &Daemon{
		engine:    engine,
		reviews:   reviews,
		config:    config,
		logger:    config.Logger,
		scheduler: scheduler,
		settings:  config.Settings,
	}, nil
}

// Start runs an initial sync, schedules the periodic jobs and blocks until
// ctx is cancelled. A failed initial sync is logged; the schedule still
// starts so the daemon recovers once the network is back.
func (d *Daemon) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.logger.Info("starting daemon", zap.Duration("interval", d.Settings().SyncInterval))

	d.RunSync()

	if err := d.schedule(d.Settings()); err != nil {
		return err
	}
	d.scheduler.StartAsync()

	if d.config.ConfigFile != "" && d.config.Reload != nil {
		w, err := NewConfigWatcher(d.config.ConfigFile, d.config.DebounceInterval)
		if err != nil {
			d.scheduler.Stop()
			return err
		}
		if err := w.Start(); err != nil {
			d.scheduler.Stop()
			return err
		}
		d.watcher = w
		d.wg.Add(1)
		go d.watchConfig()
	}

	<-d.ctx.Done()
	return d.Stop()
}

// Stop halts the schedule and the config watcher.
func (d *Daemon) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.scheduler.Stop()
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn("failed to stop config watcher", zap.Error(err))
		}
	}
	d.wg.Wait()
	d.logger.Info("daemon stopped")
	return nil
}

// schedule replaces every job with ones built from settings.
func (d *Daemon) schedule(settings Settings) error {
	d.scheduler.Clear()

	if _, err := d.scheduler.Every(settings.SyncInterval).WaitForSchedule().Do(d.RunSync); err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}
	if settings.AutoSync {
		if _, err := d.scheduler.Every(settings.CheckInterval).WaitForSchedule().Do(d.CheckThreshold); err != nil {
			return fmt.Errorf("failed to schedule threshold check: %w", err)
		}
	}
	return nil
}

// RunSync runs one sync cycle. A cycle already in progress is not an error.
func (d *Daemon) RunSync() {
	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	stats, err := d.engine.Sync(ctx)
	if errors.Is(err, syncer.ErrSyncInProgress) {
		d.logger.Debug("sync skipped, cycle in progress")
		return
	}

	d.mu.Lock()
	d.lastErr = err
	d.cycles++
	d.mu.Unlock()

	if err != nil {
		d.logger.Warn("sync failed", zap.Error(err))
		return
	}
	d.logger.Info("sync finished",
		zap.Int("uploaded", stats.Uploaded),
		zap.Int("records", stats.Total()))
}

// CheckThreshold starts a sync when auto-sync is on, no cycle is running
// and more reviews are pending than the threshold.
func (d *Daemon) CheckThreshold() {
	settings := d.Settings()
	if !settings.AutoSync || d.engine.Syncing() {
		return
	}

	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	pending, err := d.reviews.Pending(ctx)
	if err != nil {
		d.logger.Warn("failed to count pending reviews", zap.Error(err))
		return
	}
	if len(pending) > settings.AutoSyncThreshold {
		d.logger.Info("pending reviews over threshold",
			zap.Int("pending", len(pending)),
			zap.Int("threshold", settings.AutoSyncThreshold))
		d.RunSync()
	}
}

// Settings returns the active settings.
func (d *Daemon) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// LastError returns the error of the last completed cycle.
func (d *Daemon) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Cycles returns the number of cycles run.
func (d *Daemon) Cycles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cycles
}

// ApplySettings switches to new settings and reschedules the jobs.
func (d *Daemon) ApplySettings(settings Settings) error {
	if settings.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive (got %v)", settings.SyncInterval)
	}
	if settings.CheckInterval <= 0 {
		settings.CheckInterval = DefaultSettings().CheckInterval
	}

	d.mu.Lock()
	d.settings = settings
	d.mu.Unlock()

	if err := d.schedule(settings); err != nil {
		return err
	}
	d.logger.Info("settings reloaded",
		zap.Duration("interval", settings.SyncInterval),
		zap.Bool("auto_sync", settings.AutoSync),
		zap.Int("threshold", settings.AutoSyncThreshold))
	return nil
}

func (d *Daemon) watchConfig() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case _, ok := <-d.watcher.Changes():
			if !ok {
				return
			}
			settings, err := d.config.Reload()
			if err != nil {
				d.logger.Warn("failed to reload config", zap.Error(err))
				continue
			}
			if err := d.ApplySettings(settings); err != nil {
				d.logger.Warn("failed to apply config", zap.Error(err))
			}
		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
