package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/skritter/studysync/internal/api"
	"github.com/skritter/studysync/internal/config"
	"github.com/skritter/studysync/internal/logging"
	"github.com/skritter/studysync/internal/schema"
	"github.com/skritter/studysync/internal/storage"
	"github.com/skritter/studysync/internal/study"
	syncer "github.com/skritter/studysync/internal/sync"
)

// Meta keys owned by the command.
const (
	tokenKey = "token"
	userKey  = "user"
)

// app bundles the components every command needs.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	closeLog func()

	store     *storage.SQLite
	client    *api.Client
	items     *study.Items
	reviews   *study.Reviews
	data      *study.Data
	scheduler *study.Scheduler

	user  *api.User
	token *api.Token
	now   study.Clock
}

// openApp loads settings, opens the local store and restores the saved
// session. now overrides the clock when non-nil.
func openApp(ctx context.Context, now study.Clock) (*app, error) {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logFile := cfg.Log.File
	if logFile == "" {
		logFile = filepath.Join(cfg.DataDir, "sk.log")
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		File:        logFile,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		Development: cfg.Log.Development,
		Quiet:       quiet,
	})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		closeLog()
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.OpenContext(ctx, cfg.DBPath, logger)
	if err != nil {
		closeLog()
		return nil, err
	}

	if now == nil {
		now = time.Now
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		store:    store,
		now:      now,
		client: api.New(api.Config{
			BaseURL:      cfg.API.BaseURL,
			Version:      cfg.API.Version,
			ClientID:     cfg.API.ClientID,
			ClientSecret: cfg.API.ClientSecret,
			HTTPClient:   &http.Client{Timeout: cfg.API.Timeout},
			PageDelay:    cfg.API.PageDelay,
			Logger:       logger.Named("api"),
		}),
	}

	var token api.Token
	if ok, err := storage.GetMeta(ctx, store, tokenKey, &token); err != nil {
		a.Close()
		return nil, err
	} else if ok {
		a.token = &token
		a.client.SetToken(&token)
	}
	var user api.User
	if ok, err := storage.GetMeta(ctx, store, userKey, &user); err != nil {
		a.Close()
		return nil, err
	} else if ok {
		a.user = &user
	}

	a.items = study.NewItems(store, now)
	a.reviews = study.NewReviews(store)
	if err := a.reviews.LoadAll(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.data = study.NewData(store, a.items, a.style(), logger.Named("study"))
	a.scheduler = study.NewScheduler(study.SchedulerConfig{
		Store:   store,
		Items:   a.items,
		Data:    a.data,
		Reviews: a.reviews,
		Clock:   now,
		Logger:  logger.Named("scheduler"),
	})
	return a, nil
}

// Close releases the store and flushes logs.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
	a.closeLog()
}

// requireLogin fails when no session is saved or it has expired.
func (a *app) requireLogin() error {
	if a.token == nil {
		return fmt.Errorf("not logged in (run 'sk login')")
	}
	if a.token.Expired(a.now()) {
		return fmt.Errorf("session expired (run 'sk login')")
	}
	return nil
}

// engine builds a sync engine reporting to observer (nil for none).
func (a *app) engine(observer syncer.Observer) *syncer.Engine {
	return syncer.New(syncer.Config{
		Remote:   a.client,
		Store:    a.store,
		Reviews:  a.reviews,
		Observer: observer,
		Clock:    a.now,
		Logger:   a.logger.Named("sync"),
	})
}

// style returns the configured style, falling back to the account's.
func (a *app) style() string {
	if a.cfg.Study.Style != "" && a.cfg.Study.Style != schema.StyleBoth {
		return a.cfg.Study.Style
	}
	if a.user != nil {
		return a.user.Style()
	}
	return schema.StyleBoth
}

// parts returns the configured parts, falling back to the account's.
func (a *app) parts() ([]schema.Part, error) {
	if len(a.cfg.Study.Parts) > 0 {
		return schema.ParseParts(a.cfg.Study.Parts)
	}
	if a.user != nil {
		return a.user.Parts(), nil
	}
	return schema.AllParts(a.cfg.Study.Lang), nil
}

// sourceLang is the language definitions are shown in.
func (a *app) sourceLang() string {
	if a.user != nil && a.user.SourceLang != "" {
		return a.user.SourceLang
	}
	return "en"
}

// filter returns the parts and styles the scheduler selects on.
func (a *app) filter() ([]schema.Part, []string, error) {
	parts, err := a.parts()
	if err != nil {
		return nil, nil, err
	}
	return parts, schema.StylesFor(a.style()), nil
}

// mustOpen is openApp for commands that exit on failure.
func mustOpen(ctx context.Context, now study.Clock) *app {
	a, err := openApp(ctx, now)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return a
}

// exitOn prints err and exits after releasing a.
func exitOn(a *app, err error, what string) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error %s: %v\n", what, err)
	if a != nil {
		a.Close()
	}
	os.Exit(1)
}
