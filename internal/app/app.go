// Package app wires the library services together behind a single façade
// used by the command frontend.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"podkeep/internal/config"
	"podkeep/internal/domain"
	"podkeep/internal/downloads"
	"podkeep/internal/feeds"
	"podkeep/internal/gpodder"
	"podkeep/internal/images"
	"podkeep/internal/library"
	"podkeep/internal/matching"
	"podkeep/internal/repository"
	"podkeep/internal/tags"
)

type App struct {
	config  config.Config
	db      *sql.DB
	store   *repository.Store
	library *library.Service
	matcher *matching.Engine
	sync    *gpodder.Client
	pool    *downloads.Pool
}

type Dependencies struct {
	HTTPClient *http.Client
	Codec      tags.Codec
	Dial       gpodder.Dialer
}

func New(cfg config.Config, db *sql.DB) (*App, error) {
	return NewWithDependencies(cfg, db, Dependencies{})
}

func NewWithDependencies(cfg config.Config, db *sql.DB, deps Dependencies) (*App, error) {
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	codec := deps.Codec
	if codec == nil {
		codec = tags.Noop{}
	}
	dial := deps.Dial
	if dial == nil {
		dial = gpodder.Dial(httpClient)
	}

	store := repository.New(db)
	if err := store.SeedDefaults(context.Background(), repository.SettingDefaults()); err != nil {
		return nil, fmt.Errorf("seed settings: %w", err)
	}

	parsers := feeds.NewRegistry()
	parsers.Register(domain.ParserFeed, feeds.NewRSSParser(httpClient, cfg.UserAgent))

	librarySvc := library.NewService(store, parsers, images.NewHTTPFetcher(httpClient, cfg.UserAgent))
	matcher := matching.NewEngine(store, codec, cfg.LibraryRoot)
	syncClient := gpodder.NewClient(store, dial)
	downloadsSvc := downloads.NewService(store, codec, httpClient, cfg.LibraryRoot, cfg.UserAgent)

	workers, err := store.SettingInt(context.Background(), "downloads.workers")
	if err != nil {
		return nil, err
	}

	return &App{
		config:  cfg,
		db:      db,
		store:   store,
		library: librarySvc,
		matcher: matcher,
		sync:    syncClient,
		pool:    downloads.NewPool(downloadsSvc, workers),
	}, nil
}

func (a *App) Config() config.Config      { return a.config }
func (a *App) Store() *repository.Store   { return a.store }
func (a *App) Library() *library.Service  { return a.library }
func (a *App) Matcher() *matching.Engine  { return a.matcher }
func (a *App) Sync() *gpodder.Client      { return a.sync }
func (a *App) Downloads() *downloads.Pool { return a.pool }

// Close ends the session: in-flight downloads are aborted, the new flags
// set during this session are cleared and the database is closed.
func (a *App) Close() error {
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.store != nil {
		if err := a.store.ClearNewFlags(context.Background()); err != nil {
			return err
		}
	}
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}
