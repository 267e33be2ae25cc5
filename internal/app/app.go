// Package app wires the core's components for a process entry point. Every
// collaborator is constructed here and passed down explicitly.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"taskmarket/internal/aggregation"
	"taskmarket/internal/commerce"
	"taskmarket/internal/config"
	"taskmarket/internal/credentials"
	"taskmarket/internal/db"
	"taskmarket/internal/engine"
	"taskmarket/internal/engine/auth"
	"taskmarket/internal/gateway"
	"taskmarket/internal/migrate"
	"taskmarket/internal/notify"
	"taskmarket/internal/process"
	"taskmarket/internal/projector"
	"taskmarket/internal/ranking"
)

type App struct {
	Config     *config.Config
	Logger     *log.Logger
	Engine     commerce.Engine
	Local      *engine.Engine
	Issuer     commerce.CredentialIssuer
	Gateway    gateway.Gateway
	Projector  projector.Projector
	Aggregator *aggregation.Aggregator
	Publisher  notify.Publisher
	Now        func() time.Time

	closers []func() error
}

// NewLogger is the process logger used by the CLI entry points.
func NewLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
}

// OpenLocalEngine opens and migrates the engine database named by cfg.
func OpenLocalEngine(cfg *config.Config, now func() time.Time) (engine.Engine, *sql.DB, error) {
	conn, dialect, err := db.Open(db.Config{DSN: cfg.Engine.DSN})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, dialect, auth.Verifier{
		SessionSecret:  cfg.Credentials.SessionSecret,
		ElevatedSecret: cfg.Credentials.ElevatedSecret,
		Now:            now,
	})
	e.Now = now
	return e, conn, nil
}

// NewIssuer builds the local credential issuer, with a redis revocation
// check when credentials.redis_addr is set. The returned closer releases
// the redis client.
func NewIssuer(cfg *config.Config, now func() time.Time) (credentials.Issuer, func() error) {
	issuer := credentials.Issuer{
		SessionSecret:  cfg.Credentials.SessionSecret,
		ElevatedSecret: cfg.Credentials.ElevatedSecret,
		Name:           cfg.Credentials.Issuer,
		TTL:            cfg.Credentials.ElevatedTTL,
		Now:            now,
	}
	if cfg.Credentials.RedisAddr == "" {
		return issuer, func() error { return nil }
	}
	rev := credentials.NewRedisRevocations(cfg.Credentials.RedisAddr, cfg.Credentials.RevocationPrefix)
	issuer.Revocations = rev
	return issuer, rev.Close
}

// Build assembles the core. In local mode the engine runs in-process on
// cfg.Engine.DSN; in remote mode every engine call, credential exchange
// included, goes over the engine API.
func Build(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	a := &App{Config: cfg, Logger: logger, Now: time.Now}

	var system func() (commerce.Credential, error)
	switch cfg.Engine.Mode {
	case config.EngineModeLocal:
		eng, conn, err := OpenLocalEngine(cfg, a.Now)
		if err != nil {
			return nil, fmt.Errorf("open engine: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		if err := conn.PingContext(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping engine db: %w", err)
		}
		a.Local = &eng
		a.Engine = eng
		issuer, closeIssuer := NewIssuer(cfg, a.Now)
		a.closers = append(a.closers, closeIssuer)
		a.Issuer = issuer
		system = issuer.System
	case config.EngineModeRemote:
		client := commerce.NewClient(cfg.Engine.BaseURL, cfg.Engine.APIKey)
		client.Timeout = cfg.Timeouts.EngineCall
		a.Engine = client
		a.Issuer = client
	}

	policies, err := ranking.Policies(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Publisher = notify.Log{Logger: logger}
	if len(cfg.Notify.Brokers) > 0 {
		a.Publisher = notify.NewKafka(cfg.Notify.Brokers, cfg.Notify.Topic)
	}
	a.closers = append(a.closers, a.Publisher.Close)

	a.Projector = projector.Projector{
		Catalog: a.Engine,
		Ledger:  a.Engine,
		Feed:    a.Engine,
		Timeout: cfg.Timeouts.EngineCall,
		Logger:  logger,
	}
	a.Gateway = gateway.Gateway{
		Issuer:    a.Issuer,
		Ledger:    a.Engine,
		Catalog:   a.Engine,
		Validator: process.NewValidator(nil),
		Projector: a.Projector,
		Publisher: a.Publisher,
		System:    system,
		Timeouts: gateway.Timeouts{
			CredentialExchange: cfg.Timeouts.CredentialExchange,
			EngineCall:         cfg.Timeouts.EngineCall,
		},
		Logger: logger,
		Now:    a.Now,
	}
	a.Aggregator = aggregation.New(a.Engine)
	a.Aggregator.OffersPolicy = policies[config.PolicyOffers]
	a.Aggregator.DirectoryPolicy = policies[config.PolicyDirectory]
	a.Aggregator.MaxConcurrency = cfg.Aggregation.MaxConcurrency
	a.Aggregator.LookupTimeout = cfg.Timeouts.ReviewLookup
	a.Aggregator.QueryTimeout = cfg.Timeouts.EngineCall
	a.Aggregator.Logger = logger

	logger.Printf("core ready: engine=%s", cfg.Engine.Mode)
	return a, nil
}

// Reconciler returns a feed follower over the app's projector.
func (a *App) Reconciler(interval time.Duration) *projector.Reconciler {
	return &projector.Reconciler{Projector: a.Projector, Interval: interval, Logger: a.Logger}
}

// VerifySession checks an end-user session token.
func (a *App) VerifySession(token string) (credentials.Session, error) {
	return credentials.VerifySession(token, a.Config.Credentials.SessionSecret, a.Now())
}

// Close releases everything Build opened, last opened first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
