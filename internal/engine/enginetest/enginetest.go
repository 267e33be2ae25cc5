// Package enginetest builds a migrated sqlite engine for tests.
package enginetest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskmarket/internal/commerce"
	"taskmarket/internal/credentials"
	"taskmarket/internal/db"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine"
	"taskmarket/internal/engine/auth"
	"taskmarket/internal/migrate"
)

const (
	SessionSecret  = "test-session-secret"
	ElevatedSecret = "test-elevated-secret"
)

// Clock advances one second per reading so stored timestamps are ordered.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{t: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type Env struct {
	Engine engine.Engine
	Issuer credentials.Issuer
	Clock  *Clock
	Ctx    context.Context
}

func New(t testing.TB) Env {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{DSN: filepath.Join(t.TempDir(), "engine.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	eng := engine.New(conn, dialect, auth.Verifier{
		SessionSecret:  SessionSecret,
		ElevatedSecret: ElevatedSecret,
		Now:            clock.Now,
	})
	eng.Now = clock.Now
	return Env{
		Engine: eng,
		Issuer: credentials.Issuer{
			SessionSecret:  SessionSecret,
			ElevatedSecret: ElevatedSecret,
			Name:           "test",
			TTL:            time.Hour,
			Now:            clock.Now,
		},
		Clock: clock,
		Ctx:   context.Background(),
	}
}

// Session mints an end-user session for subject.
func (env Env) Session(t testing.TB, subject string) string {
	t.Helper()
	tok, err := credentials.MintSession(SessionSecret, "test", subject, 24*time.Hour, env.Clock.Now())
	if err != nil {
		t.Fatalf("mint session: %v", err)
	}
	return tok
}

// User returns subject's own, non-elevated credential.
func (env Env) User(t testing.TB, subject string) commerce.Credential {
	return commerce.Credential{Token: env.Session(t, subject), Subject: subject}
}

// Elevated exchanges a fresh session for an elevated credential.
func (env Env) Elevated(t testing.TB, subject string) commerce.Credential {
	t.Helper()
	cred, err := env.Issuer.Exchange(env.Ctx, env.Session(t, subject))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	return cred
}

// Listing publishes an inquiry listing owned by poster.
func (env Env) Listing(t testing.TB, id, poster, category string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateListing(env.Ctx, engine.ListingCreateOptions{
		ID:       id,
		PosterID: poster,
		Title:    "Task " + id,
		Category: category,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return task
}

// Profile upserts a specialist profile.
func (env Env) Profile(t testing.TB, id string, verified bool, categories ...string) domain.Profile {
	t.Helper()
	p, err := env.Engine.UpsertProfile(env.Ctx, domain.Profile{
		ID:           id,
		DisplayName:  id,
		Categories:   categories,
		Verification: domain.Verified(verified),
	})
	if err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	return p
}

// Offer runs INQUIRE for specialist on task with the given EUR price.
func (env Env) Offer(t testing.TB, taskID, specialist, amount string) domain.Transaction {
	t.Helper()
	price, err := domain.NewMoney(amount, "EUR")
	if err != nil {
		t.Fatalf("money: %v", err)
	}
	tx, err := env.Engine.Initiate(env.Ctx, env.Elevated(t, specialist), commerce.InitiateParams{
		TaskID:    taskID,
		Offer:     &domain.Offer{Price: price},
		LineItems: []domain.LineItem{},
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return tx
}
