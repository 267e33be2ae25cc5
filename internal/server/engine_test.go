package server

import (
	"net/http"
	"testing"

	"taskmarket/internal/commerce"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine/enginetest"
	"taskmarket/internal/process"
)

func newEngineServer(t *testing.T) (enginetest.Env, *commerce.Client, func()) {
	t.Helper()
	env := enginetest.New(t)
	env.Listing(t, "task-x", "poster", "plumbing")
	handler, err := NewEngine(EngineConfig{Engine: env.Engine, Issuer: env.Issuer})
	if err != nil {
		t.Fatalf("build engine handler: %v", err)
	}
	key, _, err := env.Engine.CreateAPIKey(env.Ctx, "core", "test")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	url, stop := serve(t, handler)
	return env, commerce.NewClient(url, key), stop
}

func TestEngineAPIRequiresKey(t *testing.T) {
	env, client, cleanup := newEngineServer(t)
	defer cleanup()
	client.APIKey = "tmk_wrong"
	_, err := client.Listing(env.Ctx, "task-x")
	ee, ok := commerce.AsEngineError(err)
	if !ok || ee.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 engine error, got %v", err)
	}
}

func TestEngineAPILedgerRoundTrip(t *testing.T) {
	env, client, cleanup := newEngineServer(t)
	defer cleanup()
	ctx := env.Ctx

	cred, err := client.Exchange(ctx, env.Session(t, "spec-a"))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !cred.Elevated || cred.Subject != "spec-a" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if _, err := client.Exchange(ctx, "not-a-session"); err == nil {
		t.Fatalf("expected exchange of a bad session to fail")
	}

	price, _ := domain.NewMoney("120.50", "EUR")
	tx, err := client.Initiate(ctx, cred, commerce.InitiateParams{
		TaskID:    "task-x",
		Offer:     &domain.Offer{Price: price, Comment: "can start monday"},
		LineItems: []domain.LineItem{},
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if tx.State != process.StateInquiry || tx.OwnerID != "poster" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if tx.Offer == nil || !tx.Offer.Price.Amount.Equal(price.Amount) {
		t.Fatalf("offer price lost on the wire: %+v", tx.Offer)
	}

	_, err = client.Transition(ctx, env.User(t, "poster"), tx.ID, commerce.TransitionParams{Transition: process.TransitionAcceptOffer})
	if ee, ok := commerce.AsEngineError(err); !ok || ee.Status != http.StatusForbidden {
		t.Fatalf("accept with a plain session: expected 403, got %v", err)
	}

	accepted, err := client.Transition(ctx, env.Elevated(t, "poster"), tx.ID, commerce.TransitionParams{Transition: process.TransitionAcceptOffer})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.State != process.StateAccepted {
		t.Fatalf("expected ACCEPTED, got %s", accepted.State)
	}
	if len(accepted.Transitions) != 2 {
		t.Fatalf("expected two history records, got %d", len(accepted.Transitions))
	}

	got, err := client.Transactions(ctx, commerce.TransactionFilter{
		TaskID: "task-x",
		States: []process.State{process.StateAccepted, process.StateCompleted},
	})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(got) != 1 || got[0].ID != tx.ID {
		t.Fatalf("unexpected filtered transactions: %+v", got)
	}
	none, err := client.Transactions(ctx, commerce.TransactionFilter{TaskID: "task-x", States: []process.State{process.StateDeclined}})
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no declined transactions, got %v %v", none, err)
	}

	if _, err := client.Transaction(ctx, "missing"); !commerce.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	evts, err := client.EventsAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) == 0 {
		t.Fatalf("expected events")
	}
	later, err := client.EventsAfter(ctx, evts[len(evts)-1].ID, 10)
	if err != nil || len(later) != 0 {
		t.Fatalf("expected nothing past the last event, got %v %v", later, err)
	}
}

func TestEngineAPICatalog(t *testing.T) {
	env, client, cleanup := newEngineServer(t)
	defer cleanup()
	ctx := env.Ctx

	assigned := "spec-a"
	status := domain.VisibilityInProgress
	task, err := client.UpdateFields(ctx, "task-x", commerce.ListingFields{AssignedSpecialistID: &assigned, VisibilityStatus: &status})
	if err != nil {
		t.Fatalf("update fields: %v", err)
	}
	if task.VisibilityStatus != domain.VisibilityInProgress || task.AssignedSpecialistID == nil || *task.AssignedSpecialistID != assigned {
		t.Fatalf("fields not applied: %+v", task)
	}
	if !task.Searchable {
		t.Fatalf("field update must not touch searchability")
	}

	if err := client.Close(ctx, "task-x"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := client.Close(ctx, "task-x"); err != nil {
		t.Fatalf("second close: %v", err)
	}
	task, err = client.Listing(ctx, "task-x")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if task.Searchable {
		t.Fatalf("expected closed listing")
	}
	if err := client.Close(ctx, "nope"); !commerce.IsNotFound(err) {
		t.Fatalf("expected not found closing unknown listing, got %v", err)
	}

	env.Listing(t, "task-y", "poster", "plumbing")
	open, err := client.Listings(ctx, commerce.ListingFilter{Category: "plumbing", Visibility: domain.VisibilityAvailable})
	if err != nil {
		t.Fatalf("listings: %v", err)
	}
	if len(open) != 1 || open[0].ID != "task-y" {
		t.Fatalf("expected only task-y open, got %+v", open)
	}
}

func TestEngineAPIDirectory(t *testing.T) {
	env, client, cleanup := newEngineServer(t)
	defer cleanup()
	ctx := env.Ctx
	env.Profile(t, "spec-a", true, "plumbing")
	env.Profile(t, "spec-b", false, "gardening")

	p, err := client.Profile(ctx, "spec-a")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if !p.Verification.Bool() {
		t.Fatalf("expected verified profile")
	}
	if _, err := client.Profile(ctx, "ghost"); !commerce.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	profiles, err := client.ProfilesByCategory(ctx, "plumbing")
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	if len(profiles) != 1 || profiles[0].ID != "spec-a" {
		t.Fatalf("unexpected profiles: %+v", profiles)
	}
	reviews, err := client.Reviews(ctx, commerce.ReviewFilter{SubjectID: "spec-a", AuthorRole: process.RoleOwner})
	if err != nil {
		t.Fatalf("reviews: %v", err)
	}
	if len(reviews) != 0 {
		t.Fatalf("expected no reviews yet, got %d", len(reviews))
	}
	if _, err := client.Reviews(ctx, commerce.ReviewFilter{}); err == nil {
		t.Fatalf("expected subject_id to be required")
	}
}
