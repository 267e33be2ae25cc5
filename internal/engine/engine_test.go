package engine_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"taskmarket/internal/commerce"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine/enginetest"
	"taskmarket/internal/events"
	"taskmarket/internal/process"
)

func engineError(t *testing.T, err error, status int, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected engine error %d %s, got nil", status, code)
	}
	ee, ok := commerce.AsEngineError(err)
	if !ok {
		t.Fatalf("expected engine error, got %T: %v", err, err)
	}
	if ee.Status != status || ee.Code != code {
		t.Fatalf("expected %d %s, got %d %s (%s)", status, code, ee.Status, ee.Code, ee.Message)
	}
}

func TestTransactionLifecycle(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	tx := env.Offer(t, "task-1", "spec", "80")
	if tx.State != process.StateInquiry || tx.OwnerID != "poster" || tx.InitiatorID != "spec" {
		t.Fatalf("unexpected transaction after inquire: %+v", tx)
	}
	if tx.Offer == nil || tx.Offer.Price.String() != "80.00 EUR" {
		t.Fatalf("offer not stored: %+v", tx.Offer)
	}

	tx, err := env.Engine.Transition(env.Ctx, env.Elevated(t, "poster"), tx.ID, commerce.TransitionParams{Transition: process.TransitionAcceptOffer})
	if err != nil || tx.State != process.StateAccepted {
		t.Fatalf("accept: %v %s", err, tx.State)
	}
	tx, err = env.Engine.Transition(env.Ctx, env.User(t, "spec"), tx.ID, commerce.TransitionParams{Transition: process.TransitionComplete})
	if err != nil || tx.State != process.StateCompleted {
		t.Fatalf("complete: %v %s", err, tx.State)
	}
	tx, err = env.Engine.Transition(env.Ctx, env.User(t, "poster"), tx.ID, commerce.TransitionParams{
		Transition: process.TransitionReview1ByOwner,
		Review:     &commerce.ReviewParams{Rating: 5, Content: "great"},
	})
	if err != nil || tx.State != process.StateReviewedByOwner {
		t.Fatalf("review 1: %v %s", err, tx.State)
	}
	tx, err = env.Engine.Transition(env.Ctx, env.User(t, "spec"), tx.ID, commerce.TransitionParams{
		Transition: process.TransitionReview2ByInitiator,
		Review:     &commerce.ReviewParams{Rating: 4},
	})
	if err != nil || tx.State != process.StateReviewed {
		t.Fatalf("review 2: %v %s", err, tx.State)
	}
	if len(tx.Transitions) != 5 {
		t.Fatalf("expected 5 history entries, got %d", len(tx.Transitions))
	}
	history := make([]process.Transition, len(tx.Transitions))
	for i, rec := range tx.Transitions {
		history[i] = rec.Transition
	}
	if s, err := process.Default().StateAfter(history); err != nil || s != tx.State {
		t.Fatalf("history replays to %s (%v), stored %s", s, err, tx.State)
	}
	if len(tx.Reviews) != 2 {
		t.Fatalf("expected 2 reviews, got %d", len(tx.Reviews))
	}
	about, err := env.Engine.Reviews(env.Ctx, commerce.ReviewFilter{SubjectID: "spec"})
	if err != nil || len(about) != 1 || about[0].Rating != 5 || about[0].AuthorRole != process.RoleOwner {
		t.Fatalf("reviews about specialist: %v %+v", err, about)
	}
}

func TestPrivilegedTransitionRequiresElevatedCredential(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	tx := env.Offer(t, "task-1", "spec", "50")
	_, err := env.Engine.Transition(env.Ctx, env.User(t, "poster"), tx.ID, commerce.TransitionParams{Transition: process.TransitionAcceptOffer})
	engineError(t, err, http.StatusForbidden, commerce.CodeForbidden)

	_, err = env.Engine.Initiate(env.Ctx, env.User(t, "spec"), commerce.InitiateParams{TaskID: "task-1", Offer: tx.Offer})
	engineError(t, err, http.StatusForbidden, commerce.CodeForbidden)

	_, err = env.Engine.Transition(env.Ctx, commerce.Credential{Token: "bogus"}, tx.ID, commerce.TransitionParams{Transition: process.TransitionAcceptOffer})
	engineError(t, err, http.StatusUnauthorized, commerce.CodeUnauthorized)
}

func TestEngineEnforcesGraph(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	tx := env.Offer(t, "task-1", "spec", "50")

	_, err := env.Engine.Transition(env.Ctx, env.User(t, "spec"), tx.ID, commerce.TransitionParams{Transition: process.TransitionComplete})
	engineError(t, err, http.StatusConflict, commerce.CodeInvalidTransition)

	_, err = env.Engine.Transition(env.Ctx, env.Elevated(t, "spec"), tx.ID, commerce.TransitionParams{Transition: process.TransitionAcceptOffer})
	engineError(t, err, http.StatusForbidden, commerce.CodeForbidden)

	_, err = env.Engine.Transition(env.Ctx, env.Elevated(t, "stranger"), tx.ID, commerce.TransitionParams{Transition: process.TransitionAcceptOffer})
	engineError(t, err, http.StatusForbidden, commerce.CodeForbidden)

	if _, err := env.Engine.Transition(env.Ctx, env.Elevated(t, "poster"), tx.ID, commerce.TransitionParams{Transition: process.TransitionDeclineOffer}); err != nil {
		t.Fatalf("decline: %v", err)
	}
	_, err = env.Engine.Transition(env.Ctx, env.Elevated(t, "poster"), tx.ID, commerce.TransitionParams{Transition: process.TransitionAcceptOffer})
	engineError(t, err, http.StatusConflict, commerce.CodeInvalidTransition)
}

func TestSecondAcceptOnSameListingRejected(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	a := env.Offer(t, "task-1", "spec-a", "50")
	b := env.Offer(t, "task-1", "spec-b", "60")
	if _, err := env.Engine.Transition(env.Ctx, env.Elevated(t, "poster"), b.ID, commerce.TransitionParams{Transition: process.TransitionAcceptOffer}); err != nil {
		t.Fatalf("accept b: %v", err)
	}
	_, err := env.Engine.Transition(env.Ctx, env.Elevated(t, "poster"), a.ID, commerce.TransitionParams{Transition: process.TransitionAcceptOffer})
	engineError(t, err, http.StatusConflict, commerce.CodeAlreadyAccepted)

	got, err := env.Engine.Transaction(env.Ctx, a.ID)
	if err != nil || got.State != process.StateInquiry {
		t.Fatalf("a should remain in INQUIRY: %v %s", err, got.State)
	}
}

func TestReviewRequiresValidRating(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	tx := env.Offer(t, "task-1", "spec", "50")
	if _, err := env.Engine.Transition(env.Ctx, env.Elevated(t, "poster"), tx.ID, commerce.TransitionParams{Transition: process.TransitionAcceptOffer}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Transition(env.Ctx, env.User(t, "poster"), tx.ID, commerce.TransitionParams{Transition: process.TransitionComplete}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Transition(env.Ctx, env.User(t, "spec"), tx.ID, commerce.TransitionParams{Transition: process.TransitionReview1ByInitiator})
	engineError(t, err, http.StatusBadRequest, commerce.CodeBadRequest)
	_, err = env.Engine.Transition(env.Ctx, env.User(t, "spec"), tx.ID, commerce.TransitionParams{
		Transition: process.TransitionReview1ByInitiator,
		Review:     &commerce.ReviewParams{Rating: 6},
	})
	engineError(t, err, http.StatusBadRequest, commerce.CodeBadRequest)

	sys, err := env.Issuer.System()
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Transition(env.Ctx, sys, tx.ID, commerce.TransitionParams{Transition: process.TransitionExpireReviewPeriod})
	if err != nil || got.State != process.StateReviewed {
		t.Fatalf("expire: %v %s", err, got.State)
	}
}

func TestCloseRemovesListingFromAvailableSearch(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	env.Listing(t, "task-2", "poster", "plumbing")

	if err := env.Engine.Close(env.Ctx, "task-1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := env.Engine.Close(env.Ctx, "task-1"); err != nil {
		t.Fatalf("close twice: %v", err)
	}
	open, err := env.Engine.Listings(env.Ctx, commerce.ListingFilter{Category: "plumbing", Visibility: domain.VisibilityAvailable})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != "task-2" {
		t.Fatalf("expected only task-2 available, got %+v", open)
	}

	price, _ := domain.NewMoney("10", "EUR")
	_, err = env.Engine.Initiate(env.Ctx, env.Elevated(t, "spec"), commerce.InitiateParams{TaskID: "task-1", Offer: &domain.Offer{Price: price}})
	engineError(t, err, http.StatusConflict, commerce.CodeListingClosed)

	_, err = env.Engine.Initiate(env.Ctx, env.Elevated(t, "poster"), commerce.InitiateParams{TaskID: "task-2", Offer: &domain.Offer{Price: price}})
	engineError(t, err, http.StatusForbidden, commerce.CodeForbidden)

	err = env.Engine.Close(env.Ctx, "missing")
	engineError(t, err, http.StatusNotFound, commerce.CodeNotFound)
}

func TestUpdateFields(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	spec := "spec"
	status := domain.VisibilityInProgress
	task, err := env.Engine.UpdateFields(env.Ctx, "task-1", commerce.ListingFields{AssignedSpecialistID: &spec, VisibilityStatus: &status})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if task.AssignedSpecialistID == nil || *task.AssignedSpecialistID != "spec" || task.VisibilityStatus != domain.VisibilityInProgress {
		t.Fatalf("fields not written: %+v", task)
	}
	bad := domain.VisibilityStatus("hidden")
	_, err = env.Engine.UpdateFields(env.Ctx, "task-1", commerce.ListingFields{VisibilityStatus: &bad})
	engineError(t, err, http.StatusBadRequest, commerce.CodeBadRequest)
}

func TestProfileVerificationDriftIsNormalizedOnRead(t *testing.T) {
	env := enginetest.New(t)
	env.Profile(t, "s1", false, "plumbing")
	env.Profile(t, "s2", false, "plumbing")
	if err := env.Engine.Repo.SetRawVerification(env.Ctx, "s1", json.RawMessage(`{"isVerified": true}`)); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.SetRawVerification(env.Ctx, "s2", json.RawMessage(`true`)); err != nil {
		t.Fatal(err)
	}
	profiles, err := env.Engine.ProfilesByCategory(env.Ctx, "plumbing")
	if err != nil || len(profiles) != 2 {
		t.Fatalf("profiles: %v %d", err, len(profiles))
	}
	for _, p := range profiles {
		if !p.Verification.Bool() {
			t.Fatalf("profile %s should read as verified", p.ID)
		}
	}
}

func TestEventsAfterCursor(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	env.Offer(t, "task-1", "spec", "50")
	all, err := env.Engine.EventsAfter(env.Ctx, 0, 100)
	if err != nil || len(all) != 2 {
		t.Fatalf("events: %v %d", err, len(all))
	}
	rest, err := env.Engine.EventsAfter(env.Ctx, all[0].ID, 100)
	if err != nil || len(rest) != 1 || rest[0].Type != events.TypeTransactionTransitioned || rest[0].TaskID != "task-1" {
		t.Fatalf("events after cursor: %v %+v", err, rest)
	}
}
