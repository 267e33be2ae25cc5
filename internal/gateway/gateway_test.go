package gateway

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmarket/internal/apperr"
	"taskmarket/internal/commerce"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine"
	"taskmarket/internal/engine/enginetest"
	"taskmarket/internal/notify"
	"taskmarket/internal/process"
	"taskmarket/internal/projector"
)

type recorder struct {
	mu     sync.Mutex
	events []notify.TransitionEvent
}

func (r *recorder) Publish(_ context.Context, e notify.TransitionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Close() error { return nil }

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, notify.TransitionEvent) error {
	return errors.New("broker unreachable")
}

func (failingPublisher) Close() error { return nil }

type brokenCatalog struct {
	commerce.Catalog
}

func (brokenCatalog) Close(context.Context, string) error { return errors.New("catalog unavailable") }

type failingIssuer struct{ err error }

func (f failingIssuer) Exchange(context.Context, string) (commerce.Credential, error) {
	return commerce.Credential{}, f.err
}

// slowLedger blocks every read until the caller's deadline passes.
type slowLedger struct{ commerce.Ledger }

func (slowLedger) Transaction(ctx context.Context, _ string) (domain.Transaction, error) {
	<-ctx.Done()
	return domain.Transaction{}, ctx.Err()
}

type fixture struct {
	env enginetest.Env
	gw  Gateway
	pub *recorder
}

func newFixture(t *testing.T) fixture {
	env := enginetest.New(t)
	pub := &recorder{}
	gw := Gateway{
		Issuer:    env.Issuer,
		Ledger:    env.Engine,
		Catalog:   env.Engine,
		Projector: projector.Projector{Catalog: env.Engine, Ledger: env.Engine, Feed: env.Engine},
		Publisher: pub,
		System:    env.Issuer.System,
		Now:       env.Clock.Now,
	}
	env.Listing(t, "task-x", "poster", "plumbing")
	return fixture{env: env, gw: gw, pub: pub}
}

func (f fixture) caller(t *testing.T, id string) Caller {
	return Caller{ID: id, Session: f.env.Session(t, id)}
}

func (f fixture) inquire(t *testing.T, specialist, amount string) domain.Transaction {
	t.Helper()
	price, err := domain.NewMoney(amount, "EUR")
	require.NoError(t, err)
	tx, err := f.gw.ExecuteTransition(f.env.Ctx, Request{
		Transition: process.TransitionInquire,
		TaskID:     "task-x",
		Offer:      &OfferParams{Price: price, Comment: "can start monday"},
		Caller:     f.caller(t, specialist),
	})
	require.NoError(t, err)
	return tx
}

func (f fixture) run(t *testing.T, tr process.Transition, txID, actor string) (domain.Transaction, error) {
	return f.gw.ExecuteTransition(f.env.Ctx, Request{Transition: tr, TransactionID: txID, Caller: f.caller(t, actor)})
}

func TestInquireCreatesTransactionWithOffer(t *testing.T) {
	f := newFixture(t)
	tx := f.inquire(t, "spec-a", "120.50")

	assert.Equal(t, process.StateInquiry, tx.State)
	assert.Equal(t, "spec-a", tx.InitiatorID)
	assert.Equal(t, "poster", tx.OwnerID)
	require.NotNil(t, tx.Offer)
	assert.Equal(t, "120.50 EUR", tx.Offer.Price.String())
	assert.Empty(t, tx.LineItems)
	require.Len(t, f.pub.events, 1)
	assert.Equal(t, process.TransitionInquire, f.pub.events[0].Transition)
	assert.Equal(t, "spec-a", f.pub.events[0].ActorID)
}

func TestPublishFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	f.gw.Publisher = failingPublisher{}
	f.gw.Logger = log.New(&buf, "", 0)

	tx := f.inquire(t, "spec-a", "60")
	out, err := f.run(t, process.TransitionAcceptOffer, tx.ID, "poster")
	require.NoError(t, err)
	assert.Equal(t, process.StateAccepted, out.State)
	assert.Contains(t, buf.String(), "publish INQUIRE tx="+tx.ID+": broker unreachable")
	assert.Contains(t, buf.String(), "publish ACCEPT_OFFER tx="+tx.ID+": broker unreachable")

	listing, err := f.env.Engine.Listing(f.env.Ctx, "task-x")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityInProgress, listing.VisibilityStatus)
}

func TestInquireIsNotDeduplicated(t *testing.T) {
	f := newFixture(t)
	first := f.inquire(t, "spec-a", "100")
	second := f.inquire(t, "spec-a", "90")
	assert.NotEqual(t, first.ID, second.ID)

	txs, err := f.env.Engine.Transactions(f.env.Ctx, commerce.TransactionFilter{TaskID: "task-x", InitiatorID: "spec-a"})
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestInquireRejections(t *testing.T) {
	f := newFixture(t)
	zero, err := domain.NewMoney("0", "EUR")
	require.NoError(t, err)
	price, err := domain.NewMoney("10", "EUR")
	require.NoError(t, err)

	cases := []struct {
		name string
		req  Request
		kind apperr.Kind
	}{
		{"poster offers on own task", Request{Offer: &OfferParams{Price: price}, Caller: f.caller(t, "poster")}, apperr.KindForbidden},
		{"zero price", Request{Offer: &OfferParams{Price: zero}, Caller: f.caller(t, "spec-a")}, apperr.KindBadRequest},
		{"missing offer", Request{Caller: f.caller(t, "spec-a")}, apperr.KindBadRequest},
		{"bad session", Request{Offer: &OfferParams{Price: price}, Caller: Caller{ID: "spec-a", Session: "garbage"}}, apperr.KindCredentialExchangeFailed},
		{"mismatched caller", Request{Offer: &OfferParams{Price: price}, Caller: Caller{ID: "spec-b", Session: f.env.Session(t, "spec-a")}}, apperr.KindForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.Transition = process.TransitionInquire
			tc.req.TaskID = "task-x"
			_, err := f.gw.ExecuteTransition(f.env.Ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
		})
	}
	txs, err := f.env.Engine.Transactions(f.env.Ctx, commerce.TransactionFilter{TaskID: "task-x"})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestExchangeFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.gw.Issuer = failingIssuer{err: errors.New("dial tcp: connection refused")}
	_, err := f.run(t, process.TransitionDeclineOffer, "tx-1", "poster")
	require.Error(t, err)
	assert.Equal(t, apperr.KindCredentialExchangeFailed, apperr.KindOf(err))
	assert.True(t, apperr.KindOf(err).Retryable())
}

func TestAcceptProjectsListing(t *testing.T) {
	f := newFixture(t)
	a := f.inquire(t, "spec-a", "60")
	b := f.inquire(t, "spec-b", "80")

	accepted, err := f.run(t, process.TransitionAcceptOffer, b.ID, "poster")
	require.NoError(t, err)
	assert.Equal(t, process.StateAccepted, accepted.State)

	listing, err := f.env.Engine.Listing(f.env.Ctx, "task-x")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityInProgress, listing.VisibilityStatus)
	require.NotNil(t, listing.AssignedSpecialistID)
	assert.Equal(t, "spec-b", *listing.AssignedSpecialistID)

	txs, err := f.env.Engine.Transactions(f.env.Ctx, commerce.TransactionFilter{TaskID: "task-x"})
	require.NoError(t, err)
	assert.Equal(t, listing.VisibilityStatus, projector.DeriveStatus(txs))

	open, err := f.env.Engine.Listings(f.env.Ctx, commerce.ListingFilter{Visibility: domain.VisibilityAvailable})
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = f.run(t, process.TransitionAcceptOffer, a.ID, "poster")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamRejected, apperr.KindOf(err))
	appErr, _ := apperr.As(err)
	assert.Equal(t, commerce.CodeAlreadyAccepted, appErr.Details["code"])
}

func TestEngineGuardsSecondAccept(t *testing.T) {
	f := newFixture(t)
	a := f.inquire(t, "spec-a", "60")
	b := f.inquire(t, "spec-b", "80")
	_, err := f.run(t, process.TransitionAcceptOffer, b.ID, "poster")
	require.NoError(t, err)

	// Skip the gateway's own check and let the engine decide.
	_, err = upstreamOnly(f, t, a.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamRejected, apperr.KindOf(err))
	appErr, _ := apperr.As(err)
	assert.Equal(t, 409, appErr.Details["status"])
	assert.Equal(t, commerce.CodeAlreadyAccepted, appErr.Details["code"])
}

func upstreamOnly(f fixture, t *testing.T, txID string) (domain.Transaction, error) {
	_, err := f.env.Engine.Transition(f.env.Ctx, f.env.Elevated(t, "poster"), txID, commerce.TransitionParams{
		Transition: process.TransitionAcceptOffer,
		LineItems:  []domain.LineItem{},
	})
	return domain.Transaction{}, upstream(err, process.TransitionAcceptOffer)
}

func TestAcceptRoleAndStateChecks(t *testing.T) {
	f := newFixture(t)
	tx := f.inquire(t, "spec-a", "60")

	_, err := f.run(t, process.TransitionAcceptOffer, tx.ID, "spec-a")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.run(t, process.TransitionAcceptOffer, tx.ID, "stranger")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	declined, err := f.run(t, process.TransitionDeclineOffer, tx.ID, "poster")
	require.NoError(t, err)
	assert.Equal(t, process.StateDeclined, declined.State)

	_, err = f.run(t, process.TransitionAcceptOffer, tx.ID, "poster")
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	listing, err := f.env.Engine.Listing(f.env.Ctx, "task-x")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityAvailable, listing.VisibilityStatus)
	assert.True(t, listing.Searchable)
}

func TestAcceptBillingErrorOnlyReachesParties(t *testing.T) {
	f := newFixture(t)
	usd, err := domain.NewMoney("40", "USD")
	require.NoError(t, err)
	_, err = f.env.Engine.CreateListing(f.env.Ctx, engine.ListingCreateOptions{
		ID:       "task-hourly",
		PosterID: "poster",
		Title:    "Hourly task",
		Category: "plumbing",
		Price:    &usd,
		UnitType: "hour",
	})
	require.NoError(t, err)
	tx := f.env.Offer(t, "task-hourly", "spec-a", "45")

	_, err = f.run(t, process.TransitionAcceptOffer, tx.ID, "stranger")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.run(t, process.TransitionAcceptOffer, tx.ID, "poster")
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))

	stored, err := f.env.Engine.Transaction(f.env.Ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, process.StateInquiry, stored.State)
}

func TestAcceptReturnsTransactionOnPartialProjection(t *testing.T) {
	f := newFixture(t)
	tx := f.inquire(t, "spec-a", "60")
	f.gw.Projector = projector.Projector{Catalog: brokenCatalog{Catalog: f.env.Engine}, Ledger: f.env.Engine}

	out, err := f.run(t, process.TransitionAcceptOffer, tx.ID, "poster")
	require.Error(t, err)
	assert.Equal(t, apperr.KindPartialProjection, apperr.KindOf(err))
	assert.Equal(t, tx.ID, out.ID)
	assert.Equal(t, process.StateAccepted, out.State)

	stored, err := f.env.Engine.Transaction(f.env.Ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, process.StateAccepted, stored.State)
}

func TestUserTransitionsCloseTheTask(t *testing.T) {
	f := newFixture(t)
	tx := f.inquire(t, "spec-a", "60")
	_, err := f.run(t, process.TransitionAcceptOffer, tx.ID, "poster")
	require.NoError(t, err)

	done, err := f.gw.UserTransition(f.env.Ctx, UserRequest{
		Transition:    process.TransitionComplete,
		TransactionID: tx.ID,
		Caller:        f.caller(t, "spec-a"),
	})
	require.NoError(t, err)
	assert.Equal(t, process.StateCompleted, done.State)

	listing, err := f.env.Engine.Listing(f.env.Ctx, "task-x")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityClosed, listing.VisibilityStatus)

	_, err = f.gw.UserTransition(f.env.Ctx, UserRequest{
		Transition:    process.TransitionReview1ByOwner,
		TransactionID: tx.ID,
		Review:        &commerce.ReviewParams{Rating: 9},
		Caller:        f.caller(t, "poster"),
	})
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))

	_, err = f.gw.UserTransition(f.env.Ctx, UserRequest{
		Transition:    process.TransitionReview1ByOwner,
		TransactionID: tx.ID,
		Review:        &commerce.ReviewParams{Rating: 5},
		Caller:        f.caller(t, "spec-a"),
	})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	reviewed, err := f.gw.UserTransition(f.env.Ctx, UserRequest{
		Transition:    process.TransitionReview1ByOwner,
		TransactionID: tx.ID,
		Review:        &commerce.ReviewParams{Rating: 5, Content: "great"},
		Caller:        f.caller(t, "poster"),
	})
	require.NoError(t, err)
	assert.Equal(t, process.StateReviewedByOwner, reviewed.State)

	expired, err := f.gw.ExpireReviewPeriod(f.env.Ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, process.StateReviewed, expired.State)

	_, err = f.gw.ExpireReviewPeriod(f.env.Ctx, tx.ID)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestUserTransitionRejectsPrivileged(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.UserTransition(f.env.Ctx, UserRequest{
		Transition:    process.TransitionAcceptOffer,
		TransactionID: "tx-1",
		Caller:        f.caller(t, "poster"),
	})
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
}

func TestEngineTimeoutIsUpstreamRejected(t *testing.T) {
	f := newFixture(t)
	f.gw.Ledger = slowLedger{Ledger: f.env.Engine}
	f.gw.Timeouts.EngineCall = 20 * time.Millisecond

	_, err := f.run(t, process.TransitionAcceptOffer, "tx-1", "poster")
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindUpstreamRejected, appErr.Kind)
	assert.Equal(t, "engine-unavailable", appErr.Details["code"])
}

func TestLineItems(t *testing.T) {
	eur := func(v string) domain.Money {
		m, err := domain.NewMoney(v, "EUR")
		require.NoError(t, err)
		return m
	}
	offer := &domain.Offer{Price: eur("45")}
	hourly := domain.Task{ID: "t", UnitType: "hour", Price: &domain.Money{Amount: decimal.NewFromInt(40), Currency: "EUR"}}
	inquiry := domain.Task{ID: "t", UnitType: domain.UnitTypeInquiry}

	for _, tr := range []process.Transition{process.TransitionInquire, process.TransitionAcceptOffer, process.TransitionDeclineOffer} {
		items, err := LineItems(tr, inquiry, offer)
		require.NoError(t, err)
		assert.NotNil(t, items)
		assert.Empty(t, items, tr)
	}

	items, err := LineItems(process.TransitionInquire, hourly, offer)
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = LineItems(process.TransitionAcceptOffer, hourly, offer)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "line-item/hour", items[0].Code)
	assert.True(t, items[0].Quantity.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "45.00 EUR", items[0].LineTotal.String())

	usd, err := domain.NewMoney("45", "USD")
	require.NoError(t, err)
	_, err = LineItems(process.TransitionAcceptOffer, hourly, &domain.Offer{Price: usd})
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))

	_, err = LineItems(process.TransitionAcceptOffer, hourly, nil)
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
}
