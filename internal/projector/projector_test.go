package projector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmarket/internal/apperr"
	"taskmarket/internal/commerce"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine/enginetest"
	"taskmarket/internal/process"
)

type flakyCatalog struct {
	commerce.Catalog
	closeErr    error
	updateErr   error
	listingErrs map[string]error
	closes      int
	updates     int
}

func (c *flakyCatalog) Listing(ctx context.Context, taskID string) (domain.Task, error) {
	if err := c.listingErrs[taskID]; err != nil {
		return domain.Task{}, err
	}
	return c.Catalog.Listing(ctx, taskID)
}

func (c *flakyCatalog) UpdateFields(ctx context.Context, taskID string, f commerce.ListingFields) (domain.Task, error) {
	c.updates++
	if c.updateErr != nil {
		return domain.Task{}, c.updateErr
	}
	return c.Catalog.UpdateFields(ctx, taskID, f)
}

func (c *flakyCatalog) Close(ctx context.Context, taskID string) error {
	c.closes++
	if c.closeErr != nil {
		return c.closeErr
	}
	return c.Catalog.Close(ctx, taskID)
}

func newProjector(env enginetest.Env) Projector {
	return Projector{Catalog: env.Engine, Ledger: env.Engine, Feed: env.Engine}
}

func accept(t *testing.T, env enginetest.Env, owner string, tx domain.Transaction) domain.Transaction {
	t.Helper()
	out, err := env.Engine.Transition(env.Ctx, env.Elevated(t, owner), tx.ID, commerce.TransitionParams{
		Transition: process.TransitionAcceptOffer,
		LineItems:  []domain.LineItem{},
	})
	require.NoError(t, err)
	return out
}

func TestProjectMarksListingInProgress(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	tx := accept(t, env, "poster", env.Offer(t, "task-1", "spec-b", "80"))

	require.NoError(t, newProjector(env).Project(env.Ctx, "task-1", tx.ID, "spec-b"))

	listing, err := env.Engine.Listing(env.Ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityInProgress, listing.VisibilityStatus)
	assert.False(t, listing.Searchable)
	require.NotNil(t, listing.AssignedSpecialistID)
	assert.Equal(t, "spec-b", *listing.AssignedSpecialistID)

	// A second projection is a no-op.
	require.NoError(t, newProjector(env).Project(env.Ctx, "task-1", tx.ID, "spec-b"))
}

func TestProjectReportsFailedStep(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	tx := accept(t, env, "poster", env.Offer(t, "task-1", "spec-b", "80"))

	catalog := &flakyCatalog{Catalog: env.Engine, closeErr: errors.New("catalog down")}
	p := newProjector(env)
	p.Catalog = catalog
	err := p.Project(env.Ctx, "task-1", tx.ID, "spec-b")
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindPartialProjection, appErr.Kind)
	assert.True(t, appErr.Kind.Retryable())
	assert.Equal(t, "close", appErr.Details["step"])
	assert.Equal(t, "task-1", appErr.Details["task_id"])
	assert.Equal(t, tx.ID, appErr.Details["transaction_id"])

	// Fields were written before the failure.
	listing, err := env.Engine.Listing(env.Ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityInProgress, listing.VisibilityStatus)
	assert.True(t, listing.Searchable)

	catalog.closeErr = nil
	require.NoError(t, p.Project(env.Ctx, "task-1", tx.ID, "spec-b"))
	listing, err = env.Engine.Listing(env.Ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, listing.Searchable)
}

func TestProjectStopsWhenUpdateFails(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	catalog := &flakyCatalog{Catalog: env.Engine, updateErr: errors.New("boom")}
	p := newProjector(env)
	p.Catalog = catalog

	err := p.Project(env.Ctx, "task-1", "tx-1", "spec-b")
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "update_fields", appErr.Details["step"])
	assert.Equal(t, 0, catalog.closes)
}

func TestDeriveStatus(t *testing.T) {
	tx := func(tr process.Transition) domain.Transaction {
		return domain.Transaction{LastTransition: tr}
	}
	cases := []struct {
		name string
		txs  []domain.Transaction
		want domain.VisibilityStatus
	}{
		{"none", nil, domain.VisibilityAvailable},
		{"inquiry", []domain.Transaction{tx(process.TransitionInquire)}, domain.VisibilityAvailable},
		{"declined", []domain.Transaction{tx(process.TransitionDeclineOffer)}, domain.VisibilityAvailable},
		{"accepted", []domain.Transaction{tx(process.TransitionAcceptOffer)}, domain.VisibilityInProgress},
		{"completed", []domain.Transaction{tx(process.TransitionComplete)}, domain.VisibilityClosed},
		{"reviewed", []domain.Transaction{tx(process.TransitionReview1ByOwner)}, domain.VisibilityClosed},
		{"expired", []domain.Transaction{tx(process.TransitionExpireReviewPeriod)}, domain.VisibilityClosed},
		{"owner review expired", []domain.Transaction{tx(process.TransitionExpireOwnerReviewPeriod)}, domain.VisibilityClosed},
		{"initiator review expired", []domain.Transaction{tx(process.TransitionExpireInitiatorReviewPeriod)}, domain.VisibilityClosed},
		{"accepted with declined sibling", []domain.Transaction{
			tx(process.TransitionAcceptOffer), tx(process.TransitionDeclineOffer),
		}, domain.VisibilityInProgress},
		{"accepted with later inquiry", []domain.Transaction{
			tx(process.TransitionInquire), tx(process.TransitionAcceptOffer), tx(process.TransitionInquire),
		}, domain.VisibilityInProgress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveStatus(tc.txs))
		})
	}
}

func TestReconcileRepairsDrift(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	env.Offer(t, "task-1", "spec-a", "60")
	accept(t, env, "poster", env.Offer(t, "task-1", "spec-b", "80"))

	catalog := &flakyCatalog{Catalog: env.Engine}
	p := newProjector(env)
	p.Catalog = catalog

	status, err := p.Reconcile(env.Ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityInProgress, status)
	assert.Equal(t, 1, catalog.updates)

	listing, err := env.Engine.Listing(env.Ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, listing.AssignedSpecialistID)
	assert.Equal(t, "spec-b", *listing.AssignedSpecialistID)
	assert.False(t, listing.Searchable)

	status, err = p.Reconcile(env.Ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityInProgress, status)
	assert.Equal(t, 1, catalog.updates, "in-sync listing is not rewritten")
}

func TestReconcileLeavesOpenListingAlone(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	env.Offer(t, "task-1", "spec-a", "60")
	catalog := &flakyCatalog{Catalog: env.Engine}
	p := newProjector(env)
	p.Catalog = catalog

	status, err := p.Reconcile(env.Ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityAvailable, status)
	assert.Zero(t, catalog.updates)
}

func TestReconcileClosesCompletedTask(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	tx := accept(t, env, "poster", env.Offer(t, "task-1", "spec-b", "80"))
	_, err := env.Engine.Transition(env.Ctx, env.User(t, "poster"), tx.ID, commerce.TransitionParams{Transition: process.TransitionComplete})
	require.NoError(t, err)

	status, err := newProjector(env).Reconcile(env.Ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityClosed, status)
	listing, err := env.Engine.Listing(env.Ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityClosed, listing.VisibilityStatus)
	assert.False(t, listing.Searchable)
}

func TestReconcilerFollowsFeed(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	env.Listing(t, "task-2", "poster", "plumbing")
	accept(t, env, "poster", env.Offer(t, "task-1", "spec-b", "80"))
	env.Offer(t, "task-2", "spec-a", "60")

	r := &Reconciler{Projector: newProjector(env)}
	n, err := r.RunOnce(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotZero(t, r.Cursor())

	listing, err := env.Engine.Listing(env.Ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityInProgress, listing.VisibilityStatus)
	other, err := env.Engine.Listing(env.Ctx, "task-2")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityAvailable, other.VisibilityStatus)
	assert.True(t, other.Searchable)
}

func TestReconcilerRetriesFailedTask(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	accept(t, env, "poster", env.Offer(t, "task-1", "spec-b", "80"))

	catalog := &flakyCatalog{Catalog: env.Engine, updateErr: errors.New("down")}
	p := newProjector(env)
	p.Catalog = catalog
	r := &Reconciler{Projector: p}

	_, err := r.RunOnce(env.Ctx)
	require.Error(t, err)
	assert.Equal(t, []string{"task-1"}, r.Pending())
	cursor := r.Cursor()
	assert.NotZero(t, cursor)

	catalog.updateErr = nil
	n, err := r.RunOnce(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, r.Pending())
	assert.Equal(t, cursor, r.Cursor())

	listing, err := env.Engine.Listing(env.Ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityInProgress, listing.VisibilityStatus)
}

func TestReconcilerFailingTaskDoesNotBlockOthers(t *testing.T) {
	env := enginetest.New(t)
	env.Listing(t, "task-1", "poster", "plumbing")
	env.Listing(t, "task-2", "poster", "plumbing")
	accept(t, env, "poster", env.Offer(t, "task-1", "spec-a", "80"))
	accept(t, env, "poster", env.Offer(t, "task-2", "spec-b", "90"))

	catalog := &flakyCatalog{Catalog: env.Engine, listingErrs: map[string]error{"task-1": errors.New("listing gone")}}
	p := newProjector(env)
	p.Catalog = catalog
	r := &Reconciler{Projector: p}

	n, err := r.RunOnce(env.Ctx)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindPartialProjection))
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"task-1"}, r.Pending())

	listing, err := env.Engine.Listing(env.Ctx, "task-2")
	require.NoError(t, err)
	assert.Equal(t, domain.VisibilityInProgress, listing.VisibilityStatus)
	assert.False(t, listing.Searchable)
	require.NotNil(t, listing.AssignedSpecialistID)
	assert.Equal(t, "spec-b", *listing.AssignedSpecialistID)

	for range 3 {
		n, err = r.RunOnce(env.Ctx)
		require.Error(t, err)
		assert.Zero(t, n)
	}
	assert.Equal(t, []string{"task-1"}, r.Pending())
}

func TestReconcilerRunStopsOnCancel(t *testing.T) {
	env := enginetest.New(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	r := &Reconciler{Projector: newProjector(env), Interval: time.Hour}
	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
}
