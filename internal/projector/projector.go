// Package projector keeps a listing's visibility and assignment in step with
// the transactions negotiated on it.
package projector

import (
	"context"
	"log"
	"time"

	"taskmarket/internal/apperr"
	"taskmarket/internal/commerce"
	"taskmarket/internal/domain"
	"taskmarket/internal/process"
)

const defaultTimeout = 5 * time.Second

type Projector struct {
	Catalog commerce.Catalog
	Ledger  commerce.Ledger
	Feed    commerce.EventFeed
	Timeout time.Duration
	Logger  *log.Logger
}

func (p Projector) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

func (p Projector) call(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

func partial(err error, step, taskID, txID string) error {
	return apperr.Wrap(apperr.KindPartialProjection, err, "listing projection incomplete").
		With("step", step).
		With("task_id", taskID).
		With("transaction_id", txID)
}

// Project marks the task as in progress for initiatorID and removes it from
// search. Both writes are idempotent so the call is safe to retry.
func (p Projector) Project(ctx context.Context, taskID, acceptedTxID, initiatorID string) error {
	return p.apply(ctx, taskID, acceptedTxID, initiatorID, domain.VisibilityInProgress)
}

func (p Projector) apply(ctx context.Context, taskID, txID, initiatorID string, status domain.VisibilityStatus) error {
	fields := commerce.ListingFields{AssignedSpecialistID: &initiatorID, VisibilityStatus: &status}
	callCtx, cancel := p.call(ctx)
	_, err := p.Catalog.UpdateFields(callCtx, taskID, fields)
	cancel()
	if err != nil {
		p.logger().Printf("projection: update fields task=%s tx=%s: %v", taskID, txID, err)
		return partial(err, "update_fields", taskID, txID)
	}
	callCtx, cancel = p.call(ctx)
	err = p.Catalog.Close(callCtx, taskID)
	cancel()
	if err != nil {
		p.logger().Printf("projection: close task=%s tx=%s: %v", taskID, txID, err)
		return partial(err, "close", taskID, txID)
	}
	return nil
}

// StatusOf is the visibility a single transaction implies for its task.
// A transaction that ran out its review window through EXPIRE_* is over
// just like a reviewed one, so those transitions close the task too.
func StatusOf(t domain.Transaction) domain.VisibilityStatus {
	switch tr := t.LastTransition; {
	case tr == process.TransitionAcceptOffer:
		return domain.VisibilityInProgress
	case tr == process.TransitionComplete,
		process.IsReview(tr),
		tr == process.TransitionExpireReviewPeriod,
		tr == process.TransitionExpireOwnerReviewPeriod,
		tr == process.TransitionExpireInitiatorReviewPeriod:
		return domain.VisibilityClosed
	}
	return domain.VisibilityAvailable
}

// DeriveStatus computes a task's visibility from its transactions without
// persisting anything. Each transaction's last transition implies a status
// and the task takes the most advanced of them, so a decline or a fresh
// inquiry on a sibling never reopens an assigned task. With a single
// transaction this is its most recent transition: ACCEPT_OFFER is in
// progress, COMPLETE, REVIEW_* and EXPIRE_* are closed, anything else is
// available.
func DeriveStatus(txs []domain.Transaction) domain.VisibilityStatus {
	status := domain.VisibilityAvailable
	for _, t := range txs {
		if s := StatusOf(t); s.Rank() > status.Rank() {
			status = s
		}
	}
	return status
}

// assigned returns the transaction that went through ACCEPT_OFFER, if any.
func assigned(txs []domain.Transaction) (domain.Transaction, bool) {
	var found domain.Transaction
	ok := false
	for _, t := range txs {
		if StatusOf(t) == domain.VisibilityAvailable {
			continue
		}
		if !ok || domain.ParseTime(t.LastTransitionedAt).After(domain.ParseTime(found.LastTransitionedAt)) {
			found, ok = t, true
		}
	}
	return found, ok
}

// Reconcile re-derives a task's projection from engine state and rewrites
// the listing when it has drifted. It returns the derived status.
func (p Projector) Reconcile(ctx context.Context, taskID string) (domain.VisibilityStatus, error) {
	callCtx, cancel := p.call(ctx)
	txs, err := p.Ledger.Transactions(callCtx, commerce.TransactionFilter{TaskID: taskID})
	cancel()
	if err != nil {
		return "", partial(err, "query_transactions", taskID, "")
	}
	status := DeriveStatus(txs)
	accepted, ok := assigned(txs)
	if status == domain.VisibilityAvailable || !ok {
		return status, nil
	}
	callCtx, cancel = p.call(ctx)
	listing, err := p.Catalog.Listing(callCtx, taskID)
	cancel()
	if err != nil {
		return status, partial(err, "read_listing", taskID, accepted.ID)
	}
	if inSync(listing, status, accepted.InitiatorID) {
		return status, nil
	}
	p.logger().Printf("projection: task=%s drifted (visibility=%s searchable=%t), reprojecting as %s for tx=%s",
		taskID, listing.VisibilityStatus, listing.Searchable, status, accepted.ID)
	return status, p.apply(ctx, taskID, accepted.ID, accepted.InitiatorID, status)
}

func inSync(listing domain.Task, status domain.VisibilityStatus, initiatorID string) bool {
	return listing.VisibilityStatus == status &&
		!listing.Searchable &&
		listing.AssignedSpecialistID != nil &&
		*listing.AssignedSpecialistID == initiatorID
}
