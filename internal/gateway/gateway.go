// Package gateway executes transaction transitions against the commerce
// engine. Privileged transitions run with an elevated credential exchanged
// from the caller's session; party transitions run with the session itself.
package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"taskmarket/internal/apperr"
	"taskmarket/internal/commerce"
	"taskmarket/internal/domain"
	"taskmarket/internal/notify"
	"taskmarket/internal/process"
)

const (
	defaultExchangeTimeout = 3 * time.Second
	defaultEngineTimeout   = 5 * time.Second
)

// Projector keeps listing visibility in step with accepted and completed
// transactions.
type Projector interface {
	Project(ctx context.Context, taskID, acceptedTxID, initiatorID string) error
	Reconcile(ctx context.Context, taskID string) (domain.VisibilityStatus, error)
}

type Timeouts struct {
	CredentialExchange time.Duration
	EngineCall         time.Duration
}

type Gateway struct {
	Issuer    commerce.CredentialIssuer
	Ledger    commerce.Ledger
	Catalog   commerce.Catalog
	Validator process.Validator
	Projector Projector
	Publisher notify.Publisher
	// System mints the credential used for system-role transitions. Nil
	// disables ExpireReviewPeriod.
	System   func() (commerce.Credential, error)
	Timeouts Timeouts
	Logger   *log.Logger
	Now      func() time.Time
}

// Caller is the end user on whose behalf a transition runs. Session is the
// raw session token; ID is the subject the transport layer verified it as.
type Caller struct {
	ID      string
	Session string
}

type OfferParams struct {
	Price   domain.Money
	Comment string
}

// Request drives one privileged transition. TransactionID is empty for
// INQUIRE, which creates the transaction.
type Request struct {
	Transition    process.Transition
	TransactionID string
	TaskID        string
	Offer         *OfferParams
	Caller        Caller
}

type UserRequest struct {
	Transition    process.Transition
	TransactionID string
	Review        *commerce.ReviewParams
	Caller        Caller
}

func (g Gateway) logger() *log.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return log.Default()
}

func (g Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g Gateway) validator() process.Validator {
	if g.Validator.Graph == nil {
		return process.NewValidator(nil)
	}
	return g.Validator
}

func (g Gateway) engineCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	d := g.Timeouts.EngineCall
	if d <= 0 {
		d = defaultEngineTimeout
	}
	return context.WithTimeout(ctx, d)
}

// ExecuteTransition runs INQUIRE, ACCEPT_OFFER or DECLINE_OFFER. When the
// engine accepts an ACCEPT_OFFER but the listing projection fails, the
// accepted transaction is returned together with a partial projection error.
func (g Gateway) ExecuteTransition(ctx context.Context, req Request) (domain.Transaction, error) {
	if !process.IsPrivileged(req.Transition) {
		return domain.Transaction{}, apperr.New(apperr.KindBadRequest, "%s is not a privileged transition", req.Transition).
			With("transition", string(req.Transition))
	}
	if req.Transition == process.TransitionInquire {
		if err := validateOffer(req.Offer); err != nil {
			return domain.Transaction{}, err
		}
	} else if req.TransactionID == "" {
		return domain.Transaction{}, apperr.New(apperr.KindBadRequest, "%s requires a transaction id", req.Transition)
	}

	cred, err := g.exchange(ctx, req.Caller)
	if err != nil {
		return domain.Transaction{}, err
	}

	var current domain.Transaction
	taskID := req.TaskID
	if req.Transition != process.TransitionInquire {
		current, err = g.transaction(ctx, req.TransactionID)
		if err != nil {
			return domain.Transaction{}, err
		}
		if taskID != "" && taskID != current.TaskID {
			return domain.Transaction{}, apperr.New(apperr.KindBadRequest, "transaction %s does not belong to task %s", current.ID, taskID)
		}
		taskID = current.TaskID
	}
	if taskID == "" {
		return domain.Transaction{}, apperr.New(apperr.KindBadRequest, "task id required")
	}
	listing, err := g.listing(ctx, taskID)
	if err != nil {
		return domain.Transaction{}, err
	}

	// Billing errors surface only once the caller is authorized.
	items, itemsErr := LineItems(req.Transition, listing, current.Offer)

	if err := g.authorize(req.Transition, cred.Subject, listing, current); err != nil {
		return domain.Transaction{}, err
	}
	if itemsErr != nil {
		return domain.Transaction{}, itemsErr
	}
	if req.Transition == process.TransitionAcceptOffer {
		if err := g.ensureOpen(ctx, current); err != nil {
			return domain.Transaction{}, err
		}
	}

	var out domain.Transaction
	callCtx, cancel := g.engineCtx(ctx)
	if req.Transition == process.TransitionInquire {
		out, err = g.Ledger.Initiate(callCtx, cred, commerce.InitiateParams{
			TaskID:    taskID,
			Offer:     &domain.Offer{Price: req.Offer.Price, Comment: req.Offer.Comment},
			LineItems: items,
		})
	} else {
		out, err = g.Ledger.Transition(callCtx, cred, current.ID, commerce.TransitionParams{
			Transition: req.Transition,
			LineItems:  items,
		})
	}
	cancel()
	if err != nil {
		return domain.Transaction{}, upstream(err, req.Transition)
	}
	g.publish(ctx, out, req.Transition, cred.Subject)

	if req.Transition == process.TransitionAcceptOffer && g.Projector != nil {
		if err := g.Projector.Project(ctx, out.TaskID, out.ID, out.InitiatorID); err != nil {
			g.logger().Printf("gateway: accepted tx=%s task=%s but projection failed: %v", out.ID, out.TaskID, err)
			if apperr.KindOf(err) != apperr.KindPartialProjection {
				err = apperr.Wrap(apperr.KindPartialProjection, err, "listing projection incomplete").
					With("task_id", out.TaskID).
					With("transaction_id", out.ID)
			}
			return out, err
		}
	}
	return out, nil
}

// UserTransition runs a party transition (COMPLETE, REVIEW_*) with the
// caller's own session. A transition that closes the task reconciles the
// listing before returning.
func (g Gateway) UserTransition(ctx context.Context, req UserRequest) (domain.Transaction, error) {
	if process.IsPrivileged(req.Transition) || req.Transition == "" {
		return domain.Transaction{}, apperr.New(apperr.KindBadRequest, "%s must go through the privileged gateway", req.Transition)
	}
	if req.Caller.ID == "" || req.Caller.Session == "" {
		return domain.Transaction{}, apperr.New(apperr.KindForbidden, "an authenticated caller is required")
	}
	if process.IsReview(req.Transition) {
		if req.Review == nil {
			return domain.Transaction{}, apperr.New(apperr.KindBadRequest, "%s requires a review", req.Transition)
		}
		if !domain.ValidRating(req.Review.Rating) {
			return domain.Transaction{}, apperr.New(apperr.KindBadRequest, "rating must be between %d and %d", domain.MinRating, domain.MaxRating).
				With("rating", req.Review.Rating)
		}
	}
	current, err := g.transaction(ctx, req.TransactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	role, ok := process.ResolveRole(current.OwnerID, current.InitiatorID, req.Caller.ID)
	if !ok || role == process.RoleSystem {
		return domain.Transaction{}, apperr.New(apperr.KindForbidden, "%s is not a party to transaction %s", req.Caller.ID, current.ID)
	}
	if _, err := g.validator().Validate(current.State, req.Transition, role); err != nil {
		return domain.Transaction{}, err
	}
	cred := commerce.Credential{Token: req.Caller.Session, Subject: req.Caller.ID}
	return g.forward(ctx, cred, current, commerce.TransitionParams{Transition: req.Transition, Review: req.Review})
}

// ExpireReviewPeriod closes whichever review window is open on the
// transaction, acting as the system.
func (g Gateway) ExpireReviewPeriod(ctx context.Context, txID string) (domain.Transaction, error) {
	if g.System == nil {
		return domain.Transaction{}, apperr.New(apperr.KindForbidden, "no system credential configured")
	}
	current, err := g.transaction(ctx, txID)
	if err != nil {
		return domain.Transaction{}, err
	}
	var transition process.Transition
	for _, e := range g.validator().Graph.Outgoing(current.State) {
		if e.Allows(process.RoleSystem) {
			transition = e.Transition
			break
		}
	}
	if transition == "" {
		return domain.Transaction{}, apperr.New(apperr.KindInvalidTransition, "transaction %s has no open review period in state %s", current.ID, current.State).
			With("state", string(current.State))
	}
	cred, err := g.System()
	if err != nil {
		return domain.Transaction{}, apperr.Wrap(apperr.KindCredentialExchangeFailed, err, "system credential unavailable")
	}
	return g.forward(ctx, cred, current, commerce.TransitionParams{Transition: transition})
}

func (g Gateway) forward(ctx context.Context, cred commerce.Credential, current domain.Transaction, p commerce.TransitionParams) (domain.Transaction, error) {
	callCtx, cancel := g.engineCtx(ctx)
	out, err := g.Ledger.Transition(callCtx, cred, current.ID, p)
	cancel()
	if err != nil {
		return domain.Transaction{}, upstream(err, p.Transition)
	}
	g.publish(ctx, out, p.Transition, cred.Subject)
	if g.Projector == nil {
		return out, nil
	}
	if _, err := g.Projector.Reconcile(ctx, out.TaskID); err != nil {
		g.logger().Printf("gateway: tx=%s %s reconcile task=%s failed: %v", out.ID, p.Transition, out.TaskID, err)
		return out, err
	}
	return out, nil
}

func validateOffer(o *OfferParams) error {
	if o == nil {
		return apperr.New(apperr.KindBadRequest, "INQUIRE requires an offer")
	}
	if err := o.Price.Validate(); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, "invalid offer price")
	}
	if !o.Price.Amount.IsPositive() {
		return apperr.New(apperr.KindBadRequest, "offer price must be greater than zero").
			With("price", o.Price.String())
	}
	return nil
}

func (g Gateway) exchange(ctx context.Context, caller Caller) (commerce.Credential, error) {
	if caller.Session == "" {
		return commerce.Credential{}, apperr.New(apperr.KindCredentialExchangeFailed, "no session to exchange")
	}
	d := g.Timeouts.CredentialExchange
	if d <= 0 {
		d = defaultExchangeTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	cred, err := g.Issuer.Exchange(callCtx, caller.Session)
	if err != nil {
		if apperr.Is(err, apperr.KindCredentialExchangeFailed) {
			return commerce.Credential{}, err
		}
		return commerce.Credential{}, apperr.Wrap(apperr.KindCredentialExchangeFailed, err, "credential exchange failed")
	}
	if caller.ID != "" && cred.Subject != caller.ID {
		return commerce.Credential{}, apperr.New(apperr.KindForbidden, "session subject does not match caller")
	}
	return cred, nil
}

// authorize resolves the actor's role and checks the transition against the
// process graph. INQUIRE has no transaction yet: every caller but the
// listing's poster acts as the initiator.
func (g Gateway) authorize(t process.Transition, actorID string, listing domain.Task, current domain.Transaction) error {
	state := current.State
	var role process.Role
	if t == process.TransitionInquire {
		if actorID == listing.PosterID {
			return apperr.New(apperr.KindForbidden, "the poster cannot make an offer on their own task").
				With("task_id", listing.ID)
		}
		state, role = process.StateInitial, process.RoleInitiator
	} else {
		r, ok := process.ResolveRole(current.OwnerID, current.InitiatorID, actorID)
		if !ok {
			return apperr.New(apperr.KindForbidden, "%s is not a party to transaction %s", actorID, current.ID)
		}
		role = r
	}
	_, err := g.validator().Validate(state, t, role)
	return err
}

// ensureOpen rejects an accept when a sibling transaction already went
// through ACCEPT_OFFER. The engine enforces the same rule; checking first
// keeps an engine without the guard from assigning a task twice.
func (g Gateway) ensureOpen(ctx context.Context, current domain.Transaction) error {
	callCtx, cancel := g.engineCtx(ctx)
	defer cancel()
	accepted, err := g.Ledger.Transactions(callCtx, commerce.TransactionFilter{
		TaskID: current.TaskID,
		States: g.validator().Graph.Reachable(process.StateAccepted),
	})
	if err != nil {
		return upstream(err, process.TransitionAcceptOffer)
	}
	for _, t := range accepted {
		if t.ID != current.ID {
			return apperr.New(apperr.KindUpstreamRejected, "task %s already has an accepted offer", current.TaskID).
				With("status", 409).
				With("code", commerce.CodeAlreadyAccepted).
				With("accepted_transaction_id", t.ID)
		}
	}
	return nil
}

func (g Gateway) transaction(ctx context.Context, id string) (domain.Transaction, error) {
	callCtx, cancel := g.engineCtx(ctx)
	defer cancel()
	t, err := g.Ledger.Transaction(callCtx, id)
	if err != nil {
		if commerce.IsNotFound(err) {
			return domain.Transaction{}, apperr.Wrap(apperr.KindNotFound, err, "transaction not found").With("transaction_id", id)
		}
		return domain.Transaction{}, upstream(err, "")
	}
	return t, nil
}

func (g Gateway) listing(ctx context.Context, id string) (domain.Task, error) {
	callCtx, cancel := g.engineCtx(ctx)
	defer cancel()
	t, err := g.Catalog.Listing(callCtx, id)
	if err != nil {
		if commerce.IsNotFound(err) {
			return domain.Task{}, apperr.Wrap(apperr.KindNotFound, err, "task not found").With("task_id", id)
		}
		return domain.Task{}, upstream(err, "")
	}
	return t, nil
}

// upstream tags an engine failure. Business rejections keep the engine's
// status and code; transport failures and timeouts carry engine-unavailable.
func upstream(err error, t process.Transition) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	e := apperr.Wrap(apperr.KindUpstreamRejected, err, "commerce engine rejected the call")
	if t != "" {
		e.With("transition", string(t))
	}
	if ee, ok := commerce.AsEngineError(err); ok {
		return e.With("status", ee.Status).With("code", ee.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		e.Message = "commerce engine timed out"
	} else {
		e.Message = "commerce engine unavailable"
	}
	return e.With("code", "engine-unavailable")
}

func (g Gateway) publish(ctx context.Context, t domain.Transaction, tr process.Transition, actorID string) {
	if g.Publisher == nil {
		return
	}
	callCtx, cancel := g.engineCtx(ctx)
	defer cancel()
	err := g.Publisher.Publish(callCtx, notify.TransitionEvent{
		TransactionID: t.ID,
		TaskID:        t.TaskID,
		Transition:    tr,
		State:         t.State,
		ActorID:       actorID,
		Timestamp:     g.now(),
	})
	if err != nil {
		g.logger().Printf("gateway: publish %s tx=%s: %v", tr, t.ID, err)
	}
}
