// Package engine is the reference commerce engine: a transaction ledger,
// listing catalog, review store and profile store on one SQL database.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskmarket/internal/apperr"
	"taskmarket/internal/commerce"
	"taskmarket/internal/db"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine/auth"
	"taskmarket/internal/events"
	"taskmarket/internal/process"
	"taskmarket/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Auth      auth.Verifier
	Validator process.Validator
	Now       func() time.Time
}

var _ commerce.Engine = Engine{}

func New(conn *sql.DB, dialect db.Dialect, verifier auth.Verifier) Engine {
	return Engine{
		DB:        conn,
		Repo:      repo.New(conn, dialect),
		Events:    events.Writer{DB: conn, Dialect: dialect},
		Auth:      verifier,
		Validator: process.NewValidator(nil),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return domain.FormatTime(e.now())
}

func (e Engine) writer() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func rejected(status int, code, format string, args ...any) *commerce.EngineError {
	return &commerce.EngineError{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return rejected(http.StatusNotFound, commerce.CodeNotFound, "%s %s not found", kind, id)
	}
	return err
}

// authorize authenticates the credential and maps auth failures to engine errors.
func (e Engine) authorize(cred commerce.Credential) (auth.Caller, error) {
	caller, err := e.Auth.Authenticate(cred.Token)
	if err != nil {
		return auth.Caller{}, rejected(http.StatusUnauthorized, commerce.CodeUnauthorized, "%v", err)
	}
	return caller, nil
}

func forbidden(err error) error {
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return rejected(http.StatusForbidden, commerce.CodeForbidden, "%s", fe.Error())
	}
	return err
}

// validatorErr turns a graph verdict into the engine's wire error.
func validatorErr(err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindInvalidTransition:
		return rejected(http.StatusConflict, commerce.CodeInvalidTransition, "%s", err.Error())
	case apperr.KindForbidden:
		return rejected(http.StatusForbidden, commerce.CodeForbidden, "%s", err.Error())
	}
	return err
}

func (e Engine) Initiate(ctx context.Context, cred commerce.Credential, p commerce.InitiateParams) (domain.Transaction, error) {
	caller, err := e.authorize(cred)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := auth.RequireTransition(caller, process.TransitionInquire, process.RoleInitiator); err != nil {
		return domain.Transaction{}, forbidden(err)
	}
	if p.Offer == nil {
		return domain.Transaction{}, rejected(http.StatusBadRequest, commerce.CodeBadRequest, "offer required")
	}
	if err := p.Offer.Price.Validate(); err != nil {
		return domain.Transaction{}, rejected(http.StatusBadRequest, commerce.CodeBadRequest, "offer price: %v", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.LockListing(ctx, tx, p.TaskID); err != nil {
		return domain.Transaction{}, notFound("listing", p.TaskID, err)
	}
	listing, err := e.Repo.GetListing(ctx, tx, p.TaskID)
	if err != nil {
		return domain.Transaction{}, notFound("listing", p.TaskID, err)
	}
	if !listing.Searchable || listing.VisibilityStatus != domain.VisibilityAvailable {
		return domain.Transaction{}, rejected(http.StatusConflict, commerce.CodeListingClosed, "listing %s is not accepting offers", listing.ID)
	}
	if caller.Subject == listing.PosterID {
		return domain.Transaction{}, rejected(http.StatusForbidden, commerce.CodeForbidden, "poster cannot make an offer on their own listing")
	}
	next, err := e.Validator.Validate(process.StateInitial, process.TransitionInquire, process.RoleInitiator)
	if err != nil {
		return domain.Transaction{}, validatorErr(err)
	}
	now := e.stamp()
	t := domain.Transaction{
		ID:                 uuid.NewString(),
		TaskID:             listing.ID,
		OwnerID:            listing.PosterID,
		InitiatorID:        caller.Subject,
		State:              next,
		LastTransition:     process.TransitionInquire,
		LastTransitionedAt: now,
		Offer:              p.Offer,
		LineItems:          p.LineItems,
		CreatedAt:          now,
	}
	if err := e.Repo.InsertTransaction(ctx, tx, t); err != nil {
		return domain.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	if err := e.appendTransition(ctx, tx, t, process.StateInitial, process.TransitionInquire, process.RoleInitiator, caller.Subject); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	return e.Transaction(ctx, t.ID)
}

func (e Engine) Transition(ctx context.Context, cred commerce.Credential, txID string, p commerce.TransitionParams) (domain.Transaction, error) {
	caller, err := e.authorize(cred)
	if err != nil {
		return domain.Transaction{}, err
	}
	if p.Transition == process.TransitionInquire {
		return domain.Transaction{}, rejected(http.StatusConflict, commerce.CodeInvalidTransition, "INQUIRE creates a transaction; use initiate")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTransaction(ctx, tx, txID)
	if err != nil {
		return domain.Transaction{}, notFound("transaction", txID, err)
	}
	if err := e.Repo.LockListing(ctx, tx, t.TaskID); err != nil {
		return domain.Transaction{}, notFound("listing", t.TaskID, err)
	}
	// Re-read under the listing lock.
	t, err = e.Repo.GetTransaction(ctx, tx, txID)
	if err != nil {
		return domain.Transaction{}, notFound("transaction", txID, err)
	}
	role, ok := process.ResolveRole(t.OwnerID, t.InitiatorID, caller.Subject)
	if !ok {
		return domain.Transaction{}, rejected(http.StatusForbidden, commerce.CodeForbidden, "%s is not a party to transaction %s", caller.Subject, t.ID)
	}
	if err := auth.RequireTransition(caller, p.Transition, role); err != nil {
		return domain.Transaction{}, forbidden(err)
	}
	next, err := e.Validator.Validate(t.State, p.Transition, role)
	if err != nil {
		return domain.Transaction{}, validatorErr(err)
	}
	now := e.stamp()
	switch {
	case p.Transition == process.TransitionAcceptOffer:
		if err := e.ensureNoAcceptedSibling(ctx, tx, t); err != nil {
			return domain.Transaction{}, err
		}
	case process.IsReview(p.Transition):
		if err := e.insertReview(ctx, tx, t, p, caller.Subject, now); err != nil {
			return domain.Transaction{}, err
		}
	}
	lineItems := t.LineItems
	if p.LineItems != nil {
		lineItems = p.LineItems
	}
	advanced, err := e.Repo.AdvanceTransaction(ctx, tx, t.ID, t.State, next, p.Transition, now, lineItems)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("advance transaction: %w", err)
	}
	if !advanced {
		return domain.Transaction{}, rejected(http.StatusConflict, commerce.CodeStateChanged, "transaction %s changed concurrently", t.ID)
	}
	if err := e.appendTransition(ctx, tx, t, t.State, p.Transition, role, caller.Subject); err != nil {
		return domain.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, err
	}
	return e.Transaction(ctx, t.ID)
}

func (e Engine) ensureNoAcceptedSibling(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	siblings, err := e.Repo.ListTransactions(ctx, tx, repo.TransactionFilters{
		TaskID:    t.TaskID,
		States:    e.graph().Reachable(process.StateAccepted),
		ExcludeID: t.ID,
	})
	if err != nil {
		return err
	}
	if len(siblings) > 0 {
		return rejected(http.StatusConflict, commerce.CodeAlreadyAccepted, "listing %s already has accepted transaction %s", t.TaskID, siblings[0].ID)
	}
	return nil
}

func (e Engine) insertReview(ctx context.Context, tx *sql.Tx, t domain.Transaction, p commerce.TransitionParams, authorID, now string) error {
	if p.Review == nil {
		return rejected(http.StatusBadRequest, commerce.CodeBadRequest, "%s requires a review", p.Transition)
	}
	if !domain.ValidRating(p.Review.Rating) {
		return rejected(http.StatusBadRequest, commerce.CodeBadRequest, "rating must be between %d and %d", domain.MinRating, domain.MaxRating)
	}
	authorRole := process.ReviewerRole(p.Transition)
	subjectRole := process.RoleOwner
	if authorRole == process.RoleOwner {
		subjectRole = process.RoleInitiator
	}
	rv := domain.Review{
		ID:            uuid.NewString(),
		TransactionID: t.ID,
		TaskID:        t.TaskID,
		SubjectID:     t.Party(subjectRole),
		AuthorID:      authorID,
		AuthorRole:    authorRole,
		Rating:        p.Review.Rating,
		Content:       strings.TrimSpace(p.Review.Content),
		CreatedAt:     now,
	}
	if err := e.Repo.InsertReview(ctx, tx, rv); err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func (e Engine) appendTransition(ctx context.Context, tx *sql.Tx, t domain.Transaction, from process.State, tr process.Transition, role process.Role, actorID string) error {
	edge, _ := e.graph().Edge(from, tr)
	return e.writer().Append(ctx, tx, events.TypeTransactionTransitioned, t.TaskID, events.EntityTransaction, t.ID, actorID, events.EventPayload{
		"transaction_id": t.ID,
		"transition":     string(tr),
		"from":           string(from),
		"to":             string(edge.To),
		"role":           string(role),
		"initiator_id":   t.InitiatorID,
	})
}

func (e Engine) graph() *process.Graph {
	if e.Validator.Graph != nil {
		return e.Validator.Graph
	}
	return process.Default()
}

func (e Engine) Transaction(ctx context.Context, txID string) (domain.Transaction, error) {
	t, err := e.Repo.GetTransaction(ctx, nil, txID)
	if err != nil {
		return domain.Transaction{}, notFound("transaction", txID, err)
	}
	if err := e.hydrate(ctx, &t); err != nil {
		return domain.Transaction{}, err
	}
	reviews, err := e.Repo.ListReviews(ctx, nil, repo.ReviewFilters{TransactionID: t.ID})
	if err != nil {
		return domain.Transaction{}, err
	}
	t.Reviews = reviews
	return t, nil
}

func (e Engine) Transactions(ctx context.Context, f commerce.TransactionFilter) ([]domain.Transaction, error) {
	items, err := e.Repo.ListTransactions(ctx, nil, repo.TransactionFilters{
		TaskID:      f.TaskID,
		InitiatorID: f.InitiatorID,
		OwnerID:     f.OwnerID,
		States:      f.States,
	})
	if err != nil {
		return nil, err
	}
	for i := range items {
		if err := e.hydrate(ctx, &items[i]); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// hydrate fills the transition history from the event log.
func (e Engine) hydrate(ctx context.Context, t *domain.Transaction) error {
	evts, err := e.Repo.EntityEvents(ctx, nil, events.EntityTransaction, t.ID)
	if err != nil {
		return err
	}
	t.Transitions = t.Transitions[:0]
	for _, ev := range evts {
		if ev.Type != events.TypeTransactionTransitioned {
			continue
		}
		var payload struct {
			Transition string `json:"transition"`
			Role       string `json:"role"`
		}
		if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
			return fmt.Errorf("event %d payload: %w", ev.ID, err)
		}
		t.Transitions = append(t.Transitions, domain.TransitionRecord{
			Transition: process.Transition(payload.Transition),
			ActorID:    ev.ActorID,
			Role:       process.Role(payload.Role),
			At:         ev.TS,
		})
	}
	return nil
}

func (e Engine) UpdateFields(ctx context.Context, taskID string, f commerce.ListingFields) (domain.Task, error) {
	if f.VisibilityStatus != nil && !f.VisibilityStatus.Valid() {
		return domain.Task{}, rejected(http.StatusBadRequest, commerce.CodeBadRequest, "unknown visibility status %q", *f.VisibilityStatus)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateListingFields(ctx, tx, taskID, f.AssignedSpecialistID, f.VisibilityStatus, e.stamp()); err != nil {
		return domain.Task{}, notFound("listing", taskID, err)
	}
	payload := events.EventPayload{}
	if f.AssignedSpecialistID != nil {
		payload["assigned_specialist_id"] = *f.AssignedSpecialistID
	}
	if f.VisibilityStatus != nil {
		payload["visibility_status"] = string(*f.VisibilityStatus)
	}
	if err := e.writer().Append(ctx, tx, events.TypeListingUpdated, taskID, events.EntityListing, taskID, process.SystemActor, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Listing(ctx, taskID)
}

// Close removes a listing from search. Closing a closed listing is a no-op.
func (e Engine) Close(ctx context.Context, taskID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	listing, err := e.Repo.GetListing(ctx, tx, taskID)
	if err != nil {
		return notFound("listing", taskID, err)
	}
	if !listing.Searchable {
		return nil
	}
	if err := e.Repo.SetListingSearchable(ctx, tx, taskID, false, e.stamp()); err != nil {
		return notFound("listing", taskID, err)
	}
	if err := e.writer().Append(ctx, tx, events.TypeListingClosed, taskID, events.EntityListing, taskID, process.SystemActor, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) Listing(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetListing(ctx, nil, taskID)
	if err != nil {
		return domain.Task{}, notFound("listing", taskID, err)
	}
	return t, nil
}

// Listings filters the catalog. An available filter only matches searchable listings.
func (e Engine) Listings(ctx context.Context, f commerce.ListingFilter) ([]domain.Task, error) {
	return e.Repo.ListListings(ctx, repo.ListingFilters{
		Category:       f.Category,
		PosterID:       f.PosterID,
		Visibility:     f.Visibility,
		SearchableOnly: f.Visibility == domain.VisibilityAvailable,
	})
}

func (e Engine) Reviews(ctx context.Context, f commerce.ReviewFilter) ([]domain.Review, error) {
	if f.SubjectID == "" {
		return nil, rejected(http.StatusBadRequest, commerce.CodeBadRequest, "subject_id required")
	}
	return e.Repo.ListReviews(ctx, nil, repo.ReviewFilters{SubjectID: f.SubjectID, AuthorRole: f.AuthorRole})
}

func (e Engine) Profile(ctx context.Context, id string) (domain.Profile, error) {
	p, err := e.Repo.GetProfile(ctx, id)
	if err != nil {
		return domain.Profile{}, notFound("profile", id, err)
	}
	return p, nil
}

func (e Engine) ProfilesByCategory(ctx context.Context, category string) ([]domain.Profile, error) {
	return e.Repo.ListProfilesByCategory(ctx, category)
}

func (e Engine) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	return e.Repo.EventsAfter(ctx, limit, cursor, "")
}
