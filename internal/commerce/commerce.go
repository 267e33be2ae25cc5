// Package commerce holds the contracts of the commerce engine collaborators
// consumed by the core, plus an HTTP client for a remote engine.
package commerce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskmarket/internal/domain"
	"taskmarket/internal/process"
)

// Credential is a bearer token presented to the engine's ledger.
type Credential struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	Elevated  bool      `json:"elevated"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CredentialIssuer exchanges an end-user session for an elevated credential.
type CredentialIssuer interface {
	Exchange(ctx context.Context, session string) (Credential, error)
}

type InitiateParams struct {
	TaskID    string            `json:"task_id"`
	Offer     *domain.Offer     `json:"offer,omitempty"`
	LineItems []domain.LineItem `json:"line_items"`
}

type ReviewParams struct {
	Rating  int    `json:"rating"`
	Content string `json:"content,omitempty"`
}

type TransitionParams struct {
	Transition process.Transition `json:"transition"`
	LineItems  []domain.LineItem  `json:"line_items"`
	Review     *ReviewParams      `json:"review,omitempty"`
}

type TransactionFilter struct {
	TaskID      string
	InitiatorID string
	OwnerID     string
	States      []process.State
}

// Ledger is the engine's transaction store.
type Ledger interface {
	Initiate(ctx context.Context, cred Credential, p InitiateParams) (domain.Transaction, error)
	Transition(ctx context.Context, cred Credential, txID string, p TransitionParams) (domain.Transaction, error)
	Transaction(ctx context.Context, txID string) (domain.Transaction, error)
	Transactions(ctx context.Context, f TransactionFilter) ([]domain.Transaction, error)
}

// ListingFields are the projector-owned fields of a listing. Nil fields are left untouched.
type ListingFields struct {
	AssignedSpecialistID *string                  `json:"assigned_specialist_id,omitempty"`
	VisibilityStatus     *domain.VisibilityStatus `json:"visibility_status,omitempty"`
}

type ListingFilter struct {
	Category   string
	PosterID   string
	Visibility domain.VisibilityStatus
}

// Catalog is the engine's listing store. Searchability and field values are
// separate concerns: Close removes a listing from search without touching fields.
type Catalog interface {
	UpdateFields(ctx context.Context, taskID string, f ListingFields) (domain.Task, error)
	Close(ctx context.Context, taskID string) error
	Listing(ctx context.Context, taskID string) (domain.Task, error)
	Listings(ctx context.Context, f ListingFilter) ([]domain.Task, error)
}

type ReviewFilter struct {
	SubjectID  string
	AuthorRole process.Role
}

type ReviewStore interface {
	Reviews(ctx context.Context, f ReviewFilter) ([]domain.Review, error)
}

type ProfileStore interface {
	Profile(ctx context.Context, id string) (domain.Profile, error)
	ProfilesByCategory(ctx context.Context, category string) ([]domain.Profile, error)
}

// EventFeed exposes the engine's transition history in id order.
type EventFeed interface {
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
}

// Engine is everything the core consumes from the commerce engine.
type Engine interface {
	Ledger
	Catalog
	ReviewStore
	ProfileStore
	EventFeed
}

// Engine error codes.
const (
	CodeInvalidTransition = "transaction-invalid-transition"
	CodeStateChanged      = "transaction-state-changed"
	CodeAlreadyAccepted   = "transaction-already-accepted"
	CodeListingClosed     = "listing-closed"
	CodeForbidden         = "forbidden"
	CodeUnauthorized      = "unauthorized"
	CodeNotFound          = "not-found"
	CodeBadRequest        = "bad-request"
)

// EngineError is a business rejection raised by the engine.
type EngineError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %d %s: %s", e.Status, e.Code, e.Message)
}

func AsEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsNotFound reports whether err is an engine 404.
func IsNotFound(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Status == 404
}
