package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"taskmarket/internal/process"
)

type VisibilityStatus string

const (
	VisibilityAvailable  VisibilityStatus = "available"
	VisibilityInProgress VisibilityStatus = "in-progress"
	VisibilityClosed     VisibilityStatus = "closed"
)

// Rank orders statuses from open to closed; unknown values rank as available.
func (v VisibilityStatus) Rank() int {
	switch v {
	case VisibilityInProgress:
		return 1
	case VisibilityClosed:
		return 2
	}
	return 0
}

func (v VisibilityStatus) Valid() bool {
	return v == VisibilityAvailable || v == VisibilityInProgress || v == VisibilityClosed
}

// UnitTypeInquiry is the pricing model where no payment is captured.
const UnitTypeInquiry = "inquiry"

type Geolocation struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func NewMoney(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	m := Money{Amount: d, Currency: strings.ToUpper(strings.TrimSpace(currency))}
	return m, m.Validate()
}

func (m Money) Validate() error {
	if len(m.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code, got %q", m.Currency)
	}
	for _, r := range m.Currency {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("currency must be a 3-letter code, got %q", m.Currency)
		}
	}
	if m.Amount.IsNegative() {
		return errors.New("amount must not be negative")
	}
	return nil
}

func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + m.Currency
}

// Task is a listing published by a job poster.
type Task struct {
	ID                   string           `json:"id"`
	PosterID             string           `json:"poster_id"`
	Title                string           `json:"title"`
	Description          string           `json:"description,omitempty"`
	Category             string           `json:"category"`
	Subcategory          string           `json:"subcategory,omitempty"`
	Geolocation          *Geolocation     `json:"geolocation,omitempty"`
	Price                *Money           `json:"price,omitempty"`
	UnitType             string           `json:"unit_type"`
	Images               []string         `json:"images,omitempty"`
	VisibilityStatus     VisibilityStatus `json:"visibility_status"`
	Searchable           bool             `json:"searchable"`
	AssignedSpecialistID *string          `json:"assigned_specialist_id,omitempty"`
	CreatedAt            string           `json:"created_at" format:"date-time"`
	UpdatedAt            string           `json:"updated_at" format:"date-time"`
}

// Offer is the priced proposal attached at INQUIRE. It is never edited.
type Offer struct {
	Price   Money  `json:"price"`
	Comment string `json:"comment,omitempty"`
}

type LineItem struct {
	Code      string          `json:"code"`
	UnitPrice Money           `json:"unit_price"`
	Quantity  decimal.Decimal `json:"quantity"`
	LineTotal Money           `json:"line_total"`
}

type TransitionRecord struct {
	Transition process.Transition `json:"transition"`
	ActorID    string             `json:"actor_id"`
	Role       process.Role       `json:"role"`
	At         string             `json:"at" format:"date-time"`
}

// Transaction is one negotiation between a task's poster (owner) and a
// specialist (initiator).
type Transaction struct {
	ID                 string             `json:"id"`
	TaskID             string             `json:"task_id"`
	OwnerID            string             `json:"owner_id"`
	InitiatorID        string             `json:"initiator_id"`
	State              process.State      `json:"state"`
	LastTransition     process.Transition `json:"last_transition,omitempty"`
	LastTransitionedAt string             `json:"last_transitioned_at,omitempty" format:"date-time"`
	Transitions        []TransitionRecord `json:"transitions,omitempty"`
	Offer              *Offer             `json:"offer,omitempty"`
	LineItems          []LineItem         `json:"line_items"`
	Reviews            []Review           `json:"reviews,omitempty"`
	CreatedAt          string             `json:"created_at" format:"date-time"`
}

// Party returns the actor id holding role in the transaction.
func (t Transaction) Party(role process.Role) string {
	switch role {
	case process.RoleOwner:
		return t.OwnerID
	case process.RoleInitiator:
		return t.InitiatorID
	}
	return ""
}

type Review struct {
	ID            string       `json:"id"`
	TransactionID string       `json:"transaction_id"`
	TaskID        string       `json:"task_id"`
	SubjectID     string       `json:"subject_id"`
	AuthorID      string       `json:"author_id"`
	AuthorRole    process.Role `json:"author_role"`
	Rating        int          `json:"rating"`
	Content       string       `json:"content,omitempty"`
	CreatedAt     string       `json:"created_at" format:"date-time"`
}

const (
	MinRating = 1
	MaxRating = 5
)

func ValidRating(r int) bool { return r >= MinRating && r <= MaxRating }

// Profile is a specialist's public profile.
type Profile struct {
	ID           string       `json:"id"`
	DisplayName  string       `json:"display_name"`
	Categories   []string     `json:"categories,omitempty"`
	Verification Verification `json:"is_verified"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
}

// Candidate is one entry to be ranked: a specialist in a directory or an
// offer on a task.
type Candidate struct {
	ID            string        `json:"id"`
	SpecialistID  string        `json:"specialist_id"`
	TransactionID string        `json:"transaction_id,omitempty"`
	DisplayName   string        `json:"display_name,omitempty"`
	Verified      bool          `json:"is_verified"`
	ReviewCount   int           `json:"review_count"`
	AverageRating float64       `json:"average_rating"`
	CreatedAt     time.Time     `json:"created_at"`
	Offer         *Offer        `json:"offer,omitempty"`
	State         process.State `json:"state,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TaskID     string `json:"task_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a client of the engine API.
type APIKey struct {
	ID        string `json:"id"`
	ClientID  string `json:"client_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ParseTime parses the RFC3339 timestamps stored on domain records.
func ParseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatTime is the inverse of ParseTime.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
