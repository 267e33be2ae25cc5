package server

import (
	"github.com/shopspring/decimal"

	"taskmarket/internal/aggregation"
	"taskmarket/internal/commerce"
	"taskmarket/internal/domain"
)

// Core API payloads

type OfferRequest struct {
	Price    string `json:"price" example:"80.00" doc:"Offered price as a decimal string"`
	Currency string `json:"currency" minLength:"3" maxLength:"3" example:"EUR"`
	Comment  string `json:"comment,omitempty"`
}

type ReviewRequest struct {
	Rating  int    `json:"rating" minimum:"1" maximum:"5"`
	Content string `json:"content,omitempty"`
}

// TransitionResponse carries the transaction after a transition. Warning is
// set when the transition landed but a follow-up step did not.
type TransitionResponse struct {
	Transaction domain.Transaction `json:"transaction"`
	Warning     *apiErrorBody      `json:"warning,omitempty"`
}

type RankedResponse struct {
	Policy     string                `json:"policy"`
	Candidates []CandidateResponse   `json:"candidates"`
	Warnings   []aggregation.Warning `json:"warnings,omitempty"`
}

type CandidateResponse struct {
	Rank int `json:"rank"`
	domain.Candidate
	Bucket string `json:"bucket,omitempty"`
}

type VisibilityResponse struct {
	TaskID               string                  `json:"task_id"`
	Derived              domain.VisibilityStatus `json:"derived"`
	Persisted            domain.VisibilityStatus `json:"persisted"`
	Searchable           bool                    `json:"searchable"`
	AssignedSpecialistID *string                 `json:"assigned_specialist_id,omitempty"`
	InSync               bool                    `json:"in_sync"`
}

// Engine API payloads

type ExchangeRequest struct {
	Session string `json:"session"`
}

type ListingFieldsRequest struct {
	AssignedSpecialistID *string `json:"assigned_specialist_id,omitempty"`
	VisibilityStatus     *string `json:"visibility_status,omitempty" enum:"available,in-progress,closed"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func lineItemsFromBody(in []commerce.LineItemBody) ([]domain.LineItem, error) {
	out := make([]domain.LineItem, 0, len(in))
	for _, b := range in {
		unit, err := b.UnitPrice.Money()
		if err != nil {
			return nil, err
		}
		total, err := b.LineTotal.Money()
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(b.Quantity)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.LineItem{Code: b.Code, UnitPrice: unit, Quantity: qty, LineTotal: total})
	}
	return out, nil
}
