package taskmarketsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskmarket core API client acting for one end user.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. session is the end user's
// session token.
func New(baseURL, session string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: session,
		Timeout:     10 * time.Second,
	}
}

// Money is a decimal amount as a string plus an ISO 4217 code.
type Money struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type Offer struct {
	Price   Money  `json:"price"`
	Comment string `json:"comment,omitempty"`
}

// Transaction represents the API transaction model (partial).
type Transaction struct {
	ID                 string `json:"id"`
	TaskID             string `json:"task_id"`
	OwnerID            string `json:"owner_id"`
	InitiatorID        string `json:"initiator_id"`
	State              string `json:"state"`
	LastTransition     string `json:"last_transition"`
	LastTransitionedAt string `json:"last_transitioned_at"`
	Offer              *Offer `json:"offer,omitempty"`
}

// Warning reports a step that did not complete after a transition landed.
type Warning struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type TransitionResult struct {
	Transaction Transaction `json:"transaction"`
	Warning     *Warning    `json:"warning,omitempty"`
}

type Candidate struct {
	Rank          int     `json:"rank"`
	ID            string  `json:"id"`
	SpecialistID  string  `json:"specialist_id"`
	TransactionID string  `json:"transaction_id,omitempty"`
	DisplayName   string  `json:"display_name,omitempty"`
	Verified      bool    `json:"is_verified"`
	ReviewCount   int     `json:"review_count"`
	AverageRating float64 `json:"average_rating"`
	Offer         *Offer  `json:"offer,omitempty"`
	Bucket        string  `json:"bucket,omitempty"`
}

type LookupWarning struct {
	CandidateID  string `json:"candidate_id"`
	SpecialistID string `json:"specialist_id"`
	Kind         string `json:"kind"`
	Lookup       string `json:"lookup"`
	Message      string `json:"message"`
}

type Ranking struct {
	Policy     string          `json:"policy"`
	Candidates []Candidate     `json:"candidates"`
	Warnings   []LookupWarning `json:"warnings,omitempty"`
}

type Visibility struct {
	TaskID               string  `json:"task_id"`
	Derived              string  `json:"derived"`
	Persisted            string  `json:"persisted"`
	Searchable           bool    `json:"searchable"`
	AssignedSpecialistID *string `json:"assigned_specialist_id,omitempty"`
	InSync               bool    `json:"in_sync"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// MakeOffer runs INQUIRE on a task.
func (c *Client) MakeOffer(ctx context.Context, taskID, amount, currency, comment string) (TransitionResult, error) {
	body := map[string]any{
		"price":    amount,
		"currency": currency,
		"comment":  comment,
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/offers", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

// Accept runs ACCEPT_OFFER. A non-nil Warning on the result means the
// offer is accepted but the listing has not caught up yet.
func (c *Client) Accept(ctx context.Context, txID string) (TransitionResult, error) {
	return c.transition(ctx, txID, "accept", nil)
}

func (c *Client) Decline(ctx context.Context, txID string) (TransitionResult, error) {
	return c.transition(ctx, txID, "decline", nil)
}

func (c *Client) Complete(ctx context.Context, txID string) (TransitionResult, error) {
	return c.transition(ctx, txID, "complete", nil)
}

// Review rates the other party, 1 to 5.
func (c *Client) Review(ctx context.Context, txID string, rating int, content string) (TransitionResult, error) {
	return c.transition(ctx, txID, "review", map[string]any{"rating": rating, "content": content})
}

func (c *Client) transition(ctx context.Context, txID, action string, body any) (TransitionResult, error) {
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("transactions/%s/%s", url.PathEscape(txID), action), body, &resp)
	return resp, err
}

// Offers returns a task's offers in ranked order.
func (c *Client) Offers(ctx context.Context, taskID string) (Ranking, error) {
	var resp Ranking
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%s/offers", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// Specialists returns a category's directory in ranked order.
func (c *Client) Specialists(ctx context.Context, category string) (Ranking, error) {
	var resp Ranking
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("categories/%s/specialists", url.PathEscape(category)), nil, &resp)
	return resp, err
}

func (c *Client) Visibility(ctx context.Context, taskID string) (Visibility, error) {
	var resp Visibility
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%s/visibility", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

func (c *Client) Reconcile(ctx context.Context, taskID string) (Visibility, error) {
	var resp Visibility
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/reconcile", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	p := strings.Trim(c.BasePath, "/")
	if p == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + p
}
