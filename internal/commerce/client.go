package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"taskmarket/internal/domain"
)

// EnginePath is the mount point of the engine API.
const EnginePath = "/engine/v0"

// Client talks to a remote engine over its JSON API. Service calls are
// authenticated by APIKey; ledger calls also carry the caller's credential.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

var _ Engine = (*Client)(nil)
var _ CredentialIssuer = (*Client)(nil)

// NewClient creates a client with sane defaults.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: 10 * time.Second,
	}
}

func (c *Client) Exchange(ctx context.Context, session string) (Credential, error) {
	var resp Credential
	err := c.do(ctx, http.MethodPost, "credentials/exchange", "", map[string]string{"session": session}, &resp)
	return resp, err
}

func (c *Client) Initiate(ctx context.Context, cred Credential, p InitiateParams) (domain.Transaction, error) {
	var resp domain.Transaction
	err := c.do(ctx, http.MethodPost, "transactions", cred.Token, initiateBody(p), &resp)
	return resp, err
}

func (c *Client) Transition(ctx context.Context, cred Credential, txID string, p TransitionParams) (domain.Transaction, error) {
	var resp domain.Transaction
	endpoint := fmt.Sprintf("transactions/%s/transitions", url.PathEscape(txID))
	err := c.do(ctx, http.MethodPost, endpoint, cred.Token, transitionBody(p), &resp)
	return resp, err
}

func (c *Client) Transaction(ctx context.Context, txID string) (domain.Transaction, error) {
	var resp domain.Transaction
	err := c.do(ctx, http.MethodGet, "transactions/"+url.PathEscape(txID), "", nil, &resp)
	return resp, err
}

func (c *Client) Transactions(ctx context.Context, f TransactionFilter) ([]domain.Transaction, error) {
	q := url.Values{}
	setIf(q, "task_id", f.TaskID)
	setIf(q, "initiator_id", f.InitiatorID)
	setIf(q, "owner_id", f.OwnerID)
	for _, s := range f.States {
		q.Add("state", string(s))
	}
	var resp struct {
		Items []domain.Transaction `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("transactions", q), "", nil, &resp)
	return resp.Items, err
}

func (c *Client) UpdateFields(ctx context.Context, taskID string, f ListingFields) (domain.Task, error) {
	body := map[string]any{}
	if f.AssignedSpecialistID != nil {
		body["assigned_specialist_id"] = *f.AssignedSpecialistID
	}
	if f.VisibilityStatus != nil {
		body["visibility_status"] = string(*f.VisibilityStatus)
	}
	var resp domain.Task
	err := c.do(ctx, http.MethodPatch, "listings/"+url.PathEscape(taskID), "", body, &resp)
	return resp, err
}

func (c *Client) Close(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("listings/%s/close", url.PathEscape(taskID)), "", nil, nil)
}

func (c *Client) Listing(ctx context.Context, taskID string) (domain.Task, error) {
	var resp domain.Task
	err := c.do(ctx, http.MethodGet, "listings/"+url.PathEscape(taskID), "", nil, &resp)
	return resp, err
}

func (c *Client) Listings(ctx context.Context, f ListingFilter) ([]domain.Task, error) {
	q := url.Values{}
	setIf(q, "category", f.Category)
	setIf(q, "poster_id", f.PosterID)
	setIf(q, "visibility", string(f.Visibility))
	var resp struct {
		Items []domain.Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("listings", q), "", nil, &resp)
	return resp.Items, err
}

func (c *Client) Reviews(ctx context.Context, f ReviewFilter) ([]domain.Review, error) {
	q := url.Values{}
	setIf(q, "subject_id", f.SubjectID)
	setIf(q, "author_role", string(f.AuthorRole))
	var resp struct {
		Items []domain.Review `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("reviews", q), "", nil, &resp)
	return resp.Items, err
}

func (c *Client) Profile(ctx context.Context, id string) (domain.Profile, error) {
	var resp domain.Profile
	err := c.do(ctx, http.MethodGet, "profiles/"+url.PathEscape(id), "", nil, &resp)
	return resp, err
}

func (c *Client) ProfilesByCategory(ctx context.Context, category string) ([]domain.Profile, error) {
	q := url.Values{}
	setIf(q, "category", category)
	var resp struct {
		Items []domain.Profile `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("profiles", q), "", nil, &resp)
	return resp.Items, err
}

func (c *Client) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	q := url.Values{}
	if cursor > 0 {
		q.Set("after", strconv.FormatInt(cursor, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []domain.Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("events", q), "", nil, &resp)
	return resp.Items, err
}

// Wire bodies carry amounts as strings so the engine API schema stays flat.

type MoneyBody struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type LineItemBody struct {
	Code      string    `json:"code"`
	UnitPrice MoneyBody `json:"unit_price"`
	Quantity  string    `json:"quantity"`
	LineTotal MoneyBody `json:"line_total"`
}

type OfferBody struct {
	Price   MoneyBody `json:"price"`
	Comment string    `json:"comment,omitempty"`
}

type InitiateBody struct {
	TaskID    string         `json:"task_id"`
	Offer     *OfferBody     `json:"offer,omitempty"`
	LineItems []LineItemBody `json:"line_items"`
}

type TransitionBody struct {
	Transition string         `json:"transition"`
	LineItems  []LineItemBody `json:"line_items"`
	Review     *ReviewParams  `json:"review,omitempty"`
}

func MoneyToBody(m domain.Money) MoneyBody {
	return MoneyBody{Amount: m.Amount.String(), Currency: m.Currency}
}

func (b MoneyBody) Money() (domain.Money, error) {
	return domain.NewMoney(b.Amount, b.Currency)
}

func LineItemsToBody(items []domain.LineItem) []LineItemBody {
	out := make([]LineItemBody, 0, len(items))
	for _, it := range items {
		out = append(out, LineItemBody{
			Code:      it.Code,
			UnitPrice: MoneyToBody(it.UnitPrice),
			Quantity:  it.Quantity.String(),
			LineTotal: MoneyToBody(it.LineTotal),
		})
	}
	return out
}

func initiateBody(p InitiateParams) InitiateBody {
	b := InitiateBody{TaskID: p.TaskID, LineItems: LineItemsToBody(p.LineItems)}
	if p.Offer != nil {
		b.Offer = &OfferBody{Price: MoneyToBody(p.Offer.Price), Comment: p.Offer.Comment}
	}
	return b
}

func transitionBody(p TransitionParams) TransitionBody {
	return TransitionBody{
		Transition: string(p.Transition),
		LineItems:  LineItemsToBody(p.LineItems),
		Review:     p.Review,
	}
}

func (c *Client) do(ctx context.Context, method, endpoint, bearer string, body any, out any) error {
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
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeEngineError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeEngineError(status int, body []byte) *EngineError {
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	e := &EngineError{Status: status}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != "" {
		e.Code = env.Error.Code
		e.Message = env.Error.Message
		return e
	}
	e.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "-"))
	e.Message = strings.TrimSpace(string(body))
	return e
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + EnginePath
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
