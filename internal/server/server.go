package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskmarket/internal/aggregation"
	"taskmarket/internal/apperr"
	"taskmarket/internal/commerce"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine/auth"
	"taskmarket/internal/gateway"
	"taskmarket/internal/process"
	"taskmarket/internal/projector"
	"taskmarket/internal/repo"
	"taskmarket/internal/ranking"
)

// Config for the core API handler.
type Config struct {
	Gateway    gateway.Gateway
	Aggregator *aggregation.Aggregator
	Ledger     commerce.Ledger
	Catalog    commerce.Catalog
	Projector  gateway.Projector
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"transition ACCEPT_OFFER not allowed from DECLINED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"state\":\"DECLINED\"}"`
}

type requestKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func normalizeBasePath(basePath, def string) string {
	if basePath == "" {
		basePath = def
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return basePath
}

func installErrorEnvelope() {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}
}

func withRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestKey{}, r)))
	})
}

func requestFromContext(ctx context.Context) *http.Request {
	r, _ := ctx.Value(requestKey{}).(*http.Request)
	return r
}

// New returns an HTTP handler exposing the core API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Aggregator == nil {
		return nil, errors.New("aggregator required")
	}
	if cfg.Ledger == nil || cfg.Catalog == nil || cfg.Projector == nil {
		return nil, errors.New("ledger, catalog and projector required")
	}
	basePath := normalizeBasePath(cfg.BasePath, "/v0")
	installErrorEnvelope()

	router := chi.NewRouter()
	router.Use(withRequest)
	router.Use(newSessionMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Taskmarket API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath, "Taskmarket API")
	registerHealth(group)
	registerOffers(group, cfg)
	registerTransitions(group, cfg)
	registerRankings(group, cfg)
	registerVisibility(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

var kindStatus = map[apperr.Kind]int{
	apperr.KindCredentialExchangeFailed: http.StatusServiceUnavailable,
	apperr.KindInvalidTransition:        http.StatusConflict,
	apperr.KindForbidden:                http.StatusForbidden,
	apperr.KindUpstreamRejected:         http.StatusConflict,
	apperr.KindPartialProjection:        http.StatusAccepted,
	apperr.KindNotFound:                 http.StatusNotFound,
	apperr.KindBadRequest:               http.StatusBadRequest,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if ae, ok := apperr.As(err); ok {
		status, ok := kindStatus[ae.Kind]
		if !ok {
			return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
		}
		if ae.Kind == apperr.KindUpstreamRejected {
			if s, ok := ae.Details["status"].(int); ok && s >= 400 {
				status = s
			} else if ae.Details["code"] == "engine-unavailable" {
				status = http.StatusBadGateway
			}
		}
		return newAPIError(status, string(ae.Kind), err.Error(), ae.Details)
	}
	if ee, ok := commerce.AsEngineError(err); ok {
		return newAPIError(ee.Status, ee.Code, ee.Message, nil)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ue auth.UnauthenticatedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath, title string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath, title))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	document := sync.OnceValue(func() []byte {
		oas := api.OpenAPI()
		ensureDefaultErrorResponses(oas)
		applyAuthSecurity(oas, basePath)
		b, _ := json.Marshal(oas)
		return b
	})
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(document())
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	if basePath == commerce.EnginePath {
		security = []map[string][]string{{"apiKeyAuth": {}, "bearerAuth": {}}, {"apiKeyAuth": {}}}
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath, title string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>%s Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, title, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func callerFromContext(ctx context.Context) (gateway.Caller, huma.StatusError) {
	p, err := principalFromRequest(ctx)
	if err != nil {
		return gateway.Caller{}, err
	}
	return gateway.Caller{ID: p.ActorID, Session: p.Token}, nil
}

type transitionOutput struct {
	Status int
	Body   TransitionResponse
}

// transitionResult turns a gateway outcome into a response. A transition
// that landed with an incomplete projection is reported as 202 with the
// transaction and a warning rather than as a failure.
func transitionResult(tx domain.Transaction, err error, okStatus int) (*transitionOutput, error) {
	if err != nil {
		if apperr.Is(err, apperr.KindPartialProjection) && tx.ID != "" {
			ae, _ := apperr.As(err)
			return &transitionOutput{
				Status: http.StatusAccepted,
				Body: TransitionResponse{
					Transaction: tx,
					Warning:     &apiErrorBody{Code: string(ae.Kind), Message: err.Error(), Details: ae.Details},
				},
			}, nil
		}
		return nil, handleError(err)
	}
	return &transitionOutput{Status: okStatus, Body: TransitionResponse{Transaction: tx}}, nil
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
}

func registerOffers(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "make-offer",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/offers",
		Summary:       "Make an offer on a task (INQUIRE)",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string       `path:"task_id"`
		Body   OfferRequest `json:"body"`
	}) (*transitionOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		price, err := domain.NewMoney(input.Body.Price, input.Body.Currency)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"price": input.Body.Price})
		}
		tx, err := cfg.Gateway.ExecuteTransition(ctx, gateway.Request{
			Transition: process.TransitionInquire,
			TaskID:     input.TaskID,
			Offer:      &gateway.OfferParams{Price: price, Comment: strings.TrimSpace(input.Body.Comment)},
			Caller:     caller,
		})
		return transitionResult(tx, err, http.StatusCreated)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-offers",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/offers",
		Summary:     "Offers on a task, ranked",
		Errors:      []int{http.StatusUnauthorized, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body RankedResponse `json:"body"`
	}, error) {
		res, err := cfg.Aggregator.ForTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RankedResponse `json:"body"`
		}{Body: rankedResponse(res, cfg.Aggregator.OffersPolicy)}, nil
	})
}

func registerTransitions(api huma.API, cfg Config) {
	privileged := []struct {
		id, segment string
		transition  process.Transition
		summary     string
	}{
		{"accept-offer", "accept", process.TransitionAcceptOffer, "Accept an offer (ACCEPT_OFFER)"},
		{"decline-offer", "decline", process.TransitionDeclineOffer, "Decline an offer (DECLINE_OFFER)"},
	}
	for _, op := range privileged {
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/transactions/{transaction_id}/" + op.segment,
			Summary:     op.summary,
			Errors:      transitionErrors,
		}, func(ctx context.Context, input *struct {
			TransactionID string `path:"transaction_id"`
		}) (*transitionOutput, error) {
			caller, authErr := callerFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			tx, err := cfg.Gateway.ExecuteTransition(ctx, gateway.Request{
				Transition:    op.transition,
				TransactionID: input.TransactionID,
				Caller:        caller,
			})
			return transitionResult(tx, err, http.StatusOK)
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "complete-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/complete",
		Summary:     "Mark the work as done (COMPLETE)",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*transitionOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tx, err := cfg.Gateway.UserTransition(ctx, gateway.UserRequest{
			Transition:    process.TransitionComplete,
			TransactionID: input.TransactionID,
			Caller:        caller,
		})
		return transitionResult(tx, err, http.StatusOK)
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/review",
		Summary:     "Review the other party",
		Description: "Picks REVIEW_1_* or REVIEW_2_* from the transaction state and the caller's role.",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		TransactionID string        `path:"transaction_id"`
		Body          ReviewRequest `json:"body"`
	}) (*transitionOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		current, err := cfg.Ledger.Transaction(ctx, input.TransactionID)
		if err != nil {
			return nil, handleError(err)
		}
		role, ok := process.ResolveRole(current.OwnerID, current.InitiatorID, caller.ID)
		if !ok {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "not a party to this transaction", nil)
		}
		t, found := process.Default().ReviewTransition(current.State, role)
		if !found {
			return nil, newAPIError(http.StatusConflict, string(apperr.KindInvalidTransition),
				fmt.Sprintf("no review open for %s in state %s", role, current.State), map[string]any{"state": string(current.State)})
		}
		tx, err := cfg.Gateway.UserTransition(ctx, gateway.UserRequest{
			Transition:    t,
			TransactionID: input.TransactionID,
			Review:        &commerce.ReviewParams{Rating: input.Body.Rating, Content: input.Body.Content},
			Caller:        caller,
		})
		return transitionResult(tx, err, http.StatusOK)
	})
}

func rankedResponse(res aggregation.Result, policy ranking.Policy) RankedResponse {
	out := RankedResponse{Policy: res.Policy, Candidates: make([]CandidateResponse, 0, len(res.Candidates)), Warnings: res.Warnings}
	for i, c := range res.Candidates {
		out.Candidates = append(out.Candidates, CandidateResponse{Rank: i + 1, Candidate: c, Bucket: policy.BucketOf(c)})
	}
	return out
}

func registerRankings(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-specialists",
		Method:      http.MethodGet,
		Path:        "/categories/{category}/specialists",
		Summary:     "Specialists of a category, ranked",
		Errors:      []int{http.StatusUnauthorized, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Category string `path:"category"`
	}) (*struct {
		Body RankedResponse `json:"body"`
	}, error) {
		res, err := cfg.Aggregator.ForCategory(ctx, input.Category)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RankedResponse `json:"body"`
		}{Body: rankedResponse(res, cfg.Aggregator.DirectoryPolicy)}, nil
	})
}

func (cfg Config) visibility(ctx context.Context, taskID string) (VisibilityResponse, error) {
	listing, err := cfg.Catalog.Listing(ctx, taskID)
	if err != nil {
		return VisibilityResponse{}, err
	}
	txs, err := cfg.Ledger.Transactions(ctx, commerce.TransactionFilter{TaskID: taskID})
	if err != nil {
		return VisibilityResponse{}, err
	}
	derived := projector.DeriveStatus(txs)
	return VisibilityResponse{
		TaskID:               taskID,
		Derived:              derived,
		Persisted:            listing.VisibilityStatus,
		Searchable:           listing.Searchable,
		AssignedSpecialistID: listing.AssignedSpecialistID,
		InSync:               derived == listing.VisibilityStatus && listing.Searchable == (derived == domain.VisibilityAvailable),
	}, nil
}

func registerVisibility(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "task-visibility",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/visibility",
		Summary:     "Derived and persisted visibility of a task",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body VisibilityResponse `json:"body"`
	}, error) {
		v, err := cfg.visibility(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VisibilityResponse `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/reconcile",
		Summary:     "Re-derive and re-project a task's visibility",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusAccepted},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body VisibilityResponse `json:"body"`
	}, error) {
		if _, err := cfg.Projector.Reconcile(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		v, err := cfg.visibility(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VisibilityResponse `json:"body"`
		}{Body: v}, nil
	})
}
