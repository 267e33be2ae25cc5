package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskmarket/internal/commerce"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine"
	"taskmarket/internal/process"
)

// EngineConfig for the engine API handler.
type EngineConfig struct {
	Engine engine.Engine
	Issuer commerce.CredentialIssuer
	Logger *log.Logger
}

// NewEngine exposes a local engine over the JSON API that commerce.Client
// speaks. Every call needs a registered X-Api-Key; ledger writes also carry
// the end user's or elevated credential as a bearer token.
func NewEngine(cfg EngineConfig) (http.Handler, error) {
	if cfg.Engine.DB == nil {
		return nil, errors.New("engine database required")
	}
	if cfg.Issuer == nil {
		return nil, errors.New("credential issuer required")
	}
	basePath := commerce.EnginePath
	installErrorEnvelope()

	router := chi.NewRouter()
	router.Use(withRequest)
	router.Use(newAPIKeyMiddleware(basePath, cfg.Engine.Repo, cfg.Logger))
	hcfg := huma.DefaultConfig("Taskmarket Engine API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath, "Taskmarket Engine API")
	registerHealth(group)
	registerCredentials(group, cfg)
	registerLedger(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerDirectory(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	return router, nil
}

func forwarded(ctx context.Context) commerce.Credential {
	p, _ := principalFromContext(ctx)
	return commerce.Credential{Token: p.Token}
}

func registerCredentials(api huma.API, cfg EngineConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "exchange-credential",
		Method:      http.MethodPost,
		Path:        "/credentials/exchange",
		Summary:     "Exchange a session for an elevated credential",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body ExchangeRequest `json:"body"`
	}) (*struct {
		Body commerce.Credential `json:"body"`
	}, error) {
		cred, err := cfg.Issuer.Exchange(ctx, input.Body.Session)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body commerce.Credential `json:"body"`
		}{Body: cred}, nil
	})
}

type transactionOutput struct {
	Body domain.Transaction `json:"body"`
}

func registerLedger(api huma.API, eng engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "initiate-transaction",
		Method:        http.MethodPost,
		Path:          "/transactions",
		Summary:       "Initiate a transaction (INQUIRE)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body commerce.InitiateBody `json:"body"`
	}) (*transactionOutput, error) {
		p := commerce.InitiateParams{TaskID: input.Body.TaskID}
		if input.Body.Offer != nil {
			price, err := input.Body.Offer.Price.Money()
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, commerce.CodeBadRequest, "offer price: "+err.Error(), nil)
			}
			p.Offer = &domain.Offer{Price: price, Comment: input.Body.Offer.Comment}
		}
		items, err := lineItemsFromBody(input.Body.LineItems)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, commerce.CodeBadRequest, "line items: "+err.Error(), nil)
		}
		p.LineItems = items
		tx, err := eng.Initiate(ctx, forwarded(ctx), p)
		if err != nil {
			return nil, handleError(err)
		}
		return &transactionOutput{Body: tx}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/transitions",
		Summary:     "Apply a transition",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TransactionID string                  `path:"transaction_id"`
		Body          commerce.TransitionBody `json:"body"`
	}) (*transactionOutput, error) {
		p := commerce.TransitionParams{
			Transition: process.Transition(strings.TrimSpace(input.Body.Transition)),
			Review:     input.Body.Review,
		}
		if input.Body.LineItems != nil {
			items, err := lineItemsFromBody(input.Body.LineItems)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, commerce.CodeBadRequest, "line items: "+err.Error(), nil)
			}
			p.LineItems = items
		}
		tx, err := eng.Transition(ctx, forwarded(ctx), input.TransactionID, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &transactionOutput{Body: tx}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}",
		Summary:     "Get a transaction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*transactionOutput, error) {
		tx, err := eng.Transaction(ctx, input.TransactionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &transactionOutput{Body: tx}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/transactions",
		Summary:     "List transactions",
		Description: "Repeat state to match any of several states.",
	}, func(ctx context.Context, input *struct {
		TaskID      string `query:"task_id"`
		InitiatorID string `query:"initiator_id"`
		OwnerID     string `query:"owner_id"`
	}) (*struct {
		Body listResponse[domain.Transaction] `json:"body"`
	}, error) {
		f := commerce.TransactionFilter{TaskID: input.TaskID, InitiatorID: input.InitiatorID, OwnerID: input.OwnerID}
		if r := requestFromContext(ctx); r != nil {
			for _, s := range r.URL.Query()["state"] {
				f.States = append(f.States, process.State(s))
			}
		}
		items, err := eng.Transactions(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Transaction] `json:"body"`
		}{Body: listResponse[domain.Transaction]{Items: nonNil(items)}}, nil
	})
}

type listingOutput struct {
	Body domain.Task `json:"body"`
}

func registerCatalog(api huma.API, eng engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update-listing-fields",
		Method:      http.MethodPatch,
		Path:        "/listings/{task_id}",
		Summary:     "Update projector-owned listing fields",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string               `path:"task_id"`
		Body   ListingFieldsRequest `json:"body"`
	}) (*listingOutput, error) {
		f := commerce.ListingFields{AssignedSpecialistID: input.Body.AssignedSpecialistID}
		if input.Body.VisibilityStatus != nil {
			v := domain.VisibilityStatus(*input.Body.VisibilityStatus)
			f.VisibilityStatus = &v
		}
		task, err := eng.UpdateFields(ctx, input.TaskID, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &listingOutput{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "close-listing",
		Method:        http.MethodPost,
		Path:          "/listings/{task_id}/close",
		Summary:       "Remove a listing from search",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		if err := eng.Close(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-listing",
		Method:      http.MethodGet,
		Path:        "/listings/{task_id}",
		Summary:     "Get a listing",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*listingOutput, error) {
		task, err := eng.Listing(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &listingOutput{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-listings",
		Method:      http.MethodGet,
		Path:        "/listings",
		Summary:     "List listings",
	}, func(ctx context.Context, input *struct {
		Category   string `query:"category"`
		PosterID   string `query:"poster_id"`
		Visibility string `query:"visibility" enum:"available,in-progress,closed,"`
	}) (*struct {
		Body listResponse[domain.Task] `json:"body"`
	}, error) {
		items, err := eng.Listings(ctx, commerce.ListingFilter{
			Category:   input.Category,
			PosterID:   input.PosterID,
			Visibility: domain.VisibilityStatus(input.Visibility),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Task] `json:"body"`
		}{Body: listResponse[domain.Task]{Items: nonNil(items)}}, nil
	})
}

func registerDirectory(api huma.API, eng engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/reviews",
		Summary:     "Reviews of a subject",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SubjectID  string `query:"subject_id"`
		AuthorRole string `query:"author_role"`
	}) (*struct {
		Body listResponse[domain.Review] `json:"body"`
	}, error) {
		items, err := eng.Reviews(ctx, commerce.ReviewFilter{SubjectID: input.SubjectID, AuthorRole: process.Role(input.AuthorRole)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Review] `json:"body"`
		}{Body: listResponse[domain.Review]{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/profiles/{profile_id}",
		Summary:     "Get a specialist profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProfileID string `path:"profile_id"`
	}) (*struct {
		Body domain.Profile `json:"body"`
	}, error) {
		p, err := eng.Profile(ctx, input.ProfileID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Profile `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-profiles",
		Method:      http.MethodGet,
		Path:        "/profiles",
		Summary:     "Profiles of a category",
	}, func(ctx context.Context, input *struct {
		Category string `query:"category" required:"true"`
	}) (*struct {
		Body listResponse[domain.Profile] `json:"body"`
	}, error) {
		items, err := eng.ProfilesByCategory(ctx, input.Category)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Profile] `json:"body"`
		}{Body: listResponse[domain.Profile]{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Transition and listing history after a cursor",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after" minimum:"0"`
		Limit int   `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body listResponse[domain.Event] `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		items, err := eng.EventsAfter(ctx, input.After, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listResponse[domain.Event] `json:"body"`
		}{Body: listResponse[domain.Event]{Items: nonNil(items)}}, nil
	})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
