package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"taskmarket/internal/domain"
	"taskmarket/internal/events"
	"taskmarket/internal/repo"
)

// ListingCreateOptions are parameters for publishing a listing.
type ListingCreateOptions struct {
	ID          string
	PosterID    string
	Title       string
	Description string
	Category    string
	Subcategory string
	Geolocation *domain.Geolocation
	Price       *domain.Money
	UnitType    string
	Images      []string
}

func (e Engine) CreateListing(ctx context.Context, opts ListingCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.PosterID == "" {
		return domain.Task{}, errors.New("poster is required")
	}
	if opts.Category == "" {
		return domain.Task{}, errors.New("category is required")
	}
	if opts.UnitType == "" {
		opts.UnitType = domain.UnitTypeInquiry
	}
	if opts.Price != nil {
		if err := opts.Price.Validate(); err != nil {
			return domain.Task{}, fmt.Errorf("price: %w", err)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	t := domain.Task{
		ID:               id,
		PosterID:         opts.PosterID,
		Title:            opts.Title,
		Description:      opts.Description,
		Category:         opts.Category,
		Subcategory:      opts.Subcategory,
		Geolocation:      opts.Geolocation,
		Price:            opts.Price,
		UnitType:         opts.UnitType,
		Images:           opts.Images,
		VisibilityStatus: domain.VisibilityAvailable,
		Searchable:       true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertListing(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert listing: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.TypeListingCreated, t.ID, events.EntityListing, t.ID, t.PosterID, events.EventPayload{"category": t.Category}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) UpsertProfile(ctx context.Context, p domain.Profile) (domain.Profile, error) {
	if p.ID == "" {
		return domain.Profile{}, errors.New("id is required")
	}
	if p.DisplayName == "" {
		p.DisplayName = p.ID
	}
	if p.CreatedAt == "" {
		p.CreatedAt = e.stamp()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Profile{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProfile(ctx, tx, p); err != nil {
		return domain.Profile{}, fmt.Errorf("upsert profile: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.TypeProfileUpserted, "", events.EntityProfile, p.ID, p.ID, events.EventPayload{"verified": p.Verification.Bool()}); err != nil {
		return domain.Profile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Profile{}, err
	}
	return e.Profile(ctx, p.ID)
}

// CreateAPIKey issues an engine client key and returns the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, clientID, name string) (string, domain.APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "tmk_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// RegisterAPIKey stores a caller-chosen key, e.g. one provided through configuration.
func (e Engine) RegisterAPIKey(ctx context.Context, clientID, plain string) error {
	if strings.TrimSpace(plain) == "" {
		return errors.New("key is required")
	}
	return e.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(repo.HashAPIKey(plain))).String(),
		ClientID:  clientID,
		Name:      "configured",
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	})
}
