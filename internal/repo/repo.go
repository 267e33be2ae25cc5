package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"taskmarket/internal/db"
	"taskmarket/internal/domain"
)

// Repo is the engine's storage. Methods taking a *sql.Tx run inside it when
// non-nil and directly against DB otherwise.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

func New(conn *sql.DB, dialect db.Dialect) Repo {
	return Repo{DB: conn, Dialect: dialect}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Dialect, query)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

const listingColumns = `id,poster_id,title,COALESCE(description,''),category,COALESCE(subcategory,''),geo_lat,geo_lng,price_amount,price_currency,unit_type,images_json,visibility_status,searchable,assigned_specialist_id,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanListing(row scanner) (domain.Task, error) {
	var t domain.Task
	var lat, lng sql.NullFloat64
	var amount, currency, images, assigned sql.NullString
	var searchable int
	err := row.Scan(&t.ID, &t.PosterID, &t.Title, &t.Description, &t.Category, &t.Subcategory, &lat, &lng, &amount, &currency,
		&t.UnitType, &images, &t.VisibilityStatus, &searchable, &assigned, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if lat.Valid && lng.Valid {
		t.Geolocation = &domain.Geolocation{Lat: lat.Float64, Lng: lng.Float64}
	}
	if amount.Valid {
		d, err := decimal.NewFromString(amount.String)
		if err != nil {
			return t, fmt.Errorf("listing %s price: %w", t.ID, err)
		}
		t.Price = &domain.Money{Amount: d, Currency: currency.String}
	}
	if images.Valid && images.String != "" {
		if err := json.Unmarshal([]byte(images.String), &t.Images); err != nil {
			return t, fmt.Errorf("listing %s images: %w", t.ID, err)
		}
	}
	t.Searchable = searchable != 0
	if assigned.Valid {
		t.AssignedSpecialistID = &assigned.String
	}
	return t, nil
}

func (r Repo) InsertListing(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	var lat, lng, amount, currency, images any
	if t.Geolocation != nil {
		lat, lng = t.Geolocation.Lat, t.Geolocation.Lng
	}
	if t.Price != nil {
		amount, currency = t.Price.Amount.String(), t.Price.Currency
	}
	if len(t.Images) > 0 {
		data, err := json.Marshal(t.Images)
		if err != nil {
			return err
		}
		images = string(data)
	}
	searchable := 0
	if t.Searchable {
		searchable = 1
	}
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO listings(id,poster_id,title,description,category,subcategory,geo_lat,geo_lng,price_amount,price_currency,unit_type,images_json,visibility_status,searchable,assigned_specialist_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.PosterID, t.Title, nullable(t.Description), t.Category, nullable(t.Subcategory), lat, lng, amount, currency,
		t.UnitType, images, string(t.VisibilityStatus), searchable, nullableStringPtr(t.AssignedSpecialistID), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetListing(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanListing(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+listingColumns+` FROM listings WHERE id=?`), id))
}

type ListingFilters struct {
	Category       string
	PosterID       string
	Visibility     domain.VisibilityStatus
	SearchableOnly bool
}

func (r Repo) ListListings(ctx context.Context, f ListingFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.PosterID != "" {
		clauses = append(clauses, "poster_id=?")
		args = append(args, f.PosterID)
	}
	if f.Visibility != "" {
		clauses = append(clauses, "visibility_status=?")
		args = append(args, string(f.Visibility))
	}
	if f.SearchableOnly {
		clauses = append(clauses, "searchable=1")
	}
	query := `SELECT ` + listingColumns + ` FROM listings WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateListingFields writes the non-nil projector-owned fields.
func (r Repo) UpdateListingFields(ctx context.Context, tx *sql.Tx, id string, assigned *string, visibility *domain.VisibilityStatus, updatedAt string) error {
	fields := []string{"updated_at=?"}
	args := []any{updatedAt}
	if assigned != nil {
		fields = append(fields, "assigned_specialist_id=?")
		args = append(args, nullableStringPtr(assigned))
	}
	if visibility != nil {
		fields = append(fields, "visibility_status=?")
		args = append(args, string(*visibility))
	}
	args = append(args, id)
	res, err := r.on(tx).ExecContext(ctx, r.q(fmt.Sprintf(`UPDATE listings SET %s WHERE id=?`, strings.Join(fields, ","))), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetListingSearchable(ctx context.Context, tx *sql.Tx, id string, searchable bool, updatedAt string) error {
	v := 0
	if searchable {
		v = 1
	}
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE listings SET searchable=?, updated_at=? WHERE id=?`), v, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LockListing takes the listing's row lock for the rest of tx. Writers that
// must observe each other's effects on the same listing call it first.
func (r Repo) LockListing(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE listings SET updated_at=updated_at WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
