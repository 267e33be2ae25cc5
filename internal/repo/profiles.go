package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"taskmarket/internal/domain"
)

// UpsertProfile replaces a profile and its category memberships.
func (r Repo) UpsertProfile(ctx context.Context, tx *sql.Tx, p domain.Profile) error {
	verification, err := json.Marshal(p.Verification)
	if err != nil {
		return err
	}
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, r.q(`INSERT INTO profiles(id,display_name,verification_json,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, verification_json=excluded.verification_json`),
		p.ID, p.DisplayName, string(verification), p.CreatedAt); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, r.q(`DELETE FROM profile_categories WHERE profile_id=?`), p.ID); err != nil {
		return err
	}
	for _, c := range p.Categories {
		if _, err := q.ExecContext(ctx, r.q(`INSERT INTO profile_categories(profile_id,category) VALUES (?,?) ON CONFLICT DO NOTHING`), p.ID, c); err != nil {
			return err
		}
	}
	return nil
}

// SetRawVerification stores an arbitrary verification encoding as-is.
// Moderation tooling has written both booleans and {"isVerified": bool}.
func (r Repo) SetRawVerification(ctx context.Context, id string, raw json.RawMessage) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE profiles SET verification_json=? WHERE id=?`), string(raw), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) scanProfile(row scanner) (domain.Profile, error) {
	var p domain.Profile
	var verification sql.NullString
	err := row.Scan(&p.ID, &p.DisplayName, &verification, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if verification.Valid {
		p.Verification = domain.NormalizeVerification(json.RawMessage(verification.String))
	}
	return p, nil
}

func (r Repo) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	p, err := r.scanProfile(r.DB.QueryRowContext(ctx, r.q(`SELECT id,display_name,verification_json,created_at FROM profiles WHERE id=?`), id))
	if err != nil {
		return p, err
	}
	p.Categories, err = r.profileCategories(ctx, id)
	return p, err
}

func (r Repo) profileCategories(ctx context.Context, id string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT category FROM profile_categories WHERE profile_id=? ORDER BY category`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListProfilesByCategory returns profiles in creation order.
func (r Repo) ListProfilesByCategory(ctx context.Context, category string) ([]domain.Profile, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT p.id,p.display_name,p.verification_json,p.created_at
FROM profiles p JOIN profile_categories pc ON pc.profile_id=p.id
WHERE pc.category=? ORDER BY p.created_at ASC, p.id ASC`), category)
	if err != nil {
		return nil, err
	}
	var res []domain.Profile
	for rows.Next() {
		p, err := r.scanProfile(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i].Categories, err = r.profileCategories(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}
