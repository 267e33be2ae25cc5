package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskmarket/internal/domain"
	"taskmarket/internal/process"
)

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rv domain.Review) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO reviews(id,transaction_id,task_id,subject_id,author_id,author_role,rating,content,created_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		rv.ID, rv.TransactionID, rv.TaskID, rv.SubjectID, rv.AuthorID, string(rv.AuthorRole), rv.Rating, nullable(rv.Content), rv.CreatedAt)
	return err
}

type ReviewFilters struct {
	SubjectID     string
	AuthorRole    process.Role
	TransactionID string
}

func (r Repo) ListReviews(ctx context.Context, tx *sql.Tx, f ReviewFilters) ([]domain.Review, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if f.AuthorRole != "" {
		clauses = append(clauses, "author_role=?")
		args = append(args, string(f.AuthorRole))
	}
	if f.TransactionID != "" {
		clauses = append(clauses, "transaction_id=?")
		args = append(args, f.TransactionID)
	}
	query := `SELECT id,transaction_id,task_id,subject_id,author_id,author_role,rating,COALESCE(content,''),created_at FROM reviews WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.on(tx).QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		var rv domain.Review
		if err := rows.Scan(&rv.ID, &rv.TransactionID, &rv.TaskID, &rv.SubjectID, &rv.AuthorID, &rv.AuthorRole, &rv.Rating, &rv.Content, &rv.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}
