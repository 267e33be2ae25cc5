package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"taskmarket/internal/domain"
	"taskmarket/internal/process"
)

const transactionColumns = `id,task_id,owner_id,initiator_id,state,COALESCE(last_transition,''),COALESCE(last_transitioned_at,''),offer_json,line_items_json,created_at`

func scanTransaction(row scanner) (domain.Transaction, error) {
	var t domain.Transaction
	var offer sql.NullString
	var items string
	err := row.Scan(&t.ID, &t.TaskID, &t.OwnerID, &t.InitiatorID, &t.State, &t.LastTransition, &t.LastTransitionedAt, &offer, &items, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if offer.Valid && offer.String != "" {
		var o domain.Offer
		if err := json.Unmarshal([]byte(offer.String), &o); err != nil {
			return t, fmt.Errorf("transaction %s offer: %w", t.ID, err)
		}
		t.Offer = &o
	}
	if err := json.Unmarshal([]byte(items), &t.LineItems); err != nil {
		return t, fmt.Errorf("transaction %s line items: %w", t.ID, err)
	}
	if t.LineItems == nil {
		t.LineItems = []domain.LineItem{}
	}
	return t, nil
}

func marshalLineItems(items []domain.LineItem) (string, error) {
	if items == nil {
		items = []domain.LineItem{}
	}
	data, err := json.Marshal(items)
	return string(data), err
}

func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	var offer any
	if t.Offer != nil {
		data, err := json.Marshal(t.Offer)
		if err != nil {
			return err
		}
		offer = string(data)
	}
	items, err := marshalLineItems(t.LineItems)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, r.q(`INSERT INTO transactions(id,task_id,owner_id,initiator_id,state,last_transition,last_transitioned_at,offer_json,line_items_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.TaskID, t.OwnerID, t.InitiatorID, string(t.State), nullable(string(t.LastTransition)), nullable(t.LastTransitionedAt), offer, items, t.CreatedAt)
	return err
}

func (r Repo) GetTransaction(ctx context.Context, tx *sql.Tx, id string) (domain.Transaction, error) {
	return scanTransaction(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+transactionColumns+` FROM transactions WHERE id=?`), id))
}

type TransactionFilters struct {
	TaskID      string
	InitiatorID string
	OwnerID     string
	States      []process.State
	ExcludeID   string
}

func (r Repo) ListTransactions(ctx context.Context, tx *sql.Tx, f TransactionFilters) ([]domain.Transaction, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.InitiatorID != "" {
		clauses = append(clauses, "initiator_id=?")
		args = append(args, f.InitiatorID)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.ExcludeID != "" {
		clauses = append(clauses, "id<>?")
		args = append(args, f.ExcludeID)
	}
	if len(f.States) > 0 {
		clauses = append(clauses, "state IN ("+placeholders(len(f.States))+")")
		for _, s := range f.States {
			args = append(args, string(s))
		}
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.on(tx).QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// AdvanceTransaction moves a transaction from one state to the next only if
// it is still in from. It reports false when another writer got there first.
func (r Repo) AdvanceTransaction(ctx context.Context, tx *sql.Tx, id string, from, to process.State, t process.Transition, at string, lineItems []domain.LineItem) (bool, error) {
	items, err := marshalLineItems(lineItems)
	if err != nil {
		return false, err
	}
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE transactions SET state=?, last_transition=?, last_transitioned_at=?, line_items_json=? WHERE id=? AND state=?`),
		string(to), string(t), at, items, id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
