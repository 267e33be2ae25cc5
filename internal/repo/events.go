package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskmarket/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(task_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TaskID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EntityEvents returns the full history of one entity, oldest first.
func (r Repo) EntityEvents(ctx context.Context, tx *sql.Tx, entityKind, entityID string) ([]domain.Event, error) {
	rows, err := r.on(tx).QueryContext(ctx, r.q(`SELECT `+eventColumns+` FROM events WHERE entity_kind=? AND entity_id=? ORDER BY id ASC`), entityKind, entityID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}
