package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskmarket/internal/db"
)

// Event types written by the engine.
const (
	TypeTransactionTransitioned = "transaction.transitioned"
	TypeListingCreated          = "listing.created"
	TypeListingUpdated          = "listing.updated"
	TypeListingClosed           = "listing.closed"
	TypeProfileUpserted         = "profile.upserted"
)

const (
	EntityTransaction = "transaction"
	EntityListing     = "listing"
	EntityProfile     = "profile"
)

// Writer appends rows to the events table inside the caller's sql.Tx, so an
// event exists iff the change it describes was committed.
type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, taskID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, db.Rebind(w.Dialect, `INSERT INTO events(ts,type,task_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		ts, evtType, nullable(taskID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
