package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"taskmarket/internal/domain"
	"taskmarket/internal/events"
	"taskmarket/internal/process"
)

const (
	defaultReconcileInterval = 2 * time.Second
	defaultReconcileBatch    = 100
)

// Reconciler follows the engine's event feed and re-derives the projection
// of every task whose transactions moved into a status-changing state. It
// repairs projections left behind by a partial failure.
type Reconciler struct {
	Projector Projector
	Interval  time.Duration
	Batch     int
	Logger    *log.Logger

	mu     sync.Mutex
	cursor int64
	retry  map[string]bool
}

func (r *Reconciler) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return r.Projector.logger()
}

func (r *Reconciler) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *Reconciler) SetCursor(v int64) {
	r.mu.Lock()
	r.cursor = v
	r.mu.Unlock()
}

// Pending lists tasks whose last reconcile failed, in id order.
func (r *Reconciler) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.retry))
	for id := range r.retry {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Reconciler) setPending(taskID string, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !failed {
		delete(r.retry, taskID)
		return
	}
	if r.retry == nil {
		r.retry = map[string]bool{}
	}
	r.retry[taskID] = true
}

// Run reconciles on every tick until ctx is done and returns ctx.Err().
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger().Printf("reconcile: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce retries tasks that failed earlier, then processes one batch of
// events after the cursor. It returns the number of tasks reconciled. The
// cursor moves past every event in the batch; a task that fails is kept
// pending and retried on the next run, so it never holds up the others.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	batch := r.Batch
	if batch <= 0 {
		batch = defaultReconcileBatch
	}
	done := map[string]bool{}
	failed := map[string]bool{}
	var errs []error
	reconcile := func(taskID string) {
		status, err := r.Projector.Reconcile(ctx, taskID)
		if err != nil {
			failed[taskID] = true
			r.setPending(taskID, true)
			errs = append(errs, fmt.Errorf("task %s: %w", taskID, err))
			return
		}
		r.logger().Printf("reconcile: task=%s status=%s", taskID, status)
		done[taskID] = true
		r.setPending(taskID, false)
	}
	for _, taskID := range r.Pending() {
		if ctx.Err() != nil {
			return len(done), ctx.Err()
		}
		reconcile(taskID)
	}
	evts, err := r.Projector.Feed.EventsAfter(ctx, r.Cursor(), batch)
	if err != nil {
		return len(done), errors.Join(append(errs, err)...)
	}
	for _, evt := range evts {
		if ctx.Err() != nil {
			return len(done), errors.Join(append(errs, ctx.Err())...)
		}
		if affectsVisibility(evt) && !done[evt.TaskID] && !failed[evt.TaskID] {
			reconcile(evt.TaskID)
		}
		r.SetCursor(evt.ID)
	}
	return len(done), errors.Join(errs...)
}

func affectsVisibility(evt domain.Event) bool {
	if evt.Type != events.TypeTransactionTransitioned || evt.TaskID == "" {
		return false
	}
	var payload struct {
		Transition process.Transition `json:"transition"`
	}
	if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
		return false
	}
	return payload.Transition != process.TransitionInquire && payload.Transition != process.TransitionDeclineOffer
}
