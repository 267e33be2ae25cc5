// Package aggregation assembles ranked candidate lists: the offers made on a
// task and the specialists of a category, each joined with profile and
// review data fetched per candidate.
package aggregation

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"taskmarket/internal/apperr"
	"taskmarket/internal/commerce"
	"taskmarket/internal/domain"
	"taskmarket/internal/process"
	"taskmarket/internal/ranking"
)

const (
	defaultConcurrency   = 8
	defaultLookupTimeout = 2 * time.Second
	defaultQueryTimeout  = 5 * time.Second
)

// Warning records a candidate ranked with degraded inputs.
type Warning struct {
	CandidateID  string      `json:"candidate_id"`
	SpecialistID string      `json:"specialist_id"`
	Kind         apperr.Kind `json:"kind"`
	Lookup       string      `json:"lookup"`
	Message      string      `json:"message"`
}

type Result struct {
	Policy     string             `json:"policy"`
	Candidates []domain.Candidate `json:"candidates"`
	Warnings   []Warning          `json:"warnings,omitempty"`
}

type Aggregator struct {
	Ledger          commerce.Ledger
	Reviews         commerce.ReviewStore
	Profiles        commerce.ProfileStore
	OffersPolicy    ranking.Policy
	DirectoryPolicy ranking.Policy
	MaxConcurrency  int
	LookupTimeout   time.Duration
	QueryTimeout    time.Duration
	Logger          *log.Logger

	lookups singleflight.Group
}

func New(engine commerce.Engine) *Aggregator {
	return &Aggregator{
		Ledger:          engine,
		Reviews:         engine,
		Profiles:        engine,
		OffersPolicy:    ranking.PolicyOffers(),
		DirectoryPolicy: ranking.PolicyDirectory(),
	}
}

func (a *Aggregator) logger() *log.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return log.Default()
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// ForTask ranks the offers on a task. Transactions still in INITIAL or
// declined carry no live offer and are left out.
func (a *Aggregator) ForTask(ctx context.Context, taskID string) (Result, error) {
	qctx, cancel := context.WithTimeout(ctx, orDefault(a.QueryTimeout, defaultQueryTimeout))
	txs, err := a.Ledger.Transactions(qctx, commerce.TransactionFilter{TaskID: taskID})
	cancel()
	if err != nil {
		return Result{}, queryErr(err, "task_id", taskID)
	}
	var cands []domain.Candidate
	for _, t := range txs {
		if t.State == process.StateInitial || t.State == process.StateDeclined || t.Offer == nil {
			continue
		}
		cands = append(cands, domain.Candidate{
			ID:            t.ID,
			SpecialistID:  t.InitiatorID,
			TransactionID: t.ID,
			CreatedAt:     domain.ParseTime(t.CreatedAt),
			Offer:         t.Offer,
			State:         t.State,
		})
	}
	warnings := a.enrich(ctx, cands, true)
	a.report("task", taskID, warnings)
	return Result{
		Policy:     a.OffersPolicy.Name,
		Candidates: ranking.Rank(cands, a.OffersPolicy),
		Warnings:   warnings,
	}, nil
}

// ForCategory ranks the specialists serving a category.
func (a *Aggregator) ForCategory(ctx context.Context, category string) (Result, error) {
	qctx, cancel := context.WithTimeout(ctx, orDefault(a.QueryTimeout, defaultQueryTimeout))
	profiles, err := a.Profiles.ProfilesByCategory(qctx, category)
	cancel()
	if err != nil {
		return Result{}, queryErr(err, "category", category)
	}
	cands := make([]domain.Candidate, 0, len(profiles))
	for _, p := range profiles {
		cands = append(cands, domain.Candidate{
			ID:           p.ID,
			SpecialistID: p.ID,
			DisplayName:  p.DisplayName,
			Verified:     p.Verification.Bool(),
			CreatedAt:    domain.ParseTime(p.CreatedAt),
		})
	}
	warnings := a.enrich(ctx, cands, false)
	a.report("category", category, warnings)
	return Result{
		Policy:     a.DirectoryPolicy.Name,
		Candidates: ranking.Rank(cands, a.DirectoryPolicy),
		Warnings:   warnings,
	}, nil
}

func queryErr(err error, key, value string) error {
	return apperr.Wrap(apperr.KindUpstreamRejected, err, "candidate query failed").With(key, value)
}

type reviewStats struct {
	count int
	mean  float64
}

type indexed struct {
	idx int
	w   Warning
}

// enrich fills verification and review stats in place. Lookups run
// concurrently; a failed lookup leaves zero defaults and yields a warning.
func (a *Aggregator) enrich(ctx context.Context, cands []domain.Candidate, withProfile bool) []Warning {
	limit := a.MaxConcurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	var (
		g   errgroup.Group
		mu  sync.Mutex
		out []indexed
	)
	g.SetLimit(limit)
	warn := func(i int, lookup string, err error) {
		mu.Lock()
		defer mu.Unlock()
		out = append(out, indexed{i, Warning{
			CandidateID:  cands[i].ID,
			SpecialistID: cands[i].SpecialistID,
			Kind:         apperr.KindAggregationPartial,
			Lookup:       lookup,
			Message:      err.Error(),
		}})
	}
	for i := range cands {
		g.Go(func() error {
			c := &cands[i]
			if withProfile {
				p, err := a.profile(ctx, c.SpecialistID)
				switch {
				case err == nil:
					c.Verified = p.Verification.Bool()
					c.DisplayName = p.DisplayName
				case !commerce.IsNotFound(err):
					warn(i, "profile", err)
				}
			}
			stats, err := a.reviewStats(ctx, c.SpecialistID)
			if err != nil {
				warn(i, "reviews", err)
				return nil
			}
			c.ReviewCount, c.AverageRating = stats.count, stats.mean
			return nil
		})
	}
	_ = g.Wait()
	sort.SliceStable(out, func(i, j int) bool { return out[i].idx < out[j].idx })
	warnings := make([]Warning, len(out))
	for i, w := range out {
		warnings[i] = w.w
	}
	return warnings
}

func (a *Aggregator) profile(ctx context.Context, id string) (domain.Profile, error) {
	callCtx, cancel := context.WithTimeout(ctx, orDefault(a.LookupTimeout, defaultLookupTimeout))
	defer cancel()
	return a.Profiles.Profile(callCtx, id)
}

// reviewStats aggregates the reviews job posters left for subject. Callers
// asking for the same subject at once share one lookup; each still gives up
// after its own timeout.
func (a *Aggregator) reviewStats(ctx context.Context, subject string) (reviewStats, error) {
	timeout := orDefault(a.LookupTimeout, defaultLookupTimeout)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ch := a.lookups.DoChan("reviews:"+subject, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		reviews, err := a.Reviews.Reviews(lookupCtx, commerce.ReviewFilter{SubjectID: subject, AuthorRole: process.RoleOwner})
		if err != nil {
			return reviewStats{}, err
		}
		var s reviewStats
		sum := 0
		for _, r := range reviews {
			sum += r.Rating
			s.count++
		}
		if s.count > 0 {
			s.mean = float64(sum) / float64(s.count)
		}
		return s, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return reviewStats{}, lookupErr(res.Err)
		}
		return res.Val.(reviewStats), nil
	case <-callCtx.Done():
		return reviewStats{}, lookupErr(callCtx.Err())
	}
}

var errLookupTimeout = errors.New("review lookup timed out")

func lookupErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errLookupTimeout
	}
	return err
}

func (a *Aggregator) report(scope, id string, warnings []Warning) {
	for _, w := range warnings {
		a.logger().Printf("aggregation: %s=%s candidate=%s specialist=%s %s lookup failed: %s",
			scope, id, w.CandidateID, w.SpecialistID, w.Lookup, w.Message)
	}
}
