// Package ranking orders candidates by trust signals. A policy is data: an
// optional partition into fixed-order buckets followed by ordered sort keys.
package ranking

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"taskmarket/internal/config"
	"taskmarket/internal/domain"
)

type Key string

const (
	KeyVerified      Key = "verified"
	KeyReviewCount   Key = "review_count"
	KeyAverageRating Key = "average_rating"
	KeyCreatedAt     Key = "created_at"
)

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

type SortKey struct {
	Key       Key
	Direction Direction
}

func (k SortKey) String() string { return string(k.Key) + " " + string(k.Direction) }

// Predicate selects candidates for a bucket. Nil fields match anything.
type Predicate struct {
	Verified   *bool
	HasReviews *bool
}

func (p Predicate) Match(c domain.Candidate) bool {
	if p.Verified != nil && *p.Verified != c.Verified {
		return false
	}
	if p.HasReviews != nil && *p.HasReviews != (c.ReviewCount > 0) {
		return false
	}
	return true
}

type Bucket struct {
	Name  string
	Match Predicate
	Keys  []SortKey
}

// Policy ranks candidates. With a partition, candidates are grouped into the
// first bucket they match, buckets keep their declared order, and each bucket
// is sorted by its own keys followed by the policy keys. Candidates matching
// no bucket trail the rest, sorted by the policy keys.
type Policy struct {
	Name      string
	Partition []Bucket
	Keys      []SortKey
}

const TrailingBucket = "unmatched"

func flag(v bool) *bool { return &v }

// PolicyDirectory ranks specialists across a category.
func PolicyDirectory() Policy {
	byReviews := []SortKey{{KeyAverageRating, Desc}, {KeyReviewCount, Desc}}
	return Policy{
		Name: config.PolicyDirectory,
		Partition: []Bucket{
			{Name: "verified-reviewed", Match: Predicate{Verified: flag(true), HasReviews: flag(true)}, Keys: byReviews},
			{Name: "verified-new", Match: Predicate{Verified: flag(true), HasReviews: flag(false)}},
			{Name: "unverified-reviewed", Match: Predicate{Verified: flag(false), HasReviews: flag(true)}, Keys: byReviews},
			{Name: "unverified-new", Match: Predicate{Verified: flag(false), HasReviews: flag(false)}, Keys: []SortKey{{KeyCreatedAt, Desc}}},
		},
	}
}

// PolicyOffers ranks the offers made on one task.
func PolicyOffers() Policy {
	return Policy{
		Name: config.PolicyOffers,
		Keys: []SortKey{{KeyVerified, Desc}, {KeyReviewCount, Desc}, {KeyAverageRating, Desc}},
	}
}

// FromConfig builds a policy from its taskmarket.yml form.
func FromConfig(name string, p config.RankingPolicy) (Policy, error) {
	keys, err := sortKeys(p.Keys)
	if err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", name, err)
	}
	out := Policy{Name: name, Keys: keys}
	for _, b := range p.Partition {
		bk, err := sortKeys(b.Keys)
		if err != nil {
			return Policy{}, fmt.Errorf("policy %s bucket %s: %w", name, b.Name, err)
		}
		out.Partition = append(out.Partition, Bucket{
			Name:  b.Name,
			Match: Predicate{Verified: b.Match.Verified, HasReviews: b.Match.HasReviews},
			Keys:  bk,
		})
	}
	return out, nil
}

// Policies builds every configured policy by name.
func Policies(cfg *config.Config) (map[string]Policy, error) {
	out := map[string]Policy{}
	for name, p := range cfg.Ranking.Policies {
		policy, err := FromConfig(name, p)
		if err != nil {
			return nil, err
		}
		out[name] = policy
	}
	return out, nil
}

func sortKeys(in []config.SortKey) ([]SortKey, error) {
	out := make([]SortKey, 0, len(in))
	for _, k := range in {
		key := Key(strings.ToLower(strings.TrimSpace(k.Key)))
		switch key {
		case KeyVerified, KeyReviewCount, KeyAverageRating, KeyCreatedAt:
		default:
			return nil, fmt.Errorf("unknown sort key %q", k.Key)
		}
		dir := Direction(strings.ToLower(strings.TrimSpace(k.Direction)))
		if dir != Asc && dir != Desc {
			return nil, fmt.Errorf("key %s: unknown direction %q", k.Key, k.Direction)
		}
		out = append(out, SortKey{Key: key, Direction: dir})
	}
	return out, nil
}

// BucketOf names the bucket c falls into, or "" for a policy without a partition.
func (p Policy) BucketOf(c domain.Candidate) string {
	if len(p.Partition) == 0 {
		return ""
	}
	for _, b := range p.Partition {
		if b.Match.Match(c) {
			return b.Name
		}
	}
	return TrailingBucket
}

// Rank returns a ranked copy of candidates. Full ties keep input order.
func Rank(candidates []domain.Candidate, p Policy) []domain.Candidate {
	if len(p.Partition) == 0 {
		out := slices.Clone(candidates)
		slices.SortStableFunc(out, comparator(p.Keys))
		return out
	}
	groups := make([][]domain.Candidate, len(p.Partition)+1)
	for _, c := range candidates {
		idx := len(p.Partition)
		for i, b := range p.Partition {
			if b.Match.Match(c) {
				idx = i
				break
			}
		}
		groups[idx] = append(groups[idx], c)
	}
	out := make([]domain.Candidate, 0, len(candidates))
	for i, g := range groups {
		keys := p.Keys
		if i < len(p.Partition) {
			keys = append(slices.Clone(p.Partition[i].Keys), p.Keys...)
		}
		slices.SortStableFunc(g, comparator(keys))
		out = append(out, g...)
	}
	return out
}

func comparator(keys []SortKey) func(a, b domain.Candidate) int {
	return func(a, b domain.Candidate) int {
		for _, k := range keys {
			c := compareKey(k.Key, a, b)
			if k.Direction == Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

func compareKey(k Key, a, b domain.Candidate) int {
	switch k {
	case KeyVerified:
		return cmp.Compare(boolRank(a.Verified), boolRank(b.Verified))
	case KeyReviewCount:
		return cmp.Compare(a.ReviewCount, b.ReviewCount)
	case KeyAverageRating:
		return cmp.Compare(a.AverageRating, b.AverageRating)
	case KeyCreatedAt:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
	return 0
}

func boolRank(v bool) int {
	if v {
		return 1
	}
	return 0
}
