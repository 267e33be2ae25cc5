// Package process defines the transaction protocol: its states, the
// transitions between them, and which party may perform each one.
package process

import (
	"fmt"
	"sort"
	"strings"
)

type State string

const (
	StateInitial             State = "INITIAL"
	StateInquiry             State = "INQUIRY"
	StateAccepted            State = "ACCEPTED"
	StateDeclined            State = "DECLINED"
	StateCompleted           State = "COMPLETED"
	StateReviewedByInitiator State = "REVIEWED_BY_INITIATOR"
	StateReviewedByOwner     State = "REVIEWED_BY_OWNER"
	StateReviewed            State = "REVIEWED"
)

type Transition string

const (
	TransitionInquire                     Transition = "INQUIRE"
	TransitionAcceptOffer                 Transition = "ACCEPT_OFFER"
	TransitionDeclineOffer                Transition = "DECLINE_OFFER"
	TransitionComplete                    Transition = "COMPLETE"
	TransitionReview1ByInitiator          Transition = "REVIEW_1_BY_INITIATOR"
	TransitionReview1ByOwner              Transition = "REVIEW_1_BY_OWNER"
	TransitionExpireReviewPeriod          Transition = "EXPIRE_REVIEW_PERIOD"
	TransitionReview2ByOwner              Transition = "REVIEW_2_BY_OWNER"
	TransitionExpireOwnerReviewPeriod     Transition = "EXPIRE_OWNER_REVIEW_PERIOD"
	TransitionReview2ByInitiator          Transition = "REVIEW_2_BY_INITIATOR"
	TransitionExpireInitiatorReviewPeriod Transition = "EXPIRE_INITIATOR_REVIEW_PERIOD"
)

// Role is a party's protocol role within one transaction.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleOwner     Role = "owner"
	RoleSystem    Role = "system"
)

// SystemActor is the actor id used for time-driven transitions.
const SystemActor = "system"

// Edge is one allowed move in the graph.
type Edge struct {
	From       State
	Transition Transition
	To         State
	Roles      []Role
	Privileged bool
}

func (e Edge) Allows(role Role) bool {
	for _, r := range e.Roles {
		if r == role {
			return true
		}
	}
	return false
}

var (
	initiator   = []Role{RoleInitiator}
	owner       = []Role{RoleOwner}
	system      = []Role{RoleSystem}
	eitherParty = []Role{RoleInitiator, RoleOwner}
)

var defaultEdges = []Edge{
	{StateInitial, TransitionInquire, StateInquiry, initiator, true},
	{StateInquiry, TransitionAcceptOffer, StateAccepted, owner, true},
	{StateInquiry, TransitionDeclineOffer, StateDeclined, owner, true},
	{StateAccepted, TransitionComplete, StateCompleted, eitherParty, false},
	{StateCompleted, TransitionReview1ByInitiator, StateReviewedByInitiator, initiator, false},
	{StateCompleted, TransitionReview1ByOwner, StateReviewedByOwner, owner, false},
	{StateCompleted, TransitionExpireReviewPeriod, StateReviewed, system, false},
	{StateReviewedByInitiator, TransitionReview2ByOwner, StateReviewed, owner, false},
	{StateReviewedByInitiator, TransitionExpireOwnerReviewPeriod, StateReviewed, system, false},
	{StateReviewedByOwner, TransitionReview2ByInitiator, StateReviewed, initiator, false},
	{StateReviewedByOwner, TransitionExpireInitiatorReviewPeriod, StateReviewed, system, false},
}

// Graph is an immutable transition table.
type Graph struct {
	edges []Edge
	index map[State]map[Transition]Edge
}

// NewGraph builds a graph and rejects duplicate (state, transition) pairs.
func NewGraph(edges []Edge) (*Graph, error) {
	g := &Graph{index: map[State]map[Transition]Edge{}}
	for _, e := range edges {
		if len(e.Roles) == 0 {
			return nil, fmt.Errorf("edge %s/%s has no roles", e.From, e.Transition)
		}
		out := g.index[e.From]
		if out == nil {
			out = map[Transition]Edge{}
			g.index[e.From] = out
		}
		if _, dup := out[e.Transition]; dup {
			return nil, fmt.Errorf("duplicate edge %s/%s", e.From, e.Transition)
		}
		e.Roles = append([]Role(nil), e.Roles...)
		out[e.Transition] = e
		g.edges = append(g.edges, e)
	}
	return g, nil
}

var defaultGraph = func() *Graph {
	g, err := NewGraph(defaultEdges)
	if err != nil {
		panic(err)
	}
	return g
}()

// Default returns the marketplace protocol graph.
func Default() *Graph { return defaultGraph }

func (g *Graph) Edge(from State, t Transition) (Edge, bool) {
	e, ok := g.index[from][t]
	return e, ok
}

// Outgoing returns the edges leaving a state in declaration order.
func (g *Graph) Outgoing(from State) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.From == from {
			out = append(out, e)
		}
	}
	return out
}

func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// States lists every state mentioned by the graph, sorted.
func (g *Graph) States() []State {
	seen := map[State]bool{}
	for _, e := range g.edges {
		seen[e.From] = true
		seen[e.To] = true
	}
	out := make([]State, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Transitions lists every transition name in the graph, sorted and unique.
func (g *Graph) Transitions() []Transition {
	seen := map[Transition]bool{}
	var out []Transition
	for _, e := range g.edges {
		if !seen[e.Transition] {
			seen[e.Transition] = true
			out = append(out, e.Transition)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StateAfter replays a transition history from INITIAL.
func (g *Graph) StateAfter(history []Transition) (State, error) {
	state := StateInitial
	for i, t := range history {
		e, ok := g.Edge(state, t)
		if !ok {
			return state, fmt.Errorf("history[%d]: %s not allowed from %s", i, t, state)
		}
		state = e.To
	}
	return state, nil
}

// Reachable lists from and every state reachable from it, sorted.
func (g *Graph) Reachable(from State) []State {
	seen := map[State]bool{from: true}
	queue := []State{from}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, e := range g.index[s] {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	out := make([]State, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *Graph) IsTerminal(s State) bool {
	return len(g.index[s]) == 0
}

// Mermaid renders the graph as a mermaid stateDiagram.
func (g *Graph) Mermaid() string {
	var b strings.Builder
	b.WriteString("stateDiagram-v2\n")
	fmt.Fprintf(&b, "    [*] --> %s\n", StateInitial)
	for _, e := range g.edges {
		roles := make([]string, len(e.Roles))
		for i, r := range e.Roles {
			roles[i] = string(r)
		}
		label := fmt.Sprintf("%s (%s)", e.Transition, strings.Join(roles, "|"))
		if e.Privileged {
			label += " *"
		}
		fmt.Fprintf(&b, "    %s --> %s: %s\n", e.From, e.To, label)
	}
	for _, s := range g.States() {
		if g.IsTerminal(s) {
			fmt.Fprintf(&b, "    %s --> [*]\n", s)
		}
	}
	return b.String()
}

// ReviewTransition finds the review edge role may take from state.
func (g *Graph) ReviewTransition(from State, role Role) (Transition, bool) {
	for _, e := range g.Outgoing(from) {
		if IsReview(e.Transition) && e.Allows(role) {
			return e.Transition, true
		}
	}
	return "", false
}

// IsTerminal reports whether s has no outgoing edge in the default graph.
func IsTerminal(s State) bool { return defaultGraph.IsTerminal(s) }

// IsPrivileged reports whether t must be executed with an elevated credential.
func IsPrivileged(t Transition) bool {
	for _, e := range defaultGraph.edges {
		if e.Transition == t {
			return e.Privileged
		}
	}
	return false
}

// IsReview reports whether t records a party's review.
func IsReview(t Transition) bool {
	return strings.HasPrefix(string(t), "REVIEW_")
}

// ReviewerRole returns the role that authors the review carried by t.
func ReviewerRole(t Transition) Role {
	if !IsReview(t) {
		return ""
	}
	if strings.HasSuffix(string(t), "_BY_OWNER") {
		return RoleOwner
	}
	return RoleInitiator
}

// ResolveRole maps an actor onto the role they play in a transaction
// between ownerID and initiatorID.
func ResolveRole(ownerID, initiatorID, actorID string) (Role, bool) {
	switch {
	case actorID == "":
		return "", false
	case actorID == SystemActor:
		return RoleSystem, true
	case actorID == ownerID:
		return RoleOwner, true
	case actorID == initiatorID:
		return RoleInitiator, true
	}
	return "", false
}
