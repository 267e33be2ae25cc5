package process

import "taskmarket/internal/apperr"

// Validator checks a proposed transition against a graph. It never mutates.
type Validator struct {
	Graph *Graph
}

func NewValidator(g *Graph) Validator {
	if g == nil {
		g = Default()
	}
	return Validator{Graph: g}
}

// Validate returns the state the transaction would move to.
func (v Validator) Validate(current State, t Transition, role Role) (State, error) {
	g := v.Graph
	if g == nil {
		g = Default()
	}
	e, ok := g.Edge(current, t)
	if !ok {
		return current, apperr.New(apperr.KindInvalidTransition, "transition %s not allowed from %s", t, current).
			With("state", string(current)).
			With("transition", string(t))
	}
	if !e.Allows(role) {
		allowed := make([]string, len(e.Roles))
		for i, r := range e.Roles {
			allowed[i] = string(r)
		}
		return current, apperr.New(apperr.KindForbidden, "role %q may not perform %s", role, t).
			With("transition", string(t)).
			With("allowed_roles", allowed)
	}
	return e.To, nil
}
