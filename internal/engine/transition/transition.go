package transition

import (
	"sort"
	"strings"

	"orderline/internal/config"
	"orderline/internal/domain"
)

// Edge is one legal status move and what it demands.
type Edge struct {
	From       domain.Status
	To         domain.Status
	Permission string
	Requires   []string
}

// Validator enforces the lifecycle table. The table is the only authority: a
// move that is not listed is rejected, including jumps over intermediate statuses.
type Validator struct {
	initial  domain.Status
	known    map[domain.Status]bool
	terminal map[domain.Status]bool
	edges    map[[2]domain.Status]Edge
}

// New builds a validator from an already validated lifecycle config.
func New(cfg *config.Config) *Validator {
	v := &Validator{
		initial:  cfg.Statuses.Initial,
		known:    map[domain.Status]bool{},
		terminal: map[domain.Status]bool{},
		edges:    map[[2]domain.Status]Edge{},
	}
	for _, s := range cfg.Statuses.Values {
		v.known[s] = true
	}
	for _, s := range cfg.Statuses.Terminal {
		v.terminal[s] = true
	}
	for _, t := range cfg.Transitions {
		perm := t.Permission
		if perm == "" {
			perm = domain.PermItemUpdate
		}
		v.edges[[2]domain.Status{t.From, t.To}] = Edge{From: t.From, To: t.To, Permission: perm, Requires: t.Requires}
	}
	return v
}

// Initial is the status new items start in.
func (v *Validator) Initial() domain.Status {
	return v.initial
}

func (v *Validator) Known(s domain.Status) bool {
	return v.known[s]
}

func (v *Validator) Terminal(s domain.Status) bool {
	return v.terminal[s]
}

// Validate checks the table only.
func (v *Validator) Validate(current, requested domain.Status) (Edge, error) {
	if !v.known[current] {
		return Edge{}, domain.TransitionError{From: current, To: requested, Reason: "unknown current status"}
	}
	if !v.known[requested] {
		return Edge{}, domain.TransitionError{From: current, To: requested, Reason: "unknown status"}
	}
	if current == requested {
		return Edge{}, domain.TransitionError{From: current, To: requested, Reason: "already in status"}
	}
	if v.terminal[current] {
		return Edge{}, domain.TransitionError{From: current, To: requested, Reason: "status is terminal"}
	}
	edge, ok := v.edges[[2]domain.Status{current, requested}]
	if !ok {
		return Edge{}, domain.TransitionError{From: current, To: requested}
	}
	return edge, nil
}

// Check validates a move for a concrete item, including the edge preconditions.
func (v *Validator) Check(item domain.WorkItem, requested domain.Status, notes string) (Edge, error) {
	if item.Deleted() {
		return Edge{}, domain.TransitionError{From: item.Status, To: requested, Reason: "item is deleted"}
	}
	edge, err := v.Validate(item.Status, requested)
	if err != nil {
		return Edge{}, err
	}
	for _, req := range edge.Requires {
		switch req {
		case config.RequireNotes:
			if strings.TrimSpace(notes) == "" {
				return Edge{}, domain.TransitionError{From: item.Status, To: requested, Reason: "notes required"}
			}
		case config.RequireAssigned:
			if item.Attributes.AssigneeID == "" {
				return Edge{}, domain.TransitionError{From: item.Status, To: requested, Reason: "assignee required"}
			}
		case config.RequirePriced:
			if item.Attributes.Total == nil {
				return Edge{}, domain.TransitionError{From: item.Status, To: requested, Reason: "total required"}
			}
		}
	}
	return edge, nil
}

// EdgesInto lists the edges that end in s, used to pre-authorize a move before the item is read.
func (v *Validator) EdgesInto(s domain.Status) []Edge {
	var out []Edge
	for key, e := range v.edges {
		if key[1] == s {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}

// Permissions lists the distinct capabilities that guard any edge.
func (v *Validator) Permissions() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, e := range v.edges {
		if _, ok := seen[e.Permission]; ok {
			continue
		}
		seen[e.Permission] = struct{}{}
		out = append(out, e.Permission)
	}
	sort.Strings(out)
	return out
}

// Targets lists the statuses reachable from s in one step.
func (v *Validator) Targets(s domain.Status) []domain.Status {
	var out []domain.Status
	for key := range v.edges {
		if key[0] == s {
			out = append(out, key[1])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
