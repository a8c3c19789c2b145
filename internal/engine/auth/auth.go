package auth

import (
	"context"
	"fmt"
	"sort"

	"orderline/internal/domain"
	"orderline/internal/repo"
)

// Scope is the resolved permission and branch set of one actor. It is built per
// operation and never shared between requests.
type Scope struct {
	ActorID     string
	Permissions map[string]struct{}
	Branches    map[string]struct{}
}

func newScope(actorID string, perms, branches []string) *Scope {
	s := &Scope{
		ActorID:     actorID,
		Permissions: make(map[string]struct{}, len(perms)),
		Branches:    make(map[string]struct{}, len(branches)),
	}
	for _, p := range perms {
		s.Permissions[p] = struct{}{}
	}
	for _, b := range branches {
		s.Branches[b] = struct{}{}
	}
	return s
}

// Wildcard reports whether the actor holds the super-scope permission.
func (s *Scope) Wildcard() bool {
	_, ok := s.Permissions[domain.Wildcard]
	return ok
}

// Has reports whether capability is granted literally or through the wildcard.
func (s *Scope) Has(capability string) bool {
	if s.Wildcard() {
		return true
	}
	_, ok := s.Permissions[capability]
	return ok
}

// InBranch reports whether the actor may see items of branchID.
func (s *Scope) InBranch(branchID string) bool {
	if s.Wildcard() {
		return true
	}
	_, ok := s.Branches[branchID]
	return ok
}

// Filter returns the isolation predicate for item queries made on behalf of the actor.
func (s *Scope) Filter() repo.BranchFilter {
	if s.Wildcard() {
		return repo.AllBranches()
	}
	return repo.Only(s.BranchList()...)
}

func (s *Scope) PermissionList() []string {
	return sortedKeys(s.Permissions)
}

func (s *Scope) BranchList() []string {
	return sortedKeys(s.Branches)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Gate checks a capability and, when a branch is named, branch membership.
type Gate struct {
	Resolver *Resolver
}

// Authorize resolves the actor scope and checks it. A missing capability is
// Forbidden; a branch outside the scope is reported as NotFound so its
// existence is not disclosed.
func (g Gate) Authorize(ctx context.Context, actorID, capability, branchID string) (*Scope, error) {
	scope, err := g.Resolver.Resolve(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if err := Check(scope, capability, branchID); err != nil {
		return nil, err
	}
	return scope, nil
}

// Check applies the gate to an already resolved scope.
func Check(scope *Scope, capability, branchID string) error {
	if !scope.Has(capability) {
		return domain.ForbiddenError{Permission: capability}
	}
	if branchID != "" && !scope.InBranch(branchID) {
		return fmt.Errorf("branch %s: %w", branchID, domain.ErrNotFound)
	}
	return nil
}
