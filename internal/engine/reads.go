package engine

import (
	"context"

	"orderline/internal/domain"
	"orderline/internal/engine/auth"
	"orderline/internal/repo"
)

// Get returns an item visible to the actor. Soft-deleted items are still readable.
func (e Engine) Get(ctx context.Context, actorID, id string) (w domain.WorkItem, err error) {
	ctx, done := e.track(ctx, "get", actorID)
	defer func() { done(err) }()

	scope, err := e.Gate.Authorize(ctx, actorID, domain.PermItemRead, "")
	if err != nil {
		return domain.WorkItem{}, err
	}
	return e.Items.Get(ctx, id, scope.Filter())
}

// ListOptions filter and page the item listing. Results are newest first.
type ListOptions struct {
	ActorID         string
	BranchID        string
	Status          domain.Status
	AssigneeID      string
	IncludeDeleted  bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (e Engine) List(ctx context.Context, opts ListOptions) (items []domain.WorkItem, err error) {
	ctx, done := e.track(ctx, "list", opts.ActorID)
	defer func() { done(err) }()

	scope, err := e.Gate.Authorize(ctx, opts.ActorID, domain.PermItemRead, opts.BranchID)
	if err != nil {
		return nil, err
	}
	return e.Items.List(ctx, repo.ItemFilters{
		Branch:          scope.Filter(),
		BranchID:        opts.BranchID,
		Status:          string(opts.Status),
		AssigneeID:      opts.AssigneeID,
		IncludeDeleted:  opts.IncludeDeleted,
		Limit:           opts.Limit,
		CursorCreatedAt: opts.CursorCreatedAt,
		CursorID:        opts.CursorID,
	})
}

// History returns the full audit trail of an item the actor can see.
func (e Engine) History(ctx context.Context, actorID, id string) (records []domain.HistoryRecord, err error) {
	ctx, done := e.track(ctx, "history", actorID)
	defer func() { done(err) }()

	scope, err := e.Gate.Authorize(ctx, actorID, domain.PermHistoryRead, "")
	if err != nil {
		return nil, err
	}
	if _, err := e.Items.Get(ctx, id, scope.Filter()); err != nil {
		return nil, err
	}
	return e.Recorder.List(ctx, id)
}

func (e Engine) Comments(ctx context.Context, actorID, id string) (comments []domain.Comment, err error) {
	ctx, done := e.track(ctx, "comments", actorID)
	defer func() { done(err) }()

	scope, err := e.Gate.Authorize(ctx, actorID, domain.PermItemRead, "")
	if err != nil {
		return nil, err
	}
	if _, err := e.Items.Get(ctx, id, scope.Filter()); err != nil {
		return nil, err
	}
	return e.Repo.ListComments(ctx, id)
}

// Stats counts active items per status, for one branch or every branch in scope.
func (e Engine) Stats(ctx context.Context, actorID, branchID string) (counts []domain.StatusCount, err error) {
	ctx, done := e.track(ctx, "stats", actorID)
	defer func() { done(err) }()

	scope, err := e.Gate.Authorize(ctx, actorID, domain.PermStatsRead, branchID)
	if err != nil {
		return nil, err
	}
	if branchID != "" {
		return e.Items.StatusCounts(ctx, repo.Only(branchID))
	}
	return e.Items.StatusCounts(ctx, scope.Filter())
}

// Me resolves the caller's own scope. It needs no capability.
func (e Engine) Me(ctx context.Context, actorID string) (*auth.Scope, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	return e.Scopes.Resolve(ctx, actorID)
}

// Branches lists the branches the actor can see.
func (e Engine) Branches(ctx context.Context, actorID string) ([]domain.Branch, error) {
	scope, err := e.Scopes.Resolve(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListBranches(ctx, scope.Filter())
}
