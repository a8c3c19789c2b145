package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/jmoiron/sqlx"

	"orderline/internal/domain"
	"orderline/internal/engine/auth"
	"orderline/internal/ids"
	"orderline/internal/repo"
)

// CreateOptions are parameters for creating a work item.
type CreateOptions struct {
	ActorID    string
	BranchID   string
	Reference  string
	Attributes domain.Attributes
}

func (e Engine) Create(ctx context.Context, opts CreateOptions) (w domain.WorkItem, err error) {
	ctx, done := e.track(ctx, "create", opts.ActorID)
	defer func() { done(err) }()

	if err := requireActor(opts.ActorID); err != nil {
		return domain.WorkItem{}, err
	}
	if strings.TrimSpace(opts.BranchID) == "" {
		return domain.WorkItem{}, domain.Invalid("branch_id", "required")
	}
	if _, err := e.Gate.Authorize(ctx, opts.ActorID, domain.PermItemCreate, opts.BranchID); err != nil {
		return domain.WorkItem{}, err
	}
	if err := opts.Attributes.Validate(); err != nil {
		return domain.WorkItem{}, err
	}
	now := e.now()
	w = domain.WorkItem{
		ID:            ids.New(),
		BranchID:      opts.BranchID,
		Reference:     strings.TrimSpace(opts.Reference),
		Status:        e.Validator.Initial(),
		Attributes:    opts.Attributes,
		SchemaVersion: domain.AttributesSchemaVersion,
		CreatedAt:     now,
		CreatedBy:     opts.ActorID,
		UpdatedAt:     now,
		UpdatedBy:     opts.ActorID,
	}
	var records int
	err = e.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := e.Items.Insert(ctx, tx, w); err != nil {
			return fmt.Errorf("create work item: %w", err)
		}
		recs, err := e.Recorder.DiffAndRecord(ctx, tx, nil, w, opts.ActorID)
		records = len(recs)
		return err
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	e.committed(ctx, "create", nil, w, opts.ActorID, records)
	return w, nil
}

// UpdateOptions carry an RFC 7386 merge patch over the item attributes.
type UpdateOptions struct {
	ActorID string
	ID      string
	Patch   json.RawMessage
}

func (e Engine) Update(ctx context.Context, opts UpdateOptions) (w domain.WorkItem, err error) {
	ctx, done := e.track(ctx, "update", opts.ActorID)
	defer func() { done(err) }()

	if err := requireActor(opts.ActorID); err != nil {
		return domain.WorkItem{}, err
	}
	scope, err := e.Gate.Authorize(ctx, opts.ActorID, domain.PermItemUpdate, "")
	if err != nil {
		return domain.WorkItem{}, err
	}
	if len(opts.Patch) == 0 {
		return domain.WorkItem{}, domain.Invalid("patch", "required")
	}
	var (
		before  domain.WorkItem
		changed bool
		records int
	)
	err = e.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if before, err = e.lockActive(ctx, tx, opts.ID, scope); err != nil {
			return err
		}
		attrs, err := applyPatch(before.Attributes, opts.Patch)
		if err != nil {
			return err
		}
		w = before
		w.Attributes = attrs
		w.SchemaVersion = domain.AttributesSchemaVersion
		if attributesEqual(before.Attributes, attrs) {
			w = before
			return nil
		}
		changed = true
		w.UpdatedAt = e.stamp(before.UpdatedAt)
		w.UpdatedBy = opts.ActorID
		if err := e.Items.Update(ctx, tx, w); err != nil {
			return fmt.Errorf("update work item: %w", err)
		}
		recs, err := e.Recorder.DiffAndRecord(ctx, tx, &before, w, opts.ActorID)
		records = len(recs)
		return err
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	if changed {
		e.committed(ctx, "update", &before, w, opts.ActorID, records)
	}
	return w, nil
}

func applyPatch(current domain.Attributes, patch json.RawMessage) (domain.Attributes, error) {
	doc, err := json.Marshal(current)
	if err != nil {
		return domain.Attributes{}, fmt.Errorf("encode attributes: %w", err)
	}
	merged, err := jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return domain.Attributes{}, domain.Invalid("patch", err.Error())
	}
	attrs, err := domain.DecodeAttributes(merged)
	if err != nil {
		return domain.Attributes{}, err
	}
	if err := attrs.Validate(); err != nil {
		return domain.Attributes{}, err
	}
	return attrs, nil
}

func attributesEqual(a, b domain.Attributes) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ra) == string(rb)
}

// TransitionOptions request a status move. Notes are stored on the status history record.
type TransitionOptions struct {
	ActorID string
	ID      string
	Status  domain.Status
	Notes   string
}

func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (w domain.WorkItem, err error) {
	ctx, done := e.track(ctx, "transition", opts.ActorID)
	defer func() { done(err) }()

	if err := requireActor(opts.ActorID); err != nil {
		return domain.WorkItem{}, err
	}
	scope, err := e.Scopes.Resolve(ctx, opts.ActorID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.preauthorizeTransition(scope, opts.Status); err != nil {
		return domain.WorkItem{}, err
	}
	var (
		before  domain.WorkItem
		records int
	)
	err = e.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if before, err = e.lockActive(ctx, tx, opts.ID, scope); err != nil {
			return err
		}
		edge, err := e.Validator.Check(before, opts.Status, opts.Notes)
		if err != nil {
			return err
		}
		if err := auth.Check(scope, edge.Permission, ""); err != nil {
			return err
		}
		w = before
		w.Status = opts.Status
		w.UpdatedAt = e.stamp(before.UpdatedAt)
		w.UpdatedBy = opts.ActorID
		if err := e.Items.Update(ctx, tx, w); err != nil {
			return fmt.Errorf("transition work item: %w", err)
		}
		recs, err := e.Recorder.RecordWithNotes(ctx, tx, &before, w, opts.ActorID, strings.TrimSpace(opts.Notes))
		records = len(recs)
		return err
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	e.committed(ctx, "transition", &before, w, opts.ActorID, records)
	return w, nil
}

// preauthorizeTransition rejects actors that hold no transition capability at
// all, then those that hold none of the edges into the requested status. The
// exact edge is checked once the item is locked.
func (e Engine) preauthorizeTransition(scope *auth.Scope, to domain.Status) error {
	perms := e.Validator.Permissions()
	allowed := false
	for _, p := range perms {
		if scope.Has(p) {
			allowed = true
			break
		}
	}
	if !allowed {
		missing := domain.PermItemUpdate
		if len(perms) > 0 {
			missing = perms[0]
		}
		return domain.ForbiddenError{Permission: missing}
	}
	if !e.Validator.Known(to) {
		return domain.TransitionError{To: to, Reason: "unknown status"}
	}
	edges := e.Validator.EdgesInto(to)
	if len(edges) == 0 {
		return domain.TransitionError{To: to, Reason: "no transition leads to this status"}
	}
	for _, edge := range edges {
		if scope.Has(edge.Permission) {
			return nil
		}
	}
	return domain.ForbiddenError{Permission: edges[0].Permission}
}

// SoftDelete marks the item deleted. The row and its history stay readable.
func (e Engine) SoftDelete(ctx context.Context, actorID, id string) (err error) {
	ctx, done := e.track(ctx, "delete", actorID)
	defer func() { done(err) }()

	if err := requireActor(actorID); err != nil {
		return err
	}
	scope, err := e.Gate.Authorize(ctx, actorID, domain.PermItemDelete, "")
	if err != nil {
		return err
	}
	var (
		before, w domain.WorkItem
		records   int
	)
	err = e.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if before, err = e.lockActive(ctx, tx, id, scope); err != nil {
			return err
		}
		w = before
		ts := e.stamp(before.UpdatedAt)
		w.DeletedAt = &ts
		w.UpdatedAt = ts
		w.UpdatedBy = actorID
		if err := e.Items.Update(ctx, tx, w); err != nil {
			return fmt.Errorf("delete work item: %w", err)
		}
		recs, err := e.Recorder.DiffAndRecord(ctx, tx, &before, w, actorID)
		records = len(recs)
		return err
	})
	if err != nil {
		return err
	}
	e.committed(ctx, "delete", &before, w, actorID, records)
	return nil
}

// AddComment attaches a comment. It counts as a mutation of the item.
func (e Engine) AddComment(ctx context.Context, actorID, id, body string) (c domain.Comment, err error) {
	ctx, done := e.track(ctx, "comment", actorID)
	defer func() { done(err) }()

	if err := requireActor(actorID); err != nil {
		return domain.Comment{}, err
	}
	scope, err := e.Gate.Authorize(ctx, actorID, domain.PermItemComment, "")
	if err != nil {
		return domain.Comment{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Comment{}, domain.Invalid("body", "required")
	}
	var before, w domain.WorkItem
	err = e.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if before, err = e.lockActive(ctx, tx, id, scope); err != nil {
			return err
		}
		w = before
		w.UpdatedAt = e.stamp(before.UpdatedAt)
		w.UpdatedBy = actorID
		c = domain.Comment{ID: ids.New(), WorkItemID: id, AuthorID: actorID, Body: body, CreatedAt: w.UpdatedAt}
		if err := e.Repo.InsertComment(ctx, tx, c); err != nil {
			return err
		}
		if err := e.Items.Update(ctx, tx, w); err != nil {
			return fmt.Errorf("touch work item: %w", err)
		}
		_, err = e.Recorder.RecordComment(ctx, tx, c)
		return err
	})
	if err != nil {
		return domain.Comment{}, err
	}
	e.committed(ctx, "comment", &before, w, actorID, 1)
	return c, nil
}

// lockActive loads and locks an item visible to scope. Soft-deleted items are
// treated as absent for mutations.
func (e Engine) lockActive(ctx context.Context, tx *sqlx.Tx, id string, scope *auth.Scope) (domain.WorkItem, error) {
	w, err := e.Items.GetForUpdate(ctx, tx, id, scope.Filter())
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("work item %s: %w", id, err)
	}
	if w.Deleted() {
		return domain.WorkItem{}, fmt.Errorf("work item %s is deleted: %w", id, repo.ErrNotFound)
	}
	return w, nil
}
