package history

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/wI2L/jsondiff"

	"orderline/internal/domain"
	"orderline/internal/ids"
	"orderline/internal/obs"
	"orderline/internal/repo"
)

// Field names recorded outside the attribute set.
const (
	FieldStatus    = "status"
	FieldDeletedAt = "deleted_at"
	FieldComment   = "comment"
)

// Store persists history rows inside the caller's transaction.
type Store interface {
	InsertHistory(ctx context.Context, tx *sqlx.Tx, records []domain.HistoryRecord) error
	ListHistory(ctx context.Context, workItemID string) ([]domain.HistoryRecord, error)
}

// Recorder turns a before/after pair of a work item into append-only field records.
type Recorder struct {
	Store Store
	Log   *logrus.Entry
}

func New(store Store, log *logrus.Entry) *Recorder {
	if log == nil {
		log = obs.Nop()
	}
	return &Recorder{Store: store, Log: log.WithField("component", "history")}
}

// Change is one modified top-level field. Nil values mean the field was absent.
type Change struct {
	Field    string
	OldValue *string
	NewValue *string
}

// Snapshot flattens the tracked state of an item. Bookkeeping columns are left out.
func Snapshot(w domain.WorkItem) (map[string]any, error) {
	raw, err := json.Marshal(w.Attributes)
	if err != nil {
		return nil, errors.Wrap(err, "encode attributes")
	}
	snap := map[string]any{}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, errors.Wrap(err, "flatten attributes")
	}
	snap[FieldStatus] = string(w.Status)
	if w.DeletedAt != nil {
		snap[FieldDeletedAt] = repo.FormatTime(*w.DeletedAt)
	}
	return snap, nil
}

// Diff returns the changed fields between two items, sorted by name. A nil
// before is the empty snapshot used for creation.
func Diff(before *domain.WorkItem, after domain.WorkItem) ([]Change, error) {
	prev := map[string]any{}
	if before != nil {
		var err error
		if prev, err = Snapshot(*before); err != nil {
			return nil, err
		}
	}
	next, err := Snapshot(after)
	if err != nil {
		return nil, err
	}
	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return nil, errors.Wrap(err, "encode before")
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return nil, errors.Wrap(err, "encode after")
	}
	patch, err := jsondiff.CompareJSON(prevJSON, nextJSON)
	if err != nil {
		return nil, errors.Wrap(err, "diff snapshots")
	}
	fields, err := changedFields(patch)
	if err != nil {
		return nil, err
	}
	changes := make([]Change, 0, len(fields))
	for _, f := range fields {
		oldV, err := render(prev[f])
		if err != nil {
			return nil, err
		}
		newV, err := render(next[f])
		if err != nil {
			return nil, err
		}
		changes = append(changes, Change{Field: f, OldValue: oldV, NewValue: newV})
	}
	return changes, nil
}

type patchOp struct {
	Op   string `json:"op"`
	From string `json:"from"`
	Path string `json:"path"`
}

// changedFields reduces a JSON patch to the distinct top-level keys it touches.
func changedFields(patch jsondiff.Patch) ([]string, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, errors.Wrap(err, "encode patch")
	}
	var ops []patchOp
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, errors.Wrap(err, "decode patch")
	}
	seen := map[string]bool{}
	var fields []string
	for _, op := range ops {
		if op.Op == "test" {
			continue
		}
		for _, p := range []string{op.From, op.Path} {
			f := topLevel(p)
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)
	return fields, nil
}

func topLevel(pointer string) string {
	if pointer == "" {
		return ""
	}
	seg := strings.TrimPrefix(pointer, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	seg = strings.ReplaceAll(seg, "~1", "/")
	return strings.ReplaceAll(seg, "~0", "~")
}

// render stores strings verbatim and every other value as JSON.
func render(v any) (*string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &val, nil
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, errors.Wrap(err, "encode value")
		}
		s := string(raw)
		return &s, nil
	}
}

// DiffAndRecord writes one record per changed field of after, all sharing a
// mutation id and after.UpdatedAt. It writes nothing when nothing changed.
func (r *Recorder) DiffAndRecord(ctx context.Context, tx *sqlx.Tx, before *domain.WorkItem, after domain.WorkItem, actorID string) ([]domain.HistoryRecord, error) {
	return r.RecordWithNotes(ctx, tx, before, after, actorID, "")
}

// RecordWithNotes is DiffAndRecord with notes attached to the status record.
func (r *Recorder) RecordWithNotes(ctx context.Context, tx *sqlx.Tx, before *domain.WorkItem, after domain.WorkItem, actorID, notes string) ([]domain.HistoryRecord, error) {
	changes, err := Diff(before, after)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}
	mutation := ids.New()
	records := make([]domain.HistoryRecord, 0, len(changes))
	for _, c := range changes {
		rec := domain.HistoryRecord{
			WorkItemID: after.ID,
			MutationID: mutation,
			Field:      c.Field,
			OldValue:   c.OldValue,
			NewValue:   c.NewValue,
			ActorID:    actorID,
			CreatedAt:  after.UpdatedAt,
		}
		if c.Field == FieldStatus {
			rec.Notes = notes
		}
		records = append(records, rec)
	}
	return records, r.write(ctx, tx, records)
}

// RecordComment writes the single record produced by attaching a comment.
func (r *Recorder) RecordComment(ctx context.Context, tx *sqlx.Tx, c domain.Comment) (domain.HistoryRecord, error) {
	body := c.Body
	rec := domain.HistoryRecord{
		WorkItemID: c.WorkItemID,
		MutationID: ids.New(),
		Field:      FieldComment,
		NewValue:   &body,
		ActorID:    c.AuthorID,
		CreatedAt:  c.CreatedAt,
	}
	return rec, r.write(ctx, tx, []domain.HistoryRecord{rec})
}

func (r *Recorder) write(ctx context.Context, tx *sqlx.Tx, records []domain.HistoryRecord) error {
	if err := r.Store.InsertHistory(ctx, tx, records); err != nil {
		return errors.Wrap(err, "record history")
	}
	for _, rec := range records {
		obs.Metrics().HistoryRecords.WithLabelValues(rec.Field).Inc()
	}
	r.Log.WithFields(logrus.Fields{
		"work_item_id": records[0].WorkItemID,
		"mutation_id":  records[0].MutationID,
		"fields":       len(records),
	}).Debug("history recorded")
	return nil
}

// List returns the records of one item ordered by insertion.
func (r *Recorder) List(ctx context.Context, workItemID string) ([]domain.HistoryRecord, error) {
	return r.Store.ListHistory(ctx, workItemID)
}
