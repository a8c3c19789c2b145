package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"

	"orderline/internal/db"
	"orderline/internal/domain"
)

// Repo is the SQL store for work items, history, comments and access relations.
type Repo struct {
	DB      *sqlx.DB
	Dialect string
}

var ErrNotFound = domain.ErrNotFound

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func New(conn *sqlx.DB) Repo {
	return Repo{DB: conn, Dialect: db.Dialect(conn)}
}

// FormatTime renders t in the storage layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

const workItemColumns = `id,branch_id,reference,status,attributes_json,schema_version,created_at,created_by,updated_at,updated_by,deleted_at`

type workItemRow struct {
	ID             string         `db:"id"`
	BranchID       string         `db:"branch_id"`
	Reference      sql.NullString `db:"reference"`
	Status         string         `db:"status"`
	AttributesJSON string         `db:"attributes_json"`
	SchemaVersion  int            `db:"schema_version"`
	CreatedAt      string         `db:"created_at"`
	CreatedBy      string         `db:"created_by"`
	UpdatedAt      string         `db:"updated_at"`
	UpdatedBy      string         `db:"updated_by"`
	DeletedAt      sql.NullString `db:"deleted_at"`
}

func (r workItemRow) toDomain() (domain.WorkItem, error) {
	w := domain.WorkItem{
		ID:            r.ID,
		BranchID:      r.BranchID,
		Status:        domain.Status(r.Status),
		SchemaVersion: r.SchemaVersion,
		CreatedBy:     r.CreatedBy,
		UpdatedBy:     r.UpdatedBy,
	}
	if r.Reference.Valid {
		w.Reference = r.Reference.String
	}
	if err := json.Unmarshal([]byte(r.AttributesJSON), &w.Attributes); err != nil {
		return w, errors.Wrapf(err, "decode attributes of %s", r.ID)
	}
	var err error
	if w.CreatedAt, err = ParseTime(r.CreatedAt); err != nil {
		return w, errors.Wrap(err, "parse created_at")
	}
	if w.UpdatedAt, err = ParseTime(r.UpdatedAt); err != nil {
		return w, errors.Wrap(err, "parse updated_at")
	}
	if r.DeletedAt.Valid {
		t, err := ParseTime(r.DeletedAt.String)
		if err != nil {
			return w, errors.Wrap(err, "parse deleted_at")
		}
		w.DeletedAt = &t
	}
	return w, nil
}

func workItemArgs(w domain.WorkItem) (string, any, error) {
	attrs, err := json.Marshal(w.Attributes)
	if err != nil {
		return "", nil, errors.Wrap(err, "encode attributes")
	}
	var deleted any
	if w.DeletedAt != nil {
		deleted = FormatTime(*w.DeletedAt)
	}
	return string(attrs), deleted, nil
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sqlx.Tx, w domain.WorkItem) error {
	attrs, deleted, err := workItemArgs(w)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO work_items(`+workItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		w.ID, w.BranchID, nullable(w.Reference), string(w.Status), attrs, w.SchemaVersion,
		FormatTime(w.CreatedAt), w.CreatedBy, FormatTime(w.UpdatedAt), w.UpdatedBy, deleted)
	if err != nil {
		return errors.Wrap(mapError(err), "insert work item")
	}
	return nil
}

// UpdateWorkItem persists the mutable columns. Branch, reference and creator columns are never written.
func (r Repo) UpdateWorkItem(ctx context.Context, tx *sqlx.Tx, w domain.WorkItem) error {
	attrs, deleted, err := workItemArgs(w)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE work_items SET status=?, attributes_json=?, schema_version=?, updated_at=?, updated_by=?, deleted_at=? WHERE id=?`),
		string(w.Status), attrs, w.SchemaVersion, FormatTime(w.UpdatedAt), w.UpdatedBy, deleted, w.ID)
	if err != nil {
		return errors.Wrap(mapError(err), "update work item")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWorkItem reads a committed row, restricted by the branch filter.
func (r Repo) GetWorkItem(ctx context.Context, id string, f BranchFilter) (domain.WorkItem, error) {
	return r.getWorkItem(ctx, r.DB, id, f, false)
}

// GetWorkItemForUpdate reads a row inside tx and locks it until the tx ends.
// SQLite connections are opened with immediate transactions, which already hold the write lock.
func (r Repo) GetWorkItemForUpdate(ctx context.Context, tx *sqlx.Tx, id string, f BranchFilter) (domain.WorkItem, error) {
	return r.getWorkItem(ctx, tx, id, f, r.Dialect == db.Postgres)
}

func (r Repo) getWorkItem(ctx context.Context, q sqlx.QueryerContext, id string, f BranchFilter, lock bool) (domain.WorkItem, error) {
	pred, args := f.predicate("branch_id")
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE id=? AND ` + pred
	if lock {
		query += ` FOR UPDATE`
	}
	var row workItemRow
	if err := sqlx.GetContext(ctx, q, &row, r.rebind(query), append([]any{id}, args...)...); err != nil {
		return domain.WorkItem{}, mapError(err)
	}
	return row.toDomain()
}

type ItemFilters struct {
	Branch          BranchFilter
	BranchID        string
	Status          string
	AssigneeID      string
	IncludeDeleted  bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListWorkItems returns items newest first. Soft-deleted items are excluded unless IncludeDeleted.
func (r Repo) ListWorkItems(ctx context.Context, f ItemFilters) ([]domain.WorkItem, error) {
	pred, args := f.Branch.predicate("branch_id")
	clauses := []string{pred}
	if f.BranchID != "" {
		clauses = append(clauses, "branch_id=?")
		args = append(args, f.BranchID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, r.attributeExpr("assignee_id")+"=?")
		args = append(args, f.AssigneeID)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	var rows []workItemRow
	if err := sqlx.SelectContext(ctx, r.DB, &rows, r.rebind(query), args...); err != nil {
		return nil, errors.Wrap(mapError(err), "list work items")
	}
	res := make([]domain.WorkItem, 0, len(rows))
	for _, row := range rows {
		w, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, nil
}

// CountByStatus aggregates active items of one branch, or of all branches when branchID is empty.
func (r Repo) CountByStatus(ctx context.Context, branchID string) ([]domain.StatusCount, error) {
	query := `SELECT branch_id, status, COUNT(*) AS n FROM work_items WHERE deleted_at IS NULL`
	var args []any
	if branchID != "" {
		query += ` AND branch_id=?`
		args = append(args, branchID)
	}
	query += ` GROUP BY branch_id, status ORDER BY branch_id, status`
	var rows []struct {
		BranchID string `db:"branch_id"`
		Status   string `db:"status"`
		N        int    `db:"n"`
	}
	if err := sqlx.SelectContext(ctx, r.DB, &rows, r.rebind(query), args...); err != nil {
		return nil, errors.Wrap(mapError(err), "count work items")
	}
	out := make([]domain.StatusCount, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.StatusCount{BranchID: row.BranchID, Status: domain.Status(row.Status), Count: row.N})
	}
	return out, nil
}

func (r Repo) attributeExpr(key string) string {
	if r.Dialect == db.Postgres {
		return "attributes_json->>'" + key + "'"
	}
	return "json_extract(attributes_json,'$." + key + "')"
}

func (r Repo) rebind(query string) string {
	if r.DB != nil {
		return r.DB.Rebind(query)
	}
	if r.Dialect == db.Postgres {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return query
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
