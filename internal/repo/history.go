package repo

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"

	"orderline/internal/domain"
)

type historyRow struct {
	ID         int64          `db:"id"`
	WorkItemID string         `db:"work_item_id"`
	MutationID string         `db:"mutation_id"`
	Field      string         `db:"field"`
	OldValue   sql.NullString `db:"old_value"`
	NewValue   sql.NullString `db:"new_value"`
	Notes      sql.NullString `db:"notes"`
	ActorID    string         `db:"actor_id"`
	CreatedAt  string         `db:"created_at"`
}

// InsertHistory appends records in order inside tx. IDs are assigned by the store.
func (r Repo) InsertHistory(ctx context.Context, tx *sqlx.Tx, records []domain.HistoryRecord) error {
	query := tx.Rebind(`INSERT INTO work_item_history(work_item_id,mutation_id,field,old_value,new_value,notes,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?)`)
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, query,
			rec.WorkItemID, rec.MutationID, rec.Field, nullableStringPtr(rec.OldValue), nullableStringPtr(rec.NewValue),
			nullable(rec.Notes), rec.ActorID, FormatTime(rec.CreatedAt)); err != nil {
			return errors.Wrapf(mapError(err), "insert history %s.%s", rec.WorkItemID, rec.Field)
		}
	}
	return nil
}

// ListHistory returns every record of a work item ordered by insertion.
func (r Repo) ListHistory(ctx context.Context, workItemID string) ([]domain.HistoryRecord, error) {
	var rows []historyRow
	err := sqlx.SelectContext(ctx, r.DB, &rows, r.rebind(`SELECT id,work_item_id,mutation_id,field,old_value,new_value,notes,actor_id,created_at
FROM work_item_history WHERE work_item_id=? ORDER BY id`), workItemID)
	if err != nil {
		return nil, errors.Wrap(mapError(err), "list history")
	}
	out := make([]domain.HistoryRecord, 0, len(rows))
	for _, row := range rows {
		rec := domain.HistoryRecord{
			ID:         row.ID,
			WorkItemID: row.WorkItemID,
			MutationID: row.MutationID,
			Field:      row.Field,
			ActorID:    row.ActorID,
		}
		if row.OldValue.Valid {
			v := row.OldValue.String
			rec.OldValue = &v
		}
		if row.NewValue.Valid {
			v := row.NewValue.String
			rec.NewValue = &v
		}
		if row.Notes.Valid {
			rec.Notes = row.Notes.String
		}
		if rec.CreatedAt, err = ParseTime(row.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "parse history created_at")
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r Repo) InsertComment(ctx context.Context, tx *sqlx.Tx, c domain.Comment) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO work_item_comments(id,work_item_id,author_id,body,created_at) VALUES (?,?,?,?,?)`),
		c.ID, c.WorkItemID, c.AuthorID, c.Body, FormatTime(c.CreatedAt))
	if err != nil {
		return errors.Wrap(mapError(err), "insert comment")
	}
	return nil
}

func (r Repo) ListComments(ctx context.Context, workItemID string) ([]domain.Comment, error) {
	var rows []struct {
		ID         string `db:"id"`
		WorkItemID string `db:"work_item_id"`
		AuthorID   string `db:"author_id"`
		Body       string `db:"body"`
		CreatedAt  string `db:"created_at"`
	}
	err := sqlx.SelectContext(ctx, r.DB, &rows, r.rebind(`SELECT id,work_item_id,author_id,body,created_at FROM work_item_comments WHERE work_item_id=? ORDER BY created_at, id`), workItemID)
	if err != nil {
		return nil, errors.Wrap(mapError(err), "list comments")
	}
	out := make([]domain.Comment, 0, len(rows))
	for _, row := range rows {
		ts, err := ParseTime(row.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "parse comment created_at")
		}
		out = append(out, domain.Comment{ID: row.ID, WorkItemID: row.WorkItemID, AuthorID: row.AuthorID, Body: row.Body, CreatedAt: ts})
	}
	return out, nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
