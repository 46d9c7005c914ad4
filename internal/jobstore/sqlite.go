package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/foundryci/foundry/internal/job"
)

// SQLite stores one row per job: indexed columns for lookup plus the full
// document as a JSON blob. The document is authoritative; the columns mirror
// the fields queries filter and sort on.
type SQLite struct {
	db *DB
}

// NewSQLite returns a Store backed by the given database.
func NewSQLite(db *DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Add(ctx context.Context, j *job.Job) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	_, err = s.db.Write.ExecContext(ctx, `INSERT INTO jobs
		(id, stream_id, template_id, change, schedule_priority, create_time, update_time, update_index, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.StreamID, j.TemplateID, j.Change, j.SchedulePriority,
		formatTime(j.CreateTime), formatTime(j.UpdateTime), j.UpdateIndex, string(doc))
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*job.Job, error) {
	var doc string
	err := s.db.Read.QueryRowContext(ctx, "SELECT doc FROM jobs WHERE id = ?", id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError(fmt.Sprintf("job %q not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return decodeJob(id, doc)
}

func (s *SQLite) Find(ctx context.Context, f Filter) ([]*job.Job, error) {
	var where []string
	var args []any
	if f.StreamID != "" {
		where = append(where, "stream_id = ?")
		args = append(args, f.StreamID)
	}
	if f.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, f.TemplateID)
	}
	if f.MinChange > 0 {
		where = append(where, "change >= ?")
		args = append(args, f.MinChange)
	}
	if f.MaxChange > 0 {
		where = append(where, "change <= ?")
		args = append(args, f.MaxChange)
	}
	if !f.ModifiedAfter.IsZero() {
		where = append(where, "update_time > ?")
		args = append(args, formatTime(f.ModifiedAfter))
	}

	query := "SELECT id, doc FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY create_time DESC, id DESC"
	count := f.Count
	if count <= 0 {
		count = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, count, f.Index)

	return s.queryJobs(ctx, query, args...)
}

func (s *SQLite) GetDispatchQueue(ctx context.Context) ([]*job.Job, error) {
	return s.queryJobs(ctx, `SELECT id, doc FROM jobs
		WHERE schedule_priority > 0
		ORDER BY schedule_priority DESC, create_time ASC, id ASC`)
}

func (s *SQLite) TryUpdate(ctx context.Context, j *job.Job) (bool, error) {
	doc, err := json.Marshal(j)
	if err != nil {
		return false, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	res, err := s.db.Write.ExecContext(ctx, `UPDATE jobs
		SET stream_id = ?, template_id = ?, change = ?, schedule_priority = ?,
			update_time = ?, update_index = ?, doc = ?
		WHERE id = ? AND update_index = ?`,
		j.StreamID, j.TemplateID, j.Change, j.SchedulePriority,
		formatTime(j.UpdateTime), j.UpdateIndex, string(doc),
		j.ID, j.UpdateIndex-1)
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", j.ID, err)
	}
	return n == 1, nil
}

func (s *SQLite) Delete(ctx context.Context, id string, expectedIndex int) (bool, error) {
	res, err := s.db.Write.ExecContext(ctx,
		"DELETE FROM jobs WHERE id = ? AND update_index = ?", id, expectedIndex)
	if err != nil {
		return false, fmt.Errorf("delete job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete job %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) queryJobs(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.Read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		j, err := decodeJob(id, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func decodeJob(id, doc string) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal([]byte(doc), &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
