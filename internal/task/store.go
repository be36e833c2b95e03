package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists task records.
type Store interface {
	Save(t *Task) error
	Delete(id string) error
	LoadAll() ([]*Task, error)
}

// SQLStore keeps tasks in the SQLite "tasks" table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore returns a Store over an initialised database (see db.InitDB).
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Save inserts or replaces the task record.
func (s *SQLStore) Save(t *Task) error {
	opts, err := json.Marshal(t.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO tasks
		(id, filename, size, upload_time, status, progress, message, start_time, end_time,
		 result_path, error_message, source_path, options)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 filename=excluded.filename, size=excluded.size, upload_time=excluded.upload_time,
		 status=excluded.status, progress=excluded.progress, message=excluded.message,
		 start_time=excluded.start_time, end_time=excluded.end_time,
		 result_path=excluded.result_path, error_message=excluded.error_message,
		 source_path=excluded.source_path, options=excluded.options`,
		t.ID, t.Filename, t.Size, t.UploadTime.Format(time.RFC3339Nano), string(t.Status),
		t.Progress, t.Message, timeColumn(t.StartTime), timeColumn(t.EndTime),
		t.ResultPath, t.ErrorMessage, t.SourcePath, string(opts))
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// Delete removes the task record. Deleting an unknown id is not an error.
func (s *SQLStore) Delete(id string) error {
	if _, err := s.db.Exec("DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// LoadAll returns every persisted task ordered by upload time.
func (s *SQLStore) LoadAll() ([]*Task, error) {
	rows, err := s.db.Query(`SELECT id, filename, size, upload_time, status, progress, message,
		start_time, end_time, result_path, error_message, source_path, options
		FROM tasks ORDER BY upload_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var (
			t                  Task
			uploadTime, status string
			start, end         sql.NullString
			opts               sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Filename, &t.Size, &uploadTime, &status, &t.Progress,
			&t.Message, &start, &end, &t.ResultPath, &t.ErrorMessage, &t.SourcePath, &opts); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = Status(status)
		if t.UploadTime, err = time.Parse(time.RFC3339Nano, uploadTime); err != nil {
			return nil, fmt.Errorf("task %s upload_time: %w", t.ID, err)
		}
		t.StartTime = parseTimeColumn(start)
		t.EndTime = parseTimeColumn(end)
		if opts.Valid && opts.String != "" {
			if err := json.Unmarshal([]byte(opts.String), &t.Options); err != nil {
				return nil, fmt.Errorf("task %s options: %w", t.ID, err)
			}
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func timeColumn(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTimeColumn(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// memoryStore is a Store that keeps nothing; used when no database is configured.
type memoryStore struct{}

func (memoryStore) Save(*Task) error { return nil }
func (memoryStore) Delete(string) error { return nil }
func (memoryStore) LoadAll() ([]*Task, error) { return nil, nil }
