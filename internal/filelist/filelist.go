// Package filelist stores the browser's file list on the server so every
// client sees the same uploads. Entries are free-form JSON objects; the task
// manager keeps the entries it owns in sync keyed by "taskId".
package filelist

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"mineruweb/internal/task"
)

// Entry is one file list item.
type Entry map[string]interface{}

// TaskID returns the entry's "taskId" or "".
func (e Entry) TaskID() string {
	if s, ok := e["taskId"].(string); ok {
		return s
	}
	return ""
}

// Store keeps the list in the "file_list" table, one row per position.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// NewStore returns a Store over an initialised database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Load returns the list in order. An empty table yields an empty list.
func (s *Store) Load() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() ([]Entry, error) {
	rows, err := s.db.Query("SELECT data FROM file_list ORDER BY position ASC")
	if err != nil {
		return nil, fmt.Errorf("query file list: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan file list: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil || e == nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Save replaces the whole list.
func (s *Store) Save(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(entries)
}

func (s *Store) save(entries []Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM file_list"); err != nil {
		return fmt.Errorf("clear file list: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO file_list (position, task_id, data) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry %d: %w", i, err)
		}
		if _, err := stmt.Exec(i, e.TaskID(), string(data)); err != nil {
			return fmt.Errorf("insert entry %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// UpsertTask updates the entry for t, or appends a new one.
func (s *Store) UpsertTask(t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	fields := taskFields(t)
	for _, e := range entries {
		if e.TaskID() == t.ID {
			for k, v := range fields {
				e[k] = v
			}
			return s.save(entries)
		}
	}
	e := Entry{
		"name":       t.Filename,
		"size":       t.Size,
		"uploadTime": t.UploadTime.Format(time.RFC3339Nano),
		"taskId":     t.ID,
	}
	for k, v := range fields {
		e[k] = v
	}
	return s.save(append(entries, e))
}

// RemoveTask drops the entries that belong to a task.
func (s *Store) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM file_list WHERE task_id = ?", id); err != nil {
		return fmt.Errorf("remove task %s from file list: %w", id, err)
	}
	return nil
}

func taskFields(t *task.Task) map[string]interface{} {
	return map[string]interface{}{
		"status":         string(t.Status),
		"progress":       t.Progress,
		"message":        t.Message,
		"startTime":      timeValue(t.StartTime),
		"endTime":        timeValue(t.EndTime),
		"processingTime": t.ProcessingSeconds(),
		"errorMessage":   t.ErrorMessage,
		"outputDir":      t.ResultPath,
	}
}

func timeValue(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
