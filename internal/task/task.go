// Package task tracks document conversion requests and runs them through a
// single-worker FIFO queue.
package task

import (
	"encoding/json"
	"errors"
	"time"

	"mineruweb/internal/engine"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// QueueStatus is the state of the background worker.
type QueueStatus string

const (
	QueueIdle    QueueStatus = "idle"
	QueueRunning QueueStatus = "running"
	QueuePaused  QueueStatus = "paused"
)

// User-facing progress messages.
const (
	MsgQueued      = "已加入队列"
	MsgStarted     = "开始处理文件"
	MsgParsing     = "正在解析文件"
	MsgProcessing  = "正在处理文件内容"
	MsgGenerating  = "处理完成，生成结果文件"
	MsgParseDone   = "PDF解析完成，生成输出文件"
	MsgCompleted   = "转换完成"
	MsgFailed      = "处理失败"
	MsgNoGPUMemory = "显存不足，无法处理文件"
	MsgInterrupted = "服务重启，任务中断"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrBusy is returned when an operation is not allowed while the task is processing.
	ErrBusy = errors.New("task is processing")
	// ErrInvalidState is returned when a transition is not allowed from the current status.
	ErrInvalidState = errors.New("invalid task state")
)

// Task is one file's conversion request.
type Task struct {
	ID           string
	Filename     string
	Size         int64
	UploadTime   time.Time
	Status       Status
	Progress     int
	Message      string
	StartTime    *time.Time
	EndTime      *time.Time
	ResultPath   string
	ErrorMessage string
	SourcePath   string
	Options      engine.Options
}

// ProcessingSeconds returns the elapsed processing time once both ends are known.
func (t *Task) ProcessingSeconds() *float64 {
	if t.StartTime == nil || t.EndTime == nil {
		return nil
	}
	d := t.EndTime.Sub(*t.StartTime).Seconds()
	return &d
}

type taskJSON struct {
	TaskID       string  `json:"task_id"`
	Filename     string  `json:"filename"`
	Size         int64   `json:"size"`
	UploadTime   string  `json:"upload_time"`
	Status       Status  `json:"status"`
	Progress     int     `json:"progress"`
	Message      string  `json:"message"`
	StartTime    *string `json:"start_time"`
	EndTime      *string `json:"end_time"`
	ResultPath   *string `json:"result_path"`
	ErrorMessage *string `json:"error_message"`
}

// MarshalJSON renders the task in the API's snake_case form with ISO-8601
// times and nulls for unset values.
func (t Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskJSON{
		TaskID:       t.ID,
		Filename:     t.Filename,
		Size:         t.Size,
		UploadTime:   t.UploadTime.Format(time.RFC3339Nano),
		Status:       t.Status,
		Progress:     t.Progress,
		Message:      t.Message,
		StartTime:    formatTime(t.StartTime),
		EndTime:      formatTime(t.EndTime),
		ResultPath:   nullable(t.ResultPath),
		ErrorMessage: nullable(t.ErrorMessage),
	})
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (t *Task) clone() *Task {
	c := *t
	if t.StartTime != nil {
		st := *t.StartTime
		c.StartTime = &st
	}
	if t.EndTime != nil {
		et := *t.EndTime
		c.EndTime = &et
	}
	return &c
}
