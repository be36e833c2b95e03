package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mineruweb/internal/engine"
	"mineruweb/internal/files"
)

// Parser runs the external conversion for one stored upload and returns the
// directory holding the generated Markdown.
type Parser interface {
	Parse(ctx context.Context, sourcePath, filename string, opts engine.Options) (string, error)
}

// ResourceGuard gates processing on accelerator memory and releases it afterwards.
type ResourceGuard interface {
	CheckAvailable(ctx context.Context) bool
	Cleanup()
}

// FileListSyncer mirrors task state into the shared client file list.
type FileListSyncer interface {
	UpsertTask(t *Task) error
	RemoveTask(id string) error
}

// Settings tunes the worker.
type Settings struct {
	UploadDir           string
	OutputDir           string
	PollInterval        time.Duration
	ProgressTick        time.Duration
	ProgressStep        int
	SimulateWhenMissing bool
	SimulateDelay       time.Duration
	ParseTimeout        time.Duration
}

// Deps are the collaborators of a Manager. Nil fields get harmless defaults.
type Deps struct {
	Store    Store
	FileList FileListSyncer
	Parser   Parser
	Guard    ResourceGuard
	Logger   *zap.Logger
}

// QueueState is a snapshot of the queue for the API.
type QueueState struct {
	Status      QueueStatus    `json:"queue_status"`
	CurrentTask string         `json:"current_task"`
	Queued      []string       `json:"queued_tasks"`
	Counts      map[Status]int `json:"counts"`
	Total       int            `json:"total"`
}

// Manager owns all tasks and the single background worker.
type Manager struct {
	mu            sync.RWMutex
	tasks         map[string]*Task
	queueStatus   QueueStatus
	current       string
	workerRunning bool
	wake          chan struct{}

	// processMu is held by the worker for as long as it runs, so at most one
	// task is ever processing.
	processMu sync.Mutex

	store    Store
	fileList FileListSyncer
	parser   Parser
	guard    ResourceGuard
	logger   *zap.Logger
	settings Settings
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager with an idle queue.
func NewManager(deps Deps, settings Settings) *Manager {
	if deps.Store == nil {
		deps.Store = memoryStore{}
	}
	if deps.Guard == nil {
		deps.Guard = noopGuard{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = time.Second
	}
	if settings.ProgressTick <= 0 {
		settings.ProgressTick = 2 * time.Second
	}
	if settings.ProgressStep <= 0 {
		settings.ProgressStep = 2
	}
	if settings.UploadDir == "" {
		settings.UploadDir = settings.OutputDir
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		tasks:       make(map[string]*Task),
		queueStatus: QueueIdle,
		wake:        make(chan struct{}, 1),
		store:       deps.Store,
		fileList:    deps.FileList,
		parser:      deps.Parser,
		guard:       deps.Guard,
		logger:      deps.Logger,
		settings:    settings,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Load restores persisted tasks. Tasks that were processing when the service
// stopped are marked failed; queued tasks stay queued and, when any exist and
// autoStart is set, the queue is started.
func (m *Manager) Load(autoStart bool) error {
	tasks, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	m.mu.Lock()
	queued := 0
	for _, t := range tasks {
		m.tasks[t.ID] = t
		switch t.Status {
		case StatusProcessing:
			m.updateLocked(t, StatusFailed, intPtr(0), strPtr(MsgFailed), strPtr(MsgInterrupted))
		case StatusQueued:
			queued++
		}
	}
	m.mu.Unlock()

	m.logger.Info("tasks restored", zap.Int("total", len(tasks)), zap.Int("queued", queued))
	if queued > 0 && autoStart {
		m.Start()
	}
	return nil
}

// Create registers a new pending task. When sourcePath is empty the upload is
// expected at <upload dir>/<id>_<sanitized filename>.
func (m *Manager) Create(filename string, size int64, sourcePath string, opts engine.Options) (*Task, error) {
	t := &Task{
		ID:         uuid.NewString(),
		Filename:   filename,
		Size:       size,
		UploadTime: m.now(),
		Status:     StatusPending,
		Options:    opts,
	}
	if sourcePath == "" {
		sourcePath = filepath.Join(m.settings.UploadDir, t.ID+"_"+files.SanitizeFilename(filename))
	}
	t.SourcePath = sourcePath

	if err := m.store.Save(t); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	return t.clone(), nil
}

// Get returns a copy of the task.
func (m *Manager) Get(id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.clone(), nil
}

// All returns copies of every task ordered by upload time.
func (m *Manager) All() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UploadTime.Before(out[j].UploadTime)
	})
	return out
}

// UpdateStatus moves a task to status and sets whichever of progress,
// message and errMsg are non-nil.
func (m *Manager) UpdateStatus(id string, status Status, progress *int, message, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	m.updateLocked(t, status, progress, message, errMsg)
	return nil
}

// updateLocked applies a transition. Caller must hold m.mu.
func (m *Manager) updateLocked(t *Task, status Status, progress *int, message, errMsg *string) {
	prev := t.Status
	now := m.now()

	t.Status = status
	if progress != nil {
		p := clamp(*progress, 0, 100)
		// Progress never moves backwards while a task keeps processing.
		if !(prev == StatusProcessing && status == StatusProcessing && p < t.Progress) {
			t.Progress = p
		}
	}
	if message != nil {
		t.Message = *message
	}
	if errMsg != nil {
		t.ErrorMessage = *errMsg
	}

	mirror := false
	switch {
	case status == StatusProcessing && t.StartTime == nil:
		t.StartTime = &now
		mirror = true
	case status.Terminal():
		if t.StartTime == nil {
			st := t.UploadTime
			t.StartTime = &st
		}
		if t.EndTime == nil {
			t.EndTime = &now
		}
		mirror = true
	case status == StatusQueued:
		mirror = true
	}

	if err := m.store.Save(t); err != nil {
		m.logger.Error("persist task failed", zap.String("task_id", t.ID), zap.Error(err))
	}
	if mirror && m.fileList != nil {
		if err := m.fileList.UpsertTask(t.clone()); err != nil {
			m.logger.Warn("sync task to file list failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
}

// QueuedIDs returns queued task ids oldest first.
func (m *Manager) QueuedIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queuedLocked()
}

func (m *Manager) queuedLocked() []string {
	var queued []*Task
	for _, t := range m.tasks {
		if t.Status == StatusQueued {
			queued = append(queued, t)
		}
	}
	sort.SliceStable(queued, func(i, j int) bool {
		if queued[i].UploadTime.Equal(queued[j].UploadTime) {
			return queued[i].ID < queued[j].ID
		}
		return queued[i].UploadTime.Before(queued[j].UploadTime)
	})
	ids := make([]string, len(queued))
	for i, t := range queued {
		ids[i] = t.ID
	}
	return ids
}

// Next returns the id of the oldest queued task, or "".
func (m *Manager) Next() string {
	ids := m.QueuedIDs()
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// Enqueue moves a pending task into the queue and starts the queue if idle.
func (m *Manager) Enqueue(id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if t.Status != StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot enqueue %s task", ErrInvalidState, t.Status)
	}
	m.updateLocked(t, StatusQueued, nil, strPtr(MsgQueued), nil)
	idle := m.queueStatus == QueueIdle
	m.mu.Unlock()

	m.logger.Info("task queued", zap.String("task_id", id))
	if idle {
		m.Start()
	} else {
		m.signal()
	}
	return nil
}

// Start moves an idle queue to running and launches the worker if none is
// alive. A paused queue is resumed.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.queueStatus {
	case QueueIdle:
		m.queueStatus = QueueRunning
		m.logger.Info("queue started")
	case QueuePaused:
		m.queueStatus = QueueRunning
		m.logger.Info("queue resumed")
	}
	if !m.workerRunning {
		m.workerRunning = true
		m.wg.Add(1)
		go m.worker()
	}
	m.signal()
}

// Stop sets the queue idle. A task already processing runs to completion,
// then the worker exits.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.queueStatus = QueueIdle
	m.current = ""
	m.mu.Unlock()
	m.signal()
	m.logger.Info("queue stopped")
}

// Pause keeps the worker alive but stops it from taking new tasks.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueStatus == QueueRunning {
		m.queueStatus = QueuePaused
		m.logger.Info("queue paused")
	}
}

// Resume continues a paused queue.
func (m *Manager) Resume() {
	m.mu.Lock()
	paused := m.queueStatus == QueuePaused
	m.mu.Unlock()
	if paused {
		m.Start()
	}
}

// State returns a snapshot of the queue.
func (m *Manager) State() QueueState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Status]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	queued := m.queuedLocked()
	if queued == nil {
		queued = []string{}
	}
	return QueueState{
		Status:      m.queueStatus,
		CurrentTask: m.current,
		Queued:      queued,
		Counts:      counts,
		Total:       len(m.tasks),
	}
}

// Delete removes a task that is not processing, along with its stored upload
// and result directory.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if t.Status == StatusProcessing || m.current == id {
		m.mu.Unlock()
		return ErrBusy
	}
	delete(m.tasks, id)
	m.mu.Unlock()

	if err := m.store.Delete(id); err != nil {
		return err
	}
	if m.fileList != nil {
		if err := m.fileList.RemoveTask(id); err != nil {
			m.logger.Warn("remove task from file list failed", zap.String("task_id", id), zap.Error(err))
		}
	}
	if t.SourcePath != "" {
		os.Remove(t.SourcePath)
	}
	if dir := m.resultRoot(t.ResultPath); dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("remove result dir failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	m.logger.Info("task deleted", zap.String("task_id", id))
	return nil
}

// resultRoot maps <output>/<name>/<method> to <output>/<name>. Paths outside
// the output directory yield "".
func (m *Manager) resultRoot(resultPath string) string {
	if resultPath == "" || m.settings.OutputDir == "" {
		return ""
	}
	rel, err := filepath.Rel(m.settings.OutputDir, resultPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	return filepath.Join(m.settings.OutputDir, first)
}

// Retry resets a failed task and puts it back in the queue.
func (m *Manager) Retry(id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if t.Status != StatusFailed {
		m.mu.Unlock()
		return fmt.Errorf("%w: only failed tasks can be retried", ErrInvalidState)
	}
	t.Progress = 0
	t.StartTime = nil
	t.EndTime = nil
	t.ResultPath = ""
	m.updateLocked(t, StatusPending, nil, strPtr(""), strPtr(""))
	m.mu.Unlock()
	return m.Enqueue(id)
}

// PurgeFinishedBefore deletes terminal tasks that ended before cutoff and
// returns how many were removed.
func (m *Manager) PurgeFinishedBefore(cutoff time.Time) int {
	var ids []string
	m.mu.RLock()
	for id, t := range m.tasks {
		if t.Status.Terminal() && t.EndTime != nil && t.EndTime.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if err := m.Delete(id); err == nil {
			n++
		}
	}
	return n
}

// Shutdown stops the queue and waits for the worker to exit or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Stop()
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	m.processMu.Lock()
	defer m.processMu.Unlock()

	for {
		m.mu.Lock()
		if m.queueStatus == QueueIdle || m.ctx.Err() != nil {
			m.workerRunning = false
			m.mu.Unlock()
			return
		}
		next := ""
		if m.queueStatus == QueueRunning {
			if ids := m.queuedLocked(); len(ids) > 0 {
				next = ids[0]
				m.current = next
			}
		}
		m.mu.Unlock()

		if next == "" {
			select {
			case <-m.ctx.Done():
			case <-m.wake:
			case <-time.After(m.settings.PollInterval):
			}
			continue
		}
		m.runTask(next)
	}
}

// runTask processes one task and marks it failed on any error or panic.
func (m *Manager) runTask(id string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task panicked", zap.String("task_id", id), zap.Any("panic", r))
			m.fail(id, fmt.Errorf("panic: %v", r))
		}
		m.mu.Lock()
		if m.current == id {
			m.current = ""
		}
		m.mu.Unlock()
		m.guard.Cleanup()
	}()

	if err := m.processSingle(m.ctx, id); err != nil {
		if m.ctx.Err() != nil {
			m.logger.Warn("task interrupted by shutdown", zap.String("task_id", id), zap.Error(err))
			m.fail(id, errors.New(MsgInterrupted))
			return
		}
		m.logger.Error("task failed", zap.String("task_id", id), zap.Error(err))
		m.fail(id, err)
	}
}

func (m *Manager) fail(id string, err error) {
	m.UpdateStatus(id, StatusFailed, intPtr(0), strPtr(MsgFailed), strPtr(err.Error()))
}

func (m *Manager) set(id string, status Status, progress int, message string) {
	m.UpdateStatus(id, status, &progress, &message, nil)
}

var errNoGPUMemory = errors.New(MsgNoGPUMemory)

func (m *Manager) processSingle(ctx context.Context, id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	m.set(id, StatusProcessing, 20, MsgStarted)

	src := m.locateSource(t)
	if src == "" {
		if !m.settings.SimulateWhenMissing {
			return fmt.Errorf("上传文件不存在: %s", t.Filename)
		}
		return m.simulate(ctx, id)
	}

	if !m.guard.CheckAvailable(ctx) {
		return errNoGPUMemory
	}
	if m.parser == nil {
		return errors.New("no parsing engine configured")
	}

	m.set(id, StatusProcessing, 30, MsgParsing)
	resultPath, err := m.runParse(ctx, id, src, t)
	if err != nil {
		return err
	}

	m.set(id, StatusProcessing, 80, MsgGenerating)
	m.mu.Lock()
	if cur, ok := m.tasks[id]; ok {
		cur.ResultPath = resultPath
	}
	m.mu.Unlock()
	m.set(id, StatusCompleted, 100, MsgCompleted)

	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("remove upload failed", zap.String("path", src), zap.Error(err))
	}
	m.logger.Info("task completed", zap.String("task_id", id), zap.String("result", resultPath))
	return nil
}

// runParse runs the parser and the progress simulator side by side.
func (m *Manager) runParse(ctx context.Context, id, src string, t *Task) (string, error) {
	if m.settings.ParseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.settings.ParseTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	var resultPath string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("parser panicked", zap.String("task_id", id), zap.Any("panic", r))
				err = fmt.Errorf("parse %s: panic: %v", t.Filename, r)
			}
		}()
		p, err := m.parser.Parse(gctx, src, t.Filename, t.Options)
		if err != nil {
			return fmt.Errorf("parse %s: %w", t.Filename, err)
		}
		resultPath = p
		return nil
	})
	g.Go(func() error {
		m.simulateProgress(gctx, id, done)
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	m.set(id, StatusProcessing, 95, MsgParseDone)
	return resultPath, nil
}

// simulateProgress advances progress by step every tick, capped at 90,
// until done is closed.
func (m *Manager) simulateProgress(ctx context.Context, id string, done <-chan struct{}) {
	ticker := time.NewTicker(m.settings.ProgressTick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			t, ok := m.tasks[id]
			if !ok || t.Status != StatusProcessing {
				m.mu.Unlock()
				return
			}
			next := t.Progress + m.settings.ProgressStep
			if next > 90 {
				next = 90
			}
			if next > t.Progress {
				msg := fmt.Sprintf("正在处理PDF内容... (%d%%)", next)
				m.updateLocked(t, StatusProcessing, &next, &msg, nil)
			}
			m.mu.Unlock()
		}
	}
}

// simulate walks a task to completion when its upload is missing.
func (m *Manager) simulate(ctx context.Context, id string) error {
	steps := []struct {
		progress int
		message  string
	}{
		{30, MsgParsing},
		{50, MsgProcessing},
		{80, MsgGenerating},
	}
	for _, s := range steps {
		m.set(id, StatusProcessing, s.progress, s.message)
		if err := sleepCtx(ctx, m.settings.SimulateDelay); err != nil {
			return err
		}
	}
	m.set(id, StatusCompleted, 100, MsgCompleted)
	m.logger.Info("task completed (simulated)", zap.String("task_id", id))
	return nil
}

func (m *Manager) locateSource(t *Task) string {
	if t.SourcePath != "" {
		if _, err := os.Stat(t.SourcePath); err == nil {
			return t.SourcePath
		}
	}
	matches, _ := filepath.Glob(filepath.Join(m.settings.UploadDir, t.ID+"_*"))
	if len(matches) > 0 {
		return matches[0]
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type noopGuard struct{}

func (noopGuard) CheckAvailable(context.Context) bool { return true }
func (noopGuard) Cleanup()                             {}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func intPtr(v int) *int       { return &v }
func strPtr(s string) *string { return &s }
