package task

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"mineruweb/internal/db"
	"mineruweb/internal/engine"
)

type fakeParser struct {
	delay  time.Duration
	err    error
	out    string
	called atomic.Int32
}

func (p *fakeParser) Parse(ctx context.Context, src, filename string, opts engine.Options) (string, error) {
	p.called.Add(1)
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if p.err != nil {
		return "", p.err
	}
	return p.out, nil
}

// panickingParser panics for one file name, as pdfcpu does on some
// malformed PDFs, and succeeds for every other file.
type panickingParser struct {
	bad string
	out string
}

func (p *panickingParser) Parse(ctx context.Context, src, filename string, opts engine.Options) (string, error) {
	if filename == p.bad {
		var xref []int
		_ = xref[len(xref)-1]
	}
	return p.out, nil
}

type fakeGuard struct {
	available bool
	cleanups  atomic.Int32
}

func (g *fakeGuard) CheckAvailable(context.Context) bool { return g.available }
func (g *fakeGuard) Cleanup()                             { g.cleanups.Add(1) }

type recordingList struct {
	mu      sync.Mutex
	synced  []Status
	removed []string
}

func (r *recordingList) UpsertTask(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = append(r.synced, t.Status)
	return nil
}

func (r *recordingList) RemoveTask(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
	return nil
}

func (r *recordingList) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.synced...)
}

func testSettings(dir string) Settings {
	return Settings{
		UploadDir:           dir,
		OutputDir:           dir,
		PollInterval:        10 * time.Millisecond,
		ProgressTick:        5 * time.Millisecond,
		ProgressStep:        2,
		SimulateWhenMissing: true,
	}
}

func newTestManager(t *testing.T, deps Deps) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m := NewManager(deps, testSettings(dir))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, dir
}

// createWithUpload creates a task and writes its upload file.
func createWithUpload(t *testing.T, m *Manager, name string) *Task {
	t.Helper()
	tk, err := m.Create(name, 4, "", engine.Options{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tk.SourcePath, []byte("%PDF"), 0644))
	return tk
}

func waitStatus(t *testing.T, m *Manager, id string, want Status) *Task {
	t.Helper()
	var got *Task
	require.Eventually(t, func() bool {
		got, _ = m.Get(id)
		return got != nil && got.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return got
}

func TestCreate_Pending(t *testing.T) {
	m, dir := newTestManager(t, Deps{})
	tk, err := m.Create("../报告 1.pdf", 10, "", engine.Options{Backend: "pipeline"})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, tk.Status)
	assert.Zero(t, tk.Progress)
	assert.Nil(t, tk.StartTime)
	assert.Equal(t, dir, filepath.Dir(tk.SourcePath))
	assert.Equal(t, tk.ID+"_"+"报告_1.pdf", filepath.Base(tk.SourcePath))

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus_Timestamps(t *testing.T) {
	list := &recordingList{}
	m, _ := newTestManager(t, Deps{FileList: list})
	clock := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	m.now = func() time.Time { return clock }

	tk, err := m.Create("a.pdf", 1, "", engine.Options{})
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	require.NoError(t, m.UpdateStatus(tk.ID, StatusProcessing, intPtr(20), strPtr(MsgStarted), nil))
	got, _ := m.Get(tk.ID)
	require.NotNil(t, got.StartTime)
	started := *got.StartTime

	clock = clock.Add(time.Minute)
	require.NoError(t, m.UpdateStatus(tk.ID, StatusProcessing, intPtr(40), nil, nil))
	got, _ = m.Get(tk.ID)
	assert.Equal(t, started, *got.StartTime, "start time stamped once")

	clock = clock.Add(time.Minute)
	require.NoError(t, m.UpdateStatus(tk.ID, StatusCompleted, intPtr(100), strPtr(MsgCompleted), nil))
	got, _ = m.Get(tk.ID)
	require.NotNil(t, got.EndTime)
	ended := *got.EndTime

	clock = clock.Add(time.Minute)
	require.NoError(t, m.UpdateStatus(tk.ID, StatusFailed, nil, nil, strPtr("late")))
	got, _ = m.Get(tk.ID)
	assert.Equal(t, ended, *got.EndTime, "end time stamped once")
	assert.Equal(t, 2*time.Minute.Seconds(), *got.ProcessingSeconds())

	// pending update is not mirrored; processing, completed and failed are.
	assert.Equal(t, []Status{StatusProcessing, StatusCompleted, StatusFailed}, list.statuses())
}

func TestUpdateStatus_TerminalWithoutStartUsesUploadTime(t *testing.T) {
	m, _ := newTestManager(t, Deps{})
	tk, err := m.Create("a.pdf", 1, "", engine.Options{})
	require.NoError(t, err)

	require.NoError(t, m.UpdateStatus(tk.ID, StatusFailed, intPtr(0), nil, strPtr("boom")))
	got, _ := m.Get(tk.ID)
	require.NotNil(t, got.StartTime)
	assert.True(t, got.StartTime.Equal(got.UploadTime))
	assert.Equal(t, "boom", got.ErrorMessage)
}

func TestUpdateStatus_ProgressMonotonicWhileProcessing(t *testing.T) {
	m, _ := newTestManager(t, Deps{})
	tk, _ := m.Create("a.pdf", 1, "", engine.Options{})

	m.set(tk.ID, StatusProcessing, 95, "done parsing")
	m.set(tk.ID, StatusProcessing, 80, MsgGenerating)
	got, _ := m.Get(tk.ID)
	assert.Equal(t, 95, got.Progress)
	assert.Equal(t, MsgGenerating, got.Message, "message still updates")

	m.set(tk.ID, StatusFailed, 0, MsgFailed)
	got, _ = m.Get(tk.ID)
	assert.Zero(t, got.Progress, "failure resets progress")

	assert.ErrorIs(t, m.UpdateStatus("nope", StatusFailed, nil, nil, nil), ErrNotFound)
}

func TestQueuedIDs_FIFO(t *testing.T) {
	m, _ := newTestManager(t, Deps{})
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i, off := range []int{3, 1, 2} {
		m.now = func() time.Time { return base.Add(time.Duration(off) * time.Second) }
		tk, err := m.Create("f.pdf", int64(i), "", engine.Options{})
		require.NoError(t, err)
		ids = append(ids, tk.ID)
	}
	// Queue directly without starting the worker.
	for _, id := range ids {
		require.NoError(t, m.UpdateStatus(id, StatusQueued, nil, strPtr(MsgQueued), nil))
	}
	assert.Equal(t, []string{ids[1], ids[2], ids[0]}, m.QueuedIDs())
	assert.Equal(t, ids[1], m.Next())
}

func TestEnqueue_OnlyPending(t *testing.T) {
	m, _ := newTestManager(t, Deps{Parser: &fakeParser{out: "x"}})
	tk, _ := m.Create("a.pdf", 1, "", engine.Options{})
	require.NoError(t, m.UpdateStatus(tk.ID, StatusFailed, nil, nil, nil))

	err := m.Enqueue(tk.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, QueueIdle, m.State().Status)
	assert.ErrorIs(t, m.Enqueue("nope"), ErrNotFound)
}

func TestWorker_ProcessesToCompletion(t *testing.T) {
	parser := &fakeParser{delay: 50 * time.Millisecond}
	guard := &fakeGuard{available: true}
	list := &recordingList{}
	m, dir := newTestManager(t, Deps{Parser: parser, Guard: guard, FileList: list})
	parser.out = filepath.Join(dir, "a_250101_000000", "auto")

	tk := createWithUpload(t, m, "a.pdf")
	require.NoError(t, m.Enqueue(tk.ID))

	got := waitStatus(t, m, tk.ID, StatusCompleted)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, MsgCompleted, got.Message)
	assert.Equal(t, parser.out, got.ResultPath)
	assert.NotNil(t, got.EndTime)
	assert.NoFileExists(t, tk.SourcePath, "upload removed after success")
	assert.Equal(t, int32(1), parser.called.Load())
	assert.Eventually(t, func() bool { return guard.cleanups.Load() >= 1 }, time.Second, 5*time.Millisecond)

	st := list.statuses()
	assert.Equal(t, StatusQueued, st[0])
	assert.Equal(t, StatusCompleted, st[len(st)-1])

	// The worker stays alive and picks up later tasks.
	tk2 := createWithUpload(t, m, "b.pdf")
	require.NoError(t, m.Enqueue(tk2.ID))
	waitStatus(t, m, tk2.ID, StatusCompleted)
	assert.Equal(t, QueueRunning, m.State().Status)
}

func TestWorker_ParserErrorMarksFailed(t *testing.T) {
	parser := &fakeParser{err: errors.New("mineru exited 1")}
	m, _ := newTestManager(t, Deps{Parser: parser})

	tk := createWithUpload(t, m, "bad.pdf")
	ok := createWithUpload(t, m, "ok.pdf")
	require.NoError(t, m.Enqueue(tk.ID))
	require.NoError(t, m.Enqueue(ok.ID))

	got := waitStatus(t, m, tk.ID, StatusFailed)
	assert.Zero(t, got.Progress)
	assert.Equal(t, MsgFailed, got.Message)
	assert.Contains(t, got.ErrorMessage, "mineru exited 1")
	assert.FileExists(t, tk.SourcePath, "upload kept on failure")

	// Failure does not stop the queue.
	waitStatus(t, m, ok.ID, StatusFailed)
}

func TestWorker_ParserPanicMarksFailedAndContinues(t *testing.T) {
	parser := &panickingParser{bad: "truncated.pdf"}
	m, dir := newTestManager(t, Deps{Parser: parser})
	parser.out = filepath.Join(dir, "good_250101_000000", "auto")

	bad := createWithUpload(t, m, "truncated.pdf")
	good := createWithUpload(t, m, "good.pdf")
	require.NoError(t, m.Enqueue(bad.ID))
	require.NoError(t, m.Enqueue(good.ID))

	got := waitStatus(t, m, bad.ID, StatusFailed)
	assert.Zero(t, got.Progress)
	assert.Contains(t, got.ErrorMessage, "panic")

	done := waitStatus(t, m, good.ID, StatusCompleted)
	assert.Equal(t, parser.out, done.ResultPath)
	assert.Equal(t, QueueRunning, m.State().Status)
}

// messageStore records every message a task is saved with.
type messageStore struct {
	memoryStore
	mu       sync.Mutex
	messages []string
}

func (s *messageStore) Save(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, t.Message)
	return nil
}

func (s *messageStore) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func TestWorker_ReportsParseDoneBeforeCompleting(t *testing.T) {
	store := &messageStore{}
	m, _ := newTestManager(t, Deps{Store: store, Parser: &fakeParser{}})
	tk := createWithUpload(t, m, "a.pdf")
	require.NoError(t, m.Enqueue(tk.ID))
	waitStatus(t, m, tk.ID, StatusCompleted)

	msgs := store.seen()
	assert.Contains(t, msgs, MsgParsing)
	assert.Contains(t, msgs, MsgParseDone)
	assert.Equal(t, MsgCompleted, msgs[len(msgs)-1])
}

func TestShutdown_MarksInFlightTaskInterrupted(t *testing.T) {
	parser := &fakeParser{delay: time.Minute}
	m, _ := newTestManager(t, Deps{Parser: parser})

	tk := createWithUpload(t, m, "long.pdf")
	require.NoError(t, m.Enqueue(tk.ID))
	waitStatus(t, m, tk.ID, StatusProcessing)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	got, err := m.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, MsgInterrupted, got.ErrorMessage)
}

func TestWorker_InsufficientGPUMemory(t *testing.T) {
	parser := &fakeParser{out: "x"}
	guard := &fakeGuard{available: false}
	m, _ := newTestManager(t, Deps{Parser: parser, Guard: guard})

	tk := createWithUpload(t, m, "a.pdf")
	require.NoError(t, m.Enqueue(tk.ID))

	got := waitStatus(t, m, tk.ID, StatusFailed)
	assert.Equal(t, MsgNoGPUMemory, got.ErrorMessage)
	assert.Zero(t, parser.called.Load())
	assert.Eventually(t, func() bool { return guard.cleanups.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestWorker_SimulatesWhenUploadMissing(t *testing.T) {
	parser := &fakeParser{out: "x"}
	m, _ := newTestManager(t, Deps{Parser: parser})

	tk, err := m.Create("ghost.pdf", 1, "", engine.Options{})
	require.NoError(t, err)
	require.NoError(t, m.Enqueue(tk.ID))

	got := waitStatus(t, m, tk.ID, StatusCompleted)
	assert.Equal(t, 100, got.Progress)
	assert.Zero(t, parser.called.Load())
}

func TestWorker_MissingUploadFailsWithoutSimulation(t *testing.T) {
	dir := t.TempDir()
	s := testSettings(dir)
	s.SimulateWhenMissing = false
	m := NewManager(Deps{Parser: &fakeParser{}}, s)
	defer m.Shutdown(context.Background())

	tk, _ := m.Create("ghost.pdf", 1, "", engine.Options{})
	require.NoError(t, m.Enqueue(tk.ID))
	got := waitStatus(t, m, tk.ID, StatusFailed)
	assert.Contains(t, got.ErrorMessage, "ghost.pdf")
}

func TestProgressSimulatorCapsAt90(t *testing.T) {
	parser := &fakeParser{delay: 400 * time.Millisecond}
	m, dir := newTestManager(t, Deps{Parser: parser})
	parser.out = dir

	tk := createWithUpload(t, m, "slow.pdf")
	require.NoError(t, m.Enqueue(tk.ID))

	var seen []int
	var last int
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := m.Get(tk.ID)
		if got.Status == StatusCompleted {
			break
		}
		if got.Status == StatusProcessing {
			assert.GreaterOrEqual(t, got.Progress, last, "progress went backwards")
			if got.Progress < 95 {
				assert.LessOrEqual(t, got.Progress, 90)
			}
			last = got.Progress
			seen = append(seen, got.Progress)
		}
		time.Sleep(2 * time.Millisecond)
	}
	waitStatus(t, m, tk.ID, StatusCompleted)
	assert.Contains(t, seen, 90, "simulator should reach its cap on a slow parse")
}

func TestPauseResumeStop(t *testing.T) {
	parser := &fakeParser{out: "x"}
	m, _ := newTestManager(t, Deps{Parser: parser})

	m.Start()
	m.Pause()
	assert.Equal(t, QueuePaused, m.State().Status)

	tk := createWithUpload(t, m, "a.pdf")
	require.NoError(t, m.Enqueue(tk.ID))
	time.Sleep(50 * time.Millisecond)
	got, _ := m.Get(tk.ID)
	assert.Equal(t, StatusQueued, got.Status, "paused queue takes no tasks")

	m.Resume()
	waitStatus(t, m, tk.ID, StatusCompleted)

	m.Stop()
	st := m.State()
	assert.Equal(t, QueueIdle, st.Status)
	assert.Empty(t, st.CurrentTask)
}

func TestRetry(t *testing.T) {
	parser := &fakeParser{err: errors.New("first try fails")}
	m, _ := newTestManager(t, Deps{Parser: parser})

	tk := createWithUpload(t, m, "a.pdf")
	require.NoError(t, m.Enqueue(tk.ID))
	waitStatus(t, m, tk.ID, StatusFailed)

	m.mu.Lock()
	parser.err = nil
	parser.out = "result"
	m.mu.Unlock()

	require.NoError(t, m.Retry(tk.ID))
	got := waitStatus(t, m, tk.ID, StatusCompleted)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, "result", got.ResultPath)

	assert.ErrorIs(t, m.Retry(tk.ID), ErrInvalidState)
}

func TestDelete(t *testing.T) {
	list := &recordingList{}
	m, dir := newTestManager(t, Deps{FileList: list})
	tk := createWithUpload(t, m, "a.pdf")

	resultDir := filepath.Join(dir, "a_250101_000000", "auto")
	require.NoError(t, os.MkdirAll(resultDir, 0755))
	m.mu.Lock()
	m.tasks[tk.ID].ResultPath = resultDir
	m.mu.Unlock()

	require.NoError(t, m.Delete(tk.ID))
	_, err := m.Get(tk.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, tk.SourcePath)
	assert.NoDirExists(t, filepath.Join(dir, "a_250101_000000"))
	assert.Equal(t, []string{tk.ID}, list.removed)

	busy, _ := m.Create("b.pdf", 1, "", engine.Options{})
	m.set(busy.ID, StatusProcessing, 20, MsgStarted)
	assert.ErrorIs(t, m.Delete(busy.ID), ErrBusy)
}

func TestDelete_RefusesTaskPickedByWorker(t *testing.T) {
	m, _ := newTestManager(t, Deps{})
	tk := createWithUpload(t, m, "a.pdf")

	// Selected by the worker but not yet moved to processing.
	m.mu.Lock()
	m.current = tk.ID
	m.mu.Unlock()

	assert.ErrorIs(t, m.Delete(tk.ID), ErrBusy)
	assert.FileExists(t, tk.SourcePath)
	_, err := m.Get(tk.ID)
	assert.NoError(t, err)
}

func TestPurgeFinishedBefore(t *testing.T) {
	m, _ := newTestManager(t, Deps{})
	old, _ := m.Create("old.pdf", 1, "", engine.Options{})
	m.set(old.ID, StatusCompleted, 100, MsgCompleted)
	pending, _ := m.Create("new.pdf", 1, "", engine.Options{})

	n := m.PurgeFinishedBefore(time.Now().Add(time.Hour))
	assert.Equal(t, 1, n)
	_, err := m.Get(old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(pending.ID)
	assert.NoError(t, err)
}

func TestLoad_RestartRecovery(t *testing.T) {
	dir := t.TempDir()
	database, err := db.InitDB(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	defer database.Close()
	store := NewSQLStore(database)

	first := NewManager(Deps{Store: store}, testSettings(dir))
	running, _ := first.Create("running.pdf", 1, "", engine.Options{Backend: "pipeline"})
	waiting, _ := first.Create("waiting.pdf", 1, "", engine.Options{})
	first.set(running.ID, StatusProcessing, 40, MsgParsing)
	require.NoError(t, first.UpdateStatus(waiting.ID, StatusQueued, nil, strPtr(MsgQueued), nil))

	second := NewManager(Deps{Store: store}, testSettings(dir))
	require.NoError(t, second.Load(false))

	got, err := second.Get(running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, MsgInterrupted, got.ErrorMessage)
	assert.NotNil(t, got.EndTime)
	assert.Equal(t, "pipeline", got.Options.Backend)

	assert.Equal(t, []string{waiting.ID}, second.QueuedIDs())
	assert.Equal(t, QueueIdle, second.State().Status)
}

func TestTaskJSON(t *testing.T) {
	tk := Task{
		ID:         "id-1",
		Filename:   "a.pdf",
		UploadTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:     StatusQueued,
		Message:    MsgQueued,
	}
	data, err := json.Marshal(tk)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	for _, key := range []string{"task_id", "filename", "upload_time", "status", "progress",
		"message", "start_time", "end_time", "result_path", "error_message"} {
		assert.Contains(t, out, key)
	}
	assert.Nil(t, out["start_time"])
	assert.Nil(t, out["result_path"])
	assert.Equal(t, "2025-01-01T00:00:00Z", out["upload_time"])
}

func TestProperty_UpdateInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := NewManager(Deps{}, Settings{})
		defer m.Shutdown(context.Background())
		tk, err := m.Create("p.pdf", 1, "", engine.Options{})
		if err != nil {
			rt.Fatal(err)
		}

		statuses := []Status{StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}
		var firstEnd *time.Time
		prev, _ := m.Get(tk.ID)
		n := rapid.IntRange(1, 30).Draw(rt, "n")
		for i := 0; i < n; i++ {
			st := rapid.SampledFrom(statuses).Draw(rt, "status")
			p := rapid.IntRange(-20, 150).Draw(rt, "progress")
			if err := m.UpdateStatus(tk.ID, st, &p, nil, nil); err != nil {
				rt.Fatal(err)
			}
			cur, _ := m.Get(tk.ID)
			if cur.Progress < 0 || cur.Progress > 100 {
				rt.Fatalf("progress out of range: %d", cur.Progress)
			}
			if prev.Status == StatusProcessing && st == StatusProcessing && cur.Progress < prev.Progress {
				rt.Fatalf("progress regressed %d -> %d", prev.Progress, cur.Progress)
			}
			if cur.EndTime != nil {
				if firstEnd == nil {
					firstEnd = cur.EndTime
				} else if !cur.EndTime.Equal(*firstEnd) {
					rt.Fatalf("end time changed")
				}
			}
			if st.Terminal() && cur.StartTime == nil {
				rt.Fatalf("terminal task without start time")
			}
			prev = cur
		}
	})
}
