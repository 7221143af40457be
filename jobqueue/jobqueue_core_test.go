package jobqueue

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func setupTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return NewQueueWithDB(db)
}

// ============================================================================
// JobState Tests
// ============================================================================

func TestJobStateString(t *testing.T) {
	tests := []struct {
		state    JobState
		expected string
	}{
		{StatePending, "Pending"},
		{StateInProgress, "InProgress"},
		{StateCompleted, "Completed"},
		{StateCancelled, "Cancelled"},
		{StateError, "Error"},
		{JobState(99), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("JobState(%d).String() = %q; want %q", tt.state, got, tt.expected)
		}
	}
}

func TestJobStateJSON(t *testing.T) {
	tests := []struct {
		state    JobState
		expected string
	}{
		{StatePending, `"pending"`},
		{StateInProgress, `"in_progress"`},
		{StateCompleted, `"completed"`},
		{StateCancelled, `"cancelled"`},
		{StateError, `"error"`},
	}

	for _, tt := range tests {
		data, err := json.Marshal(tt.state)
		if err != nil {
			t.Fatalf("MarshalJSON(%d) error = %v", tt.state, err)
		}
		if string(data) != tt.expected {
			t.Errorf("MarshalJSON(%d) = %s; want %s", tt.state, data, tt.expected)
		}
		var back JobState
		if err := json.Unmarshal(data, &back); err != nil || back != tt.state {
			t.Errorf("UnmarshalJSON(%s) = %v, %v; want %v", data, back, err, tt.state)
		}
	}

	data, _ := json.Marshal(JobState(99))
	if string(data) != `"unknown"` {
		t.Errorf("MarshalJSON(99) = %s", data)
	}
	var s JobState = StateError
	if err := json.Unmarshal([]byte(`"bogus"`), &s); err != nil || s != StatePending {
		t.Errorf("unknown names should decode to pending, got %v (%v)", s, err)
	}
}

func TestJobStateDone(t *testing.T) {
	if StatePending.Done() || StateInProgress.Done() {
		t.Error("pending and in progress are not terminal")
	}
	if !StateCompleted.Done() || !StateCancelled.Done() || !StateError.Done() {
		t.Error("completed, cancelled and error are terminal")
	}
}

// ============================================================================
// Queue Tests
// ============================================================================

func TestAddJob(t *testing.T) {
	q := setupTestQueue(t)

	id, err := q.AddJob("save-photo", []string{"--meta"}, "/tmp/a.png", nil)
	if err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}
	job := q.GetJob(id)
	if job == nil {
		t.Fatal("GetJob() returned nil")
	}
	if job.State != StatePending {
		t.Errorf("State = %v; want Pending", job.State)
	}
	if job.Lane != "save-photo" {
		t.Errorf("Lane = %q; want command name", job.Lane)
	}
	if job.Ctx == nil || job.Cancel == nil {
		t.Error("job context not initialised")
	}
	select {
	case got := <-q.Signal:
		if got != id {
			t.Errorf("Signal = %q; want %q", got, id)
		}
	default:
		t.Error("AddJob did not signal")
	}
}

func TestAddJobDoesNotBlockOnFullSignal(t *testing.T) {
	q := NewQueue()
	for i := 0; i < cap(q.Signal)+10; i++ {
		if _, err := q.AddJob("wait", nil, "", nil); err != nil {
			t.Fatal(err)
		}
	}
	if len(q.GetJobs()) != cap(q.Signal)+10 {
		t.Errorf("got %d jobs", len(q.GetJobs()))
	}
}

func TestDependenciesGateClaim(t *testing.T) {
	q := NewQueue()
	save, _ := q.AddJob("save-photo", nil, "a", nil)
	upload, _ := q.AddJob("upload-photo", nil, "", []string{save})

	job, _ := q.ClaimJob()
	if job == nil || job.ID != save {
		t.Fatalf("ClaimJob() = %v; want save job", job)
	}
	if next, _ := q.ClaimJob(); next != nil {
		t.Fatalf("upload claimed before its dependency completed: %v", next.ID)
	}
	if err := q.CompleteJobWithResult(save, "photo-1"); err != nil {
		t.Fatal(err)
	}
	next, _ := q.ClaimJob()
	if next == nil || next.ID != upload {
		t.Fatalf("ClaimJob() = %v; want upload job", next)
	}
	if q.GetJob(save).Result != "photo-1" {
		t.Errorf("Result = %q", q.GetJob(save).Result)
	}
}

func TestMissingDependencyNeverClaims(t *testing.T) {
	q := NewQueue()
	q.AddJob("upload-photo", nil, "", []string{"nope"})
	if job, _ := q.ClaimJob(); job != nil {
		t.Errorf("claimed job with missing dependency")
	}
}

func TestAddWorkflow(t *testing.T) {
	q := NewQueue()
	root, err := q.AddWorkflow(Workflow{
		Command: "upload-photo",
		Children: []Workflow{
			{Command: "save-photo", Input: "a"},
			{Command: "fetch-models"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	job := q.GetJob(root)
	if len(job.Dependencies) != 2 {
		t.Fatalf("Dependencies = %v; want 2", job.Dependencies)
	}
	if len(q.GetJobs()) != 3 {
		t.Errorf("got %d jobs; want 3", len(q.GetJobs()))
	}
}

func TestCopyJob(t *testing.T) {
	q := NewQueue()
	id, _ := q.AddJob("fetch-models", []string{"x"}, "in", nil)
	q.ClaimJob()
	q.PushJobStdout(id, "line")
	q.CompleteJobWithResult(id, "done")

	cp, err := q.CopyJob(id)
	if err != nil {
		t.Fatal(err)
	}
	job := q.GetJob(cp)
	if job.State != StatePending || job.Result != "" || len(job.Stdout) != 0 {
		t.Errorf("copy not reset: %+v", job)
	}
	if job.Input != "in" || job.Command != "fetch-models" {
		t.Errorf("copy lost fields: %+v", job)
	}
	if _, err := q.CopyJob("missing"); err != ErrJobNotFound {
		t.Errorf("CopyJob(missing) = %v", err)
	}
}

func TestStateTransitions(t *testing.T) {
	q := NewQueue()
	id, _ := q.AddJob("save-photo", nil, "", nil)

	if err := q.CompleteJob(id); err == nil {
		t.Error("completed a pending job")
	}
	q.ClaimJob()
	if err := q.ErrorJob(id); err != nil {
		t.Fatal(err)
	}
	job := q.GetJob(id)
	if job.State != StateError || job.ErroredAt.IsZero() {
		t.Errorf("job = %+v", job)
	}
	if err := q.CancelJob(id); err == nil {
		t.Error("cancelled an errored job")
	}
	if err := q.ErrorJob("missing"); err != ErrJobNotFound {
		t.Errorf("ErrorJob(missing) = %v", err)
	}
}

func TestCancelInProgressCancelsContext(t *testing.T) {
	q := NewQueue()
	id, _ := q.AddJob("fetch-models", nil, "", nil)
	job, _ := q.ClaimJob()
	if err := q.CancelJob(id); err != nil {
		t.Fatal(err)
	}
	select {
	case <-job.Ctx.Done():
	default:
		t.Error("context not cancelled")
	}
	if q.RunningCounts[job.Lane] != 0 {
		t.Errorf("running count = %d", q.RunningCounts[job.Lane])
	}
}

func TestGetJobsNewestFirst(t *testing.T) {
	q := NewQueue()
	a, _ := q.AddJob("a", nil, "", nil)
	b, _ := q.AddJob("b", nil, "", nil)
	jobs := q.GetJobs()
	if jobs[0].ID != b || jobs[1].ID != a {
		t.Errorf("order = %s, %s", jobs[0].ID, jobs[1].ID)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	q := NewQueue()
	id, _ := q.AddJob("a", nil, "", nil)
	q.PushJobStdout(id, "one")
	snap, ok := q.Snapshot(id)
	if !ok {
		t.Fatal("Snapshot missing")
	}
	q.PushJobStdout(id, "two")
	if len(snap.Stdout) != 1 {
		t.Errorf("snapshot shares stdout: %v", snap.Stdout)
	}
	if _, ok := q.Snapshot("missing"); ok {
		t.Error("Snapshot(missing) ok")
	}
}

func TestClearNonRunningJobs(t *testing.T) {
	q := NewQueue()
	q.AddJob("a", nil, "", nil)
	running, _ := q.AddJob("b", nil, "", nil)
	q.AddJob("b", nil, "", nil)

	// claims a, then b; the second b waits on its lane
	q.ClaimJob()
	q.ClaimJob()

	n, err := q.ClearNonRunningJobs()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cleared %d; want 1", n)
	}
	if q.GetJob(running) == nil {
		t.Error("running job was cleared")
	}
}

// ============================================================================
// Persistence Tests
// ============================================================================

func TestDatabasePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	q := NewQueueWithDB(db)
	done, _ := q.AddJob("save-photo", []string{"a"}, "in", nil)
	running, _ := q.AddJob("fetch-models", nil, "", nil)
	q.ClaimJob()
	q.CompleteJobWithResult(done, "photo-9")
	q.ClaimJob()
	q.PushJobStdout(running, "halfway")
	db.Close()

	db2, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	q2 := NewQueueWithDB(db2)

	if len(q2.GetJobs()) != 2 {
		t.Fatalf("reloaded %d jobs; want 2", len(q2.GetJobs()))
	}
	got := q2.GetJob(done)
	if got.State != StateCompleted || got.Result != "photo-9" || got.Arguments[0] != "a" {
		t.Errorf("completed job = %+v", got)
	}
	resumed := q2.GetJob(running)
	if resumed.State != StatePending || !resumed.ClaimedAt.IsZero() {
		t.Errorf("in-progress job should reset to pending: %+v", resumed)
	}
	if len(resumed.Stdout) != 1 {
		t.Errorf("stdout = %v", resumed.Stdout)
	}
	select {
	case id := <-q2.Signal:
		if id != running {
			t.Errorf("signal = %q", id)
		}
	default:
		t.Error("resumed job not signalled")
	}
}

func TestRemoveJobDeletesRow(t *testing.T) {
	q := setupTestQueue(t)
	id, _ := q.AddJob("a", nil, "", nil)
	if err := q.RemoveJob(id); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := q.Db.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rows = %d", n)
	}
	if err := q.RemoveJob(id); err != ErrJobNotFound {
		t.Errorf("RemoveJob twice = %v", err)
	}
}
