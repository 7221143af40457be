// Package jobqueue persists background work (saving, uploading, model
// downloads) in sqlite and hands it out to runners in FIFO order.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stevecastle/artycam/stream"
)

var ErrJobNotFound = errors.New("job not found")

// JobState represents the current state of a job in the queue.
type JobState int

const (
	StatePending JobState = iota
	StateInProgress
	StateCompleted
	StateCancelled
	StateError
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	case StateCancelled:
		return "Cancelled"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

var stateNames = map[JobState]string{
	StatePending:    "pending",
	StateInProgress: "in_progress",
	StateCompleted:  "completed",
	StateCancelled:  "cancelled",
	StateError:      "error",
}

// MarshalJSON serializes JobState as a lowercase string for JSON.
func (s JobState) MarshalJSON() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		name = "unknown"
	}
	return json.Marshal(name)
}

// UnmarshalJSON deserializes JobState from a string. Unknown names map to pending.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StatePending
	for state, name := range stateNames {
		if name == str {
			*s = state
		}
	}
	return nil
}

// Done reports whether the state is terminal.
func (s JobState) Done() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// Job represents an individual task in the queue.
type Job struct {
	ID           string             `json:"id"`
	Command      string             `json:"command"`
	Arguments    []string           `json:"arguments"`
	Input        string             `json:"input"`
	Lane         string             `json:"lane"`
	Result       string             `json:"result"` // set by the task on success
	Stdout       []string           `json:"-"`
	Dependencies []string           `json:"dependencies"` // IDs of jobs that must complete before this one
	State        JobState           `json:"state"`
	Ctx          context.Context    `json:"-"`
	Cancel       context.CancelFunc `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	ClaimedAt   time.Time `json:"claimed_at"`
	CompletedAt time.Time `json:"completed_at"`
	ErroredAt   time.Time `json:"errored_at"`
}

type Workflow struct {
	Command   string     `json:"command"`
	Arguments []string   `json:"arguments"`
	Input     string     `json:"input"`
	Children  []Workflow `json:"children"`
}

// Queue is a thread-safe structure that manages Jobs with dependencies.
type Queue struct {
	mu            sync.Mutex
	Jobs          map[string]*Job
	JobOrder      []string
	Signal        chan string
	Db            *sql.DB
	Lanes         map[string]string // command -> lane; unlisted commands run in their own lane
	LaneLimits    map[string]int
	RunningCounts map[string]int
}

// NewQueue initializes and returns a new Queue.
func NewQueue() *Queue {
	return &Queue{
		Jobs:          make(map[string]*Job),
		Signal:        make(chan string, 100),
		Lanes:         make(map[string]string),
		LaneLimits:    make(map[string]int),
		RunningCounts: make(map[string]int),
	}
}

// NewQueueWithDB initializes a Queue backed by the jobs table, loading
// whatever was left there by a previous run.
func NewQueueWithDB(db *sql.DB) *Queue {
	q := NewQueue()
	q.Db = db

	if err := q.createJobsTable(); err != nil {
		log.Printf("Failed to create jobs table: %v", err)
	}
	if err := q.loadJobsFromDB(); err != nil {
		log.Printf("Failed to load jobs from database: %v", err)
	}
	return q
}

func (q *Queue) createJobsTable() error {
	_, err := q.Db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		arguments TEXT, -- JSON array
		input TEXT,
		lane TEXT,
		result TEXT,
		stdout TEXT, -- JSON array
		dependencies TEXT, -- JSON array
		state INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		completed_at DATETIME,
		errored_at DATETIME,
		job_order_position INTEGER
	)`)
	return err
}

func (q *Queue) saveJobToDB(job *Job) error {
	if q.Db == nil {
		return nil
	}

	argumentsJSON, _ := json.Marshal(job.Arguments)
	stdoutJSON, _ := json.Marshal(job.Stdout)
	dependenciesJSON, _ := json.Marshal(job.Dependencies)

	position := -1
	for i, id := range q.JobOrder {
		if id == job.ID {
			position = i
			break
		}
	}

	_, err := q.Db.Exec(`
	INSERT OR REPLACE INTO jobs (
		id, command, arguments, input, lane, result, stdout, dependencies, state,
		created_at, claimed_at, completed_at, errored_at, job_order_position
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Command, string(argumentsJSON), job.Input, job.Lane, job.Result,
		string(stdoutJSON), string(dependenciesJSON), int(job.State),
		job.CreatedAt, job.ClaimedAt, job.CompletedAt, job.ErroredAt, position,
	)
	return err
}

func (q *Queue) loadJobsFromDB() error {
	if q.Db == nil {
		return nil
	}

	rows, err := q.Db.Query(`
	SELECT id, command, arguments, input, COALESCE(lane, ''), COALESCE(result, ''),
		   stdout, dependencies, state,
		   created_at, claimed_at, completed_at, errored_at
	FROM jobs
	ORDER BY job_order_position`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var resumed []string
	for rows.Next() {
		var job Job
		var argumentsJSON, stdoutJSON, dependenciesJSON string
		var state int

		if err := rows.Scan(
			&job.ID, &job.Command, &argumentsJSON, &job.Input, &job.Lane, &job.Result,
			&stdoutJSON, &dependenciesJSON, &state,
			&job.CreatedAt, &job.ClaimedAt, &job.CompletedAt, &job.ErroredAt,
		); err != nil {
			log.Printf("Error scanning job row: %v", err)
			continue
		}

		if err := json.Unmarshal([]byte(argumentsJSON), &job.Arguments); err != nil {
			job.Arguments = []string{}
		}
		if err := json.Unmarshal([]byte(stdoutJSON), &job.Stdout); err != nil {
			job.Stdout = []string{}
		}
		if err := json.Unmarshal([]byte(dependenciesJSON), &job.Dependencies); err != nil {
			job.Dependencies = []string{}
		}
		job.State = JobState(state)
		if job.Lane == "" {
			job.Lane = job.Command
		}

		// A job interrupted mid-run goes back to pending.
		if job.State == StateInProgress {
			job.State = StatePending
			job.ClaimedAt = time.Time{}
			resumed = append(resumed, job.ID)
		}

		job.Ctx, job.Cancel = context.WithCancel(context.Background())
		q.Jobs[job.ID] = &job
		q.JobOrder = append(q.JobOrder, job.ID)
	}

	if len(resumed) > 0 {
		log.Printf("Resumed %d jobs that were in progress: %v", len(resumed), resumed)
		for _, id := range resumed {
			q.signal(id)
		}
	}
	return rows.Err()
}

func (q *Queue) removeJobFromDB(jobID string) error {
	if q.Db == nil {
		return nil
	}
	_, err := q.Db.Exec("DELETE FROM jobs WHERE id = ?", jobID)
	return err
}

// SaveAllJobsToDB saves all current jobs to the database.
func (q *Queue) SaveAllJobsToDB() error {
	if q.Db == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.Jobs {
		if err := q.saveJobToDB(job); err != nil {
			log.Printf("Failed to save job %s to database: %v", job.ID, err)
		}
	}
	return nil
}

func (q *Queue) signal(id string) {
	select {
	case q.Signal <- id:
	default:
	}
}

// AddJob adds a new pending job and returns its generated id.
func (q *Queue) AddJob(command string, arguments []string, input string, dependencies []string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:           id,
		Command:      command,
		Arguments:    arguments,
		Input:        input,
		Lane:         q.laneLocked(command),
		Dependencies: dependencies,
		State:        StatePending,
		Ctx:          ctx,
		Cancel:       cancel,
		CreatedAt:    time.Now(),
	}
	q.Jobs[id] = job
	q.JobOrder = append(q.JobOrder, id)

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job to database: %v", err)
	}

	q.signal(id)
	publishListUpdate("create", job)
	return id, nil
}

// AddWorkflow adds each job bottom-up, so a parent depends on all its children.
func (q *Queue) AddWorkflow(w Workflow) (string, error) {
	dependencies := []string{}
	for _, child := range w.Children {
		id, err := q.AddWorkflow(child)
		if err != nil {
			return "", err
		}
		dependencies = append(dependencies, id)
	}
	return q.AddJob(w.Command, w.Arguments, w.Input, dependencies)
}

// CopyJob re-queues a job with fresh state, keeping command, input and dependencies.
func (q *Queue) CopyJob(id string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return "", ErrJobNotFound
	}

	newJob := *job
	newJob.ID = uuid.NewString()
	newJob.Stdout = []string{}
	newJob.Result = ""
	newJob.State = StatePending
	newJob.CreatedAt = time.Now()
	newJob.ClaimedAt = time.Time{}
	newJob.CompletedAt = time.Time{}
	newJob.ErroredAt = time.Time{}
	newJob.Ctx, newJob.Cancel = context.WithCancel(context.Background())

	q.Jobs[newJob.ID] = &newJob
	q.JobOrder = append(q.JobOrder, newJob.ID)

	if err := q.saveJobToDB(&newJob); err != nil {
		log.Printf("Failed to save copied job to database: %v", err)
	}

	q.signal(newJob.ID)
	publishListUpdate("create", &newJob)
	return newJob.ID, nil
}

// ClaimJob returns the first pending job whose dependencies have completed
// and whose lane has capacity, marking it in progress. It returns nil when
// nothing is claimable.
func (q *Queue) ClaimJob() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State != StatePending || !q.canClaim(job) {
			continue
		}
		if q.RunningCounts[job.Lane] >= q.laneLimitLocked(job.Lane) {
			continue
		}

		job.State = StateInProgress
		job.ClaimedAt = time.Now()
		q.RunningCounts[job.Lane]++

		if err := q.saveJobToDB(job); err != nil {
			log.Printf("Failed to save job state to database: %v", err)
		}
		publishListUpdate("update", job)
		return job, nil
	}
	return nil, nil
}

// canClaim checks if a job's dependencies are all completed.
func (q *Queue) canClaim(job *Job) bool {
	for _, dep := range job.Dependencies {
		depJob, exists := q.Jobs[dep]
		if !exists || depJob.State != StateCompleted {
			return false
		}
	}
	return true
}

// finish moves an in-progress job into a terminal state.
func (q *Queue) finish(id string, state JobState) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StateInProgress {
		return errors.New("job is not in progress")
	}

	job.State = state
	now := time.Now()
	if state == StateCompleted {
		job.CompletedAt = now
	} else {
		job.ErroredAt = now
	}
	q.RunningCounts[job.Lane]--

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job %s state to database: %v", state, err)
	}
	publishListUpdate("update", job)

	// Dependents may have become claimable.
	if state == StateCompleted {
		q.signal(id)
	}
	return nil
}

// ErrorJob sets a job's state to error if it is currently in progress.
func (q *Queue) ErrorJob(id string) error {
	return q.finish(id, StateError)
}

// CompleteJob marks the job completed if it is currently in progress.
func (q *Queue) CompleteJob(id string) error {
	return q.finish(id, StateCompleted)
}

// CompleteJobWithResult records result and completes the job.
func (q *Queue) CompleteJobWithResult(id, result string) error {
	q.mu.Lock()
	if job, ok := q.Jobs[id]; ok {
		job.Result = result
	}
	q.mu.Unlock()
	return q.finish(id, StateCompleted)
}

// CancelJob cancels a pending or running job.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StatePending && job.State != StateInProgress {
		return errors.New("job is not pending or in progress, cannot cancel")
	}
	job.Cancel()

	if job.State == StateInProgress {
		q.RunningCounts[job.Lane]--
	}
	job.State = StateCancelled

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job cancellation to database: %v", err)
	}
	publishListUpdate("update", job)
	return nil
}

// PushJobStdout appends a line of output to the job.
func (q *Queue) PushJobStdout(id string, line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	job.Stdout = append(job.Stdout, line)

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job stdout to database: %v", err)
	}
	publishStdout(id, line)
	return nil
}

// GetJobs returns a copy of every job, newest first.
func (q *Queue) GetJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]Job, 0, len(q.JobOrder))
	for i := len(q.JobOrder) - 1; i >= 0; i-- {
		jobs = append(jobs, *q.Jobs[q.JobOrder[i]])
	}
	return jobs
}

func (q *Queue) GetJob(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Jobs[id]
}

// Snapshot returns a copy of the job safe to read without the queue lock.
func (q *Queue) Snapshot(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.Jobs[id]
	if !ok {
		return Job{}, false
	}
	cp := *job
	cp.Stdout = append([]string(nil), job.Stdout...)
	return cp, true
}

func (q *Queue) RemoveJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State == StateInProgress {
		job.Cancel()
		q.RunningCounts[job.Lane]--
	}
	q.dropLocked(id)
	return nil
}

func (q *Queue) dropLocked(id string) {
	delete(q.Jobs, id)
	for i, jobID := range q.JobOrder {
		if jobID == id {
			q.JobOrder = append(q.JobOrder[:i], q.JobOrder[i+1:]...)
			break
		}
	}
	if err := q.removeJobFromDB(id); err != nil {
		log.Printf("Failed to remove job %s from database: %v", id, err)
	}
	publishListUpdate("delete", &Job{ID: id})
}

// ClearNonRunningJobs removes every job that is not in progress and returns
// how many were removed.
func (q *Queue) ClearNonRunningJobs() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var clear []string
	for _, jobID := range q.JobOrder {
		if q.Jobs[jobID].State != StateInProgress {
			clear = append(clear, jobID)
		}
	}
	for _, jobID := range clear {
		q.dropLocked(jobID)
	}
	return len(clear), nil
}

// SetLane routes command into lane.
func (q *Queue) SetLane(command, lane string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Lanes[command] = lane
}

// SetLaneLimit caps concurrent jobs in lane. The default is 1.
func (q *Queue) SetLaneLimit(lane string, limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.LaneLimits[lane] = limit
}

func (q *Queue) laneLocked(command string) string {
	if lane, ok := q.Lanes[command]; ok {
		return lane
	}
	return command
}

func (q *Queue) laneLimitLocked(lane string) int {
	if limit, ok := q.LaneLimits[lane]; ok {
		return limit
	}
	return 1
}

// JobEvent is broadcast on the jobs stream whenever the list changes.
type JobEvent struct {
	UpdateType string `json:"updateType"`
	Job        Job    `json:"job"`
}

type StdoutEvent struct {
	UpdateType string `json:"updateType"`
	Line       string `json:"line"`
}

func publishListUpdate(updateType string, job *Job) {
	if err := stream.Publish(stream.TypeJobs, JobEvent{UpdateType: updateType, Job: *job}); err != nil {
		log.Printf("jobs: publish %s: %v", updateType, err)
	}
}

// publishStdout uses a per-job event type of the form stdout-<job-id>.
func publishStdout(id, line string) {
	if err := stream.Publish("stdout-"+id, StdoutEvent{UpdateType: "stdout", Line: line}); err != nil {
		log.Printf("jobs: publish stdout: %v", err)
	}
}
