// Package runners pulls claimable jobs off the queue and runs their tasks.
package runners

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/stevecastle/artycam/jobqueue"
	"github.com/stevecastle/artycam/tasks"
)

// Runners manages a pool of concurrent job runners. Concurrency is bounded
// by the queue's lane limits.
type Runners struct {
	queue    *jobqueue.Queue
	registry *tasks.Registry
	mu       sync.Mutex
	running  int
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	jobs     sync.WaitGroup
}

// New starts listening on the queue's signal channel.
func New(queue *jobqueue.Queue, registry *tasks.Registry) *Runners {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runners{
		queue:    queue,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.queue.Signal:
				r.CheckForJobs()
			}
		}
	}()

	return r
}

// Shutdown stops accepting new jobs and waits for running ones to return.
func (r *Runners) Shutdown() {
	r.cancel()
	r.wg.Wait()
	r.jobs.Wait()
}

// Running reports how many jobs are executing.
func (r *Runners) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// CheckForJobs starts every job that is claimable right now.
func (r *Runners) CheckForJobs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startClaimable()
}

func (r *Runners) startClaimable() {
	if r.ctx.Err() != nil {
		return
	}
	for {
		job, err := r.queue.ClaimJob()
		if err != nil || job == nil {
			return
		}
		r.runJob(job)
	}
}

// runJob starts j in its own goroutine. When it returns the job state is
// finalized and any newly claimable jobs are started.
func (r *Runners) runJob(j *jobqueue.Job) {
	r.running++
	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		defer func() {
			r.mu.Lock()
			r.running--
			r.startClaimable()
			r.mu.Unlock()
		}()

		task, ok := r.registry.Get(j.Command)
		if !ok {
			r.queue.PushJobStdout(j.ID, "Task not found: "+j.Command)
			r.queue.ErrorJob(j.ID)
			return
		}

		err := safeRun(task.Fn, j, r.queue)
		snap, _ := r.queue.Snapshot(j.ID)
		if snap.State != jobqueue.StateInProgress {
			return
		}
		switch {
		case err == nil:
			r.queue.CompleteJob(j.ID)
		case j.Ctx.Err() != nil:
			r.queue.CancelJob(j.ID)
		default:
			log.Printf("runners: %s job %s failed: %v", j.Command, j.ID, err)
			r.queue.ErrorJob(j.ID)
		}
	}()
}

func safeRun(fn tasks.Fn, j *jobqueue.Job, q *jobqueue.Queue) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
			q.PushJobStdout(j.ID, err.Error())
		}
	}()
	return fn(j, q)
}
