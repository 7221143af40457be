package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stevecastle/artycam/deps"
	"github.com/stevecastle/artycam/downloads"
	"github.com/stevecastle/artycam/jobqueue"
)

// fetchModels installs the dependency named by the job input, or every
// missing auto-downloadable dependency when the input is empty.
func (e *Env) fetchModels(j *jobqueue.Job, q *jobqueue.Queue) error {
	var targets []*deps.Dependency
	if id := strings.TrimSpace(j.Input); id != "" {
		dep, ok := deps.Get(id)
		if !ok {
			q.PushJobStdout(j.ID, "Unknown dependency: "+id)
			return fmt.Errorf("unknown dependency: %s", id)
		}
		targets = append(targets, dep)
	} else {
		for _, dep := range deps.GetAutoDownloadable() {
			if ok, _, err := dep.Check(j.Ctx); err == nil && !ok {
				targets = append(targets, dep)
			}
		}
	}
	if len(targets) == 0 {
		q.PushJobStdout(j.ID, "Nothing to download")
		return q.CompleteJob(j.ID)
	}

	var installed []string
	for _, dep := range targets {
		if err := e.install(j, q, dep); err != nil {
			return err
		}
		installed = append(installed, dep.ID)
	}
	return q.CompleteJobWithResult(j.ID, strings.Join(installed, ","))
}

func (e *Env) install(j *jobqueue.Job, q *jobqueue.Queue, dep *deps.Dependency) error {
	if dep.ManualOnly {
		msg := fmt.Sprintf("%s must be installed manually", dep.Name)
		if dep.InstallURL != "" {
			msg += ": " + dep.InstallURL
		}
		q.PushJobStdout(j.ID, msg)
		return errors.New(msg)
	}

	store := deps.GetMetadataStore()
	store.UpdateStatus(dep.ID, deps.StatusDownloading)
	store.SetJobID(dep.ID, j.ID)
	defer func() {
		store.ClearJobID(dep.ID)
		store.Save()
	}()

	q.PushJobStdout(j.ID, fmt.Sprintf("Downloading %s (%s)", dep.Name, dep.Description))

	manager := e.Downloads
	if manager == nil {
		manager = downloads.NewManager()
	}
	// Only status and message changes go to the job log; byte counts stream
	// through the download events.
	var lastMsg string
	err := manager.Install(j.Ctx, dep.ID, dep.Name, func(ctx context.Context, progress downloads.ProgressCallback) error {
		return dep.Download(ctx, func(p downloads.Progress) {
			if p.Status != downloads.StatusDownloading || p.BytesDownloaded == 0 {
				if line := string(p.Status) + ": " + p.Message; p.Message != "" && line != lastMsg {
					lastMsg = line
					q.PushJobStdout(j.ID, p.Message)
				}
			}
			progress(p)
		})
	})
	if err != nil {
		store.UpdateStatus(dep.ID, deps.StatusNotInstalled)
		q.PushJobStdout(j.ID, fmt.Sprintf("Download failed: %v", err))
		return err
	}

	store.UpdateStatus(dep.ID, deps.StatusInstalled)
	q.PushJobStdout(j.ID, fmt.Sprintf("Successfully installed %s", dep.Name))
	if e.Installed != nil {
		e.Installed(dep.ID)
	}
	return nil
}
