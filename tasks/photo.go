package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stevecastle/artycam/jobqueue"
	"github.com/stevecastle/artycam/library"
)

// SaveArgs encodes the arguments of a save-photo job.
func SaveArgs(photoID string, meta library.Meta) []string {
	data, _ := json.Marshal(meta)
	return []string{photoID, string(data)}
}

func parseSaveArgs(args []string) (string, library.Meta, error) {
	var meta library.Meta
	if len(args) < 1 || args[0] == "" {
		return "", meta, errors.New("save-photo: missing photo id")
	}
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &meta); err != nil {
			return "", meta, fmt.Errorf("save-photo: bad metadata: %w", err)
		}
	}
	return args[0], meta, nil
}

// EnqueueSave queues the commit of a staged photo and, when upload is set,
// an upload that runs once the save completes. It returns the save job id.
func EnqueueSave(q *jobqueue.Queue, photoID, staged string, meta library.Meta, upload bool) (string, error) {
	saveID, err := q.AddJob(SavePhoto, SaveArgs(photoID, meta), staged, nil)
	if err != nil {
		return "", err
	}
	if upload {
		if _, err := q.AddJob(UploadPhoto, nil, "", []string{saveID}); err != nil {
			return saveID, err
		}
	}
	return saveID, nil
}

func (e *Env) savePhoto(j *jobqueue.Job, q *jobqueue.Queue) error {
	if e.Library == nil {
		return errors.New("save-photo: no library configured")
	}
	id, meta, err := parseSaveArgs(j.Arguments)
	if err == nil {
		var p *library.Photo
		p, err = e.Library.Commit(j.Ctx, id, j.Input, meta)
		if err == nil {
			q.PushJobStdout(j.ID, fmt.Sprintf("Saved %s (%dx%d, %s)", p.Path, p.Width, p.Height, p.Hash[:12]))
			e.notify(library.NoticeFor(nil))
			return q.CompleteJobWithResult(j.ID, p.ID)
		}
	}
	e.Library.Discard(j.Input)
	q.PushJobStdout(j.ID, "Save failed: "+err.Error())
	e.notify(library.NoticeFor(err))
	return err
}

// uploadPhoto takes the photo id from its input, or from the result of the
// save job it depends on.
func (e *Env) uploadPhoto(j *jobqueue.Job, q *jobqueue.Queue) error {
	if e.Library == nil {
		return errors.New("upload-photo: no library configured")
	}
	id := strings.TrimSpace(j.Input)
	for _, dep := range j.Dependencies {
		if id != "" {
			break
		}
		if snap, ok := q.Snapshot(dep); ok {
			id = snap.Result
		}
	}
	if id == "" {
		return errors.New("upload-photo: no photo id")
	}

	key, err := e.Library.UploadPhoto(j.Ctx, e.Uploader, id)
	if err != nil {
		q.PushJobStdout(j.ID, "Upload failed: "+err.Error())
		return err
	}
	q.PushJobStdout(j.ID, "Uploaded to "+key)
	return q.CompleteJobWithResult(j.ID, key)
}
