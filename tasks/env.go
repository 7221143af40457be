package tasks

import (
	"github.com/stevecastle/artycam/downloads"
	"github.com/stevecastle/artycam/library"
	"github.com/stevecastle/artycam/stream"
)

// Env is what the built-in tasks operate on.
type Env struct {
	Library   *library.Library
	Uploader  library.Uploader // nil when uploads are not configured
	Downloads *downloads.Manager
	// Notify shows a notice to the user; defaults to stream.Notify.
	Notify func(stream.Notice)
	// Installed is called after a dependency finished installing.
	Installed func(depID string)
}

func (e *Env) notify(n stream.Notice) {
	if e.Notify != nil {
		e.Notify(n)
		return
	}
	stream.Notify(n)
}
