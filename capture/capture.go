// Package capture delivers color and depth frames from a camera device and
// owns the session lifecycle around it.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/stevecastle/artycam/depthmask"
)

// Position selects which camera feeds the session.
type Position int

const (
	Front Position = iota
	Back
)

func (p Position) String() string {
	if p == Back {
		return "back"
	}
	return "front"
}

// Next toggles between front and back.
func (p Position) Next() Position {
	if p == Front {
		return Back
	}
	return Front
}

// ParsePosition accepts "front" or "back".
func ParsePosition(s string) (Position, error) {
	switch s {
	case "front":
		return Front, nil
	case "back":
		return Back, nil
	}
	return Front, fmt.Errorf("unknown camera position %q", s)
}

func (p Position) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Position) UnmarshalText(b []byte) error {
	v, err := ParsePosition(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

var (
	ErrNoCameraAvailable = errors.New("There is no camera available")
	ErrCannotAddInput    = errors.New("cannot add input to session")
	ErrCannotAddOutput   = errors.New("cannot add output to session")
	ErrNotAuthorized     = errors.New("camera access not authorized")
	ErrNotConfigured     = errors.New("capture session is not configured")
)

// SetupStatus is the outcome of configuring a session.
type SetupStatus int

const (
	Success SetupStatus = iota
	NotAuthorized
	Failure
)

func (s SetupStatus) String() string {
	switch s {
	case Success:
		return "success"
	case NotAuthorized:
		return "notAuthorized"
	default:
		return "failure"
	}
}

func (s SetupStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Notice returns the title and message shown for a failed setup. ok is
// false for Success.
func (s SetupStatus) Notice() (title, message string, ok bool) {
	switch s {
	case NotAuthorized:
		return "Permission not granted",
			"App does not have permission to use camera. In order to change this, please go to privacy settings.",
			true
	case Failure:
		return "Oops.. Something went wrong",
			"Some error occured during process of camera configuration. Please try again.",
			true
	}
	return "", "", false
}

// StatusFor maps a configuration error to its setup status.
func StatusFor(err error) SetupStatus {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrNotAuthorized), errors.Is(err, os.ErrPermission):
		return NotAuthorized
	default:
		return Failure
	}
}

// ColorFrame is one captured color image.
type ColorFrame struct {
	Image     image.Image
	Seq       uint64
	Timestamp time.Time
}

// DepthFrame is one captured depth map. Depth frames arrive independently of
// color frames and are never aligned to them.
type DepthFrame struct {
	Map       *depthmask.DepthMap
	Seq       uint64
	Timestamp time.Time
}

// Source produces frames until its context ends or the device fails.
type Source interface {
	Position() Position
	HasDepth() bool
	// Run blocks, sending frames on color and, when HasDepth, on depth.
	Run(ctx context.Context, color chan<- ColorFrame, depth chan<- DepthFrame) error
	Close() error
}

// Opener opens the source for a camera position.
type Opener interface {
	Open(pos Position) (Source, error)
}
