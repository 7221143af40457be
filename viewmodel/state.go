// Package viewmodel turns user intents into camera, pipeline and library
// actions and derives which controls are visible.
package viewmodel

import (
	"encoding/json"

	"github.com/stevecastle/artycam/capture"
	"github.com/stevecastle/artycam/composite"
	"github.com/stevecastle/artycam/style"
)

// ViewMode is either the live camera or a frozen capture being edited.
type ViewMode int

const (
	Capture ViewMode = iota
	Edit
)

func (m ViewMode) String() string {
	if m == Edit {
		return "edit"
	}
	return "capture"
}

func (m ViewMode) MarshalJSON() ([]byte, error) { return json.Marshal(m.String()) }

// Visibility lists which controls the UI shows.
type Visibility struct {
	SwitchCamera    bool `json:"switchCamera"`
	CaptureButton   bool `json:"captureButton"`
	FilterImages    bool `json:"filterImages"`
	SwitchImageMode bool `json:"switchImageMode"`
	ReturnButton    bool `json:"returnButton"`
	SaveButton      bool `json:"saveButton"`
	Slider          bool `json:"slider"`
	DepthInfo       bool `json:"depthInfo"`
}

type State struct {
	Filter         style.Filter        `json:"filter"`
	ImageMode      composite.Mode      `json:"imageMode"`
	Position       capture.Position    `json:"position"`
	Intensity      float64             `json:"intensity"`
	DepthAvailable bool                `json:"depthAvailable"`
	Setup          capture.SetupStatus `json:"setupStatus"`
	ViewMode       ViewMode            `json:"viewMode"`
	Running        bool                `json:"running"`
	Visibility     Visibility          `json:"visibility"`
}

// Visible derives control visibility from the rest of the state.
func Visible(s State) Visibility {
	capturing := s.ViewMode == Capture
	editing := s.ViewMode == Edit
	return Visibility{
		SwitchCamera:    capturing,
		CaptureButton:   capturing,
		DepthInfo:       capturing && s.Filter != style.None,
		FilterImages:    editing,
		SwitchImageMode: editing && s.DepthAvailable,
		ReturnButton:    editing,
		SaveButton:      editing,
		Slider:          s.DepthAvailable && editing && s.ImageMode != composite.Whole && s.Filter != style.None,
	}
}
