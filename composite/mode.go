package composite

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Mode selects which part of the frame receives the style.
type Mode int

const (
	// Whole styles the entire frame.
	Whole Mode = iota
	// Background styles everything beyond the masking threshold.
	Background
	// Foreground styles only the subject in front of the threshold.
	Foreground
)

var modeNames = map[Mode]string{
	Whole:      "whole",
	Background: "background",
	Foreground: "foreground",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Masked reports whether the mode needs a depth mask.
func (m Mode) Masked() bool {
	return m == Background || m == Foreground
}

// Next cycles whole, background, foreground and back to whole.
func (m Mode) Next() Mode {
	switch m {
	case Whole:
		return Background
	case Background:
		return Foreground
	default:
		return Whole
	}
}

// Icon names the button glyph shown for the mode.
func (m Mode) Icon() string {
	switch m {
	case Background:
		return "person.crop.rectangle"
	case Foreground:
		return "person.fill"
	default:
		return "rectangle.fill"
	}
}

// ParseMode accepts the names produced by String.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return Whole, fmt.Errorf("unknown image mode %q", s)
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
