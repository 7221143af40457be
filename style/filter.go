// Package style runs neural style-transfer filters over camera frames.
package style

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Filter identifies one of the bundled style models.
type Filter int

const (
	None Filter = iota
	Night
	StainedGlass
	Roof
)

var filterIDs = []string{"none", "night", "stainedglass", "roof"}

// Filters lists every filter in picker order.
func Filters() []Filter {
	return []Filter{None, Night, StainedGlass, Roof}
}

// ID is the stable identifier used for model files and the HTTP API.
func (f Filter) ID() string {
	if f < 0 || int(f) >= len(filterIDs) {
		return fmt.Sprintf("filter(%d)", int(f))
	}
	return filterIDs[f]
}

func (f Filter) String() string { return f.ID() }

// PickerItem describes a filter in the picker strip.
type PickerItem struct {
	Name      string `json:"name"`
	ImageName string `json:"imageName,omitempty"`
	Filter    Filter `json:"filter"`
}

// Item returns the picker entry. No filter has no thumbnail.
func (f Filter) Item() PickerItem {
	switch f {
	case Night:
		return PickerItem{Name: "Nocturnal", ImageName: "night", Filter: f}
	case StainedGlass:
		return PickerItem{Name: "Stained", ImageName: "stainedglass", Filter: f}
	case Roof:
		return PickerItem{Name: "Roof", ImageName: "roof", Filter: f}
	default:
		return PickerItem{Name: "No Filter", Filter: None}
	}
}

// Items returns the picker entries in order.
func Items() []PickerItem {
	var items []PickerItem
	for _, f := range Filters() {
		items = append(items, f.Item())
	}
	return items
}

// ParseFilter accepts an ID, case insensitive.
func ParseFilter(s string) (Filter, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, id := range filterIDs {
		if id == s {
			return Filter(i), nil
		}
	}
	return None, fmt.Errorf("unknown filter %q", s)
}

func (f Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.ID())
}

func (f *Filter) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseFilter(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}
