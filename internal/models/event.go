package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is how an event shows on its owner's calendar.
type Status int

const (
	StatusUnknown Status = iota
	StatusFree
	StatusTentative
	StatusBusy
	StatusOutOfOffice
	StatusWorkingElsewhere
)

// Wire values, matching the showAs vocabulary of the API clients.
var statusNames = map[Status]string{
	StatusUnknown:          "unknown",
	StatusFree:             "free",
	StatusTentative:        "tentative",
	StatusBusy:             "busy",
	StatusOutOfOffice:      "oof",
	StatusWorkingElsewhere: "workingElsewhere",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus converts a showAs value to a Status. Matching is case-insensitive
// and unrecognised values map to StatusUnknown.
func ParseStatus(v string) Status {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "free":
		return StatusFree
	case "tentative":
		return StatusTentative
	case "busy":
		return StatusBusy
	case "oof", "outofoffice":
		return StatusOutOfOffice
	case "workingelsewhere":
		return StatusWorkingElsewhere
	default:
		return StatusUnknown
	}
}

// BlocksTime reports whether an event with this status makes its owner unavailable.
func (s Status) BlocksTime() bool {
	return s == StatusBusy || s == StatusTentative || s == StatusOutOfOffice
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("status must be a string: %w", err)
	}
	*s = ParseStatus(v)
	return nil
}

// CalendarEvent is a single occurrence on a user's calendar.
// Start and End form a half-open interval [Start, End).
type CalendarEvent struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Location   string    `json:"location,omitempty"`
	AllDay     bool      `json:"isAllDay"`
	Status     Status    `json:"showAs"`
	OwnerEmail string    `json:"userEmail"`
	OwnerName  string    `json:"userName"`
}

// Overlaps reports whether the event intersects the half-open range [start, end).
// A zero start or end leaves that side of the range open.
func (e CalendarEvent) Overlaps(start, end time.Time) bool {
	if !start.IsZero() && !e.End.After(start) {
		return false
	}
	if !end.IsZero() && !e.Start.Before(end) {
		return false
	}
	return true
}
