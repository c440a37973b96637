package models

import (
	"strings"
	"sync"
)

// DefaultColor is used for profiles synthesized without a source lookup.
const DefaultColor = "#3174ad"

// Palette is the fixed set of user colors, assigned in first-seen order.
var Palette = []string{
	"#3174ad", // blue
	"#e68619", // orange
	"#0b6a0b", // green
	"#8764b8", // purple
	"#c03434", // red
	"#00a4a4", // teal
	"#d83b01", // dark orange
	"#107c10", // dark green
	"#5c2d91", // dark purple
	"#a4262c", // dark red
}

// UserProfile describes a calendar owner.
type UserProfile struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

// LocalPart returns the part of an email address before the '@'.
func LocalPart(email string) string {
	if i := strings.Index(email, "@"); i >= 0 {
		return email[:i]
	}
	return email
}

// FallbackProfile builds the profile used when the source could not provide one.
func FallbackProfile(email string) UserProfile {
	return UserProfile{
		Email:       email,
		DisplayName: LocalPart(email),
		Color:       DefaultColor,
	}
}

// ColorAssigner hands out palette colors by first-seen ordinal.
// An email keeps its color for the lifetime of the assigner.
type ColorAssigner struct {
	mu     sync.Mutex
	colors map[string]string
}

func NewColorAssigner() *ColorAssigner {
	return &ColorAssigner{colors: make(map[string]string)}
}

// Color returns the color for email, assigning the next palette entry on first use.
func (a *ColorAssigner) Color(email string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := strings.ToLower(email)
	if c, ok := a.colors[key]; ok {
		return c
	}
	c := Palette[len(a.colors)%len(Palette)]
	a.colors[key] = c
	return c
}
