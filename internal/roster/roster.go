// Package roster loads the on-call schedule and turns assignments into
// all-day calendar events.
//
// The schedule is a JSON object keyed by month ("2025-03") whose values are
// lists of {"userEmail", "start", "end"} assignments with inclusive
// YYYY-MM-DD dates. The file is re-read only when its modification time
// changes.
package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"teamcal/internal/models"
)

const dateLayout = "2006-01-02"

// Assignment is one on-call shift.
type Assignment struct {
	UserEmail string `json:"userEmail"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

// Schedule maps a month key to its assignments.
type Schedule map[string][]Assignment

// Loader reads the on-call schedule file.
type Loader struct {
	logger   *slog.Logger
	path     string
	location *time.Location

	group singleflight.Group

	mu       sync.RWMutex
	schedule Schedule
	mtime    time.Time
	loaded   bool
}

// NewLoader creates a Loader for the schedule at path. Event times are built in loc.
func NewLoader(logger *slog.Logger, path string, loc *time.Location) *Loader {
	if loc == nil {
		loc = time.UTC
	}
	return &Loader{logger: logger, path: path, location: loc, schedule: Schedule{}}
}

// Load returns the current schedule, re-reading the file only if its
// modification time changed since the last read. A missing or malformed file
// yields an empty schedule.
func (l *Loader) Load() Schedule {
	v, _, _ := l.group.Do("load", func() (interface{}, error) {
		return l.load(), nil
	})
	return v.(Schedule)
}

func (l *Loader) load() Schedule {
	info, err := os.Stat(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("On-call schedule file not found", "path", l.path)
		} else {
			l.logger.Error("Could not stat on-call schedule", "path", l.path, "error", err)
		}
		l.store(Schedule{}, time.Time{}, false)
		return Schedule{}
	}

	l.mu.RLock()
	if l.loaded && info.ModTime().Equal(l.mtime) {
		s := l.schedule
		l.mu.RUnlock()
		return s
	}
	l.mu.RUnlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		l.logger.Error("Could not read on-call schedule", "path", l.path, "error", err)
		l.store(Schedule{}, info.ModTime(), true)
		return Schedule{}
	}
	var s Schedule
	if err := json.Unmarshal(data, &s); err != nil {
		l.logger.Error("Could not parse on-call schedule; expected an object of month -> assignments", "path", l.path, "error", err)
		l.store(Schedule{}, info.ModTime(), true)
		return Schedule{}
	}
	if s == nil {
		s = Schedule{}
	}
	l.store(s, info.ModTime(), true)
	l.logger.Info("Loaded on-call schedule", "months", len(s))
	return s
}

func (l *Loader) store(s Schedule, mtime time.Time, loaded bool) {
	l.mu.Lock()
	l.schedule, l.mtime, l.loaded = s, mtime, loaded
	l.mu.Unlock()
}

// Events returns the on-call events for one month.
func (l *Loader) Events(year int, month time.Month, profiles []models.UserProfile) []models.CalendarEvent {
	key := fmt.Sprintf("%04d-%02d", year, int(month))
	return l.build(key, l.Load()[key], profileIndex(profiles))
}

// AllEvents returns the on-call events of every month, in month order.
func (l *Loader) AllEvents(profiles []models.UserProfile) []models.CalendarEvent {
	schedule := l.Load()
	keys := make([]string, 0, len(schedule))
	for k := range schedule {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	index := profileIndex(profiles)
	var events []models.CalendarEvent
	for _, k := range keys {
		events = append(events, l.build(k, schedule[k], index)...)
	}
	return events
}

func profileIndex(profiles []models.UserProfile) map[string]models.UserProfile {
	index := make(map[string]models.UserProfile, len(profiles))
	for _, p := range profiles {
		index[strings.ToLower(p.Email)] = p
	}
	return index
}

func (l *Loader) build(month string, assignments []Assignment, profiles map[string]models.UserProfile) []models.CalendarEvent {
	var events []models.CalendarEvent
	for i, a := range assignments {
		email := strings.TrimSpace(a.UserEmail)
		if email == "" {
			l.logger.Warn("Skipping on-call assignment without userEmail", "month", month, "index", i)
			continue
		}
		if a.Start == "" || a.End == "" {
			l.logger.Warn("Skipping on-call assignment without dates", "month", month, "email", email)
			continue
		}
		start, err1 := time.ParseInLocation(dateLayout, a.Start, l.location)
		end, err2 := time.ParseInLocation(dateLayout, a.End, l.location)
		if err1 != nil || err2 != nil {
			l.logger.Warn("Skipping on-call assignment with bad dates (want YYYY-MM-DD)", "month", month, "email", email, "start", a.Start, "end", a.End)
			continue
		}
		if end.Before(start) {
			l.logger.Warn("Skipping on-call assignment ending before it starts", "month", month, "email", email)
			continue
		}

		name := models.LocalPart(email)
		if p, ok := profiles[strings.ToLower(email)]; ok && p.DisplayName != "" {
			name = p.DisplayName
		}
		events = append(events, models.CalendarEvent{
			ID:         fmt.Sprintf("oncall-%s-%d-%s", month, i, email),
			Subject:    "On-call | " + name,
			Start:      start,
			End:        end.AddDate(0, 0, 1),
			AllDay:     true,
			Status:     models.StatusBusy,
			OwnerEmail: email,
			OwnerName:  name,
		})
	}
	return events
}

// Watch reloads the schedule whenever its file changes, until ctx is done.
// The modification time check in Load stays authoritative; watching only
// refreshes eagerly so the first read after an edit is already warm.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are still seen.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(l.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					l.logger.Debug("On-call schedule changed", "op", event.Op.String())
					l.Load()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error("On-call schedule watcher error", "error", err)
			}
		}
	}()
	return nil
}
