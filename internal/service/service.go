// Package service exposes the read and trigger operations of the calendar
// aggregator on top of the cache, the syncer and the on-call roster.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"teamcal/internal/availability"
	"teamcal/internal/cache"
	"teamcal/internal/models"
	"teamcal/internal/roster"
	"teamcal/internal/syncer"
)

// Service is safe for concurrent use.
type Service struct {
	logger *slog.Logger
	cache  *cache.Cache
	syncer *syncer.Syncer
	roster *roster.Loader
	hours  availability.BusinessHours
}

// New creates a Service. r may be nil when no on-call schedule is configured.
func New(logger *slog.Logger, c *cache.Cache, s *syncer.Syncer, r *roster.Loader) *Service {
	return &Service{
		logger: logger,
		cache:  c,
		syncer: s,
		roster: r,
		hours:  availability.DefaultBusinessHours(),
	}
}

// EventsQuery selects users and an optional time range. Zero Start or End
// leaves that side open.
type EventsQuery struct {
	Users []string
	Start time.Time
	End   time.Time
}

// EventsResult is the cached view of the requested calendars.
type EventsResult struct {
	LastSync     *time.Time                        `json:"lastSync"`
	Calendars    map[string][]models.CalendarEvent `json:"calendars"`
	Pending      []string                          `json:"pending"`
	Users        []models.UserProfile              `json:"users"`
	OnCallEvents []models.CalendarEvent            `json:"oncallEvents"`
}

// AvailabilityQuery asks for shared free slots.
type AvailabilityQuery struct {
	Users           []string
	Start           time.Time
	End             time.Time
	DurationMinutes int
}

// resolveUsers falls back to the configured users and drops blanks and duplicates.
func (s *Service) resolveUsers(users []string) []string {
	if len(users) == 0 {
		users = s.syncer.Users()
	}
	seen := make(map[string]bool, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		u = strings.TrimSpace(u)
		k := strings.ToLower(u)
		if u == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, u)
	}
	return out
}

// GetEvents returns the cached calendars of the requested users. Users whose
// data is not cached yet are listed in Pending instead of Calendars.
func (s *Service) GetEvents(q EventsQuery) EventsResult {
	users := s.resolveUsers(q.Users)
	cached := s.cache.GetManyEvents(users)

	res := EventsResult{
		Calendars:    make(map[string][]models.CalendarEvent, len(cached)),
		Pending:      []string{},
		Users:        s.profiles(users),
		OnCallEvents: []models.CalendarEvent{},
	}
	if last, ok := s.cache.LastSync(); ok {
		res.LastSync = &last
	}
	for _, u := range users {
		events, ok := cached[u]
		if !ok {
			res.Pending = append(res.Pending, u)
			continue
		}
		res.Calendars[u] = filterRange(events, q.Start, q.End)
	}
	if s.roster != nil {
		res.OnCallEvents = append(res.OnCallEvents, filterRange(s.roster.AllEvents(res.Users), q.Start, q.End)...)
	}
	return res
}

func filterRange(events []models.CalendarEvent, start, end time.Time) []models.CalendarEvent {
	out := make([]models.CalendarEvent, 0, len(events))
	for _, e := range events {
		if e.Overlaps(start, end) {
			out = append(out, e)
		}
	}
	return out
}

// profiles returns one profile per user, synthesizing those not cached.
func (s *Service) profiles(users []string) []models.UserProfile {
	out := make([]models.UserProfile, 0, len(users))
	for _, u := range users {
		p, ok := s.cache.GetProfile(u)
		if !ok {
			p = models.FallbackProfile(u)
		}
		out = append(out, p)
	}
	return out
}

// GetAvailability finds the free slots shared by the requested users. Slots
// are reported in the reference zone.
func (s *Service) GetAvailability(q AvailabilityQuery) availability.Result {
	users := s.resolveUsers(q.Users)
	res := availability.Find(s.cache.GetManyEvents(users), users, availability.Request{
		Start:    q.Start,
		End:      q.End,
		Duration: time.Duration(q.DurationMinutes) * time.Minute,
	}, s.hours).In(s.syncer.Location())
	s.logger.Debug("Computed availability", "users", len(users), "slots", len(res.Slots))
	return res
}

// TriggerSync starts a sync cycle in the background. It returns false when a
// cycle is already running.
func (s *Service) TriggerSync(ctx context.Context) bool {
	return s.syncer.TriggerSyncAsync(ctx)
}

// SyncNow runs a sync cycle and waits for it to finish.
func (s *Service) SyncNow(ctx context.Context) bool {
	return s.syncer.TriggerSync(ctx)
}

// GetSyncStatus reports the sync state.
func (s *Service) GetSyncStatus() syncer.Status {
	return s.syncer.Status()
}

// Users returns the profiles of the configured users.
func (s *Service) Users() []models.UserProfile {
	return s.profiles(s.syncer.Users())
}
