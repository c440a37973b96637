// Package icloud reads team calendars from a CalDAV server such as iCloud.
//
// Every team member is expected to have one calendar, shared with the
// configured account, whose display name or description is their email.
package icloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"teamcal/internal/models"
)

const (
	// DefaultEndpoint is iCloud's CalDAV entry point.
	DefaultEndpoint = "https://caldav.icloud.com/"
	requestTimeout  = 30 * time.Second
)

// ErrCalendarNotFound is returned when no calendar matches a user's email.
var ErrCalendarNotFound = errors.New("no calendar found for user")

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "teamcal/1.0")
	return t.Transport.RoundTrip(req)
}

// CalDAVClient is a read-only calendar source backed by CalDAV.
type CalDAVClient struct {
	caldavClient *caldav.Client
	logger       *slog.Logger
	location     *time.Location
	colors       *models.ColorAssigner

	mu        sync.RWMutex
	calendars map[string]caldav.Calendar
}

// NewClient creates a CalDAVClient. Calendars are discovered on Authenticate.
func NewClient(logger *slog.Logger, endpoint, username, password string, loc *time.Location, colors *models.ColorAssigner) (*CalDAVClient, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if loc == nil {
		loc = time.UTC
	}
	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport, Timeout: requestTimeout}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	return &CalDAVClient{
		caldavClient: caldavClient,
		logger:       logger,
		location:     loc,
		colors:       colors,
		calendars:    map[string]caldav.Calendar{},
	}, nil
}

// Authenticate logs in and refreshes the email to calendar mapping.
func (c *CalDAVClient) Authenticate(ctx context.Context) error {
	calendars, err := c.findCalendars(ctx)
	if err != nil {
		return err
	}

	byEmail := make(map[string]caldav.Calendar, len(calendars))
	for _, cal := range calendars {
		for _, label := range []string{cal.Name, cal.Description} {
			if label = strings.ToLower(strings.TrimSpace(label)); strings.Contains(label, "@") {
				byEmail[label] = cal
			}
		}
	}

	c.mu.Lock()
	c.calendars = byEmail
	c.mu.Unlock()
	c.logger.Info("Discovered CalDAV calendars", "total", len(calendars), "matched", len(byEmail))
	return nil
}

// findCalendars discovers the principal's calendar collections.
func (c *CalDAVClient) findCalendars(ctx context.Context) ([]caldav.Calendar, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendars: %w", err)
	}
	return calendars, nil
}

func (c *CalDAVClient) calendarFor(email string) (caldav.Calendar, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cal, ok := c.calendars[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return caldav.Calendar{}, fmt.Errorf("%w: %s", ErrCalendarNotFound, email)
	}
	return cal, nil
}

// FetchProfile names the user after whichever calendar label is not the email.
func (c *CalDAVClient) FetchProfile(ctx context.Context, email string) (models.UserProfile, error) {
	cal, err := c.calendarFor(email)
	if err != nil {
		return models.UserProfile{}, err
	}
	return models.UserProfile{Email: email, DisplayName: displayName(cal, email), Color: c.colors.Color(email)}, nil
}

func displayName(cal caldav.Calendar, email string) string {
	for _, label := range []string{cal.Name, cal.Description} {
		label = strings.TrimSpace(label)
		if label != "" && !strings.EqualFold(label, email) {
			return label
		}
	}
	return models.LocalPart(email)
}

// FetchEvents runs a time-range calendar-query against the user's calendar.
func (c *CalDAVClient) FetchEvents(ctx context.Context, email string, start, end time.Time) ([]models.CalendarEvent, error) {
	cal, err := c.calendarFor(email)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Querying CalDAV calendar", "email", email, "path", cal.Path)

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name: ical.CompEvent,
				Props: []string{
					ical.PropUID, ical.PropSummary, ical.PropLocation,
					ical.PropDateTimeStart, ical.PropDateTimeEnd, ical.PropDuration,
					ical.PropStatus, ical.PropTransparency,
					ical.PropRecurrenceRule, ical.PropRecurrenceDates,
					ical.PropExceptionDates, ical.PropRecurrenceID,
				},
			}},
			Expand: &caldav.CalendarExpandRequest{Start: start.UTC(), End: end.UTC()},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start.UTC(),
				End:   end.UTC(),
			}},
		},
	}
	objects, err := c.caldavClient.QueryCalendar(ctx, cal.Path, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar of %s: %w", email, err)
	}

	owner := displayName(cal, email)
	events := []models.CalendarEvent{}
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		got, errs := occurrences(obj.Data.Events(), email, owner, start, end, c.location)
		for _, err := range errs {
			c.logger.Warn("Skipping unparseable event", "email", email, "path", obj.Path, "error", err)
		}
		events = append(events, got...)
	}

	c.logger.Info("Fetched events from CalDAV", "email", email, "count", len(events))
	return events, nil
}

// occurrences converts the VEVENTs of one calendar object. Servers that
// honour the expand request return one VEVENT per instance; a master with an
// RRULE that comes back unexpanded is expanded here, skipping instances
// replaced by a RECURRENCE-ID override. Cancelled events are dropped.
func occurrences(vevents []ical.Event, email, owner string, start, end time.Time, loc *time.Location) ([]models.CalendarEvent, []error) {
	overridden := map[string]bool{}
	for _, ev := range vevents {
		if recID, err := ev.Props.DateTime(ical.PropRecurrenceID, loc); err == nil && !recID.IsZero() {
			uid, _ := ev.Props.Text(ical.PropUID)
			overridden[instanceID(uid, recID)] = true
		}
	}

	var (
		events []models.CalendarEvent
		errs   []error
	)
	for _, ev := range vevents {
		event, err := toInternalEvent(ev, email, owner, loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if event.Status == models.StatusUnknown {
			continue
		}

		recID, err := ev.Props.DateTime(ical.PropRecurrenceID, loc)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid RECURRENCE-ID: %w", err))
			continue
		}
		if !recID.IsZero() {
			event.ID = instanceID(event.ID, recID)
			events = append(events, event)
			continue
		}

		set, err := ev.RecurrenceSet(loc)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid recurrence rule: %w", err))
			continue
		}
		if set == nil {
			events = append(events, event)
			continue
		}
		length := event.End.Sub(event.Start)
		for _, occ := range set.Between(start.Add(-length), end, true) {
			id := instanceID(event.ID, occ)
			if overridden[id] || !occ.Add(length).After(start) {
				continue
			}
			instance := event
			instance.ID = id
			instance.Start = occ.In(loc)
			instance.End = occ.Add(length).In(loc)
			events = append(events, instance)
		}
	}
	return events, errs
}

// instanceID names one occurrence of a recurring event.
func instanceID(uid string, at time.Time) string {
	return uid + "-" + at.UTC().Format("20060102T150405Z")
}

// toInternalEvent converts a VEVENT. Cancelled events come back with
// StatusUnknown so callers can drop them.
func toInternalEvent(ev ical.Event, email, ownerName string, loc *time.Location) (models.CalendarEvent, error) {
	startProp := ev.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return models.CalendarEvent{}, errors.New("event has no DTSTART")
	}
	start, err := ev.DateTimeStart(loc)
	if err != nil {
		return models.CalendarEvent{}, fmt.Errorf("invalid DTSTART: %w", err)
	}
	end, err := ev.DateTimeEnd(loc)
	if err != nil {
		return models.CalendarEvent{}, fmt.Errorf("invalid DTEND: %w", err)
	}
	allDay := startProp.ValueType() == ical.ValueDate
	if !end.After(start) {
		if allDay {
			end = start.AddDate(0, 0, 1)
		} else {
			end = start.Add(time.Hour)
		}
	}

	uid, _ := ev.Props.Text(ical.PropUID)
	summary, _ := ev.Props.Text(ical.PropSummary)
	if summary == "" {
		summary = "(No title)"
	}
	location, _ := ev.Props.Text(ical.PropLocation)
	status, _ := ev.Props.Text(ical.PropStatus)
	transp, _ := ev.Props.Text(ical.PropTransparency)

	return models.CalendarEvent{
		ID:         uid,
		Subject:    summary,
		Start:      start.In(loc),
		End:        end.In(loc),
		Location:   location,
		AllDay:     allDay,
		Status:     eventStatus(status, transp),
		OwnerEmail: email,
		OwnerName:  ownerName,
	}, nil
}

func eventStatus(status, transp string) models.Status {
	switch strings.ToUpper(status) {
	case "CANCELLED":
		return models.StatusUnknown
	case "TENTATIVE":
		return models.StatusTentative
	}
	if strings.EqualFold(transp, "TRANSPARENT") {
		return models.StatusFree
	}
	return models.StatusBusy
}
