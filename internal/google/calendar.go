package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"teamcal/internal/models"
)

const (
	credentialsFile = "credentials.json"
	maxResults      = 2500
	dateLayout      = "2006-01-02"
)

// CalendarClient reads team members' calendars through the Google Calendar
// API. Each member's calendar is addressed by their email as calendar id, so
// the authorised account needs at least free/busy access to all of them.
type CalendarClient struct {
	service  *calendar.Service
	logger   *slog.Logger
	location *time.Location
	colors   *models.ColorAssigner
}

// NewClient creates a new Google Calendar client from the token saved by the
// auth command for accountName (token-<accountName>.json).
func NewClient(ctx context.Context, logger *slog.Logger, clientID, clientSecret, accountName string, loc *time.Location, colors *models.ColorAssigner) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	token, err := tokenFromFile(TokenFile(accountName))
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}

	service, err := calendar.NewService(ctx, option.WithHTTPClient(config.Client(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return newClient(service, logger, loc, colors), nil
}

func newClient(service *calendar.Service, logger *slog.Logger, loc *time.Location, colors *models.ColorAssigner) *CalendarClient {
	if loc == nil {
		loc = time.UTC
	}
	return &CalendarClient{service: service, logger: logger, location: loc, colors: colors}
}

// Authenticate checks that the stored token is still accepted.
func (c *CalendarClient) Authenticate(ctx context.Context) error {
	if _, err := c.service.CalendarList.List().MaxResults(1).Context(ctx).Do(); err != nil {
		return fmt.Errorf("google token rejected: %w", err)
	}
	return nil
}

// FetchProfile uses the calendar summary as the display name.
func (c *CalendarClient) FetchProfile(ctx context.Context, email string) (models.UserProfile, error) {
	cal, err := c.service.Calendars.Get(email).Context(ctx).Do()
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("failed to get calendar %s: %w", email, err)
	}
	name := cal.Summary
	if name == "" || strings.EqualFold(name, email) {
		name = models.LocalPart(email)
	}
	return models.UserProfile{Email: email, DisplayName: name, Color: c.colors.Color(email)}, nil
}

// FetchEvents lists the expanded events of email's primary calendar in [start, end).
func (c *CalendarClient) FetchEvents(ctx context.Context, email string, start, end time.Time) ([]models.CalendarEvent, error) {
	c.logger.Debug("Fetching events", "calendarID", email, "start", start, "end", end)

	var items []*calendar.Event
	err := c.service.Events.List(email).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		OrderBy("startTime").
		MaxResults(maxResults).
		Pages(ctx, func(page *calendar.Events) error {
			items = append(items, page.Items...)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve events: %w", err)
	}

	events := c.toInternalEvents(items, email, models.LocalPart(email))
	c.logger.Info("Successfully fetched events from Google Calendar", "count", len(events), "calendarID", email)
	return events, nil
}

// toInternalEvents converts Google Calendar events to the internal model.
// Cancelled and unparseable events are dropped.
func (c *CalendarClient) toInternalEvents(googleEvents []*calendar.Event, email, ownerName string) []models.CalendarEvent {
	events := []models.CalendarEvent{}
	for _, item := range googleEvents {
		if item.Status == "cancelled" || item.Start == nil {
			continue
		}

		allDay := item.Start.DateTime == "" && item.Start.Date != ""
		start, err := c.parseEventTime(item.Start)
		if err != nil {
			c.logger.Warn("Skipping event with invalid start", "id", item.Id, "error", err)
			continue
		}
		var end time.Time
		if item.End != nil {
			if end, err = c.parseEventTime(item.End); err != nil {
				c.logger.Warn("Skipping event with invalid end", "id", item.Id, "error", err)
				continue
			}
		}
		if end.IsZero() {
			if allDay {
				end = start.AddDate(0, 0, 1)
			} else {
				end = start.Add(time.Hour)
			}
		}

		subject := item.Summary
		if subject == "" {
			subject = "(No title)"
		}
		events = append(events, models.CalendarEvent{
			ID:         item.Id,
			Subject:    subject,
			Start:      start,
			End:        end,
			Location:   item.Location,
			AllDay:     allDay,
			Status:     eventStatus(item),
			OwnerEmail: email,
			OwnerName:  ownerName,
		})
	}
	return events
}

// parseEventTime reads either a timed or an all-day (date only) value.
func (c *CalendarClient) parseEventTime(t *calendar.EventDateTime) (time.Time, error) {
	if t.DateTime != "" {
		v, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, err
		}
		return v.In(c.location), nil
	}
	if t.Date != "" {
		return time.ParseInLocation(dateLayout, t.Date, c.location)
	}
	return time.Time{}, nil
}

// eventStatus maps Google's event type, transparency and status to a free/busy status.
func eventStatus(item *calendar.Event) models.Status {
	switch item.EventType {
	case "outOfOffice":
		return models.StatusOutOfOffice
	case "workingLocation":
		return models.StatusWorkingElsewhere
	}
	if item.Transparency == "transparent" {
		return models.StatusFree
	}
	if item.Status == "tentative" {
		return models.StatusTentative
	}
	return models.StatusBusy
}

// TokenFile is the file the auth command stores accountName's token in.
func TokenFile(accountName string) string {
	return fmt.Sprintf("token-%s.json", accountName)
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	return getOAuthConfig(clientID, clientSecret)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes environment variables over a local credentials.json file.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendar.CalendarReadonlyScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the working directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob"
	return config, nil
}

// TokenFromWeb exchanges an authorization code for a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// SaveToken saves a token to a file path, readable by the owner only.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}
