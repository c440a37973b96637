// Package graph reads user profiles and calendars from Microsoft Graph using
// an application (client credentials) grant.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"teamcal/internal/models"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	graphScope     = "https://graph.microsoft.com/.default"
	requestTimeout = 30 * time.Second
	pageSize       = 500
	untitled       = "(No title)"
	localLayout    = "2006-01-02T15:04:05"
)

// ErrNotConfigured is returned when tenant, client id or secret are missing.
var ErrNotConfigured = errors.New("azure AD credentials incomplete: set AZURE_TENANT_ID, AZURE_CLIENT_ID, AZURE_CLIENT_SECRET")

// Client talks to the Graph REST API.
type Client struct {
	logger     *slog.Logger
	baseURL    string
	tokens     oauth2.TokenSource
	httpClient *http.Client
	location   *time.Location
	colors     *models.ColorAssigner
	configured bool
}

// Option customises a Client.
type Option func(*clientOptions)

type clientOptions struct {
	baseURL  string
	tokenURL string
}

// WithBaseURL points the client at a different Graph endpoint.
func WithBaseURL(u string) Option {
	return func(o *clientOptions) { o.baseURL = u }
}

// WithTokenURL overrides the Azure AD token endpoint.
func WithTokenURL(u string) Option {
	return func(o *clientOptions) { o.tokenURL = u }
}

// NewClient creates a Graph client. Event times are returned in loc and the
// same zone is requested from Graph through the Prefer header.
func NewClient(logger *slog.Logger, tenantID, clientID, clientSecret string, loc *time.Location, colors *models.ColorAssigner, opts ...Option) *Client {
	o := clientOptions{
		baseURL:  defaultBaseURL,
		tokenURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(tenantID)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if loc == nil {
		loc = time.UTC
	}

	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     o.tokenURL,
		Scopes:       []string{graphScope},
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: requestTimeout})
	tokens := oauth2.ReuseTokenSource(nil, cc.TokenSource(ctx))
	httpClient := oauth2.NewClient(ctx, tokens)
	httpClient.Timeout = requestTimeout

	return &Client{
		logger:     logger,
		baseURL:    o.baseURL,
		tokens:     tokens,
		httpClient: httpClient,
		location:   loc,
		colors:     colors,
		configured: tenantID != "" && clientID != "" && clientSecret != "",
	}
}

// Authenticate obtains (or reuses) an access token.
func (c *Client) Authenticate(ctx context.Context) error {
	if !c.configured {
		return ErrNotConfigured
	}
	if _, err := c.tokens.Token(); err != nil {
		return fmt.Errorf("failed to acquire graph token: %w", err)
	}
	return nil
}

type userResponse struct {
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// FetchProfile looks up a user's display name.
func (c *Client) FetchProfile(ctx context.Context, email string) (models.UserProfile, error) {
	u := fmt.Sprintf("%s/users/%s?$select=displayName,mail,userPrincipalName", c.baseURL, url.PathEscape(email))
	var user userResponse
	if err := c.get(ctx, u, &user); err != nil {
		return models.UserProfile{}, fmt.Errorf("failed to fetch user %s: %w", email, err)
	}
	name := user.DisplayName
	if name == "" {
		name = models.LocalPart(email)
	}
	return models.UserProfile{Email: email, DisplayName: name, Color: c.colors.Color(email)}, nil
}

type dateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID       string            `json:"id"`
	Subject  string            `json:"subject"`
	Start    *dateTimeTimeZone `json:"start"`
	End      *dateTimeTimeZone `json:"end"`
	Location *struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	ShowAs   string `json:"showAs"`
	IsAllDay bool   `json:"isAllDay"`
}

type calendarViewResponse struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

// FetchEvents returns the expanded calendar view of a user for [start, end).
func (c *Client) FetchEvents(ctx context.Context, email string, start, end time.Time) ([]models.CalendarEvent, error) {
	c.logger.Debug("Fetching calendar view", "email", email, "start", start, "end", end)

	q := url.Values{}
	q.Set("startDateTime", start.In(c.location).Format(localLayout))
	q.Set("endDateTime", end.In(c.location).Format(localLayout))
	q.Set("$select", "id,subject,start,end,location,showAs,isAllDay")
	q.Set("$top", fmt.Sprint(pageSize))
	q.Set("$orderby", "start/dateTime")
	next := fmt.Sprintf("%s/users/%s/calendarView?%s", c.baseURL, url.PathEscape(email), q.Encode())

	// The owner name is best effort; a failed lookup falls back to the local part.
	ownerName := models.LocalPart(email)
	if p, err := c.FetchProfile(ctx, email); err == nil {
		ownerName = p.DisplayName
	}

	events := []models.CalendarEvent{}
	for next != "" {
		var page calendarViewResponse
		if err := c.get(ctx, next, &page); err != nil {
			return nil, fmt.Errorf("failed to fetch calendar of %s: %w", email, err)
		}
		for _, item := range page.Value {
			ev, err := c.toInternalEvent(item, email, ownerName)
			if err != nil {
				c.logger.Warn("Skipping unparseable event", "email", email, "id", item.ID, "error", err)
				continue
			}
			events = append(events, ev)
		}
		next = page.NextLink
	}

	c.logger.Info("Fetched events from Microsoft Graph", "email", email, "count", len(events))
	return events, nil
}

func (c *Client) toInternalEvent(item graphEvent, email, ownerName string) (models.CalendarEvent, error) {
	if item.Start == nil || item.Start.DateTime == "" {
		return models.CalendarEvent{}, errors.New("event has no start")
	}
	start, err := c.parseDateTime(item.Start.DateTime)
	if err != nil {
		return models.CalendarEvent{}, err
	}
	end := start.Add(time.Hour)
	if item.End != nil && item.End.DateTime != "" {
		if end, err = c.parseDateTime(item.End.DateTime); err != nil {
			return models.CalendarEvent{}, err
		}
	}

	subject := item.Subject
	if subject == "" {
		subject = untitled
	}
	status := models.StatusBusy
	if item.ShowAs != "" {
		status = models.ParseStatus(item.ShowAs)
	}
	var location string
	if item.Location != nil {
		location = item.Location.DisplayName
	}

	return models.CalendarEvent{
		ID:         item.ID,
		Subject:    subject,
		Start:      start,
		End:        end,
		Location:   location,
		AllDay:     item.IsAllDay,
		Status:     status,
		OwnerEmail: email,
		OwnerName:  ownerName,
	}, nil
}

// parseDateTime reads a Graph timestamp. Values without an offset are already
// in the zone requested through the Prefer header.
func (c *Client) parseDateTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.In(c.location), nil
	}
	t, err := time.ParseInLocation(localLayout, v, c.location)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid graph datetime %q: %w", v, err)
	}
	return t, nil
}

func (c *Client) get(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", fmt.Sprintf("outlook.timezone=%q", c.location.String()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("graph returned %s: %s", resp.Status, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode graph response: %w", err)
	}
	return nil
}
