package provider

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/calendar-bridge/backend/internal/storage/models"
)

// caldavLookahead bounds how far forward a CalDAV time-range query reaches.
// CalDAV has no portable updated-since filter, so listing is windowed by
// event time and idempotence comes from the event sync mappings.
const caldavLookahead = 365 * 24 * time.Hour

// CalDAVClient adapts a CalDAV server to the canonical event model.
type CalDAVClient struct {
	client   *caldav.Client
	endpoint string
}

// NewCalDAVClientFactory returns a Factory bound to one CalDAV endpoint.
// The HTTP client carries the integration's credentials.
func NewCalDAVClientFactory(endpoint string) Factory {
	return func(ctx context.Context, httpClient *http.Client) (Client, error) {
		client, err := caldav.NewClient(httpClient, endpoint)
		if err != nil {
			return nil, fmt.Errorf("creating caldav client: %w", err)
		}
		return &CalDAVClient{client: client, endpoint: endpoint}, nil
	}
}

// ListEvents queries the calendar collection for events in the sync window.
func (c *CalDAVClient) ListEvents(ctx context.Context, calendarID string, since time.Time) ([]models.RemoteEvent, error) {
	start := since
	if start.IsZero() {
		start = time.Now().UTC().Add(-firstSyncWindow)
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			Comps:    []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start,
				End:   time.Now().UTC().Add(caldavLookahead),
			}},
		},
	}

	objects, err := c.client.QueryCalendar(ctx, calendarID, query)
	if err != nil {
		return nil, fmt.Errorf("querying calendar: %w", err)
	}

	var remote []models.RemoteEvent
	for _, obj := range objects {
		re, err := c.toRemoteEvent(&obj)
		if err != nil {
			continue
		}
		remote = append(remote, *re)
	}

	return remote, nil
}

// GetEvent fetches one calendar object by its path.
func (c *CalDAVClient) GetEvent(ctx context.Context, calendarID, externalID string) (*models.RemoteEvent, error) {
	obj, err := c.client.GetCalendarObject(ctx, c.objectPath(calendarID, externalID))
	if err != nil {
		if isHTTPNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting calendar object: %w", err)
	}

	return c.toRemoteEvent(obj)
}

// CreateEvent puts a new calendar object. The object name derives from the
// local event ID, so a retried create overwrites the same object instead of
// duplicating it.
func (c *CalDAVClient) CreateEvent(ctx context.Context, calendarID string, e *models.Event) (string, error) {
	externalID := e.ID + ".ics"
	if err := c.putEvent(ctx, calendarID, externalID, e); err != nil {
		return "", err
	}
	return externalID, nil
}

// UpdateEvent overwrites the calendar object with the local state.
func (c *CalDAVClient) UpdateEvent(ctx context.Context, calendarID, externalID string, e *models.Event) error {
	return c.putEvent(ctx, calendarID, externalID, e)
}

// DeleteEvent removes the calendar object.
func (c *CalDAVClient) DeleteEvent(ctx context.Context, calendarID, externalID string) error {
	if err := c.client.RemoveAll(ctx, c.objectPath(calendarID, externalID)); err != nil {
		if isHTTPNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing calendar object: %w", err)
	}
	return nil
}

func (c *CalDAVClient) putEvent(ctx context.Context, calendarID, externalID string, e *models.Event) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calendar-bridge//EN")

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, icalUID(e.ID))
	ve.Props.SetText(ical.PropSummary, e.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropLastModified, e.UpdatedAt.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, e.StartTime)
	ve.Props.SetDateTime(ical.PropDateTimeEnd, e.EndTime)
	if e.Description != "" {
		ve.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		ve.Props.SetText(ical.PropLocation, e.Location)
	}
	cal.Children = append(cal.Children, ve)

	if _, err := c.client.PutCalendarObject(ctx, c.objectPath(calendarID, externalID), cal); err != nil {
		return fmt.Errorf("putting calendar object: %w", err)
	}

	return nil
}

func (c *CalDAVClient) toRemoteEvent(obj *caldav.CalendarObject) (*models.RemoteEvent, error) {
	events := obj.Data.Events()
	if len(events) == 0 {
		return nil, fmt.Errorf("calendar object %s has no events", obj.Path)
	}
	ve := events[0]

	start, err := ve.DateTimeStart(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("reading start time: %w", err)
	}
	end, err := ve.DateTimeEnd(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("reading end time: %w", err)
	}

	re := &models.RemoteEvent{
		ExternalID: path.Base(obj.Path),
		StartTime:  start,
		EndTime:    end,
		Status:     models.EventStatusConfirmed,
	}

	if prop := ve.Props.Get(ical.PropSummary); prop != nil {
		re.Title, _ = prop.Text()
	}
	if prop := ve.Props.Get(ical.PropDescription); prop != nil {
		re.Description, _ = prop.Text()
	}
	if prop := ve.Props.Get(ical.PropLocation); prop != nil {
		re.Location, _ = prop.Text()
	}

	// LAST-MODIFIED drives double-edit detection; fall back to DTSTAMP.
	if prop := ve.Props.Get(ical.PropLastModified); prop != nil {
		re.UpdatedAt, _ = prop.DateTime(time.UTC)
	} else if prop := ve.Props.Get(ical.PropDateTimeStamp); prop != nil {
		re.UpdatedAt, _ = prop.DateTime(time.UTC)
	}

	return re, nil
}

func (c *CalDAVClient) objectPath(calendarID, externalID string) string {
	return path.Join(calendarID, externalID)
}

// isHTTPNotFound reports whether a caldav client error is a 404 or 410.
// go-webdav keeps its HTTP error type internal, so the status has to be
// read from the error text it produces.
func isHTTPNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "404 Not Found") || strings.Contains(msg, "410 Gone")
}
