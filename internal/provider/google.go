package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/calendar-bridge/backend/internal/storage/models"
)

// firstSyncWindow bounds how far back the initial pass looks when no
// watermark exists yet.
const firstSyncWindow = 30 * 24 * time.Hour

// GoogleClient adapts the Google Calendar v3 API to the canonical event model.
type GoogleClient struct {
	service *calendar.Service
}

// NewGoogleClient creates a Google Calendar client on top of an HTTP client
// that already carries the integration's OAuth token.
func NewGoogleClient(ctx context.Context, httpClient *http.Client) (Client, error) {
	service, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return &GoogleClient{service: service}, nil
}

// ListEvents returns events updated since the watermark. Cancelled events are
// included so the caller can observe remote deletions.
func (c *GoogleClient) ListEvents(ctx context.Context, calendarID string, since time.Time) ([]models.RemoteEvent, error) {
	call := c.service.Events.List(calendarID).
		Context(ctx).
		SingleEvents(true).
		ShowDeleted(true).
		MaxResults(250)

	if since.IsZero() {
		call = call.TimeMin(time.Now().UTC().Add(-firstSyncWindow).Format(time.RFC3339))
	} else {
		call = call.UpdatedMin(since.Format(time.RFC3339))
	}

	var remote []models.RemoteEvent
	pageToken := ""
	for {
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		result, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("listing events: %w", err)
		}

		for _, item := range result.Items {
			re, err := c.toRemoteEvent(item)
			if err != nil {
				continue
			}
			remote = append(remote, *re)
		}

		pageToken = result.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return remote, nil
}

// GetEvent fetches one event by its Google event ID.
func (c *GoogleClient) GetEvent(ctx context.Context, calendarID, externalID string) (*models.RemoteEvent, error) {
	item, err := c.service.Events.Get(calendarID, externalID).Context(ctx).Do()
	if err != nil {
		if isGoogleNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting event: %w", err)
	}

	// Google keeps deleted events retrievable with status "cancelled".
	if item.Status == "cancelled" {
		return nil, ErrNotFound
	}

	return c.toRemoteEvent(item)
}

// CreateEvent inserts the event. The local event ID rides along as the
// iCalUID so a retried create converges on the same remote event.
func (c *GoogleClient) CreateEvent(ctx context.Context, calendarID string, e *models.Event) (string, error) {
	item := c.fromEvent(e)
	item.ICalUID = icalUID(e.ID)

	created, err := c.service.Events.Import(calendarID, item).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("creating event: %w", err)
	}

	return created.Id, nil
}

// UpdateEvent overwrites the remote event with the local state.
func (c *GoogleClient) UpdateEvent(ctx context.Context, calendarID, externalID string, e *models.Event) error {
	item := c.fromEvent(e)

	if _, err := c.service.Events.Update(calendarID, externalID, item).Context(ctx).Do(); err != nil {
		if isGoogleNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("updating event: %w", err)
	}

	return nil
}

// DeleteEvent removes the remote event. Already-deleted events are treated
// as success so the operation stays retryable.
func (c *GoogleClient) DeleteEvent(ctx context.Context, calendarID, externalID string) error {
	if err := c.service.Events.Delete(calendarID, externalID).Context(ctx).Do(); err != nil {
		if isGoogleNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting event: %w", err)
	}

	return nil
}

func (c *GoogleClient) toRemoteEvent(item *calendar.Event) (*models.RemoteEvent, error) {
	re := &models.RemoteEvent{
		ExternalID:  item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Status:      item.Status,
	}

	if item.Updated != "" {
		updated, err := time.Parse(time.RFC3339, item.Updated)
		if err != nil {
			return nil, fmt.Errorf("parsing updated time: %w", err)
		}
		re.UpdatedAt = updated
	}

	if item.Start == nil || item.End == nil {
		return nil, errors.New("event has no time range")
	}

	if item.Start.DateTime != "" {
		start, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			return nil, fmt.Errorf("parsing start time: %w", err)
		}
		end, _ := time.Parse(time.RFC3339, item.End.DateTime)
		re.StartTime = start
		re.EndTime = end
	} else if item.Start.Date != "" {
		start, err := time.Parse("2006-01-02", item.Start.Date)
		if err != nil {
			return nil, fmt.Errorf("parsing start date: %w", err)
		}
		end, _ := time.Parse("2006-01-02", item.End.Date)
		re.StartTime = start
		re.EndTime = end
		re.AllDay = true
	} else {
		return nil, errors.New("event has no start time")
	}

	return re, nil
}

func (c *GoogleClient) fromEvent(e *models.Event) *calendar.Event {
	item := &calendar.Event{
		Summary:     e.Title,
		Description: e.Description,
		Location:    e.Location,
	}

	if e.AllDay {
		item.Start = &calendar.EventDateTime{Date: e.StartTime.Format("2006-01-02")}
		item.End = &calendar.EventDateTime{Date: e.EndTime.Format("2006-01-02")}
	} else {
		item.Start = &calendar.EventDateTime{DateTime: e.StartTime.Format(time.RFC3339)}
		item.End = &calendar.EventDateTime{DateTime: e.EndTime.Format(time.RFC3339)}
	}

	return item
}

func icalUID(eventID string) string {
	return eventID + "@calendar-bridge"
}

func isGoogleNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
	}
	return false
}
