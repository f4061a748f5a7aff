package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"circlecam/internal/client"
)

// Activity timestamps use a fixed UTC mask; the API always reports UTC.
const timestampMask = "2006-01-02T15:04:05Z"

// activityIDMask is the compact form used for activity IDs and date filters.
const activityIDMask = "20060102T150405Z"

// queryLimitMax is the API's hard ceiling on history page size.
const queryLimitMax = 100

// Activity is one recorded motion event (up to a few minutes of video).
type Activity struct {
	fetch client.Fetcher

	ID             string
	RelevanceLevel int
	StartTime      time.Time // UTC
	EndTime        time.Time // UTC
	Duration       time.Duration

	baseURL string
	loc     *time.Location
}

type activityPayload struct {
	ActivityID       string `json:"activityId"`
	RelevanceLevel   int    `json:"relevanceLevel"`
	StartTime        string `json:"startTime"`
	EndTime          string `json:"endTime"`
	PlaybackDuration int64  `json:"playbackDuration"`
}

func newActivity(fetch client.Fetcher, raw json.RawMessage, activitiesPath string, loc *time.Location) (*Activity, error) {
	var p activityPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding activity: %w", err)
	}
	start, err := time.Parse(timestampMask, p.StartTime)
	if err != nil {
		return nil, fmt.Errorf("parsing activity start time: %w", err)
	}
	end, err := time.Parse(timestampMask, p.EndTime)
	if err != nil {
		return nil, fmt.Errorf("parsing activity end time: %w", err)
	}
	return &Activity{
		fetch:          fetch,
		ID:             p.ActivityID,
		RelevanceLevel: p.RelevanceLevel,
		StartTime:      start,
		EndTime:        end,
		Duration:       time.Duration(p.PlaybackDuration) * time.Millisecond,
		baseURL:        activitiesPath + "/" + p.ActivityID,
		loc:            loc,
	}, nil
}

// StartTimeLocal is the start time in the owning camera's timezone.
func (a *Activity) StartTimeLocal() time.Time {
	return a.StartTime.In(a.loc)
}

// EndTimeLocal is the end time in the owning camera's timezone.
func (a *Activity) EndTimeLocal() time.Time {
	return a.EndTime.In(a.loc)
}

// DownloadJPEG fetches the activity's representative still.
func (a *Activity) DownloadJPEG(ctx context.Context, dest string) ([]byte, error) {
	return a.asset(ctx, "/image", "image/jpeg", dest)
}

// DownloadMP4 fetches the activity as a self-contained MP4.
func (a *Activity) DownloadMP4(ctx context.Context, dest string) ([]byte, error) {
	return a.asset(ctx, "/mp4", "video/mp4", dest)
}

// DownloadHLS fetches the activity's HLS playlist.
func (a *Activity) DownloadHLS(ctx context.Context, dest string) ([]byte, error) {
	return a.asset(ctx, "/hls", "", dest)
}

// DownloadDASH fetches the activity's DASH manifest.
func (a *Activity) DownloadDASH(ctx context.Context, dest string) ([]byte, error) {
	return a.asset(ctx, "/dash", "", dest)
}

func (a *Activity) asset(ctx context.Context, suffix, accept, dest string) ([]byte, error) {
	req := client.Request{URL: a.baseURL + suffix}
	if accept != "" {
		req.Header = http.Header{"Accept": {accept}}
	}
	res, err := a.fetch.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return deliver(res.Body, dest)
}

// ActivityQuery filters the recorded history for one camera.
type ActivityQuery struct {
	// Limit caps results per page; the API rejects values above 100.
	Limit int
	// PropertyFilter is passed through as the API's filter expression.
	PropertyFilter string
	// Since constrains results relative to a point in time, compared with
	// Operator. A zero time means no date constraint.
	Since time.Time
	// Operator is the comparison applied to Since, "<=" by default.
	Operator string
}

// QueryActivities pages through recorded history for this camera.
func (c *Camera) QueryActivities(ctx context.Context, q ActivityQuery) ([]*Activity, error) {
	if q.Limit > queryLimitMax {
		return nil, fmt.Errorf("limit may not exceed %d due to API restrictions", queryLimitMax)
	}
	if q.Limit <= 0 {
		q.Limit = queryLimitMax
	}

	payload := map[string]any{
		"limit":              q.Limit,
		"scanDirectionNewer": true,
	}
	if !q.Since.IsZero() {
		// Date filters use the activity ID key format, always UTC.
		payload["startActivityId"] = q.Since.UTC().Format(activityIDMask)
		op := q.Operator
		if op == "" {
			op = "<="
		}
		payload["operator"] = op
	}
	if q.PropertyFilter != "" {
		payload["filter"] = q.PropertyFilter
	}

	res, err := c.fetch.Fetch(ctx, client.Request{
		URL:    c.activitiesPath(),
		Method: http.MethodPost,
		Body:   payload,
	})
	if err != nil {
		return nil, err
	}

	var page struct {
		Activities []json.RawMessage `json:"activities"`
	}
	if err := res.Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding activities: %w", err)
	}

	activities := make([]*Activity, 0, len(page.Activities))
	loc := c.Location()
	for _, raw := range page.Activities {
		act, err := newActivity(c.fetch, raw, c.activitiesPath(), loc)
		if err != nil {
			return nil, err
		}
		activities = append(activities, act)
	}
	return activities, nil
}

// LastActivity returns the most recent activity, or nil when the camera has
// no history at all.
func (c *Camera) LastActivity(ctx context.Context) (*Activity, error) {
	activities, err := c.QueryActivities(ctx, ActivityQuery{Limit: 1, Operator: "<="})
	if err != nil {
		return nil, err
	}
	if len(activities) == 0 {
		return nil, nil
	}
	return activities[0], nil
}
