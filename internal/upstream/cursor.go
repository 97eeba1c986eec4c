package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Timestamp is a cursor timestamp. Writes always use canonical RFC 3339; on
// read, historical cursors that stored epoch milliseconds are converted.
type Timestamp string

// UnmarshalJSON accepts an RFC 3339 string or an epoch-milliseconds number.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*t = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Timestamp(s)
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("upstream: cursor timestamp %q: %w", data, err)
	}
	*t = Timestamp(time.UnixMilli(ms).UTC().Format(time.RFC3339Nano))
	return nil
}

// Cursor is the per-project replay position. It is advisory: a later write
// is expected to carry a later event, but the store enforces nothing.
type Cursor struct {
	EventID   string    `json:"eventId"`
	Timestamp Timestamp `json:"timestamp,omitempty"`
	UpdatedAt string    `json:"updatedAt,omitempty"`
}

// FetchCursor reads the persisted project cursor. A missing cursor returns
// (nil, nil).
func (c *Client) FetchCursor(ctx context.Context) (*Cursor, error) {
	u := fmt.Sprintf("%s/events/cursors?projectId=%s", c.cfg.BaseURL, url.QueryEscape(c.cfg.ProjectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if err := c.decorate(req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: fetch cursor: %w", err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream: fetch cursor: status %d", resp.StatusCode)
	}

	var body struct {
		Project *Cursor `json:"project"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("upstream: fetch cursor: %w", err)
	}
	if body.Project == nil || body.Project.EventID == "" {
		return nil, nil
	}
	return body.Project, nil
}

// StoreCursor persists the project cursor.
func (c *Client) StoreCursor(ctx context.Context, cur Cursor) error {
	if cur.Timestamp == "" {
		cur.Timestamp = Timestamp(nowRFC3339())
	}
	payload, err := json.Marshal(struct {
		ProjectID string    `json:"projectId"`
		EventID   string    `json:"eventId"`
		Timestamp Timestamp `json:"timestamp"`
		Target    string    `json:"target"`
	}{c.cfg.ProjectID, cur.EventID, cur.Timestamp, "project"})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/events/cursors", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.decorate(req); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: store cursor: %w", err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("upstream: store cursor: status %d", resp.StatusCode)
	}
	return nil
}
