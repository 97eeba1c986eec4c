package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/toolbridge/backend/internal/protocol"
)

// maxEventBytes bounds a single SSE data payload.
const maxEventBytes = 4 << 20

// StreamOptions selects the replay position of a new stream. LastEventID
// wins over SinceID, which wins over SinceTime.
type StreamOptions struct {
	WorkspaceID string
	LastEventID string
	SinceID     string
	SinceTime   string
}

// EventSource is one open SSE stream.
type EventSource interface {
	// Next blocks for the next upstream event. The returned string is the
	// stream's id for the frame (the replay position), which may differ
	// from the event body's id. io.EOF means the stream ended cleanly.
	Next() (*protocol.Event, string, error)
	Close() error
}

// OpenStream connects to the upstream event stream.
func (c *Client) OpenStream(ctx context.Context, opts StreamOptions) (EventSource, error) {
	q := url.Values{}
	q.Set("projectId", c.cfg.ProjectID)
	if opts.WorkspaceID != "" {
		q.Set("workspaceId", opts.WorkspaceID)
	}
	switch {
	case opts.LastEventID != "":
		q.Set("since_id", opts.LastEventID)
	case opts.SinceID != "":
		q.Set("since_id", opts.SinceID)
	case opts.SinceTime != "":
		q.Set("since_time", opts.SinceTime)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/events/stream?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if opts.LastEventID != "" {
		req.Header.Set("Last-Event-ID", opts.LastEventID)
	}
	if err := c.decorate(req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		drainClose(resp.Body)
		return nil, fmt.Errorf("upstream: open stream: status %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), maxEventBytes)
	return &eventStream{body: resp.Body, scanner: sc}, nil
}

type eventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	lastID  string
}

// Next parses SSE frames: `id:` lines update the replay position, `data:`
// lines accumulate the payload, and a blank line dispatches it. Comment
// lines (leading colon) and `event:`/`retry:` fields are skipped.
func (s *eventStream) Next() (*protocol.Event, string, error) {
	var data strings.Builder
	frameID := ""

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if data.Len() == 0 {
				frameID = ""
				continue
			}
			if frameID != "" {
				s.lastID = frameID
			}
			var ev protocol.Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return nil, s.lastID, fmt.Errorf("upstream: bad event payload: %w", err)
			}
			return &ev, s.lastID, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			frameID = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, s.lastID, fmt.Errorf("upstream: stream read: %w", err)
	}
	return nil, s.lastID, io.EOF
}

func (s *eventStream) Close() error {
	return s.body.Close()
}
