// Package pump drives the producer's main loop: pull ordered tool-call
// events from the upstream SSE stream, forward each to the executor over a
// channel, deliver the result through the callback sink, and advance the
// persisted cursor. Cursor advance is strictly after response and callback,
// so a crash replays at most the events whose cursor write never happened.
package pump

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/toolbridge/backend/internal/metrics"
	"github.com/toolbridge/backend/internal/protocol"
	"github.com/toolbridge/backend/internal/upstream"
)

// Sender is the producer's side of a request/response channel.
type Sender interface {
	Send(ctx context.Context, req *protocol.ToolRequest) (*protocol.ToolResponse, error)
}

// Upstream is the slice of the workflow engine client the pump needs.
type Upstream interface {
	OpenStream(ctx context.Context, opts upstream.StreamOptions) (upstream.EventSource, error)
	FetchCursor(ctx context.Context) (*upstream.Cursor, error)
	StoreCursor(ctx context.Context, cur upstream.Cursor) error
	DeliverCallback(ctx context.Context, callbackID string, payload interface{}) error
}

// Config tunes one pump instance.
type Config struct {
	WorkspaceID string

	// SinceID / SinceTime position the first stream when no cursor is
	// persisted. A persisted cursor wins over both.
	SinceID   string
	SinceTime string

	// SkipCallbackOnToolError withholds the callback when the tool
	// returned a value-shaped error. Default delivers the (null) result;
	// either way the cursor advances.
	SkipCallbackOnToolError bool

	ReconnectBackoff time.Duration // initial, default 1s
	MaxBackoff       time.Duration // default 30s
}

// Pump is the producer event loop.
type Pump struct {
	up     Upstream
	sender Sender
	cfg    Config
	log    *logrus.Entry

	// lastEventID is the replay position: advanced only after an event is
	// fully processed, so a reconnect re-delivers anything unfinished.
	lastEventID string
}

// New builds a pump. Run must be called exactly once.
func New(up Upstream, sender Sender, cfg Config) *Pump {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Pump{
		up:     up,
		sender: sender,
		cfg:    cfg,
		log:    logrus.WithField("component", "pump"),
	}
}

// Run pumps events until ctx is cancelled. Stream failures reconnect with
// doubling backoff; only ctx cancellation returns.
func (p *Pump) Run(ctx context.Context) error {
	if cur, err := p.up.FetchCursor(ctx); err != nil {
		p.log.WithError(err).Warn("cursor fetch failed, using configured position")
	} else if cur != nil {
		p.lastEventID = cur.EventID
	}

	backoff := p.cfg.ReconnectBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		stream, err := p.up.OpenStream(ctx, upstream.StreamOptions{
			WorkspaceID: p.cfg.WorkspaceID,
			LastEventID: p.lastEventID,
			SinceID:     p.cfg.SinceID,
			SinceTime:   p.cfg.SinceTime,
		})
		if err != nil {
			p.log.WithError(err).Warn("stream connect failed")
		} else {
			if served := p.serve(ctx, stream); served {
				backoff = p.cfg.ReconnectBackoff
			}
			stream.Close()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + time.Duration(rand.Intn(250))*time.Millisecond):
		}
		if backoff *= 2; backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}
}

// serve consumes one stream until it ends or an event fails mid-flight.
// It reports whether at least one event was fully processed.
func (p *Pump) serve(ctx context.Context, stream upstream.EventSource) bool {
	served := false
	for {
		ev, frameID, err := stream.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				p.log.WithError(err).Warn("stream ended")
			}
			return served
		}

		if ev.ToolCall == nil {
			// Heartbeats and non-tool events only move the replay position.
			p.advanceReplay(ev, frameID)
			continue
		}

		if err := p.handle(ctx, ev, frameID); err != nil {
			// The event was not delivered; keep the replay position so a
			// reconnect re-sends it.
			p.log.WithError(err).WithField("event", ev.ID).Warn("delivery failed, will replay")
			metrics.EventsProcessed.WithLabelValues("replay").Inc()
			return served
		}
		served = true
	}
}

// handle runs steps b-e for a single tool-call event: forward, await,
// callback, cursor.
func (p *Pump) handle(ctx context.Context, ev *protocol.Event, frameID string) error {
	req, err := protocol.RequestFromEvent(ev)
	if err != nil {
		return err
	}

	resp, err := p.sender.Send(ctx, req)
	if err != nil {
		return err
	}

	outcome := "ok"
	if resp.Error != "" {
		outcome = "tool_error"
	}
	metrics.EventsProcessed.WithLabelValues(outcome).Inc()

	if ev.CallbackID != "" && (resp.Error == "" || !p.cfg.SkipCallbackOnToolError) {
		if err := p.up.DeliverCallback(ctx, ev.CallbackID, resp.Result); err != nil {
			// Logged, never blocks cursor advance.
			p.log.WithError(err).WithField("callback", ev.CallbackID).Error("callback delivery failed")
		}
	}

	eventID := ev.ID
	if eventID == "" {
		eventID = frameID
	}
	cur := upstream.Cursor{EventID: eventID, Timestamp: upstream.Timestamp(ev.CreateTime)}
	if err := p.up.StoreCursor(ctx, cur); err != nil {
		// The cursor is advisory; a failed write only widens replay.
		p.log.WithError(err).Warn("cursor write failed")
	}

	p.advanceReplay(ev, frameID)
	return nil
}

func (p *Pump) advanceReplay(ev *protocol.Event, frameID string) {
	switch {
	case frameID != "":
		p.lastEventID = frameID
	case ev.ID != "":
		p.lastEventID = ev.ID
	}
}
