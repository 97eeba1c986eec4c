// Package upstream is the client side of the workflow engine's HTTP surface:
// the SSE event stream, the cursor store, and the callback sink. All calls
// carry the project's context headers and, when configured, a service
// identity bearer token.
package upstream

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Config wires a Client to one project's upstream.
type Config struct {
	// BaseURL is the workflow engine root, without a trailing slash.
	BaseURL   string
	UserID    string
	ProjectID string

	// TokenSource supplies the service identity token. Nil disables the
	// Authorization header (local development against an open upstream).
	TokenSource oauth2.TokenSource

	// HTTPClient defaults to a client with no overall timeout; the SSE
	// stream is long-lived so per-call deadlines come from contexts.
	HTTPClient *http.Client
}

// Client talks to the upstream workflow engine.
type Client struct {
	cfg  Config
	http *http.Client
	log  *logrus.Entry
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		cfg:  cfg,
		http: hc,
		log: logrus.WithFields(logrus.Fields{
			"component": "upstream",
			"project":   cfg.ProjectID,
		}),
	}
}

// decorate stamps identity and context headers onto an outgoing request.
func (c *Client) decorate(req *http.Request) error {
	req.Header.Set("X-User-Id", c.cfg.UserID)
	req.Header.Set("X-Project-Id", c.cfg.ProjectID)
	if c.cfg.TokenSource != nil {
		tok, err := c.cfg.TokenSource.Token()
		if err != nil {
			return fmt.Errorf("upstream: identity token: %w", err)
		}
		tok.SetAuthHeader(req)
	}
	return nil
}

// drainClose reads the remainder of a response body so the connection can be
// reused, then closes it.
func drainClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}

// nowRFC3339 is the canonical timestamp format for cursor writes.
func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
