package channel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/toolbridge/backend/internal/envelope"
	"github.com/toolbridge/backend/internal/metrics"
	"github.com/toolbridge/backend/internal/protocol"
)

const (
	defaultSendTimeout   = 20 * time.Second
	defaultQueueSize     = 64
	maxReconnectBackoff  = 30 * time.Second
	reconnectJitterMs    = 250
	maxLineBytes         = 16 << 20 // generous: two output caps, base64-expanded
	defaultInitBackoffMs = 500
)

// duplexFrame is one encrypted NDJSON line. Seq travels in the clear because
// it is part of the AAD the receiver must reconstruct.
type duplexFrame struct {
	V   string `json:"v"`
	N   string `json:"n"`
	CT  string `json:"ct"`
	Tag string `json:"tag"`
	Seq string `json:"seq"`
}

// DuplexConfig configures the producer-side duplex client.
type DuplexConfig struct {
	URL         string // e.g. http://executor:8081/sessions/stream
	UserID      string
	ProjectID   string
	WorkspaceID string
	SessionID   string
	Key         []byte

	AuthToken string // Authorization bearer for the executor
	GCSToken  string // forwarded as X-Gcs-Token

	SendTimeout      time.Duration
	ReconnectBackoff time.Duration
	QueueSize        int
	HTTPClient       *http.Client
}

type sendResult struct {
	resp *protocol.ToolResponse
	err  error
}

type pendingSend struct {
	req   *protocol.ToolRequest
	seq   string
	reply chan sendResult
}

func (p *pendingSend) resolve(resp *protocol.ToolResponse) { p.reply <- sendResult{resp: resp} }
func (p *pendingSend) reject(err error)                    { p.reply <- sendResult{err: err} }

// DuplexClient multiplexes ordered tool requests onto one long-lived HTTP
// connection. A single dispatcher goroutine owns the socket; Send callers
// queue behind it and block on a private reply channel, which keeps at most
// one request outstanding and resolves responses in submission order.
type DuplexClient struct {
	cfg    DuplexConfig
	seq    atomic.Int64
	sendCh chan *pendingSend
	stop   chan struct{}
	once   sync.Once
	done   chan struct{}
	log    *logrus.Entry
}

// NewDuplexClient creates and starts the client. The connection is
// established lazily on the first Send.
func NewDuplexClient(cfg DuplexConfig) *DuplexClient {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultInitBackoffMs * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{} // no overall timeout: the body streams forever
	}

	c := &DuplexClient{
		cfg:    cfg,
		sendCh: make(chan *pendingSend, cfg.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component": "channel.duplex",
			"project":   cfg.ProjectID,
		}),
	}
	go c.run()
	return c
}

// Send implements Channel.
func (c *DuplexClient) Send(ctx context.Context, req *protocol.ToolRequest) (*protocol.ToolResponse, error) {
	p := &pendingSend{
		req:   req,
		seq:   strconv.FormatInt(c.seq.Add(1), 10),
		reply: make(chan sendResult, 1),
	}

	select {
	case c.sendCh <- p:
	case <-c.stop:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-p.reply:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stop:
		return nil, ErrStopped
	}
}

// Close implements Channel.
func (c *DuplexClient) Close() error {
	c.once.Do(func() { close(c.stop) })
	<-c.done
	return nil
}

// run is the dispatcher: wait for a queued send, connect, serve until a
// teardown trigger, back off, repeat. Exits only on Close.
func (c *DuplexClient) run() {
	defer close(c.done)

	backoff := c.cfg.ReconnectBackoff
	var next *pendingSend // dequeued but not yet written
	for {
		if next == nil {
			// Idle until there is work; the dial happens on demand.
			select {
			case <-c.stop:
				c.drainReject(ErrStopped)
				return
			case next = <-c.sendCh:
			}
		}

		conn, err := c.connect()
		if err != nil {
			c.log.WithError(err).Warn("connect failed")
			metrics.ChannelReconnects.WithLabelValues("connect_failed").Inc()
			if !c.sleepBackoff(backoff) {
				next.reject(ErrStopped)
				c.drainReject(ErrStopped)
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = c.cfg.ReconnectBackoff
		trigger := c.serve(conn, next)
		next = nil
		conn.close()
		if trigger == nil {
			return // stopped
		}
		c.log.WithField("trigger", trigger.Error()).Info("reconnecting")
		metrics.ChannelReconnects.WithLabelValues(triggerLabel(trigger)).Inc()
		if !c.sleepBackoff(backoff) {
			c.drainReject(ErrStopped)
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func triggerLabel(err error) string {
	switch {
	case err == ErrStreamEnded:
		return "stream_end"
	case err == ErrStreamError:
		return "stream_error"
	case err == ErrWriteError:
		return "write_error"
	case err == ErrSendTimeout:
		return "send_timeout"
	}
	return "other"
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxReconnectBackoff {
		next = maxReconnectBackoff
	}
	return next
}

// sleepBackoff waits cur plus jitter; false means the client was stopped.
func (c *DuplexClient) sleepBackoff(cur time.Duration) bool {
	jitter := time.Duration(rand.Intn(reconnectJitterMs)) * time.Millisecond
	select {
	case <-time.After(cur + jitter):
		return true
	case <-c.stop:
		return false
	}
}

// duplexConn is one live connection: the pipe feeding the chunked request
// body and the reader draining the response stream.
type duplexConn struct {
	w       *io.PipeWriter
	resp    *http.Response
	lines   chan []byte
	readErr chan error
	cancel  context.CancelFunc
	closed  chan struct{}
}

func (c *DuplexClient) connect() (*duplexConn, error) {
	ctx, cancel := context.WithCancel(context.Background())

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, pr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("X-User-Id", c.cfg.UserID)
	req.Header.Set("X-Project-Id", c.cfg.ProjectID)
	if c.cfg.WorkspaceID != "" {
		req.Header.Set("X-Workspace-Id", c.cfg.WorkspaceID)
	}
	if c.cfg.SessionID != "" {
		req.Header.Set("X-Session-Id", c.cfg.SessionID)
	}
	if c.cfg.GCSToken != "" {
		req.Header.Set("X-Gcs-Token", c.cfg.GCSToken)
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: status %d", ErrConnectFailed, resp.StatusCode)
	}

	// Immediate newline so middleboxes do not time out an idle body.
	if _, err := pw.Write([]byte("\n")); err != nil {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	conn := &duplexConn{
		w:       pw,
		resp:    resp,
		lines:   make(chan []byte, 16),
		readErr: make(chan error, 1),
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
	go conn.readLoop()
	return conn, nil
}

func (dc *duplexConn) readLoop() {
	scanner := bufio.NewScanner(dc.resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		select {
		case dc.lines <- line:
		case <-dc.closed:
			return
		}
	}
	dc.readErr <- scanner.Err() // nil on clean EOF
}

func (dc *duplexConn) writeLine(line []byte) error {
	_, err := dc.w.Write(append(line, '\n'))
	return err
}

func (dc *duplexConn) close() {
	close(dc.closed)
	dc.w.Close()
	dc.cancel()
	dc.resp.Body.Close()
}

// serve owns one connection until a teardown trigger fires. first is the send
// that prompted the dial; it goes out before the queue is consulted. Returns
// the trigger, or nil when the client was stopped.
func (c *DuplexClient) serve(conn *duplexConn, first *pendingSend) error {
	var (
		inflight *pendingSend
		timeout  <-chan time.Time
	)
	sends := c.sendCh

	submit := func(p *pendingSend) error {
		line, err := c.encodeRequest(p)
		if err != nil {
			p.reject(err)
			return nil
		}
		if err := conn.writeLine(line); err != nil {
			p.reject(fmt.Errorf("%w: %v", ErrWriteError, err))
			return ErrWriteError
		}
		inflight = p
		sends = nil // one in flight: stop pulling the queue
		timeout = time.After(c.cfg.SendTimeout)
		metrics.InflightRequests.Set(1)
		return nil
	}

	if first != nil {
		if err := submit(first); err != nil {
			return err
		}
	}

	for {
		select {
		case <-c.stop:
			if inflight != nil {
				inflight.reject(ErrStopped)
			}
			c.drainReject(ErrStopped)
			return nil

		case p := <-sends:
			if err := submit(p); err != nil {
				return err
			}

		case raw := <-conn.lines:
			resp, seq, err := c.decodeLine(raw)
			if err != nil {
				// Envelope failure on a line addressed to the
				// in-flight request rejects it; anything else is
				// a discarded frame.
				if inflight != nil && seq == inflight.seq {
					inflight.reject(err)
					inflight, sends, timeout = nil, c.sendCh, nil
					metrics.InflightRequests.Set(0)
				}
				continue
			}
			if resp == nil {
				continue // control token
			}
			if inflight == nil || seq != inflight.seq {
				c.log.WithField("seq", seq).Debug("discarding unmatched response")
				continue
			}
			inflight.resolve(resp)
			inflight, sends, timeout = nil, c.sendCh, nil
			metrics.InflightRequests.Set(0)

		case err := <-conn.readErr:
			kind := ErrStreamEnded
			if err != nil {
				c.log.WithError(err).Debug("response stream error")
				kind = ErrStreamError
			}
			if inflight != nil {
				inflight.reject(kind)
				metrics.InflightRequests.Set(0)
			}
			return kind

		case <-timeout:
			inflight.reject(ErrSendTimeout)
			metrics.InflightRequests.Set(0)
			// The queued tail is rejected, not re-enqueued: the
			// caller cannot know how stale those requests are by
			// the time the connection recovers.
			c.drainReject(ErrSendTimeout)
			return ErrSendTimeout
		}
	}
}

func (c *DuplexClient) drainReject(err error) {
	for {
		select {
		case p := <-c.sendCh:
			p.reject(err)
		default:
			return
		}
	}
}

func (c *DuplexClient) attrs(chn, seq string) envelope.Attributes {
	return envelope.Attributes{
		UserID:    c.cfg.UserID,
		ProjectID: c.cfg.ProjectID,
		SessionID: c.cfg.SessionID,
		Channel:   chn,
		Type:      "tool",
		Seq:       seq,
	}
}

func (c *DuplexClient) encodeRequest(p *pendingSend) ([]byte, error) {
	payload, err := json.Marshal(p.req)
	if err != nil {
		return nil, fmt.Errorf("channel: marshal request: %w", err)
	}
	env, err := envelope.Encrypt(payload, c.cfg.Key, c.attrs("req", p.seq))
	if err != nil {
		return nil, err
	}
	return json.Marshal(&duplexFrame{V: env.V, N: env.N, CT: env.CT, Tag: env.Tag, Seq: p.seq})
}

// decodeLine parses one NDJSON line. Control tokens return (nil, "", nil).
// Envelope failures return the seq they were addressed to so the caller can
// reject the matching in-flight request.
func (c *DuplexClient) decodeLine(raw []byte) (*protocol.ToolResponse, string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, "", nil
	}
	if raw[0] != '{' {
		fields := strings.Fields(string(raw))
		switch fields[0] {
		case ctlReady, ctlPing:
			// Keepalive only.
		case ctlError:
			c.log.WithField("detail", string(raw)).Warn("peer error frame")
		default:
			c.log.WithField("frame", string(raw)).Debug("unexpected control token")
		}
		return nil, "", nil
	}

	var frame duplexFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.WithError(err).Debug("unparseable frame discarded")
		return nil, "", nil
	}

	env := &envelope.Envelope{V: frame.V, N: frame.N, CT: frame.CT, Tag: frame.Tag}
	payload, err := envelope.Decrypt(env, c.cfg.Key, c.attrs("resp", frame.Seq))
	if err != nil {
		return nil, frame.Seq, err
	}

	var resp protocol.ToolResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, frame.Seq, fmt.Errorf("channel: unmarshal response: %w", err)
	}
	return &resp, frame.Seq, nil
}
