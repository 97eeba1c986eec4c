package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/toolbridge/backend/internal/envelope"
	"github.com/toolbridge/backend/internal/metrics"
	"github.com/toolbridge/backend/internal/protocol"
)

// Channel attribute values.
const (
	ChannelReq  = "req"
	ChannelResp = "resp"
)

// maxOutstanding caps pub/sub flow control on both subscriptions.
const maxOutstanding = 16

// PubSubConfig configures either side of the pub/sub fabric.
type PubSubConfig struct {
	Topic     *pubsub.Topic
	Sub       *pubsub.Subscription // resp sub for the producer, req sub for the executor
	Key       []byte
	UserID    string
	ProjectID string
	SessionID string

	SendTimeout time.Duration // producer only
}

func (cfg *PubSubConfig) attrs(chn, seq string) envelope.Attributes {
	return envelope.Attributes{
		UserID:    cfg.UserID,
		ProjectID: cfg.ProjectID,
		SessionID: cfg.SessionID,
		Channel:   chn,
		Type:      "tool",
		Seq:       seq,
	}
}

// messageAttributes renders the pub/sub attribute map the subscription
// filters match on.
func (cfg *PubSubConfig) messageAttributes(chn, seq string) map[string]string {
	return map[string]string{
		"user_id":    cfg.UserID,
		"project_id": cfg.ProjectID,
		"session_id": cfg.SessionID,
		"channel":    chn,
		"type":       "tool",
		"seq":        seq,
		"v":          envelope.Scheme,
	}
}

// PubSubChannel is the producer side: publish encrypted requests with
// channel="req", await the seq-matched encrypted reply on the resp
// subscription.
type PubSubChannel struct {
	cfg    PubSubConfig
	seq    atomic.Int64
	sendMu sync.Mutex // serializes sends: at most one in flight

	mu      sync.Mutex
	waiters map[string]chan *protocol.ToolResponse

	cancel context.CancelFunc
	done   chan struct{}
	log    *logrus.Entry
}

// NewPubSubChannel starts the response receiver and returns the channel.
func NewPubSubChannel(cfg PubSubConfig) *PubSubChannel {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	cfg.Sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding

	ctx, cancel := context.WithCancel(context.Background())
	c := &PubSubChannel{
		cfg:     cfg,
		waiters: make(map[string]chan *protocol.ToolResponse),
		cancel:  cancel,
		done:    make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component": "channel.pubsub",
			"project":   cfg.ProjectID,
		}),
	}

	go func() {
		defer close(c.done)
		err := cfg.Sub.Receive(ctx, c.onResponse)
		if err != nil && ctx.Err() == nil {
			c.log.WithError(err).Error("response receive loop failed")
		}
	}()
	return c
}

func (c *PubSubChannel) onResponse(ctx context.Context, msg *pubsub.Message) {
	seq := msg.Attributes["seq"]

	var env envelope.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		c.log.WithError(err).Warn("unparseable response envelope")
		msg.Nack()
		return
	}

	payload, err := envelope.Decrypt(&env, c.cfg.Key, c.cfg.attrs(ChannelResp, seq))
	if err != nil {
		c.log.WithError(err).WithField("seq", seq).Warn("response failed authentication")
		msg.Nack()
		return
	}

	var resp protocol.ToolResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.log.WithError(err).Warn("unparseable response payload")
		msg.Nack()
		return
	}

	c.mu.Lock()
	waiter, ok := c.waiters[seq]
	delete(c.waiters, seq)
	c.mu.Unlock()

	if ok {
		waiter <- &resp
	} else {
		c.log.WithField("seq", seq).Debug("late or duplicate response acked")
	}
	msg.Ack()
}

// Send implements Channel.
func (c *PubSubChannel) Send(ctx context.Context, req *protocol.ToolRequest) (*protocol.ToolResponse, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	seq := strconv.FormatInt(c.seq.Add(1), 10)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("channel: marshal request: %w", err)
	}
	env, err := envelope.Encrypt(payload, c.cfg.Key, c.cfg.attrs(ChannelReq, seq))
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	waiter := make(chan *protocol.ToolResponse, 1)
	c.mu.Lock()
	c.waiters[seq] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, seq)
		c.mu.Unlock()
	}()

	metrics.InflightRequests.Set(1)
	defer metrics.InflightRequests.Set(0)

	result := c.cfg.Topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: c.cfg.messageAttributes(ChannelReq, seq),
	})
	if _, err := result.Get(ctx); err != nil {
		return nil, fmt.Errorf("%w: publish: %v", ErrWriteError, err)
	}

	select {
	case resp := <-waiter:
		return resp, nil
	case <-time.After(c.cfg.SendTimeout):
		return nil, ErrSendTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Channel.
func (c *PubSubChannel) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// PubSubServer is the executor side: consume encrypted requests, execute one
// at a time, publish the encrypted reply under the same seq. Acks cover both
// success and tool-level failure; only decrypt and transport failures nack.
type PubSubServer struct {
	cfg      PubSubConfig
	exec     Executor
	idleExit time.Duration
	lastMsg  atomic.Int64
	execMu   sync.Mutex // tools share the workspace: one at a time
	log      *logrus.Entry
}

// NewPubSubServer creates the executor-side consumer. idleExit of zero
// disables the idle timer.
func NewPubSubServer(cfg PubSubConfig, exec Executor, idleExit time.Duration) *PubSubServer {
	cfg.Sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	s := &PubSubServer{
		cfg:      cfg,
		exec:     exec,
		idleExit: idleExit,
		log: logrus.WithFields(logrus.Fields{
			"component": "channel.pubsub-server",
			"project":   cfg.ProjectID,
		}),
	}
	s.lastMsg.Store(time.Now().UnixMilli())
	return s
}

// Run consumes until ctx is cancelled or the idle-exit timer fires. A nil
// return means a clean idle exit or cancellation.
func (s *PubSubServer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.idleExit > 0 {
		go func() {
			t := time.NewTicker(s.idleExit / 4)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					idle := time.Now().UnixMilli() - s.lastMsg.Load()
					if idle >= s.idleExit.Milliseconds() {
						s.log.WithField("idle_ms", idle).Info("idle exit")
						cancel()
						return
					}
				}
			}
		}()
	}

	err := s.cfg.Sub.Receive(ctx, s.onRequest)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *PubSubServer) onRequest(ctx context.Context, msg *pubsub.Message) {
	s.lastMsg.Store(time.Now().UnixMilli())
	seq := msg.Attributes["seq"]

	var env envelope.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		s.log.WithError(err).Warn("unparseable request envelope")
		msg.Nack()
		return
	}

	payload, err := envelope.Decrypt(&env, s.cfg.Key, s.cfg.attrs(ChannelReq, seq))
	if err != nil {
		s.log.WithError(err).WithField("seq", seq).Warn("request failed authentication")
		msg.Nack()
		return
	}

	var req protocol.ToolRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.log.WithError(err).Warn("unparseable request payload")
		msg.Nack()
		return
	}

	s.execMu.Lock()
	resp := s.exec.Execute(ctx, &req)
	s.execMu.Unlock()

	respPayload, err := json.Marshal(resp)
	if err != nil {
		s.log.WithError(err).Error("marshal response")
		msg.Nack()
		return
	}
	respEnv, err := envelope.Encrypt(respPayload, s.cfg.Key, s.cfg.attrs(ChannelResp, seq))
	if err != nil {
		s.log.WithError(err).Error("encrypt response")
		msg.Nack()
		return
	}
	data, err := json.Marshal(respEnv)
	if err != nil {
		msg.Nack()
		return
	}

	result := s.cfg.Topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: s.cfg.messageAttributes(ChannelResp, seq),
	})
	if _, err := result.Get(ctx); err != nil {
		s.log.WithError(err).Warn("reply publish failed")
		msg.Nack()
		return
	}

	msg.Ack()
}
