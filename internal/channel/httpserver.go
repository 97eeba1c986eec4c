package channel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/toolbridge/backend/internal/envelope"
	"github.com/toolbridge/backend/internal/protocol"
)

// StreamServer is the executor side of the HTTP duplex channel: one chunked
// POST carries encrypted requests line by line, and the response body streams
// encrypted responses plus keepalive control frames for as long as the socket
// stays open.
type StreamServer struct {
	exec      Executor
	key       []byte
	heartbeat time.Duration
	onFrame   func() // activity hook for the idle-exit timer, may be nil
	log       *logrus.Entry
}

// NewStreamServer creates the /sessions/stream handler. heartbeat controls
// the ping cadence; onFrame (optional) fires on every processed request.
func NewStreamServer(exec Executor, key []byte, heartbeat time.Duration, onFrame func()) *StreamServer {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &StreamServer{
		exec:      exec,
		key:       key,
		heartbeat: heartbeat,
		onFrame:   onFrame,
		log:       logrus.WithField("component", "channel.stream"),
	}
}

func (s *StreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.Header.Get("X-User-Id")
	projectID := r.Header.Get("X-Project-Id")
	if userID == "" || projectID == "" {
		http.Error(w, "missing identity headers", http.StatusBadRequest)
		return
	}
	sessionID := r.Header.Get("X-Session-Id")
	gcsToken := r.Header.Get("X-Gcs-Token")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	var writeMu sync.Mutex
	writeLine := func(line string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := writeLine(fmt.Sprintf("%s %d", ctlReady, time.Now().UnixMilli())); err != nil {
		return
	}

	ctx := protocol.WithGCSToken(r.Context(), gcsToken)

	// Heartbeats keep middleboxes from reaping an idle response stream.
	hbDone := make(chan struct{})
	defer close(hbDone)
	go func() {
		t := time.NewTicker(s.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := writeLine(fmt.Sprintf("%s %d", ctlPing, time.Now().UnixMilli())); err != nil {
					return
				}
			}
		}
	}()

	log := s.log.WithFields(logrus.Fields{"user": userID, "project": projectID})
	log.Info("stream session opened")
	defer log.Info("stream session closed")

	attrs := func(chn, seq string) envelope.Attributes {
		return envelope.Attributes{
			UserID:    userID,
			ProjectID: projectID,
			SessionID: sessionID,
			Channel:   chn,
			Type:      "tool",
			Seq:       seq,
		}
	}

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] != '{' {
			continue // initial newline or a control token
		}

		var frame duplexFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.WithError(err).Warn("unparseable request frame")
			continue
		}

		env := &envelope.Envelope{V: frame.V, N: frame.N, CT: frame.CT, Tag: frame.Tag}
		payload, err := envelope.Decrypt(env, s.key, attrs("req", frame.Seq))
		if err != nil {
			log.WithError(err).Warn("request rejected")
			_ = writeLine(fmt.Sprintf("%s %v", ctlError, err))
			continue
		}

		var req protocol.ToolRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			log.WithError(err).Warn("request rejected")
			_ = writeLine(fmt.Sprintf("%s %v", ctlError, err))
			continue
		}

		if s.onFrame != nil {
			s.onFrame()
		}

		resp := s.exec.Execute(ctx, &req)

		respPayload, err := json.Marshal(resp)
		if err != nil {
			log.WithError(err).Error("marshal response")
			continue
		}
		respEnv, err := envelope.Encrypt(respPayload, s.key, attrs("resp", frame.Seq))
		if err != nil {
			log.WithError(err).Error("encrypt response")
			continue
		}
		line, err := json.Marshal(&duplexFrame{
			V: respEnv.V, N: respEnv.N, CT: respEnv.CT, Tag: respEnv.Tag, Seq: frame.Seq,
		})
		if err != nil {
			continue
		}
		if err := writeLine(string(line)); err != nil {
			return
		}
	}

	// The request body ended; keep the response stream (and heartbeats)
	// alive until the client drops the socket.
	<-ctx.Done()
}
