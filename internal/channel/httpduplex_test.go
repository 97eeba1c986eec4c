package channel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolbridge/backend/internal/envelope"
	"github.com/toolbridge/backend/internal/protocol"
)

type recordingExec struct {
	mu  sync.Mutex
	ids []string
}

func (e *recordingExec) Execute(ctx context.Context, req *protocol.ToolRequest) *protocol.ToolResponse {
	e.mu.Lock()
	e.ids = append(e.ids, req.ID)
	e.mu.Unlock()
	return &protocol.ToolResponse{
		ID:     req.ID,
		Result: map[string]interface{}{"tool": req.ToolCall.Function.Name},
	}
}

func (e *recordingExec) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.ids))
	copy(out, e.ids)
	return out
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := envelope.NewKey()
	require.NoError(t, err)
	return key
}

func newClient(url string, key []byte, timeout time.Duration) *DuplexClient {
	return NewDuplexClient(DuplexConfig{
		URL:              url,
		UserID:           "u",
		ProjectID:        "p",
		SessionID:        "s",
		Key:              key,
		SendTimeout:      timeout,
		ReconnectBackoff: 10 * time.Millisecond,
	})
}

func toolReq(id string) *protocol.ToolRequest {
	return &protocol.ToolRequest{
		ID:       id,
		ToolCall: protocol.ToolCall{Function: protocol.FunctionCall{Name: "READ_FILE"}},
	}
}

func TestDuplex_RoundTrip(t *testing.T) {
	key := testKey(t)
	exec := &recordingExec{}
	srv := httptest.NewServer(NewStreamServer(exec, key, 50*time.Millisecond, nil))
	defer srv.Close()

	client := newClient(srv.URL, key, 5*time.Second)
	defer client.Close()

	resp, err := client.Send(context.Background(), toolReq("e1"))
	require.NoError(t, err)
	assert.Equal(t, "e1", resp.ID)
	assert.Empty(t, resp.Error)
	assert.Equal(t, []string{"e1"}, exec.seen())
}

func TestDuplex_ConnectsLazilyOnFirstSend(t *testing.T) {
	key := testKey(t)
	exec := &recordingExec{}
	inner := NewStreamServer(exec, key, time.Second, nil)

	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		inner.ServeHTTP(w, r)
	}))
	defer srv.Close()

	client := newClient(srv.URL, key, 5*time.Second)
	defer client.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, conns.Load(), "no dial before the first Send")

	resp, err := client.Send(context.Background(), toolReq("lazy"))
	require.NoError(t, err)
	assert.Equal(t, "lazy", resp.ID)
	assert.EqualValues(t, 1, conns.Load())
}

func TestDuplex_OrderedUnderConcurrency(t *testing.T) {
	key := testKey(t)
	exec := &recordingExec{}
	srv := httptest.NewServer(NewStreamServer(exec, key, time.Second, nil))
	defer srv.Close()

	client := newClient(srv.URL, key, 5*time.Second)
	defer client.Close()

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	resps := make([]*protocol.ToolResponse, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			resps[i], errs[i] = client.Send(context.Background(), toolReq(fmt.Sprintf("e%d", i)))
		}()
		time.Sleep(20 * time.Millisecond) // fix submission order
	}
	wg.Wait()

	want := make([]string, n)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("e%d", i), resps[i].ID, "i-th send resolves with i-th response")
		want[i] = fmt.Sprintf("e%d", i)
	}
	assert.Equal(t, want, exec.seen(), "peer observes submission order")
}

// respondOnceThenDrop serves exactly one frame, answers it, and ends the
// response stream, simulating a dropped connection between requests.
func respondOnceThenDrop(t *testing.T, exec Executor, key []byte, w http.ResponseWriter, r *http.Request) {
	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ready %d\n", time.Now().UnixMilli())
	flusher.Flush()

	attrs := func(chn, seq string) envelope.Attributes {
		return envelope.Attributes{
			UserID: "u", ProjectID: "p", SessionID: "s",
			Channel: chn, Type: "tool", Seq: seq,
		}
	}

	scanner := bufio.NewScanner(r.Body)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] != '{' {
			continue
		}
		var frame duplexFrame
		require.NoError(t, json.Unmarshal(raw, &frame))
		payload, err := envelope.Decrypt(
			&envelope.Envelope{V: frame.V, N: frame.N, CT: frame.CT, Tag: frame.Tag},
			key, attrs("req", frame.Seq))
		require.NoError(t, err)

		var req protocol.ToolRequest
		require.NoError(t, json.Unmarshal(payload, &req))
		resp := exec.Execute(r.Context(), &req)

		respPayload, _ := json.Marshal(resp)
		env, err := envelope.Encrypt(respPayload, key, attrs("resp", frame.Seq))
		require.NoError(t, err)
		line, _ := json.Marshal(&duplexFrame{V: env.V, N: env.N, CT: env.CT, Tag: env.Tag, Seq: frame.Seq})
		fmt.Fprintf(w, "%s\n", line)
		flusher.Flush()
		return // drop the stream after the first exchange
	}
}

func TestDuplex_ReconnectPreservesOrder(t *testing.T) {
	key := testKey(t)
	exec := &recordingExec{}
	full := NewStreamServer(exec, key, time.Second, nil)

	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) == 1 {
			respondOnceThenDrop(t, exec, key, w, r)
			return
		}
		full.ServeHTTP(w, r)
	}))
	defer srv.Close()

	client := newClient(srv.URL, key, 5*time.Second)
	defer client.Close()

	for _, id := range []string{"r1", "r2", "r3"} {
		resp, err := client.Send(context.Background(), toolReq(id))
		require.NoError(t, err)
		assert.Equal(t, id, resp.ID)
	}

	assert.Equal(t, []string{"r1", "r2", "r3"}, exec.seen())
	assert.GreaterOrEqual(t, conns.Load(), int64(2), "a reconnect must have happened")
}

func TestDuplex_SendTimeoutRejectsTail(t *testing.T) {
	key := testKey(t)

	// A server that accepts the stream but never answers.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := newClient(srv.URL, key, 150*time.Millisecond)
	defer client.Close()

	var wg sync.WaitGroup
	var err1, err2 error
	wg.Add(2)
	go func() { defer wg.Done(); _, err1 = client.Send(context.Background(), toolReq("a")) }()
	time.Sleep(30 * time.Millisecond)
	go func() { defer wg.Done(); _, err2 = client.Send(context.Background(), toolReq("b")) }()
	wg.Wait()

	assert.ErrorIs(t, err1, ErrSendTimeout, "in-flight request rejects with SendTimeout")
	assert.ErrorIs(t, err2, ErrSendTimeout, "queued tail is rejected, not re-enqueued")
}

func TestDuplex_CloseRejectsPending(t *testing.T) {
	key := testKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := newClient(srv.URL, key, 10*time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), toolReq("x"))
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("pending send not rejected on close")
	}
}

func TestStreamServer_RejectsMissingIdentity(t *testing.T) {
	key := testKey(t)
	srv := httptest.NewServer(NewStreamServer(&recordingExec{}, key, time.Second, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/x-ndjson", bytes.NewReader(nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscriptionFilter(t *testing.T) {
	f := SubscriptionFilter("u1", "p1", "", ChannelReq)
	assert.Equal(t,
		`attributes.user_id = "u1" AND attributes.project_id = "p1" AND attributes.channel = "req"`, f)

	f = SubscriptionFilter("u1", "p1", "s1", ChannelResp)
	assert.Contains(t, f, `attributes.session_id = "s1"`)
	assert.Contains(t, f, `attributes.channel = "resp"`)
}
