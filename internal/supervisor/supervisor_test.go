package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolbridge/backend/internal/channel"
	"github.com/toolbridge/backend/internal/config"
	"github.com/toolbridge/backend/internal/envelope"
	"github.com/toolbridge/backend/internal/lease"
	"github.com/toolbridge/backend/internal/state"
)

type fakeLauncher struct {
	mode string
	mu   sync.Mutex

	launched []LaunchSpec
	stopped  []map[string]interface{}
	failNext bool
	onExit   func()
}

func (f *fakeLauncher) Mode() string { return f.mode }

func (f *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec, onExit func()) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, errors.New("image pull failed")
	}
	f.launched = append(f.launched, spec)
	f.onExit = onExit
	return map[string]interface{}{"mode": f.mode, "producerContainer": "prod1", "executorContainer": "exec1"}, nil
}

func (f *fakeLauncher) Stop(ctx context.Context, runtime map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, runtime)
	return nil
}

type fakeAdmin struct {
	mu      sync.Mutex
	ensured []channel.SubscriptionPair
	deleted []channel.SubscriptionPair
}

func (f *fakeAdmin) Ensure(ctx context.Context, pair channel.SubscriptionPair, userID, projectID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, pair)
	return nil
}

func (f *fakeAdmin) Delete(ctx context.Context, pair channel.SubscriptionPair) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, pair)
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeLauncher, *fakeAdmin, state.Store) {
	t.Helper()
	store := state.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(),
		"users/u1/projects/p1", []byte(`{"name":"proj"}`)))

	cfg := config.Defaults()
	cfg.Workspace.WorkRootBase = t.TempDir()
	cfg.PubSub.Topic = "tb-exchange"

	local := &fakeLauncher{mode: "local"}
	admin := &fakeAdmin{}
	return New(cfg, store, local, nil, admin), local, admin, store
}

func postStart(t *testing.T, s *Supervisor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/producer/start", bytes.NewBufferString(body))
	req.Header.Set("X-User-Id", "u1")
	req.Header.Set("X-Project-Id", "p1")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func postStop(t *testing.T, s *Supervisor) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/producer/stop", nil)
	req.Header.Set("X-User-Id", "u1")
	req.Header.Set("X-Project-Id", "p1")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestStart_LaunchesAndRecordsRuntime(t *testing.T) {
	s, local, admin, _ := newTestSupervisor(t)

	rec := postStart(t, s, `{"localMode":true,"workspaceId":"w1","leaseMs":60000}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["started"])
	assert.Equal(t, "local", body["mode"])
	assert.Equal(t, "w1", body["workspaceId"])
	assert.Len(t, body["keyFingerprint"], 8)
	assert.NotEmpty(t, body["sessionId"])

	require.Len(t, local.launched, 1)
	spec := local.launched[0]
	assert.Equal(t, "u1", spec.UserID)
	assert.Equal(t, body["consumerId"], spec.ConsumerID)
	assert.NotEmpty(t, spec.KeyB64)
	assert.NotEmpty(t, spec.WorkspaceHostDir)
	require.Len(t, admin.ensured, 1)
	assert.Contains(t, admin.ensured[0].Req, "tb-req-p1-")

	st, err := lease.NewManager(s.store).GetStatus(context.Background(), "u1", "p1")
	require.NoError(t, err)
	require.True(t, st.Locked)
	assert.Equal(t, "exec1", st.Holder.Runtime["executorContainer"])
	assert.Equal(t, "tb-exchange", st.Holder.Runtime["topic"])
}

func TestStart_SecondCallConflicts(t *testing.T) {
	s, local, _, _ := newTestSupervisor(t)

	require.Equal(t, http.StatusAccepted, postStart(t, s, `{"localMode":true}`).Code)

	rec := postStart(t, s, `{"localMode":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["conflict"])
	assert.NotNil(t, body["holder"])
	assert.Greater(t, body["msRemaining"].(float64), float64(0))
	assert.Len(t, local.launched, 1, "conflicting start must not launch")
}

func TestStart_SuppliedKeyKept(t *testing.T) {
	s, local, _, _ := newTestSupervisor(t)

	keyB64 := envelope.EncodeKey(make([]byte, 32))
	rec := postStart(t, s, `{"localMode":true,"ENC_KEY_B64":"`+keyB64+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, local.launched, 1)
	assert.Equal(t, keyB64, local.launched[0].KeyB64)
}

func TestStart_MissingIdentity(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t)
	req := httptest.NewRequest(http.MethodPost, "/producer/start", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStart_UnknownProject(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t)
	req := httptest.NewRequest(http.MethodPost, "/producer/start", bytes.NewBufferString(`{"localMode":true}`))
	req.Header.Set("X-User-Id", "u1")
	req.Header.Set("X-Project-Id", "ghost")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStart_LaunchFailureReleasesLease(t *testing.T) {
	s, local, admin, _ := newTestSupervisor(t)
	local.failNext = true

	rec := postStart(t, s, `{"localMode":true}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Len(t, admin.deleted, 1, "subscriptions unwound")

	st, err := lease.NewManager(s.store).GetStatus(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.False(t, st.Locked, "failed launch must not leave the lease held")
}

func TestStop_TearsDownAndReleases(t *testing.T) {
	s, local, admin, _ := newTestSupervisor(t)
	require.Equal(t, http.StatusAccepted, postStart(t, s, `{"localMode":true}`).Code)

	rec := postStop(t, s)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["released"])
	assert.Equal(t, "local", body["mode"])

	require.Len(t, local.stopped, 1)
	assert.Equal(t, "prod1", local.stopped[0]["producerContainer"])
	require.Len(t, admin.deleted, 1)

	st, err := lease.NewManager(s.store).GetStatus(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.False(t, st.Locked)
}

func TestStop_NothingRunning(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t)
	rec := postStop(t, s)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["released"])
}

func TestPeerExitReleasesLease(t *testing.T) {
	s, local, _, _ := newTestSupervisor(t)
	require.Equal(t, http.StatusAccepted, postStart(t, s, `{"localMode":true}`).Code)
	require.NotNil(t, local.onExit)

	local.onExit()

	st, err := lease.NewManager(s.store).GetStatus(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.False(t, st.Locked, "peer exit surrenders the lease")
}

func TestShutdown_TearsDownActiveConsumers(t *testing.T) {
	s, local, admin, _ := newTestSupervisor(t)
	require.Equal(t, http.StatusAccepted, postStart(t, s, `{"localMode":true}`).Code)

	hookRan := false
	s.OnShutdown(func(ctx context.Context) { hookRan = true })

	s.Shutdown()

	assert.True(t, hookRan)
	require.Len(t, local.stopped, 1)
	require.Len(t, admin.deleted, 1)
	st, err := lease.NewManager(s.store).GetStatus(context.Background(), "u1", "p1")
	require.NoError(t, err)
	assert.False(t, st.Locked)

	// Second call is a no-op.
	s.Shutdown()
	assert.Len(t, local.stopped, 1)
}

func TestShutdown_NothingActive(t *testing.T) {
	s, local, _, _ := newTestSupervisor(t)
	require.Equal(t, http.StatusAccepted, postStart(t, s, `{"localMode":true}`).Code)
	require.Equal(t, http.StatusOK, postStop(t, s).Code)

	s.Shutdown()
	assert.Len(t, local.stopped, 1, "stopped once by /producer/stop, not again")
}

func lockCall(t *testing.T, s *Supervisor, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Buffer
	if body != "" {
		rdr = bytes.NewBufferString(body)
	} else {
		rdr = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("X-User-Id", "u1")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestLockAcquire_ThenConflict(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t)

	rec := lockCall(t, s, http.MethodPost, "/projects/p1/consumer-lock/acquire",
		`{"consumerId":"cA","leaseMs":60000,"consumerType":"LOCAL"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["acquired"])

	rec = lockCall(t, s, http.MethodPost, "/projects/p1/consumer-lock/acquire",
		`{"consumerId":"cB","leaseMs":60000}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["conflict"])
	assert.Equal(t, "cA", body["holder"].(map[string]interface{})["consumerId"])
	assert.Greater(t, body["msRemaining"].(float64), float64(0))
}

func TestLockAcquire_SameConsumerRefreshes(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t)

	first := lockCall(t, s, http.MethodPost, "/projects/p1/consumer-lock/acquire",
		`{"consumerId":"cA","leaseMs":60000}`)
	require.Equal(t, http.StatusOK, first.Code)

	rec := lockCall(t, s, http.MethodPost, "/projects/p1/consumer-lock/acquire",
		`{"consumerId":"cA","leaseMs":60000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["refreshed"])
}

func TestLockRelease(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t)

	require.Equal(t, http.StatusOK, lockCall(t, s, http.MethodPost,
		"/projects/p1/consumer-lock/acquire", `{"consumerId":"cA","leaseMs":60000}`).Code)

	// Wrong holder without force is a conflict.
	rec := lockCall(t, s, http.MethodPost, "/projects/p1/consumer-lock/release",
		`{"consumerId":"cB"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = lockCall(t, s, http.MethodPost, "/projects/p1/consumer-lock/release",
		`{"consumerId":"cA"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["released"])

	// Second release is a no-op, not an error.
	rec = lockCall(t, s, http.MethodPost, "/projects/p1/consumer-lock/release",
		`{"consumerId":"cA"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["released"])
}

func TestLockStatus(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t)

	rec := lockCall(t, s, http.MethodGet, "/projects/p1/consumer-lock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["locked"])

	require.Equal(t, http.StatusOK, lockCall(t, s, http.MethodPost,
		"/projects/p1/consumer-lock/acquire", `{"consumerId":"cA","leaseMs":60000}`).Code)

	rec = lockCall(t, s, http.MethodGet, "/projects/p1/consumer-lock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["locked"])
	assert.Equal(t, "cA", body["holder"].(map[string]interface{})["consumerId"])
}

func TestLockEndpoints_UnknownProject(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t)

	rec := lockCall(t, s, http.MethodPost, "/projects/ghost/consumer-lock/acquire",
		`{"consumerId":"cA"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = lockCall(t, s, http.MethodPost, "/projects/ghost/consumer-lock/release", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = lockCall(t, s, http.MethodGet, "/projects/ghost/consumer-lock", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLockAcquire_RequiresConsumerID(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t)
	rec := lockCall(t, s, http.MethodPost, "/projects/p1/consumer-lock/acquire", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
