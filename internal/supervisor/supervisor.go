package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/toolbridge/backend/internal/channel"
	"github.com/toolbridge/backend/internal/config"
	"github.com/toolbridge/backend/internal/envelope"
	"github.com/toolbridge/backend/internal/lease"
	"github.com/toolbridge/backend/internal/state"
	"github.com/toolbridge/backend/internal/workspace"
)

// SubscriptionAdmin provisions the channel subscriptions for one launch.
// Nil when the deployment uses the HTTP duplex channel only.
type SubscriptionAdmin interface {
	Ensure(ctx context.Context, pair channel.SubscriptionPair, userID, projectID, sessionID string) error
	Delete(ctx context.Context, pair channel.SubscriptionPair)
}

// PubSubAdmin implements SubscriptionAdmin on a pub/sub topic.
type PubSubAdmin struct {
	Client             *pubsub.Client
	Topic              *pubsub.Topic
	PeerServiceAccount string
}

func (a *PubSubAdmin) Ensure(ctx context.Context, pair channel.SubscriptionPair,
	userID, projectID, sessionID string) error {
	return channel.EnsureSubscriptions(ctx, a.Client, a.Topic, pair,
		userID, projectID, sessionID, a.PeerServiceAccount)
}

func (a *PubSubAdmin) Delete(ctx context.Context, pair channel.SubscriptionPair) {
	channel.DeleteSubscriptions(ctx, a.Client, pair)
}

// Supervisor is the HTTP control plane for starting and stopping consumers.
// It owns the shutdown hooks and the set of consumers it launched; nothing
// here is process-global.
type Supervisor struct {
	cfg      *config.Config
	store    state.Store
	leases   *lease.Manager
	registry *workspace.Registry
	local    Launcher
	cloud    Launcher
	admin    SubscriptionAdmin
	log      *logrus.Entry

	mu       sync.Mutex
	active   map[string]activeConsumer
	hooks    []func(context.Context)
	shutOnce sync.Once
}

// activeConsumer is one launched pair still believed to be running.
type activeConsumer struct {
	userID     string
	projectID  string
	consumerID string
	mode       string
	pair       channel.SubscriptionPair
	runtime    map[string]interface{}
}

// New wires a supervisor. Either launcher may be nil when that mode is not
// deployed.
func New(cfg *config.Config, store state.Store, local, cloud Launcher, admin SubscriptionAdmin) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		store:    store,
		leases:   lease.NewManager(store),
		registry: workspace.NewRegistry(store),
		local:    local,
		cloud:    cloud,
		admin:    admin,
		active:   make(map[string]activeConsumer),
		log:      logrus.WithField("component", "supervisor"),
	}
}

func (s *Supervisor) track(c activeConsumer) {
	s.mu.Lock()
	s.active[c.consumerID] = c
	s.mu.Unlock()
}

func (s *Supervisor) untrack(consumerID string) {
	s.mu.Lock()
	delete(s.active, consumerID)
	s.mu.Unlock()
}

func (s *Supervisor) drainActive() []activeConsumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]activeConsumer, 0, len(s.active))
	for _, c := range s.active {
		out = append(out, c)
	}
	s.active = make(map[string]activeConsumer)
	return out
}

// OnShutdown registers a hook to run during Shutdown, in registration order.
func (s *Supervisor) OnShutdown(fn func(context.Context)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Shutdown runs the registered hooks under half the shutdown budget, then
// tears down every still-active consumer and releases its lease with the
// remainder. Safe to call more than once.
func (s *Supervisor) Shutdown() {
	s.shutOnce.Do(func() {
		hooksBudget, releaseBudget := s.cfg.ShutdownBudget()

		hctx, cancel := context.WithTimeout(context.Background(), hooksBudget)
		defer cancel()
		s.mu.Lock()
		hooks := append([]func(context.Context){}, s.hooks...)
		s.mu.Unlock()
		for _, fn := range hooks {
			fn(hctx)
		}

		rctx, cancel2 := context.WithTimeout(context.Background(), releaseBudget)
		defer cancel2()
		for _, c := range s.drainActive() {
			if s.admin != nil {
				s.admin.Delete(rctx, c.pair)
			}
			launcher := s.cloud
			if c.mode == "local" {
				launcher = s.local
			}
			if launcher != nil {
				if err := launcher.Stop(rctx, c.runtime); err != nil {
					s.log.WithError(err).Warn("launcher stop during shutdown failed")
				}
			}
			if _, err := s.leases.Release(rctx, c.userID, c.projectID, c.consumerID, false); err != nil {
				s.log.WithError(err).Warn("lease release during shutdown failed")
			}
		}
	})
}

// Router mounts the control-plane endpoints.
func (s *Supervisor) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/producer/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/producer/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/projects/{projectId}/consumer-lock/acquire", s.handleLockAcquire).Methods(http.MethodPost)
	r.HandleFunc("/projects/{projectId}/consumer-lock/release", s.handleLockRelease).Methods(http.MethodPost)
	r.HandleFunc("/projects/{projectId}/consumer-lock", s.handleLockStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

type startRequest struct {
	WorkspaceID string `json:"workspaceId"`
	SessionID   string `json:"sessionId"`
	SinceID     string `json:"since_id"`
	SinceTime   string `json:"since_time"`
	LeaseMs     int64  `json:"leaseMs"`
	LocalMode   bool   `json:"localMode"`
	EncKeyB64   string `json:"ENC_KEY_B64"`
	EncVer      string `json:"ENC_VER"`
}

func identity(r *http.Request) (userID, projectID string, ok bool) {
	userID = r.Header.Get("X-User-Id")
	projectID = r.Header.Get("X-Project-Id")
	return userID, projectID, userID != "" && projectID != ""
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Supervisor) handleStart(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := identity(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing identity headers"})
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}

	ctx := r.Context()
	scope := workspace.Scope{
		UserID:      userID,
		ProjectID:   projectID,
		WorkspaceID: workspace.SanitizeSegment(req.WorkspaceID),
		SessionID:   req.SessionID,
	}
	if scope.SessionID == "" {
		scope.SessionID = uuid.NewString()
	}

	launcher := s.cloud
	if req.LocalMode {
		launcher = s.local
	}
	if launcher == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "requested mode not deployed"})
		return
	}

	wsDoc, err := s.registry.Register(ctx, s.cfg.Workspace.WorkRootBase, s.cfg.Workspace.WorkPrefixTemplate, scope)
	if err != nil {
		s.log.WithError(err).Error("workspace register failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "workspace registration failed"})
		return
	}
	hostDir := ""
	if launcher.Mode() == "local" {
		hostDir = wsDoc.Root
	}

	keyB64 := req.EncKeyB64
	if keyB64 == "" {
		key, err := envelope.NewKey()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "key generation failed"})
			return
		}
		keyB64 = envelope.EncodeKey(key)
	}
	key, err := envelope.DecodeKey(keyB64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ENC_KEY_B64"})
		return
	}
	fingerprint := envelope.Fingerprint(key)

	consumerID := uuid.NewString()
	leaseMs := lease.ClampLeaseMs(req.LeaseMs)
	ctype := lease.ConsumerCloud
	if launcher.Mode() == "local" {
		ctype = lease.ConsumerLocal
	}

	res, err := s.leases.Acquire(ctx, userID, projectID, consumerID, leaseMs, ctype)
	if errors.Is(err, lease.ErrProjectNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "project not found"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("lease acquire failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lease acquire failed"})
		return
	}
	if res.Conflict {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"conflict":    true,
			"holder":      res.Holder,
			"msRemaining": res.MsRemaining,
		})
		return
	}

	pair := channel.SubscriptionPair{
		Req:  fmt.Sprintf("tb-req-%s-%s", projectID, consumerID[:8]),
		Resp: fmt.Sprintf("tb-resp-%s-%s", projectID, consumerID[:8]),
	}
	if s.admin != nil {
		if err := s.admin.Ensure(ctx, pair, userID, projectID, scope.SessionID); err != nil {
			s.abortLaunch(userID, projectID, consumerID, pair)
			s.log.WithError(err).Error("subscription provisioning failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "subscription provisioning failed"})
			return
		}
	}

	progressCtx, stopProgress := context.WithCancel(context.Background())
	go NewProgressReporter(s.store, userID, projectID).Run(progressCtx, 2*time.Second)
	defer stopProgress()

	spec := LaunchSpec{
		UserID:           userID,
		ProjectID:        projectID,
		WorkspaceID:      scope.WorkspaceID,
		SessionID:        scope.SessionID,
		ConsumerID:       consumerID,
		KeyB64:           keyB64,
		EncVer:           req.EncVer,
		SinceID:          req.SinceID,
		SinceTime:        req.SinceTime,
		LeaseMs:          leaseMs,
		Subscriptions:    pair,
		WorkspaceHostDir: hostDir,
	}
	onExit := func() {
		s.log.WithField("consumer", consumerID).Info("peer exited, releasing lease")
		s.untrack(consumerID)
		s.abortLaunch(userID, projectID, consumerID, pair)
	}

	runtime, err := launcher.Launch(ctx, spec, onExit)
	if err != nil {
		s.abortLaunch(userID, projectID, consumerID, pair)
		s.log.WithError(err).Error("launch failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "launch failed"})
		return
	}

	runtime["keyFingerprint"] = fingerprint
	runtime["subscriptions"] = map[string]interface{}{"req": pair.Req, "resp": pair.Resp}
	runtime["topic"] = s.cfg.PubSub.Topic
	if err := s.leases.SetRuntimeInfo(ctx, userID, projectID, consumerID, runtime); err != nil {
		s.log.WithError(err).Warn("runtime info persist failed")
	}
	s.track(activeConsumer{
		userID:     userID,
		projectID:  projectID,
		consumerID: consumerID,
		mode:       launcher.Mode(),
		pair:       pair,
		runtime:    runtime,
	})

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"started":        true,
		"mode":           launcher.Mode(),
		"consumerId":     consumerID,
		"workspaceId":    scope.WorkspaceID,
		"sessionId":      scope.SessionID,
		"keyFingerprint": fingerprint,
		"runtime":        runtime,
	})
}

type acquireRequest struct {
	ConsumerID   string `json:"consumerId"`
	LeaseMs      int64  `json:"leaseMs"`
	ConsumerType string `json:"consumerType"`
}

type releaseRequest struct {
	ConsumerID string `json:"consumerId"`
	Force      bool   `json:"force"`
}

// lockIdentity resolves the user header plus the projectId path variable for
// the consumer-lock endpoints.
func lockIdentity(r *http.Request) (userID, projectID string, ok bool) {
	userID = r.Header.Get("X-User-Id")
	projectID = mux.Vars(r)["projectId"]
	return userID, projectID, userID != "" && projectID != ""
}

func (s *Supervisor) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := lockIdentity(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing X-User-Id header"})
		return
	}

	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConsumerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "consumerId is required"})
		return
	}
	ctype := lease.ConsumerType(req.ConsumerType)
	if ctype == "" {
		ctype = lease.ConsumerLocal
	}

	res, err := s.leases.Acquire(r.Context(), userID, projectID, req.ConsumerID, req.LeaseMs, ctype)
	if errors.Is(err, lease.ErrProjectNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "project not found"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("lock acquire failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lock acquire failed"})
		return
	}
	if res.Conflict {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Supervisor) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := lockIdentity(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing X-User-Id header"})
		return
	}

	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request body"})
		return
	}

	res, err := s.leases.Release(r.Context(), userID, projectID, req.ConsumerID, req.Force)
	if errors.Is(err, lease.ErrProjectNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "project not found"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("lock release failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lock release failed"})
		return
	}
	if res.Conflict {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	// Released is emitted explicitly so a no-op release still reads
	// {released:false} rather than an empty object.
	writeJSON(w, http.StatusOK, map[string]bool{"released": res.Released})
}

func (s *Supervisor) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := lockIdentity(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing X-User-Id header"})
		return
	}

	st, err := s.leases.GetStatus(r.Context(), userID, projectID)
	if errors.Is(err, lease.ErrProjectNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "project not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lock status failed"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// abortLaunch unwinds a partial start: subscriptions, then the lease.
func (s *Supervisor) abortLaunch(userID, projectID, consumerID string, pair channel.SubscriptionPair) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.admin != nil {
		s.admin.Delete(ctx, pair)
	}
	if _, err := s.leases.Release(ctx, userID, projectID, consumerID, false); err != nil {
		s.log.WithError(err).Warn("lease release failed during unwind")
	}
}

func (s *Supervisor) handleStop(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := identity(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing identity headers"})
		return
	}

	ctx := r.Context()
	st, err := s.leases.GetStatus(ctx, userID, projectID)
	if errors.Is(err, lease.ErrProjectNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "project not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lease status failed"})
		return
	}
	if !st.Locked {
		writeJSON(w, http.StatusOK, map[string]interface{}{"released": false})
		return
	}

	runtime := st.Holder.Runtime
	mode, _ := runtime["mode"].(string)

	if s.admin != nil {
		if subs, ok := runtime["subscriptions"].(map[string]interface{}); ok {
			pair := channel.SubscriptionPair{}
			pair.Req, _ = subs["req"].(string)
			pair.Resp, _ = subs["resp"].(string)
			s.admin.Delete(ctx, pair)
		}
	}

	launcher := s.cloud
	if mode == "local" {
		launcher = s.local
	}
	if launcher != nil {
		if launcher.Mode() == "cloud" {
			// Peers observe the lease conflict and exit; record intent first.
			if err := s.leases.SetRuntimeInfo(ctx, userID, projectID, st.Holder.ConsumerID,
				map[string]interface{}{"stopRequested": true}); err != nil {
				s.log.WithError(err).Debug("stop marker persist failed")
			}
		}
		if err := launcher.Stop(ctx, runtime); err != nil {
			s.log.WithError(err).Warn("launcher stop failed")
		}
	}

	if _, err := s.leases.Release(ctx, userID, projectID, "", true); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lease release failed"})
		return
	}
	s.untrack(st.Holder.ConsumerID)

	writeJSON(w, http.StatusOK, map[string]interface{}{"mode": mode, "released": true})
}
