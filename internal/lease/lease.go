// Package lease implements the project consumer lock: a time-bounded,
// globally exclusive right for one consumer to serve a project. All
// mutations run as compare-and-swap transactions on the project document;
// there is no separate lock service.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/toolbridge/backend/internal/metrics"
	"github.com/toolbridge/backend/internal/state"
)

// ConsumerType distinguishes launch modes in the lock record.
type ConsumerType string

const (
	ConsumerLocal ConsumerType = "LOCAL"
	ConsumerCloud ConsumerType = "CLOUD"
)

// Lease duration bounds in milliseconds.
const (
	MinLeaseMs     = 5_000
	MaxLeaseMs     = 3_600_000
	DefaultLeaseMs = 600_000
)

// ErrProjectNotFound means the project document does not exist; project
// creation is owned by the upstream control plane, not the bridge.
var ErrProjectNotFound = errors.New("lease: project not found")

// Lock is the consumerLock field of a project document.
type Lock struct {
	ConsumerID   string                 `json:"consumerId"`
	ConsumerType ConsumerType           `json:"consumerType"`
	LeaseMs      int64                  `json:"leaseMs"`
	AcquiredAt   int64                  `json:"acquiredAt"`
	RefreshedAt  int64                  `json:"refreshedAt"`
	ExpiresAt    int64                  `json:"expiresAt"`
	Runtime      map[string]interface{} `json:"runtime,omitempty"`
}

// Result is the outcome of an acquire or release call.
type Result struct {
	Acquired    bool  `json:"acquired,omitempty"`
	Refreshed   bool  `json:"refreshed,omitempty"`
	Conflict    bool  `json:"conflict,omitempty"`
	Released    bool  `json:"released,omitempty"`
	Holder      *Lock `json:"holder,omitempty"`
	MsRemaining int64 `json:"msRemaining,omitempty"`
}

// Status reports the current lock state.
type Status struct {
	Locked      bool  `json:"locked"`
	MsRemaining int64 `json:"msRemaining,omitempty"`
	Holder      *Lock `json:"holder,omitempty"`
}

// ClampLeaseMs bounds a requested lease to [MinLeaseMs, MaxLeaseMs], with
// zero meaning the default.
func ClampLeaseMs(ms int64) int64 {
	if ms == 0 {
		return DefaultLeaseMs
	}
	if ms < MinLeaseMs {
		return MinLeaseMs
	}
	if ms > MaxLeaseMs {
		return MaxLeaseMs
	}
	return ms
}

// Manager mediates all consumerLock mutations.
type Manager struct {
	store state.Store
	now   func() time.Time
	log   *logrus.Entry
}

// NewManager creates a lease manager on the given document store.
func NewManager(store state.Store) *Manager {
	return &Manager{
		store: store,
		now:   time.Now,
		log:   logrus.WithField("component", "lease"),
	}
}

func projectPath(userID, projectID string) string {
	return fmt.Sprintf("users/%s/projects/%s", userID, projectID)
}

// mutateLock applies fn to the consumerLock field while preserving every
// other field of the project document.
func (m *Manager) mutateLock(ctx context.Context, userID, projectID string,
	fn func(current *Lock) (*Lock, error)) error {

	_, err := m.store.Update(ctx, projectPath(userID, projectID), func(body []byte) ([]byte, error) {
		if body == nil {
			return nil, ErrProjectNotFound
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("lease: corrupt project doc: %w", err)
		}

		var current *Lock
		if raw, ok := doc["consumerLock"]; ok {
			current = &Lock{}
			if err := json.Unmarshal(raw, current); err != nil {
				return nil, fmt.Errorf("lease: corrupt lock: %w", err)
			}
		}

		next, err := fn(current)
		if err != nil {
			return nil, err
		}

		if next == nil {
			delete(doc, "consumerLock")
		} else {
			raw, err := json.Marshal(next)
			if err != nil {
				return nil, err
			}
			doc["consumerLock"] = raw
		}
		return json.Marshal(doc)
	})
	return err
}

// errConflict carries the losing side of a CAS race out of mutateLock.
type errConflict struct{ holder *Lock }

func (e *errConflict) Error() string { return "lease: held by " + e.holder.ConsumerID }

// Acquire installs a new lock, refreshes the caller's own lock, or reports
// the conflicting holder.
func (m *Manager) Acquire(ctx context.Context, userID, projectID, consumerID string,
	leaseMs int64, ctype ConsumerType) (*Result, error) {

	leaseMs = ClampLeaseMs(leaseMs)
	now := m.now().UnixMilli()

	var out Result
	err := m.mutateLock(ctx, userID, projectID, func(current *Lock) (*Lock, error) {
		if current == nil || current.ExpiresAt <= now {
			out = Result{Acquired: true}
			return &Lock{
				ConsumerID:   consumerID,
				ConsumerType: ctype,
				LeaseMs:      leaseMs,
				AcquiredAt:   now,
				RefreshedAt:  now,
				ExpiresAt:    now + leaseMs,
			}, nil
		}
		if current.ConsumerID == consumerID {
			current.LeaseMs = leaseMs
			current.RefreshedAt = now
			current.ExpiresAt = now + leaseMs
			out = Result{Refreshed: true}
			return current, nil
		}
		return nil, &errConflict{holder: current}
	})

	var conflict *errConflict
	if errors.As(err, &conflict) {
		holder := conflict.holder
		return &Result{
			Conflict:    true,
			Holder:      holder,
			MsRemaining: holder.ExpiresAt - now,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.LeaseHeld.Set(1)
	return &out, nil
}

// Release removes the lock when consumerID matches the holder, or
// unconditionally when force is set.
func (m *Manager) Release(ctx context.Context, userID, projectID, consumerID string, force bool) (*Result, error) {
	var out Result
	err := m.mutateLock(ctx, userID, projectID, func(current *Lock) (*Lock, error) {
		if current == nil {
			out = Result{Released: false}
			return nil, nil
		}
		if force || current.ConsumerID == consumerID {
			out = Result{Released: true}
			return nil, nil
		}
		return current, &errConflict{holder: current}
	})

	var conflict *errConflict
	if errors.As(err, &conflict) {
		return &Result{Conflict: true, Holder: conflict.holder}, nil
	}
	if err != nil {
		return nil, err
	}

	if out.Released {
		metrics.LeaseHeld.Set(0)
	}
	return &out, nil
}

// GetStatus reads the current lock without mutating it.
func (m *Manager) GetStatus(ctx context.Context, userID, projectID string) (*Status, error) {
	body, err := m.store.Get(ctx, projectPath(userID, projectID))
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}

	var doc struct {
		ConsumerLock *Lock `json:"consumerLock"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("lease: corrupt project doc: %w", err)
	}

	now := m.now().UnixMilli()
	if doc.ConsumerLock == nil || doc.ConsumerLock.ExpiresAt <= now {
		return &Status{Locked: false}, nil
	}
	return &Status{
		Locked:      true,
		MsRemaining: doc.ConsumerLock.ExpiresAt - now,
		Holder:      doc.ConsumerLock,
	}, nil
}

// SetRuntimeInfo merges runtime metadata under the lock, only when
// consumerID is the current holder.
func (m *Manager) SetRuntimeInfo(ctx context.Context, userID, projectID, consumerID string,
	runtime map[string]interface{}) error {

	return m.mutateLock(ctx, userID, projectID, func(current *Lock) (*Lock, error) {
		if current == nil || current.ConsumerID != consumerID {
			holder := current
			if holder == nil {
				holder = &Lock{}
			}
			return current, &errConflict{holder: holder}
		}
		if current.Runtime == nil {
			current.Runtime = make(map[string]interface{}, len(runtime))
		}
		for k, v := range runtime {
			current.Runtime[k] = v
		}
		return current, nil
	})
}

// RefreshInterval computes when the next refresh should fire: ~60% of the
// lease with 0-10% jitter, never below 15s.
func RefreshInterval(leaseMs int64) time.Duration {
	base := leaseMs * 60 / 100
	jitter := rand.Int63n(leaseMs/10 + 1)
	interval := time.Duration(base+jitter) * time.Millisecond
	if interval < 15*time.Second {
		interval = 15 * time.Second
	}
	return interval
}

// Refresher keeps a held lease alive and surrenders on conflict.
type Refresher struct {
	mgr        *Manager
	userID     string
	projectID  string
	consumerID string
	leaseMs    int64
	ctype      ConsumerType
	onConflict func()
	log        *logrus.Entry
}

// NewRefresher builds a refresher for an already-acquired lease. onConflict
// fires once when another holder is observed; the executor must shut down.
func NewRefresher(mgr *Manager, userID, projectID, consumerID string,
	leaseMs int64, ctype ConsumerType, onConflict func()) *Refresher {

	return &Refresher{
		mgr:        mgr,
		userID:     userID,
		projectID:  projectID,
		consumerID: consumerID,
		leaseMs:    ClampLeaseMs(leaseMs),
		ctype:      ctype,
		onConflict: onConflict,
		log: logrus.WithFields(logrus.Fields{
			"component": "lease.refresher",
			"project":   projectID,
		}),
	}
}

// Run refreshes until ctx is cancelled or a conflict is observed.
func (r *Refresher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(RefreshInterval(r.leaseMs)):
		}

		res, err := r.mgr.Acquire(ctx, r.userID, r.projectID, r.consumerID, r.leaseMs, r.ctype)
		if err != nil {
			r.log.WithError(err).Warn("lease refresh failed, will retry")
			continue
		}
		if res.Conflict {
			r.log.WithField("holder", res.Holder.ConsumerID).Warn("lease lost, surrendering")
			metrics.LeaseHeld.Set(0)
			if r.onConflict != nil {
				r.onConflict()
			}
			return
		}
	}
}
