// Package mirror implements the prefix-scoped two-way object synchronizer
// between a workspace and a GCS bucket. Per-object generation tokens recorded
// in the workspace manifest make downloads incremental and uploads
// conditional, so a concurrent writer elsewhere loses explicitly (a counted
// conflict) instead of silently.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/toolbridge/backend/internal/metrics"
	"github.com/toolbridge/backend/internal/workspace"
)

// ObjectInfo describes one remote object.
type ObjectInfo struct {
	Name       string
	Generation int64
}

// ObjectStore is the remote side of the mirror. The production implementation
// is GCS (gcs.go); tests substitute an in-memory fake.
type ObjectStore interface {
	// List returns every object under prefix. Listing is sequential; the
	// store pages internally.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Download streams an object into w.
	Download(ctx context.Context, name string, w io.Writer) error

	// Upload writes an object conditionally: ifGeneration > 0 requires the
	// live generation to match, ifGeneration == 0 requires the object to
	// not exist. Returns the new generation.
	Upload(ctx context.Context, name string, r io.Reader, ifGeneration int64) (int64, error)
}

// Conditional-upload failures the sync loop converts into counted conflicts.
var (
	ErrPreconditionFailed = errors.New("mirror: generation precondition failed")
	ErrPermissionDenied   = errors.New("mirror: permission denied")
)

// StoreFactory builds an ObjectStore for a bucket, optionally authorized by a
// short-lived bearer token instead of application default credentials.
type StoreFactory func(ctx context.Context, bucket, token string) (ObjectStore, error)

// Summary reports what one sync pass did.
type Summary struct {
	Listed    int `json:"listed"`
	Downloads int `json:"downloads"`
	Uploads   int `json:"uploads"`
	Conflicts int `json:"conflicts"`
	Skipped   int `json:"skipped"`
}

// Options configure a Mirror.
type Options struct {
	EnableUpload        bool
	DownloadConcurrency int64
	UploadConcurrency   int64
}

// Mirror synchronizes one work root against remote prefixes.
type Mirror struct {
	workRoot string
	factory  StoreFactory
	opts     Options
	syncing  atomic.Bool // re-entrancy guard for the periodic timer
	log      *logrus.Entry
}

// New creates a mirror for workRoot.
func New(workRoot string, factory StoreFactory, opts Options) *Mirror {
	if opts.DownloadConcurrency <= 0 {
		opts.DownloadConcurrency = 8
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 4
	}
	return &Mirror{
		workRoot: workRoot,
		factory:  factory,
		opts:     opts,
		log:      logrus.WithField("component", "mirror"),
	}
}

// Sync runs one full pass: list, conditional downloads, optional conditional
// uploads, manifest persistence. Implements the GCS_SYNC tool seam.
func (m *Mirror) Sync(ctx context.Context, bucket, prefix, token string) (interface{}, error) {
	store, err := m.factory(ctx, bucket, token)
	if err != nil {
		return nil, fmt.Errorf("mirror: open store: %w", err)
	}
	return m.syncWith(ctx, store, prefix)
}

func (m *Mirror) syncWith(ctx context.Context, store ObjectStore, prefix string) (*Summary, error) {
	manifest, err := LoadManifest(m.workRoot)
	if err != nil {
		return nil, err
	}

	listed, err := store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("mirror: list %q: %w", prefix, err)
	}

	summary := &Summary{Listed: len(listed)}
	remote := make(map[string]int64, len(listed))
	for _, obj := range listed {
		remote[obj.Name] = obj.Generation
	}

	var mu sync.Mutex // guards manifest + summary across workers

	if err := m.downloadPhase(ctx, store, prefix, listed, manifest, summary, &mu); err != nil {
		return nil, err
	}

	if m.opts.EnableUpload {
		if err := m.uploadPhase(ctx, store, prefix, remote, manifest, summary, &mu); err != nil {
			return nil, err
		}
	}

	if err := manifest.Save(); err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"prefix":    prefix,
		"listed":    summary.Listed,
		"downloads": summary.Downloads,
		"uploads":   summary.Uploads,
		"conflicts": summary.Conflicts,
	}).Info("sync pass complete")
	return summary, nil
}

func (m *Mirror) downloadPhase(ctx context.Context, store ObjectStore, prefix string,
	listed []ObjectInfo, manifest *Manifest, summary *Summary, mu *sync.Mutex) error {

	sem := semaphore.NewWeighted(m.opts.DownloadConcurrency)
	g, gctx := errgroup.WithContext(ctx)

	for _, obj := range listed {
		obj := obj

		mu.Lock()
		entry, tracked := manifest.Objects[obj.Name]
		mu.Unlock()
		if tracked && entry.RemoteGen == obj.Generation {
			mu.Lock()
			summary.Skipped++
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			rel := strings.TrimPrefix(obj.Name, prefix)
			rel = strings.TrimPrefix(rel, "/")
			if rel == "" || rel == ManifestName {
				return nil
			}

			dst, err := workspace.ResolveWithin(m.workRoot, rel)
			if err != nil {
				return fmt.Errorf("mirror: object %q: %w", obj.Name, err)
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}

			f, err := os.Create(dst)
			if err != nil {
				return err
			}
			if err := store.Download(gctx, obj.Name, f); err != nil {
				f.Close()
				return fmt.Errorf("mirror: download %q: %w", obj.Name, err)
			}
			if err := f.Close(); err != nil {
				return err
			}

			info, err := os.Stat(dst)
			if err != nil {
				return err
			}

			mu.Lock()
			manifest.Objects[obj.Name] = Entry{
				RemoteGen:  obj.Generation,
				LocalMtime: info.ModTime().UnixMilli(),
				LocalSize:  info.Size(),
			}
			summary.Downloads++
			mu.Unlock()
			metrics.BlobSyncOps.WithLabelValues("download").Inc()
			return nil
		})
	}
	return g.Wait()
}

func (m *Mirror) uploadPhase(ctx context.Context, store ObjectStore, prefix string,
	remote map[string]int64, manifest *Manifest, summary *Summary, mu *sync.Mutex) error {

	var files []string
	err := filepath.Walk(m.workRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		base := filepath.Base(path)
		if base == ManifestName || base == ManifestName+".tmp" {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror: walk work root: %w", err)
	}

	sem := semaphore.NewWeighted(m.opts.UploadConcurrency)
	g, gctx := errgroup.WithContext(ctx)

	for _, path := range files {
		path := path
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return m.uploadOne(gctx, store, prefix, path, remote, manifest, summary, mu)
		})
	}
	return g.Wait()
}

func (m *Mirror) uploadOne(ctx context.Context, store ObjectStore, prefix, path string,
	remote map[string]int64, manifest *Manifest, summary *Summary, mu *sync.Mutex) error {

	rel, err := filepath.Rel(m.workRoot, path)
	if err != nil {
		return err
	}
	rel = filepath.ToSlash(rel)

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mu.Lock()
	// Prefer an existing key for this rel so historical variants (doubled
	// slashes from older prefix joins) keep updating in place.
	name := manifest.keyForRel(prefix, rel)
	if name == "" {
		for _, candidate := range []string{prefix + rel, prefix + "/" + rel} {
			if _, ok := remote[candidate]; ok {
				name = candidate
				break
			}
		}
	}
	if name == "" {
		name = prefix + rel
	}
	entry, tracked := manifest.Objects[name]
	mu.Unlock()

	remoteGen, existsRemotely := remote[name]

	switch {
	case tracked && entry.LocalMtime == info.ModTime().UnixMilli() && entry.LocalSize == info.Size():
		// Unchanged since last sync.
		mu.Lock()
		summary.Skipped++
		mu.Unlock()
		return nil

	case tracked && existsRemotely && remoteGen != entry.RemoteGen:
		// Remote moved under us: last writer loses, explicitly.
		mu.Lock()
		summary.Conflicts++
		mu.Unlock()
		metrics.BlobSyncOps.WithLabelValues("conflict").Inc()
		m.log.WithField("object", name).Warn("upload conflict, remote generation changed")
		return nil

	case !tracked && existsRemotely:
		// Cannot distinguish first-sync from conflict; do not clobber.
		mu.Lock()
		summary.Skipped++
		mu.Unlock()
		return nil
	}

	var ifGen int64
	if tracked {
		ifGen = entry.RemoteGen
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	newGen, err := store.Upload(ctx, name, f, ifGen)
	if errors.Is(err, ErrPreconditionFailed) || errors.Is(err, ErrPermissionDenied) {
		mu.Lock()
		summary.Conflicts++
		mu.Unlock()
		metrics.BlobSyncOps.WithLabelValues("conflict").Inc()
		m.log.WithField("object", name).WithError(err).Warn("upload rejected")
		return nil
	}
	if err != nil {
		return fmt.Errorf("mirror: upload %q: %w", name, err)
	}

	mu.Lock()
	manifest.Objects[name] = Entry{
		RemoteGen:  newGen,
		LocalMtime: info.ModTime().UnixMilli(),
		LocalSize:  info.Size(),
	}
	summary.Uploads++
	mu.Unlock()
	metrics.BlobSyncOps.WithLabelValues("upload").Inc()
	return nil
}

// RunTimer syncs on a fixed interval until ctx is cancelled. A pass that is
// still running when the next tick fires is not overlapped.
func (m *Mirror) RunTimer(ctx context.Context, bucket, prefix string, interval time.Duration, syncOnStart bool) {
	tick := func() {
		if !m.syncing.CompareAndSwap(false, true) {
			m.log.Debug("sync still in progress, skipping tick")
			return
		}
		defer m.syncing.Store(false)

		if _, err := m.Sync(ctx, bucket, prefix, ""); err != nil {
			m.log.WithError(err).Warn("periodic sync failed")
		}
	}

	if syncOnStart {
		tick()
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick()
		}
	}
}

// ExpandPrefix substitutes the scope placeholders in a GCS_PREFIX_TEMPLATE.
// The result is slash-terminated: a bare "…/ws" prefix would join upload keys
// without a separator and list sibling scopes like "…/ws2/".
func ExpandPrefix(template string, scope workspace.Scope) string {
	r := strings.NewReplacer(
		"{userId}", scope.UserID,
		"{projectId}", scope.ProjectID,
		"{workspaceId}", scope.WorkspaceID,
		"{sessionId}", scope.SessionID,
	)
	prefix := r.Replace(template)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
