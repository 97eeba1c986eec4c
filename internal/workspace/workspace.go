// Package workspace manages the per-session filesystem sandbox every tool
// runs inside. All tool-visible paths are resolved through ResolveWithin,
// which guarantees the result stays under the registered work root.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/toolbridge/backend/internal/state"
)

// ErrPathEscape is returned when a relative path would resolve outside the
// work root.
var ErrPathEscape = errors.New("workspace: path escapes work root")

const (
	segmentMaxLen  = 128
	defaultSegment = "default"
)

var unsafeSegment = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeSegment maps an arbitrary identifier onto a filesystem-safe path
// segment: only [a-zA-Z0-9._-], at most 128 characters, never empty.
func SanitizeSegment(s string) string {
	s = unsafeSegment.ReplaceAllString(s, "_")
	if len(s) > segmentMaxLen {
		s = s[:segmentMaxLen]
	}
	if s == "" {
		return defaultSegment
	}
	return s
}

// Scope identifies a work root.
type Scope struct {
	UserID      string
	ProjectID   string
	WorkspaceID string
	SessionID   string // optional
}

// Dir returns the sanitized relative directory for the scope.
func (s Scope) Dir() string {
	parts := []string{
		SanitizeSegment(s.UserID),
		SanitizeSegment(s.ProjectID),
		SanitizeSegment(s.WorkspaceID),
	}
	if s.SessionID != "" {
		parts = append(parts, SanitizeSegment(s.SessionID))
	}
	return filepath.Join(parts...)
}

// DirFromTemplate renders template with {userId}, {projectId}, {workspaceId}
// and {sessionId} placeholders into a sanitized relative directory. An empty
// template falls back to Dir(); {sessionId} drops out of the path when the
// scope has no session.
func (s Scope) DirFromTemplate(template string) string {
	if template == "" {
		return s.Dir()
	}
	session := ""
	if s.SessionID != "" {
		session = SanitizeSegment(s.SessionID)
	}
	expanded := strings.NewReplacer(
		"{userId}", SanitizeSegment(s.UserID),
		"{projectId}", SanitizeSegment(s.ProjectID),
		"{workspaceId}", SanitizeSegment(s.WorkspaceID),
		"{sessionId}", session,
	).Replace(template)

	var parts []string
	for _, seg := range strings.Split(expanded, "/") {
		if seg == "" {
			continue
		}
		parts = append(parts, SanitizeSegment(seg))
	}
	return filepath.Join(parts...)
}

// ResolveWithin joins rel onto root and verifies the result cannot leave
// root. Absolute paths, backslash separators and any ".." segment are
// rejected before the canonical prefix check runs.
func ResolveWithin(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscape)
	}
	if strings.ContainsRune(rel, '\\') {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrPathEscape, rel)
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
		}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve root: %w", err)
	}
	joined := filepath.Clean(filepath.Join(absRoot, rel))
	if joined != absRoot && !strings.HasPrefix(joined, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return joined, nil
}

// EnsureWorkRoot creates (if needed) and verifies the sandbox directory for
// the scope under base, returning its absolute path. The directory layout
// below base follows template (see DirFromTemplate).
func EnsureWorkRoot(base, template string, scope Scope) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("workspace: base: %w", err)
	}
	root := filepath.Join(absBase, scope.DirFromTemplate(template))

	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("workspace: mkdir %s: %w", root, err)
	}

	// Probe read+write access; a root we cannot write to is useless to
	// every tool, so fail here rather than on the first UPDATE_FILE.
	probe := filepath.Join(root, ".wrprobe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return "", fmt.Errorf("workspace: not writable: %w", err)
	}
	if _, err := os.ReadFile(probe); err != nil {
		return "", fmt.Errorf("workspace: not readable: %w", err)
	}
	os.Remove(probe)

	return root, nil
}

// Doc is the persisted workspace registration.
type Doc struct {
	WorkspaceID string `json:"workspaceId"`
	SessionID   string `json:"sessionId,omitempty"`
	Root        string `json:"root"`
	CreatedAt   int64  `json:"createdAt"`
	LiveAt      int64  `json:"live_at"`
}

// IsLive reports whether the workspace was touched within ttl.
func (d *Doc) IsLive(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-d.LiveAt <= ttl.Milliseconds()
}

// Registry persists workspace documents in the shared document store.
type Registry struct {
	store state.Store
}

// NewRegistry creates a workspace registry on the given store.
func NewRegistry(store state.Store) *Registry {
	return &Registry{store: store}
}

func docPath(scope Scope) string {
	p := fmt.Sprintf("users/%s/projects/%s/workspaces/%s",
		scope.UserID, scope.ProjectID, SanitizeSegment(scope.WorkspaceID))
	if scope.SessionID != "" {
		p += "/sessions/" + SanitizeSegment(scope.SessionID)
	}
	return p
}

// Register ensures the work root exists on disk and upserts its document.
func (r *Registry) Register(ctx context.Context, base, template string, scope Scope) (*Doc, error) {
	root, err := EnsureWorkRoot(base, template, scope)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	var doc Doc
	_, err = r.store.Update(ctx, docPath(scope), func(current []byte) ([]byte, error) {
		if current != nil {
			if err := json.Unmarshal(current, &doc); err != nil {
				return nil, fmt.Errorf("workspace: corrupt doc: %w", err)
			}
		} else {
			doc = Doc{
				WorkspaceID: SanitizeSegment(scope.WorkspaceID),
				SessionID:   scope.SessionID,
				CreatedAt:   now,
			}
		}
		doc.Root = root
		doc.LiveAt = now
		return json.Marshal(&doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Touch refreshes live_at for the scope.
func (r *Registry) Touch(ctx context.Context, scope Scope) error {
	_, err := r.store.Update(ctx, docPath(scope), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, state.ErrNotFound
		}
		var doc Doc
		if err := json.Unmarshal(current, &doc); err != nil {
			return nil, err
		}
		doc.LiveAt = time.Now().UnixMilli()
		return json.Marshal(&doc)
	})
	return err
}

// Lookup fetches the workspace document for the scope.
func (r *Registry) Lookup(ctx context.Context, scope Scope) (*Doc, error) {
	body, err := r.store.Get(ctx, docPath(scope))
	if err != nil {
		return nil, err
	}
	var doc Doc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("workspace: corrupt doc: %w", err)
	}
	return &doc, nil
}
