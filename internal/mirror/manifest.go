package mirror

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestName is the per-workspace sync state file.
const ManifestName = ".gcs-manifest.json"

// Entry records what we know about one remote object and its local copy.
type Entry struct {
	RemoteGen  int64 `json:"remoteGen"`
	LocalMtime int64 `json:"localMtime"` // unix millis
	LocalSize  int64 `json:"localSize"`
}

// Manifest maps full remote object names to their sync state. It has a single
// writer (the one executor holding the lease) so no locking is needed beyond
// the atomic replace on save.
type Manifest struct {
	Objects map[string]Entry `json:"objects"`
	path    string
}

// LoadManifest reads the manifest from workRoot, returning an empty one when
// the file does not exist yet.
func LoadManifest(workRoot string) (*Manifest, error) {
	m := &Manifest{
		Objects: make(map[string]Entry),
		path:    filepath.Join(workRoot, ManifestName),
	}

	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mirror: read manifest: %w", err)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("mirror: corrupt manifest: %w", err)
	}
	if m.Objects == nil {
		m.Objects = make(map[string]Entry)
	}
	return m, nil
}

// Save writes the manifest atomically via tmp+rename.
func (m *Manifest) Save() error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("mirror: marshal manifest: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("mirror: write manifest: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("mirror: replace manifest: %w", err)
	}
	return nil
}

// keyForRel finds the manifest key tracking rel under prefix, tolerating
// historical key variants such as doubled slashes from older prefix joins.
// Returns "" when rel is untracked.
func (m *Manifest) keyForRel(prefix, rel string) string {
	for _, candidate := range []string{prefix + rel, prefix + "/" + rel} {
		if _, ok := m.Objects[candidate]; ok {
			return candidate
		}
	}
	return ""
}
