package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/artpar/stackpilot/internal/core/stack"
)

// =============================================================================
// File Store
// =============================================================================

const (
	configFileName = "config.yaml"
	snapshotsDir   = "snapshots"

	// DefaultRetention bounds the snapshot history. Oldest snapshots are
	// pruned after each new one is taken.
	DefaultRetention = 20
)

// FileStore keeps the configuration document and its snapshot history
// under a single root directory:
//
//	<root>/config.yaml
//	<root>/snapshots/<id>.yaml
type FileStore struct {
	root      string
	retention int
	now       func() time.Time
	newID     func() string
}

// Option customizes a FileStore.
type Option func(*FileStore)

// WithRetention overrides how many snapshots are kept.
func WithRetention(n int) Option {
	return func(s *FileStore) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *FileStore) { s.now = now }
}

// WithIDSource overrides the snapshot ID suffix source. Used by tests.
func WithIDSource(newID func() string) Option {
	return func(s *FileStore) { s.newID = newID }
}

// New creates a FileStore rooted at dir. The directory is created on the
// first write, not here.
func New(dir string, opts ...Option) *FileStore {
	s := &FileStore{
		root:      dir,
		retention: DefaultRetention,
		now:       time.Now,
		newID: func() string {
			return uuid.NewString()[:8]
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the location of the live configuration document.
func (s *FileStore) Path() string {
	return filepath.Join(s.root, configFileName)
}

// Exists reports whether a configuration document has been saved.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// =============================================================================
// Load and Save
// =============================================================================

// Load reads and validates the configuration document.
func (s *FileStore) Load() (stack.Config, error) {
	var cfg stack.Config

	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, NewStoreError("Load", s.Path(), "no configuration saved yet", ErrNotFound)
		}
		return cfg, NewStoreError("Load", s.Path(), "read configuration", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, NewStoreError("Load", s.Path(), "parse configuration", err)
	}
	if err := stack.Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save validates the configuration, snapshots the previous document, and
// writes the new one atomically. A failed write never leaves a partial
// document behind. The returned ID names the snapshot taken of the prior
// state; it is empty on the very first save, when there is nothing to
// snapshot.
func (s *FileStore) Save(cfg stack.Config) (string, error) {
	if err := stack.Validate(cfg); err != nil {
		return "", err
	}
	var snapshotID string
	if s.Exists() {
		id, err := s.snapshotCurrent()
		if err != nil {
			return "", err
		}
		snapshotID = id
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", NewStoreError("Save", s.Path(), "encode configuration", err)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", NewStoreError("Save", s.root, "create store directory", err)
	}
	if err := writeFileAtomic(s.Path(), data, 0o600); err != nil {
		return "", NewStoreError("Save", s.Path(), "write configuration", err)
	}
	return snapshotID, s.pruneSnapshots()
}

// writeFileAtomic writes via a temp file in the same directory, syncs, and
// renames over the target. Readers see either the old or the new document.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// =============================================================================
// Snapshots
// =============================================================================

// Snapshot describes one entry in the history.
type Snapshot struct {
	ID      string
	Path    string
	TakenAt time.Time
}

// snapshotCurrent copies the live document into the history and returns
// the new snapshot's ID.
func (s *FileStore) snapshotCurrent() (string, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		return "", NewStoreError("Snapshot", s.Path(), "read current configuration", err)
	}

	id := fmt.Sprintf("%s-%s", s.now().UTC().Format("20060102_150405"), s.newID())
	dir := filepath.Join(s.root, snapshotsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", NewStoreError("Snapshot", dir, "create snapshot directory", err)
	}
	path := filepath.Join(dir, id+".yaml")
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return "", NewStoreError("Snapshot", path, "write snapshot", err)
	}
	return id, nil
}

// ListSnapshots returns the history, newest first. An empty history is not
// an error.
func (s *FileStore) ListSnapshots() ([]Snapshot, error) {
	dir := filepath.Join(s.root, snapshotsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewStoreError("ListSnapshots", dir, "read snapshot directory", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".yaml")
		snap := Snapshot{ID: id, Path: filepath.Join(dir, entry.Name())}
		if stamp, _, ok := strings.Cut(id, "-"); ok {
			if t, err := time.Parse("20060102_150405", stamp); err == nil {
				snap.TakenAt = t
			}
		}
		snapshots = append(snapshots, snap)
	}

	// IDs are timestamp-prefixed, so lexical order is chronological.
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].ID > snapshots[j].ID
	})
	return snapshots, nil
}

// Restore replaces the live configuration with the named snapshot. The
// current document is itself snapshotted first, so a restore is always
// reversible; the returned ID names that snapshot. A snapshot that no
// longer validates aborts the restore and leaves the live document
// untouched.
func (s *FileStore) Restore(id string) (stack.Config, string, error) {
	var cfg stack.Config

	path := filepath.Join(s.root, snapshotsDir, id+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, "", NewStoreError("Restore", path, "no such snapshot", ErrSnapshotNotFound)
		}
		return cfg, "", NewStoreError("Restore", path, "read snapshot", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, "", NewStoreError("Restore", path, "parse snapshot", errors.Join(ErrInvalidSnapshot, err))
	}
	if err := stack.Validate(cfg); err != nil {
		return cfg, "", NewStoreError("Restore", path, "snapshot failed validation", errors.Join(ErrInvalidSnapshot, err))
	}
	if err := validateHost(cfg); err != nil {
		return cfg, "", NewStoreError("Restore", path, "snapshot no longer fits this host", errors.Join(ErrInvalidSnapshot, err))
	}
	undoID, err := s.Save(cfg)
	if err != nil {
		return cfg, "", err
	}
	return cfg, undoID, nil
}

// validateHost checks constraints a pure validation pass cannot see:
// files the configuration references must exist on this machine. A
// snapshot that validated when taken may have outlived the paths it
// points at.
func validateHost(cfg stack.Config) error {
	if cfg.SSL.Strategy == stack.StrategyManual {
		for _, path := range []string{cfg.SSL.CertPath, cfg.SSL.KeyPath} {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("referenced file %s: %w", path, err)
			}
		}
	}
	return nil
}

// pruneSnapshots drops the oldest entries beyond the retention bound.
func (s *FileStore) pruneSnapshots() error {
	snapshots, err := s.ListSnapshots()
	if err != nil {
		return err
	}
	for _, snap := range snapshots[min(s.retention, len(snapshots)):] {
		if err := os.Remove(snap.Path); err != nil && !os.IsNotExist(err) {
			return NewStoreError("Prune", snap.Path, "remove snapshot", err)
		}
	}
	return nil
}
