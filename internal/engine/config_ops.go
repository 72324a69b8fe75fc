package engine

import (
	"context"
	"fmt"

	"github.com/artpar/stackpilot/internal/core/stack"
	"github.com/artpar/stackpilot/internal/shell/docker"
	"github.com/artpar/stackpilot/internal/shell/store"
)

// =============================================================================
// Config Inspection
// =============================================================================

// Show returns the live configuration.
func (e *Engine) Show() (stack.Config, error) {
	return e.load()
}

// Snapshots lists the snapshot history, newest first.
func (e *Engine) Snapshots() ([]store.Snapshot, error) {
	return e.store.ListSnapshots()
}

// =============================================================================
// Config Mutation
// =============================================================================

// ChangePassword replaces the administrator password and, when the stack
// is deployed, reconciles the runtime so the app container picks up the
// new secret. An empty password means generate one; the new value is
// returned either way.
func (e *Engine) ChangePassword(ctx context.Context, password string) (string, error) {
	cfg, err := e.load()
	if err != nil {
		return "", err
	}
	if password == "" {
		password = generateSecret()
	}
	cfg.AdminPassword = password
	if _, err := e.save(cfg); err != nil {
		return "", err
	}
	if err := e.reconcileIfDeployed(ctx, cfg); err != nil {
		return "", err
	}
	return password, nil
}

// Port targets accepted by ChangePort beyond database instance names.
const (
	PortTargetExternal = "external"
	PortTargetHTTP     = "http"
)

// ChangePort moves one published port: the secure edge port, the plaintext
// edge port, or a database instance's host port. The change is validated
// against the rest of the configuration before anything is persisted.
func (e *Engine) ChangePort(ctx context.Context, target string, port int) error {
	cfg, err := e.load()
	if err != nil {
		return err
	}
	switch target {
	case PortTargetExternal:
		cfg.ExternalPort = port
	case PortTargetHTTP:
		cfg.HTTPPort = port
	default:
		db, ok := cfg.Databases[target]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPortTarget, target)
		}
		db.Port = port
		cfg.Databases[target] = db
	}
	if _, err := e.save(cfg); err != nil {
		return err
	}
	return e.reconcileIfDeployed(ctx, cfg)
}

// reconcileIfDeployed re-applies the topology when at least one service
// container exists. On an undeployed stack a mutation changes only the
// document; the first Up picks it up.
func (e *Engine) reconcileIfDeployed(ctx context.Context, cfg stack.Config) error {
	artifacts, err := e.compileFor(cfg)
	if err != nil {
		return err
	}
	statuses, err := e.deploy.Status(ctx, artifacts.Topology)
	if err != nil {
		return err
	}
	deployed := false
	for _, st := range statuses {
		if st.State != docker.StateMissing {
			deployed = true
			break
		}
	}
	if !deployed {
		return nil
	}
	_, err = e.deploy.Apply(ctx, artifacts)
	return err
}

// =============================================================================
// Snapshot / Transport
// =============================================================================

// Restore activates a snapshot. The store re-validates it first; a
// snapshot that no longer fits the host leaves the live config untouched.
// The returned ID names the snapshot taken of the pre-restore state.
func (e *Engine) Restore(id string) (stack.Config, string, error) {
	return e.store.Restore(id)
}

// Export renders the live configuration as a compact string safe to paste
// into text channels.
func (e *Engine) Export() (string, error) {
	cfg, err := e.load()
	if err != nil {
		return "", err
	}
	return store.Export(cfg)
}

// Import replaces the live configuration with a previously exported one.
// The prior state is snapshotted like any other mutation; the returned ID
// names that snapshot.
func (e *Engine) Import(payload string) (stack.Config, string, error) {
	cfg, err := store.Import(payload)
	if err != nil {
		return stack.Config{}, "", err
	}
	snapshotID, err := e.save(cfg)
	if err != nil {
		return stack.Config{}, "", err
	}
	return cfg, snapshotID, nil
}

// =============================================================================
// Profiles
// =============================================================================

// ProfileEntry pairs a profile name with its image coordinates for listing.
type ProfileEntry struct {
	Name    string
	Profile stack.Profile
}

// ProfileList returns the configured worker profiles sorted by name.
func (e *Engine) ProfileList() ([]ProfileEntry, error) {
	cfg, err := e.load()
	if err != nil {
		return nil, err
	}
	entries := make([]ProfileEntry, 0, len(cfg.Profiles))
	for _, name := range sortedNames(cfg.Profiles) {
		entries = append(entries, ProfileEntry{Name: name, Profile: cfg.Profiles[name]})
	}
	return entries, nil
}

// ProfileAdd registers a worker profile. The image is pulled first so a
// bad reference never reaches the configuration; the new worker starts on
// the next Up.
func (e *Engine) ProfileAdd(ctx context.Context, name string, profile stack.Profile) error {
	cfg, err := e.load()
	if err != nil {
		return err
	}
	if _, ok := cfg.Profiles[name]; ok {
		return fmt.Errorf("%w: %q", ErrProfileExists, name)
	}
	if err := e.deploy.ValidateImage(ctx, profile.Ref()); err != nil {
		return err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]stack.Profile{}
	}
	cfg.Profiles[name] = profile
	_, err = e.save(cfg)
	return err
}

// ProfileRemove drops a worker profile from the configuration. The
// container stays until `up --remove-orphans`.
func (e *Engine) ProfileRemove(name string) error {
	cfg, err := e.load()
	if err != nil {
		return err
	}
	if _, ok := cfg.Profiles[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	delete(cfg.Profiles, name)
	_, err = e.save(cfg)
	return err
}

// =============================================================================
// Certificates
// =============================================================================

// CertRegenerate reissues the certificate for the current strategy and
// restarts the edge so it serves the new material. Reissue does not change
// the edge container's topology, hence the explicit restart.
func (e *Engine) CertRegenerate(ctx context.Context) error {
	cfg, err := e.load()
	if err != nil {
		return err
	}
	if err := e.certs.Regenerate(ctx, cfg); err != nil {
		return err
	}
	edge := stack.ServiceName(cfg.StackName, stack.RoleEdge)
	return e.deploy.RestartService(ctx, edge)
}
