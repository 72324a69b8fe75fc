// Package engine is the service layer behind the CLI. Every command maps
// to one Engine method; each method loads the configuration, runs the pure
// core (allocate, compile, certplan) and drives the shell collaborators
// (store, docker, certs, diagnose) to completion. Only one mutating
// operation runs at a time by operational convention, so the engine holds
// no locks of its own.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"

	composetypes "github.com/compose-spec/compose-go/v2/types"

	"github.com/artpar/stackpilot/internal/core/compile"
	"github.com/artpar/stackpilot/internal/core/stack"
	"github.com/artpar/stackpilot/internal/shell/diagnose"
	"github.com/artpar/stackpilot/internal/shell/docker"
	"github.com/artpar/stackpilot/internal/shell/store"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrAlreadyConfigured is returned by Setup when a configuration exists
	// and force was not requested.
	ErrAlreadyConfigured = errors.New("stack is already configured")

	// ErrNotConfigured is returned by operations that need an existing
	// configuration when none has been created yet.
	ErrNotConfigured = errors.New("stack is not configured, run setup first")

	// ErrUnknownPortTarget is returned by ChangePort for a target that is
	// neither a builtin port name nor a database instance.
	ErrUnknownPortTarget = errors.New("unknown port target")

	// ErrUnknownProfile is returned by ProfileRemove for a profile that is
	// not in the configuration.
	ErrUnknownProfile = errors.New("unknown profile")

	// ErrProfileExists is returned by ProfileAdd when the name is taken.
	ErrProfileExists = errors.New("profile already exists")
)

// =============================================================================
// Collaborator Contracts
// =============================================================================

// Deployer is the slice of the deployment driver the engine depends on.
// *docker.Driver satisfies it.
type Deployer interface {
	Apply(ctx context.Context, artifacts *compile.Artifacts) ([]docker.ServiceResult, error)
	Stop(ctx context.Context, project *composetypes.Project) error
	Status(ctx context.Context, project *composetypes.Project) ([]docker.ServiceStatus, error)
	Teardown(ctx context.Context, project *composetypes.Project, sel docker.TeardownSelectors) error
	RemoveOrphans(ctx context.Context, project *composetypes.Project) error
	RestartService(ctx context.Context, name string) error
	ValidateImage(ctx context.Context, image string) error
	SubnetInventory(ctx context.Context) ([]netip.Prefix, error)
}

// CertManager issues and renews the edge certificate for a configuration.
// *certs.Manager satisfies it.
type CertManager interface {
	Ensure(ctx context.Context, cfg stack.Config) error
	Regenerate(ctx context.Context, cfg stack.Config) error
}

// =============================================================================
// Engine
// =============================================================================

// Engine wires the configuration store, the deployment driver, the
// certificate manager and the diagnostics prober behind the CLI commands.
type Engine struct {
	store   *store.FileStore
	deploy  Deployer
	certs   CertManager
	prober  *diagnose.Prober
	logger  *slog.Logger
	dataDir string
}

// New creates an engine. dataDir is where compiled host artifacts live
// (routing document, certificates, ACME state).
func New(st *store.FileStore, deploy Deployer, certs CertManager, prober *diagnose.Prober, dataDir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   st,
		deploy:  deploy,
		certs:   certs,
		prober:  prober,
		logger:  logger,
		dataDir: dataDir,
	}
}

// load fetches the live configuration, mapping a missing store to
// ErrNotConfigured so every command reports the same way.
func (e *Engine) load() (stack.Config, error) {
	cfg, err := e.store.Load()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return stack.Config{}, ErrNotConfigured
		}
		return stack.Config{}, err
	}
	return cfg, nil
}

// save persists a mutated configuration and reports which snapshot was
// taken of the prior state. The ID is empty on the very first save.
func (e *Engine) save(cfg stack.Config) (string, error) {
	snapshotID, err := e.store.Save(cfg)
	if err != nil {
		return "", err
	}
	if snapshotID != "" {
		e.logger.Info("previous configuration snapshotted", "snapshot", snapshotID)
	}
	return snapshotID, nil
}

// compileFor renders the full (non-bootstrap) artifacts for a config.
func (e *Engine) compileFor(cfg stack.Config) (*compile.Artifacts, error) {
	return compile.Compile(cfg, compile.Options{DataDir: e.dataDir})
}

// The deployer doubles as the status source for diagnostics checks.
var _ diagnose.StatusReporter = Deployer(nil)
