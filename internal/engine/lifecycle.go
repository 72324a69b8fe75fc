package engine

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sort"

	"github.com/artpar/stackpilot/internal/core/allocate"
	"github.com/artpar/stackpilot/internal/core/stack"
	"github.com/artpar/stackpilot/internal/shell/diagnose"
	"github.com/artpar/stackpilot/internal/shell/docker"
)

// =============================================================================
// Setup
// =============================================================================

// SetupParams carries the non-interactive setup inputs. Zero values fall
// back to the defaults in stack.Default; passwords left empty are
// generated.
type SetupParams struct {
	StackName    string
	Hosts        []string
	ExternalPort int
	HTTPPort     int

	AdminPassword string

	Strategy     stack.SSLStrategy
	CertPath     string
	KeyPath      string
	ContactEmail string

	// Force replaces an existing configuration (the prior one is
	// snapshotted first, like any mutation).
	Force bool
}

// Setup creates the initial configuration: merges the operator's inputs
// over the defaults, generates missing secrets, allocates a private subnet
// against the host's existing networks, persists the document and brings
// the certificate material up to date. It does not deploy; that is Up.
func (e *Engine) Setup(ctx context.Context, params SetupParams) (stack.Config, error) {
	if e.store.Exists() && !params.Force {
		return stack.Config{}, ErrAlreadyConfigured
	}

	cfg := stack.Default()
	if params.StackName != "" {
		cfg.StackName = params.StackName
	}
	if len(params.Hosts) > 0 {
		cfg.Hosts = append([]string(nil), params.Hosts...)
	}
	if params.ExternalPort != 0 {
		cfg.ExternalPort = params.ExternalPort
	}
	if params.HTTPPort != 0 {
		cfg.HTTPPort = params.HTTPPort
	}
	if params.Strategy != "" {
		cfg.SSL.Strategy = params.Strategy
	}
	cfg.SSL.CertPath = params.CertPath
	cfg.SSL.KeyPath = params.KeyPath
	cfg.SSL.ContactEmail = params.ContactEmail

	cfg.AdminPassword = params.AdminPassword
	if cfg.AdminPassword == "" {
		cfg.AdminPassword = generateSecret()
	}
	for name, db := range cfg.Databases {
		if db.Password == "" {
			db.Password = generateSecret()
			cfg.Databases[name] = db
		}
	}

	if err := e.allocateSubnet(ctx, &cfg); err != nil {
		return stack.Config{}, err
	}
	if err := allocatePorts(&cfg); err != nil {
		return stack.Config{}, err
	}

	if _, err := e.save(cfg); err != nil {
		return stack.Config{}, err
	}
	e.logger.Info("configuration created",
		"stack", cfg.StackName,
		"strategy", string(cfg.SSL.Strategy),
		"subnet", cfg.NetworkSubnet)

	if err := e.certs.Ensure(ctx, cfg); err != nil {
		return stack.Config{}, err
	}
	return cfg, nil
}

// allocateSubnet picks a private subnet that does not overlap anything the
// runtime already has. Full exhaustion is not fatal: the subnet stays empty
// and the runtime assigns its own.
func (e *Engine) allocateSubnet(ctx context.Context, cfg *stack.Config) error {
	if cfg.NetworkSubnet != "" {
		return nil
	}
	existing, err := e.deploy.SubnetInventory(ctx)
	if err != nil {
		return err
	}
	prefix, ok := allocate.ChooseSubnet(existing)
	if !ok {
		e.logger.Warn("no free subnet in candidate ranges, deferring to runtime default",
			"ranges", allocate.CandidateRanges())
		return nil
	}
	cfg.NetworkSubnet = prefix.String()
	return nil
}

// allocatePorts resolves port collisions among the published ports by
// scanning upward from the requested values, databases last so the
// operator-chosen edge ports win.
func allocatePorts(cfg *stack.Config) error {
	claimed := map[int]bool{cfg.ExternalPort: true}

	httpPort, err := allocate.SuggestPort(cfg.HTTPPort, claimed)
	if err != nil {
		return err
	}
	cfg.HTTPPort = httpPort
	claimed[httpPort] = true

	for _, name := range sortedNames(cfg.Databases) {
		db := cfg.Databases[name]
		preferred := db.Port
		if preferred == 0 {
			preferred = db.Engine.DefaultPort()
		}
		port, err := allocate.SuggestPort(preferred, claimed)
		if err != nil {
			return err
		}
		db.Port = port
		claimed[port] = true
		cfg.Databases[name] = db
	}
	return nil
}

// generateSecret returns a fresh random secret suitable for database and
// administrator passwords.
func generateSecret() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on any supported platform.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// =============================================================================
// Deploy Lifecycle
// =============================================================================

// Up compiles the current configuration, makes certificate material
// current, and reconciles the runtime against the topology. With
// removeOrphans, containers from retired services are removed afterwards.
func (e *Engine) Up(ctx context.Context, removeOrphans bool) ([]docker.ServiceResult, error) {
	cfg, err := e.load()
	if err != nil {
		return nil, err
	}
	if err := e.certs.Ensure(ctx, cfg); err != nil {
		return nil, err
	}
	artifacts, err := e.compileFor(cfg)
	if err != nil {
		return nil, err
	}
	results, err := e.deploy.Apply(ctx, artifacts)
	if err != nil {
		return results, err
	}
	if removeOrphans {
		if err := e.deploy.RemoveOrphans(ctx, artifacts.Topology); err != nil {
			return results, err
		}
	}
	return results, nil
}

// Down stops every container in the stack. Containers, volumes and the
// network survive; Reset removes them.
func (e *Engine) Down(ctx context.Context) error {
	cfg, err := e.load()
	if err != nil {
		return err
	}
	artifacts, err := e.compileFor(cfg)
	if err != nil {
		return err
	}
	return e.deploy.Stop(ctx, artifacts.Topology)
}

// Status reports the observed runtime state of every declared service.
func (e *Engine) Status(ctx context.Context) ([]docker.ServiceStatus, error) {
	cfg, err := e.load()
	if err != nil {
		return nil, err
	}
	artifacts, err := e.compileFor(cfg)
	if err != nil {
		return nil, err
	}
	return e.deploy.Status(ctx, artifacts.Topology)
}

// Reset tears down the selected runtime resources. Data volumes go only
// when explicitly selected; the configuration document is never touched.
func (e *Engine) Reset(ctx context.Context, sel docker.TeardownSelectors) error {
	cfg, err := e.load()
	if err != nil {
		return err
	}
	artifacts, err := e.compileFor(cfg)
	if err != nil {
		return err
	}
	return e.deploy.Teardown(ctx, artifacts.Topology, sel)
}

// =============================================================================
// Diagnostics
// =============================================================================

// Diagnose runs the full check set against the deployed stack and returns
// the per-check results plus the failed-check count, which the CLI uses as
// its exit code.
func (e *Engine) Diagnose(ctx context.Context) ([]diagnose.Result, int, error) {
	cfg, err := e.load()
	if err != nil {
		return nil, 0, err
	}
	artifacts, err := e.compileFor(cfg)
	if err != nil {
		return nil, 0, err
	}
	checks := diagnose.BuildChecks(cfg, artifacts.Topology, e.deploy, e.dataDir)
	results, failed := e.prober.Run(ctx, checks)
	return results, failed, nil
}

// used by setup and the config operations
func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
