package certs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	composetypes "github.com/compose-spec/compose-go/v2/types"

	"github.com/artpar/stackpilot/internal/core/certplan"
	"github.com/artpar/stackpilot/internal/core/compile"
	"github.com/artpar/stackpilot/internal/core/stack"
	"github.com/artpar/stackpilot/internal/shell/docker"
)

const certbotImage = "certbot/certbot:latest"

// =============================================================================
// Manager
// =============================================================================

// Deployer is the slice of the deployment driver the manager needs for
// the publicly-validated bootstrap saga.
type Deployer interface {
	Apply(ctx context.Context, artifacts *compile.Artifacts) ([]docker.ServiceResult, error)
	Stop(ctx context.Context, project *composetypes.Project) error
	RunOneShot(ctx context.Context, spec docker.ContainerSpec) (int, error)
}

// Manager executes certificate lifecycle steps planned by core/certplan.
// All strategies converge on the same managed paths, so the compiled edge
// never cares how its certificate came to be.
type Manager struct {
	dataDir string
	deploy  Deployer
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a certificate manager writing under dataDir.
func NewManager(dataDir string, deploy Deployer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dataDir: dataDir,
		deploy:  deploy,
		logger:  logger,
		now:     time.Now,
	}
}

// ManagedCertPaths returns where the stack's certificate and key live.
func (m *Manager) ManagedCertPaths(stackName string) (cert, key string) {
	certFile, keyFile := compile.CertFileNames(stackName)
	dir := compile.CertsDir(m.dataDir)
	return filepath.Join(dir, certFile), filepath.Join(dir, keyFile)
}

func (m *Manager) authorityPaths() (cert, key string) {
	dir := compile.CertsDir(m.dataDir)
	return filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")
}

func (m *Manager) statePath() string {
	return filepath.Join(m.dataDir, "certs-state")
}

// =============================================================================
// State Persistence
// =============================================================================

// State returns the recorded lifecycle position for a strategy. A record
// from a different strategy (the operator switched) is ignored. With no
// usable record, an existing managed certificate means terminal, otherwise
// the strategy's initial state.
func (m *Manager) State(cfg stack.Config) certplan.State {
	data, err := os.ReadFile(m.statePath())
	if err == nil {
		if s := certplan.State(strings.TrimSpace(string(data))); certplan.Belongs(cfg.SSL.Strategy, s) {
			return s
		}
	}
	certPath, keyPath := m.ManagedCertPaths(cfg.StackName)
	if fileExists(certPath) && fileExists(keyPath) {
		return certplan.TerminalState(cfg.SSL.Strategy)
	}
	return certplan.InitialState(cfg.SSL.Strategy)
}

func (m *Manager) setState(s certplan.State) {
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		m.logger.Error("persist certificate state", "error", err)
		return
	}
	if err := os.WriteFile(m.statePath(), []byte(string(s)+"\n"), 0o600); err != nil {
		m.logger.Error("persist certificate state", "error", err)
	}
}

func (m *Manager) advance(strategy stack.SSLStrategy, current certplan.State, event certplan.Event) certplan.State {
	next, ok := certplan.Advance(strategy, current, event)
	if !ok {
		return current
	}
	if strategy != stack.StrategyNone {
		m.setState(next)
	}
	return next
}

// =============================================================================
// Ensure and Regenerate
// =============================================================================

// Ensure drives the current strategy to its terminal state. It is
// idempotent: with a usable certificate already in place it does nothing.
func (m *Manager) Ensure(ctx context.Context, cfg stack.Config) error {
	strategy := cfg.SSL.Strategy
	path := certplan.DetermineIssuePath(strategy, m.State(cfg))
	if !path.Valid {
		return NewCertificateError("Ensure", string(strategy), path.ErrorReason, nil)
	}
	return m.run(ctx, cfg, path)
}

// Regenerate re-enters the terminal transition for the current strategy,
// overwriting the managed certificate with a fresh one.
func (m *Manager) Regenerate(ctx context.Context, cfg stack.Config) error {
	strategy := cfg.SSL.Strategy
	path := certplan.DetermineRegeneratePath(strategy)
	if !path.Valid {
		return NewCertificateError("Regenerate", string(strategy), path.ErrorReason, nil)
	}
	return m.run(ctx, cfg, path)
}

// run executes a planned path. The compensation steps run whether the
// main steps succeeded or not; a compensation failure never masks the
// original error.
func (m *Manager) run(ctx context.Context, cfg stack.Config, path certplan.IssuePath) error {
	strategy := cfg.SSL.Strategy
	state := m.State(cfg)

	var stepErr error
	for _, step := range path.Steps {
		if err := m.execute(ctx, cfg, step); err != nil {
			stepErr = err
			state = m.advance(strategy, state, certplan.EventFailure)
			m.logger.Error("certificate step failed", "strategy", string(strategy), "step", string(step), "error", err)
			break
		}
		for _, event := range eventsFor(step) {
			state = m.advance(strategy, state, event)
		}
		m.logger.Info("certificate step complete", "strategy", string(strategy), "step", string(step))
	}

	for _, step := range path.Compensation {
		if err := m.execute(ctx, cfg, step); err != nil {
			m.logger.Error("certificate compensation failed", "step", string(step), "error", err)
			if stepErr == nil {
				stepErr = err
			}
		}
	}
	return stepErr
}

// eventsFor maps a completed step onto the lifecycle events it implies.
// The validation client serves the challenge and passes validation within
// a single run, so its success implies both.
func eventsFor(step certplan.Step) []certplan.Event {
	switch step {
	case certplan.StepInstallAuthority:
		return []certplan.Event{certplan.EventAuthorityInstalled}
	case certplan.StepIssueLeaf:
		return []certplan.Event{certplan.EventLeafIssued}
	case certplan.StepApplyBootstrapTopology:
		return []certplan.Event{certplan.EventBootstrapApplied}
	case certplan.StepRunValidationClient:
		return []certplan.Event{certplan.EventChallengeWritten, certplan.EventValidationPassed}
	case certplan.StepRelocateCertificate:
		return []certplan.Event{certplan.EventCertificateStored}
	case certplan.StepCopyUserFiles:
		return []certplan.Event{certplan.EventFilesCopied}
	default:
		return nil
	}
}

// =============================================================================
// Step Execution
// =============================================================================

func (m *Manager) execute(ctx context.Context, cfg stack.Config, step certplan.Step) error {
	switch step {
	case certplan.StepGenerateAuthority:
		return m.generateAuthority(cfg)
	case certplan.StepInstallAuthority:
		return m.installAuthority()
	case certplan.StepIssueLeaf:
		return m.issueLeaf(cfg)
	case certplan.StepApplyBootstrapTopology:
		return m.applyBootstrap(ctx, cfg)
	case certplan.StepRunValidationClient:
		return m.runValidationClient(ctx, cfg)
	case certplan.StepRelocateCertificate:
		return m.relocateCertificate(cfg)
	case certplan.StepRetireBootstrap:
		return m.retireBootstrap(ctx, cfg)
	case certplan.StepCopyUserFiles:
		return m.copyUserFiles(cfg)
	default:
		return NewCertificateError("execute", string(cfg.SSL.Strategy), fmt.Sprintf("unknown step %q", step), nil)
	}
}

// --- self-issued ---

func (m *Manager) generateAuthority(cfg stack.Config) error {
	caCert, caKey := m.authorityPaths()
	if fileExists(caCert) && fileExists(caKey) {
		return nil
	}
	pair, err := GenerateAuthority(cfg.StackName+" CA", m.now())
	if err != nil {
		return NewCertificateError("Ensure", string(cfg.SSL.Strategy), "generate authority", err)
	}
	if err := writePair(caCert, caKey, pair); err != nil {
		return NewCertificateError("Ensure", string(cfg.SSL.Strategy), "write authority", err)
	}
	return nil
}

// installAuthority publishes the trust anchor next to the served
// certificates. Re-running is a no-op; regenerating the authority is a
// deliberate file deletion, not something this step does.
func (m *Manager) installAuthority() error {
	caCert, _ := m.authorityPaths()
	if !fileExists(caCert) {
		return NewCertificateError("Ensure", "", "authority missing before install", ErrNoCertificate)
	}
	return nil
}

func (m *Manager) issueLeaf(cfg stack.Config) error {
	caCertPath, caKeyPath := m.authorityPaths()
	authority, err := readPair(caCertPath, caKeyPath)
	if err != nil {
		return NewCertificateError("Ensure", string(cfg.SSL.Strategy), "load authority", err)
	}
	pair, err := IssueLeaf(authority, cfg.Hosts, m.now())
	if err != nil {
		return NewCertificateError("Ensure", string(cfg.SSL.Strategy), "issue leaf", err)
	}
	certPath, keyPath := m.ManagedCertPaths(cfg.StackName)
	if err := writePair(certPath, keyPath, pair); err != nil {
		return NewCertificateError("Ensure", string(cfg.SSL.Strategy), "write leaf", err)
	}
	return nil
}

// --- publicly-validated bootstrap saga ---

func (m *Manager) applyBootstrap(ctx context.Context, cfg stack.Config) error {
	artifacts, err := compile.Compile(cfg, compile.Options{DataDir: m.dataDir, Bootstrap: true})
	if err != nil {
		return err
	}
	if _, err := m.deploy.Apply(ctx, artifacts); err != nil {
		return NewCertificateError("Ensure", string(cfg.SSL.Strategy), "apply bootstrap topology", err)
	}
	return nil
}

func (m *Manager) runValidationClient(ctx context.Context, cfg stack.Config) error {
	domains := dnsHosts(cfg.Hosts)
	if len(domains) == 0 {
		return NewCertificateError("Ensure", string(cfg.SSL.Strategy), "no resolvable host names to validate", ErrBootstrapFailed)
	}

	cmd := []string{
		"certonly", "--webroot",
		"-w", compile.WebrootTarget,
		"--email", cfg.SSL.ContactEmail,
		"--agree-tos", "--non-interactive",
	}
	for _, d := range domains {
		cmd = append(cmd, "-d", d)
	}

	code, err := m.deploy.RunOneShot(ctx, docker.ContainerSpec{
		Name:    stack.ServiceName(cfg.StackName, "certbot-run"),
		Image:   certbotImage,
		Command: cmd,
		Volumes: []docker.VolumeMount{
			{Source: compile.AcmeStateDir(m.dataDir), Target: compile.AcmeStateTarget},
			{Source: compile.WebrootDir(m.dataDir), Target: compile.WebrootTarget},
		},
		Labels: map[string]string{docker.LabelStack: cfg.StackName},
	})
	if err != nil {
		return NewCertificateError("Ensure", string(cfg.SSL.Strategy), "run validation client", err)
	}
	if code != 0 {
		return NewCertificateError("Ensure", string(cfg.SSL.Strategy),
			fmt.Sprintf("validation client exited with code %d", code), ErrBootstrapFailed)
	}
	return nil
}

func (m *Manager) relocateCertificate(cfg stack.Config) error {
	domains := dnsHosts(cfg.Hosts)
	if len(domains) == 0 {
		return NewCertificateError("Ensure", string(cfg.SSL.Strategy), "no validated domain", ErrNoCertificate)
	}
	liveDir := filepath.Join(compile.AcmeStateDir(m.dataDir), "live", domains[0])

	fullchain, err := os.ReadFile(filepath.Join(liveDir, "fullchain.pem"))
	if err != nil {
		return NewCertificateError("Ensure", string(cfg.SSL.Strategy), "read issued certificate", ErrNoCertificate)
	}
	privkey, err := os.ReadFile(filepath.Join(liveDir, "privkey.pem"))
	if err != nil {
		return NewCertificateError("Ensure", string(cfg.SSL.Strategy), "read issued key", ErrNoCertificate)
	}

	certPath, keyPath := m.ManagedCertPaths(cfg.StackName)
	return writePair(certPath, keyPath, &KeyPair{CertPEM: fullchain, KeyPEM: privkey})
}

// retireBootstrap runs on success and failure alike. With a certificate
// in place the full secure topology replaces the challenge route; without
// one the temporary challenge topology is simply stopped, leaving
// whatever ran before the bootstrap untouched.
func (m *Manager) retireBootstrap(ctx context.Context, cfg stack.Config) error {
	certPath, keyPath := m.ManagedCertPaths(cfg.StackName)
	if fileExists(certPath) && fileExists(keyPath) {
		artifacts, err := compile.Compile(cfg, compile.Options{DataDir: m.dataDir})
		if err != nil {
			return err
		}
		if _, err := m.deploy.Apply(ctx, artifacts); err != nil {
			return NewCertificateError("Ensure", string(cfg.SSL.Strategy), "apply full topology", err)
		}
		return nil
	}

	bootstrap, err := compile.Compile(cfg, compile.Options{DataDir: m.dataDir, Bootstrap: true})
	if err != nil {
		return err
	}
	if err := m.deploy.Stop(ctx, bootstrap.Topology); err != nil {
		return NewCertificateError("Ensure", string(cfg.SSL.Strategy), "stop bootstrap topology", err)
	}
	return nil
}

// --- user-supplied ---

func (m *Manager) copyUserFiles(cfg stack.Config) error {
	cert, err := os.ReadFile(cfg.SSL.CertPath)
	if err != nil {
		return NewCertificateError("Ensure", string(cfg.SSL.Strategy), "read certificate file", ErrMissingUserFiles)
	}
	key, err := os.ReadFile(cfg.SSL.KeyPath)
	if err != nil {
		return NewCertificateError("Ensure", string(cfg.SSL.Strategy), "read key file", ErrMissingUserFiles)
	}
	certPath, keyPath := m.ManagedCertPaths(cfg.StackName)
	return writePair(certPath, keyPath, &KeyPair{CertPEM: cert, KeyPEM: key})
}

// =============================================================================
// Helpers
// =============================================================================

// dnsHosts filters out IP literals; public validation only covers names.
func dnsHosts(hosts []string) []string {
	var out []string
	for _, h := range hosts {
		if !isIPLiteral(h) && h != "localhost" {
			out = append(out, h)
		}
	}
	return out
}

func isIPLiteral(host string) bool {
	for _, r := range host {
		if (r < '0' || r > '9') && r != '.' && r != ':' {
			return false
		}
	}
	return true
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func writePair(certPath, keyPath string, pair *KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(certPath, pair.CertPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, pair.KeyPEM, 0o600)
}

func readPair(certPath, keyPath string) (*KeyPair, error) {
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return &KeyPair{CertPEM: cert, KeyPEM: key}, nil
}
