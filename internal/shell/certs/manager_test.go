package certs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	composetypes "github.com/compose-spec/compose-go/v2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/stackpilot/internal/core/certplan"
	"github.com/artpar/stackpilot/internal/core/compile"
	"github.com/artpar/stackpilot/internal/core/stack"
	"github.com/artpar/stackpilot/internal/shell/docker"
)

// fakeDeployer records applied topologies and scripts the validation
// client's behavior.
type fakeDeployer struct {
	applied []*compile.Artifacts
	stopped []*composetypes.Project

	oneShotCode int
	oneShotErr  error
	// onValidation simulates the validation client writing its artifacts.
	onValidation func()
}

func (f *fakeDeployer) Apply(_ context.Context, a *compile.Artifacts) ([]docker.ServiceResult, error) {
	f.applied = append(f.applied, a)
	return nil, nil
}

func (f *fakeDeployer) Stop(_ context.Context, p *composetypes.Project) error {
	f.stopped = append(f.stopped, p)
	return nil
}

func (f *fakeDeployer) RunOneShot(context.Context, docker.ContainerSpec) (int, error) {
	if f.onValidation != nil {
		f.onValidation()
	}
	return f.oneShotCode, f.oneShotErr
}

func testManager(t *testing.T) (*Manager, *fakeDeployer, string) {
	t.Helper()
	dataDir := t.TempDir()
	deploy := &fakeDeployer{}
	m := NewManager(dataDir, deploy, slog.New(slog.DiscardHandler))
	return m, deploy, dataDir
}

func selfSignedConfig() stack.Config {
	cfg := stack.Default()
	cfg.StackName = "opal"
	cfg.Hosts = []string{"opal.example.org", "127.0.0.1"}
	cfg.AdminPassword = "pw"
	return cfg
}

func letsEncryptConfig() stack.Config {
	cfg := selfSignedConfig()
	cfg.SSL = stack.SSLConfig{Strategy: stack.StrategyLetsEncrypt, ContactEmail: "admin@example.org"}
	return cfg
}

// =============================================================================
// Self-Issued
// =============================================================================

func TestEnsureSelfSignedIssuesAuthorityAndLeaf(t *testing.T) {
	m, _, _ := testManager(t)
	cfg := selfSignedConfig()

	require.NoError(t, m.Ensure(context.Background(), cfg))

	caCert, caKey := m.authorityPaths()
	assert.FileExists(t, caCert)
	assert.FileExists(t, caKey)

	certPath, keyPath := m.ManagedCertPaths("opal")
	assert.FileExists(t, certPath)
	assert.FileExists(t, keyPath)
	assert.Equal(t, certplan.StateCertIssued, m.State(cfg))
}

func TestEnsureSelfSignedIsIdempotent(t *testing.T) {
	m, _, _ := testManager(t)
	cfg := selfSignedConfig()

	require.NoError(t, m.Ensure(context.Background(), cfg))
	certPath, _ := m.ManagedCertPaths("opal")
	before, err := os.ReadFile(certPath)
	require.NoError(t, err)

	require.NoError(t, m.Ensure(context.Background(), cfg))
	after, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, before, after, "a second Ensure must not reissue")
}

func TestRegenerateSelfSignedReissuesLeafKeepsAuthority(t *testing.T) {
	m, _, _ := testManager(t)
	cfg := selfSignedConfig()
	require.NoError(t, m.Ensure(context.Background(), cfg))

	caCertPath, _ := m.authorityPaths()
	certPath, _ := m.ManagedCertPaths("opal")
	caBefore, _ := os.ReadFile(caCertPath)
	leafBefore, _ := os.ReadFile(certPath)

	require.NoError(t, m.Regenerate(context.Background(), cfg))

	caAfter, _ := os.ReadFile(caCertPath)
	leafAfter, _ := os.ReadFile(certPath)
	assert.Equal(t, caBefore, caAfter, "the authority survives regeneration")
	assert.NotEqual(t, leafBefore, leafAfter, "the leaf is reissued")
}

func TestSelfSignedLeafCoversExactlyHosts(t *testing.T) {
	m, _, _ := testManager(t)
	cfg := selfSignedConfig()
	require.NoError(t, m.Ensure(context.Background(), cfg))

	pair, err := readPair(m.ManagedCertPaths("opal"))
	require.NoError(t, err)

	leaf := parseCert(t, pair.CertPEM)
	assert.Equal(t, []string{"opal.example.org"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())
}

// =============================================================================
// Publicly-Validated Bootstrap Saga
// =============================================================================

func TestEnsurePublicHappyPath(t *testing.T) {
	m, deploy, dataDir := testManager(t)
	cfg := letsEncryptConfig()

	// The validation client "issues" a certificate into the ACME state dir.
	deploy.onValidation = func() {
		liveDir := filepath.Join(compile.AcmeStateDir(dataDir), "live", "opal.example.org")
		require.NoError(t, os.MkdirAll(liveDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(liveDir, "fullchain.pem"), []byte("CERT"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(liveDir, "privkey.pem"), []byte("KEY"), 0o600))
	}

	require.NoError(t, m.Ensure(context.Background(), cfg))

	certPath, keyPath := m.ManagedCertPaths("opal")
	assert.FileExists(t, certPath)
	assert.FileExists(t, keyPath)
	assert.Equal(t, certplan.StateCertIssued, m.State(cfg))

	// Bootstrap topology first, full topology after success.
	require.Len(t, deploy.applied, 2)
	assert.Contains(t, deploy.applied[0].Routing, "acme-challenge")
	assert.NotContains(t, deploy.applied[1].Routing, "acme-challenge",
		"the challenge route retires once bootstrap completes")
	assert.Empty(t, deploy.stopped)
}

func TestEnsurePublicValidationFailure(t *testing.T) {
	m, deploy, _ := testManager(t)
	cfg := letsEncryptConfig()
	deploy.oneShotCode = 1

	err := m.Ensure(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBootstrapFailed))

	var cerr *CertificateError
	require.True(t, errors.As(err, &cerr))

	assert.Equal(t, certplan.StateFailed, m.State(cfg))
	certPath, _ := m.ManagedCertPaths("opal")
	assert.NoFileExists(t, certPath)

	// Compensation stopped the bootstrap topology instead of leaving the
	// challenge edge running.
	require.Len(t, deploy.applied, 1)
	require.Len(t, deploy.stopped, 1)
}

func TestEnsurePublicRetriesFromFailed(t *testing.T) {
	m, deploy, dataDir := testManager(t)
	cfg := letsEncryptConfig()

	deploy.oneShotCode = 1
	require.Error(t, m.Ensure(context.Background(), cfg))
	require.Equal(t, certplan.StateFailed, m.State(cfg))

	deploy.oneShotCode = 0
	deploy.onValidation = func() {
		liveDir := filepath.Join(compile.AcmeStateDir(dataDir), "live", "opal.example.org")
		require.NoError(t, os.MkdirAll(liveDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(liveDir, "fullchain.pem"), []byte("CERT"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(liveDir, "privkey.pem"), []byte("KEY"), 0o600))
	}
	require.NoError(t, m.Ensure(context.Background(), cfg))
	assert.Equal(t, certplan.StateCertIssued, m.State(cfg))
}

func TestStrategySwitchIgnoresForeignState(t *testing.T) {
	m, deploy, _ := testManager(t)

	// A failed public bootstrap leaves a recorded state that means nothing
	// to the self-issued strategy.
	deploy.oneShotCode = 1
	require.Error(t, m.Ensure(context.Background(), letsEncryptConfig()))

	cfg := selfSignedConfig()
	assert.Equal(t, certplan.StateNoAuthority, m.State(cfg))
	require.NoError(t, m.Ensure(context.Background(), cfg))
	assert.Equal(t, certplan.StateCertIssued, m.State(cfg))
}

// =============================================================================
// User-Supplied
// =============================================================================

func TestEnsureManualCopiesFiles(t *testing.T) {
	m, _, _ := testManager(t)
	dir := t.TempDir()
	certFile := filepath.Join(dir, "my.crt")
	keyFile := filepath.Join(dir, "my.key")
	require.NoError(t, os.WriteFile(certFile, []byte("USER CERT"), 0o644))
	require.NoError(t, os.WriteFile(keyFile, []byte("USER KEY"), 0o600))

	cfg := selfSignedConfig()
	cfg.SSL = stack.SSLConfig{Strategy: stack.StrategyManual, CertPath: certFile, KeyPath: keyFile}

	require.NoError(t, m.Ensure(context.Background(), cfg))

	certPath, keyPath := m.ManagedCertPaths("opal")
	copied, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, "USER CERT", string(copied))
	copiedKey, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	assert.Equal(t, "USER KEY", string(copiedKey))
	assert.Equal(t, certplan.StateCopied, m.State(cfg))
}

func TestEnsureManualMissingFiles(t *testing.T) {
	m, _, _ := testManager(t)
	cfg := selfSignedConfig()
	cfg.SSL = stack.SSLConfig{
		Strategy: stack.StrategyManual,
		CertPath: "/nonexistent/my.crt",
		KeyPath:  "/nonexistent/my.key",
	}

	err := m.Ensure(context.Background(), cfg)
	assert.True(t, errors.Is(err, ErrMissingUserFiles))
}

// =============================================================================
// Pass-Through
// =============================================================================

func TestEnsurePassThroughIsNoOp(t *testing.T) {
	m, deploy, _ := testManager(t)
	cfg := selfSignedConfig()
	cfg.SSL = stack.SSLConfig{Strategy: stack.StrategyNone}

	require.NoError(t, m.Ensure(context.Background(), cfg))
	assert.Empty(t, deploy.applied)

	certPath, _ := m.ManagedCertPaths("opal")
	assert.NoFileExists(t, certPath)
}

func TestRegeneratePassThroughRefused(t *testing.T) {
	m, _, _ := testManager(t)
	cfg := selfSignedConfig()
	cfg.SSL = stack.SSLConfig{Strategy: stack.StrategyNone}

	err := m.Regenerate(context.Background(), cfg)
	require.Error(t, err)
	var cerr *CertificateError
	assert.True(t, errors.As(err, &cerr))
}

// =============================================================================
// Self-Issued Key Material
// =============================================================================

func TestIssuedChainVerifies(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	authority, err := GenerateAuthority("opal CA", now)
	require.NoError(t, err)
	leaf, err := IssueLeaf(authority, []string{"opal.example.org"}, now)
	require.NoError(t, err)

	verifyChain(t, authority.CertPEM, leaf.CertPEM, "opal.example.org", now.Add(24*time.Hour))
}
