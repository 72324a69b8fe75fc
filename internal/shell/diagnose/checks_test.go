package diagnose

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	composetypes "github.com/compose-spec/compose-go/v2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/stackpilot/internal/core/compile"
	"github.com/artpar/stackpilot/internal/core/stack"
	"github.com/artpar/stackpilot/internal/shell/certs"
	"github.com/artpar/stackpilot/internal/shell/docker"
)

type fakeStatus struct {
	statuses []docker.ServiceStatus
	err      error
}

func (f *fakeStatus) Status(context.Context, *composetypes.Project) ([]docker.ServiceStatus, error) {
	return f.statuses, f.err
}

func diagConfig() stack.Config {
	cfg := stack.Default()
	cfg.StackName = "opal"
	cfg.Hosts = []string{"localhost"}
	cfg.AdminPassword = "pw"
	return cfg
}

// =============================================================================
// Check Assembly
// =============================================================================

func TestBuildChecksCoversAllCategories(t *testing.T) {
	cfg := diagConfig()
	checks := BuildChecks(cfg, &composetypes.Project{}, &fakeStatus{}, t.TempDir())

	categories := map[Category]int{}
	for _, c := range checks {
		categories[c.Category]++
	}
	assert.Equal(t, 2, categories[CategoryPort], "edge port plus meta database port")
	assert.Equal(t, 1, categories[CategoryCertificate])
	assert.Equal(t, 1, categories[CategoryEndpoint])
	assert.Equal(t, 1, categories[CategoryContainer])
}

func TestBuildChecksPassThroughSkipsCertificate(t *testing.T) {
	cfg := diagConfig()
	cfg.SSL = stack.SSLConfig{Strategy: stack.StrategyNone}

	for _, c := range BuildChecks(cfg, &composetypes.Project{}, &fakeStatus{}, t.TempDir()) {
		assert.NotEqual(t, CategoryCertificate, c.Category)
	}
}

// =============================================================================
// Port Reachability
// =============================================================================

func TestPortCheckAgainstRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	assert.NoError(t, dialPort(context.Background(), port))

	ln.Close()
	assert.Error(t, dialPort(context.Background(), port))
}

// =============================================================================
// Certificate Validity
// =============================================================================

func writeManagedCert(t *testing.T, dataDir string, hosts []string, now time.Time) {
	t.Helper()
	authority, err := certs.GenerateAuthority("opal CA", now)
	require.NoError(t, err)
	leaf, err := certs.IssueLeaf(authority, hosts, now)
	require.NoError(t, err)

	dir := compile.CertsDir(dataDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	certFile, _ := compile.CertFileNames("opal")
	require.NoError(t, os.WriteFile(filepath.Join(dir, certFile), leaf.CertPEM, 0o644))
}

func TestCertificateCheckPassesForValidCert(t *testing.T) {
	cfg := diagConfig()
	dataDir := t.TempDir()
	writeManagedCert(t, dataDir, []string{"localhost"}, time.Now())

	check := certificateCheck(cfg, dataDir)
	assert.NoError(t, check.Probe(context.Background()))
}

func TestCertificateCheckFailsWhenExpired(t *testing.T) {
	cfg := diagConfig()
	dataDir := t.TempDir()
	writeManagedCert(t, dataDir, []string{"localhost"}, time.Now().Add(-3*365*24*time.Hour))

	check := certificateCheck(cfg, dataDir)
	assert.Error(t, check.Probe(context.Background()))
}

func TestCertificateCheckFailsWhenHostNotCovered(t *testing.T) {
	cfg := diagConfig()
	cfg.Hosts = []string{"other.example.org"}
	dataDir := t.TempDir()
	writeManagedCert(t, dataDir, []string{"localhost"}, time.Now())

	check := certificateCheck(cfg, dataDir)
	err := check.Probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "other.example.org")
}

func TestCertificateCheckFailsWhenMissing(t *testing.T) {
	check := certificateCheck(diagConfig(), t.TempDir())
	assert.Error(t, check.Probe(context.Background()))
}

// =============================================================================
// Endpoint Health
// =============================================================================

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestEndpointCheckHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := diagConfig()
	cfg.SSL = stack.SSLConfig{Strategy: stack.StrategyNone}
	cfg.HTTPPort = serverPort(t, srv)

	check := endpointCheck(cfg)
	assert.NoError(t, check.Probe(context.Background()))
}

func TestEndpointCheckUnhealthyOn500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := diagConfig()
	cfg.SSL = stack.SSLConfig{Strategy: stack.StrategyNone}
	cfg.HTTPPort = serverPort(t, srv)

	check := endpointCheck(cfg)
	assert.Error(t, check.Probe(context.Background()))
}

// =============================================================================
// Container State
// =============================================================================

func TestContainerCheckAllRunning(t *testing.T) {
	status := &fakeStatus{statuses: []docker.ServiceStatus{
		{Service: "opal-app", State: docker.StateRunning},
		{Service: "opal-edge", State: docker.StateRunning},
	}}

	check := containerCheck(&composetypes.Project{}, status)
	assert.NoError(t, check.Probe(context.Background()))
}

func TestContainerCheckReportsNonRunning(t *testing.T) {
	status := &fakeStatus{statuses: []docker.ServiceStatus{
		{Service: "opal-app", State: docker.StateRunning},
		{Service: "opal-edge", State: docker.StateMissing},
		{Service: "opal-rock", State: docker.StateStopped},
	}}

	check := containerCheck(&composetypes.Project{}, status)
	err := check.Probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opal-edge (missing)")
	assert.Contains(t, err.Error(), "opal-rock (stopped)")
}
