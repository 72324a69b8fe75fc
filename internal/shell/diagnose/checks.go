package diagnose

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	composetypes "github.com/compose-spec/compose-go/v2/types"

	"github.com/artpar/stackpilot/internal/core/compile"
	"github.com/artpar/stackpilot/internal/core/stack"
	"github.com/artpar/stackpilot/internal/shell/docker"
)

// StatusReporter is the slice of the deployment driver the container
// state check needs.
type StatusReporter interface {
	Status(ctx context.Context, project *composetypes.Project) ([]docker.ServiceStatus, error)
}

const probeDialTimeout = 3 * time.Second

// BuildChecks assembles the full check set for a deployed stack: one port
// check per published port, a certificate check when the strategy owns
// one, an endpoint health check against the edge, and a container state
// check over the whole topology.
func BuildChecks(cfg stack.Config, project *composetypes.Project, status StatusReporter, dataDir string) []Check {
	var checks []Check

	checks = append(checks, portChecks(cfg)...)
	if cfg.SSL.Strategy != stack.StrategyNone {
		checks = append(checks, certificateCheck(cfg, dataDir))
	}
	checks = append(checks, endpointCheck(cfg))
	checks = append(checks, containerCheck(project, status))
	return checks
}

// =============================================================================
// Port Reachability
// =============================================================================

func portChecks(cfg stack.Config) []Check {
	ports := map[string]int{}
	if cfg.SSL.Strategy == stack.StrategyNone {
		ports["edge"] = cfg.HTTPPort
	} else {
		ports["edge"] = cfg.ExternalPort
	}
	for name, db := range cfg.Databases {
		ports[name] = db.Port
	}

	names := make([]string, 0, len(ports))
	for name := range ports {
		names = append(names, name)
	}
	sort.Strings(names)

	var checks []Check
	for _, name := range names {
		port := ports[name]
		checks = append(checks, Check{
			Name:     fmt.Sprintf("port %d (%s)", port, name),
			Category: CategoryPort,
			Probe: func(ctx context.Context) error {
				return dialPort(ctx, port)
			},
		})
	}
	return checks
}

func dialPort(ctx context.Context, port int) error {
	dialer := net.Dialer{Timeout: probeDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("port %d not reachable: %w", port, err)
	}
	return conn.Close()
}

// =============================================================================
// Certificate Validity
// =============================================================================

// certificateCheck inspects the managed certificate file rather than the
// live listener, so an expired or mis-scoped certificate is caught even
// while the edge is down.
func certificateCheck(cfg stack.Config, dataDir string) Check {
	return Check{
		Name:     "certificate validity",
		Category: CategoryCertificate,
		Probe: func(context.Context) error {
			certFile, _ := compile.CertFileNames(cfg.StackName)
			data, err := os.ReadFile(compile.CertsDir(dataDir) + "/" + certFile)
			if err != nil {
				return fmt.Errorf("read managed certificate: %w", err)
			}
			block, _ := pem.Decode(data)
			if block == nil {
				return errors.New("managed certificate is not PEM")
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return fmt.Errorf("parse managed certificate: %w", err)
			}

			now := time.Now()
			if now.After(cert.NotAfter) {
				return fmt.Errorf("certificate expired %s", cert.NotAfter.Format(time.RFC3339))
			}
			if now.Before(cert.NotBefore) {
				return fmt.Errorf("certificate not valid until %s", cert.NotBefore.Format(time.RFC3339))
			}
			var uncovered []string
			for _, host := range cfg.Hosts {
				if err := cert.VerifyHostname(host); err != nil {
					uncovered = append(uncovered, host)
				}
			}
			if len(uncovered) > 0 {
				return fmt.Errorf("certificate does not cover: %s", strings.Join(uncovered, ", "))
			}
			return nil
		},
	}
}

// =============================================================================
// Endpoint Health
// =============================================================================

func endpointCheck(cfg stack.Config) Check {
	url := fmt.Sprintf("https://localhost:%d/", cfg.ExternalPort)
	if cfg.SSL.Strategy == stack.StrategyNone {
		url = fmt.Sprintf("http://localhost:%d/", cfg.HTTPPort)
	}

	client := &http.Client{
		Timeout: probeDialTimeout,
		Transport: &http.Transport{
			// Self-issued chains are not in the system trust store.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	return Check{
		Name:     "endpoint health",
		Category: CategoryEndpoint,
		Probe: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("endpoint not responding: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("endpoint unhealthy: status %d", resp.StatusCode)
			}
			return nil
		},
	}
}

// =============================================================================
// Container State
// =============================================================================

func containerCheck(project *composetypes.Project, status StatusReporter) Check {
	return Check{
		Name:     "container state",
		Category: CategoryContainer,
		Probe: func(ctx context.Context) error {
			statuses, err := status.Status(ctx, project)
			if err != nil {
				return err
			}
			var notRunning []string
			for _, s := range statuses {
				if s.State != docker.StateRunning {
					notRunning = append(notRunning, fmt.Sprintf("%s (%s)", s.Service, s.State))
				}
			}
			if len(notRunning) > 0 {
				return fmt.Errorf("services not running: %s", strings.Join(notRunning, ", "))
			}
			return nil
		},
	}
}
