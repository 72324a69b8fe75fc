package docker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/stackpilot/internal/core/compile"
	"github.com/artpar/stackpilot/internal/core/stack"
)

func testArtifacts(t *testing.T) *compile.Artifacts {
	t.Helper()
	cfg := stack.Default()
	cfg.StackName = "opal"
	cfg.AdminPassword = "s3cret"
	cfg.NetworkSubnet = "172.20.0.0/16"

	artifacts, err := compile.Compile(cfg, compile.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	return artifacts
}

func testDriver() (*Driver, *fakeClient) {
	fake := newFakeClient()
	return NewDriver(fake, slog.New(slog.DiscardHandler)), fake
}

// =============================================================================
// Apply
// =============================================================================

func TestApplyCreatesEverythingOnFirstRun(t *testing.T) {
	driver, fake := testDriver()
	artifacts := testArtifacts(t)

	results, err := driver.Apply(context.Background(), artifacts)
	require.NoError(t, err)
	require.Len(t, results, len(artifacts.Topology.Services))
	for _, r := range results {
		assert.Equal(t, ActionCreated, r.Action, "service %s", r.Service)
	}

	assert.Contains(t, fake.networks, "opal-network")
	assert.Equal(t, []string{"172.20.0.0/16"}, fake.networks["opal-network"].Subnets)
	assert.Contains(t, fake.volumes, "opal-meta-data")
	for name, c := range fake.containers {
		assert.True(t, c.running, "container %s", name)
	}
}

func TestApplyMaterializesRoutingDocument(t *testing.T) {
	driver, _ := testDriver()
	artifacts := testArtifacts(t)

	_, err := driver.Apply(context.Background(), artifacts)
	require.NoError(t, err)

	data, err := os.ReadFile(compile.RoutingPath(artifacts.DataDir))
	require.NoError(t, err)
	assert.Equal(t, artifacts.Routing, string(data))
	assert.DirExists(t, compile.CertsDir(artifacts.DataDir))
	assert.DirExists(t, compile.WebrootDir(artifacts.DataDir))
}

func TestApplyIsIdempotent(t *testing.T) {
	driver, _ := testDriver()
	artifacts := testArtifacts(t)

	_, err := driver.Apply(context.Background(), artifacts)
	require.NoError(t, err)

	results, err := driver.Apply(context.Background(), artifacts)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, ActionUnchanged, r.Action, "service %s", r.Service)
	}
}

func TestApplyRecreatesOnConfigChange(t *testing.T) {
	driver, _ := testDriver()
	ctx := context.Background()

	cfg := stack.Default()
	cfg.StackName = "opal"
	cfg.AdminPassword = "s3cret"
	dataDir := t.TempDir()

	first, err := compile.Compile(cfg, compile.Options{DataDir: dataDir})
	require.NoError(t, err)
	_, err = driver.Apply(ctx, first)
	require.NoError(t, err)

	// Rotating the admin password changes only its consumer.
	cfg.AdminPassword = "rotated"
	second, err := compile.Compile(cfg, compile.Options{DataDir: dataDir})
	require.NoError(t, err)

	results, err := driver.Apply(ctx, second)
	require.NoError(t, err)

	actions := map[string]Action{}
	for _, r := range results {
		actions[r.Service] = r.Action
	}
	assert.Equal(t, ActionRecreated, actions["opal-app"])
	assert.Equal(t, ActionUnchanged, actions["opal-meta"])
	assert.Equal(t, ActionUnchanged, actions["opal-edge"])
}

func TestApplyRestartsStoppedService(t *testing.T) {
	driver, fake := testDriver()
	ctx := context.Background()
	artifacts := testArtifacts(t)

	_, err := driver.Apply(ctx, artifacts)
	require.NoError(t, err)
	fake.containers["opal-rock"].running = false

	results, err := driver.Apply(ctx, artifacts)
	require.NoError(t, err)
	for _, r := range results {
		if r.Service == "opal-rock" {
			assert.Equal(t, ActionStarted, r.Action)
		} else {
			assert.Equal(t, ActionUnchanged, r.Action)
		}
	}
}

func TestApplyResolvesSecretReferences(t *testing.T) {
	driver, fake := testDriver()
	artifacts := testArtifacts(t)

	_, err := driver.Apply(context.Background(), artifacts)
	require.NoError(t, err)

	env := fake.containers["opal-app"].spec.Env
	assert.Equal(t, "s3cret", env["ADMINISTRATOR_PASSWORD"],
		"the driver resolves ${VAR} references at apply time")
}

func TestApplyReportsPerServiceFailures(t *testing.T) {
	driver, fake := testDriver()
	artifacts := testArtifacts(t)
	boom := errors.New("boom")
	fake.failCreate["opal-meta"] = boom

	results, err := driver.Apply(context.Background(), artifacts)
	require.Error(t, err)

	var failed, succeeded int
	for _, r := range results {
		if r.Action == ActionFailed {
			failed++
			assert.Equal(t, "opal-meta", r.Service)
			var derr *DriverError
			require.True(t, errors.As(r.Err, &derr))
			assert.Equal(t, "opal-meta", derr.Service)
		} else {
			succeeded++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Greater(t, succeeded, 0, "one bad service must not hide the others")
}

func TestApplyPullsMissingImages(t *testing.T) {
	driver, fake := testDriver()
	artifacts := testArtifacts(t)

	_, err := driver.Apply(context.Background(), artifacts)
	require.NoError(t, err)
	assert.Contains(t, fake.pulled, "mongo:6.0")

	fake.pulled = nil
	_, err = driver.Apply(context.Background(), artifacts)
	require.NoError(t, err)
	assert.Empty(t, fake.pulled, "cached images are not re-pulled")
}

// =============================================================================
// Status and Stop
// =============================================================================

func TestStatusReportsAllThreeStates(t *testing.T) {
	driver, fake := testDriver()
	ctx := context.Background()
	artifacts := testArtifacts(t)

	_, err := driver.Apply(ctx, artifacts)
	require.NoError(t, err)
	fake.containers["opal-rock"].running = false
	delete(fake.containers, "opal-edge")

	statuses, err := driver.Status(ctx, artifacts.Topology)
	require.NoError(t, err)

	byName := map[string]ServiceState{}
	for _, s := range statuses {
		byName[s.Service] = s.State
	}
	assert.Equal(t, StateRunning, byName["opal-app"])
	assert.Equal(t, StateStopped, byName["opal-rock"])
	assert.Equal(t, StateMissing, byName["opal-edge"])
}

func TestStopLeavesResourcesInPlace(t *testing.T) {
	driver, fake := testDriver()
	ctx := context.Background()
	artifacts := testArtifacts(t)

	_, err := driver.Apply(ctx, artifacts)
	require.NoError(t, err)
	require.NoError(t, driver.Stop(ctx, artifacts.Topology))

	for name, c := range fake.containers {
		assert.False(t, c.running, "container %s", name)
	}
	assert.NotEmpty(t, fake.volumes)
	assert.NotEmpty(t, fake.networks)
}

// =============================================================================
// Teardown
// =============================================================================

func TestTeardownSelectors(t *testing.T) {
	driver, fake := testDriver()
	ctx := context.Background()
	artifacts := testArtifacts(t)

	_, err := driver.Apply(ctx, artifacts)
	require.NoError(t, err)

	require.NoError(t, driver.Teardown(ctx, artifacts.Topology, TeardownSelectors{Containers: true}))
	assert.Empty(t, fake.containers)
	assert.NotEmpty(t, fake.volumes, "volumes survive unless selected")
	assert.NotEmpty(t, fake.networks)

	require.NoError(t, driver.Teardown(ctx, artifacts.Topology, TeardownSelectors{Volumes: true, Network: true}))
	assert.Empty(t, fake.volumes)
	assert.Empty(t, fake.networks)
}

func TestTeardownIsIdempotent(t *testing.T) {
	driver, _ := testDriver()
	ctx := context.Background()
	artifacts := testArtifacts(t)

	sel := TeardownSelectors{Containers: true, Volumes: true, Network: true}
	_, err := driver.Apply(ctx, artifacts)
	require.NoError(t, err)
	require.NoError(t, driver.Teardown(ctx, artifacts.Topology, sel))
	require.NoError(t, driver.Teardown(ctx, artifacts.Topology, sel))
}

// =============================================================================
// Orphans
// =============================================================================

func TestRemoveOrphans(t *testing.T) {
	driver, fake := testDriver()
	ctx := context.Background()

	cfg := stack.Default()
	cfg.StackName = "opal"
	cfg.AdminPassword = "pw"
	cfg.Profiles["geo"] = stack.Profile{Image: "datashield/rock-geo", Tag: "1.0"}
	dataDir := t.TempDir()

	withGeo, err := compile.Compile(cfg, compile.Options{DataDir: dataDir})
	require.NoError(t, err)
	_, err = driver.Apply(ctx, withGeo)
	require.NoError(t, err)

	delete(cfg.Profiles, "geo")
	withoutGeo, err := compile.Compile(cfg, compile.Options{DataDir: dataDir})
	require.NoError(t, err)

	require.NoError(t, driver.RemoveOrphans(ctx, withoutGeo.Topology))
	assert.NotContains(t, fake.containers, "opal-geo")
	assert.Contains(t, fake.containers, "opal-rock")
}

// =============================================================================
// One-Shot Runs
// =============================================================================

func TestRunOneShotReturnsExitCodeAndCleansUp(t *testing.T) {
	driver, fake := testDriver()
	fake.waitCodes["opal-certbot-run"] = 1

	code, err := driver.RunOneShot(context.Background(), ContainerSpec{
		Name:  "opal-certbot-run",
		Image: "certbot/certbot:latest",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.NotContains(t, fake.containers, "opal-certbot-run")
}

// =============================================================================
// Host Inventory
// =============================================================================

func TestSubnetInventorySkipsUnparseable(t *testing.T) {
	driver, fake := testDriver()
	fake.networks["a"] = NetworkInfo{ID: "a", Name: "a", Subnets: []string{"172.20.0.0/16", "garbage"}}
	fake.networks["b"] = NetworkInfo{ID: "b", Name: "b", Subnets: []string{"10.0.0.0/8"}}

	prefixes, err := driver.SubnetInventory(context.Background())
	require.NoError(t, err)
	assert.Len(t, prefixes, 2)
}
