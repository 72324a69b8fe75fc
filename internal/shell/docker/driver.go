package docker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	composetypes "github.com/compose-spec/compose-go/v2/types"

	"github.com/artpar/stackpilot/internal/core/compile"
	"github.com/artpar/stackpilot/internal/core/stack"
)

// =============================================================================
// Deployment Driver
// =============================================================================

// Driver reconciles a compiled topology against the container runtime on
// a single host. All operations are idempotent: applying the same
// artifacts twice changes nothing the second time.
type Driver struct {
	client Client
	logger *slog.Logger
}

// NewDriver creates a deployment driver over a runtime client.
func NewDriver(client Client, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{client: client, logger: logger}
}

// Action describes what Apply did to one service.
type Action string

const (
	ActionCreated   Action = "created"
	ActionRecreated Action = "recreated"
	ActionStarted   Action = "started"
	ActionUnchanged Action = "unchanged"
	ActionFailed    Action = "failed"
)

// ServiceResult is the per-service outcome of an Apply.
type ServiceResult struct {
	Service string
	Action  Action
	Err     error
}

// ServiceState is the observed runtime state of one service.
type ServiceState string

const (
	StateRunning ServiceState = "running"
	StateStopped ServiceState = "stopped"
	StateMissing ServiceState = "missing"
)

// ServiceStatus pairs a service with its observed state.
type ServiceStatus struct {
	Service string
	State   ServiceState
}

// =============================================================================
// Apply
// =============================================================================

// Apply reconciles every service in the artifacts, in dependency order.
// Each service gets its own result; a failing service never hides the
// outcome of the others. The returned error aggregates the per-service
// failures, nil when everything converged.
func (d *Driver) Apply(ctx context.Context, artifacts *compile.Artifacts) ([]ServiceResult, error) {
	project := artifacts.Topology

	if err := d.materializeArtifacts(artifacts); err != nil {
		return nil, err
	}
	if err := d.ensureNetworks(ctx, project); err != nil {
		return nil, err
	}
	if err := d.ensureVolumes(ctx, project); err != nil {
		return nil, err
	}

	var results []ServiceResult
	var failures []error
	for _, name := range compile.StartOrder(project) {
		svc := project.Services[name]
		spec := d.containerSpec(project, svc, artifacts)

		action, err := d.reconcileService(ctx, spec)
		if err != nil {
			err = NewDriverError(name, "Apply", "reconcile service", err)
			failures = append(failures, err)
			results = append(results, ServiceResult{Service: name, Action: ActionFailed, Err: err})
			d.logger.Error("service reconcile failed", "service", name, "error", err)
			continue
		}
		results = append(results, ServiceResult{Service: name, Action: action})
		d.logger.Info("service reconciled", "service", name, "action", string(action))
	}
	return results, errors.Join(failures...)
}

// reconcileService converges one container onto its desired spec.
func (d *Driver) reconcileService(ctx context.Context, spec ContainerSpec) (Action, error) {
	current, err := d.client.InspectContainer(ctx, spec.Name)
	if err != nil {
		if !errors.Is(err, ErrContainerNotFound) {
			return ActionFailed, err
		}
		if err := d.createAndStart(ctx, spec); err != nil {
			return ActionFailed, err
		}
		return ActionCreated, nil
	}

	if current.Labels[LabelConfigHash] == spec.Labels[LabelConfigHash] {
		if current.Status == ContainerStatusRunning {
			return ActionUnchanged, nil
		}
		if err := d.client.StartContainer(ctx, current.ID); err != nil {
			return ActionFailed, err
		}
		return ActionStarted, nil
	}

	// Spec changed: replace the container. The volume keeps the data.
	timeout := 30 * time.Second
	if err := d.client.StopContainer(ctx, current.ID, &timeout); err != nil && !errors.Is(err, ErrContainerNotRunning) {
		return ActionFailed, err
	}
	if err := d.client.RemoveContainer(ctx, current.ID, RemoveOptions{Force: true}); err != nil {
		return ActionFailed, err
	}
	if err := d.createAndStart(ctx, spec); err != nil {
		return ActionFailed, err
	}
	return ActionRecreated, nil
}

func (d *Driver) createAndStart(ctx context.Context, spec ContainerSpec) error {
	if exists, err := d.client.ImageExists(ctx, spec.Image); err == nil && !exists {
		if err := d.client.PullImage(ctx, spec.Image); err != nil {
			return err
		}
	}
	id, err := d.client.CreateContainer(ctx, spec)
	if err != nil {
		return err
	}
	return d.client.StartContainer(ctx, id)
}

// materializeArtifacts writes the host files the topology bind-mounts:
// the routing document plus the directories for certificates and the
// challenge webroot. The routing file is written via temp+rename so the
// edge never reads a half-written config.
func (d *Driver) materializeArtifacts(artifacts *compile.Artifacts) error {
	for _, dir := range []string{
		compile.CertsDir(artifacts.DataDir),
		compile.WebrootDir(artifacts.DataDir),
		compile.AcmeStateDir(artifacts.DataDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return NewDriverError("", "Apply", fmt.Sprintf("create artifact dir %s", dir), err)
		}
	}

	routingPath := compile.RoutingPath(artifacts.DataDir)
	if err := os.MkdirAll(filepath.Dir(routingPath), 0o755); err != nil {
		return NewDriverError("", "Apply", "create routing dir", err)
	}
	tmp := routingPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(artifacts.Routing), 0o644); err != nil {
		return NewDriverError("", "Apply", "write routing document", err)
	}
	if err := os.Rename(tmp, routingPath); err != nil {
		return NewDriverError("", "Apply", "install routing document", err)
	}
	return nil
}

func (d *Driver) ensureNetworks(ctx context.Context, project *composetypes.Project) error {
	existing, err := d.client.ListNetworks(ctx)
	if err != nil {
		return NewDriverError("", "Apply", "list networks", err)
	}
	byName := map[string]bool{}
	for _, n := range existing {
		byName[n.Name] = true
	}

	for _, name := range sortedKeys(project.Networks) {
		if byName[name] {
			continue
		}
		netCfg := project.Networks[name]
		spec := NetworkSpec{
			Name:   name,
			Driver: netCfg.Driver,
			Labels: map[string]string{LabelManaged: "true", LabelStack: project.Name},
		}
		for _, pool := range netCfg.Ipam.Config {
			spec.Subnet = pool.Subnet
		}
		if _, err := d.client.CreateNetwork(ctx, spec); err != nil && !errors.Is(err, ErrNetworkAlreadyExists) {
			return NewDriverError("", "Apply", fmt.Sprintf("create network %s", name), err)
		}
	}
	return nil
}

func (d *Driver) ensureVolumes(ctx context.Context, project *composetypes.Project) error {
	for _, name := range sortedKeys(project.Volumes) {
		spec := VolumeSpec{
			Name:   name,
			Labels: map[string]string{LabelManaged: "true", LabelStack: project.Name},
		}
		// VolumeCreate is idempotent by name.
		if _, err := d.client.CreateVolume(ctx, spec); err != nil {
			return NewDriverError("", "Apply", fmt.Sprintf("create volume %s", name), err)
		}
	}
	return nil
}

// =============================================================================
// Spec Construction
// =============================================================================

// containerSpec lowers one topology service into a runtime container spec,
// resolving ${VAR} secret references and stamping the config-hash label
// that makes Apply idempotent.
func (d *Driver) containerSpec(project *composetypes.Project, svc composetypes.ServiceConfig, artifacts *compile.Artifacts) ContainerSpec {
	spec := ContainerSpec{
		Name:          svc.Name,
		Image:         svc.Image,
		Command:       svc.Command,
		Entrypoint:    svc.Entrypoint,
		RestartPolicy: svc.Restart,
		Env:           map[string]string{},
	}

	for _, k := range sortedKeys(svc.Environment) {
		v := svc.Environment[k]
		if v == nil {
			continue
		}
		spec.Env[k] = os.Expand(*v, func(key string) string {
			return artifacts.Secrets[key]
		})
	}
	for _, p := range svc.Ports {
		hostPort, _ := strconv.Atoi(p.Published)
		spec.Ports = append(spec.Ports, PortBinding{
			ContainerPort: int(p.Target),
			HostPort:      hostPort,
			Protocol:      p.Protocol,
		})
	}
	for _, v := range svc.Volumes {
		spec.Volumes = append(spec.Volumes, VolumeMount{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}
	for netName := range svc.Networks {
		spec.Networks = append(spec.Networks, netName)
	}
	sort.Strings(spec.Networks)

	spec.Labels = map[string]string{
		LabelManaged: "true",
		LabelStack:   project.Name,
		LabelService: svc.Name,
	}
	spec.Labels[LabelConfigHash] = configHash(spec, edgeExtraInput(project, svc, artifacts))
	return spec
}

// edgeExtraInput folds the routing document into the edge service's hash.
// The edge consumes it through a bind mount, so its content changing must
// recreate the container even though the spec itself is unchanged.
func edgeExtraInput(project *composetypes.Project, svc composetypes.ServiceConfig, artifacts *compile.Artifacts) string {
	if svc.Name == stack.ServiceName(project.Name, stack.RoleEdge) {
		return artifacts.Routing
	}
	return ""
}

// configHash fingerprints the desired state of a container. Env values are
// hashed after secret resolution, so rotating a password recreates the
// services that consume it.
func configHash(spec ContainerSpec, extra string) string {
	payload, _ := json.Marshal(struct {
		Spec  ContainerSpec
		Extra string
	}{spec, extra})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Status, Stop, Teardown
// =============================================================================

// Status reports the observed state of every service in the topology.
func (d *Driver) Status(ctx context.Context, project *composetypes.Project) ([]ServiceStatus, error) {
	var statuses []ServiceStatus
	for _, name := range compile.StartOrder(project) {
		info, err := d.client.InspectContainer(ctx, name)
		switch {
		case errors.Is(err, ErrContainerNotFound):
			statuses = append(statuses, ServiceStatus{Service: name, State: StateMissing})
		case err != nil:
			return nil, NewDriverError(name, "Status", "inspect container", err)
		case info.Status == ContainerStatusRunning:
			statuses = append(statuses, ServiceStatus{Service: name, State: StateRunning})
		default:
			statuses = append(statuses, ServiceStatus{Service: name, State: StateStopped})
		}
	}
	return statuses, nil
}

// Stop stops every service in reverse dependency order. Containers,
// volumes, and the network all stay in place.
func (d *Driver) Stop(ctx context.Context, project *composetypes.Project) error {
	timeout := 30 * time.Second
	var failures []error
	for _, name := range compile.StopOrder(project) {
		err := d.client.StopContainer(ctx, name, &timeout)
		if err != nil && !errors.Is(err, ErrContainerNotFound) && !errors.Is(err, ErrContainerNotRunning) {
			failures = append(failures, NewDriverError(name, "Stop", "stop container", err))
		}
	}
	return errors.Join(failures...)
}

// TeardownSelectors choose what a teardown removes. Zero value removes
// nothing.
type TeardownSelectors struct {
	Containers bool
	Volumes    bool
	Network    bool
}

// Teardown removes the stack's runtime resources. Containers are found by
// label so orphans from older topologies are caught too; volumes and the
// network come from the topology's declarations. Data volumes survive
// unless explicitly selected.
func (d *Driver) Teardown(ctx context.Context, project *composetypes.Project, sel TeardownSelectors) error {
	var failures []error

	if sel.Containers {
		containers, err := d.client.ListContainers(ctx, ListOptions{
			All:     true,
			Filters: map[string]string{"label": LabelStack + "=" + project.Name},
		})
		if err != nil {
			return NewDriverError("", "Teardown", "list containers", err)
		}
		for _, c := range containers {
			if err := d.client.RemoveContainer(ctx, c.ID, RemoveOptions{Force: true, RemoveVolumes: false}); err != nil {
				failures = append(failures, NewDriverError(c.Name, "Teardown", "remove container", err))
			}
		}
	}

	if sel.Volumes {
		for _, name := range sortedKeys(project.Volumes) {
			if err := d.client.RemoveVolume(ctx, name, false); err != nil && !errors.Is(err, ErrVolumeNotFound) {
				failures = append(failures, NewDriverError("", "Teardown", fmt.Sprintf("remove volume %s", name), err))
			}
		}
	}

	if sel.Network {
		for _, name := range sortedKeys(project.Networks) {
			if err := d.client.RemoveNetwork(ctx, name); err != nil && !errors.Is(err, ErrNetworkNotFound) {
				failures = append(failures, NewDriverError("", "Teardown", fmt.Sprintf("remove network %s", name), err))
			}
		}
	}
	return errors.Join(failures...)
}

// RemoveOrphans removes managed containers of this stack that the current
// topology no longer declares. Run after a profile or database removal.
func (d *Driver) RemoveOrphans(ctx context.Context, project *composetypes.Project) error {
	containers, err := d.client.ListContainers(ctx, ListOptions{
		All:     true,
		Filters: map[string]string{"label": LabelStack + "=" + project.Name},
	})
	if err != nil {
		return NewDriverError("", "RemoveOrphans", "list containers", err)
	}

	var failures []error
	for _, c := range containers {
		if _, declared := project.Services[c.Name]; declared {
			continue
		}
		d.logger.Info("removing orphan container", "container", c.Name)
		if err := d.client.RemoveContainer(ctx, c.ID, RemoveOptions{Force: true}); err != nil {
			failures = append(failures, NewDriverError(c.Name, "RemoveOrphans", "remove container", err))
		}
	}
	return errors.Join(failures...)
}

// RestartService stops and restarts one service's container so it re-reads
// bind-mounted material, certificates in particular. A missing container is
// not an error; the next Apply creates it.
func (d *Driver) RestartService(ctx context.Context, name string) error {
	timeout := 30 * time.Second
	err := d.client.StopContainer(ctx, name, &timeout)
	if err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			return nil
		}
		if !errors.Is(err, ErrContainerNotRunning) {
			return NewDriverError(name, "RestartService", "stop container", err)
		}
	}
	if err := d.client.StartContainer(ctx, name); err != nil {
		return NewDriverError(name, "RestartService", "start container", err)
	}
	return nil
}

// ValidateImage pulls an image reference, proving it exists and is
// fetchable before any configuration change commits to it.
func (d *Driver) ValidateImage(ctx context.Context, image string) error {
	if err := d.client.PullImage(ctx, image); err != nil {
		return NewDriverError("", "ValidateImage", fmt.Sprintf("pull %s", image), err)
	}
	return nil
}

// =============================================================================
// One-Shot Runs
// =============================================================================

// RunOneShot creates a container, waits for it to exit, removes it, and
// returns its exit code. Used to drive the certificate validation client.
func (d *Driver) RunOneShot(ctx context.Context, spec ContainerSpec) (int, error) {
	if spec.Labels == nil {
		spec.Labels = map[string]string{}
	}
	spec.Labels[LabelManaged] = "true"

	if err := d.createAndStart(ctx, spec); err != nil {
		return 0, NewDriverError(spec.Name, "RunOneShot", "start container", err)
	}
	defer d.client.RemoveContainer(context.WithoutCancel(ctx), spec.Name, RemoveOptions{Force: true})

	code, err := d.client.WaitContainer(ctx, spec.Name)
	if err != nil {
		return code, NewDriverError(spec.Name, "RunOneShot", "wait for container", err)
	}
	return code, nil
}

// =============================================================================
// Host Inventory
// =============================================================================

// SubnetInventory returns every subnet already allocated to a network on
// this host. Unparseable subnets are skipped.
func (d *Driver) SubnetInventory(ctx context.Context) ([]netip.Prefix, error) {
	networks, err := d.client.ListNetworks(ctx)
	if err != nil {
		return nil, NewDriverError("", "SubnetInventory", "list networks", err)
	}

	var prefixes []netip.Prefix
	for _, n := range networks {
		for _, s := range n.Subnets {
			if p, err := netip.ParsePrefix(s); err == nil {
				prefixes = append(prefixes, p)
			}
		}
	}
	return prefixes, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
