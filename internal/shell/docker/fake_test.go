package docker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeClient is an in-memory Client for driver tests.
type fakeClient struct {
	mu sync.Mutex

	containers map[string]*fakeContainer
	networks   map[string]NetworkInfo
	volumes    map[string]VolumeSpec
	images     map[string]bool

	pulled    []string
	waitCodes map[string]int

	failCreate map[string]error
	failStart  map[string]error
}

type fakeContainer struct {
	id      string
	spec    ContainerSpec
	running bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		containers: map[string]*fakeContainer{},
		networks:   map[string]NetworkInfo{},
		volumes:    map[string]VolumeSpec{},
		images:     map[string]bool{},
		waitCodes:  map[string]int{},
		failCreate: map[string]error{},
		failStart:  map[string]error{},
	}
}

func (f *fakeClient) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failCreate[spec.Name]; err != nil {
		return "", err
	}
	if _, exists := f.containers[spec.Name]; exists {
		return "", NewDockerError("CreateContainer", "container", spec.Name, "container already exists", ErrContainerAlreadyExists)
	}
	id := "id-" + spec.Name
	f.containers[spec.Name] = &fakeContainer{id: id, spec: spec}
	return id, nil
}

func (f *fakeClient) byRef(ref string) (*fakeContainer, string) {
	if c, ok := f.containers[ref]; ok {
		return c, ref
	}
	for name, c := range f.containers {
		if c.id == ref {
			return c, name
		}
	}
	return nil, ""
}

func (f *fakeClient) StartContainer(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, name := f.byRef(ref)
	if c == nil {
		return NewDockerError("StartContainer", "container", ref, "container not found", ErrContainerNotFound)
	}
	if err := f.failStart[name]; err != nil {
		return err
	}
	c.running = true
	return nil
}

func (f *fakeClient) StopContainer(_ context.Context, ref string, _ *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, _ := f.byRef(ref)
	if c == nil {
		return NewDockerError("StopContainer", "container", ref, "container not found", ErrContainerNotFound)
	}
	if !c.running {
		return NewDockerError("StopContainer", "container", ref, "container is not running", ErrContainerNotRunning)
	}
	c.running = false
	return nil
}

func (f *fakeClient) RemoveContainer(_ context.Context, ref string, _ RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, name := f.byRef(ref)
	if c == nil {
		return NewDockerError("RemoveContainer", "container", ref, "container not found", ErrContainerNotFound)
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeClient) InspectContainer(_ context.Context, ref string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, name := f.byRef(ref)
	if c == nil {
		return nil, NewDockerError("InspectContainer", "container", ref, "container not found", ErrContainerNotFound)
	}
	status := ContainerStatusExited
	if c.running {
		status = ContainerStatusRunning
	}
	return &ContainerInfo{
		ID:     c.id,
		Name:   name,
		Image:  c.spec.Image,
		Status: status,
		Labels: c.spec.Labels,
	}, nil
}

func (f *fakeClient) ListContainers(_ context.Context, opts ListOptions) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ContainerInfo
	for name, c := range f.containers {
		if !opts.All && !c.running {
			continue
		}
		if label, ok := opts.Filters["label"]; ok && !hasLabel(c.spec.Labels, label) {
			continue
		}
		status := ContainerStatusExited
		if c.running {
			status = ContainerStatusRunning
		}
		out = append(out, ContainerInfo{ID: c.id, Name: name, Image: c.spec.Image, Status: status, Labels: c.spec.Labels})
	}
	return out, nil
}

func hasLabel(labels map[string]string, filter string) bool {
	for k, v := range labels {
		if fmt.Sprintf("%s=%s", k, v) == filter {
			return true
		}
	}
	return false
}

func (f *fakeClient) WaitContainer(_ context.Context, ref string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, name := f.byRef(ref)
	if c == nil {
		return 0, NewDockerError("WaitContainer", "container", ref, "container not found", ErrContainerNotFound)
	}
	c.running = false
	return f.waitCodes[name], nil
}

func (f *fakeClient) CreateNetwork(_ context.Context, spec NetworkSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.networks[spec.Name]; exists {
		return "", NewDockerError("CreateNetwork", "network", spec.Name, "network already exists", ErrNetworkAlreadyExists)
	}
	info := NetworkInfo{ID: "net-" + spec.Name, Name: spec.Name}
	if spec.Subnet != "" {
		info.Subnets = []string{spec.Subnet}
	}
	f.networks[spec.Name] = info
	return info.ID, nil
}

func (f *fakeClient) RemoveNetwork(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, n := range f.networks {
		if name == ref || n.ID == ref {
			delete(f.networks, name)
			return nil
		}
	}
	return NewDockerError("RemoveNetwork", "network", ref, "network not found", ErrNetworkNotFound)
}

func (f *fakeClient) ListNetworks(_ context.Context) ([]NetworkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []NetworkInfo
	for _, n := range f.networks {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeClient) CreateVolume(_ context.Context, spec VolumeSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[spec.Name] = spec
	return spec.Name, nil
}

func (f *fakeClient) RemoveVolume(_ context.Context, name string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.volumes[name]; !ok {
		return NewDockerError("RemoveVolume", "volume", name, "volume not found", ErrVolumeNotFound)
	}
	delete(f.volumes, name)
	return nil
}

func (f *fakeClient) PullImage(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	f.images[image] = true
	return nil
}

func (f *fakeClient) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *fakeClient) Ping(context.Context) error { return nil }
func (f *fakeClient) Close() error               { return nil }
