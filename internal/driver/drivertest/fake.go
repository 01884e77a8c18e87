// Package drivertest provides an in-memory fabric for tests. It tracks
// networks, volumes, and containers with their labels, supports failure
// injection, and lets tests point container endpoints at an httptest
// runtime server.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RC-CHN/bay/internal/driver"
	"github.com/RC-CHN/bay/internal/errdefs"
)

type fakeContainer struct {
	id        string
	cfg       driver.ContainerConfig
	status    driver.ContainerStatus
	createdAt time.Time
}

type fakeResource struct {
	labels    map[string]string
	createdAt time.Time
}

// Fake is an in-memory driver.Driver. Safe for concurrent use.
type Fake struct {
	mu         sync.Mutex
	networks   map[string]fakeResource
	volumes    map[string]fakeResource
	containers map[string]*fakeContainer

	// DefaultEndpoint is returned by StartContainer when Endpoints has no
	// entry for the container's logical name.
	DefaultEndpoint string
	// Endpoints maps logical container name to the endpoint StartContainer
	// reports, typically an httptest server URL.
	Endpoints map[string]string

	// CreateContainerErr and StartContainerErr inject failures.
	CreateContainerErr func(cfg driver.ContainerConfig) error
	StartContainerErr  func(name string) error

	// Now stamps resource creation times; defaults to time.Now.
	Now func() time.Time
}

// New returns an empty fake fabric.
func New() *Fake {
	return &Fake{
		networks:   make(map[string]fakeResource),
		volumes:    make(map[string]fakeResource),
		containers: make(map[string]*fakeContainer),
		Endpoints:  make(map[string]string),
	}
}

func (f *Fake) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now().UTC()
}

func (f *Fake) DriverName() string              { return "fake" }
func (f *Fake) Healthy(context.Context) error   { return nil }
func (f *Fake) Close() error                    { return nil }

func (f *Fake) CreateNetwork(_ context.Context, sessionID string, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := "net-" + sessionID
	f.networks[ref] = fakeResource{labels: labels, createdAt: f.now()}
	return ref, nil
}

func (f *Fake) DeleteNetwork(_ context.Context, networkRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, networkRef)
	return nil
}

func (f *Fake) CreateVolume(_ context.Context, name string, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = fakeResource{labels: labels, createdAt: f.now()}
	return name, nil
}

func (f *Fake) DeleteVolume(_ context.Context, driverRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, driverRef)
	return nil
}

func (f *Fake) VolumeExists(_ context.Context, driverRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.volumes[driverRef]
	return ok, nil
}

func (f *Fake) CreateContainer(_ context.Context, cfg driver.ContainerConfig) (string, error) {
	if f.CreateContainerErr != nil {
		if err := f.CreateContainerErr(cfg); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[cfg.NetworkRef]; !ok {
		return "", errdefs.New(errdefs.KindNotFound, "network %s not found", cfg.NetworkRef)
	}
	id := "ctr-" + uuid.NewString()[:8]
	f.containers[id] = &fakeContainer{
		id:        id,
		cfg:       cfg,
		status:    driver.StatusCreated,
		createdAt: f.now(),
	}
	return id, nil
}

func (f *Fake) StartContainer(_ context.Context, containerID string, runtimePort int) (string, error) {
	f.mu.Lock()
	c, ok := f.containers[containerID]
	f.mu.Unlock()
	if !ok {
		return "", errdefs.New(errdefs.KindNotFound, "container %s not found", containerID)
	}
	if f.StartContainerErr != nil {
		if err := f.StartContainerErr(c.cfg.Name); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c.status = driver.StatusRunning
	if ep, ok := f.Endpoints[c.cfg.Hostname]; ok {
		return ep, nil
	}
	if f.DefaultEndpoint != "" {
		return f.DefaultEndpoint, nil
	}
	return fmt.Sprintf("http://%s:%d", c.cfg.Name, runtimePort), nil
}

func (f *Fake) StopContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.status = driver.StatusExited
	}
	return nil
}

func (f *Fake) DestroyContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *Fake) Status(_ context.Context, containerID string) (driver.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return driver.StatusUnknown, errdefs.New(errdefs.KindNotFound, "container %s not found", containerID)
	}
	return c.status, nil
}

func (f *Fake) ListResources(_ context.Context) ([]driver.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []driver.Resource
	for id, c := range f.containers {
		out = append(out, driver.Resource{
			Type: driver.ResourceContainer, Ref: id,
			Labels: c.cfg.Labels, CreatedAt: c.createdAt,
		})
	}
	for ref, v := range f.volumes {
		out = append(out, driver.Resource{
			Type: driver.ResourceVolume, Ref: ref,
			Labels: v.labels, CreatedAt: v.createdAt,
		})
	}
	for ref, n := range f.networks {
		out = append(out, driver.Resource{
			Type: driver.ResourceNetwork, Ref: ref,
			Labels: n.labels, CreatedAt: n.createdAt,
		})
	}
	return out, nil
}

func (f *Fake) DestroyResource(ctx context.Context, r driver.Resource) error {
	switch r.Type {
	case driver.ResourceContainer:
		return f.DestroyContainer(ctx, r.Ref)
	case driver.ResourceVolume:
		return f.DeleteVolume(ctx, r.Ref)
	case driver.ResourceNetwork:
		return f.DeleteNetwork(ctx, r.Ref)
	}
	return errdefs.New(errdefs.KindInvariant, "unknown resource type %q", r.Type)
}

// Test hooks below.

// SetStatus overrides a container's observed status, simulating a crash.
func (f *Fake) SetStatus(containerID string, status driver.ContainerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.status = status
	}
}

// InjectContainer plants a labeled container directly in the fabric, as if
// created behind Bay's back. Returns its id.
func (f *Fake) InjectContainer(name string, labels map[string]string, createdAt time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "ctr-" + uuid.NewString()[:8]
	f.containers[id] = &fakeContainer{
		id:        id,
		cfg:       driver.ContainerConfig{Name: name, Labels: labels},
		status:    driver.StatusRunning,
		createdAt: createdAt,
	}
	return id
}

// ContainerCount reports how many containers exist in the fabric.
func (f *Fake) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// NetworkCount reports how many networks exist in the fabric.
func (f *Fake) NetworkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.networks)
}

// VolumeCount reports how many volumes exist in the fabric.
func (f *Fake) VolumeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.volumes)
}

// HasContainer reports whether a container with the id is present.
func (f *Fake) HasContainer(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[id]
	return ok
}
