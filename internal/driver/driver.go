// Package driver defines the abstraction layer over the container fabric.
//
// A driver creates networks, volumes, and containers, starts and destroys
// them, and reports observed status. It embeds no business policy: no
// retries, no timeouts beyond protocol minima, no rate limiting — those
// belong to the managers above it. Every resource a driver creates carries
// labels sufficient for the reconcile pass to attribute it back to a
// sandbox, session, and cargo.
package driver

import (
	"context"
	"fmt"
	"time"
)

// Labels attached to every Bay-created fabric resource. The orphan reaper
// depends on these being present.
const (
	LabelManaged   = "bay.managed"
	LabelOwner     = "bay.owner"
	LabelSandboxID = "bay.sandbox_id"
	LabelSessionID = "bay.session_id"
	LabelCargoID   = "bay.cargo_id"
	LabelProfileID = "bay.profile_id"
)

// ContainerStatus is the fabric-observed state of one container.
type ContainerStatus string

const (
	StatusCreated ContainerStatus = "created"
	StatusRunning ContainerStatus = "running"
	StatusExited  ContainerStatus = "exited"
	StatusDead    ContainerStatus = "dead"
	StatusUnknown ContainerStatus = "unknown"
)

// ContainerConfig is the creation spec for one container of a session group.
type ContainerConfig struct {
	// Name is unique in the fabric; Hostname equals the logical container
	// name from the profile so peers on the session network resolve each
	// other without discovery.
	Name     string
	Hostname string
	Image    string
	// NetworkRef is the session network the container joins.
	NetworkRef string
	// VolumeRef is the cargo volume mounted at /workspace.
	VolumeRef   string
	Env         map[string]string
	CPUCores    float64
	MemoryMB    int64
	RuntimePort int
	Labels      map[string]string
}

// ResourceType distinguishes fabric resource kinds in reconcile listings.
type ResourceType string

const (
	ResourceContainer ResourceType = "container"
	ResourceVolume    ResourceType = "volume"
	ResourceNetwork   ResourceType = "network"
)

// Resource is one Bay-labeled fabric object, as seen by the orphan reaper.
type Resource struct {
	Type      ResourceType
	Ref       string
	Labels    map[string]string
	CreatedAt time.Time
}

// Driver is the abstraction interface over the container fabric.
// Implementations must be safe for concurrent use. Every operation fails
// with an errdefs kind in {Transient, NotFound, Conflict, Invariant, Fatal}.
type Driver interface {
	// CreateNetwork creates the isolated network for one session.
	CreateNetwork(ctx context.Context, sessionID string, labels map[string]string) (networkRef string, err error)

	// DeleteNetwork removes a session network. Deleting an absent network
	// is a no-op.
	DeleteNetwork(ctx context.Context, networkRef string) error

	// CreateVolume creates a persistent volume and returns its opaque
	// fabric reference.
	CreateVolume(ctx context.Context, name string, labels map[string]string) (driverRef string, err error)

	// DeleteVolume removes a volume. Absent volumes are a no-op.
	DeleteVolume(ctx context.Context, driverRef string) error

	// VolumeExists reports whether the volume is present in the fabric.
	VolumeExists(ctx context.Context, driverRef string) (bool, error)

	// CreateContainer provisions a container without starting it.
	CreateContainer(ctx context.Context, cfg ContainerConfig) (containerID string, err error)

	// StartContainer boots a created container and returns the endpoint
	// the runtime listens on, reachable from Bay.
	StartContainer(ctx context.Context, containerID string, runtimePort int) (endpoint string, err error)

	// StopContainer halts a running container, leaving it in the fabric.
	StopContainer(ctx context.Context, containerID string) error

	// DestroyContainer force-removes a container. Absent containers are a
	// no-op.
	DestroyContainer(ctx context.Context, containerID string) error

	// Status reports the observed status of one container.
	Status(ctx context.Context, containerID string) (ContainerStatus, error)

	// ListResources returns every Bay-labeled container, volume, and
	// network in the fabric, for the orphan reaper.
	ListResources(ctx context.Context) ([]Resource, error)

	// DestroyResource removes one listed resource regardless of type.
	DestroyResource(ctx context.Context, r Resource) error

	// Healthy performs a handshake with the fabric backend.
	Healthy(ctx context.Context) error

	// DriverName returns the identifier for this driver type.
	DriverName() string

	// Close releases resources held by the driver itself.
	Close() error
}

// Factory creates Driver instances based on configuration.
type Factory func(cfg map[string]any) (Driver, error)

var registry = make(map[string]Factory)

// Register registers a driver factory under the given name, typically from
// an init() in the implementation package.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// New creates a Driver using the registered factory.
func New(name string, cfg map[string]any) (Driver, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver: %s", name)
	}
	return factory(cfg)
}
