// Package model holds the durable data model: sandboxes, sessions, cargos,
// profiles, and idempotency records. The metadata store is the source of
// truth for all of these; the container fabric is observed state that the GC
// reconciles against it.
package model

import (
	"time"
)

// Capability is a logical operation family routed to a runtime container.
type Capability string

const (
	CapabilityPython     Capability = "python"
	CapabilityShell      Capability = "shell"
	CapabilityFilesystem Capability = "filesystem"
	CapabilityBrowser    Capability = "browser"
)

// KnownCapabilities lists every capability Bay routes.
var KnownCapabilities = []Capability{
	CapabilityPython, CapabilityShell, CapabilityFilesystem, CapabilityBrowser,
}

// RuntimeType identifies which sidecar protocol a container speaks.
type RuntimeType string

const (
	RuntimeTypeCode    RuntimeType = "code_runtime"
	RuntimeTypeBrowser RuntimeType = "browser_runtime"
)

// DesiredState is the caller-facing intent for a sandbox.
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
	DesiredDeleted DesiredState = "deleted"
)

// SessionState is the observed lifecycle state of a container group.
type SessionState string

const (
	SessionPending  SessionState = "pending"
	SessionStarting SessionState = "starting"
	SessionRunning  SessionState = "running"
	SessionDegraded SessionState = "degraded"
	SessionStopping SessionState = "stopping"
	SessionStopped  SessionState = "stopped"
	SessionFailed   SessionState = "failed"
)

// Live reports whether a session in this state counts against the
// one-live-session-per-sandbox invariant.
func (s SessionState) Live() bool {
	switch s {
	case SessionStarting, SessionRunning, SessionDegraded:
		return true
	}
	return false
}

// Resources bounds one container.
type Resources struct {
	CPU      float64 `yaml:"cpu" json:"cpu"`
	MemoryMB int64   `yaml:"memory_mb" json:"memory_mb"`
}

// ContainerSpec describes one container of a profile. Order within the
// profile matters: it is both the start order and the capability tie-break.
type ContainerSpec struct {
	Name         string            `yaml:"name" json:"name"`
	Image        string            `yaml:"image" json:"image"`
	Resources    Resources         `yaml:"resources" json:"resources"`
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	RuntimePort  int               `yaml:"runtime_port" json:"runtime_port"`
	RuntimeType  RuntimeType       `yaml:"runtime_type" json:"runtime_type"`
	Capabilities []Capability      `yaml:"capabilities" json:"capabilities"`
	// PrimaryFor claims capabilities when several containers advertise the
	// same one. Unclaimed ties resolve by list order, first wins.
	PrimaryFor []Capability `yaml:"primary_for,omitempty" json:"primary_for,omitempty"`
}

// HasCapability reports whether the spec advertises cap.
func (c ContainerSpec) HasCapability(cap Capability) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// ClaimsPrimary reports whether the spec explicitly claims cap.
func (c ContainerSpec) ClaimsPrimary(cap Capability) bool {
	for _, have := range c.PrimaryFor {
		if have == cap {
			return true
		}
	}
	return false
}

// Profile is an enumerated runtime specification. Profiles are configuration,
// not per-sandbox state.
type Profile struct {
	ID                 string          `yaml:"id" json:"id"`
	Containers         []ContainerSpec `yaml:"containers" json:"containers"`
	IdleTimeoutSeconds int64           `yaml:"idle_timeout_seconds" json:"idle_timeout_seconds"`
	DefaultTTLSeconds  int64           `yaml:"default_ttl_seconds" json:"default_ttl_seconds"`
}

// IdleTimeout returns the idle window as a duration.
func (p *Profile) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutSeconds) * time.Second
}

// ContainerFor selects the container serving cap: an explicit primary_for
// claim wins, otherwise the first container advertising the capability.
// Returns nil when nothing advertises it.
func (p *Profile) ContainerFor(cap Capability) *ContainerSpec {
	for i := range p.Containers {
		if p.Containers[i].ClaimsPrimary(cap) {
			return &p.Containers[i]
		}
	}
	for i := range p.Containers {
		if p.Containers[i].HasCapability(cap) {
			return &p.Containers[i]
		}
	}
	return nil
}

// Capabilities returns the union of capabilities the profile serves.
func (p *Profile) Capabilities() []Capability {
	seen := map[Capability]bool{}
	var out []Capability
	for _, c := range p.Containers {
		for _, cap := range c.Capabilities {
			if !seen[cap] {
				seen[cap] = true
				out = append(out, cap)
			}
		}
	}
	return out
}

// Cargo is the metadata row for a persistent data volume.
type Cargo struct {
	ID    string `db:"id" json:"id"`
	Owner string `db:"owner" json:"owner"`
	// DriverRef is the opaque volume identifier in the container fabric.
	DriverRef string `db:"driver_ref" json:"-"`
	Managed   bool   `db:"managed" json:"managed"`
	// ManagedBySandboxID is set iff Managed.
	ManagedBySandboxID *string   `db:"managed_by_sandbox_id" json:"managed_by_sandbox_id,omitempty"`
	SizeLimitMB        int64     `db:"size_limit_mb" json:"size_limit_mb"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	LastAccessedAt     time.Time `db:"last_accessed_at" json:"last_accessed_at"`
}

// Sandbox is the caller-visible, durable handle to a runtime environment.
// Backing container identifiers are never exposed through it.
type Sandbox struct {
	ID           string       `db:"id" json:"id"`
	Owner        string       `db:"owner" json:"-"`
	ProfileID    string       `db:"profile_id" json:"profile_id"`
	CargoID      string       `db:"cargo_id" json:"cargo_id"`
	DesiredState DesiredState `db:"desired_state" json:"desired_state"`
	// TTLSeconds nil means infinite; ExpiresAt is nil iff TTLSeconds is
	// nil or zero.
	TTLSeconds       *int64     `db:"ttl_seconds" json:"ttl_seconds,omitempty"`
	ExpiresAt        *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	IdleExpiresAt    *time.Time `db:"idle_expires_at" json:"idle_expires_at,omitempty"`
	CurrentSessionID *string    `db:"current_session_id" json:"-"`
	DeletedAt        *time.Time `db:"deleted_at" json:"-"`
	// Version backs the optimistic-concurrency CAS; bumped on every write.
	Version   int64     `db:"version" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Tombstoned reports whether the sandbox has been deleted and is retained
// only for audit and idempotent replay.
func (s *Sandbox) Tombstoned() bool { return s.DeletedAt != nil }

// Expired reports whether the sandbox's TTL has elapsed at now.
func (s *Sandbox) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// Status is the caller-visible state: "active" while a session serves the
// sandbox, "idle" otherwise.
func (s *Sandbox) Status() string {
	if s.CurrentSessionID != nil {
		return "active"
	}
	return "idle"
}

// SessionContainer records one started container of a session's group.
type SessionContainer struct {
	Name        string      `json:"name"`
	ContainerID string      `json:"container_id"`
	// Endpoint is persisted only after the runtime passed its readiness
	// probe; an empty endpoint means the container must not be routed to.
	Endpoint       string       `json:"endpoint"`
	RuntimeType    RuntimeType  `json:"runtime_type"`
	Capabilities   []Capability `json:"capabilities"`
	ObservedStatus string       `json:"observed_status"`
}

// Session is one generation of container group bound to a sandbox. Sessions
// are disposable: idle reap, explicit stop, or a crash destroys the session
// without touching the sandbox or its cargo.
type Session struct {
	ID        string `db:"id" json:"id"`
	SandboxID string `db:"sandbox_id" json:"sandbox_id"`
	// RuntimeNetworkID is the isolated network created for this session.
	RuntimeNetworkID string             `db:"runtime_network_id" json:"-"`
	Containers       []SessionContainer `db:"-" json:"containers"`
	ObservedState    SessionState       `db:"observed_state" json:"observed_state"`
	DesiredState     DesiredState       `db:"desired_state" json:"desired_state"`
	// UnavailableCaps lists capabilities lost to a non-primary container
	// exit while the session is degraded.
	UnavailableCaps  []Capability `db:"-" json:"unavailable_capabilities,omitempty"`
	LastObservedAt   time.Time    `db:"last_observed_at" json:"last_observed_at"`
	LastActiveAt     time.Time    `db:"last_active_at" json:"last_active_at"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
	SkillsInjectedAt *time.Time   `db:"skills_injected_at" json:"skills_injected_at,omitempty"`
}

// CapabilityAvailable reports whether cap survived any degradation.
func (s *Session) CapabilityAvailable(cap Capability) bool {
	for _, lost := range s.UnavailableCaps {
		if lost == cap {
			return false
		}
	}
	return true
}

// IdempotencyRecord stores the outcome of a keyed request for replay.
type IdempotencyRecord struct {
	Key   string `db:"key"`
	Owner string `db:"owner"`
	// RequestFingerprint is a hash of method+path+body; a replay with a
	// different fingerprint is a client bug surfaced as Conflict.
	RequestFingerprint string    `db:"request_fingerprint"`
	ResponseStatus     int       `db:"response_status"`
	ResponseBody       []byte    `db:"response_body"`
	ExpiresAt          time.Time `db:"expires_at"`
}
