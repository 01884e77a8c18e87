// Package router maps logical capability calls onto the right container of
// a sandbox's session and invokes the runtime adapter. The sandbox lock is
// held only while the session is arranged; the runtime call itself runs
// lock-free so one slow call cannot block lifecycle operations.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/RC-CHN/bay/internal/cargo"
	"github.com/RC-CHN/bay/internal/config"
	"github.com/RC-CHN/bay/internal/driver"
	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/model"
	"github.com/RC-CHN/bay/internal/runtime"
	"github.com/RC-CHN/bay/internal/session"
	"github.com/RC-CHN/bay/internal/store"
)

// operations enumerates the routable operation per capability. Unknown
// operations are rejected before any session is arranged.
var operations = map[model.Capability]map[string]bool{
	model.CapabilityPython: {"exec": true},
	model.CapabilityShell:  {"exec": true},
	model.CapabilityFilesystem: {
		"read": true, "write": true, "list": true,
		"delete": true, "upload": true, "download": true,
	},
	model.CapabilityBrowser: {"exec": true},
}

// Router dispatches capability calls.
type Router struct {
	store          *store.Store
	sessions       *session.Manager
	profiles       *config.ProfileRegistry
	defaultTimeout time.Duration
	ceilingTimeout time.Duration
}

// New wires a router.
func New(st *store.Store, sessions *session.Manager, profiles *config.ProfileRegistry, defaultTimeout, ceilingTimeout time.Duration) *Router {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if ceilingTimeout < defaultTimeout {
		ceilingTimeout = defaultTimeout
	}
	return &Router{
		store:          st,
		sessions:       sessions,
		profiles:       profiles,
		defaultTimeout: defaultTimeout,
		ceilingTimeout: ceilingTimeout,
	}
}

// Invoke routes one capability operation to the sandbox's session. The
// router never retries; retries belong to the caller with idempotency keys
// where applicable.
func (r *Router) Invoke(ctx context.Context, sandboxID string, cap model.Capability, operation string, payload []byte, timeout time.Duration) (json.RawMessage, error) {
	ops, ok := operations[cap]
	if !ok {
		return nil, errdefs.New(errdefs.KindValidation, "unknown capability %q", cap)
	}
	if !ops[operation] {
		return nil, errdefs.New(errdefs.KindValidation, "unknown operation %q for capability %s", operation, cap)
	}
	if cap == model.CapabilityFilesystem {
		if err := validateFilesystemPayload(operation, payload); err != nil {
			return nil, err
		}
	}

	sb, err := r.store.GetSandbox(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if sb.Tombstoned() || sb.DesiredState == model.DesiredDeleted {
		return nil, errdefs.New(errdefs.KindNotFound, "sandbox %s not found", sandboxID)
	}
	if sb.Expired(time.Now()) {
		return nil, errdefs.New(errdefs.KindSandboxExpired, "sandbox %s has expired", sandboxID)
	}

	profile, ok := r.profiles.Get(sb.ProfileID)
	if !ok {
		return nil, errdefs.New(errdefs.KindInvariant, "sandbox %s references unknown profile %s", sandboxID, sb.ProfileID)
	}
	spec := profile.ContainerFor(cap)
	if spec == nil {
		return nil, errdefs.New(errdefs.KindCapabilityNotSupported,
			"profile %s has no container serving capability %s", profile.ID, cap)
	}

	// EnsureRunning takes and releases the sandbox lock; from here on the
	// call proceeds lock-free.
	ses, err := r.sessions.EnsureRunning(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if !ses.CapabilityAvailable(cap) {
		return nil, errdefs.New(errdefs.KindSessionNotReady,
			"capability %s is unavailable in the current session", cap).
			WithDetails(map[string]any{"sandbox_id": sandboxID})
	}

	target := containerByName(ses, spec.Name)
	if target == nil {
		return nil, errdefs.New(errdefs.KindInvariant,
			"session %s has no container %s", ses.ID, spec.Name)
	}
	if target.Endpoint == "" || target.ObservedStatus != string(driver.StatusRunning) {
		return nil, errdefs.New(errdefs.KindSessionNotReady,
			"container serving %s is not ready", cap).
			WithDetails(map[string]any{"sandbox_id": sandboxID})
	}

	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	if timeout > r.ceilingTimeout {
		timeout = r.ceilingTimeout
	}

	adapter := runtime.NewClient(target.Endpoint, target.RuntimeType, timeout)
	out, err := adapter.Invoke(ctx, cap, operation, payload, timeout)
	if err != nil {
		return nil, err
	}
	// Plain store write; no lock needed for activity accounting.
	r.store.TouchSessionActive(ctx, ses.ID, time.Now())
	return out, nil
}

func containerByName(ses *model.Session, name string) *model.SessionContainer {
	for i := range ses.Containers {
		if ses.Containers[i].Name == name {
			return &ses.Containers[i]
		}
	}
	return nil
}

// validateFilesystemPayload rejects workspace-escaping paths before any
// session is arranged or fabric call made. The runtime re-checks
// defensively.
func validateFilesystemPayload(operation string, payload []byte) error {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return errdefs.New(errdefs.KindValidation, "malformed %s payload", operation)
	}
	if operation == "list" && body.Path == "" {
		return nil
	}
	return cargo.ValidateRelPath(body.Path)
}
