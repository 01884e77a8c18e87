// Package session owns the container-group lifecycle for sandboxes: the
// per-sandbox lock table, the ensure-running state machine, readiness
// probing, health re-checks, and teardown with compensating cleanup.
//
// Session creation is a distributed action across the store and the fabric.
// The pattern is reservation → attempt → commit or compensate: a pending row
// is allocated first, infrastructure is built, and only on readiness success
// do endpoints and the running state become visible. Any failure triggers an
// explicit teardown of exactly what this attempt created, then clears
// current_session_id. The compensation path is code, not an exception stack.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/RC-CHN/bay/internal/config"
	"github.com/RC-CHN/bay/internal/driver"
	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/model"
	"github.com/RC-CHN/bay/internal/runtime"
	"github.com/RC-CHN/bay/internal/store"
)

// WorkspacePath is the mount path every runtime must advertise in its meta.
const WorkspacePath = "/workspace"

// Options tunes the manager's timing.
type Options struct {
	// ReadinessBudget is the total window for all containers of one
	// session to pass their health probes.
	ReadinessBudget time.Duration
	// ProbeInterval is the pause between health probe attempts.
	ProbeInterval time.Duration
	// AdapterTimeout bounds individual probe and meta calls.
	AdapterTimeout time.Duration
	// CleanupTimeout bounds the compensation path, which runs detached
	// from the (possibly canceled) caller context.
	CleanupTimeout time.Duration
}

func (o *Options) defaults() {
	if o.ReadinessBudget <= 0 {
		o.ReadinessBudget = 120 * time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 500 * time.Millisecond
	}
	if o.AdapterTimeout <= 0 {
		o.AdapterTimeout = 10 * time.Second
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = 60 * time.Second
	}
}

// Manager drives session lifecycles. One instance serves all sandboxes.
type Manager struct {
	store    *store.Store
	drv      driver.Driver
	profiles *config.ProfileRegistry
	locks    *LockTable
	opts     Options
}

// NewManager wires a session manager.
func NewManager(st *store.Store, drv driver.Driver, profiles *config.ProfileRegistry, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		store:    st,
		drv:      drv,
		profiles: profiles,
		locks:    NewLockTable(),
		opts:     opts,
	}
}

// Locks exposes the per-sandbox lock table shared with the sandbox manager
// and the GC scheduler.
func (m *Manager) Locks() *LockTable { return m.locks }

// EnsureRunning returns a live session for the sandbox, starting one if
// needed. It acquires the sandbox's lock for the whole arrangement; the
// caller invokes the runtime afterwards without the lock.
func (m *Manager) EnsureRunning(ctx context.Context, sandboxID string) (*model.Session, error) {
	unlock := m.locks.Lock(sandboxID)
	defer unlock()
	return m.EnsureRunningLocked(ctx, sandboxID)
}

// EnsureRunningLocked is EnsureRunning for callers already holding the
// sandbox's lock.
func (m *Manager) EnsureRunningLocked(ctx context.Context, sandboxID string) (*model.Session, error) {
	sb, err := m.store.GetSandbox(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if sb.Tombstoned() || sb.DesiredState == model.DesiredDeleted {
		return nil, errdefs.New(errdefs.KindNotFound, "sandbox %s not found", sandboxID)
	}
	if sb.Expired(time.Now()) {
		return nil, errdefs.New(errdefs.KindSandboxExpired, "sandbox %s has expired", sandboxID)
	}

	ses, err := m.store.LiveSessionForSandbox(ctx, sandboxID)
	switch {
	case err == nil && (ses.ObservedState == model.SessionRunning || ses.ObservedState == model.SessionDegraded):
		// Health re-check on reuse: a container may have died since the
		// last request.
		ses, err = m.Observe(ctx, ses)
		if err != nil {
			return nil, err
		}
		if ses.ObservedState.Live() {
			m.store.TouchSessionActive(ctx, ses.ID, time.Now())
			return ses, nil
		}
		// Primary exited; rebuild from scratch.
		if err := m.teardown(ses, sb, model.SessionFailed); err != nil {
			return nil, err
		}
	case err == nil:
		// A starting session with the lock free is a leftover from a
		// crashed attempt. Tear it down and start fresh.
		log.Warn().Str("sandbox", sandboxID).Str("session", ses.ID).
			Msg("Reaping stale starting session before new attempt")
		if err := m.teardown(ses, sb, model.SessionFailed); err != nil {
			return nil, err
		}
	case !errdefs.IsKind(err, errdefs.KindNotFound):
		return nil, err
	}

	return m.start(ctx, sb)
}

// start runs the reservation → attempt → commit|compensate sequence.
func (m *Manager) start(ctx context.Context, sb *model.Sandbox) (*model.Session, error) {
	profile, ok := m.profiles.Get(sb.ProfileID)
	if !ok {
		return nil, errdefs.New(errdefs.KindInvariant, "sandbox %s references unknown profile %s", sb.ID, sb.ProfileID)
	}
	cargo, err := m.store.GetCargo(ctx, sb.CargoID)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindInvariant, "sandbox %s cargo", sb.ID)
	}

	ses := &model.Session{
		ID:            "ses-" + uuid.NewString(),
		SandboxID:     sb.ID,
		ObservedState: model.SessionPending,
		DesiredState:  model.DesiredRunning,
	}
	if err := m.store.CreateSession(ctx, ses); err != nil {
		return nil, err
	}
	if _, err := m.store.MutateSandbox(ctx, sb.ID, func(s *model.Sandbox) error {
		s.CurrentSessionID = &ses.ID
		return nil
	}); err != nil {
		m.store.DeleteSession(ctx, ses.ID)
		return nil, err
	}

	started, err := m.launch(ctx, ses, sb, profile, cargo)
	if err != nil {
		m.compensate(ses, sb, started)
		return nil, err
	}
	return ses, nil
}

// launch builds the container group: network, containers in profile order,
// readiness, then meta verification. On success the session row is committed
// running with endpoints set. The returned slice tracks everything created
// in this attempt, for compensation.
func (m *Manager) launch(ctx context.Context, ses *model.Session, sb *model.Sandbox, profile *model.Profile, cargo *model.Cargo) ([]model.SessionContainer, error) {
	labels := m.resourceLabels(sb, ses.ID)

	networkRef, err := m.drv.CreateNetwork(ctx, ses.ID, labels)
	if err != nil {
		return nil, err
	}
	ses.RuntimeNetworkID = networkRef
	ses.ObservedState = model.SessionStarting
	if err := m.store.UpdateSession(ctx, ses); err != nil {
		return nil, err
	}

	var started []model.SessionContainer
	endpoints := make([]string, 0, len(profile.Containers))
	for _, spec := range profile.Containers {
		cid, err := m.drv.CreateContainer(ctx, driver.ContainerConfig{
			Name:        fmt.Sprintf("bay-%s-%s", ses.ID, spec.Name),
			Hostname:    spec.Name,
			Image:       spec.Image,
			NetworkRef:  networkRef,
			VolumeRef:   cargo.DriverRef,
			Env:         spec.Env,
			CPUCores:    spec.Resources.CPU,
			MemoryMB:    spec.Resources.MemoryMB,
			RuntimePort: spec.RuntimePort,
			Labels:      labels,
		})
		if err != nil {
			return started, err
		}
		started = append(started, model.SessionContainer{
			Name:         spec.Name,
			ContainerID:  cid,
			RuntimeType:  spec.RuntimeType,
			Capabilities: spec.Capabilities,
		})

		endpoint, err := m.drv.StartContainer(ctx, cid, spec.RuntimePort)
		if err != nil {
			return started, err
		}
		endpoints = append(endpoints, endpoint)
	}

	if err := m.awaitReady(ctx, sb.ID, profile, started, endpoints); err != nil {
		return started, err
	}
	if err := m.verifyMeta(ctx, profile, started, endpoints); err != nil {
		return started, err
	}

	// Commit: endpoints become visible only now, so nobody routes to an
	// unready runtime.
	for i := range started {
		started[i].Endpoint = endpoints[i]
		started[i].ObservedStatus = string(driver.StatusRunning)
	}
	ses.Containers = started
	ses.ObservedState = model.SessionRunning
	ses.LastActiveAt = time.Now().UTC()
	if err := m.store.UpdateSession(ctx, ses); err != nil {
		return started, err
	}
	log.Info().Str("sandbox", sb.ID).Str("session", ses.ID).
		Int("containers", len(started)).Msg("Session running")
	return started, nil
}

// awaitReady polls every container's health endpoint until all succeed or
// the readiness budget expires. Probing is cooperative and cancellable by
// the caller's context.
func (m *Manager) awaitReady(ctx context.Context, sandboxID string, profile *model.Profile, started []model.SessionContainer, endpoints []string) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ReadinessBudget)
	defer cancel()

	g, gctx := errgroup.WithContext(probeCtx)
	for i := range started {
		adapter := runtime.NewClient(endpoints[i], started[i].RuntimeType, m.opts.AdapterTimeout)
		name := started[i].Name
		g.Go(func() error {
			policy := backoff.WithContext(backoff.NewConstantBackOff(m.opts.ProbeInterval), gctx)
			if err := backoff.Retry(func() error { return adapter.Health(gctx) }, policy); err != nil {
				return errdefs.New(errdefs.KindSessionNotReady, "container %s did not become ready", name).
					WithDetails(map[string]any{"sandbox_id": sandboxID})
			}
			return nil
		})
	}
	return g.Wait()
}

// verifyMeta checks each runtime's self-description: workspace mount path,
// API version, and that the advertised capabilities cover what the profile
// claims for that container. Capabilities a runtime advertises beyond the
// profile are ignored.
func (m *Manager) verifyMeta(ctx context.Context, profile *model.Profile, started []model.SessionContainer, endpoints []string) error {
	for i := range started {
		adapter := runtime.NewClient(endpoints[i], started[i].RuntimeType, m.opts.AdapterTimeout)
		desc, err := adapter.Meta(ctx)
		if err != nil {
			return err
		}
		if desc.Workspace.MountPath != WorkspacePath {
			return errdefs.New(errdefs.KindRuntime,
				"container %s advertises mount path %q, want %q",
				started[i].Name, desc.Workspace.MountPath, WorkspacePath)
		}
		if !runtime.CompatibleAPIVersion(desc.Runtime.APIVersion) {
			return errdefs.New(errdefs.KindRuntime,
				"container %s advertises incompatible api version %q",
				started[i].Name, desc.Runtime.APIVersion)
		}
		for _, cap := range started[i].Capabilities {
			if !desc.HasCapability(cap) {
				return errdefs.New(errdefs.KindRuntime,
					"container %s does not serve capability %s claimed by profile %s",
					started[i].Name, cap, profile.ID)
			}
		}
	}
	return nil
}

// compensate tears down exactly what a failed attempt created, marks the
// session failed, and clears current_session_id. It runs on a fresh context:
// the triggering failure may well be the caller's cancellation.
func (m *Manager) compensate(ses *model.Session, sb *model.Sandbox, started []model.SessionContainer) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CleanupTimeout)
	defer cancel()

	for i := len(started) - 1; i >= 0; i-- {
		if err := m.drv.DestroyContainer(ctx, started[i].ContainerID); err != nil {
			log.Warn().Err(err).Str("container", started[i].ContainerID).
				Msg("Compensation failed to destroy container, orphan reaper will retry")
		}
	}
	if ses.RuntimeNetworkID != "" {
		if err := m.drv.DeleteNetwork(ctx, ses.RuntimeNetworkID); err != nil {
			log.Warn().Err(err).Str("network", ses.RuntimeNetworkID).
				Msg("Compensation failed to delete network, orphan reaper will retry")
		}
	}

	ses.ObservedState = model.SessionFailed
	ses.Containers = nil
	if err := m.store.UpdateSession(ctx, ses); err != nil {
		log.Warn().Err(err).Str("session", ses.ID).Msg("Failed to mark session failed")
	}
	if _, err := m.store.MutateSandbox(ctx, sb.ID, func(s *model.Sandbox) error {
		if s.CurrentSessionID != nil && *s.CurrentSessionID == ses.ID {
			s.CurrentSessionID = nil
		}
		return nil
	}); err != nil {
		log.Warn().Err(err).Str("sandbox", sb.ID).Msg("Failed to clear current session")
	}
}

// Stop destroys the sandbox's live session, if any. The sandbox and its
// cargo are retained.
func (m *Manager) Stop(ctx context.Context, sandboxID string) error {
	unlock := m.locks.Lock(sandboxID)
	defer unlock()
	return m.StopLocked(ctx, sandboxID)
}

// StopLocked is Stop for callers already holding the sandbox's lock. It
// works on tombstoned sandboxes too: delete goes through here.
func (m *Manager) StopLocked(ctx context.Context, sandboxID string) error {
	sb, err := m.store.GetSandbox(ctx, sandboxID)
	if err != nil {
		return err
	}
	ses, err := m.store.LiveSessionForSandbox(ctx, sandboxID)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			// Nothing live; make sure the pointer agrees.
			if sb.CurrentSessionID != nil {
				_, err = m.store.MutateSandbox(ctx, sandboxID, func(s *model.Sandbox) error {
					s.CurrentSessionID = nil
					return nil
				})
				return err
			}
			return nil
		}
		return err
	}
	return m.teardown(ses, sb, model.SessionStopped)
}

// teardown transitions the session through stopping, destroys its
// containers and network, removes the row, and clears the sandbox pointer.
// Partial failures are left for the orphan reaper.
func (m *Manager) teardown(ses *model.Session, sb *model.Sandbox, end model.SessionState) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CleanupTimeout)
	defer cancel()

	ses.ObservedState = model.SessionStopping
	if err := m.store.UpdateSession(ctx, ses); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range ses.Containers {
		c := c
		g.Go(func() error {
			if err := m.drv.StopContainer(gctx, c.ContainerID); err != nil {
				log.Warn().Err(err).Str("container", c.ContainerID).Msg("Stop failed, forcing removal")
			}
			return m.drv.DestroyContainer(gctx, c.ContainerID)
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("session", ses.ID).Msg("Container teardown incomplete, orphan reaper will retry")
	}
	if ses.RuntimeNetworkID != "" {
		if err := m.drv.DeleteNetwork(ctx, ses.RuntimeNetworkID); err != nil {
			log.Warn().Err(err).Str("network", ses.RuntimeNetworkID).Msg("Network delete failed, orphan reaper will retry")
		}
	}

	if err := m.store.DeleteSession(ctx, ses.ID); err != nil {
		return err
	}
	_, err := m.store.MutateSandbox(ctx, sb.ID, func(s *model.Sandbox) error {
		if s.CurrentSessionID != nil && *s.CurrentSessionID == ses.ID {
			s.CurrentSessionID = nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Str("sandbox", sb.ID).Str("session", ses.ID).Str("end_state", string(end)).
		Msg("Session destroyed")
	return nil
}

// Observe re-reads each container's fabric status and adjusts the session's
// observed state. A non-primary exit degrades the session and records the
// capabilities lost; a primary exit fails it. The first container of the
// group is the primary.
func (m *Manager) Observe(ctx context.Context, ses *model.Session) (*model.Session, error) {
	if len(ses.Containers) == 0 {
		return ses, nil
	}

	changed := false
	for i := range ses.Containers {
		status, err := m.drv.Status(ctx, ses.Containers[i].ContainerID)
		if err != nil {
			if errdefs.IsKind(err, errdefs.KindNotFound) {
				status = driver.StatusExited
			} else {
				return nil, err
			}
		}
		if string(status) != ses.Containers[i].ObservedStatus {
			ses.Containers[i].ObservedStatus = string(status)
			changed = true
		}
	}

	primaryUp := ses.Containers[0].ObservedStatus == string(driver.StatusRunning)
	var lost []model.Capability
	for i := 1; i < len(ses.Containers); i++ {
		if ses.Containers[i].ObservedStatus == string(driver.StatusRunning) {
			continue
		}
		for _, cap := range ses.Containers[i].Capabilities {
			if !servedElsewhere(ses.Containers, i, cap) {
				lost = append(lost, cap)
			}
		}
	}

	prev := ses.ObservedState
	switch {
	case !primaryUp:
		ses.ObservedState = model.SessionFailed
	case len(lost) > 0:
		ses.ObservedState = model.SessionDegraded
	default:
		ses.ObservedState = model.SessionRunning
	}
	ses.UnavailableCaps = lost

	if changed || prev != ses.ObservedState {
		if err := m.store.UpdateSession(ctx, ses); err != nil {
			return nil, err
		}
		if prev != ses.ObservedState {
			log.Warn().Str("session", ses.ID).
				Str("from", string(prev)).Str("to", string(ses.ObservedState)).
				Msg("Session state change observed")
		}
	}
	return ses, nil
}

// servedElsewhere reports whether another running container of the group
// also advertises cap.
func servedElsewhere(containers []model.SessionContainer, exclude int, cap model.Capability) bool {
	for i := range containers {
		if i == exclude || containers[i].ObservedStatus != string(driver.StatusRunning) {
			continue
		}
		for _, have := range containers[i].Capabilities {
			if have == cap {
				return true
			}
		}
	}
	return false
}

// resourceLabels builds the label set every fabric resource of a session
// carries. The orphan reaper attributes resources through these.
func (m *Manager) resourceLabels(sb *model.Sandbox, sessionID string) map[string]string {
	return map[string]string{
		driver.LabelManaged:   "true",
		driver.LabelOwner:     sb.Owner,
		driver.LabelSandboxID: sb.ID,
		driver.LabelSessionID: sessionID,
		driver.LabelCargoID:   sb.CargoID,
		driver.LabelProfileID: sb.ProfileID,
	}
}
