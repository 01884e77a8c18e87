// Package sandbox is the public lifecycle surface: create, stop, delete,
// extend-TTL, keepalive. Every state-changing operation on one sandbox runs
// under its per-sandbox lock; sessions stay lazy and are only arranged by
// the capability router.
package sandbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/RC-CHN/bay/internal/cargo"
	"github.com/RC-CHN/bay/internal/config"
	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/model"
	"github.com/RC-CHN/bay/internal/session"
	"github.com/RC-CHN/bay/internal/store"
)

// Options tunes the manager.
type Options struct {
	// MaxActiveSandboxes caps live sandboxes per owner; zero disables.
	MaxActiveSandboxes int
}

// Manager owns sandbox lifecycle.
type Manager struct {
	store    *store.Store
	cargos   *cargo.Manager
	sessions *session.Manager
	profiles *config.ProfileRegistry
	locks    *session.LockTable
	opts     Options
}

// NewManager wires a sandbox manager. It shares the session manager's lock
// table so lifecycle and routing serialize on the same mutex.
func NewManager(st *store.Store, cargos *cargo.Manager, sessions *session.Manager, profiles *config.ProfileRegistry, opts Options) *Manager {
	return &Manager{
		store:    st,
		cargos:   cargos,
		sessions: sessions,
		profiles: profiles,
		locks:    sessions.Locks(),
		opts:     opts,
	}
}

// CreateParams are the caller-supplied fields of a create request.
type CreateParams struct {
	Owner     string
	ProfileID string
	// CargoID attaches an existing external cargo; empty means a managed
	// cargo is created alongside the sandbox.
	CargoID string
	// TTLSeconds nil means the profile default; zero means infinite.
	TTLSeconds *int64
	// SizeLimitMB applies to the managed cargo when one is created.
	SizeLimitMB int64
}

// Create persists a new sandbox. The session is lazy: nothing touches the
// fabric here beyond the cargo volume.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*model.Sandbox, error) {
	profile, ok := m.profiles.Get(p.ProfileID)
	if !ok {
		return nil, errdefs.New(errdefs.KindValidation, "unknown profile %q", p.ProfileID).
			WithDetails(map[string]any{"profiles": m.profiles.IDs()})
	}

	if m.opts.MaxActiveSandboxes > 0 {
		n, err := m.store.CountActiveSandboxes(ctx, p.Owner)
		if err != nil {
			return nil, err
		}
		if n >= m.opts.MaxActiveSandboxes {
			return nil, errdefs.New(errdefs.KindConflict, "active sandbox quota reached (%d)", m.opts.MaxActiveSandboxes)
		}
	}

	ttl := profile.DefaultTTLSeconds
	if p.TTLSeconds != nil {
		ttl = *p.TTLSeconds
	}
	if ttl < 0 {
		return nil, errdefs.New(errdefs.KindValidation, "ttl_seconds must not be negative")
	}

	now := time.Now().UTC()
	sb := &model.Sandbox{
		ID:           "sbx-" + uuid.NewString(),
		Owner:        p.Owner,
		ProfileID:    p.ProfileID,
		DesiredState: model.DesiredRunning,
	}
	if ttl > 0 {
		t := ttl
		sb.TTLSeconds = &t
		exp := now.Add(time.Duration(ttl) * time.Second)
		sb.ExpiresAt = &exp
	}
	idle := now.Add(profile.IdleTimeout())
	sb.IdleExpiresAt = &idle

	if p.CargoID != "" {
		cg, err := m.cargos.Attach(ctx, p.Owner, p.CargoID)
		if err != nil {
			return nil, err
		}
		sb.CargoID = cg.ID
		if err := m.store.CreateSandbox(ctx, sb); err != nil {
			return nil, err
		}
	} else {
		cg, err := m.cargos.NewManaged(ctx, p.Owner, sb.ID, p.SizeLimitMB)
		if err != nil {
			return nil, err
		}
		sb.CargoID = cg.ID
		if err := m.store.CreateSandboxAndCargo(ctx, sb, cg); err != nil {
			m.cargos.DiscardVolume(cg)
			return nil, err
		}
	}

	log.Info().Str("sandbox", sb.ID).Str("profile", sb.ProfileID).
		Str("cargo", sb.CargoID).Msg("Sandbox created")
	return sb, nil
}

// Get loads a sandbox scoped to its owner. Tombstoned and foreign
// sandboxes read as absent.
func (m *Manager) Get(ctx context.Context, owner, id string) (*model.Sandbox, error) {
	sb, err := m.store.GetSandbox(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.Tombstoned() || sb.Owner != owner {
		return nil, errdefs.New(errdefs.KindNotFound, "sandbox %s not found", id)
	}
	return sb, nil
}

// List pages the owner's live sandboxes.
func (m *Manager) List(ctx context.Context, owner, cursor string, limit int) ([]*model.Sandbox, error) {
	return m.store.ListSandboxes(ctx, owner, cursor, limit)
}

// Stop destroys the sandbox's session; the sandbox and cargo remain.
func (m *Manager) Stop(ctx context.Context, owner, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	if _, err := m.Get(ctx, owner, id); err != nil {
		return err
	}
	if _, err := m.store.MutateSandbox(ctx, id, func(s *model.Sandbox) error {
		s.DesiredState = model.DesiredStopped
		return nil
	}); err != nil {
		return err
	}
	return m.sessions.StopLocked(ctx, id)
}

// Delete tombstones the sandbox, destroys its session, and cascades the
// managed cargo. External cargos are never cascaded. The tombstone stays
// until the retention window passes, for audit and idempotent replay.
func (m *Manager) Delete(ctx context.Context, owner, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	sb, err := m.Get(ctx, owner, id)
	if err != nil {
		return err
	}
	return m.deleteLocked(ctx, sb)
}

// DeleteIfExpired deletes the sandbox only if its TTL has elapsed, rechecked
// under the lock. The expired-sandbox reaper calls this so a concurrent
// extend_ttl that wins the lock first makes the reap a no-op.
func (m *Manager) DeleteIfExpired(ctx context.Context, id string) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	sb, err := m.store.GetSandbox(ctx, id)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	if sb.Tombstoned() || !sb.Expired(time.Now()) {
		return false, nil
	}
	return true, m.deleteLocked(ctx, sb)
}

func (m *Manager) deleteLocked(ctx context.Context, sb *model.Sandbox) error {
	id := sb.ID
	now := time.Now().UTC()
	if _, err := m.store.MutateSandbox(ctx, id, func(s *model.Sandbox) error {
		s.DesiredState = model.DesiredDeleted
		s.DeletedAt = &now
		return nil
	}); err != nil {
		return err
	}

	if err := m.sessions.StopLocked(ctx, id); err != nil {
		log.Warn().Err(err).Str("sandbox", id).Msg("Session teardown during delete incomplete, reaper will retry")
	}

	cg, err := m.store.GetCargo(ctx, sb.CargoID)
	if err == nil && cg.Managed {
		if err := m.cargos.DeleteManaged(ctx, cg.ID); err != nil {
			log.Warn().Err(err).Str("cargo", cg.ID).Msg("Managed cargo delete incomplete, reaper will retry")
		}
	} else if err == nil {
		m.cargos.Detach(ctx, cg.ID)
	}

	log.Info().Str("sandbox", id).Msg("Sandbox deleted")
	return nil
}

// ExtendTTL adds seconds to a finite TTL atomically.
func (m *Manager) ExtendTTL(ctx context.Context, owner, id string, seconds int64) (*model.Sandbox, error) {
	if seconds <= 0 {
		return nil, errdefs.New(errdefs.KindValidation, "seconds must be positive")
	}
	unlock := m.locks.Lock(id)
	defer unlock()

	sb, err := m.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if sb.TTLSeconds == nil || *sb.TTLSeconds == 0 {
		return nil, errdefs.New(errdefs.KindSandboxTTLInfinite, "sandbox %s has no finite ttl", id)
	}
	if sb.Expired(time.Now()) {
		return nil, errdefs.New(errdefs.KindSandboxExpired, "sandbox %s has expired", id)
	}
	return m.store.MutateSandbox(ctx, id, func(s *model.Sandbox) error {
		if s.TTLSeconds == nil || s.ExpiresAt == nil {
			return errdefs.New(errdefs.KindSandboxTTLInfinite, "sandbox %s has no finite ttl", id)
		}
		ttl := *s.TTLSeconds + seconds
		s.TTLSeconds = &ttl
		exp := s.ExpiresAt.Add(time.Duration(seconds) * time.Second)
		s.ExpiresAt = &exp
		return nil
	})
}

// Keepalive pushes the idle horizon out without starting a session.
func (m *Manager) Keepalive(ctx context.Context, owner, id string) (*model.Sandbox, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	sb, err := m.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if sb.Expired(time.Now()) {
		return nil, errdefs.New(errdefs.KindSandboxExpired, "sandbox %s has expired", id)
	}
	profile, ok := m.profiles.Get(sb.ProfileID)
	if !ok {
		return nil, errdefs.New(errdefs.KindInvariant, "sandbox %s references unknown profile %s", id, sb.ProfileID)
	}
	return m.store.MutateSandbox(ctx, id, func(s *model.Sandbox) error {
		idle := time.Now().UTC().Add(profile.IdleTimeout())
		s.IdleExpiresAt = &idle
		return nil
	})
}
