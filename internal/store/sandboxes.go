package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/model"
)

const sandboxCols = `id, owner, profile_id, cargo_id, desired_state, ttl_seconds,
	expires_at, idle_expires_at, current_session_id, deleted_at, version,
	created_at, updated_at`

const insertSandboxSQL = `INSERT INTO sandboxes (` + sandboxCols + `) VALUES
	(:id, :owner, :profile_id, :cargo_id, :desired_state, :ttl_seconds,
	 :expires_at, :idle_expires_at, :current_session_id, :deleted_at, :version,
	 :created_at, :updated_at)`

// CreateSandbox persists a new sandbox row.
func (s *Store) CreateSandbox(ctx context.Context, sb *model.Sandbox) error {
	sb.Version = 1
	sb.CreatedAt = now()
	sb.UpdatedAt = sb.CreatedAt
	if _, err := s.db.NamedExecContext(ctx, insertSandboxSQL, sb); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "insert sandbox %s", sb.ID)
	}
	return nil
}

// CreateSandboxAndCargo persists a sandbox together with its managed cargo in
// one transaction, so a write failure leaves neither behind.
func (s *Store) CreateSandboxAndCargo(ctx context.Context, sb *model.Sandbox, cg *model.Cargo) error {
	sb.Version = 1
	sb.CreatedAt = now()
	sb.UpdatedAt = sb.CreatedAt
	cg.CreatedAt = sb.CreatedAt
	cg.LastAccessedAt = sb.CreatedAt
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertCargoSQL, cg); err != nil {
			return errdefs.Wrap(err, errdefs.KindTransient, "insert cargo %s", cg.ID)
		}
		if _, err := tx.NamedExecContext(ctx, insertSandboxSQL, sb); err != nil {
			return errdefs.Wrap(err, errdefs.KindTransient, "insert sandbox %s", sb.ID)
		}
		return nil
	})
}

// GetSandbox loads a sandbox by id, tombstoned rows included. Callers decide
// whether a tombstone is visible for their purpose.
func (s *Store) GetSandbox(ctx context.Context, id string) (*model.Sandbox, error) {
	var sb model.Sandbox
	err := s.db.GetContext(ctx, &sb,
		`SELECT `+sandboxCols+` FROM sandboxes WHERE id = ?`, id)
	if err != nil {
		return nil, notFoundOr(err, errdefs.KindTransient, "sandbox %s not found", id)
	}
	return &sb, nil
}

// ListSandboxes pages non-tombstoned sandboxes for one owner, keyed by id.
func (s *Store) ListSandboxes(ctx context.Context, owner, cursor string, limit int) ([]*model.Sandbox, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*model.Sandbox
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+sandboxCols+` FROM sandboxes
		 WHERE owner = ? AND deleted_at IS NULL AND id > ?
		 ORDER BY id LIMIT ?`, owner, cursor, limit)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "list sandboxes")
	}
	return out, nil
}

// UpdateSandbox writes the row back guarded by the version CAS. On success
// sb.Version is bumped in place; a stale version yields Conflict and the
// caller must reload before retrying.
func (s *Store) UpdateSandbox(ctx context.Context, sb *model.Sandbox) error {
	prev := sb.Version
	sb.Version++
	sb.UpdatedAt = now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET owner=?, profile_id=?, cargo_id=?, desired_state=?,
		 ttl_seconds=?, expires_at=?, idle_expires_at=?, current_session_id=?,
		 deleted_at=?, version=?, updated_at=?
		 WHERE id=? AND version=?`,
		sb.Owner, sb.ProfileID, sb.CargoID, sb.DesiredState,
		sb.TTLSeconds, sb.ExpiresAt, sb.IdleExpiresAt, sb.CurrentSessionID,
		sb.DeletedAt, sb.Version, sb.UpdatedAt,
		sb.ID, prev)
	if err != nil {
		sb.Version = prev
		return errdefs.Wrap(err, errdefs.KindTransient, "update sandbox %s", sb.ID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		sb.Version = prev
		return errdefs.New(errdefs.KindConflict, "sandbox %s version %d is stale", sb.ID, prev)
	}
	return nil
}

// MutateSandbox runs the reload → mutate → CAS-update loop. The in-process
// lock makes conflicts rare; the CAS is the arbiter when another Bay instance
// wrote in between. mutate may return an error to abort without writing.
func (s *Store) MutateSandbox(ctx context.Context, id string, mutate func(*model.Sandbox) error) (*model.Sandbox, error) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		sb, err := s.GetSandbox(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(sb); err != nil {
			return nil, err
		}
		err = s.UpdateSandbox(ctx, sb)
		if err == nil {
			return sb, nil
		}
		if !errdefs.IsKind(err, errdefs.KindConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, errdefs.Wrap(lastErr, errdefs.KindConflict, "sandbox %s update retries exhausted", id)
}

// CountActiveSandboxes counts non-tombstoned sandboxes for an owner. Backs
// the optional per-owner quota.
func (s *Store) CountActiveSandboxes(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sandboxes WHERE owner = ? AND deleted_at IS NULL`, owner)
	if err != nil {
		return 0, errdefs.Wrap(err, errdefs.KindTransient, "count sandboxes")
	}
	return n, nil
}

// ExpiredSandboxes returns non-tombstoned sandboxes whose TTL elapsed.
func (s *Store) ExpiredSandboxes(ctx context.Context, at time.Time, limit int) ([]*model.Sandbox, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*model.Sandbox
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+sandboxCols+` FROM sandboxes
		 WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at LIMIT ?`, at, limit)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "query expired sandboxes")
	}
	return out, nil
}

// PurgeTombstones removes sandbox rows tombstoned before the cutoff. The
// retention window exists for audit and idempotent replay of deletes.
func (s *Store) PurgeTombstones(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sandboxes WHERE deleted_at IS NOT NULL AND deleted_at < ?`, before)
	if err != nil {
		return 0, errdefs.Wrap(err, errdefs.KindTransient, "purge tombstones")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// FirstSandboxReferencingCargo returns one live sandbox holding a reference
// to the cargo, or NotFound. Cargo path operations route through it.
func (s *Store) FirstSandboxReferencingCargo(ctx context.Context, cargoID string) (*model.Sandbox, error) {
	var sb model.Sandbox
	err := s.db.GetContext(ctx, &sb,
		`SELECT `+sandboxCols+` FROM sandboxes
		 WHERE cargo_id = ? AND deleted_at IS NULL ORDER BY created_at LIMIT 1`, cargoID)
	if err != nil {
		return nil, notFoundOr(err, errdefs.KindTransient, "no sandbox references cargo %s", cargoID)
	}
	return &sb, nil
}

// SandboxesReferencingCargo counts live sandboxes holding a reference to the
// cargo. External cargo deletion is refused while this is non-zero.
func (s *Store) SandboxesReferencingCargo(ctx context.Context, cargoID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sandboxes WHERE cargo_id = ? AND deleted_at IS NULL`, cargoID)
	if err != nil {
		return 0, errdefs.Wrap(err, errdefs.KindTransient, "count cargo references")
	}
	return n, nil
}
