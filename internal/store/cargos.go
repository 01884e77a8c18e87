package store

import (
	"context"
	"time"

	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/model"
)

const cargoCols = `id, owner, driver_ref, managed, managed_by_sandbox_id,
	size_limit_mb, created_at, last_accessed_at`

const insertCargoSQL = `INSERT INTO cargos (` + cargoCols + `) VALUES
	(:id, :owner, :driver_ref, :managed, :managed_by_sandbox_id,
	 :size_limit_mb, :created_at, :last_accessed_at)`

// CreateCargo persists a cargo row.
func (s *Store) CreateCargo(ctx context.Context, cg *model.Cargo) error {
	t := now()
	cg.CreatedAt = t
	cg.LastAccessedAt = t
	if _, err := s.db.NamedExecContext(ctx, insertCargoSQL, cg); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "insert cargo %s", cg.ID)
	}
	return nil
}

// GetCargo loads a cargo by id.
func (s *Store) GetCargo(ctx context.Context, id string) (*model.Cargo, error) {
	var cg model.Cargo
	err := s.db.GetContext(ctx, &cg,
		`SELECT `+cargoCols+` FROM cargos WHERE id = ?`, id)
	if err != nil {
		return nil, notFoundOr(err, errdefs.KindTransient, "cargo %s not found", id)
	}
	return &cg, nil
}

// ListCargos returns all cargos for an owner.
func (s *Store) ListCargos(ctx context.Context, owner string) ([]*model.Cargo, error) {
	var out []*model.Cargo
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+cargoCols+` FROM cargos WHERE owner = ? ORDER BY created_at`, owner)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "list cargos")
	}
	return out, nil
}

// DeleteCargo removes the cargo row.
func (s *Store) DeleteCargo(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cargos WHERE id = ?`, id); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "delete cargo %s", id)
	}
	return nil
}

// TouchCargoAccessed bumps last_accessed_at.
func (s *Store) TouchCargoAccessed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cargos SET last_accessed_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "touch cargo %s", id)
	}
	return nil
}

// OrphanManagedCargos returns managed cargos whose owning sandbox was
// tombstoned before the cutoff (or is gone entirely). These are the
// orphan-cargo reaper's candidates.
func (s *Store) OrphanManagedCargos(ctx context.Context, tombstonedBefore time.Time) ([]*model.Cargo, error) {
	var out []*model.Cargo
	err := s.db.SelectContext(ctx, &out,
		`SELECT c.id, c.owner, c.driver_ref, c.managed, c.managed_by_sandbox_id,
		        c.size_limit_mb, c.created_at, c.last_accessed_at
		 FROM cargos c
		 LEFT JOIN sandboxes sb ON sb.id = c.managed_by_sandbox_id
		 WHERE c.managed = 1
		   AND (sb.id IS NULL OR (sb.deleted_at IS NOT NULL AND sb.deleted_at < ?))`,
		tombstonedBefore)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "query orphan cargos")
	}
	return out, nil
}
