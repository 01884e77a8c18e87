// Package cargo manages persistent data volumes. A managed cargo is
// lifecycle-bound to one sandbox and cascade-deleted with it; an external
// cargo is owned by the principal and outlives every sandbox that
// references it.
package cargo

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/RC-CHN/bay/internal/driver"
	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/model"
	"github.com/RC-CHN/bay/internal/store"
)

// DefaultSizeLimitMB applies when a create request does not set a limit.
const DefaultSizeLimitMB = 1024

// Invoker dispatches a capability operation on a sandbox. The capability
// router implements it; cargo path operations borrow a referencing
// sandbox's filesystem capability because the fabric offers no direct
// volume file access.
type Invoker interface {
	Invoke(ctx context.Context, sandboxID string, cap model.Capability, operation string, payload []byte, timeout time.Duration) (json.RawMessage, error)
}

// Manager owns cargo lifecycle and path validation.
type Manager struct {
	store   *store.Store
	drv     driver.Driver
	invoker Invoker
}

// NewManager wires a cargo manager. The invoker is attached later with
// SetInvoker because the router is constructed above this layer.
func NewManager(st *store.Store, drv driver.Driver) *Manager {
	return &Manager{store: st, drv: drv}
}

// SetInvoker attaches the capability dispatcher used for path operations.
func (m *Manager) SetInvoker(inv Invoker) { m.invoker = inv }

// volumeLabels builds the label set for a cargo volume.
func volumeLabels(cg *model.Cargo) map[string]string {
	labels := map[string]string{
		driver.LabelManaged: "true",
		driver.LabelOwner:   cg.Owner,
		driver.LabelCargoID: cg.ID,
	}
	if cg.ManagedBySandboxID != nil {
		labels[driver.LabelSandboxID] = *cg.ManagedBySandboxID
	}
	return labels
}

// NewManaged provisions the volume for a sandbox's managed cargo and returns
// the unpersisted row. The caller commits it together with the sandbox in
// one transaction; on commit failure it calls DiscardVolume.
func (m *Manager) NewManaged(ctx context.Context, owner, sandboxID string, sizeLimitMB int64) (*model.Cargo, error) {
	if sizeLimitMB <= 0 {
		sizeLimitMB = DefaultSizeLimitMB
	}
	cg := &model.Cargo{
		ID:                 "cgo-" + uuid.NewString(),
		Owner:              owner,
		Managed:            true,
		ManagedBySandboxID: &sandboxID,
		SizeLimitMB:        sizeLimitMB,
	}
	ref, err := m.drv.CreateVolume(ctx, "bay-cargo-"+cg.ID, volumeLabels(cg))
	if err != nil {
		return nil, err
	}
	cg.DriverRef = ref
	return cg, nil
}

// DiscardVolume removes a provisioned volume whose metadata never committed.
func (m *Manager) DiscardVolume(cg *model.Cargo) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.drv.DeleteVolume(ctx, cg.DriverRef); err != nil {
		log.Warn().Err(err).Str("cargo", cg.ID).Msg("Failed to discard volume, orphan reaper will retry")
	}
}

// Create provisions an external cargo: volume plus metadata row.
func (m *Manager) Create(ctx context.Context, owner string, sizeLimitMB int64) (*model.Cargo, error) {
	if sizeLimitMB <= 0 {
		sizeLimitMB = DefaultSizeLimitMB
	}
	cg := &model.Cargo{
		ID:          "cgo-" + uuid.NewString(),
		Owner:       owner,
		Managed:     false,
		SizeLimitMB: sizeLimitMB,
	}
	ref, err := m.drv.CreateVolume(ctx, "bay-cargo-"+cg.ID, volumeLabels(cg))
	if err != nil {
		return nil, err
	}
	cg.DriverRef = ref
	if err := m.store.CreateCargo(ctx, cg); err != nil {
		m.DiscardVolume(cg)
		return nil, err
	}
	return cg, nil
}

// Get loads a cargo scoped to its owner. Foreign cargos read as absent.
func (m *Manager) Get(ctx context.Context, owner, id string) (*model.Cargo, error) {
	cg, err := m.store.GetCargo(ctx, id)
	if err != nil {
		return nil, err
	}
	if cg.Owner != owner {
		return nil, errdefs.New(errdefs.KindNotFound, "cargo %s not found", id)
	}
	return cg, nil
}

// List returns the owner's cargos.
func (m *Manager) List(ctx context.Context, owner string) ([]*model.Cargo, error) {
	return m.store.ListCargos(ctx, owner)
}

// Attach validates that a sandbox may mount the cargo: owner matches and no
// other live sandbox holds it. The volume is exclusive to one sandbox at a
// time.
func (m *Manager) Attach(ctx context.Context, owner, cargoID string) (*model.Cargo, error) {
	cg, err := m.Get(ctx, owner, cargoID)
	if err != nil {
		return nil, err
	}
	if cg.Managed {
		return nil, errdefs.New(errdefs.KindConflict, "cargo %s is managed by another sandbox", cargoID)
	}
	n, err := m.store.SandboxesReferencingCargo(ctx, cargoID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, errdefs.New(errdefs.KindConflict, "cargo %s is attached to another sandbox", cargoID)
	}
	m.store.TouchCargoAccessed(ctx, cargoID, time.Now())
	return cg, nil
}

// Detach records the release of a cargo by a sandbox. The weak reference
// lives on the sandbox row, so this only bumps access time.
func (m *Manager) Detach(ctx context.Context, cargoID string) error {
	return m.store.TouchCargoAccessed(ctx, cargoID, time.Now())
}

// Delete removes an external cargo via the public surface. Managed cargos
// are refused here: only the sandbox lifecycle deletes them. External
// cargos still referenced by a live sandbox are refused with Conflict.
func (m *Manager) Delete(ctx context.Context, owner, id string) error {
	cg, err := m.Get(ctx, owner, id)
	if err != nil {
		return err
	}
	if cg.Managed {
		return errdefs.New(errdefs.KindConflict, "cargo %s is managed by its sandbox and cannot be deleted directly", id)
	}
	n, err := m.store.SandboxesReferencingCargo(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return errdefs.New(errdefs.KindConflict, "cargo %s is referenced by %d sandbox(es)", id, n)
	}
	return m.remove(ctx, cg)
}

// DeleteManaged removes a managed cargo on behalf of its sandbox's
// lifecycle (delete cascade or orphan reaper).
func (m *Manager) DeleteManaged(ctx context.Context, id string) error {
	cg, err := m.store.GetCargo(ctx, id)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil
		}
		return err
	}
	if !cg.Managed {
		return errdefs.New(errdefs.KindInvariant, "cargo %s is external, refusing cascade delete", id)
	}
	return m.remove(ctx, cg)
}

// remove deletes volume first, then the row. A volume failure keeps the row
// so the reaper retries; a row left behind after volume deletion is cleaned
// by the next cycle.
func (m *Manager) remove(ctx context.Context, cg *model.Cargo) error {
	if err := m.drv.DeleteVolume(ctx, cg.DriverRef); err != nil {
		return err
	}
	return m.store.DeleteCargo(ctx, cg.ID)
}

// ValidateRelPath enforces the workspace-relative path contract shared by
// every filesystem operation: relative, no `..` components, resolving
// inside the volume. The runtimes duplicate this check defensively; Bay
// rejects before any fabric call is made.
func ValidateRelPath(p string) error {
	if p == "" {
		return errdefs.New(errdefs.KindInvalidPath, "path is required")
	}
	if strings.HasPrefix(p, "/") {
		return errdefs.New(errdefs.KindInvalidPath, "path %q must be relative to the workspace", p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return errdefs.New(errdefs.KindInvalidPath, "path %q escapes the workspace", p)
		}
	}
	if cleaned := path.Clean(p); cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return errdefs.New(errdefs.KindInvalidPath, "path %q escapes the workspace", p)
	}
	return nil
}

// pathOp runs one filesystem operation against the cargo through a live
// sandbox referencing it. A cargo referenced by no live sandbox refuses
// path operations: this fabric has no direct volume file access, and a
// hidden transient sandbox would break volume exclusivity.
func (m *Manager) pathOp(ctx context.Context, owner, cargoID, operation string, payload map[string]any) (json.RawMessage, error) {
	if _, err := m.Get(ctx, owner, cargoID); err != nil {
		return nil, err
	}
	sb, err := m.store.FirstSandboxReferencingCargo(ctx, cargoID)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, errdefs.New(errdefs.KindConflict, "cargo %s is not attached to any sandbox", cargoID)
		}
		return nil, err
	}
	if m.invoker == nil {
		return nil, errdefs.New(errdefs.KindInternal, "cargo path operations not wired")
	}
	raw, _ := json.Marshal(payload)
	out, err := m.invoker.Invoke(ctx, sb.ID, model.CapabilityFilesystem, operation, raw, 0)
	if err != nil {
		return nil, err
	}
	m.store.TouchCargoAccessed(ctx, cargoID, time.Now())
	return out, nil
}

// Read fetches a file from the cargo.
func (m *Manager) Read(ctx context.Context, owner, cargoID, relPath string) (json.RawMessage, error) {
	if err := ValidateRelPath(relPath); err != nil {
		return nil, err
	}
	return m.pathOp(ctx, owner, cargoID, "read", map[string]any{"path": relPath})
}

// Write stores bytes at a path in the cargo.
func (m *Manager) Write(ctx context.Context, owner, cargoID, relPath string, content []byte) (json.RawMessage, error) {
	if err := ValidateRelPath(relPath); err != nil {
		return nil, err
	}
	return m.pathOp(ctx, owner, cargoID, "write", map[string]any{
		"path": relPath, "content": string(content),
	})
}

// ListPath lists a directory in the cargo. An empty path lists the root.
func (m *Manager) ListPath(ctx context.Context, owner, cargoID, relPath string) (json.RawMessage, error) {
	if relPath != "" {
		if err := ValidateRelPath(relPath); err != nil {
			return nil, err
		}
	}
	return m.pathOp(ctx, owner, cargoID, "list", map[string]any{"path": relPath})
}

// DeletePath removes a file or directory in the cargo.
func (m *Manager) DeletePath(ctx context.Context, owner, cargoID, relPath string) (json.RawMessage, error) {
	if err := ValidateRelPath(relPath); err != nil {
		return nil, err
	}
	return m.pathOp(ctx, owner, cargoID, "delete", map[string]any{"path": relPath})
}
