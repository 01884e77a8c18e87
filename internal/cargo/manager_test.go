package cargo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RC-CHN/bay/internal/driver/drivertest"
	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/model"
	"github.com/RC-CHN/bay/internal/store"
)

func newFixture(t *testing.T) (*Manager, *store.Store, *drivertest.Fake) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	fake := drivertest.New()
	return NewManager(st, fake), st, fake
}

func TestValidateRelPath(t *testing.T) {
	valid := []string{"a.txt", "dir/file.py", "deep/nested/path.bin", "weird..name.txt", "dir/.hidden"}
	for _, p := range valid {
		assert.NoError(t, ValidateRelPath(p), "path %q", p)
	}

	invalid := []string{"", "/abs.txt", "/", "..", "../x", "a/../../b", "dir/../../etc/passwd", "a/.."}
	for _, p := range invalid {
		err := ValidateRelPath(p)
		require.Error(t, err, "path %q", p)
		assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidPath), "path %q", p)
	}
}

func TestCreateExternalCargo(t *testing.T) {
	m, st, fake := newFixture(t)
	ctx := context.Background()

	cg, err := m.Create(ctx, "alice", 0)
	require.NoError(t, err)
	assert.False(t, cg.Managed)
	assert.Equal(t, int64(DefaultSizeLimitMB), cg.SizeLimitMB)
	assert.Equal(t, 1, fake.VolumeCount())

	got, err := st.GetCargo(ctx, cg.ID)
	require.NoError(t, err)
	assert.Equal(t, cg.DriverRef, got.DriverRef)

	// Round trip through the owner-scoped read.
	got, err = m.Get(ctx, "alice", cg.ID)
	require.NoError(t, err)
	assert.Equal(t, cg.ID, got.ID)
	_, err = m.Get(ctx, "bob", cg.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestDeleteExternalCargoInUse(t *testing.T) {
	m, st, _ := newFixture(t)
	ctx := context.Background()

	cg, err := m.Create(ctx, "alice", 100)
	require.NoError(t, err)

	sb := &model.Sandbox{
		ID: "sbx-1", Owner: "alice", ProfileID: "python-default",
		CargoID: cg.ID, DesiredState: model.DesiredRunning,
	}
	require.NoError(t, st.CreateSandbox(ctx, sb))

	err = m.Delete(ctx, "alice", cg.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))

	// Tombstoning the sandbox releases the reference.
	_, err = st.MutateSandbox(ctx, "sbx-1", func(s *model.Sandbox) error {
		now := time.Now().UTC()
		s.DeletedAt = &now
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, "alice", cg.ID))
	_, err = st.GetCargo(ctx, cg.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestManagedCargoRefusesDirectDelete(t *testing.T) {
	m, st, fake := newFixture(t)
	ctx := context.Background()

	cg, err := m.NewManaged(ctx, "alice", "sbx-1", 0)
	require.NoError(t, err)
	require.NoError(t, st.CreateCargo(ctx, cg))

	err = m.Delete(ctx, "alice", cg.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))

	// The lifecycle path deletes it, volume included.
	require.NoError(t, m.DeleteManaged(ctx, cg.ID))
	assert.Equal(t, 0, fake.VolumeCount())
	// Idempotent: a second cascade delete is a no-op.
	require.NoError(t, m.DeleteManaged(ctx, cg.ID))
}

func TestAttachExclusivity(t *testing.T) {
	m, st, _ := newFixture(t)
	ctx := context.Background()

	cg, err := m.Create(ctx, "alice", 100)
	require.NoError(t, err)

	_, err = m.Attach(ctx, "alice", cg.ID)
	require.NoError(t, err)

	// Attach never succeeds on managed cargo.
	managed, err := m.NewManaged(ctx, "alice", "sbx-1", 0)
	require.NoError(t, err)
	require.NoError(t, st.CreateCargo(ctx, managed))
	_, err = m.Attach(ctx, "alice", managed.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))
}

type fakeInvoker struct {
	calls []string
	out   json.RawMessage
}

func (f *fakeInvoker) Invoke(_ context.Context, sandboxID string, cap model.Capability, operation string, payload []byte, _ time.Duration) (json.RawMessage, error) {
	f.calls = append(f.calls, sandboxID+"/"+string(cap)+"/"+operation)
	return f.out, nil
}

func TestPathOpsRouteThroughReferencingSandbox(t *testing.T) {
	m, st, _ := newFixture(t)
	ctx := context.Background()

	cg, err := m.Create(ctx, "alice", 100)
	require.NoError(t, err)

	// Unattached cargo refuses path operations.
	_, err = m.Read(ctx, "alice", cg.ID, "a.txt")
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))

	sb := &model.Sandbox{
		ID: "sbx-1", Owner: "alice", ProfileID: "python-default",
		CargoID: cg.ID, DesiredState: model.DesiredRunning,
	}
	require.NoError(t, st.CreateSandbox(ctx, sb))

	inv := &fakeInvoker{out: json.RawMessage(`{"content":"hello"}`)}
	m.SetInvoker(inv)

	out, err := m.Read(ctx, "alice", cg.ID, "a.txt")
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"hello"}`, string(out))
	require.Len(t, inv.calls, 1)
	assert.Equal(t, "sbx-1/filesystem/read", inv.calls[0])

	// Path validation happens before the invoker sees anything.
	_, err = m.Write(ctx, "alice", cg.ID, "../escape", []byte("x"))
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidPath))
	assert.Len(t, inv.calls, 1)
}
