package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RC-CHN/bay/internal/cargo"
	"github.com/RC-CHN/bay/internal/config"
	"github.com/RC-CHN/bay/internal/driver/drivertest"
	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/model"
	"github.com/RC-CHN/bay/internal/runtime/runtimetest"
	"github.com/RC-CHN/bay/internal/session"
	"github.com/RC-CHN/bay/internal/store"
)

type fixture struct {
	store *store.Store
	fake  *drivertest.Fake
	mgr   *Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	code := runtimetest.NewCode()
	t.Cleanup(code.Close)

	fake := drivertest.New()
	fake.DefaultEndpoint = code.URL

	profiles, err := config.NewProfileRegistry([]model.Profile{{
		ID:                 "python-default",
		IdleTimeoutSeconds: 600,
		DefaultTTLSeconds:  3600,
		Containers: []model.ContainerSpec{{
			Name:        "ship",
			Image:       "bay-code-runtime:latest",
			Resources:   model.Resources{CPU: 1, MemoryMB: 512},
			RuntimePort: 8000,
			RuntimeType: model.RuntimeTypeCode,
			Capabilities: []model.Capability{
				model.CapabilityPython, model.CapabilityShell, model.CapabilityFilesystem,
			},
		}},
	}})
	require.NoError(t, err)

	sessions := session.NewManager(st, fake, profiles, session.Options{
		ReadinessBudget: 2 * time.Second,
		ProbeInterval:   20 * time.Millisecond,
	})
	cargos := cargo.NewManager(st, fake)
	mgr := NewManager(st, cargos, sessions, profiles, opts)
	return &fixture{store: st, fake: fake, mgr: mgr}
}

func TestCreateThenGet(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	sb, err := f.mgr.Create(ctx, CreateParams{Owner: "default", ProfileID: "python-default"})
	require.NoError(t, err)
	assert.Equal(t, "idle", sb.Status())
	require.NotNil(t, sb.TTLSeconds)
	assert.Equal(t, int64(3600), *sb.TTLSeconds)
	require.NotNil(t, sb.ExpiresAt)

	got, err := f.mgr.Get(ctx, "default", sb.ID)
	require.NoError(t, err)
	assert.Equal(t, sb.ID, got.ID)
	assert.Equal(t, sb.CargoID, got.CargoID)

	// A managed cargo and its volume came with the sandbox; the session
	// stays lazy.
	cg, err := f.store.GetCargo(ctx, sb.CargoID)
	require.NoError(t, err)
	assert.True(t, cg.Managed)
	require.NotNil(t, cg.ManagedBySandboxID)
	assert.Equal(t, sb.ID, *cg.ManagedBySandboxID)
	assert.Equal(t, 1, f.fake.VolumeCount())
	assert.Equal(t, 0, f.fake.ContainerCount())
}

func TestCreateUnknownProfile(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.mgr.Create(context.Background(), CreateParams{Owner: "default", ProfileID: "nope"})
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
}

func TestCreateZeroTTLMeansInfinite(t *testing.T) {
	f := newFixture(t, Options{})
	zero := int64(0)
	sb, err := f.mgr.Create(context.Background(), CreateParams{
		Owner: "default", ProfileID: "python-default", TTLSeconds: &zero,
	})
	require.NoError(t, err)
	assert.Nil(t, sb.TTLSeconds)
	assert.Nil(t, sb.ExpiresAt)
}

func TestCreateWithExternalCargoIsExclusive(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	cargos := cargo.NewManager(f.store, f.fake)
	ext, err := cargos.Create(ctx, "default", 100)
	require.NoError(t, err)

	sb, err := f.mgr.Create(ctx, CreateParams{
		Owner: "default", ProfileID: "python-default", CargoID: ext.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, ext.ID, sb.CargoID)

	// The volume is exclusive to one sandbox at a time.
	_, err = f.mgr.Create(ctx, CreateParams{
		Owner: "default", ProfileID: "python-default", CargoID: ext.ID,
	})
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))

	// After deleting the sandbox the cargo is free again — and retained.
	require.NoError(t, f.mgr.Delete(ctx, "default", sb.ID))
	_, err = f.store.GetCargo(ctx, ext.ID)
	require.NoError(t, err)
	_, err = f.mgr.Create(ctx, CreateParams{
		Owner: "default", ProfileID: "python-default", CargoID: ext.ID,
	})
	require.NoError(t, err)
}

func TestDeleteCascadesManagedCargo(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	sb, err := f.mgr.Create(ctx, CreateParams{Owner: "default", ProfileID: "python-default"})
	require.NoError(t, err)

	require.NoError(t, f.mgr.Delete(ctx, "default", sb.ID))

	_, err = f.mgr.Get(ctx, "default", sb.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))

	_, err = f.store.GetCargo(ctx, sb.CargoID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
	assert.Equal(t, 0, f.fake.VolumeCount())

	// Second delete finds a tombstone and reads as absent.
	err = f.mgr.Delete(ctx, "default", sb.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestExtendTTL(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	ttl := int64(600)
	sb, err := f.mgr.Create(ctx, CreateParams{
		Owner: "default", ProfileID: "python-default", TTLSeconds: &ttl,
	})
	require.NoError(t, err)
	before := *sb.ExpiresAt

	got, err := f.mgr.ExtendTTL(ctx, "default", sb.ID, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(900), *got.TTLSeconds)
	assert.WithinDuration(t, before.Add(300*time.Second), *got.ExpiresAt, time.Second)
}

func TestExtendTTLInfinite(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	zero := int64(0)
	sb, err := f.mgr.Create(ctx, CreateParams{
		Owner: "default", ProfileID: "python-default", TTLSeconds: &zero,
	})
	require.NoError(t, err)

	_, err = f.mgr.ExtendTTL(ctx, "default", sb.ID, 300)
	assert.True(t, errdefs.IsKind(err, errdefs.KindSandboxTTLInfinite))
}

func TestExtendTTLExpired(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	ttl := int64(600)
	sb, err := f.mgr.Create(ctx, CreateParams{
		Owner: "default", ProfileID: "python-default", TTLSeconds: &ttl,
	})
	require.NoError(t, err)

	_, err = f.store.MutateSandbox(ctx, sb.ID, func(s *model.Sandbox) error {
		past := time.Now().UTC().Add(-time.Minute)
		s.ExpiresAt = &past
		return nil
	})
	require.NoError(t, err)

	_, err = f.mgr.ExtendTTL(ctx, "default", sb.ID, 300)
	assert.True(t, errdefs.IsKind(err, errdefs.KindSandboxExpired))
}

func TestKeepaliveNeverStartsSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	sb, err := f.mgr.Create(ctx, CreateParams{Owner: "default", ProfileID: "python-default"})
	require.NoError(t, err)
	before := *sb.IdleExpiresAt

	time.Sleep(10 * time.Millisecond)
	got, err := f.mgr.Keepalive(ctx, "default", sb.ID)
	require.NoError(t, err)
	assert.True(t, got.IdleExpiresAt.After(before))
	assert.Equal(t, 0, f.fake.ContainerCount())
}

func TestOwnerScoping(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	sb, err := f.mgr.Create(ctx, CreateParams{Owner: "alice", ProfileID: "python-default"})
	require.NoError(t, err)

	// A foreign owner reads absence, not forbidden.
	_, err = f.mgr.Get(ctx, "bob", sb.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
	err = f.mgr.Delete(ctx, "bob", sb.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestQuota(t *testing.T) {
	f := newFixture(t, Options{MaxActiveSandboxes: 1})
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, CreateParams{Owner: "default", ProfileID: "python-default"})
	require.NoError(t, err)
	_, err = f.mgr.Create(ctx, CreateParams{Owner: "default", ProfileID: "python-default"})
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))
}

func TestDeleteIfExpiredRechecksUnderLock(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	sb, err := f.mgr.Create(ctx, CreateParams{Owner: "default", ProfileID: "python-default"})
	require.NoError(t, err)

	// Not expired: the reap is a no-op.
	deleted, err := f.mgr.DeleteIfExpired(ctx, sb.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = f.store.MutateSandbox(ctx, sb.ID, func(s *model.Sandbox) error {
		past := time.Now().UTC().Add(-time.Minute)
		s.ExpiresAt = &past
		return nil
	})
	require.NoError(t, err)

	deleted, err = f.mgr.DeleteIfExpired(ctx, sb.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = f.mgr.Get(ctx, "default", sb.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}
