package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RC-CHN/bay/internal/config"
	"github.com/RC-CHN/bay/internal/driver"
	"github.com/RC-CHN/bay/internal/driver/drivertest"
	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/model"
	"github.com/RC-CHN/bay/internal/runtime/runtimetest"
	"github.com/RC-CHN/bay/internal/session"
	"github.com/RC-CHN/bay/internal/store"
)

func codeSpec(name string, caps []model.Capability, primary []model.Capability) model.ContainerSpec {
	return model.ContainerSpec{
		Name:         name,
		Image:        "bay-code-runtime:latest",
		Resources:    model.Resources{CPU: 1, MemoryMB: 512},
		RuntimePort:  8000,
		RuntimeType:  model.RuntimeTypeCode,
		Capabilities: caps,
		PrimaryFor:   primary,
	}
}

type fixture struct {
	store   *store.Store
	fake    *drivertest.Fake
	rt      *Router
	code    *runtimetest.Server
	browser *runtimetest.Server
	mate    *runtimetest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	code := runtimetest.NewCode()
	t.Cleanup(code.Close)
	browser := runtimetest.NewBrowser()
	t.Cleanup(browser.Close)
	mate := runtimetest.NewCode()
	t.Cleanup(mate.Close)

	fake := drivertest.New()
	fake.Endpoints["ship"] = code.URL
	fake.Endpoints["gull"] = browser.URL
	fake.Endpoints["mate"] = mate.URL

	allCode := []model.Capability{model.CapabilityPython, model.CapabilityShell, model.CapabilityFilesystem}
	profiles, err := config.NewProfileRegistry([]model.Profile{
		{
			ID: "python-default", IdleTimeoutSeconds: 600, DefaultTTLSeconds: 3600,
			Containers: []model.ContainerSpec{codeSpec("ship", allCode, nil)},
		},
		{
			ID: "browser-python", IdleTimeoutSeconds: 600, DefaultTTLSeconds: 3600,
			Containers: []model.ContainerSpec{
				codeSpec("ship", allCode, nil),
				{
					Name:         "gull",
					Image:        "bay-browser-runtime:latest",
					Resources:    model.Resources{CPU: 1, MemoryMB: 1024},
					RuntimePort:  8001,
					RuntimeType:  model.RuntimeTypeBrowser,
					Capabilities: []model.Capability{model.CapabilityBrowser},
				},
			},
		},
		{
			// Two containers advertise filesystem; mate claims it.
			ID: "dual-code", IdleTimeoutSeconds: 600, DefaultTTLSeconds: 3600,
			Containers: []model.ContainerSpec{
				codeSpec("ship", allCode, nil),
				codeSpec("mate", []model.Capability{model.CapabilityFilesystem},
					[]model.Capability{model.CapabilityFilesystem}),
			},
		},
	})
	require.NoError(t, err)

	sessions := session.NewManager(st, fake, profiles, session.Options{
		ReadinessBudget: 2 * time.Second,
		ProbeInterval:   20 * time.Millisecond,
	})
	rt := New(st, sessions, profiles, 5*time.Second, 30*time.Second)
	return &fixture{store: st, fake: fake, rt: rt, code: code, browser: browser, mate: mate}
}

func (f *fixture) seedSandbox(t *testing.T, id, profileID string) {
	t.Helper()
	ctx := context.Background()
	cargoID := "cgo-" + id
	ref, err := f.fake.CreateVolume(ctx, "bay-cargo-"+cargoID, nil)
	require.NoError(t, err)
	sb := &model.Sandbox{
		ID: id, Owner: "default", ProfileID: profileID,
		CargoID: cargoID, DesiredState: model.DesiredRunning,
	}
	cg := &model.Cargo{
		ID: cargoID, Owner: "default", DriverRef: ref,
		Managed: true, ManagedBySandboxID: &sb.ID, SizeLimitMB: 100,
	}
	require.NoError(t, f.store.CreateSandboxAndCargo(ctx, sb, cg))
}

func TestInvokeRoutesPythonToCodeRuntime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSandbox(t, "sbx-1", "python-default")

	f.code.Handle = func(path string, body []byte) (int, any) {
		return 200, map[string]any{"stdout": "2\n", "stderr": "", "exit_code": 0}
	}

	out, err := f.rt.Invoke(ctx, "sbx-1", model.CapabilityPython, "exec",
		[]byte(`{"code":"print(1+1)"}`), 0)
	require.NoError(t, err)

	var resp struct {
		Stdout string `json:"stdout"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "2\n", resp.Stdout)

	calls := f.code.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/python/exec", calls[0].Path)
}

func TestInvokeRoutesBrowserToBrowserRuntime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSandbox(t, "sbx-1", "browser-python")

	_, err := f.rt.Invoke(ctx, "sbx-1", model.CapabilityBrowser, "exec",
		[]byte(`{"cmd":"screenshot /workspace/p.png"}`), 0)
	require.NoError(t, err)

	calls := f.browser.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/exec", calls[0].Path)
	assert.Empty(t, f.code.Calls())

	// Follow-up python call on the same sandbox lands on ship, same
	// session.
	_, err = f.rt.Invoke(ctx, "sbx-1", model.CapabilityPython, "exec",
		[]byte(`{"code":"import os"}`), 0)
	require.NoError(t, err)
	require.Len(t, f.code.Calls(), 1)
	assert.Equal(t, 2, f.fake.ContainerCount())
}

func TestInvokeCapabilityNotSupported(t *testing.T) {
	f := newFixture(t)
	f.seedSandbox(t, "sbx-1", "python-default")

	_, err := f.rt.Invoke(context.Background(), "sbx-1", model.CapabilityBrowser, "exec",
		[]byte(`{"cmd":"x"}`), 0)
	assert.True(t, errdefs.IsKind(err, errdefs.KindCapabilityNotSupported))
	// Rejected before any session was arranged.
	assert.Equal(t, 0, f.fake.ContainerCount())
}

func TestInvokePrimaryForTieBreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSandbox(t, "sbx-1", "dual-code")

	_, err := f.rt.Invoke(ctx, "sbx-1", model.CapabilityFilesystem, "read",
		[]byte(`{"path":"a.txt"}`), 0)
	require.NoError(t, err)
	require.Len(t, f.mate.Calls(), 1)
	assert.Empty(t, f.code.Calls())

	// Python is unclaimed; profile order picks the first advertiser.
	_, err = f.rt.Invoke(ctx, "sbx-1", model.CapabilityPython, "exec",
		[]byte(`{"code":"1"}`), 0)
	require.NoError(t, err)
	assert.Len(t, f.code.Calls(), 1)
}

func TestInvokeRejectsEscapingPaths(t *testing.T) {
	f := newFixture(t)
	f.seedSandbox(t, "sbx-1", "python-default")

	for _, p := range []string{"../etc/passwd", "a/../../b", "/abs/path"} {
		payload, _ := json.Marshal(map[string]string{"path": p})
		_, err := f.rt.Invoke(context.Background(), "sbx-1", model.CapabilityFilesystem, "read", payload, 0)
		assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidPath), "path %q", p)
	}
	// No session, no fabric call was made.
	assert.Equal(t, 0, f.fake.ContainerCount())
	assert.Empty(t, f.code.Calls())
}

func TestInvokeUnknownOperation(t *testing.T) {
	f := newFixture(t)
	f.seedSandbox(t, "sbx-1", "python-default")

	_, err := f.rt.Invoke(context.Background(), "sbx-1", model.CapabilityPython, "format",
		[]byte(`{}`), 0)
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
}

func TestInvokeDegradedCapability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSandbox(t, "sbx-1", "browser-python")

	// Arrange the session, then crash the browser container and let the
	// next call observe the degradation.
	_, err := f.rt.Invoke(ctx, "sbx-1", model.CapabilityBrowser, "exec",
		[]byte(`{"cmd":"x"}`), 0)
	require.NoError(t, err)

	ses, err := f.store.LiveSessionForSandbox(ctx, "sbx-1")
	require.NoError(t, err)
	f.fake.SetStatus(ses.Containers[1].ContainerID, driver.StatusExited)

	// Mark degraded the way GC's observe pass would.
	ses.Containers[1].ObservedStatus = string(driver.StatusExited)
	ses.ObservedState = model.SessionDegraded
	ses.UnavailableCaps = []model.Capability{model.CapabilityBrowser}
	require.NoError(t, f.store.UpdateSession(ctx, ses))

	_, err = f.rt.Invoke(ctx, "sbx-1", model.CapabilityBrowser, "exec",
		[]byte(`{"cmd":"x"}`), 0)
	assert.True(t, errdefs.IsKind(err, errdefs.KindSessionNotReady))

	// Capabilities served by the surviving container keep working.
	_, err = f.rt.Invoke(ctx, "sbx-1", model.CapabilityPython, "exec",
		[]byte(`{"code":"1"}`), 0)
	require.NoError(t, err)
}

func TestInvokeTombstonedSandbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSandbox(t, "sbx-1", "python-default")

	_, err := f.store.MutateSandbox(ctx, "sbx-1", func(sb *model.Sandbox) error {
		now := time.Now().UTC()
		sb.DeletedAt = &now
		return nil
	})
	require.NoError(t, err)

	_, err = f.rt.Invoke(ctx, "sbx-1", model.CapabilityPython, "exec", []byte(`{"code":"1"}`), 0)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}
