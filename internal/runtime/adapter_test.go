package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/model"
)

func TestCompatibleAPIVersion(t *testing.T) {
	compatible := []string{"1", "1.0", "1.7", "v1.2"}
	for _, v := range compatible {
		assert.True(t, CompatibleAPIVersion(v), "version %q", v)
	}
	incompatible := []string{"2", "2.0", "0.9", "v2", "garbage", ""}
	for _, v := range incompatible {
		assert.False(t, CompatibleAPIVersion(v), "version %q", v)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/meta", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"runtime": {"name": "bay-code-runtime", "version": "0.3.1", "api_version": "1.2"},
			"workspace": {"mount_path": "/workspace"},
			"capabilities": {"python": {"operations": ["exec"]}, "shell": {"operations": ["exec"]}}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, model.RuntimeTypeCode, time.Second)
	desc, err := c.Meta(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bay-code-runtime", desc.Runtime.Name)
	assert.Equal(t, "/workspace", desc.Workspace.MountPath)
	assert.True(t, desc.HasCapability(model.CapabilityPython))
	assert.False(t, desc.HasCapability(model.CapabilityBrowser))
}

func TestInvokePathMapping(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	code := NewClient(srv.URL, model.RuntimeTypeCode, time.Second)
	_, err := code.Invoke(context.Background(), model.CapabilityPython, "exec", []byte(`{}`), 0)
	require.NoError(t, err)
	assert.Equal(t, "/python/exec", gotPath)

	_, err = code.Invoke(context.Background(), model.CapabilityFilesystem, "read", []byte(`{"path":"a"}`), 0)
	require.NoError(t, err)
	assert.Equal(t, "/filesystem/read", gotPath)

	// The browser runtime collapses everything onto /exec.
	browser := NewClient(srv.URL, model.RuntimeTypeBrowser, time.Second)
	_, err = browser.Invoke(context.Background(), model.CapabilityBrowser, "exec", []byte(`{"cmd":"x"}`), 0)
	require.NoError(t, err)
	assert.Equal(t, "/exec", gotPath)
}

func TestInvokeErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   errdefs.Kind
	}{
		{"recognized 4xx keeps its kind", 400, `{"code":"invalid_path","message":"path escapes workspace"}`, errdefs.KindInvalidPath},
		{"unrecognized 4xx is a runtime error", 400, `oops`, errdefs.KindRuntime},
		{"5xx is a runtime error", 500, `{"code":"internal"}`, errdefs.KindRuntime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, model.RuntimeTypeCode, time.Second)
			_, err := c.Invoke(context.Background(), model.CapabilityPython, "exec", []byte(`{}`), 0)
			require.Error(t, err)
			assert.Equal(t, tt.want, errdefs.KindOf(err))
		})
	}
}

func TestInvokeConnectionRefusedIsTransient(t *testing.T) {
	// A closed server gives connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, model.RuntimeTypeCode, time.Second)
	_, err := c.Invoke(context.Background(), model.CapabilityPython, "exec", []byte(`{}`), 0)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindTransient, errdefs.KindOf(err))
}

func TestInvokeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, model.RuntimeTypeCode, time.Second)
	_, err := c.Invoke(context.Background(), model.CapabilityPython, "exec", []byte(`{}`), 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindTimeout, errdefs.KindOf(err))
}

func TestHealth(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, model.RuntimeTypeCode, time.Second)
	assert.NoError(t, c.Health(context.Background()))

	healthy = false
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, errdefs.KindTransient, errdefs.KindOf(err))
}

func TestInvokeReturnsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"stdout":"2\n","stderr":"","exit_code":0}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, model.RuntimeTypeCode, time.Second)
	out, err := c.Invoke(context.Background(), model.CapabilityPython, "exec",
		[]byte(`{"code":"print(1+1)"}`), 0)
	require.NoError(t, err)

	var resp struct {
		Stdout   string `json:"stdout"`
		ExitCode int    `json:"exit_code"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "2\n", resp.Stdout)
	assert.Equal(t, 0, resp.ExitCode)
}
