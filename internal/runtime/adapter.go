// Package runtime is the HTTP adapter for in-container runtime sidecars.
//
// Each sidecar is self-describing: GET /health answers liveness and
// readiness, GET /meta returns the runtime description, and a set of
// capability endpoints carries the actual work. The adapter is pure
// transport with fault mapping — it never retries and never touches the
// metadata store.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/model"
)

// APIMajor is the runtime protocol major version Bay speaks. A runtime
// advertising a different major is incompatible; a higher minor is fine.
const APIMajor = 1

// Description is the payload of GET /meta.
type Description struct {
	Runtime struct {
		Name       string `json:"name"`
		Version    string `json:"version"`
		APIVersion string `json:"api_version"`
	} `json:"runtime"`
	Workspace struct {
		MountPath string `json:"mount_path"`
	} `json:"workspace"`
	Capabilities map[string]struct {
		Operations []string `json:"operations"`
	} `json:"capabilities"`
}

// HasCapability reports whether the runtime advertises cap.
func (d *Description) HasCapability(cap model.Capability) bool {
	_, ok := d.Capabilities[string(cap)]
	return ok
}

// CompatibleAPIVersion checks the advertised version against APIMajor.
func CompatibleAPIVersion(advertised string) bool {
	major := strings.SplitN(strings.TrimPrefix(advertised, "v"), ".", 2)[0]
	n, err := strconv.Atoi(major)
	return err == nil && n == APIMajor
}

// Client speaks one runtime instance's protocol. One Client per container
// endpoint; construction is cheap.
type Client struct {
	endpoint    string
	runtimeType model.RuntimeType
	httpc       *http.Client
}

// NewClient builds an adapter for the runtime at endpoint. timeout is the
// default per-call budget; Invoke can override it per call.
func NewClient(endpoint string, runtimeType model.RuntimeType, timeout time.Duration) *Client {
	return &Client{
		endpoint:    strings.TrimRight(endpoint, "/"),
		runtimeType: runtimeType,
		httpc:       &http.Client{Timeout: timeout},
	}
}

// Health probes GET /health. Any non-2xx answer or transport fault means
// not ready.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindInternal, "build health request")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return mapTransportErr(err, "health probe")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errdefs.New(errdefs.KindTransient, "runtime health returned %d", resp.StatusCode)
	}
	return nil
}

// Meta fetches and parses GET /meta.
func (c *Client) Meta(ctx context.Context) (*Description, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/meta", nil)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindInternal, "build meta request")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, mapTransportErr(err, "fetch meta")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errdefs.New(errdefs.KindRuntime, "runtime meta returned %d", resp.StatusCode)
	}
	var desc Description
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindRuntime, "decode meta body")
	}
	return &desc, nil
}

// operationPath maps a logical (capability, operation) to the runtime's
// endpoint. The browser runtime exposes a single /exec; the code runtime
// nests operations under the capability.
func (c *Client) operationPath(cap model.Capability, operation string) string {
	if c.runtimeType == model.RuntimeTypeBrowser {
		return "/exec"
	}
	return fmt.Sprintf("/%s/%s", cap, operation)
}

// Invoke posts a capability operation and returns the raw response body.
// timeout, when positive, bounds this call; otherwise the client default
// applies.
func (c *Client) Invoke(ctx context.Context, cap model.Capability, operation string, payload []byte, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if payload == nil {
		payload = []byte("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+c.operationPath(cap, operation), bytes.NewReader(payload))
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindInternal, "build %s/%s request", cap, operation)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, mapTransportErr(err, "%s/%s", cap, operation)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "read %s/%s response", cap, operation)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, mapStatusErr(resp.StatusCode, body)
}

// mapTransportErr folds connection and read faults into the taxonomy:
// timeouts are Timeout, everything else on the wire is Transient.
func mapTransportErr(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return errdefs.Wrap(err, errdefs.KindTimeout, "%s timed out", msg)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errdefs.Wrap(err, errdefs.KindTimeout, "%s timed out", msg)
	}
	return errdefs.Wrap(err, errdefs.KindTransient, "%s failed", msg)
}

// mapStatusErr maps a non-2xx runtime answer. A 4xx with a recognized
// {code, message} body keeps its kind; 5xx or unparseable bodies are
// RuntimeError.
func mapStatusErr(status int, body []byte) error {
	if status >= 400 && status < 500 {
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Code != "" {
			return errdefs.New(errdefs.Kind(parsed.Code), "%s", parsed.Message)
		}
	}
	return errdefs.New(errdefs.KindRuntime, "runtime returned %d", status)
}
