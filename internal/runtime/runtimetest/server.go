// Package runtimetest provides a canned runtime sidecar for tests: the
// /health and /meta contract plus programmable capability endpoints.
package runtimetest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Call records one capability request the server received.
type Call struct {
	Path string
	Body []byte
}

// Server is an httptest-backed runtime sidecar.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	healthy bool
	calls   []Call

	// Name, APIVersion, and MountPath feed /meta; tests overwrite them to
	// simulate incompatible runtimes.
	Name       string
	APIVersion string
	MountPath  string
	// Capabilities maps capability name to advertised operations.
	Capabilities map[string][]string

	// Handle, when set, serves every capability request. Return the status
	// and a JSON-marshalable body. When nil, requests get a zeroed
	// {stdout, stderr, exit_code} answer.
	Handle func(path string, body []byte) (int, any)
}

// New starts a sidecar advertising the given capabilities.
func New(name string, capabilities map[string][]string) *Server {
	s := &Server{
		healthy:      true,
		Name:         name,
		APIVersion:   "1.0",
		MountPath:    "/workspace",
		Capabilities: capabilities,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// NewCode starts a code-runtime sidecar (python, shell, filesystem).
func NewCode() *Server {
	return New("bay-code-runtime", map[string][]string{
		"python":     {"exec"},
		"shell":      {"exec"},
		"filesystem": {"read", "write", "list", "delete", "upload", "download"},
	})
}

// NewBrowser starts a browser-runtime sidecar.
func NewBrowser() *Server {
	return New("bay-browser-runtime", map[string][]string{
		"browser": {"exec"},
	})
}

// SetHealthy flips the /health answer.
func (s *Server) SetHealthy(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = ok
}

// Calls returns a copy of the recorded capability requests.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		s.mu.Lock()
		ok := s.healthy
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	case "/meta":
		caps := map[string]any{}
		for name, ops := range s.Capabilities {
			caps[name] = map[string]any{"operations": ops}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"runtime": map[string]any{
				"name":        s.Name,
				"version":     "0.1.0",
				"api_version": s.APIVersion,
			},
			"workspace":    map[string]any{"mount_path": s.MountPath},
			"capabilities": caps,
		})
	default:
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.calls = append(s.calls, Call{Path: r.URL.Path, Body: body})
		handle := s.Handle
		s.mu.Unlock()
		if handle != nil {
			status, resp := handle(r.URL.Path, body)
			writeJSON(w, status, resp)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"stdout": "", "stderr": "", "exit_code": 0,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
