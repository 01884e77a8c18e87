// Package api is Bay's HTTP surface: the versioned /v1 resource routes,
// bearer-token auth, idempotency replay, and the mapping from the error
// taxonomy to status codes. Handlers translate and delegate; no
// orchestration logic lives here.
package api

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RC-CHN/bay/internal/cargo"
	"github.com/RC-CHN/bay/internal/config"
	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/gc"
	"github.com/RC-CHN/bay/internal/model"
	"github.com/RC-CHN/bay/internal/router"
	"github.com/RC-CHN/bay/internal/sandbox"
	"github.com/RC-CHN/bay/internal/store"
)

// defaultOwner is the principal behind the single configured API key.
const defaultOwner = "default"

// Handler wires the managers to the HTTP surface.
type Handler struct {
	store     *store.Store
	sandboxes *sandbox.Manager
	cargos    *cargo.Manager
	router    *router.Router
	gc        *gc.Scheduler
	profiles  *config.ProfileRegistry

	apiKey               string
	idempotencyRetention time.Duration
	gatherer             prometheus.Gatherer
}

// NewHandler builds the API handler. gatherer may be nil to drop /metrics.
func NewHandler(st *store.Store, sandboxes *sandbox.Manager, cargos *cargo.Manager, rt *router.Router, gcs *gc.Scheduler, profiles *config.ProfileRegistry, apiKey string, idempotencyRetention time.Duration, gatherer prometheus.Gatherer) *Handler {
	if idempotencyRetention <= 0 {
		idempotencyRetention = 24 * time.Hour
	}
	return &Handler{
		store:                st,
		sandboxes:            sandboxes,
		cargos:               cargos,
		router:               rt,
		gc:                   gcs,
		profiles:             profiles,
		apiKey:               apiKey,
		idempotencyRetention: idempotencyRetention,
		gatherer:             gatherer,
	}
}

// RegisterRoutes attaches every route to e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.health)
	if h.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := e.Group("/v1", h.authMiddleware)

	v1.POST("/sandboxes", h.createSandbox)
	v1.GET("/sandboxes", h.listSandboxes)
	v1.GET("/sandboxes/:id", h.getSandbox)
	v1.DELETE("/sandboxes/:id", h.deleteSandbox)
	v1.POST("/sandboxes/:id/stop", h.stopSandbox)
	v1.POST("/sandboxes/:id/keepalive", h.keepalive)
	v1.POST("/sandboxes/:id/extend_ttl", h.extendTTL)
	v1.POST("/sandboxes/:id/:capability/:operation", h.capabilityCall)

	v1.POST("/cargos", h.createCargo)
	v1.GET("/cargos", h.listCargos)
	v1.GET("/cargos/:id", h.getCargo)
	v1.DELETE("/cargos/:id", h.deleteCargo)

	v1.GET("/profiles", h.listProfiles)

	v1.GET("/admin/gc/status", h.gcStatus)
	v1.POST("/admin/gc/run", h.gcRun)
}

func (h *Handler) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.apiKey == "" {
			c.Set("owner", defaultOwner)
			return next(c)
		}
		auth := c.Request().Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || auth[len(prefix):] != h.apiKey {
			return h.writeError(c, errdefs.New(errdefs.KindUnauthorized, "invalid or missing bearer token"))
		}
		c.Set("owner", defaultOwner)
		return next(c)
	}
}

func owner(c echo.Context) string {
	if v, ok := c.Get("owner").(string); ok {
		return v
	}
	return defaultOwner
}

// writeError maps the taxonomy to status and renders {code, message,
// details}. Details are bounded by construction.
func (h *Handler) writeError(c echo.Context, err error) error {
	kind := errdefs.KindOf(err)
	body := map[string]any{
		"code":    string(kind),
		"message": err.Error(),
	}
	var tagged *errdefs.Error
	if errors.As(err, &tagged) {
		body["message"] = tagged.Message
		if len(tagged.Details) > 0 {
			body["details"] = tagged.Details
		}
	}
	return c.JSON(errdefs.HTTPStatus(kind), body)
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// --- sandboxes ---

type createSandboxRequest struct {
	ProfileID   string `json:"profile_id"`
	CargoID     string `json:"cargo_id,omitempty"`
	TTLSeconds  *int64 `json:"ttl_seconds,omitempty"`
	SizeLimitMB int64  `json:"size_limit_mb,omitempty"`
}

func (h *Handler) createSandbox(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.writeError(c, errdefs.New(errdefs.KindValidation, "unreadable request body"))
	}
	var req createSandboxRequest
	if err := unmarshalStrictBody(body, &req); err != nil {
		return h.writeError(c, err)
	}

	return h.withIdempotency(c, body, func() (int, any, error) {
		sb, err := h.sandboxes.Create(c.Request().Context(), sandbox.CreateParams{
			Owner:       owner(c),
			ProfileID:   req.ProfileID,
			CargoID:     req.CargoID,
			TTLSeconds:  req.TTLSeconds,
			SizeLimitMB: req.SizeLimitMB,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, sandboxView(sb), nil
	})
}

func (h *Handler) getSandbox(c echo.Context) error {
	sb, err := h.sandboxes.Get(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, sandboxView(sb))
}

func (h *Handler) listSandboxes(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	list, err := h.sandboxes.List(c.Request().Context(), owner(c), c.QueryParam("cursor"), limit)
	if err != nil {
		return h.writeError(c, err)
	}
	views := make([]map[string]any, 0, len(list))
	for _, sb := range list {
		views = append(views, sandboxView(sb))
	}
	resp := map[string]any{"sandboxes": views}
	if len(list) > 0 {
		resp["next_cursor"] = list[len(list)-1].ID
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) deleteSandbox(c echo.Context) error {
	if err := h.sandboxes.Delete(c.Request().Context(), owner(c), c.Param("id")); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) stopSandbox(c echo.Context) error {
	if err := h.sandboxes.Stop(c.Request().Context(), owner(c), c.Param("id")); err != nil {
		return h.writeError(c, err)
	}
	sb, err := h.sandboxes.Get(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, sandboxView(sb))
}

func (h *Handler) keepalive(c echo.Context) error {
	sb, err := h.sandboxes.Keepalive(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, sandboxView(sb))
}

type extendTTLRequest struct {
	Seconds int64 `json:"seconds"`
}

func (h *Handler) extendTTL(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.writeError(c, errdefs.New(errdefs.KindValidation, "unreadable request body"))
	}
	var req extendTTLRequest
	if err := unmarshalStrictBody(body, &req); err != nil {
		return h.writeError(c, err)
	}

	return h.withIdempotency(c, body, func() (int, any, error) {
		sb, err := h.sandboxes.ExtendTTL(c.Request().Context(), owner(c), c.Param("id"), req.Seconds)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, sandboxView(sb), nil
	})
}

// sandboxView is the public projection. Backing container and session
// identifiers are not exposed.
func sandboxView(sb *model.Sandbox) map[string]any {
	view := map[string]any{
		"id":         sb.ID,
		"profile_id": sb.ProfileID,
		"cargo_id":   sb.CargoID,
		"status":     sb.Status(),
		"created_at": sb.CreatedAt,
	}
	if sb.TTLSeconds != nil {
		view["ttl_seconds"] = *sb.TTLSeconds
	}
	if sb.ExpiresAt != nil {
		view["expires_at"] = sb.ExpiresAt
	}
	if sb.IdleExpiresAt != nil {
		view["idle_expires_at"] = sb.IdleExpiresAt
	}
	return view
}

// --- capability calls ---

func (h *Handler) capabilityCall(c echo.Context) error {
	ctx := c.Request().Context()
	cap := model.Capability(c.Param("capability"))
	operation := c.Param("operation")

	// Ownership gate before any routing.
	if _, err := h.sandboxes.Get(ctx, owner(c), c.Param("id")); err != nil {
		return h.writeError(c, err)
	}

	var payload []byte
	if cap == model.CapabilityFilesystem && operation == "upload" {
		converted, err := multipartToUpload(c)
		if err != nil {
			return h.writeError(c, err)
		}
		payload = converted
	} else {
		raw, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return h.writeError(c, errdefs.New(errdefs.KindValidation, "unreadable request body"))
		}
		payload = raw
	}

	var timeout time.Duration
	if t := c.QueryParam("timeout_seconds"); t != "" {
		secs, err := strconv.Atoi(t)
		if err != nil || secs <= 0 {
			return h.writeError(c, errdefs.New(errdefs.KindValidation, "invalid timeout_seconds"))
		}
		timeout = time.Duration(secs) * time.Second
	}

	out, err := h.router.Invoke(ctx, c.Param("id"), cap, operation, payload, timeout)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSONBlob(http.StatusOK, out)
}

// multipartToUpload converts a multipart upload into the runtime's JSON
// contract: {path, content_base64}.
func multipartToUpload(c echo.Context) ([]byte, error) {
	relPath := c.FormValue("path")
	if err := cargo.ValidateRelPath(relPath); err != nil {
		return nil, err
	}
	file, err := c.FormFile("file")
	if err != nil {
		return nil, errdefs.New(errdefs.KindValidation, "multipart field 'file' required")
	}
	src, err := file.Open()
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindValidation, "open uploaded file")
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindValidation, "read uploaded file")
	}
	return marshalBody(map[string]any{
		"path":           relPath,
		"content_base64": base64.StdEncoding.EncodeToString(data),
	})
}

// --- cargos ---

type createCargoRequest struct {
	SizeLimitMB int64 `json:"size_limit_mb,omitempty"`
}

func (h *Handler) createCargo(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.writeError(c, errdefs.New(errdefs.KindValidation, "unreadable request body"))
	}
	var req createCargoRequest
	if err := unmarshalStrictBody(body, &req); err != nil {
		return h.writeError(c, err)
	}

	return h.withIdempotency(c, body, func() (int, any, error) {
		cg, err := h.cargos.Create(c.Request().Context(), owner(c), req.SizeLimitMB)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, cg, nil
	})
}

func (h *Handler) listCargos(c echo.Context) error {
	list, err := h.cargos.List(c.Request().Context(), owner(c))
	if err != nil {
		return h.writeError(c, err)
	}
	if list == nil {
		list = []*model.Cargo{}
	}
	return c.JSON(http.StatusOK, map[string]any{"cargos": list})
}

func (h *Handler) getCargo(c echo.Context) error {
	cg, err := h.cargos.Get(c.Request().Context(), owner(c), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, cg)
}

func (h *Handler) deleteCargo(c echo.Context) error {
	if err := h.cargos.Delete(c.Request().Context(), owner(c), c.Param("id")); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// --- profiles / admin ---

func (h *Handler) listProfiles(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"profiles": h.profiles.List()})
}

func (h *Handler) gcStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"tasks": h.gc.Status()})
}

type gcRunRequest struct {
	Task string `json:"task"`
}

func (h *Handler) gcRun(c echo.Context) error {
	var req gcRunRequest
	if err := c.Bind(&req); err != nil {
		return h.writeError(c, errdefs.New(errdefs.KindValidation, "invalid request"))
	}
	ctx := c.Request().Context()
	if req.Task == "" || req.Task == "all" {
		h.gc.RunAll(ctx)
	} else if err := h.gc.RunTask(ctx, req.Task); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": h.gc.Status()})
}
