package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/model"
)

// idempotencyHeader carries the caller-chosen replay key.
const idempotencyHeader = "Idempotency-Key"

// fingerprint hashes method+path+body. A replayed key must present the same
// fingerprint; a mismatch is a client bug surfaced as Conflict.
func fingerprint(method, path string, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(method))
	sum.Write([]byte{0})
	sum.Write([]byte(path))
	sum.Write([]byte{0})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

// withIdempotency runs fn under the request's Idempotency-Key, if present.
// The stored response is replayed byte-identically for repeated requests
// within the retention window. Failed attempts are not recorded, so the
// caller may retry them with the same key.
func (h *Handler) withIdempotency(c echo.Context, body []byte, fn func() (int, any, error)) error {
	key := c.Request().Header.Get(idempotencyHeader)
	if key == "" {
		status, payload, err := fn()
		if err != nil {
			return h.writeError(c, err)
		}
		return c.JSON(status, payload)
	}

	ctx := c.Request().Context()
	own := owner(c)
	fp := fingerprint(c.Request().Method, c.Request().URL.Path, body)

	rec, err := h.store.GetIdempotency(ctx, own, key)
	if err == nil {
		if rec.RequestFingerprint != fp {
			return h.writeError(c, errdefs.New(errdefs.KindConflict,
				"idempotency key %s was used with a different request", key))
		}
		return c.JSONBlob(rec.ResponseStatus, rec.ResponseBody)
	}
	if !errdefs.IsKind(err, errdefs.KindNotFound) {
		return h.writeError(c, err)
	}

	status, payload, err := fn()
	if err != nil {
		return h.writeError(c, err)
	}
	blob, err := marshalBody(payload)
	if err != nil {
		return h.writeError(c, err)
	}

	if err := h.store.PutIdempotency(ctx, &model.IdempotencyRecord{
		Key:                key,
		Owner:              own,
		RequestFingerprint: fp,
		ResponseStatus:     status,
		ResponseBody:       blob,
		ExpiresAt:          time.Now().Add(h.idempotencyRetention),
	}); err != nil {
		return h.writeError(c, err)
	}
	// Serve the stored record: if a concurrent twin won the insert, both
	// callers replay the same bytes.
	if stored, err := h.store.GetIdempotency(ctx, own, key); err == nil {
		return c.JSONBlob(stored.ResponseStatus, stored.ResponseBody)
	}
	return c.JSONBlob(status, blob)
}

func marshalBody(payload any) ([]byte, error) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindInternal, "encode response")
	}
	return blob, nil
}

// unmarshalStrictBody decodes a JSON body, tolerating an empty one.
func unmarshalStrictBody(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errdefs.New(errdefs.KindValidation, "malformed JSON body")
	}
	return nil
}
