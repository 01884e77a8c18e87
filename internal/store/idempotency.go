package store

import (
	"context"
	"time"

	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/model"
)

// GetIdempotency loads the record for (owner, key). Expired records are
// treated as absent so a purge race cannot resurrect a stale response.
func (s *Store) GetIdempotency(ctx context.Context, owner, key string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT key, owner, request_fingerprint, response_status, response_body, expires_at
		 FROM idempotency_keys WHERE owner = ? AND key = ? AND expires_at > ?`,
		owner, key, now())
	if err != nil {
		return nil, notFoundOr(err, errdefs.KindTransient, "idempotency key %s not found", key)
	}
	return &rec, nil
}

// PutIdempotency stores the outcome of a keyed request. First writer wins;
// a concurrent duplicate insert is ignored because the stored response is
// what both callers will replay.
func (s *Store) PutIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys
		 (key, owner, request_fingerprint, response_status, response_body, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (owner, key) DO NOTHING`,
		rec.Key, rec.Owner, rec.RequestFingerprint, rec.ResponseStatus,
		rec.ResponseBody, rec.ExpiresAt.UTC())
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "store idempotency key %s", rec.Key)
	}
	return nil
}

// PurgeExpiredIdempotency drops records past their retention window.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at <= ?`, at.UTC())
	if err != nil {
		return 0, errdefs.Wrap(err, errdefs.KindTransient, "purge idempotency keys")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
