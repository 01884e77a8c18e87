package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/model"
)

// sessionRow is the flat db shape; container list and lost capabilities are
// stored as JSON columns.
type sessionRow struct {
	ID               string             `db:"id"`
	SandboxID        string             `db:"sandbox_id"`
	RuntimeNetworkID string             `db:"runtime_network_id"`
	Containers       string             `db:"containers"`
	ObservedState    model.SessionState `db:"observed_state"`
	DesiredState     model.DesiredState `db:"desired_state"`
	UnavailableCaps  string             `db:"unavailable_caps"`
	LastObservedAt   time.Time          `db:"last_observed_at"`
	LastActiveAt     time.Time          `db:"last_active_at"`
	CreatedAt        time.Time          `db:"created_at"`
	SkillsInjectedAt *time.Time         `db:"skills_injected_at"`
}

func toSessionRow(ses *model.Session) *sessionRow {
	return &sessionRow{
		ID:               ses.ID,
		SandboxID:        ses.SandboxID,
		RuntimeNetworkID: ses.RuntimeNetworkID,
		Containers:       marshalJSON(ses.Containers),
		ObservedState:    ses.ObservedState,
		DesiredState:     ses.DesiredState,
		UnavailableCaps:  marshalJSON(ses.UnavailableCaps),
		LastObservedAt:   ses.LastObservedAt,
		LastActiveAt:     ses.LastActiveAt,
		CreatedAt:        ses.CreatedAt,
		SkillsInjectedAt: ses.SkillsInjectedAt,
	}
}

func (r *sessionRow) toModel() *model.Session {
	ses := &model.Session{
		ID:               r.ID,
		SandboxID:        r.SandboxID,
		RuntimeNetworkID: r.RuntimeNetworkID,
		ObservedState:    r.ObservedState,
		DesiredState:     r.DesiredState,
		LastObservedAt:   r.LastObservedAt,
		LastActiveAt:     r.LastActiveAt,
		CreatedAt:        r.CreatedAt,
		SkillsInjectedAt: r.SkillsInjectedAt,
	}
	unmarshalJSON(r.Containers, &ses.Containers)
	unmarshalJSON(r.UnavailableCaps, &ses.UnavailableCaps)
	return ses
}

const sessionCols = `id, sandbox_id, runtime_network_id, containers,
	observed_state, desired_state, unavailable_caps, last_observed_at,
	last_active_at, created_at, skills_injected_at`

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, ses *model.Session) error {
	t := now()
	ses.CreatedAt = t
	ses.LastObservedAt = t
	ses.LastActiveAt = t
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO sessions (`+sessionCols+`) VALUES
		 (:id, :sandbox_id, :runtime_network_id, :containers,
		  :observed_state, :desired_state, :unavailable_caps, :last_observed_at,
		  :last_active_at, :created_at, :skills_injected_at)`,
		toSessionRow(ses))
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "insert session %s", ses.ID)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, notFoundOr(err, errdefs.KindTransient, "session %s not found", id)
	}
	return row.toModel(), nil
}

// UpdateSession writes the full session row back.
func (s *Store) UpdateSession(ctx context.Context, ses *model.Session) error {
	ses.LastObservedAt = now()
	_, err := s.db.NamedExecContext(ctx,
		`UPDATE sessions SET runtime_network_id=:runtime_network_id,
		 containers=:containers, observed_state=:observed_state,
		 desired_state=:desired_state, unavailable_caps=:unavailable_caps,
		 last_observed_at=:last_observed_at, last_active_at=:last_active_at,
		 skills_injected_at=:skills_injected_at
		 WHERE id=:id`, toSessionRow(ses))
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "update session %s", ses.ID)
	}
	return nil
}

// DeleteSession removes a session row. Missing rows are not an error: stop
// and GC both converge on the same end state.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "delete session %s", id)
	}
	return nil
}

// LiveSessionForSandbox returns the session in a live state for the sandbox,
// or NotFound. At most one such session exists at any instant.
func (s *Store) LiveSessionForSandbox(ctx context.Context, sandboxID string) (*model.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE sandbox_id = ? AND observed_state IN (?, ?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		sandboxID, model.SessionStarting, model.SessionRunning, model.SessionDegraded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errdefs.New(errdefs.KindNotFound, "no live session for sandbox %s", sandboxID)
		}
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "query live session")
	}
	return row.toModel(), nil
}

// ListLiveSessions returns every session in a live state, for the idle reaper.
func (s *Store) ListLiveSessions(ctx context.Context) ([]*model.Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE observed_state IN (?, ?, ?) ORDER BY last_active_at`,
		model.SessionStarting, model.SessionRunning, model.SessionDegraded)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "list live sessions")
	}
	out := make([]*model.Session, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// PurgeDeadSessions drops failed and stopped session rows past the audit
// window.
func (s *Store) PurgeDeadSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE observed_state IN (?, ?) AND last_observed_at < ?`,
		model.SessionFailed, model.SessionStopped, before)
	if err != nil {
		return 0, errdefs.Wrap(err, errdefs.KindTransient, "purge dead sessions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TouchSessionActive bumps last_active_at. Plain write, no lock required.
func (s *Store) TouchSessionActive(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "touch session %s", id)
	}
	return nil
}
