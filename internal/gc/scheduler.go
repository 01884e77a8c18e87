// Package gc runs the periodic reconcilers. Failures that leave dangling
// containers, networks, or cargos are inevitable — a crash mid-compensation,
// a process kill between store commit and fabric call — so cleanup is not
// event-driven: four independent reapers treat the store as desired state
// and the fabric as observed, converging the two each cycle.
//
// Every task pulls candidates from the store, takes the per-sandbox lock for
// each target, rechecks the predicate under the lock, and acts. Tasks are
// idempotent; a partial failure logs a warning and the candidate comes back
// next cycle.
package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/RC-CHN/bay/internal/cargo"
	"github.com/RC-CHN/bay/internal/config"
	"github.com/RC-CHN/bay/internal/driver"
	"github.com/RC-CHN/bay/internal/errdefs"
	"github.com/RC-CHN/bay/internal/model"
	"github.com/RC-CHN/bay/internal/sandbox"
	"github.com/RC-CHN/bay/internal/session"
	"github.com/RC-CHN/bay/internal/store"
)

// Task names, used by the admin trigger.
const (
	TaskIdleSessions     = "idle_sessions"
	TaskExpiredSandboxes = "expired_sandboxes"
	TaskOrphanCargos     = "orphan_cargos"
	TaskOrphanResources  = "orphan_resources"
)

// Tasks lists every reaper in run order.
var Tasks = []string{TaskIdleSessions, TaskExpiredSandboxes, TaskOrphanCargos, TaskOrphanResources}

// Options tunes the scheduler.
type Options struct {
	Interval time.Duration
	// OrphanGrace protects freshly created fabric resources from racing
	// an in-flight create.
	OrphanGrace          time.Duration
	TombstoneRetention   time.Duration
	IdempotencyRetention time.Duration
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 300 * time.Second
	}
	if o.OrphanGrace <= 0 {
		o.OrphanGrace = 60 * time.Second
	}
	if o.TombstoneRetention <= 0 {
		o.TombstoneRetention = 15 * time.Minute
	}
	if o.IdempotencyRetention <= 0 {
		o.IdempotencyRetention = 24 * time.Hour
	}
}

// TaskStatus is the admin view of one reaper.
type TaskStatus struct {
	LastRunAt   time.Time `json:"last_run_at"`
	LastReaped  int       `json:"last_reaped"`
	TotalReaped int64     `json:"total_reaped"`
	TotalErrors int64     `json:"total_errors"`
}

// Scheduler drives the reapers.
type Scheduler struct {
	store     *store.Store
	drv       driver.Driver
	sessions  *session.Manager
	sandboxes *sandbox.Manager
	cargos    *cargo.Manager
	profiles  *config.ProfileRegistry
	locks     *session.LockTable
	opts      Options

	runsTotal   *prometheus.CounterVec
	reapedTotal *prometheus.CounterVec
	errorsTotal *prometheus.CounterVec

	mu     sync.Mutex
	status map[string]*TaskStatus
}

// NewScheduler wires the reapers. reg may be nil to skip metric
// registration (tests).
func NewScheduler(st *store.Store, drv driver.Driver, sessions *session.Manager, sandboxes *sandbox.Manager, cargos *cargo.Manager, profiles *config.ProfileRegistry, opts Options, reg prometheus.Registerer) *Scheduler {
	opts.defaults()
	s := &Scheduler{
		store:     st,
		drv:       drv,
		sessions:  sessions,
		sandboxes: sandboxes,
		cargos:    cargos,
		profiles:  profiles,
		locks:     sessions.Locks(),
		opts:      opts,
		status:    make(map[string]*TaskStatus),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bay_gc_runs_total",
			Help: "GC task executions.",
		}, []string{"task"}),
		reapedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bay_gc_reaped_total",
			Help: "Resources reclaimed by GC.",
		}, []string{"task"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bay_gc_errors_total",
			Help: "GC task failures.",
		}, []string{"task"}),
	}
	for _, t := range Tasks {
		s.status[t] = &TaskStatus{}
	}
	if reg != nil {
		reg.MustRegister(s.runsTotal, s.reapedTotal, s.errorsTotal)
	}
	return s
}

// Run loops until ctx is done, executing every task each interval.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll executes every task once, in order. Used for the startup
// reconcile pass and the periodic tick.
func (s *Scheduler) RunAll(ctx context.Context) {
	for _, t := range Tasks {
		if err := s.RunTask(ctx, t); err != nil {
			log.Warn().Err(err).Str("task", t).Msg("GC task failed, will retry next cycle")
		}
	}
}

// RunTask executes one task immediately. Exposed through the admin trigger.
func (s *Scheduler) RunTask(ctx context.Context, name string) error {
	var reaped int
	var err error
	switch name {
	case TaskIdleSessions:
		reaped, err = s.reapIdleSessions(ctx)
	case TaskExpiredSandboxes:
		reaped, err = s.reapExpiredSandboxes(ctx)
	case TaskOrphanCargos:
		reaped, err = s.reapOrphanCargos(ctx)
	case TaskOrphanResources:
		reaped, err = s.reapOrphanResources(ctx)
	default:
		return errdefs.New(errdefs.KindValidation, "unknown gc task %q", name)
	}

	s.runsTotal.WithLabelValues(name).Inc()
	s.reapedTotal.WithLabelValues(name).Add(float64(reaped))
	s.mu.Lock()
	st := s.status[name]
	st.LastRunAt = time.Now().UTC()
	st.LastReaped = reaped
	st.TotalReaped += int64(reaped)
	if err != nil {
		st.TotalErrors++
	}
	s.mu.Unlock()
	if err != nil {
		s.errorsTotal.WithLabelValues(name).Inc()
		return err
	}
	if reaped > 0 {
		log.Info().Str("task", name).Int("reaped", reaped).Msg("GC cycle reclaimed resources")
	}
	return nil
}

// Status snapshots all task statuses for the admin endpoint.
func (s *Scheduler) Status() map[string]TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TaskStatus, len(s.status))
	for k, v := range s.status {
		out[k] = *v
	}
	return out
}

// reapIdleSessions stops sessions idle past their profile's window, unless
// a keepalive pushed the sandbox's idle horizon further out.
func (s *Scheduler) reapIdleSessions(ctx context.Context) (int, error) {
	sessions, err := s.store.ListLiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	reaped := 0
	for _, ses := range sessions {
		sb, err := s.store.GetSandbox(ctx, ses.SandboxID)
		if err != nil || sb.Tombstoned() {
			continue // orphan reaper territory
		}
		profile, ok := s.profiles.Get(sb.ProfileID)
		if !ok {
			continue
		}

		// Refresh observed state first; a crashed primary is reaped
		// regardless of idleness.
		ses, err = s.sessions.Observe(ctx, ses)
		if err != nil {
			log.Warn().Err(err).Str("sandbox", sb.ID).Msg("Session observe failed")
			continue
		}
		if ses.ObservedState == model.SessionFailed {
			unlock := s.locks.Lock(sb.ID)
			if err := s.sessions.StopLocked(ctx, sb.ID); err != nil {
				log.Warn().Err(err).Str("sandbox", sb.ID).Msg("Failed session cleanup failed")
			} else {
				reaped++
			}
			unlock()
			continue
		}

		if now.Before(ses.LastActiveAt.Add(profile.IdleTimeout())) {
			continue
		}
		if sb.IdleExpiresAt != nil && now.Before(*sb.IdleExpiresAt) {
			continue
		}

		unlock := s.locks.Lock(sb.ID)
		// Recheck under the lock: a capability call may have just
		// refreshed the session.
		fresh, err := s.store.GetSession(ctx, ses.ID)
		if err != nil || !fresh.ObservedState.Live() ||
			now.Before(fresh.LastActiveAt.Add(profile.IdleTimeout())) {
			unlock()
			continue
		}
		if err := s.sessions.StopLocked(ctx, sb.ID); err != nil {
			log.Warn().Err(err).Str("sandbox", sb.ID).Msg("Idle session reap failed")
		} else {
			reaped++
		}
		unlock()
	}
	return reaped, nil
}

// reapExpiredSandboxes deletes sandboxes whose TTL elapsed.
func (s *Scheduler) reapExpiredSandboxes(ctx context.Context) (int, error) {
	candidates, err := s.store.ExpiredSandboxes(ctx, time.Now(), 200)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, sb := range candidates {
		deleted, err := s.sandboxes.DeleteIfExpired(ctx, sb.ID)
		if err != nil {
			log.Warn().Err(err).Str("sandbox", sb.ID).Msg("Expired sandbox reap failed")
			continue
		}
		if deleted {
			reaped++
		}
	}
	return reaped, nil
}

// reapOrphanCargos deletes managed cargos whose sandbox tombstone aged past
// the retention window, then does metadata housekeeping: expired
// idempotency records, old tombstones, dead session rows.
func (s *Scheduler) reapOrphanCargos(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.opts.TombstoneRetention)
	orphans, err := s.store.OrphanManagedCargos(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, cg := range orphans {
		var unlock func()
		if cg.ManagedBySandboxID != nil {
			unlock = s.locks.Lock(*cg.ManagedBySandboxID)
		}
		if err := s.cargos.DeleteManaged(ctx, cg.ID); err != nil {
			log.Warn().Err(err).Str("cargo", cg.ID).Msg("Orphan cargo reap failed")
		} else {
			reaped++
		}
		if unlock != nil {
			unlock()
		}
	}

	if n, err := s.store.PurgeExpiredIdempotency(ctx, time.Now()); err == nil && n > 0 {
		log.Debug().Int64("purged", n).Msg("Idempotency records purged")
	}
	if _, err := s.store.PurgeTombstones(ctx, cutoff); err != nil {
		log.Warn().Err(err).Msg("Tombstone purge failed")
	}
	if _, err := s.store.PurgeDeadSessions(ctx, cutoff); err != nil {
		log.Warn().Err(err).Msg("Dead session purge failed")
	}
	return reaped, nil
}

// reapOrphanResources destroys Bay-labeled fabric resources whose metadata
// rows are gone. A creation grace period avoids racing an in-flight start.
func (s *Scheduler) reapOrphanResources(ctx context.Context) (int, error) {
	resources, err := s.drv.ListResources(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	reaped := 0
	for _, r := range resources {
		if r.Labels[driver.LabelManaged] != "true" {
			continue
		}
		if now.Sub(r.CreatedAt) < s.opts.OrphanGrace {
			continue
		}
		orphan, err := s.isOrphan(ctx, r)
		if err != nil {
			log.Warn().Err(err).Str("ref", r.Ref).Msg("Orphan attribution failed")
			continue
		}
		if !orphan {
			continue
		}

		var unlock func()
		if sbID := r.Labels[driver.LabelSandboxID]; sbID != "" {
			unlock = s.locks.Lock(sbID)
			// Recheck: the owning session may have appeared while we
			// waited for the lock.
			orphan, err = s.isOrphan(ctx, r)
			if err != nil || !orphan {
				unlock()
				continue
			}
		}
		if err := s.drv.DestroyResource(ctx, r); err != nil {
			log.Warn().Err(err).Str("ref", r.Ref).Str("type", string(r.Type)).
				Msg("Orphan resource destroy failed")
		} else {
			log.Info().Str("ref", r.Ref).Str("type", string(r.Type)).
				Str("sandbox", r.Labels[driver.LabelSandboxID]).
				Msg("Orphan resource destroyed")
			reaped++
		}
		if unlock != nil {
			unlock()
		}
	}
	return reaped, nil
}

// isOrphan decides whether a fabric resource still has a live metadata row.
// Volumes hang off cargos; containers and networks hang off sessions.
func (s *Scheduler) isOrphan(ctx context.Context, r driver.Resource) (bool, error) {
	if r.Type == driver.ResourceVolume {
		cargoID := r.Labels[driver.LabelCargoID]
		if cargoID == "" {
			return true, nil
		}
		_, err := s.store.GetCargo(ctx, cargoID)
		if err != nil {
			if errdefs.IsKind(err, errdefs.KindNotFound) {
				return true, nil
			}
			return false, err
		}
		return false, nil
	}

	sessionID := r.Labels[driver.LabelSessionID]
	if sessionID == "" {
		return true, nil
	}
	ses, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return true, nil
		}
		return false, err
	}
	// Failed and stopped rows are audit residue; they no longer protect
	// fabric resources.
	if !ses.ObservedState.Live() && ses.ObservedState != model.SessionPending {
		return true, nil
	}
	sb, err := s.store.GetSandbox(ctx, ses.SandboxID)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return true, nil
		}
		return false, err
	}
	return sb.Tombstoned(), nil
}

// String renders a short scheduler description for startup logs.
func (s *Scheduler) String() string {
	return fmt.Sprintf("gc scheduler (interval %s, grace %s)", s.opts.Interval, s.opts.OrphanGrace)
}
