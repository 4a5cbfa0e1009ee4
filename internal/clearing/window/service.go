package window

import (
	"context"
	"sync"
	"time"

	clearingerrors "settlerail/pkg/errors"
	"settlerail/pkg/logger"
)

// Clock is injectable so tests can control wall time instead of sleeping.
// Production wiring passes time.Now.
type Clock func() time.Time

// Repository persists windows. The Postgres implementation indexes on
// (region, status) so LookupOpen stays a single index scan.
type Repository interface {
	Save(ctx context.Context, w Window) error
	Get(ctx context.Context, id int64) (Window, error)
	LookupOpen(ctx context.Context, region string) (Window, bool, error)
	NextID(ctx context.Context) (int64, error)
}

// Service runs the clearing-window state machine. The "current
// window" handle per region is protected by a read-write lock held briefly
// on transitions, never across a store call. A window opening or
// changing phase is a system fact, not a fact about any one payment, so it
// is announced on the event bus by the orchestrator rather than recorded as
// a ledger.Event; the ledger's Kind vocabulary is closed to per-payment
// facts (see ledger.Kind).
type Service struct {
	mu    sync.RWMutex
	repo  Repository
	clock Clock
	log   logger.Logger
}

func NewService(repo Repository, clock Clock, log logger.Logger) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{repo: repo, clock: clock, log: log}
}

// Tick opens a new window for region if none is currently Open, per the
// schedule entry's duration/grace. Idempotent: calling it again while a
// window is already Open is a no-op.
func (s *Service) Tick(ctx context.Context, entry ScheduleEntry) (Window, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.repo.LookupOpen(ctx, entry.Region)
	if err != nil {
		return Window{}, false, clearingerrors.Wrap(err, "checking for open window")
	}
	if ok {
		return existing, false, nil
	}

	id, err := s.repo.NextID(ctx)
	if err != nil {
		return Window{}, false, clearingerrors.Wrap(err, "allocating window id")
	}
	w := NewWindow(id, entry.Region, s.clock().UTC(), entry.Duration, entry.Grace)
	if err := s.repo.Save(ctx, w); err != nil {
		return Window{}, false, clearingerrors.Wrap(err, "saving new window")
	}
	s.log.Info("clearing window opened", map[string]interface{}{"window_id": w.ID, "region": w.Region})
	return w, true, nil
}

// AcceptObligation is the gate every new obligation must pass before the
// obligation registry creates it. Open accepts unconditionally; Closing
// accepts only inside the grace period; every later status rejects.
func (s *Service) AcceptObligation(ctx context.Context, windowID int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, err := s.repo.Get(ctx, windowID)
	if err != nil {
		return clearingerrors.Wrap(err, "loading window")
	}
	switch w.Status {
	case StatusOpen:
		return nil
	case StatusClosing:
		if s.clock().Before(w.graceExpiry()) {
			return nil
		}
		return clearingerrors.Wrap(clearingerrors.ErrWindowClosed, "grace period expired")
	default:
		return clearingerrors.Wrap(clearingerrors.ErrWindowClosed, "window not accepting obligations")
	}
}

// AcceptLate reports whether a specific late-arriving obligation would be
// accepted right now: true iff the window is Closing and the grace clock
// has not expired. Unlike AcceptObligation it never mutates state, and it
// returns false for an Open window; it returns an error only when the
// window cannot be loaded. Callers use it to decide whether to requeue
// before even attempting the insert.
func (s *Service) AcceptLate(ctx context.Context, windowID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, err := s.repo.Get(ctx, windowID)
	if err != nil {
		return false, clearingerrors.Wrap(err, "loading window")
	}
	return w.Status == StatusClosing && s.clock().Before(w.graceExpiry()), nil
}

// WindowView returns the window as currently persisted: the read-only
// materialized view operators and report consumers poll, never a live
// handle into the state machine.
func (s *Service) WindowView(ctx context.Context, windowID int64) (Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, err := s.repo.Get(ctx, windowID)
	if err != nil {
		return Window{}, clearingerrors.Wrap(err, "loading window")
	}
	return w, nil
}

// CloseWindow transitions Open -> Closing whenever called (End is not
// checked here), starting the
// grace clock. The window manager never advances past Closing on its own;
// Processing/Settling/Completed are explicit orchestrator calls.
func (s *Service) CloseWindow(ctx context.Context, windowID int64) (Window, error) {
	return s.transition(ctx, windowID, StatusClosing, func(w *Window) {
		now := s.clock().UTC()
		w.GraceStartedAt = now
		w.ClosedAt = &now
	})
}

// BeginProcessing transitions Closing -> Processing, called by the
// orchestrator immediately before the netting engine consumes the window's
// pending obligations. Rejects all new obligations from this point on.
func (s *Service) BeginProcessing(ctx context.Context, windowID int64) (Window, error) {
	return s.transition(ctx, windowID, StatusProcessing, func(w *Window) {
		now := s.clock().UTC()
		w.ProcessedAt = &now
	})
}

// BeginSettling transitions Processing -> Settling once the atomic
// operation controller has accepted the netting output for persistence.
func (s *Service) BeginSettling(ctx context.Context, windowID int64) (Window, error) {
	return s.transition(ctx, windowID, StatusSettling, nil)
}

// Complete transitions Settling -> Completed and records final counters.
func (s *Service) Complete(ctx context.Context, windowID int64, counters Counters) (Window, error) {
	return s.transition(ctx, windowID, StatusCompleted, func(w *Window) {
		now := s.clock().UTC()
		w.CompletedAt = &now
		w.Counters = counters
	})
}

// Fail absorbs a window from any non-terminal status into Failed. Used by
// the watchdog that reaps windows stuck in Processing past 2x the window
// duration.
func (s *Service) Fail(ctx context.Context, windowID int64, reason string) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.repo.Get(ctx, windowID)
	if err != nil {
		return Window{}, clearingerrors.Wrap(err, "loading window")
	}
	if w.Status == StatusCompleted || w.Status == StatusFailed {
		return Window{}, clearingerrors.Wrap(clearingerrors.ErrInvalidStateTransition, "window already terminal")
	}
	w.Status = StatusFailed
	if err := s.repo.Save(ctx, w); err != nil {
		return Window{}, clearingerrors.Wrap(err, "saving failed window")
	}
	s.log.Warn("clearing window failed", map[string]interface{}{"window_id": w.ID, "reason": reason})
	return w, nil
}

func (s *Service) transition(ctx context.Context, windowID int64, to Status, mutate func(*Window)) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.repo.Get(ctx, windowID)
	if err != nil {
		return Window{}, clearingerrors.Wrap(err, "loading window")
	}
	if !canTransition(w.Status, to) {
		return Window{}, clearingerrors.Wrap(clearingerrors.ErrInvalidStateTransition,
			string(w.Status)+" -> "+string(to)+" not allowed")
	}
	w.Status = to
	if mutate != nil {
		mutate(&w)
	}
	if err := s.repo.Save(ctx, w); err != nil {
		return Window{}, clearingerrors.Wrap(err, "saving window transition")
	}
	s.log.Info("clearing window transitioned", map[string]interface{}{
		"window_id": w.ID, "status": string(w.Status),
	})
	return w, nil
}

// Watchdog reaps windows left in Processing past deadline (2x window
// duration), invoking the caller's rollback hook before failing
// the window. rollback is typically atomicop.Controller.Rollback bound to
// the operation that was driving this window's netting.
func (s *Service) Watchdog(ctx context.Context, windowID int64, deadline time.Duration, rollback func(ctx context.Context, windowID int64) error) error {
	w, err := s.repo.Get(ctx, windowID)
	if err != nil {
		return clearingerrors.Wrap(err, "loading window")
	}
	if w.Status != StatusProcessing || w.ProcessedAt == nil {
		return nil
	}
	if s.clock().Sub(*w.ProcessedAt) < deadline {
		return nil
	}
	if rollback != nil {
		if err := rollback(ctx, windowID); err != nil {
			s.log.Error("watchdog rollback failed", map[string]interface{}{"window_id": windowID, "error": err.Error()})
		}
	}
	_, err = s.Fail(ctx, windowID, "timeout")
	return err
}
