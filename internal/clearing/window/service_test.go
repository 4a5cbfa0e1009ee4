package window

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	clearingerrors "settlerail/pkg/errors"
	"settlerail/pkg/logger"
)

type memRepo struct {
	byID map[int64]Window
	next int64
}

func newMemRepo() *memRepo { return &memRepo{byID: make(map[int64]Window)} }

func (m *memRepo) Save(ctx context.Context, w Window) error {
	m.byID[w.ID] = w
	return nil
}
func (m *memRepo) Get(ctx context.Context, id int64) (Window, error) {
	w, ok := m.byID[id]
	if !ok {
		return Window{}, clearingerrors.ErrNotFound
	}
	return w, nil
}
func (m *memRepo) LookupOpen(ctx context.Context, region string) (Window, bool, error) {
	for _, w := range m.byID {
		if w.Region == region && w.Status == StatusOpen {
			return w, true, nil
		}
	}
	return Window{}, false, nil
}
func (m *memRepo) NextID(ctx context.Context) (int64, error) {
	m.next++
	return m.next, nil
}

func TestTick_OpensExactlyOneWindowPerRegion(t *testing.T) {
	repo := newMemRepo()
	now := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)
	svc := NewService(repo, func() time.Time { return now }, logger.NewNop())

	entry := ScheduleEntry{Region: "UAE", Duration: 4 * time.Hour, Grace: 30 * time.Minute}
	w1, created1, err := svc.Tick(context.Background(), entry)
	assert.NoError(t, err)
	assert.True(t, created1)

	w2, created2, err := svc.Tick(context.Background(), entry)
	assert.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, w1.ID, w2.ID)
}

func TestGraceAcceptance_BoundaryBehavior(t *testing.T) {
	repo := newMemRepo()
	start := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)
	clockTime := start
	clock := func() time.Time { return clockTime }
	svc := NewService(repo, clock, logger.NewNop())

	entry := ScheduleEntry{Region: "UAE", Duration: 4 * time.Hour, Grace: 30 * time.Minute}
	w, _, err := svc.Tick(context.Background(), entry)
	assert.NoError(t, err)

	clockTime = w.End // close right at the nominal end
	_, err = svc.CloseWindow(context.Background(), w.ID)
	assert.NoError(t, err)

	// T+20min: inside grace.
	clockTime = w.End.Add(20 * time.Minute)
	assert.NoError(t, svc.AcceptObligation(context.Background(), w.ID))
	late, err := svc.AcceptLate(context.Background(), w.ID)
	assert.NoError(t, err)
	assert.True(t, late)

	// T+40min: grace has lapsed.
	clockTime = w.End.Add(40 * time.Minute)
	err = svc.AcceptObligation(context.Background(), w.ID)
	assert.ErrorIs(t, err, clearingerrors.ErrWindowClosed)
	late, err = svc.AcceptLate(context.Background(), w.ID)
	assert.NoError(t, err)
	assert.False(t, late)
}

func TestTransitions_NeverAdvancePastClosingOnTheirOwn(t *testing.T) {
	repo := newMemRepo()
	now := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)
	svc := NewService(repo, func() time.Time { return now }, logger.NewNop())

	w, _, err := svc.Tick(context.Background(), ScheduleEntry{Region: "MEA", Duration: time.Hour, Grace: time.Minute})
	assert.NoError(t, err)

	// Settling straight from Open is an orchestrator bug, not a tick.
	_, err = svc.BeginSettling(context.Background(), w.ID)
	assert.ErrorIs(t, err, clearingerrors.ErrInvalidStateTransition)

	_, err = svc.CloseWindow(context.Background(), w.ID)
	assert.NoError(t, err)
	_, err = svc.BeginProcessing(context.Background(), w.ID)
	assert.NoError(t, err)
	_, err = svc.BeginSettling(context.Background(), w.ID)
	assert.NoError(t, err)
	got, err := svc.Complete(context.Background(), w.ID, Counters{ObligationCount: 3})
	assert.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// Terminal windows cannot fail again.
	_, err = svc.Fail(context.Background(), w.ID, "late failure")
	assert.ErrorIs(t, err, clearingerrors.ErrInvalidStateTransition)
}

func TestWatchdog_ReapsStuckProcessingWindow(t *testing.T) {
	repo := newMemRepo()
	clockTime := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockTime }
	svc := NewService(repo, clock, logger.NewNop())

	w, _, err := svc.Tick(context.Background(), ScheduleEntry{Region: "APAC", Duration: time.Hour, Grace: time.Minute})
	assert.NoError(t, err)
	_, err = svc.CloseWindow(context.Background(), w.ID)
	assert.NoError(t, err)
	_, err = svc.BeginProcessing(context.Background(), w.ID)
	assert.NoError(t, err)

	var rolledBack bool
	rollback := func(ctx context.Context, windowID int64) error {
		rolledBack = true
		return nil
	}

	// Not yet past the deadline: untouched.
	clockTime = clockTime.Add(time.Hour)
	assert.NoError(t, svc.Watchdog(context.Background(), w.ID, 2*time.Hour, rollback))
	assert.False(t, rolledBack)

	// Past 2x window duration: rolled back and failed.
	clockTime = clockTime.Add(2 * time.Hour)
	assert.NoError(t, svc.Watchdog(context.Background(), w.ID, 2*time.Hour, rollback))
	assert.True(t, rolledBack)
	got, err := svc.WindowView(context.Background(), w.ID)
	assert.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}
