package progress

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgress_UpdateAndPercent(t *testing.T) {
	ctx, tracker := WithNewTracker(context.Background(), "i1", "expense-approval", nil)

	UpdateCtx(ctx, Delta{Total: 4, Pending: 4})
	UpdateCtx(ctx, Delta{Pending: -1, Running: 1})
	UpdateCtx(ctx, Delta{Running: -1, Completed: 1})
	UpdateCtx(ctx, Delta{Pending: -1, Skipped: 1})

	snapshot := tracker.Snapshot()
	assert.Equal(t, 4, snapshot.TotalSteps)
	assert.Equal(t, 1, snapshot.CompletedSteps)
	assert.Equal(t, 1, snapshot.SkippedSteps)
	assert.Equal(t, 2, snapshot.PendingSteps)
	assert.Equal(t, 50, tracker.Percent(), "skipped steps count towards completion")
}

func TestProgress_PercentBounds(t *testing.T) {
	var nilTracker *Progress
	assert.Equal(t, 0, nilTracker.Percent())
	nilTracker.Update(Delta{Total: 1})

	tracker := &Progress{}
	assert.Equal(t, 0, tracker.Percent(), "no steps reports zero")

	tracker.Update(Delta{Total: 1, Completed: 2})
	assert.Equal(t, 100, tracker.Percent(), "capped at 100")
}

func TestProgress_OnChange(t *testing.T) {
	tracker := &Progress{}
	var seen []int
	tracker.OnChange(func(snapshot Progress) {
		seen = append(seen, snapshot.CompletedSteps)
	})

	tracker.Update(Delta{Total: 2, Completed: 1})
	tracker.Update(Delta{Completed: 1})
	assert.Equal(t, []int{1, 2}, seen)

	tracker.OnChange(nil)
	tracker.Update(Delta{Failed: 1})
	assert.Len(t, seen, 2)
}

func TestProgress_ConcurrentUpdates(t *testing.T) {
	ctx, tracker := WithNewTracker(context.Background(), "i1", "d1", nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			UpdateCtx(ctx, Delta{Total: 1, Completed: 1})
		}()
	}
	wg.Wait()

	snapshot, ok := GetSnapshot(ctx)
	assert.True(t, ok)
	assert.Equal(t, 32, snapshot.TotalSteps)
	assert.Equal(t, 32, snapshot.CompletedSteps)
	assert.Equal(t, 100, tracker.Percent())
}

func TestUpdateCtx_NoTracker(t *testing.T) {
	// A context without a tracker is a no-op, not a panic.
	UpdateCtx(context.Background(), Delta{Total: 1})
	_, ok := GetSnapshot(context.Background())
	assert.False(t, ok)
}
