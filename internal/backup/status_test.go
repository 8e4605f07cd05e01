package backup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStatus(clock *fakeClock) *Status {
	s := NewStatus(0)
	s.now = clock.Now
	return s
}

func TestStatus_ETA(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 15, 14, 30, 0, 0, time.UTC)}
	s := newTestStatus(clock)
	s.start("run", "backup")
	s.setTotal(5)

	_, known := s.ComputeETA()
	assert.False(t, known, "no item has completed yet")

	for i := 0; i < 2; i++ {
		_, end := s.beginItem(context.Background(), "volume/data")
		clock.Advance(10 * time.Second)
		end()
	}

	eta, known := s.ComputeETA()
	require.True(t, known)
	assert.Equal(t, 30*time.Second, eta, "3 remaining items at 10s each")

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.ItemsCompleted)
	assert.Equal(t, 5, snap.ItemsTotal)
	assert.True(t, snap.ETAKnown)
	assert.Equal(t, eta, snap.ETA)
}

func TestStatus_TransferRate(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 15, 14, 30, 0, 0, time.UTC)}
	s := newTestStatus(clock)
	s.start("run", "backup")

	_, end := s.beginItem(context.Background(), "volume/data")
	defer end()
	clock.Advance(4 * time.Second)
	s.setBytes(4096)

	snap := s.Snapshot()
	assert.Equal(t, int64(4096), snap.BytesTransferred)
	assert.InDelta(t, 1024.0, snap.TransferRate, 0.001)
	assert.Equal(t, "volume/data", snap.CurrentItem)
}

func TestStatus_SkipCancelsCurrentItem(t *testing.T) {
	s := NewStatus(0)
	s.start("run", "backup")

	ctx, end := s.beginItem(context.Background(), "volume/data")
	defer end()
	s.RequestSkip()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("skip did not cancel the item context")
	}
	assert.True(t, s.Snapshot().SkipRequested)
	assert.True(t, s.takeSkip())
	assert.False(t, s.takeSkip(), "a skip is consumed once")
}

func TestStatus_PauseBlocksUntilResume(t *testing.T) {
	s := NewStatus(0)
	s.start("run", "backup")
	s.RequestPause()

	done := make(chan struct{})
	go func() {
		s.waitWhilePaused(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("waitWhilePaused returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	s.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("resume did not release the pause")
	}
}

func TestStatus_CancelReleasesPause(t *testing.T) {
	s := NewStatus(0)
	s.start("run", "backup")
	s.RequestPause()

	done := make(chan struct{})
	go func() {
		s.waitWhilePaused(context.Background())
		close(done)
	}()
	s.RequestCancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel did not release the pause")
	}
	assert.True(t, s.cancelled())
}

func TestStatus_ErrorsAreCapped(t *testing.T) {
	s := NewStatus(2)
	s.start("run", "backup")
	for i := 0; i < 5; i++ {
		s.addError("volume/data", errors.New("boom"))
	}

	snap := s.Snapshot()
	assert.Len(t, snap.Errors, 2)
	assert.Equal(t, 3, snap.DroppedErrors)
	assert.Equal(t, "boom", snap.Errors[0].Message)
}

func TestStatus_StartResets(t *testing.T) {
	s := NewStatus(0)
	s.start("first", "backup")
	s.setTotal(3)
	s.RequestCancel()
	s.addError("x", errors.New("boom"))
	s.setPhase(PhaseCancelled)

	s.start("second", "restore")
	snap := s.Snapshot()
	assert.Equal(t, "second", snap.RunID)
	assert.Equal(t, "restore", snap.Operation)
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.False(t, snap.CancelRequested)
	assert.Empty(t, snap.Errors)
	assert.Zero(t, snap.ItemsTotal)
}

func TestStatus_ConcurrentSnapshots(t *testing.T) {
	s := NewStatus(0)
	s.start("run", "backup")
	s.setTotal(100)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, end := s.beginItem(context.Background(), "item")
			s.setBytes(int64(i))
			end()
		}
	}()
	for i := 0; i < 100; i++ {
		snap := s.Snapshot()
		assert.LessOrEqual(t, snap.ItemsCompleted, snap.ItemsTotal)
	}
	wg.Wait()
	assert.Equal(t, 100, s.Snapshot().ItemsCompleted)
}

func TestPhase_Terminal(t *testing.T) {
	assert.True(t, PhaseDone.Terminal())
	assert.True(t, PhaseCancelled.Terminal())
	assert.True(t, PhaseFailed.Terminal())
	assert.False(t, PhaseUploading.Terminal())
	assert.False(t, PhaseIdle.Terminal())
}
