package cleanup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkhound/darkhound/pkg/config"
)

type fakePurger struct {
	mu    sync.Mutex
	calls int
	age   time.Duration
	err   error
}

func (f *fakePurger) PurgeTerminatedSessions(_ context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.age = olderThan
	return 3, f.err
}

func (f *fakePurger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePruner struct {
	mu    sync.Mutex
	calls int
	ttl   time.Duration
}

func (f *fakePruner) PruneTimeline(_ context.Context, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ttl = ttl
	return 0, nil
}

func (f *fakePruner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestServiceRunsImmediatelyThenOnTicks(t *testing.T) {
	purger := &fakePurger{}
	pruner := &fakePruner{}
	svc := NewService(config.RetentionConfig{
		Interval:         20 * time.Millisecond,
		SessionRetention: 30 * 24 * time.Hour,
		TimelineTTL:      90 * 24 * time.Hour,
	}, purger, pruner)

	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		return purger.count() >= 2 && pruner.count() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	purger.mu.Lock()
	assert.Equal(t, 30*24*time.Hour, purger.age)
	purger.mu.Unlock()
	pruner.mu.Lock()
	assert.Equal(t, 90*24*time.Hour, pruner.ttl)
	pruner.mu.Unlock()
}

func TestZeroIntervalDisables(t *testing.T) {
	purger := &fakePurger{}
	svc := NewService(config.RetentionConfig{SessionRetention: time.Hour}, purger, &fakePruner{})

	svc.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, purger.count())
	svc.Stop() // no-op, must not block
}

func TestZeroPoliciesSkipped(t *testing.T) {
	purger := &fakePurger{}
	pruner := &fakePruner{}
	svc := NewService(config.RetentionConfig{Interval: 10 * time.Millisecond}, purger, pruner)

	svc.Start(context.Background())
	time.Sleep(40 * time.Millisecond)
	svc.Stop()

	assert.Zero(t, purger.count())
	assert.Zero(t, pruner.count())
}

func TestStopWaitsForLoop(t *testing.T) {
	svc := NewService(config.RetentionConfig{
		Interval:         5 * time.Millisecond,
		SessionRetention: time.Hour,
	}, &fakePurger{}, &fakePruner{})

	svc.Start(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
