package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTicker struct {
	ticks atomic.Int32
	err   error
	delay time.Duration
}

func (c *countingTicker) Tick(ctx context.Context) (*service.TickResult, error) {
	c.ticks.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return &service.TickResult{}, c.err
}

type fakeCoordinator struct {
	mu       sync.Mutex
	held     bool
	released []string
	fast     bool
	lockErr  error
	extended atomic.Int32
}

func (f *fakeCoordinator) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockErr != nil {
		return "", false, f.lockErr
	}
	if f.held {
		return "", false, nil
	}
	f.held = true
	return "token-1", true, nil
}

func (f *fakeCoordinator) ReleaseLock(ctx context.Context, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = false
	f.released = append(f.released, token)
	return nil
}

func (f *fakeCoordinator) ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	f.extended.Add(1)
	return true, nil
}

func (f *fakeCoordinator) FastPollActive(ctx context.Context) (bool, error) {
	return f.fast, nil
}

func TestRunOnceHoldsAndReleasesLock(t *testing.T) {
	ticker := &countingTicker{}
	coord := &fakeCoordinator{}
	w := NewReconcileWorker(ticker, coord, nil, Options{Interval: time.Hour})

	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int32(1), ticker.ticks.Load())
	assert.Equal(t, []string{"token-1"}, coord.released)
	assert.False(t, coord.held)
}

func TestRunOnceExtendsLockDuringSlowTick(t *testing.T) {
	ticker := &countingTicker{delay: 100 * time.Millisecond}
	coord := &fakeCoordinator{}
	w := NewReconcileWorker(ticker, coord, nil, Options{Interval: time.Hour, LockTTL: 20 * time.Millisecond})

	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.GreaterOrEqual(t, coord.extended.Load(), int32(2))
	assert.False(t, coord.held)
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	ticker := &countingTicker{}
	coord := &fakeCoordinator{held: true}
	w := NewReconcileWorker(ticker, coord, nil, Options{Interval: time.Hour})

	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, int32(0), ticker.ticks.Load())
	assert.Empty(t, coord.released)
}

func TestRunOnceUnlockedWhenCoordinatorFails(t *testing.T) {
	ticker := &countingTicker{}
	w := NewReconcileWorker(ticker, &fakeCoordinator{lockErr: errors.New("redis down")}, nil, Options{Interval: time.Hour})

	ran, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int32(1), ticker.ticks.Load())
}

func TestRunOnceReturnsTickError(t *testing.T) {
	ticker := &countingTicker{err: models.ErrGatewayUnavailable}
	w := NewReconcileWorker(ticker, nil, nil, Options{Interval: time.Hour, TickTimeout: time.Second})

	ran, err := w.RunOnce(context.Background())
	assert.True(t, ran)
	assert.ErrorIs(t, err, models.ErrGatewayUnavailable)
}

func TestNextIntervalFollowsFastPollWindow(t *testing.T) {
	coord := &fakeCoordinator{}
	w := NewReconcileWorker(&countingTicker{}, coord, nil, Options{Interval: 30 * time.Second, FastInterval: 5 * time.Second})

	assert.Equal(t, 30*time.Second, w.nextInterval(context.Background()))
	coord.fast = true
	assert.Equal(t, 5*time.Second, w.nextInterval(context.Background()))
}

func TestStartTicksOnKickAndStops(t *testing.T) {
	ticker := &countingTicker{}
	w := NewReconcileWorker(ticker, &fakeCoordinator{}, nil, Options{Interval: time.Hour, TickTimeout: time.Second})

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	require.Eventually(t, func() bool { return ticker.ticks.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.onInstructionIssued(context.Background(), &models.PaymentInstructionIssuedEvent{IntentID: 1}))
	require.Eventually(t, func() bool { return ticker.ticks.Load() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	ticker := &countingTicker{}
	w := NewReconcileWorker(ticker, nil, nil, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool { return ticker.ticks.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
