package exchange

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errExchange = errors.New("exchange down")

func failing() (any, error) { return nil, errExchange }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerSettings{Name: "test", FailureThreshold: 3, RecoveryTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := b.Execute(failing)
		require.ErrorIs(t, err, errExchange)
		assert.Equal(t, BreakerClosed, b.State())
	}

	_, err := b.Execute(failing)
	require.ErrorIs(t, err, errExchange)
	assert.Equal(t, BreakerOpen, b.State())

	snap := b.Snapshot()
	assert.Equal(t, 3, snap.FailureCount)
	require.NotNil(t, snap.LastFailureTime)
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerSettings{FailureThreshold: 3, RecoveryTimeout: time.Hour})

	_, _ = b.Execute(failing)
	_, _ = b.Execute(failing)
	_, err := b.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	_, _ = b.Execute(failing)
	_, _ = b.Execute(failing)

	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 2, b.Snapshot().FailureCount)
	assert.Equal(t, 2, b.Counts())
	assert.False(t, b.LastFailure().IsZero())
}

func TestBreaker_OpenRejectsWithoutInvoking(t *testing.T) {
	b := NewBreaker(BreakerSettings{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	_, _ = b.Execute(failing)
	require.Equal(t, BreakerOpen, b.State())

	calls := 0
	_, err := b.Execute(func() (any, error) {
		calls++
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Zero(t, calls)
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	b := NewBreaker(BreakerSettings{FailureThreshold: 1, RecoveryTimeout: 30 * time.Millisecond})
	_, _ = b.Execute(failing)
	require.Equal(t, BreakerOpen, b.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, BreakerHalfOpen, b.State())

	calls := 0
	_, err := b.Execute(func() (any, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, BreakerClosed, b.State())
	assert.Zero(t, b.Snapshot().FailureCount)
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerSettings{FailureThreshold: 1, RecoveryTimeout: 30 * time.Millisecond})
	_, _ = b.Execute(failing)

	time.Sleep(50 * time.Millisecond)
	_, err := b.Execute(failing)
	require.ErrorIs(t, err, errExchange)
	assert.Equal(t, BreakerOpen, b.State())

	// timer restarted: still open right after the failed probe
	calls := 0
	_, err = b.Execute(func() (any, error) {
		calls++
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Zero(t, calls)
}

func TestBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	b := NewBreaker(BreakerSettings{FailureThreshold: 1, RecoveryTimeout: 30 * time.Millisecond})
	_, _ = b.Execute(failing)
	time.Sleep(50 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = b.Execute(func() (any, error) {
			close(started)
			<-release
			return "ok", nil
		})
	}()

	<-started
	calls := 0
	_, err := b.Execute(func() (any, error) {
		calls++
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Zero(t, calls)

	close(release)
	wg.Wait()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []BreakerState
	b := NewBreaker(BreakerSettings{
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
		OnStateChange: func(from, to BreakerState) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	})

	_, _ = b.Execute(failing)
	time.Sleep(40 * time.Millisecond)
	_, err := b.Execute(func() (any, error) { return nil, nil })
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}, transitions)
}

func TestBreaker_SlowStateHandlerDoesNotBlockCallers(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	var (
		mu          sync.Mutex
		transitions []BreakerState
	)
	b := NewBreaker(BreakerSettings{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
		OnStateChange: func(_, to BreakerState) {
			if to == BreakerOpen {
				close(entered)
				<-release
			}
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.Execute(failing)
	}()
	<-entered

	stateCh := make(chan BreakerState, 1)
	go func() { stateCh <- b.State() }()
	select {
	case state := <-stateCh:
		assert.Equal(t, BreakerOpen, state)
	case <-time.After(time.Second):
		t.Fatal("State blocked behind the state-change handler")
	}
	assert.Equal(t, 1, b.Counts())

	close(release)
	<-done
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []BreakerState{BreakerOpen}, transitions)
}
