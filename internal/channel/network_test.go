package channel

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestAccountLimiter(t *testing.T) {
	limiter := NewAccountLimiter(testRedis(t), 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Take(ctx, "dana@intralog.io")
		require.NoError(t, err)
		assert.True(t, ok, "action %d should be allowed", i+1)
	}

	ok, err := limiter.Take(ctx, "dana@intralog.io")
	require.NoError(t, err)
	assert.False(t, ok, "cap should be spent")

	// Other accounts have their own budget.
	ok, err = limiter.Take(ctx, "lee@intralog.io")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAccountLimiterRefund(t *testing.T) {
	limiter := NewAccountLimiter(testRedis(t), 1)
	ctx := context.Background()

	ok, err := limiter.Take(ctx, "dana@intralog.io")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = limiter.Take(ctx, "dana@intralog.io")
	require.NoError(t, err)
	require.False(t, ok, "cap spent before the refund")

	require.NoError(t, limiter.Refund(ctx, "dana@intralog.io"))

	ok, err = limiter.Take(ctx, "dana@intralog.io")
	require.NoError(t, err)
	assert.True(t, ok, "refunded unit is usable again")

	// Refunding with nothing taken never goes below zero.
	require.NoError(t, limiter.Refund(ctx, "lee@intralog.io"))
	ok, err = limiter.Take(ctx, "lee@intralog.io")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = limiter.Take(ctx, "lee@intralog.io")
	require.NoError(t, err)
	assert.False(t, ok, "budget stays at the cap after a spurious refund")
}

func TestDispatchRefundsOnGatewayFailure(t *testing.T) {
	limiter := NewAccountLimiter(testRedis(t), 1)
	pool := NewSessionPool(0, 0)
	// No server listens here; the action fails in transit.
	adapter := NewNetworkAdapter("http://127.0.0.1:1", "connect", limiter, pool)

	res, err := adapter.Dispatch(context.Background(), &Message{
		SenderEmail: "dana@intralog.io",
		ProfileURL:  "https://example.com/in/pat",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusTransientFailure, res.Status)

	// The failed attempt did not burn the daily unit.
	ok, err := limiter.Take(context.Background(), "dana@intralog.io")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSessionPoolPacing(t *testing.T) {
	p := NewSessionPool(10*time.Second, 20*time.Second)
	now := time.Now()

	// First action goes immediately.
	assert.Zero(t, p.nextDelay(time.Time{}, now))

	// A recent action forces a wait inside the jitter bounds.
	last := now.Add(-2 * time.Second)
	for i := 0; i < 50; i++ {
		wait := p.nextDelay(last, now)
		assert.GreaterOrEqual(t, wait, 8*time.Second)
		assert.LessOrEqual(t, wait, 18*time.Second)
	}

	// A long-idle account acts immediately.
	assert.Zero(t, p.nextDelay(now.Add(-time.Hour), now))
}

func TestSessionPoolSerializesAccount(t *testing.T) {
	p := NewSessionPool(0, 0)
	ctx := context.Background()

	release, err := p.Acquire(ctx, "dana@intralog.io")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r2, err := p.Acquire(ctx, "dana@intralog.io")
		if err == nil {
			r2()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the first holds the session")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should proceed after release")
	}
}

func TestSessionPoolAcquireRespectsContext(t *testing.T) {
	p := NewSessionPool(time.Hour, time.Hour)
	ctx := context.Background()

	release, err := p.Acquire(ctx, "dana@intralog.io")
	require.NoError(t, err)
	release() // sets lastAction, forcing the next acquire to wait

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(cctx, "dana@intralog.io")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
