package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gustycube/cyberstreams/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	clk := &clock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	l := New(cli, logging.Nop())
	l.SetClock(clk.Now)
	return l, mr, clk
}

func TestCheck_MinuteWindow(t *testing.T) {
	l, _, clk := newLimiter(t)
	ctx := context.Background()
	lim := Limits{RPM: 5, RPH: 100, RPD: 1000}

	for i := 0; i < 5; i++ {
		d := l.Check(ctx, "key-1", lim)
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, int64(5-i-1), d.Remaining)
		assert.False(t, d.Fallback)
		clk.Advance(time.Second)
	}

	d := l.Check(ctx, "key-1", lim)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowMinute, d.Window)
	assert.Equal(t, int64(5), d.Limit)
	assert.Equal(t, int64(60), d.RetryAfter)
	assert.Equal(t, clk.Now().Unix()+60, d.Reset)

	clk.Advance(61 * time.Second)
	assert.True(t, l.Check(ctx, "key-1", lim).Allowed)
}

func TestCheck_DeniedRequestsAreNotRecorded(t *testing.T) {
	l, mr, _ := newLimiter(t)
	ctx := context.Background()
	lim := Limits{RPM: 2, RPH: 100, RPD: 1000}

	for i := 0; i < 5; i++ {
		l.Check(ctx, "k", lim)
	}
	members, err := mr.ZMembers("ratelimit:k")
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestCheck_HourAndDayWindows(t *testing.T) {
	l, _, clk := newLimiter(t)
	ctx := context.Background()

	hourly := Limits{RPM: 100, RPH: 3, RPD: 1000}
	for i := 0; i < 3; i++ {
		require.True(t, l.Check(ctx, "h", hourly).Allowed)
		clk.Advance(2 * time.Minute)
	}
	d := l.Check(ctx, "h", hourly)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowHour, d.Window)
	assert.Equal(t, int64(3600), d.RetryAfter)

	daily := Limits{RPM: 100, RPH: 100, RPD: 2}
	for i := 0; i < 2; i++ {
		require.True(t, l.Check(ctx, "d", daily).Allowed)
		clk.Advance(2 * time.Hour)
	}
	d = l.Check(ctx, "d", daily)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowDay, d.Window)
	assert.Equal(t, int64(86400), d.RetryAfter)

	clk.Advance(24 * time.Hour)
	assert.True(t, l.Check(ctx, "d", daily).Allowed)
}

func TestCheck_UnlimitedDay(t *testing.T) {
	l, _, _ := newLimiter(t)
	lim := Limits{RPM: 1000, RPH: 60000, RPD: Unlimited}
	for i := 0; i < 20; i++ {
		require.True(t, l.Check(context.Background(), "u", lim).Allowed)
	}
}

func TestCheck_IdentitiesAreIndependent(t *testing.T) {
	l, _, _ := newLimiter(t)
	lim := Limits{RPM: 1, RPH: 10, RPD: 10}
	assert.True(t, l.Check(context.Background(), "a", lim).Allowed)
	assert.False(t, l.Check(context.Background(), "a", lim).Allowed)
	assert.True(t, l.Check(context.Background(), "b", lim).Allowed)
}

func TestCheck_ConcurrentRequestsNeverExceedLimit(t *testing.T) {
	l, _, _ := newLimiter(t)
	lim := Limits{RPM: 10, RPH: 100, RPD: 1000}

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(context.Background(), "c", lim).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowed.Load())
}

func TestCheck_FailsOpen(t *testing.T) {
	l, mr, _ := newLimiter(t)
	mr.Close()

	for i := 0; i < 3; i++ {
		d := l.Check(context.Background(), "k", Limits{RPM: 1, RPH: 1, RPD: 1})
		assert.True(t, d.Allowed)
		assert.True(t, d.Fallback)
	}
}

func TestCheck_NilClientFailsOpen(t *testing.T) {
	l := New(nil, logging.Nop())
	d := l.Check(context.Background(), "k", Default)
	assert.True(t, d.Allowed)
	assert.True(t, d.Fallback)
}

func TestCustom(t *testing.T) {
	assert.Equal(t, Limits{RPM: 30, RPH: 1800, RPD: 43200}, Custom(30, 0, 0))
	assert.Equal(t, Limits{RPM: 10, RPH: 100, RPD: 2400}, Custom(10, 100, 0))
	assert.Equal(t, Limits{RPM: 10, RPH: 100, RPD: 500}, Custom(10, 100, 500))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "unlimited", Format(Unlimited))
	assert.Equal(t, "60", Format(60))
}
