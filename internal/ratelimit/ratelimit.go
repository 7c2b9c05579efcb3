// Package ratelimit enforces per-identity sliding windows over one minute,
// one hour and one day, counted in a Redis sorted set.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gustycube/cyberstreams/internal/logging"
	"github.com/gustycube/cyberstreams/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// Unlimited disables a window.
const Unlimited int64 = -1

type Limits struct {
	RPM int64 `json:"rpm"`
	RPH int64 `json:"rph"`
	RPD int64 `json:"rpd"`
}

// Default is the tier applied when an identity carries no limits.
var Default = Limits{RPM: 60, RPH: 3600, RPD: 86400}

// Custom builds limits for privileged endpoints. A non-positive rph becomes
// rpm*60 and a non-positive rpd becomes rph*24.
func Custom(rpm, rph, rpd int64) Limits {
	if rph <= 0 {
		rph = rpm * 60
	}
	if rpd <= 0 {
		rpd = rph * 24
	}
	return Limits{RPM: rpm, RPH: rph, RPD: rpd}
}

// Format renders a limit for response headers.
func Format(v int64) string {
	if v < 0 {
		return "unlimited"
	}
	return strconv.FormatInt(v, 10)
}

type Window int

const (
	WindowNone Window = iota
	WindowMinute
	WindowHour
	WindowDay
)

func (w Window) String() string {
	switch w {
	case WindowMinute:
		return "minute"
	case WindowHour:
		return "hour"
	case WindowDay:
		return "day"
	}
	return "none"
}

// Seconds is the window length, which is also the retry hint on denial.
func (w Window) Seconds() int64 {
	switch w {
	case WindowMinute:
		return 60
	case WindowHour:
		return 3600
	case WindowDay:
		return 86400
	}
	return 0
}

type Decision struct {
	Allowed bool
	// Limit is the bound that applied: the denying window's, else rpm.
	Limit     int64
	Remaining int64
	Window    Window
	// RetryAfter is set on denial, in seconds.
	RetryAfter int64
	// Reset is a unix timestamp in seconds.
	Reset int64
	// Fallback reports that the store failed and the request was let through.
	Fallback bool
}

// Prune everything older than a day, count the three windows, and record
// the request only when every bounded window has room.
var checkScript = redis.NewScript(`
local key = KEYS[1]
redis.call("ZREMRANGEBYSCORE", key, "-inf", ARGV[4])
local m = redis.call("ZCOUNT", key, "(" .. ARGV[2], "+inf")
local h = redis.call("ZCOUNT", key, "(" .. ARGV[3], "+inf")
local d = redis.call("ZCARD", key)
local rpm = tonumber(ARGV[5])
local rph = tonumber(ARGV[6])
local rpd = tonumber(ARGV[7])
if rpm >= 0 and m >= rpm then return {0, 1, m, h, d} end
if rph >= 0 and h >= rph then return {0, 2, m, h, d} end
if rpd >= 0 and d >= rpd then return {0, 3, m, h, d} end
redis.call("ZADD", key, ARGV[1], ARGV[8])
redis.call("EXPIRE", key, 86400)
return {1, 0, m, h, d}
`)

type Limiter struct {
	cli     redis.UniversalClient
	log     *logging.Logger
	timeout time.Duration
	now     func() time.Time
}

// New returns a Limiter. A nil client makes every check fail open.
func New(cli redis.UniversalClient, log *logging.Logger) *Limiter {
	return &Limiter{cli: cli, log: log, timeout: 2 * time.Second, now: time.Now}
}

// SetClock replaces the time source.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Check evaluates and, when allowed, records one request for id. It never
// fails: store errors produce an allowed Decision with Fallback set.
func (l *Limiter) Check(ctx context.Context, id string, lim Limits) Decision {
	now := l.now()
	if l.cli == nil {
		return l.fallback(now, lim)
	}

	nowMs := now.UnixMilli()
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	res, err := checkScript.Run(ctx, l.cli, []string{"ratelimit:" + id},
		nowMs,
		nowMs-60_000,
		nowMs-3_600_000,
		nowMs-86_400_000,
		lim.RPM, lim.RPH, lim.RPD,
		fmt.Sprintf("%d:%s", nowMs, uuid.NewString()),
	).Int64Slice()
	if err != nil || len(res) != 5 {
		l.log.Errorw("rate limit store failed, allowing request", "id", id, "err", err)
		return l.fallback(now, lim)
	}

	if res[0] == 0 {
		w := Window(res[1])
		limit := lim.RPM
		switch w {
		case WindowHour:
			limit = lim.RPH
		case WindowDay:
			limit = lim.RPD
		}
		metrics.RateLimitDecision.WithLabelValues("denied").Inc()
		return Decision{
			Limit:      limit,
			Window:     w,
			RetryAfter: w.Seconds(),
			Reset:      now.Unix() + w.Seconds(),
		}
	}

	metrics.RateLimitDecision.WithLabelValues("allowed").Inc()
	remaining := Unlimited
	if lim.RPM >= 0 {
		remaining = lim.RPM - res[2] - 1
	}
	return Decision{
		Allowed:   true,
		Limit:     lim.RPM,
		Remaining: remaining,
		Window:    WindowMinute,
		Reset:     (nowMs + 60_000 + 999) / 1000,
	}
}

func (l *Limiter) fallback(now time.Time, lim Limits) Decision {
	metrics.RateLimitDecision.WithLabelValues("fallback").Inc()
	return Decision{
		Allowed:   true,
		Limit:     lim.RPM,
		Remaining: lim.RPM,
		Window:    WindowMinute,
		Reset:     now.Unix() + 60,
		Fallback:  true,
	}
}
