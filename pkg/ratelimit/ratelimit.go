// Copyright 2024-2026 Aiku AI

// Package ratelimit implements per-destination admission control for
// outbound hub calls. Each key owns one token bucket per configured window;
// a call is admitted when every bucket has a token.
package ratelimit

import (
	"context"
	"math"
	"time"

	"go.mau.fi/util/exsync"
	"golang.org/x/time/rate"
)

// Window allows Limit calls per Per duration.
type Window struct {
	Limit int
	Per   time.Duration
}

// DefaultWindows match the per-chat limits of the hub bot API.
var DefaultWindows = []Window{
	{Limit: 1, Per: time.Second},
	{Limit: 20, Per: time.Minute},
}

type bucket struct {
	windows  []Window
	limiters []*rate.Limiter
}

// Limiter is a process-wide set of token buckets keyed by destination.
type Limiter struct {
	windows []Window
	buckets *exsync.Map[string, *bucket]
}

// New creates a limiter. Windows with a non-positive limit or duration are
// ignored; with no valid windows every call is admitted.
func New(windows ...Window) *Limiter {
	valid := make([]Window, 0, len(windows))
	for _, w := range windows {
		if w.Limit > 0 && w.Per > 0 {
			valid = append(valid, w)
		}
	}
	return &Limiter{
		windows: valid,
		buckets: exsync.NewMap[string, *bucket](),
	}
}

func (l *Limiter) bucket(key string) *bucket {
	if b, ok := l.buckets.Get(key); ok {
		return b
	}
	b := &bucket{windows: l.windows, limiters: make([]*rate.Limiter, len(l.windows))}
	for i, w := range l.windows {
		b.limiters[i] = rate.NewLimiter(rate.Every(w.Per/time.Duration(w.Limit)), w.Limit)
	}
	actual, _ := l.buckets.GetOrSet(key, b)
	return actual
}

// Acquire waits until key has capacity for one more call. It returns false
// without consuming a token if the wait would exceed maxDelay or ctx ends
// first. maxDelay 0 means "only if available now"; a negative maxDelay
// waits as long as needed.
func (l *Limiter) Acquire(ctx context.Context, key string, maxDelay time.Duration) bool {
	b := l.bucket(key)
	if len(b.limiters) == 0 {
		return true
	}
	now := time.Now()
	reservations := make([]*rate.Reservation, 0, len(b.limiters))
	cancelAll := func() {
		for _, r := range reservations {
			r.CancelAt(now)
		}
	}
	var delay time.Duration
	for _, lim := range b.limiters {
		r := lim.ReserveN(now, 1)
		if !r.OK() {
			cancelAll()
			return false
		}
		reservations = append(reservations, r)
		delay = max(delay, r.DelayFrom(now))
	}
	if maxDelay >= 0 && delay > maxDelay {
		cancelAll()
		return false
	}
	if delay == 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		for _, r := range reservations {
			r.Cancel()
		}
		return false
	}
}

// CurrentLoad reports how many calls the fullest bucket of key is holding,
// counting reservations still waiting. Unknown keys report 0.
func (l *Limiter) CurrentLoad(key string) int {
	b, ok := l.buckets.Get(key)
	if !ok {
		return 0
	}
	load := 0
	for i, lim := range b.limiters {
		used := b.windows[i].Limit - int(math.Floor(lim.Tokens()+1e-6))
		load = max(load, used)
	}
	return load
}

// Forget drops the state of a key, e.g. when the bridge leaves a chat.
func (l *Limiter) Forget(key string) {
	l.buckets.Delete(key)
}
