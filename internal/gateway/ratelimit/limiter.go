// Package ratelimit implements the fixed-window request limiter shared by
// every public gateway endpoint.
//
// Counters live in the shared backing store so all gateway instances see the
// same window. In ModeSoft the check is a read followed by a write, so
// concurrent requests for one key can both be admitted past the limit; the
// limiter is abuse mitigation, not a security boundary. ModeAtomic folds the
// check into one statement for a hard bound.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rcourtman/funnelgate/internal/gateway/auditlog"
)

// Mode selects how the counter is updated.
type Mode string

const (
	ModeSoft   Mode = "soft"
	ModeAtomic Mode = "atomic"
)

// ParseMode maps a config string to a Mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case "", ModeSoft:
		return ModeSoft, nil
	case ModeAtomic:
		return ModeAtomic, nil
	default:
		return "", fmt.Errorf("unknown rate limit mode %q", raw)
	}
}

// Counter is the persisted state for one (client, endpoint) key.
type Counter struct {
	Key         string
	Count       int64
	WindowStart time.Time
}

// Store persists counters. Load returns nil, nil for an unknown key.
type Store interface {
	Load(ctx context.Context, key string) (*Counter, error)
	Save(ctx context.Context, c Counter, expiresAt time.Time) error
}

// AtomicStore increments a counter and resets expired windows in one step,
// returning the counter after the update.
type AtomicStore interface {
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (Counter, error)
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed           bool
	Limit             int
	Remaining         int
	RetryAfterSeconds int
	ResetAt           time.Time
}

// Limiter applies fixed-window limits against a Store.
type Limiter struct {
	store   Store
	mode    Mode
	now     func() time.Time
	proxies *auditlog.TrustedProxies
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMode selects soft or atomic counting. Atomic mode requires the store to
// implement AtomicStore; otherwise the limiter stays soft.
func WithMode(m Mode) Option {
	return func(l *Limiter) { l.mode = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithTrustedProxies lets the middleware key on forwarded client addresses
// when the direct peer is one of proxies.
func WithTrustedProxies(proxies *auditlog.TrustedProxies) Option {
	return func(l *Limiter) { l.proxies = proxies }
}

// New returns a limiter over store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		mode:  ModeSoft,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if _, ok := store.(AtomicStore); !ok {
		l.mode = ModeSoft
	}
	return l
}

// Mode reports the effective counting mode.
func (l *Limiter) Mode() Mode {
	return l.mode
}

// Check counts one request for key against limit per windowSeconds.
func (l *Limiter) Check(ctx context.Context, key string, windowSeconds, limit int) (Decision, error) {
	if windowSeconds <= 0 || limit <= 0 {
		return Decision{}, fmt.Errorf("rate limit window and limit must be positive")
	}
	window := time.Duration(windowSeconds) * time.Second
	now := l.now().UTC().Truncate(time.Second)

	if l.mode == ModeAtomic {
		return l.checkAtomic(ctx, key, now, window, limit)
	}
	return l.checkSoft(ctx, key, now, window, limit)
}

func (l *Limiter) checkSoft(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Decision, error) {
	c, err := l.store.Load(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("load counter: %w", err)
	}

	if c == nil || now.Sub(c.WindowStart) >= window {
		fresh := Counter{Key: key, Count: 1, WindowStart: now}
		if err := l.store.Save(ctx, fresh, now.Add(window)); err != nil {
			return Decision{}, fmt.Errorf("save counter: %w", err)
		}
		return allowed(fresh, window, limit), nil
	}

	if c.Count < int64(limit) {
		c.Count++
		if err := l.store.Save(ctx, *c, c.WindowStart.Add(window)); err != nil {
			return Decision{}, fmt.Errorf("save counter: %w", err)
		}
		return allowed(*c, window, limit), nil
	}
	return denied(*c, now, window, limit), nil
}

func (l *Limiter) checkAtomic(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Decision, error) {
	c, err := l.store.(AtomicStore).Increment(ctx, key, now, window)
	if err != nil {
		return Decision{}, fmt.Errorf("increment counter: %w", err)
	}
	if c.Count <= int64(limit) {
		return allowed(c, window, limit), nil
	}
	return denied(c, now, window, limit), nil
}

func allowed(c Counter, window time.Duration, limit int) Decision {
	remaining := limit - int(c.Count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   c.WindowStart.Add(window),
	}
}

func denied(c Counter, now time.Time, window time.Duration, limit int) Decision {
	retry := int((window - now.Sub(c.WindowStart)) / time.Second)
	if retry < 1 {
		retry = 1
	}
	return Decision{
		Allowed:           false,
		Limit:             limit,
		Remaining:         0,
		RetryAfterSeconds: retry,
		ResetAt:           c.WindowStart.Add(window),
	}
}
