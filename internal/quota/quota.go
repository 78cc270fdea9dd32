// Package quota enforces per-identity send limits across sliding minute, hour
// and day windows, with a cooldown penalty for burst breaches and a randomized
// pacing delay applied before every send.
//
// State is held in memory per process; in a multi-instance deployment each
// instance tracks its own counters. All per-identity state is guarded by a
// per-identity mutex so concurrent dispatches for the same identity cannot
// under-count.
package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BranchLine/FunnelPipe/internal/util"
)

// Limits configures the tracker's windows, counters and pacing range.
type Limits struct {
	MinuteLimit int
	HourLimit   int
	DayLimit    int

	MinuteWindow time.Duration
	HourWindow   time.Duration
	DayWindow    time.Duration

	// Cooldown applied when the minute limit is breached.
	Cooldown time.Duration

	// Pacing delay range applied before every send.
	PacingMin time.Duration
	PacingMax time.Duration
}

// DefaultLimits returns the stock limit configuration.
func DefaultLimits() Limits {
	return Limits{
		MinuteLimit:  6,
		HourLimit:    60,
		DayLimit:     300,
		MinuteWindow: time.Minute,
		HourWindow:   time.Hour,
		DayWindow:    24 * time.Hour,
		Cooldown:     time.Minute,
		PacingMin:    3 * time.Second,
		PacingMax:    10 * time.Second,
	}
}

// Fraction of the minute limit at which a usage warning is logged.
const warnFraction = 0.8

// WindowStatus describes one counter window for an identity.
type WindowStatus struct {
	Count     int           `json:"count"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"reset_in"`
}

// Status is the full quota view for one identity.
type Status struct {
	Minute        WindowStatus `json:"minute"`
	Hour          WindowStatus `json:"hour"`
	Day           WindowStatus `json:"day"`
	InCooldown    bool         `json:"in_cooldown"`
	CooldownUntil time.Time    `json:"cooldown_until,omitempty"`
}

type window struct {
	count int
	start time.Time
}

// reset zeroes the window if its length has fully elapsed.
func (w *window) reset(now time.Time, length time.Duration) {
	if w.start.IsZero() {
		w.start = now
		return
	}
	if now.Sub(w.start) >= length {
		w.count = 0
		w.start = now
	}
}

type identityState struct {
	mu            sync.Mutex
	minute        window
	hour          window
	day           window
	inCooldown    bool
	cooldownUntil time.Time
	cooled        bool // cooldown already served for the current minute window
	warned        bool // minute-limit warning emitted for the current window
}

// Opts holds configuration options for the Tracker.
type Opts struct {
	Limits Limits
	Clock  func() time.Time
}

// Option defines a configuration option for the Tracker.
type Option func(*Opts)

// WithLimits overrides the default limit configuration.
func WithLimits(l Limits) Option {
	return func(o *Opts) { o.Limits = l }
}

// WithClock injects a clock, used by tests to control time.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Tracker tracks per-identity send quotas. Identity state is created lazily on
// first reference and lives for the process lifetime.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*identityState
	limits Limits
	clock  func() time.Time
}

// NewTracker creates a quota tracker, applying any provided options.
func NewTracker(opts ...Option) *Tracker {
	cfg := Opts{Limits: DefaultLimits(), Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("quota.NewTracker: tracker created",
		"minuteLimit", cfg.Limits.MinuteLimit,
		"hourLimit", cfg.Limits.HourLimit,
		"dayLimit", cfg.Limits.DayLimit,
		"cooldown", cfg.Limits.Cooldown)
	return &Tracker{
		states: make(map[string]*identityState),
		limits: cfg.Limits,
		clock:  cfg.Clock,
	}
}

// state returns the lazily created state for an identity.
func (t *Tracker) state(identityID string) *identityState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[identityID]
	if !ok {
		st = &identityState{}
		t.states[identityID] = st
		slog.Debug("quota.Tracker: initialized state for identity", "identityID", identityID)
	}
	return st
}

// CheckLimit reports whether the identity may send right now. Windows whose
// length has elapsed are reset before evaluation; a cooldown that has expired
// auto-clears. Crossing the minute limit transitions the identity into
// cooldown; hour and day breaches deny without penalty.
func (t *Tracker) CheckLimit(identityID string) bool {
	st := t.state(identityID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return t.evaluate(identityID, st)
}

// RecordMessage increments all three counters together. Callers must not
// record without a preceding successful check.
func (t *Tracker) RecordMessage(identityID string) {
	st := t.state(identityID)
	st.mu.Lock()
	defer st.mu.Unlock()
	t.record(identityID, st)
}

// CheckAndRecord atomically performs CheckLimit followed by RecordMessage
// under the identity's lock, so two in-flight dispatches for the same identity
// cannot both pass a stale check. This is the entry point the dispatch
// pipeline uses.
func (t *Tracker) CheckAndRecord(identityID string) bool {
	st := t.state(identityID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !t.evaluate(identityID, st) {
		return false
	}
	t.record(identityID, st)
	return true
}

// evaluate must be called with st.mu held.
func (t *Tracker) evaluate(identityID string, st *identityState) bool {
	now := t.clock()
	t.resetWindows(st, now)

	if st.inCooldown {
		if now.Before(st.cooldownUntil) {
			slog.Debug("quota.Tracker: identity in cooldown", "identityID", identityID, "until", st.cooldownUntil)
			return false
		}
		st.inCooldown = false
		st.cooldownUntil = time.Time{}
		slog.Info("quota.Tracker: cooldown cleared", "identityID", identityID)
	}

	// Windows are evaluated minute -> hour -> day; only the minute breach
	// carries the cooldown penalty, distinguishing transient bursts from
	// sustained-limit breaches. The penalty is served at most once per minute
	// window: after a cooldown expires, a still-full counter denies without
	// re-arming until the window itself resets.
	if st.minute.count >= t.limits.MinuteLimit {
		if st.cooled {
			slog.Debug("quota.Tracker: minute limit still full after cooldown",
				"identityID", identityID, "count", st.minute.count, "limit", t.limits.MinuteLimit)
			return false
		}
		st.cooled = true
		st.inCooldown = true
		st.cooldownUntil = now.Add(t.limits.Cooldown)
		slog.Warn("quota.Tracker: minute limit breached, entering cooldown",
			"identityID", identityID, "count", st.minute.count, "limit", t.limits.MinuteLimit, "until", st.cooldownUntil)
		return false
	}
	if st.hour.count >= t.limits.HourLimit {
		slog.Info("quota.Tracker: hour limit reached", "identityID", identityID, "count", st.hour.count, "limit", t.limits.HourLimit)
		return false
	}
	if st.day.count >= t.limits.DayLimit {
		slog.Info("quota.Tracker: day limit reached", "identityID", identityID, "count", st.day.count, "limit", t.limits.DayLimit)
		return false
	}

	if !st.warned && float64(st.minute.count) >= warnFraction*float64(t.limits.MinuteLimit) {
		st.warned = true
		slog.Warn("quota.Tracker: identity approaching minute limit",
			"identityID", identityID, "count", st.minute.count, "limit", t.limits.MinuteLimit)
	}
	return true
}

// record must be called with st.mu held. The three counters move together.
func (t *Tracker) record(identityID string, st *identityState) {
	now := t.clock()
	t.resetWindows(st, now)
	st.minute.count++
	st.hour.count++
	st.day.count++
	slog.Debug("quota.Tracker: message recorded",
		"identityID", identityID, "minute", st.minute.count, "hour", st.hour.count, "day", st.day.count)
}

// resetWindows must be called with st.mu held.
func (t *Tracker) resetWindows(st *identityState, now time.Time) {
	beforeMinute := st.minute.count
	st.minute.reset(now, t.limits.MinuteWindow)
	st.hour.reset(now, t.limits.HourWindow)
	st.day.reset(now, t.limits.DayWindow)
	if st.minute.count == 0 && beforeMinute != 0 {
		st.warned = false
		st.cooled = false
	}
}

// AddPacingDelay blocks for a uniformly random interval within the configured
// pacing range, independent of quota state. It returns early with the context
// error if the context is cancelled.
func (t *Tracker) AddPacingDelay(ctx context.Context) error {
	delay := util.RandomDuration(t.limits.PacingMin, t.limits.PacingMax)
	slog.Debug("quota.Tracker: applying pacing delay", "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the per-window counts for an identity, resetting any elapsed
// windows first.
func (t *Tracker) Status(identityID string) Status {
	st := t.state(identityID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := t.clock()
	t.resetWindows(st, now)

	return Status{
		Minute:        windowStatus(st.minute, t.limits.MinuteLimit, t.limits.MinuteWindow, now),
		Hour:          windowStatus(st.hour, t.limits.HourLimit, t.limits.HourWindow, now),
		Day:           windowStatus(st.day, t.limits.DayLimit, t.limits.DayWindow, now),
		InCooldown:    st.inCooldown && now.Before(st.cooldownUntil),
		CooldownUntil: st.cooldownUntil,
	}
}

func windowStatus(w window, limit int, length time.Duration, now time.Time) WindowStatus {
	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	resetIn := length
	if !w.start.IsZero() {
		resetIn = length - now.Sub(w.start)
		if resetIn < 0 {
			resetIn = 0
		}
	}
	return WindowStatus{Count: w.count, Limit: limit, Remaining: remaining, ResetIn: resetIn}
}
