package detect

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RateLimitConfig tunes the per-user sliding-window limiter. Zero values
// take the defaults below.
type RateLimitConfig struct {
	// MaxAttempts is the number of analyses allowed per window before the
	// user is banned.
	MaxAttempts int

	// Window is the sliding window length.
	Window time.Duration

	// BanDuration is how long a ban lasts once triggered.
	BanDuration time.Duration
}

// Limiter defaults: 20 analyses per 10 minutes, 1 hour ban.
const (
	defaultMaxAttempts = 20
	defaultWindow      = 10 * time.Minute
	defaultBanDuration = time.Hour

	// entryMaxAge is how old an idle entry may grow before the sweep
	// evicts it.
	entryMaxAge = 24 * time.Hour
)

// userState is the per-user sliding-window state.
type userState struct {
	attempts     int
	firstAttempt time.Time
	lastAttempt  time.Time
	banned       bool
	banExpiry    time.Time
}

// RateLimiter tracks screening attempts per user in a sliding window.
// All methods are safe for concurrent use.
type RateLimiter struct {
	mu    sync.Mutex
	users map[string]*userState
	cfg   RateLimitConfig
	now   func() time.Time
}

// NewRateLimiter creates a limiter, filling zero config values with the
// defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = defaultBanDuration
	}
	return &RateLimiter{
		users: make(map[string]*userState),
		cfg:   cfg,
		now:   time.Now,
	}
}

// Record counts one analysis for userID and reports whether the user is
// banned. MaxAttempts calls within the window pass; the first call over the
// limit sets the ban and is itself rejected.
func (rl *RateLimiter) Record(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	st, ok := rl.users[userID]
	if !ok {
		st = &userState{firstAttempt: now}
		rl.users[userID] = st
	}

	if st.banned {
		if now.Before(st.banExpiry) {
			st.lastAttempt = now
			return true
		}
		// Ban expired: reset the window entirely.
		*st = userState{firstAttempt: now}
	}

	// Window expired: reset attempt accounting.
	if now.Sub(st.firstAttempt) > rl.cfg.Window {
		st.attempts = 0
		st.firstAttempt = now
	}

	st.attempts++
	st.lastAttempt = now

	if st.attempts > rl.cfg.MaxAttempts {
		st.banned = true
		st.banExpiry = now.Add(rl.cfg.BanDuration)
		slog.Warn("user banned by injection rate limiter",
			"user", userID,
			"attempts", st.attempts,
			"ban_until", st.banExpiry,
		)
		return true
	}
	return false
}

// Banned reports whether userID is currently banned, without counting an
// attempt.
func (rl *RateLimiter) Banned(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	st, ok := rl.users[userID]
	if !ok || !st.banned {
		return false
	}
	return rl.now().Before(st.banExpiry)
}

// Risk scores userID's recent detector pressure in [0,1]: the fraction of
// the attempt budget consumed in the current window, 1 while banned.
// Unknown users score 0.
func (rl *RateLimiter) Risk(userID string) float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	st, ok := rl.users[userID]
	if !ok {
		return 0
	}
	now := rl.now()
	if st.banned {
		if now.Before(st.banExpiry) {
			return 1
		}
		return 0
	}
	if now.Sub(st.firstAttempt) > rl.cfg.Window {
		return 0
	}
	return min(float64(st.attempts)/float64(rl.cfg.MaxAttempts), 1)
}

// Sweep evicts entries idle for longer than 24 hours. Returns the number of
// evicted entries.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	evicted := 0
	for id, st := range rl.users {
		if now.Sub(st.lastAttempt) > entryMaxAge {
			delete(rl.users, id)
			evicted++
		}
	}
	return evicted
}

// StartSweep runs Sweep periodically until ctx is cancelled.
func (rl *RateLimiter) StartSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(bansweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := rl.Sweep(); n > 0 {
					slog.Debug("rate limiter sweep", "evicted", n)
				}
			}
		}
	}()
}
