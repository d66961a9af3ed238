package ratelimiting

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type globalRateState struct {
	MaximumRequests uint64
	Period          time.Duration

	ResetTime time.Time
	Requests  atomic.Uint64
}

// GlobalRateLimiter caps the total requests admitted per period across the
// whole process. Admission checks are a single atomic increment; the lock
// is only taken on the period boundary.
type GlobalRateLimiter struct {
	lock  sync.Mutex
	state atomic.Pointer[globalRateState]
}

var _ RateLimiter = (*GlobalRateLimiter)(nil)

// calculateAlignedResetTime aligns the window start to a multiple of the
// period, so every process in a fleet resets at the same instant.
func calculateAlignedResetTime(now time.Time, period time.Duration) time.Time {
	nowNs := now.UnixNano()
	periodNs := int64(period / time.Nanosecond)
	alignedNowNs := (nowNs / periodNs) * periodNs
	alignedNow := time.Unix(0, alignedNowNs)
	return alignedNow.Add(period)
}

// NewGlobalRateLimiter builds a limiter admitting maximumRequests per
// period. A maximum of zero admits everything.
func NewGlobalRateLimiter(maximumRequests uint64, period time.Duration) *GlobalRateLimiter {
	state := &globalRateState{
		MaximumRequests: maximumRequests,
		Period:          period,
		ResetTime:       calculateAlignedResetTime(time.Now(), period),
	}

	limiter := &GlobalRateLimiter{}
	limiter.state.Store(state)

	return limiter
}

func (l *GlobalRateLimiter) getState() *globalRateState {
	state := l.state.Load()

	now := time.Now()
	if !now.Before(state.ResetTime) {
		l.lock.Lock()
		defer l.lock.Unlock()

		// Another goroutine may have rolled the window while we waited
		// on the lock.
		state = l.state.Load()
		if now.Before(state.ResetTime) {
			return state
		}

		state = &globalRateState{
			MaximumRequests: state.MaximumRequests,
			Period:          state.Period,
			ResetTime:       calculateAlignedResetTime(now, state.Period),
		}
		l.state.Store(state)

		return state
	}

	return state
}

func (l *GlobalRateLimiter) checkAllowed() bool {
	state := l.getState()
	reqNum := state.Requests.Add(1)

	if state.MaximumRequests == 0 {
		return true
	}

	// reqNum is 1-based, hence <= rather than <.
	return reqNum <= state.MaximumRequests
}

// ResetAndUpdateRateLimit swaps in a new limit.  The current window's count
// is discarded as part of the update.
func (l *GlobalRateLimiter) ResetAndUpdateRateLimit(maximumRequests uint64, period time.Duration) {
	l.lock.Lock()
	defer l.lock.Unlock()

	state := &globalRateState{
		MaximumRequests: maximumRequests,
		Period:          period,
		ResetTime:       calculateAlignedResetTime(time.Now(), period),
	}
	l.state.Store(state)
}

func (l *GlobalRateLimiter) HttpMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.checkAllowed() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
