package limits

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/signing"
)

type Policy struct {
	RequestsPerMinute int
	Burst             int
}

func (p Policy) Enabled() bool {
	return p.RequestsPerMinute > 0
}

// Result describes a rejected request.
type Result struct {
	Code              string
	Message           string
	RetryAfterSeconds int
}

// ChatLimiter throttles chat sends per caller. Callers are keyed by the token
// fragment so the full bearer token is never held as a map key.
type ChatLimiter struct {
	policy Policy
	nowFn  func() time.Time

	mu        sync.Mutex
	limiters  map[string]*callerLimiter
	lastSweep time.Time
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	idleLimiterTTL   = 10 * time.Minute
	sweepInterval    = 2 * time.Minute
	rateLimitedCode  = "CHAT_RATE_LIMIT_EXCEEDED"
	rateLimitedError = "too many chat requests, slow down"
)

func NewChatLimiter(policy Policy) *ChatLimiter {
	if policy.Burst <= 0 {
		policy.Burst = 1
	}
	return &ChatLimiter{
		policy:   policy,
		nowFn:    time.Now,
		limiters: map[string]*callerLimiter{},
	}
}

func (l *ChatLimiter) Enabled() bool {
	return l != nil && l.policy.Enabled()
}

// Allow consumes one token for creds and returns a Result when the caller is
// over its rate.
func (l *ChatLimiter) Allow(creds auth.Credentials) *Result {
	if !l.Enabled() {
		return nil
	}
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeSweep(now)

	key := string(creds.Method) + "|" + signing.TokenFragment(creds.Token)
	entry, ok := l.limiters[key]
	if !ok {
		perSecond := rate.Limit(float64(l.policy.RequestsPerMinute) / 60)
		entry = &callerLimiter{limiter: rate.NewLimiter(perSecond, l.policy.Burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return &Result{Code: rateLimitedCode, Message: rateLimitedError, RetryAfterSeconds: 60}
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	reservation.CancelAt(now)
	return &Result{
		Code:              rateLimitedCode,
		Message:           rateLimitedError,
		RetryAfterSeconds: int(math.Max(1, math.Ceil(delay.Seconds()))),
	}
}

func (l *ChatLimiter) maybeSweep(now time.Time) {
	if !l.lastSweep.IsZero() && now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > idleLimiterTTL {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}

// Middleware applies the limiter to requests carrying credentials in context.
func Middleware(limiter *ChatLimiter, next http.Handler) http.Handler {
	if !limiter.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds, ok := auth.CredentialsFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if result := limiter.Allow(creds); result != nil {
			writeLimitError(w, *result)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeLimitError(w http.ResponseWriter, result Result) {
	payload := map[string]any{
		"error": result.Message,
		"code":  result.Code,
	}
	if result.RetryAfterSeconds > 0 {
		payload["retry_after_seconds"] = result.RetryAfterSeconds
		w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(payload)
}
