package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ipLimiter applies a per-client-IP token bucket in process.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *ipLimiter) allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	l.mu.Lock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// triggerLimiterScript implements a token bucket atomically in Redis, shared
// across gateway replicas, keyed per principal.
// KEYS[1] bucket key; ARGV: refill rate/sec, capacity, cost, now (seconds).
var triggerLimiterScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// TriggerLimiter throttles submissions per principal.
type TriggerLimiter interface {
	Allow(ctx context.Context, principal string) (bool, error)
}

// RedisTriggerLimiter shares one bucket per principal across replicas.
type RedisTriggerLimiter struct {
	client    *redis.Client
	capacity  int64
	refillSec float64
}

// NewRedisTriggerLimiter connects the shared limiter.
func NewRedisTriggerLimiter(addr string, capacity int64, refillPerSec float64) *RedisTriggerLimiter {
	return &RedisTriggerLimiter{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		capacity:  capacity,
		refillSec: refillPerSec,
	}
}

func (l *RedisTriggerLimiter) Allow(ctx context.Context, principal string) (bool, error) {
	key := fmt.Sprintf("mandate:trigger:%s", principal)
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := triggerLimiterScript.Run(ctx, l.client, []string{key},
		l.refillSec, l.capacity, 1, now).Int64()
	if err != nil {
		return false, fmt.Errorf("trigger limiter: %w", err)
	}
	return res == 1, nil
}

// rateLimit rejects over-limit requests with 429 before any decoding.
func (s *Server) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.ips != nil && !s.ips.allow(r.RemoteAddr) {
			writeProblem(w, r, http.StatusTooManyRequests, "Rate Limited", "per-IP limit exceeded")
			return
		}
		next(w, r)
	}
}

// limitTrigger applies the shared per-principal bucket when configured.
func (s *Server) limitTrigger(ctx context.Context, w http.ResponseWriter, r *http.Request, principal string) bool {
	if s.triggers == nil {
		return true
	}
	ok, err := s.triggers.Allow(ctx, principal)
	if err != nil {
		// Limiter backend outage must not take the engine down with it.
		s.logger.Warn("trigger limiter unavailable", "error", err)
		return true
	}
	if !ok {
		writeProblem(w, r, http.StatusTooManyRequests, "Rate Limited", "principal trigger limit exceeded")
	}
	return ok
}
