/**
 * @description
 * Redis-backed sliding-window rate limiter for the invite endpoints. Each
 * attempt is a timestamped member in a per-subject sorted set; one Lua script
 * prunes entries older than the window, decides admission against the scope's
 * policy, and reports how long the caller must wait for the oldest entry to
 * age out. The sorted set lives in Redis so the window holds across replicas,
 * and the sliding window avoids the burst-at-the-boundary artifact of a
 * fixed-window counter: a subject can never exceed the limit inside any
 * window-sized interval.
 *
 * Scope policies (limit and window per scope name) are fixed at construction;
 * an unknown or disabled scope admits everything.
 *
 * @dependencies
 * - context, fmt, math, strings, time: Standard Go libraries.
 * - github.com/google/uuid: Unique member values for concurrent attempts.
 * - github.com/redis/go-redis/v9: Redis client and script support.
 */

package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Rate-limit scope names, shared between the service and limiter policies.
const (
	RateScopeJoin         = "join"
	RateScopeInviteLookup = "invite_lookup"
)

// slidingWindowScript admits or rejects one attempt. KEYS[1] is the subject
// set; ARGV is (now_ms, window_ms, limit, member). Returns {admitted, wait_ms}
// where wait_ms is how long until the oldest in-window entry expires.
var slidingWindowScript = redis.NewScript(`
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, cutoff)
local count = redis.call("ZCARD", KEYS[1])
if count < tonumber(ARGV[3]) then
  redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return {1, 0}
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local wait = tonumber(ARGV[2])
if oldest[2] then
  wait = tonumber(oldest[2]) + tonumber(ARGV[2]) - tonumber(ARGV[1])
end
return {0, wait}
`)

// LimitPolicy is one scope's admission budget.
type LimitPolicy struct {
	Limit  int
	Window time.Duration
}

// RedisRateLimiter implements distributed sliding-window rate limiting.
type RedisRateLimiter struct {
	client   redis.UniversalClient
	prefix   string
	policies map[string]LimitPolicy
	nowFn    func() time.Time
}

// NewRedisRateLimiter builds a limiter with per-scope policies. Scopes absent
// from the map, or with a non-positive limit, are not limited.
func NewRedisRateLimiter(client redis.UniversalClient, prefix string, policies map[string]LimitPolicy) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "squadsave:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRateLimiter{
		client:   client,
		prefix:   trimmedPrefix,
		policies: policies,
		nowFn:    time.Now,
	}
}

// Allow charges one attempt for the subject under the scope's policy.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string) (allowed bool, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil {
		return true, 0, nil
	}
	policy, configured := r.policies[strings.TrimSpace(scope)]
	if !configured || policy.Limit <= 0 {
		return true, 0, nil
	}
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedSubject == "" {
		return true, 0, nil
	}

	window := policy.Window
	if window < time.Second {
		window = time.Second
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, strings.TrimSpace(scope), normalizedSubject)
	rawResult, err := slidingWindowScript.Run(ctx, r.client, []string{key},
		r.nowFn().UnixMilli(), window.Milliseconds(), policy.Limit, uuid.NewString()).Result()
	if err != nil {
		return false, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	admitted, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis limiter verdict type: %T", values[0])
	}
	waitMs, ok := values[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis limiter wait type: %T", values[1])
	}

	if admitted == 1 {
		return true, 0, nil
	}
	retryAfter := int(math.Ceil(float64(waitMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}
