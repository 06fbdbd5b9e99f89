package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/auth"
)

// maxMemoryEntries bounds the in-memory store. Beyond it, expired windows are
// dropped first, then the oldest windows until half the bound remains.
const maxMemoryEntries = 10000

// RateLimitPolicy is a fixed window budget.
type RateLimitPolicy struct {
	Limit  int
	Window time.Duration
}

var (
	StrictRateLimit   = RateLimitPolicy{Limit: 5, Window: time.Minute}
	ModerateRateLimit = RateLimitPolicy{Limit: 10, Window: 10 * time.Second}
	LenientRateLimit  = RateLimitPolicy{Limit: 100, Window: time.Minute}
)

// Window is the state of one client's current window after a hit.
type Window struct {
	Count   int
	ResetAt time.Time
}

// RateLimitStore counts hits per key within a fixed window.
type RateLimitStore interface {
	// Hit records one request for key and returns the window it fell in.
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error)
}

// MemoryStore is a per-process RateLimitStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Window)}
}

func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration, now time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evict(now)

	entry, ok := s.entries[key]
	if !ok || entry.ResetAt.Before(now) {
		entry = &Window{ResetAt: now.Add(window)}
		s.entries[key] = entry
	}
	entry.Count++
	return *entry, nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) evict(now time.Time) {
	if len(s.entries) <= maxMemoryEntries {
		return
	}
	for key, entry := range s.entries {
		if entry.ResetAt.Before(now) {
			delete(s.entries, key)
		}
	}
	if len(s.entries) <= maxMemoryEntries {
		return
	}

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.entries[keys[i]].ResetAt.Before(s.entries[keys[j]].ResetAt)
	})
	for _, key := range keys[:len(keys)-maxMemoryEntries/2] {
		delete(s.entries, key)
	}
}

// RedisStore shares windows across instances. Keys expire with their window.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "genie:ratelimit:"}
}

func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error) {
	redisKey := s.prefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Window{}, fmt.Errorf("rate limit hit: %w", err)
	}

	remaining := ttl.Val()
	// A fresh counter has no TTL yet; the first hit opens the window.
	if remaining < 0 {
		if err := s.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return Window{}, fmt.Errorf("rate limit expire: %w", err)
		}
		remaining = window
	}
	return Window{Count: int(incr.Val()), ResetAt: now.Add(remaining)}, nil
}

// RateLimiter rejects requests beyond the policy with 429.
type RateLimiter struct {
	store  RateLimitStore
	logger *zap.Logger
	now    func() time.Time
}

func NewRateLimiter(store RateLimitStore, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{store: store, logger: logger.Named("rate-limiter"), now: time.Now}
}

// Limit returns middleware enforcing policy. Authenticated requests are keyed
// by user, others by client IP. Store errors let the request through.
func (rl *RateLimiter) Limit(policy RateLimitPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := rl.now()
			key := clientKey(r)

			win, err := rl.store.Hit(r.Context(), key, policy.Window, now)
			if err != nil {
				rl.logger.Warn("Rate limit store unavailable, allowing request", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			if win.Count > policy.Limit {
				retryAfter := int(math.Ceil(win.ResetAt.Sub(now).Seconds()))
				h := w.Header()
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("X-RateLimit-Limit", strconv.Itoa(policy.Limit))
				h.Set("X-RateLimit-Remaining", "0")
				h.Set("X-RateLimit-Reset", strconv.FormatInt(int64(math.Ceil(float64(win.ResetAt.UnixMilli())/1000)), 10))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "Rate limit exceeded",
					"message": fmt.Sprintf("Too many requests. Please try again in %d seconds.", retryAfter),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if userID := auth.GetUserIDFromContext(r.Context()); userID != "" {
		return "user:" + userID
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return "anonymous"
}
