package httpx

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	limiterSweepInterval = 5 * time.Minute
	redisLimiterTimeout  = 250 * time.Millisecond
)

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) Decision
	Close() error
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	Count   int
	Reset   time.Time
}

// MemoryLimiter keeps windows in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type window struct {
	count int
	end   time.Time
}

// NewMemoryLimiter starts a limiter that drops expired windows periodically.
func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{
		windows: make(map[string]window),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int, d time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if d <= 0 {
		d = time.Minute
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.end) {
		w = window{end: now.Add(d)}
	}
	if w.count >= limit {
		return Decision{Allowed: false, Count: w.count, Reset: w.end}
	}
	w.count++
	l.windows[key] = w
	return Decision{Allowed: true, Count: w.count, Reset: w.end}
}

func (l *MemoryLimiter) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *MemoryLimiter) sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if !now.Before(w.end) {
			delete(l.windows, key)
		}
	}
}

func (l *MemoryLimiter) Close() error {
	l.once.Do(func() { close(l.stop) })
	return nil
}

// RedisLimiter shares windows across builder replicas. Redis errors fail open.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisLimiter connects to addr and verifies the connection.
func NewRedisLimiter(addr, password string, db int, logger *slog.Logger) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{client: client, prefix: "peep:ratelimit:", logger: logger.With("component", "ratelimit")}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, d time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if d <= 0 {
		d = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, redisLimiterTimeout)
	defer cancel()

	redisKey := l.prefix + key
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, d)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limit check failed", "key", key, "error", err)
		return Decision{Allowed: true}
	}
	remaining := ttl.Val()
	if remaining <= 0 {
		remaining = d
	}
	count := int(incr.Val())
	return Decision{Allowed: count <= limit, Count: count, Reset: time.Now().Add(remaining)}
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

func (r *Router) withRateLimit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.limiter == nil || r.deployLimit <= 0 {
			next(w, req)
			return
		}
		decision := r.limiter.Allow(req.Context(), clientKey(req), r.deployLimit, r.deployWindow)
		remaining := r.deployLimit - decision.Count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(r.deployLimit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !decision.Reset.IsZero() {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))
		}
		if !decision.Allowed {
			r.metrics.rateLimited(route)
			if wait := time.Until(decision.Reset); wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			}
			r.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func clientKey(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}
