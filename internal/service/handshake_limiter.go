package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// HandshakeLimiter acota los intentos de conexión por cliente antes de verificar el token.
type HandshakeLimiter interface {
	Allow(ctx context.Context, key string) bool
}

type memoryHandshakeLimiter struct {
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	idleTTL    time.Duration
	byKey      map[string]*limiterEntry
	hits       uint64
	sweepEvery uint64
	now        func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryHandshakeLimiter usa un token bucket por clave local al proceso:
// max intentos de ráfaga que se recargan a lo largo de window.
// Las claves sin uso durante window se descartan, el bucket ya estaría lleno.
func NewMemoryHandshakeLimiter(window time.Duration, max int) HandshakeLimiter {
	window, max = normalizeLimit(window, max)
	return &memoryHandshakeLimiter{
		limit:      rate.Limit(float64(max) / window.Seconds()),
		burst:      max,
		idleTTL:    window,
		byKey:      make(map[string]*limiterEntry),
		sweepEvery: 512,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (l *memoryHandshakeLimiter) Allow(_ context.Context, key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	e, ok := l.byKey[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.sweepEvery > 0 && l.hits%l.sweepEvery == 0 {
		l.evictIdle(now)
	}
	return allowed
}

func (l *memoryHandshakeLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, e := range l.byKey {
		if e.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
		}
	}
}

func (l *memoryHandshakeLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

const redisHandshakeAllowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`

type redisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type redisHandshakeLimiter struct {
	client redisEvaler
	window time.Duration
	max    int
	prefix string
}

// NewRedisHandshakeLimiter comparte el contador entre instancias (ventana fija).
func NewRedisHandshakeLimiter(client *redis.Client, window time.Duration, max int) HandshakeLimiter {
	if client == nil {
		return nil
	}
	window, max = normalizeLimit(window, max)
	return &redisHandshakeLimiter{
		client: client,
		window: window,
		max:    max,
		prefix: "handshake:rl:",
	}
}

func (l *redisHandshakeLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil || l.client == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	seconds := int(l.window.Seconds())
	if seconds <= 0 {
		seconds = 60
	}
	count, err := l.client.Eval(ctx, redisHandshakeAllowScript, []string{l.prefix + key}, seconds).Int()
	if err != nil {
		// Redis caído no debe cortar las conexiones.
		return true
	}
	return count <= l.max
}

func normalizeLimit(window time.Duration, max int) (time.Duration, int) {
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 1
	}
	return window, max
}
