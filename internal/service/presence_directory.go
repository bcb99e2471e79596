package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceDirectory guarda qué conexión tiene hoy cada usuario. Un solo registro por usuario.
type PresenceDirectory interface {
	Set(ctx context.Context, userID, connID string) error
	Get(ctx context.Context, userID string) (string, bool, error)
	// Delete borra el registro solo si todavía apunta a connID.
	Delete(ctx context.Context, userID, connID string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

type memoryPresenceDirectory struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryPresenceDirectory() PresenceDirectory {
	return &memoryPresenceDirectory{
		items: make(map[string]string),
	}
}

func (d *memoryPresenceDirectory) Set(_ context.Context, userID, connID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items[userID] = connID
	return nil
}

func (d *memoryPresenceDirectory) Get(_ context.Context, userID string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	connID, ok := d.items[strings.TrimSpace(userID)]
	return connID, ok, nil
}

func (d *memoryPresenceDirectory) Delete(_ context.Context, userID, connID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	d.mu.Lock()
	defer d.mu.Unlock()
	current, ok := d.items[userID]
	if !ok || current != connID {
		return false, nil
	}
	delete(d.items, userID)
	return true, nil
}

func (d *memoryPresenceDirectory) List(_ context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.items))
	for userID := range d.items {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out, nil
}

const redisPresenceReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

type redisPresenceClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

type redisPresenceDirectory struct {
	client   redisPresenceClient
	prefix   string
	scanSize int64
}

// NewRedisPresenceDirectory usa claves presence:<userId> para que varias instancias compartan el estado.
func NewRedisPresenceDirectory(client *redis.Client) PresenceDirectory {
	if client == nil {
		return nil
	}
	return &redisPresenceDirectory{
		client:   client,
		prefix:   "presence:",
		scanSize: 200,
	}
}

func (d *redisPresenceDirectory) Set(ctx context.Context, userID, connID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}
	return d.client.Set(ctx, d.prefix+userID, connID, 0).Err()
}

func (d *redisPresenceDirectory) Get(ctx context.Context, userID string) (string, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", false, nil
	}
	connID, err := d.client.Get(ctx, d.prefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return connID, true, nil
}

func (d *redisPresenceDirectory) Delete(ctx context.Context, userID, connID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, nil
	}
	n, err := d.client.Eval(ctx, redisPresenceReleaseScript, []string{d.prefix + userID}, connID).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *redisPresenceDirectory) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := d.client.Scan(ctx, cursor, d.prefix+"*", d.scanSize).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if userID := strings.TrimPrefix(key, d.prefix); userID != "" {
				seen[userID] = struct{}{}
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	out := make([]string, 0, len(seen))
	for userID := range seen {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out, nil
}
