package service

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// KeyDirectory guarda la clave pública vigente de cada usuario.
// Get omite los usuarios sin clave publicada.
type KeyDirectory interface {
	Set(ctx context.Context, userID, key string) error
	Get(ctx context.Context, userIDs []string) (map[string]string, error)
	Delete(ctx context.Context, userID string) error
}

type memoryKeyDirectory struct {
	mu   sync.RWMutex
	keys map[string]string
}

// NewMemoryKeyDirectory es local al proceso; las claves se pierden al reiniciar.
func NewMemoryKeyDirectory() KeyDirectory {
	return &memoryKeyDirectory{
		keys: make(map[string]string),
	}
}

func (d *memoryKeyDirectory) Set(_ context.Context, userID, key string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[userID] = key
	return nil
}

func (d *memoryKeyDirectory) Get(_ context.Context, userIDs []string) (map[string]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		if key, ok := d.keys[id]; ok {
			out[id] = key
		}
	}
	return out, nil
}

func (d *memoryKeyDirectory) Delete(_ context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, strings.TrimSpace(userID))
	return nil
}

type redisHashClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

type redisKeyDirectory struct {
	client redisHashClient
	hash   string
}

func NewRedisKeyDirectory(client *redis.Client) KeyDirectory {
	if client == nil {
		return nil
	}
	return &redisKeyDirectory{
		client: client,
		hash:   "pubkeys",
	}
}

func (d *redisKeyDirectory) Set(ctx context.Context, userID, key string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}
	return d.client.HSet(ctx, d.hash, userID, key).Err()
}

func (d *redisKeyDirectory) Get(ctx context.Context, userIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	vals, err := d.client.HMGet(ctx, d.hash, userIDs...).Result()
	if err != nil {
		return nil, err
	}
	for i, val := range vals {
		if i >= len(userIDs) {
			break
		}
		key, ok := val.(string)
		if !ok {
			continue
		}
		out[userIDs[i]] = key
	}
	return out, nil
}

func (d *redisKeyDirectory) Delete(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}
	return d.client.HDel(ctx, d.hash, userID).Err()
}
