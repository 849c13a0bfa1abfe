package imagestore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound reports a handle that was released, expired, or never existed.
var ErrNotFound = errors.New("image handle not found")

// Blob is an image held behind a display handle.
type Blob struct {
	MIMEType string
	Data     []byte
}

// Backend abstracts the key/value operations the store needs so tests can
// run without Redis.
type Backend interface {
	Put(ctx context.Context, key string, blob Blob, expiration time.Duration) error
	Get(ctx context.Context, key string) (Blob, error)
	Delete(ctx context.Context, key string) error
}

// RedisBackend keeps each blob in a Redis hash that expires on its own.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend constructs a Redis-backed blob backend.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// Put writes the blob and its expiry in one transaction.
func (b *RedisBackend) Put(ctx context.Context, key string, blob Blob, expiration time.Duration) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "mime", blob.MIMEType, "data", blob.Data)
		pipe.Expire(ctx, key, expiration)
		return nil
	})
	return err
}

// Get reads a blob back.
func (b *RedisBackend) Get(ctx context.Context, key string) (Blob, error) {
	fields, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Blob{}, err
	}
	data, ok := fields["data"]
	if !ok {
		return Blob{}, ErrNotFound
	}
	return Blob{MIMEType: fields["mime"], Data: []byte(data)}, nil
}

// Delete removes a blob. Missing keys are not an error.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

// MemoryBackend keeps blobs in process memory.
type MemoryBackend struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	blob      Blob
	expiresAt time.Time
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string]memoryItem), now: time.Now}
}

func (b *MemoryBackend) Put(ctx context.Context, key string, blob Blob, expiration time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	item := memoryItem{blob: Blob{MIMEType: blob.MIMEType, Data: append([]byte(nil), blob.Data...)}}
	if expiration > 0 {
		item.expiresAt = b.now().Add(expiration)
	}
	b.items[key] = item
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, key string) (Blob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.items[key]
	if !ok {
		return Blob{}, ErrNotFound
	}
	if !item.expiresAt.IsZero() && !b.now().Before(item.expiresAt) {
		delete(b.items, key)
		return Blob{}, ErrNotFound
	}
	return item.blob, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	delete(b.items, key)
	b.mu.Unlock()
	return nil
}

// Len returns the number of live entries, expired ones included until read.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
