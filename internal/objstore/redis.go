package objstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisScanCount = 256

// RedisStore implements Store on plain Redis string keys. Listing uses SCAN,
// which gives no snapshot guarantee: keys written during a scan may or may not
// be returned.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOptions configures OpenRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, opts.Prefix)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	body, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, classifyRedisError("get", key, err)
	}
	return body, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, body []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, body, 0).Err(); err != nil {
		return classifyRedisError("put", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return classifyRedisError("delete", key, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		it := s.client.Scan(ctx, 0, escapeGlob(s.prefix+prefix)+"*", redisScanCount).Iterator()
		for it.Next(ctx) {
			full := it.Val()
			size, err := s.client.StrLen(ctx, full).Result()
			if err != nil {
				yield(ObjectInfo{}, classifyRedisError("list", prefix, err))
				return
			}
			if !yield(ObjectInfo{Key: strings.TrimPrefix(full, s.prefix), Size: size}, nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(ObjectInfo{}, classifyRedisError("list", prefix, err))
		}
	}
}

// Close releases the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }

// escapeGlob quotes the SCAN MATCH metacharacters so prefixes are literal.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// classifyRedisError treats server replies (WRONGTYPE, NOAUTH...) as permanent
// and everything else, network and pool errors included, as transient.
func classifyRedisError(op, key string, err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) {
		msg := rerr.Error()
		if strings.HasPrefix(msg, "LOADING") || strings.HasPrefix(msg, "BUSY") || strings.HasPrefix(msg, "TRYAGAIN") {
			return &TransientError{Op: op, Key: key, Err: err}
		}
		return fmt.Errorf("objstore %s %q: %w", op, key, err)
	}
	return &TransientError{Op: op, Key: key, Err: err}
}

var _ Store = (*RedisStore)(nil)
