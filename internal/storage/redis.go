package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gopkg.in/redis.v5"
)

// RedisOptions selects the Redis server used by a RedisBucket.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// TTL expires stored objects; zero keeps them forever.
	TTL time.Duration
}

// RedisBucket stores object data under a string key, metadata in a hash and
// the object names in a set, all prefixed with the bucket name.
type RedisBucket struct {
	name   string
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBucket connects to Redis and checks the connection.
func NewRedisBucket(name string, opts RedisOptions) (*RedisBucket, error) {
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("bucket name: %w", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &RedisBucket{name: name, client: client, ttl: opts.TTL}, nil
}

func (b *RedisBucket) Name() string { return b.name }

func (b *RedisBucket) dataKey(name string) string { return "cfdprx:" + b.name + ":data:" + name }
func (b *RedisBucket) metaKey(name string) string { return "cfdprx:" + b.name + ":meta:" + name }
func (b *RedisBucket) indexKey() string           { return "cfdprx:" + b.name + ":objects" }

func (b *RedisBucket) PutObject(ctx context.Context, name string, data []byte, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}
	if err := b.client.Set(b.dataKey(name), data, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", name, err)
	}

	fields := copyMeta(metadata)
	fields["_created"] = time.Now().UTC().Format(time.RFC3339Nano)
	metaKey := b.metaKey(name)
	if err := b.client.Del(metaKey).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", metaKey, err)
	}
	if err := b.client.HMSet(metaKey, fields).Err(); err != nil {
		return fmt.Errorf("redis hmset %s: %w", metaKey, err)
	}
	if b.ttl > 0 {
		if err := b.client.Expire(metaKey, b.ttl).Err(); err != nil {
			return fmt.Errorf("redis expire %s: %w", metaKey, err)
		}
	}
	if err := b.client.SAdd(b.indexKey(), name).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

func (b *RedisBucket) GetObject(ctx context.Context, name string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	data, err := b.client.Get(b.dataKey(name)).Bytes()
	if err == redis.Nil {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, fmt.Errorf("redis get %s: %w", name, err)
	}
	fields, err := b.client.HGetAll(b.metaKey(name)).Result()
	if err != nil {
		return Object{}, fmt.Errorf("redis hgetall %s: %w", name, err)
	}
	obj := Object{Name: name, Data: data, Metadata: make(map[string]string, len(fields))}
	for k, v := range fields {
		if k == "_created" {
			obj.Created, _ = time.Parse(time.RFC3339Nano, v)
			continue
		}
		obj.Metadata[k] = v
	}
	return obj, nil
}

func (b *RedisBucket) ListObjects(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, err := b.client.SMembers(b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Close releases the Redis connection pool.
func (b *RedisBucket) Close() error {
	return b.client.Close()
}
