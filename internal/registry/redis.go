package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps one JSON value per agent under prefix+name. It lets the
// supervisor and agents share liveness state across hosts.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func OpenRedis(ctx context.Context, addr string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis registry: ping %s: %w", addr, err)
	}
	return NewRedisStore(client, prefix), nil
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStore) Get(ctx context.Context, name string) (Record, error) {
	return s.get(ctx, s.client, name)
}

func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, name string) (Record, error) {
	b, err := c.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("redis registry: get %s: %w", name, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("redis registry: decode %s: %w", name, err)
	}
	return rec, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	var (
		cursor uint64
		out    []Record
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis registry: scan: %w", err)
		}
		for _, k := range keys {
			rec, err := s.get(ctx, s.client, strings.TrimPrefix(k, s.prefix))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis registry: encode %s: %w", rec.Name, err)
	}
	if err := s.client.Set(ctx, s.key(rec.Name), b, 0).Err(); err != nil {
		return fmt.Errorf("redis registry: put %s: %w", rec.Name, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.key(name)).Err(); err != nil {
		return fmt.Errorf("redis registry: delete %s: %w", name, err)
	}
	return nil
}

// ReportHealth uses WATCH so a concurrent supervisor write wins over a
// stale agent report.
func (s *RedisStore) ReportHealth(ctx context.Context, name string, h Health) error {
	key := s.key(name)
	const attempts = 3
	for i := 0; i < attempts; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			rec, err := s.get(ctx, tx, name)
			if err != nil {
				return err
			}
			if err := applyHealth(&rec, h, s.now().UTC()); err != nil {
				return err
			}
			b, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, b, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis registry: report health %s: too much contention", name)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
