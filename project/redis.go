package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	projectKeyPrefix = "blockrun:project:"
	projectIndexKey  = "blockrun:projects"
)

// RedisStore keeps projects in Redis: one JSON value per project plus a
// sorted set of ids scored by update time.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and checks the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store using an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func projectKey(id string) string {
	return projectKeyPrefix + id
}

func (s *RedisStore) Create(ctx context.Context, name string, forest []byte) (string, error) {
	if err := validate(name, forest); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	p := &Project{
		ID:        uuid.New().String(),
		Name:      name,
		Forest:    json.RawMessage(forest),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.save(ctx, p); err != nil {
		return "", err
	}
	return p.ID, nil
}

func (s *RedisStore) save(ctx context.Context, p *Project) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal project: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, projectKey(p.ID), data, 0)
	pipe.ZAdd(ctx, projectIndexKey, redis.Z{Score: float64(p.UpdatedAt.UnixNano()), Member: p.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, id string) (*Project, error) {
	data, err := s.client.Get(ctx, projectKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal project: %w", err)
	}
	return &p, nil
}

func (s *RedisStore) Update(ctx context.Context, id, name string, forest []byte) error {
	if err := validate(name, forest); err != nil {
		return err
	}

	p, err := s.Read(ctx, id)
	if err != nil {
		return err
	}
	p.Name = name
	p.Forest = json.RawMessage(forest)
	p.UpdatedAt = time.Now().UTC()
	return s.save(ctx, p)
}

func (s *RedisStore) List(ctx context.Context) ([]Summary, error) {
	ids, err := s.client.ZRevRange(ctx, projectIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list project ids: %w", err)
	}

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		p, err := s.Read(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Stale index entry.
			s.client.ZRem(ctx, projectIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, summarize(p))
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, projectKey(id))
	pipe.ZRem(ctx, projectIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
