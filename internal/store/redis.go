// Package store wraps the Redis client that backs every durable key the
// system owns: the pending/unworkable sorted sets, job and worker hashes,
// heartbeat TTL keys, and the pub/sub channels the Event Bus subscribes to.
// It is the realization of spec §3's "Store" component (C1) — the only
// durable state in the system.
package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Store struct {
	rdb *redis.Client
}

func New(cfg Config) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Raw exposes the underlying client for components (broker, registry,
// event bus) that need primitives this wrapper doesn't name directly.
func (s *Store) Raw() *redis.Client {
	return s.rdb
}
