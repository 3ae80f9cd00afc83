package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"stake-arena/models"
)

const keyOpenLobbies = "lobbies:open"

// RedisSink mirrors changes to pub/sub channels "<prefix>:<table>" and keeps the set of
// open lobby ids so other processes can list lobbies without touching the database.
type RedisSink struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisSink(ctx context.Context, url, prefix string) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSink{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Channel(table string) string {
	return s.prefix + ":" + table
}

func (s *RedisSink) Send(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Publish(ctx, s.Channel(c.Table), payload)
	if c.Table == TableLobbies {
		key := s.prefix + ":" + keyOpenLobbies
		if c.Op == OpInsert {
			pipe.SAdd(ctx, key, c.ID)
		} else if c.Op == OpDelete || lobbyClosed(c.Row) {
			pipe.SRem(ctx, key, c.ID)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisSink) Close() error {
	return s.rdb.Close()
}

func lobbyClosed(row any) bool {
	switch l := row.(type) {
	case models.Lobby:
		return l.Status != models.LobbyWaiting
	case *models.Lobby:
		return l != nil && l.Status != models.LobbyWaiting
	}
	return false
}
