// Package redis persists session aggregates in Redis. Each session is one
// JSON string under "<prefix>:session:<id>", written with SET so a save
// replaces the whole aggregate atomically.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/internal/voicestore"
)

const defaultPrefix = "chorus"

// Config configures the key layout and expiry.
type Config struct {
	// Prefix namespaces all keys. Default "chorus".
	Prefix string
	// TTL expires idle sessions. Zero keeps them forever. Every save
	// refreshes the expiry.
	TTL time.Duration
}

// Persistence is a [voicestore.Persistence] backed by Redis. Any go-redis
// client (single node, cluster, ring) works.
type Persistence struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

var (
	_ voicestore.Persistence = (*Persistence)(nil)
	_ voicestore.Namer       = (*Persistence)(nil)
)

// New returns a Persistence over client.
func New(client goredis.UniversalClient, cfg Config) *Persistence {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	return &Persistence{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}
}

// Name implements [voicestore.Namer].
func (p *Persistence) Name() string { return "redis" }

func (p *Persistence) key(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", p.prefix, sessionID)
}

// Load implements [voicestore.Persistence].
func (p *Persistence) Load(ctx context.Context, sessionID string) (*voice.SessionState, error) {
	raw, err := p.client.Get(ctx, p.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: load %q: %w", sessionID, err)
	}
	var s voice.SessionState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("redis: decode %q: %w", sessionID, err)
	}
	return &s, nil
}

// Save implements [voicestore.Persistence].
func (p *Persistence) Save(ctx context.Context, sessionID string, state *voice.SessionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: encode %q: %w", sessionID, err)
	}
	if err := p.client.Set(ctx, p.key(sessionID), raw, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis: save %q: %w", sessionID, err)
	}
	return nil
}

// Delete implements [voicestore.Persistence].
func (p *Persistence) Delete(ctx context.Context, sessionID string) error {
	if err := p.client.Del(ctx, p.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis: delete %q: %w", sessionID, err)
	}
	return nil
}

// Sessions lists stored session ids using SCAN, so it is safe on large
// keyspaces. The order is unspecified.
func (p *Persistence) Sessions(ctx context.Context) ([]string, error) {
	pattern := p.key("*")
	head := strings.TrimSuffix(pattern, "*")

	var ids []string
	iter := p.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), head))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan sessions: %w", err)
	}
	return ids, nil
}

// Ping checks connectivity.
func (p *Persistence) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}
