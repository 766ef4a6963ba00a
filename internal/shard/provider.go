// Package shard resolves connections to the independently-databased sites of
// the federation. Shards share nothing with each other; callers get one
// shard's handle at a time and never a cross-shard transaction.
package shard

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq"

	"oblivion/pkg/domain"
	"oblivion/pkg/platform/sentinel"
)

// ConnectionProvider hands out shard database handles.
type ConnectionProvider interface {
	// Shard returns the database for the given shard, or
	// sentinel.ErrNotFound for an unknown shard id.
	Shard(ctx context.Context, id domain.ShardID) (*sql.DB, error)

	// WaitForReplication blocks until the shard's replicas have caught up
	// with the primary. Engines call it between atomic sections to bound
	// replication lag accumulation across a long rule list.
	WaitForReplication(ctx context.Context, id domain.ShardID) error
}

// StaticProvider opens shard connections lazily from a fixed DSN map.
// Replication wait is a no-op: each shard in this deployment shape is a
// single primary.
type StaticProvider struct {
	mu   sync.Mutex
	dsns map[domain.ShardID]string
	open map[domain.ShardID]*sql.DB
}

func NewStaticProvider(dsns map[string]string) *StaticProvider {
	byID := make(map[domain.ShardID]string, len(dsns))
	for name, dsn := range dsns {
		byID[domain.ShardID(name)] = dsn
	}
	return &StaticProvider{
		dsns: byID,
		open: make(map[domain.ShardID]*sql.DB),
	}
}

func (p *StaticProvider) Shard(ctx context.Context, id domain.ShardID) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.open[id]; ok {
		return db, nil
	}
	dsn, ok := p.dsns[id]
	if !ok {
		return nil, fmt.Errorf("shard %s: %w", id, sentinel.ErrNotFound)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open shard %s: %w", id, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping shard %s: %w", id, err)
	}
	p.open[id] = db
	return db, nil
}

func (p *StaticProvider) WaitForReplication(_ context.Context, _ domain.ShardID) error {
	return nil
}

// Close releases every opened shard connection.
func (p *StaticProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for id, db := range p.open {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.open, id)
	}
	return firstErr
}
