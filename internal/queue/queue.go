// Package queue carries one work item per (request, shard) from the
// orchestrator to the shard workers. Delivery is at-least-once; everything a
// worker does with an item must therefore be idempotent.
package queue

import (
	"context"

	"oblivion/pkg/domain"
)

// Item is the unit of shard work. It carries everything a worker needs so
// the worker never depends on mutable request state read at enqueue time.
type Item struct {
	RequestID domain.RequestID `json:"request_id"`
	UserID    domain.UserID    `json:"user_id"`
	ShardID   domain.ShardID   `json:"shard_id"`
	OldName   string           `json:"old_name"`
	NewName   string           `json:"new_name"`
}

// Queue enqueues shard work. Implementations guarantee at-least-once
// delivery; they make no ordering promises between items.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
}

// Handler processes one work item. Returning an error requeues the item, so
// handlers return nil once substantive work has been attempted even when
// bookkeeping afterwards fails.
type Handler func(ctx context.Context, item Item) error
