// Package request persists the master forget request and its per-shard
// target rows. It is the single source of truth for the lifecycle state
// machine; services never reach around it.
package request

import (
	"context"
	"time"

	"oblivion/internal/forget/models"
	"oblivion/pkg/domain"
)

// Store is the durable record of requests and shard targets.
//
// Two operations carry the only transactional-atomicity requirements in the
// system: Create must reject a second active request for the same user
// atomically with the insert (sentinel.ErrConflict), and FinalizeIfComplete
// must run its count-then-finish sequence inside one atomic section so that
// concurrently finishing shard workers observe exactly one transition to
// FINISHED.
type Store interface {
	// Create persists a new request. Returns sentinel.ErrConflict when the
	// user already has an active (non-terminal) request.
	Create(ctx context.Context, req *models.Request) error

	// FindByID returns the request or sentinel.ErrNotFound.
	FindByID(ctx context.Context, id domain.RequestID) (*models.Request, error)

	// FindByToken returns the request holding this confirmation token, in
	// any status, or sentinel.ErrNotFound. Token status checks belong to
	// the service.
	FindByToken(ctx context.Context, token string) (*models.Request, error)

	// UpdateStatus moves the master request to the given status.
	UpdateStatus(ctx context.Context, id domain.RequestID, status models.Status) error

	// ListAll returns every request, newest first, for the admin surface.
	ListAll(ctx context.Context) ([]*models.Request, error)

	// CreateShardTargets inserts the full fan-out set in one batch. The set
	// for a request is fixed afterwards; re-inserting a (request, shard)
	// pair is a bug and surfaces as an error.
	CreateShardTargets(ctx context.Context, targets []models.ShardTarget) error

	// UpdateShardStatus moves one shard's row, recording an error message if
	// any. Returns sentinel.ErrNotFound when no such row exists.
	UpdateShardStatus(ctx context.Context, id domain.RequestID, shard domain.ShardID, status models.Status, errMsg string) error

	// ShardTargets returns the rows for a request. When no rows exist it
	// returns (nil, sentinel.ErrNotFound): callers must branch, because "no
	// rows" may mean a zero-shard request that needed no fan-out.
	ShardTargets(ctx context.Context, id domain.RequestID) ([]models.ShardTarget, error)

	// FinalizeIfComplete counts the request's still-active shard targets
	// inside one atomic section and, when the count is zero and the request
	// is not already terminal, marks it FINISHED at now. The boolean reports
	// whether this call performed the transition; the returned request is
	// only non-nil in that case.
	FinalizeIfComplete(ctx context.Context, id domain.RequestID, now time.Time) (*models.Request, bool, error)
}
