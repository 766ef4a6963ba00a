package audit

import (
	"context"

	"oblivion/pkg/domain"
)

// Store is an append-only sink for audit events. Events on a forget request
// are retained indefinitely; nothing in this subsystem prunes them.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByRequest(ctx context.Context, requestID domain.RequestID) ([]Event, error)
}
