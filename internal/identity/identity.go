// Package identity owns the account being forgotten: its profile row on the
// home shard, the directory of sites it is attached to, and the rename that
// severs the name from everything the shards still hold.
package identity

import (
	"context"

	"oblivion/pkg/domain"
)

// Profile is the home-shard account record, reduced to the fields the forget
// pipeline reads or scrubs.
type Profile struct {
	ID           domain.UserID
	Name         string
	Email        string
	RealName     string
	PasswordHash string
}

// Ref is the minimal identity handle passed between pipeline stages.
type Ref struct {
	ID   domain.UserID
	Name string
}

// Store persists home-shard profiles.
type Store interface {
	// FindByID returns the profile or sentinel.ErrNotFound.
	FindByID(ctx context.Context, id domain.UserID) (*Profile, error)

	// SaveProfile writes back the scrub-able fields: email, real name and
	// password hash. The name field is only changed through Rename.
	SaveProfile(ctx context.Context, p *Profile) error

	// Rename atomically moves the account and its actor row from oldName to
	// newName. Matching zero rows is not an error: a redelivered work item
	// may find the rename already applied.
	Rename(ctx context.Context, oldName, newName string) error
}

// Directory answers which shards hold data for a user.
type Directory interface {
	AttachedShards(ctx context.Context, id domain.UserID) (map[domain.ShardID]bool, error)
}

// StaticDirectory attaches every user to the full configured shard set. Per
// federation policy an account exists everywhere once created, so the static
// answer is the correct one until per-user attachment tracking lands.
type StaticDirectory struct {
	shards map[domain.ShardID]bool
}

func NewStaticDirectory(shardIDs []string) *StaticDirectory {
	shards := make(map[domain.ShardID]bool, len(shardIDs))
	for _, id := range shardIDs {
		shards[domain.ShardID(id)] = true
	}
	return &StaticDirectory{shards: shards}
}

func (d *StaticDirectory) AttachedShards(_ context.Context, _ domain.UserID) (map[domain.ShardID]bool, error) {
	out := make(map[domain.ShardID]bool, len(d.shards))
	for id := range d.shards {
		out[id] = true
	}
	return out, nil
}
