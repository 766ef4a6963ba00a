package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"oblivion/pkg/domain"
)

// Renamer performs the identity half of a forget request: scrub the profile,
// move the account to its anonymous name, log the user out everywhere and
// drop their avatar. It runs before any shard work is queued so that no shard
// worker ever observes the original name as current.
type Renamer struct {
	store    Store
	sessions SessionInvalidator
	cache    CacheInvalidator
	avatars  AvatarBackend
	logger   *slog.Logger
}

type RenamerOption func(*Renamer)

func WithRenamerLogger(logger *slog.Logger) RenamerOption {
	return func(r *Renamer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRenamer(store Store, sessions SessionInvalidator, cache CacheInvalidator, avatars AvatarBackend, opts ...RenamerOption) *Renamer {
	r := &Renamer{
		store:    store,
		sessions: sessions,
		cache:    cache,
		avatars:  avatars,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Execute scrubs and renames the account. Only the profile write and the
// rename itself are fatal: session, cache and avatar cleanup are logged and
// absorbed, since the renamed account can no longer be reached through them
// anyway.
func (r *Renamer) Execute(ctx context.Context, id domain.UserID, oldName, newName string) error {
	if err := r.cache.InvalidateProfile(ctx, id); err != nil {
		r.logger.Warn("profile cache invalidation failed",
			"user_id", id.String(), "error", err)
	}

	profile, err := r.store.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	// Replace the password with the hash of a secret nobody knows, so the
	// account survives as a row but can never be logged into again.
	hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("generate replacement credential: %w", err)
	}
	profile.PasswordHash = string(hash)
	profile.RealName = ""
	profile.Email = ""
	if err := r.store.SaveProfile(ctx, profile); err != nil {
		return fmt.Errorf("scrub profile: %w", err)
	}

	if err := r.store.Rename(ctx, oldName, newName); err != nil {
		r.logger.Error("identity rename failed",
			"user_id", id.String(),
			"from", oldName,
			"to", newName,
			"error", err)
		return fmt.Errorf("rename %q to %q: %w", oldName, newName, err)
	}
	r.logger.Info("identity renamed",
		"user_id", id.String(), "from", oldName, "to", newName)

	if err := r.sessions.InvalidateSessions(ctx, id); err != nil {
		r.logger.Warn("session invalidation failed after rename",
			"user_id", id.String(), "error", err)
	}
	if err := r.avatars.Purge(ctx, id); err != nil {
		r.logger.Warn("avatar purge failed", "user_id", id.String(), "error", err)
	}
	return nil
}
