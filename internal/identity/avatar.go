package identity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"oblivion/pkg/domain"
)

// avatarExtensions lists every format the upload path has ever accepted, so
// the purge catches assets from older format policies too.
var avatarExtensions = []string{"png", "gif", "jpg", "jpeg", "webp"}

// AvatarBackend removes profile-image assets for a user.
type AvatarBackend interface {
	Purge(ctx context.Context, id domain.UserID) error
}

// OSAvatarBackend purges avatars stored as <dir>/<user-id>.<ext> files.
type OSAvatarBackend struct {
	dir string
}

func NewOSAvatarBackend(dir string) *OSAvatarBackend {
	return &OSAvatarBackend{dir: dir}
}

// Purge removes every size and format variant. A missing file is the normal
// case for users who never uploaded one.
func (b *OSAvatarBackend) Purge(_ context.Context, id domain.UserID) error {
	var firstErr error
	for _, ext := range avatarExtensions {
		path := filepath.Join(b.dir, fmt.Sprintf("%s.%s", id.String(), ext))
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove avatar %s: %w", path, err)
			}
		}
	}
	return firstErr
}

// NoopAvatarBackend stands in when no avatar directory is configured.
type NoopAvatarBackend struct{}

func (NoopAvatarBackend) Purge(context.Context, domain.UserID) error { return nil }
