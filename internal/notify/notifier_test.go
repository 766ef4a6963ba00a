package notify_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oblivion/internal/identity"
	"oblivion/internal/notify"
	"oblivion/pkg/domain"
	"oblivion/pkg/testutil"
)

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	notifier := notify.NewLogNotifier("https://example.org/forget/confirm", logger)

	ref := identity.Ref{ID: domain.UserID(uuid.New()), Name: "Jane Doe"}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")

	testutil.When(t, "a confirmation is sent", func(t *testing.T) {
		require.NoError(t, notifier.SendConfirmation(context.Background(), ref, token))
	})

	testutil.Then(t, "the log line carries the full confirmation link", func(t *testing.T) {
		line := buf.String()
		assert.Contains(t, line, "confirmation link issued")
		assert.Contains(t, line, ref.ID.String())
		assert.Contains(t, line, "https://example.org/forget/confirm?token="+token)
	})
}
