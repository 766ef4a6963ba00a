// Package notify delivers the confirmation link to the user who asked to be
// forgotten.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"oblivion/internal/identity"
)

// Notifier sends the single-use confirmation link. A send failure surfaces to
// the caller so the user is told their request could not be delivered.
type Notifier interface {
	SendConfirmation(ctx context.Context, ref identity.Ref, token string) error
}

// LogNotifier writes the confirmation link to the log. Deployments front this
// service with the platform mailer; until that integration is wired per site,
// the link in the structured log is how operators hand tokens to users.
type LogNotifier struct {
	baseURL string
	logger  *slog.Logger
}

func NewLogNotifier(baseURL string, logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{baseURL: baseURL, logger: logger}
}

func (n *LogNotifier) SendConfirmation(_ context.Context, ref identity.Ref, token string) error {
	n.logger.Info("confirmation link issued",
		"user_id", ref.ID.String(),
		"user_name", ref.Name,
		"url", fmt.Sprintf("%s?token=%s", n.baseURL, token))
	return nil
}
