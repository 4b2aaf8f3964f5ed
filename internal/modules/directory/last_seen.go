package directory

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/events"
)

// LastSeenUpdater records when a user's last live connection closed.
type LastSeenUpdater struct {
	users  domain.UserRepository
	logger *slog.Logger
}

func NewLastSeenUpdater(users domain.UserRepository) *LastSeenUpdater {
	return &LastSeenUpdater{
		users:  users,
		logger: slog.Default().With("service", "last-seen"),
	}
}

// HandleClosed ignores closes that leave the user other connections, and
// closes of connections that never authenticated.
func (u *LastSeenUpdater) HandleClosed(ctx context.Context, evt events.Connection) error {
	if evt.UserID == "" || evt.Remaining > 0 {
		return nil
	}
	err := u.users.TouchLastSeen(ctx, evt.UserID, evt.At)
	if errors.Is(err, domain.ErrNotFound) {
		// Tokens can name users the directory does not hold, e.g. dev tokens
		// minted by relayctl.
		u.logger.DebugContext(ctx, "No directory entry for user", "user_id", evt.UserID)
		return nil
	}
	if err != nil {
		return err
	}
	u.logger.DebugContext(ctx, "Recorded last seen", "user_id", evt.UserID, "at", evt.At)
	return nil
}
