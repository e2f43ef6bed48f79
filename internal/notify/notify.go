// Package notify delivers user-facing messages. Delivery is fire-and-forget
// so a slow transport can never stall a trading loop.
package notify

import (
	"context"
	"log/slog"
	"time"

	"scalper-engine/internal/store"
)

const sendTimeout = 10 * time.Second

// Sender is the outbound transport (Telegram in production).
type Sender interface {
	SendMessage(ctx context.Context, userID int64, text, parseMode string) error
}

// Notifier fans messages out to the transport in the background and mirrors
// every message into the notifications audit table.
type Notifier struct {
	sender Sender
	store  *store.Store
	logger *slog.Logger
}

func New(sender Sender, st *store.Store, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, store: st, logger: logger.With("component", "notify")}
}

// Notify sends asynchronously. Failures are logged, never returned; callers
// must not depend on delivery.
func (n *Notifier) Notify(userID int64, text, parseMode string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if n.store != nil {
			if err := n.store.LogNotification(ctx, userID, text, parseMode); err != nil {
				n.logger.Warn("notification audit write failed", "user", userID, "error", err)
			}
		}
		if n.sender == nil {
			return
		}
		if err := n.sender.SendMessage(ctx, userID, text, parseMode); err != nil {
			n.logger.Warn("notification send failed", "user", userID, "error", err)
		}
	}()
}
