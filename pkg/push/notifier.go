package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/diagen-io/diagen/pkg/registry"
	"github.com/diagen-io/diagen/pkg/stream"
)

// ErrConnectionGone reports that the target connection is no longer
// reachable. Callers streaming to a departed client treat this as the
// signal to stop, not as a failure of the work itself.
var ErrConnectionGone = errors.New("connection gone")

// Notifier delivers messages to individual connections by id. It is the
// only path background work uses to reach a client.
type Notifier struct {
	manager  *Manager
	registry *registry.Registry
	logger   *slog.Logger
}

// NewNotifier creates a notifier over the manager's live connections.
func NewNotifier(manager *Manager, reg *registry.Registry, logger *slog.Logger) *Notifier {
	return &Notifier{
		manager:  manager,
		registry: reg,
		logger:   logger.With("component", "notifier"),
	}
}

// Deliver pushes one message to the given connection. If the connection
// has departed, Deliver prunes its registry row and returns
// ErrConnectionGone wrapped with the connection id.
func (n *Notifier) Deliver(ctx context.Context, connectionID string, msg stream.Message) error {
	c, ok := n.manager.lookup(connectionID)
	if !ok {
		n.prune(ctx, connectionID)
		return fmt.Errorf("connection %s: %w", connectionID, ErrConnectionGone)
	}
	if err := n.manager.sendMessage(c, msg); err != nil {
		if c.ctx.Err() != nil {
			// The read loop already tore the connection down mid-send.
			n.prune(ctx, connectionID)
			return fmt.Errorf("connection %s: %w", connectionID, ErrConnectionGone)
		}
		return fmt.Errorf("failed to deliver %s to connection %s: %w",
			msg.MessageType(), connectionID, err)
	}
	return nil
}

// prune removes a stale registry row so workers stop targeting the
// departed connection. Best effort; the sweeper catches anything missed.
func (n *Notifier) prune(ctx context.Context, connectionID string) {
	if err := n.registry.Unregister(ctx, connectionID); err != nil {
		n.logger.Warn("Failed to prune stale connection row",
			"connection_id", connectionID, "error", err)
	}
}
