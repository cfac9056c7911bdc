package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mukund-aria/ai-flow-saas-sub008/internal/notify"
	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// PushNotifier delivers lifecycle notifications over MCP SSE push, falling
// back to a secondary notifier for recipients without a live session.
type PushNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	fallback  notify.Notifier
}

// NewPushNotifier creates a notifier that pushes via MCP SSE. fallback
// receives every notification whose recipient has no connected session;
// it may be nil.
func NewPushNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, fallback notify.Notifier) *PushNotifier {
	return &PushNotifier{mcpServer: mcpServer, sessions: sessions, fallback: fallback}
}

// Notify sends a notification to the recipient's SSE session. Contacts are
// external and never hold sessions, so contact-addressed notifications go
// straight to the fallback.
func (n *PushNotifier) Notify(ctx context.Context, notification schema.Notification) error {
	if notification.UserID == "" {
		return n.fall(ctx, notification)
	}

	sessionID, ok := n.sessions.SessionFor(notification.UserID)
	if !ok {
		return n.fall(ctx, notification)
	}

	payload := map[string]any{
		"kind":    string(notification.Kind),
		"flow_id": notification.FlowID,
	}
	if notification.StepID != "" {
		payload["step_id"] = notification.StepID
	}

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return n.fall(ctx, notification)
	}
	return err
}

func (n *PushNotifier) fall(ctx context.Context, notification schema.Notification) error {
	if n.fallback == nil {
		return nil
	}
	return n.fallback.Notify(ctx, notification)
}
