// Package notify delivers user-facing messages for order and dispute
// state transitions.
//
// Delivery is fire-and-forget: the engines call Send and move on; a
// failed delivery is logged and counted, never propagated, and never
// rolls back the transition that triggered it.
package notify

import (
	"context"
	"log/slog"

	"github.com/freeflowhq/marketplace/internal/metrics"
)

// Priority of a notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Notification categories, one per event family. External callers branch
// on these, so the value set is a closed contract.
const (
	CategoryOrder   = "order"
	CategoryDispute = "dispute"
	CategoryPayment = "payment"
)

// Notification is one user-facing message.
type Notification struct {
	Recipient string         `json:"recipient"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Category  string         `json:"category"`
	Priority  Priority       `json:"priority"`
	ActionURL string         `json:"actionUrl,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sender delivers notifications. Implementations must not block on
// delivery and must never return delivery failures to the caller.
type Sender interface {
	Send(ctx context.Context, n Notification)
}

// LogSender writes notifications to the structured log. Used in
// development mode and as the fallback when no webhook is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) Send(ctx context.Context, n Notification) {
	metrics.NotificationsTotal.WithLabelValues(n.Category, "ok").Inc()
	s.Logger.Info("notification",
		"recipient", n.Recipient,
		"category", n.Category,
		"priority", n.Priority,
		"title", n.Title,
	)
}

// Fanout sends every notification to all wrapped senders.
type Fanout []Sender

func (f Fanout) Send(ctx context.Context, n Notification) {
	for _, s := range f {
		s.Send(ctx, n)
	}
}
