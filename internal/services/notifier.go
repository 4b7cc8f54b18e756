package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge-backend/internal/pkg/logger"
	"github.com/storyforge/storyforge-backend/internal/sse"
)

// Notifier pushes realtime events to a project's subscribers. Streaming
// deltas, applied story updates, and toast notifications all flow through
// here.
type Notifier interface {
	ChatEvent(ctx context.Context, projectID uuid.UUID, event sse.Event, data any)
	StoryUpdated(ctx context.Context, projectID uuid.UUID, updateType string, data any)
	Toast(ctx context.Context, projectID uuid.UUID, level, text string)
}

type busNotifier struct {
	log *logger.Logger
	bus SSEBus
}

func NewNotifier(log *logger.Logger, bus SSEBus) Notifier {
	return &busNotifier{log: log.With("service", "Notifier"), bus: bus}
}

func (n *busNotifier) publish(ctx context.Context, msg sse.Message) {
	if err := n.bus.Publish(ctx, msg); err != nil {
		n.log.Warn("Failed to publish SSE message", "channel", msg.Channel, "event", msg.Event, "error", err)
	}
}

func (n *busNotifier) ChatEvent(ctx context.Context, projectID uuid.UUID, event sse.Event, data any) {
	n.publish(ctx, sse.Message{
		Channel: sse.ProjectChannel(projectID),
		Event:   event,
		Data:    data,
	})
}

func (n *busNotifier) StoryUpdated(ctx context.Context, projectID uuid.UUID, updateType string, data any) {
	n.publish(ctx, sse.Message{
		Channel: sse.ProjectChannel(projectID),
		Event:   sse.EventStoryUpdated,
		Data: map[string]any{
			"type": updateType,
			"data": data,
		},
	})
}

func (n *busNotifier) Toast(ctx context.Context, projectID uuid.UUID, level, text string) {
	n.publish(ctx, sse.Message{
		Channel: sse.ProjectChannel(projectID),
		Event:   sse.EventToast,
		Data: map[string]any{
			"level": level,
			"text":  text,
		},
	})
}

// NopNotifier drops every event. Used in tests.
type NopNotifier struct{}

func (NopNotifier) ChatEvent(context.Context, uuid.UUID, sse.Event, any) {}
func (NopNotifier) StoryUpdated(context.Context, uuid.UUID, string, any) {}
func (NopNotifier) Toast(context.Context, uuid.UUID, string, string)     {}
