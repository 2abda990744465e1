package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/traumfunke/storyflow/internal/store"
)

// Notice is the payload of story_ready and story_failed outbox messages.
type Notice struct {
	RequestID     string `json:"request_id"`
	To            string `json:"to"`
	StoryID       string `json:"story_id,omitempty"`
	SeriesID      string `json:"series_id,omitempty"`
	EpisodeNumber int    `json:"episode_number,omitempty"`
	ChildNames    string `json:"child_names,omitempty"`
}

// RenderNotice builds the message text for a notice of the given outbox kind.
func RenderNotice(kind string, n Notice) string {
	subject := "Your bedtime story"
	if n.EpisodeNumber > 0 {
		subject = fmt.Sprintf("Episode %d of your story series", n.EpisodeNumber)
	}
	if n.ChildNames != "" {
		subject += " for " + n.ChildNames
	}
	if kind == store.OutboxKindStoryFailed {
		return subject + " could not be created. Please try again from the app."
	}
	return subject + " is ready. Open the app to start reading."
}

// OutboxSendFunc returns the delivery function for the outbox sender.
func OutboxSendFunc(notifier Notifier) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		switch msg.Kind {
		case store.OutboxKindStoryReady, store.OutboxKindStoryFailed:
		default:
			return fmt.Errorf("unknown outbox message kind: %s", msg.Kind)
		}
		var n Notice
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &n); err != nil {
			return fmt.Errorf("invalid %s payload: %w", msg.Kind, err)
		}
		to, err := notifier.ValidateAndCanonicalizeRecipient(n.To)
		if err != nil {
			return fmt.Errorf("invalid recipient for %s: %w", msg.ID, err)
		}
		slog.Debug("OutboxSendFunc: sending notice", "id", msg.ID, "kind", msg.Kind, "requestID", n.RequestID)
		return notifier.SendMessage(ctx, to, RenderNotice(msg.Kind, n))
	}
}
