// Package notify turns finished and failed story requests into completion notices.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/traumfunke/storyflow/internal/messaging"
	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/store"
)

// DefaultBatchSize bounds how many requests one sweep handles.
const DefaultBatchSize = 50

// Source is the part of store.Store read and written by the watcher.
type Source interface {
	ListUnnotifiedCompleted(limit int) ([]models.StoryRequest, error)
	MarkRequestNotified(id string) error
	GetProfile(userID string) (*models.Profile, error)
	GetChild(id string) (*models.Child, error)
}

// Outbox is the part of store.OutboxRepo used to queue notices.
type Outbox interface {
	EnqueueOutboxMessage(userID, kind, payloadJSON, dedupeKey string) (string, error)
}

// Watcher queues one notice per completed request that asked for it.
type Watcher struct {
	source    Source
	outbox    Outbox
	batchSize int
}

// NewWatcher creates a Watcher.
func NewWatcher(source Source, outbox Outbox) *Watcher {
	return &Watcher{source: source, outbox: outbox, batchSize: DefaultBatchSize}
}

// Sweep queues notices for completed requests and marks them notified. A request
// whose parent has no notify phone is marked notified without a message. It returns
// the number of notices queued.
func (w *Watcher) Sweep(ctx context.Context) (int, error) {
	reqs, err := w.source.ListUnnotifiedCompleted(w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list completed requests: %w", err)
	}
	queued := 0
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		sent, err := w.notify(req)
		if err != nil {
			slog.Error("Watcher.Sweep: notice failed", "requestID", req.ID, "error", err)
			continue
		}
		if sent {
			queued++
		}
	}
	if len(reqs) > 0 {
		slog.Info("Watcher.Sweep: completed", "requests", len(reqs), "queued", queued)
	}
	return queued, nil
}

func (w *Watcher) notify(req models.StoryRequest) (bool, error) {
	profile, err := w.source.GetProfile(req.UserID)
	if err != nil {
		return false, fmt.Errorf("get profile: %w", err)
	}
	if profile == nil || strings.TrimSpace(profile.NotifyPhone) == "" {
		slog.Debug("Watcher.notify: no notify phone, skipping", "requestID", req.ID, "userID", req.UserID)
		return false, w.source.MarkRequestNotified(req.ID)
	}

	kind := store.OutboxKindStoryReady
	if req.Status == models.StoryStatusFailed {
		kind = store.OutboxKindStoryFailed
	}
	notice := messaging.Notice{
		RequestID:     req.ID,
		To:            profile.NotifyPhone,
		StoryID:       req.StoryID,
		SeriesID:      req.SeriesID,
		EpisodeNumber: req.EpisodeNumber,
		ChildNames:    w.childNames(req.ChildIDs),
	}
	data, err := json.Marshal(notice)
	if err != nil {
		return false, fmt.Errorf("marshal notice: %w", err)
	}
	// The dedupe key keeps a crash between enqueue and mark from sending twice.
	id, err := w.outbox.EnqueueOutboxMessage(req.UserID, kind, string(data), "notify:"+req.ID)
	if err != nil {
		return false, fmt.Errorf("enqueue notice: %w", err)
	}
	if err := w.source.MarkRequestNotified(req.ID); err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	slog.Debug("Watcher.notify: notice queued", "requestID", req.ID, "outboxID", id, "kind", kind)
	return true, nil
}

func (w *Watcher) childNames(ids []string) string {
	var names []string
	for _, id := range ids {
		c, err := w.source.GetChild(id)
		if err != nil || c == nil {
			continue
		}
		names = append(names, c.Name)
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}
