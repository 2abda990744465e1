// Package sessions provides durable wizard.SessionStore implementations: one over the
// flow_states table of a store.Store and one over Redis with a sliding TTL.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/store"
	"github.com/traumfunke/storyflow/internal/wizard"
)

// FlowTypeStoryWizard is the flow_states key under which wizard sessions are stored.
const FlowTypeStoryWizard = "story_wizard"

// StoreSessions persists wizard sessions as flow states.
type StoreSessions struct {
	store store.Store
}

var _ wizard.SessionStore = (*StoreSessions)(nil)

// NewStoreSessions creates a session store backed by st.
func NewStoreSessions(st store.Store) *StoreSessions {
	slog.Debug("Creating StoreSessions")
	return &StoreSessions{store: st}
}

func (s *StoreSessions) Load(ctx context.Context, userID string) (*wizard.Snapshot, error) {
	state, err := s.store.GetFlowState(userID, FlowTypeStoryWizard)
	if err != nil {
		slog.Error("StoreSessions.Load: get flow state failed", "error", err, "userID", userID)
		return nil, err
	}
	if state == nil {
		return nil, nil
	}
	var snap wizard.Snapshot
	if err := json.Unmarshal([]byte(state.StateData), &snap); err != nil {
		// A corrupt session is dropped; the user starts over.
		slog.Warn("StoreSessions.Load: discarding unreadable session", "error", err, "userID", userID)
		return nil, nil
	}
	snap.UserID = userID
	return &snap, nil
}

func (s *StoreSessions) Save(ctx context.Context, snap wizard.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	created := snap.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return s.store.SaveFlowState(models.FlowState{
		UserID:       snap.UserID,
		FlowType:     FlowTypeStoryWizard,
		CurrentState: string(snap.Step),
		StateData:    string(data),
		CreatedAt:    created,
		UpdatedAt:    time.Now(),
	})
}

func (s *StoreSessions) Delete(ctx context.Context, userID string) error {
	return s.store.DeleteFlowState(userID, FlowTypeStoryWizard)
}
