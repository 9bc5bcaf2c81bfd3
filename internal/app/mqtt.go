package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"seatplan/layout-server/internal/layout"
	"seatplan/layout-server/internal/model"
	"seatplan/layout-server/internal/mqttbroker"
	"seatplan/layout-server/internal/savequeue"
)

const (
	movesTopicFilter = "layouts/+/moves"
	savedTopicFormat  = "layouts/%s/saved"
	statusTopicFormat = "layouts/%s/status"
)

// moveMessage is one entity move published by a drag client.
type moveMessage struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// savedMessage announces a persisted batch to subscribers.
type savedMessage struct {
	ProjectID string    `json:"project_id"`
	Count     int       `json:"count"`
	IDs       []string  `json:"ids"`
	SavedAt   time.Time `json:"saved_at"`
}

// statusMessage carries a session's save state, flattened.
type statusMessage struct {
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
	savequeue.Status
}

// statusPublisher forwards save state changes of one session to
// layouts/{sessionID}/status. Changes to the pending count alone are not
// published, so a drag produces one "unsaved" message rather than one per
// pointer sample.
type statusPublisher struct {
	app       *App
	sessionID string
	projectID string

	mu   sync.Mutex
	sent bool
	last statusKey
}

type statusKey struct {
	saving  bool
	unsaved bool
	lastErr string
	dropped int
}

func (p *statusPublisher) publish(st savequeue.Status) {
	key := statusKey{saving: st.Saving, unsaved: st.Pending > 0, lastErr: st.LastError, dropped: st.Dropped}

	p.mu.Lock()
	if p.sent && key == p.last {
		p.mu.Unlock()
		return
	}
	p.sent, p.last = true, key
	p.mu.Unlock()

	p.app.publishStatus(statusMessage{SessionID: p.sessionID, ProjectID: p.projectID, Status: st})
}

func (a *App) registerMQTTHandlers(b *mqttbroker.Broker) error {
	return b.Handle(movesTopicFilter, a.handleMoves)
}

// handleMoves applies moves published on layouts/{sessionID}/moves. The
// payload is a single move object or an array of them.
func (a *App) handleMoves(_ context.Context, msg mqttbroker.PublishMessage) {
	sessionID := mqttbroker.TopicLevel(msg.Topic, 1)
	session, err := a.sessions.Get(sessionID)
	if err != nil {
		a.logger.Warn("moves for unknown session", "topic", msg.Topic, "client", msg.ClientID)
		return
	}

	moves, err := decodeMoves(msg.Payload)
	if err != nil {
		a.logger.Warn("mqtt payload decode failed", "topic", msg.Topic, "error", err)
		return
	}

	applied := 0
	for _, m := range moves {
		if err := session.MoveEntity(m.ID, m.X, m.Y); err != nil {
			level := a.logger.Warn
			if errors.Is(err, layout.ErrUnknownEntity) {
				level = a.logger.Debug
			}
			level("rejected move", "session", sessionID, "entity", m.ID, "error", err)
			continue
		}
		applied++
	}

	a.logger.Debug("applied mqtt moves", "session", sessionID, "client", msg.ClientID, "count", applied)
}

func decodeMoves(payload []byte) ([]moveMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	if trimmed[0] == '[' {
		var moves []moveMessage
		if err := json.Unmarshal(trimmed, &moves); err != nil {
			return nil, fmt.Errorf("decode moves: %w", err)
		}
		return moves, nil
	}

	var m moveMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("decode move: %w", err)
	}
	return []moveMessage{m}, nil
}

// publishSaved notifies subscribers that a batch reached the store.
func (a *App) publishSaved(projectID string, batch []model.PositionUpdate, at time.Time) {
	if a.broker == nil {
		return
	}

	ids := make([]string, len(batch))
	for i, u := range batch {
		ids[i] = u.ID
	}

	payload, err := json.Marshal(savedMessage{
		ProjectID: projectID,
		Count:     len(batch),
		IDs:       ids,
		SavedAt:   at.UTC(),
	})
	if err != nil {
		a.logger.Error("failed to encode saved notification", "error", err)
		return
	}

	if err := a.broker.Publish(fmt.Sprintf(savedTopicFormat, projectID), payload); err != nil {
		a.logger.Warn("failed to publish saved notification", "project", projectID, "error", err)
	}
}

func (a *App) publishStatus(msg statusMessage) {
	if a.broker == nil {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		a.logger.Error("failed to encode save status", "error", err)
		return
	}

	if err := a.broker.Publish(fmt.Sprintf(statusTopicFormat, msg.SessionID), payload); err != nil {
		a.logger.Warn("failed to publish save status", "session", msg.SessionID, "error", err)
	}
}
