package server

import (
	"encoding/json"

	"pmos/internal/domain"
	"pmos/internal/engine"
)

// Request payloads

type IngestRequest struct {
	Items []engine.SignalInput `json:"items" minItems:"1"`
}

type DecisionRequest struct {
	SignalID    string   `json:"signal_id"`
	Decision    string   `json:"decision" enum:"approved,deferred,reject,needs_more_info"`
	Priority    string   `json:"priority" enum:"High,Medium,Low"`
	Reason      string   `json:"reason,omitempty"`
	NextActions []string `json:"next_actions,omitempty"`
}

type RejectionRequest struct {
	SignalID   string `json:"signal_id"`
	DecisionID string `json:"decision_id"`
	Reason     string `json:"reason,omitempty"`
}

type PatternCheckRequest struct {
	PatternKey string `json:"pattern_key"`
}

type DeepenRequest struct {
	Limit    int    `json:"limit,omitempty"`
	Force    bool   `json:"force,omitempty" doc:"Also retry failed tasks"`
	SignalID string `json:"signal_id,omitempty"`
}

type ActionRequest struct {
	SignalID   string `json:"signal_id,omitempty" doc:"Defaults to the top ranked signal"`
	Goal       string `json:"goal,omitempty"`
	ActionType string `json:"action_type,omitempty"`
}

type WritebackRequest struct {
	ActionID string `json:"action_id,omitempty" doc:"Defaults to the newest action with a pending writeback"`
}

type ReviewRequest struct {
	Notes string `json:"notes,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type ListResponse[T any] struct {
	Items []T `json:"items"`
}

type PublishResponse struct {
	ID             string `json:"id"`
	Kind           string `json:"kind" enum:"lti,rti"`
	FinalVaultPath string `json:"final_vault_path"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.PayloadJSON),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
