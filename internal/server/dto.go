package server

import (
	"encoding/json"

	"gateline/internal/domain"
)

// Request payloads

type CreateDirectiveRequest struct {
	ID       *string `json:"id,omitempty"`
	Title    string  `json:"title"`
	Type     string  `json:"type"`
	Scope    *string `json:"scope,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
}

// HandoffPayloadRequest leaves every section optional: a missing section
// lowers the score instead of failing the request.
type HandoffPayloadRequest struct {
	ExecutiveSummary     string `json:"executive_summary,omitempty"`
	CompletenessReport   string `json:"completeness_report,omitempty"`
	DeliverablesManifest string `json:"deliverables_manifest,omitempty"`
	KeyDecisions         string `json:"key_decisions,omitempty"`
	KnownIssues          string `json:"known_issues,omitempty"`
	ResourceUtilization  string `json:"resource_utilization,omitempty"`
	ActionItems          string `json:"action_items,omitempty"`
}

func (p HandoffPayloadRequest) toDomain() domain.HandoffPayload {
	return domain.HandoffPayload{
		ExecutiveSummary:     p.ExecutiveSummary,
		CompletenessReport:   p.CompletenessReport,
		DeliverablesManifest: p.DeliverablesManifest,
		KeyDecisions:         p.KeyDecisions,
		KnownIssues:          p.KnownIssues,
		ResourceUtilization:  p.ResourceUtilization,
		ActionItems:          p.ActionItems,
	}
}

type SubmitHandoffRequest struct {
	FromPhase string                `json:"from_phase" enum:"approval_0,design,implementation,verification,approval_1"`
	ToPhase   string                `json:"to_phase" enum:"design,implementation,verification,approval_1,completed"`
	Payload   HandoffPayloadRequest `json:"payload"`
}

type AdvanceRequest struct {
	Target    string `json:"target" enum:"approval_0,design,implementation,verification,approval_1,completed"`
	HandoffID string `json:"handoff_id,omitempty"`
}

type RetryRequest struct {
	Reason string `json:"reason,omitempty"`
}

type PhaseProgressRequest struct {
	Percent int `json:"percent" minimum:"0" maximum:"100"`
}

type RecordVerdictRequest struct {
	Code       string `json:"code"`
	Verdict    string `json:"verdict" enum:"pending,pass,warning,fail"`
	Confidence int    `json:"confidence,omitempty" minimum:"0" maximum:"100"`
	Notes      string `json:"notes,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type DecomposeRequest struct {
	Items            []domain.WorkItem `json:"items"`
	MaxPerCheckpoint int               `json:"max_per_checkpoint,omitempty"`
}

type LinkChildRequest struct {
	ChildID string `json:"child_id"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type EventResponse struct {
	ID          int64           `json:"id"`
	TS          string          `json:"ts"`
	Type        string          `json:"type"`
	DirectiveID string          `json:"directive_id,omitempty"`
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedDirectives struct {
	Items []domain.Directive `json:"items"`
}

func eventResponse(evt domain.Event) EventResponse {
	res := EventResponse{
		ID:          evt.ID,
		TS:          evt.TS,
		Type:        evt.Type,
		DirectiveID: evt.DirectiveID,
		EntityKind:  evt.EntityKind,
		EntityID:    evt.EntityID,
		ActorID:     evt.ActorID,
	}
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		res.Payload = json.RawMessage(evt.Payload)
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
