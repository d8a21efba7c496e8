package domain

type Directive struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Type            string  `json:"type"`
	Scope           string  `json:"scope,omitempty"`
	Status          Status  `json:"status" enum:"draft,active,completed,cancelled"`
	CurrentPhase    Phase   `json:"current_phase" enum:"approval_0,design,implementation,verification,approval_1,completed"`
	PhaseProgress   int     `json:"phase_progress"`
	Progress        int     `json:"progress"`
	ParentID        *string `json:"parent_id,omitempty"`
	PendingChildren int     `json:"pending_children"`
	Version         int64   `json:"version"`
	CancelReason    string  `json:"cancel_reason,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
	ClosedAt        *string `json:"closed_at,omitempty" format:"date-time"`
}

// PhaseMarker records one entry into a phase. Retries add a new attempt.
type PhaseMarker struct {
	DirectiveID string  `json:"directive_id"`
	Phase       Phase   `json:"phase"`
	Attempt     int     `json:"attempt"`
	EnteredAt   string  `json:"entered_at" format:"date-time"`
	ExitedAt    *string `json:"exited_at,omitempty" format:"date-time"`
}

// HandoffPayload carries the seven sections every handoff must fill in.
type HandoffPayload struct {
	ExecutiveSummary     string `json:"executive_summary" yaml:"executive_summary"`
	CompletenessReport   string `json:"completeness_report" yaml:"completeness_report"`
	DeliverablesManifest string `json:"deliverables_manifest" yaml:"deliverables_manifest"`
	KeyDecisions         string `json:"key_decisions" yaml:"key_decisions"`
	KnownIssues          string `json:"known_issues" yaml:"known_issues"`
	ResourceUtilization  string `json:"resource_utilization" yaml:"resource_utilization"`
	ActionItems          string `json:"action_items" yaml:"action_items"`
}

// Section is one named handoff section.
type Section struct {
	Key  string
	Text string
}

// Section keys in canonical order.
const (
	SectionExecutiveSummary     = "executive_summary"
	SectionCompletenessReport   = "completeness_report"
	SectionDeliverablesManifest = "deliverables_manifest"
	SectionKeyDecisions         = "key_decisions"
	SectionKnownIssues          = "known_issues"
	SectionResourceUtilization  = "resource_utilization"
	SectionActionItems          = "action_items"
)

func (p HandoffPayload) Sections() []Section {
	return []Section{
		{SectionExecutiveSummary, p.ExecutiveSummary},
		{SectionCompletenessReport, p.CompletenessReport},
		{SectionDeliverablesManifest, p.DeliverablesManifest},
		{SectionKeyDecisions, p.KeyDecisions},
		{SectionKnownIssues, p.KnownIssues},
		{SectionResourceUtilization, p.ResourceUtilization},
		{SectionActionItems, p.ActionItems},
	}
}

type Handoff struct {
	ID          string         `json:"id"`
	DirectiveID string         `json:"directive_id"`
	FromPhase   Phase          `json:"from_phase"`
	ToPhase     Phase          `json:"to_phase"`
	Attempt     int            `json:"attempt"`
	Status      string         `json:"status" enum:"pending,accepted,rejected"`
	Score       int            `json:"score"`
	Reasons     []string       `json:"reasons,omitempty"`
	Payload     HandoffPayload `json:"payload"`
	SubmittedBy string         `json:"submitted_by"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

// VerifierRequirement is a verifier a directive must satisfy before leaving GatePhase.
type VerifierRequirement struct {
	DirectiveID string `json:"directive_id"`
	Code        string `json:"code"`
	GatePhase   Phase  `json:"gate_phase"`
	Waivable    bool   `json:"waivable"`
	Source      string `json:"source" enum:"type,keyword"`
}

// VerifierVerdict is one appended verdict row.
type VerifierVerdict struct {
	ID          int64   `json:"id"`
	DirectiveID string  `json:"directive_id"`
	Code        string  `json:"code"`
	Verdict     Verdict `json:"verdict" enum:"pending,pass,warning,fail"`
	Confidence  int     `json:"confidence"`
	Notes       string  `json:"notes,omitempty"`
	ActorID     string  `json:"actor_id"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// VerifierStatus joins a requirement with its current verdict.
type VerifierStatus struct {
	VerifierRequirement
	Verdict    Verdict `json:"verdict"`
	Confidence int     `json:"confidence"`
	UpdatedAt  string  `json:"updated_at,omitempty"`
}

// WorkItem is a unit of work fed to the checkpoint decomposer.
type WorkItem struct {
	ID     string `json:"id"`
	Effort int    `json:"effort,omitempty"`
}

type Checkpoint struct {
	DirectiveID string   `json:"directive_id"`
	Seq         int      `json:"seq"`
	Items       []string `json:"items"`
	Effort      int      `json:"effort"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
}

func (c Checkpoint) Completed() bool { return c.CompletedAt != nil }

type ChildLink struct {
	ParentID   string  `json:"parent_id"`
	ChildID    string  `json:"child_id"`
	LinkedAt   string  `json:"linked_at" format:"date-time"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
}

// Retrospective is the closing artifact synthesized for a parent directive.
type Retrospective struct {
	DirectiveID       string `json:"directive_id"`
	Summary           string `json:"summary"`
	ChildrenTotal     int    `json:"children_total"`
	ChildrenCompleted int    `json:"children_completed"`
	ChildrenCancelled int    `json:"children_cancelled"`
	QualityScore      int    `json:"quality_score"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

// ProgressReport is the derived completion percentage with per-phase fractions.
type ProgressReport struct {
	DirectiveID string            `json:"directive_id"`
	Phase       Phase             `json:"phase"`
	Status      Status            `json:"status"`
	Percentage  int               `json:"percentage"`
	Breakdown   map[Phase]float64 `json:"breakdown"`
}

type CompletionResult struct {
	DirectiveID     string   `json:"directive_id"`
	Accepted        bool     `json:"accepted"`
	Progress        int      `json:"progress"`
	BlockingReasons []string `json:"blocking_reasons"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	DirectiveID string `json:"directive_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
