package domain

// Signal categories.
const (
	CategoryCapability = "capability"
	CategoryResearch   = "research"
	CategoryGovernance = "governance"
	CategoryMarket     = "market"
	CategoryEcosystem  = "ecosystem"
)

// Gate decision kinds.
const (
	DecisionApproved      = "approved"
	DecisionDeferred      = "deferred"
	DecisionReject        = "reject"
	DecisionNeedsMoreInfo = "needs_more_info"
)

// Gate priorities.
const (
	PriorityHigh   = "High"
	PriorityMedium = "Medium"
	PriorityLow    = "Low"
)

// Task types and statuses.
const (
	TaskTypeDeepening     = "deepening"
	TaskTypeRTIValidation = "rti_validation"
	TaskTypeAction        = "action"

	TaskPending   = "pending"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Draft statuses shared by insight and proposal drafts.
const (
	DraftStatusDraft     = "draft"
	DraftStatusPublished = "published"
	DraftStatusRejected  = "rejected"
)

// Draft kinds.
const (
	KindInsight  = "lti"
	KindProposal = "rti"
)

const (
	GateStatusApproved    = "approved"
	LifecycleDecided      = "decided"
	ValidationProvisional = "provisional"
)

type Signal struct {
	ID            string   `json:"id" validate:"required,signal_id"`
	Source        string   `json:"source" validate:"required"`
	Type          string   `json:"type" enum:"capability,research,governance,market,ecosystem" validate:"required,oneof=capability research governance market ecosystem"`
	Timestamp     string   `json:"timestamp" format:"date-time" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Title         string   `json:"title,omitempty"`
	Content       string   `json:"content,omitempty"`
	URL           string   `json:"url,omitempty" validate:"omitempty,url"`
	PriorityScore *float64 `json:"priority_score,omitempty" validate:"omitempty,gte=0,lte=1"`
	ImpactArea    []string `json:"impact_area,omitempty" validate:"omitempty,dive,required"`
	Fingerprint   string   `json:"fingerprint,omitempty"`

	GateStatus        string `json:"gate_status,omitempty"`
	GateDecisionID    string `json:"gate_decision_id,omitempty"`
	DeepeningTaskID   string `json:"deepening_task_id,omitempty"`
	Deepened          bool   `json:"deepened,omitempty"`
	DeepenedAt        string `json:"deepened_at,omitempty" format:"date-time"`
	EvidenceSourceURL string `json:"evidence_source_url,omitempty"`
	EvidenceHash      string `json:"evidence_hash,omitempty"`
	LinkedActionID    string `json:"linked_action_id,omitempty"`
	LifecycleStatus   string `json:"lifecycle_status,omitempty"`
	LTIDraftID        string `json:"lti_draft_id,omitempty"`
}

type GateDecision struct {
	ID          string   `json:"decision_id"`
	SignalID    string   `json:"signal_id"`
	Decision    string   `json:"decision" enum:"approved,deferred,reject,needs_more_info"`
	Priority    string   `json:"priority" enum:"High,Medium,Low"`
	Reason      string   `json:"reason"`
	NextActions []string `json:"next_actions"`
	ActorID     string   `json:"actor_id,omitempty"`
	VaultPath   string   `json:"vault_path"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// Task is a queued unit of follow-up work. Deepening, validation and action
// tasks share one log and are told apart by Type.
type Task struct {
	ID                string   `json:"id"`
	Type              string   `json:"type" enum:"deepening,rti_validation,action"`
	SignalID          string   `json:"signal_id,omitempty"`
	ProposalID        string   `json:"proposal_id,omitempty"`
	TriggerPatternKey string   `json:"trigger_pattern_key,omitempty"`
	ActionType        string   `json:"action_type,omitempty"`
	Goal              string   `json:"goal,omitempty"`
	Context           string   `json:"context,omitempty"`
	Deliverables      []string `json:"deliverables,omitempty"`
	Status            string   `json:"status" enum:"pending,completed,failed"`
	Error             string   `json:"error,omitempty"`
	Attempts          int      `json:"attempts,omitempty"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
	CompletedAt       string   `json:"completed_at,omitempty" format:"date-time"`
}

// Writeback statuses.
const (
	WritebackPending = "pending"
	WritebackApplied = "applied"
)

// Writeback is one entry of the append-only writeback log. An action gets a
// pending entry when generated and an applied one once its outcome is
// staged as an insight draft.
type Writeback struct {
	ActionID       string `json:"action_id"`
	Status         string `json:"status" enum:"pending,applied"`
	InsightDraftID string `json:"lti_draft_id,omitempty"`
	CreatedAt      string `json:"created_at,omitempty" format:"date-time"`
	AppliedAt      string `json:"applied_at,omitempty" format:"date-time"`
}

// RejectionCase is a COS record written for every rejected signal.
type RejectionCase struct {
	ID               string `json:"cos_id"`
	SignalID         string `json:"signal_id"`
	DecisionID       string `json:"decision_id"`
	PatternKey       string `json:"pattern_key"`
	Reason           string `json:"reason"`
	VaultPath        string `json:"vault_path"`
	LinkedProposalID string `json:"linked_rti_proposal"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type ProposalDraft struct {
	ID                string   `json:"id"`
	Type              string   `json:"type"`
	Status            string   `json:"status" enum:"draft,published,rejected"`
	PatternKey        string   `json:"pattern_key"`
	SupportingCaseIDs []string `json:"supporting_cos_case_ids"`
	VaultPath         string   `json:"vault_path"`
	FinalVaultPath    string   `json:"final_vault_path,omitempty"`
	Reviewer          string   `json:"reviewer,omitempty"`
	ReviewNotes       string   `json:"review_notes,omitempty"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
	PublishedAt       string   `json:"published_at,omitempty" format:"date-time"`
	RejectedAt        string   `json:"rejected_at,omitempty" format:"date-time"`
}

type EvidenceRef struct {
	Kind string `json:"kind" enum:"arxiv,url,action"`
	Ref  string `json:"ref"`
}

type Governance struct {
	Reviewer    string `json:"reviewer,omitempty"`
	ReviewNotes string `json:"review_notes,omitempty"`
}

type InsightDraft struct {
	ID               string        `json:"id"`
	Type             string        `json:"type"`
	Status           string        `json:"status" enum:"draft,published,rejected"`
	SourceSignalID   string        `json:"source_signal_id"`
	SourceDecisionID string        `json:"source_decision_id"`
	SourceActionID   string        `json:"source_action_id,omitempty"`
	Title            string        `json:"title"`
	Summary          string        `json:"summary,omitempty"`
	Tags             []string      `json:"tags"`
	EvidenceRefs     []EvidenceRef `json:"evidence_refs"`
	Governance       Governance    `json:"governance"`
	VaultPath        string        `json:"vault_path"`
	FinalVaultPath   string        `json:"final_vault_path,omitempty"`
	CreatedAt        string        `json:"created_at" format:"date-time"`
	UpdatedAt        string        `json:"updated_at" format:"date-time"`
	PublishedAt      string        `json:"published_at,omitempty" format:"date-time"`
	RejectedAt       string        `json:"rejected_at,omitempty" format:"date-time"`
}

// InsightIndexEntry and ProposalIndexEntry are the derived index rows. They
// can always be rebuilt from the draft logs.
type InsightIndexEntry struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	CreatedAt        string `json:"created_at"`
	VaultPath        string `json:"vault_path"`
	FinalVaultPath   string `json:"final_vault_path,omitempty"`
	SourceSignalID   string `json:"source_signal_id"`
	SourceDecisionID string `json:"source_decision_id"`
}

type ProposalIndexEntry struct {
	ID                string   `json:"id"`
	Status            string   `json:"status"`
	CreatedAt         string   `json:"created_at"`
	VaultPath         string   `json:"vault_path"`
	FinalVaultPath    string   `json:"final_vault_path,omitempty"`
	PatternKey        string   `json:"pattern_key"`
	SupportingCaseIDs []string `json:"supporting_cos_case_ids"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id"`
	ActorID     string `json:"actor_id"`
	PayloadJSON string `json:"payload_json"`
}
