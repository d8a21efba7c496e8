package domain

// Phase is one step of the fixed directive lifecycle.
type Phase string

const (
	PhaseApproval0      Phase = "approval_0"
	PhaseDesign         Phase = "design"
	PhaseImplementation Phase = "implementation"
	PhaseVerification   Phase = "verification"
	PhaseApproval1      Phase = "approval_1"
	PhaseCompleted      Phase = "completed"
)

// WorkPhases lists the weighted, non-terminal phases in order.
var WorkPhases = []Phase{
	PhaseApproval0,
	PhaseDesign,
	PhaseImplementation,
	PhaseVerification,
	PhaseApproval1,
}

var phaseWeights = map[Phase]int{
	PhaseApproval0:      20,
	PhaseDesign:         20,
	PhaseImplementation: 30,
	PhaseVerification:   15,
	PhaseApproval1:      15,
}

// ParsePhase returns the phase named s.
func ParsePhase(s string) (Phase, bool) {
	p := Phase(s)
	return p, p.Valid()
}

func (p Phase) Valid() bool {
	if p == PhaseCompleted {
		return true
	}
	_, ok := phaseWeights[p]
	return ok
}

// Weight is the share of overall progress this phase contributes.
func (p Phase) Weight() int {
	return phaseWeights[p]
}

// Index returns the position of p in the lifecycle, or -1.
func (p Phase) Index() int {
	for i, wp := range WorkPhases {
		if wp == p {
			return i
		}
	}
	if p == PhaseCompleted {
		return len(WorkPhases)
	}
	return -1
}

// Next returns the immediate successor of p.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i >= len(WorkPhases) {
		return "", false
	}
	if i == len(WorkPhases)-1 {
		return PhaseCompleted, true
	}
	return WorkPhases[i+1], true
}

// Before reports whether p comes strictly before other.
func (p Phase) Before(other Phase) bool {
	return p.Index() < other.Index()
}

// Status is the lifecycle status of a directive.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Directive types with built-in verifier and threshold rules. Other types are accepted.
const (
	TypeFeature        = "feature"
	TypeFix            = "fix"
	TypeAPI            = "api"
	TypeDatabase       = "database"
	TypeInfrastructure = "infrastructure"
	TypeDocumentation  = "documentation"
	TypeSecurity       = "security"
	TypeOrchestrator   = "orchestrator"
)

// Verdict is a verifier outcome.
type Verdict string

const (
	VerdictPending Verdict = "pending"
	VerdictPass    Verdict = "pass"
	VerdictWarning Verdict = "warning"
	VerdictFail    Verdict = "fail"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictPending, VerdictPass, VerdictWarning, VerdictFail:
		return true
	}
	return false
}

// Handoff statuses.
const (
	HandoffPending  = "pending"
	HandoffAccepted = "accepted"
	HandoffRejected = "rejected"
)
