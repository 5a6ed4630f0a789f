package domain

// RiskTier is the ordinal sensitivity classification of a mission.
// Higher tiers demand more reviewers, more diversity and stricter gates.
type RiskTier string

const (
	TierR0 RiskTier = "R0"
	TierR1 RiskTier = "R1"
	TierR2 RiskTier = "R2"
	TierR3 RiskTier = "R3"
)

// Tiers lists all risk tiers in ascending order.
func Tiers() []RiskTier {
	return []RiskTier{TierR0, TierR1, TierR2, TierR3}
}

// ParseRiskTier validates a tier string.
func ParseRiskTier(s string) (RiskTier, bool) {
	switch RiskTier(s) {
	case TierR0, TierR1, TierR2, TierR3:
		return RiskTier(s), true
	}
	return "", false
}

// DomainType classifies how contestable the mission's output is.
type DomainType string

const (
	DomainObjective DomainType = "OBJECTIVE"
	DomainNormative DomainType = "NORMATIVE"
	DomainMixed     DomainType = "MIXED"
)

// MissionState is a node in the lifecycle machine.
type MissionState string

const (
	StateDraft            MissionState = "DRAFT"
	StateSubmitted        MissionState = "SUBMITTED"
	StateAssigned         MissionState = "ASSIGNED"
	StateInReview         MissionState = "IN_REVIEW"
	StateReviewComplete   MissionState = "REVIEW_COMPLETE"
	StateHumanGatePending MissionState = "HUMAN_GATE_PENDING"
	StateApproved         MissionState = "APPROVED"
	StateRejected         MissionState = "REJECTED"
	StateCancelled        MissionState = "CANCELLED"
)

// Decision is a reviewer's verdict on a mission.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// Mission is the unit of work under lifecycle control. The engine owns
// mutation; the validators only ever read it.
type Mission struct {
	ID                 string           `json:"id"`
	Title              string           `json:"title"`
	MissionClass       string           `json:"mission_class"`
	RiskTier           RiskTier         `json:"risk_tier" enum:"R0,R1,R2,R3"`
	DomainType         DomainType       `json:"domain_type,omitempty" enum:"OBJECTIVE,NORMATIVE,MIXED"`
	State              MissionState     `json:"state" enum:"DRAFT,SUBMITTED,ASSIGNED,IN_REVIEW,REVIEW_COMPLETE,HUMAN_GATE_PENDING,APPROVED,REJECTED,CANCELLED"`
	WorkerID           string           `json:"worker_id,omitempty"`
	Reviewers          []Reviewer       `json:"reviewers,omitempty"`
	ReviewDecisions    []ReviewDecision `json:"review_decisions,omitempty"`
	Evidence           []EvidenceRecord `json:"evidence,omitempty"`
	HumanFinalApproval bool             `json:"human_final_approval"`
	CreatedAt          string           `json:"created_at" format:"date-time"`
	UpdatedAt          string           `json:"updated_at" format:"date-time"`
}

// Reviewer is an immutable snapshot of a roster entry taken at assignment
// time; the mission holds a copy, never a live reference.
type Reviewer struct {
	ID           string `json:"id"`
	ModelFamily  string `json:"model_family"`
	MethodType   string `json:"method_type"`
	Region       string `json:"region"`
	Organization string `json:"organization"`
}

// ReviewDecision records one verdict. A reviewer may have several records;
// counting logic dedupes by reviewer id.
type ReviewDecision struct {
	ReviewerID string   `json:"reviewer_id"`
	Decision   Decision `json:"decision" enum:"APPROVE,REJECT"`
	CreatedAt  string   `json:"created_at,omitempty" format:"date-time"`
}

// EvidenceRecord is a submitted work artifact reference. Only the hash and
// signature formats are validated by this service.
type EvidenceRecord struct {
	ArtifactHash string `json:"artifact_hash"`
	Signature    string `json:"signature"`
}

// Event is one row of the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a service-layer actor.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
