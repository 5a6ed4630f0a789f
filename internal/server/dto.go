package server

import (
	"missiongate/internal/domain"
)

// Request payloads

type CreateMissionRequest struct {
	ID           *string `json:"id,omitempty"`
	Title        string  `json:"title"`
	MissionClass string  `json:"mission_class,omitempty" enum:"content,engineering,finance,governance"`
	RiskTier     *string `json:"risk_tier,omitempty" enum:"R0,R1,R2,R3"`
	DomainType   *string `json:"domain_type,omitempty" enum:"OBJECTIVE,NORMATIVE,MIXED"`
}

type ReviewerRequest struct {
	ID           string `json:"id"`
	ModelFamily  string `json:"model_family"`
	MethodType   string `json:"method_type"`
	Region       string `json:"region"`
	Organization string `json:"organization"`
}

type AssignMissionRequest struct {
	WorkerID  string            `json:"worker_id"`
	Reviewers []ReviewerRequest `json:"reviewers"`
}

type DecisionRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Decision   string `json:"decision" enum:"APPROVE,REJECT"`
}

type EvidenceRequest struct {
	ArtifactHash string `json:"artifact_hash"`
	Signature    string `json:"signature"`
}

type HumanGateRequest struct {
	Approved bool `json:"approved"`
}

type GrantRoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

// Response payloads

type MissionResponse struct {
	ID                 string             `json:"id"`
	Title              string             `json:"title"`
	MissionClass       string             `json:"mission_class"`
	RiskTier           string             `json:"risk_tier"`
	DomainType         string             `json:"domain_type,omitempty"`
	State              string             `json:"state"`
	WorkerID           string             `json:"worker_id,omitempty"`
	Reviewers          []ReviewerRequest  `json:"reviewers,omitempty"`
	ReviewDecisions    []DecisionResponse `json:"review_decisions,omitempty"`
	Evidence           []EvidenceRequest  `json:"evidence,omitempty"`
	HumanFinalApproval bool               `json:"human_final_approval"`
	CreatedAt          string             `json:"created_at"`
	UpdatedAt          string             `json:"updated_at"`
}

type DecisionResponse struct {
	ReviewerID string `json:"reviewer_id"`
	Decision   string `json:"decision"`
	CreatedAt  string `json:"created_at,omitempty"`
}

type EscalationResponse struct {
	MissionID      string  `json:"mission_id"`
	Escalate       bool    `json:"escalate"`
	AgreementRatio float64 `json:"agreement_ratio"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func missionResponse(m domain.Mission) MissionResponse {
	out := MissionResponse{
		ID:                 m.ID,
		Title:              m.Title,
		MissionClass:       m.MissionClass,
		RiskTier:           string(m.RiskTier),
		DomainType:         string(m.DomainType),
		State:              string(m.State),
		WorkerID:           m.WorkerID,
		HumanFinalApproval: m.HumanFinalApproval,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
	for _, r := range m.Reviewers {
		out.Reviewers = append(out.Reviewers, ReviewerRequest(r))
	}
	for _, d := range m.ReviewDecisions {
		out.ReviewDecisions = append(out.ReviewDecisions, DecisionResponse{
			ReviewerID: d.ReviewerID,
			Decision:   string(d.Decision),
			CreatedAt:  d.CreatedAt,
		})
	}
	for _, rec := range m.Evidence {
		out.Evidence = append(out.Evidence, EvidenceRequest{ArtifactHash: rec.ArtifactHash, Signature: rec.Signature})
	}
	return out
}

func mapMissions(items []domain.Mission) []MissionResponse {
	out := make([]MissionResponse, 0, len(items))
	for _, m := range items {
		out = append(out, missionResponse(m))
	}
	return out
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, EventResponse(e))
	}
	return out
}

func reviewersFromRequest(in []ReviewerRequest) []domain.Reviewer {
	out := make([]domain.Reviewer, 0, len(in))
	for _, r := range in {
		out = append(out, domain.Reviewer(r))
	}
	return out
}
