// Package lifecycle holds the fail-closed mission state machine. Any
// transition not explicitly whitelisted is rejected, and every tier
// constraint must hold before a checkpoint can be passed. The machine is a
// pure validator: it never mutates the mission, the caller commits the state
// change only when the returned violation list is empty.
package lifecycle

import (
	"fmt"

	"missiongate/internal/domain"
	"missiongate/internal/evidence"
	"missiongate/internal/policy"
	"missiongate/internal/review"
)

// transitions is the closed edge set. Terminal states (APPROVED, REJECTED,
// CANCELLED) have no outgoing edges. REVIEW_COMPLETE -> APPROVED is
// structurally legal for every tier; gated tiers veto it again in the
// per-target checks, keeping the direct edge usable for non-gated tiers.
var transitions = map[domain.MissionState][]domain.MissionState{
	domain.StateDraft:            {domain.StateSubmitted, domain.StateCancelled},
	domain.StateSubmitted:        {domain.StateAssigned, domain.StateCancelled},
	domain.StateAssigned:         {domain.StateInReview, domain.StateCancelled},
	domain.StateInReview:         {domain.StateReviewComplete, domain.StateCancelled},
	domain.StateReviewComplete:   {domain.StateHumanGatePending, domain.StateApproved, domain.StateRejected},
	domain.StateHumanGatePending: {domain.StateApproved, domain.StateRejected},
}

// Allowed reports whether the edge (from, to) is in the whitelist.
func Allowed(from, to domain.MissionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStates returns the whitelisted targets from a state.
func NextStates(from domain.MissionState) []domain.MissionState {
	out := make([]domain.MissionState, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

// Machine validates mission transitions against tier policy.
type Machine struct {
	Policy policy.Resolver
}

// Transition validates moving the mission to target. An empty result means
// the caller may commit mission.State = target. An illegal edge returns a
// single violation and skips all policy evaluation; the returned error is
// reserved for programmer mistakes such as an unconfigured tier.
func (sm Machine) Transition(m domain.Mission, target domain.MissionState) (domain.Violations, error) {
	if !Allowed(m.State, target) {
		return domain.Violations{{
			Code:    domain.ViolationIllegalTransition,
			Message: fmt.Sprintf("illegal transition %s -> %s for mission %s", m.State, target, m.ID),
		}}, nil
	}

	pol, err := sm.Policy.TierPolicy(m.RiskTier)
	if err != nil {
		return nil, err
	}

	var out domain.Violations
	switch target {
	case domain.StateSubmitted:
		if m.Title == "" {
			out = append(out, domain.Violation{
				Code:    domain.ViolationMissingTitle,
				Message: fmt.Sprintf("mission %s requires a title before submission", m.ID),
			})
		}
		if m.DomainType == "" {
			out = append(out, domain.Violation{
				Code:    domain.ViolationMissingDomainType,
				Message: fmt.Sprintf("mission %s requires a domain_type before submission", m.ID),
			})
		}

	case domain.StateAssigned:
		out = append(out, sm.checkAssigned(m, pol)...)

	case domain.StateInReview:
		// No additional policy beyond the edge itself.

	case domain.StateReviewComplete:
		// Top-tier missions are validated by the external governance
		// module; the machine defers entirely.
		if !pol.ConstitutionalFlow {
			out = append(out, sm.checkReviewComplete(m, pol)...)
		}

	case domain.StateApproved:
		out = append(out, sm.checkApproved(m, pol)...)

	case domain.StateHumanGatePending:
		if !pol.HumanFinalGate {
			out = append(out, domain.Violation{
				Code:    domain.ViolationHumanGateUnneeded,
				Message: fmt.Sprintf("tier %s does not require a human gate", m.RiskTier),
			})
		}

	case domain.StateRejected, domain.StateCancelled:
		// Always allowed once the edge is legal.

	case domain.StateDraft:
		// No whitelisted edge leads back to DRAFT; unreachable past step 1.
	}

	return out, nil
}

// checkAssigned re-derives the self-review check even though the router
// validates proposed panels before assignment. The duplication is deliberate
// defense in depth against callers that attach reviewers through another
// path.
func (sm Machine) checkAssigned(m domain.Mission, pol policy.TierPolicy) domain.Violations {
	var out domain.Violations
	if m.WorkerID == "" {
		out = append(out, domain.Violation{
			Code:    domain.ViolationMissingWorker,
			Message: fmt.Sprintf("mission %s requires a worker before assignment", m.ID),
		})
	}
	for _, r := range m.Reviewers {
		if m.WorkerID != "" && r.ID == m.WorkerID {
			out = append(out, domain.Violation{
				Code:    domain.ViolationSelfReview,
				Message: fmt.Sprintf("worker %s cannot review their own mission (reviewer %s)", m.WorkerID, r.ID),
			})
		}
	}
	if !pol.ConstitutionalFlow && len(m.Reviewers) < pol.ReviewersRequired {
		out = append(out, domain.Violation{
			Code:    domain.ViolationReviewerCount,
			Message: fmt.Sprintf("tier %s requires %d reviewers, got %d", m.RiskTier, pol.ReviewersRequired, len(m.Reviewers)),
		})
	}
	return out
}

// checkReviewComplete enforces the approval quorum, the evidence gate, and
// diversity among the approving reviewers only. A panel that is diverse
// overall but whose approvals cluster in one region or organization does not
// pass the checkpoint.
func (sm Machine) checkReviewComplete(m domain.Mission, pol policy.TierPolicy) domain.Violations {
	var out domain.Violations

	approvals := review.UniqueApprovals(m)
	if approvals < pol.ApprovalsRequired {
		out = append(out, domain.Violation{
			Code:    domain.ViolationApprovalShortfall,
			Message: fmt.Sprintf("tier %s requires %d unique approvals, got %d", m.RiskTier, pol.ApprovalsRequired, approvals),
		})
	}

	out = append(out, evidence.ValidateMissionEvidence(m)...)

	approvers := review.ApprovingReviewers(m)
	if v := review.DiversityShortfall(approvers, "region", pol.MinRegions, func(r domain.Reviewer) string { return r.Region }); v != nil {
		out = append(out, domain.Violation{
			Code:    v.Code,
			Message: fmt.Sprintf("approving reviewers: %s", v.Message),
		})
	}
	if v := review.DiversityShortfall(approvers, "organization", pol.MinOrganizations, func(r domain.Reviewer) string { return r.Organization }); v != nil {
		out = append(out, domain.Violation{
			Code:    v.Code,
			Message: fmt.Sprintf("approving reviewers: %s", v.Message),
		})
	}
	return out
}

// checkApproved layers the tier-conditional human-gate veto on top of the
// structurally legal REVIEW_COMPLETE -> APPROVED edge.
func (sm Machine) checkApproved(m domain.Mission, pol policy.TierPolicy) domain.Violations {
	var out domain.Violations
	if pol.HumanFinalGate && !m.HumanFinalApproval {
		out = append(out, domain.Violation{
			Code:    domain.ViolationHumanGateRequired,
			Message: fmt.Sprintf("tier %s requires human final approval for mission %s", m.RiskTier, m.ID),
		})
	}
	if pol.HumanFinalGate && m.State == domain.StateReviewComplete {
		out = append(out, domain.Violation{
			Code:    domain.ViolationHumanGateSkipped,
			Message: fmt.Sprintf("tier %s missions must pass through %s before approval", m.RiskTier, domain.StateHumanGatePending),
		})
	}
	return out
}
