// Package review enforces reviewer-diversity policy over a proposed panel
// before it is committed to a mission. The state machine independently
// re-checks self-review and reviewer counts at the ASSIGNED transition; the
// duplication guards against callers that attach reviewers without going
// through the router.
package review

import (
	"fmt"

	"missiongate/internal/domain"
	"missiongate/internal/policy"
)

// Router validates proposed reviewer panels against tier diversity rules.
type Router struct {
	Policy policy.Resolver
}

// ValidateAssignment checks a prospective reviewer panel for a mission.
// All checks run in one pass so the caller sees the full problem set; only
// the constitutional-flow abstention short-circuits.
func (rt Router) ValidateAssignment(m domain.Mission, proposed []domain.Reviewer) (domain.Violations, error) {
	pol, err := rt.Policy.TierPolicy(m.RiskTier)
	if err != nil {
		return nil, err
	}
	// Top-tier review is delegated wholesale to the external governance
	// process; the router abstains rather than half-validating it.
	if pol.ConstitutionalFlow {
		return nil, nil
	}

	var out domain.Violations

	if m.WorkerID != "" {
		for _, r := range proposed {
			if r.ID == m.WorkerID {
				out = append(out, domain.Violation{
					Code:    domain.ViolationSelfReview,
					Message: fmt.Sprintf("worker %s cannot review their own mission (reviewer %s)", m.WorkerID, r.ID),
				})
			}
		}
	}

	if len(proposed) < pol.ReviewersRequired {
		out = append(out, domain.Violation{
			Code:    domain.ViolationReviewerCount,
			Message: fmt.Sprintf("tier %s requires %d reviewers, got %d", m.RiskTier, pol.ReviewersRequired, len(proposed)),
		})
	}

	validMethods := rt.Policy.ValidMethodTypes()
	for i, r := range proposed {
		if r.ModelFamily == "" {
			out = append(out, domain.Violation{
				Code:    domain.ViolationReviewerIncomplete,
				Message: fmt.Sprintf("reviewer[%d] %s is missing model_family", i, r.ID),
			})
		}
		if r.MethodType == "" {
			out = append(out, domain.Violation{
				Code:    domain.ViolationReviewerIncomplete,
				Message: fmt.Sprintf("reviewer[%d] %s is missing method_type", i, r.ID),
			})
		} else if _, ok := validMethods[r.MethodType]; !ok {
			out = append(out, domain.Violation{
				Code:    domain.ViolationInvalidMethodType,
				Message: fmt.Sprintf("reviewer %s has invalid method_type %q, valid: %v", r.ID, r.MethodType, sortedSet(validMethods)),
			})
		}
	}

	// Diversity over the full proposed panel. The approver-only restriction
	// is specific to the REVIEW_COMPLETE transition, not assignment.
	for _, check := range []struct {
		dimension string
		min       int
		key       func(domain.Reviewer) string
	}{
		{"model_family", pol.MinModelFamilies, func(r domain.Reviewer) string { return r.ModelFamily }},
		{"method_type", pol.MinMethodTypes, func(r domain.Reviewer) string { return r.MethodType }},
		{"region", pol.MinRegions, func(r domain.Reviewer) string { return r.Region }},
		{"organization", pol.MinOrganizations, func(r domain.Reviewer) string { return r.Organization }},
	} {
		if v := DiversityShortfall(proposed, check.dimension, check.min, check.key); v != nil {
			out = append(out, domain.Violation{
				Code:    v.Code,
				Message: fmt.Sprintf("tier %s %s", m.RiskTier, v.Message),
			})
		}
	}

	return out, nil
}

// CheckNormativeEscalation reports whether a mission needs human
// adjudication because reviewers disagreed on non-objective work. It never
// triggers a transition by itself.
func (rt Router) CheckNormativeEscalation(m domain.Mission, agreementRatio float64) bool {
	if m.DomainType == domain.DomainObjective {
		return false
	}
	return agreementRatio < rt.Policy.NormativeAgreementThreshold()
}
