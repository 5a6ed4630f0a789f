package review

import (
	"fmt"
	"sort"

	"missiongate/internal/domain"
)

// Distinct counts unique non-empty values produced by key over the reviewers
// and returns the sorted value set. Sorting is only for deterministic error
// messages, not ordering semantics.
func Distinct(reviewers []domain.Reviewer, key func(domain.Reviewer) string) (int, []string) {
	seen := map[string]struct{}{}
	for _, r := range reviewers {
		v := key(r)
		if v == "" {
			continue
		}
		seen[v] = struct{}{}
	}
	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Strings(values)
	return len(values), values
}

// DiversityShortfall compares a distinct-value count against a tier minimum
// and returns a violation when below it, nil otherwise.
func DiversityShortfall(reviewers []domain.Reviewer, dimension string, min int, key func(domain.Reviewer) string) *domain.Violation {
	if min <= 0 {
		return nil
	}
	count, values := Distinct(reviewers, key)
	if count >= min {
		return nil
	}
	return &domain.Violation{
		Code: domain.ViolationDiversityShortfall,
		Message: fmt.Sprintf("requires %d distinct %s values, got %d %v",
			min, dimension, count, values),
	}
}

// ApprovingReviewers filters the mission's reviewer panel down to those with
// at least one APPROVE decision. Duplicate decisions per reviewer count once.
func ApprovingReviewers(m domain.Mission) []domain.Reviewer {
	approved := approvedIDs(m)
	var out []domain.Reviewer
	for _, r := range m.Reviewers {
		if _, ok := approved[r.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// UniqueApprovals counts distinct reviewer ids that submitted an APPROVE.
// A reviewer who approved twice, or the same id appearing twice in the
// panel, counts once.
func UniqueApprovals(m domain.Mission) int {
	return len(approvedIDs(m))
}

func approvedIDs(m domain.Mission) map[string]struct{} {
	approved := map[string]struct{}{}
	for _, d := range m.ReviewDecisions {
		if d.Decision == domain.DecisionApprove {
			approved[d.ReviewerID] = struct{}{}
		}
	}
	return approved
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
