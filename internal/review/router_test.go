package review_test

import (
	"strings"
	"testing"

	"missiongate/internal/config"
	"missiongate/internal/domain"
	"missiongate/internal/policy"
	"missiongate/internal/review"
)

func newRouter() review.Router {
	return review.Router{Policy: policy.FromConfig(config.Default("test"))}
}

func panelR1() []domain.Reviewer {
	return []domain.Reviewer{
		{ID: "rev-1", ModelFamily: "alpha", MethodType: "static_analysis", Region: "eu", Organization: "acme"},
		{ID: "rev-2", ModelFamily: "beta", MethodType: "llm_judge", Region: "us", Organization: "globex"},
	}
}

func TestSelfReviewRejected(t *testing.T) {
	rt := newRouter()
	m := domain.Mission{ID: "m-1", RiskTier: domain.TierR1, WorkerID: "rev-1"}
	vs, err := rt.ValidateAssignment(m, panelR1())
	if err != nil {
		t.Fatal(err)
	}
	if !vs.Has(domain.ViolationSelfReview) {
		t.Fatalf("expected self_review violation, got %v", vs.Messages())
	}
}

func TestReviewerCountShortfall(t *testing.T) {
	rt := newRouter()
	m := domain.Mission{ID: "m-1", RiskTier: domain.TierR1, WorkerID: "worker-1"}
	vs, err := rt.ValidateAssignment(m, panelR1()[:1])
	if err != nil {
		t.Fatal(err)
	}
	if !vs.Has(domain.ViolationReviewerCount) {
		t.Fatalf("expected reviewer_count violation, got %v", vs.Messages())
	}
}

func TestInvalidMethodType(t *testing.T) {
	rt := newRouter()
	panel := panelR1()
	panel[0].MethodType = "vibes"
	m := domain.Mission{ID: "m-1", RiskTier: domain.TierR1, WorkerID: "worker-1"}
	vs, err := rt.ValidateAssignment(m, panel)
	if err != nil {
		t.Fatal(err)
	}
	if !vs.Has(domain.ViolationInvalidMethodType) {
		t.Fatalf("expected invalid_method_type violation, got %v", vs.Messages())
	}
}

func TestIncompleteReviewer(t *testing.T) {
	rt := newRouter()
	panel := panelR1()
	panel[1].ModelFamily = ""
	panel[1].MethodType = ""
	m := domain.Mission{ID: "m-1", RiskTier: domain.TierR1, WorkerID: "worker-1"}
	vs, err := rt.ValidateAssignment(m, panel)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, v := range vs {
		if v.Code == domain.ViolationReviewerIncomplete {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected missing model_family and method_type flagged, got %v", vs.Messages())
	}
}

func TestDiversityShortfallAccumulates(t *testing.T) {
	rt := newRouter()
	// Two reviewers from the same org and family: R1 wants 2 of each.
	panel := []domain.Reviewer{
		{ID: "rev-1", ModelFamily: "alpha", MethodType: "static_analysis", Region: "eu", Organization: "acme"},
		{ID: "rev-2", ModelFamily: "alpha", MethodType: "llm_judge", Region: "us", Organization: "acme"},
	}
	m := domain.Mission{ID: "m-1", RiskTier: domain.TierR1, WorkerID: "worker-1"}
	vs, err := rt.ValidateAssignment(m, panel)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, v := range vs {
		if v.Code == domain.ViolationDiversityShortfall {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected model_family and organization shortfalls, got %v", vs.Messages())
	}
}

func TestConstitutionalTierAbstains(t *testing.T) {
	rt := newRouter()
	// R3 panels are validated by the external governance process, so even a
	// blatantly bad panel passes the router.
	m := domain.Mission{ID: "m-1", RiskTier: domain.TierR3, WorkerID: "worker-1"}
	vs, err := rt.ValidateAssignment(m, []domain.Reviewer{{ID: "worker-1"}})
	if err != nil {
		t.Fatal(err)
	}
	if !vs.OK() {
		t.Fatalf("expected abstention for constitutional tier, got %v", vs.Messages())
	}
}

func TestUnknownTierIsHardError(t *testing.T) {
	rt := newRouter()
	m := domain.Mission{ID: "m-1", RiskTier: "R9"}
	if _, err := rt.ValidateAssignment(m, nil); err == nil {
		t.Fatalf("expected error for unconfigured tier")
	}
}

func TestNormativeEscalation(t *testing.T) {
	rt := newRouter()
	objective := domain.Mission{DomainType: domain.DomainObjective}
	if rt.CheckNormativeEscalation(objective, 0.0) {
		t.Fatalf("objective missions never escalate")
	}
	normative := domain.Mission{DomainType: domain.DomainNormative}
	if !rt.CheckNormativeEscalation(normative, 0.5) {
		t.Fatalf("expected escalation below threshold")
	}
	if rt.CheckNormativeEscalation(normative, 0.7) {
		t.Fatalf("ratio equal to threshold should not escalate")
	}
	mixed := domain.Mission{DomainType: domain.DomainMixed}
	if !rt.CheckNormativeEscalation(mixed, 0.6) {
		t.Fatalf("mixed missions escalate like normative ones")
	}
}

func TestUniqueApprovalsDedupes(t *testing.T) {
	m := domain.Mission{
		Reviewers: panelR1(),
		ReviewDecisions: []domain.ReviewDecision{
			{ReviewerID: "rev-1", Decision: domain.DecisionApprove},
			{ReviewerID: "rev-1", Decision: domain.DecisionApprove},
			{ReviewerID: "rev-1", Decision: domain.DecisionApprove},
		},
	}
	if got := review.UniqueApprovals(m); got != 1 {
		t.Fatalf("expected 1 unique approval, got %d", got)
	}
	if got := len(review.ApprovingReviewers(m)); got != 1 {
		t.Fatalf("expected 1 approving reviewer, got %d", got)
	}
}

func TestDistinctSkipsEmptyValues(t *testing.T) {
	panel := []domain.Reviewer{
		{ID: "a", Region: "eu"},
		{ID: "b", Region: ""},
		{ID: "c", Region: "eu"},
	}
	count, values := review.Distinct(panel, func(r domain.Reviewer) string { return r.Region })
	if count != 1 || strings.Join(values, ",") != "eu" {
		t.Fatalf("expected single distinct region, got %d %v", count, values)
	}
}

func TestDiversityShortfallMessage(t *testing.T) {
	panel := []domain.Reviewer{{ID: "a", Region: "eu"}}
	v := review.DiversityShortfall(panel, "region", 2, func(r domain.Reviewer) string { return r.Region })
	if v == nil {
		t.Fatalf("expected shortfall")
	}
	if v.Code != domain.ViolationDiversityShortfall {
		t.Fatalf("unexpected code %s", v.Code)
	}
	if !strings.Contains(v.Message, "2 distinct region") {
		t.Fatalf("unexpected message %q", v.Message)
	}
	if got := review.DiversityShortfall(panel, "region", 0, func(r domain.Reviewer) string { return r.Region }); got != nil {
		t.Fatalf("zero minimum should never produce a shortfall")
	}
}
