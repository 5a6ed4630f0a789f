package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"missiongate/internal/config"
	"missiongate/internal/db"
	"missiongate/internal/domain"
	"missiongate/internal/engine"
	"missiongate/internal/engine/auth"
	"missiongate/internal/migrate"
)

var (
	goodHash = "sha256:" + strings.Repeat("a", 64)
	goodSig  = "ed25519:" + strings.Repeat("b", 64)
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("mkt-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func panelR1() []domain.Reviewer {
	return []domain.Reviewer{
		{ID: "rev-1", ModelFamily: "alpha", MethodType: "static_analysis", Region: "eu", Organization: "acme"},
		{ID: "rev-2", ModelFamily: "beta", MethodType: "llm_judge", Region: "us", Organization: "globex"},
	}
}

func panelR2() []domain.Reviewer {
	return []domain.Reviewer{
		{ID: "rev-1", ModelFamily: "alpha", MethodType: "static_analysis", Region: "eu", Organization: "acme"},
		{ID: "rev-2", ModelFamily: "beta", MethodType: "llm_judge", Region: "us", Organization: "globex"},
		{ID: "rev-3", ModelFamily: "gamma", MethodType: "human_expert", Region: "apac", Organization: "initech"},
	}
}

func violationsOf(t *testing.T, err error) domain.Violations {
	t.Helper()
	var ve *engine.ViolationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ViolationError, got %v", err)
	}
	return ve.Violations
}

func TestR0MissionFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, engine.CreateMissionOptions{
		Title:      "Translate docs",
		DomainType: "OBJECTIVE",
		ActorID:    "owner-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.RiskTier != domain.TierR0 {
		t.Fatalf("content class should default to R0, got %s", m.RiskTier)
	}
	if m.State != domain.StateDraft {
		t.Fatalf("expected DRAFT, got %s", m.State)
	}

	m, err = env.Engine.SubmitMission(env.Ctx, m.ID, "owner-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	m, err = env.Engine.AssignMission(env.Ctx, m.ID, "worker-1", panelR1()[:1], "owner-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	m, err = env.Engine.StartReview(env.Ctx, m.ID, "owner-1")
	if err != nil {
		t.Fatalf("start review: %v", err)
	}
	m, err = env.Engine.RecordDecision(env.Ctx, m.ID, domain.ReviewDecision{ReviewerID: "rev-1", Decision: domain.DecisionApprove}, "rev-1")
	if err != nil {
		t.Fatalf("decision: %v", err)
	}
	m, err = env.Engine.AddEvidence(env.Ctx, m.ID, domain.EvidenceRecord{ArtifactHash: goodHash, Signature: goodSig}, "worker-1")
	if err != nil {
		t.Fatalf("evidence: %v", err)
	}
	m, err = env.Engine.CompleteReview(env.Ctx, m.ID, "owner-1")
	if err != nil {
		t.Fatalf("complete review: %v", err)
	}
	m, err = env.Engine.ApproveMission(env.Ctx, m.ID, "owner-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if m.State != domain.StateApproved {
		t.Fatalf("expected APPROVED, got %s", m.State)
	}

	// Terminal: nothing moves an approved mission.
	_, err = env.Engine.CancelMission(env.Ctx, m.ID, "owner-1")
	if !violationsOf(t, err).Has(domain.ViolationIllegalTransition) {
		t.Fatalf("expected illegal_transition out of APPROVED")
	}
}

func TestSelfReviewBlockedAtAssignment(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, engine.CreateMissionOptions{
		Title: "Ship feature", MissionClass: "engineering", DomainType: "OBJECTIVE", ActorID: "owner-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.RiskTier != domain.TierR1 {
		t.Fatalf("engineering class should default to R1, got %s", m.RiskTier)
	}
	if _, err = env.Engine.SubmitMission(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	panel := panelR1()
	panel[0].ID = "worker-1"
	_, err = env.Engine.AssignMission(env.Ctx, m.ID, "worker-1", panel, "owner-1")
	if !violationsOf(t, err).Has(domain.ViolationSelfReview) {
		t.Fatalf("expected self_review violation")
	}
	// Mission state untouched by the failed assignment.
	got, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateSubmitted || got.WorkerID != "" {
		t.Fatalf("failed assignment must not commit: state=%s worker=%q", got.State, got.WorkerID)
	}
}

func TestDuplicateApprovalsCountOnce(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, engine.CreateMissionOptions{
		Title: "Audit ledger", MissionClass: "engineering", DomainType: "OBJECTIVE", ActorID: "owner-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.SubmitMission(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.AssignMission(env.Ctx, m.ID, "worker-1", panelR1(), "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.StartReview(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err = env.Engine.RecordDecision(env.Ctx, m.ID, domain.ReviewDecision{ReviewerID: "rev-1", Decision: domain.DecisionApprove}, "rev-1"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err = env.Engine.AddEvidence(env.Ctx, m.ID, domain.EvidenceRecord{ArtifactHash: goodHash, Signature: goodSig}, "worker-1"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CompleteReview(env.Ctx, m.ID, "owner-1")
	if !violationsOf(t, err).Has(domain.ViolationApprovalShortfall) {
		t.Fatalf("expected approval_shortfall with one unique approver")
	}
	if _, err = env.Engine.RecordDecision(env.Ctx, m.ID, domain.ReviewDecision{ReviewerID: "rev-2", Decision: domain.DecisionApprove}, "rev-2"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.CompleteReview(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatalf("expected completion after second approver: %v", err)
	}
}

func TestEvidenceGateBlocksCompletion(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, engine.CreateMissionOptions{
		Title: "No proof", DomainType: "OBJECTIVE", ActorID: "owner-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.SubmitMission(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.AssignMission(env.Ctx, m.ID, "worker-1", panelR1()[:1], "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.StartReview(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.RecordDecision(env.Ctx, m.ID, domain.ReviewDecision{ReviewerID: "rev-1", Decision: domain.DecisionApprove}, "rev-1"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CompleteReview(env.Ctx, m.ID, "owner-1")
	if !violationsOf(t, err).Has(domain.ViolationEvidenceMissing) {
		t.Fatalf("expected evidence_missing")
	}
}

func TestMalformedEvidenceRejectedAtTheDoor(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, engine.CreateMissionOptions{
		Title: "Bad proof", DomainType: "OBJECTIVE", ActorID: "owner-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AddEvidence(env.Ctx, m.ID, domain.EvidenceRecord{ArtifactHash: "not-a-hash", Signature: goodSig}, "worker-1")
	if !violationsOf(t, err).Has(domain.ViolationEvidenceHash) {
		t.Fatalf("expected evidence_hash violation")
	}
	got, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Evidence) != 0 {
		t.Fatalf("malformed evidence must not be stored")
	}
}

func TestHumanGateFlowForR2(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, engine.CreateMissionOptions{
		Title: "Quarterly payout", MissionClass: "finance", DomainType: "OBJECTIVE", ActorID: "owner-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.RiskTier != domain.TierR2 {
		t.Fatalf("finance class should default to R2, got %s", m.RiskTier)
	}
	if _, err = env.Engine.SubmitMission(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.AssignMission(env.Ctx, m.ID, "worker-1", panelR2(), "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.StartReview(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	for _, rev := range []string{"rev-1", "rev-2", "rev-3"} {
		if _, err = env.Engine.RecordDecision(env.Ctx, m.ID, domain.ReviewDecision{ReviewerID: rev, Decision: domain.DecisionApprove}, rev); err != nil {
			t.Fatal(err)
		}
	}
	if _, err = env.Engine.AddEvidence(env.Ctx, m.ID, domain.EvidenceRecord{ArtifactHash: goodHash, Signature: goodSig}, "worker-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.CompleteReview(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}

	// Direct approval skips the human stop and is vetoed.
	_, err = env.Engine.ApproveMission(env.Ctx, m.ID, "owner-1")
	vs := violationsOf(t, err)
	if !vs.Has(domain.ViolationHumanGateRequired) || !vs.Has(domain.ViolationHumanGateSkipped) {
		t.Fatalf("expected both gate vetoes, got %v", vs.Messages())
	}

	if _, err = env.Engine.RequestHumanGate(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}

	// Sign-off needs the mission.gate permission.
	_, err = env.Engine.GrantHumanApproval(env.Ctx, m.ID, "random-user", true)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != auth.PermMissionGate {
		t.Fatalf("expected forbidden without mission.gate, got %v", err)
	}

	if err := env.Engine.SeedRoles(env.Ctx, "gatekeeper-1"); err != nil {
		t.Fatalf("seed roles: %v", err)
	}
	if _, err = env.Engine.GrantHumanApproval(env.Ctx, m.ID, "gatekeeper-1", true); err != nil {
		t.Fatalf("human gate: %v", err)
	}
	m, err = env.Engine.ApproveMission(env.Ctx, m.ID, "owner-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if m.State != domain.StateApproved {
		t.Fatalf("expected APPROVED, got %s", m.State)
	}
}

func TestConstitutionalTierDefersReview(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, engine.CreateMissionOptions{
		Title: "Change marketplace rules", MissionClass: "governance", DomainType: "NORMATIVE", ActorID: "owner-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.RiskTier != domain.TierR3 {
		t.Fatalf("governance class should default to R3, got %s", m.RiskTier)
	}
	if _, err = env.Engine.SubmitMission(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	// No panel at all: the router and machine both abstain for R3.
	if _, err = env.Engine.AssignMission(env.Ctx, m.ID, "worker-1", nil, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.StartReview(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.CompleteReview(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatalf("constitutional tier should pass the checkpoint unchecked: %v", err)
	}
}

func TestDecisionsRequireInReviewAndPanelMembership(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, engine.CreateMissionOptions{
		Title: "Early decision", DomainType: "OBJECTIVE", ActorID: "owner-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.RecordDecision(env.Ctx, m.ID, domain.ReviewDecision{ReviewerID: "rev-1", Decision: domain.DecisionApprove}, "rev-1")
	if err == nil || !strings.Contains(err.Error(), "decisions require") {
		t.Fatalf("expected state error, got %v", err)
	}
	if _, err = env.Engine.SubmitMission(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.AssignMission(env.Ctx, m.ID, "worker-1", panelR1()[:1], "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.StartReview(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.RecordDecision(env.Ctx, m.ID, domain.ReviewDecision{ReviewerID: "stranger", Decision: domain.DecisionApprove}, "stranger")
	if err == nil || !strings.Contains(err.Error(), "not on the panel") {
		t.Fatalf("expected panel membership error, got %v", err)
	}
}

func TestNormativeEscalation(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, engine.CreateMissionOptions{
		Title: "Moderation call", MissionClass: "engineering", DomainType: "NORMATIVE", ActorID: "owner-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	escalate, ratio, err := env.Engine.NeedsEscalation(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if escalate || ratio != 1 {
		t.Fatalf("no decisions should mean full agreement, got %v %v", escalate, ratio)
	}
	if _, err = env.Engine.SubmitMission(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.AssignMission(env.Ctx, m.ID, "worker-1", panelR1(), "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.StartReview(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.RecordDecision(env.Ctx, m.ID, domain.ReviewDecision{ReviewerID: "rev-1", Decision: domain.DecisionApprove}, "rev-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.RecordDecision(env.Ctx, m.ID, domain.ReviewDecision{ReviewerID: "rev-2", Decision: domain.DecisionReject}, "rev-2"); err != nil {
		t.Fatal(err)
	}
	escalate, ratio, err = env.Engine.NeedsEscalation(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !escalate {
		t.Fatalf("split panel on normative work should escalate (ratio %v)", ratio)
	}
	if ratio != 0.5 {
		t.Fatalf("expected ratio 0.5, got %v", ratio)
	}
}

func TestEventsLoggedAcrossLifecycle(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, engine.CreateMissionOptions{
		Title: "Evented", DomainType: "OBJECTIVE", ActorID: "owner-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.SubmitMission(env.Ctx, m.ID, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if _, err = env.Engine.AssignMission(env.Ctx, m.ID, "worker-1", panelR1()[:1], "owner-1"); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.ListEvents(env.Ctx, m.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, evt := range events {
		types[evt.Type] = true
	}
	for _, want := range []string{"mission.created", "mission.transition", "mission.assigned"} {
		if !types[want] {
			t.Errorf("expected %s event, got %v", want, types)
		}
	}
}

func TestGrantRoleRequiresManagePermission(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.GrantRole(env.Ctx, "nobody", "target", "coordinator"); err == nil {
		t.Fatalf("expected forbidden")
	}
	if err := env.Engine.SeedRoles(env.Ctx, "owner-1"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.GrantRole(env.Ctx, "owner-1", "target", "coordinator"); err != nil {
		t.Fatalf("owner should grant roles: %v", err)
	}
	roles, err := env.Engine.Repo.ActorRoles(env.Ctx, "target")
	if err != nil {
		t.Fatal(err)
	}
	if len(roles) != 1 || roles[0] != "coordinator" {
		t.Fatalf("expected coordinator role, got %v", roles)
	}
}
