package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"missiongate/internal/config"
	"missiongate/internal/domain"
	"missiongate/internal/engine/auth"
	"missiongate/internal/events"
	"missiongate/internal/evidence"
	"missiongate/internal/lifecycle"
	"missiongate/internal/policy"
	"missiongate/internal/repo"
	"missiongate/internal/review"
)

// ViolationError carries the full set of policy violations for a failed
// operation so callers get one corrective round-trip instead of trial and
// error.
type ViolationError struct {
	MissionID  string
	Target     domain.MissionState
	Violations domain.Violations
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("mission %s: %s", e.MissionID, strings.Join(e.Violations.Messages(), "; "))
}

// Engine orchestrates mission lifecycle operations: it validates with the
// pure state machine and router, then commits state and events in one
// transaction. Validate-then-commit per mission is a critical section, so
// all writes for a mission id serialize on a per-mission lock.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Config   *config.Config
	Resolver policy.ConfigResolver
	Machine  lifecycle.Machine
	Router   review.Router
	Now      func() time.Time

	locks *missionLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	resolver := policy.FromConfig(cfg)
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Auth:     auth.Service{DB: db},
		Config:   cfg,
		Resolver: resolver,
		Machine:  lifecycle.Machine{Policy: resolver},
		Router:   review.Router{Policy: resolver},
		Now:      time.Now,
		locks:    &missionLocks{held: map[string]*sync.Mutex{}},
	}
}

type missionLocks struct {
	mu   sync.Mutex
	held map[string]*sync.Mutex
}

func (l *missionLocks) acquire(id string) func() {
	l.mu.Lock()
	m, ok := l.held[id]
	if !ok {
		m = &sync.Mutex{}
		l.held[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateMissionOptions are parameters for creating a mission.
type CreateMissionOptions struct {
	ID           string
	Title        string
	MissionClass string
	RiskTier     string
	DomainType   string
	ActorID      string
}

// CreateMission creates a mission in DRAFT. An unset tier defaults from the
// mission class mapping in config.
func (e Engine) CreateMission(ctx context.Context, opts CreateMissionOptions) (domain.Mission, error) {
	if e.Config == nil {
		return domain.Mission{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Mission{}, errors.New("title is required")
	}
	if opts.MissionClass == "" {
		opts.MissionClass = "content"
	}
	var tier domain.RiskTier
	if opts.RiskTier == "" {
		tier = e.Resolver.DefaultTierForClass(opts.MissionClass)
	} else {
		t, ok := domain.ParseRiskTier(opts.RiskTier)
		if !ok {
			return domain.Mission{}, fmt.Errorf("unknown risk tier %q", opts.RiskTier)
		}
		tier = t
	}
	if opts.DomainType != "" {
		switch domain.DomainType(opts.DomainType) {
		case domain.DomainObjective, domain.DomainNormative, domain.DomainMixed:
		default:
			return domain.Mission{}, fmt.Errorf("unknown domain type %q", opts.DomainType)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	m := domain.Mission{
		ID:           id,
		Title:        opts.Title,
		MissionClass: opts.MissionClass,
		RiskTier:     tier,
		DomainType:   domain.DomainType(opts.DomainType),
		State:        domain.StateDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "mission.created", m.ID, "mission", m.ID, opts.ActorID, events.EventPayload{
		"title":     m.Title,
		"risk_tier": string(m.RiskTier),
		"state":     string(m.State),
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// Transition validates and commits a state change for a mission. Every
// lifecycle verb below funnels through here.
func (e Engine) Transition(ctx context.Context, missionID string, target domain.MissionState, actorID string) (domain.Mission, error) {
	unlock := e.locks.acquire(missionID)
	defer unlock()
	return e.transitionLocked(ctx, missionID, target, actorID)
}

func (e Engine) transitionLocked(ctx context.Context, missionID string, target domain.MissionState, actorID string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	violations, err := e.Machine.Transition(m, target)
	if err != nil {
		return m, err
	}
	if !violations.OK() {
		return m, &ViolationError{MissionID: m.ID, Target: target, Violations: violations}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMissionState(ctx, tx, m.ID, target, now); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "mission.transition", m.ID, "mission", m.ID, actorID, events.EventPayload{
		"from": string(m.State),
		"to":   string(target),
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	m.State = target
	m.UpdatedAt = now
	return m, nil
}

// SubmitMission moves DRAFT -> SUBMITTED.
func (e Engine) SubmitMission(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	return e.Transition(ctx, missionID, domain.StateSubmitted, actorID)
}

// AssignMission attaches the worker and reviewer panel, then moves
// SUBMITTED -> ASSIGNED. The router validates the proposed panel first; the
// state machine then re-derives its own checks on the stored mission.
func (e Engine) AssignMission(ctx context.Context, missionID, workerID string, reviewers []domain.Reviewer, actorID string) (domain.Mission, error) {
	if workerID == "" {
		return domain.Mission{}, errors.New("worker_id required")
	}
	unlock := e.locks.acquire(missionID)
	defer unlock()

	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	proposed := m
	proposed.WorkerID = workerID
	violations, err := e.Router.ValidateAssignment(proposed, reviewers)
	if err != nil {
		return m, err
	}
	if !violations.OK() {
		return m, &ViolationError{MissionID: m.ID, Target: domain.StateAssigned, Violations: violations}
	}

	proposed.Reviewers = reviewers
	machineViolations, err := e.Machine.Transition(proposed, domain.StateAssigned)
	if err != nil {
		return m, err
	}
	if !machineViolations.OK() {
		return m, &ViolationError{MissionID: m.ID, Target: domain.StateAssigned, Violations: machineViolations}
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMissionWorker(ctx, tx, m.ID, workerID, now); err != nil {
		return m, err
	}
	if err := e.Repo.ReplaceReviewers(ctx, tx, m.ID, reviewers); err != nil {
		return m, err
	}
	if err := e.Repo.UpdateMissionState(ctx, tx, m.ID, domain.StateAssigned, now); err != nil {
		return m, err
	}
	reviewerIDs := make([]string, len(reviewers))
	for i, r := range reviewers {
		reviewerIDs[i] = r.ID
	}
	if err := e.Events.Append(ctx, tx, "mission.assigned", m.ID, "mission", m.ID, actorID, events.EventPayload{
		"worker_id": workerID,
		"reviewers": reviewerIDs,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	m.WorkerID = workerID
	m.Reviewers = reviewers
	m.State = domain.StateAssigned
	m.UpdatedAt = now
	return m, nil
}

// StartReview moves ASSIGNED -> IN_REVIEW.
func (e Engine) StartReview(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	return e.Transition(ctx, missionID, domain.StateInReview, actorID)
}

// RecordDecision appends a reviewer verdict. The reviewer must be on the
// mission's panel and the mission must be under review. Duplicate decisions
// are stored as-is; validators dedupe when counting.
func (e Engine) RecordDecision(ctx context.Context, missionID string, d domain.ReviewDecision, actorID string) (domain.Mission, error) {
	if d.ReviewerID == "" {
		return domain.Mission{}, errors.New("reviewer_id required")
	}
	switch d.Decision {
	case domain.DecisionApprove, domain.DecisionReject:
	default:
		return domain.Mission{}, fmt.Errorf("decision must be %s or %s", domain.DecisionApprove, domain.DecisionReject)
	}
	unlock := e.locks.acquire(missionID)
	defer unlock()

	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.State != domain.StateInReview {
		return m, fmt.Errorf("mission %s is %s, decisions require %s", m.ID, m.State, domain.StateInReview)
	}
	onPanel := false
	for _, r := range m.Reviewers {
		if r.ID == d.ReviewerID {
			onPanel = true
			break
		}
	}
	if !onPanel {
		return m, fmt.Errorf("reviewer %s is not on the panel for mission %s", d.ReviewerID, m.ID)
	}
	d.CreatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDecision(ctx, tx, m.ID, d); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "review.decision", m.ID, "decision", d.ReviewerID, actorID, events.EventPayload{
		"reviewer_id": d.ReviewerID,
		"decision":    string(d.Decision),
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	m.ReviewDecisions = append(m.ReviewDecisions, d)
	return m, nil
}

// AddEvidence validates and appends one evidence record. Structural
// integrity is enforced at the door; the evidence gate at REVIEW_COMPLETE
// re-validates the whole set.
func (e Engine) AddEvidence(ctx context.Context, missionID string, rec domain.EvidenceRecord, actorID string) (domain.Mission, error) {
	if violations := evidence.ValidateRecord(rec); !violations.OK() {
		return domain.Mission{}, &ViolationError{MissionID: missionID, Violations: violations}
	}
	unlock := e.locks.acquire(missionID)
	defer unlock()

	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	switch m.State {
	case domain.StateApproved, domain.StateRejected, domain.StateCancelled:
		return m, fmt.Errorf("mission %s is terminal (%s)", m.ID, m.State)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEvidence(ctx, tx, m.ID, rec, len(m.Evidence)); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "evidence.added", m.ID, "evidence", m.ID, actorID, events.EventPayload{
		"artifact_hash": rec.ArtifactHash,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	m.Evidence = append(m.Evidence, rec)
	return m, nil
}

// CompleteReview moves IN_REVIEW -> REVIEW_COMPLETE, enforcing the approval
// quorum, the evidence gate and approver diversity.
func (e Engine) CompleteReview(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	return e.Transition(ctx, missionID, domain.StateReviewComplete, actorID)
}

// RequestHumanGate moves REVIEW_COMPLETE -> HUMAN_GATE_PENDING.
func (e Engine) RequestHumanGate(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	return e.Transition(ctx, missionID, domain.StateHumanGatePending, actorID)
}

// GrantHumanApproval records the human gatekeeper's sign-off. Requires the
// mission.gate permission.
func (e Engine) GrantHumanApproval(ctx context.Context, missionID, actorID string, approved bool) (domain.Mission, error) {
	unlock := e.locks.acquire(missionID)
	defer unlock()

	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	ok, err := e.Auth.ActorHasPermission(ctx, tx, actorID, auth.PermMissionGate)
	if err != nil {
		return m, err
	}
	if !ok {
		return m, auth.ForbiddenError{Permission: auth.PermMissionGate}
	}
	if err := e.Repo.SetHumanFinalApproval(ctx, tx, m.ID, approved, now); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "mission.human_gate", m.ID, "mission", m.ID, actorID, events.EventPayload{
		"approved": approved,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	m.HumanFinalApproval = approved
	m.UpdatedAt = now
	return m, nil
}

// ApproveMission moves the mission to APPROVED.
func (e Engine) ApproveMission(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	return e.Transition(ctx, missionID, domain.StateApproved, actorID)
}

// RejectMission moves the mission to REJECTED.
func (e Engine) RejectMission(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	return e.Transition(ctx, missionID, domain.StateRejected, actorID)
}

// CancelMission moves the mission to CANCELLED.
func (e Engine) CancelMission(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	return e.Transition(ctx, missionID, domain.StateCancelled, actorID)
}

// NeedsEscalation reports whether reviewer disagreement on non-objective
// work calls for human adjudication. The agreement ratio is the share of
// unique deciders on the majority side; a mission with no decisions yet is
// treated as fully agreed.
func (e Engine) NeedsEscalation(ctx context.Context, missionID string) (bool, float64, error) {
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		return false, 0, err
	}
	ratio := agreementRatio(m)
	return e.Router.CheckNormativeEscalation(m, ratio), ratio, nil
}

func agreementRatio(m domain.Mission) float64 {
	latest := map[string]domain.Decision{}
	for _, d := range m.ReviewDecisions {
		if _, seen := latest[d.ReviewerID]; !seen {
			latest[d.ReviewerID] = d.Decision
		}
	}
	if len(latest) == 0 {
		return 1
	}
	approvals := 0
	for _, d := range latest {
		if d == domain.DecisionApprove {
			approvals++
		}
	}
	majority := approvals
	if rejections := len(latest) - approvals; rejections > majority {
		majority = rejections
	}
	return float64(majority) / float64(len(latest))
}

// SeedRoles loads the config's RBAC roles into the database and grants the
// owner role to the given actor. Idempotent.
func (e Engine) SeedRoles(ctx context.Context, ownerID string) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for roleID, role := range e.Config.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	if ownerID != "" {
		if err := e.Auth.EnsureActor(ctx, tx, ownerID); err != nil {
			return err
		}
		if err := e.Repo.AssignRole(ctx, tx, ownerID, "owner"); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GrantRole assigns a role to an actor; the granting actor needs
// rbac.manage.
func (e Engine) GrantRole(ctx context.Context, grantorID, actorID, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Auth.ActorHasPermission(ctx, tx, grantorID, auth.PermRBACManage)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: auth.PermRBACManage}
	}
	if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}
