package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"missiongate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// InsertMission stores a new mission row. Reviewers, decisions and evidence
// are attached through their own tables.
func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(id,title,mission_class,risk_tier,domain_type,state,worker_id,human_final_approval,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Title, m.MissionClass, string(m.RiskTier), nullable(string(m.DomainType)), string(m.State),
		nullable(m.WorkerID), boolInt(m.HumanFinalApproval), m.CreatedAt, m.UpdatedAt)
	return err
}

// GetMission loads a mission with its reviewers, decisions and evidence.
func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	var m domain.Mission
	var domainType, workerID sql.NullString
	var approval int
	err := r.DB.QueryRowContext(ctx, `SELECT id,title,mission_class,risk_tier,domain_type,state,worker_id,human_final_approval,created_at,updated_at
FROM missions WHERE id=?`, id).
		Scan(&m.ID, &m.Title, &m.MissionClass, (*string)(&m.RiskTier), &domainType, (*string)(&m.State),
			&workerID, &approval, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if domainType.Valid {
		m.DomainType = domain.DomainType(domainType.String)
	}
	if workerID.Valid {
		m.WorkerID = workerID.String
	}
	m.HumanFinalApproval = approval != 0
	if m.Reviewers, err = r.missionReviewers(ctx, id); err != nil {
		return m, err
	}
	if m.ReviewDecisions, err = r.missionDecisions(ctx, id); err != nil {
		return m, err
	}
	if m.Evidence, err = r.missionEvidence(ctx, id); err != nil {
		return m, err
	}
	return m, nil
}

// ListMissions returns missions, optionally filtered by state.
func (r Repo) ListMissions(ctx context.Context, state domain.MissionState) ([]domain.Mission, error) {
	query := `SELECT id,title,mission_class,risk_tier,domain_type,state,worker_id,human_final_approval,created_at,updated_at FROM missions`
	var args []any
	if state != "" {
		query += ` WHERE state=?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Mission
	for rows.Next() {
		var m domain.Mission
		var domainType, workerID sql.NullString
		var approval int
		if err := rows.Scan(&m.ID, &m.Title, &m.MissionClass, (*string)(&m.RiskTier), &domainType, (*string)(&m.State),
			&workerID, &approval, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if domainType.Valid {
			m.DomainType = domain.DomainType(domainType.String)
		}
		if workerID.Valid {
			m.WorkerID = workerID.String
		}
		m.HumanFinalApproval = approval != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMissionState commits a validated transition.
func (r Repo) UpdateMissionState(ctx context.Context, tx *sql.Tx, id string, state domain.MissionState, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET state=?, updated_at=? WHERE id=?`, string(state), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMissionWorker sets the assigned worker.
func (r Repo) UpdateMissionWorker(ctx context.Context, tx *sql.Tx, id, workerID, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET worker_id=?, updated_at=? WHERE id=?`, nullable(workerID), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetHumanFinalApproval records the human gate decision flag.
func (r Repo) SetHumanFinalApproval(ctx context.Context, tx *sql.Tx, id string, approved bool, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET human_final_approval=?, updated_at=? WHERE id=?`, boolInt(approved), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceReviewers swaps the mission's reviewer panel in one shot. The
// mission keeps a snapshot of each reviewer, never a roster reference.
func (r Repo) ReplaceReviewers(ctx context.Context, tx *sql.Tx, missionID string, reviewers []domain.Reviewer) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM mission_reviewers WHERE mission_id=?`, missionID); err != nil {
		return err
	}
	for i, rv := range reviewers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO mission_reviewers(mission_id,reviewer_id,model_family,method_type,region,organization,position)
VALUES (?,?,?,?,?,?,?)`,
			missionID, rv.ID, rv.ModelFamily, rv.MethodType, rv.Region, rv.Organization, i); err != nil {
			return fmt.Errorf("insert reviewer %s: %w", rv.ID, err)
		}
	}
	return nil
}

// InsertDecision appends a review decision. Duplicates per reviewer are
// allowed by design; the validators dedupe when counting.
func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, missionID string, d domain.ReviewDecision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO review_decisions(mission_id,reviewer_id,decision,created_at) VALUES (?,?,?,?)`,
		missionID, d.ReviewerID, string(d.Decision), d.CreatedAt)
	return err
}

// InsertEvidence appends an evidence record.
func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, missionID string, rec domain.EvidenceRecord, position int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evidence_records(mission_id,artifact_hash,signature,position) VALUES (?,?,?,?)`,
		missionID, rec.ArtifactHash, rec.Signature, position)
	return err
}

func (r Repo) missionReviewers(ctx context.Context, missionID string) ([]domain.Reviewer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT reviewer_id,model_family,method_type,region,organization
FROM mission_reviewers WHERE mission_id=? ORDER BY position`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Reviewer
	for rows.Next() {
		var rv domain.Reviewer
		if err := rows.Scan(&rv.ID, &rv.ModelFamily, &rv.MethodType, &rv.Region, &rv.Organization); err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

func (r Repo) missionDecisions(ctx context.Context, missionID string) ([]domain.ReviewDecision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT reviewer_id,decision,created_at FROM review_decisions WHERE mission_id=? ORDER BY id`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ReviewDecision
	for rows.Next() {
		var d domain.ReviewDecision
		if err := rows.Scan(&d.ReviewerID, (*string)(&d.Decision), &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r Repo) missionEvidence(ctx context.Context, missionID string) ([]domain.EvidenceRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT artifact_hash,signature FROM evidence_records WHERE mission_id=? ORDER BY position, id`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.EvidenceRecord
	for rows.Next() {
		var rec domain.EvidenceRecord
		if err := rows.Scan(&rec.ArtifactHash, &rec.Signature); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
