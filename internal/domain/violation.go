package domain

// ViolationCode identifies which policy check failed. Codes are stable API;
// messages are for humans and may change wording.
type ViolationCode string

const (
	ViolationIllegalTransition  ViolationCode = "illegal_transition"
	ViolationMissingTitle       ViolationCode = "missing_title"
	ViolationMissingDomainType  ViolationCode = "missing_domain_type"
	ViolationMissingWorker      ViolationCode = "missing_worker"
	ViolationSelfReview         ViolationCode = "self_review"
	ViolationReviewerCount      ViolationCode = "reviewer_count"
	ViolationReviewerIncomplete ViolationCode = "reviewer_incomplete"
	ViolationInvalidMethodType  ViolationCode = "invalid_method_type"
	ViolationDiversityShortfall ViolationCode = "diversity_shortfall"
	ViolationApprovalShortfall  ViolationCode = "approval_shortfall"
	ViolationEvidenceMissing    ViolationCode = "evidence_missing"
	ViolationEvidenceHash       ViolationCode = "evidence_hash"
	ViolationEvidenceSignature  ViolationCode = "evidence_signature"
	ViolationHumanGateRequired  ViolationCode = "human_gate_required"
	ViolationHumanGateSkipped   ViolationCode = "human_gate_skipped"
	ViolationHumanGateUnneeded  ViolationCode = "human_gate_unneeded"
)

// Violation is one failed policy check. Validators accumulate these in a
// single pass so callers see the full problem set at once.
type Violation struct {
	Code    ViolationCode `json:"code"`
	Message string        `json:"message"`
}

func (v Violation) String() string { return v.Message }

// Violations is the result of a validation call; empty means valid.
type Violations []Violation

// OK reports whether no checks failed.
func (vs Violations) OK() bool { return len(vs) == 0 }

// Messages renders the human-readable strings for boundaries (CLI, HTTP).
func (vs Violations) Messages() []string {
	if len(vs) == 0 {
		return nil
	}
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Message
	}
	return out
}

// Has reports whether any violation carries the given code.
func (vs Violations) Has(code ViolationCode) bool {
	for _, v := range vs {
		if v.Code == code {
			return true
		}
	}
	return false
}
