// Package evidence validates the structural integrity of submitted work
// artifacts. Checks are purely syntactic; signature verification belongs to
// the anchoring subsystem, not here.
package evidence

import (
	"fmt"
	"regexp"

	"missiongate/internal/domain"
)

var (
	hashPattern      = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)
	signaturePattern = regexp.MustCompile(`^ed25519:[0-9a-f]{64,128}$`)
)

const previewLimit = 40

// preview truncates a value for diagnostics so malformed blobs never land
// whole in logs or API responses.
func preview(v string) string {
	if len(v) <= previewLimit {
		return v
	}
	return v[:previewLimit] + "..."
}

// ValidateRecord checks one evidence record. The hash and signature checks
// run independently, so a record can accumulate both violations.
func ValidateRecord(rec domain.EvidenceRecord) domain.Violations {
	var out domain.Violations
	switch {
	case rec.ArtifactHash == "":
		out = append(out, domain.Violation{
			Code:    domain.ViolationEvidenceHash,
			Message: "artifact_hash is required",
		})
	case !hashPattern.MatchString(rec.ArtifactHash):
		out = append(out, domain.Violation{
			Code:    domain.ViolationEvidenceHash,
			Message: fmt.Sprintf("artifact_hash must match sha256:<64 lowercase hex>, got %q", preview(rec.ArtifactHash)),
		})
	}
	switch {
	case rec.Signature == "":
		out = append(out, domain.Violation{
			Code:    domain.ViolationEvidenceSignature,
			Message: "signature is required",
		})
	case !signaturePattern.MatchString(rec.Signature):
		out = append(out, domain.Violation{
			Code:    domain.ViolationEvidenceSignature,
			Message: fmt.Sprintf("signature must match ed25519:<64-128 lowercase hex>, got %q", preview(rec.Signature)),
		})
	}
	return out
}

// ValidateMissionEvidence validates every record attached to a mission.
// An empty evidence set yields exactly one violation; per-record errors are
// prefixed with the mission id and the record's zero-based index.
func ValidateMissionEvidence(m domain.Mission) domain.Violations {
	if len(m.Evidence) == 0 {
		return domain.Violations{{
			Code:    domain.ViolationEvidenceMissing,
			Message: fmt.Sprintf("mission %s must include at least one evidence record", m.ID),
		}}
	}
	var out domain.Violations
	for i, rec := range m.Evidence {
		for _, v := range ValidateRecord(rec) {
			out = append(out, domain.Violation{
				Code:    v.Code,
				Message: fmt.Sprintf("mission %s evidence[%d]: %s", m.ID, i, v.Message),
			})
		}
	}
	return out
}
