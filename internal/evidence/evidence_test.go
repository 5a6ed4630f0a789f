package evidence_test

import (
	"strings"
	"testing"

	"missiongate/internal/domain"
	"missiongate/internal/evidence"
)

var (
	goodHash = "sha256:" + strings.Repeat("a", 64)
	goodSig  = "ed25519:" + strings.Repeat("b", 64)
)

func TestValidateRecordWellFormed(t *testing.T) {
	vs := evidence.ValidateRecord(domain.EvidenceRecord{ArtifactHash: goodHash, Signature: goodSig})
	if !vs.OK() {
		t.Fatalf("expected valid record, got %v", vs.Messages())
	}
	// signature may be up to 128 hex chars
	long := "ed25519:" + strings.Repeat("c", 128)
	vs = evidence.ValidateRecord(domain.EvidenceRecord{ArtifactHash: goodHash, Signature: long})
	if !vs.OK() {
		t.Fatalf("expected 128-hex signature accepted, got %v", vs.Messages())
	}
}

func TestValidateRecordRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		rec  domain.EvidenceRecord
		want domain.ViolationCode
	}{
		{"missing hash", domain.EvidenceRecord{Signature: goodSig}, domain.ViolationEvidenceHash},
		{"uppercase hash", domain.EvidenceRecord{ArtifactHash: "sha256:" + strings.Repeat("A", 64), Signature: goodSig}, domain.ViolationEvidenceHash},
		{"short hash", domain.EvidenceRecord{ArtifactHash: "sha256:" + strings.Repeat("a", 63), Signature: goodSig}, domain.ViolationEvidenceHash},
		{"wrong scheme", domain.EvidenceRecord{ArtifactHash: "md5:" + strings.Repeat("a", 64), Signature: goodSig}, domain.ViolationEvidenceHash},
		{"missing signature", domain.EvidenceRecord{ArtifactHash: goodHash}, domain.ViolationEvidenceSignature},
		{"short signature", domain.EvidenceRecord{ArtifactHash: goodHash, Signature: "ed25519:" + strings.Repeat("b", 63)}, domain.ViolationEvidenceSignature},
		{"overlong signature", domain.EvidenceRecord{ArtifactHash: goodHash, Signature: "ed25519:" + strings.Repeat("b", 129)}, domain.ViolationEvidenceSignature},
	}
	for _, tc := range cases {
		vs := evidence.ValidateRecord(tc.rec)
		if !vs.Has(tc.want) {
			t.Errorf("%s: expected %s violation, got %v", tc.name, tc.want, vs.Messages())
		}
	}
}

func TestValidateRecordAccumulatesBoth(t *testing.T) {
	vs := evidence.ValidateRecord(domain.EvidenceRecord{ArtifactHash: "bogus", Signature: "bogus"})
	if len(vs) != 2 {
		t.Fatalf("expected both hash and signature violations, got %v", vs.Messages())
	}
}

func TestMalformedValuesArePreviewed(t *testing.T) {
	blob := strings.Repeat("x", 500)
	vs := evidence.ValidateRecord(domain.EvidenceRecord{ArtifactHash: blob, Signature: goodSig})
	if len(vs) != 1 {
		t.Fatalf("expected one violation, got %v", vs.Messages())
	}
	msg := vs[0].Message
	if strings.Contains(msg, blob) {
		t.Fatalf("full malformed value leaked into message")
	}
	if !strings.Contains(msg, strings.Repeat("x", 40)+"...") {
		t.Fatalf("expected 40-char preview with ellipsis, got %q", msg)
	}
}

func TestValidateMissionEvidenceEmptySet(t *testing.T) {
	m := domain.Mission{ID: "m-1"}
	vs := evidence.ValidateMissionEvidence(m)
	if len(vs) != 1 || !vs.Has(domain.ViolationEvidenceMissing) {
		t.Fatalf("expected single evidence_missing violation, got %v", vs.Messages())
	}
}

func TestValidateMissionEvidencePrefixesIndex(t *testing.T) {
	m := domain.Mission{
		ID: "m-1",
		Evidence: []domain.EvidenceRecord{
			{ArtifactHash: goodHash, Signature: goodSig},
			{ArtifactHash: "bad", Signature: goodSig},
		},
	}
	vs := evidence.ValidateMissionEvidence(m)
	if len(vs) != 1 {
		t.Fatalf("expected one violation, got %v", vs.Messages())
	}
	if !strings.Contains(vs[0].Message, "evidence[1]") {
		t.Fatalf("expected record index in message, got %q", vs[0].Message)
	}
}
