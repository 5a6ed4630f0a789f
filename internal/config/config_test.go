package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"missiongate/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default("mkt-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Marketplace.ID != "mkt-1" {
		t.Fatalf("marketplace id not applied: %q", cfg.Marketplace.ID)
	}
	r2 := cfg.Review.Tiers["R2"]
	if !r2.HumanFinalGate || r2.ConstitutionalFlow {
		t.Fatalf("unexpected R2 policy: %+v", r2)
	}
	r3 := cfg.Review.Tiers["R3"]
	if !r3.ConstitutionalFlow {
		t.Fatalf("R3 should be constitutional: %+v", r3)
	}
	if cfg.Review.NormativeAgreement != 0.7 {
		t.Fatalf("unexpected agreement threshold %v", cfg.Review.NormativeAgreement)
	}
}

func TestGeneratedDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("mkt-1")))
	if err != nil {
		t.Fatalf("generated default does not parse: %v", err)
	}
	if len(cfg.Review.MethodTypes) != 5 {
		t.Fatalf("expected 5 method types, got %v", cfg.Review.MethodTypes)
	}
	if _, ok := cfg.RBAC.Roles["owner"]; !ok {
		t.Fatalf("owner role missing")
	}
}

func TestValidateRejectsMissingTier(t *testing.T) {
	yml := strings.Replace(config.GenerateDefault("mkt-1"), "    R3:", "    R9:", 1)
	if _, err := config.FromYAML([]byte(yml)); err == nil {
		t.Fatalf("expected missing-tier error")
	}
}

func TestValidateRejectsApprovalsOverReviewers(t *testing.T) {
	cfg := config.Default("mkt-1")
	tier := cfg.Review.Tiers["R1"]
	tier.ApprovalsRequired = tier.ReviewersRequired + 1
	cfg.Review.Tiers["R1"] = tier
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected approvals > reviewers rejected")
	}
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	cfg := config.Default("mkt-1")
	cfg.Review.NormativeAgreement = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected threshold out of range rejected")
	}
}

func TestValidateRejectsUnknownDefaultTier(t *testing.T) {
	cfg := config.Default("mkt-1")
	cfg.Review.DefaultClassTier["content"] = "R9"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown default tier rejected")
	}
}

func TestConstitutionalTierSkipsQuorumValidation(t *testing.T) {
	// A constitutional tier with zero reviewers_required is fine; the
	// marketplace never routes its review locally.
	cfg := config.Default("mkt-1")
	tier := cfg.Review.Tiers["R3"]
	tier.ReviewersRequired = 0
	tier.ApprovalsRequired = 0
	cfg.Review.Tiers["R3"] = tier
	if err := cfg.Validate(); err != nil {
		t.Fatalf("constitutional tier should skip quorum checks: %v", err)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil,nil for missing config, got %v %v", cfg, err)
	}
	path := filepath.Join(dir, "missiongate.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault("mkt-2")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Marketplace.ID != "mkt-2" {
		t.Fatalf("unexpected marketplace id %q", cfg.Marketplace.ID)
	}
}
