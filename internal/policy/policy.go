package policy

import (
	"fmt"

	"missiongate/internal/config"
	"missiongate/internal/domain"
)

// TierPolicy holds the review constraints for one risk tier. Read-only to
// the validators.
type TierPolicy struct {
	ReviewersRequired  int
	ApprovalsRequired  int
	MinRegions         int
	MinOrganizations   int
	MinModelFamilies   int
	MinMethodTypes     int
	HumanFinalGate     bool
	ConstitutionalFlow bool
}

// Resolver maps risk tiers to policy. Implementations must be deterministic
// within a single validation call.
type Resolver interface {
	TierPolicy(tier domain.RiskTier) (TierPolicy, error)
	ValidMethodTypes() map[string]struct{}
	NormativeAgreementThreshold() float64
}

// ConfigResolver resolves tier policy from a loaded missiongate config.
type ConfigResolver struct {
	cfg *config.Config
}

// FromConfig builds a resolver over the given config. The config is assumed
// validated; an unknown tier at lookup time is a programmer error and is
// returned as a hard failure rather than a violation.
func FromConfig(cfg *config.Config) ConfigResolver {
	return ConfigResolver{cfg: cfg}
}

func (r ConfigResolver) TierPolicy(tier domain.RiskTier) (TierPolicy, error) {
	tc, ok := r.cfg.Review.Tiers[string(tier)]
	if !ok {
		return TierPolicy{}, fmt.Errorf("no policy configured for tier %q", tier)
	}
	return TierPolicy{
		ReviewersRequired:  tc.ReviewersRequired,
		ApprovalsRequired:  tc.ApprovalsRequired,
		MinRegions:         tc.MinRegions,
		MinOrganizations:   tc.MinOrganizations,
		MinModelFamilies:   tc.MinModelFamilies,
		MinMethodTypes:     tc.MinMethodTypes,
		HumanFinalGate:     tc.HumanFinalGate,
		ConstitutionalFlow: tc.ConstitutionalFlow,
	}, nil
}

func (r ConfigResolver) ValidMethodTypes() map[string]struct{} {
	out := make(map[string]struct{}, len(r.cfg.Review.MethodTypes))
	for _, m := range r.cfg.Review.MethodTypes {
		out[m] = struct{}{}
	}
	return out
}

func (r ConfigResolver) NormativeAgreementThreshold() float64 {
	return r.cfg.Review.NormativeAgreement
}

// DefaultTierForClass returns the configured default risk tier for a mission
// class, falling back to R0 when the class is not mapped.
func (r ConfigResolver) DefaultTierForClass(class string) domain.RiskTier {
	if tier, ok := r.cfg.Review.DefaultClassTier[class]; ok {
		if t, ok := domain.ParseRiskTier(tier); ok {
			return t
		}
	}
	return domain.TierR0
}
