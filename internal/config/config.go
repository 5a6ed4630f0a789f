package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models missiongate.yml.
type Config struct {
	Marketplace struct {
		ID string `yaml:"id"`
	} `yaml:"marketplace"`
	Review struct {
		Tiers              map[string]TierPolicyConfig `yaml:"tiers"`
		MethodTypes        []string                    `yaml:"method_types"`
		NormativeAgreement float64                     `yaml:"normative_agreement_threshold"`
		DefaultClassTier   map[string]string           `yaml:"default_class_tier"`
	} `yaml:"review"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// TierPolicyConfig is the YAML shape of a tier's review policy.
type TierPolicyConfig struct {
	ReviewersRequired  int  `yaml:"reviewers_required"`
	ApprovalsRequired  int  `yaml:"approvals_required"`
	MinRegions         int  `yaml:"min_regions"`
	MinOrganizations   int  `yaml:"min_organizations"`
	MinModelFamilies   int  `yaml:"min_model_families"`
	MinMethodTypes     int  `yaml:"min_method_types"`
	HumanFinalGate     bool `yaml:"human_final_gate"`
	ConstitutionalFlow bool `yaml:"constitutional_flow"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with mg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure. Every tier R0-R3
// must be present: an unlisted tier would otherwise silently resolve to a
// zero policy, which is the opposite of fail-closed.
func (c *Config) Validate() error {
	if c.Marketplace.ID == "" {
		return fmt.Errorf("config.marketplace.id is required")
	}
	if len(c.Review.Tiers) == 0 {
		return fmt.Errorf("config.review.tiers is required")
	}
	for _, tier := range []string{"R0", "R1", "R2", "R3"} {
		p, ok := c.Review.Tiers[tier]
		if !ok {
			return fmt.Errorf("config.review.tiers missing tier %s", tier)
		}
		if p.ConstitutionalFlow {
			continue
		}
		if p.ReviewersRequired < 1 {
			return fmt.Errorf("tier %s: reviewers_required must be >= 1", tier)
		}
		if p.ApprovalsRequired < 1 {
			return fmt.Errorf("tier %s: approvals_required must be >= 1", tier)
		}
		if p.ApprovalsRequired > p.ReviewersRequired {
			return fmt.Errorf("tier %s: approvals_required exceeds reviewers_required", tier)
		}
	}
	for tier, p := range c.Review.Tiers {
		if _, ok := knownTiers[tier]; !ok {
			return fmt.Errorf("config.review.tiers has unknown tier %s", tier)
		}
		if p.MinRegions < 0 || p.MinOrganizations < 0 || p.MinModelFamilies < 0 || p.MinMethodTypes < 0 {
			return fmt.Errorf("tier %s: diversity minimums must not be negative", tier)
		}
	}
	if len(c.Review.MethodTypes) == 0 {
		return fmt.Errorf("config.review.method_types is required")
	}
	for _, m := range c.Review.MethodTypes {
		if m == "" {
			return fmt.Errorf("config.review.method_types contains empty entry")
		}
	}
	if c.Review.NormativeAgreement < 0 || c.Review.NormativeAgreement > 1 {
		return fmt.Errorf("config.review.normative_agreement_threshold must be in [0,1]")
	}
	for class, tier := range c.Review.DefaultClassTier {
		if _, ok := knownTiers[tier]; !ok {
			return fmt.Errorf("default tier %s for class %s is not a known tier", tier, class)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

var knownTiers = map[string]struct{}{"R0": {}, "R1": {}, "R2": {}, "R3": {}}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missiongate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(marketplaceID string) string {
	return fmt.Sprintf(defaultTemplate, marketplaceID)
}

// Default returns the default Config struct for a marketplace.
func Default(marketplaceID string) *Config {
	var cfg Config
	cfg.Marketplace.ID = marketplaceID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, marketplaceID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `marketplace:
  id: %s

review:
  tiers:
    R0:
      reviewers_required: 1
      approvals_required: 1
      min_regions: 1
      min_organizations: 1
      min_model_families: 1
      min_method_types: 1
      human_final_gate: false
      constitutional_flow: false

    R1:
      reviewers_required: 2
      approvals_required: 2
      min_regions: 1
      min_organizations: 2
      min_model_families: 2
      min_method_types: 1
      human_final_gate: false
      constitutional_flow: false

    R2:
      reviewers_required: 3
      approvals_required: 3
      min_regions: 2
      min_organizations: 2
      min_model_families: 2
      min_method_types: 2
      human_final_gate: true
      constitutional_flow: false

    R3:
      reviewers_required: 5
      approvals_required: 5
      min_regions: 3
      min_organizations: 3
      min_model_families: 3
      min_method_types: 3
      human_final_gate: true
      constitutional_flow: true

  method_types:
    - static_analysis
    - dynamic_testing
    - llm_judge
    - human_expert
    - formal_verification

  normative_agreement_threshold: 0.7

  default_class_tier:
    content: R0
    engineering: R1
    finance: R2
    governance: R3

rbac:
  roles:
    owner:
      description: "Marketplace operator"
      permissions: [mission.write, mission.gate, rbac.manage]
    gatekeeper:
      description: "Human final-approval authority"
      permissions: [mission.gate]
    coordinator:
      description: "Assigns workers and reviewers"
      permissions: [mission.write]
`
