package app

import (
	"context"
	"fmt"

	"missiongate/internal/config"
	"missiongate/internal/engine"
)

// ResolveConfig loads missiongate.yml from the workspace, falling back to
// the embedded default tier policy when no file exists. The returned config
// is always validated.
func ResolveConfig(workspace, marketplaceOverride string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		id := marketplaceOverride
		if id == "" {
			id = "missiongate"
		}
		cfg = config.Default(id)
	}
	if marketplaceOverride != "" {
		cfg.Marketplace.ID = marketplaceOverride
	}
	return cfg, nil
}

// Bootstrap seeds RBAC roles from config and grants owner to the actor.
// Safe to call on every startup.
func Bootstrap(ctx context.Context, e engine.Engine, ownerID string) error {
	if err := e.SeedRoles(ctx, ownerID); err != nil {
		return fmt.Errorf("seed roles: %w", err)
	}
	return nil
}
