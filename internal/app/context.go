package app

import (
	"context"
	"errors"
	"fmt"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

// ResolveTenantAndConfig picks the active tenant and ensures a tenant +
// config exist in the DB, seeding defaults if missing. It prefers
// overrides, then single-tenant DB. A tenant that does not exist is
// created on the fly with the default pipeline.
func ResolveTenantAndConfig(ctx context.Context, tenantOverride, actorID string, e engine.Engine) (string, *config.Config, error) {
	tenantID := tenantOverride
	if tenantID == "" {
		if t, err := e.Repo.SingleTenant(ctx); err == nil {
			tenantID = t.ID
		} else {
			return "", nil, fmt.Errorf("tenant not specified; use --tenant")
		}
	}
	seedCfg := config.Default(tenantID)

	if _, err := e.Repo.GetTenant(ctx, tenantID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if _, err := e.InitTenant(ctx, domain.Tenant{ID: tenantID, Name: tenantID}, seedCfg); err != nil {
			return "", nil, fmt.Errorf("init tenant: %w", err)
		}
		if actorID != "" {
			if err := e.Repo.UpsertMember(ctx, domain.Member{TenantID: tenantID, ActorID: actorID, Role: "admin"}); err != nil {
				return "", nil, fmt.Errorf("seed admin member: %w", err)
			}
		}
	}
	cfg, err := e.Repo.GetTenantConfig(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := e.Repo.UpsertTenantConfig(ctx, tenantID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed tenant config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Tenant.ID = tenantID
	return tenantID, cfg, nil
}
