package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/repo"
)

func registerMembers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/members",
		Summary:     "List tenant members",
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenant_id"`
	}) (*struct {
		Body Envelope[[]domain.Member] `json:"body"`
	}, error) {
		tenantID, _, err := requireTenant(ctx, input.TenantID, "")
		if err != nil {
			return nil, handleError(err)
		}
		members, err := e.Repo.ListMembers(ctx, tenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[[]domain.Member] `json:"body"`
		}{Body: envelope(ctx, nonNilSlice(members))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upsert-member",
		Method:        http.MethodPost,
		Path:          "/members",
		Summary:       "Add or update a tenant member",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		TenantID string              `query:"tenant_id"`
		Body     UpsertMemberRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.Member] `json:"body"`
	}, error) {
		tenantID, _, err := requireTenant(ctx, input.TenantID, auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "actor_id is required", false)
		}
		m := domain.Member{
			TenantID:  tenantID,
			ActorID:   input.Body.ActorID,
			Role:      input.Body.Role,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.UpsertMember(ctx, m); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.Member] `json:"body"`
		}{Body: envelope(ctx, m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-member",
		Method:      http.MethodDelete,
		Path:        "/members/{actor_id}",
		Summary:     "Remove a tenant member",
	}, func(ctx context.Context, input *struct {
		ActorID  string `path:"actor_id"`
		TenantID string `query:"tenant_id"`
	}) (*struct {
		Body Envelope[map[string]bool] `json:"body"`
	}, error) {
		tenantID, _, err := requireTenant(ctx, input.TenantID, auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteMember(ctx, tenantID, input.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[map[string]bool] `json:"body"`
		}{Body: envelope(ctx, map[string]bool{"deleted": true})}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue a tenant-scoped API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		TenantID string              `query:"tenant_id"`
		Body     CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body Envelope[APIKeyResponse] `json:"body"`
	}, error) {
		tenantID, _, err := requireTenant(ctx, input.TenantID, auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "actor_id is required", false)
		}
		secret, err := NewAPIKeySecret()
		if err != nil {
			return nil, handleError(err)
		}
		k := domain.APIKey{
			ID:        uuid.New().String(),
			TenantID:  tenantID,
			ActorID:   input.Body.ActorID,
			Role:      input.Body.Role,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, k); err != nil {
			return nil, handleError(err)
		}
		// the secret is returned once and never stored
		return &struct {
			Body Envelope[APIKeyResponse] `json:"body"`
		}{Body: envelope(ctx, APIKeyResponse{
			ID:        k.ID,
			TenantID:  k.TenantID,
			ActorID:   k.ActorID,
			Role:      k.Role,
			Name:      k.Name,
			Secret:    secret,
			CreatedAt: k.CreatedAt,
		})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List a tenant's API keys",
	}, func(ctx context.Context, input *struct {
		TenantID string `query:"tenant_id"`
	}) (*struct {
		Body Envelope[[]APIKeyResponse] `json:"body"`
	}, error) {
		tenantID, _, err := requireTenant(ctx, input.TenantID, auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		keys, err := e.Repo.ListAPIKeys(ctx, tenantID)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			items = append(items, APIKeyResponse{
				ID:        k.ID,
				TenantID:  k.TenantID,
				ActorID:   k.ActorID,
				Role:      k.Role,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body Envelope[[]APIKeyResponse] `json:"body"`
		}{Body: envelope(ctx, items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{key_id}",
		Summary:     "Revoke an API key",
	}, func(ctx context.Context, input *struct {
		KeyID    string `path:"key_id"`
		TenantID string `query:"tenant_id"`
	}) (*struct {
		Body Envelope[map[string]bool] `json:"body"`
	}, error) {
		tenantID, _, err := requireTenant(ctx, input.TenantID, auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteAPIKey(ctx, tenantID, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[map[string]bool] `json:"body"`
		}{Body: envelope(ctx, map[string]bool{"deleted": true})}, nil
	})
}

// NewAPIKeySecret mints a fresh key secret. Only its hash is stored.
func NewAPIKeySecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "slk_" + hex.EncodeToString(buf), nil
}
