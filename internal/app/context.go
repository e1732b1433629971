package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"resplan/internal/repo"
)

// ResolveTenant picks the tenant a CLI invocation operates on. It prefers
// the override, then the single tenant present in the DB. If the override
// names a tenant that does not exist yet, it is created on the fly.
func ResolveTenant(ctx context.Context, tenantOverride string, r repo.Repo) (string, error) {
	tenantID := tenantOverride
	if tenantID == "" {
		t, err := r.SingleTenant(ctx)
		if err != nil {
			return "", fmt.Errorf("tenant not specified; use --tenant")
		}
		tenantID = t.ID
	}
	if _, err := r.GetTenant(ctx, tenantID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
		if err := createTenant(ctx, r, tenantID); err != nil {
			return "", err
		}
	}
	return tenantID, nil
}

func createTenant(ctx context.Context, r repo.Repo, tenantID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureTenantTx(ctx, tx, tenantID, tenantID, now); err != nil {
		return fmt.Errorf("ensure tenant: %w", err)
	}
	return tx.Commit()
}
