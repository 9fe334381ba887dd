package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"greenlight/internal/config"
	"greenlight/internal/repo"
)

// ResolveOrgAndConfig loads greenlight.yml from the workspace and ensures
// the org row exists, creating it on first use. An override wins over the
// configured org.
func ResolveOrgAndConfig(ctx context.Context, workspace, orgOverride string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	orgID := orgOverride
	if orgID == "" {
		orgID = cfg.Org.ID
	}
	if orgID == "" {
		return "", nil, fmt.Errorf("org not specified; use --org or set org.id in %s", config.Path(workspace))
	}
	if _, err := r.GetOrg(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createOrg(ctx, r, orgID, cfg.Org.Name); err != nil {
			return "", nil, err
		}
	}
	cfg.Org.ID = orgID
	return orgID, cfg, nil
}

func createOrg(ctx context.Context, r repo.Repo, orgID, name string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.EnsureOrg(ctx, tx, orgID, name, now); err != nil {
		return fmt.Errorf("ensure org: %w", err)
	}
	return tx.Commit()
}
