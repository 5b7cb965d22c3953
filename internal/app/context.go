// Package app resolves workspace-level context shared by CLI commands.
package app

import (
	"context"
	"errors"

	"github.com/fall-development-rob/cto-flow-sub000/internal/config"
	"github.com/fall-development-rob/cto-flow-sub000/internal/repo"
)

// ResolveConfig loads ctoflow.yml from the workspace, falling back to
// defaults bound to the workspace's single epic when no file exists yet.
// epicOverride wins over both the file and the single-epic lookup.
func ResolveConfig(ctx context.Context, workspace, epicOverride string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		epicID := epicOverride
		if epicID == "" {
			if ep, serr := r.SingleEpic(ctx); serr == nil {
				epicID = ep.ID
			} else if !errors.Is(serr, repo.ErrNotFound) {
				return nil, serr
			}
		}
		cfg = config.Default(epicID)
	}
	if epicOverride != "" {
		cfg.Swarm.EpicID = epicOverride
	}
	return cfg, nil
}
