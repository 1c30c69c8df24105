package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/soaringjerry/Cotation/internal/services"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the SQLite schema",
	Long: `Applies every migration in migrations_dir (or the embedded set) to the
database. Migrations are re-runnable. With --seed the bundled templates are
also instantiated as shared standard grids.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeDB, err := openSQLite(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer closeDB()
		seed, _ := cmd.Flags().GetBool("seed")
		if !seed {
			return nil
		}
		created, err := seedTemplates(cmd.Context(), services.NewGridService(store, logger))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d standard grid(s)\n", created)
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("seed", false, "instantiate bundled templates as standard grids")
}

// seedTemplates creates a standard grid for each bundled template whose name
// is not already taken by an existing standard grid.
func seedTemplates(ctx context.Context, grids *services.GridService) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	existing, err := grids.ListGrids(ctx, services.SystemActor(), true)
	if err != nil {
		return 0, err
	}
	taken := map[string]bool{}
	for _, g := range existing {
		if g.Type == services.GridTypeStandard {
			taken[g.Name] = true
		}
	}
	created := 0
	for _, tpl := range services.Templates() {
		if taken[tpl.Name] {
			continue
		}
		g, err := grids.CreateFromTemplate(ctx, services.SystemActor(), tpl.Key)
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", tpl.Key, err)
		}
		logger.Info("standard grid seeded", zap.String("template", tpl.Key), zap.String("grid_id", g.ID))
		created++
	}
	return created, nil
}
