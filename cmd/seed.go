package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/extract"
	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/orchestrator"
)

// seedStats counts the outcome of a seed run.
type seedStats struct {
	Ingested int `json:"ingested"`
	Skipped  int `json:"skipped"`
	Rejected int `json:"rejected"`
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Ingest the fixture plan catalog",
	Long:  "Loads plans from a YAML fixture and commits the first revision of each through the quality gate. Plans that already exist are skipped.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("fixtures")
		if path == "" {
			path = cfg.Static.FixturesPath
		}

		fx, err := extract.LoadFixtures(path)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := seedPlans(ctx, env.Orch, fx)
		if err != nil {
			return err
		}
		zap.L().Info("seed complete",
			zap.String("fixtures", path),
			zap.Int("ingested", stats.Ingested),
			zap.Int("skipped", stats.Skipped),
			zap.Int("rejected", stats.Rejected),
		)
		return printJSON(cmd.OutOrStdout(), stats)
	},
}

func seedPlans(ctx context.Context, orch *orchestrator.Orchestrator, fx *extract.Fixture) (seedStats, error) {
	var stats seedStats
	for _, res := range fx.Results() {
		_, err := orch.Ingest(ctx, &res, model.SourceSeed, "")
		switch {
		case err == nil:
			stats.Ingested++
		case errors.Is(err, model.ErrConflict):
			stats.Skipped++
		case errors.Is(err, model.ErrValidation):
			stats.Rejected++
			zap.L().Warn("seed: plan rejected", zap.String("plan_id", res.Draft.ID), zap.Error(err))
		default:
			return stats, err
		}
	}
	return stats, nil
}

func init() {
	seedCmd.Flags().String("fixtures", "", "fixture file (default static.fixtures_path)")
	rootCmd.AddCommand(seedCmd)
}
