package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/ledger"
	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/store"
)

var batchCmd = &cobra.Command{
	Use:   "batch [plan-id...]",
	Short: "Refresh plans through the batch provider",
	Long:  "Submits a batch refresh job. Plans are named as arguments, or selected with --stale (plans due for a refresh) or --all (every active plan).",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		all, _ := cmd.Flags().GetBool("all")
		stale, _ := cmd.Flags().GetBool("stale")
		limit, _ := cmd.Flags().GetInt("limit")

		env, err := initEngine(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		ids := args
		switch {
		case all:
			plans, err := env.Store.ListPlans(ctx, store.PlanFilter{ActiveOnly: true})
			if err != nil {
				return err
			}
			ids = make([]string, 0, len(plans))
			for _, p := range plans {
				ids = append(ids, p.ID)
			}
		case stale:
			metas, err := env.Ledger.List(ctx)
			if err != nil {
				return err
			}
			ids = dueForRefresh(env.Ledger, metas)
		}
		if limit > 0 && len(ids) > limit {
			ids = ids[:limit]
		}
		if len(ids) == 0 {
			zap.L().Info("batch: nothing to refresh")
			return nil
		}

		handle, err := env.Batch.Submit(ctx, ids)
		if err != nil {
			return err
		}
		job, err := handle.Wait(ctx)
		if err != nil {
			return eris.Wrapf(err, "wait for job %s", handle.ID)
		}
		zap.L().Info("batch complete",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Int("scraped", job.Scraped),
			zap.Int("updated", job.Updated),
			zap.Int("failed", job.Failed),
			zap.Int("conflicts", job.Conflicts),
		)
		return printJSON(cmd.OutOrStdout(), job)
	},
}

// dueForRefresh returns the plans a batch should pick up: stale, aged, or
// failed plans whose backoff has elapsed and whose retries remain.
func dueForRefresh(lg *ledger.Ledger, metas []model.FreshnessMeta) []string {
	now := lg.Now()
	var ids []string
	for i := range metas {
		if lg.Eligible(&metas[i], now) {
			ids = append(ids, metas[i].PlanID)
		}
	}
	return ids
}

func init() {
	batchCmd.Flags().Bool("all", false, "refresh every active plan")
	batchCmd.Flags().Bool("stale", false, "refresh plans due for a refresh")
	batchCmd.Flags().Int("limit", 0, "maximum plans to submit (0 = no limit)")
	batchCmd.MarkFlagsMutuallyExclusive("all", "stale")
	rootCmd.AddCommand(batchCmd)
}
