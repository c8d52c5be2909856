package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		zap.L().Info("migrations applied", zap.String("store", cfg.Store.Driver))
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark fresh plans past the staleness threshold as stale",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Ledger.SweepStale(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d plan(s) marked stale\n", n)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one monitoring check and print the alerts raised",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		alerts, err := newChecker(env).Check(ctx)
		if err != nil {
			return err
		}
		if len(alerts) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no alerts")
			return nil
		}
		return printJSON(cmd.OutOrStdout(), alerts)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, sweepCmd, checkCmd)
}
