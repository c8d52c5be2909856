package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the freshness report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		formatFlag, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")

		format, err := report.ParseFormat(formatFlag)
		if err != nil {
			return err
		}
		if format == report.FormatXLSX && out == "" {
			return eris.New("--out is required for xlsx reports")
		}

		env, err := initEngine(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Orch.GetFreshnessReport(ctx)
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if out != "" {
			f, err := os.Create(out)
			if err != nil {
				return eris.Wrapf(err, "create %s", out)
			}
			defer f.Close() //nolint:errcheck
			w = f
		}
		if err := report.Write(w, rep, format); err != nil {
			return err
		}
		if out != "" {
			zap.L().Info("report written", zap.String("path", out), zap.Int("plans", len(rep)))
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().String("format", "table", "table, csv, json, or xlsx")
	reportCmd.Flags().String("out", "", "write to a file instead of stdout")
	rootCmd.AddCommand(reportCmd)
}
