package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sells-group/planfinder/internal/search"
)

// -- get --

var getCmd = &cobra.Command{
	Use:   "get <plan-id>",
	Short: "Read a plan with its freshness annotation",
	Long:  "Reads a plan the way the API does: a stale plan is refreshed within the fallback timeout, otherwise the last committed revision is returned and marked degraded.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		view, err := env.Orch.GetPlan(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), view)
	},
}

// -- search --

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search plans by keywords and filters",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		q, err := searchQuery(cmd, args)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Search.Search(ctx, q)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		return printResults(cmd.OutOrStdout(), res)
	},
}

func searchQuery(cmd *cobra.Command, args []string) (search.Query, error) {
	f := cmd.Flags()
	q := search.Query{Text: strings.Join(args, " ")}
	q.Limit, _ = f.GetInt("limit")
	q.Offset, _ = f.GetInt("offset")
	q.Filters.State, _ = f.GetString("state")
	q.Filters.MetalTier, _ = f.GetString("metal-tier")
	q.Filters.PlanType, _ = f.GetString("plan-type")
	q.Filters.CoverageType, _ = f.GetString("coverage")
	q.Filters.Benefits, _ = f.GetStringSlice("benefit")
	if f.Changed("max-premium") {
		v, _ := f.GetFloat64("max-premium")
		q.Filters.MaxPremium = &v
	}
	if f.Changed("min-deductible") {
		v, _ := f.GetFloat64("min-deductible")
		q.Filters.MinDeductible = &v
	}
	if f.Changed("hsa") {
		v, _ := f.GetBool("hsa")
		q.Filters.HSAEligible = &v
	}
	if q.Limit < 0 || q.Offset < 0 {
		return q, eris.New("--limit and --offset must not be negative")
	}
	return q, nil
}

func printResults(w io.Writer, res *search.Results) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SCORE\tPLAN_ID\tNAME\tCARRIER\tPREMIUM\tDEDUCTIBLE\tFRESHNESS\tMATCHED")
	for _, r := range res.Plans {
		_, _ = fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s\t%.2f\t%.0f\t%s\t%s\n",
			r.Score,
			r.Plan.ID,
			r.Plan.Name,
			r.CarrierName,
			r.Plan.MonthlyPremium,
			r.Plan.Deductible,
			r.Freshness.State,
			strings.Join(r.Matched, ","),
		)
	}
	_, _ = fmt.Fprintf(tw, "\n%d of %d plans\n", len(res.Plans), res.Total)
	return tw.Flush()
}

// -- compare --

var compareCmd = &cobra.Command{
	Use:   "compare <plan-id> <plan-id> [plan-id]",
	Short: "Compare two or three plans side by side",
	Args:  cobra.RangeArgs(search.MinCompare, search.MaxCompare),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		cmp, err := env.Search.Compare(ctx, args)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), cmp)
	},
}

// -- cost --

var costCmd = &cobra.Command{
	Use:   "cost <plan-id>",
	Short: "Estimate a plan's annual cost for a usage scenario",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		scenario, _ := cmd.Flags().GetString("scenario")
		age, _ := cmd.Flags().GetInt("age")
		sc, err := search.ParseScenario(scenario)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		est, err := env.Search.EstimateAnnualCost(ctx, args[0], sc, age)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), est)
	},
}

// -- refresh --

var refreshCmd = &cobra.Command{
	Use:   "refresh <plan-id>",
	Short: "Refresh a plan now, ignoring its backoff window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		timeout, _ := cmd.Flags().GetDuration("timeout")

		env, err := initEngine(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		handle, err := env.Orch.TriggerManualRefresh(ctx, args[0])
		if err != nil {
			return err
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		job, err := handle.Wait(ctx)
		if err != nil {
			return eris.Wrapf(err, "wait for job %s", handle.ID)
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

func addSearchFlags(sf *pflag.FlagSet) {
	sf.Int("limit", 0, "maximum results (default from config)")
	sf.Int("offset", 0, "results to skip")
	sf.String("state", "", "two-letter state code")
	sf.String("metal-tier", "", "bronze, silver, gold, platinum, or catastrophic")
	sf.String("plan-type", "", "HMO, PPO, EPO, POS, or HDHP")
	sf.String("coverage", "", "individual or family")
	sf.StringSlice("benefit", nil, "required benefit (repeatable)")
	sf.Float64("max-premium", 0, "maximum monthly premium")
	sf.Float64("min-deductible", 0, "minimum deductible")
	sf.Bool("hsa", false, "HSA eligibility")
	sf.Bool("json", false, "print JSON instead of a table")
}

func init() {
	addSearchFlags(searchCmd.Flags())

	costCmd.Flags().String("scenario", "moderate", "usage scenario: low, moderate, or high")
	costCmd.Flags().Int("age", 0, "member age for age-rated premiums")

	refreshCmd.Flags().Duration("timeout", 2*time.Minute, "how long to wait for the refresh job")

	rootCmd.AddCommand(getCmd, searchCmd, compareCmd, costCmd, refreshCmd)
}
