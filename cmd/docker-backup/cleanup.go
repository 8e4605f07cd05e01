package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"

	"github.com/imedwei/docker-backup/internal/retention"
	"github.com/imedwei/docker-backup/internal/utils"
)

var cleanupCmdFlags struct {
	remote string
	dryRun bool
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Apply the retention policy",
	Long: `Apply the daily, weekly and monthly retention policy and the storage quota
to the staging directory and every remote. Generations that a kept generation
links against are never deleted.

Use --dry-run to print the plan with the reason each generation is kept.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		targets, err := a.storageTargets(cleanupCmdFlags.remote)
		if err != nil {
			return err
		}

		enforcer := a.orchestrator.Retention()
		out := cmd.OutOrStdout()
		var group errs.Group
		for _, t := range targets {
			if cleanupCmdFlags.dryRun {
				plan, err := enforcer.Preview(ctx, t)
				if err != nil {
					group.Add(err)
					continue
				}
				printPlan(out, t.Name(), plan)
				continue
			}

			plan, result, err := enforcer.Enforce(ctx, t)
			if plan == nil {
				group.Add(err)
				continue
			}
			printPlan(out, t.Name(), plan)
			fmt.Fprintf(out, "  deleted %d, freed %s\n", len(result.Deleted), utils.FormatBytes(result.FreedBytes))
			group.Add(err)
		}
		return group.Err()
	},
}

func printPlan(w io.Writer, remote string, plan *retention.Plan) {
	fmt.Fprintf(w, "%s: keep %d, delete %d, %s used, %s after cleanup\n",
		remote, len(plan.Keep), len(plan.Delete), utils.FormatBytes(plan.UsedBytes), utils.FormatBytes(plan.RetainedBytes))
	if plan.Quota.Enabled {
		fmt.Fprintf(w, "  quota %.1f%% of %s\n", plan.Quota.Percent, utils.FormatBytes(plan.Quota.MaxBytes))
	}
	if plan.OverQuota {
		fmt.Fprintln(w, "  still over quota after cleanup; lower the keep counts or raise the quota")
	}
	for _, id := range plan.Keep {
		reasons := make([]string, len(plan.Reasons[id]))
		for i, r := range plan.Reasons[id] {
			reasons[i] = string(r)
		}
		fmt.Fprintf(w, "  keep   %s (%s)\n", id, strings.Join(reasons, ", "))
	}
	for _, id := range plan.Delete {
		fmt.Fprintf(w, "  delete %s\n", id)
	}
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().StringVar(&cleanupCmdFlags.remote, "remote", "", "Apply retention to this remote only")
	cleanupCmd.Flags().BoolVar(&cleanupCmdFlags.dryRun, "dry-run", false, "Print the plan without deleting anything")
}
