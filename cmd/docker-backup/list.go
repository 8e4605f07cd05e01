package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/imedwei/docker-backup/internal/storage"
	"github.com/imedwei/docker-backup/internal/utils"
)

var listCmdFlags struct {
	remote string
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup generations",
	Long: `List the generations in the staging directory and on every configured
remote in table format. Use --remote to list a single location; the staging
directory is named "staging".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		targets, err := a.storageTargets(listCmdFlags.remote)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "REMOTE\tGENERATION\tCREATED\tSIZE\tENCRYPTED\tCOMPLETE\tREFERENCES")
		for _, t := range targets {
			gens, err := t.List(ctx)
			if err != nil {
				a.logger.Warn("Failed to list remote", "remote", t.Name(), "error", err)
				fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\t%v\n", t.Name(), err)
				continue
			}
			writeGenerations(w, t.Name(), gens)
		}
		return w.Flush()
	},
}

func writeGenerations(w io.Writer, remote string, gens []storage.GenerationInfo) {
	for _, g := range gens {
		refs := "-"
		if len(g.References) > 0 {
			refs = fmt.Sprint(g.References)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%t\t%s\n",
			remote, g.ID, g.CreatedAt.Local().Format(time.DateTime), utils.FormatBytes(g.SizeBytes),
			g.Encrypted, g.Complete, refs)
	}
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listCmdFlags.remote, "remote", "", "List only this remote")
}
