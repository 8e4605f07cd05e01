package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imedwei/docker-backup/internal/backup"
	"github.com/imedwei/docker-backup/internal/generation"
)

var restoreCmdFlags struct {
	remote  string
	targets []string
	renames []string
	force   bool
}

var restoreCmd = &cobra.Command{
	Use:   "restore GENERATION",
	Short: "Recreate resources from a generation",
	Long: `Recreate networks, containers and volumes from a generation, in that order.

Resources are named KIND/NAME, for example volume/app_data. Existing resources
are never replaced unless --force is given.`,
	Example: `  docker-backup restore 20260115_143000
  docker-backup restore 20260115_143000 --remote s3 --target volume/app_data
  docker-backup restore 20260115_143000 --rename volume/app_data=app_data_copy`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := restoreRequest(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		stop := cancelOnSignal(a.status, a.logger)
		defer stop()

		result, err := a.orchestrator.RunRestore(ctx, req)
		if err != nil {
			return err
		}
		printRestoreResult(cmd.OutOrStdout(), result)
		if result.Failed > 0 {
			return fmt.Errorf("restore finished with %d failed items", result.Failed)
		}
		return nil
	},
}

func restoreRequest(id string) (backup.RestoreRequest, error) {
	req := backup.RestoreRequest{
		GenerationID: id,
		Remote:       restoreCmdFlags.remote,
		Force:        restoreCmdFlags.force,
	}
	for _, t := range restoreCmdFlags.targets {
		ref, err := parseRef(t)
		if err != nil {
			return req, err
		}
		req.Targets = append(req.Targets, ref)
	}
	for _, r := range restoreCmdFlags.renames {
		from, to, ok := strings.Cut(r, "=")
		if !ok || to == "" {
			return req, fmt.Errorf("invalid rename %q (want KIND/NAME=NEW_NAME)", r)
		}
		ref, err := parseRef(from)
		if err != nil {
			return req, err
		}
		if req.Renames == nil {
			req.Renames = make(map[generation.ResourceRef]string)
		}
		req.Renames[ref] = to
	}
	return req, nil
}

// parseRef parses KIND/NAME.
func parseRef(s string) (generation.ResourceRef, error) {
	kind, name, ok := strings.Cut(s, "/")
	if !ok || name == "" {
		return generation.ResourceRef{}, fmt.Errorf("invalid resource %q (want KIND/NAME)", s)
	}
	switch k := generation.Kind(kind); k {
	case generation.KindContainer, generation.KindVolume, generation.KindNetwork:
		return generation.ResourceRef{Kind: k, Name: name}, nil
	default:
		return generation.ResourceRef{}, fmt.Errorf("invalid resource kind %q in %q", kind, s)
	}
}

func printRestoreResult(w io.Writer, r *backup.RestoreResult) {
	fmt.Fprintf(w, "Restore of %s %s: %s\n", r.GenerationID, r.Phase, r.Summary())
	for _, item := range r.Items {
		line := fmt.Sprintf("  %-30s -> %-20s %s", item.Ref, item.Target, item.Status)
		if item.Replaced {
			line += " (replaced)"
		}
		if item.Error != "" {
			line += ": " + item.Error
		}
		fmt.Fprintln(w, line)
	}
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().StringVar(&restoreCmdFlags.remote, "remote", "", "Fetch the generation from this remote instead of the staging directory")
	restoreCmd.Flags().StringArrayVarP(&restoreCmdFlags.targets, "target", "t", nil, "Restore only this resource, KIND/NAME (can be specified multiple times)")
	restoreCmd.Flags().StringArrayVar(&restoreCmdFlags.renames, "rename", nil, "Restore KIND/NAME under a new name, KIND/NAME=NEW_NAME (can be specified multiple times)")
	restoreCmd.Flags().BoolVar(&restoreCmdFlags.force, "force", false, "Replace existing resources")
}
