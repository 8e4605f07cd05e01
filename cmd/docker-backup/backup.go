package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/imedwei/docker-backup/internal/backup"
	"github.com/imedwei/docker-backup/internal/config"
	"github.com/imedwei/docker-backup/internal/generation"
	"github.com/imedwei/docker-backup/internal/utils"
)

type backupFlags struct {
	containers  []string
	set         string
	configsOnly bool
	volumesOnly bool
	noNetworks  bool
	incremental bool
	force       bool
}

var backupCmdFlags backupFlags

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Capture a new backup generation",
	Long: `Capture containers, volumes and networks into a new generation under the
staging directory, upload it to every configured remote and apply retention.

By default every resource is captured. Use --containers or --set to limit the
run to some containers together with their volumes and networks.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		req, err := backupRequest(a.cfg, backupCmdFlags, cmd.Flags().Changed("incremental"))
		if err != nil {
			return err
		}

		stop := cancelOnSignal(a.status, a.logger)
		defer stop()

		result, err := a.orchestrator.RunBackup(ctx, req)
		if err != nil {
			return err
		}
		printBackupResult(cmd.OutOrStdout(), result)
		if result.Failed > 0 {
			return fmt.Errorf("backup finished with %d failed items", result.Failed)
		}
		return nil
	},
}

// backupRequest combines configuration defaults, an optional backup set and
// the command line flags.
func backupRequest(cfg *config.Config, flags backupFlags, incrementalSet bool) (backup.BackupRequest, error) {
	containers := cfg.Backup.Containers
	kinds := cfg.Backup.Kinds

	if name := flags.set; name != "" {
		set, ok := cfg.BackupSets[name]
		if !ok {
			return backup.BackupRequest{}, fmt.Errorf("unknown backup set %q", name)
		}
		containers = set.Containers
		if len(set.Kinds) > 0 {
			kinds = set.Kinds
		}
	}
	if len(flags.containers) > 0 {
		containers = flags.containers
	}

	switch {
	case flags.configsOnly:
		kinds = []string{string(generation.KindContainer)}
	case flags.volumesOnly:
		kinds = []string{string(generation.KindVolume)}
	}

	// an empty kind list means every kind, which --no-networks still narrows
	if flags.noNetworks && len(kinds) == 0 {
		for _, k := range generation.AllKinds {
			kinds = append(kinds, string(k))
		}
	}

	req := backup.BackupRequest{
		Containers:  containers,
		Incremental: cfg.Backup.Incremental,
		Force:       flags.force || cfg.Backup.ForceBackup,
	}
	if incrementalSet {
		req.Incremental = flags.incremental
	}
	for _, k := range kinds {
		kind := generation.Kind(k)
		if flags.noNetworks && kind == generation.KindNetwork {
			continue
		}
		req.Kinds = append(req.Kinds, kind)
	}
	if len(kinds) > 0 && len(req.Kinds) == 0 {
		return backup.BackupRequest{}, fmt.Errorf("no resource kinds left to back up")
	}
	return req, nil
}

func printBackupResult(w io.Writer, r *backup.BackupResult) {
	if r.Blocked {
		fmt.Fprintf(w, "Backup skipped: %s\n", r.Reason)
		return
	}
	fmt.Fprintf(w, "Generation %s %s: %s in %s\n", r.GenerationID, r.Phase, r.Summary(), r.Duration.Round(time.Millisecond))
	for _, u := range r.Uploads {
		if u.Error != "" {
			fmt.Fprintf(w, "  upload %-12s %s: %s\n", u.Remote, u.Status, u.Error)
			continue
		}
		fmt.Fprintf(w, "  upload %-12s %s (%s)\n", u.Remote, u.Status, utils.FormatBytes(u.Bytes))
	}
	for _, c := range r.Retention {
		fmt.Fprintf(w, "  retention %-9s deleted %d, freed %s\n", c.Remote, len(c.Deleted), utils.FormatBytes(c.FreedBytes))
	}
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().StringSliceVar(&backupCmdFlags.containers, "containers", nil, "Back up only these containers with their volumes and networks")
	backupCmd.Flags().StringVar(&backupCmdFlags.set, "set", "", "Use a named backup set from the configuration")
	backupCmd.Flags().BoolVar(&backupCmdFlags.configsOnly, "configs-only", false, "Capture container configurations only")
	backupCmd.Flags().BoolVar(&backupCmdFlags.volumesOnly, "volumes-only", false, "Capture volumes only")
	backupCmd.Flags().BoolVar(&backupCmdFlags.noNetworks, "no-networks", false, "Skip networks")
	backupCmd.Flags().BoolVar(&backupCmdFlags.incremental, "incremental", true, "Hardlink unchanged volume files against the previous generation")
	backupCmd.Flags().BoolVar(&backupCmdFlags.force, "force", false, "Ignore respawn protection")
	backupCmd.MarkFlagsMutuallyExclusive("configs-only", "volumes-only")
}
