// Command docker-backup backs up and restores Docker containers, volumes and
// networks to local and remote storage.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootFlags struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:   "docker-backup",
	Short: "Back up and restore Docker containers, volumes and networks",
	Long: `docker-backup captures container configurations, volume contents and
network definitions into dated generations, optionally encrypts them,
uploads them to one or more remotes and rotates old generations.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.configPath, "config", "c", "", "Path to config file (defaults to $DOCKER_BACKUP_CONFIG or ./docker-backup.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
