package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "command-smoother"
	serviceVersion    = "1.0.0"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Command smoothing service for streaming keyword classifiers",
	Long: `command-smoother turns noisy per-frame classifier scores into discrete,
de-duplicated command detections.

Commands:
  serve   - run the UDP ingest and HTTP API service
  replay  - run a JSON-lines score file through one engine offline`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file (.yaml or .toml)")
	rootCmd.AddCommand(serveCmd, replayCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the service version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, serviceVersion)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
