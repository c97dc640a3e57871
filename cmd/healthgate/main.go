package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hazz-dev/healthgate/internal/config"
	"github.com/hazz-dev/healthgate/internal/storage"
	"github.com/hazz-dev/healthgate/internal/version"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "healthgate",
		Short:        "Liveness and readiness agent for a single service instance",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "healthgate.yml", "config file path")

	root.AddCommand(versionCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(probeCmd())

	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			vi := version.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "healthgate %s (commit %s, built %s, %s)\n",
				vi.Version, vi.Commit, vi.Date, vi.GoVersion)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the probes and serve /livez and /readyz",
		RunE:  runServe,
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run every configured check once",
		RunE:  runCheck,
	}
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return executeCheck(cmd, cfg)
}

func statusCmd() *cobra.Command {
	var transitions int
	cmd := &cobra.Command{
		Use:   "status [PROBE]",
		Short: "Print the latest stored observation per probe, or one probe's transitions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			db, err := storage.Open(cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()

			if len(args) == 1 {
				return executeTransitions(cmd, db, args[0], transitions)
			}
			return executeStatus(cmd, db)
		},
	}
	cmd.Flags().IntVarP(&transitions, "limit", "n", 20, "number of transitions to show for a single probe")
	return cmd
}
