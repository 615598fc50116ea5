package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/redbco/redb-modules/pkg/config"
	"github.com/redbco/redb-modules/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string

	// Build information, set with -ldflags
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func printVersionInfo() {
	fmt.Printf("reDB modules engine (build %s)\n", Version)
	fmt.Printf("Built: %s, from commit: %s\n", BuildTime, GitCommit)
	fmt.Printf("Go version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "redb-modules",
	Short: "Module database provisioning and tenant isolation engine",
	Long: "Provisions isolated storage for platform modules, enforces tenant row isolation, reconciles the " +
		"module registry with the database catalog and brokers cross-module access.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Lookup("version") != nil && cmd.Flags().Lookup("version").Changed {
			printVersionInfo()
			return nil
		}
		return cmd.Help()
	},
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, logger.NewWithLevel("modules", Version, cfg.Logging.Level), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("REDB_MODULES_CONFIG"), "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level")
	rootCmd.Flags().Bool("version", false, "Show version information and exit")

	setupCommands()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
