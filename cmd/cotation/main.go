package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/soaringjerry/Cotation/internal/config"
)

// Set at build time with -ldflags "-X main.commit=... -X main.buildTime=...".
var (
	commit    = "dev"
	buildTime = ""
)

var (
	v       = viper.New()
	cfgFile string
	cfg     *config.Config
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "cotation",
	Short: "Clinical scoring of music-therapy sessions against versioned evaluation grids",
	Long: `cotation serves the grid, cotation, objective and analytics API and
offers maintenance commands for the same store.

Configuration is read from cotation.yaml (or --config), then COTATION_*
environment variables, then flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		logger, err = config.NewLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./cotation.yaml)")
	flags.String("db", "", "SQLite database path (empty keeps data in memory)")
	flags.String("db-driver", "sqlite3", "database/sql driver (sqlite3 cgo | sqlite pure Go)")
	flags.String("log-level", "info", "log level (debug|info|warn|error)")
	_ = v.BindPFlag("db_path", flags.Lookup("db"))
	_ = v.BindPFlag("db_driver", flags.Lookup("db-driver"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))

	rootCmd.AddCommand(serveCmd, migrateCmd, templatesCmd, tokenCmd, exportCmd, auditCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cotation %s %s\n", commit, buildTime)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
