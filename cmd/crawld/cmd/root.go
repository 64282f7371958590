// Package cmd implements the CLI commands for crawld.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/denikryt/peertube-crawler/internal/observability"
	"github.com/denikryt/peertube-crawler/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	dbPath    string
)

// logger is the process-wide structured logger built in PersistentPreRunE
// and handed to every stage's walker.Deps.
var logger = observability.NewLogger(observability.Config{Level: "info", Format: "json"})

// rootCmd is crawld's base command; it carries no RunE of its own because
// every stage is invoked as a subcommand, per spec.md's CLI contract of
// "a named configuration struct per stage."
var rootCmd = &cobra.Command{
	Use:     "crawld",
	Short:   "Federated PeerTube video crawler",
	Version: version.Short(),
	Long: `crawld discovers PeerTube instances by following server federation
edges, then walks their channels and videos, storing everything in a
single embedded database.

Each stage (federation, channel, video, tags, update-tags, comments,
health) is run as its own subcommand against the same store file, so a
supervisor can schedule them independently.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "stage config file (yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "crawld.db", "sqlite store file")

	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig seeds CRAWLD_-prefixed environment variable lookups for the
// global flags; per-stage values are loaded separately by each
// subcommand through stageconfig, which runs its own viper instance
// scoped to CRAWLD_<STAGE>_.
func initConfig() {
	viper.SetEnvPrefix("CRAWLD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// initLogging builds the shared logger from the root flags, before any
// subcommand's RunE runs.
func initLogging() error {
	logger = observability.NewLogger(observability.Config{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
	})
	observability.SetDefault(logger)
	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
