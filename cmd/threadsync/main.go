// Command threadsync runs and inspects the chat sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/threadsync/threadsync/internal/config"
	"github.com/threadsync/threadsync/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "threadsync",
	Short: "Local-first sync engine for chat threads",
	Long: `threadsync keeps a device-local cache of chat threads, messages, projects,
summaries and artifacts in sync with a remote document store.

Local writes apply immediately and are replicated through a persisted retry
queue; remote changes arrive over a change feed. The live text of streaming
responses is shared between tabs of the same profile.

Configuration is read from threadsync.yaml (or .toml) in the working
directory or the data directory, from .env, and from THREADSYNC_*
environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		l, err := logging.New(c.Log.Logging())
		if err != nil {
			return err
		}
		cfg, logger = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: threadsync.yaml in . or the data directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level (debug, info, warn, error)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Local data:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// exitf prints an error and exits.
func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s "+format+"\n", append([]any{renderFail("Error:")}, args...)...)
	os.Exit(1)
}
