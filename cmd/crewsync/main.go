package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/steveyegge/crewsync/internal/config"
	"github.com/steveyegge/crewsync/internal/logging"
	"github.com/steveyegge/crewsync/internal/ui"
)

var (
	loader    = config.NewLoader()
	cfg       config.Config
	logger    = zerolog.Nop()
	logCloser io.Closer
	out       = ui.New(os.Stdout)
	errOut    = ui.New(os.Stderr)
)

var rootCmd = &cobra.Command{
	Use:   "crewsync",
	Short: "Offline-first sync client for projects, tasks and team chat",
	Long: `crewsync keeps a local cache of your projects, tasks, members and chat
messages in sync with the remote store.

Reads are served from the cache first and refreshed from the remote. Writes
commit locally and are pushed in the background; rows that fail to push
stay pending and are retried.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		v := loader.Viper()
		if f := cmd.Flags().Lookup("log-level"); f != nil {
			_ = v.BindPFlag("log.level", f)
		}
		if f := cmd.Flags().Lookup("user"); f != nil {
			_ = v.BindPFlag("user.id", f)
		}
		if f := cmd.Flags().Lookup("cache"); f != nil {
			_ = v.BindPFlag("cache.path", f)
		}

		loaded, err := loader.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded

		l, closer, err := logging.New(logging.Options{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		if err != nil {
			return err
		}
		logger, logCloser = l, closer

		loader.Watch(func(c config.Config) {
			if err := logging.SetLevel(c.Log.Level); err != nil {
				logger.Warn().Err(err).Msg("ignoring log level from edited config")
				return
			}
			logger.Info().Str("level", c.Log.Level).Msg("log level reloaded")
		}, func(err error) {
			logger.Warn().Err(err).Msg("ignoring invalid config edit")
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "collab", Title: "Collaboration:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./crewsync.toml or ~/.config/crewsync/crewsync.toml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("user", "", "Acting user id")
	rootCmd.PersistentFlags().String("cache", "", "Cache database path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errOut.Error("Error:"), err)
		os.Exit(1)
	}
}
