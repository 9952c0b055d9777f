// skyvault is a multi-tenant file store with content deduplication,
// resumable chunked uploads and a trash-aware folder tree.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skyvault/skyvault/internal/config"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
	ownerID  int64
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skyvault",
		Short: "SkyVault - deduplicating multi-tenant file store",
		Long: `SkyVault stores files for many owners on local volumes. Identical content
is kept once and shared by reference; large files upload in resumable chunks;
deleted files go to a trash that expires after the configured retention.

Examples:
  # Upload a file into the root folder
  skyvault put ./report.pdf

  # Upload into a folder path, creating missing folders
  skyvault put ./photo.jpg --path "Trips/2024/photo.jpg"

  # List, trash and restore
  skyvault ls
  skyvault rm 12
  skyvault trash
  skyvault restore 12`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ~/.skyvault/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides log.level)")
	rootCmd.PersistentFlags().Int64VarP(&ownerID, "owner", "o", 1, "owner id to act as")

	rootCmd.AddCommand(newPutCmd())
	rootCmd.AddCommand(newMkdirCmd())
	rootCmd.AddCommand(newLsCmd())
	rootCmd.AddCommand(newMvCmd())
	rootCmd.AddCommand(newCpCmd())
	rootCmd.AddCommand(newRenameCmd())
	rootCmd.AddCommand(newCatCmd())
	rootCmd.AddCommand(newPathCmd())
	rootCmd.AddCommand(newRmCmd())
	rootCmd.AddCommand(newRestoreCmd())
	rootCmd.AddCommand(newPurgeCmd())
	rootCmd.AddCommand(newTrashCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newQuotaCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newServiceCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("skyvault %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
		},
	})

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig reads --config, or ~/.skyvault/config.yaml when present, or
// falls back to defaults.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".skyvault", "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			} else if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("stat config: %w", err)
			}
		}
	}

	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	} else if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
