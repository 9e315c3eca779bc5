package cmd

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/bnema/ardysactl/internal/logger"
)

// Version info set via ldflags at build time
var (
	version = "dev"
	commit  = "unknown"
)

var (
	verbose    bool
	gameDir    string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:     "ardysactl",
	Short:   "Mod archive installer and game patcher",
	Version: version + " (" + commit + ")",
	Long: `A Go CLI tool that builds a mod archive from content sources,
installs it into the game and keeps the game files patched to load it.

Quick start:
  ardysactl install sources.toml   Download, merge and install content
  ardysactl status                 Show the install state
  ardysactl patch                  Re-apply the game patch after an update`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Init(verbose)
	},
}

func Execute() {
	defer logger.Close()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getLogger() *log.Logger {
	return logger.Get()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug logging")
	rootCmd.PersistentFlags().StringVar(&gameDir, "game-dir", "", "Game installation directory (default: auto-detect)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $XDG_CONFIG_HOME/ardysactl/config.toml)")
}
