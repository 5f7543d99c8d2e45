package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vrsandeep/mango-archiver/internal/config"
	"github.com/vrsandeep/mango-archiver/internal/core"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "mango-cli",
	Short:         "Mango archiver command line",
	Long:          "Download manga into local archives and control the downloads of a running server.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yml)")
	rootCmd.Version = core.Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openApp builds the application with logs on logOut.
func openApp(logOut io.Writer) (*core.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return core.NewWithConfig(cfg, logOut)
}
