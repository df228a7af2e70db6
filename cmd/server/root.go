package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/UkralStul/collab-doc-service/internal/config"
	"github.com/UkralStul/collab-doc-service/internal/logger"
)

var (
	cfgFile  string
	logLevel string

	// Загружаются в PersistentPreRunE.
	cfg *config.Config
	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Collaborative document service",
	Long:          `Serves shared documents with live content sync, cursor presence and anchored comment threads.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
}

// Execute вызывается из main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./collab.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides logging.level")
}

func setup() error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}

	l, err := logger.New(c.Logging.Options(), os.Stderr)
	if err != nil {
		return err
	}
	cfg, log = c, l
	return nil
}
