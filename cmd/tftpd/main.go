package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Merith-TK/tftpd/internal/config"
	"github.com/Merith-TK/tftpd/internal/server"
	"github.com/Merith-TK/tftpd/internal/utils"
)

var (
	configFile         string
	bindAddr           string
	logLevel           string
	timeout            string
	maxRetransmissions int
)

var rootCmd = &cobra.Command{
	Use:   "tftpd <serve-directory>",
	Short: "A TFTP (RFC 1350) server",
	Long: `tftpd serves files over TFTP from a directory.

Examples:
  tftpd ./data --bind :69
  tftpd ./data --config tftpd.yml --timeout 5s --max-retransmissions 5`,
	Args: cobra.ExactArgs(1),
	RunE: runServer,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "Configuration file path")
	rootCmd.Flags().StringVar(&bindAddr, "bind", "", "Bind address, e.g. :69 or 0.0.0.0:69")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&timeout, "timeout", "", "Per-transfer receive timeout, e.g. 5s (empty keeps the configured value, 5s by default)")
	rootCmd.Flags().IntVar(&maxRetransmissions, "max-retransmissions", -1, "Max retransmissions before giving up (-1 keeps the configured value, unbounded by default)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.ApplyEnvironmentVariables()

	cfg.Data = args[0]
	if bindAddr != "" {
		cfg.Bind = bindAddr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if timeout != "" {
		cfg.Transfer.Timeout = timeout
	}
	if maxRetransmissions >= 0 {
		cfg.Transfer.MaxRetransmissions = &maxRetransmissions
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting tftpd")
	logger.Info("serve directory: %s", cfg.Data)

	manager, err := server.NewManager(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	utils.GracefulShutdown(ctx, cancel, logger, func() error {
		return manager.Stop()
	})

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
