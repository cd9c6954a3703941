package main

import (
	"fmt"
	"log"

	"github.com/Aidin1998/intentex/internal/config"
	"github.com/Aidin1998/intentex/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPaths []string

var rootCmd = &cobra.Command{
	Use:   "intentex",
	Short: "Intent-based trading simulator with settlement and risk controls",
	Long: `intentex accepts trading intents, simulates their execution across venues,
streams quotes and fills, settles through custody or minting strategies and
evaluates risk rules against realized performance.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", nil,
		"config file(s), merged in order (default ./config.yaml, ./configs/config.yaml)")
}

// bootstrap loads .env, configuration and the logger shared by every command.
func bootstrap() (*config.Config, *zap.Logger, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}
	cfg, err := config.Load(configPaths...)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	zapLogger, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, zapLogger, nil
}
