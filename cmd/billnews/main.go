package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/config"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/coordinator"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/logging"
)

// Exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitTimeout = 2
)

var rootCmd = &cobra.Command{
	Use:   "billnews",
	Short: "billnews - congressional bill news pipeline",
	Long: `billnews fans each tracked bill out into seven research questions, answers
them with an LLM, checks the cited links and aggregates the answers into a
news article once all seven are stored.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configPath string
	apiAddr    string
	logLevel   string
)

func init() {
	gin.SetMode(gin.ReleaseMode)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default $"+config.EnvConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "API server address; empty reads the store directly")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(runCmd, workerCmd, seedCmd, serveCmd, statusCmd, reseedCmd, watchCmd, configCmd)
}

// loadConfig loads the config and builds the logger it describes.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, coordinator.ErrTimeout):
		return exitTimeout
	default:
		return exitError
	}
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}
