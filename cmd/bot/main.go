// Command bot runs the rolling calls strategy against Tradier or a simulated broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/rolling_calls/internal/config"
	"github.com/eddiefleurent/rolling_calls/internal/storage"
)

var (
	configPath string
	envFiles   []string
	dryRun     bool
)

var rootCmd = &cobra.Command{
	Use:           "bot",
	Short:         "Rolling long call bot",
	Long:          `Holds a short-dated call on the underlying, rolls it before expiry and parks idle cash in a fixed-income ETF.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daily scheduler until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, logger, err := setup()
		if err != nil {
			return err
		}

		if bot.config.IsPaperTrading() {
			logger.Info("PAPER TRADING MODE - No real money at risk")
		} else {
			logger.Warn("LIVE TRADING MODE - Real money at risk!")
			logger.Warn("Waiting 10 seconds to confirm...")
			select {
			case <-time.After(10 * time.Second):
			case <-cmd.Context().Done():
				return nil
			}
		}

		if err := bot.Run(cmd.Context()); err != nil {
			return err
		}
		logger.Info("Bot stopped successfully")
		return nil
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single decision cycle now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, _, err := setup()
		if err != nil {
			return err
		}

		res, err := bot.RunCycle(cmd.Context(), dryRun)
		if res != nil {
			printCycle(cmd.OutOrStdout(), res)
		}
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Env files loaded before the config is expanded")
	onceCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Decide and print instructions without submitting or recording anything")

	rootCmd.AddCommand(runCmd, onceCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// setup loads env files and config, then builds the bot.
func setup() (*Bot, *logrus.Logger, error) {
	loaded, err := config.LoadDotEnv(envFiles...)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	if len(loaded) > 0 {
		logger.WithField("files", loaded).Debug("Loaded env files")
	}

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"mode":       cfg.Environment.Mode,
		"provider":   cfg.Broker.Provider,
		"underlying": cfg.Strategy.Underlying,
		"settlement": cfg.Settlement.Mode,
	}).Info("Starting rolling calls bot")

	b := newBroker(cfg, logger)
	return NewBot(cfg, b, store, logger), logger, nil
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level := cfg.Environment.LogLevel
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)

	if strings.EqualFold(cfg.Environment.LogFormat, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
