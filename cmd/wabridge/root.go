package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/wabridge/internal/bridge"
	"github.com/danmuck/wabridge/internal/config"
	"github.com/danmuck/wabridge/internal/logging"
)

const (
	envConfigPath  = "WABRIDGE_CONFIG"
	defaultEnvFile = ".env"
)

type rootOptions struct {
	configPath string
	envFile    string
	port       string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "wabridge",
		Short:         "HTTP to WhatsApp bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(opts.envFile, cmd.Flags().Changed("env-file"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $"+envConfigPath+", else built-in defaults)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", defaultEnvFile, "dotenv file loaded before reading the environment")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (trace|debug|info|warn|error)")
	root.Flags().StringVarP(&opts.port, "port", "p", "", "HTTP port (overrides config and $PORT)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
	serve.Flags().StringVarP(&opts.port, "port", "p", "", "HTTP port (overrides config and $PORT)")

	root.AddCommand(serve, configCmd(opts))
	return root
}

func runServe(opts *rootOptions) error {
	logging.ConfigureRuntime()
	cfg, err := resolveConfig(opts, os.Getenv)
	if err != nil {
		return err
	}
	applyLogLevel(cfg, opts.logLevel, os.Getenv)

	log.Info().
		Str("addr", cfg.ListenAddr()).
		Str("auth_dir", cfg.Session.AuthDir).
		Bool("store", cfg.Store.Enabled).
		Msg("wabridge starting")
	return bridge.NewService(cfg).Run()
}

// loadEnvFile loads a dotenv file without overriding variables already set.
// A missing default file is ignored; a missing explicit file is an error.
func loadEnvFile(path string, explicit bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// resolveConfig picks the config source (flag, then $WABRIDGE_CONFIG, then
// defaults) and overlays $PORT and the --port flag.
func resolveConfig(opts *rootOptions, getenv func(string) string) (config.Config, error) {
	path := strings.TrimSpace(opts.configPath)
	if path == "" {
		path = strings.TrimSpace(getenv(envConfigPath))
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv(getenv)
	if port := strings.TrimSpace(opts.port); port != "" {
		cfg.HTTP.Port = port
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// applyLogLevel resolves the level: flag, then $WABRIDGE_LOG_LEVEL (already
// applied by logging), then the config file.
func applyLogLevel(cfg config.Config, flagLevel string, getenv func(string) string) {
	level := strings.TrimSpace(flagLevel)
	if level == "" && strings.TrimSpace(getenv(logging.EnvLogLevel)) != "" {
		return
	}
	if level == "" {
		level = cfg.Log.Level
	}
	if level != "" && !logging.SetLevel(level) {
		log.Warn().Str("level", level).Msg("wabridge unknown log level ignored")
	}
}
