package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ricochet1k/wamesh/internal/config"
	"github.com/ricochet1k/wamesh/internal/logging"
)

type rootOptions struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:          "wamesh",
		Short:        "WhatsApp session orchestration service",
		Long:         "wamesh keeps WhatsApp Web sessions alive across API and worker processes, routing session commands through a Redis-backed queue.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default ./wamesh.yaml or $HOME/.config/wamesh/wamesh.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration")

	rootCmd.AddCommand(
		newRunCmd(opts, "serve", "Serve HTTP and own sessions in one process", config.RoleAll),
		newRunCmd(opts, "api", "Serve HTTP only; sessions are owned by workers", config.RoleAPI),
		newRunCmd(opts, "worker", "Own sessions and consume command queues", config.RoleWorker),
	)
	return rootCmd
}

func newRunCmd(opts *rootOptions, use, short string, role config.Role) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, role)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

// loadConfig reads the dotenv file, then viper layers, and pins the role to
// the subcommand.
func loadConfig(opts *rootOptions, role config.Role) (*config.Config, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", opts.envFile, err)
		}
	}
	v := viper.New()
	v.Set("role", string(role))
	cfg, err := config.Load(v, opts.configFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return err
	}
	return a.run(ctx)
}
