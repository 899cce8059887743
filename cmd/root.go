// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/slotwatch/internal/config"
	"github.com/xkilldash9x/slotwatch/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

var (
	cfgFile string
	envFile string
)

// flagKeys maps command flags onto the configuration keys they override.
var flagKeys = map[string]string{
	"interval":   "schedule.interval",
	"jitter":     "schedule.jitter",
	"rearm":      "notify.rearm",
	"day-gating": "scan.day_gating",
	"headless":   "browser.headless",
	"metrics":    "metrics.listen_addr",
	"log-level":  "logger.level",
}

// NewRootCommand builds the command tree. Each call returns independent instances so tests
// never share flag state.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "slotwatch",
		Short:         "slotwatch watches a booking portal and e-mails you when target slots open up.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}

			v := viper.New()
			config.SetDefaults(v)
			if err := initializeConfig(cmd, v); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "slotwatch"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Info("Starting slotwatch", zap.String("version", Version), zap.String("command", cmd.Name()))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().String("log-level", "", "override logger.level")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(newWatchCmd(), newCheckCmd(), newReplayCmd(), newVersionCmd())
	return rootCmd
}

// Execute runs the CLI with a signal-aware context.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	observability.Sync()
	return err
}

// initializeConfig reads the config file, the environment and any bound flags into v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SLOTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func configFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not initialized")
	}
	return cfg, nil
}

// logConfiguration prints the startup banner with secrets redacted.
func logConfiguration(logger *zap.Logger, cfg *config.Config) {
	logger.Info("Configuration loaded.",
		zap.String("login_url", cfg.Target.LoginURL),
		zap.String("booking_url", cfg.Target.BookingURL),
		observability.Email("identity", cfg.Credentials.Identity),
		observability.Secret("secret", cfg.Credentials.Secret),
		observability.Email("notify_address", cfg.Credentials.NotifyAddress),
		observability.Email("sender", cfg.Notify.Sender),
		observability.Secret("sender_password", cfg.Notify.Password),
		zap.Duration("interval", cfg.Schedule.Interval),
		zap.Duration("jitter", cfg.Schedule.Jitter),
		zap.Bool("rearm", cfg.Notify.Rearm),
		zap.Bool("day_gating", cfg.Scan.DayGating),
		zap.Bool("headless", cfg.Browser.Headless),
	)
}
