package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/termin-cli/internal/config"
	"github.com/xkilldash9x/termin-cli/internal/observability"
)

// envPrefix scopes environment overrides, e.g. TERMIN_WORKERS_ATTACKERS.
const envPrefix = "TERMIN"

// app carries the state shared by the root command and its children.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
}

// NewRootCommand builds a fresh command tree. Every call returns an
// independent instance so tests never share flag or config state.
func NewRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "termin",
		Short:         "termin watches an appointment calendar and books the first open slot.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.v = viper.New()
			config.SetDefaults(a.v)
			if err := initializeConfig(a.v, a.cfgFile); err != nil {
				return err
			}

			cfg, err := config.NewConfigFromViper(a.v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "termin"})
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			a.cfg = cfg

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Configuration loaded",
				zap.String("version", Version),
				zap.String("config_file", a.v.ConfigFileUsed()),
			)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newRunCmd(a),
		newStatsCmd(a),
		newClassifyCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree against os.Args with a signal-aware context.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		observability.GetLogger().Info("Shutdown requested, exiting")
		return err
	}
	if logger := observability.GetLogger(); logger != nil {
		logger.Error("Command execution failed", zap.Error(err))
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return err
}

// initializeConfig reads the config file, if any, and binds the environment.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}
	return nil
}
