package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pv-udpv/perplexity-ai-v2/internal/config"
	"github.com/pv-udpv/perplexity-ai-v2/internal/observability"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "pplx",
	Short:   "Streaming client for the Perplexity conversational search API.",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initializeConfig(); err != nil {
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}

		if err := config.Load(viper.GetViper()); err != nil {
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "pplx"})
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg := config.Get()

		observability.InitializeLogger(cfg.Logger)
		logger := observability.GetLogger()
		logger.Debug("starting pplx", zap.String("version", Version))

		return nil
	},
}

// Execute runs the root command. It accepts a context from main.go so
// Ctrl-C cancels in-flight streams cleanly.
func Execute(ctx context.Context) error {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if ctx.Err() == nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(versionCmd)
}

// initializeConfig reads in the config file and ENV variables if set.
func initializeConfig() error {
	// Set default values so the app can run with a minimal config.
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PPLX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Explicitly bind the credential variables so they are picked up even
	// without a config file.
	_ = viper.BindEnv("auth.session_token", "PPLX_SESSION_TOKEN", "PPLX_AUTH_SESSION_TOKEN")
	_ = viper.BindEnv("auth.clearance_token", "PPLX_CF_CLEARANCE", "PPLX_AUTH_CLEARANCE_TOKEN")
	_ = viper.BindEnv("auth.csrf_token", "PPLX_CSRF_TOKEN", "PPLX_AUTH_CSRF_TOKEN")
	_ = viper.BindEnv("auth.bearer_token", "PPLX_BEARER_TOKEN", "PPLX_AUTH_BEARER_TOKEN")

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and environment carry it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}
