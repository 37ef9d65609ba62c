// File: cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/internal/config"
	"github.com/kestrelvault/kestrel/internal/observability"
)

// Version is stamped at build time.
var Version = "1.0.0"

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "kestrel",
	Short:   "Kestrel is the background worker of the Kestrel vault clients.",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initializeConfig(); err != nil {
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}

		loaded, err := config.Load(viper.GetViper())
		if err != nil {
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "kestrel"})
			return err
		}
		if err := loaded.Validate(); err != nil {
			observability.InitializeLogger(loaded.Logger)
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded

		if cfg.Worker.Version == "" {
			cfg.Worker.Version = Version
		}
		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Info("Starting kestrel worker", zap.String("version", Version))
		return nil
	},
}

// Execute runs the root command with the context passed from main.go for
// graceful shutdown.
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
	rootCmd.AddCommand(runCmd)
}

// initializeConfig reads in config file and ENV variables if set.
func initializeConfig() error {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("KESTREL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Explicit bindings for the settings most often injected at deploy time.
	_ = viper.BindEnv("postgres.url", "KESTREL_POSTGRES_URL")
	_ = viper.BindEnv("api.base_url", "KESTREL_API_BASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, proceed with defaults and environment.
	}
	return nil
}
