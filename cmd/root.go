package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wysh3/searchrelay/internal/config"
	"github.com/wysh3/searchrelay/internal/observability"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "searchrelay",
	Short:   "searchrelay drives a browser-rendered search service and returns answer text.",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 1. Initialize configuration loading (Viper)
		if err := initializeConfig(); err != nil {
			basicLogger, _ := zap.NewDevelopment()
			basicLogger.Error("Failed to initialize configuration", zap.Error(err))
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}

		// 2. Unmarshal, validate, and store the configuration globally.
		if err := config.Load(viper.GetViper()); err != nil {
			observability.InitializeLogger(config.LoggerConfig{
				Level: "info", Format: "console", ServiceName: "searchrelay",
			})
			return fmt.Errorf("invalid configuration: %w", err)
		}

		// 3. Initialize the logger.
		observability.InitializeLogger(config.Get().Logger)
		observability.GetLogger().Info("Starting searchrelay",
			zap.String("version", Version))
		return nil
	},
}

// Execute runs the root command with a context passed from main.go so
// signal-driven shutdown cancels in-flight work.
func Execute(ctx context.Context) error {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Cancellation during a signal-driven shutdown is expected; don't
		// report it as a failure.
		if ctx.Err() == nil {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default is ./config.yaml)")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// initializeConfig reads in the config file and SEARCHRELAY_* environment
// variables if set.
func initializeConfig() error {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SEARCHRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// The target URL is the one setting operators most often override.
	_ = viper.BindEnv("search.url", "SEARCHRELAY_SEARCH_URL")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; defaults and environment take over.
	}
	return nil
}
