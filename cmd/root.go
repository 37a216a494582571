// Package cmd holds the clusterd command line. Every option can also be set
// through the environment, with dashes replaced by underscores
// (LOG_LEVEL, SESSION_TIMEOUT), or through a config file.
package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nemosupremo/brokercluster/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	options := []cliArgs{
		{"config", "", "Config file (json, yaml or toml). Flags and environment take precedence."},
		{"log-level", "info", "Logging level."},
		{"log-format", "text", "Log output format, text or json."},
	}
	for _, option := range options {
		viper.SetDefault(option.Name, option.Default)
		rootCmd.PersistentFlags().String(option.Name, viper.GetString(option.Name), option.Description)
		viper.BindPFlag(option.Name, rootCmd.PersistentFlags().Lookup(option.Name))
	}
}

var rootCmd = &cobra.Command{
	Use:               "clusterd [command]",
	Short:             "Broker cluster membership node.",
	PersistentPreRunE: Setup,
	SilenceUsage:      true,
}

// Setup loads the config file, if any, and configures logrus before a
// command runs.
func Setup(cmd *cobra.Command, args []string) error {
	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("Failed to read config %v: %v", file, err)
		}
	}

	if l, err := logrus.ParseLevel(viper.GetString("log-level")); err == nil {
		logrus.SetLevel(l)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
		logrus.Warnf("Unknown log level %q, using info", viper.GetString("log-level"))
	}

	f, err := newFormatter(viper.GetString("log-format"))
	if err != nil {
		return err
	}
	logrus.SetFormatter(f)
	return nil
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return &logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true}, nil
	case "json":
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}, nil
	}
	return nil, fmt.Errorf("Invalid log format %q, expected text or json.", format)
}

// Execute runs clusterd, stamping version into the CLI and build info metric.
func Execute(version string) {
	rootCmd.Version = version
	telemetry.SetBuildInfo(version)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
