// Package cmd wires the CLI. The root command only parses configuration;
// serve does the actual work.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/sessionscope/internal/config"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "sessionscope",
	Short: "Local observability for AI coding assistant sessions",
	Long: `sessionscope tails the assistant's JSONL session logs, reconstructs
sessions, turns and code changes, computes token and cost metrics, and
serves them over a local REST API with a live event stream.`,
	SilenceUsage: true,
}

func init() {
	SetVersionInfo(version)

	flags := rootCmd.PersistentFlags()
	flags.String("logs-root", "", "root directory of the assistant's session logs")
	flags.String("listen", "", "HTTP listen address")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("debug-log-file", "", "debug log destination (defaults to a temp file)")
	flags.Duration("debounce", 0, "file event debounce interval")
	flags.String("pricing-file", "", "YAML file overriding the built-in model prices")
	flags.String("trace-exporter", "", "span exporter: stdout or otlp (empty disables tracing)")

	config.SetDefaults(viper.GetViper())
	must(viper.BindPFlag(config.KeyLogsRoot, flags.Lookup("logs-root")))
	must(viper.BindPFlag(config.KeyListenAddr, flags.Lookup("listen")))
	must(viper.BindPFlag(config.KeyDebug, flags.Lookup("debug")))
	must(viper.BindPFlag(config.KeyDebugLogFile, flags.Lookup("debug-log-file")))
	must(viper.BindPFlag(config.KeyDebounce, flags.Lookup("debounce")))
	must(viper.BindPFlag(config.KeyPricingFile, flags.Lookup("pricing-file")))
	must(viper.BindPFlag(config.KeyTraceExporter, flags.Lookup("trace-exporter")))

	cobra.OnInitialize(func() {
		config.Setup(viper.GetViper())
	})
}

// SetVersionInfo records the build version on the root command.
func SetVersionInfo(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
