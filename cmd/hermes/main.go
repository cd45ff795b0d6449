// Hermes: sandboxed tool execution and resilient network fetching for OSINT work.
package main

import (
	"fmt"
	"log/slog"
	"os"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hermesosint/hermes/internal/config"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "hermes",
	Short: "Hermes: sandboxed tool execution and resilient fetching for OSINT.",
	Long: `Hermes runs third-party reconnaissance tools inside locked-down containers
or native processes and fetches remote resources through a guarded, rate-limited,
proxy-aware pipeline. Use "hermes serve" to expose both over an HTTP API.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd, fetchCmd, runCmd, proxiesCmd, doctorCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// loadConfig reads the config named by HERMES_CONFIG or --config.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("HERMES_CONFIG", configPath))
}
