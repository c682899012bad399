package main

import (
	"fmt"
	"os"

	"github.com/miretskiy/nvmesim/internal/logging"
	"github.com/miretskiy/nvmesim/simulator"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "nvmesim",
	Short: "Discrete-event NVMe storage simulator",
	Long: `nvmesim simulates a host storage stack in virtual time: a block layer
with admission control and latency injection, an NVMe driver with queue
rings and PRP lists, and a reference controller model.

Commands:
  run       Run a simulation to completion and print statistics
  serve     Run a simulation and stream progress over HTTP and WebSocket
  config    Print the default configuration as YAML`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(runCmd, serveCmd, configCmd)
}

// loadConfig returns the configuration named by --config, or the defaults.
func loadConfig() (simulator.SimConfig, error) {
	if configPath == "" {
		cfg := simulator.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return simulator.LoadConfig(configPath)
}

func newLogger(cfg simulator.SimConfig) (*logrus.Logger, error) {
	l, err := logging.New(os.Stderr, cfg.Logging)
	if err != nil {
		return nil, err
	}
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	return l, nil
}
