// Package cmd wires the CLI: `calder run` executes one workflow file,
// `calder serve` runs the engine daemon behind the websocket control
// channel.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mfields/calder/internal/config"
	"github.com/mfields/calder/internal/engine"
	"github.com/mfields/calder/internal/log"
	"github.com/mfields/calder/internal/modules"
	"github.com/mfields/calder/internal/tracing"
)

var (
	version  = "dev"
	cfgFile  string
	logFile  string
	logLevel string
	cfg      config.Config
)

var rootCmd = &cobra.Command{
	Use:           "calder",
	Short:         "Node-graph workflow execution engine",
	Long:          `calder executes visual RPA workflow graphs: it walks the node graph, dispatches module executors, and streams telemetry to attached observers.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./"+config.DefaultFileName+")")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"write the engine log to a file instead of stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"minimum engine log level (debug, info, warn, error)")
}

// initRuntime loads configuration and brings logging and tracing up. A
// malformed config file is an operator error and exits with code 1.
func initRuntime(ctx context.Context) func() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "calder: %v\n", err)
		os.Exit(1)
	}

	var closeLog func()
	if logFile != "" {
		closeLog, err = log.Init(logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "calder: %v\n", err)
			os.Exit(1)
		}
	} else {
		log.InitStderr()
		closeLog = func() {}
	}
	log.SetMinLevel(log.ParseLevel(logLevel))

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, version)
	if err != nil {
		log.ErrorErr(log.CatConfig, "tracing setup failed, continuing without", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	return func() {
		_ = shutdownTracing(context.Background())
		closeLog()
	}
}

// newRegistry builds the executor registry with every built-in module.
func newRegistry() *engine.Registry {
	reg := engine.NewRegistry()
	modules.RegisterAll(reg)
	return reg
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
