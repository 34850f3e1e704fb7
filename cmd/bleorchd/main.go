package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bleorchd/internal/config"
	"github.com/srg/bleorchd/internal/svc"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd is bleorchd's single command: load configuration from the
// environment, build the component graph, and run until stopped.
var rootCmd = &cobra.Command{
	Use:   "bleorchd",
	Short: "BLE orchestrator daemon",
	Long: `bleorchd multiplexes the local Bluetooth Low Energy scan and connect
adapters across many clients: it scans continuously, caches
advertisements, serializes connect/read/write/subscribe requests through
a priority queue, and recovers the adapters automatically when the radio
wedges.

Clients talk to it over a newline-delimited JSON protocol on a unix
socket (or TCP loopback, via BLE_ORCHESTRATOR_TCP). Configuration is
environment-variable driven; see the BLE_ORCHESTRATOR_* variables.`,
	Version:      formatVersion(version),
	SilenceUsage: true,
	RunE:         run,
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cfg := config.Load()
	if flag, _ := cmd.Flags().GetString("log-level"); flag == "" {
		logger.SetLevel(cfg.LogLevel)
	}

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"socket":  cfg.SocketPath,
	}).Info("starting bleorchd")

	service := svc.New(cfg, logger)
	return service.Run(cmd.Context())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
