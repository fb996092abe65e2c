package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "bleproxyd",
	Short: "ESPHome-compatible Bluetooth LE proxy daemon",
	Long: `bleproxyd exposes the local Bluetooth LE radio over ESPHome's native
API protocol: it advertises nearby peripherals, brokers GATT connections,
and forwards reads/writes/notifications to each connected Home Assistant
client, the way an ESP32 Bluetooth proxy does on the wire.`,
	Version: version,
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to this file instead of stderr")
	rootCmd.PersistentFlags().String("config", "", "YAML config file overlaying the built-in defaults")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bridgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errInterrupted) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		if errors.Is(err, errAdapterUnavailable) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
