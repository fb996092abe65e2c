package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bleproxyd/internal/adapter/goble"
	"github.com/srg/bleproxyd/internal/cache"
	"github.com/srg/bleproxyd/internal/config"
	"github.com/srg/bleproxyd/internal/proxy"
	"github.com/srg/bleproxyd/internal/server"
	"github.com/srg/bleproxyd/internal/session"
)

// featureRemoteCaching is the remote_caching bit (value 4) of
// DeviceInfoResp.bluetooth_proxy_feature_flags, advertised only when
// --cache-dir enables internal/cache.
const featureRemoteCaching uint32 = 4

// featureDefault is every other bit the daemon always supports: passive
// scanning (1), active connections (2), pairing (8).
const featureDefault uint32 = 0x0B

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Bluetooth LE proxy daemon",
	Long: `Starts the control server, binds the configured TCP port, and brokers
every connected Home Assistant client's scan, connect, and GATT requests
against the local Bluetooth radio until interrupted.`,
	RunE: runServe,
}

var (
	serveHost           string
	servePort           int
	serveName           string
	serveFriendlyName   string
	servePassword       string
	serveMaxConnections int
	serveBatchMax       int
	serveActiveScan     bool
	serveCacheDir       string
	serveMAC            string
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Address to bind (default 0.0.0.0)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "TCP port to bind (default 6053)")
	serveCmd.Flags().StringVar(&serveName, "name", "", "Device name advertised to clients")
	serveCmd.Flags().StringVar(&serveFriendlyName, "friendly-name", "", "Human-readable name shown in Home Assistant")
	serveCmd.Flags().StringVar(&servePassword, "password", "", "Require this password on Connect")
	serveCmd.Flags().IntVar(&serveMaxConnections, "max-connections", 0, "Maximum simultaneous GATT connections")
	serveCmd.Flags().IntVar(&serveBatchMax, "advertisement-batch-size", 0, "Advertisements per batch before a forced flush")
	serveCmd.Flags().BoolVar(&serveActiveScan, "active-connections", true, "Stored as the active_connections setting; the scan mode itself follows each client's SubscribeBleAds request (turn off with --active-connections=false)")
	serveCmd.Flags().StringVar(&serveCacheDir, "cache-dir", "", "Persist discovered GATT service trees under this directory")
	serveCmd.Flags().StringVar(&serveMAC, "mac", "00:00:00:00:00:00", "Bluetooth MAC address reported in DeviceInfoResp (host stacks rarely expose this portably)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		if err := cfg.LoadYAML(p); err != nil {
			return err
		}
	}
	applyServeFlags(cmd, cfg)

	if err := applyLoggingFlags(cmd, cfg); err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ad, err := goble.New(logger)
	if err != nil {
		return fmt.Errorf("%w: %s", errAdapterUnavailable, err)
	}

	var gattCache *cache.Cache
	flags := featureDefault
	if serveCacheDir != "" {
		gattCache, err = cache.New(serveCacheDir)
		if err != nil {
			return err
		}
		flags |= featureRemoteCaching
	}

	mgr := session.NewManager()
	coord := proxy.New(ad, logger, mgr, cfg.CoordinatorConfig(gattCache))
	coord.Start()
	defer coord.Stop()

	sessCfg := cfg.SessionConfig(fmt.Sprintf("bleproxyd %s", version), serveMAC, flags)
	srv := server.New(cfg.ServerConfig(sessCfg), coord, mgr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		interrupted.Store(true)
		logger.Info("received interrupt, shutting down")
		cancel()
	}()

	banner := color.New(color.FgCyan, color.Bold)
	banner.Fprintf(os.Stderr, "bleproxyd %s listening on %s:%d\n", version, cfg.Host, cfg.Port)

	logger.WithField("port", cfg.Port).Info("bleproxyd starting")
	if err := srv.Serve(ctx); err != nil {
		return err
	}
	if interrupted.Load() {
		return errInterrupted
	}
	return nil
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}
	if cmd.Flags().Changed("name") {
		cfg.Name = serveName
	}
	if cmd.Flags().Changed("friendly-name") {
		cfg.FriendlyName = serveFriendlyName
	}
	if cmd.Flags().Changed("password") {
		cfg.Password = servePassword
	}
	if cmd.Flags().Changed("max-connections") {
		cfg.MaxConnections = serveMaxConnections
	}
	if cmd.Flags().Changed("advertisement-batch-size") {
		cfg.BatchMax = serveBatchMax
	}
	if cmd.Flags().Changed("active-connections") {
		cfg.ActiveScan = serveActiveScan
	}
	if cmd.Flags().Changed("cache-dir") {
		cfg.CacheDir = serveCacheDir
	} else {
		serveCacheDir = cfg.CacheDir
	}
}
