package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bleproxyd/internal/adapter/goble"
	"github.com/srg/bleproxyd/internal/model"
	"github.com/srg/bleproxyd/internal/ptyio"
)

// bridgeCmd pipes one GATT service's characteristics through a PTY so an
// operator can attach screen/minicom to a live peripheral outside the
// wire protocol. It is built on adapter.Adapter, so it exercises the same
// host stack the daemon uses.
var bridgeCmd = &cobra.Command{
	Use:   "bridge <address> <service-uuid>",
	Short: "Bridge a BLE service's characteristics through a PTY (debug tool)",
	Long: `Connects to a peripheral, opens a PTY, and pipes bytes between the
terminal and the named GATT service: bytes typed into the PTY go out as
writes to every writable characteristic, and every notification/indication
is written back to the PTY. Characteristics are never read.

This is operator tooling, not part of the wire protocol the control
server speaks; it exists for debugging a peripheral with screen or
minicom attached to the PTY bleproxyd creates.`,
	Args: cobra.ExactArgs(2),
	RunE: runBridge,
}

var bridgeConnectTimeout time.Duration

func init() {
	bridgeCmd.Flags().DurationVar(&bridgeConnectTimeout, "connect-timeout", 20*time.Second, "Connection timeout")
}

func runBridge(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	if logLevel == "" {
		logLevel = "info"
	}
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %s", logLevel)
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	cmd.SilenceUsage = true

	addr, err := model.ParseAddress(args[0])
	if err != nil {
		return err
	}
	serviceUUID := model.UUID(args[1])

	ad, err := goble.New(logger)
	if err != nil {
		return fmt.Errorf("%w: %s", errAdapterUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var interrupted bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		interrupted = true
		logger.Info("received interrupt, closing bridge")
		cancel()
	}()

	logger.WithField("address", addr).Info("connecting to peripheral")
	h, err := ad.Connect(ctx, addr, model.AddressPublic, bridgeConnectTimeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer ad.Disconnect(h)

	services, err := ad.DiscoverServices(h)
	if err != nil {
		return fmt.Errorf("discover services on %s: %w", addr, err)
	}
	var svc *model.Service
	for _, s := range services {
		if s.UUID == serviceUUID {
			svc = s
			break
		}
	}
	if svc == nil {
		return fmt.Errorf("service %s not found on %s", serviceUUID, addr)
	}

	pty, err := ptyio.NewPty(4096, 4096, logger)
	if err != nil {
		return fmt.Errorf("create PTY: %w", err)
	}
	defer pty.Close()

	type writeTarget struct {
		handle       model.Handle
		withResponse bool
	}
	var writable []writeTarget
	for pair := svc.Characteristics.Oldest(); pair != nil; pair = pair.Next() {
		ch := pair.Value
		if ch.Properties&model.PropWrite != 0 {
			writable = append(writable, writeTarget{handle: ch.Handle, withResponse: true})
		} else if ch.Properties&model.PropWriteWithoutResp != 0 {
			writable = append(writable, writeTarget{handle: ch.Handle, withResponse: false})
		}
		if ch.Properties&(model.PropNotify|model.PropIndicate) != 0 {
			handle := ch.Handle
			if err := ad.SubscribeNotify(h, handle, func(data []byte) {
				if _, werr := pty.Write(data); werr != nil {
					logger.WithError(werr).Warn("failed to forward notification to PTY")
				}
			}); err != nil {
				logger.WithError(err).WithField("handle", handle).Warn("failed to subscribe to characteristic")
			}
		}
	}

	fmt.Printf("\n=== BLE-PTY Bridge Active ===\n")
	fmt.Printf("Device:  %s\n", addr)
	fmt.Printf("Service: %s\n", serviceUUID)
	fmt.Printf("PTY:     %s\n", pty.TTYName())
	fmt.Printf("\nConnect your application to %s. Press Ctrl+C to stop.\n\n", pty.TTYName())

	pty.SetReadCallback(func(data []byte) {
		for _, target := range writable {
			if err := ad.WriteCharacteristic(h, target.handle, data, target.withResponse); err != nil {
				logger.WithError(err).WithField("handle", target.handle).Warn("failed to write PTY input to characteristic")
			}
		}
	})

	<-ctx.Done()
	if interrupted {
		return errInterrupted
	}
	return nil
}

