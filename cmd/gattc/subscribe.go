package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/gattc/internal/central"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> <characteristic-uuid>",
	Short: "Subscribe to characteristic notifications",
	Long: fmt.Sprintf(`Subscribes to BLE characteristic notifications and outputs received data
until interrupted with Ctrl+C or the --duration elapses.

Examples:
  # Subscribe to Heart Rate Measurement
  gattc subscribe %s 2a37

  # Subscribe with service disambiguation, hex output
  gattc subscribe %s 2a37 --service 180d --hex

  # Stop after 30 seconds
  gattc subscribe %s 2a37 --duration 30s

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runSubscribe,
}

var (
	subscribeServiceUUID string
	subscribeHex         bool
	subscribeVerbose     bool
	subscribeDuration    time.Duration
)

func init() {
	subscribeCmd.Flags().StringVar(&subscribeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as hex string; raw bytes by default")
	subscribeCmd.Flags().BoolVarP(&subscribeVerbose, "verbose", "v", false, "Verbose output")
	subscribeCmd.Flags().DurationVar(&subscribeDuration, "duration", 0, "Stop after this duration (0 to run until Ctrl+C)")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address, err := validateDeviceAddress(args[0])
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	sess, err := openSession(cmd, "verbose")
	if err != nil {
		return err
	}
	defer sess.Close()

	baseCtx := context.Background()
	if subscribeDuration > 0 {
		var cancel context.CancelFunc
		baseCtx, cancel = context.WithTimeout(baseCtx, subscribeDuration)
		defer cancel()
	}
	ctx, cancel := signalContext(baseCtx)
	defer cancel()

	if _, err := connectTo(ctx, sess, address); err != nil {
		return err
	}
	defer func() { _ = sess.bridge.Disconnect(address) }()

	char, err := resolveCharacteristic(ctx, sess, address, args[1], subscribeServiceUUID)
	if err != nil {
		return err
	}

	if err := sess.bridge.SetNotify(ctx, address, char.UUID, true); err != nil {
		return err
	}
	defer func() {
		// Best-effort unsubscribe with a fresh context; ctx is usually
		// cancelled by the time we get here.
		offCtx, offCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer offCancel()
		_ = sess.bridge.SetNotify(offCtx, address, char.UUID, false)
	}()

	fmt.Fprintf(os.Stderr, "Subscribed to %s, waiting for notifications (Ctrl+C to stop)...\n", central.ShortenUUID(char.UUID))

	events := sess.coord.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case central.CharacteristicValueUpdated:
				if e.Peripheral != address || e.Characteristic != char.UUID {
					continue
				}
				if e.Err != nil {
					return fmt.Errorf("notification error: %w", e.Err)
				}
				printNotification(e.Value, subscribeHex)
			case central.PeripheralDisconnected:
				if e.Peripheral == address {
					return fmt.Errorf("connection lost")
				}
			}
		}
	}
}

func printNotification(value []byte, asHex bool) {
	timestamp := time.Now().Format("15:04:05.000")
	if asHex {
		fmt.Printf("[%s] %s\n", timestamp, hex.EncodeToString(value))
		return
	}
	fmt.Printf("[%s] %s\n", timestamp, string(value))
}
