package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <characteristic-uuid>",
	Short: "Read a characteristic value",
	Long: fmt.Sprintf(`Reads data from a BLE characteristic.

Examples:
  # Read Battery Level characteristic
  gattc read %s 2a19

  # Read with service disambiguation
  gattc read %s 2a19 --service 180f

  # Output as hex
  gattc read %s 2a19 --hex

  # Continuously read (polls every second)
  gattc read %s 2a37 --watch 1s

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readHex         bool
	readVerbose     bool
	readWatch       time.Duration
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	readCmd.Flags().BoolVarP(&readVerbose, "verbose", "v", false, "Verbose output")
	readCmd.Flags().DurationVar(&readWatch, "watch", 0, "Continuously read at interval (e.g., 1s, 500ms)")
}

func runRead(cmd *cobra.Command, args []string) error {
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

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	if _, err := connectTo(ctx, sess, address); err != nil {
		return err
	}
	defer func() { _ = sess.bridge.Disconnect(address) }()

	char, err := resolveCharacteristic(ctx, sess, address, args[1], readServiceUUID)
	if err != nil {
		return err
	}

	readOnce := func() error {
		value, err := sess.bridge.Read(ctx, address, char.UUID)
		if err != nil {
			return err
		}
		if readHex {
			fmt.Println(hex.EncodeToString(value))
		} else {
			_, err = os.Stdout.Write(value)
		}
		return err
	}

	if readWatch <= 0 {
		return readOnce()
	}

	ticker := time.NewTicker(readWatch)
	defer ticker.Stop()
	for {
		if err := readOnce(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
