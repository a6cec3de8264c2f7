package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <characteristic-uuid> [data]",
	Short: "Write a value to a characteristic",
	Long: fmt.Sprintf(`Writes data to a BLE characteristic.

Data is taken from the third argument, or from stdin when omitted.

Examples:
  # Write a string
  gattc write %s ff01 "hello"

  # Write hex bytes
  gattc write %s ff01 FF01AB --hex

  # Write without response (fire and forget)
  gattc write %s ff01 "hello" --no-response

  # Write from stdin
  echo -n "payload" | gattc write %s ff01

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.RangeArgs(2, 3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeHex         bool
	writeNoResponse  bool
	writeVerbose     bool
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Interpret data as a hex string (e.g., 'FF01')")
	writeCmd.Flags().BoolVar(&writeNoResponse, "no-response", false, "Write without response (no acknowledgement)")
	writeCmd.Flags().BoolVarP(&writeVerbose, "verbose", "v", false, "Verbose output")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, err := validateDeviceAddress(args[0])
	if err != nil {
		return err
	}

	var data []byte
	if len(args) == 3 {
		data = []byte(args[2])
	} else {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read data from stdin: %w", err)
		}
	}
	if writeHex {
		cleaned := strings.ReplaceAll(strings.TrimSpace(string(data)), " ", "")
		data, err = hex.DecodeString(cleaned)
		if err != nil {
			return fmt.Errorf("invalid hex data: %w", err)
		}
	}
	if len(data) == 0 {
		return fmt.Errorf("no data to write")
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

	char, err := resolveCharacteristic(ctx, sess, address, args[1], writeServiceUUID)
	if err != nil {
		return err
	}

	if err := sess.bridge.Write(ctx, address, char.UUID, data, !writeNoResponse); err != nil {
		return err
	}
	fmt.Printf("Wrote %d byte(s)\n", len(data))
	return nil
}
