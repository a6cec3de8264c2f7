package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/gattc/internal/central"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

This command will scan for BLE devices and display information about
discovered devices, including their names, addresses, RSSI values, and
advertised services.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanServices []string
	scanVerbose  bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
	scanCmd.Flags().BoolVarP(&scanVerbose, "verbose", "v", false, "Verbose output")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	var serviceUUIDs []string
	if len(scanServices) > 0 {
		var err error
		serviceUUIDs, err = central.ValidateUUID(scanServices...)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	sess, err := openSession(cmd, "verbose")
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	duration := scanWindow(cmd.Flags().Changed("duration"), scanDuration, sess.cfg.ScanTimeout)

	devices, err := sess.bridge.Scan(ctx, serviceUUIDs, duration)
	if err != nil {
		return err
	}

	return displayDevices(devices, scanFormat)
}

// scanWindow picks the scan duration: an explicit --duration wins over
// the configured scan_timeout, and zero means scan until interrupted.
func scanWindow(explicit bool, flagValue, configValue time.Duration) time.Duration {
	d := configValue
	if explicit {
		d = flagValue
	}
	if d == 0 {
		return 24 * time.Hour
	}
	return d
}

func displayDevices(devices []central.DiscoveredDevice, format string) error {
	if format == "json" {
		type jsonDevice struct {
			Address  string   `json:"address"`
			Name     string   `json:"name,omitempty"`
			RSSI     int      `json:"rssi"`
			Services []string `json:"services,omitempty"`
			LastSeen string   `json:"last_seen"`
		}
		out := make([]jsonDevice, 0, len(devices))
		for _, d := range devices {
			out = append(out, jsonDevice{
				Address:  d.ID,
				Name:     d.Name,
				RSSI:     d.RSSI,
				Services: advertisedServices(d),
				LastSeen: d.LastSeen.Format(time.RFC3339),
			})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tSERVICES\tLAST SEEN")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			d.ID, name, d.RSSI,
			strings.Join(advertisedServices(d), ","),
			d.LastSeen.Format("15:04:05"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nFound %d device(s)\n", len(devices))
	return nil
}

func advertisedServices(d central.DiscoveredDevice) []string {
	raw, ok := d.Advertisement["services"]
	if !ok || len(raw) == 0 {
		return nil
	}
	return strings.Split(string(raw), ",")
}
