package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/gattc/internal/bledb"
	"github.com/srg/gattc/internal/central"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect services and characteristics of a BLE device",
	Long: fmt.Sprintf(`Connects to a BLE device by address and discovers its services and
characteristics. Attempts to read characteristic values when possible.

Examples:
  # Inspect all services
  gattc inspect %s

  # Inspect a single service
  gattc inspect %s --service 180f

  # Output as JSON, skip value reads
  gattc inspect %s --json --read-limit 0

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectServiceUUID string
	inspectVerbose     bool
	inspectJSON        bool
	inspectReadLimit   int
)

func init() {
	inspectCmd.Flags().StringVar(&inspectServiceUUID, "service", "", "Inspect a single service UUID")
	inspectCmd.Flags().BoolVarP(&inspectVerbose, "verbose", "v", false, "Verbose output")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	inspectCmd.Flags().IntVar(&inspectReadLimit, "read-limit", 64, "Max bytes to read from readable characteristics (0 to disable reads)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	address, err := validateDeviceAddress(args[0])
	if err != nil {
		return err
	}

	var serviceFilter []string
	if inspectServiceUUID != "" {
		serviceFilter, err = central.ValidateUUID(inspectServiceUUID)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	cmd.SilenceUsage = true

	sess, err := openSession(cmd, "verbose")
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	device, err := connectTo(ctx, sess, address)
	if err != nil {
		return err
	}
	defer func() { _ = sess.bridge.Disconnect(address) }()

	services, err := sess.bridge.DiscoverServices(ctx, address, serviceFilter)
	if err != nil {
		return fmt.Errorf("service discovery failed: %w", err)
	}

	type charReport struct {
		UUID       string `json:"uuid"`
		Name       string `json:"name,omitempty"`
		Properties string `json:"properties"`
		Value      string `json:"value,omitempty"`
	}
	type serviceReport struct {
		UUID            string       `json:"uuid"`
		Name            string       `json:"name,omitempty"`
		Primary         bool         `json:"primary"`
		Characteristics []charReport `json:"characteristics"`
	}

	report := make([]serviceReport, 0, len(services))
	for _, svc := range services {
		chars, err := sess.bridge.DiscoverCharacteristics(ctx, address, svc.UUID, nil)
		if err != nil {
			return fmt.Errorf("characteristic discovery failed for service %s: %w", central.ShortenUUID(svc.UUID), err)
		}

		sr := serviceReport{UUID: svc.UUID, Name: bledb.LookupService(svc.UUID), Primary: svc.Primary}
		for _, ch := range chars {
			cr := charReport{
				UUID:       ch.UUID,
				Name:       bledb.LookupCharacteristic(ch.UUID),
				Properties: propertyNames(ch.Properties),
			}
			if inspectReadLimit > 0 && ch.Properties.Readable() {
				if value, err := sess.bridge.Read(ctx, address, ch.UUID); err == nil {
					if len(value) > inspectReadLimit {
						value = value[:inspectReadLimit]
					}
					cr.Value = hex.EncodeToString(value)
				}
			}
			sr.Characteristics = append(sr.Characteristics, cr)
		}
		report = append(report, sr)
	}

	if inspectJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	heading := color.New(color.FgCyan, color.Bold)
	uuidColor := color.New(color.FgGreen)
	dim := color.New(color.Faint)

	name := device.Name
	if name == "" {
		name = "(unknown)"
	}
	heading.Printf("%s  %s\n", address, name)
	for _, sr := range report {
		kind := "primary"
		if !sr.Primary {
			kind = "secondary"
		}
		line := fmt.Sprintf("└─ service %s %s", uuidColor.Sprint(sr.UUID), dim.Sprint(kind))
		if sr.Name != "" {
			line += " " + sr.Name
		}
		fmt.Println(line)
		for _, cr := range sr.Characteristics {
			line := fmt.Sprintf("   └─ char %s [%s]", uuidColor.Sprint(cr.UUID), cr.Properties)
			if cr.Name != "" {
				line += " " + cr.Name
			}
			if cr.Value != "" {
				line += " " + dim.Sprintf("value=%s", cr.Value)
			}
			fmt.Println(line)
		}
	}
	return nil
}

// connectTo connects and returns the discovered-device snapshot. A device
// that was never scanned gets a short discovery pass first so that the
// registry knows it.
func connectTo(ctx context.Context, sess *session, address string) (central.DiscoveredDevice, error) {
	if _, ok := sess.coord.Registry().DiscoveredDevice(address); !ok {
		if _, err := sess.bridge.Scan(ctx, nil, sess.cfg.ScanTimeout); err != nil {
			return central.DiscoveredDevice{}, err
		}
	}
	if err := sess.bridge.Connect(ctx, address); err != nil {
		return central.DiscoveredDevice{}, err
	}
	device, _ := sess.coord.Registry().DiscoveredDevice(address)
	return device, nil
}

func propertyNames(p central.Property) string {
	var names []string
	for _, item := range []struct {
		flag central.Property
		name string
	}{
		{central.PropBroadcast, "broadcast"},
		{central.PropRead, "read"},
		{central.PropWriteWithoutResponse, "write-no-rsp"},
		{central.PropWrite, "write"},
		{central.PropNotify, "notify"},
		{central.PropIndicate, "indicate"},
		{central.PropAuthSignedWrite, "auth-write"},
		{central.PropExtended, "extended"},
	} {
		if p&item.flag != 0 {
			names = append(names, item.name)
		}
	}
	return strings.Join(names, ",")
}
