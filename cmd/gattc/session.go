package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattc/internal/central"
	"github.com/srg/gattc/internal/goble"
	"github.com/srg/gattc/pkg/config"
)

const (
	exampleDeviceAddress = "01234567-89AB-CDEF-0123-456789ABCDEF"
	deviceAddressNote    = "Device address format: 128-bit UUID (macOS) or MAC address (Linux)\n  Examples: 01234567-89AB-CDEF-0123-456789ABCDEF or AA:BB:CC:DD:EE:FF\n  Use 'gattc scan' to discover devices"
)

// validateDeviceAddress accepts either a peripheral UUID (macOS) or a
// MAC address (Linux). Returns the address unchanged on success.
func validateDeviceAddress(address string) (string, error) {
	if _, err := uuid.Parse(address); err == nil {
		return address, nil
	}
	if _, err := net.ParseMAC(address); err == nil {
		return address, nil
	}
	return "", fmt.Errorf("invalid device address %q: expected a peripheral UUID or MAC address", address)
}

// eventRelay forwards adapter events into the coordinator. The adapter
// emits its initial power state during construction, before the
// coordinator exists, so events are buffered until bind is called.
type eventRelay struct {
	mu      sync.Mutex
	coord   *central.Coordinator
	backlog []central.Event
}

func (r *eventRelay) HandleEvent(ev central.Event) {
	r.mu.Lock()
	coord := r.coord
	if coord == nil {
		r.backlog = append(r.backlog, ev)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	coord.HandleEvent(ev)
}

func (r *eventRelay) bind(coord *central.Coordinator) {
	r.mu.Lock()
	r.coord = coord
	backlog := r.backlog
	r.backlog = nil
	r.mu.Unlock()
	for _, ev := range backlog {
		coord.HandleEvent(ev)
	}
}

// session bundles the BLE stack a command operates on.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	adapter *goble.Adapter
	coord   *central.Coordinator
	bridge  *central.Bridge
}

// sessionLogger builds the command logger. --log-level and --verbose
// take precedence; with neither set, a loaded config file supplies the
// level through cfg.NewLogger.
func sessionLogger(cmd *cobra.Command, verboseFlagName string, cfg *config.Config, haveConfig bool) (*logrus.Logger, error) {
	logLevelStr, _ := cmd.Flags().GetString("log-level")
	verbose, _ := cmd.Flags().GetBool(verboseFlagName)
	if haveConfig && logLevelStr == "" && !verbose {
		return cfg.NewLogger(), nil
	}
	return configureLogger(cmd, verboseFlagName)
}

// openSession builds the adapter, coordinator, and bridge from command
// flags and the optional --config file.
func openSession(cmd *cobra.Command, verboseFlagName string) (*session, error) {
	cfg := config.DefaultConfig()
	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	logger, err := sessionLogger(cmd, verboseFlagName, cfg, configPath != "")
	if err != nil {
		return nil, err
	}

	relay := &eventRelay{}
	adapter, err := goble.NewAdapter(relay, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize BLE adapter: %w", err)
	}

	coord := central.NewCoordinator(adapter, cfg.CoordinatorOptions(), logger)
	relay.bind(coord)

	return &session{
		cfg:     cfg,
		logger:  logger,
		adapter: adapter,
		coord:   coord,
		bridge:  central.NewBridge(coord, cfg.BridgeOptions(), logger),
	}, nil
}

func (s *session) Close() {
	s.coord.Close()
	_ = s.adapter.Close()
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nCtrl+C pressed, cancelling...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
