// Package goble implements the central.Commander command sink on top of
// the go-ble library, converting its callback/return style into the
// event stream consumed by the Coordinator.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattc/internal/central"
	"github.com/srg/gattc/internal/groutine"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	return newDefaultDevice()
}

// EventSink receives the converted protocol events. The Coordinator
// implements it.
type EventSink interface {
	HandleEvent(central.Event)
}

// peripheralConn tracks one live go-ble connection together with the
// live service/characteristic handles needed for follow-up requests.
type peripheralConn struct {
	mu        sync.RWMutex
	client    ble.Client
	services  map[string]*ble.Service
	chars     map[string]*ble.Characteristic
	monitored bool
}

func (pc *peripheralConn) service(uuid string) *ble.Service {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.services[uuid]
}

func (pc *peripheralConn) characteristic(uuid string) *ble.Characteristic {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.chars[uuid]
}

// Adapter bridges the local BLE radio to the Coordinator. Dispatch
// methods return immediately; results arrive asynchronously as events.
type Adapter struct {
	mu         sync.Mutex
	logger     *logrus.Logger
	sink       EventSink
	dev        ble.Device
	scanCancel context.CancelFunc
	dials      map[string]context.CancelFunc
	conns      map[string]*peripheralConn
}

var _ central.Commander = (*Adapter)(nil)

// NewAdapter initializes the local radio and reports the resulting
// adapter state to the sink.
func NewAdapter(sink EventSink, logger *logrus.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logrus.New()
	}

	dev, err := DeviceFactory()
	if err != nil {
		sink.HandleEvent(central.AdapterStateChanged{State: central.AdapterPoweredOff})
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	a := &Adapter{
		logger: logger,
		sink:   sink,
		dev:    dev,
		dials:  make(map[string]context.CancelFunc),
		conns:  make(map[string]*peripheralConn),
	}

	// NewDevice blocks until the radio is usable, so reaching this point
	// means powered on.
	sink.HandleEvent(central.AdapterStateChanged{State: central.AdapterPoweredOn})
	return a, nil
}

// conn returns the live connection for a peripheral, or nil
func (a *Adapter) conn(peripheral string) *peripheralConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[peripheral]
}

// Scan starts advertisement delivery. The filter is applied locally
// since the underlying Scan has no service filter parameter.
func (a *Adapter) Scan(serviceFilter []string, allowDuplicates bool) error {
	filter := make(map[string]struct{}, len(serviceFilter))
	for _, uuid := range serviceFilter {
		filter[central.NormalizeUUID(uuid)] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	if a.scanCancel != nil {
		a.scanCancel()
	}
	a.scanCancel = cancel
	a.mu.Unlock()

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := a.dev.Scan(ctx, allowDuplicates, func(adv ble.Advertisement) {
			if !matchesFilter(adv, filter) {
				return
			}
			a.sink.HandleEvent(convertAdvertisement(adv))
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			a.logger.WithError(err).Warn("Scan terminated with error")
		}
	})
	return nil
}

// StopScan cancels the scan goroutine. Idempotent.
func (a *Adapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	return nil
}

func matchesFilter(adv ble.Advertisement, filter map[string]struct{}) bool {
	if len(filter) == 0 {
		return true
	}
	for _, uuid := range adv.Services() {
		if _, ok := filter[central.NormalizeUUID(uuid.String())]; ok {
			return true
		}
	}
	return false
}

func convertAdvertisement(adv ble.Advertisement) central.DeviceDiscovered {
	data := make(map[string][]byte)
	if md := adv.ManufacturerData(); len(md) > 0 {
		data["manufacturer_data"] = md
	}
	for _, sd := range adv.ServiceData() {
		data["service_data:"+central.NormalizeUUID(sd.UUID.String())] = sd.Data
	}
	if svcs := adv.Services(); len(svcs) > 0 {
		joined := ""
		for i, uuid := range svcs {
			if i > 0 {
				joined += ","
			}
			joined += central.NormalizeUUID(uuid.String())
		}
		data["services"] = []byte(joined)
	}
	if adv.Connectable() {
		data["connectable"] = []byte{1}
	} else {
		data["connectable"] = []byte{0}
	}
	return central.DeviceDiscovered{
		Peripheral:    adv.Addr().String(),
		Name:          adv.LocalName(),
		Advertisement: data,
		RSSI:          adv.RSSI(),
	}
}

// Connect dials the peripheral in the background. Success and failure
// both surface as events.
func (a *Adapter) Connect(peripheral string) error {
	a.mu.Lock()
	if _, ok := a.conns[peripheral]; ok {
		a.mu.Unlock()
		return fmt.Errorf("peripheral %s already connected", peripheral)
	}
	if _, ok := a.dials[peripheral]; ok {
		a.mu.Unlock()
		return fmt.Errorf("connect to %s already in progress", peripheral)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.dials[peripheral] = cancel
	a.mu.Unlock()

	groutine.Go(ctx, "ble-dial", func(ctx context.Context) {
		client, err := ble.Dial(ctx, ble.NewAddr(peripheral))

		a.mu.Lock()
		delete(a.dials, peripheral)
		a.mu.Unlock()

		if err != nil {
			a.sink.HandleEvent(central.ConnectFailed{Peripheral: peripheral, Err: err})
			return
		}

		conn := &peripheralConn{
			client:   client,
			services: make(map[string]*ble.Service),
			chars:    make(map[string]*ble.Characteristic),
		}

		// Monitor the platform disconnect signal where the client
		// exposes one.
		if monitored, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
			conn.monitored = true
			groutine.Go(nil, "ble-disconnect-monitor", func(context.Context) {
				<-monitored.Disconnected()
				a.dropConn(peripheral)
				a.sink.HandleEvent(central.PeripheralDisconnected{Peripheral: peripheral})
			})
		}

		a.mu.Lock()
		a.conns[peripheral] = conn
		a.mu.Unlock()

		a.sink.HandleEvent(central.PeripheralConnected{Peripheral: peripheral})
	})
	return nil
}

func (a *Adapter) dropConn(peripheral string) *peripheralConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn := a.conns[peripheral]
	delete(a.conns, peripheral)
	return conn
}

// CancelConnection aborts an in-progress dial or tears down a live
// connection. The disconnect event comes from the platform monitor when
// present, otherwise it is emitted here.
func (a *Adapter) CancelConnection(peripheral string) error {
	a.mu.Lock()
	if cancel, ok := a.dials[peripheral]; ok {
		cancel()
		delete(a.dials, peripheral)
	}
	conn := a.conns[peripheral]
	delete(a.conns, peripheral)
	a.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.client.CancelConnection()
	if !conn.monitored {
		a.sink.HandleEvent(central.PeripheralDisconnected{Peripheral: peripheral})
	}
	if err != nil {
		return fmt.Errorf("failed to cancel connection to %s: %w", peripheral, err)
	}
	return nil
}

// DiscoverServices requests primary service discovery
func (a *Adapter) DiscoverServices(peripheral string, filter []string) error {
	conn := a.conn(peripheral)
	if conn == nil {
		return fmt.Errorf("peripheral %s is not connected", peripheral)
	}
	uuids, err := parseUUIDs(filter)
	if err != nil {
		return err
	}

	groutine.Go(nil, "ble-discover-services", func(context.Context) {
		services, derr := conn.client.DiscoverServices(uuids)
		if derr != nil {
			a.sink.HandleEvent(central.ServicesDiscovered{Peripheral: peripheral, Err: derr})
			return
		}
		infos := make([]central.ServiceInfo, 0, len(services))
		conn.mu.Lock()
		conn.services = make(map[string]*ble.Service, len(services))
		for _, svc := range services {
			uuid := central.NormalizeUUID(svc.UUID.String())
			conn.services[uuid] = svc
			// DiscoverServices returns primary services only
			infos = append(infos, central.ServiceInfo{UUID: uuid, Primary: true})
		}
		conn.mu.Unlock()
		a.sink.HandleEvent(central.ServicesDiscovered{Peripheral: peripheral, Services: infos})
	})
	return nil
}

// DiscoverCharacteristics requests characteristic discovery for one service
func (a *Adapter) DiscoverCharacteristics(peripheral, service string, filter []string) error {
	conn := a.conn(peripheral)
	if conn == nil {
		return fmt.Errorf("peripheral %s is not connected", peripheral)
	}
	svc := conn.service(central.NormalizeUUID(service))
	if svc == nil {
		return fmt.Errorf("service %s not discovered on %s", service, peripheral)
	}
	uuids, err := parseUUIDs(filter)
	if err != nil {
		return err
	}

	groutine.Go(nil, "ble-discover-characteristics", func(context.Context) {
		chars, derr := conn.client.DiscoverCharacteristics(uuids, svc)
		ev := central.CharacteristicsDiscovered{
			Peripheral: peripheral,
			Service:    central.NormalizeUUID(service),
		}
		if derr != nil {
			ev.Err = derr
			a.sink.HandleEvent(ev)
			return
		}
		infos := make([]central.CharacteristicInfo, 0, len(chars))
		conn.mu.Lock()
		for _, char := range chars {
			uuid := central.NormalizeUUID(char.UUID.String())
			conn.chars[uuid] = char
			infos = append(infos, central.CharacteristicInfo{
				UUID:       uuid,
				Properties: central.Property(char.Property),
			})
		}
		conn.mu.Unlock()
		ev.Characteristics = infos
		a.sink.HandleEvent(ev)
	})
	return nil
}

// ReadCharacteristic requests a characteristic read
func (a *Adapter) ReadCharacteristic(peripheral, characteristic string) error {
	conn := a.conn(peripheral)
	if conn == nil {
		return fmt.Errorf("peripheral %s is not connected", peripheral)
	}
	char := conn.characteristic(central.NormalizeUUID(characteristic))
	if char == nil {
		return fmt.Errorf("characteristic %s not discovered on %s", characteristic, peripheral)
	}

	groutine.Go(nil, "ble-read", func(context.Context) {
		value, rerr := conn.client.ReadCharacteristic(char)
		a.sink.HandleEvent(central.CharacteristicValueUpdated{
			Peripheral:     peripheral,
			Characteristic: central.NormalizeUUID(characteristic),
			Value:          value,
			Err:            rerr,
		})
	})
	return nil
}

// WriteCharacteristic requests a characteristic write. go-ble performs
// the write synchronously, so the acknowledgement event is emitted from
// the dispatch goroutine once the call returns.
func (a *Adapter) WriteCharacteristic(peripheral, characteristic string, data []byte, withResponse bool) error {
	conn := a.conn(peripheral)
	if conn == nil {
		return fmt.Errorf("peripheral %s is not connected", peripheral)
	}
	char := conn.characteristic(central.NormalizeUUID(characteristic))
	if char == nil {
		return fmt.Errorf("characteristic %s not discovered on %s", characteristic, peripheral)
	}

	groutine.Go(nil, "ble-write", func(context.Context) {
		werr := conn.client.WriteCharacteristic(char, data, !withResponse)
		a.sink.HandleEvent(central.CharacteristicWritten{
			Peripheral:     peripheral,
			Characteristic: central.NormalizeUUID(characteristic),
			Err:            werr,
		})
	})
	return nil
}

// SetNotify subscribes to or unsubscribes from characteristic
// notifications. Incoming notification payloads surface as value-updated
// events.
func (a *Adapter) SetNotify(peripheral, characteristic string, enable bool) error {
	conn := a.conn(peripheral)
	if conn == nil {
		return fmt.Errorf("peripheral %s is not connected", peripheral)
	}
	uuid := central.NormalizeUUID(characteristic)
	char := conn.characteristic(uuid)
	if char == nil {
		return fmt.Errorf("characteristic %s not discovered on %s", characteristic, peripheral)
	}

	groutine.Go(nil, "ble-set-notify", func(context.Context) {
		var serr error
		if enable {
			serr = conn.client.Subscribe(char, false, func(data []byte) {
				a.sink.HandleEvent(central.CharacteristicValueUpdated{
					Peripheral:     peripheral,
					Characteristic: uuid,
					Value:          data,
				})
			})
		} else {
			serr = conn.client.Unsubscribe(char, false)
		}
		a.sink.HandleEvent(central.NotifyStateChanged{
			Peripheral:     peripheral,
			Characteristic: uuid,
			Notifying:      enable && serr == nil,
			Err:            serr,
		})
	})
	return nil
}

// Close stops scanning and tears down every connection
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	for id, cancel := range a.dials {
		cancel()
		delete(a.dials, id)
	}
	conns := make(map[string]*peripheralConn, len(a.conns))
	for id, conn := range a.conns {
		conns[id] = conn
		delete(a.conns, id)
	}
	a.mu.Unlock()

	var firstErr error
	for id, conn := range conns {
		if err := conn.client.CancelConnection(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to disconnect %s: %w", id, err)
		}
	}
	return firstErr
}

func parseUUIDs(uuids []string) ([]ble.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	result := make([]ble.UUID, 0, len(uuids))
	for _, u := range uuids {
		parsed, err := ble.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID %q: %w", u, err)
		}
		result = append(result, parsed)
	}
	return result, nil
}
