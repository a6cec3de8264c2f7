package central

// Property is a bitmask of BLE characteristic property flags.
// Values match the GATT characteristic properties field layout.
type Property uint8

const (
	PropBroadcast            Property = 0x01
	PropRead                 Property = 0x02
	PropWriteWithoutResponse Property = 0x04
	PropWrite                Property = 0x08
	PropNotify               Property = 0x10
	PropIndicate             Property = 0x20
	PropAuthSignedWrite      Property = 0x40
	PropExtended             Property = 0x80
)

// Readable reports whether the characteristic supports reads
func (p Property) Readable() bool { return p&PropRead != 0 }

// Writable reports whether the characteristic supports writes,
// with or without response
func (p Property) Writable() bool {
	return p&(PropWrite|PropWriteWithoutResponse) != 0
}

// Notifiable reports whether the characteristic supports notifications or indications
func (p Property) Notifiable() bool { return p&(PropNotify|PropIndicate) != 0 }

// ServiceInfo describes one service as reported by the transport
type ServiceInfo struct {
	UUID    string
	Primary bool
}

// CharacteristicInfo describes one characteristic as reported by the transport
type CharacteristicInfo struct {
	UUID       string
	Properties Property
}

// Event is the tagged union of everything the transport pushes at the
// Coordinator. Each concrete variant is a small value struct; dispatch
// happens in a single switch inside Coordinator.HandleEvent.
type Event interface {
	isEvent()
}

// AdapterStateChanged reports a local adapter power/authorization transition
type AdapterStateChanged struct {
	State AdapterState
}

// DeviceDiscovered reports one advertisement received during scanning
type DeviceDiscovered struct {
	Peripheral    string
	Name          string
	Advertisement map[string][]byte // opaque advertisement key/value pairs
	RSSI          int
}

// PeripheralConnected reports a successful connection establishment
type PeripheralConnected struct {
	Peripheral string
}

// PeripheralDisconnected reports a connection teardown, expected or not.
// Err is nil for an expected disconnect.
type PeripheralDisconnected struct {
	Peripheral string
	Err        error
}

// ConnectFailed reports a failed connection attempt
type ConnectFailed struct {
	Peripheral string
	Err        error
}

// ServicesDiscovered carries the result of a service discovery request
type ServicesDiscovered struct {
	Peripheral string
	Services   []ServiceInfo
	Err        error
}

// CharacteristicsDiscovered carries the result of a characteristic
// discovery request against one service
type CharacteristicsDiscovered struct {
	Peripheral      string
	Service         string
	Characteristics []CharacteristicInfo
	Err             error
}

// CharacteristicValueUpdated carries a read response or an incoming notification
type CharacteristicValueUpdated struct {
	Peripheral     string
	Characteristic string
	Value          []byte
	Err            error
}

// CharacteristicWritten acknowledges a characteristic write
type CharacteristicWritten struct {
	Peripheral     string
	Characteristic string
	Err            error
}

// NotifyStateChanged reports a change of the notification state of a characteristic
type NotifyStateChanged struct {
	Peripheral     string
	Characteristic string
	Notifying      bool
	Err            error
}

func (AdapterStateChanged) isEvent()        {}
func (DeviceDiscovered) isEvent()           {}
func (PeripheralConnected) isEvent()        {}
func (PeripheralDisconnected) isEvent()     {}
func (ConnectFailed) isEvent()              {}
func (ServicesDiscovered) isEvent()         {}
func (CharacteristicsDiscovered) isEvent()  {}
func (CharacteristicValueUpdated) isEvent() {}
func (CharacteristicWritten) isEvent()      {}
func (NotifyStateChanged) isEvent()         {}

// Commander is the command sink exposed by the transport. Calls dispatch
// the underlying radio command and return only dispatch failures; results
// arrive later as Events.
type Commander interface {
	Scan(serviceFilter []string, allowDuplicates bool) error
	StopScan() error
	Connect(peripheral string) error
	CancelConnection(peripheral string) error
	DiscoverServices(peripheral string, filter []string) error
	DiscoverCharacteristics(peripheral, service string, filter []string) error
	ReadCharacteristic(peripheral, characteristic string) error
	WriteCharacteristic(peripheral, characteristic string, data []byte, withResponse bool) error
	SetNotify(peripheral, characteristic string, enable bool) error
}
