package central

// AdapterState represents the power/authorization state of the local BLE adapter.
// It is mutated only by adapter state events delivered to the Coordinator.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterResetting
	AdapterUnsupported
	AdapterUnauthorized
	AdapterPoweredOff
	AdapterPoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case AdapterResetting:
		return "resetting"
	case AdapterUnsupported:
		return "unsupported"
	case AdapterUnauthorized:
		return "unauthorized"
	case AdapterPoweredOff:
		return "powered_off"
	case AdapterPoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// Ready reports whether the adapter can issue radio commands
func (s AdapterState) Ready() bool {
	return s == AdapterPoweredOn
}
