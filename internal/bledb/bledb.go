// Package bledb maps Bluetooth SIG assigned numbers to human-readable
// names. UUIDs are matched in normalized short form (lowercase, no
// dashes); full 128-bit UUIDs on the SIG base resolve to their 16-bit
// form before lookup.
package bledb

import "strings"

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID
// (0000xxxx-0000-1000-8000-00805f9b34fb) after normalization.
const sigBaseSuffix = "00001000800000805f9b34fb"

// normalize converts a UUID string to lowercase short form
func normalize(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.Trim(u, "{}")
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// LookupService returns the assigned name of a GATT service UUID, or ""
func LookupService(uuid string) string {
	return serviceNames[normalize(uuid)]
}

// LookupCharacteristic returns the assigned name of a GATT
// characteristic UUID, or ""
func LookupCharacteristic(uuid string) string {
	return characteristicNames[normalize(uuid)]
}

// Lookup returns the assigned name of a UUID of any kind, or ""
func Lookup(uuid string) string {
	u := normalize(uuid)
	if name, ok := serviceNames[u]; ok {
		return name
	}
	return characteristicNames[u]
}

// serviceNames covers the commonly seen GATT services
var serviceNames = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"1802": "Immediate Alert",
	"1803": "Link Loss",
	"1804": "Tx Power",
	"1805": "Current Time",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery",
	"1810": "Blood Pressure",
	"1812": "Human Interface Device",
	"1816": "Cycling Speed and Cadence",
	"1818": "Cycling Power",
	"1819": "Location and Navigation",
	"181a": "Environmental Sensing",
	"181c": "User Data",
	"181d": "Weight Scale",
	"1826": "Fitness Machine",
	"fe59": "Nordic Secure DFU",
	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART",
}

// characteristicNames covers the commonly seen GATT characteristics
var characteristicNames = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a04": "Peripheral Preferred Connection Parameters",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a23": "System ID",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a27": "Hardware Revision String",
	"2a28": "Software Revision String",
	"2a29": "Manufacturer Name String",
	"2a2b": "Current Time",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a4d": "Report",
	"2a6d": "Pressure",
	"2a6e": "Temperature",
	"2a6f": "Humidity",
	"2902": "Client Characteristic Configuration",
	"6e400002b5a3f393e0a9e50e24dcca9e": "Nordic UART TX",
	"6e400003b5a3f393e0a9e50e24dcca9e": "Nordic UART RX",
}
