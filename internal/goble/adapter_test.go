package goble

import (
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdvertisement implements ble.Advertisement for conversion tests
type fakeAdvertisement struct {
	addr        string
	name        string
	rssi        int
	mfgData     []byte
	serviceData []ble.ServiceData
	services    []ble.UUID
	connectable bool
}

func (f *fakeAdvertisement) LocalName() string              { return f.name }
func (f *fakeAdvertisement) ManufacturerData() []byte       { return f.mfgData }
func (f *fakeAdvertisement) ServiceData() []ble.ServiceData { return f.serviceData }
func (f *fakeAdvertisement) Services() []ble.UUID           { return f.services }
func (f *fakeAdvertisement) OverflowService() []ble.UUID    { return nil }
func (f *fakeAdvertisement) TxPowerLevel() int              { return 0 }
func (f *fakeAdvertisement) Connectable() bool              { return f.connectable }
func (f *fakeAdvertisement) SolicitedService() []ble.UUID   { return nil }
func (f *fakeAdvertisement) RSSI() int                      { return f.rssi }
func (f *fakeAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(f.addr) }

func TestConvertAdvertisement(t *testing.T) {
	batteryUUID := ble.UUID16(0x180f)
	adv := &fakeAdvertisement{
		addr:        "aa:bb:cc:dd:ee:ff",
		name:        "Thermo",
		rssi:        -42,
		mfgData:     []byte{0x4c, 0x00},
		serviceData: []ble.ServiceData{{UUID: batteryUUID, Data: []byte{0x55}}},
		services:    []ble.UUID{batteryUUID, ble.UUID16(0x180d)},
		connectable: true,
	}

	ev := convertAdvertisement(adv)

	assert.Equal(t, "aa:bb:cc:dd:ee:ff", ev.Peripheral)
	assert.Equal(t, "Thermo", ev.Name)
	assert.Equal(t, -42, ev.RSSI)
	assert.Equal(t, []byte{0x4c, 0x00}, ev.Advertisement["manufacturer_data"])
	assert.Equal(t, []byte{0x55}, ev.Advertisement["service_data:180f"])
	assert.Equal(t, []byte("180f,180d"), ev.Advertisement["services"])
	assert.Equal(t, []byte{1}, ev.Advertisement["connectable"])
}

func TestConvertAdvertisementMinimal(t *testing.T) {
	ev := convertAdvertisement(&fakeAdvertisement{addr: "aa:bb:cc:dd:ee:ff", rssi: -80})

	assert.Empty(t, ev.Name)
	assert.NotContains(t, ev.Advertisement, "manufacturer_data")
	assert.NotContains(t, ev.Advertisement, "services")
	assert.Equal(t, []byte{0}, ev.Advertisement["connectable"])
}

func TestMatchesFilter(t *testing.T) {
	adv := &fakeAdvertisement{services: []ble.UUID{ble.UUID16(0x180f)}}

	assert.True(t, matchesFilter(adv, nil), "empty filter matches everything")
	assert.True(t, matchesFilter(adv, map[string]struct{}{"180f": {}}))
	assert.False(t, matchesFilter(adv, map[string]struct{}{"180d": {}}))
	assert.False(t, matchesFilter(&fakeAdvertisement{}, map[string]struct{}{"180f": {}}))
}

func TestParseUUIDs(t *testing.T) {
	uuids, err := parseUUIDs([]string{"180f", "2a19"})
	require.NoError(t, err)
	require.Len(t, uuids, 2)

	_, err = parseUUIDs([]string{"zzzz"})
	assert.Error(t, err)

	uuids, err = parseUUIDs(nil)
	require.NoError(t, err)
	assert.Nil(t, uuids)
}
