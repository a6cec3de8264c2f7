package central

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discovery(id, name string, rssi int) DeviceDiscovered {
	return DeviceDiscovered{
		Peripheral:    id,
		Name:          name,
		RSSI:          rssi,
		Advertisement: map[string][]byte{"manufacturer_data": {0x4c, 0x00}},
	}
}

func TestRegistryUpsertFirstWins(t *testing.T) {
	reg := NewRegistry()
	t0 := time.Now()

	assert.True(t, reg.upsertDiscovered(discovery("dev-1", "Thermo", -40), t0))

	// Duplicate advertisement only refreshes the last-seen timestamp
	t1 := t0.Add(time.Second)
	assert.False(t, reg.upsertDiscovered(discovery("dev-1", "Renamed", -90), t1))

	dev, ok := reg.DiscoveredDevice("dev-1")
	require.True(t, ok)
	assert.Equal(t, "Thermo", dev.Name)
	assert.Equal(t, -40, dev.RSSI)
	assert.Equal(t, t0, dev.DiscoveredAt)
	assert.Equal(t, t1, dev.LastSeen)
	assert.True(t, reg.IsKnown("dev-1"))
}

func TestRegistrySnapshotIsolation(t *testing.T) {
	reg := NewRegistry()
	reg.upsertDiscovered(discovery("dev-1", "Thermo", -40), time.Now())

	dev, ok := reg.DiscoveredDevice("dev-1")
	require.True(t, ok)
	dev.Advertisement["manufacturer_data"][0] = 0xff

	fresh, _ := reg.DiscoveredDevice("dev-1")
	assert.Equal(t, []byte{0x4c, 0x00}, fresh.Advertisement["manufacturer_data"],
		"mutating a snapshot must not leak into the registry")
}

func TestRegistryConcurrentRefreshAndSnapshot(t *testing.T) {
	reg := NewRegistry()
	t0 := time.Now()
	reg.upsertDiscovered(discovery("dev-1", "Thermo", -40), t0)

	// Duplicate advertisements refresh last-seen while snapshot readers
	// run on other goroutines; fails under -race if the entry is mutated
	// in place.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 500; i++ {
			reg.upsertDiscovered(discovery("dev-1", "Thermo", -40), t0.Add(time.Duration(i)*time.Millisecond))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if len(reg.DiscoveredDevices()) != 1 {
				t.Error("expected exactly one discovered device")
				return
			}
			if _, ok := reg.DiscoveredDevice("dev-1"); !ok {
				t.Error("device missing during concurrent refresh")
				return
			}
		}
	}()
	wg.Wait()

	dev, ok := reg.DiscoveredDevice("dev-1")
	require.True(t, ok)
	assert.Equal(t, "Thermo", dev.Name)
	assert.Equal(t, t0, dev.DiscoveredAt)
	assert.Equal(t, t0.Add(500*time.Millisecond), dev.LastSeen)
}

func TestRegistryResetDiscoveredKeepsKnown(t *testing.T) {
	reg := NewRegistry()
	reg.upsertDiscovered(discovery("dev-1", "Thermo", -40), time.Now())

	reg.resetDiscovered()

	assert.Empty(t, reg.DiscoveredDevices())
	assert.True(t, reg.IsKnown("dev-1"), "reset clears scan results, not identity")
}

func TestRegistryConnectionLifecycle(t *testing.T) {
	reg := NewRegistry()

	reg.markConnected("dev-1")
	assert.True(t, reg.IsConnected("dev-1"))
	assert.True(t, reg.IsKnown("dev-1"))
	assert.Equal(t, []string{"dev-1"}, reg.ConnectedPeripherals())

	reg.setServices("dev-1", []ServiceInfo{{UUID: "180f", Primary: true}})
	require.Len(t, reg.Services("dev-1"), 1)

	reg.markDisconnected("dev-1")
	assert.False(t, reg.IsConnected("dev-1"))
	assert.Nil(t, reg.Services("dev-1"), "profile is dropped with the connection")
}

func TestRegistryDropAllConnections(t *testing.T) {
	reg := NewRegistry()
	reg.markConnected("dev-b")
	reg.markConnected("dev-a")
	reg.setServices("dev-a", []ServiceInfo{{UUID: "180f", Primary: true}})

	dropped := reg.dropAllConnections()
	assert.Equal(t, []string{"dev-a", "dev-b"}, dropped)
	assert.Empty(t, reg.ConnectedPeripherals())
	assert.Nil(t, reg.Services("dev-a"))
}

func TestRegistryProfile(t *testing.T) {
	reg := NewRegistry()
	reg.markConnected("dev-1")
	reg.setServices("dev-1", []ServiceInfo{
		{UUID: "1800", Primary: true},
		{UUID: "0000180F-0000-1000-8000-00805F9B34FB", Primary: true},
	})

	services := reg.Services("dev-1")
	require.Len(t, services, 2)
	assert.Equal(t, "1800", services[0].UUID, "discovery order is preserved")
	assert.Equal(t, "180f", services[1].UUID, "UUIDs are stored normalized")

	ok := reg.setCharacteristics("dev-1", "180f", []CharacteristicInfo{
		{UUID: "2a19", Properties: PropRead | PropNotify},
	})
	require.True(t, ok)
	assert.False(t, reg.setCharacteristics("dev-1", "ffff", nil), "unknown service is rejected")

	char, ok := reg.Characteristic("dev-1", "2A19")
	require.True(t, ok)
	assert.True(t, char.Properties.Readable())
	assert.True(t, char.Properties.Notifiable())
	assert.False(t, char.Properties.Writable())

	require.True(t, reg.setValue("dev-1", "2a19", []byte{0x55}))
	require.True(t, reg.setNotifying("dev-1", "2a19", true))
	char, _ = reg.Characteristic("dev-1", "2a19")
	assert.Equal(t, []byte{0x55}, char.Value)
	assert.True(t, char.Notifying)

	assert.False(t, reg.setValue("dev-1", "beef", nil), "unknown characteristic is rejected")

	// Re-discovery replaces the service list wholesale
	reg.setServices("dev-1", []ServiceInfo{{UUID: "1800", Primary: true}})
	_, ok = reg.Service("dev-1", "180f")
	assert.False(t, ok)
}
