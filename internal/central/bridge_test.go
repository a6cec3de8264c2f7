package central

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPeripheral = "dev-1"

// newTestBridge wires a bridge over a coordinator backed by the fake
// transport, with short deadlines so failure paths stay fast.
func newTestBridge(t *testing.T) (*fakeTransport, *Coordinator, *Bridge) {
	t.Helper()
	ft := newFakeTransport()
	coord := NewCoordinator(ft, nil, quietLogger())
	t.Cleanup(coord.Close)
	bridge := NewBridge(coord, &BridgeOptions{
		OperationTimeout: 150 * time.Millisecond,
		ConnectTimeout:   150 * time.Millisecond,
	}, quietLogger())
	coord.SetAdapterState(AdapterPoweredOn)
	return ft, coord, bridge
}

// markKnown seeds the registry the way a finished scan would
func markKnown(coord *Coordinator, id string) {
	coord.reg.upsertDiscovered(discovery(id, "", -40), time.Now())
}

// connectPeripheral scripts a successful connection handshake
func connectPeripheral(t *testing.T, ft *fakeTransport, coord *Coordinator, bridge *Bridge, id string) {
	t.Helper()
	markKnown(coord, id)
	ft.react(func(call string) {
		if call == "connect "+id {
			coord.HandleEvent(PeripheralConnected{Peripheral: id})
		}
	})
	require.NoError(t, bridge.Connect(context.Background(), id))
	ft.react(nil)
}

// seedProfile installs a minimal GATT profile without going through
// discovery: one battery-style service with read/write/notify characteristics.
func seedProfile(coord *Coordinator, id string) {
	coord.reg.setServices(id, []ServiceInfo{{UUID: "180f", Primary: true}})
	coord.reg.setCharacteristics(id, "180f", []CharacteristicInfo{
		{UUID: "2a19", Properties: PropRead | PropNotify},
		{UUID: "ff01", Properties: PropWrite},
		{UUID: "ff02", Properties: PropRead},
	})
}

func TestBridgeConnect(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ft, coord, bridge := newTestBridge(t)
		connectPeripheral(t, ft, coord, bridge, testPeripheral)
		assert.True(t, coord.Registry().IsConnected(testPeripheral))
	})

	t.Run("already connected is a no-op", func(t *testing.T) {
		ft, coord, bridge := newTestBridge(t)
		connectPeripheral(t, ft, coord, bridge, testPeripheral)

		require.NoError(t, bridge.Connect(context.Background(), testPeripheral))
		assert.Equal(t, 1, ft.callCount("connect "+testPeripheral))
	})

	t.Run("unknown peripheral", func(t *testing.T) {
		_, _, bridge := newTestBridge(t)
		err := bridge.Connect(context.Background(), "ghost")
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "peripheral", notFound.Resource)
	})

	t.Run("failure event", func(t *testing.T) {
		ft, coord, bridge := newTestBridge(t)
		markKnown(coord, testPeripheral)
		ft.react(func(call string) {
			if call == "connect "+testPeripheral {
				coord.HandleEvent(ConnectFailed{Peripheral: testPeripheral, Err: errors.New("refused")})
			}
		})

		err := bridge.Connect(context.Background(), testPeripheral)
		assert.True(t, IsCode(err, CodeConnectFailed))
		assert.False(t, coord.Registry().IsConnected(testPeripheral))
	})

	t.Run("timeout cancels the half-open attempt", func(t *testing.T) {
		ft, coord, bridge := newTestBridge(t)
		markKnown(coord, testPeripheral)
		// Transport never answers

		err := bridge.Connect(context.Background(), testPeripheral)
		assert.True(t, IsCode(err, CodeTimeout))
		assert.Eventually(t, func() bool {
			return ft.callCount("cancel "+testPeripheral) == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("context cancellation", func(t *testing.T) {
		_, coord, bridge := newTestBridge(t)
		markKnown(coord, testPeripheral)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		err := bridge.Connect(ctx, testPeripheral)
		assert.True(t, IsCode(err, CodeCancelled))
	})
}

func TestBridgeAdmissionChecks(t *testing.T) {
	_, coord, bridge := newTestBridge(t)
	ctx := context.Background()

	_, err := bridge.DiscoverServices(ctx, testPeripheral, nil)
	assert.True(t, IsCode(err, CodeNotConnected))
	_, err = bridge.Read(ctx, testPeripheral, "2a19")
	assert.True(t, IsCode(err, CodeNotConnected))
	err = bridge.Write(ctx, testPeripheral, "ff01", []byte{1}, true)
	assert.True(t, IsCode(err, CodeNotConnected))
	err = bridge.SetNotify(ctx, testPeripheral, "2a19", true)
	assert.True(t, IsCode(err, CodeNotConnected))

	coord.HandleEvent(PeripheralConnected{Peripheral: testPeripheral})
	seedProfile(coord, testPeripheral)

	_, err = bridge.DiscoverCharacteristics(ctx, testPeripheral, "beef", nil)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "service", notFound.Resource)

	_, err = bridge.Read(ctx, testPeripheral, "beef")
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "characteristic", notFound.Resource)

	_, err = bridge.Read(ctx, testPeripheral, "ff01")
	assert.True(t, IsCode(err, CodeReadFailed), "write-only characteristic is not readable")
	err = bridge.Write(ctx, testPeripheral, "2a19", []byte{1}, true)
	assert.True(t, IsCode(err, CodeWriteFailed), "read-only characteristic is not writable")
	err = bridge.SetNotify(ctx, testPeripheral, "ff02", true)
	assert.True(t, IsCode(err, CodeWriteFailed), "non-notifiable characteristic is rejected")
}

func TestBridgeDiscovery(t *testing.T) {
	ft, coord, bridge := newTestBridge(t)
	connectPeripheral(t, ft, coord, bridge, testPeripheral)
	ctx := context.Background()

	ft.react(func(call string) {
		switch call {
		case "discover_services " + testPeripheral:
			coord.HandleEvent(ServicesDiscovered{
				Peripheral: testPeripheral,
				Services: []ServiceInfo{
					{UUID: "1800", Primary: true},
					{UUID: "180f", Primary: true},
				},
			})
		case "discover_characteristics " + testPeripheral + " 180f":
			coord.HandleEvent(CharacteristicsDiscovered{
				Peripheral: testPeripheral,
				Service:    "180f",
				Characteristics: []CharacteristicInfo{
					{UUID: "2a19", Properties: PropRead | PropNotify},
				},
			})
		}
	})

	services, err := bridge.DiscoverServices(ctx, testPeripheral, nil)
	require.NoError(t, err)
	require.Len(t, services, 2)
	assert.Equal(t, "1800", services[0].UUID)

	chars, err := bridge.DiscoverCharacteristics(ctx, testPeripheral, "180F", nil)
	require.NoError(t, err)
	require.Len(t, chars, 1)
	assert.Equal(t, "2a19", chars[0].UUID)

	t.Run("failure event", func(t *testing.T) {
		ft.react(func(call string) {
			if call == "discover_services "+testPeripheral {
				coord.HandleEvent(ServicesDiscovered{Peripheral: testPeripheral, Err: errors.New("att error")})
			}
		})
		_, err := bridge.DiscoverServices(ctx, testPeripheral, nil)
		assert.True(t, IsCode(err, CodeDiscoveryFailed))
	})
}

func TestBridgeRead(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ft, coord, bridge := newTestBridge(t)
		connectPeripheral(t, ft, coord, bridge, testPeripheral)
		seedProfile(coord, testPeripheral)
		ft.react(func(call string) {
			if call == "read "+testPeripheral+" 2a19" {
				coord.HandleEvent(CharacteristicValueUpdated{
					Peripheral:     testPeripheral,
					Characteristic: "2a19",
					Value:          []byte{0x55},
				})
			}
		})

		value, err := bridge.Read(context.Background(), testPeripheral, "2A19")
		require.NoError(t, err)
		assert.Equal(t, []byte{0x55}, value)

		char, _ := coord.Registry().Characteristic(testPeripheral, "2a19")
		assert.Equal(t, []byte{0x55}, char.Value, "read result is cached")
	})

	t.Run("empty payload is invalid data", func(t *testing.T) {
		ft, coord, bridge := newTestBridge(t)
		connectPeripheral(t, ft, coord, bridge, testPeripheral)
		seedProfile(coord, testPeripheral)
		ft.react(func(call string) {
			if call == "read "+testPeripheral+" 2a19" {
				coord.HandleEvent(CharacteristicValueUpdated{
					Peripheral:     testPeripheral,
					Characteristic: "2a19",
				})
			}
		})

		_, err := bridge.Read(context.Background(), testPeripheral, "2a19")
		assert.True(t, IsCode(err, CodeInvalidData))
	})

	t.Run("synchronous dispatch failure", func(t *testing.T) {
		ft, coord, bridge := newTestBridge(t)
		connectPeripheral(t, ft, coord, bridge, testPeripheral)
		seedProfile(coord, testPeripheral)
		ft.mu.Lock()
		ft.syncErr["read "+testPeripheral+" 2a19"] = errors.New("stack busy")
		ft.mu.Unlock()

		_, err := bridge.Read(context.Background(), testPeripheral, "2a19")
		assert.True(t, IsCode(err, CodeReadFailed))
	})

	t.Run("concurrent reads on distinct characteristics", func(t *testing.T) {
		ft, coord, bridge := newTestBridge(t)
		connectPeripheral(t, ft, coord, bridge, testPeripheral)
		seedProfile(coord, testPeripheral)
		ft.react(func(call string) {
			switch call {
			case "read " + testPeripheral + " 2a19":
				coord.HandleEvent(CharacteristicValueUpdated{
					Peripheral: testPeripheral, Characteristic: "2a19", Value: []byte{0x01},
				})
			case "read " + testPeripheral + " ff02":
				coord.HandleEvent(CharacteristicValueUpdated{
					Peripheral: testPeripheral, Characteristic: "ff02", Value: []byte{0x02},
				})
			}
		})

		var wg sync.WaitGroup
		results := make([][]byte, 2)
		errs := make([]error, 2)
		for i, uuid := range []string{"2a19", "ff02"} {
			i, uuid := i, uuid
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = bridge.Read(context.Background(), testPeripheral, uuid)
			}()
		}
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.Equal(t, []byte{0x01}, results[0])
		assert.Equal(t, []byte{0x02}, results[1], "each operation receives its own payload")
	})

	t.Run("duplicate in-flight key is rejected", func(t *testing.T) {
		ft, coord, bridge := newTestBridge(t)
		connectPeripheral(t, ft, coord, bridge, testPeripheral)
		seedProfile(coord, testPeripheral)

		release := make(chan struct{})
		ft.react(func(call string) {
			if call == "read "+testPeripheral+" 2a19" {
				<-release
				coord.HandleEvent(CharacteristicValueUpdated{
					Peripheral: testPeripheral, Characteristic: "2a19", Value: []byte{0x55},
				})
			}
		})

		firstDone := make(chan error, 1)
		go func() {
			_, err := bridge.Read(context.Background(), testPeripheral, "2a19")
			firstDone <- err
		}()

		assert.Eventually(t, func() bool { return coord.pending.size() == 1 },
			time.Second, time.Millisecond)

		_, err := bridge.Read(context.Background(), testPeripheral, "2a19")
		assert.True(t, IsCode(err, CodeOperationInFlight))

		close(release)
		assert.NoError(t, <-firstDone, "original operation still resolves normally")
	})
}

func TestBridgeWriteAndNotify(t *testing.T) {
	ft, coord, bridge := newTestBridge(t)
	connectPeripheral(t, ft, coord, bridge, testPeripheral)
	seedProfile(coord, testPeripheral)
	ctx := context.Background()

	ft.react(func(call string) {
		switch call {
		case "write " + testPeripheral + " ff01":
			coord.HandleEvent(CharacteristicWritten{Peripheral: testPeripheral, Characteristic: "ff01"})
		case "set_notify " + testPeripheral + " 2a19 true":
			coord.HandleEvent(NotifyStateChanged{
				Peripheral: testPeripheral, Characteristic: "2a19", Notifying: true,
			})
		}
	})

	require.NoError(t, bridge.Write(ctx, testPeripheral, "ff01", []byte("ping"), true))
	require.NoError(t, bridge.SetNotify(ctx, testPeripheral, "2a19", true))

	char, _ := coord.Registry().Characteristic(testPeripheral, "2a19")
	assert.True(t, char.Notifying)
}

func TestBridgeDisconnectCancelsPending(t *testing.T) {
	ft, coord, bridge := newTestBridge(t)
	connectPeripheral(t, ft, coord, bridge, testPeripheral)
	seedProfile(coord, testPeripheral)

	// Transport never answers the read
	readDone := make(chan error, 1)
	go func() {
		_, err := bridge.Read(context.Background(), testPeripheral, "2a19")
		readDone <- err
	}()
	require.Eventually(t, func() bool { return coord.pending.size() == 1 },
		time.Second, time.Millisecond)

	require.NoError(t, bridge.Disconnect(testPeripheral))

	err := <-readDone
	assert.True(t, IsCode(err, CodeCancelled))
	assert.False(t, coord.Registry().IsConnected(testPeripheral))
	assert.Equal(t, 1, ft.callCount("cancel "+testPeripheral))
}

func TestBridgeRecheckAfterRegister(t *testing.T) {
	ft, coord, bridge := newTestBridge(t)
	connectPeripheral(t, ft, coord, bridge, testPeripheral)
	seedProfile(coord, testPeripheral)

	// Disconnect applied after the admission check would have passed but
	// before the entry was registered; the post-register re-check must
	// fail the operation immediately instead of leaving it to time out.
	coord.HandleEvent(PeripheralDisconnected{Peripheral: testPeripheral})

	start := time.Now()
	_, err := bridge.run(context.Background(),
		opKey{peripheral: testPeripheral, kind: OpRead, target: "2a19"},
		10*time.Second, CodeReadFailed,
		func() error {
			t.Error("command must not be issued for a disconnected peripheral")
			return nil
		}, nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeNotConnected))
	assert.Less(t, time.Since(start), time.Second, "must fail fast, not by deadline")
	assert.Equal(t, 0, coord.pending.size())
	assert.Equal(t, 0, ft.callCount("read "+testPeripheral+" 2a19"))
}

func TestBridgeUnsolicitedEventIsIgnored(t *testing.T) {
	_, coord, _ := newTestBridge(t)
	coord.HandleEvent(PeripheralConnected{Peripheral: testPeripheral})
	seedProfile(coord, testPeripheral)

	// A notification with nobody awaiting must not disturb the table,
	// but still lands in the registry cache.
	coord.HandleEvent(CharacteristicValueUpdated{
		Peripheral: testPeripheral, Characteristic: "2a19", Value: []byte{0x42},
	})
	assert.Equal(t, 0, coord.pending.size())
	char, _ := coord.Registry().Characteristic(testPeripheral, "2a19")
	assert.Equal(t, []byte{0x42}, char.Value)
}

func TestBridgeScan(t *testing.T) {
	t.Run("window accumulates devices", func(t *testing.T) {
		ft, coord, bridge := newTestBridge(t)
		ft.react(func(call string) {
			if call == "scan" {
				coord.HandleEvent(discovery("dev-a", "Thermo", -40))
				coord.HandleEvent(discovery("dev-b", "Lock", -60))
			}
		})

		devices, err := bridge.Scan(context.Background(), nil, 50*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, devices, 2)
		assert.Equal(t, "dev-a", devices[0].ID)
		assert.False(t, coord.Scanning(), "window is closed on return")
	})

	t.Run("cancellation ends the window early, not with an error", func(t *testing.T) {
		_, _, bridge := newTestBridge(t)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		devices, err := bridge.Scan(ctx, nil, 5*time.Second)
		require.NoError(t, err)
		assert.Empty(t, devices)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("adapter off", func(t *testing.T) {
		_, coord, bridge := newTestBridge(t)
		coord.SetAdapterState(AdapterPoweredOff)
		_, err := bridge.Scan(context.Background(), nil, 50*time.Millisecond)
		assert.True(t, IsCode(err, CodeAdapterNotReady))
	})
}
