package central

import (
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DiscoveredDevice is an immutable snapshot of one peripheral seen during
// the current scan session.
type DiscoveredDevice struct {
	ID            string
	Name          string
	Advertisement map[string][]byte
	RSSI          int
	DiscoveredAt  time.Time
	LastSeen      time.Time
}

// Characteristic is an immutable snapshot of one GATT characteristic
type Characteristic struct {
	UUID       string
	Properties Property
	Value      []byte
	Notifying  bool
}

// Service is an immutable snapshot of one GATT service together with its
// characteristics in discovery order.
type Service struct {
	UUID            string
	Peripheral      string
	Primary         bool
	Characteristics []Characteristic
}

type charEntry struct {
	props     Property
	value     []byte
	notifying bool
}

type serviceEntry struct {
	primary bool
	chars   *orderedmap.OrderedMap[string, *charEntry]
}

type discoveredEntry struct {
	name          string
	advertisement map[string][]byte
	rssi          int
	discoveredAt  time.Time
	lastSeen      time.Time
}

// Registry holds the discovered and connected peripheral state. Reads are
// safe from any goroutine; all mutations happen on the Coordinator's
// single event-application path.
type Registry struct {
	mu         sync.RWMutex
	discovered *hashmap.Map[string, *discoveredEntry]
	connected  map[string]struct{}
	known      map[string]struct{} // every peripheral ever discovered or connected
	profiles   map[string]*orderedmap.OrderedMap[string, *serviceEntry]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		discovered: hashmap.New[string, *discoveredEntry](),
		connected:  make(map[string]struct{}),
		known:      make(map[string]struct{}),
		profiles:   make(map[string]*orderedmap.OrderedMap[string, *serviceEntry]),
	}
}

// ----------------------------
// Mutations (Coordinator only)
// ----------------------------

// resetDiscovered discards the previous scan session's results
func (r *Registry) resetDiscovered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = hashmap.New[string, *discoveredEntry]()
}

// upsertDiscovered records one advertisement. The first occurrence wins
// for every field except the last-seen timestamp; duplicates only refresh
// that timestamp. Returns true for a newly discovered peripheral.
func (r *Registry) upsertDiscovered(ev DeviceDiscovered, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[ev.Peripheral] = struct{}{}

	if prev, ok := r.discovered.Get(ev.Peripheral); ok {
		// Entries are immutable once published; refresh last-seen by
		// replacing the entry so snapshot readers never observe a
		// partial write.
		next := *prev
		next.lastSeen = now
		r.discovered.Set(ev.Peripheral, &next)
		return false
	}
	adv := make(map[string][]byte, len(ev.Advertisement))
	for k, v := range ev.Advertisement {
		adv[k] = append([]byte(nil), v...)
	}
	entry := &discoveredEntry{
		name:          ev.Name,
		advertisement: adv,
		rssi:          ev.RSSI,
		discoveredAt:  now,
		lastSeen:      now,
	}
	return r.discovered.Insert(ev.Peripheral, entry)
}

func (r *Registry) markConnected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[id] = struct{}{}
	r.connected[id] = struct{}{}
}

// markDisconnected removes the peripheral from the connected set and
// drops its cached GATT profile, which is only meaningful while connected.
func (r *Registry) markDisconnected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connected, id)
	delete(r.profiles, id)
}

// dropAllConnections clears the whole connected set, e.g. on adapter
// power loss. Returns the ids that were connected.
func (r *Registry) dropAllConnections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.connected))
	for id := range r.connected {
		ids = append(ids, id)
		delete(r.profiles, id)
	}
	r.connected = make(map[string]struct{})
	sort.Strings(ids)
	return ids
}

// setServices replaces the peripheral's service list wholesale; there is
// no incremental merge on re-discovery.
func (r *Registry) setServices(id string, infos []ServiceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	services := orderedmap.New[string, *serviceEntry]()
	for _, info := range infos {
		services.Set(NormalizeUUID(info.UUID), &serviceEntry{
			primary: info.Primary,
			chars:   orderedmap.New[string, *charEntry](),
		})
	}
	r.profiles[id] = services
}

// setCharacteristics replaces the characteristic list of one service
// wholesale. Returns false if the service is unknown.
func (r *Registry) setCharacteristics(id, service string, infos []CharacteristicInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	services, ok := r.profiles[id]
	if !ok {
		return false
	}
	svc, ok := services.Get(NormalizeUUID(service))
	if !ok {
		return false
	}
	chars := orderedmap.New[string, *charEntry]()
	for _, info := range infos {
		chars.Set(NormalizeUUID(info.UUID), &charEntry{props: info.Properties})
	}
	svc.chars = chars
	return true
}

// setValue records a read response or notification payload. Returns false
// if the characteristic is unknown.
func (r *Registry) setValue(id, characteristic string, value []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.findChar(id, characteristic)
	if entry == nil {
		return false
	}
	entry.value = append([]byte(nil), value...)
	return true
}

// setNotifying records a notification state change
func (r *Registry) setNotifying(id, characteristic string, notifying bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.findChar(id, characteristic)
	if entry == nil {
		return false
	}
	entry.notifying = notifying
	return true
}

// findChar locates a characteristic across every service of a peripheral.
// Caller must hold r.mu.
func (r *Registry) findChar(id, characteristic string) *charEntry {
	services, ok := r.profiles[id]
	if !ok {
		return nil
	}
	uuid := NormalizeUUID(characteristic)
	for pair := services.Oldest(); pair != nil; pair = pair.Next() {
		if entry, ok := pair.Value.chars.Get(uuid); ok {
			return entry
		}
	}
	return nil
}

// ----------------------------
// Snapshots
// ----------------------------

// DiscoveredDevices returns the current scan session's results sorted by id
func (r *Registry) DiscoveredDevices() []DiscoveredDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := make([]DiscoveredDevice, 0, r.discovered.Len())
	r.discovered.Range(func(id string, entry *discoveredEntry) bool {
		devices = append(devices, snapshotDiscovered(id, entry))
		return true
	})
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// DiscoveredDevice returns the snapshot of one discovered peripheral
func (r *Registry) DiscoveredDevice(id string) (DiscoveredDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.discovered.Get(id)
	if !ok {
		return DiscoveredDevice{}, false
	}
	return snapshotDiscovered(id, entry), true
}

func snapshotDiscovered(id string, entry *discoveredEntry) DiscoveredDevice {
	adv := make(map[string][]byte, len(entry.advertisement))
	for k, v := range entry.advertisement {
		adv[k] = append([]byte(nil), v...)
	}
	return DiscoveredDevice{
		ID:            id,
		Name:          entry.name,
		Advertisement: adv,
		RSSI:          entry.rssi,
		DiscoveredAt:  entry.discoveredAt,
		LastSeen:      entry.lastSeen,
	}
}

// IsConnected reports whether the peripheral is in the connected set
func (r *Registry) IsConnected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connected[id]
	return ok
}

// IsKnown reports whether the peripheral was ever discovered or connected
func (r *Registry) IsKnown(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.known[id]
	return ok
}

// ConnectedPeripherals returns the connected peripheral ids sorted
func (r *Registry) ConnectedPeripherals() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.connected))
	for id := range r.connected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Services returns the cached GATT services of a peripheral in discovery order
func (r *Registry) Services(id string) []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	services, ok := r.profiles[id]
	if !ok {
		return nil
	}
	result := make([]Service, 0, services.Len())
	for pair := services.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, snapshotService(id, pair.Key, pair.Value))
	}
	return result
}

// Service returns one cached service snapshot by UUID
func (r *Registry) Service(id, uuid string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	services, ok := r.profiles[id]
	if !ok {
		return Service{}, false
	}
	normalized := NormalizeUUID(uuid)
	svc, ok := services.Get(normalized)
	if !ok {
		return Service{}, false
	}
	return snapshotService(id, normalized, svc), true
}

// Characteristic returns one cached characteristic snapshot, searching
// every service of the peripheral.
func (r *Registry) Characteristic(id, uuid string) (Characteristic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry := r.findChar(id, uuid)
	if entry == nil {
		return Characteristic{}, false
	}
	return snapshotChar(NormalizeUUID(uuid), entry), true
}

func snapshotService(peripheral, uuid string, svc *serviceEntry) Service {
	chars := make([]Characteristic, 0, svc.chars.Len())
	for pair := svc.chars.Oldest(); pair != nil; pair = pair.Next() {
		chars = append(chars, snapshotChar(pair.Key, pair.Value))
	}
	return Service{
		UUID:            uuid,
		Peripheral:      peripheral,
		Primary:         svc.primary,
		Characteristics: chars,
	}
}

func snapshotChar(uuid string, entry *charEntry) Characteristic {
	return Characteristic{
		UUID:       uuid,
		Properties: entry.props,
		Value:      append([]byte(nil), entry.value...),
		Notifying:  entry.notifying,
	}
}
