package central

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultEventBuffer is the default capacity of the observer event channel
const DefaultEventBuffer = 128

// CoordinatorOptions configures a Coordinator
type CoordinatorOptions struct {
	EventBuffer int
}

// DefaultCoordinatorOptions returns sensible defaults
func DefaultCoordinatorOptions() *CoordinatorOptions {
	return &CoordinatorOptions{EventBuffer: DefaultEventBuffer}
}

// Coordinator owns the adapter power state, the device registry and the
// pending operation table. Every transport event funnels through
// HandleEvent, the single serialized application path: registry mutation
// first, then observer forwarding, then pending-table routing. An
// observer that reads the registry after receiving an event therefore
// always sees the mutation that triggered it.
type Coordinator struct {
	mu      sync.Mutex
	logger  *logrus.Logger
	cmd     Commander
	reg     *Registry
	pending *pendingTable
	state   AdapterState
	session *scanSession
	events  *ringChannel[Event]
}

// NewCoordinator creates a coordinator issuing commands through cmd
func NewCoordinator(cmd Commander, opts *CoordinatorOptions, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultCoordinatorOptions()
	}
	return &Coordinator{
		logger:  logger,
		cmd:     cmd,
		reg:     NewRegistry(),
		pending: newPendingTable(logger),
		events:  newRingChannel[Event](opts.EventBuffer),
	}
}

// Registry exposes read access to the device registry
func (c *Coordinator) Registry() *Registry {
	return c.reg
}

// Events returns the observer channel. Delivery is best-effort with
// overwrite-oldest semantics; a slow consumer never blocks the event path.
func (c *Coordinator) Events() <-chan Event {
	return c.events.C()
}

// AdapterState returns the last reported adapter state
func (c *Coordinator) AdapterState() AdapterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Scanning reports whether a scan session is currently open
func (c *Coordinator) Scanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.active.Load()
}

// SetAdapterState feeds an adapter state transition through the normal
// event path.
func (c *Coordinator) SetAdapterState(state AdapterState) {
	c.HandleEvent(AdapterStateChanged{State: state})
}

// StartScan opens a new scan session. It fails unless the adapter is
// powered on. Any previous session is stopped first and its results are
// discarded; when timeout is positive an automatic stop is scheduled.
func (c *Coordinator) StartScan(serviceFilter []string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Ready() {
		return opErrf(CodeAdapterNotReady, "adapter is %s", c.state)
	}

	c.stopSessionLocked()
	c.reg.resetDiscovered()

	session := newScanSession(serviceFilter, time.Now())
	c.session = session

	if err := c.cmd.Scan(session.filter, false); err != nil {
		session.close()
		c.session = nil
		return fmt.Errorf("failed to start scan: %w", err)
	}

	if timeout > 0 {
		session.stopTimer = time.AfterFunc(timeout, func() {
			c.stopSession(session)
		})
	}

	c.logger.WithFields(logrus.Fields{
		"filter":  session.filter,
		"timeout": timeout,
	}).Info("Scan session started")
	return nil
}

// StopScan closes the active scan session. Idempotent.
func (c *Coordinator) StopScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopSessionLocked()
}

// stopSession closes a specific session, used by the auto-stop timer so
// a stale timer cannot touch a newer session.
func (c *Coordinator) stopSession(session *scanSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != session {
		return
	}
	c.stopSessionLocked()
}

// stopSessionLocked closes the current session. Caller must hold c.mu.
func (c *Coordinator) stopSessionLocked() {
	session := c.session
	if session == nil {
		return
	}
	c.session = nil
	if !session.close() {
		return
	}
	if err := c.cmd.StopScan(); err != nil {
		c.logger.WithError(err).Warn("Failed to stop scan")
	}
	c.logger.WithField("duration", time.Since(session.startedAt)).Info("Scan session stopped")
}

// HandleEvent applies one transport event. It never blocks: registry
// mutations are in-memory, observer forwarding drops the oldest entry
// when full, and pending resolutions write into buffered slots.
func (c *Coordinator) HandleEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := ev.(type) {
	case AdapterStateChanged:
		c.applyAdapterState(e)
	case DeviceDiscovered:
		c.applyDiscovery(e)
	case PeripheralConnected:
		c.reg.markConnected(e.Peripheral)
		c.forward(ev)
		c.pending.resolve(opKey{peripheral: e.Peripheral, kind: OpConnect}, opResult{})
	case ConnectFailed:
		c.forward(ev)
		c.pending.resolve(opKey{peripheral: e.Peripheral, kind: OpConnect},
			opResult{err: opErr(CodeConnectFailed, e.Err)})
	case PeripheralDisconnected:
		c.reg.markDisconnected(e.Peripheral)
		c.forward(ev)
		n := c.pending.failPeripheral(e.Peripheral,
			opErr(CodeConnectFailed, e.Err),
			opErr(CodeCancelled, e.Err))
		if n > 0 {
			c.logger.WithFields(logrus.Fields{
				"peripheral": e.Peripheral,
				"cancelled":  n,
			}).Debug("Disconnect cancelled pending operations")
		}
	case ServicesDiscovered:
		c.applyServices(e)
	case CharacteristicsDiscovered:
		c.applyCharacteristics(e)
	case CharacteristicValueUpdated:
		c.applyValue(e)
	case CharacteristicWritten:
		c.forward(ev)
		res := opResult{}
		if e.Err != nil {
			res.err = opErr(CodeWriteFailed, e.Err)
		}
		c.pending.resolve(opKey{
			peripheral: e.Peripheral,
			kind:       OpWrite,
			target:     NormalizeUUID(e.Characteristic),
		}, res)
	case NotifyStateChanged:
		if e.Err == nil {
			c.reg.setNotifying(e.Peripheral, e.Characteristic, e.Notifying)
		}
		c.forward(ev)
		res := opResult{}
		if e.Err != nil {
			// setNotify is a CCCD write under the hood
			res.err = opErr(CodeWriteFailed, e.Err)
		}
		c.pending.resolve(opKey{
			peripheral: e.Peripheral,
			kind:       OpSetNotify,
			target:     NormalizeUUID(e.Characteristic),
		}, res)
	default:
		c.logger.WithField("event", fmt.Sprintf("%T", ev)).Warn("Unhandled event type")
	}
}

func (c *Coordinator) applyAdapterState(e AdapterStateChanged) {
	prev := c.state
	c.state = e.State
	c.logger.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   e.State.String(),
	}).Info("Adapter state changed")
	c.forward(e)

	if e.State.Ready() {
		return
	}

	// Radio is gone: the scan session cannot continue and no pending
	// operation can ever complete.
	c.stopSessionLocked()
	dropped := c.reg.dropAllConnections()
	for _, id := range dropped {
		c.forward(PeripheralDisconnected{
			Peripheral: id,
			Err:        opErrf(CodeCancelled, "adapter %s", e.State),
		})
	}
	failed := c.pending.failAll(
		opErrf(CodeConnectFailed, "adapter %s", e.State),
		opErrf(CodeCancelled, "adapter %s", e.State))
	if failed > 0 {
		c.logger.WithField("failed", failed).Warn("Adapter power loss cancelled pending operations")
	}
}

func (c *Coordinator) applyDiscovery(e DeviceDiscovered) {
	if c.session == nil || !c.session.active.Load() {
		return
	}
	isNew := c.reg.upsertDiscovered(e, time.Now())
	if isNew {
		c.logger.WithFields(logrus.Fields{
			"peripheral": e.Peripheral,
			"name":       e.Name,
			"rssi":       e.RSSI,
		}).Info("Discovered new peripheral")
	}
	c.forward(e)
}

func (c *Coordinator) applyServices(e ServicesDiscovered) {
	res := opResult{}
	if e.Err != nil {
		res.err = opErr(CodeDiscoveryFailed, e.Err)
	} else {
		c.reg.setServices(e.Peripheral, e.Services)
		res.services = c.reg.Services(e.Peripheral)
	}
	c.forward(e)
	c.pending.resolve(opKey{peripheral: e.Peripheral, kind: OpDiscoverServices}, res)
}

func (c *Coordinator) applyCharacteristics(e CharacteristicsDiscovered) {
	service := NormalizeUUID(e.Service)
	res := opResult{}
	if e.Err != nil {
		res.err = opErr(CodeDiscoveryFailed, e.Err)
	} else {
		if !c.reg.setCharacteristics(e.Peripheral, service, e.Characteristics) {
			c.logger.WithFields(logrus.Fields{
				"peripheral": e.Peripheral,
				"service":    service,
			}).Warn("Characteristics discovered for unknown service")
		}
		if svc, ok := c.reg.Service(e.Peripheral, service); ok {
			res.chars = svc.Characteristics
		}
	}
	c.forward(e)
	c.pending.resolve(opKey{
		peripheral: e.Peripheral,
		kind:       OpDiscoverCharacteristics,
		target:     service,
	}, res)
}

func (c *Coordinator) applyValue(e CharacteristicValueUpdated) {
	res := opResult{}
	if e.Err != nil {
		res.err = opErr(CodeReadFailed, e.Err)
	} else {
		c.reg.setValue(e.Peripheral, e.Characteristic, e.Value)
		res.value = append([]byte(nil), e.Value...)
	}
	c.forward(e)
	c.pending.resolve(opKey{
		peripheral: e.Peripheral,
		kind:       OpRead,
		target:     NormalizeUUID(e.Characteristic),
	}, res)
}

// forward pushes an event to the observer channel
func (c *Coordinator) forward(ev Event) {
	c.events.Send(ev)
}

// Close releases the observer channel. Call only after the transport has
// stopped delivering events.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopSessionLocked()
	c.events.Close()
}
