package central

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultOperationTimeout bounds every awaitable operation that does
	// not get an explicit deadline
	DefaultOperationTimeout = 10 * time.Second

	// DefaultConnectTimeout bounds connection establishment, which can
	// legitimately take much longer than a GATT request
	DefaultConnectTimeout = 30 * time.Second

	// DefaultScanTimeout bounds a scan when the caller passes none
	DefaultScanTimeout = 10 * time.Second
)

// BridgeOptions configures operation deadlines
type BridgeOptions struct {
	OperationTimeout time.Duration
	ConnectTimeout   time.Duration
}

// DefaultBridgeOptions returns sensible defaults
func DefaultBridgeOptions() *BridgeOptions {
	return &BridgeOptions{
		OperationTimeout: DefaultOperationTimeout,
		ConnectTimeout:   DefaultConnectTimeout,
	}
}

// Bridge turns the callback-style protocol into awaitable request/response
// operations. Every operation registers a keyed entry in the pending
// table, issues the underlying command, arms a deadline and parks the
// caller until the first of {matching success, matching error, deadline}
// resolves the entry. Concurrent operations with distinct keys are fully
// independent, including against the same peripheral.
type Bridge struct {
	coord          *Coordinator
	logger         *logrus.Logger
	opTimeout      time.Duration
	connectTimeout time.Duration
}

// NewBridge creates a bridge over a coordinator
func NewBridge(coord *Coordinator, opts *BridgeOptions, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultBridgeOptions()
	}
	b := &Bridge{
		coord:          coord,
		logger:         logger,
		opTimeout:      opts.OperationTimeout,
		connectTimeout: opts.ConnectTimeout,
	}
	if b.opTimeout <= 0 {
		b.opTimeout = DefaultOperationTimeout
	}
	if b.connectTimeout <= 0 {
		b.connectTimeout = DefaultConnectTimeout
	}
	return b
}

// run executes the common operation protocol: register, issue, arm,
// await. A synchronous dispatch failure resolves the entry immediately
// with failCode; ctx cancellation resolves it with Cancelled. In every
// path the entry is retired and the result slot read exactly once.
func (b *Bridge) run(ctx context.Context, key opKey, timeout time.Duration,
	failCode Code, issue func() error, onTimeout func()) (opResult, error) {

	op, err := b.coord.pending.register(key)
	if err != nil {
		return opResult{}, err
	}

	b.logger.WithFields(logrus.Fields{
		"peripheral": key.peripheral,
		"kind":       key.kind.String(),
		"target":     key.target,
	}).Debug("Operation registered")

	// A disconnect landing between the caller's admission check and
	// registration is invisible to failPeripheral; re-check now that the
	// entry is in the table so it fails fast instead of by deadline.
	if key.kind != OpConnect && !b.coord.Registry().IsConnected(key.peripheral) {
		b.coord.pending.resolveOp(op, opResult{err: opErrf(CodeNotConnected,
			"peripheral %s", key.peripheral)})
		res := <-op.done
		return res, res.err
	}

	if err := issue(); err != nil {
		b.coord.pending.resolveOp(op, opResult{err: opErr(failCode, err)})
		res := <-op.done
		return res, res.err
	}

	b.coord.pending.arm(op, timeout, onTimeout)

	select {
	case res := <-op.done:
		return res, res.err
	case <-ctx.Done():
		b.coord.pending.resolveOp(op, opResult{err: opErr(CodeCancelled, ctx.Err())})
		// The slot is buffered and written exactly once; if a real result
		// won the race it is sitting in the channel now.
		res := <-op.done
		return res, res.err
	}
}

// Connect establishes a connection to a previously discovered peripheral.
// Connecting to an already connected peripheral succeeds immediately. A
// timeout additionally issues a best-effort disconnect to clean up the
// half-open attempt.
func (b *Bridge) Connect(ctx context.Context, peripheral string) error {
	reg := b.coord.Registry()
	if reg.IsConnected(peripheral) {
		return nil
	}
	if !reg.IsKnown(peripheral) {
		return &NotFoundError{Resource: "peripheral", UUIDs: []string{peripheral}}
	}

	_, err := b.run(ctx,
		opKey{peripheral: peripheral, kind: OpConnect},
		b.connectTimeout,
		CodeConnectFailed,
		func() error { return b.coord.cmd.Connect(peripheral) },
		func() {
			if cerr := b.coord.cmd.CancelConnection(peripheral); cerr != nil {
				b.logger.WithError(cerr).WithField("peripheral", peripheral).
					Warn("Failed to cancel half-open connection after timeout")
			}
		})
	return err
}

// Disconnect tears down the connection. Every pending operation of the
// peripheral resolves with Cancelled rather than being left to time out,
// and the cached GATT profile is dropped.
func (b *Bridge) Disconnect(peripheral string) error {
	cancelled := b.coord.pending.failPeripheral(peripheral,
		opErrf(CodeCancelled, "disconnect requested"),
		opErrf(CodeCancelled, "disconnect requested"))
	if cancelled > 0 {
		b.logger.WithFields(logrus.Fields{
			"peripheral": peripheral,
			"cancelled":  cancelled,
		}).Debug("Disconnect cancelled pending operations")
	}
	b.coord.reg.markDisconnected(peripheral)

	if err := b.coord.cmd.CancelConnection(peripheral); err != nil {
		return fmt.Errorf("failed to disconnect from %s: %w", peripheral, err)
	}
	return nil
}

// DiscoverServices discovers GATT services and returns them in discovery order
func (b *Bridge) DiscoverServices(ctx context.Context, peripheral string, filter []string) ([]Service, error) {
	if !b.coord.Registry().IsConnected(peripheral) {
		return nil, opErrf(CodeNotConnected, "peripheral %s", peripheral)
	}
	normalized := NormalizeUUIDs(filter)
	res, err := b.run(ctx,
		opKey{peripheral: peripheral, kind: OpDiscoverServices},
		b.opTimeout,
		CodeDiscoveryFailed,
		func() error { return b.coord.cmd.DiscoverServices(peripheral, normalized) },
		nil)
	if err != nil {
		return nil, err
	}
	return res.services, nil
}

// DiscoverCharacteristics discovers the characteristics of one known service
func (b *Bridge) DiscoverCharacteristics(ctx context.Context, peripheral, service string, filter []string) ([]Characteristic, error) {
	reg := b.coord.Registry()
	if !reg.IsConnected(peripheral) {
		return nil, opErrf(CodeNotConnected, "peripheral %s", peripheral)
	}
	normalized := NormalizeUUID(service)
	if _, ok := reg.Service(peripheral, normalized); !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{peripheral, service}}
	}
	res, err := b.run(ctx,
		opKey{peripheral: peripheral, kind: OpDiscoverCharacteristics, target: normalized},
		b.opTimeout,
		CodeDiscoveryFailed,
		func() error {
			return b.coord.cmd.DiscoverCharacteristics(peripheral, normalized, NormalizeUUIDs(filter))
		},
		nil)
	if err != nil {
		return nil, err
	}
	return res.chars, nil
}

// Read reads the value of a readable characteristic. An empty payload on
// a successful read surfaces as InvalidData rather than a nil slice.
func (b *Bridge) Read(ctx context.Context, peripheral, characteristic string) ([]byte, error) {
	reg := b.coord.Registry()
	if !reg.IsConnected(peripheral) {
		return nil, opErrf(CodeNotConnected, "peripheral %s", peripheral)
	}
	normalized := NormalizeUUID(characteristic)
	char, ok := reg.Characteristic(peripheral, normalized)
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{peripheral, characteristic}}
	}
	if !char.Properties.Readable() {
		return nil, opErrf(CodeReadFailed, "characteristic %s is not readable", characteristic)
	}
	res, err := b.run(ctx,
		opKey{peripheral: peripheral, kind: OpRead, target: normalized},
		b.opTimeout,
		CodeReadFailed,
		func() error { return b.coord.cmd.ReadCharacteristic(peripheral, normalized) },
		nil)
	if err != nil {
		return nil, err
	}
	if len(res.value) == 0 {
		return nil, opErrf(CodeInvalidData, "empty payload from characteristic %s", characteristic)
	}
	return res.value, nil
}

// Write writes to a writable characteristic and awaits the acknowledgement
func (b *Bridge) Write(ctx context.Context, peripheral, characteristic string, data []byte, withResponse bool) error {
	reg := b.coord.Registry()
	if !reg.IsConnected(peripheral) {
		return opErrf(CodeNotConnected, "peripheral %s", peripheral)
	}
	normalized := NormalizeUUID(characteristic)
	char, ok := reg.Characteristic(peripheral, normalized)
	if !ok {
		return &NotFoundError{Resource: "characteristic", UUIDs: []string{peripheral, characteristic}}
	}
	if !char.Properties.Writable() {
		return opErrf(CodeWriteFailed, "characteristic %s is not writable", characteristic)
	}
	_, err := b.run(ctx,
		opKey{peripheral: peripheral, kind: OpWrite, target: normalized},
		b.opTimeout,
		CodeWriteFailed,
		func() error {
			return b.coord.cmd.WriteCharacteristic(peripheral, normalized, data, withResponse)
		},
		nil)
	return err
}

// SetNotify enables or disables notifications on a characteristic and
// awaits the notification-state change.
func (b *Bridge) SetNotify(ctx context.Context, peripheral, characteristic string, enable bool) error {
	reg := b.coord.Registry()
	if !reg.IsConnected(peripheral) {
		return opErrf(CodeNotConnected, "peripheral %s", peripheral)
	}
	normalized := NormalizeUUID(characteristic)
	char, ok := reg.Characteristic(peripheral, normalized)
	if !ok {
		return &NotFoundError{Resource: "characteristic", UUIDs: []string{peripheral, characteristic}}
	}
	if !char.Properties.Notifiable() {
		return opErrf(CodeWriteFailed, "characteristic %s does not support notifications", characteristic)
	}
	_, err := b.run(ctx,
		opKey{peripheral: peripheral, kind: OpSetNotify, target: normalized},
		b.opTimeout,
		CodeWriteFailed,
		func() error { return b.coord.cmd.SetNotify(peripheral, normalized, enable) },
		nil)
	return err
}

// Scan runs a time-boxed discovery window and returns whatever was
// accumulated. Reaching the deadline is the normal termination, never an
// error; ctx cancellation just ends the window early.
func (b *Bridge) Scan(ctx context.Context, serviceFilter []string, timeout time.Duration) ([]DiscoveredDevice, error) {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	if err := b.coord.StartScan(serviceFilter, 0); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	b.coord.StopScan()
	return b.coord.Registry().DiscoveredDevices(), nil
}
