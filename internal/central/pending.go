package central

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// OpKind identifies the kind of an awaitable operation
type OpKind int

const (
	OpConnect OpKind = iota
	OpDiscoverServices
	OpDiscoverCharacteristics
	OpRead
	OpWrite
	OpSetNotify
)

func (k OpKind) String() string {
	switch k {
	case OpConnect:
		return "connect"
	case OpDiscoverServices:
		return "discover_services"
	case OpDiscoverCharacteristics:
		return "discover_characteristics"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSetNotify:
		return "set_notify"
	default:
		return "unknown"
	}
}

// opKey identifies one in-flight operation. Target is empty for
// peripheral-scoped kinds (connect, discover_services) and carries the
// target UUID for service- and characteristic-scoped kinds.
type opKey struct {
	peripheral string
	kind       OpKind
	target     string
}

// opResult is the payload delivered to the awaiting caller. Exactly one
// of the carried fields is meaningful per kind; err is set on failure.
type opResult struct {
	services []Service
	chars    []Characteristic
	value    []byte
	err      error
}

// pendingOp is a single-resolution completion slot. The resolved flag
// guarantees that a late event after a timeout (or vice versa) is a
// silent no-op, never a double resolve.
type pendingOp struct {
	key      opKey
	resolved atomic.Bool
	done     chan opResult // buffered(1), written exactly once
	timer    *time.Timer
}

// pendingTable maps in-flight operation keys to their completion slots
type pendingTable struct {
	mu     sync.Mutex
	ops    map[opKey]*pendingOp
	logger *logrus.Logger
}

func newPendingTable(logger *logrus.Logger) *pendingTable {
	return &pendingTable{
		ops:    make(map[opKey]*pendingOp),
		logger: logger,
	}
}

// register admits a new operation. A request whose key is already in
// flight is rejected rather than silently replacing the existing entry.
func (t *pendingTable) register(key opKey) (*pendingOp, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.ops[key]; exists {
		return nil, opErrf(CodeOperationInFlight,
			"%s already pending for peripheral %s", key.kind, key.peripheral)
	}
	op := &pendingOp{
		key:  key,
		done: make(chan opResult, 1),
	}
	t.ops[key] = op
	return op, nil
}

// arm schedules the operation's deadline. onTimeout runs only when the
// deadline actually wins the resolution race.
func (t *pendingTable) arm(op *pendingOp, timeout time.Duration, onTimeout func()) {
	deadline := time.Now().Add(timeout)
	op.timer = time.AfterFunc(timeout, func() {
		if t.resolveOp(op, opResult{err: opErrf(CodeTimeout,
			"%s deadline elapsed after %v", op.key.kind, timeout)}) {
			if t.logger != nil {
				t.logger.WithFields(logrus.Fields{
					"peripheral": op.key.peripheral,
					"kind":       op.key.kind.String(),
					"target":     op.key.target,
					"timeout":    timeout,
					"deadline":   deadline.Format(time.RFC3339Nano),
				}).Warn("Pending operation timed out")
			}
			if onTimeout != nil {
				onTimeout()
			}
		}
	})
}

// resolveOp resolves a specific entry exactly once and retires it from
// the table. Returns false if the entry was already resolved.
func (t *pendingTable) resolveOp(op *pendingOp, res opResult) bool {
	if !op.resolved.CompareAndSwap(false, true) {
		return false
	}
	if op.timer != nil {
		op.timer.Stop()
	}
	t.mu.Lock()
	if current, ok := t.ops[op.key]; ok && current == op {
		delete(t.ops, op.key)
	}
	t.mu.Unlock()
	op.done <- res
	return true
}

// resolve matches an incoming event against the table by key. Events
// with no matching entry are ignored.
func (t *pendingTable) resolve(key opKey, res opResult) bool {
	t.mu.Lock()
	op, ok := t.ops[key]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return t.resolveOp(op, res)
}

// failPeripheral resolves every pending operation of one peripheral.
// Connect-kind entries get connectErr, everything else otherErr.
func (t *pendingTable) failPeripheral(peripheral string, connectErr, otherErr error) int {
	t.mu.Lock()
	var victims []*pendingOp
	for key, op := range t.ops {
		if key.peripheral == peripheral {
			victims = append(victims, op)
		}
	}
	t.mu.Unlock()

	count := 0
	for _, op := range victims {
		err := otherErr
		if op.key.kind == OpConnect {
			err = connectErr
		}
		if t.resolveOp(op, opResult{err: err}) {
			count++
		}
	}
	return count
}

// failAll resolves every pending operation in the table, used on adapter
// power loss.
func (t *pendingTable) failAll(connectErr, otherErr error) int {
	t.mu.Lock()
	victims := make([]*pendingOp, 0, len(t.ops))
	for _, op := range t.ops {
		victims = append(victims, op)
	}
	t.mu.Unlock()

	count := 0
	for _, op := range victims {
		err := otherErr
		if op.key.kind == OpConnect {
			err = connectErr
		}
		if t.resolveOp(op, opResult{err: err}) {
			count++
		}
	}
	return count
}

// size returns the number of in-flight operations
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}
