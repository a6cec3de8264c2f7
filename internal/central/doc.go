// Package central coordinates Bluetooth Low Energy central-role state and
// converts callback-style BLE events into awaitable operations.
//
// This package implements the core of the GATT client stack:
//   - Adapter power state tracking and scan session lifecycle
//   - A registry of discovered devices, connections, and GATT profiles
//   - A pending-operation table with exactly-once, timeout-bounded resolution
//   - A bridge exposing connect/discover/read/write/notify as blocking calls
//
// All state transitions flow through a single Coordinator, which applies
// registry mutations, forwards events to observers, and resolves pending
// operations in that order under one lock.
package central
