// Package registry tracks live device connections.
//
// Connections are keyed by device id. A device gets exactly one slot: a new
// connection from an already-connected device wins, and the superseded
// connection is closed. Stale disconnects from a superseded connection never
// evict the winner because unregistration is guarded by connection id.
package registry

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Handle is the registry's view of one connection. The server's websocket
// connection implements it.
type Handle interface {
	// Send queues an outbound frame. Returns false if the connection's
	// send buffer is full or the connection is closing.
	Send(data []byte) bool
	// Close tears the connection down. Must be idempotent.
	Close()
}

// Record is the observable state of one registered connection.
type Record struct {
	DeviceID      string    `json:"deviceId"`
	ConnID        string    `json:"connId"`
	ConnectedAt   time.Time `json:"connectedAt"`
	ScansReceived int64     `json:"scansReceived"`
	LastScanAt    time.Time `json:"lastScanAt,omitempty"`
}

type entry struct {
	handle Handle
	rec    Record
}

// Registry is the device-keyed connection table.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry

	// Statistics
	registered int64
	replaced   int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*entry),
	}
}

// Register installs a connection for a device and returns its connection id.
// If the device already had a connection, the old one is closed and replaced
// (last writer wins); replaced reports that this happened.
func (r *Registry) Register(deviceID string, h Handle) (connID string, replaced bool) {
	connID = ulid.Make().String()

	var old Handle

	r.mu.Lock()
	if prev, ok := r.conns[deviceID]; ok {
		old = prev.handle
		replaced = true
	}
	r.conns[deviceID] = &entry{
		handle: h,
		rec: Record{
			DeviceID:    deviceID,
			ConnID:      connID,
			ConnectedAt: time.Now(),
		},
	}
	r.registered++
	if replaced {
		r.replaced++
	}
	r.mu.Unlock()

	// Close outside the lock; Close may block on the peer.
	if old != nil {
		old.Close()
	}
	return connID, replaced
}

// Unregister removes a connection, but only if it is still the current one
// for the device. A superseded connection's late disconnect is a no-op.
func (r *Registry) Unregister(deviceID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[deviceID]
	if !ok || e.rec.ConnID != connID {
		return false
	}
	delete(r.conns, deviceID)
	return true
}

// Touch bumps the device's frame counters. Called for every inbound frame,
// whether or not the scan is ultimately accepted.
func (r *Registry) Touch(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.conns[deviceID]; ok {
		e.rec.ScansReceived++
		e.rec.LastScanAt = time.Now()
	}
}

// Send routes a frame to the device's current connection. Returns false if
// the device is not connected or its send buffer is full.
func (r *Registry) Send(deviceID string, data []byte) bool {
	r.mu.RLock()
	e, ok := r.conns[deviceID]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	return e.handle.Send(data)
}

// Broadcast sends a frame to every connected device and returns how many
// sends were accepted.
func (r *Registry) Broadcast(data []byte) int {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.conns))
	for _, e := range r.conns {
		handles = append(handles, e.handle)
	}
	r.mu.RUnlock()

	sent := 0
	for _, h := range handles {
		if h.Send(data) {
			sent++
		}
	}
	return sent
}

// ListActive returns a snapshot of all registered connections.
func (r *Registry) ListActive() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.rec)
	}
	return out
}

// Count returns the number of connected devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		Active:     len(r.conns),
		Registered: r.registered,
		Replaced:   r.replaced,
	}
}

// RegistryStats holds registry statistics.
type RegistryStats struct {
	Active     int   `json:"active"`
	Registered int64 `json:"registered"`
	Replaced   int64 `json:"replaced"`
}
