package auth

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-memory reference Directory: device
// ownership and client resolution held in plain maps, suitable for a
// single-process deployment or tests.
type MemoryDirectory struct {
	mu      sync.RWMutex
	devices map[string]string // deviceID -> userID
	clients map[string]string // clientID -> base URL
}

// NewMemoryDirectory builds an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		devices: make(map[string]string),
		clients: make(map[string]string),
	}
}

// RegisterDevice records that userID owns deviceID.
func (d *MemoryDirectory) RegisterDevice(deviceID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[deviceID] = userID
}

// RegisterClient records the upstream base URL for clientID.
func (d *MemoryDirectory) RegisterClient(clientID, baseURL string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[clientID] = baseURL
}

func (d *MemoryDirectory) Owns(_ context.Context, userID, deviceID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	owner, ok := d.devices[deviceID]
	return ok && owner == userID, nil
}

func (d *MemoryDirectory) ResolveClient(_ context.Context, clientID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	baseURL, ok := d.clients[clientID]
	return baseURL, ok
}

var _ Directory = (*MemoryDirectory)(nil)
