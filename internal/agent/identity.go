package agent

import "sync"

// Identity is the session identity owned by the agent and shared by
// reference with subcomponents. NodeID and RoomID live for the whole
// process; the assigned client id only exists while an open, registered
// relay connection does.
type Identity struct {
	NodeID string
	RoomID string

	mu       sync.Mutex
	clientID string
}

// SetClientID records the id the relay assigned on registration.
func (i *Identity) SetClientID(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.clientID = id
}

// ClientID returns the assigned id, or "" when not registered.
func (i *Identity) ClientID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.clientID
}

// Snapshot returns the heartbeat identity pair.
func (i *Identity) Snapshot() (clientID, roomID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.clientID, i.RoomID
}

// Clear drops the assigned id. Called on every teardown; the node must
// re-register on the next connection.
func (i *Identity) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.clientID = ""
}
