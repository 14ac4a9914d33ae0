// Package registry tracks live pipeline tasks so a newer commit can preempt
// an older still-running pipeline for the same (repo, branch, pipeline)
// tuple.
package registry

import (
	"sync"

	"github.com/Danktronics/Influo/internal/procman"
)

// Identity is the (remote_url, branch_name, pipeline_name) tuple that
// uniquely addresses a live pipeline task.
type Identity struct {
	RemoteURL string
	Branch    string
	Pipeline  string
}

// Connection is a live pipeline task's cancel handle.
type Connection struct {
	Identity Identity

	mu     sync.Mutex
	cancel chan procman.Command
	closed bool
}

// NewConnection creates a Connection with a fresh cancel channel. The
// goroutine that runs the pipeline supervisor for this connection owns
// closed and must call MarkClosed when its task ends.
func NewConnection(id Identity) *Connection {
	return &Connection{
		Identity: id,
		cancel:   make(chan procman.Command, 1),
	}
}

// Cancel sends KillProcedure without waiting for acknowledgement: a stale
// or already-gone receiver is tolerated, not awaited.
func (c *Connection) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.cancel <- procman.KillProcedure:
	default:
		// Already has a pending kill queued; nothing more to do.
	}
}

// CancelChan returns the channel the owning pipeline task should select on.
func (c *Connection) CancelChan() <-chan procman.Command {
	return c.cancel
}

// MarkClosed records that the owning task has ended. Dropping the sender is
// semantically equivalent to sending KillProcedure for any later observer;
// here that is modeled by flipping IsClosed rather than by closing the Go
// channel (a closed buffered channel would otherwise still look "sendable"
// to callers racing Cancel against MarkClosed).
func (c *Connection) MarkClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// IsClosed reports whether the owning task has dropped its receiver.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Registry maps an Identity to its live Connection. It must be mutated
// under the same lock discipline as shared Configuration state; Registry
// itself adds its own mutex only to stay safe if used standalone (e.g. in
// package-level tests).
type Registry struct {
	mu          sync.Mutex
	connections map[Identity]*Connection
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{connections: make(map[Identity]*Connection)}
}

// Preempt cancels any existing live connection for id and inserts conn
// unconditionally, so conn becomes the sole entry for id.
func (r *Registry) Preempt(id Identity, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.connections[id]; ok {
		existing.Cancel()
	}
	r.connections[id] = conn
}

// Lookup returns the current connection for id, if any.
func (r *Registry) Lookup(id Identity) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[id]
	return conn, ok
}

// Prune drops every entry whose connection reports IsClosed. Correctness
// does not depend on calling this at any particular cadence; the registry
// tolerates stale closed entries indefinitely.
func (r *Registry) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, conn := range r.connections {
		if conn.IsClosed() {
			delete(r.connections, id)
		}
	}
}

// Len reports the number of tracked entries, including stale closed ones
// not yet pruned.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}
