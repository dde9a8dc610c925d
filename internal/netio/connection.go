// Package netio implements the connection-manager boundary the
// session core requires of its transport: a connection with an
// observable status property, and a manager that delivers framed XML
// nodes, reports enqueue/send milestones, and tracks registered
// NetObjects by identifier.
package netio

import (
	"io"
	"sync"

	"github.com/google/uuid"
)

// Status mirrors the XML connection's status property: it transitions
// Open -> Closing -> Closed and never moves backward.
type Status int

const (
	// StatusOpen is the initial state of every Connection.
	StatusOpen Status = iota
	// StatusClosing indicates the underlying transport is shutting down.
	StatusClosing
	// StatusClosed is terminal.
	StatusClosed
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusClosing:
		return "Closing"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StatusObserver is called whenever a Connection's status changes.
// It receives the new status.
type StatusObserver func(Status)

// Connection wraps a framed duplex byte stream (in practice a net.Conn)
// and exposes the status property and observer registration the
// session's connection-lifecycle logic depends on.
type Connection struct {
	id         uint64
	remoteAddr string
	rwc        io.ReadWriteCloser

	mu          sync.Mutex
	status      Status
	nextObsID   uint64
	observers   map[uint64]StatusObserver
}

var nextConnID = newConnIDGenerator()

func newConnIDGenerator() func() uint64 {
	var mu sync.Mutex
	var counter uint64
	return func() uint64 {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return counter
	}
}

// NewConnection wraps rwc as an Open connection. remoteAddr is purely
// informational (used in logging); it may be empty.
func NewConnection(rwc io.ReadWriteCloser, remoteAddr string) *Connection {
	return &Connection{
		id:         nextConnID(),
		remoteAddr: remoteAddr,
		rwc:        rwc,
		status:     StatusOpen,
		observers:  make(map[uint64]StatusObserver),
	}
}

// ID returns a process-local identifier, stable for the lifetime of
// the Connection. It has no meaning beyond this process.
func (c *Connection) ID() uint64 { return c.id }

// RemoteAddr returns the informational remote address supplied at
// construction.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// Status returns the current connection status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatusChange registers fn to be called whenever the status
// changes, including the transition into Closed. The returned func
// unsubscribes fn; it is safe to call more than once.
func (c *Connection) OnStatusChange(fn StatusObserver) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextObsID
	c.nextObsID++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = s
	observers := make([]StatusObserver, 0, len(c.observers))
	for _, obs := range c.observers {
		observers = append(observers, obs)
	}
	c.mu.Unlock()

	for _, obs := range observers {
		obs(s)
	}
}

// Close transitions the connection through Closing to Closed and
// closes the underlying stream. It is safe to call more than once;
// only the first call has any effect.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setStatus(StatusClosing)
	err := c.rwc.Close()
	c.setStatus(StatusClosed)
	return err
}

// newIdentifier returns a fresh random NetObject identifier. Its only
// caller is NewIdentifier; Register and Session.SynchronizeTo always
// take the identifier from their own caller.
func newIdentifier() string {
	return uuid.NewString()
}

// NewIdentifier is the exported form of newIdentifier for callers
// outside this package that multiplex more than one NetObject over a
// single connection (e.g. a daemon hosting several documents on one
// socket) and so need identifiers the two ends can assign and
// advertise dynamically, rather than agree on ahead of time.
func NewIdentifier() string {
	return newIdentifier()
}

// RootIdentifier is the conventional identifier a process hosting a
// single document session registers it under. Register/Send tag a
// NetObject's frames with an identifier of the caller's choosing, and
// the peer routes inbound frames back to whichever NetObject it
// registered under that same string — the two ends must agree on it
// out of band, since there is no handshake message to negotiate one.
// A daemon synchronizing exactly one document to each connecting peer,
// and a client cloning exactly one document from that daemon, have
// nothing to negotiate over, so both sides use this constant.
const RootIdentifier = "root"
