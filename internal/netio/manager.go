package netio

import (
	"fmt"
	"io"
	"sync"

	"github.com/n1/coauthor/internal/log"
	"github.com/n1/coauthor/internal/xmlnode"
)

// NetObject is anything that can be registered under a (connection,
// identifier) pair to receive inbound frames and learn about outbound
// delivery milestones for the frames it enqueues. internal/session's
// Session implements this.
type NetObject interface {
	// Received handles one inbound node from conn.
	Received(conn *Connection, node xmlnode.Node)

	// Enqueued is called by the writer goroutine as node reaches the
	// front of the connection's send queue, one node at a time, strictly
	// before the write attempt that drives Sent. A node still behind
	// others in the queue has not yet been enqueued in this sense, even
	// though Send/SendMultiple already appended it: prior queued nodes
	// can still be cancelled before they ever reach the wire.
	Enqueued(conn *Connection, node xmlnode.Node)

	// Sent is called after node has actually been written to conn.
	Sent(conn *Connection, node xmlnode.Node)
}

type objectKey struct {
	connID     uint64
	identifier string
}

type outboundItem struct {
	identifier string
	node       xmlnode.Node
	object     NetObject
	cancelled  bool
}

type connState struct {
	conn *Connection

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []outboundItem
	closed  bool
}

// Manager multiplexes many NetObjects, each keyed by a (connection,
// identifier) pair, over a set of Connections. It owns exactly one
// writer goroutine per Connection and one reader goroutine per
// Connection, mirroring the single-reader/single-writer discipline
// internal/miror/transport.go uses per socket.
type Manager struct {
	mu      sync.Mutex
	objects map[objectKey]NetObject
	conns   map[uint64]*connState
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		objects: make(map[objectKey]NetObject),
		conns:   make(map[uint64]*connState),
	}
}

// Register associates obj with (conn, identifier). It panics if the
// pair is already registered, mirroring the Table/Session precondition
// style used elsewhere in this module: registration collisions are a
// caller bug, not a runtime condition to recover from.
func (m *Manager) Register(conn *Connection, identifier string, obj NetObject) {
	key := objectKey{conn.ID(), identifier}

	m.mu.Lock()
	if _, exists := m.objects[key]; exists {
		m.mu.Unlock()
		panic(fmt.Sprintf("netio: object already registered for identifier %q on connection %d", identifier, conn.ID()))
	}
	m.objects[key] = obj
	cs, ok := m.conns[conn.ID()]
	if !ok {
		cs = &connState{conn: conn}
		cs.cond = sync.NewCond(&cs.mu)
		m.conns[conn.ID()] = cs
		m.mu.Unlock()
		go m.writeLoop(cs)
		go m.readLoop(cs)
	} else {
		m.mu.Unlock()
	}
}

// Unregister removes the NetObject registered for (conn, identifier),
// if any.
func (m *Manager) Unregister(conn *Connection, identifier string) {
	m.mu.Lock()
	delete(m.objects, objectKey{conn.ID(), identifier})
	m.mu.Unlock()
}

func (m *Manager) lookup(connID uint64, identifier string) NetObject {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[objectKey{connID, identifier}]
}

// Send enqueues node for delivery to conn under identifier, on behalf
// of obj. obj.Enqueued fires later, on the writer goroutine, as node
// reaches the front of the queue — not before Send returns.
func (m *Manager) Send(conn *Connection, identifier string, obj NetObject, node xmlnode.Node) {
	m.SendMultiple(conn, identifier, obj, []xmlnode.Node{node})
}

// SendMultiple enqueues nodes as a batch, preserving order, and is
// otherwise identical to repeated Send calls. Batching matters for the
// sync-begin/body.../sync-end stream: the begin marker, every body
// message, and the end marker must be enqueued as one atomic run so no
// other NetObject's message can be interleaved inside it.
func (m *Manager) SendMultiple(conn *Connection, identifier string, obj NetObject, nodes []xmlnode.Node) {
	m.mu.Lock()
	cs, ok := m.conns[conn.ID()]
	m.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("netio: Send on unregistered connection %d", conn.ID()))
	}

	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	for _, n := range nodes {
		cs.queue = append(cs.queue, outboundItem{identifier: identifier, node: n, object: obj})
	}
	cs.cond.Signal()
	cs.mu.Unlock()
}

// CancelOuter marks every still-queued (not yet dequeued by the writer)
// message belonging to obj on conn as cancelled: the writer goroutine
// will drop them silently, without writing them to the wire and
// without invoking Sent. Used by Session.Close and the Running-state
// remote sync-error handler to abort the residual tail of an
// in-progress sync.
func (m *Manager) CancelOuter(conn *Connection, obj NetObject) {
	m.mu.Lock()
	cs, ok := m.conns[conn.ID()]
	m.mu.Unlock()
	if !ok {
		return
	}

	cs.mu.Lock()
	for i := range cs.queue {
		if cs.queue[i].object == obj {
			cs.queue[i].cancelled = true
		}
	}
	cs.mu.Unlock()
}

func (m *Manager) writeLoop(cs *connState) {
	for {
		cs.mu.Lock()
		for len(cs.queue) == 0 && !cs.closed {
			cs.cond.Wait()
		}
		if cs.closed && len(cs.queue) == 0 {
			cs.mu.Unlock()
			return
		}
		// Peek rather than pop: item stays at the head of the queue,
		// and so remains visible to CancelOuter, across the Enqueued
		// call below. Enqueued must run without cs.mu held (it takes
		// the NetObject's own lock, e.g. Session.mu, and a concurrent
		// Close holds that lock across its own CancelOuter call —
		// holding both locks in opposite order here would deadlock).
		// That unlocked window is exactly where a concurrent Close
		// could decide to cancel this same item, so cancellation is
		// re-checked under cs.mu immediately after, before the item is
		// actually removed from the queue or written to the wire.
		item := cs.queue[0]
		if item.cancelled {
			cs.queue = cs.queue[1:]
			cs.mu.Unlock()
			continue
		}
		cs.mu.Unlock()

		item.object.Enqueued(cs.conn, item.node)

		cs.mu.Lock()
		if cs.queue[0].cancelled {
			cs.queue = cs.queue[1:]
			cs.mu.Unlock()
			continue
		}
		cs.queue = cs.queue[1:]
		cs.mu.Unlock()

		if err := xmlnode.WriteFrame(cs.conn.rwc, item.identifier, item.node); err != nil {
			log.Error().Err(err).Uint64("conn", cs.conn.ID()).Msg("netio: write failed, closing connection")
			m.closeConn(cs)
			return
		}
		item.object.Sent(cs.conn, item.node)
	}
}

func (m *Manager) readLoop(cs *connState) {
	for {
		frame, err := xmlnode.ReadFrame(cs.conn.rwc)
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Uint64("conn", cs.conn.ID()).Msg("netio: read failed, closing connection")
			}
			m.closeConn(cs)
			return
		}

		obj := m.lookup(cs.conn.ID(), frame.Identifier)
		if obj == nil {
			log.Warn().Str("identifier", frame.Identifier).Uint64("conn", cs.conn.ID()).Msg("netio: frame for unknown object, dropped")
			continue
		}
		obj.Received(cs.conn, frame.Node)
	}
}

func (m *Manager) closeConn(cs *connState) {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	cs.closed = true
	cs.cond.Broadcast()
	cs.mu.Unlock()

	cs.conn.Close()

	m.mu.Lock()
	for k := range m.objects {
		if k.connID == cs.conn.ID() {
			delete(m.objects, k)
		}
	}
	delete(m.conns, cs.conn.ID())
	m.mu.Unlock()
}

// CloseConnection forcibly closes conn and drops its queue and
// registered objects, discarding anything still unsent.
func (m *Manager) CloseConnection(conn *Connection) {
	m.mu.Lock()
	cs, ok := m.conns[conn.ID()]
	m.mu.Unlock()
	if !ok {
		conn.Close()
		return
	}
	m.closeConn(cs)
}
