// Package session implements the collaborative session synchronization
// engine: a Session entity that drives a document session's lifecycle
// through Synchronizing, Running, and Closed, transfers user-table and
// codec-defined snapshot state to peers, and exposes the NetObject
// boundary a connection manager dispatches through.
package session

import (
	"fmt"
	"sync"

	"github.com/n1/coauthor/internal/netio"
	"github.com/n1/coauthor/internal/user"
	"github.com/n1/coauthor/internal/xmlnode"
)

// Status is the Session's three-state lifecycle.
type Status int

const (
	// StatusSynchronizing is the initial state for an incoming clone
	// under construction from a peer.
	StatusSynchronizing Status = iota
	// StatusRunning is the steady state: zero or more outbound syncs
	// may be in flight.
	StatusRunning
	// StatusClosed is terminal and absorbing.
	StatusClosed
)

// String names the status for logging.
func (s Status) String() string {
	switch s {
	case StatusSynchronizing:
		return "Synchronizing"
	case StatusRunning:
		return "Running"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Buffer is the narrow slice of the document store the core needs:
// enough to snapshot and replace content during synchronization. A
// concrete buffer (internal/buffer.Buffer) satisfies this and offers
// more besides; the core never depends on the rest.
type Buffer interface {
	Snapshot() string
	Replace(s string) error
}

// statePayload is the tagged union spec.md §3 describes: exactly one
// variant is populated for the current Status. Each implementation
// carries an unexported marker method so a Session can never be
// constructed holding a payload that doesn't match a real variant, and
// a mismatched type assertion is a programming error (panic), not a
// recoverable condition.
type statePayload interface {
	isStatePayload()
}

type synchronizingPayload struct {
	conn             *netio.Connection
	identifier       string
	messagesTotal    uint64
	messagesReceived uint64
	unsubscribe      func()
}

func (*synchronizingPayload) isStatePayload() {}

type runningPayload struct {
	syncs []*OutboundSync
}

func (*runningPayload) isStatePayload() {}

type closedPayload struct{}

func (closedPayload) isStatePayload() {}

// Session is the collaborative session synchronization engine: the
// state machine, user table, and protocol driver described by
// spec.md §§1-9.
type Session struct {
	mu sync.Mutex

	manager   *netio.Manager
	buffer    Buffer
	codec     Codec
	userTable *user.Table

	status  Status
	payload statePayload

	onAddUser       []func(user.User)
	afterAddUser    []func(user.User)
	onRemoveUser    []func(user.User)
	afterRemoveUser []func(user.User)

	onSyncProgress []func(conn *netio.Connection, ratio float64)
	onSyncComplete []func(conn *netio.Connection)
	onSyncFailed   []func(conn *netio.Connection, err error)
	onStatusChange []func(Status)
}

var _ netio.NetObject = (*Session)(nil)

// Builder constructs a Session from setters that may be called in any
// order, per spec.md §4.1's construction-time contract. Build is the
// single point at which the "registration fires exactly once" promise
// is realized: it panics if called twice on the same Builder, which is
// the Go rendering of "idempotent, fires exactly once" for a type whose
// construction is a one-shot operation rather than a long-lived mutable
// property bag.
type Builder struct {
	manager        *netio.Manager
	buffer         Buffer
	codec          Codec
	syncConn       *netio.Connection
	syncIdentifier string
	built          bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithManager sets the connection manager. Required before Build.
func (b *Builder) WithManager(m *netio.Manager) *Builder {
	b.manager = m
	return b
}

// WithBuffer sets the document buffer handle. Required before Build.
func (b *Builder) WithBuffer(buf Buffer) *Builder {
	b.buffer = buf
	return b
}

// WithCodec sets the PayloadCodec. Required before Build.
func (b *Builder) WithCodec(c Codec) *Builder {
	b.codec = c
	return b
}

// WithSyncSource marks this Session as an incoming clone of conn's
// session under identifier, selecting Synchronizing as the initial
// state. Both conn and identifier must be supplied together; supplying
// neither leaves the Session in Running (authoring) mode.
func (b *Builder) WithSyncSource(conn *netio.Connection, identifier string) *Builder {
	b.syncConn = conn
	b.syncIdentifier = identifier
	return b
}

// Build finalizes the Session. Panics if called more than once, if
// manager/buffer/codec are missing, or if exactly one of
// (sync connection, sync identifier) was supplied.
func (b *Builder) Build() *Session {
	if b.built {
		panic("session: Builder.Build called more than once")
	}
	b.built = true

	if b.manager == nil {
		panic("session: Builder requires a connection manager")
	}
	if b.buffer == nil {
		panic("session: Builder requires a buffer")
	}
	if b.codec == nil {
		panic("session: Builder requires a codec")
	}
	if (b.syncConn == nil) != (b.syncIdentifier == "") {
		panic("session: sync connection and sync identifier must be supplied together")
	}

	s := &Session{
		manager:   b.manager,
		buffer:    b.buffer,
		codec:     b.codec,
		userTable: user.NewTable(),
	}

	if b.syncConn != nil {
		s.status = StatusSynchronizing
		sp := &synchronizingPayload{conn: b.syncConn, identifier: b.syncIdentifier}
		sp.unsubscribe = b.syncConn.OnStatusChange(s.onInboundConnectionStatusChange)
		s.payload = sp
		s.manager.Register(b.syncConn, b.syncIdentifier, s)
	} else {
		s.status = StatusRunning
		s.payload = &runningPayload{}
	}

	return s
}

func (s *Session) synchronizing() *synchronizingPayload {
	sp, ok := s.payload.(*synchronizingPayload)
	if !ok {
		panic("session: accessed Synchronizing state while not in Synchronizing status")
	}
	return sp
}

func (s *Session) running() *runningPayload {
	rp, ok := s.payload.(*runningPayload)
	if !ok {
		panic("session: accessed Running state while not in Running status")
	}
	return rp
}

// Status returns the Session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Buffer returns the document buffer handle.
func (s *Session) Buffer() Buffer { return s.buffer }

// Manager returns the connection manager handle.
func (s *Session) Manager() *netio.Manager { return s.manager }

// SyncConnection returns the inbound sync connection and whether the
// Session is currently Synchronizing. Valid only while Synchronizing,
// per spec.md §6.
func (s *Session) SyncConnection() (*netio.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.payload.(*synchronizingPayload)
	if !ok {
		return nil, false
	}
	return sp.conn, true
}

// SyncIdentifier returns the inbound sync identifier. Valid only while
// Synchronizing.
func (s *Session) SyncIdentifier() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.payload.(*synchronizingPayload)
	if !ok {
		return "", false
	}
	return sp.identifier, true
}

// LookupUserByID returns the user stored under id, if any.
func (s *Session) LookupUserByID(id uint64) (user.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userTable.LookupByID(id)
}

// LookupUserByName returns the user stored under name, if any.
func (s *Session) LookupUserByName(name string) (user.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userTable.LookupByName(name)
}

// ForEachUser calls fn once per user in the table, in unspecified
// order, stopping early if fn returns false.
func (s *Session) ForEachUser(fn func(user.User) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userTable.ForEach(fn)
}

// OnAddUser registers fn to run before a user is inserted into the
// table (the "before_emit" half of the add-user signal).
func (s *Session) OnAddUser(fn func(user.User)) {
	s.mu.Lock()
	s.onAddUser = append(s.onAddUser, fn)
	s.mu.Unlock()
}

// AfterAddUser registers fn to run after a user has been inserted.
func (s *Session) AfterAddUser(fn func(user.User)) {
	s.mu.Lock()
	s.afterAddUser = append(s.afterAddUser, fn)
	s.mu.Unlock()
}

// OnRemoveUser registers fn to run before a user is removed from the
// table. fn still observes the user as a live table member.
func (s *Session) OnRemoveUser(fn func(user.User)) {
	s.mu.Lock()
	s.onRemoveUser = append(s.onRemoveUser, fn)
	s.mu.Unlock()
}

// AfterRemoveUser registers fn to run after a user has been removed.
// The user value itself is still passed in (a strong reference held
// across the whole emission), even though it is no longer in the table.
func (s *Session) AfterRemoveUser(fn func(user.User)) {
	s.mu.Lock()
	s.afterRemoveUser = append(s.afterRemoveUser, fn)
	s.mu.Unlock()
}

// OnSyncProgress registers fn to be called with synchronization-progress events.
func (s *Session) OnSyncProgress(fn func(conn *netio.Connection, ratio float64)) {
	s.mu.Lock()
	s.onSyncProgress = append(s.onSyncProgress, fn)
	s.mu.Unlock()
}

// OnSyncComplete registers fn to be called with synchronization-complete events.
func (s *Session) OnSyncComplete(fn func(conn *netio.Connection)) {
	s.mu.Lock()
	s.onSyncComplete = append(s.onSyncComplete, fn)
	s.mu.Unlock()
}

// OnSyncFailed registers fn to be called with synchronization-failed events.
func (s *Session) OnSyncFailed(fn func(conn *netio.Connection, err error)) {
	s.mu.Lock()
	s.onSyncFailed = append(s.onSyncFailed, fn)
	s.mu.Unlock()
}

// OnStatusChange registers fn to be called whenever Status changes.
func (s *Session) OnStatusChange(fn func(Status)) {
	s.mu.Lock()
	s.onStatusChange = append(s.onStatusChange, fn)
	s.mu.Unlock()
}

// GetSynchronizationStatus answers spec.md §6's three-value query for
// an outbound sync to conn.
func (s *Session) GetSynchronizationStatus(conn *netio.Connection) SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return SyncStatusNone
	}
	for _, sync := range s.running().syncs {
		if sync.conn == conn {
			return sync.Status()
		}
	}
	return SyncStatusNone
}

func (s *Session) emitAddUser(u user.User) {
	for _, fn := range s.onAddUser {
		fn(u)
	}
	s.userTable.Insert(u)
	for _, fn := range s.afterAddUser {
		fn(u)
	}
}

func (s *Session) emitRemoveUser(u user.User) {
	for _, fn := range s.onRemoveUser {
		fn(u)
	}
	s.userTable.Remove(u)
	for _, fn := range s.afterRemoveUser {
		fn(u)
	}
}

// RemoveUser removes u from the table, running the before/after
// listener hooks around the mutation per spec.md §4.7. u is held by
// value through the whole call so late listeners can still read it
// after it has left the table.
func (s *Session) RemoveUser(u user.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitRemoveUser(u)
}

// addUserFromProperties validates and constructs a user from props via
// the codec, then emits it into the table. Shared by the public AddUser
// entry point and the inbound sync-message path.
func (s *Session) addUserFromProperties(props UserProperties) (user.User, error) {
	u, err := s.codec.ConstructUser(s, props)
	if err != nil {
		return nil, fmt.Errorf("session: constructing user: %w", err)
	}
	s.emitAddUser(u)
	return u, nil
}

// AddUser validates props and, if acceptable, constructs and inserts a
// new user, per spec.md §6's add_user(props) -> User | Error. Unlike
// protocol-level errors this never closes the session: validation
// failures are simply returned to the caller.
func (s *Session) AddUser(props UserProperties) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.codec.ValidateUserProperties(s, props, nil); err != nil {
		return nil, err
	}
	return s.addUserFromProperties(props)
}

func (s *Session) setStatus(newStatus Status) {
	s.status = newStatus
	observers := make([]func(Status), len(s.onStatusChange))
	copy(observers, s.onStatusChange)
	for _, obs := range observers {
		obs(newStatus)
	}
}

func (s *Session) emitSyncProgress(conn *netio.Connection, ratio float64) {
	for _, fn := range s.onSyncProgress {
		fn(conn, ratio)
	}
}

func (s *Session) emitSyncComplete(conn *netio.Connection) {
	for _, fn := range s.onSyncComplete {
		fn(conn)
	}
}

func (s *Session) emitSyncFailed(conn *netio.Connection, err error) {
	for _, fn := range s.onSyncFailed {
		fn(conn, err)
	}
}

// sendNode queues node for delivery on conn under identifier via the
// manager; the manager's writer goroutine serializes it later.
func (s *Session) sendNode(conn *netio.Connection, identifier string, node xmlnode.Node) {
	s.manager.Send(conn, identifier, s, node)
}
