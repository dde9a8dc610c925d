package session_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/n1/coauthor/internal/buffer"
	"github.com/n1/coauthor/internal/netio"
	"github.com/n1/coauthor/internal/session"
	"github.com/n1/coauthor/internal/user"
	"github.com/n1/coauthor/internal/xmlnode"
	"github.com/stretchr/testify/require"
)

// harness wires two Sessions (an authoring "source" in Running and a
// fresh "target" in Synchronizing) over a net.Pipe, mirroring the way
// cmd/coauthord/cmd/coauthorctl wire a real TCP connection.
type harness struct {
	source     *session.Session
	target     *session.Session
	sourceConn *netio.Connection

	sourceEvents *eventSink
	targetEvents *eventSink
}

type eventSink struct {
	mu        sync.Mutex
	progress  []float64
	completed []*netio.Connection
	failed    []error
}

func newEventSink() *eventSink { return &eventSink{} }

func (e *eventSink) attach(s *session.Session) {
	s.OnSyncProgress(func(conn *netio.Connection, ratio float64) {
		e.mu.Lock()
		e.progress = append(e.progress, ratio)
		e.mu.Unlock()
	})
	s.OnSyncComplete(func(conn *netio.Connection) {
		e.mu.Lock()
		e.completed = append(e.completed, conn)
		e.mu.Unlock()
	})
	s.OnSyncFailed(func(conn *netio.Connection, err error) {
		e.mu.Lock()
		e.failed = append(e.failed, err)
		e.mu.Unlock()
	})
}

func (e *eventSink) waitComplete(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.completed) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func (e *eventSink) waitFailed(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.failed) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func (e *eventSink) progressSnapshot() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]float64, len(e.progress))
	copy(out, e.progress)
	return out
}

func (e *eventSink) failedSnapshot() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]error, len(e.failed))
	copy(out, e.failed)
	return out
}

// testUser and testCodec are a minimal Codec with no document-specific
// snapshot state, used wherever a test asserts exact progress ratios
// against the bare sync-user body stream: textsync's own "content"
// node would otherwise shift every ratio.
type testUser struct {
	id   uint64
	name string
}

func (u testUser) ID() uint64   { return u.id }
func (u testUser) Name() string { return u.name }

type testCodec struct {
	session.BaseCodec
}

func (testCodec) ConstructUser(s *session.Session, props session.UserProperties) (user.User, error) {
	return testUser{id: props.ID, name: props.Name}, nil
}

func (testCodec) ProcessRunMessage(s *session.Session, conn *netio.Connection, node xmlnode.Node) error {
	return nil
}

// newHarness builds a Running source session (seeded via seed) and a
// target Session under construction in Synchronizing mode, connected
// over a net.Pipe.
func newHarness(t *testing.T, seed func(s *session.Session)) (*harness, func()) {
	t.Helper()

	a, b := net.Pipe()

	sourceMgr := netio.NewManager()
	source := session.NewBuilder().
		WithManager(sourceMgr).
		WithBuffer(buffer.New("")).
		WithCodec(testCodec{}).
		Build()
	if seed != nil {
		seed(source)
	}

	targetMgr := netio.NewManager()
	targetConn := netio.NewConnection(b, "target-side")
	target := session.NewBuilder().
		WithManager(targetMgr).
		WithBuffer(buffer.New("")).
		WithCodec(testCodec{}).
		WithSyncSource(targetConn, "doc-1").
		Build()

	sourceEvents := newEventSink()
	sourceEvents.attach(source)
	targetEvents := newEventSink()
	targetEvents.attach(target)

	sourceConn := netio.NewConnection(a, "source-side")

	h := &harness{
		source:       source,
		target:       target,
		sourceConn:   sourceConn,
		sourceEvents: sourceEvents,
		targetEvents: targetEvents,
	}
	cleanup := func() {
		a.Close()
		b.Close()
	}
	return h, cleanup
}

func userIDs(s *session.Session) []uint64 {
	var ids []uint64
	s.ForEachUser(func(u user.User) bool {
		ids = append(ids, u.ID())
		return true
	})
	return ids
}

func TestRoundTripEmptySnapshot(t *testing.T) {
	h, cleanup := newHarness(t, nil)
	defer cleanup()

	_, err := h.source.SynchronizeTo(h.sourceConn, "doc-1")
	require.NoError(t, err)

	h.sourceEvents.waitComplete(t)
	h.targetEvents.waitComplete(t)

	require.Equal(t, session.StatusRunning, h.target.Status())
	require.Equal(t, []float64{0.5}, h.targetEvents.progressSnapshot())
	require.Empty(t, userIDs(h.target))
}

func TestRoundTripTwoUsers(t *testing.T) {
	h, cleanup := newHarness(t, func(s *session.Session) {
		_, err := s.AddUser(session.UserProperties{ID: 1, Name: "a"})
		require.NoError(t, err)
		_, err = s.AddUser(session.UserProperties{ID: 2, Name: "b"})
		require.NoError(t, err)
	})
	defer cleanup()

	_, err := h.source.SynchronizeTo(h.sourceConn, "doc-1")
	require.NoError(t, err)

	h.sourceEvents.waitComplete(t)
	h.targetEvents.waitComplete(t)

	require.Equal(t, session.StatusRunning, h.target.Status())
	require.Equal(t, []float64{0.25, 0.5, 0.75}, h.targetEvents.progressSnapshot())

	u1, ok := h.target.LookupUserByID(1)
	require.True(t, ok)
	require.Equal(t, "a", u1.Name())
	u2, ok := h.target.LookupUserByID(2)
	require.True(t, ok)
	require.Equal(t, "b", u2.Name())
}

func TestRoundTripEquivalence(t *testing.T) {
	h, cleanup := newHarness(t, func(s *session.Session) {
		_, err := s.AddUser(session.UserProperties{ID: 7, Name: "carol"})
		require.NoError(t, err)
	})
	defer cleanup()

	_, err := h.source.SynchronizeTo(h.sourceConn, "doc-1")
	require.NoError(t, err)

	h.targetEvents.waitComplete(t)

	require.Equal(t, session.StatusRunning, h.target.Status())
	require.ElementsMatch(t, userIDs(h.source), userIDs(h.target))
}

func TestDuplicateIDDuringSyncFails(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	targetMgr := netio.NewManager()
	targetConn := netio.NewConnection(b, "target-side")
	target := session.NewBuilder().
		WithManager(targetMgr).
		WithBuffer(buffer.New("")).
		WithCodec(testCodec{}).
		WithSyncSource(targetConn, "doc-1").
		Build()

	targetEvents := newEventSink()
	targetEvents.attach(target)

	senderMgr := netio.NewManager()
	senderConn := netio.NewConnection(a, "sender-side")
	sendRaw(t, senderMgr, senderConn, "doc-1", func(send func(tag string, attrs map[string]string)) {
		send("sync-begin", map[string]string{"num-messages": "2"})
		send("sync-user", map[string]string{"id": "1", "name": "a"})
		send("sync-user", map[string]string{"id": "1", "name": "a"})
	})

	targetEvents.waitFailed(t)
	require.Equal(t, session.StatusClosed, target.Status())
}

func TestMissingNumMessagesFails(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	targetMgr := netio.NewManager()
	targetConn := netio.NewConnection(b, "target-side")
	target := session.NewBuilder().
		WithManager(targetMgr).
		WithBuffer(buffer.New("")).
		WithCodec(testCodec{}).
		WithSyncSource(targetConn, "doc-1").
		Build()

	targetEvents := newEventSink()
	targetEvents.attach(target)

	senderMgr := netio.NewManager()
	senderConn := netio.NewConnection(a, "sender-side")
	sendRaw(t, senderMgr, senderConn, "doc-1", func(send func(tag string, attrs map[string]string)) {
		send("sync-begin", nil)
	})

	targetEvents.waitFailed(t)
	require.Equal(t, session.StatusClosed, target.Status())
}

func TestRemoteCancelMidStreamFails(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	targetMgr := netio.NewManager()
	targetConn := netio.NewConnection(b, "target-side")
	target := session.NewBuilder().
		WithManager(targetMgr).
		WithBuffer(buffer.New("")).
		WithCodec(testCodec{}).
		WithSyncSource(targetConn, "doc-1").
		Build()

	targetEvents := newEventSink()
	targetEvents.attach(target)

	senderMgr := netio.NewManager()
	senderConn := netio.NewConnection(a, "sender-side")
	sendRaw(t, senderMgr, senderConn, "doc-1", func(send func(tag string, attrs map[string]string)) {
		send("sync-begin", map[string]string{"num-messages": "2"})
		send("sync-user", map[string]string{"id": "1", "name": "a"})
		send("sync-user", map[string]string{"id": "2", "name": "b"})
		send("sync-cancel", nil)
	})

	targetEvents.waitFailed(t)
	require.Equal(t, session.StatusClosed, target.Status())
}

func TestLocalCloseMidOutboundBeforeSyncEndEnqueued(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	mgr := netio.NewManager()
	source := session.NewBuilder().
		WithManager(mgr).
		WithBuffer(buffer.New("")).
		WithCodec(testCodec{}).
		Build()
	sourceEvents := newEventSink()
	sourceEvents.attach(source)

	conn := netio.NewConnection(a, "peer")

	_, err := source.SynchronizeTo(conn, "doc-1")
	require.NoError(t, err)

	source.Close()

	sourceEvents.waitFailed(t)
	require.Equal(t, session.StatusClosed, source.Status())
}

// sendRaw drives a minimal inline NetObject that writes raw frames to
// conn under identifier, used to feed hand-built protocol sequences
// (including deliberately malformed ones) at the target session
// without going through a second Session.
func sendRaw(t *testing.T, mgr *netio.Manager, conn *netio.Connection, identifier string, drive func(send func(tag string, attrs map[string]string))) {
	t.Helper()
	obj := &rawSender{}
	mgr.Register(conn, identifier, obj)

	drive(func(tag string, attrs map[string]string) {
		node := xmlnode.New(tag)
		for k, v := range attrs {
			node.SetAttr(k, v)
		}
		mgr.Send(conn, identifier, obj, node)
	})
}

type rawSender struct{}

func (r *rawSender) Received(conn *netio.Connection, node xmlnode.Node) {}

func (r *rawSender) Enqueued(conn *netio.Connection, node xmlnode.Node) {}

func (r *rawSender) Sent(conn *netio.Connection, node xmlnode.Node) {}
