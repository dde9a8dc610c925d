package netio_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/n1/coauthor/internal/netio"
	"github.com/n1/coauthor/internal/xmlnode"
	"github.com/stretchr/testify/require"
)

type recordingObject struct {
	mu       sync.Mutex
	received []xmlnode.Node
	enqueued []xmlnode.Node
	sent     []xmlnode.Node
	done     chan struct{}
	wantSent int
}

func newRecordingObject(wantSent int) *recordingObject {
	return &recordingObject{done: make(chan struct{}), wantSent: wantSent}
}

func (r *recordingObject) Received(conn *netio.Connection, node xmlnode.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, node)
}

func (r *recordingObject) Enqueued(conn *netio.Connection, node xmlnode.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueued = append(r.enqueued, node)
}

func (r *recordingObject) Sent(conn *netio.Connection, node xmlnode.Node) {
	r.mu.Lock()
	r.sent = append(r.sent, node)
	done := len(r.sent) >= r.wantSent
	r.mu.Unlock()
	if done {
		select {
		case <-r.done:
		default:
			close(r.done)
		}
	}
}

func TestSendDeliversToPeer(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	mgr := netio.NewManager()
	connA := netio.NewConnection(a, "peer-a")
	connB := netio.NewConnection(b, "peer-b")

	sender := newRecordingObject(1)
	receiver := newRecordingObject(0)

	mgr.Register(connA, "sess-1", sender)
	mgr.Register(connB, "sess-1", receiver)

	mgr.Send(connA, "sess-1", sender, xmlnode.New("sync-begin"))

	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Sent callback")
	}

	require.Eventually(t, func() bool {
		receiver.mu.Lock()
		defer receiver.mu.Unlock()
		return len(receiver.received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	receiver.mu.Lock()
	require.Equal(t, "sync-begin", receiver.received[0].Name())
	receiver.mu.Unlock()
}

func TestEnqueuedPrecedesSent(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	mgr := netio.NewManager()
	connA := netio.NewConnection(a, "peer-a")
	connB := netio.NewConnection(b, "peer-b")

	var order []string
	var mu sync.Mutex
	sender := &orderTrackingObject{
		record: func(event string) {
			mu.Lock()
			order = append(order, event)
			mu.Unlock()
		},
	}
	receiver := newRecordingObject(0)

	mgr.Register(connA, "sess-1", sender)
	mgr.Register(connB, "sess-1", receiver)

	mgr.Send(connA, "sess-1", sender, xmlnode.New("sync-begin"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"enqueued", "sent"}, order)
}

type orderTrackingObject struct {
	record func(string)
}

func (o *orderTrackingObject) Received(conn *netio.Connection, node xmlnode.Node) {}
func (o *orderTrackingObject) Enqueued(conn *netio.Connection, node xmlnode.Node) {
	o.record("enqueued")
}
func (o *orderTrackingObject) Sent(conn *netio.Connection, node xmlnode.Node) {
	o.record("sent")
}

func TestSendMultiplePreservesOrder(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	mgr := netio.NewManager()
	connA := netio.NewConnection(a, "peer-a")
	connB := netio.NewConnection(b, "peer-b")

	sender := newRecordingObject(3)
	receiver := newRecordingObject(0)

	mgr.Register(connA, "sess-1", sender)
	mgr.Register(connB, "sess-1", receiver)

	mgr.SendMultiple(connA, "sess-1", sender, []xmlnode.Node{
		xmlnode.New("sync-begin"),
		xmlnode.New("sync-user"),
		xmlnode.New("sync-end"),
	})

	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all Sent callbacks")
	}

	require.Eventually(t, func() bool {
		receiver.mu.Lock()
		defer receiver.mu.Unlock()
		return len(receiver.received) == 3
	}, 2*time.Second, 10*time.Millisecond)

	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	require.Equal(t, "sync-begin", receiver.received[0].Name())
	require.Equal(t, "sync-user", receiver.received[1].Name())
	require.Equal(t, "sync-end", receiver.received[2].Name())
}

func TestRegisterDuplicatePanics(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	mgr := netio.NewManager()
	connA := netio.NewConnection(a, "peer-a")

	mgr.Register(connA, "sess-1", newRecordingObject(0))

	require.Panics(t, func() {
		mgr.Register(connA, "sess-1", newRecordingObject(0))
	})
}

func TestCloseConnectionDropsObjects(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	mgr := netio.NewManager()
	connA := netio.NewConnection(a, "peer-a")
	obj := newRecordingObject(0)
	mgr.Register(connA, "sess-1", obj)

	mgr.CloseConnection(connA)
	require.Equal(t, netio.StatusClosed, connA.Status())

	// The (connection, identifier) registration is gone, so registering
	// the same pair again no longer panics as a duplicate.
	require.NotPanics(t, func() {
		mgr.Register(connA, "sess-1", newRecordingObject(0))
	})
}
