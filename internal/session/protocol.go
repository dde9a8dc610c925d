package session

import (
	"errors"
	"fmt"
	"math"

	"github.com/n1/coauthor/internal/log"
	"github.com/n1/coauthor/internal/netio"
	"github.com/n1/coauthor/internal/xmlnode"
)

// asSyncError unwraps err to a *SyncError if the codec produced one
// directly; otherwise it is treated as KindFailed, the generic
// unknown-from-peer fallback spec.md §7 defines.
func asSyncError(err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	return NewSyncError(KindFailed)
}

func syncErrorNode(err *SyncError) xmlnode.Node {
	node := xmlnode.New("sync-error")
	node.SetAttr("domain", err.Domain)
	node.SetUintAttr("code", err.Code)
	return node
}

// Received implements netio.NetObject: dispatch by the Session's
// current status and the node's tag, per spec.md §4.2 (Synchronizing)
// and §4.4 (Running).
func (s *Session) Received(conn *netio.Connection, node xmlnode.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusSynchronizing:
		s.receivedSynchronizing(conn, node)
	case StatusRunning:
		s.receivedRunning(conn, node)
	case StatusClosed:
		log.Debug().Msg("session: dropped inbound node after close")
	}
}

func (s *Session) receivedSynchronizing(conn *netio.Connection, node xmlnode.Node) {
	sp := s.synchronizing()

	switch node.Name() {
	case "sync-cancel":
		s.cancelSynchronizing()
		return
	case "sync-begin":
		s.receivedSyncBegin(sp, node)
		return
	case "sync-end":
		s.receivedSyncEnd(conn, sp)
		return
	default:
		s.receivedSyncBody(conn, sp, node)
	}
}

func (s *Session) receivedSyncBegin(sp *synchronizingPayload, node xmlnode.Node) {
	if sp.messagesTotal > 0 {
		s.protocolErrorSynchronizing(NewSyncError(KindUnexpectedBeginOfSync))
		return
	}

	numMessages, present, err := node.UintAttr("num-messages")
	if err != nil || !present {
		s.protocolErrorSynchronizing(NewSyncError(KindNumMessagesMissing))
		return
	}
	if numMessages > math.MaxUint64-2 {
		s.protocolErrorSynchronizing(NewSyncError(KindNumMessagesMissing))
		return
	}

	sp.messagesTotal = 2 + numMessages
	sp.messagesReceived = 1
	s.emitSyncProgress(sp.conn, float64(sp.messagesReceived)/float64(sp.messagesTotal))
}

func (s *Session) receivedSyncBody(conn *netio.Connection, sp *synchronizingPayload, node xmlnode.Node) {
	if sp.messagesReceived == 0 {
		s.protocolErrorSynchronizing(NewSyncError(KindExpectedBeginOfSync))
		return
	}
	if sp.messagesReceived == sp.messagesTotal-1 {
		s.protocolErrorSynchronizing(NewSyncError(KindExpectedEndOfSync))
		return
	}

	if err := s.codec.ProcessSyncMessage(s, conn, node); err != nil {
		s.protocolErrorSynchronizing(asSyncError(err))
		return
	}

	sp.messagesReceived++
	s.emitSyncProgress(conn, float64(sp.messagesReceived)/float64(sp.messagesTotal))
}

func (s *Session) receivedSyncEnd(conn *netio.Connection, sp *synchronizingPayload) {
	if sp.messagesReceived == 0 {
		s.protocolErrorSynchronizing(NewSyncError(KindExpectedBeginOfSync))
		return
	}
	if sp.messagesReceived != sp.messagesTotal-1 {
		s.protocolErrorSynchronizing(NewSyncError(KindUnexpectedEndOfSync))
		return
	}

	sp.messagesReceived++
	s.completeSynchronizing(conn)
}

// protocolErrorSynchronizing implements spec.md §4.2's "on any protocol
// error during Synchronizing" clause: send sync-error, emit sync-failed,
// close. This is distinct from the open-question guidance about not
// re-entering close from a sync-failed *listener* — here the caller
// detecting the violation is this very dispatch, so a single direct
// call is the correct, non-reentrant shape.
func (s *Session) protocolErrorSynchronizing(err *SyncError) {
	sp := s.synchronizing()
	if sp.conn != nil {
		s.sendNode(sp.conn, sp.identifier, syncErrorNode(err))
	}
	s.emitSyncFailed(sp.conn, err)
	s.finishSynchronizingToClosed()
}

// cancelSynchronizing implements the sync-cancel inbound control
// message: the sender has already given up, so no sync-error is sent
// back.
func (s *Session) cancelSynchronizing() {
	sp := s.synchronizing()
	s.emitSyncFailed(sp.conn, NewSyncError(KindSenderCancelled))
	s.finishSynchronizingToClosed()
}

// completeSynchronizing transitions Synchronizing -> Running on a
// successful sync-end. Per spec.md §5's resource-ownership model,
// every connection attached during Running is owned by an
// OutboundSync; the inbound sync connection owned no such record, so it
// is released here rather than carried forward.
func (s *Session) completeSynchronizing(conn *netio.Connection) {
	sp := s.synchronizing()
	if sp.unsubscribe != nil {
		sp.unsubscribe()
	}
	s.manager.Unregister(sp.conn, sp.identifier)

	s.payload = &runningPayload{}
	s.setStatus(StatusRunning)
	s.emitSyncComplete(conn)
}

func (s *Session) finishSynchronizingToClosed() {
	sp := s.synchronizing()
	if sp.unsubscribe != nil {
		sp.unsubscribe()
	}
	if sp.conn != nil {
		s.manager.Unregister(sp.conn, sp.identifier)
	}
	s.payload = closedPayload{}
	s.setStatus(StatusClosed)
}

// onInboundConnectionStatusChange is the connection-lifecycle observer
// spec.md §4.6 describes for the Synchronizing branch: release before
// close, so close does not attempt to send over a dead link.
func (s *Session) onInboundConnectionStatusChange(st netio.Status) {
	if st != netio.StatusClosing && st != netio.StatusClosed {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusSynchronizing {
		return
	}
	sp := s.synchronizing()

	if sp.unsubscribe != nil {
		sp.unsubscribe()
	}
	conn := sp.conn
	s.manager.Unregister(conn, sp.identifier)
	sp.conn = nil

	s.emitSyncFailed(conn, NewSyncError(KindConnectionClosed))
	s.closeLocked()
}

// receivedRunning implements spec.md §4.4: an inbound sync-error on a
// connection with an in-flight OutboundSync cancels that sync, and a
// sync-error on a connection without one is dropped; every node other
// than sync-error, on any connection, is forwarded to the codec's
// run-message hook.
func (s *Session) receivedRunning(conn *netio.Connection, node xmlnode.Node) {
	if node.Name() == "sync-error" {
		if sync := s.findOutboundSync(conn); sync != nil {
			s.handleRemoteSyncError(sync, node)
		}
		// No OutboundSync for this identifier: the sync this sync-error
		// refers to already completed or was already released locally.
		// Silently dropped, not routed to the codec as a run message.
		return
	}

	if err := s.codec.ProcessRunMessage(s, conn, node); err != nil {
		log.Warn().Err(err).Msg("session: run-message handling failed")
	}
}

func (s *Session) findOutboundSync(conn *netio.Connection) *OutboundSync {
	for _, sync := range s.running().syncs {
		if sync.conn == conn {
			return sync
		}
	}
	return nil
}

// handleRemoteSyncError implements spec.md §4.4's remote-error handling:
// cancel any still-queued outbound messages, synthesize the error from
// the wire domain/code (or SyncFailed if absent), emit sync-failed, and
// release the connection.
func (s *Session) handleRemoteSyncError(sync *OutboundSync, node xmlnode.Node) {
	domain, domainPresent := node.Attr("domain")
	code, codePresent, err := node.UintAttr("code")

	var syncErr *SyncError
	if domainPresent && codePresent && err == nil {
		syncErr = SyncErrorFromWire(domain, code)
	} else {
		syncErr = NewSyncError(KindFailed)
	}

	s.manager.CancelOuter(sync.conn, s)
	s.releaseOutboundSync(sync)
	s.emitSyncFailed(sync.conn, syncErr)
}

// SynchronizeTo implements spec.md §4.3: allocate an OutboundSync,
// register as a NetObject, emit the snapshot via the codec, and send
// sync-begin/body/sync-end as one atomic batch.
func (s *Session) SynchronizeTo(conn *netio.Connection, identifier string) (*OutboundSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning {
		panic("session: SynchronizeTo requires Running status")
	}
	rp := s.running()
	if s.findOutboundSync(conn) != nil {
		panic("session: an OutboundSync to this connection already exists")
	}

	sync := &OutboundSync{conn: conn, identifier: identifier, MessagesTotal: 2}
	sync.unsubscribe = conn.OnStatusChange(func(st netio.Status) {
		s.onOutboundConnectionStatusChange(sync, st)
	})
	rp.syncs = append(rp.syncs, sync)
	s.manager.Register(conn, identifier, s)

	bodyNodes, err := s.codec.EmitSnapshot(s)
	if err != nil {
		s.releaseOutboundSync(sync)
		return nil, fmt.Errorf("session: emitting snapshot: %w", err)
	}
	sync.MessagesTotal += uint64(len(bodyNodes))

	begin := xmlnode.New("sync-begin")
	begin.SetUintAttr("num-messages", uint64(len(bodyNodes)))

	nodes := make([]xmlnode.Node, 0, len(bodyNodes)+2)
	nodes = append(nodes, begin)
	nodes = append(nodes, bodyNodes...)
	nodes = append(nodes, xmlnode.New("sync-end"))

	s.manager.SendMultiple(conn, identifier, s, nodes)

	return sync, nil
}

func (s *Session) releaseOutboundSync(sync *OutboundSync) {
	rp := s.running()
	if sync.unsubscribe != nil {
		sync.unsubscribe()
	}
	s.manager.Unregister(sync.conn, sync.identifier)

	for i, sy := range rp.syncs {
		if sy == sync {
			rp.syncs = append(rp.syncs[:i], rp.syncs[i+1:]...)
			break
		}
	}
}

func (s *Session) onOutboundConnectionStatusChange(sync *OutboundSync, st netio.Status) {
	if st != netio.StatusClosing && st != netio.StatusClosed {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning || s.findOutboundSync(sync.conn) != sync {
		return
	}

	s.releaseOutboundSync(sync)
	s.emitSyncFailed(sync.conn, NewSyncError(KindConnectionClosed))
}

// Enqueued implements netio.NetObject: tracks end_enqueued the moment
// sync-end reaches the front of the connection's outbound queue on the
// manager's writer goroutine, per spec.md §3/§5. Every message ahead of
// sync-end in the queue has already passed through here (and through
// Sent) by the time sync-end's turn comes, so between SynchronizeTo
// returning and this firing there is a real window in which
// EndEnqueued is still false and the body stream can still be
// cancelled out from under it.
//
// Enqueued runs on the writer goroutine, not the caller that queued
// the message, so it takes s.mu like Sent does.
func (s *Session) Enqueued(conn *netio.Connection, node xmlnode.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node.Name() != "sync-end" {
		return
	}
	if s.status != StatusRunning {
		return
	}
	if sync := s.findOutboundSync(conn); sync != nil {
		sync.EndEnqueued = true
	}
}

// Sent implements netio.NetObject: progress accounting for outbound
// syncs, per spec.md §4.3.
func (s *Session) Sent(conn *netio.Connection, node xmlnode.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning {
		return
	}
	sync := s.findOutboundSync(conn)
	if sync == nil {
		return
	}

	sync.MessagesSent++
	if sync.MessagesSent < sync.MessagesTotal {
		s.emitSyncProgress(conn, float64(sync.MessagesSent)/float64(sync.MessagesTotal))
		return
	}

	s.releaseOutboundSync(sync)
	s.emitSyncComplete(conn)
}

// Close implements spec.md §4.5. Double-close is a programming error:
// it panics rather than silently no-oping.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	switch s.status {
	case StatusClosed:
		panic("session: double close")
	case StatusSynchronizing:
		s.closeSynchronizing()
	case StatusRunning:
		s.closeRunning()
	}

	s.payload = closedPayload{}
	s.setStatus(StatusClosed)
}

func (s *Session) closeSynchronizing() {
	sp := s.synchronizing()
	if sp.conn != nil {
		err := NewSyncError(KindReceiverCancelled)
		s.sendNode(sp.conn, sp.identifier, syncErrorNode(err))
		s.emitSyncFailed(sp.conn, err)
		s.manager.Unregister(sp.conn, sp.identifier)
	}
	if sp.unsubscribe != nil {
		sp.unsubscribe()
	}
}

// closeRunning implements the destructive-iteration requirement from
// spec.md §4.5/§9: sync-failed emission mutates the sync list via
// releaseOutboundSync, so the head must be re-fetched each pass rather
// than ranged over as a snapshot.
func (s *Session) closeRunning() {
	rp := s.running()
	for len(rp.syncs) > 0 {
		sync := rp.syncs[0]
		if !sync.EndEnqueued {
			s.manager.CancelOuter(sync.conn, s)
			s.sendNode(sync.conn, sync.identifier, xmlnode.New("sync-cancel"))
			s.releaseOutboundSync(sync)
			s.emitSyncFailed(sync.conn, NewSyncError(KindReceiverCancelled))
		} else {
			s.releaseOutboundSync(sync)
		}
	}
}
