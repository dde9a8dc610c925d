package session

import "github.com/n1/coauthor/internal/netio"

// SyncStatus is the answer to GetSynchronizationStatus: what stage (if
// any) an outbound sync to a given connection is at.
type SyncStatus int

const (
	// SyncStatusNone means there is no OutboundSync for this connection.
	SyncStatusNone SyncStatus = iota
	// SyncStatusInProgress means an OutboundSync exists and sync-end has
	// not yet been enqueued.
	SyncStatusInProgress
	// SyncStatusEndEnqueued means sync-end has been accepted by the
	// transport; the stream can no longer be cancelled.
	SyncStatusEndEnqueued
)

// OutboundSync is the sender-side record of one in-flight
// synchronization to a peer, per spec.md §3.
type OutboundSync struct {
	conn       *netio.Connection
	identifier string

	// MessagesTotal is 2 (sync-begin + sync-end) plus the number of
	// body messages, fixed once EmitSnapshot has run.
	MessagesTotal uint64
	// MessagesSent counts messages the transport has confirmed sent;
	// non-decreasing, never exceeds MessagesTotal.
	MessagesSent uint64
	// EndEnqueued is set true the instant sync-end is accepted by the
	// transport for transmission. Monotonic: never reverts to false.
	EndEnqueued bool

	unsubscribe func()
}

// Connection returns the peer connection this record is synchronizing to.
func (o *OutboundSync) Connection() *netio.Connection { return o.conn }

// Status reports the three-value sync status spec.md §6 defines for
// GetSynchronizationStatus.
func (o *OutboundSync) Status() SyncStatus {
	if o.EndEnqueued {
		return SyncStatusEndEnqueued
	}
	return SyncStatusInProgress
}
