package session

import "fmt"

// Kind enumerates the error taxonomy a Session's protocol can produce
// or receive, domain "session-sync". Code is the Kind's stable ordinal,
// carried on the wire in sync-error's code attribute.
type Kind int

const (
	// KindFailed is the generic/unknown-from-peer fallback.
	KindFailed Kind = iota
	// KindUnexpectedNode means a message tag is not permitted in the
	// current sync phase.
	KindUnexpectedNode
	// KindIDNotPresent means a required id attribute was absent.
	KindIDNotPresent
	// KindNameNotPresent means a required name attribute was absent.
	KindNameNotPresent
	// KindIDInUse means a user id collided with one already in the table.
	KindIDInUse
	// KindNameInUse means a user name collided with one already in the table.
	KindNameInUse
	// KindConnectionClosed means the transport closed during a sync.
	KindConnectionClosed
	// KindSenderCancelled means the peer sent sync-cancel.
	KindSenderCancelled
	// KindReceiverCancelled means a local Close aborted an inbound sync.
	KindReceiverCancelled
	// KindUnexpectedBeginOfSync means sync-begin arrived after counters
	// were already initialized.
	KindUnexpectedBeginOfSync
	// KindNumMessagesMissing means sync-begin arrived without
	// num-messages, or with a value too large for 2+num-messages to
	// fit in a uint64.
	KindNumMessagesMissing
	// KindUnexpectedEndOfSync means sync-end arrived before the body was
	// complete.
	KindUnexpectedEndOfSync
	// KindExpectedBeginOfSync means a body message arrived before sync-begin.
	KindExpectedBeginOfSync
	// KindExpectedEndOfSync means a non-sync-end message arrived in the
	// final body position.
	KindExpectedEndOfSync
)

// Domain is the constant wire-level domain string for every SyncError
// this package produces.
const Domain = "session-sync"

var kindNames = map[Kind]string{
	KindFailed:                "Failed",
	KindUnexpectedNode:        "UnexpectedNode",
	KindIDNotPresent:          "IdNotPresent",
	KindNameNotPresent:        "NameNotPresent",
	KindIDInUse:               "IdInUse",
	KindNameInUse:             "NameInUse",
	KindConnectionClosed:      "ConnectionClosed",
	KindSenderCancelled:       "SenderCancelled",
	KindReceiverCancelled:     "ReceiverCancelled",
	KindUnexpectedBeginOfSync: "UnexpectedBeginOfSync",
	KindNumMessagesMissing:    "NumMessagesMissing",
	KindUnexpectedEndOfSync:   "UnexpectedEndOfSync",
	KindExpectedBeginOfSync:   "ExpectedBeginOfSync",
	KindExpectedEndOfSync:     "ExpectedEndOfSync",
}

// String renders the Kind's wire name (what appears, conceptually, in
// the domain's taxonomy — not what goes on the wire itself, which uses
// the numeric Code).
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// SyncError is the error type carried by sync-error nodes and returned
// from protocol-level operations. Domain is always Domain; Code is the
// Kind's ordinal, so a SyncError built from a received sync-error node
// (domain+code as plain strings/ints) still compares equal in behavior
// to one built locally with the matching Kind.
type SyncError struct {
	Kind   Kind
	Domain string
	Code   uint64
}

// NewSyncError builds a SyncError for kind, stamping the canonical
// Domain and Code.
func NewSyncError(kind Kind) *SyncError {
	return &SyncError{Kind: kind, Domain: Domain, Code: uint64(kind)}
}

// SyncErrorFromWire builds a SyncError from the domain/code pair parsed
// off an inbound sync-error node. If domain doesn't match the known
// Domain, or code doesn't resolve to a known Kind, it falls back to
// KindFailed while preserving the raw domain/code for diagnostics.
func SyncErrorFromWire(domain string, code uint64) *SyncError {
	if domain == Domain {
		if _, ok := kindNames[Kind(code)]; ok {
			return &SyncError{Kind: Kind(code), Domain: domain, Code: code}
		}
	}
	return &SyncError{Kind: KindFailed, Domain: domain, Code: code}
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Domain, e.Kind, e.Code)
}
