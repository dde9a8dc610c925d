package session

import (
	"errors"
	"fmt"

	"github.com/n1/coauthor/internal/netio"
	"github.com/n1/coauthor/internal/user"
	"github.com/n1/coauthor/internal/xmlnode"
)

// errNotImplemented is returned by the two BaseCodec methods that have
// no sensible default, matching spec.md's "no default; subclass must
// supply" for ConstructUser and ProcessRunMessage.
var errNotImplemented = errors.New("session: codec method has no default implementation")

// UserProperties is the property bag ParseUserProperties produces and
// ValidateUserProperties/ConstructUser consume. The core only ever
// reads/writes id and name; concrete codecs may stuff additional
// fields into Extra.
type UserProperties struct {
	ID    uint64
	Name  string
	Extra xmlnode.Node
}

// Codec is the subclass extension point spec.md §4.8 and §9 describe:
// the capability record a concrete document type supplies to adapt the
// generic sync framing to its own snapshot and run-message vocabulary.
//
// BaseCodec implements every method that has a sensible default. A
// concrete codec embeds BaseCodec and overrides ConstructUser and
// ProcessRunMessage (which have none), and optionally anything else.
type Codec interface {
	// EmitSnapshot returns the ordered body nodes an outbound sync
	// sends after sync-begin and before sync-end.
	EmitSnapshot(s *Session) ([]xmlnode.Node, error)

	// ProcessSyncMessage handles one inbound body message during an
	// inbound sync.
	ProcessSyncMessage(s *Session, conn *netio.Connection, node xmlnode.Node) error

	// ParseUserProperties extracts a UserProperties bag from node.
	ParseUserProperties(s *Session, conn *netio.Connection, node xmlnode.Node) (UserProperties, error)

	// ValidateUserProperties checks props against the session's user
	// table. excludeUser, if non-nil, is exempted from the uniqueness
	// check (used when re-validating an existing user's own record).
	ValidateUserProperties(s *Session, props UserProperties, excludeUser user.User) error

	// UserToXML serializes u's id/name (and any codec-specific extra
	// state) onto node.
	UserToXML(s *Session, u user.User, node *xmlnode.Node)

	// ConstructUser builds a concrete User from a validated property
	// bag. No default: every codec must supply its own user type.
	ConstructUser(s *Session, props UserProperties) (user.User, error)

	// ProcessRunMessage handles one inbound message while Running: any
	// node other than sync-error, whether or not its connection has an
	// OutboundSync in progress. No default.
	ProcessRunMessage(s *Session, conn *netio.Connection, node xmlnode.Node) error
}

// BaseCodec supplies every Codec method spec.md §4.8 gives a default
// for. A concrete codec embeds BaseCodec by value and overrides
// ConstructUser and ProcessRunMessage.
//
// Because Go has no virtual dispatch through embedding, every method
// below that needs to call another Codec method calls back out through
// s.codec (the Session's stored Codec interface value) instead of
// calling the sibling method on itself directly — otherwise an
// embedder's override of, say, ValidateUserProperties would never be
// reached from BaseCodec.ProcessSyncMessage.
type BaseCodec struct{}

// EmitSnapshot's default serializes the user table as a run of
// sync-user nodes, via s.codec.UserToXML, and nothing else: a session
// with no concrete document state synchronizes only its user table. A
// concrete codec with its own snapshot state calls this default first
// and appends its own nodes after.
func (BaseCodec) EmitSnapshot(s *Session) ([]xmlnode.Node, error) {
	var nodes []xmlnode.Node
	s.userTable.ForEach(func(u user.User) bool {
		node := xmlnode.New("sync-user")
		s.codec.UserToXML(s, u, &node)
		nodes = append(nodes, node)
		return true
	})
	return nodes, nil
}

// ProcessSyncMessage's default recognizes only sync-user: parse,
// validate, and add via Session.AddUser.
func (BaseCodec) ProcessSyncMessage(s *Session, conn *netio.Connection, node xmlnode.Node) error {
	if node.Name() != "sync-user" {
		return NewSyncError(KindUnexpectedNode)
	}

	props, err := s.codec.ParseUserProperties(s, conn, node)
	if err != nil {
		return err
	}
	if err := s.codec.ValidateUserProperties(s, props, nil); err != nil {
		return err
	}
	_, err = s.addUserFromProperties(props)
	return err
}

// ParseUserProperties' default reads id (unsigned) and name (string).
func (BaseCodec) ParseUserProperties(s *Session, conn *netio.Connection, node xmlnode.Node) (UserProperties, error) {
	id, present, err := node.UintAttr("id")
	if err != nil {
		return UserProperties{}, fmt.Errorf("session: parsing id attribute: %w", err)
	}
	if !present {
		return UserProperties{}, NewSyncError(KindIDNotPresent)
	}

	name, present := node.Attr("name")
	if !present {
		return UserProperties{}, NewSyncError(KindNameNotPresent)
	}

	return UserProperties{ID: id, Name: name}, nil
}

// ValidateUserProperties' default enforces id present, id unique
// (excluding excludeUser if given), name present, name unique.
func (BaseCodec) ValidateUserProperties(s *Session, props UserProperties, excludeUser user.User) error {
	if props.ID == 0 {
		return NewSyncError(KindIDNotPresent)
	}
	if props.Name == "" {
		return NewSyncError(KindNameNotPresent)
	}

	if existing, ok := s.userTable.LookupByID(props.ID); ok && existing != excludeUser {
		return NewSyncError(KindIDInUse)
	}
	if existing, ok := s.userTable.LookupByName(props.Name); ok && existing != excludeUser {
		return NewSyncError(KindNameInUse)
	}
	return nil
}

// UserToXML's default writes id and name attributes onto node.
func (BaseCodec) UserToXML(s *Session, u user.User, node *xmlnode.Node) {
	node.SetUintAttr("id", u.ID())
	node.SetAttr("name", u.Name())
}

// ConstructUser has no default: every codec must supply its own User
// type.
func (BaseCodec) ConstructUser(s *Session, props UserProperties) (user.User, error) {
	return nil, errNotImplemented
}

// ProcessRunMessage has no default: it is only invoked while Running,
// and only a concrete document codec knows its own run-message
// vocabulary.
func (BaseCodec) ProcessRunMessage(s *Session, conn *netio.Connection, node xmlnode.Node) error {
	return errNotImplemented
}
