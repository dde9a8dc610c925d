package textsync

import (
	"fmt"

	"github.com/n1/coauthor/internal/netio"
	"github.com/n1/coauthor/internal/session"
	"github.com/n1/coauthor/internal/user"
	"github.com/n1/coauthor/internal/xmlnode"
)

// mutableBuffer is the slice of internal/buffer.Buffer this codec needs
// beyond session.Buffer's Snapshot/Replace: the position-addressed
// mutators run messages apply.
type mutableBuffer interface {
	session.Buffer
	Insert(offset int, text string) error
	Delete(offset, length int) error
}

// Codec adapts the generic sync framing to a plain-text document. It
// embeds session.BaseCodec for every default behavior (sync-user
// handling, property parsing/validation) and overrides the four
// methods a concrete document type owns: snapshot emission and
// content-message handling (EmitSnapshot, ProcessSyncMessage), user
// construction, and run-message application.
type Codec struct {
	session.BaseCodec
}

// New returns a ready-to-use textsync Codec.
func New() *Codec {
	return &Codec{}
}

// EmitSnapshot defers to BaseCodec for the user-table sync-user nodes,
// then appends one "content" node carrying the buffer's current text
// as character data.
func (c *Codec) EmitSnapshot(s *session.Session) ([]xmlnode.Node, error) {
	nodes, err := c.BaseCodec.EmitSnapshot(s)
	if err != nil {
		return nil, err
	}
	content := xmlnode.New("content")
	content.CharData = s.Buffer().Snapshot()
	return append(nodes, content), nil
}

// ProcessSyncMessage recognizes "content" in addition to BaseCodec's
// default "sync-user" handling: during an inbound sync, the body
// stream is a run of sync-user messages plus exactly one content
// message carrying the document snapshot.
func (c *Codec) ProcessSyncMessage(s *session.Session, conn *netio.Connection, node xmlnode.Node) error {
	if node.Name() != "content" {
		return c.BaseCodec.ProcessSyncMessage(s, conn, node)
	}
	return s.Buffer().Replace(node.CharData)
}

// ConstructUser builds a textsync.User from validated properties.
func (c *Codec) ConstructUser(s *session.Session, props session.UserProperties) (user.User, error) {
	return User{id: props.ID, name: props.Name}, nil
}

// ProcessRunMessage applies "insert" and "delete" document operations
// directly to the buffer: last-writer-wins, no conflict resolution,
// exactly the boundary the core draws around its Non-goals.
func (c *Codec) ProcessRunMessage(s *session.Session, conn *netio.Connection, node xmlnode.Node) error {
	buf, ok := s.Buffer().(mutableBuffer)
	if !ok {
		return fmt.Errorf("textsync: session buffer does not support run-message mutation")
	}

	switch node.Name() {
	case "insert":
		offset, present, err := node.UintAttr("offset")
		if err != nil || !present {
			return fmt.Errorf("textsync: insert message missing offset: %w", err)
		}
		return buf.Insert(int(offset), node.CharData)
	case "delete":
		offset, offsetPresent, err := node.UintAttr("offset")
		if err != nil || !offsetPresent {
			return fmt.Errorf("textsync: delete message missing offset: %w", err)
		}
		length, lengthPresent, err := node.UintAttr("length")
		if err != nil || !lengthPresent {
			return fmt.Errorf("textsync: delete message missing length: %w", err)
		}
		return buf.Delete(int(offset), int(length))
	default:
		return fmt.Errorf("textsync: unrecognized run message %q", node.Name())
	}
}
