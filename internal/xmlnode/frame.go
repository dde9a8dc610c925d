package xmlnode

import (
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
)

// Frame is one wire message: the NetObject identifier it belongs to,
// plus the XML node it carries. Framing is
// [2-byte identifier length][identifier][4-byte body length][xml body],
// all big-endian, one frame per Send. This generalizes the teacher's
// fixed [1-byte type][4-byte length][data] framing (internal/miror/transport.go)
// to carry an arbitrary-length NetObject identifier instead of a
// single message-type byte, since this protocol multiplexes many
// (connection, identifier) groups over one connection.
type Frame struct {
	Identifier string
	Node       Node
}

const maxFrameBody = 64 * 1024 * 1024

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, identifier string, node Node) error {
	idBytes := []byte(identifier)
	if len(idBytes) > 0xFFFF {
		return fmt.Errorf("identifier too long: %d bytes", len(idBytes))
	}

	body, err := xml.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node %q: %w", node.Name(), err)
	}
	if len(body) > maxFrameBody {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}

	header := make([]byte, 2+len(idBytes)+4)
	binary.BigEndian.PutUint16(header[0:2], uint16(len(idBytes)))
	copy(header[2:2+len(idBytes)], idBytes)
	binary.BigEndian.PutUint32(header[2+len(idBytes):], uint32(len(body)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	idLenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, idLenBuf); err != nil {
		return Frame{}, err
	}
	idLen := binary.BigEndian.Uint16(idLenBuf)

	idBuf := make([]byte, idLen)
	if _, err := io.ReadFull(r, idBuf); err != nil {
		return Frame{}, fmt.Errorf("failed to read frame identifier: %w", err)
	}

	bodyLenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, bodyLenBuf); err != nil {
		return Frame{}, fmt.Errorf("failed to read frame body length: %w", err)
	}
	bodyLen := binary.BigEndian.Uint32(bodyLenBuf)
	if bodyLen > maxFrameBody {
		return Frame{}, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("failed to read frame body: %w", err)
	}

	var node Node
	if err := xml.Unmarshal(body, &node); err != nil {
		return Frame{}, fmt.Errorf("failed to unmarshal node: %w", err)
	}

	return Frame{Identifier: string(idBuf), Node: node}, nil
}
