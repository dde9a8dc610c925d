// Package xmlnode provides the generic XML element the session
// protocol is framed around, and the wire encoding used to carry it
// over a connection.
package xmlnode

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

// Node is a generic XML element: a name, a flat attribute set, and an
// ordered list of children. The protocol never needs anything richer
// than this — codecs build and inspect nodes through the Attr/SetAttr
// and AddChild helpers below rather than through encoding/xml directly.
type Node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Elements []Node     `xml:",any"`
	CharData string     `xml:",chardata"`
}

// New creates a Node with the given tag name and no attributes or children.
func New(name string) Node {
	return Node{XMLName: xml.Name{Local: name}}
}

// Name returns the element's local tag name.
func (n Node) Name() string {
	return n.XMLName.Local
}

// Attr returns the value of the named attribute and whether it was present.
func (n Node) Attr(key string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == key {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr sets (or replaces) the named attribute.
func (n *Node) SetAttr(key, value string) {
	for i, a := range n.Attrs {
		if a.Name.Local == key {
			n.Attrs[i].Value = value
			return
		}
	}
	n.Attrs = append(n.Attrs, xml.Attr{Name: xml.Name{Local: key}, Value: value})
}

// UintAttr parses the named attribute as an unsigned decimal integer.
func (n Node) UintAttr(key string) (uint64, bool, error) {
	raw, ok := n.Attr(key)
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("attribute %q is not an unsigned integer: %w", key, err)
	}
	return v, true, nil
}

// SetUintAttr sets the named attribute to the decimal string form of v.
func (n *Node) SetUintAttr(key string, v uint64) {
	n.SetAttr(key, strconv.FormatUint(v, 10))
}

// AddChild appends a child element.
func (n *Node) AddChild(c Node) {
	n.Elements = append(n.Elements, c)
}
