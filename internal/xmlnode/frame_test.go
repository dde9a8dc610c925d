package xmlnode_test

import (
	"bytes"
	"testing"

	"github.com/n1/coauthor/internal/xmlnode"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	node := xmlnode.New("sync-user")
	node.SetUintAttr("id", 1)
	node.SetAttr("name", "alice")

	var buf bytes.Buffer
	require.NoError(t, xmlnode.WriteFrame(&buf, "session-42", node))

	frame, err := xmlnode.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, "session-42", frame.Identifier)
	require.Equal(t, "sync-user", frame.Node.Name())

	id, ok, err := frame.Node.UintAttr("id")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, id)

	name, ok := frame.Node.Attr("name")
	require.True(t, ok)
	require.Equal(t, "alice", name)
}

func TestWriteFrameMultipleSequential(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, xmlnode.WriteFrame(&buf, "a", xmlnode.New("sync-begin")))
	require.NoError(t, xmlnode.WriteFrame(&buf, "a", xmlnode.New("sync-end")))

	first, err := xmlnode.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, "sync-begin", first.Node.Name())

	second, err := xmlnode.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, "sync-end", second.Node.Name())
}

func TestUintAttrMissing(t *testing.T) {
	node := xmlnode.New("sync-begin")
	_, ok, err := node.UintAttr("num-messages")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUintAttrInvalid(t *testing.T) {
	node := xmlnode.New("sync-begin")
	node.SetAttr("num-messages", "not-a-number")
	_, ok, err := node.UintAttr("num-messages")
	require.True(t, ok)
	require.Error(t, err)
}
