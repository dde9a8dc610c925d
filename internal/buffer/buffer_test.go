package buffer_test

import (
	"testing"

	"github.com/n1/coauthor/internal/buffer"
	"github.com/stretchr/testify/require"
)

func TestSnapshotAndReplace(t *testing.T) {
	b := buffer.New("hello")
	require.Equal(t, "hello", b.Snapshot())

	require.NoError(t, b.Replace("goodbye"))
	require.Equal(t, "goodbye", b.Snapshot())
}

func TestInsert(t *testing.T) {
	b := buffer.New("helloworld")
	require.NoError(t, b.Insert(5, " "))
	require.Equal(t, "hello world", b.Snapshot())
}

func TestInsertOutOfRange(t *testing.T) {
	b := buffer.New("hi")
	require.Error(t, b.Insert(10, "x"))
}

func TestDelete(t *testing.T) {
	b := buffer.New("hello world")
	require.NoError(t, b.Delete(5, 6))
	require.Equal(t, "hello", b.Snapshot())
}

func TestDeleteOutOfRange(t *testing.T) {
	b := buffer.New("hi")
	require.Error(t, b.Delete(0, 10))
}
