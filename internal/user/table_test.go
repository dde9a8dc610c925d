package user_test

import (
	"testing"

	"github.com/n1/coauthor/internal/user"
	"github.com/stretchr/testify/require"
)

type testUser struct {
	id   uint64
	name string
}

func (u testUser) ID() uint64   { return u.id }
func (u testUser) Name() string { return u.name }

func TestInsertLookupByIDAndName(t *testing.T) {
	tbl := user.NewTable()
	a := testUser{id: 1, name: "alice"}
	tbl.Insert(a)

	got, ok := tbl.LookupByID(1)
	require.True(t, ok)
	require.Equal(t, a, got)

	got, ok = tbl.LookupByName("alice")
	require.True(t, ok)
	require.Equal(t, a, got)

	require.Equal(t, 1, tbl.Len())
}

func TestInsertZeroIDPanics(t *testing.T) {
	tbl := user.NewTable()
	require.Panics(t, func() {
		tbl.Insert(testUser{id: 0, name: "nobody"})
	})
}

func TestInsertDuplicateIDPanics(t *testing.T) {
	tbl := user.NewTable()
	tbl.Insert(testUser{id: 1, name: "alice"})
	require.Panics(t, func() {
		tbl.Insert(testUser{id: 1, name: "alice2"})
	})
}

func TestRemove(t *testing.T) {
	tbl := user.NewTable()
	a := testUser{id: 1, name: "alice"}
	tbl.Insert(a)
	tbl.Remove(a)

	_, ok := tbl.LookupByID(1)
	require.False(t, ok)
	_, ok = tbl.LookupByName("alice")
	require.False(t, ok)
	require.Equal(t, 0, tbl.Len())
}

func TestRemoveWrongUserPanics(t *testing.T) {
	tbl := user.NewTable()
	a := testUser{id: 1, name: "alice"}
	tbl.Insert(a)

	require.Panics(t, func() {
		tbl.Remove(testUser{id: 1, name: "impostor"})
	})
}

func TestForEachStopsEarly(t *testing.T) {
	tbl := user.NewTable()
	tbl.Insert(testUser{id: 1, name: "a"})
	tbl.Insert(testUser{id: 2, name: "b"})
	tbl.Insert(testUser{id: 3, name: "c"})

	seen := 0
	tbl.ForEach(func(u user.User) bool {
		seen++
		return seen < 2
	})
	require.Equal(t, 2, seen)
}
