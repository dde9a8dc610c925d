// Package user provides the User record contract and the UserTable a
// Session owns: a mapping from unsigned user id to user record with a
// secondary name index, enforcing the pairwise-distinct-id and
// pairwise-distinct-name invariants a session's protocol depends on.
package user

import "fmt"

// User is the minimum shape a codec's concrete user type must satisfy
// for the table and protocol layer to manage it. Codecs supply their
// own concrete types (internal/textsync.User, for instance) that
// implement this interface.
type User interface {
	ID() uint64
	Name() string
}

// Table is the session's user_table: ownership of the user records,
// keyed by id, with a second map indexing the same records by name.
type Table struct {
	byID   map[uint64]User
	byName map[string]User
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{
		byID:   make(map[uint64]User),
		byName: make(map[string]User),
	}
}

// Insert adds u to the table. It panics if u.ID() == 0 or if a user is
// already stored under that id — both are caller-precondition
// violations, not runtime conditions: id and name uniqueness must
// already have been checked by the codec's validate_user_properties
// step before Insert is ever called.
func (t *Table) Insert(u User) {
	if u.ID() == 0 {
		panic("user: cannot insert a user with id 0")
	}
	if _, exists := t.byID[u.ID()]; exists {
		panic(fmt.Sprintf("user: id %d already present in table", u.ID()))
	}
	t.byID[u.ID()] = u
	t.byName[u.Name()] = u
}

// Remove deletes u from the table. It panics if the exact user stored
// under u.ID() is not u, guarding against a caller removing a user
// that has already left (or never joined).
func (t *Table) Remove(u User) {
	existing, ok := t.byID[u.ID()]
	if !ok || existing != u {
		panic(fmt.Sprintf("user: user %d is not the one stored in the table", u.ID()))
	}
	delete(t.byID, u.ID())
	delete(t.byName, u.Name())
}

// LookupByID returns the user stored under id, if any.
func (t *Table) LookupByID(id uint64) (User, bool) {
	u, ok := t.byID[id]
	return u, ok
}

// LookupByName returns the user stored under name, if any.
func (t *Table) LookupByName(name string) (User, bool) {
	u, ok := t.byName[name]
	return u, ok
}

// ForEach calls fn once per user in the table, in unspecified order.
// Stops early if fn returns false.
func (t *Table) ForEach(fn func(User) bool) {
	for _, u := range t.byID {
		if !fn(u) {
			return
		}
	}
}

// Len returns the number of users currently in the table.
func (t *Table) Len() int {
	return len(t.byID)
}
