// Package buffer provides the minimal in-memory document store the
// core session package holds an opaque handle to. It carries no
// persistence beyond the process's lifetime, and no conflict
// resolution: concurrent Insert/Delete/Replace calls are simply
// serialized by a mutex, last writer wins.
package buffer

import (
	"fmt"
	"sync"
)

// Buffer is a concrete, in-memory text document. It satisfies
// session.Buffer (Snapshot/Replace) and additionally exposes the
// position-addressed mutators internal/textsync uses for run messages.
type Buffer struct {
	mu      sync.Mutex
	content string
}

// New returns a Buffer seeded with content.
func New(content string) *Buffer {
	return &Buffer{content: content}
}

// Snapshot returns the buffer's current full content.
func (b *Buffer) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.content
}

// Replace overwrites the buffer's entire content.
func (b *Buffer) Replace(s string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.content = s
	return nil
}

// Insert splices text into the buffer at offset (counted in runes).
func (b *Buffer) Insert(offset int, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	runes := []rune(b.content)
	if offset < 0 || offset > len(runes) {
		return fmt.Errorf("buffer: insert offset %d out of range [0,%d]", offset, len(runes))
	}

	result := make([]rune, 0, len(runes)+len([]rune(text)))
	result = append(result, runes[:offset]...)
	result = append(result, []rune(text)...)
	result = append(result, runes[offset:]...)
	b.content = string(result)
	return nil
}

// Delete removes length runes starting at offset.
func (b *Buffer) Delete(offset, length int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	runes := []rune(b.content)
	if offset < 0 || length < 0 || offset+length > len(runes) {
		return fmt.Errorf("buffer: delete range [%d,%d) out of bounds for length %d", offset, offset+length, len(runes))
	}

	result := make([]rune, 0, len(runes)-length)
	result = append(result, runes[:offset]...)
	result = append(result, runes[offset+length:]...)
	b.content = string(result)
	return nil
}
