// Package memctx implements hierarchical memory contexts: arena-style
// allocation scopes arranged in a tree, where freeing a parent recursively
// frees every child. This is the error-recovery mechanism: an aborted
// transaction resets its context subtree instead of freeing objects one
// at a time.
package memctx

import (
	"fmt"
	"sync"
)

// Stats reports bookkeeping counters for a context and its subtree.
type Stats struct {
	ChunksAllocated int
	BytesAllocated  int64
	ChildCount      int
}

// Context is a node in the memory-context tree. Each context owns a set
// of byte-slice chunks; Reset releases them without destroying the
// context, and Delete removes the context (and recursively, its
// children) from the tree entirely.
type Context struct {
	mu       sync.Mutex
	name     string
	parent   *Context
	children []*Context
	chunks   [][]byte
	bytes    int64
	deleted  bool
}

// NewTopContext creates a root of a new context tree; everything else
// hangs off of it until the session ends.
func NewTopContext(name string) *Context {
	return &Context{name: name}
}

// NewChild creates a child context under c. Resetting or deleting c
// cascades to every descendant, including this one.
func (c *Context) NewChild(name string) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	child := &Context{name: name, parent: c}
	c.children = append(c.children, child)
	return child
}

// Name returns the context's label, used in stats and diagnostics.
func (c *Context) Name() string { return c.name }

// Alloc reserves n bytes from the context and returns them zeroed. The
// returned slice is owned by the context; it becomes invalid once Reset
// or Delete runs.
func (c *Context) Alloc(n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return nil, fmt.Errorf("memctx: alloc on deleted context %q", c.name)
	}
	return c.allocLocked(n)
}

// allocLocked is Alloc's body; the caller holds c.mu.
func (c *Context) allocLocked(n int) ([]byte, error) {
	buf := make([]byte, n)
	c.chunks = append(c.chunks, buf)
	c.bytes += int64(n)
	return buf, nil
}

// Realloc replaces a previously allocated chunk with one of size n,
// copying the overlapping prefix, mirroring the virtual-dispatch
// alloc/free/realloc surface a memory context exposes.
func (c *Context) Realloc(buf []byte, n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return nil, fmt.Errorf("memctx: realloc on deleted context %q", c.name)
	}
	if len(buf) == 0 {
		return c.allocLocked(n)
	}
	for i, ch := range c.chunks {
		if len(ch) > 0 && &ch[0] == &buf[0] {
			nb := make([]byte, n)
			copy(nb, ch)
			c.bytes += int64(n - len(ch))
			c.chunks[i] = nb
			return nb, nil
		}
	}
	return nil, fmt.Errorf("memctx: realloc of chunk not owned by %q", c.name)
}

// Reset releases every chunk directly owned by c and recursively resets
// every child, without removing c (or its children) from the tree. This
// is what an aborted transaction does to its per-statement context.
func (c *Context) Reset() {
	c.mu.Lock()
	children := append([]*Context(nil), c.children...)
	c.chunks = nil
	c.bytes = 0
	c.mu.Unlock()

	for _, ch := range children {
		ch.Reset()
	}
}

// Delete recursively deletes c's entire subtree and unlinks c from its
// parent. Using c after Delete is an error.
func (c *Context) Delete() {
	c.mu.Lock()
	children := append([]*Context(nil), c.children...)
	parent := c.parent
	c.chunks = nil
	c.bytes = 0
	c.deleted = true
	c.mu.Unlock()

	for _, ch := range children {
		ch.Delete()
	}

	if parent != nil {
		parent.mu.Lock()
		for i, pc := range parent.children {
			if pc == c {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
		parent.mu.Unlock()
	}
}

// Stats reports this context's own chunk/byte counts and its immediate
// child count (not recursive).
func (c *Context) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		ChunksAllocated: len(c.chunks),
		BytesAllocated:  c.bytes,
		ChildCount:      len(c.children),
	}
}

// TotalBytes sums BytesAllocated across c and every descendant.
func (c *Context) TotalBytes() int64 {
	c.mu.Lock()
	total := c.bytes
	children := append([]*Context(nil), c.children...)
	c.mu.Unlock()

	for _, ch := range children {
		total += ch.TotalBytes()
	}
	return total
}
