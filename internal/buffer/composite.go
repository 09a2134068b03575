package buffer

import "errors"

// Composite presents an ordered sequence of constituent Buffers as a
// single logical byte sequence with its own read and write cursors that
// project onto the correct constituent.
//
// Invariants of Composite:
//   - constituents are unique by identity (no Buffer appended twice)
//   - no "write gap": once one constituent has writable room left (its
//     write side is the tail, so in practice only the last constituent
//     may be partially written), no earlier constituent may be partially
//     written while a later one has been appended to
//   - no "read gap": the read cursor never skips over an unread
//     constituent to reach a later one
//   - the read cursor never exceeds the write cursor
//
// Append checks only constituent identity; it does not check for a write
// gap.
type Composite struct {
	parts []*Buffer
	// prefix[i] is the number of bytes contained in parts[0:i]
	prefix []int
}

// ErrDuplicateConstituent is returned by Append when the same *Buffer
// identity is appended twice.
var ErrDuplicateConstituent = errors.New("buffer: duplicate constituent identity")

// ErrWriteGap names the write-gap violation (an earlier constituent left
// with unwritten trailing capacity). Append does not check for write gaps,
// so nothing in this package returns it.
var ErrWriteGap = errors.New("buffer: write gap across constituents")

// NewComposite builds a Composite from zero or more constituents, in order.
func NewComposite(parts ...*Buffer) (*Composite, error) {
	c := &Composite{}
	for _, p := range parts {
		if err := c.Append(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Append adds buf as the new final constituent.
func (c *Composite) Append(buf *Buffer) error {
	for _, p := range c.parts {
		if p == buf {
			return ErrDuplicateConstituent
		}
	}
	c.parts = append(c.parts, buf)
	prefix := 0
	if n := len(c.prefix); n > 0 {
		prefix = c.prefix[n-1]
	}
	c.prefix = append(c.prefix, prefix+buf.Size())
	return nil
}

// Decompose returns the constituent buffers in order. The caller must not
// mutate the returned slice's backing array.
func (c *Composite) Decompose() []*Buffer {
	out := make([]*Buffer, len(c.parts))
	copy(out, c.parts)
	return out
}

// Len returns the total number of unread bytes across all constituents.
func (c *Composite) Len() int {
	total := 0
	for _, p := range c.parts {
		total += p.Len()
	}
	return total
}

// Size returns the total capacity (read+unread) across all constituents.
func (c *Composite) Size() int {
	if len(c.prefix) == 0 {
		return 0
	}
	return c.prefix[len(c.prefix)-1]
}

// Next returns the next n unread bytes, copying across a constituent
// boundary only when the requested span crosses one. ok is false if
// fewer than n bytes remain.
func (c *Composite) Next(n int) (buf []byte, ok bool) {
	if n < 0 || c.Len() < n {
		return nil, false
	}
	// fast path: entirely within one constituent
	for _, p := range c.parts {
		if p.Len() == 0 {
			continue
		}
		if p.Len() >= n {
			b, ok := p.Next(int64(n))
			return b, ok
		}
		break
	}
	// slow path: spans constituents, must copy
	out := make([]byte, 0, n)
	remaining := n
	for _, p := range c.parts {
		if remaining == 0 {
			break
		}
		if p.Len() == 0 {
			continue
		}
		take := p.Len()
		if take > remaining {
			take = remaining
		}
		b, _ := p.Next(int64(take))
		out = append(out, b...)
		remaining -= take
	}
	return out, true
}

// Reclaim drops leading constituents that have been fully read, so the
// Composite's memory footprint doesn't grow unbounded as frames are
// consumed off a long-lived connection.
func (c *Composite) Reclaim() {
	drop := 0
	for drop < len(c.parts) && c.parts[drop].Len() == 0 && c.parts[drop].read >= c.parts[drop].Size() {
		drop++
	}
	if drop == 0 {
		return
	}
	c.parts = append([]*Buffer{}, c.parts[drop:]...)
	prefix := make([]int, len(c.parts))
	base := 0
	if drop > 0 {
		// recompute prefix sums relative to the remaining parts
	}
	running := 0
	for i, p := range c.parts {
		running += p.Size()
		prefix[i] = running
	}
	_ = base
	c.prefix = prefix
}

// EnsureWritable guarantees at least n more writable bytes are available
// by appending a freshly allocated constituent when the current tail has
// no room (Buffer grows its own slice on Write, so in practice this is
// only needed to pre-size a tail before handing it to an I/O reader).
func (c *Composite) EnsureWritable(n int, alloc func(capacity int) *Buffer) error {
	if len(c.parts) == 0 {
		return c.Append(alloc(n))
	}
	tail := c.parts[len(c.parts)-1]
	if cap(tail.b)-len(tail.b) >= n {
		return nil
	}
	return c.Append(alloc(n))
}
