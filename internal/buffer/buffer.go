// Package buffer implements the byte-cursor containers the rest of the
// engine is built on: a single flat Buffer with independent read/write
// cursors, and a Composite that presents several Buffers as one logical
// byte sequence.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Buffer is a byte container with independent read and write cursors.
// The zero value is an empty, ready to use Buffer.
type Buffer struct {
	b    []byte
	read int
}

// New wraps b in a Buffer. The write cursor starts at len(b); the read
// cursor starts at 0.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

// NewWithCapacity allocates a Buffer with the given capacity and a zero
// length; bytes written via the Append* methods grow it as needed.
func NewWithCapacity(capacity int) *Buffer {
	return &Buffer{b: make([]byte, 0, capacity)}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.b) - b.read
}

// Size returns the total capacity written so far (read + unread).
func (b *Buffer) Size() int {
	return len(b.b)
}

// Bytes returns the full underlying slice, including already-read bytes.
// Callers that only want unread bytes should use Peek.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// Peek returns the unread portion without advancing the read cursor.
func (b *Buffer) Peek() []byte {
	return b.b[b.read:]
}

// Detach returns the unread bytes and resets the Buffer to empty. The
// caller takes ownership of the returned slice.
func (b *Buffer) Detach() []byte {
	out := b.b[b.read:]
	b.b = nil
	b.read = 0
	return out
}

// Reset empties the buffer, retaining its underlying storage for reuse.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.read = 0
}

// ReadOffset returns the current read cursor, for diagnostics and tests.
func (b *Buffer) ReadOffset() int {
	return b.read
}

// Skip advances the read cursor by n bytes without returning them.
// It reports a bounds error if n exceeds the unread length.
func (b *Buffer) Skip(n int) error {
	if n < 0 || n > b.Len() {
		return fmt.Errorf("buffer: skip %d exceeds %d unread bytes", n, b.Len())
	}
	b.read += n
	return nil
}

// Next returns the next n unread bytes without copying, advancing the
// read cursor. ok is false if fewer than n bytes are available.
func (b *Buffer) Next(n int64) (buf []byte, ok bool) {
	if n < 0 || int64(b.Len()) < n {
		return nil, false
	}
	buf = b.b[b.read : b.read+int(n)]
	b.read += int(n)
	return buf, true
}

// ReadByte implements io.ByteReader.
func (b *Buffer) ReadByte() (byte, error) {
	if b.Len() < 1 {
		return 0, errBufferUnderrun
	}
	c := b.b[b.read]
	b.read++
	return c, nil
}

// UnreadByte rewinds the read cursor by one byte.
func (b *Buffer) UnreadByte() error {
	if b.read == 0 {
		return errors.New("buffer: UnreadByte at start of buffer")
	}
	b.read--
	return nil
}

var errBufferUnderrun = errors.New("buffer: underrun, not enough bytes")

// ErrUnderrun is returned by the primitive readers when fewer bytes are
// available than the encoding requires.
var ErrUnderrun = errBufferUnderrun

func (b *Buffer) readN(n int) ([]byte, error) {
	if b.Len() < n {
		return nil, errBufferUnderrun
	}
	buf := b.b[b.read : b.read+n]
	b.read += n
	return buf, nil
}

// ReadUint8 reads one unsigned byte.
func (b *Buffer) ReadUint8() (uint8, error) {
	buf, err := b.readN(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadUint16 reads a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	buf, err := b.readN(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

// ReadUint32 reads a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	buf, err := b.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

// ReadUint64 reads a big-endian uint64.
func (b *Buffer) ReadUint64() (uint64, error) {
	buf, err := b.readN(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf), nil
}

// Write appends p to the buffer, growing it as needed.
func (b *Buffer) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}

// WriteString appends s to the buffer.
func (b *Buffer) WriteString(s string) {
	b.b = append(b.b, s...)
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(c byte) error {
	b.b = append(b.b, c)
	return nil
}

// AppendByte is WriteByte without the io.ByteWriter error return, kept for
// call sites that never check it (mirrors the teacher's encode.go style).
func (b *Buffer) AppendByte(c byte) {
	b.b = append(b.b, c)
}

// WriteUint16 appends a big-endian uint16.
func (b *Buffer) WriteUint16(n uint16) {
	b.b = append(b.b, byte(n>>8), byte(n))
}

// AppendUint32 appends a big-endian uint32.
func (b *Buffer) AppendUint32(n uint32) {
	b.WriteUint32(n)
}

// WriteUint32 appends a big-endian uint32.
func (b *Buffer) WriteUint32(n uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], n)
	b.b = append(b.b, tmp[:]...)
}

// WriteUint64 appends a big-endian uint64.
func (b *Buffer) WriteUint64(n uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], n)
	b.b = append(b.b, tmp[:]...)
}

// Fill appends n copies of c.
func (b *Buffer) Fill(n int, c byte) {
	for i := 0; i < n; i++ {
		b.b = append(b.b, c)
	}
}

// Clone returns a Buffer wrapping a copy of the unread bytes.
func (b *Buffer) Clone() *Buffer {
	cp := make([]byte, b.Len())
	copy(cp, b.Peek())
	return New(cp)
}
