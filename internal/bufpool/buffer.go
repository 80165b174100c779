// Package bufpool implements the reusable byte buffers shared by the network
// runtime. Buffers are handed out by a bounded Pool, moved between the
// receive, tick and send goroutines, and returned to the pool when sent or
// processed.
package bufpool

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrExceedsCapacity is returned when a used length larger than the buffer's
// capacity is requested.
var ErrExceedsCapacity = errors.New("used length exceeds buffer capacity")

// Buffer is a fixed-capacity byte array with a separately tracked used
// length. The capacity never changes after allocation, which lets the pool
// hand the same memory out again for any request that fits.
type Buffer struct {
	data []byte
	used int
}

// NewBuffer allocates a buffer of the given capacity. The used length starts
// at the full capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{
		data: make([]byte, capacity),
		used: capacity,
	}
}

// Cap returns the total capacity in bytes.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Len returns the number of bytes currently in use.
func (b *Buffer) Len() int {
	return b.used
}

// SetLen changes the used length. It never reallocates.
func (b *Buffer) SetLen(n int) error {
	if n < 0 || n > len(b.data) {
		return fmt.Errorf("set length %d (capacity %d): %w", n, len(b.data), ErrExceedsCapacity)
	}
	b.used = n
	return nil
}

// Bytes returns the used window of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.used]
}

// Raw returns the whole underlying array regardless of the used length.
func (b *Buffer) Raw() []byte {
	return b.data
}

// Element is the set of fixed-size types a byte buffer can be viewed as.
type Element interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~uint64 | ~int64 | ~float32 | ~float64
}

// View reinterprets the used bytes of b as a slice of U sharing the same
// memory, in host byte order. The used length must be an exact multiple of
// the element size; anything else means the caller mis-framed the data, so
// View panics instead of returning an error.
func View[U Element](b *Buffer) []U {
	var zero U
	size := int(unsafe.Sizeof(zero))
	if b.used%size != 0 {
		panic(fmt.Sprintf("bufpool: %d used bytes do not divide into %d-byte elements", b.used, size))
	}
	if b.used == 0 {
		return []U{}
	}
	return unsafe.Slice((*U)(unsafe.Pointer(&b.data[0])), b.used/size)
}
