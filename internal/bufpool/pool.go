package bufpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrPoolExhausted is returned when a new allocation would push the pool
	// over its byte budget. Callers treat it as fatal for the operation at hand.
	ErrPoolExhausted = errors.New("buffer pool exhausted")

	// ErrBufferNotInUse is returned when freeing a buffer that this pool did
	// not lend out, or that was already freed.
	ErrBufferNotInUse = errors.New("buffer is not in use by this pool")

	// ErrInvalidSize is returned for zero or negative size requests.
	ErrInvalidSize = errors.New("invalid buffer size")
)

// Stats is a point-in-time snapshot of the pool accounting.
type Stats struct {
	MaxSize         int `json:"max_size"`
	TotalSize       int `json:"total_size"`
	UsedSize        int `json:"used_size"`
	FreeSize        int `json:"free_size"`
	UnallocatedSize int `json:"unallocated_size"`
	UsedBuffers     int `json:"used_buffers"`
	FreeBuffers     int `json:"free_buffers"`
}

// Pool is a bounded cache of Buffers. Buffers are either lent out (used) or
// parked in the free list, which is kept sorted by ascending capacity so a
// request is served by the smallest buffer that fits.
//
// Sizes are accounted as follows: TotalSize is the combined capacity of every
// buffer the pool owns, UsedSize is the sum of the sizes requested for the
// buffers currently lent out, and FreeSize is the remainder.
type Pool struct {
	mu sync.Mutex

	used map[*Buffer]int // buffer -> size charged at checkout
	free []*Buffer       // ascending by capacity

	maxSize   int
	totalSize int
	usedSize  int

	logger zerolog.Logger
}

// NewPool creates a pool that never holds more than maxSize bytes.
func NewPool(maxSize int, logger zerolog.Logger) *Pool {
	p := &Pool{
		used:    make(map[*Buffer]int),
		maxSize: maxSize,
		logger:  logger.With().Str("component", "bufpool").Logger(),
	}
	p.logger.Debug().Int("max_size", maxSize).Msg("buffer pool initialized")
	return p
}

// GetBuffer returns a buffer whose used length equals size. A free buffer
// with sufficient capacity is reused when available; otherwise a new buffer
// of exactly size bytes is allocated within the budget.
func (p *Pool) GetBuffer(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("get buffer of %d bytes: %w", size, ErrInvalidSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, buf := range p.free {
		if buf.Cap() < size {
			continue
		}
		p.free = append(p.free[:i], p.free[i+1:]...)
		buf.used = size
		p.markUsedLocked(buf, size)
		p.logger.Trace().
			Int("capacity", buf.Cap()).
			Int("size", size).
			Msg("reusing buffer")
		return buf, nil
	}

	buf, err := p.allocateLocked(size)
	if err != nil {
		return nil, err
	}
	p.markUsedLocked(buf, size)
	return buf, nil
}

// FreeBuffer returns buf to the free list for later reuse.
func (p *Pool) FreeBuffer(buf *Buffer) error {
	return p.release(buf, false)
}

// FreeAndRemoveBuffer returns buf and deallocates it immediately, used when
// its size class is unlikely to be requested again.
func (p *Pool) FreeAndRemoveBuffer(buf *Buffer) error {
	return p.release(buf, true)
}

// FlushUnused drops every free buffer. Lent-out buffers are untouched.
func (p *Pool) FlushUnused() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushUnusedLocked()
}

// Close reclaims all buffers still lent out and then drops everything.
// Buffers still in use at this point indicate a lifecycle bug upstream.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Debug().
		Int("used_buffers", len(p.used)).
		Int("free_buffers", len(p.free)).
		Int("used_size", p.usedSize).
		Int("total_size", p.totalSize).
		Msg("clearing buffer pool")

	if len(p.used) > 0 {
		p.logger.Warn().Int("count", len(p.used)).Msg("buffer pool still has buffers in use")
	}
	for buf := range p.used {
		p.releaseLocked(buf, false)
	}
	p.flushUnusedLocked()
}

// TotalSize returns the combined capacity of every buffer the pool owns.
func (p *Pool) TotalSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalSize
}

// UsedSize returns the bytes charged to buffers that are lent out.
func (p *Pool) UsedSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usedSize
}

// FreeSize returns TotalSize minus UsedSize.
func (p *Pool) FreeSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalSize - p.usedSize
}

// UnallocatedSize returns how many more bytes may still be allocated.
func (p *Pool) UnallocatedSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSize - p.totalSize
}

// MaxSize returns the configured byte budget.
func (p *Pool) MaxSize() int {
	return p.maxSize
}

// Stats returns a consistent snapshot of every counter.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		MaxSize:         p.maxSize,
		TotalSize:       p.totalSize,
		UsedSize:        p.usedSize,
		FreeSize:        p.totalSize - p.usedSize,
		UnallocatedSize: p.maxSize - p.totalSize,
		UsedBuffers:     len(p.used),
		FreeBuffers:     len(p.free),
	}
}

func (p *Pool) release(buf *Buffer, remove bool) error {
	if buf == nil {
		return ErrBufferNotInUse
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.releaseLocked(buf, remove) {
		p.logger.Warn().
			Int("capacity", buf.Cap()).
			Bool("remove", remove).
			Msg("attempted to free a buffer that is not in use")
		return ErrBufferNotInUse
	}
	return nil
}

func (p *Pool) releaseLocked(buf *Buffer, remove bool) bool {
	charged, ok := p.used[buf]
	if !ok {
		return false
	}
	delete(p.used, buf)
	p.usedSize -= charged

	p.logger.Trace().
		Int("capacity", buf.Cap()).
		Bool("remove", remove).
		Msg("freeing buffer")

	if remove {
		p.totalSize -= buf.Cap()
		return true
	}
	p.insertFreeLocked(buf)
	return true
}

func (p *Pool) markUsedLocked(buf *Buffer, size int) {
	p.used[buf] = size
	p.usedSize += size
}

func (p *Pool) allocateLocked(size int) (*Buffer, error) {
	if p.totalSize+size > p.maxSize {
		p.logger.Error().
			Int("size", size).
			Int("total_size", p.totalSize).
			Int("max_size", p.maxSize).
			Msg("attempting to overflow the buffer pool")
		return nil, fmt.Errorf("allocate %d bytes (total %d, max %d): %w",
			size, p.totalSize, p.maxSize, ErrPoolExhausted)
	}
	buf := NewBuffer(size)
	p.totalSize += size
	p.logger.Trace().Int("size", size).Msg("allocated new buffer")
	return buf, nil
}

// insertFreeLocked keeps the free list sorted by ascending capacity. Pools
// hold few buffers, so a linear scan is fine.
func (p *Pool) insertFreeLocked(buf *Buffer) {
	i := 0
	for i < len(p.free) && p.free[i].Cap() <= buf.Cap() {
		i++
	}
	p.free = append(p.free, nil)
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = buf
}

func (p *Pool) flushUnusedLocked() {
	for _, buf := range p.free {
		p.totalSize -= buf.Cap()
	}
	p.free = nil
}
