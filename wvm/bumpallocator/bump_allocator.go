package bumpallocator

import (
	"errors"
	"fmt"
	"sync"
)

const (
	WasmPageSize = 1 << 16 // 64Kb
	MaxPages     = 4 * 1024 * 1024 * 1024 / WasmPageSize

	// DefaultArenaSize is the arena capacity used when not configured.
	DefaultArenaSize = 1 << 20

	// one past the highest address of 32-bit linear memory
	addressSpace = 1 << 32
)

var (
	ErrExhausted        = errors.New("arena exhausted")
	ErrAddressOverflow  = errors.New("address overflow")
	ErrGrowUnsupported  = errors.New("arena growth is not supported")
	ErrInvalidAlignment = errors.New("alignment must be a power of two")
	ErrArenaPlacement   = errors.New("arena placement")
)

/*
Memory is the linear memory the arena is carved out of. Wazero guest memory
(api.Memory) satisfies it.
*/
type Memory interface {
	Size() uint32
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
}

/*
FatalHandler is called when the allocator hits unrecoverable condition
(exhaustion, address overflow, growth request...). It must not return,
typically it terminates the guest.
*/
type FatalHandler func(err error)

type statistics struct {
	allocCount    uint64
	freeCount     uint64
	allocDataSize uint64
	paddingSize   uint64
}

// Stats is a snapshot of the allocator statistics.
type Stats struct {
	AllocCount uint64 // number of successful allocations
	FreeCount  uint64 // number of (ignored) deallocations
	Allocated  uint64 // sum of requested sizes
	Padding    uint64 // bytes lost to alignment
	Used       uint64 // cursor distance from the arena start
	Capacity   uint64
}

/*
BumpAllocator hands out memory from single fixed size arena [base, base+capacity)
by advancing a cursor. Memory is never reclaimed, Free is no-op.

Cursor updates are not synchronized, the allocator is meant to serve single
guest (one logical thread of control). Only the lazy activation of the arena
is safe to race.
*/
type BumpAllocator struct {
	mem      Memory
	base     uint32
	capacity uint32
	onFatal  FatalHandler

	activate sync.Once
	next     uint64 // first unused address
	limit    uint64 // one past the end of the arena
	stats    statistics
	errState error
}

type Option func(*BumpAllocator)

// WithCapacity sets the arena size in bytes.
func WithCapacity(capacity uint32) Option {
	return func(b *BumpAllocator) {
		b.capacity = capacity
	}
}

// WithFatalHandler overrides the default fatal handler (panic).
func WithFatalHandler(h FatalHandler) Option {
	return func(b *BumpAllocator) {
		if h != nil {
			b.onFatal = h
		}
	}
}

/*
New creates allocator whose arena starts at address "base" of the "mem".
The arena is not claimed before the first allocation request.
*/
func New(mem Memory, base uint32, opts ...Option) *BumpAllocator {
	b := &BumpAllocator{
		mem:      mem,
		base:     base,
		capacity: DefaultArenaSize,
		onFatal:  func(err error) { panic(err) },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BumpAllocator) HeapBase() uint32 {
	return b.base
}

func (b *BumpAllocator) Capacity() uint32 {
	return b.capacity
}

/*
Alloc returns address of "size" bytes aligned to "align" (must be power of two).
When the request can't be satisfied the fatal handler is invoked, Alloc never
returns invalid address.
*/
func (b *BumpAllocator) Alloc(size, align uint32) uint32 {
	addr, err := b.alloc(size, align)
	if err != nil {
		b.fatal(err)
	}
	return addr
}

/*
Free is accepted but ignored, bump allocator only supports monotonic growth and
memory is reclaimed when the whole arena is discarded.
*/
func (b *BumpAllocator) Free(_, _, _ uint32) {
	b.stats.freeCount++
}

/*
Grow is a request to extend the arena by "pages" memory pages. The arena size is
fixed (other components may address it by absolute offset) so this is always
fatal.
*/
func (b *BumpAllocator) Grow(pages uint32) {
	err := fmt.Errorf("request for %d more pages: %w", pages, ErrGrowUnsupported)
	if b.errState == nil {
		b.errState = err
	}
	b.fatal(err)
}

// Stats returns current allocator statistics.
func (b *BumpAllocator) Stats() Stats {
	s := Stats{
		AllocCount: b.stats.allocCount,
		FreeCount:  b.stats.freeCount,
		Allocated:  b.stats.allocDataSize,
		Padding:    b.stats.paddingSize,
		Capacity:   uint64(b.capacity),
	}
	if b.next > uint64(b.base) {
		s.Used = b.next - uint64(b.base)
	}
	return s
}

// Err returns the error which put the allocator into failed state, nil when healthy.
func (b *BumpAllocator) Err() error {
	return b.errState
}

func (b *BumpAllocator) fatal(err error) {
	b.onFatal(err)
	panic(fmt.Errorf("fatal handler returned: %w", err))
}

func (b *BumpAllocator) alloc(size, align uint32) (addr uint32, err error) {
	b.activate.Do(func() {
		if b.errState == nil {
			b.errState = b.claimArena()
		}
	})
	if b.errState != nil {
		return 0, b.errState
	}
	// If any error occurs, put the allocator in error state, it can no longer be trusted to work correctly.
	defer func() {
		if err != nil {
			b.errState = err
		}
	}()
	if err = b.monitorArenaSize(); err != nil {
		return 0, err
	}
	return b.bumpAlloc(size, align)
}

/*
claimArena moves the allocator from uninitialized into active state. When the
memory doesn't cover the arena yet the missing pages are claimed once.
*/
func (b *BumpAllocator) claimArena() error {
	if b.mem == nil {
		return fmt.Errorf("%w: memory is nil", ErrArenaPlacement)
	}
	if err := CheckPlacement(b.base, b.capacity); err != nil {
		return err
	}
	limit := uint64(b.base) + uint64(b.capacity)
	if memSize := b.mem.Size(); uint64(memSize) < limit {
		requiredPages, err := addrToPage(limit)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrArenaPlacement, err)
		}
		currentPages := memSize / WasmPageSize
		if _, ok := b.mem.Grow(requiredPages - currentPages); !ok {
			return fmt.Errorf("%w: claiming memory from %d pages to %d pages failed", ErrArenaPlacement, currentPages, requiredPages)
		}
		if uint64(b.mem.Size()) < limit {
			return fmt.Errorf("%w: memory size %d is less than arena end %d", ErrArenaPlacement, b.mem.Size(), limit)
		}
	}
	b.next = uint64(b.base)
	b.limit = limit
	return nil
}

// CheckPlacement returns error when arena of given size at "base" doesn't fit into 32-bit address space.
func CheckPlacement(base, capacity uint32) error {
	if limit := uint64(base) + uint64(capacity); limit > addressSpace {
		return fmt.Errorf("%w: arena [%d, %d) doesn't fit into address space", ErrArenaPlacement, base, limit)
	}
	return nil
}

func (b *BumpAllocator) monitorArenaSize() error {
	if currentSize := uint64(b.mem.Size()); currentSize < b.limit {
		return fmt.Errorf("%w: memory has shrunk unexpectedly to %d bytes, arena ends at %d", ErrArenaPlacement, currentSize, b.limit)
	}
	return nil
}

func (b *BumpAllocator) bumpAlloc(size, align uint32) (uint32, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("%w, got %d", ErrInvalidAlignment, align)
	}
	start := alignUp(b.next, align)
	end := start + uint64(size)
	if start >= addressSpace || end > addressSpace {
		return 0, fmt.Errorf("%w: allocating %d bytes at %d", ErrAddressOverflow, size, start)
	}
	if end > b.limit {
		return 0, fmt.Errorf("%w: allocating %d bytes (alignment %d) at %d, arena ends at %d", ErrExhausted, size, align, start, b.limit)
	}

	b.stats.allocCount++
	b.stats.allocDataSize += uint64(size)
	b.stats.paddingSize += start - b.next
	b.next = end
	return uint32(start), nil
}

/*
alignUp rounds addr up to the next multiple of align, align must be power of two.
Inputs are 32-bit so the sum can't wrap in 64-bit arithmetic.
*/
func alignUp(addr uint64, align uint32) uint64 {
	mask := uint64(align) - 1
	return (addr + mask) &^ mask
}

func addrToPage(addr uint64) (uint32, error) {
	// round up
	pageNo := (addr + uint64(WasmPageSize) - 1) / uint64(WasmPageSize)
	if pageNo > uint64(MaxPages) {
		return 0, fmt.Errorf("out of memory pages")
	}
	return uint32(pageNo), nil
}
