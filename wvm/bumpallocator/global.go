package bumpallocator

import "sync"

// backing store of the process wide arena
var staticArena [DefaultArenaSize]byte

/*
Default returns the process wide allocator serving arena of DefaultArenaSize
bytes. The allocator is created on first call, concurrent first calls all
get the same instance.
*/
var Default = sync.OnceValue(func() *BumpAllocator {
	return New(NewStaticMemory(staticArena[:]), 0, WithCapacity(DefaultArenaSize))
})

// DefaultMemory gives access to the memory behind the Default allocator.
var DefaultMemory = sync.OnceValue(func() *StaticMemory {
	return Default().mem.(*StaticMemory)
})

// Alloc allocates from the process wide arena, see BumpAllocator.Alloc.
func Alloc(size, align uint32) uint32 {
	return Default().Alloc(size, align)
}

// Free is no-op, see BumpAllocator.Free.
func Free(ptr, size, align uint32) {
	Default().Free(ptr, size, align)
}

// Grow always triggers fatal handler, the process wide arena is fixed size.
func Grow(pages uint32) {
	Default().Grow(pages)
}
