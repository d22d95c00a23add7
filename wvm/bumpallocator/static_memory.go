package bumpallocator

import "math"

/*
StaticMemory is fixed size Memory backed by Go byte slice, it can't grow.
Reads and writes are bounds checked, out of range access is reported by
returning false (same contract as wazero api.Memory).
*/
type StaticMemory struct {
	buf []byte
}

func NewStaticMemory(buf []byte) *StaticMemory {
	return &StaticMemory{buf: buf}
}

func (m *StaticMemory) Size() uint32 {
	return memorySize(uint64(len(m.buf)))
}

func (m *StaticMemory) Grow(deltaPages uint32) (uint32, bool) {
	return m.Size() / WasmPageSize, deltaPages == 0
}

func (m *StaticMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.hasSize(offset, byteCount) {
		return nil, false
	}
	return m.buf[offset : uint64(offset)+uint64(byteCount) : uint64(offset)+uint64(byteCount)], true
}

func (m *StaticMemory) Write(offset uint32, v []byte) bool {
	if !m.hasSize(offset, uint32(len(v))) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

func (m *StaticMemory) hasSize(offset, byteCount uint32) bool {
	return uint64(offset)+uint64(byteCount) <= uint64(len(m.buf))
}

/*
ReservedMemory is Memory of fixed size without backing storage. It can be used
when only the addresses handed out by the allocator matter, ie when replaying
allocation traces.
*/
type ReservedMemory uint64

func (m ReservedMemory) Size() uint32 {
	return memorySize(uint64(m))
}

func (m ReservedMemory) Grow(deltaPages uint32) (uint32, bool) {
	return m.Size() / WasmPageSize, deltaPages == 0
}

// memorySize saturates at the largest size uint32 can express.
func memorySize(size uint64) uint32 {
	return uint32(min(size, math.MaxUint32))
}
