package bumpallocator

import (
	"fmt"
	"testing"
)

type MemoryMock struct {
	data     []byte
	maxPages uint32
}

func NewMemoryMock(t *testing.T, pages uint32) *MemoryMock {
	return NewMemoryMockWithLimit(t, pages, MaxPages)
}

func NewMemoryMockWithLimit(t *testing.T, pages, limit uint32) *MemoryMock {
	t.Helper()
	if pages > limit {
		t.Fatalf("initial page count %d exceeds limit %d", pages, limit)
	}
	return &MemoryMock{data: make([]byte, pages*WasmPageSize), maxPages: limit}
}

func (m *MemoryMock) Size() uint32 {
	return uint32(len(m.data))
}

func (m *MemoryMock) Grow(deltaPages uint32) (uint32, bool) {
	current := uint32(len(m.data) / WasmPageSize)
	if uint64(current)+uint64(deltaPages) > uint64(m.maxPages) {
		return current, false
	}
	m.data = append(m.data, make([]byte, deltaPages*WasmPageSize)...)
	return current, true
}

// sizeMemory reports fixed size without backing it with real buffer.
type sizeMemory uint32

func (m sizeMemory) Size() uint32               { return uint32(m) }
func (m sizeMemory) Grow(uint32) (uint32, bool) { return uint32(m) / WasmPageSize, false }

/*
catchFatal runs f and returns the error the default fatal handler panicked with.
*/
func catchFatal(f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if err, ok = r.(error); !ok {
				err = fmt.Errorf("panic with non-error value: %v", r)
			}
		}
	}()
	f()
	return nil
}
