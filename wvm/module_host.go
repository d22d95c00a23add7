package wvm

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

/*
addHostModule adds "host" module to the "rt".
The host module provides "utility APIs" for the guest, ie memory manager and logging.
*/
func addHostModule(ctx context.Context, rt wazero.Runtime, _ Observability) error {
	i32 := api.ValueTypeI32
	_, err := rt.NewHostModuleBuilder("host").
		NewFunctionBuilder().WithFunc(logMsg).Export("log_msg").
		NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(extMalloc), []api.ValueType{i32, i32}, []api.ValueType{i32}).Export("ext_malloc").
		NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(extFree), []api.ValueType{i32, i32, i32}, []api.ValueType{}).Export("ext_free").
		NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(extGrow), []api.ValueType{i32}, []api.ValueType{i32}).Export("ext_grow").
		NewFunctionBuilder().WithGoModuleFunction(hostAPI(hostValue), []api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI64}).Export("host_value").
		Instantiate(ctx)
	return err
}

// toPointerSize converts an uint32 pointer and uint32 size
// to an int64 pointer size.
func newPointerSize(ptr, size uint32) (pointerSize uint64) {
	return uint64(ptr) | (uint64(size) << 32)
}

// splitPointerSize converts a 64bit pointer size to an
// uint32 pointer and a uint32 size.
func splitPointerSize(pointerSize uint64) (ptr, size uint32) {
	return uint32(pointerSize), uint32(pointerSize >> 32)
}

// read will read from 64 bit pointer size and return a byte slice
func read(m api.Module, pointerSize uint64) (data []byte) {
	ptr, size := splitPointerSize(pointerSize)
	data, ok := m.Memory().Read(ptr, size)
	if !ok {
		panic("out of range read from shared memory")
	}
	return data
}

func logMsg(ctx context.Context, m api.Module, level uint32, msgData uint64) {
	rtCtx := extractVMContext(ctx)
	msg := read(m, msgData)
	switch level {
	case 0:
		rtCtx.log.ErrorContext(ctx, string(msg))
	case 1:
		rtCtx.log.WarnContext(ctx, string(msg))
	case 2:
		rtCtx.log.InfoContext(ctx, string(msg))
	case 3:
		rtCtx.log.DebugContext(ctx, string(msg))
	default:
		rtCtx.log.ErrorContext(ctx, fmt.Sprintf("unknown level %v: %s", level, msg))
	}
}

func extMalloc(ctx context.Context, _ api.Module, stack []uint64) {
	allocator := extractVMContext(ctx).memMngr
	size := api.DecodeU32(stack[0])
	align := api.DecodeU32(stack[1])
	stack[0] = api.EncodeU32(allocator.Alloc(size, align))
}

func extFree(ctx context.Context, _ api.Module, stack []uint64) {
	allocator := extractVMContext(ctx).memMngr
	allocator.Free(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
}

func extGrow(ctx context.Context, _ api.Module, stack []uint64) {
	allocator := extractVMContext(ctx).memMngr
	allocator.Grow(api.DecodeU32(stack[0]))
	// memory.grow failure value, guest has been terminated by now
	stack[0] = api.EncodeI32(-1)
}

/*
hostValue serializes host value with given handle as CBOR into guest memory
and returns pointer/size of the data.
*/
func hostValue(vec *vmContext, mod api.Module, stack []uint64) error {
	v, err := vec.hostValue(stack[0])
	if err != nil {
		return fmt.Errorf("reading host value: %w", err)
	}
	buf, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding host value: %w", err)
	}
	if stack[0], err = vec.writeToMemory(mod, buf); err != nil {
		return fmt.Errorf("writing host value to memory: %w", err)
	}
	return nil
}
