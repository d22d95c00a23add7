package wvm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/alphabill-org/guestarena/logger"
)

// return codes of the "state.set" and "state.delete" APIs
const (
	StateSuccess    = 0
	StateWriteError = -1
)

/*
addStateModule adds "state" module to the "rt". It allows guest to persist
byte blobs in the host key-value store. Changes are made in the transaction
of the current execution.
*/
func addStateModule(ctx context.Context, rt wazero.Runtime, _ Observability) error {
	_, err := rt.NewHostModuleBuilder("state").
		NewFunctionBuilder().WithGoModuleFunction(hostAPI(stateGet), []api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI64}).Export("get").
		NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(stateSet), []api.ValueType{api.ValueTypeI64, api.ValueTypeI64}, []api.ValueType{api.ValueTypeI32}).Export("set").
		NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(stateDelete), []api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI32}).Export("delete").
		Instantiate(ctx)
	return err
}

/*
stateGet copies value of the key into guest arena and returns pointer/size
of it, zero when key is not found.
*/
func stateGet(vec *vmContext, mod api.Module, stack []uint64) error {
	key := read(mod, stack[0])
	var value []byte
	found, err := vec.state.Read(key, &value)
	if err != nil {
		return fmt.Errorf("reading state %x: %w", key, err)
	}
	if !found {
		stack[0] = 0
		return nil
	}
	if stack[0], err = vec.writeToMemory(mod, value); err != nil {
		return fmt.Errorf("writing state to memory: %w", err)
	}
	return nil
}

/*
stateSet stores guest data under key, failure to persist is reported to the
guest as StateWriteError.
*/
func stateSet(ctx context.Context, mod api.Module, stack []uint64) {
	vec := extractVMContext(ctx)
	key := read(mod, stack[0])
	value := read(mod, stack[1])
	if err := vec.state.Write(key, value); err != nil {
		vec.log.WarnContext(ctx, fmt.Sprintf("writing state %x", key), logger.Error(err))
		stack[0] = api.EncodeI32(StateWriteError)
		return
	}
	stack[0] = api.EncodeI32(StateSuccess)
}

// stateDelete removes the key, deleting missing key is not an error.
func stateDelete(ctx context.Context, mod api.Module, stack []uint64) {
	vec := extractVMContext(ctx)
	key := read(mod, stack[0])
	if err := vec.state.Delete(key); err != nil {
		vec.log.WarnContext(ctx, fmt.Sprintf("deleting state %x", key), logger.Error(err))
		stack[0] = api.EncodeI32(StateWriteError)
		return
	}
	stack[0] = api.EncodeI32(StateSuccess)
}
