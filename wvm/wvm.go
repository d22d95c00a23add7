package wvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/alphabill-org/guestarena/keyvaluedb"
	"github.com/alphabill-org/guestarena/logger"
	"github.com/alphabill-org/guestarena/observability"
	"github.com/alphabill-org/guestarena/wvm/bumpallocator"
)

type rtCtxKey string

const runtimeContextKey = rtCtxKey("rt.Ctx")

// exit codes the guest is terminated with when host can't continue
const (
	ExitCodeOutOfMemory uint32 = 0xBAD00A11
	ExitCodeHostError   uint32 = 0xBAD00BAD
)

type (
	allocator interface {
		Alloc(size, align uint32) uint32
		Free(ptr, size, align uint32)
		Grow(pages uint32)
	}

	vmContext struct {
		memMngr allocator
		storage keyvaluedb.KeyValueDB
		state   keyvaluedb.DBTransaction // state changes of the guest currently executed
		values  []any
		mod     api.Module // guest currently executed
		abort   error      // reason the host terminated the guest
		log     *slog.Logger
	}

	WasmVM struct {
		runtime wazero.Runtime
		ctx     *vmContext
		opts    *Options
		mu      sync.Mutex
		tracer  trace.Tracer

		allocCount   metric.Int64Counter
		allocBytes   metric.Int64Counter
		allocPadding metric.Int64Counter
		freeCount    metric.Int64Counter
		execTime     metric.Float64Histogram
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}
)

/*
hostValue returns value registered with WithHostValues option, handles
are 1 based.
*/
func (vmc *vmContext) hostValue(handle uint64) (any, error) {
	if handle == 0 || handle > uint64(len(vmc.values)) {
		return nil, fmt.Errorf("invalid handle %d (not found)", handle)
	}
	return vmc.values[handle-1], nil
}

/*
reset clears the part of the context specific to the guest executed.
*/
func (vmc *vmContext) reset() {
	vmc.mod = nil
	vmc.memMngr = nil
	vmc.state = nil
	vmc.abort = nil
}

/*
terminate stops the execution of the current guest. Must be called from
within host function, it doesn't return.
*/
func (vmc *vmContext) terminate(ctx context.Context, exitCode uint32, cause error) {
	if vmc.abort == nil {
		vmc.abort = cause
	}
	vmc.log.ErrorContext(ctx, "terminating guest", logger.Error(cause))
	if vmc.mod != nil {
		if err := vmc.mod.CloseWithExitCode(ctx, exitCode); err != nil {
			vmc.log.ErrorContext(ctx, "closing guest module", logger.Error(err))
		}
	}
	panic(sys.NewExitError(exitCode))
}

func (vmc *vmContext) writeToMemory(mod api.Module, buf []byte) (uint64, error) {
	if mod == nil {
		return 0, errors.New("module is unassigned")
	}
	mem := mod.Memory()
	if mem == nil {
		return 0, errors.New("module doesn't export memory")
	}

	size := uint32(len(buf))
	addr := vmc.memMngr.Alloc(size, 8)
	if ok := mem.Write(addr, buf); !ok {
		return 0, errors.New("out of range when writing data into memory")
	}

	return newPointerSize(addr, size), nil
}

// New - creates new wazero based wasm vm
func New(ctx context.Context, observe Observability, opts ...Option) (*WasmVM, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	vm := &WasmVM{
		opts:   options,
		tracer: observe.Tracer("wvm"),
		ctx: &vmContext{
			storage: options.storage,
			values:  options.hostValues,
			log:     observe.Logger(),
		},
	}
	if err := vm.initMetrics(observe.Meter("wvm")); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, options.cfg)
	// host utility APIs, memory manager
	if err := addHostModule(ctx, rt, observe); err != nil {
		return nil, errors.Join(fmt.Errorf("adding host module: %w", err), rt.Close(ctx))
	}
	// host key-value storage
	if err := addStateModule(ctx, rt, observe); err != nil {
		return nil, errors.Join(fmt.Errorf("adding state module: %w", err), rt.Close(ctx))
	}
	vm.runtime = rt
	return vm, nil
}

func (vm *WasmVM) initMetrics(m metric.Meter) (err error) {
	if vm.allocCount, err = m.Int64Counter("alloc.count", metric.WithDescription("Number of allocations served from the guest arena")); err != nil {
		return fmt.Errorf("creating alloc counter: %w", err)
	}
	if vm.allocBytes, err = m.Int64Counter("alloc.bytes", metric.WithDescription("Bytes requested from the guest arena"), metric.WithUnit("By")); err != nil {
		return fmt.Errorf("creating alloc size counter: %w", err)
	}
	if vm.allocPadding, err = m.Int64Counter("alloc.padding", metric.WithDescription("Bytes lost to alignment padding"), metric.WithUnit("By")); err != nil {
		return fmt.Errorf("creating padding counter: %w", err)
	}
	if vm.freeCount, err = m.Int64Counter("free.count", metric.WithDescription("Number of (ignored) deallocation requests")); err != nil {
		return fmt.Errorf("creating free counter: %w", err)
	}
	if vm.execTime, err = m.Float64Histogram("exec.time", metric.WithDescription("How long it took to execute guest entrypoint"), metric.WithUnit("s")); err != nil {
		return fmt.Errorf("creating exec time histogram: %w", err)
	}
	return nil
}

/*
Exec loads the WASM module passed in as "wasmSrc" argument and calls the "entrypoint"
function in it with "params". Results of type i32 are returned zero extended.

Fresh arena is set up for every call, it starts at the "__heap_base" exported by
the module (unless overridden by WithHeapBase option). When the guest exhausts
the arena it is terminated with ExitCodeOutOfMemory and the returned error
contains the allocator error.

State changes made by the guest are committed only when the entrypoint returns
successfully, otherwise they are discarded.
*/
func (vm *WasmVM) Exec(ctx context.Context, wasmSrc []byte, entrypoint string, params ...uint64) (_ []uint64, rErr error) {
	if len(wasmSrc) < 1 {
		return nil, fmt.Errorf("wasm source is missing")
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()

	ctx, span := vm.tracer.Start(ctx, "WasmVM.Exec", trace.WithAttributes(observability.Entrypoint(entrypoint)))
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			span.SetStatus(codes.Error, rErr.Error())
		}
		span.End()
	}()

	m, err := vm.runtime.Instantiate(ctx, wasmSrc)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate guest code: %w", err)
	}
	defer m.Close(ctx)

	heapBase, err := vm.heapBase(m)
	if err != nil {
		return nil, err
	}
	if m.Memory() == nil {
		return nil, fmt.Errorf("module doesn't export memory")
	}
	fn := m.ExportedFunction(entrypoint)
	if fn == nil {
		return nil, fmt.Errorf("module doesn't export function %q", entrypoint)
	}

	rtCtx := context.WithValue(ctx, runtimeContextKey, vm.ctx)
	arena := bumpallocator.New(m.Memory(), heapBase,
		bumpallocator.WithCapacity(vm.opts.arenaSize),
		bumpallocator.WithFatalHandler(func(err error) {
			vm.ctx.terminate(rtCtx, ExitCodeOutOfMemory, err)
		}),
	)
	tx, err := vm.ctx.storage.StartTx()
	if err != nil {
		return nil, fmt.Errorf("starting state transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(); err != nil {
			rErr = errors.Join(rErr, fmt.Errorf("rolling back state transaction: %w", err))
		}
		vm.ctx.log.DebugContext(ctx, fmt.Sprintf("%s.%s state changes discarded", m.Name(), entrypoint))
	}()

	defer vm.ctx.reset()
	vm.ctx.memMngr = arena
	vm.ctx.state = tx
	vm.ctx.mod = m
	span.SetAttributes(observability.Module(m.Name()), observability.ArenaCapacity(arena.Capacity()), attribute.Int64("arena.base", int64(heapBase)))

	start := time.Now()
	res, callErr := fn.Call(rtCtx, params...)
	vm.execTime.Record(ctx, time.Since(start).Seconds(), observability.Guest(m.Name(), entrypoint, observability.ErrStatus(callErr)))
	vm.recordStats(ctx, m.Name(), entrypoint, arena, callErr)
	if callErr != nil {
		return nil, errors.Join(fmt.Errorf("calling %s returned error: %w", entrypoint, callErr), vm.ctx.abort)
	}
	// failed commit releases the transaction too
	committed = true
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing state transaction: %w", err)
	}

	// upper bits of i32 results are undefined
	for i, rt := range fn.Definition().ResultTypes() {
		if rt == api.ValueTypeI32 || rt == api.ValueTypeF32 {
			res[i] = uint64(api.DecodeU32(res[i]))
		}
	}
	vm.ctx.log.DebugContext(ctx, fmt.Sprintf("%s.%s.RESULT: %#v", m.Name(), entrypoint, res))
	return res, nil
}

func (vm *WasmVM) heapBase(m api.Module) (uint32, error) {
	if vm.opts.hasBase {
		return vm.opts.heapBase, nil
	}
	heapBase := m.ExportedGlobal("__heap_base")
	if heapBase == nil {
		return 0, fmt.Errorf("__heap_base is not exported from the guest module")
	}
	return api.DecodeU32(heapBase.Get()), nil
}

func (vm *WasmVM) recordStats(ctx context.Context, module, entrypoint string, arena *bumpallocator.BumpAllocator, err error) {
	stats := arena.Stats()
	attrs := observability.Guest(module, entrypoint, observability.ErrStatus(err))
	vm.allocCount.Add(ctx, int64(stats.AllocCount), attrs)
	vm.allocBytes.Add(ctx, int64(stats.Allocated), attrs)
	vm.allocPadding.Add(ctx, int64(stats.Padding), attrs)
	vm.freeCount.Add(ctx, int64(stats.FreeCount), attrs)
	vm.ctx.log.DebugContext(ctx, fmt.Sprintf("%s.%s arena usage: %d allocations", module, entrypoint, stats.AllocCount),
		logger.Arena(uint64(arena.HeapBase()), stats.Capacity, stats.Used))
}

func (vm *WasmVM) Close(ctx context.Context) error {
	return vm.runtime.Close(ctx)
}

func extractVMContext(ctx context.Context) *vmContext {
	rtCtx, ok := ctx.Value(runtimeContextKey).(*vmContext)
	if !ok || rtCtx == nil {
		// when ctx doesn't contain the value something has gone very wrong...
		panic("context doesn't contain VM context value")
	}
	return rtCtx
}

/*
hostAPI allows to use more convenient function signature for implementing Wazero host
module functions.
  - the execution context is extracted from env and passed as param to the func;
  - when API func returns error we stop the execution of the guest;
*/
func hostAPI(f func(vec *vmContext, mod api.Module, stack []uint64) error) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		rtCtx := extractVMContext(ctx)
		if err := f(rtCtx, mod, stack); err != nil {
			rtCtx.terminate(ctx, ExitCodeHostError, fmt.Errorf("host API: %w", err))
		}
	}
}
