package wvm

import (
	"context"
	_ "embed"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/alphabill-org/guestarena/internal/testutils/observability"
	"github.com/alphabill-org/guestarena/keyvaluedb"
	"github.com/alphabill-org/guestarena/keyvaluedb/boltdb"
	"github.com/alphabill-org/guestarena/keyvaluedb/memorydb"
	"github.com/alphabill-org/guestarena/wvm/bumpallocator"
)

// guest which forwards its "alloc", "free" and "grow" exports to the host memory manager
//
//go:embed testdata/alloc_guest.wasm
var allocGuestWasm []byte

// guest which exports "log", "copy_value", "load", "store", "remove" and
// "store_then_grow" wrappers of the host APIs
//
//go:embed testdata/state_guest.wasm
var stateGuestWasm []byte

// address of the __heap_base exported by test guests
const guestHeapBase = 65536

func requireI32(t *testing.T, exp int32, res []uint64) {
	t.Helper()
	require.Len(t, res, 1)
	require.Equal(t, exp, api.DecodeI32(res[0]))
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	obs := observability.Default(t)

	wvm, err := New(ctx, obs, WithStorage(memorydb.New()))
	require.NoError(t, err)
	require.NotNil(t, wvm)

	require.NoError(t, wvm.Close(ctx))
}

func TestOverrideWazeroCfg(t *testing.T) {
	var args = []Option{WithRuntimeConfig(wazero.NewRuntimeConfig().WithCloseOnContextDone(false).WithMemoryLimitPages(20))}
	options := defaultOptions()
	for _, arg := range args {
		arg(options)
	}
	require.NotNil(t, options.cfg)
	require.EqualValues(t, bumpallocator.DefaultArenaSize, options.arenaSize)
	require.False(t, options.hasBase)
	require.NotNil(t, options.storage)
}

func TestExec_InvalidInput(t *testing.T) {
	ctx := context.Background()
	wvm, err := New(ctx, observability.Default(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, wvm.Close(ctx)) })

	res, err := wvm.Exec(ctx, nil, "alloc")
	require.EqualError(t, err, "wasm source is missing")
	require.Nil(t, res)

	res, err = wvm.Exec(ctx, []byte{0, 1, 2, 3}, "alloc")
	require.ErrorContains(t, err, "failed to instantiate guest code")
	require.Nil(t, res)

	res, err = wvm.Exec(ctx, allocGuestWasm, "calloc", 1, 1)
	require.EqualError(t, err, `module doesn't export function "calloc"`)
	require.Nil(t, res)
}

func TestExec_Alloc(t *testing.T) {
	ctx := context.Background()

	t.Run("arena starts at heap base", func(t *testing.T) {
		wvm, err := New(ctx, observability.Default(t), WithArenaSize(64))
		require.NoError(t, err)
		defer wvm.Close(ctx)

		res, err := wvm.Exec(ctx, allocGuestWasm, "alloc", 10, 4)
		require.NoError(t, err)
		requireI32(t, guestHeapBase, res)
		// every call gets fresh arena
		res, err = wvm.Exec(ctx, allocGuestWasm, "alloc", 64, 1)
		require.NoError(t, err)
		requireI32(t, guestHeapBase, res)
	})

	t.Run("configured heap base", func(t *testing.T) {
		wvm, err := New(ctx, observability.Default(t), WithArenaSize(64), WithHeapBase(1028))
		require.NoError(t, err)
		defer wvm.Close(ctx)

		res, err := wvm.Exec(ctx, allocGuestWasm, "alloc", 8, 16)
		require.NoError(t, err)
		requireI32(t, 1040, res)
	})

	t.Run("arena is claimed from guest memory", func(t *testing.T) {
		wvm, err := New(ctx, observability.Default(t))
		require.NoError(t, err)
		defer wvm.Close(ctx)

		// guest starts with two pages, default arena needs 17
		res, err := wvm.Exec(ctx, allocGuestWasm, "alloc", bumpallocator.DefaultArenaSize, 1)
		require.NoError(t, err)
		requireI32(t, guestHeapBase, res)
	})

	t.Run("free is ignored", func(t *testing.T) {
		wvm, err := New(ctx, observability.Default(t), WithArenaSize(64))
		require.NoError(t, err)
		defer wvm.Close(ctx)

		res, err := wvm.Exec(ctx, allocGuestWasm, "free", guestHeapBase, 10, 4)
		require.NoError(t, err)
		require.Empty(t, res)
	})
}

func TestExec_Fatal(t *testing.T) {
	ctx := context.Background()

	requireOutOfMemory := func(t *testing.T, err error, expErr error) {
		t.Helper()
		var exitErr *sys.ExitError
		require.ErrorAs(t, err, &exitErr)
		require.Equal(t, ExitCodeOutOfMemory, exitErr.ExitCode())
		require.ErrorIs(t, err, expErr)
	}

	t.Run("exhausted", func(t *testing.T) {
		wvm, err := New(ctx, observability.Default(t), WithArenaSize(64))
		require.NoError(t, err)
		defer wvm.Close(ctx)

		res, err := wvm.Exec(ctx, allocGuestWasm, "alloc", 65, 1)
		requireOutOfMemory(t, err, bumpallocator.ErrExhausted)
		require.Nil(t, res)

		// VM is still usable
		res, err = wvm.Exec(ctx, allocGuestWasm, "alloc", 60, 1)
		require.NoError(t, err)
		requireI32(t, guestHeapBase, res)
	})

	t.Run("padding exhausts the arena", func(t *testing.T) {
		wvm, err := New(ctx, observability.Default(t), WithArenaSize(64), WithHeapBase(guestHeapBase+1))
		require.NoError(t, err)
		defer wvm.Close(ctx)

		_, err = wvm.Exec(ctx, allocGuestWasm, "alloc", 64, 8)
		requireOutOfMemory(t, err, bumpallocator.ErrExhausted)
	})

	t.Run("invalid alignment", func(t *testing.T) {
		wvm, err := New(ctx, observability.Default(t))
		require.NoError(t, err)
		defer wvm.Close(ctx)

		_, err = wvm.Exec(ctx, allocGuestWasm, "alloc", 8, 3)
		requireOutOfMemory(t, err, bumpallocator.ErrInvalidAlignment)
	})

	t.Run("grow", func(t *testing.T) {
		wvm, err := New(ctx, observability.Default(t))
		require.NoError(t, err)
		defer wvm.Close(ctx)

		_, err = wvm.Exec(ctx, allocGuestWasm, "grow", 1)
		requireOutOfMemory(t, err, bumpallocator.ErrGrowUnsupported)
	})

	t.Run("arena can't be claimed", func(t *testing.T) {
		wvm, err := New(ctx, observability.Default(t), WithRuntimeConfig(wazero.NewRuntimeConfig().WithMemoryLimitPages(4)))
		require.NoError(t, err)
		defer wvm.Close(ctx)

		_, err = wvm.Exec(ctx, allocGuestWasm, "alloc", 1, 1)
		requireOutOfMemory(t, err, bumpallocator.ErrArenaPlacement)
	})
}

func TestExec_Metrics(t *testing.T) {
	ctx := context.Background()
	obs := observability.WithMetricReader(t)
	wvm, err := New(ctx, obs, WithArenaSize(64))
	require.NoError(t, err)
	defer wvm.Close(ctx)

	_, err = wvm.Exec(ctx, allocGuestWasm, "alloc", 10, 4)
	require.NoError(t, err)
	_, err = wvm.Exec(ctx, allocGuestWasm, "free", guestHeapBase, 10, 4)
	require.NoError(t, err)
	_, err = wvm.Exec(ctx, allocGuestWasm, "alloc", 100, 1)
	require.Error(t, err)

	rm := obs.Collect(t)
	cnt, ok := observability.Sum(rm, "alloc.count")
	require.True(t, ok)
	require.EqualValues(t, 1, cnt)
	size, ok := observability.Sum(rm, "alloc.bytes")
	require.True(t, ok)
	require.EqualValues(t, 10, size)
	cnt, ok = observability.Sum(rm, "free.count")
	require.True(t, ok)
	require.EqualValues(t, 1, cnt)
}

func TestExec_HostValue(t *testing.T) {
	ctx := context.Background()
	wvm, err := New(ctx, observability.Default(t), WithHostValues("abc", uint64(1)))
	require.NoError(t, err)
	defer wvm.Close(ctx)

	// CBOR of "abc" is 4 bytes
	res, err := wvm.Exec(ctx, stateGuestWasm, "copy_value", 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{newPointerSize(guestHeapBase, 4)}, res)

	res, err = wvm.Exec(ctx, stateGuestWasm, "copy_value", 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{newPointerSize(guestHeapBase, 1)}, res)

	res, err = wvm.Exec(ctx, stateGuestWasm, "copy_value", 3)
	require.ErrorContains(t, err, "invalid handle 3 (not found)")
	var exitErr *sys.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, ExitCodeHostError, exitErr.ExitCode())
	require.Nil(t, res)
}

func TestExec_State(t *testing.T) {
	ctx := context.Background()
	db := memorydb.New()
	wvm, err := New(ctx, observability.Default(t), WithStorage(db))
	require.NoError(t, err)
	defer wvm.Close(ctx)

	// data segments of the guest: "key" at 16 and "hello" at 32
	key := newPointerSize(16, 3)
	value := newPointerSize(32, 5)

	res, err := wvm.Exec(ctx, stateGuestWasm, "load", key)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, res)

	res, err = wvm.Exec(ctx, stateGuestWasm, "store", key, value)
	require.NoError(t, err)
	requireI32(t, StateSuccess, res)

	var stored []byte
	found, err := db.Read([]byte("key"), &stored)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("hello"), stored)

	res, err = wvm.Exec(ctx, stateGuestWasm, "load", key)
	require.NoError(t, err)
	require.Equal(t, []uint64{newPointerSize(guestHeapBase, 5)}, res)

	// storage refuses new keys
	db.SetLimit(1)
	res, err = wvm.Exec(ctx, stateGuestWasm, "store", newPointerSize(32, 5), key)
	require.NoError(t, err)
	requireI32(t, StateWriteError, res)

	res, err = wvm.Exec(ctx, stateGuestWasm, "remove", key)
	require.NoError(t, err)
	requireI32(t, StateSuccess, res)
	found, err = db.Read([]byte("key"), &stored)
	require.NoError(t, err)
	require.False(t, found)
}

func TestExec_StateDiscardedOnAbort(t *testing.T) {
	ctx := context.Background()
	key := newPointerSize(16, 3)
	value := newPointerSize(32, 5)

	storages := map[string]func(t *testing.T) keyvaluedb.KeyValueDB{
		"memorydb": func(t *testing.T) keyvaluedb.KeyValueDB { return memorydb.New() },
		"boltdb": func(t *testing.T) keyvaluedb.KeyValueDB {
			db, err := boltdb.New(filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { require.NoError(t, db.Close()) })
			return db
		},
	}
	for name, newDB := range storages {
		t.Run(name, func(t *testing.T) {
			db := newDB(t)
			wvm, err := New(ctx, observability.Default(t), WithStorage(db))
			require.NoError(t, err)
			defer wvm.Close(ctx)

			res, err := wvm.Exec(ctx, stateGuestWasm, "store_then_grow", key, value)
			var exitErr *sys.ExitError
			require.ErrorAs(t, err, &exitErr)
			require.Equal(t, ExitCodeOutOfMemory, exitErr.ExitCode())
			require.ErrorIs(t, err, bumpallocator.ErrGrowUnsupported)
			require.Nil(t, res)

			var stored []byte
			found, err := db.Read([]byte("key"), &stored)
			require.NoError(t, err)
			require.False(t, found)

			// guest doesn't see the discarded write either
			res, err = wvm.Exec(ctx, stateGuestWasm, "load", key)
			require.NoError(t, err)
			require.Equal(t, []uint64{0}, res)

			// state written by successful call is kept
			res, err = wvm.Exec(ctx, stateGuestWasm, "store", key, value)
			require.NoError(t, err)
			requireI32(t, StateSuccess, res)
			found, err = db.Read([]byte("key"), &stored)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, []byte("hello"), stored)
		})
	}
}

func TestExec_Log(t *testing.T) {
	ctx := context.Background()
	wvm, err := New(ctx, observability.Default(t))
	require.NoError(t, err)
	defer wvm.Close(ctx)

	for level := range 5 {
		_, err = wvm.Exec(ctx, stateGuestWasm, "log", uint64(level), newPointerSize(32, 5))
		require.NoError(t, err)
	}
}
