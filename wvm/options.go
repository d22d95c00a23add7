package wvm

import (
	"github.com/tetratelabs/wazero"

	"github.com/alphabill-org/guestarena/keyvaluedb"
	"github.com/alphabill-org/guestarena/keyvaluedb/memorydb"
	"github.com/alphabill-org/guestarena/wvm/bumpallocator"
)

type (
	Options struct {
		cfg        wazero.RuntimeConfig
		storage    keyvaluedb.KeyValueDB
		arenaSize  uint32
		heapBase   uint32
		hasBase    bool
		hostValues []any
	}

	Option func(*Options)
)

func defaultOptions() *Options {
	return &Options{
		cfg:       wazero.NewRuntimeConfig().WithCloseOnContextDone(true),
		storage:   memorydb.New(),
		arenaSize: bumpallocator.DefaultArenaSize,
	}
}

func WithRuntimeConfig(cfg wazero.RuntimeConfig) Option {
	return func(c *Options) {
		c.cfg = cfg
	}
}

// WithStorage sets the key-value store backing the "state" host module.
func WithStorage(db keyvaluedb.KeyValueDB) Option {
	return func(c *Options) {
		if db != nil {
			c.storage = db
		}
	}
}

// WithArenaSize sets the capacity (in bytes) of the guest arena.
func WithArenaSize(size uint32) Option {
	return func(c *Options) {
		c.arenaSize = size
	}
}

/*
WithHeapBase places the arena at the given address. By default the arena starts
at the address exported by the guest as "__heap_base" global.
*/
func WithHeapBase(base uint32) Option {
	return func(c *Options) {
		c.heapBase = base
		c.hasBase = true
	}
}

/*
WithHostValues makes the values available for the guest through the
"host.host_value" API, the handle of the value is it's index in the list
plus one (ie first value has handle 1).
*/
func WithHostValues(values ...any) Option {
	return func(c *Options) {
		c.hostValues = append(c.hostValues, values...)
	}
}
