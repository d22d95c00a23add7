package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/alphabill-org/guestarena/keyvaluedb"
	"github.com/alphabill-org/guestarena/keyvaluedb/boltdb"
	"github.com/alphabill-org/guestarena/keyvaluedb/memorydb"
	"github.com/alphabill-org/guestarena/logger"
	"github.com/alphabill-org/guestarena/wvm"
	"github.com/alphabill-org/guestarena/wvm/bumpallocator"
)

const (
	flagNameEntrypoint = "entrypoint"
	flagNameArenaSize  = "arena-size"
	flagNameHeapBase   = "heap-base"
	flagNameStateDB    = "state-db"
	flagNameParam      = "param"
	flagNameValue      = "value"
)

type runConfiguration struct {
	Base *baseConfiguration

	Entrypoint  string
	ArenaSize   uint32
	HeapBase    uint32
	HasHeapBase bool
	StateDB     string
	Params      []uint
	Values      []string
}

func newRunCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &runConfiguration{Base: baseConfig}
	var cmd = &cobra.Command{
		Use:   "run <guest.wasm>",
		Short: "Executes entrypoint of a WebAssembly guest",
		Long: `Executes entrypoint of a WebAssembly guest. All memory the guest requests from host is
served from single fixed size arena, exhausting the arena terminates the guest.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config.HasHeapBase = cmd.Flags().Changed(flagNameHeapBase)
			return runGuest(cmd.Context(), cmd, args[0], config)
		},
	}
	cmd.Flags().StringVar(&config.Entrypoint, flagNameEntrypoint, "main", "name of the function exported by the guest to call")
	cmd.Flags().Uint32Var(&config.ArenaSize, flagNameArenaSize, bumpallocator.DefaultArenaSize, "size of the guest arena in bytes")
	cmd.Flags().Uint32Var(&config.HeapBase, flagNameHeapBase, 0, "address where the arena starts (default is the __heap_base exported by the guest)")
	cmd.Flags().StringVar(&config.StateDB, flagNameStateDB, "", "path to the state database file (default is in-memory state). If it's relative, then it's relative from the $AB_HOME.")
	cmd.Flags().UintSliceVar(&config.Params, flagNameParam, nil, "parameters to pass to the entrypoint")
	cmd.Flags().StringSliceVar(&config.Values, flagNameValue, nil, "host values available to the guest via host_value API (handle is 1 based index)")
	return cmd
}

func runGuest(ctx context.Context, cmd *cobra.Command, wasmFile string, config *runConfiguration) (rErr error) {
	log := config.Base.observe.Logger()
	wasmSrc, err := os.ReadFile(filepath.Clean(wasmFile))
	if err != nil {
		return fmt.Errorf("reading guest binary: %w", err)
	}

	db, err := config.stateDB()
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			rErr = errors.Join(rErr, fmt.Errorf("closing state database: %w", err))
		}
	}()

	opts := []wvm.Option{
		wvm.WithArenaSize(config.ArenaSize),
		wvm.WithStorage(db),
	}
	if config.HasHeapBase {
		opts = append(opts, wvm.WithHeapBase(config.HeapBase))
	}
	if len(config.Values) > 0 {
		values := make([]any, len(config.Values))
		for i, v := range config.Values {
			values[i] = v
		}
		opts = append(opts, wvm.WithHostValues(values...))
	}

	vm, err := wvm.New(ctx, config.Base.observe, opts...)
	if err != nil {
		return fmt.Errorf("creating VM: %w", err)
	}
	defer func() {
		if err := vm.Close(ctx); err != nil {
			rErr = errors.Join(rErr, fmt.Errorf("closing VM: %w", err))
		}
	}()

	log.DebugContext(ctx, fmt.Sprintf("executing %s of %s", config.Entrypoint, wasmFile), logger.Module(filepath.Base(wasmFile)))
	params := make([]uint64, len(config.Params))
	for i, p := range config.Params {
		params[i] = uint64(p)
	}
	res, err := vm.Exec(ctx, wasmSrc, config.Entrypoint, params...)
	if err != nil {
		return fmt.Errorf("executing guest: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "result: %v\n", res)
	return config.Base.observe.WriteMetrics(cmd.OutOrStdout())
}

func (c *runConfiguration) stateDB() (keyvaluedb.KeyValueDB, error) {
	if c.StateDB == "" {
		return memorydb.New(), nil
	}
	dbFile := c.StateDB
	if !filepath.IsAbs(dbFile) {
		dbFile = filepath.Join(c.Base.HomeDir, dbFile)
	}
	if err := os.MkdirAll(filepath.Dir(dbFile), 0700); err != nil {
		return nil, fmt.Errorf("creating directory for state database: %w", err)
	}
	return boltdb.New(dbFile)
}
