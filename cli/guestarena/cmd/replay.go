package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alphabill-org/guestarena/logger"
	"github.com/alphabill-org/guestarena/wvm/bumpallocator"
)

const (
	flagNameCapacity = "capacity"
	flagNameBase     = "base"
)

type (
	replayConfiguration struct {
		Base *baseConfiguration

		Capacity uint32
		ArenaAt  uint32
	}

	/*
	allocTrace is sequence of memory manager calls made by a guest, ie

		capacity: 64
		steps:
		  - {op: alloc, size: 10, align: 4}
		  - {op: free, ptr: 0, size: 10, align: 4}
		  - {op: grow, pages: 1}

	When capacity is not set (neither in the file nor with flag) the trace is
	replayed against the process wide default arena, base must be zero then.
	*/
	allocTrace struct {
		Base     uint32      `yaml:"base"`
		Capacity uint32      `yaml:"capacity"`
		Steps    []traceStep `yaml:"steps"`
	}

	traceStep struct {
		Op    string `yaml:"op"`
		Size  uint32 `yaml:"size"`
		Align uint32 `yaml:"align"`
		Ptr   uint32 `yaml:"ptr"`
		Pages uint32 `yaml:"pages"`
	}
)

func newReplayCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &replayConfiguration{Base: baseConfig}
	var cmd = &cobra.Command{
		Use:   "replay <trace.yaml>",
		Short: "Replays allocation trace against an arena",
		Long: `Replays allocation trace against an arena and prints the address returned for every
allocation. Replay stops with error on the first request the arena can't serve.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := loadTrace(args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed(flagNameCapacity) {
				tr.Capacity = config.Capacity
			}
			if cmd.Flags().Changed(flagNameBase) {
				tr.Base = config.ArenaAt
			}
			return replayTrace(cmd.Context(), cmd.OutOrStdout(), tr, config)
		},
	}
	cmd.Flags().Uint32Var(&config.Capacity, flagNameCapacity, 0, "arena capacity in bytes, overrides value in the trace file")
	cmd.Flags().Uint32Var(&config.ArenaAt, flagNameBase, 0, "address where the arena starts, overrides value in the trace file")
	return cmd
}

func loadTrace(fileName string) (*allocTrace, error) {
	f, err := os.Open(filepath.Clean(fileName))
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	defer f.Close()

	tr := &allocTrace{}
	if err := yaml.NewDecoder(f).Decode(tr); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding trace file (%s): %w", fileName, err)
	}
	return tr, nil
}

func replayTrace(ctx context.Context, out io.Writer, tr *allocTrace, config *replayConfiguration) error {
	log := config.Base.observe.Logger()

	var arena *bumpallocator.BumpAllocator
	if tr.Capacity == 0 {
		if tr.Base != 0 {
			return fmt.Errorf("arena base %d requires capacity, process wide arena starts at 0", tr.Base)
		}
		arena = bumpallocator.Default()
	} else {
		if err := bumpallocator.CheckPlacement(tr.Base, tr.Capacity); err != nil {
			return err
		}
		mem := bumpallocator.ReservedMemory(uint64(tr.Base) + uint64(tr.Capacity))
		arena = bumpallocator.New(mem, tr.Base, bumpallocator.WithCapacity(tr.Capacity))
	}

	var rErr error
	for i, s := range tr.Steps {
		res, err := replayStep(arena, s)
		if err != nil {
			rErr = fmt.Errorf("step %d: %w", i+1, err)
			break
		}
		fmt.Fprintln(out, res)
	}

	st := arena.Stats()
	log.DebugContext(ctx, "trace replayed", logger.Arena(uint64(arena.HeapBase()), st.Capacity, st.Used))
	fmt.Fprintf(out, "allocations: %d, frees: %d, allocated: %d, padding: %d, used: %d, capacity: %d\n",
		st.AllocCount, st.FreeCount, st.Allocated, st.Padding, st.Used, st.Capacity)
	return rErr
}

/*
replayStep executes single trace step. Fatal allocator errors (which are raised
as panic by the default fatal handler) are returned as error.
*/
func replayStep(arena *bumpallocator.BumpAllocator, s traceStep) (res string, err error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok {
				panic(r)
			}
			err = fmt.Errorf("%s: %w", s, e)
		}
	}()

	switch s.Op {
	case "alloc":
		addr := arena.Alloc(s.Size, s.Align)
		return fmt.Sprintf("%s = %d", s, addr), nil
	case "free":
		arena.Free(s.Ptr, s.Size, s.Align)
		return s.String(), nil
	case "grow":
		arena.Grow(s.Pages)
		return s.String(), nil
	default:
		return "", fmt.Errorf("unknown operation %q", s.Op)
	}
}

func (s traceStep) String() string {
	switch s.Op {
	case "alloc":
		return fmt.Sprintf("alloc(%d, %d)", s.Size, s.Align)
	case "free":
		return fmt.Sprintf("free(%d, %d, %d)", s.Ptr, s.Size, s.Align)
	case "grow":
		return fmt.Sprintf("grow(%d)", s.Pages)
	default:
		return s.Op
	}
}
