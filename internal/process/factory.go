package process

import (
	"errors"
	"fmt"
	"sync"

	"github.com/me/kproc/pkg/model"
)

const (
	kernelRoot     uintptr = 0x0010_0000
	userRootBase   uintptr = 0x0100_0000
	stackArenaBase uintptr = 0xC000_0000

	// initialFrame is what a fresh kernel stack holds for the first switch
	// into the record: the callee-saved registers and the return address.
	initialFrame = 5 * ptrSize
)

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	DefaultQuantum int     // Ticks granted when an image does not specify one
	StackSize      uintptr // Size of each kernel and signal stack
}

// DefaultFactoryConfig returns sensible defaults.
func DefaultFactoryConfig() FactoryConfig {
	return FactoryConfig{
		DefaultQuantum: 1,
		StackSize:      16 * PageSize,
	}
}

// Segment is one loadable range of a user image.
type Segment struct {
	Addr uintptr
	Size uint64
}

// Image describes a user program to load.
type Image struct {
	Name     string
	Entry    uintptr
	Quantum  int
	Segments []Segment
	Program  string // simulated behaviour, see internal/program
}

// Factory creates fully initialized process records. Process ids are
// allocated monotonically and never reused.
type Factory struct {
	mu        sync.Mutex
	cfg       FactoryConfig
	lastPID   int
	nextStack uintptr
	nextRoot  uintptr
	kernel    *kernelSpace
}

// NewFactory creates a Factory.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.DefaultQuantum <= 0 {
		cfg.DefaultQuantum = 1
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = DefaultFactoryConfig().StackSize
	}
	return &Factory{
		cfg:       cfg,
		nextStack: stackArenaBase,
		nextRoot:  userRootBase,
		kernel:    &kernelSpace{root: kernelRoot},
	}
}

// KernelSpace returns the address space shared by kernel-origin records.
func (f *Factory) KernelSpace() AddressSpace { return f.kernel }

func (f *Factory) newRecord(name string, origin model.Origin, entry uintptr, quantum int) *Record {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastPID++
	if quantum <= 0 {
		quantum = f.cfg.DefaultQuantum
	}
	r := &Record{
		pid:     f.lastPID,
		name:    name,
		origin:  origin,
		state:   model.ProcessStateRunnable,
		quantum: quantum,
	}
	r.kernelStack = Stack{Base: f.nextStack, Size: f.cfg.StackSize}
	f.nextStack += f.cfg.StackSize
	r.signalStack = Stack{Base: f.nextStack, Size: f.cfg.StackSize}
	f.nextStack += f.cfg.StackSize

	r.regs.IP = entry
	r.regs.SP = r.kernelStack.Top() - initialFrame
	return r
}

// NewKernel creates a kernel-origin record that starts at entry and runs in
// the shared kernel address space.
func (f *Factory) NewKernel(name string, entry uintptr) *Record {
	r := f.newRecord(name, model.OriginKernel, entry, 0)
	r.space = f.kernel
	return r
}

// NewUser creates a user-origin record with a private address space holding
// the image's segments.
func (f *Factory) NewUser(img Image) (*Record, error) {
	if img.Name == "" {
		return nil, errors.New("image name is required")
	}
	if img.Quantum < 0 {
		return nil, fmt.Errorf("image %s: quantum must not be negative", img.Name)
	}

	f.mu.Lock()
	root := f.nextRoot
	f.nextRoot += PageSize
	f.mu.Unlock()

	dir := NewPageDirectory(root)
	for i, seg := range img.Segments {
		if err := dir.Map(seg.Addr, seg.Size); err != nil {
			return nil, fmt.Errorf("image %s: segment %d: %w", img.Name, i, err)
		}
	}

	r := f.newRecord(img.Name, model.OriginUser, img.Entry, img.Quantum)
	r.space = dir
	r.program = img.Program
	return r, nil
}

// NewWithSpace creates a user-origin record backed by a caller-supplied
// address space.
func (f *Factory) NewWithSpace(name string, quantum int, space AddressSpace) *Record {
	r := f.newRecord(name, model.OriginUser, 0, quantum)
	r.space = space
	return r
}
