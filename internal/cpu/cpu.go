// Package cpu defines the context switch contract the scheduler drives and a
// simulated single-core CPU implementing it.
package cpu

import (
	"log/slog"
	"sync"
)

// Space is the part of an address space a context switch needs.
type Space interface {
	Root() uintptr
}

// Switcher is the context switch primitive. On hardware each method is a
// short assembly routine; from the scheduler's point of view every call is
// atomic.
type Switcher interface {
	// Start performs the first transfer into a record, loading the stack
	// pointer stored at sp and activating space.
	Start(sp *uintptr, space Space)

	// SetKernelStack sets the stack the CPU switches to on the next
	// privilege transition.
	SetKernelStack(top uintptr)

	// Switch saves the live stack pointer into *from, loads *to and
	// activates space.
	Switch(from, to *uintptr, space Space)
}

// Transfer is one recorded context transfer.
type Transfer struct {
	SavedSP     uintptr
	LoadedSP    uintptr
	Root        uintptr
	KernelStack uintptr
	Initial     bool
}

// CPU is a simulated single core. It keeps the live stack pointer and the
// active page directory, logs every transfer, and tracks interrupt nesting.
type CPU struct {
	mu          sync.Mutex
	sp          uintptr
	root        uintptr
	kernelStack uintptr
	irqDepth    int
	started     bool
	transfers   []Transfer
	logger      *slog.Logger
}

// New creates a CPU.
func New(logger *slog.Logger) *CPU {
	return &CPU{logger: logger.With("component", "cpu")}
}

// Start implements Switcher.
func (c *CPU) Start(sp *uintptr, space Space) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sp = *sp
	c.root = space.Root()
	c.started = true
	c.transfers = append(c.transfers, Transfer{
		LoadedSP:    c.sp,
		Root:        c.root,
		KernelStack: c.kernelStack,
		Initial:     true,
	})
	c.logger.Debug("start", "sp", c.sp, "root", c.root)
}

// SetKernelStack implements Switcher.
func (c *CPU) SetKernelStack(top uintptr) {
	c.mu.Lock()
	c.kernelStack = top
	c.mu.Unlock()
}

// Switch implements Switcher.
func (c *CPU) Switch(from, to *uintptr, space Space) {
	c.mu.Lock()
	defer c.mu.Unlock()
	saved := c.sp
	*from = saved
	c.sp = *to
	c.root = space.Root()
	c.transfers = append(c.transfers, Transfer{
		SavedSP:     saved,
		LoadedSP:    c.sp,
		Root:        c.root,
		KernelStack: c.kernelStack,
	})
	c.logger.Debug("switch", "saved_sp", saved, "loaded_sp", c.sp, "root", c.root)
}

// SP returns the live stack pointer.
func (c *CPU) SP() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sp
}

// Push moves the live stack pointer down by n bytes, the way running code
// grows its stack between switches.
func (c *CPU) Push(n uintptr) {
	c.mu.Lock()
	c.sp -= n
	c.mu.Unlock()
}

// Root returns the active page directory.
func (c *CPU) Root() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// KernelStack returns the stack loaded for privilege transitions.
func (c *CPU) KernelStack() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kernelStack
}

// Started reports whether the first transfer happened.
func (c *CPU) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Transfers returns a copy of the transfer log.
func (c *CPU) Transfers() []Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transfer(nil), c.transfers...)
}

// EnterInterrupt marks entry into an interrupt handler.
func (c *CPU) EnterInterrupt() {
	c.mu.Lock()
	c.irqDepth++
	c.mu.Unlock()
}

// LeaveInterrupt marks the return from an interrupt handler.
func (c *CPU) LeaveInterrupt() {
	c.mu.Lock()
	if c.irqDepth > 0 {
		c.irqDepth--
	}
	c.mu.Unlock()
}

// InInterrupt reports whether the CPU is executing an interrupt handler.
func (c *CPU) InInterrupt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.irqDepth > 0
}
