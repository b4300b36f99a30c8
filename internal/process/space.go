package process

import (
	"errors"
	"fmt"
)

// PageSize is the granularity of simulated mappings.
const PageSize = 4096

// ErrReleased is returned when an address space is used after teardown.
var ErrReleased = errors.New("address space released")

// AddressSpace is the paging context a record runs in. A record owns its
// address space exclusively and releases it only when destroyed.
type AddressSpace interface {
	// Root is the page directory location loaded on a context switch.
	Root() uintptr
	// UsedMemory reports the bytes mapped privately for this space.
	UsedMemory() uint64
	// Release tears the space down. It is called exactly once.
	Release() error
}

// PageDirectory is a simulated per-process page directory.
type PageDirectory struct {
	root     uintptr
	pages    map[uintptr]struct{}
	released bool
}

// NewPageDirectory returns an empty directory located at root.
func NewPageDirectory(root uintptr) *PageDirectory {
	return &PageDirectory{root: root, pages: make(map[uintptr]struct{})}
}

// Map marks every page overlapping [addr, addr+size) as mapped.
func (d *PageDirectory) Map(addr uintptr, size uint64) error {
	if d.released {
		return ErrReleased
	}
	if size == 0 {
		return nil
	}
	end := addr + uintptr(size)
	if end < addr {
		return fmt.Errorf("map %#x+%d: range overflows", addr, size)
	}
	for page := addr &^ (PageSize - 1); page < end; page += PageSize {
		d.pages[page] = struct{}{}
	}
	return nil
}

// Root implements AddressSpace.
func (d *PageDirectory) Root() uintptr { return d.root }

// UsedMemory implements AddressSpace.
func (d *PageDirectory) UsedMemory() uint64 {
	return uint64(len(d.pages)) * PageSize
}

// Release implements AddressSpace.
func (d *PageDirectory) Release() error {
	if d.released {
		return ErrReleased
	}
	d.released = true
	d.pages = nil
	return nil
}

// kernelSpace is the directory shared by every kernel-origin record.
// Its lifetime is the kernel's, so releasing it from a record is a no-op.
type kernelSpace struct {
	root uintptr
}

func (k *kernelSpace) Root() uintptr      { return k.root }
func (k *kernelSpace) UsedMemory() uint64 { return 0 }
func (k *kernelSpace) Release() error     { return nil }
