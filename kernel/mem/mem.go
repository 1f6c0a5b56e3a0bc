// Package mem provides the base types shared by the memory-management
// subsystems: byte sizes, page constants and typed virtual and physical
// addresses.
package mem

import "math"

const (
	// PageShift is equal to log2(PageSize). This constant is used when we
	// need to convert an address to a page number (shift right by
	// PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	pageSizeMinus1 := PageSize - 1
	return uint64((s + pageSizeMinus1) &^ pageSizeMinus1 >> PageShift)
}

// PageAligned returns true if the size is a whole number of pages.
func (s Size) PageAligned() bool {
	return s&(PageSize-1) == 0
}

// AlignUp rounds the size up to a whole number of pages.
func (s Size) AlignUp() Size {
	return (s + PageSize - 1) &^ (PageSize - 1)
}

// VirtualAddress describes an address in some address space. It is a fixed
// 64-bit quantity so that the canonical kernel-space split is representable
// on any host.
type VirtualAddress uint64

// Virtual address space split. Everything strictly below KernelVirtualBase
// belongs to user mode.
const (
	MaxUserAddress    = VirtualAddress(0x00007FFFFFFFFFFF)
	KernelVirtualBase = VirtualAddress(0xFFFF800000000000)
)

// PhysicalAddress describes an address in physical memory.
type PhysicalAddress uint64

// InvalidPhysicalAddress is returned by allocators and translation helpers
// when they fail to produce a physical address.
const InvalidPhysicalAddress = PhysicalAddress(math.MaxUint64)

// IsValid returns true if this is a valid physical address.
func (p PhysicalAddress) IsValid() bool {
	return p != InvalidPhysicalAddress
}

// PageAligned returns true if the address lies on a page boundary.
func (v VirtualAddress) PageAligned() bool {
	return v&VirtualAddress(PageSize-1) == 0
}

// PageAligned returns true if the address lies on a page boundary.
func (p PhysicalAddress) PageAligned() bool {
	return p&PhysicalAddress(PageSize-1) == 0
}

// AlignDown rounds the address down to the previous page boundary.
func (v VirtualAddress) AlignDown() VirtualAddress {
	return v &^ VirtualAddress(PageSize-1)
}

// AlignUp rounds the address up to the next page boundary.
func (v VirtualAddress) AlignUp() VirtualAddress {
	return (v + VirtualAddress(PageSize-1)) &^ VirtualAddress(PageSize-1)
}

// AlignDown rounds the address down to the previous page boundary.
func (p PhysicalAddress) AlignDown() PhysicalAddress {
	return p &^ PhysicalAddress(PageSize-1)
}

// AlignUp rounds the address up to the next page boundary.
func (p PhysicalAddress) AlignUp() PhysicalAddress {
	return (p + PhysicalAddress(PageSize-1)) &^ PhysicalAddress(PageSize-1)
}

// Add returns the address advanced by the supplied number of bytes.
func (v VirtualAddress) Add(s Size) VirtualAddress {
	return v + VirtualAddress(s)
}

// Add returns the address advanced by the supplied number of bytes.
func (p PhysicalAddress) Add(s Size) PhysicalAddress {
	return p + PhysicalAddress(s)
}

// PageOffset returns the byte offset of the address within its page.
func (v VirtualAddress) PageOffset() Size {
	return Size(v) & (PageSize - 1)
}

// PageOffset returns the byte offset of the address within its page.
func (p PhysicalAddress) PageOffset() Size {
	return Size(p) & (PageSize - 1)
}
