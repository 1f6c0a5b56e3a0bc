// Package arch defines the contract between the memory manager and the
// architecture-specific page-table layer. The memory manager never touches
// page-table memory itself; it drives one of these implementations, selected
// once at boot.
package arch

import (
	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
)

// MapFlag describes the attribute bits of a page mapping.
type MapFlag uint32

const (
	// FlagPresent marks a mapping as valid for translation.
	FlagPresent MapFlag = 1 << iota

	// FlagWritable allows stores through the mapping.
	FlagWritable

	// FlagExecute allows instruction fetches through the mapping.
	FlagExecute

	// FlagUser allows user-mode access through the mapping.
	FlagUser

	// FlagGlobal exempts the mapping from address-space switches.
	FlagGlobal

	// FlagDirty is reported by the hardware when the page was written.
	FlagDirty

	// FlagCacheDisable maps the page uncached.
	FlagCacheDisable

	// FlagWriteThrough maps the page write-through.
	FlagWriteThrough

	// FlagPageable marks the mapping as eligible for eviction.
	FlagPageable
)

// AccessMask covers the bits that ChangeRegionAccess may modify.
const AccessMask = FlagWritable | FlagExecute | FlagUser

var (
	// ErrNotMapped is returned by translation helpers for a virtual
	// address with no present mapping.
	ErrNotMapped = &kernel.Error{Module: "arch", Message: "virtual address is not mapped"}
)

// PageTables is the per-address-space page-table surface consumed by the
// memory manager. Implementations serialize internally; callers may invoke
// these from multiple CPUs.
type PageTables interface {
	// MapPage installs a mapping from a virtual page to a physical page.
	MapPage(pa mem.PhysicalAddress, va mem.VirtualAddress, flags MapFlag) *kernel.Error

	// UnmapPages removes up to pageCount mappings starting at va.
	// Non-present pages are skipped. If dirty is non-nil it must hold
	// pageCount entries and receives the hardware dirty bit of each
	// unmapped page. If invalidate is set the TLB entries are shot down.
	UnmapPages(va mem.VirtualAddress, pageCount uint64, invalidate bool, dirty []bool) *kernel.Error

	// VirtualToPhysical translates a virtual address, returning the
	// physical address and the mapping attributes.
	VirtualToPhysical(va mem.VirtualAddress) (mem.PhysicalAddress, MapFlag, *kernel.Error)

	// ChangeRegionAccess rewrites the access bits selected by mask on
	// every present mapping in the region, invalidating as it goes.
	ChangeRegionAccess(va mem.VirtualAddress, pageCount uint64, flags, mask MapFlag) *kernel.Error

	// CopyAndChangeMappings atomically converts every present writable
	// mapping in [va, va+size) to read-only and installs a copy of each
	// resulting mapping into dst. Used during address-space cloning.
	CopyAndChangeMappings(dst PageTables, va mem.VirtualAddress, size mem.Size) *kernel.Error

	// PreallocatePageTables ensures dst owns page-table pages covering
	// everything currently mapped here, so the copy loop cannot fail on
	// allocation with locks held.
	PreallocatePageTables(dst PageTables) *kernel.Error

	// CreatePageTables ensures page-table pages exist covering the given
	// region.
	CreatePageTables(va mem.VirtualAddress, size mem.Size) *kernel.Error

	// SyncKernelDirectory pulls newer kernel-range directory entries from
	// the kernel's page tables into this set. It returns true if the
	// faulting address was covered by a stale entry, meaning no real
	// fault occurred.
	SyncKernelDirectory(kernelTables PageTables, va mem.VirtualAddress) bool

	// InvalidateTLB shoots down the TLB entries for a virtual range on
	// every CPU this address space is active on.
	InvalidateTLB(va mem.VirtualAddress, pageCount uint64)

	// InvalidateAll flushes the entire TLB for this address space.
	InvalidateAll()

	// Release frees the page-table pages owned by this set.
	Release()
}
