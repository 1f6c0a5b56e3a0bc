// Package softpt implements the arch page-table contract in software. One
// entry is kept per mapped page, so the full protocol (access changes, dirty
// reporting, copy-on-fork conversion, shootdown accounting) is observable by
// tests without real hardware underneath.
package softpt

import (
	"sync"
	"sync/atomic"

	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/arch"
)

var (
	errUnaligned = &kernel.Error{Module: "softpt", Message: "address is not page aligned"}
)

type entry struct {
	pa    mem.PhysicalAddress
	flags arch.MapFlag
}

// Tables is a software page-table set.
type Tables struct {
	mutex   sync.Mutex
	entries map[mem.VirtualAddress]entry

	// kernelGen counts kernel-range directory updates on the kernel's own
	// table set; syncedGen tracks how much of that a process set has seen.
	kernelGen uint64
	syncedGen uint64

	// tablePages counts page-table pages nominally created for regions.
	tablePages uint64

	shootdowns uint64
}

// New creates an empty software page-table set.
func New() *Tables {
	return &Tables{entries: make(map[mem.VirtualAddress]entry)}
}

// Shootdowns returns the number of TLB invalidation requests issued against
// this set. Tests use it to observe shootdown traffic.
func (t *Tables) Shootdowns() uint64 {
	return atomic.LoadUint64(&t.shootdowns)
}

// MappedPages returns the number of present mappings.
func (t *Tables) MappedPages() uint64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return uint64(len(t.entries))
}

// MapPage implements arch.PageTables.
func (t *Tables) MapPage(pa mem.PhysicalAddress, va mem.VirtualAddress, flags arch.MapFlag) *kernel.Error {
	if !va.PageAligned() || !pa.PageAligned() {
		return errUnaligned
	}

	t.mutex.Lock()
	t.entries[va] = entry{pa: pa, flags: flags | arch.FlagPresent}
	if va >= mem.KernelVirtualBase {
		atomic.AddUint64(&t.kernelGen, 1)
	}
	t.mutex.Unlock()
	return nil
}

// UnmapPages implements arch.PageTables.
func (t *Tables) UnmapPages(va mem.VirtualAddress, pageCount uint64, invalidate bool, dirty []bool) *kernel.Error {
	if !va.PageAligned() {
		return errUnaligned
	}

	t.mutex.Lock()
	for i := uint64(0); i < pageCount; i++ {
		addr := va.Add(mem.Size(i) * mem.PageSize)
		ent, present := t.entries[addr]
		if dirty != nil {
			dirty[i] = present && ent.flags&arch.FlagDirty != 0
		}
		if present {
			delete(t.entries, addr)
		}
	}
	t.mutex.Unlock()

	if invalidate {
		t.InvalidateTLB(va, pageCount)
	}
	return nil
}

// VirtualToPhysical implements arch.PageTables.
func (t *Tables) VirtualToPhysical(va mem.VirtualAddress) (mem.PhysicalAddress, arch.MapFlag, *kernel.Error) {
	t.mutex.Lock()
	ent, present := t.entries[va.AlignDown()]
	t.mutex.Unlock()
	if !present {
		return mem.InvalidPhysicalAddress, 0, arch.ErrNotMapped
	}
	return ent.pa, ent.flags, nil
}

// ChangeRegionAccess implements arch.PageTables.
func (t *Tables) ChangeRegionAccess(va mem.VirtualAddress, pageCount uint64, flags, mask arch.MapFlag) *kernel.Error {
	if !va.PageAligned() {
		return errUnaligned
	}

	t.mutex.Lock()
	for i := uint64(0); i < pageCount; i++ {
		addr := va.Add(mem.Size(i) * mem.PageSize)
		ent, present := t.entries[addr]
		if !present {
			continue
		}
		ent.flags = (ent.flags &^ mask) | (flags & mask)
		t.entries[addr] = ent
	}
	t.mutex.Unlock()

	t.InvalidateTLB(va, pageCount)
	return nil
}

// CopyAndChangeMappings implements arch.PageTables.
func (t *Tables) CopyAndChangeMappings(dst arch.PageTables, va mem.VirtualAddress, size mem.Size) *kernel.Error {
	target, ok := dst.(*Tables)
	if !ok {
		return &kernel.Error{Module: "softpt", Message: "foreign page-table set"}
	}

	end := va.Add(size)

	t.mutex.Lock()
	target.mutex.Lock()
	for addr, ent := range t.entries {
		if addr < va || addr >= end {
			continue
		}
		ent.flags &^= arch.FlagWritable
		t.entries[addr] = ent
		target.entries[addr] = ent
	}
	target.mutex.Unlock()
	t.mutex.Unlock()
	return nil
}

// PreallocatePageTables implements arch.PageTables.
func (t *Tables) PreallocatePageTables(dst arch.PageTables) *kernel.Error {
	target, ok := dst.(*Tables)
	if !ok {
		return &kernel.Error{Module: "softpt", Message: "foreign page-table set"}
	}

	t.mutex.Lock()
	pages := uint64(len(t.entries))
	t.mutex.Unlock()

	atomic.AddUint64(&target.tablePages, pages)
	return nil
}

// CreatePageTables implements arch.PageTables.
func (t *Tables) CreatePageTables(va mem.VirtualAddress, size mem.Size) *kernel.Error {
	if !va.PageAligned() || !size.PageAligned() {
		return errUnaligned
	}
	atomic.AddUint64(&t.tablePages, size.Pages())
	return nil
}

// SyncKernelDirectory implements arch.PageTables.
func (t *Tables) SyncKernelDirectory(kernelTables arch.PageTables, va mem.VirtualAddress) bool {
	source, ok := kernelTables.(*Tables)
	if !ok || source == t {
		return false
	}

	sourceGen := atomic.LoadUint64(&source.kernelGen)
	if atomic.SwapUint64(&t.syncedGen, sourceGen) == sourceGen {
		return false
	}

	// The directory was stale. The fault is resolved by the sync alone
	// only if the kernel set actually maps the faulting address.
	if va < mem.KernelVirtualBase {
		return false
	}
	_, _, err := source.VirtualToPhysical(va)
	if err != nil {
		return false
	}

	t.mutex.Lock()
	source.mutex.Lock()
	for addr, ent := range source.entries {
		if addr >= mem.KernelVirtualBase {
			t.entries[addr] = ent
		}
	}
	source.mutex.Unlock()
	t.mutex.Unlock()
	return true
}

// InvalidateTLB implements arch.PageTables.
func (t *Tables) InvalidateTLB(va mem.VirtualAddress, pageCount uint64) {
	atomic.AddUint64(&t.shootdowns, 1)
}

// InvalidateAll implements arch.PageTables.
func (t *Tables) InvalidateAll() {
	atomic.AddUint64(&t.shootdowns, 1)
}

// Release implements arch.PageTables.
func (t *Tables) Release() {
	t.mutex.Lock()
	t.entries = make(map[mem.VirtualAddress]entry)
	t.mutex.Unlock()
}
