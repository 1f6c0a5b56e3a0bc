package vmm

import (
	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/arch"
	"github.com/minoca/os-sub007/kernel/mem/pmm"
)

// pageInRetryLimit bounds internal retries for callers that cannot restart
// from a fresh section lookup.
const pageInRetryLimit = 32

// liveLocked checks that the section still exists and still covers the page
// offset, which can stop being true across any lock drop. Requires the
// section lock.
func (s *Section) liveLocked(offset uint64) *kernel.Error {
	if s.flags&(SectionDestroying|SectionDestroyed) != 0 {
		return ErrTooLate
	}
	if offset >= s.pages() {
		return ErrTryAgain
	}
	return nil
}

// blockForLocked returns the page file block assigned to a page, if any.
// Requires the section lock.
func (s *Section) blockForLocked(offset uint64) (uint64, bool) {
	if offset >= uint64(len(s.pageFileBlocks)) {
		return 0, false
	}
	block := s.pageFileBlocks[offset]
	return block, block != invalidBlock
}

// setBlockLocked assigns a page file block to a page, growing the block
// table on first use. Requires the section lock.
func (s *Section) setBlockLocked(offset, block uint64) {
	if s.pageFileBlocks == nil {
		s.pageFileBlocks = make([]uint64, s.pages())
		for i := range s.pageFileBlocks {
			s.pageFileBlocks[i] = invalidBlock
		}
	}
	s.pageFileBlocks[offset] = block
}

// framePayload returns the byte contents of one physical page.
func (m *Manager) framePayload(pa mem.PhysicalAddress) ([]byte, *kernel.Error) {
	return m.db.Slab().Bytes(pa, mem.PageSize)
}

// pageIn makes one page of a section resident. When writable is set the
// mapping comes up writable and pre-dirtied, which is only legal for pages
// the section owns outright (shared cache pages or private pages).
func (m *Manager) pageIn(s *Section, offset uint64, writable bool) *kernel.Error {
	s.lock.mutex.Lock()
	defer s.lock.mutex.Unlock()

	if err := s.liveLocked(offset); err != nil {
		return err
	}
	_, err := m.pageInLocked(s, offset, writable)
	return err
}

// PageInAndLock makes a page resident and pins its frame, retrying the
// transient races internally. Used by I/O buffer locking and by non-paged
// section setup.
func (m *Manager) PageInAndLock(s *Section, offset uint64) (mem.PhysicalAddress, *kernel.Error) {
	for attempt := 0; attempt < pageInRetryLimit; attempt++ {
		s.lock.mutex.Lock()
		if err := s.liveLocked(offset); err != nil {
			s.lock.mutex.Unlock()
			return mem.InvalidPhysicalAddress, err
		}
		pa, err := m.pageInLocked(s, offset, false)
		if err == nil {
			// Pin before the lock drops so paging cannot take the
			// frame between resolution and return.
			err = m.db.Lock(pa, 1)
		}
		s.lock.mutex.Unlock()
		if err == ErrTryAgain {
			continue
		}
		if err != nil {
			return mem.InvalidPhysicalAddress, err
		}
		return pa, nil
	}
	return mem.InvalidPhysicalAddress, ErrTryAgain
}

// MakeResident resolves a virtual address to its physical page, paging it
// in through its owning section if needed. The page is not pinned; callers
// needing stability use PageInAndLock.
func (m *Manager) MakeResident(space *AddressSpace, va mem.VirtualAddress) (mem.PhysicalAddress, *kernel.Error) {
	if pa, _, err := space.Tables.VirtualToPhysical(va); err == nil {
		return pa, nil
	}
	s, offset, err := space.Lookup(va)
	if err != nil {
		return mem.InvalidPhysicalAddress, err
	}
	pa, err := m.PageInAndLock(s, offset)
	if err == nil {
		m.db.Unlock(pa, 1)
	}
	s.ReleaseReference()
	return pa, err
}

// pageInLocked resolves one page, recursing toward the owning ancestor when
// the page is inherited. The section lock is held on entry and exit but may
// be dropped across allocation and I/O; callers must revalidate anything
// they cached across the call.
func (m *Manager) pageInLocked(sec *Section, offset uint64, writable bool) (mem.PhysicalAddress, *kernel.Error) {
	va := sec.pageVA(offset)
	if pa, flags, err := sec.space.Tables.VirtualToPhysical(va); err == nil {
		// Already resident. A write fault on a read-only mapping of a
		// writable section means the hardware bits lag the section;
		// upgrade in place.
		if writable && flags&arch.FlagWritable == 0 && sec.flags&SectionWritable != 0 {
			sec.space.Tables.ChangeRegionAccess(va, 1,
				arch.FlagWritable|arch.FlagDirty,
				arch.FlagWritable|arch.FlagDirty)
			sec.space.Tables.InvalidateTLB(va, 1)
		}
		sec.touch(va)
		return pa, nil
	}

	if sec.inherit.Test(offset) {
		if sec.parent != nil {
			return m.pageInInheritedLocked(sec, offset)
		}
		if sec.flags&SectionPageCacheBacked != 0 && sec.flags&SectionNoImageBacking == 0 && sec.backing != nil {
			return m.pageInFromCacheLocked(sec, offset, writable)
		}
		// No image behind the inherit bit; the page materializes as
		// private zero fill.
		return m.pageInZeroLocked(sec, offset, writable)
	}

	if block, ok := sec.blockForLocked(offset); ok && sec.dirty.Test(offset) {
		return m.pageInFromFileLocked(sec, offset, block, writable)
	}
	return m.pageInZeroLocked(sec, offset, writable)
}

// pageInInheritedLocked resolves a page the section inherits from an
// ancestor: the ancestor's copy is made resident first, then mapped here
// read-only. Writes isolate instead of coming through this path.
func (m *Manager) pageInInheritedLocked(sec *Section, offset uint64) (mem.PhysicalAddress, *kernel.Error) {
	pa, err := m.pageInLocked(sec.parent, offset, false)
	if err != nil {
		return mem.InvalidPhysicalAddress, err
	}

	// The recursion may have dropped the tree lock.
	if err := sec.liveLocked(offset); err != nil {
		return mem.InvalidPhysicalAddress, err
	}
	if !sec.inherit.Test(offset) {
		return mem.InvalidPhysicalAddress, ErrTryAgain
	}
	va := sec.pageVA(offset)
	if existing, _, verr := sec.space.Tables.VirtualToPhysical(va); verr == nil {
		return existing, nil
	}

	// Aliases of cache pages hold their own entry reference so every
	// unmap path can release unconditionally.
	entry, isCache := m.db.PageCacheEntry(pa)
	if isCache {
		entry.AddReference()
	}
	flags := sec.mapFlagsLocked(false) &^ arch.FlagWritable
	if merr := sec.space.Tables.MapPage(pa, va, flags); merr != nil {
		if isCache {
			entry.ReleaseReference()
		}
		return mem.InvalidPhysicalAddress, merr
	}
	sec.space.adjustResident(1)
	sec.touch(va)
	return pa, nil
}

// pageInFromCacheLocked maps the page cache's copy of an image page. Shared
// sections may map it writable; private sections always map read-only and
// isolate on write.
func (m *Manager) pageInFromCacheLocked(sec *Section, offset uint64, writable bool) (mem.PhysicalAddress, *kernel.Error) {
	fileOffset := sec.backingOffset + offset*uint64(mem.PageSize)

	entry, err := sec.backing.EntryAt(fileOffset)
	if err != nil {
		// Bring the page into the cache without holding the tree
		// lock; the read may block.
		tc := sec.TruncateCount()
		sec.lock.mutex.Unlock()
		entry, err = sec.backing.LoadEntry(fileOffset)
		sec.lock.mutex.Lock()
		if err != nil {
			return mem.InvalidPhysicalAddress, err
		}
		if lerr := sec.liveLocked(offset); lerr != nil {
			return mem.InvalidPhysicalAddress, lerr
		}
		if tc != sec.TruncateCount() || !sec.inherit.Test(offset) {
			return mem.InvalidPhysicalAddress, ErrTryAgain
		}
	}

	va := sec.pageVA(offset)
	if existing, _, verr := sec.space.Tables.VirtualToPhysical(va); verr == nil {
		return existing, nil
	}

	writable = writable && sec.flags&SectionShared != 0
	flags := sec.mapFlagsLocked(writable)
	if !writable {
		flags &^= arch.FlagWritable
	} else {
		flags |= arch.FlagDirty
	}

	pa := entry.PhysicalAddress()
	entry.AddReference()
	if merr := sec.space.Tables.MapPage(pa, va, flags); merr != nil {
		entry.ReleaseReference()
		return mem.InvalidPhysicalAddress, merr
	}
	if writable {
		// The faulting store lands the moment the handler returns.
		entry.MarkDirty()
	}
	sec.space.adjustResident(1)
	sec.touch(va)
	return pa, nil
}

// pageInFromFileLocked reads a previously paged-out private page back from
// the page file.
func (m *Manager) pageInFromFileLocked(sec *Section, offset, block uint64, writable bool) (mem.PhysicalAddress, *kernel.Error) {
	tc := sec.TruncateCount()
	sec.lock.mutex.Unlock()

	pa, err := m.db.Allocate(1, 1)
	if err == nil {
		var page []byte
		page, err = m.framePayload(pa)
		if err == nil {
			err = m.pageFile.Store().ReadPage(block, page)
		}
		if err != nil {
			m.db.Free(pa, 1)
		}
	}

	sec.lock.mutex.Lock()
	if err != nil {
		return mem.InvalidPhysicalAddress, err
	}
	return m.finishPrivatePageLocked(sec, offset, pa, tc, writable)
}

// pageInZeroLocked materializes a fresh zero-filled private page.
func (m *Manager) pageInZeroLocked(sec *Section, offset uint64, writable bool) (mem.PhysicalAddress, *kernel.Error) {
	tc := sec.TruncateCount()
	sec.lock.mutex.Unlock()

	pa, err := m.db.Allocate(1, 1)
	if err == nil {
		var page []byte
		page, err = m.framePayload(pa)
		if err == nil {
			for i := range page {
				page[i] = 0
			}
		} else {
			m.db.Free(pa, 1)
		}
	}

	sec.lock.mutex.Lock()
	if err != nil {
		return mem.InvalidPhysicalAddress, err
	}
	return m.finishPrivatePageLocked(sec, offset, pa, tc, writable)
}

// finishPrivatePageLocked installs a freshly filled private frame after the
// allocation lock drop: revalidate, make the frame pageable and map it.
func (m *Manager) finishPrivatePageLocked(sec *Section, offset uint64, pa mem.PhysicalAddress, truncateSnapshot uint32, writable bool) (mem.PhysicalAddress, *kernel.Error) {
	fail := func(err *kernel.Error) (mem.PhysicalAddress, *kernel.Error) {
		m.db.Free(pa, 1)
		return mem.InvalidPhysicalAddress, err
	}

	if err := sec.liveLocked(offset); err != nil {
		return fail(err)
	}
	if truncateSnapshot != sec.TruncateCount() {
		return fail(ErrTryAgain)
	}
	va := sec.pageVA(offset)
	if existing, _, err := sec.space.Tables.VirtualToPhysical(va); err == nil {
		// Lost the race to another fault; the work was wasted but the
		// page is there.
		m.db.Free(pa, 1)
		return existing, nil
	}

	if sec.flags&SectionNonPaged == 0 {
		entry := pmm.NewPagingEntry(sec, offset)
		if err := m.db.EnablePaging(pa, 1, []*pmm.PagingEntry{entry}, false); err != nil {
			return fail(err)
		}
	}

	flags := sec.mapFlagsLocked(writable)
	if writable && flags&arch.FlagWritable != 0 {
		flags |= arch.FlagDirty
	}
	if err := sec.space.Tables.MapPage(pa, va, flags); err != nil {
		return fail(err)
	}

	sec.inherit.Clear(offset)
	sec.space.adjustResident(1)
	sec.touch(va)
	return pa, nil
}
