package vmm

import (
	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/arch"
	"github.com/minoca/os-sub007/kernel/mem/bitvec"
	"github.com/minoca/os-sub007/kernel/mem/pmm"
)

// UnmapRange removes the page-aligned range [va, va+size) from the address
// space, clipping any sections in the way. Sections fully inside the range
// are destroyed; partial overlaps shrink or split them.
func (m *Manager) UnmapRange(space *AddressSpace, va mem.VirtualAddress, size mem.Size) *kernel.Error {
	if size == 0 || !size.PageAligned() || !va.PageAligned() {
		return ErrInvalidParameter
	}

	end := va.Add(size)
	sections := space.Sections()
	found := false
	var firstErr *kernel.Error
	for _, s := range sections {
		if s.va >= end || s.va.Add(s.size) <= va {
			s.ReleaseReference()
			continue
		}
		found = true
		if err := m.clipSection(s, va, end); err != nil && firstErr == nil {
			firstErr = err
		}
		s.ReleaseReference()
	}
	if firstErr != nil {
		return firstErr
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// clipSection cuts the hole [holeStart, holeEnd), clamped to the section,
// out of the section. The piece left of the hole survives in place; the
// piece right of it becomes a new independent section; the hole itself is
// unmapped and its pages freed. An empty hole (holeStart == holeEnd) splits
// without removing anything.
func (m *Manager) clipSection(s *Section, holeStart, holeEnd mem.VirtualAddress) *kernel.Error {
	sectionEnd := s.va.Add(s.size)
	start := holeStart
	if start < s.va {
		start = s.va
	}
	end := holeEnd
	if end > sectionEnd {
		end = sectionEnd
	}
	if start > end || (start == end && (start <= s.va || start >= sectionEnd)) {
		return nil
	}

	firstPage := uint64(start-s.va) >> mem.PageShift
	holePages := uint64(end-start) >> mem.PageShift

	s.lock.mutex.Lock()
	if s.flags&(SectionDestroying|SectionDestroyed) != 0 {
		s.lock.mutex.Unlock()
		return nil
	}
	// Concurrent page-ins must notice the ground moving.
	s.bumpTruncateCount()
	totalPages := s.pages()
	hasParent := s.parent != nil
	s.lock.mutex.Unlock()

	// Children keep their pre-clip view of every page from the hole on,
	// and the right-hand piece must stop depending on an ancestor it is
	// about to be detached from.
	for offset := firstPage; offset < totalPages; offset++ {
		childrenOnly := offset < firstPage+holePages || !hasParent
		if err := m.isolate(s, offset, childrenOnly); err != nil && err != ErrTooLate {
			return err
		}
	}

	s.lock.mutex.Lock()
	if s.flags&(SectionDestroying|SectionDestroyed) != 0 {
		s.lock.mutex.Unlock()
		return nil
	}
	totalPages = s.pages()
	if firstPage >= totalPages {
		s.lock.mutex.Unlock()
		return nil
	}
	if firstPage+holePages > totalPages {
		holePages = totalPages - firstPage
	}

	var remainder *Section
	rightFirst := firstPage + holePages
	rightPages := totalPages - rightFirst
	if rightPages > 0 {
		remainder = m.detachRemainderLocked(s, rightFirst, rightPages)
	}

	removeWhole := firstPage == 0
	if holePages > 0 {
		m.unmapAndFreeLocked(s, firstPage, holePages, true)
		m.freeBlocksLocked(s, firstPage, holePages)
	}

	if removeWhole {
		// Everything left of the hole is gone; shrink the section to
		// exactly the hole so removal releases exactly that range.
		s.size = mem.Size(holePages) * mem.PageSize
	} else {
		s.size = mem.Size(firstPage) * mem.PageSize
	}
	newPages := s.size.Pages()
	s.inherit = s.inherit.Resize(newPages)
	s.dirty = s.dirty.Resize(newPages)
	if uint64(len(s.pageFileBlocks)) > newPages {
		s.pageFileBlocks = s.pageFileBlocks[:newPages]
	}
	s.bumpTruncateCount()
	s.lock.mutex.Unlock()

	if remainder != nil {
		remainder.space.insertSection(remainder)
		if remainder.backing != nil {
			remainder.backing.Sections().Add(remainder)
		}
	}

	if removeWhole {
		return m.RemoveSection(s)
	}
	if holePages > 0 && s.space.Accountant != nil {
		s.space.Accountant.Free(start, mem.Size(holePages)*mem.PageSize)
	}
	return nil
}

// detachRemainderLocked carves the page range [rightFirst, rightFirst+
// rightPages) into a new root section at the same virtual addresses. The
// pages stay mapped; bitmaps, page file blocks and paging entry ownership
// move over. Requires the section lock.
func (m *Manager) detachRemainderLocked(s *Section, rightFirst, rightPages uint64) *Section {
	remainder := &Section{
		refCount:      1,
		flags:         s.flags &^ (SectionDestroying | SectionDestroyed),
		lock:          &treeLock{refs: 1},
		space:         s.space,
		va:            s.pageVA(rightFirst),
		size:          mem.Size(rightPages) * mem.PageSize,
		inherit:       bitvec.New(rightPages),
		dirty:         bitvec.New(rightPages),
		backing:       s.backing,
		backingOffset: s.backingOffset + rightFirst*uint64(mem.PageSize),
		backingRefs:   1,
	}
	remainder.inherit.CopyRange(0, s.inherit, rightFirst, rightPages)
	remainder.dirty.CopyRange(0, s.dirty, rightFirst, rightPages)

	if s.pageFileBlocks != nil {
		for offset := rightFirst; offset < rightFirst+rightPages && offset < uint64(len(s.pageFileBlocks)); offset++ {
			if s.pageFileBlocks[offset] == invalidBlock {
				continue
			}
			remainder.setBlockLocked(offset-rightFirst, s.pageFileBlocks[offset])
			s.pageFileBlocks[offset] = invalidBlock
		}
	}

	m.db.MigratePagingEntries(s, remainder, rightFirst, rightPages, 0)
	return remainder
}

// freeBlocksLocked returns a page range's page file blocks. Requires the
// section lock.
func (m *Manager) freeBlocksLocked(s *Section, firstOffset, pageCount uint64) {
	if m.pageFile == nil || s.pageFileBlocks == nil {
		return
	}
	for offset := firstOffset; offset < firstOffset+pageCount && offset < uint64(len(s.pageFileBlocks)); offset++ {
		if s.pageFileBlocks[offset] == invalidBlock {
			continue
		}
		m.pageFile.Free(s.pageFileBlocks[offset])
		s.pageFileBlocks[offset] = invalidBlock
	}
}

// ChangeRegionAccess rewrites the access bits of the page-aligned range,
// splitting user sections at the boundaries. Kernel sections are never
// split; a partial overlap there is an error.
func (m *Manager) ChangeRegionAccess(space *AddressSpace, va mem.VirtualAddress, size mem.Size, access SectionFlag) *kernel.Error {
	if size == 0 || !size.PageAligned() || !va.PageAligned() || access&^accessMask != 0 {
		return ErrInvalidParameter
	}
	end := va.Add(size)

	// Split pass: after this every overlapping section is fully inside
	// the range. Splitting changes the list, so re-snapshot until clean.
	for {
		split := false
		sections := space.Sections()
		for _, s := range sections {
			sEnd := s.va.Add(s.size)
			if s.va >= end || sEnd <= va {
				s.ReleaseReference()
				continue
			}
			var at mem.VirtualAddress
			if s.va < va {
				at = va
			} else if sEnd > end {
				at = end
			}
			if at != 0 {
				if space.kernel {
					s.ReleaseReference()
					releaseAll(sections, s)
					return ErrInvalidParameter
				}
				err := m.clipSection(s, at, at)
				s.ReleaseReference()
				if err != nil {
					releaseAll(sections, s)
					return err
				}
				split = true
				releaseAll(sections, s)
				break
			}
			s.ReleaseReference()
		}
		if !split {
			break
		}
	}

	sections := space.Sections()
	for _, s := range sections {
		if s.va >= end || s.va.Add(s.size) <= va {
			s.ReleaseReference()
			continue
		}
		m.applyAccess(s, access)
		s.ReleaseReference()
	}
	return nil
}

// releaseAll drops the references of every snapshot entry after the given
// one.
func releaseAll(sections []*Section, after *Section) {
	seen := false
	for _, s := range sections {
		if seen {
			s.ReleaseReference()
		}
		if s == after {
			seen = true
		}
	}
}

// applyAccess installs new access bits on a whole section and downgrades
// the hardware mappings where needed. Upgrades stay lazy: the next fault
// maps with the wider permission.
func (m *Manager) applyAccess(s *Section, access SectionFlag) {
	s.lock.mutex.Lock()
	defer s.lock.mutex.Unlock()

	if s.flags&(SectionDestroying|SectionDestroyed) != 0 {
		return
	}
	old := s.flags & accessMask
	s.flags = (s.flags &^ accessMask) | access
	if access&SectionWritable != 0 {
		s.flags |= SectionWasWritable
	}

	pages := s.pages()
	if access == 0 && old != 0 {
		// Access fully revoked: tear the mappings down but keep the
		// pages; restoring access faults them back in.
		m.unmapAndFreeLocked(s, 0, pages, false)
		return
	}
	if old != access {
		// Rewrite only the access bits of the live mappings. Write stays
		// off here even when granted; the next store faults and maps the
		// page writable with its dirty tracking in place.
		s.space.Tables.ChangeRegionAccess(s.va, pages,
			s.mapFlagsLocked(false)&arch.AccessMask, arch.AccessMask)
		s.space.Tables.InvalidateTLB(s.va, pages)
	}
}

// FlushRegion writes the dirty pages of shared cache-backed sections in the
// range back to their files.
func (m *Manager) FlushRegion(space *AddressSpace, va mem.VirtualAddress, size mem.Size, sync bool) *kernel.Error {
	if size == 0 {
		return ErrInvalidParameter
	}
	end := va.Add(size)

	sections := space.Sections()
	var firstErr *kernel.Error
	for _, s := range sections {
		err := m.flushSection(s, va, end, sync)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		s.ReleaseReference()
	}
	return firstErr
}

func (m *Manager) flushSection(s *Section, va, end mem.VirtualAddress, sync bool) *kernel.Error {
	s.lock.mutex.Lock()
	sEnd := s.va.Add(s.size)
	if s.va >= end || sEnd <= va ||
		s.flags&SectionShared == 0 || s.backing == nil ||
		s.flags&(SectionDestroying|SectionDestroyed) != 0 {
		s.lock.mutex.Unlock()
		return nil
	}

	first := uint64(0)
	if va > s.va {
		first = uint64(va.AlignDown()-s.va) >> mem.PageShift
	}
	last := s.pages()
	if end < sEnd {
		last = uint64(end.AlignUp()-s.va) >> mem.PageShift
	}

	// Fold hardware dirty bits into the cache entries before asking the
	// backing to write.
	for offset := first; offset < last; offset++ {
		pageVA := s.pageVA(offset)
		pa, flags, err := s.space.Tables.VirtualToPhysical(pageVA)
		if err != nil || flags&arch.FlagDirty == 0 {
			continue
		}
		if entry, ok := m.db.PageCacheEntry(pa); ok {
			entry.MarkDirty()
		}
		s.space.Tables.ChangeRegionAccess(pageVA, 1, 0, arch.FlagDirty)
	}

	backing := s.backing
	flushOffset := s.backingOffset + first*uint64(mem.PageSize)
	flushSize := mem.Size(last-first) * mem.PageSize
	s.lock.mutex.Unlock()

	return backing.Flush(flushOffset, flushSize, sync)
}

// PageOut writes one private pageable frame to the page file and unmaps it.
// It is installed as the page database's page-out hook; the frame's
// PagingOut flag is already set, so the owner cannot free it underneath.
func (m *Manager) PageOut(entry *pmm.PagingEntry, pa mem.PhysicalAddress) *kernel.Error {
	if m.pageFile == nil {
		return ErrInvalidParameter
	}
	owner, ok := entry.Owner.(*Section)
	if !ok {
		return ErrInvalidParameter
	}

	owner.lock.mutex.Lock()
	offset := entry.Offset
	if owner.flags&SectionDestroyed != 0 || offset >= owner.pages() {
		// The owner let go; the database reclaims the frame.
		owner.lock.mutex.Unlock()
		return nil
	}
	va := owner.pageVA(offset)
	if mapped, _, err := owner.space.Tables.VirtualToPhysical(va); err != nil || mapped != pa {
		owner.lock.mutex.Unlock()
		return nil
	}

	block, haveBlock := owner.blockForLocked(offset)
	if !haveBlock {
		var err *kernel.Error
		block, err = m.pageFile.Allocate()
		if err != nil {
			owner.lock.mutex.Unlock()
			return err
		}
		owner.setBlockLocked(offset, block)
	}

	page, err := m.framePayload(pa)
	if err == nil {
		err = m.pageFile.Store().WritePage(block, page)
	}
	if err != nil {
		owner.lock.mutex.Unlock()
		return err
	}

	dirty := make([]bool, 1)
	owner.space.Tables.UnmapPages(va, 1, true, dirty)
	owner.space.adjustResident(-1)
	owner.dirty.Set(offset)
	owner.lock.mutex.Unlock()
	return nil
}
