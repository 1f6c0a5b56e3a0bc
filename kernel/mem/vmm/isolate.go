package vmm

import (
	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/arch"
	"github.com/minoca/os-sub007/kernel/mem/pmm"
)

// isolate breaks the copy-on-write sharing of one page. Every child still
// inheriting the page receives a private copy of the current content first,
// so their view stays the snapshot they were forked with; then, unless
// childrenOnly is set, the section itself gets a private writable copy.
func (m *Manager) isolate(s *Section, offset uint64, childrenOnly bool) *kernel.Error {
	s.lock.mutex.Lock()
	defer s.lock.mutex.Unlock()

	for attempt := 0; attempt < pageInRetryLimit; attempt++ {
		err := m.isolateOnceLocked(s, offset, childrenOnly)
		if err != ErrTryAgain {
			return err
		}
		// Something moved while a lock was dropped. If the section
		// itself is gone or shrank, the caller restarts from lookup.
		if lerr := s.isolateLiveLocked(offset, childrenOnly); lerr != nil {
			return lerr
		}
	}
	return ErrTryAgain
}

// isolateLiveLocked is the liveness check for isolation: removal runs
// child-only isolation on a section that is already marked Destroying.
func (s *Section) isolateLiveLocked(offset uint64, childrenOnly bool) *kernel.Error {
	if s.flags&SectionDestroyed != 0 {
		return ErrTooLate
	}
	if !childrenOnly && s.flags&SectionDestroying != 0 {
		return ErrTryAgain
	}
	if offset >= s.pages() {
		return ErrTryAgain
	}
	return nil
}

func (m *Manager) isolateOnceLocked(s *Section, offset uint64, childrenOnly bool) *kernel.Error {
	if err := s.isolateLiveLocked(offset, childrenOnly); err != nil {
		return err
	}

	child := s.inheritingChildLocked(offset)
	selfNeedsCopy := !childrenOnly && s.inherit.Test(offset)

	if child == nil && !selfNeedsCopy {
		if childrenOnly {
			return nil
		}
		// The page is already privately owned and nobody inherits it;
		// all that is missing is write permission.
		_, err := m.pageInLocked(s, offset, true)
		return err
	}

	// The current content must be resident before it can be copied.
	srcPA, err := m.pageInLocked(s, offset, false)
	if err != nil {
		return err
	}
	if lerr := s.isolateLiveLocked(offset, childrenOnly); lerr != nil {
		return lerr
	}

	for {
		child = s.inheritingChildLocked(offset)
		if child == nil {
			break
		}
		if err := m.copySubtreeLocked(s, child, offset, srcPA); err != nil {
			return err
		}
	}

	if childrenOnly {
		return nil
	}

	if s.inherit.Test(offset) {
		return m.privatizeLocked(s, offset, srcPA)
	}
	_, err = m.pageInLocked(s, offset, true)
	return err
}

// copySubtreeLocked gives one inheriting child its private copy, deepest
// descendants first. A grandchild whose whole inherit chain is intact maps
// the same ancestral frame the child does, so it must hold its own copy
// before the child's page is replaced.
func (m *Manager) copySubtreeLocked(s, child *Section, offset uint64, srcPA mem.PhysicalAddress) *kernel.Error {
	for {
		grandchild := child.inheritingChildLocked(offset)
		if grandchild == nil {
			break
		}
		if err := m.copySubtreeLocked(s, grandchild, offset, srcPA); err != nil {
			return err
		}
	}
	return m.copyToChildLocked(s, child, offset, srcPA)
}

// inheritingChildLocked returns a live child that still inherits the page,
// or nil. Requires the section lock.
func (s *Section) inheritingChildLocked(offset uint64) *Section {
	for _, child := range s.children {
		if child.flags&SectionDestroyed != 0 {
			continue
		}
		if offset < child.pages() && child.inherit.Test(offset) {
			return child
		}
	}
	return nil
}

// allocateCopyLocked drops the tree lock to allocate a frame and fill it
// with the source page's content, then revalidates. On ErrTryAgain the frame
// has been freed and the caller restarts.
func (m *Manager) allocateCopyLocked(s *Section, offset uint64, srcPA mem.PhysicalAddress, childrenOnly bool) (mem.PhysicalAddress, *kernel.Error) {
	tc := s.TruncateCount()
	s.lock.mutex.Unlock()

	pa, err := m.db.Allocate(1, 1)
	if err == nil {
		var dst, src []byte
		dst, err = m.framePayload(pa)
		if err == nil {
			src, err = m.framePayload(srcPA)
		}
		if err == nil {
			copy(dst, src)
		} else {
			m.db.Free(pa, 1)
		}
	}

	s.lock.mutex.Lock()
	if err != nil {
		return mem.InvalidPhysicalAddress, err
	}
	if lerr := s.isolateLiveLocked(offset, childrenOnly); lerr != nil {
		m.db.Free(pa, 1)
		return mem.InvalidPhysicalAddress, lerr
	}
	if tc != s.TruncateCount() {
		m.db.Free(pa, 1)
		return mem.InvalidPhysicalAddress, ErrTryAgain
	}
	// The source mapping must have survived the drop or the copied
	// content may be stale.
	if cur, _, verr := s.space.Tables.VirtualToPhysical(s.pageVA(offset)); verr != nil || cur != srcPA {
		m.db.Free(pa, 1)
		return mem.InvalidPhysicalAddress, ErrTryAgain
	}
	return pa, nil
}

// copyToChildLocked gives one child its own read-only copy of the page and
// clears its inherit bit.
func (m *Manager) copyToChildLocked(s, child *Section, offset uint64, srcPA mem.PhysicalAddress) *kernel.Error {
	pa, err := m.allocateCopyLocked(s, offset, srcPA, true)
	if err != nil {
		return err
	}

	// The child may have changed while the lock was down.
	if child.flags&SectionDestroyed != 0 || offset >= child.pages() || !child.inherit.Test(offset) {
		m.db.Free(pa, 1)
		return nil
	}

	// Drop any alias of the shared frame before installing the copy.
	m.unmapAndFreeLocked(child, offset, 1, false)

	if child.flags&SectionNonPaged == 0 {
		entry := pmm.NewPagingEntry(child, offset)
		if perr := m.db.EnablePaging(pa, 1, []*pmm.PagingEntry{entry}, false); perr != nil {
			m.db.Free(pa, 1)
			return perr
		}
	}
	cva := child.pageVA(offset)
	if merr := child.space.Tables.MapPage(pa, cva, child.mapFlagsLocked(false)&^arch.FlagWritable); merr != nil {
		m.db.Free(pa, 1)
		return merr
	}
	child.inherit.Clear(offset)
	child.space.adjustResident(1)
	child.touch(cva)
	return nil
}

// privatizeLocked replaces the section's inherited mapping with a private
// writable copy.
func (m *Manager) privatizeLocked(s *Section, offset uint64, srcPA mem.PhysicalAddress) *kernel.Error {
	pa, err := m.allocateCopyLocked(s, offset, srcPA, false)
	if err != nil {
		return err
	}

	m.unmapAndFreeLocked(s, offset, 1, false)

	if s.flags&SectionNonPaged == 0 {
		entry := pmm.NewPagingEntry(s, offset)
		if perr := m.db.EnablePaging(pa, 1, []*pmm.PagingEntry{entry}, false); perr != nil {
			m.db.Free(pa, 1)
			return perr
		}
	}
	va := s.pageVA(offset)
	flags := s.mapFlagsLocked(true)
	if flags&arch.FlagWritable != 0 {
		flags |= arch.FlagDirty
	}
	if merr := s.space.Tables.MapPage(pa, va, flags); merr != nil {
		m.db.Free(pa, 1)
		return merr
	}
	s.inherit.Clear(offset)
	s.space.adjustResident(1)
	s.touch(va)
	return nil
}
