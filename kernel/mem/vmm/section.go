package vmm

import (
	"sync/atomic"

	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/arch"
	"github.com/minoca/os-sub007/kernel/mem/bitvec"
	"github.com/minoca/os-sub007/kernel/mem/mdl"
	"github.com/minoca/os-sub007/kernel/pagecache"
)

// SectionFlag describes section properties and access bits.
type SectionFlag uint32

const (
	// SectionReadable permits loads through the section.
	SectionReadable SectionFlag = 1 << iota

	// SectionWritable permits stores through the section.
	SectionWritable

	// SectionExecutable permits instruction fetches through the section.
	SectionExecutable

	// SectionShared propagates writes through the page cache to the
	// backing file.
	SectionShared

	// SectionPageCacheBacked marks sections whose unmodified pages come
	// from the page cache.
	SectionPageCacheBacked

	// SectionNonPaged pins every page of the section at creation.
	SectionNonPaged

	// SectionNoImageBacking suppresses reads from the backing image;
	// untouched pages read as zero.
	SectionNoImageBacking

	// SectionDestroying is set once removal has begun; copies fail from
	// then on.
	SectionDestroying

	// SectionDestroyed is monotonic: set by the removal path, never
	// cleared.
	SectionDestroyed

	// SectionWasWritable records that the section was created writable,
	// even if write access was later revoked. Flushing consults it.
	SectionWasWritable
)

// accessMask covers the three access bits.
const accessMask = SectionReadable | SectionWritable | SectionExecutable

// invalidBlock is the sentinel for an unallocated page file block.
const invalidBlock = ^uint64(0)

// Section is a virtual-address range in one address space, lazily populated
// from its backing and related to other sections by copy-on-write
// inheritance. Parent and children share one tree lock.
type Section struct {
	refCount int32

	// flags, bitmaps, children and parent are guarded by lock.
	flags    SectionFlag
	lock     *treeLock
	parent   *Section
	children []*Section

	space *AddressSpace
	va    mem.VirtualAddress
	size  mem.Size

	// inherit has one bit per page: set means the page is not privately
	// owned (it comes from the parent, or from the page cache for
	// cache-backed sections). dirty set means the page must be paged to
	// the page file rather than re-read from its image.
	inherit *bitvec.Vector
	dirty   *bitvec.Vector

	backing       pagecache.Backing
	backingOffset uint64
	backingRefs   int32

	// pageFileBlocks maps page offsets to page file blocks, allocated
	// lazily at first swap-out.
	pageFileBlocks []uint64

	truncateCount uint32

	minTouched mem.VirtualAddress
	maxTouched mem.VirtualAddress
}

// VirtualAddress returns the base address of the section.
func (s *Section) VirtualAddress() mem.VirtualAddress { return s.va }

// Size returns the section size in bytes.
func (s *Section) Size() mem.Size { return s.size }

// Space returns the owning address space.
func (s *Section) Space() *AddressSpace { return s.space }

// Flags returns the current section flags.
func (s *Section) Flags() SectionFlag {
	s.lock.mutex.Lock()
	defer s.lock.mutex.Unlock()
	return s.flags
}

// AddReference takes a reference on the section.
func (s *Section) AddReference() {
	atomic.AddInt32(&s.refCount, 1)
}

// ReleaseReference drops a reference on the section.
func (s *Section) ReleaseReference() {
	if atomic.AddInt32(&s.refCount, -1) < 0 {
		panicFn(kernel.ErrPoolCorruption)
	}
}

// TruncateCount returns the truncation generation. Page-in snapshots it
// before dropping locks and retries when it moved.
func (s *Section) TruncateCount() uint32 {
	return atomic.LoadUint32(&s.truncateCount)
}

func (s *Section) bumpTruncateCount() {
	atomic.AddUint32(&s.truncateCount, 1)
}

// pages returns the section length in pages.
func (s *Section) pages() uint64 {
	return s.size.Pages()
}

// pageVA returns the virtual address of page offset within the section.
func (s *Section) pageVA(offset uint64) mem.VirtualAddress {
	return s.va.Add(mem.Size(offset) * mem.PageSize)
}

// accessFlags returns the access bits. Requires the section lock.
func (s *Section) accessFlagsLocked() SectionFlag {
	return s.flags & accessMask
}

// mapFlagsLocked converts section access to mapping attributes.
func (s *Section) mapFlagsLocked(writable bool) arch.MapFlag {
	flags := arch.FlagPresent
	if writable && s.flags&SectionWritable != 0 {
		flags |= arch.FlagWritable
	}
	if s.flags&SectionExecutable != 0 {
		flags |= arch.FlagExecute
	}
	if !s.space.kernel {
		flags |= arch.FlagUser
	}
	if s.flags&SectionNonPaged == 0 {
		flags |= arch.FlagPageable
	}
	return flags
}

// touch widens the touched-range watermarks.
func (s *Section) touch(va mem.VirtualAddress) {
	if s.minTouched == 0 || va < s.minTouched {
		s.minTouched = va
	}
	if va > s.maxTouched {
		s.maxTouched = va
	}
}

// anyChildInheritsLocked reports whether any live child still inherits the
// page. Requires the section lock.
func (s *Section) anyChildInheritsLocked(offset uint64) bool {
	for _, child := range s.children {
		if child.flags&SectionDestroyed != 0 {
			continue
		}
		if offset < child.pages() && child.inherit.Test(offset) {
			return true
		}
	}
	return false
}

func (s *Section) removeChildLocked(child *Section) {
	for i, candidate := range s.children {
		if candidate == child {
			s.children = append(s.children[:i], s.children[i+1:]...)
			return
		}
	}
}

// AddSection creates a section covering [va, va+size) in the address space,
// clipping any existing sections in the way. Non-paged sections with access
// bits are faulted in and locked before the call returns.
func (m *Manager) AddSection(space *AddressSpace, va mem.VirtualAddress, size mem.Size, flags SectionFlag, backing pagecache.Backing, backingOffset uint64) (*Section, *kernel.Error) {
	if size == 0 || !size.PageAligned() || !va.PageAligned() {
		return nil, ErrInvalidParameter
	}
	if flags&SectionShared != 0 && backing == nil {
		return nil, ErrInvalidParameter
	}
	if flags&SectionShared != 0 && flags&SectionWritable != 0 && !backing.Writable() {
		return nil, ErrAccessDenied
	}
	if backingOffset%uint64(mem.PageSize) != 0 {
		return nil, ErrInvalidParameter
	}

	if backing != nil {
		flags |= SectionPageCacheBacked
	}
	if flags&SectionShared != 0 {
		flags |= SectionPageCacheBacked
	}
	if flags&SectionWritable != 0 {
		flags |= SectionWasWritable
	}

	// Clear the way, then claim the range.
	if err := m.UnmapRange(space, va, size); err != nil && err != ErrNotFound {
		return nil, err
	}
	if space.Accountant != nil {
		_, err := space.Accountant.Allocate(&mdl.Request{
			Address:  va,
			Size:     size,
			Type:     mdl.TypeImageSection,
			Strategy: mdl.StrategyFixedAddressClobber,
		})
		if err != nil {
			return nil, err
		}
	}

	pages := size.Pages()
	s := &Section{
		refCount:      1,
		flags:         flags,
		lock:          &treeLock{refs: 1},
		space:         space,
		va:            va,
		size:          size,
		inherit:       bitvec.New(pages),
		dirty:         bitvec.New(pages),
		backing:       backing,
		backingOffset: backingOffset,
		backingRefs:   1,
	}
	if flags&SectionPageCacheBacked != 0 {
		s.inherit.SetAll()
	}

	space.insertSection(s)
	if backing != nil {
		backing.Sections().Add(s)
	}

	// Non-paged sections with access are resident from birth.
	if flags&SectionNonPaged != 0 && flags&accessMask != 0 {
		for offset := uint64(0); offset < pages; offset++ {
			if _, err := m.PageInAndLock(s, offset); err != nil {
				m.RemoveSection(s)
				return nil, err
			}
		}
	}

	return s, nil
}

// CopySection produces a copy-on-write child of src in another address
// space. Shared sections are recreated rather than linked into the tree.
func (m *Manager) CopySection(src *Section, dst *AddressSpace) (*Section, *kernel.Error) {
	src.lock.mutex.Lock()

	if src.flags&(SectionDestroying|SectionDestroyed) != 0 {
		src.lock.mutex.Unlock()
		return nil, ErrTooLate
	}

	if src.flags&SectionShared != 0 {
		flags := src.flags &^ (SectionDestroying | SectionDestroyed)
		backing := src.backing
		offset := src.backingOffset
		va, size := src.va, src.size
		src.lock.mutex.Unlock()
		return m.AddSection(dst, va, size, flags, backing, offset)
	}

	pages := src.pages()
	child := &Section{
		refCount:      1,
		flags:         src.flags &^ (SectionDestroying | SectionDestroyed),
		lock:          src.lock,
		parent:        src,
		space:         dst,
		va:            src.va,
		size:          src.size,
		inherit:       bitvec.New(pages),
		dirty:         bitvec.New(pages),
		backing:       src.backing,
		backingOffset: src.backingOffset,
		backingRefs:   1,
	}
	child.inherit.SetAll()
	atomic.AddInt32(&src.lock.refs, 1)

	// The child holds a reference on its parent until detached.
	src.AddReference()
	src.children = append(src.children, child)

	// Atomically demote the source's writable mappings to read-only and
	// copy them into the destination.
	err := src.space.Tables.CopyAndChangeMappings(dst.Tables, src.va, src.size)
	src.lock.mutex.Unlock()
	if err != nil {
		return nil, err
	}

	if child.backing != nil {
		child.backing.Sections().Add(child)
	}
	dst.insertSection(child)
	if dst.Accountant != nil {
		if _, aerr := dst.Accountant.Allocate(&mdl.Request{
			Address:  child.va,
			Size:     child.size,
			Type:     mdl.TypeImageSection,
			Strategy: mdl.StrategyFixedAddressClobber,
		}); aerr != nil {
			return nil, aerr
		}
	}
	return child, nil
}

// RemoveSection destroys a section: children are made independent, mappings
// are torn down and the backing references are dropped.
func (m *Manager) RemoveSection(s *Section) *kernel.Error {
	s.lock.mutex.Lock()
	if s.flags&SectionDestroyed != 0 {
		s.lock.mutex.Unlock()
		return nil
	}
	s.flags |= SectionDestroying
	pages := s.pages()
	s.lock.mutex.Unlock()

	// Make every child independent of the dying section.
	for offset := uint64(0); offset < pages; offset++ {
		s.lock.mutex.Lock()
		inherited := s.anyChildInheritsLocked(offset)
		s.lock.mutex.Unlock()
		if inherited {
			if err := m.isolate(s, offset, true); err != nil && err != ErrTryAgain {
				return err
			}
		}
	}

	// Unlink from the address space.
	s.space.removeSection(s)
	if s.space.Accountant != nil {
		s.space.Accountant.Free(s.va, s.size)
	}

	s.lock.mutex.Lock()

	// Detach from the tree.
	if s.parent != nil {
		s.parent.removeChildLocked(s)
		s.parent.ReleaseReference()
		s.parent = nil
	}
	for _, child := range s.children {
		child.parent = nil
		s.ReleaseReference()
	}
	s.children = nil

	// Tear down the mappings and free what this section owns.
	m.unmapAndFreeLocked(s, 0, pages, true)

	s.flags |= SectionDestroyed
	atomic.AddInt32(&s.lock.refs, -1)
	s.lock.mutex.Unlock()

	// Stop the page cache from calling back, then drop the backing.
	if s.backing != nil {
		s.backing.Sections().Remove(s)
		atomic.AddInt32(&s.backingRefs, -1)
	}

	// Return any page file blocks.
	if m.pageFile != nil {
		for _, block := range s.pageFileBlocks {
			if block != invalidBlock {
				m.pageFile.Free(block)
			}
		}
	}

	s.ReleaseReference()
	return nil
}

// unmapAndFreeLocked removes the mappings for a page range and frees the
// frames this section owns. Frames that are shared, inherited from the page
// cache or owned by another section are only unmapped. Requires the section
// lock.
func (m *Manager) unmapAndFreeLocked(s *Section, firstOffset, pageCount uint64, freeOwned bool) {
	dirty := make([]bool, 1)
	for offset := firstOffset; offset < firstOffset+pageCount; offset++ {
		va := s.pageVA(offset)
		pa, _, err := s.space.Tables.VirtualToPhysical(va)
		if err != nil {
			continue
		}

		entry, isCache := m.db.PageCacheEntry(pa)
		s.space.Tables.UnmapPages(va, 1, true, dirty)
		s.space.adjustResident(-1)

		if isCache {
			if dirty[0] && s.flags&SectionShared != 0 && s.flags&SectionWasWritable != 0 {
				entry.MarkDirty()
			}
			entry.ReleaseReference()
			continue
		}

		if !freeOwned || (offset < s.inherit.Len() && s.inherit.Test(offset)) {
			continue
		}
		if owner, _, ok := m.db.PagingOwner(pa); ok && owner != s {
			continue
		}
		m.db.Free(pa, 1)
	}
}
