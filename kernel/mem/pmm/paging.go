package pmm

import (
	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
)

// Paging entry flags.
const (
	// pagingOutFlag marks an entry whose frame is being written to the
	// page file. The freer must not release the frame; the pager owns
	// it until the I/O completes.
	pagingOutFlag uint16 = 1 << iota

	// freedFlag records that the owner freed the frame while it was
	// locked or paging out.
	freedFlag
)

// PagingEntry is the back-reference from a pageable physical frame to the
// image section and page offset that own it. Lock count and flags are
// mutated only under the physical page lock.
type PagingEntry struct {
	// Owner is the owning image section. The page database treats it as
	// opaque; the pager's page-out callback knows the concrete type.
	Owner interface{}

	// Offset is the page offset of the frame within the owner.
	Offset uint64

	lockCount uint16
	flags     uint16
}

// NewPagingEntry creates an entry referencing the given owner and offset.
// Entries are preallocated by callers before frames transition to pageable
// so that no allocation happens under the section lock.
func NewPagingEntry(owner interface{}, offset uint64) *PagingEntry {
	return &PagingEntry{Owner: owner, Offset: offset}
}

// EnablePaging transitions a run of non-paged frames to pageable, installing
// the caller-supplied paging entries. If locked is set each frame starts
// with a lock count of one.
func (db *Database) EnablePaging(pa mem.PhysicalAddress, pageCount uint64, entries []*PagingEntry, locked bool) *kernel.Error {
	if !pa.PageAligned() || pageCount == 0 || uint64(len(entries)) != pageCount {
		return ErrInvalidParameter
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	for i := uint64(0); i < pageCount; i++ {
		addr := pa.Add(mem.Size(i) * mem.PageSize)
		_, f := db.frameAt(addr)
		if f == nil || f.state != frameNonPaged || entries[i] == nil {
			return ErrInvalidParameter
		}
	}
	for i := uint64(0); i < pageCount; i++ {
		addr := pa.Add(mem.Size(i) * mem.PageSize)
		_, f := db.frameAt(addr)
		f.state = framePageable
		f.cacheEntry = nil
		f.paging = entries[i]
		entries[i].flags = 0
		entries[i].lockCount = 0
		if locked {
			entries[i].lockCount = 1
		}
	}
	return nil
}

// Lock pins a run of pageable frames in memory. Non-paged frames are
// implicitly locked and are skipped. The entire request fails with
// ErrResourceInUse if any lock count would overflow.
func (db *Database) Lock(pa mem.PhysicalAddress, pageCount uint64) *kernel.Error {
	if !pa.PageAligned() || pageCount == 0 {
		return ErrInvalidParameter
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	for i := uint64(0); i < pageCount; i++ {
		addr := pa.Add(mem.Size(i) * mem.PageSize)
		_, f := db.frameAt(addr)
		if f == nil || f.state == frameFree {
			return ErrInvalidParameter
		}
		if f.state == framePageable && f.paging.lockCount == maxLockCount {
			return ErrResourceInUse
		}
	}
	for i := uint64(0); i < pageCount; i++ {
		addr := pa.Add(mem.Size(i) * mem.PageSize)
		_, f := db.frameAt(addr)
		if f.state == framePageable {
			f.paging.lockCount++
		}
	}
	return nil
}

// Unlock releases a pin taken by Lock. A frame whose owner freed it while
// locked is released when its last lock drops.
func (db *Database) Unlock(pa mem.PhysicalAddress, pageCount uint64) *kernel.Error {
	if !pa.PageAligned() || pageCount == 0 {
		return ErrInvalidParameter
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	released := uint64(0)
	for i := uint64(0); i < pageCount; i++ {
		addr := pa.Add(mem.Size(i) * mem.PageSize)
		segment, f := db.frameAt(addr)
		if f == nil || f.state == frameFree {
			return ErrInvalidParameter
		}
		if f.state != framePageable {
			continue
		}
		entry := f.paging
		if entry.lockCount == 0 {
			return ErrInvalidParameter
		}
		entry.lockCount--
		if entry.lockCount == 0 && entry.flags&freedFlag != 0 && entry.flags&pagingOutFlag == 0 {
			f.state = frameFree
			f.paging = nil
			segment.freePages++
			db.freePages++
			released++
		}
	}

	if released > 0 {
		db.accountFreedLocked(released)
	}
	return nil
}

// LockCount returns the lock count of a pageable frame. Tests use it to
// verify the pin protocol.
func (db *Database) LockCount(pa mem.PhysicalAddress) (uint16, *kernel.Error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	_, f := db.frameAt(pa)
	if f == nil || f.state != framePageable {
		return 0, ErrInvalidParameter
	}
	return f.paging.lockCount, nil
}

// PagingOwner returns the owner and offset recorded in a pageable frame's
// paging entry.
func (db *Database) PagingOwner(pa mem.PhysicalAddress) (interface{}, uint64, bool) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	_, f := db.frameAt(pa)
	if f == nil || f.state != framePageable {
		return nil, 0, false
	}
	return f.paging.Owner, f.paging.Offset, true
}

// MigratePagingEntries points every paging entry owned by oldOwner in the
// page-offset range [firstOffset, firstOffset+pageCount) at newOwner,
// rebasing the offsets to newBaseOffset. Used when clipping splits a
// section.
func (db *Database) MigratePagingEntries(oldOwner, newOwner interface{}, firstOffset, pageCount, newBaseOffset uint64) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	for _, segment := range db.segments {
		for i := range segment.frames {
			f := &segment.frames[i]
			if f.state != framePageable || f.paging.Owner != oldOwner {
				continue
			}
			offset := f.paging.Offset
			if offset < firstOffset || offset >= firstOffset+pageCount {
				continue
			}
			f.paging.Owner = newOwner
			f.paging.Offset = offset - firstOffset + newBaseOffset
		}
	}
}

// PageOutPages drives the paging-out loop until target pages have been freed
// or the consecutive failure bound is hit. It is called on the paging thread
// and by allocation stalls.
func (db *Database) PageOutPages(target uint64) *kernel.Error {
	if db.pageOut == nil {
		return ErrNoMemory
	}

	var (
		freedPages  uint64
		failures    int
		sinceSignal uint64
	)

	for freedPages < target && failures < maxPageOutFailureCount {
		// Pick a victim: pageable, unlocked, not already in flight.
		db.mutex.Lock()
		var (
			victim        *frame
			victimSegment *Segment
			victimPA      mem.PhysicalAddress
		)
		for _, segment := range db.segments {
			for i := range segment.frames {
				f := &segment.frames[i]
				if f.state != framePageable {
					continue
				}
				entry := f.paging
				if entry.lockCount > 0 || entry.flags&(pagingOutFlag|freedFlag) != 0 {
					continue
				}
				victim = f
				victimSegment = segment
				victimPA = segment.start.Add(mem.Size(i) * mem.PageSize)
				break
			}
			if victim != nil {
				break
			}
		}
		if victim == nil {
			db.mutex.Unlock()
			break
		}
		entry := victim.paging
		entry.flags |= pagingOutFlag
		db.mutex.Unlock()

		// The write happens without the physical page lock; the
		// PagingOut flag keeps the freer's hands off the frame.
		err := db.pageOut(entry, victimPA)

		db.mutex.Lock()
		entry.flags &^= pagingOutFlag
		if err == nil || entry.flags&freedFlag != 0 {
			victim.state = frameFree
			victim.paging = nil
			victimSegment.freePages++
			db.freePages++
			db.accountFreedLocked(1)
			if err == nil {
				freedPages++
				sinceSignal++
			}
		}
		db.mutex.Unlock()

		if err != nil {
			failures++
			continue
		}
		failures = 0
		if sinceSignal >= pagingEventSignalPageCount {
			db.pagingEvent.Pulse()
			sinceSignal = 0
		}
	}

	// Final pulse so stalled allocators re-scan even on partial
	// progress.
	db.pagingEvent.Pulse()

	if freedPages < target && failures >= maxPageOutFailureCount {
		return ErrNoMemory
	}
	return nil
}
