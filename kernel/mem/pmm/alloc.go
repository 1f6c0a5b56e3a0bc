package pmm

import (
	"time"

	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
)

// pagingPollInterval bounds one wait on the paging event. The event is
// pulsed, and a pulse landing between the paging request and the wait is
// lost; a bounded wait turns that into a short stall instead of a timeout.
const pagingPollInterval = 50 * time.Millisecond

// runFilter lets callers constrain candidate runs beyond size and alignment.
type runFilter func(pa mem.PhysicalAddress, size mem.Size) bool

// findRunLocked scans the segments for pageCount consecutive free frames
// whose start satisfies the alignment and filter. The scan starts at the
// rotating cursor and wraps. Requires the database mutex.
func (db *Database) findRunLocked(pageCount, alignPages uint64, filter runFilter) (*Segment, uint64, bool) {
	if alignPages == 0 {
		alignPages = 1
	}

	segmentCount := len(db.segments)
	for pass := 0; pass < 2; pass++ {
		for step := 0; step < segmentCount; step++ {
			index := (db.cursorSegment + step) % segmentCount
			segment := db.segments[index]
			if segment.freePages < pageCount {
				continue
			}

			start := uint64(0)
			if pass == 0 && step == 0 {
				start = db.cursorFrame
			}

			startFrame := uint64(FrameFromAddress(segment.start))
			run := uint64(0)
			runStart := uint64(0)
			for i := start; i < uint64(len(segment.frames)); i++ {
				if segment.frames[i].state != frameFree {
					run = 0
					continue
				}
				if run == 0 {
					if (startFrame+i)%alignPages != 0 {
						continue
					}
					runStart = i
				}
				run++
				if run == pageCount {
					pa := segment.start.Add(mem.Size(runStart) * mem.PageSize)
					if filter != nil && !filter(pa, mem.Size(pageCount)*mem.PageSize) {
						run = 0
						continue
					}
					db.cursorSegment = index
					db.cursorFrame = runStart + pageCount
					if db.cursorFrame >= uint64(len(segment.frames)) {
						db.cursorSegment = (index + 1) % segmentCount
						db.cursorFrame = 0
					}
					return segment, runStart, true
				}
			}
		}
	}
	return nil, 0, false
}

// takeRunLocked marks a found run non-paged and adjusts the counters.
func (db *Database) takeRunLocked(segment *Segment, first, pageCount uint64) mem.PhysicalAddress {
	for i := first; i < first+pageCount; i++ {
		segment.frames[i].state = frameNonPaged
		segment.frames[i].cacheEntry = nil
		segment.frames[i].paging = nil
	}
	segment.freePages -= pageCount
	db.freePages -= pageCount
	db.accountAllocatedLocked(pageCount)
	return segment.start.Add(mem.Size(first) * mem.PageSize)
}

// allocate is the common stall-and-retry allocator body.
func (db *Database) allocate(pageCount, alignPages uint64, filter runFilter) (mem.PhysicalAddress, *kernel.Error) {
	if pageCount == 0 {
		return mem.InvalidPhysicalAddress, ErrInvalidParameter
	}

	var deadline time.Time
	for {
		db.mutex.Lock()
		segment, first, ok := db.findRunLocked(pageCount, alignPages, filter)
		if ok {
			pa := db.takeRunLocked(segment, first, pageCount)
			db.mutex.Unlock()
			return pa, nil
		}
		request := db.requestPaging
		target := db.freePagesTarget + pageCount
		db.mutex.Unlock()

		if request == nil {
			return mem.InvalidPhysicalAddress, ErrNoMemory
		}

		// Ask the pager for room and block on the paging event. The
		// event is pulsed, so a wake-up only means "look again".
		if deadline.IsZero() {
			deadline = time.Now().Add(db.allocTimeout)
		}
		request(target)

		wait := time.Until(deadline)
		if wait <= 0 {
			panicFn(kernel.ErrOutOfMemory)
			return mem.InvalidPhysicalAddress, ErrNoMemory
		}
		if wait > pagingPollInterval {
			wait = pagingPollInterval
		}
		db.pagingEvent.Wait(wait)
	}
}

// Allocate reserves a run of physically contiguous frames, marking them
// non-paged. When no run is available it requests paging-out and blocks on
// the paging event; stalling past the allocation timeout is fatal.
func (db *Database) Allocate(pageCount, alignPages uint64) (mem.PhysicalAddress, *kernel.Error) {
	return db.allocate(pageCount, alignPages, nil)
}

// AllocateIdentity reserves a run whose identity-mapped virtual range is
// also acceptable to the caller, typically "free in the kernel accountant".
func (db *Database) AllocateIdentity(pageCount, alignPages uint64, vaIsFree func(mem.VirtualAddress, mem.Size) bool) (mem.PhysicalAddress, *kernel.Error) {
	return db.allocate(pageCount, alignPages, func(pa mem.PhysicalAddress, size mem.Size) bool {
		return vaIsFree(mem.VirtualAddress(pa), size)
	})
}

// AllocateConstrained reserves a contiguous run wholly inside
// [minPA, maxPA). A zero maxPA means no upper bound. Device buffers with
// addressing limits use this.
func (db *Database) AllocateConstrained(pageCount, alignPages uint64, minPA, maxPA mem.PhysicalAddress) (mem.PhysicalAddress, *kernel.Error) {
	return db.allocate(pageCount, alignPages, func(pa mem.PhysicalAddress, size mem.Size) bool {
		if pa < minPA {
			return false
		}
		return maxPA == 0 || pa.Add(size) <= maxPA
	})
}

// AllocateScattered collects count free frames, not necessarily contiguous,
// constrained to [minPA, maxPA). A zero maxPA means no upper bound.
func (db *Database) AllocateScattered(minPA, maxPA mem.PhysicalAddress, count uint64) ([]mem.PhysicalAddress, *kernel.Error) {
	if count == 0 {
		return nil, ErrInvalidParameter
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	pages := make([]mem.PhysicalAddress, 0, count)
	for _, segment := range db.segments {
		if segment.end <= minPA || (maxPA != 0 && segment.start >= maxPA) {
			continue
		}
		for i := range segment.frames {
			if uint64(len(pages)) == count {
				break
			}
			pa := segment.start.Add(mem.Size(i) * mem.PageSize)
			if pa < minPA || (maxPA != 0 && pa >= maxPA) {
				continue
			}
			if segment.frames[i].state != frameFree {
				continue
			}
			segment.frames[i].state = frameNonPaged
			segment.freePages--
			pages = append(pages, pa)
		}
	}

	if uint64(len(pages)) < count {
		// Roll back; scattered allocation does not stall on paging.
		for _, pa := range pages {
			segment, f := db.frameAt(pa)
			f.state = frameFree
			segment.freePages++
		}
		return nil, ErrNoMemory
	}

	db.freePages -= count
	db.accountAllocatedLocked(count)
	return pages, nil
}

// Free returns a run of frames to the free state. Pageable frames with an
// in-flight page-out or a nonzero lock count are flagged Freed and left for
// the pager or the final unlock to release.
func (db *Database) Free(pa mem.PhysicalAddress, pageCount uint64) *kernel.Error {
	if !pa.PageAligned() || pageCount == 0 {
		return ErrInvalidParameter
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	released := uint64(0)
	for i := uint64(0); i < pageCount; i++ {
		addr := pa.Add(mem.Size(i) * mem.PageSize)
		segment, f := db.frameAt(addr)
		if f == nil {
			return ErrInvalidParameter
		}

		switch f.state {
		case frameFree:
			return ErrInvalidParameter

		case frameNonPaged:
			f.state = frameFree
			f.cacheEntry = nil
			segment.freePages++
			db.freePages++
			released++

		case framePageable:
			entry := f.paging
			if entry.flags&pagingOutFlag != 0 || entry.lockCount > 0 {
				// The pager or the lock holder owns the final
				// release.
				entry.flags |= freedFlag
				continue
			}
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
