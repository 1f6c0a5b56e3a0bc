// Package pmm implements the physical page database: per-frame state for
// every usable page of physical memory, allocation and release of page runs,
// the pageable/locked state machine, the paging-out driver loop and the
// memory warning levels.
package pmm

import (
	"sync"
	"time"

	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/event"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/mdl"
	"github.com/minoca/os-sub007/kernel/mem/physmem"
	"github.com/minoca/os-sub007/kernel/pagecache"
)

var (
	// ErrNoMemory is returned when no run of free frames satisfies the
	// request and paging cannot be attempted.
	ErrNoMemory = &kernel.Error{Module: "pmm", Message: "no free physical pages satisfy the request"}

	// ErrInvalidParameter is returned for malformed requests and for
	// state transitions the frame's current state does not allow.
	ErrInvalidParameter = &kernel.Error{Module: "pmm", Message: "invalid physical page request"}

	// ErrResourceInUse is returned when a lock count would overflow.
	ErrResourceInUse = &kernel.Error{Module: "pmm", Message: "physical page lock count at maximum"}

	// panicFn is mocked by tests that exercise the allocation timeout.
	panicFn = kernel.Panic
)

const (
	// allocationTimeout bounds how long an allocation may stall waiting
	// for the pager before the system is declared out of memory.
	allocationTimeout = 180 * time.Second

	// maxPageOutFailureCount bounds consecutive page-out failures before
	// the paging loop gives up.
	maxPageOutFailureCount = 10

	// pagingEventSignalPageCount is how many pages the paging loop frees
	// between pulses of the paging event.
	pagingEventSignalPageCount = 0x10

	// maxLockCount is the saturation point of a paging entry's lock
	// count.
	maxLockCount = ^uint16(0)
)

// Frame describes a physical memory page index.
type Frame uint64

// Address returns the physical memory address of the first byte of the
// frame.
func (f Frame) Address() mem.PhysicalAddress {
	return mem.PhysicalAddress(f) << mem.PageShift
}

// FrameFromAddress returns the Frame containing the given physical address.
func FrameFromAddress(pa mem.PhysicalAddress) Frame {
	return Frame(pa >> mem.PageShift)
}

// frameState enumerates the mutually exclusive states of a physical frame.
// Exactly one of free, non-paged or pageable describes a frame at any time;
// reserved-by-paging-out is a transient sub-state flagged on the paging
// entry.
type frameState uint8

const (
	frameFree frameState = iota
	frameNonPaged
	framePageable
)

// frame is the per-page record. While non-paged the frame may carry a page
// cache entry tag; while pageable it owns a paging entry.
type frame struct {
	state      frameState
	cacheEntry pagecache.Entry
	paging     *PagingEntry
}

// Segment describes one contiguous range of usable physical memory
// discovered from the firmware memory map.
type Segment struct {
	start     mem.PhysicalAddress
	end       mem.PhysicalAddress
	freePages uint64
	frames    []frame
}

// Start returns the first physical address of the segment.
func (s *Segment) Start() mem.PhysicalAddress { return s.start }

// End returns the first physical address past the segment.
func (s *Segment) End() mem.PhysicalAddress { return s.end }

// FreePages returns the number of free frames in the segment.
func (s *Segment) FreePages() uint64 { return s.freePages }

// Region is one entry of the firmware memory map handed to NewDatabase.
type Region struct {
	Base mem.PhysicalAddress
	Size mem.Size
	Type mdl.Type
}

// Config carries boot-time tunables for the page database.
type Config struct {
	// MinimumPhysicalAddress excludes frames below it from the database.
	MinimumPhysicalAddress mem.PhysicalAddress

	// FreePagesTarget is the free-page count paging drives toward when
	// an allocator stalls. Zero selects 1/16 of usable memory.
	FreePagesTarget uint64

	// AllocationTimeout overrides the stall timeout; zero selects the
	// production 180 seconds. Tests shrink it.
	AllocationTimeout time.Duration
}

// PageOutFn writes one pageable frame to its backing store. It is handed the
// frame's paging entry (whose PagingOut flag is already set) and the frame's
// physical address. Implementations unmap the page from its owning section
// before returning success.
type PageOutFn func(entry *PagingEntry, pa mem.PhysicalAddress) *kernel.Error

// PagingRequestFn asks the paging thread to free pages until the free count
// reaches the target.
type PagingRequestFn func(targetFreePages uint64)

// Database is the physical page database. The database mutex is the
// physical page lock of the lock order: it protects every frame state
// transition, the segment free counts and the paging entry flags, and is
// always acquired after any section lock.
type Database struct {
	mutex sync.Mutex

	slab     physmem.Slab
	segments []*Segment

	totalPages uint64
	freePages  uint64

	// Rotating allocation cursor, segment index plus frame offset.
	cursorSegment int
	cursorFrame   uint64

	freePagesTarget uint64
	allocTimeout    time.Duration

	pagingEvent  *event.Event
	warningEvent *event.Event

	requestPaging PagingRequestFn
	pageOut       PageOutFn

	// pageZero holds the reserved descriptor-refill page when the
	// firmware map allowed page zero to be claimed.
	pageZero      mem.PhysicalAddress
	pageZeroValid bool

	// Warning level bookkeeping, all in pages.
	warning warningState
}

// NewDatabase builds the page database from the firmware memory map. Frames
// in Free and LoaderTemporary regions become usable; everything else is left
// to its owner.
func NewDatabase(slab physmem.Slab, memoryMap []Region, cfg Config) (*Database, *kernel.Error) {
	db := &Database{
		slab:         slab,
		allocTimeout: cfg.AllocationTimeout,
		pagingEvent:  event.New("paging-free"),
		warningEvent: event.New("memory-warning"),
		pageZero:     mem.InvalidPhysicalAddress,
	}
	if db.allocTimeout == 0 {
		db.allocTimeout = allocationTimeout
	}

	for _, region := range memoryMap {
		if region.Type != mdl.TypeFree && region.Type != mdl.TypeLoaderTemporary {
			continue
		}

		base := region.Base.AlignUp()
		end := region.Base.Add(region.Size).AlignDown()
		if base < cfg.MinimumPhysicalAddress {
			base = cfg.MinimumPhysicalAddress.AlignUp()
		}
		if base >= end {
			continue
		}

		// Page zero is never handed to the allocator; when the map
		// reports it usable it is kept for descriptor refill.
		if base == 0 && cfg.MinimumPhysicalAddress == 0 {
			db.pageZero = 0
			db.pageZeroValid = true
			base = base.Add(mem.PageSize)
			if base >= end {
				continue
			}
		}

		pages := mem.Size(end - base).Pages()
		segment := &Segment{
			start:     base,
			end:       end,
			freePages: pages,
			frames:    make([]frame, pages),
		}
		db.segments = append(db.segments, segment)
		db.totalPages += pages
		db.freePages += pages
	}

	if db.totalPages == 0 {
		return nil, ErrNoMemory
	}

	db.freePagesTarget = cfg.FreePagesTarget
	if db.freePagesTarget == 0 {
		db.freePagesTarget = db.totalPages / 16
	}
	db.initWarningLocked()
	return db, nil
}

// Slab returns the backing store for physical page contents.
func (db *Database) Slab() physmem.Slab {
	return db.slab
}

// TotalPages returns the number of usable frames.
func (db *Database) TotalPages() uint64 {
	return db.totalPages
}

// FreePages returns the current free frame count.
func (db *Database) FreePages() uint64 {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	return db.freePages
}

// PagingEvent returns the event pulsed as paging frees pages.
func (db *Database) PagingEvent() *event.Event {
	return db.pagingEvent
}

// WarningEvent returns the event pulsed on warning level transitions.
func (db *Database) WarningEvent() *event.Event {
	return db.warningEvent
}

// PageZero returns the reserved descriptor-refill page, if the firmware map
// allowed page zero to be claimed.
func (db *Database) PageZero() (mem.PhysicalAddress, bool) {
	return db.pageZero, db.pageZeroValid
}

// SetPager installs the paging-request and page-out hooks. Until a pager is
// installed, allocations fail instead of stalling.
func (db *Database) SetPager(request PagingRequestFn, pageOut PageOutFn) {
	db.mutex.Lock()
	db.requestPaging = request
	db.pageOut = pageOut
	db.mutex.Unlock()
}

// frameAt resolves a physical address to its segment and frame record. The
// database mutex must be held.
func (db *Database) frameAt(pa mem.PhysicalAddress) (*Segment, *frame) {
	for _, segment := range db.segments {
		if pa >= segment.start && pa < segment.end {
			return segment, &segment.frames[mem.Size(pa-segment.start).Pages()]
		}
	}
	return nil, nil
}

// PageCacheEntry returns the page cache entry tagged on a non-paged frame.
func (db *Database) PageCacheEntry(pa mem.PhysicalAddress) (pagecache.Entry, bool) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	_, f := db.frameAt(pa)
	if f == nil || f.state != frameNonPaged || f.cacheEntry == nil {
		return nil, false
	}
	return f.cacheEntry, true
}

// SetPageCacheEntry tags a non-paged frame with its owning page cache entry.
func (db *Database) SetPageCacheEntry(pa mem.PhysicalAddress, entry pagecache.Entry) *kernel.Error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	_, f := db.frameAt(pa)
	if f == nil || f.state != frameNonPaged {
		return ErrInvalidParameter
	}
	f.cacheEntry = entry
	return nil
}
