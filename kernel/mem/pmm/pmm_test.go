package pmm

import (
	"testing"
	"time"

	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/mdl"
	"github.com/minoca/os-sub007/kernel/mem/physmem"
)

// newTestDatabase builds a database over a single free region of pageCount
// pages starting at the second physical page, keeping page zero out of the
// picture.
func newTestDatabase(t *testing.T, pageCount uint64) *Database {
	t.Helper()
	slab := physmem.NewAnonymous(mem.Size(pageCount+1) * mem.PageSize)
	db, err := NewDatabase(slab, []Region{
		{Base: mem.PhysicalAddress(mem.PageSize), Size: mem.Size(pageCount) * mem.PageSize, Type: mdl.TypeFree},
	}, Config{})
	if err != nil {
		t.Fatalf("building the page database failed: %v", err)
	}
	return db
}

func TestNewDatabaseFiltersRegions(t *testing.T) {
	slab := physmem.NewAnonymous(16 * mem.PageSize)
	db, err := NewDatabase(slab, []Region{
		// Page zero gets reserved; three pages remain usable.
		{Base: 0, Size: 4 * mem.PageSize, Type: mdl.TypeFree},
		// Non-usable types are left to their owners.
		{Base: 0x4000, Size: 2 * mem.PageSize, Type: mdl.TypeReserved},
		// Loader-temporary memory is reclaimed.
		{Base: 0x6000, Size: 2 * mem.PageSize, Type: mdl.TypeLoaderTemporary},
		// Partial pages are trimmed to whole-page coverage.
		{Base: 0x8800, Size: 0x1800, Type: mdl.TypeFree},
	}, Config{})
	if err != nil {
		t.Fatalf("building the page database failed: %v", err)
	}

	if got := db.TotalPages(); got != 6 {
		t.Errorf("expected 6 usable pages; got %d", got)
	}
	if pa, ok := db.PageZero(); !ok || pa != 0 {
		t.Errorf("expected page zero to be reserved; got (%x, %t)", pa, ok)
	}

	if _, err = NewDatabase(slab, []Region{
		{Base: 0, Size: 4 * mem.PageSize, Type: mdl.TypeReserved},
	}, Config{}); err != ErrNoMemory {
		t.Errorf("expected ErrNoMemory for a map with no usable regions; got %v", err)
	}
}

func TestAllocateAndFree(t *testing.T) {
	db := newTestDatabase(t, 8)

	pa, err := db.Allocate(4, 1)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if !pa.PageAligned() {
		t.Errorf("expected a page-aligned address; got %x", pa)
	}
	if got := db.FreePages(); got != 4 {
		t.Errorf("expected 4 free pages after the allocation; got %d", got)
	}

	if err = db.Free(pa, 4); err != nil {
		t.Fatalf("free failed: %v", err)
	}
	if got := db.FreePages(); got != 8 {
		t.Errorf("expected all 8 pages free again; got %d", got)
	}

	// Double free is a caller bug.
	if err = db.Free(pa, 4); err != ErrInvalidParameter {
		t.Errorf("expected ErrInvalidParameter on double free; got %v", err)
	}
	if err = db.Free(pa+1, 1); err != ErrInvalidParameter {
		t.Errorf("expected ErrInvalidParameter for an unaligned free; got %v", err)
	}
}

func TestAllocateAlignment(t *testing.T) {
	db := newTestDatabase(t, 16)

	// The usable range starts at frame 1, so the first four-frame aligned
	// run begins at frame 4.
	pa, err := db.Allocate(2, 4)
	if err != nil {
		t.Fatalf("aligned allocate failed: %v", err)
	}
	if uint64(FrameFromAddress(pa))%4 != 0 {
		t.Errorf("expected a 4-frame aligned address; got %x", pa)
	}
}

func TestAllocateConstrained(t *testing.T) {
	db := newTestDatabase(t, 16)

	minPA := mem.PhysicalAddress(0x3000)
	maxPA := mem.PhysicalAddress(0x6000)
	pa, err := db.AllocateConstrained(2, 1, minPA, maxPA)
	if err != nil {
		t.Fatalf("constrained allocate failed: %v", err)
	}
	if pa < minPA || pa.Add(2*mem.PageSize) > maxPA {
		t.Errorf("expected the run to land in [%x, %x); got %x", minPA, maxPA, pa)
	}

	// A window too small for the request fails rather than stalls.
	if _, err = db.AllocateConstrained(4, 1, minPA, minPA+0x2000); err != ErrNoMemory {
		t.Errorf("expected ErrNoMemory for an unsatisfiable window; got %v", err)
	}
}

func TestAllocateScatteredRollsBack(t *testing.T) {
	db := newTestDatabase(t, 4)

	pages, err := db.AllocateScattered(0, 0, 3)
	if err != nil {
		t.Fatalf("scattered allocate failed: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages; got %d", len(pages))
	}

	// Only one page remains; the failed request must not leak it.
	if _, err = db.AllocateScattered(0, 0, 3); err != ErrNoMemory {
		t.Fatalf("expected ErrNoMemory; got %v", err)
	}
	if got := db.FreePages(); got != 1 {
		t.Errorf("expected the rollback to leave 1 free page; got %d", got)
	}
}

func TestEnablePagingValidation(t *testing.T) {
	db := newTestDatabase(t, 8)

	pa, err := db.Allocate(2, 1)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	specs := []struct {
		descr   string
		pa      mem.PhysicalAddress
		count   uint64
		entries []*PagingEntry
	}{
		{"entry count mismatch", pa, 2, []*PagingEntry{NewPagingEntry("s", 0)}},
		{"nil entry", pa, 2, []*PagingEntry{NewPagingEntry("s", 0), nil}},
		{"unaligned address", pa + 1, 1, []*PagingEntry{NewPagingEntry("s", 0)}},
		{"free frame", pa.Add(4 * mem.PageSize), 1, []*PagingEntry{NewPagingEntry("s", 0)}},
	}
	for specIndex, spec := range specs {
		if err := db.EnablePaging(spec.pa, spec.count, spec.entries, false); err != ErrInvalidParameter {
			t.Errorf("[spec %d] %s: expected ErrInvalidParameter; got %v", specIndex, spec.descr, err)
		}
	}

	entries := []*PagingEntry{NewPagingEntry("s", 0), NewPagingEntry("s", 1)}
	if err = db.EnablePaging(pa, 2, entries, false); err != nil {
		t.Fatalf("enable paging failed: %v", err)
	}
	// Already pageable frames cannot transition again.
	if err = db.EnablePaging(pa, 2, entries, false); err != ErrInvalidParameter {
		t.Errorf("expected ErrInvalidParameter on a second transition; got %v", err)
	}

	if owner, offset, ok := db.PagingOwner(pa.Add(mem.PageSize)); !ok || owner != "s" || offset != 1 {
		t.Errorf("expected paging owner (s, 1); got (%v, %d, %t)", owner, offset, ok)
	}
}

func TestLockDefersFree(t *testing.T) {
	db := newTestDatabase(t, 8)

	pa, err := db.Allocate(1, 1)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if err = db.EnablePaging(pa, 1, []*PagingEntry{NewPagingEntry("s", 0)}, true); err != nil {
		t.Fatalf("enable paging failed: %v", err)
	}

	// EnablePaging with locked set starts at one pin; stack another.
	if err = db.Lock(pa, 1); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if count, _ := db.LockCount(pa); count != 2 {
		t.Fatalf("expected lock count 2; got %d", count)
	}

	// Freeing a locked frame defers the release to the last unlock.
	freeBefore := db.FreePages()
	if err = db.Free(pa, 1); err != nil {
		t.Fatalf("free of locked frame failed: %v", err)
	}
	if got := db.FreePages(); got != freeBefore {
		t.Fatalf("expected the locked frame to stay allocated; free went %d -> %d", freeBefore, got)
	}

	if err = db.Unlock(pa, 1); err != nil {
		t.Fatalf("first unlock failed: %v", err)
	}
	if got := db.FreePages(); got != freeBefore {
		t.Fatal("expected the frame to stay allocated while one pin remains")
	}
	if err = db.Unlock(pa, 1); err != nil {
		t.Fatalf("last unlock failed: %v", err)
	}
	if got := db.FreePages(); got != freeBefore+1 {
		t.Errorf("expected the last unlock to release the frame; free pages %d", got)
	}

	// The frame is free again; further unlocks are caller bugs.
	if err = db.Unlock(pa, 1); err != ErrInvalidParameter {
		t.Errorf("expected ErrInvalidParameter unlocking a free frame; got %v", err)
	}
}

func TestLockOfNonPagedFrameIsImplicit(t *testing.T) {
	db := newTestDatabase(t, 4)

	pa, err := db.Allocate(1, 1)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if err = db.Lock(pa, 1); err != nil {
		t.Errorf("expected locking a non-paged frame to be a no-op; got %v", err)
	}
	if err = db.Unlock(pa, 1); err != nil {
		t.Errorf("expected unlocking a non-paged frame to be a no-op; got %v", err)
	}
	if _, err = db.LockCount(pa); err != ErrInvalidParameter {
		t.Errorf("expected LockCount to reject a non-paged frame; got %v", err)
	}
}

func TestPageOutPagesFreesVictims(t *testing.T) {
	db := newTestDatabase(t, 16)

	// Make eight pageable frames.
	pa, err := db.Allocate(8, 1)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	entries := make([]*PagingEntry, 8)
	for i := range entries {
		entries[i] = NewPagingEntry("s", uint64(i))
	}
	if err = db.EnablePaging(pa, 8, entries, false); err != nil {
		t.Fatalf("enable paging failed: %v", err)
	}

	var pagedOut []uint64
	db.SetPager(func(uint64) {}, func(entry *PagingEntry, victimPA mem.PhysicalAddress) *kernel.Error {
		pagedOut = append(pagedOut, entry.Offset)
		return nil
	})

	freeBefore := db.FreePages()
	if err = db.PageOutPages(5); err != nil {
		t.Fatalf("page out failed: %v", err)
	}
	if len(pagedOut) != 5 {
		t.Errorf("expected 5 page-out calls; got %d", len(pagedOut))
	}
	if got := db.FreePages(); got != freeBefore+5 {
		t.Errorf("expected 5 more free pages; got %d -> %d", freeBefore, got)
	}

	// Locked frames are never victims.
	remaining := pa.Add(5 * mem.PageSize)
	if err = db.Lock(remaining, 3); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	pagedOut = nil
	if err = db.PageOutPages(3); err != nil {
		t.Fatalf("page out with locked frames failed: %v", err)
	}
	if len(pagedOut) != 0 {
		t.Errorf("expected no page-out of locked frames; got %d calls", len(pagedOut))
	}
}

func TestPageOutPagesFailureBound(t *testing.T) {
	db := newTestDatabase(t, 16)

	pa, err := db.Allocate(1, 1)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if err = db.EnablePaging(pa, 1, []*PagingEntry{NewPagingEntry("s", 0)}, false); err != nil {
		t.Fatalf("enable paging failed: %v", err)
	}

	attempts := 0
	ioError := &kernel.Error{Module: "test", Message: "write failed"}
	db.SetPager(func(uint64) {}, func(*PagingEntry, mem.PhysicalAddress) *kernel.Error {
		attempts++
		return ioError
	})

	if err = db.PageOutPages(4); err != ErrNoMemory {
		t.Fatalf("expected ErrNoMemory after repeated failures; got %v", err)
	}
	if attempts != maxPageOutFailureCount {
		t.Errorf("expected exactly %d attempts; got %d", maxPageOutFailureCount, attempts)
	}
}

func TestPageOutPulsesPagingEvent(t *testing.T) {
	db := newTestDatabase(t, 4)
	db.SetPager(func(uint64) {}, func(*PagingEntry, mem.PhysicalAddress) *kernel.Error {
		return nil
	})

	woken := make(chan bool)
	go func() {
		woken <- db.PagingEvent().Wait(time.Second)
	}()
	time.Sleep(10 * time.Millisecond)

	// Even with nothing to evict the loop pulses so stalled allocators
	// re-scan.
	if err := db.PageOutPages(1); err != nil {
		t.Fatalf("page out failed: %v", err)
	}
	if !<-woken {
		t.Error("expected the paging event to pulse")
	}
}

func TestAllocationStallIsFatal(t *testing.T) {
	slab := physmem.NewAnonymous(4 * mem.PageSize)
	db, err := NewDatabase(slab, []Region{
		{Base: mem.PhysicalAddress(mem.PageSize), Size: 2 * mem.PageSize, Type: mdl.TypeFree},
	}, Config{AllocationTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("building the page database failed: %v", err)
	}

	if _, err = db.Allocate(2, 1); err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	// Without a pager the failure is immediate.
	if _, err = db.Allocate(1, 1); err != ErrNoMemory {
		t.Fatalf("expected ErrNoMemory without a pager; got %v", err)
	}

	// With a pager that never frees anything the allocation stalls until
	// the timeout declares the system out of memory.
	db.SetPager(func(uint64) {}, nil)

	var panicked interface{}
	defer func(orig func(interface{})) {
		panicFn = orig
	}(panicFn)
	panicFn = func(e interface{}) {
		panicked = e
	}

	if _, err = db.Allocate(1, 1); err != ErrNoMemory {
		t.Fatalf("expected ErrNoMemory after the stall; got %v", err)
	}
	if panicked != kernel.ErrOutOfMemory {
		t.Errorf("expected the stall to raise ErrOutOfMemory; got %v", panicked)
	}
}

func TestAllocateRecoversFromLostPulse(t *testing.T) {
	db := newTestDatabase(t, 4)

	pa, err := db.Allocate(4, 1)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}

	// The pager frees pages and pulses synchronously, inside the paging
	// request itself, so the pulse always lands before the allocator
	// starts waiting. The bounded wait must still find the freed pages.
	freed := false
	db.SetPager(func(uint64) {
		if !freed {
			freed = true
			db.Free(pa, 1)
			db.pagingEvent.Pulse()
		}
	}, nil)

	var panicked interface{}
	defer func(orig func(interface{})) {
		panicFn = orig
	}(panicFn)
	panicFn = func(e interface{}) {
		panicked = e
	}

	start := time.Now()
	got, err := db.Allocate(1, 1)
	if err != nil {
		t.Fatalf("expected the allocation to succeed after the lost pulse; got %v", err)
	}
	if got != pa {
		t.Errorf("expected the freed page %x; got %x", pa, got)
	}
	if panicked != nil {
		t.Errorf("expected no out-of-memory crash; panic payload %v", panicked)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("expected a short stall, not a timeout; took %v", elapsed)
	}
}

func TestWarningLevelTransitions(t *testing.T) {
	db := newTestDatabase(t, 64)

	if got := db.WarningLevel(); got != WarningNone {
		t.Fatalf("expected WarningNone at boot; got %d", got)
	}

	// 64 total pages put the level-2 high mark at 57 allocated pages and
	// the level-1 high mark at 62.
	pa, err := db.Allocate(58, 1)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if got := db.WarningLevel(); got != WarningLevel2 {
		t.Errorf("expected WarningLevel2 at 58 allocated pages; got %d", got)
	}

	pa2, err := db.Allocate(5, 1)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if got := db.WarningLevel(); got != WarningLevel1 {
		t.Errorf("expected WarningLevel1 at 63 allocated pages; got %d", got)
	}

	if err = db.Free(pa2, 5); err != nil {
		t.Fatalf("free failed: %v", err)
	}
	if err = db.Free(pa, 58); err != nil {
		t.Fatalf("free failed: %v", err)
	}
	if got := db.WarningLevel(); got != WarningNone {
		t.Errorf("expected WarningNone after releasing everything; got %d", got)
	}
}

// fakeEntry is a minimal page cache entry for tagging tests.
type fakeEntry struct {
	pa mem.PhysicalAddress
}

func (e *fakeEntry) PhysicalAddress() mem.PhysicalAddress    { return e.pa }
func (e *fakeEntry) VirtualAddress() mem.VirtualAddress      { return 0 }
func (e *fakeEntry) SetVirtualAddress(va mem.VirtualAddress) {}
func (e *fakeEntry) MarkDirty()                              {}
func (e *fakeEntry) Dirty() bool                             { return false }
func (e *fakeEntry) AddReference()                           {}
func (e *fakeEntry) ReleaseReference()                       {}

func TestSetPageCacheEntryRequiresNonPaged(t *testing.T) {
	db := newTestDatabase(t, 4)

	pa, err := db.Allocate(1, 1)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	tag := &fakeEntry{pa: pa}
	if err = db.SetPageCacheEntry(pa, tag); err != nil {
		t.Fatalf("tagging a non-paged frame failed: %v", err)
	}
	if entry, ok := db.PageCacheEntry(pa); !ok || entry != tag {
		t.Errorf("expected the cache tag to read back; got (%v, %t)", entry, ok)
	}

	if err = db.EnablePaging(pa, 1, []*PagingEntry{NewPagingEntry("s", 0)}, false); err != nil {
		t.Fatalf("enable paging failed: %v", err)
	}
	if err = db.SetPageCacheEntry(pa, tag); err != ErrInvalidParameter {
		t.Errorf("expected ErrInvalidParameter tagging a pageable frame; got %v", err)
	}
}
