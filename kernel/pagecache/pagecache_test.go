package pagecache

import (
	"bytes"
	"testing"

	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/physmem"
)

// newTestSource hands out pages straight from a slab, tracking how many are
// outstanding.
func newTestSource(t *testing.T, pageCount uint64) (*PageSource, *uint64) {
	t.Helper()

	slab := physmem.NewAnonymous(mem.Size(pageCount) * mem.PageSize)
	t.Cleanup(slab.Release)

	var (
		next        mem.PhysicalAddress
		outstanding uint64
	)
	source := &PageSource{
		Slab: slab,
		Allocate: func(entry Entry) (mem.PhysicalAddress, *kernel.Error) {
			if uint64(next) >= pageCount*uint64(mem.PageSize) {
				return mem.InvalidPhysicalAddress, kernel.ErrOutOfMemory
			}
			pa := next
			next = next.Add(mem.PageSize)
			outstanding++
			return pa, nil
		},
		Free: func(pa mem.PhysicalAddress) {
			outstanding--
		},
	}
	return source, &outstanding
}

func TestLoadEntryReadsFileContents(t *testing.T) {
	source, outstanding := newTestSource(t, 8)

	data := make([]byte, 2*mem.PageSize)
	for i := range data {
		data[i] = byte(i)
	}
	// A short tail exercises the zero fill of the last page.
	b := NewMemBacking(source, data[:len(data)-100], false)

	if _, err := b.EntryAt(0); err != ErrNoEntry {
		t.Fatalf("expected ErrNoEntry before the load; got %v", err)
	}

	entry, err := b.LoadEntry(uint64(mem.PageSize) + 5)
	if err != nil {
		t.Fatalf("loading the entry failed: %v", err)
	}
	entry.AddReference()

	// Offsets round down to the containing page.
	if got, gerr := b.EntryAt(uint64(mem.PageSize) + 200); gerr != nil || got != entry {
		t.Error("expected EntryAt to find the loaded page")
	}

	page, perr := source.Slab.Bytes(entry.PhysicalAddress(), mem.PageSize)
	if perr != nil {
		t.Fatalf("reading the cache page failed: %v", perr)
	}
	if !bytes.Equal(page[:mem.PageSize-100], data[mem.PageSize:len(data)-100]) {
		t.Error("cache page does not match the file contents")
	}
	for i := len(page) - 100; i < len(page); i++ {
		if page[i] != 0 {
			t.Fatalf("expected the tail past end-of-file to be zero filled; byte %d is %#x", i, page[i])
		}
	}

	if _, err = b.LoadEntry(uint64(len(data))); err != ErrReadBeyondEnd {
		t.Errorf("expected ErrReadBeyondEnd past the file; got %v", err)
	}

	if *outstanding != 1 {
		t.Errorf("expected 1 outstanding page; got %d", *outstanding)
	}
	entry.ReleaseReference()
	if *outstanding != 0 {
		t.Errorf("expected the last release to evict the page; %d outstanding", *outstanding)
	}
	if _, err = b.EntryAt(uint64(mem.PageSize)); err != ErrNoEntry {
		t.Errorf("expected the evicted page to be gone; got %v", err)
	}
}

func TestFlushWritesDirtyPagesBack(t *testing.T) {
	source, _ := newTestSource(t, 8)

	data := make([]byte, 2*mem.PageSize)
	b := NewMemBacking(source, data, true)

	entry, err := b.LoadEntry(0)
	if err != nil {
		t.Fatalf("loading the entry failed: %v", err)
	}
	entry.AddReference()
	defer entry.ReleaseReference()

	page, perr := source.Slab.Bytes(entry.PhysicalAddress(), mem.PageSize)
	if perr != nil {
		t.Fatalf("reading the cache page failed: %v", perr)
	}
	page[10] = 0x7E

	// A clean page does not write back.
	if ferr := b.Flush(0, 2*mem.PageSize, false); ferr != nil {
		t.Fatalf("flush failed: %v", ferr)
	}
	if got := b.Contents()[10]; got != 0 {
		t.Error("expected a clean page to stay out of the file")
	}

	entry.MarkDirty()
	if ferr := b.Flush(0, 2*mem.PageSize, true); ferr != nil {
		t.Fatalf("flush failed: %v", ferr)
	}
	if got := b.Contents()[10]; got != 0x7E {
		t.Errorf("expected the dirty page in the file; got %#x", got)
	}
	if entry.Dirty() {
		t.Error("expected the flush to clean the entry")
	}

	flushes := b.Flushes()
	if len(flushes) != 2 {
		t.Fatalf("expected 2 recorded flushes; got %d", len(flushes))
	}
	if !flushes[1].Sync {
		t.Error("expected the second flush to be recorded as synchronous")
	}
}

func TestSectionListMembership(t *testing.T) {
	var l SectionList

	a, b := new(int), new(int)
	l.Add(a)
	l.Add(b)
	if got := l.Len(); got != 2 {
		t.Fatalf("expected 2 sections; got %d", got)
	}

	l.Remove(a)
	l.ForEach(func(section interface{}) bool {
		if section == a {
			t.Error("expected the removed section to be gone")
		}
		return true
	})
	if got := l.Len(); got != 1 {
		t.Errorf("expected 1 section; got %d", got)
	}
}
