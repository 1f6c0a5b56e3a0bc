package mm

import (
	"bytes"
	"testing"
	"time"

	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/mdl"
	"github.com/minoca/os-sub007/kernel/mem/pmm"
	"github.com/minoca/os-sub007/kernel/mem/vmm"
)

const userVA = mem.VirtualAddress(0x40000)

func testMemoryMap(pageCount uint64) []pmm.Region {
	return []pmm.Region{
		{Base: mem.PhysicalAddress(mem.PageSize), Size: mem.Size(pageCount) * mem.PageSize, Type: mdl.TypeFree},
	}
}

func TestBootRequiresUsableMemory(t *testing.T) {
	if _, err := Boot(Config{}); err != ErrNoUsableMemory {
		t.Errorf("expected ErrNoUsableMemory for an empty map; got %v", err)
	}
}

func TestBootWiring(t *testing.T) {
	// A firmware map with reserved holes and reclaimable loader regions,
	// starting at physical zero.
	memoryMap := []pmm.Region{
		{Base: 0, Size: 16 * mem.PageSize, Type: mdl.TypeFree},
		{Base: mem.PhysicalAddress(16 * mem.PageSize), Size: 4 * mem.PageSize, Type: mdl.TypeReserved},
		{Base: mem.PhysicalAddress(20 * mem.PageSize), Size: 8 * mem.PageSize, Type: mdl.TypeLoaderTemporary},
	}

	s, err := Boot(Config{MemoryMap: memoryMap})
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	defer s.Shutdown()

	if s.Slab == nil || s.Database == nil || s.Manager == nil || s.Copier == nil {
		t.Fatal("expected the slab, database, manager and copier to be wired")
	}
	if s.VirtualWarning == nil {
		t.Error("expected the virtual warning event to be wired")
	}
	if s.PageFile != nil || s.PageStore != nil {
		t.Error("expected no paging space when PageFileBlocks is zero")
	}

	if got := s.Database.TotalPages(); got == 0 {
		t.Error("expected the database to carry usable pages")
	}
	if got, want := s.Database.FreePages(), s.Database.TotalPages(); got != want {
		t.Errorf("expected all %d pages free at boot; got %d", want, got)
	}
	if _, ok := s.Database.PageZero(); !ok {
		t.Error("expected page zero to be held back from a map starting at zero")
	}
}

func TestBootWithoutPageFileFailsAllocationsHard(t *testing.T) {
	s, err := Boot(Config{MemoryMap: testMemoryMap(8)})
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	defer s.Shutdown()

	// With no pager registered, exhaustion is an immediate error rather
	// than a stall.
	if _, aerr := s.Database.AllocateScattered(0, 0, s.Database.TotalPages()+1); aerr != pmm.ErrNoMemory {
		t.Errorf("expected ErrNoMemory past the map size; got %v", aerr)
	}
}

func TestUserSpaceFaultsThroughTheSystem(t *testing.T) {
	s, err := Boot(Config{MemoryMap: testMemoryMap(32)})
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	defer s.Shutdown()

	space, serr := s.NewUserSpace()
	if serr != nil {
		t.Fatalf("creating a user space failed: %v", serr)
	}
	if _, aerr := s.Manager.AddSection(space, userVA, 2*mem.PageSize,
		vmm.SectionReadable|vmm.SectionWritable, nil, 0); aerr != nil {
		t.Fatalf("adding a user section failed: %v", aerr)
	}

	payload := []byte("boot-to-user round trip")
	if cerr := s.Copier.CopyToUser(space, userVA, payload); cerr != nil {
		t.Fatalf("copy to user failed: %v", cerr)
	}
	got := make([]byte, len(payload))
	if cerr := s.Copier.CopyFromUser(space, got, userVA); cerr != nil {
		t.Fatalf("copy from user failed: %v", cerr)
	}
	if !bytes.Equal(got, payload) {
		t.Error("round-tripped payload does not match")
	}
}

func TestMemoryPressureDrivesThePager(t *testing.T) {
	const pageCount = 32

	s, err := Boot(Config{
		MemoryMap:         testMemoryMap(pageCount),
		PageFileBlocks:    64,
		AllocationTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	defer s.Shutdown()

	if s.PageFile == nil || s.PageStore == nil {
		t.Fatal("expected a paging space to be wired")
	}

	space, serr := s.NewUserSpace()
	if serr != nil {
		t.Fatalf("creating a user space failed: %v", serr)
	}
	const sectionPages = 8
	if _, aerr := s.Manager.AddSection(space, userVA, sectionPages*mem.PageSize,
		vmm.SectionReadable|vmm.SectionWritable, nil, 0); aerr != nil {
		t.Fatalf("adding a user section failed: %v", aerr)
	}

	// Make every section page resident with a recognizable first byte.
	for page := uint64(0); page < sectionPages; page++ {
		marker := []byte{byte(0xC0 + page)}
		if cerr := s.Copier.CopyToUser(space, userVA.Add(mem.Size(page)*mem.PageSize), marker); cerr != nil {
			t.Fatalf("writing page %d failed: %v", page, cerr)
		}
	}

	// Demand more frames than are free. The allocator stalls, wakes the
	// paging thread, and the thread evicts resident user pages to the
	// page file until the allocation fits.
	free := s.Database.FreePages()
	if _, aerr := s.Database.AllocateScattered(0, 0, free+4); aerr != nil {
		t.Fatalf("allocation under pressure failed: %v", aerr)
	}
	if got := s.PageStore.Writes(); got < 4 {
		t.Errorf("expected at least 4 page-file writes under pressure; got %d", got)
	}

	// Reading the markers back faults the evicted pages in from the page
	// file with their contents intact.
	for page := uint64(0); page < sectionPages; page++ {
		got := make([]byte, 1)
		if cerr := s.Copier.CopyFromUser(space, got, userVA.Add(mem.Size(page)*mem.PageSize)); cerr != nil {
			t.Fatalf("reading page %d back failed: %v", page, cerr)
		}
		if got[0] != byte(0xC0+page) {
			t.Errorf("expected page %d to read back %#x; got %#x", page, 0xC0+page, got[0])
		}
	}
	if got := s.PageStore.Reads(); got == 0 {
		t.Error("expected evicted pages to be read back from the page file")
	}
}

func TestNewPageSource(t *testing.T) {
	s, err := Boot(Config{MemoryMap: testMemoryMap(16)})
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	defer s.Shutdown()

	source := s.NewPageSource()
	if source.Slab != s.Slab {
		t.Error("expected the source to expose the system slab")
	}

	entry := &taggedEntry{}
	pa, aerr := source.Allocate(entry)
	if aerr != nil {
		t.Fatalf("allocating a cache page failed: %v", aerr)
	}
	if got, ok := s.Database.PageCacheEntry(pa); !ok || got != entry {
		t.Error("expected the frame to be tagged with the cache entry")
	}

	free := s.Database.FreePages()
	source.Free(pa)
	if got := s.Database.FreePages(); got != free+1 {
		t.Errorf("expected the freed cache page back in the free pool; got %d free", got)
	}
}

type taggedEntry struct{ dirty bool }

func (e *taggedEntry) PhysicalAddress() mem.PhysicalAddress    { return mem.InvalidPhysicalAddress }
func (e *taggedEntry) VirtualAddress() mem.VirtualAddress      { return 0 }
func (e *taggedEntry) SetVirtualAddress(va mem.VirtualAddress) {}
func (e *taggedEntry) MarkDirty()                              { e.dirty = true }
func (e *taggedEntry) Dirty() bool                             { return e.dirty }
func (e *taggedEntry) AddReference()                           {}
func (e *taggedEntry) ReleaseReference()                       {}
