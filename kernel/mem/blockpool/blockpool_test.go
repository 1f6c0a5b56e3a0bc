package blockpool

import (
	"testing"

	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/arch/softpt"
	"github.com/minoca/os-sub007/kernel/mem/mdl"
	"github.com/minoca/os-sub007/kernel/mem/physmem"
	"github.com/minoca/os-sub007/kernel/mem/pmm"
	"github.com/minoca/os-sub007/kernel/mem/vmm"
)

func newTestManager(t *testing.T, pageCount uint64) *vmm.Manager {
	t.Helper()

	slab := physmem.NewAnonymous(mem.Size(pageCount+1) * mem.PageSize)
	db, err := pmm.NewDatabase(slab, []pmm.Region{
		{Base: mem.PhysicalAddress(mem.PageSize), Size: mem.Size(pageCount) * mem.PageSize, Type: mdl.TypeFree},
	}, pmm.Config{})
	if err != nil {
		t.Fatalf("building the page database failed: %v", err)
	}

	kernelAccountant := mdl.New(0)
	if aerr := kernelAccountant.Add(mdl.Descriptor{
		Base: mem.KernelVirtualBase,
		Size: 64 * mem.Mb,
		Type: mdl.TypeFree,
	}); aerr != nil {
		t.Fatalf("seeding the kernel accountant failed: %v", aerr)
	}
	return vmm.NewManager(db, nil, softpt.New(), kernelAccountant)
}

func TestCreateValidation(t *testing.T) {
	m := newTestManager(t, 32)

	specs := []struct {
		descr     string
		blockSize mem.Size
		alignment mem.Size
		blocks    uint64
	}{
		{"zero block size", 0, 0, 8},
		{"zero expansion", 64, 0, 0},
		{"non power-of-two alignment", 64, 48, 8},
	}
	for specIndex, spec := range specs {
		if _, err := Create(m, spec.blockSize, spec.alignment, spec.blocks, 0, 0); err != ErrInvalidParameter {
			t.Errorf("[spec %d] %s: expected ErrInvalidParameter; got %v", specIndex, spec.descr, err)
		}
	}
}

func TestAllocateRespectsStrideAndAlignment(t *testing.T) {
	m := newTestManager(t, 32)

	p, err := Create(m, 96, 128, 8, FlagNonPaged, 0x74736574)
	if err != nil {
		t.Fatalf("creating the pool failed: %v", err)
	}
	defer p.Destroy()

	if got := p.Tag(); got != 0x74736574 {
		t.Errorf("expected the tag to read back; got %#x", got)
	}
	if got := p.FreeBlocks(); got != 8 {
		t.Fatalf("expected 8 free cells at creation; got %d", got)
	}

	seen := make(map[mem.VirtualAddress]bool)
	var prev mem.VirtualAddress
	for i := 0; i < 8; i++ {
		va, _, aerr := p.Allocate()
		if aerr != nil {
			t.Fatalf("allocating cell %d failed: %v", i, aerr)
		}
		if uint64(va)%128 != 0 {
			t.Errorf("expected cell %d at %x to be 128-byte aligned", i, va)
		}
		if seen[va] {
			t.Errorf("cell %x handed out twice", va)
		}
		seen[va] = true
		if i > 0 && va != prev.Add(128) {
			t.Errorf("expected cells to advance by the 128-byte stride; got %x after %x", va, prev)
		}
		prev = va
	}
	if got := p.FreeBlocks(); got != 0 {
		t.Errorf("expected the initial segment to be exhausted; got %d free", got)
	}
}

func TestAllocateExpandsByDoubling(t *testing.T) {
	m := newTestManager(t, 64)

	p, err := Create(m, mem.PageSize, 0, 2, FlagNonPaged, 0)
	if err != nil {
		t.Fatalf("creating the pool failed: %v", err)
	}
	defer p.Destroy()

	// Drain the initial segment, then keep going: each exhaustion doubles
	// the previous expansion.
	for i := 0; i < 2; i++ {
		if _, _, aerr := p.Allocate(); aerr != nil {
			t.Fatalf("allocating cell %d failed: %v", i, aerr)
		}
	}
	if got := p.SegmentCount(); got != 1 {
		t.Fatalf("expected 1 segment before the expansion; got %d", got)
	}

	if _, _, aerr := p.Allocate(); aerr != nil {
		t.Fatalf("allocation past the first segment failed: %v", aerr)
	}
	if got := p.SegmentCount(); got != 2 {
		t.Errorf("expected a second segment after the expansion; got %d", got)
	}
	// 2 initial + 4 doubled, 3 handed out.
	if got := p.FreeBlocks(); got != 3 {
		t.Errorf("expected 3 free cells after the doubled expansion; got %d", got)
	}
}

func TestNoExpansionPoolRunsOut(t *testing.T) {
	m := newTestManager(t, 32)

	p, err := Create(m, 256, 0, 4, FlagNonPaged|FlagNoExpansion, 0)
	if err != nil {
		t.Fatalf("creating the pool failed: %v", err)
	}
	defer p.Destroy()

	for i := 0; i < 4; i++ {
		if _, _, aerr := p.Allocate(); aerr != nil {
			t.Fatalf("allocating cell %d failed: %v", i, aerr)
		}
	}
	if _, _, aerr := p.Allocate(); aerr != ErrNoMemory {
		t.Errorf("expected ErrNoMemory from the fixed pool; got %v", aerr)
	}
}

func TestFreeValidation(t *testing.T) {
	m := newTestManager(t, 32)

	p, err := Create(m, 128, 0, 4, FlagNonPaged, 0)
	if err != nil {
		t.Fatalf("creating the pool failed: %v", err)
	}
	defer p.Destroy()

	va, _, aerr := p.Allocate()
	if aerr != nil {
		t.Fatalf("allocate failed: %v", aerr)
	}

	specs := []struct {
		descr string
		va    mem.VirtualAddress
	}{
		{"address below the pool", va - mem.VirtualAddress(mem.PageSize)},
		{"mid-cell address", va + 1},
		{"cell that is not allocated", va.Add(128)},
	}
	for specIndex, spec := range specs {
		if ferr := p.Free(spec.va); ferr != ErrInvalidParameter {
			t.Errorf("[spec %d] %s: expected ErrInvalidParameter; got %v", specIndex, spec.descr, ferr)
		}
	}

	if ferr := p.Free(va); ferr != nil {
		t.Errorf("freeing the allocated cell failed: %v", ferr)
	}
	// Double free is a caller bug.
	if ferr := p.Free(va); ferr != ErrInvalidParameter {
		t.Errorf("expected ErrInvalidParameter on double free; got %v", ferr)
	}
}

func TestTrimReleasesEmptySegment(t *testing.T) {
	m := newTestManager(t, 64)

	p, err := Create(m, mem.PageSize, 0, 2, FlagNonPaged|FlagTrim, 0)
	if err != nil {
		t.Fatalf("creating the pool failed: %v", err)
	}
	defer p.Destroy()

	// Force a second segment into existence.
	cells := make([]mem.VirtualAddress, 0, 3)
	for i := 0; i < 3; i++ {
		va, _, aerr := p.Allocate()
		if aerr != nil {
			t.Fatalf("allocating cell %d failed: %v", i, aerr)
		}
		cells = append(cells, va)
	}
	if got := p.SegmentCount(); got != 2 {
		t.Fatalf("expected 2 segments; got %d", got)
	}

	// Freeing everything leaves one segment fully free while the other
	// still covers the expansion reserve; the empty one gets trimmed.
	for _, va := range cells {
		if ferr := p.Free(va); ferr != nil {
			t.Fatalf("freeing %x failed: %v", va, ferr)
		}
	}
	if got := p.SegmentCount(); got != 1 {
		t.Errorf("expected the empty segment to be trimmed; got %d segments", got)
	}

	// The surviving segment still serves allocations.
	if _, _, aerr := p.Allocate(); aerr != nil {
		t.Errorf("allocation after the trim failed: %v", aerr)
	}
}

func TestPhysicallyContiguousPoolReturnsAddresses(t *testing.T) {
	m := newTestManager(t, 32)

	p, err := Create(m, 512, 512, 8, FlagNonPaged|FlagPhysicallyContiguous, 0)
	if err != nil {
		t.Fatalf("creating the pool failed: %v", err)
	}
	defer p.Destroy()

	va1, pa1, aerr := p.Allocate()
	if aerr != nil {
		t.Fatalf("allocate failed: %v", aerr)
	}
	va2, pa2, aerr := p.Allocate()
	if aerr != nil {
		t.Fatalf("allocate failed: %v", aerr)
	}
	if !pa1.IsValid() || !pa2.IsValid() {
		t.Fatalf("expected valid physical addresses; got %x and %x", pa1, pa2)
	}
	// Cells of one contiguous segment keep the virtual/physical delta.
	if va2-va1 != mem.VirtualAddress(pa2-pa1) {
		t.Errorf("expected matching virtual and physical strides; got %x and %x", va2-va1, pa2-pa1)
	}
}
