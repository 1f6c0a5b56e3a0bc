// Package mm assembles the memory-management subsystems into a running
// system: physical page database over a page slab, kernel accountant and
// address space, page file, paging thread and user-copy support.
package mm

import (
	"time"

	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/event"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/arch"
	"github.com/minoca/os-sub007/kernel/mem/arch/softpt"
	"github.com/minoca/os-sub007/kernel/mem/mdl"
	"github.com/minoca/os-sub007/kernel/mem/physmem"
	"github.com/minoca/os-sub007/kernel/mem/pmm"
	"github.com/minoca/os-sub007/kernel/mem/vmm"
	"github.com/minoca/os-sub007/kernel/pagecache"
	"github.com/minoca/os-sub007/kernel/pagefile"
	"github.com/minoca/os-sub007/kernel/usercopy"
)

var (
	// ErrNoUsableMemory is returned when the firmware map yields no
	// usable pages.
	ErrNoUsableMemory = &kernel.Error{Module: "mm", Message: "firmware map has no usable memory"}
)

// donatedDescriptorsPerPage is how many accountant descriptors one refill
// page yields.
const donatedDescriptorsPerPage = 64

// bootstrapDescriptors seeds the system accountant's reserve so it can take
// descriptors before the refill hook is wired up.
const bootstrapDescriptors = 64

// defaultKernelWindow is the kernel virtual window accounted at boot when
// the configuration does not size it.
const defaultKernelWindow = 1 * mem.Gb

// Config carries the boot parameters for the memory system.
type Config struct {
	// MemoryMap is the firmware memory map.
	MemoryMap []pmm.Region

	// Slab backs physical page contents. Nil selects an anonymous slab
	// sized to the end of the memory map.
	Slab physmem.Slab

	// PageFileBlocks sizes the paging space; zero boots without one.
	PageFileBlocks uint64

	// KernelWindow sizes the kernel virtual range handed to the kernel
	// accountant. Zero selects the default.
	KernelWindow mem.Size

	// FreePagesTarget and AllocationTimeout pass through to the page
	// database.
	FreePagesTarget   uint64
	AllocationTimeout time.Duration
}

// System is the assembled memory manager.
type System struct {
	Slab     physmem.Slab
	Database *pmm.Database
	Manager  *vmm.Manager
	Copier   *usercopy.Copier

	// PageFile and PageStore are nil when booted without paging space.
	PageFile  *pagefile.Space
	PageStore *pagefile.MemoryStore

	// VirtualWarning pulses on kernel address-space warning transitions.
	VirtualWarning *event.Event

	pagerWake chan uint64
	pagerStop chan struct{}
}

// Boot brings the memory system up from a firmware memory map.
func Boot(cfg Config) (*System, *kernel.Error) {
	if len(cfg.MemoryMap) == 0 {
		return nil, ErrNoUsableMemory
	}

	slab := cfg.Slab
	if slab == nil {
		var end mem.PhysicalAddress
		for _, region := range cfg.MemoryMap {
			if regionEnd := region.Base.Add(region.Size); regionEnd > end {
				end = regionEnd
			}
		}
		slab = physmem.NewAnonymous(mem.Size(end))
	}

	db, err := pmm.NewDatabase(slab, cfg.MemoryMap, pmm.Config{
		FreePagesTarget:   cfg.FreePagesTarget,
		AllocationTimeout: cfg.AllocationTimeout,
	})
	if err != nil {
		return nil, err
	}

	window := cfg.KernelWindow
	if window == 0 {
		window = defaultKernelWindow
	}
	kernelAccountant := mdl.New(mdl.FlagSystem)
	kernelAccountant.DonateDescriptors(bootstrapDescriptors)
	if aerr := kernelAccountant.Add(mdl.Descriptor{
		Base: mem.KernelVirtualBase,
		Size: window,
		Type: mdl.TypeFree,
	}); aerr != nil {
		return nil, aerr
	}

	var (
		store *pagefile.MemoryStore
		space *pagefile.Space
	)
	if cfg.PageFileBlocks > 0 {
		store = pagefile.NewMemoryStore()
		space = pagefile.NewSpace(store, cfg.PageFileBlocks)
	}

	manager := vmm.NewManager(db, space, softpt.New(), kernelAccountant)

	kernelAccountant.SetRefill(func(pageCount uint64) *kernel.Error {
		pas, rerr := db.AllocateScattered(0, 0, pageCount)
		if rerr != nil {
			return rerr
		}
		if _, merr := manager.MapScattered(pas, mdl.TypeMmStructures, arch.FlagWritable); merr != nil {
			for _, pa := range pas {
				db.Free(pa, 1)
			}
			return merr
		}
		kernelAccountant.DonateDescriptors(int(pageCount) * donatedDescriptorsPerPage)
		return nil
	})

	virtualWarning := event.New("va-warning")
	kernelAccountant.InitWarning(virtualWarning)

	s := &System{
		Slab:           slab,
		Database:       db,
		Manager:        manager,
		Copier:         usercopy.New(manager),
		PageFile:       space,
		PageStore:      store,
		VirtualWarning: virtualWarning,
		pagerWake:      make(chan uint64, 1),
		pagerStop:      make(chan struct{}),
	}

	if space != nil {
		db.SetPager(s.requestPaging, manager.PageOut)
		go s.pagerLoop()
	}
	return s, nil
}

// requestPaging nudges the paging thread toward a free-page target. The
// wake channel holds one pending request; allocators stalling on the paging
// event re-request on every pass.
func (s *System) requestPaging(targetFreePages uint64) {
	select {
	case s.pagerWake <- targetFreePages:
	default:
	}
}

// pagerLoop is the paging thread body.
func (s *System) pagerLoop() {
	for {
		select {
		case target := <-s.pagerWake:
			free := s.Database.FreePages()
			if free >= target {
				// Someone freed enough in the meantime; still
				// pulse so stalled allocators rescan.
				s.Database.PagingEvent().Pulse()
				continue
			}
			s.Database.PageOutPages(target - free)

		case <-s.pagerStop:
			return
		}
	}
}

// NewUserSpace builds an empty user address space with its own accountant
// and page tables.
func (s *System) NewUserSpace() (*vmm.AddressSpace, *kernel.Error) {
	accountant := mdl.New(0)
	err := accountant.Add(mdl.Descriptor{
		Base: mem.VirtualAddress(mem.PageSize),
		Size: mem.Size(mem.MaxUserAddress) + 1 - mem.PageSize,
		Type: mdl.TypeFree,
	})
	if err != nil {
		return nil, err
	}
	return s.Manager.NewAddressSpace(softpt.New(), accountant), nil
}

// NewPageSource wires the page cache's page supply to the page database.
func (s *System) NewPageSource() *pagecache.PageSource {
	return &pagecache.PageSource{
		Slab: s.Slab,
		Allocate: func(entry pagecache.Entry) (mem.PhysicalAddress, *kernel.Error) {
			pa, err := s.Database.Allocate(1, 1)
			if err != nil {
				return mem.InvalidPhysicalAddress, err
			}
			s.Database.SetPageCacheEntry(pa, entry)
			return pa, nil
		},
		Free: func(pa mem.PhysicalAddress) {
			s.Database.Free(pa, 1)
		},
	}
}

// Shutdown stops the paging thread and releases the page slab.
func (s *System) Shutdown() {
	close(s.pagerStop)
	s.Slab.Release()
}
