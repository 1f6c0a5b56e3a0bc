package vmm

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/arch"
	"github.com/minoca/os-sub007/kernel/mem/mdl"
)

// AddressSpace collects the sections, page tables and virtual accountant of
// one process (or of the kernel). The section list is sorted by base address
// and guarded by the space mutex, which nests outside any section tree lock.
type AddressSpace struct {
	mm *Manager

	// Accountant tracks the virtual layout of the space.
	Accountant *mdl.Accountant

	// Tables is the hardware (or simulated) mapping state.
	Tables arch.PageTables

	kernel bool

	mutex    sync.Mutex
	sections []*Section

	residentSet    int64
	maxResidentSet int64

	breakStart mem.VirtualAddress
	breakEnd   mem.VirtualAddress
}

// NewAddressSpace creates an empty user address space over the given tables
// and accountant.
func (m *Manager) NewAddressSpace(tables arch.PageTables, accountant *mdl.Accountant) *AddressSpace {
	return &AddressSpace{
		mm:         m,
		Accountant: accountant,
		Tables:     tables,
	}
}

// IsKernel reports whether this is the kernel address space.
func (space *AddressSpace) IsKernel() bool {
	return space.kernel
}

// insertSection adds a section to the sorted list.
func (space *AddressSpace) insertSection(s *Section) {
	space.mutex.Lock()
	index := sort.Search(len(space.sections), func(i int) bool {
		return space.sections[i].va > s.va
	})
	space.sections = append(space.sections, nil)
	copy(space.sections[index+1:], space.sections[index:])
	space.sections[index] = s
	space.mutex.Unlock()
}

// removeSection unlinks a section from the list.
func (space *AddressSpace) removeSection(s *Section) {
	space.mutex.Lock()
	for i, candidate := range space.sections {
		if candidate == s {
			space.sections = append(space.sections[:i], space.sections[i+1:]...)
			break
		}
	}
	space.mutex.Unlock()
}

// Lookup finds the section covering a virtual address and returns it with a
// reference held, plus the page offset of the address within it.
func (space *AddressSpace) Lookup(va mem.VirtualAddress) (*Section, uint64, *kernel.Error) {
	space.mutex.Lock()
	defer space.mutex.Unlock()

	index := sort.Search(len(space.sections), func(i int) bool {
		return space.sections[i].va > va
	})
	if index == 0 {
		return nil, 0, ErrNotFound
	}
	s := space.sections[index-1]
	if va >= s.va.Add(s.size) {
		return nil, 0, ErrNotFound
	}
	s.AddReference()
	return s, uint64(va.AlignDown()-s.va) >> mem.PageShift, nil
}

// Sections returns a snapshot of the section list, each with a reference
// held. The caller releases them.
func (space *AddressSpace) Sections() []*Section {
	space.mutex.Lock()
	defer space.mutex.Unlock()

	snapshot := make([]*Section, len(space.sections))
	copy(snapshot, space.sections)
	for _, s := range snapshot {
		s.AddReference()
	}
	return snapshot
}

// adjustResident moves the resident page count, ratcheting the maximum.
func (space *AddressSpace) adjustResident(delta int64) {
	resident := atomic.AddInt64(&space.residentSet, delta)
	for {
		max := atomic.LoadInt64(&space.maxResidentSet)
		if resident <= max {
			return
		}
		if atomic.CompareAndSwapInt64(&space.maxResidentSet, max, resident) {
			return
		}
	}
}

// ResidentSet returns the current resident page count.
func (space *AddressSpace) ResidentSet() uint64 {
	resident := atomic.LoadInt64(&space.residentSet)
	if resident < 0 {
		return 0
	}
	return uint64(resident)
}

// MaxResidentSet returns the resident-set high watermark.
func (space *AddressSpace) MaxResidentSet() uint64 {
	return uint64(atomic.LoadInt64(&space.maxResidentSet))
}

// SetBreakRange records the program break range.
func (space *AddressSpace) SetBreakRange(start, end mem.VirtualAddress) {
	space.mutex.Lock()
	space.breakStart = start
	space.breakEnd = end
	space.mutex.Unlock()
}

// BreakRange returns the program break range.
func (space *AddressSpace) BreakRange() (mem.VirtualAddress, mem.VirtualAddress) {
	space.mutex.Lock()
	defer space.mutex.Unlock()
	return space.breakStart, space.breakEnd
}

// CloneAddressSpace populates dst as a copy-on-write image of src: every
// section becomes a child (or, when shared, a second view of the same
// backing), the virtual accountant layout is reproduced and src's writable
// private mappings are demoted to read-only, with a single shootdown at the
// end.
func (m *Manager) CloneAddressSpace(src, dst *AddressSpace) *kernel.Error {
	if dst.kernel || src == dst {
		return ErrInvalidParameter
	}

	// Reproduce non-section reservations. Section ranges are claimed by
	// CopySection below.
	if src.Accountant != nil && dst.Accountant != nil {
		var aerr *kernel.Error
		src.Accountant.Iterate(func(d *mdl.Descriptor) bool {
			if d.Type.IsFree() || d.Type == mdl.TypeImageSection {
				return true
			}
			_, aerr = dst.Accountant.Allocate(&mdl.Request{
				Address:  d.Base,
				Size:     d.Size,
				Type:     d.Type,
				Strategy: mdl.StrategyFixedAddressClobber,
			})
			return aerr == nil
		})
		if aerr != nil {
			return aerr
		}
	}

	if err := src.Tables.PreallocatePageTables(dst.Tables); err != nil {
		return err
	}

	sections := src.Sections()
	defer func() {
		for _, s := range sections {
			s.ReleaseReference()
		}
	}()

	for _, s := range sections {
		if _, err := m.CopySection(s, dst); err != nil {
			if err == ErrTooLate {
				continue
			}
			return err
		}
	}

	breakStart, breakEnd := src.BreakRange()
	dst.SetBreakRange(breakStart, breakEnd)

	// One shootdown covers all the write-permission demotions above.
	src.Tables.InvalidateAll()
	return nil
}

// ClearAddressSpace destroys every section in the space, as at exec.
func (m *Manager) ClearAddressSpace(space *AddressSpace) *kernel.Error {
	sections := space.Sections()
	for _, s := range sections {
		if err := m.RemoveSection(s); err != nil {
			s.ReleaseReference()
			return err
		}
		s.ReleaseReference()
	}
	space.SetBreakRange(0, 0)
	return nil
}
