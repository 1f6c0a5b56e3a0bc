package vmm

import (
	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/arch"
	"github.com/minoca/os-sub007/kernel/mem/mdl"
)

// MapPhysical gives a run of physical pages a kernel virtual mapping. The
// virtual range comes from the kernel accountant under the given type;
// UnmapPhysical returns it.
func (m *Manager) MapPhysical(pa mem.PhysicalAddress, size mem.Size, typ mdl.Type, flags arch.MapFlag) (mem.VirtualAddress, *kernel.Error) {
	if size == 0 || !size.PageAligned() || !pa.PageAligned() {
		return 0, ErrInvalidParameter
	}

	va, err := m.kernel.Accountant.Allocate(&mdl.Request{
		Size:     size,
		Type:     typ,
		Strategy: mdl.StrategyAnyAddress,
	})
	if err != nil {
		return 0, err
	}

	pages := size.Pages()
	flags |= arch.FlagPresent | arch.FlagGlobal
	for i := uint64(0); i < pages; i++ {
		merr := m.kernel.Tables.MapPage(
			pa.Add(mem.Size(i)*mem.PageSize),
			va.Add(mem.Size(i)*mem.PageSize),
			flags)
		if merr != nil {
			if i > 0 {
				m.kernel.Tables.UnmapPages(va, i, true, nil)
			}
			m.kernel.Accountant.Free(va, size)
			return 0, merr
		}
	}
	return va, nil
}

// MapScattered maps a list of single physical pages at one contiguous
// kernel virtual range, in order.
func (m *Manager) MapScattered(pas []mem.PhysicalAddress, typ mdl.Type, flags arch.MapFlag) (mem.VirtualAddress, *kernel.Error) {
	if len(pas) == 0 {
		return 0, ErrInvalidParameter
	}
	size := mem.Size(len(pas)) * mem.PageSize

	va, err := m.kernel.Accountant.Allocate(&mdl.Request{
		Size:     size,
		Type:     typ,
		Strategy: mdl.StrategyAnyAddress,
	})
	if err != nil {
		return 0, err
	}

	flags |= arch.FlagPresent | arch.FlagGlobal
	for i, pa := range pas {
		merr := m.kernel.Tables.MapPage(pa, va.Add(mem.Size(i)*mem.PageSize), flags)
		if merr != nil {
			if i > 0 {
				m.kernel.Tables.UnmapPages(va, uint64(i), true, nil)
			}
			m.kernel.Accountant.Free(va, size)
			return 0, merr
		}
	}
	return va, nil
}

// UnmapPhysical tears down a mapping made by MapPhysical. The physical pages
// are untouched; their owner frees them.
func (m *Manager) UnmapPhysical(va mem.VirtualAddress, size mem.Size) *kernel.Error {
	if size == 0 || !size.PageAligned() || !va.PageAligned() {
		return ErrInvalidParameter
	}
	m.kernel.Tables.UnmapPages(va, size.Pages(), true, nil)
	return m.kernel.Accountant.Free(va, size)
}
