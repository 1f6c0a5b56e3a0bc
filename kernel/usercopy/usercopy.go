// Package usercopy moves data across the user/kernel boundary. Every
// transfer validates the user range first and resolves missing pages
// through the fault path; a fault that cannot be resolved lands in the
// registered recovery range and surfaces as an access violation instead of
// a crash.
package usercopy

import (
	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/arch"
	"github.com/minoca/os-sub007/kernel/mem/vmm"
)

var (
	// ErrInvalidUserRange is returned for empty user ranges.
	ErrInvalidUserRange = &kernel.Error{Module: "usercopy", Message: "empty user range"}
)

// Synthetic text addresses standing in for the copy routines' code range.
// Faults whose program counter lies inside it resume at the failure label.
const (
	copyRangeStart   = mem.KernelVirtualBase + 0x00100000
	copyRangeEnd     = copyRangeStart + 0x1000
	copyFailureLabel = copyRangeEnd
)

// Copier performs checked transfers against user address spaces.
type Copier struct {
	mm *vmm.Manager
}

// New creates a copier and registers its recovery range with the fault
// handler.
func New(m *vmm.Manager) *Copier {
	m.RegisterRecoveryRange(vmm.RecoveryRange{
		Start:   copyRangeStart,
		End:     copyRangeEnd,
		Failure: copyFailureLabel,
	})
	return &Copier{mm: m}
}

// checkRange rejects empty ranges and ranges that wrap or leave user space.
// Leaving user space is an access violation, the same failure the transfer
// itself would hit.
func checkRange(va mem.VirtualAddress, size uint64) *kernel.Error {
	if size == 0 {
		return ErrInvalidUserRange
	}
	end := uint64(va) + size
	if end < uint64(va) || end > uint64(mem.MaxUserAddress)+1 {
		return vmm.ErrAccessViolation
	}
	return nil
}

// resolve makes one user page accessible, faulting it in if needed, and
// returns its physical address. Unresolvable faults come back as access
// violations via the recovery range.
func (c *Copier) resolve(space *vmm.AddressSpace, pageVA mem.VirtualAddress, write bool) (mem.PhysicalAddress, *kernel.Error) {
	for {
		pa, flags, err := space.Tables.VirtualToPhysical(pageVA)
		if err == nil && (!write || flags&arch.FlagWritable != 0) {
			return pa, nil
		}

		var kind vmm.FaultKind
		if write {
			kind |= vmm.FaultWrite
		}
		if err == nil {
			kind |= vmm.FaultProtection
		}
		tf := vmm.TrapFrame{PC: copyRangeStart + 0x10}
		if ferr := c.mm.HandleFault(space, pageVA, kind, vmm.RunLevelLow, &tf); ferr != nil {
			return mem.InvalidPhysicalAddress, ferr
		}
	}
}

// CopyFromUser copies len(dst) bytes from user memory at va into dst.
func (c *Copier) CopyFromUser(space *vmm.AddressSpace, dst []byte, va mem.VirtualAddress) *kernel.Error {
	if err := checkRange(va, uint64(len(dst))); err != nil {
		return err
	}
	slab := c.mm.Database().Slab()
	for len(dst) > 0 {
		pa, n, err := c.resolveChunk(space, va, uint64(len(dst)), false)
		if err != nil {
			return err
		}
		bytes, berr := slab.Bytes(pa, mem.Size(n))
		if berr != nil {
			return berr
		}
		copy(dst[:n], bytes)
		dst = dst[n:]
		va = va.Add(mem.Size(n))
	}
	return nil
}

// CopyToUser copies src into user memory at va.
func (c *Copier) CopyToUser(space *vmm.AddressSpace, va mem.VirtualAddress, src []byte) *kernel.Error {
	if err := checkRange(va, uint64(len(src))); err != nil {
		return err
	}
	slab := c.mm.Database().Slab()
	for len(src) > 0 {
		pa, n, err := c.resolveChunk(space, va, uint64(len(src)), true)
		if err != nil {
			return err
		}
		bytes, berr := slab.Bytes(pa, mem.Size(n))
		if berr != nil {
			return berr
		}
		copy(bytes, src[:n])
		src = src[n:]
		va = va.Add(mem.Size(n))
	}
	return nil
}

// ZeroUser clears size bytes of user memory at va.
func (c *Copier) ZeroUser(space *vmm.AddressSpace, va mem.VirtualAddress, size uint64) *kernel.Error {
	if err := checkRange(va, size); err != nil {
		return err
	}
	slab := c.mm.Database().Slab()
	for size > 0 {
		pa, n, err := c.resolveChunk(space, va, size, true)
		if err != nil {
			return err
		}
		bytes, berr := slab.Bytes(pa, mem.Size(n))
		if berr != nil {
			return berr
		}
		for i := range bytes {
			bytes[i] = 0
		}
		size -= n
		va = va.Add(mem.Size(n))
	}
	return nil
}

// TouchForRead faults in every page of the range for reading.
func (c *Copier) TouchForRead(space *vmm.AddressSpace, va mem.VirtualAddress, size uint64) *kernel.Error {
	return c.touch(space, va, size, false)
}

// TouchForWrite faults in every page of the range for writing.
func (c *Copier) TouchForWrite(space *vmm.AddressSpace, va mem.VirtualAddress, size uint64) *kernel.Error {
	return c.touch(space, va, size, true)
}

func (c *Copier) touch(space *vmm.AddressSpace, va mem.VirtualAddress, size uint64, write bool) *kernel.Error {
	if err := checkRange(va, size); err != nil {
		return err
	}
	end := va.Add(mem.Size(size)).AlignUp()
	for page := va.AlignDown(); page < end; page = page.Add(mem.PageSize) {
		if _, err := c.resolve(space, page, write); err != nil {
			return err
		}
	}
	return nil
}

// resolveChunk resolves the page under va and returns the physical address
// of va itself plus how many of the remaining bytes fit in that page.
func (c *Copier) resolveChunk(space *vmm.AddressSpace, va mem.VirtualAddress, remaining uint64, write bool) (mem.PhysicalAddress, uint64, *kernel.Error) {
	pagePA, err := c.resolve(space, va.AlignDown(), write)
	if err != nil {
		return mem.InvalidPhysicalAddress, 0, err
	}
	n := uint64(mem.PageSize - va.PageOffset())
	if n > remaining {
		n = remaining
	}
	return pagePA.Add(va.PageOffset()), n, nil
}
