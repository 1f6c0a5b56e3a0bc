package iobuf

import (
	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/pagecache"
)

// GetPhysicalAddress translates an in-buffer byte offset to a physical
// address by walking the fragments. Unresolved fragments yield the invalid
// address.
func (b *Buffer) GetPhysicalAddress(offset uint64) mem.PhysicalAddress {
	var seen uint64
	for _, f := range b.fragments {
		fsize := uint64(f.Size)
		if offset >= seen+fsize {
			seen += fsize
			continue
		}
		if !f.PhysicalAddress.IsValid() {
			return mem.InvalidPhysicalAddress
		}
		return f.PhysicalAddress.Add(mem.Size(offset - seen))
	}
	return mem.InvalidPhysicalAddress
}

// pageAt resolves the physical address at a byte offset, paging the backing
// in when only a virtual address is known, and returns how many bytes are
// physically contiguous from there.
func (b *Buffer) pageAt(offset uint64) (mem.PhysicalAddress, uint64, *kernel.Error) {
	var seen uint64
	for _, f := range b.fragments {
		fsize := uint64(f.Size)
		if offset >= seen+fsize {
			seen += fsize
			continue
		}
		into := offset - seen

		var pa mem.PhysicalAddress
		if f.PhysicalAddress.IsValid() {
			pa = f.PhysicalAddress.Add(mem.Size(into))
		} else {
			va := f.VirtualAddress.Add(mem.Size(into))
			page, err := b.mm.MakeResident(b.space, va.AlignDown())
			if err != nil {
				return mem.InvalidPhysicalAddress, 0, err
			}
			pa = page.Add(va.PageOffset())
		}

		avail := fsize - into
		if remain := uint64(mem.PageSize - pa.PageOffset()); avail > remain {
			avail = remain
		}
		return pa, avail, nil
	}
	return mem.InvalidPhysicalAddress, 0, ErrBufferTooSmall
}

// Map ensures every fragment has a kernel virtual address. In virtually
// contiguous mode the whole buffer is remapped into one fresh virtual run
// and any page cache entries learn the new addresses as their hints.
func (b *Buffer) Map(writeThrough, nonCached, virtuallyContiguous bool) *kernel.Error {
	flags := cacheFlags(writeThrough, nonCached) | writableFlags()

	if !virtuallyContiguous {
		var seen uint64
		for i := range b.fragments {
			f := &b.fragments[i]
			offset := seen
			seen += uint64(f.Size)
			if f.VirtualAddress != 0 {
				continue
			}
			if !f.PhysicalAddress.IsValid() {
				return ErrInvalidParameter
			}
			// A single cache page with a recorded kernel mapping
			// needs no new one.
			if f.Size <= mem.PageSize {
				if entry := b.PageCacheEntry(offset >> mem.PageShift); entry != nil {
					if hint := entry.VirtualAddress(); hint != 0 {
						f.VirtualAddress = hint
						continue
					}
				}
			}
			size := f.Size.AlignUp()
			va, err := b.mm.MapPhysical(f.PhysicalAddress.AlignDown(), size, ioBufferType, flags)
			if err != nil {
				return err
			}
			f.VirtualAddress = va.Add(f.PhysicalAddress.PageOffset())
			b.ownedMaps = append(b.ownedMaps, Fragment{VirtualAddress: va, Size: size})
		}
		b.flags |= FlagMapped
		return nil
	}

	pages := b.size.Pages()
	pas := make([]mem.PhysicalAddress, 0, pages)
	for _, f := range b.fragments {
		if !f.PhysicalAddress.IsValid() || !f.PhysicalAddress.PageAligned() {
			return ErrInvalidParameter
		}
		for page := uint64(0); page < f.Size.AlignUp().Pages(); page++ {
			pas = append(pas, f.PhysicalAddress.Add(mem.Size(page)*mem.PageSize))
		}
	}
	if uint64(len(pas)) != pages {
		return ErrInvalidParameter
	}

	// A stale partial mapping would fragment the new run; drop it first.
	for _, om := range b.ownedMaps {
		b.mm.UnmapPhysical(om.VirtualAddress, om.Size)
	}
	b.ownedMaps = nil

	va, err := b.mm.MapScattered(pas, ioBufferType, flags)
	if err != nil {
		return err
	}
	b.fragments = coalesce(va, pas)
	b.ownedMaps = []Fragment{{VirtualAddress: va, Size: mem.Size(pages) * mem.PageSize}}
	b.flags |= FlagMapped | FlagVirtuallyContiguous

	for slot, entry := range b.entries {
		if entry != nil {
			entry.SetVirtualAddress(va.Add(mem.Size(slot) * mem.PageSize))
		}
	}
	return nil
}

// AppendPage adds one page to an extendable buffer, merging with the tail
// fragment when both addresses are adjacent. Either an entry or a physical
// address must be supplied.
func (b *Buffer) AppendPage(entry pagecache.Entry, va mem.VirtualAddress, pa mem.PhysicalAddress) *kernel.Error {
	if b.flags&FlagExtendable == 0 {
		return ErrNotExtendable
	}
	if entry != nil {
		if !pa.IsValid() {
			pa = entry.PhysicalAddress()
		}
		if va == 0 {
			va = entry.VirtualAddress()
		}
	}
	if !pa.IsValid() {
		return ErrInvalidParameter
	}

	slot := b.size.Pages()
	merged := false
	if n := len(b.fragments); n > 0 {
		tail := &b.fragments[n-1]
		paAdjacent := tail.PhysicalAddress.IsValid() && tail.PhysicalAddress.Add(tail.Size) == pa
		vaAdjacent := (va == 0 && tail.VirtualAddress == 0) ||
			(va != 0 && tail.VirtualAddress != 0 && tail.VirtualAddress.Add(tail.Size) == va)
		if paAdjacent && vaAdjacent {
			tail.Size += mem.PageSize
			merged = true
		}
	}
	if !merged {
		b.fragments = append(b.fragments, Fragment{
			VirtualAddress:  va,
			PhysicalAddress: pa,
			Size:            mem.PageSize,
		})
	}
	b.size += mem.PageSize

	if entry != nil {
		b.growEntries(slot + 1)
		entry.AddReference()
		b.entries[slot] = entry
		b.flags |= FlagPageCacheBacked
	}
	return nil
}

// extend grows an extendable buffer with freshly allocated pages until it
// holds at least newSize bytes.
func (b *Buffer) extend(newSize uint64) *kernel.Error {
	needed := mem.Size(newSize).AlignUp().Pages() - b.size.Pages()
	if needed == 0 {
		return nil
	}
	pas, err := b.mm.Database().AllocateScattered(0, 0, needed)
	if err != nil {
		return err
	}
	for _, pa := range pas {
		if aerr := b.AppendPage(nil, 0, pa); aerr != nil {
			b.mm.Database().Free(pa, 1)
			return aerr
		}
	}
	b.flags |= FlagMemoryOwned
	return nil
}

// CopyFrom copies count bytes from src into the buffer, extending it first
// when allowed. Pages backed by cache entries are marked dirty.
func (b *Buffer) CopyFrom(dstOffset uint64, src *Buffer, srcOffset, count uint64) *kernel.Error {
	if count == 0 {
		return nil
	}
	if srcOffset+count > uint64(src.size) {
		return ErrBufferTooSmall
	}
	if dstOffset+count > uint64(b.size) {
		if b.flags&FlagExtendable == 0 {
			return ErrBufferTooSmall
		}
		if err := b.extend(dstOffset + count); err != nil {
			return err
		}
	}

	slab := b.mm.Database().Slab()
	for count > 0 {
		spa, savail, err := src.pageAt(srcOffset)
		if err != nil {
			return err
		}
		dpa, davail, err := b.pageAt(dstOffset)
		if err != nil {
			return err
		}
		n := count
		if n > savail {
			n = savail
		}
		if n > davail {
			n = davail
		}

		srcBytes, berr := slab.Bytes(spa, mem.Size(n))
		if berr != nil {
			return berr
		}
		dstBytes, berr := slab.Bytes(dpa, mem.Size(n))
		if berr != nil {
			return berr
		}
		copy(dstBytes, srcBytes)

		if entry := b.PageCacheEntry(dstOffset >> mem.PageShift); entry != nil {
			entry.MarkDirty()
		}
		srcOffset += n
		dstOffset += n
		count -= n
	}
	return nil
}

// Zero clears count bytes of the buffer starting at offset.
func (b *Buffer) Zero(offset, count uint64) *kernel.Error {
	if offset+count > uint64(b.size) {
		return ErrBufferTooSmall
	}
	slab := b.mm.Database().Slab()
	for count > 0 {
		pa, avail, err := b.pageAt(offset)
		if err != nil {
			return err
		}
		n := count
		if n > avail {
			n = avail
		}
		bytes, berr := slab.Bytes(pa, mem.Size(n))
		if berr != nil {
			return berr
		}
		for i := range bytes {
			bytes[i] = 0
		}
		if entry := b.PageCacheEntry(offset >> mem.PageShift); entry != nil {
			entry.MarkDirty()
		}
		offset += n
		count -= n
	}
	return nil
}

// Lock builds a new non-paged buffer whose fragments reference the same
// physical pages, pinned in place. The source must be one contiguous mapped
// virtual range.
func (b *Buffer) Lock() (*Buffer, *kernel.Error) {
	if b.flags&(FlagNonPaged|FlagMemoryLocked) != 0 {
		return b, nil
	}
	if b.flags&FlagVirtuallyContiguous == 0 || len(b.fragments) != 1 || b.fragments[0].VirtualAddress == 0 {
		return nil, ErrInvalidParameter
	}

	db := b.mm.Database()
	locked := &Buffer{
		mm:    b.mm,
		space: b.space,
		flags: FlagNonPaged | FlagMemoryLocked | FlagMapped | (b.flags & FlagUserMode),
		size:  b.size,
	}
	unwind := func(err *kernel.Error) (*Buffer, *kernel.Error) {
		for _, pa := range locked.lockedPages {
			db.Unlock(pa, 1)
		}
		for _, entry := range locked.entries {
			if entry != nil {
				entry.ReleaseReference()
			}
		}
		return nil, err
	}

	va := b.fragments[0].VirtualAddress
	remaining := uint64(b.size)
	slot := uint64(0)
	for remaining > 0 {
		pageVA := va.AlignDown()
		chunk := uint64(mem.PageSize - va.PageOffset())
		if chunk > remaining {
			chunk = remaining
		}

		var pagePA mem.PhysicalAddress
		if s, offset, err := b.space.Lookup(pageVA); err == nil {
			pagePA, err = b.mm.PageInAndLock(s, offset)
			s.ReleaseReference()
			if err != nil {
				return unwind(err)
			}
			locked.lockedPages = append(locked.lockedPages, pagePA)
		} else {
			var verr *kernel.Error
			pagePA, _, verr = b.space.Tables.VirtualToPhysical(pageVA)
			if verr != nil {
				return unwind(verr)
			}
			if lerr := db.Lock(pagePA, 1); lerr != nil {
				return unwind(lerr)
			}
			locked.lockedPages = append(locked.lockedPages, pagePA)
		}

		if entry, ok := db.PageCacheEntry(pagePA); ok {
			entry.AddReference()
			locked.growEntries(slot + 1)
			locked.entries[slot] = entry
			locked.flags |= FlagPageCacheBacked
		}

		pa := pagePA.Add(va.PageOffset())
		if n := len(locked.fragments); n > 0 &&
			locked.fragments[n-1].PhysicalAddress.Add(locked.fragments[n-1].Size) == pa &&
			locked.fragments[n-1].VirtualAddress.Add(locked.fragments[n-1].Size) == va {
			locked.fragments[n-1].Size += mem.Size(chunk)
		} else {
			locked.fragments = append(locked.fragments, Fragment{
				VirtualAddress:  va,
				PhysicalAddress: pa,
				Size:            mem.Size(chunk),
			})
		}

		va = va.Add(mem.Size(chunk))
		remaining -= chunk
		slot++
	}
	return locked, nil
}

// Validate ensures the buffer can satisfy a driver's addressing
// constraints, locking it first when needed. If the existing pages violate
// the constraints a fresh conforming buffer holding a copy of the data is
// returned instead.
func (b *Buffer) Validate(minPA, maxPA mem.PhysicalAddress, alignment, size mem.Size, needContiguous bool) (*Buffer, *kernel.Error) {
	if b.size < size {
		return nil, ErrBufferTooSmall
	}

	buf := b
	if b.flags&(FlagNonPaged|FlagMemoryLocked) == 0 {
		locked, err := b.Lock()
		if err != nil {
			return nil, err
		}
		buf = locked
	}

	if buf.conforms(minPA, maxPA, alignment, size, needContiguous) {
		return buf, nil
	}

	fresh, err := AllocateNonPaged(buf.mm, size, &Options{
		MinPhysical:          minPA,
		MaxPhysical:          maxPA,
		Alignment:            alignment,
		PhysicallyContiguous: needContiguous,
	})
	if err != nil {
		return nil, err
	}
	if cerr := fresh.CopyFrom(0, buf, 0, uint64(size)); cerr != nil {
		fresh.Free()
		return nil, cerr
	}
	return fresh, nil
}

func (b *Buffer) conforms(minPA, maxPA mem.PhysicalAddress, alignment, size mem.Size, needContiguous bool) bool {
	var covered mem.Size
	for i, f := range b.fragments {
		if covered >= size {
			break
		}
		if !f.PhysicalAddress.IsValid() {
			return false
		}
		if f.PhysicalAddress < minPA {
			return false
		}
		if maxPA != 0 && f.PhysicalAddress.Add(f.Size) > maxPA {
			return false
		}
		if i == 0 && alignment > 1 && uint64(f.PhysicalAddress)%uint64(alignment) != 0 {
			return false
		}
		if i > 0 && needContiguous {
			return false
		}
		covered += f.Size
	}
	return covered >= size
}

// Free releases everything the buffer holds: pins, owned mappings, owned
// pages, cache references and the backing section.
func (b *Buffer) Free() {
	db := b.mm.Database()

	// Owned pages without a cache entry behind them go back to the page
	// database; cache pages belong to the cache.
	if b.flags&FlagMemoryOwned != 0 {
		var seen uint64
		for _, f := range b.fragments {
			pages := f.Size.AlignUp().Pages()
			for page := uint64(0); page < pages; page++ {
				slot := (seen >> mem.PageShift) + page
				if b.PageCacheEntry(slot) != nil {
					continue
				}
				if f.PhysicalAddress.IsValid() {
					db.Free(f.PhysicalAddress.Add(mem.Size(page)*mem.PageSize).AlignDown(), 1)
				}
			}
			seen += uint64(f.Size)
		}
	}

	for _, entry := range b.entries {
		if entry != nil {
			entry.ReleaseReference()
		}
	}
	for _, pa := range b.lockedPages {
		db.Unlock(pa, 1)
	}
	for _, om := range b.ownedMaps {
		b.mm.UnmapPhysical(om.VirtualAddress, om.Size)
	}
	if b.section != nil {
		b.mm.RemoveSection(b.section)
	}

	mm, space := b.mm, b.space
	*b = Buffer{mm: mm, space: space}
}

// Reset frees the buffer's resources but keeps the structure primed for
// reuse as an extendable buffer.
func (b *Buffer) Reset() {
	extendable := b.flags & FlagExtendable
	b.Free()
	b.flags = extendable
}
