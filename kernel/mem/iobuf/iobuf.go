// Package iobuf implements I/O buffers: gather/scatter fragment lists a
// device can DMA to or from, with control over physical contiguity,
// cacheability and pinning. Buffers wrap existing memory or own their pages
// outright; extendable buffers grow one appended page at a time.
package iobuf

import (
	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/arch"
	"github.com/minoca/os-sub007/kernel/mem/mdl"
	"github.com/minoca/os-sub007/kernel/mem/vmm"
	"github.com/minoca/os-sub007/kernel/pagecache"
)

// ioBufferType is the accountant type for kernel ranges iobuf reserves.
const ioBufferType = mdl.TypeIoBuffer

// cacheFlags translates the cacheability options to mapping attributes.
func cacheFlags(writeThrough, nonCached bool) arch.MapFlag {
	var flags arch.MapFlag
	if writeThrough {
		flags |= arch.FlagWriteThrough
	}
	if nonCached {
		flags |= arch.FlagCacheDisable
	}
	return flags
}

func writableFlags() arch.MapFlag {
	return arch.FlagPresent | arch.FlagWritable
}

var (
	// ErrInvalidParameter is returned for malformed buffer requests.
	ErrInvalidParameter = &kernel.Error{Module: "iobuf", Message: "invalid I/O buffer request"}

	// ErrBufferTooSmall is returned when an offset or count falls outside
	// the buffer.
	ErrBufferTooSmall = &kernel.Error{Module: "iobuf", Message: "offset beyond end of I/O buffer"}

	// ErrNotExtendable is returned when appending to a fixed buffer.
	ErrNotExtendable = &kernel.Error{Module: "iobuf", Message: "I/O buffer is not extendable"}
)

// Flags describe buffer ownership and shape.
type Flags uint32

const (
	// FlagNonPaged means every page of the buffer is pinned.
	FlagNonPaged Flags = 1 << iota

	// FlagPhysicallyContiguous means the pages form one physical run.
	FlagPhysicallyContiguous

	// FlagVirtuallyContiguous means the fragments form one virtual run.
	FlagVirtuallyContiguous

	// FlagMemoryLocked means the buffer holds pin references that Free
	// must release.
	FlagMemoryLocked

	// FlagMemoryOwned means the buffer owns its physical pages.
	FlagMemoryOwned

	// FlagMapped means every fragment has a virtual address.
	FlagMapped

	// FlagUserMode means the virtual addresses are user addresses in the
	// buffer's address space.
	FlagUserMode

	// FlagExtendable permits AppendPage.
	FlagExtendable

	// FlagPageCacheBacked means at least one page slot carries a page
	// cache entry reference.
	FlagPageCacheBacked
)

// Fragment is one virtually and physically contiguous piece of a buffer.
// Either address may be absent (zero virtual, invalid physical) until Map or
// Lock fills it in.
type Fragment struct {
	VirtualAddress  mem.VirtualAddress
	PhysicalAddress mem.PhysicalAddress
	Size            mem.Size
}

// Buffer is a gather/scatter I/O buffer.
type Buffer struct {
	mm    *vmm.Manager
	space *vmm.AddressSpace

	flags     Flags
	fragments []Fragment
	size      mem.Size

	// entries parallels the buffer's pages; a slot holds the page cache
	// entry backing that page, or nil.
	entries []pagecache.Entry

	// lockedPages are pins taken by Lock, released at Free.
	lockedPages []mem.PhysicalAddress

	// ownedMaps are kernel virtual ranges this buffer mapped and must
	// return.
	ownedMaps []Fragment

	// section backs paged buffers.
	section *vmm.Section
}

// Size returns the buffer's current data size.
func (b *Buffer) Size() mem.Size { return b.size }

// Flags returns the buffer flags.
func (b *Buffer) Flags() Flags { return b.flags }

// FragmentCount returns the number of fragments.
func (b *Buffer) FragmentCount() int { return len(b.fragments) }

// Fragment returns fragment i.
func (b *Buffer) Fragment(i int) Fragment { return b.fragments[i] }

// PageCacheEntry returns the entry backing page slot index, if any.
func (b *Buffer) PageCacheEntry(index uint64) pagecache.Entry {
	if index >= uint64(len(b.entries)) {
		return nil
	}
	return b.entries[index]
}

// SetPageCacheEntry stores an entry reference at a page slot of an
// extendable or cache-backed buffer.
func (b *Buffer) SetPageCacheEntry(index uint64, entry pagecache.Entry) *kernel.Error {
	if index >= b.size.Pages() {
		return ErrBufferTooSmall
	}
	b.growEntries(index + 1)
	if b.entries[index] != nil {
		b.entries[index].ReleaseReference()
	}
	if entry != nil {
		entry.AddReference()
		b.flags |= FlagPageCacheBacked
	}
	b.entries[index] = entry
	return nil
}

func (b *Buffer) growEntries(slots uint64) {
	for uint64(len(b.entries)) < slots {
		b.entries = append(b.entries, nil)
	}
}

// Options constrain non-paged allocation.
type Options struct {
	MinPhysical mem.PhysicalAddress

	// MaxPhysical is exclusive; zero means no bound.
	MaxPhysical mem.PhysicalAddress

	// Alignment applies to the first physical page; zero means page
	// alignment.
	Alignment mem.Size

	PhysicallyContiguous bool
	WriteThrough         bool
	NonCached            bool
}

// AllocateNonPaged builds a buffer of pinned, kernel-mapped pages honoring
// the physical constraints. On any failure the partial work is undone.
func AllocateNonPaged(m *vmm.Manager, size mem.Size, opts *Options) (*Buffer, *kernel.Error) {
	if size == 0 {
		return nil, ErrInvalidParameter
	}
	if opts == nil {
		opts = &Options{}
	}
	size = size.AlignUp()
	pages := size.Pages()
	alignPages := uint64(1)
	if opts.Alignment > mem.PageSize {
		alignPages = opts.Alignment.AlignUp().Pages()
	}
	db := m.Database()
	mapFlags := cacheFlags(opts.WriteThrough, opts.NonCached) | writableFlags()

	b := &Buffer{
		mm:    m,
		space: m.KernelSpace(),
		flags: FlagNonPaged | FlagMemoryOwned | FlagMapped | FlagVirtuallyContiguous,
		size:  size,
	}

	if opts.PhysicallyContiguous {
		pa, err := db.AllocateConstrained(pages, alignPages, opts.MinPhysical, opts.MaxPhysical)
		if err != nil {
			return nil, err
		}
		va, merr := m.MapPhysical(pa, size, ioBufferType, mapFlags)
		if merr != nil {
			db.Free(pa, pages)
			return nil, merr
		}
		b.flags |= FlagPhysicallyContiguous
		b.fragments = []Fragment{{VirtualAddress: va, PhysicalAddress: pa, Size: size}}
		b.ownedMaps = []Fragment{{VirtualAddress: va, Size: size}}
		return b, nil
	}

	pas, err := db.AllocateScattered(opts.MinPhysical, opts.MaxPhysical, pages)
	if err != nil {
		return nil, err
	}
	va, merr := m.MapScattered(pas, ioBufferType, mapFlags)
	if merr != nil {
		for _, pa := range pas {
			db.Free(pa, 1)
		}
		return nil, merr
	}
	b.fragments = coalesce(va, pas)
	b.ownedMaps = []Fragment{{VirtualAddress: va, Size: size}}
	return b, nil
}

// AllocatePaged builds a buffer over a fresh pageable kernel section: one
// fragment, pages materialize on first touch.
func AllocatePaged(m *vmm.Manager, size mem.Size) (*Buffer, *kernel.Error) {
	if size == 0 {
		return nil, ErrInvalidParameter
	}
	size = size.AlignUp()

	kern := m.KernelSpace()
	va, err := kern.Accountant.Allocate(&mdl.Request{
		Size:     size,
		Type:     mdl.TypeIoBuffer,
		Strategy: mdl.StrategyAnyAddress,
	})
	if err != nil {
		return nil, err
	}
	s, serr := m.AddSection(kern, va, size,
		vmm.SectionReadable|vmm.SectionWritable, nil, 0)
	if serr != nil {
		kern.Accountant.Free(va, size)
		return nil, serr
	}

	return &Buffer{
		mm:      m,
		space:   kern,
		flags:   FlagMapped | FlagVirtuallyContiguous,
		size:    size,
		section: s,
		fragments: []Fragment{{
			VirtualAddress:  va,
			PhysicalAddress: mem.InvalidPhysicalAddress,
			Size:            size,
		}},
	}, nil
}

// AllocateUninitialized builds buffer metadata with no pages behind it; the
// caller fills it with AppendPage or SetPageCacheEntry.
func AllocateUninitialized(m *vmm.Manager, size mem.Size) *Buffer {
	return &Buffer{
		mm:      m,
		space:   m.KernelSpace(),
		flags:   FlagExtendable,
		entries: make([]pagecache.Entry, 0, size.AlignUp().Pages()),
	}
}

// FromKernelBuffer wraps an existing kernel virtual range.
func FromKernelBuffer(m *vmm.Manager, va mem.VirtualAddress, size mem.Size) (*Buffer, *kernel.Error) {
	if size == 0 || va < mem.KernelVirtualBase {
		return nil, ErrInvalidParameter
	}
	return &Buffer{
		mm:    m,
		space: m.KernelSpace(),
		flags: FlagMapped | FlagVirtuallyContiguous,
		size:  size,
		fragments: []Fragment{{
			VirtualAddress:  va,
			PhysicalAddress: mem.InvalidPhysicalAddress,
			Size:            size,
		}},
	}, nil
}

// FromUserBuffer wraps a user virtual range in the given address space. The
// physical pages are resolved at Lock time.
func FromUserBuffer(m *vmm.Manager, space *vmm.AddressSpace, va mem.VirtualAddress, size mem.Size) (*Buffer, *kernel.Error) {
	if size == 0 || uint64(va)+uint64(size) > uint64(mem.MaxUserAddress)+1 {
		return nil, ErrInvalidParameter
	}
	return &Buffer{
		mm:    m,
		space: space,
		flags: FlagMapped | FlagVirtuallyContiguous | FlagUserMode,
		size:  size,
		fragments: []Fragment{{
			VirtualAddress:  va,
			PhysicalAddress: mem.InvalidPhysicalAddress,
			Size:            size,
		}},
	}, nil
}

// Vector is one segment of a vectored request.
type Vector struct {
	Base mem.VirtualAddress
	Size mem.Size
}

// FromVector assembles a buffer from an iovec-shaped list, validating each
// segment against the user/kernel boundary and coalescing adjacent ones.
func FromVector(m *vmm.Manager, space *vmm.AddressSpace, vectors []Vector, inKernel bool) (*Buffer, *kernel.Error) {
	if len(vectors) == 0 {
		return nil, ErrInvalidParameter
	}

	b := &Buffer{
		mm:    m,
		space: space,
		flags: FlagMapped,
	}
	if !inKernel {
		b.flags |= FlagUserMode
	}
	for _, v := range vectors {
		if v.Size == 0 {
			continue
		}
		end := uint64(v.Base) + uint64(v.Size)
		if !inKernel && end > uint64(mem.MaxUserAddress)+1 {
			return nil, ErrInvalidParameter
		}
		if inKernel && v.Base < mem.KernelVirtualBase {
			return nil, ErrInvalidParameter
		}
		if n := len(b.fragments); n > 0 &&
			b.fragments[n-1].VirtualAddress.Add(b.fragments[n-1].Size) == v.Base {
			b.fragments[n-1].Size += v.Size
		} else {
			b.fragments = append(b.fragments, Fragment{
				VirtualAddress:  v.Base,
				PhysicalAddress: mem.InvalidPhysicalAddress,
				Size:            v.Size,
			})
		}
		b.size += v.Size
	}
	if len(b.fragments) == 0 {
		return nil, ErrInvalidParameter
	}
	if len(b.fragments) == 1 {
		b.flags |= FlagVirtuallyContiguous
	}
	return b, nil
}

// Initialize fills a caller-supplied buffer over one piece of memory. The
// range may span several virtual pages but at most one physical page.
func Initialize(b *Buffer, m *vmm.Manager, va mem.VirtualAddress, pa mem.PhysicalAddress, size mem.Size) *kernel.Error {
	if size == 0 {
		return ErrInvalidParameter
	}
	if pa != mem.InvalidPhysicalAddress && uint64(pa.PageOffset())+uint64(size) > uint64(mem.PageSize) {
		return ErrInvalidParameter
	}

	*b = Buffer{
		mm:    m,
		space: m.KernelSpace(),
		flags: FlagVirtuallyContiguous,
		size:  size,
		fragments: []Fragment{{
			VirtualAddress:  va,
			PhysicalAddress: pa,
			Size:            size,
		}},
	}
	if va != 0 {
		b.flags |= FlagMapped
	}
	return nil
}

// coalesce builds a fragment list for pages mapped consecutively at va,
// merging physically adjacent neighbors.
func coalesce(va mem.VirtualAddress, pas []mem.PhysicalAddress) []Fragment {
	var fragments []Fragment
	for i, pa := range pas {
		pageVA := va.Add(mem.Size(i) * mem.PageSize)
		if n := len(fragments); n > 0 &&
			fragments[n-1].PhysicalAddress.Add(fragments[n-1].Size) == pa &&
			fragments[n-1].VirtualAddress.Add(fragments[n-1].Size) == pageVA {
			fragments[n-1].Size += mem.PageSize
			continue
		}
		fragments = append(fragments, Fragment{
			VirtualAddress:  pageVA,
			PhysicalAddress: pa,
			Size:            mem.PageSize,
		})
	}
	return fragments
}
