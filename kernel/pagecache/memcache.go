package pagecache

import (
	"sync"
	"sync/atomic"

	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/physmem"
)

// PageSource supplies and reclaims the physical pages behind cache entries.
// The boot glue wires these to the page database.
type PageSource struct {
	Slab     physmem.Slab
	Allocate func(entry Entry) (mem.PhysicalAddress, *kernel.Error)
	Free     func(pa mem.PhysicalAddress)
}

// FlushRecord captures one writeback issued against a memory backing.
type FlushRecord struct {
	Offset uint64
	Size   mem.Size
	Sync   bool
}

// memEntry is the in-memory cache's Entry implementation.
type memEntry struct {
	backing *MemBacking
	offset  uint64
	pa      mem.PhysicalAddress

	refCount int32
	dirty    uint32

	mutex sync.Mutex
	va    mem.VirtualAddress
}

func (e *memEntry) PhysicalAddress() mem.PhysicalAddress { return e.pa }

func (e *memEntry) VirtualAddress() mem.VirtualAddress {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.va
}

func (e *memEntry) SetVirtualAddress(va mem.VirtualAddress) {
	e.mutex.Lock()
	e.va = va
	e.mutex.Unlock()
}

func (e *memEntry) MarkDirty() {
	atomic.StoreUint32(&e.dirty, 1)
}

func (e *memEntry) Dirty() bool {
	return atomic.LoadUint32(&e.dirty) != 0
}

func (e *memEntry) AddReference() {
	atomic.AddInt32(&e.refCount, 1)
}

func (e *memEntry) ReleaseReference() {
	if atomic.AddInt32(&e.refCount, -1) == 0 {
		e.backing.evict(e)
	}
}

// MemBacking is a Backing whose file contents live in a byte slice. It backs
// shared file mappings in tests and early boot.
type MemBacking struct {
	source   *PageSource
	writable bool

	mutex   sync.Mutex
	data    []byte
	entries map[uint64]*memEntry
	flushes []FlushRecord

	sections SectionList
}

// NewMemBacking creates a backing over the supplied file contents.
func NewMemBacking(source *PageSource, data []byte, writable bool) *MemBacking {
	return &MemBacking{
		source:   source,
		writable: writable,
		data:     data,
		entries:  make(map[uint64]*memEntry),
	}
}

// EntryAt implements Backing.
func (b *MemBacking) EntryAt(offset uint64) (Entry, *kernel.Error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	entry, resident := b.entries[offset&^uint64(mem.PageSize-1)]
	if !resident {
		return nil, ErrNoEntry
	}
	return entry, nil
}

// LoadEntry implements Backing.
func (b *MemBacking) LoadEntry(offset uint64) (Entry, *kernel.Error) {
	offset &^= uint64(mem.PageSize - 1)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if entry, resident := b.entries[offset]; resident {
		return entry, nil
	}
	if offset >= uint64(len(b.data)) {
		return nil, ErrReadBeyondEnd
	}

	entry := &memEntry{backing: b, offset: offset}
	pa, err := b.source.Allocate(entry)
	if err != nil {
		return nil, err
	}
	entry.pa = pa

	page, err := b.source.Slab.Bytes(pa, mem.PageSize)
	if err != nil {
		b.source.Free(pa)
		return nil, err
	}
	n := copy(page, b.data[offset:])
	for i := n; i < len(page); i++ {
		page[i] = 0
	}

	b.entries[offset] = entry
	return entry, nil
}

// Read implements Backing.
func (b *MemBacking) Read(offset uint64, dst []byte) *kernel.Error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if offset >= uint64(len(b.data)) {
		return ErrReadBeyondEnd
	}
	n := copy(dst, b.data[offset:])
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

// Flush implements Backing. Dirty resident pages intersecting the range are
// copied back into the file contents and the request is recorded.
func (b *MemBacking) Flush(offset uint64, size mem.Size, sync bool) *kernel.Error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	end := offset + uint64(size)
	for entryOffset, entry := range b.entries {
		if entryOffset >= end || entryOffset+uint64(mem.PageSize) <= offset {
			continue
		}
		if !entry.Dirty() {
			continue
		}
		page, err := b.source.Slab.Bytes(entry.pa, mem.PageSize)
		if err != nil {
			return err
		}
		copy(b.data[entryOffset:], page)
		atomic.StoreUint32(&entry.dirty, 0)
	}

	b.flushes = append(b.flushes, FlushRecord{Offset: offset, Size: size, Sync: sync})
	return nil
}

// Writable implements Backing.
func (b *MemBacking) Writable() bool {
	return b.writable
}

// Sections implements Backing.
func (b *MemBacking) Sections() *SectionList {
	return &b.sections
}

// Flushes returns the writeback requests issued so far.
func (b *MemBacking) Flushes() []FlushRecord {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	out := make([]FlushRecord, len(b.flushes))
	copy(out, b.flushes)
	return out
}

// Contents returns the current file contents.
func (b *MemBacking) Contents() []byte {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b *MemBacking) evict(entry *memEntry) {
	b.mutex.Lock()
	resident, ok := b.entries[entry.offset]
	if ok && resident == entry {
		delete(b.entries, entry.offset)
	}
	b.mutex.Unlock()

	if ok {
		b.source.Free(entry.pa)
	}
}
