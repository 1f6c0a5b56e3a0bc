// Package pagefile abstracts the paging device. The memory manager sees page
// file space as opaque (store, block) pairs: a Store moves whole pages in and
// out, and a Space hands out blocks from a bitmap of the store's capacity.
package pagefile

import (
	"sync"

	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/bitvec"
)

var (
	// ErrNoSpace is returned when the page file has no free blocks left.
	ErrNoSpace = &kernel.Error{Module: "pagefile", Message: "page file is full"}

	// ErrBadBlock is returned for block numbers outside the store.
	ErrBadBlock = &kernel.Error{Module: "pagefile", Message: "block number out of range"}
)

// Store is the device-side interface: whole-page transfers plus flush.
type Store interface {
	// ReadPage reads the block's page into dst.
	ReadPage(block uint64, dst []byte) *kernel.Error

	// WritePage writes src into the block's page.
	WritePage(block uint64, src []byte) *kernel.Error

	// Flush commits written blocks in [offset, offset+size) to stable
	// storage.
	Flush(offset uint64, size mem.Size, sync bool) *kernel.Error
}

// Space allocates page file blocks out of a store.
type Space struct {
	store  Store
	blocks uint64

	mutex sync.Mutex
	used  *bitvec.Vector
	free  uint64
}

// NewSpace creates a block allocator over the first blockCount pages of the
// store.
func NewSpace(store Store, blockCount uint64) *Space {
	return &Space{
		store:  store,
		blocks: blockCount,
		used:   bitvec.New(blockCount),
		free:   blockCount,
	}
}

// Store returns the underlying paging device.
func (s *Space) Store() Store {
	return s.store
}

// FreeBlocks returns the number of unallocated blocks.
func (s *Space) FreeBlocks() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.free
}

// Allocate reserves one block.
func (s *Space) Allocate() (uint64, *kernel.Error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.free == 0 {
		return 0, ErrNoSpace
	}
	for block := uint64(0); block < s.blocks; block++ {
		if !s.used.Test(block) {
			s.used.Set(block)
			s.free--
			return block, nil
		}
	}
	return 0, ErrNoSpace
}

// Free releases a block back to the space.
func (s *Space) Free(block uint64) *kernel.Error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if block >= s.blocks || !s.used.Test(block) {
		return ErrBadBlock
	}
	s.used.Clear(block)
	s.free++
	return nil
}

// MemoryStore is a Store kept entirely in memory, used by tests and by the
// pressure scenarios before a real paging device exists.
type MemoryStore struct {
	mutex  sync.Mutex
	pages  map[uint64][]byte
	writes uint64
	reads  uint64
}

// NewMemoryStore creates an empty in-memory paging device.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pages: make(map[uint64][]byte)}
}

// ReadPage implements Store.
func (m *MemoryStore) ReadPage(block uint64, dst []byte) *kernel.Error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.reads++
	page, ok := m.pages[block]
	if !ok {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	copy(dst, page)
	return nil
}

// WritePage implements Store.
func (m *MemoryStore) WritePage(block uint64, src []byte) *kernel.Error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.writes++
	page := make([]byte, mem.PageSize)
	copy(page, src)
	m.pages[block] = page
	return nil
}

// Flush implements Store. Memory stores are always consistent.
func (m *MemoryStore) Flush(offset uint64, size mem.Size, sync bool) *kernel.Error {
	return nil
}

// Writes returns the number of pages written so far.
func (m *MemoryStore) Writes() uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.writes
}

// Reads returns the number of pages read so far.
func (m *MemoryStore) Reads() uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.reads
}
