// Package blockpool implements private pools of fixed-size cells for
// callers that make many identically-sized allocations: driver command
// rings, packet descriptors and the like. Pools grow by whole segments and
// can optionally trim fully free segments back.
package blockpool

import (
	"sort"
	"sync"

	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/bitvec"
	"github.com/minoca/os-sub007/kernel/mem/iobuf"
	"github.com/minoca/os-sub007/kernel/mem/vmm"
)

var (
	// ErrInvalidParameter is returned for malformed pool requests and for
	// freeing addresses the pool does not own.
	ErrInvalidParameter = &kernel.Error{Module: "blockpool", Message: "invalid block pool request"}

	// ErrNoMemory is returned when the pool is exhausted and cannot
	// expand.
	ErrNoMemory = &kernel.Error{Module: "blockpool", Message: "block pool is out of cells"}
)

// Flags select pool behavior at creation.
type Flags uint32

const (
	// FlagNonPaged backs the pool with pinned memory.
	FlagNonPaged Flags = 1 << iota

	// FlagNonCached maps the pool uncached for device-visible cells.
	FlagNonCached

	// FlagPhysicallyContiguous makes each segment one physical run.
	FlagPhysicallyContiguous

	// FlagTrim releases segments that fall fully free when the rest of
	// the pool holds enough spare capacity.
	FlagTrim

	// FlagNoExpansion fixes the pool at its initial size.
	FlagNoExpansion
)

// segment is one expansion's worth of cells.
type segment struct {
	va     mem.VirtualAddress
	buffer *iobuf.Buffer
	blocks uint64
	free   uint64
	used   *bitvec.Vector
}

// Pool is a block allocator. Segments are kept sorted by base address so
// Free can binary-search the owner of a cell.
type Pool struct {
	mm *vmm.Manager

	blockStride     mem.Size
	alignment       mem.Size
	flags           Flags
	tag             uint32
	expansionBlocks uint64

	mutex         sync.Mutex
	segments      []*segment
	freeBlocks    uint64
	lastExpansion uint64
	cursorSegment int
	cursorBlock   uint64
}

// Create builds a pool of cells of the given size and alignment, populated
// with one initial expansion of expansionBlocks cells.
func Create(m *vmm.Manager, blockSize, alignment mem.Size, expansionBlocks uint64, flags Flags, tag uint32) (*Pool, *kernel.Error) {
	if blockSize == 0 || expansionBlocks == 0 {
		return nil, ErrInvalidParameter
	}
	if alignment == 0 {
		alignment = 1
	}
	if uint64(alignment)&(uint64(alignment)-1) != 0 {
		return nil, ErrInvalidParameter
	}

	stride := (blockSize + alignment - 1) &^ (alignment - 1)
	p := &Pool{
		mm:              m,
		blockStride:     stride,
		alignment:       alignment,
		flags:           flags,
		tag:             tag,
		expansionBlocks: expansionBlocks,
	}
	if err := p.expand(expansionBlocks); err != nil {
		return nil, err
	}
	return p, nil
}

// Tag returns the caller-supplied identification tag.
func (p *Pool) Tag() uint32 { return p.tag }

// FreeBlocks returns the number of unallocated cells.
func (p *Pool) FreeBlocks() uint64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.freeBlocks
}

// SegmentCount returns the number of live segments.
func (p *Pool) SegmentCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.segments)
}

// expand allocates a new segment of at least blocks cells and links it in.
func (p *Pool) expand(blocks uint64) *kernel.Error {
	size := mem.Size(blocks) * p.blockStride
	buffer, err := iobuf.AllocateNonPaged(p.mm, size, &iobuf.Options{
		Alignment:            p.alignment,
		NonCached:            p.flags&FlagNonCached != 0,
		PhysicallyContiguous: p.flags&FlagPhysicallyContiguous != 0,
	})
	if err != nil {
		return err
	}

	s := &segment{
		va:     buffer.Fragment(0).VirtualAddress,
		buffer: buffer,
		blocks: blocks,
		free:   blocks,
		used:   bitvec.New(blocks),
	}

	p.mutex.Lock()
	index := sort.Search(len(p.segments), func(i int) bool {
		return p.segments[i].va > s.va
	})
	p.segments = append(p.segments, nil)
	copy(p.segments[index+1:], p.segments[index:])
	p.segments[index] = s
	p.freeBlocks += blocks
	p.lastExpansion = blocks
	p.mutex.Unlock()
	return nil
}

// Allocate hands out one cell, expanding the pool when empty. The physical
// address is valid for physically contiguous pools.
func (p *Pool) Allocate() (mem.VirtualAddress, mem.PhysicalAddress, *kernel.Error) {
	for {
		p.mutex.Lock()
		if va, pa, ok := p.takeLocked(); ok {
			p.mutex.Unlock()
			return va, pa, nil
		}
		if p.flags&FlagNoExpansion != 0 {
			p.mutex.Unlock()
			return 0, mem.InvalidPhysicalAddress, ErrNoMemory
		}
		grow := p.lastExpansion * 2
		if grow < p.expansionBlocks {
			grow = p.expansionBlocks
		}
		p.mutex.Unlock()

		if err := p.expand(grow); err != nil {
			return 0, mem.InvalidPhysicalAddress, err
		}
	}
}

// takeLocked claims a free cell starting at the rotating cursor. Requires
// the pool mutex.
func (p *Pool) takeLocked() (mem.VirtualAddress, mem.PhysicalAddress, bool) {
	if p.freeBlocks == 0 || len(p.segments) == 0 {
		return 0, mem.InvalidPhysicalAddress, false
	}

	segmentCount := len(p.segments)
	for step := 0; step < segmentCount; step++ {
		index := (p.cursorSegment + step) % segmentCount
		s := p.segments[index]
		if s.free == 0 {
			continue
		}
		start := uint64(0)
		if step == 0 && p.cursorBlock < s.blocks {
			start = p.cursorBlock
		}
		for pass := 0; pass < 2; pass++ {
			for block := start; block < s.blocks; block++ {
				if s.used.Test(block) {
					continue
				}
				s.used.Set(block)
				s.free--
				p.freeBlocks--
				p.cursorSegment = index
				p.cursorBlock = block + 1

				offset := mem.Size(block) * p.blockStride
				va := s.va.Add(offset)
				pa := s.buffer.GetPhysicalAddress(uint64(offset))
				return va, pa, true
			}
			start = 0
		}
	}
	return 0, mem.InvalidPhysicalAddress, false
}

// Free returns a cell to the pool. With the Trim flag, a segment that falls
// fully free is destroyed once the rest of the pool retains a full
// expansion of spare cells; the destruction happens outside the pool lock.
func (p *Pool) Free(va mem.VirtualAddress) *kernel.Error {
	p.mutex.Lock()

	index := sort.Search(len(p.segments), func(i int) bool {
		return p.segments[i].va > va
	})
	if index == 0 {
		p.mutex.Unlock()
		return ErrInvalidParameter
	}
	s := p.segments[index-1]
	offset := uint64(va - s.va)
	block := offset / uint64(p.blockStride)
	if block >= s.blocks || offset%uint64(p.blockStride) != 0 || !s.used.Test(block) {
		p.mutex.Unlock()
		return ErrInvalidParameter
	}

	s.used.Clear(block)
	s.free++
	p.freeBlocks++

	var trimmed *segment
	if p.flags&FlagTrim != 0 && s.free == s.blocks && len(p.segments) > 1 &&
		p.freeBlocks-s.blocks >= p.expansionBlocks {
		p.segments = append(p.segments[:index-1], p.segments[index:]...)
		p.freeBlocks -= s.blocks
		p.cursorSegment = 0
		p.cursorBlock = 0
		trimmed = s
	}
	p.mutex.Unlock()

	if trimmed != nil {
		trimmed.buffer.Free()
	}
	return nil
}

// Destroy releases every segment. Outstanding cells must already be freed.
func (p *Pool) Destroy() {
	p.mutex.Lock()
	segments := p.segments
	p.segments = nil
	p.freeBlocks = 0
	p.mutex.Unlock()

	for _, s := range segments {
		s.buffer.Free()
	}
}
