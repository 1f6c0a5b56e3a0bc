// Package physmem provides the backing store that stands in for physical
// memory. The page database hands out physical addresses that resolve to
// offsets within a Slab; everything above it reads and writes page contents
// through Slab.Bytes.
package physmem

import (
	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
)

var (
	// ErrOutOfRange is returned when a requested physical range falls
	// outside the slab.
	ErrOutOfRange = &kernel.Error{Module: "physmem", Message: "physical range outside backing slab"}
)

// Slab models the contents of physical memory as a flat byte store indexed by
// physical address.
type Slab interface {
	// Bytes returns a mutable view of the given physical range.
	Bytes(pa mem.PhysicalAddress, size mem.Size) ([]byte, *kernel.Error)

	// Size returns the extent of the slab. Physical addresses in
	// [0, Size) are valid.
	Size() mem.Size

	// Release frees the resources backing the slab.
	Release()
}

type anonymousSlab struct {
	data []byte
}

// NewAnonymous creates a slab backed by ordinary allocated memory.
func NewAnonymous(size mem.Size) Slab {
	return &anonymousSlab{data: make([]byte, size)}
}

func (s *anonymousSlab) Bytes(pa mem.PhysicalAddress, size mem.Size) ([]byte, *kernel.Error) {
	end := uint64(pa) + uint64(size)
	if end < uint64(pa) || end > uint64(len(s.data)) {
		return nil, ErrOutOfRange
	}
	return s.data[pa:end], nil
}

func (s *anonymousSlab) Size() mem.Size {
	return mem.Size(len(s.data))
}

func (s *anonymousSlab) Release() {
	s.data = nil
}
