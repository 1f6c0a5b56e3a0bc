// Package mdl implements the memory accountant: a sorted, coalesced,
// non-overlapping list of typed descriptors covering the virtual layout of a
// process or of the kernel itself. Free descriptors are additionally binned
// by size class to accelerate allocation searches.
package mdl

import (
	"math/bits"

	"github.com/minoca/os-sub007/kernel/mem"
)

// Type describes what a region of address space is used for.
type Type int

// Memory types, in firmware-map order.
const (
	TypeInvalid Type = iota
	TypeReserved
	TypeFree
	TypeFirmwareTemporary
	TypeFirmwarePermanent
	TypeAcpiTables
	TypeAcpiNvStorage
	TypeBad
	TypeLoaderTemporary
	TypeLoaderPermanent
	TypePageTables
	TypeBootPageTables
	TypeMmStructures
	TypeNonPagedPool
	TypePagedPool
	TypeHardware
	TypeIoBuffer
	TypeImageSection
	TypeStack
	maxType
)

var typeNames = [maxType]string{
	"Invalid",
	"Reserved",
	"Free",
	"FirmwareTemporary",
	"FirmwarePermanent",
	"AcpiTables",
	"AcpiNvStorage",
	"Bad",
	"LoaderTemporary",
	"LoaderPermanent",
	"PageTables",
	"BootPageTables",
	"MmStructures",
	"NonPagedPool",
	"PagedPool",
	"Hardware",
	"IoBuffer",
	"ImageSection",
	"Stack",
}

// String returns the name of the memory type.
func (t Type) String() string {
	if t < 0 || t >= maxType {
		return "Unknown"
	}
	return typeNames[t]
}

// IsFree returns true for types that describe unused address space.
func (t Type) IsFree() bool {
	return t == TypeFree
}

// Descriptor describes one contiguous, uniformly-typed region.
type Descriptor struct {
	Base mem.VirtualAddress
	Size mem.Size
	Type Type

	prev, next *Descriptor
}

// End returns the first address past the descriptor.
func (d *Descriptor) End() mem.VirtualAddress {
	return d.Base.Add(d.Size)
}

// binCount partitions free descriptors into size classes of one power of two
// of pages each, with the last bin holding everything larger.
const binCount = 8

// binIndex returns the size-class bin for a free descriptor of the given
// size.
func binIndex(size mem.Size) int {
	pages := size.Pages()
	if pages == 0 {
		return 0
	}
	index := bits.Len64(pages) - 1
	if index >= binCount {
		index = binCount - 1
	}
	return index
}
