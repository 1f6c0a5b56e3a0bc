package mdl

import (
	"sync"

	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/event"
	"github.com/minoca/os-sub007/kernel/mem"
)

var (
	// ErrNoMemory is returned when no free range satisfies a request.
	ErrNoMemory = &kernel.Error{Module: "mdl", Message: "no address range satisfies the request"}

	// ErrInvalidParameter is returned for unaligned or zero-sized
	// requests and malformed strategies.
	ErrInvalidParameter = &kernel.Error{Module: "mdl", Message: "invalid accountant request"}

	// ErrMemoryConflict is returned when a fixed-address request overlaps
	// a region already in use.
	ErrMemoryConflict = &kernel.Error{Module: "mdl", Message: "fixed address range is in use"}

	// ErrInsufficientResources is returned when the descriptor reserve
	// cannot be refilled.
	ErrInsufficientResources = &kernel.Error{Module: "mdl", Message: "descriptor reserve exhausted"}
)

// DescriptorRefillPages is the number of physical pages requested per
// descriptor-reserve refill of the system accountant.
const DescriptorRefillPages = 16

// Flags alter accountant behavior.
type Flags uint32

const (
	// FlagSystem marks the kernel accountant: it cannot allocate pool to
	// grow its own descriptor list and must run the reserve protocol.
	FlagSystem Flags = 1 << iota

	// FlagNoMap suppresses the unmap callback when ranges are freed.
	FlagNoMap
)

// Strategy selects how Allocate searches for a range.
type Strategy int

// Allocation strategies.
const (
	StrategyInvalid Strategy = iota
	StrategyLowestAddress
	StrategyAnyAddress
	StrategyHighestAddress
	StrategyFixedAddress
	StrategyFixedAddressClobber
)

// Request describes an address-range allocation.
type Request struct {
	// Address is the required base for the fixed strategies.
	Address mem.VirtualAddress

	// Size is the number of bytes to allocate. Must be page aligned.
	Size mem.Size

	// Alignment in bytes; zero means page alignment.
	Alignment mem.Size

	// Min and Max bound the acceptable range. Max of zero means no upper
	// bound; otherwise Max is exclusive.
	Min, Max mem.VirtualAddress

	// Type is the memory type to mark the range with.
	Type Type

	// Strategy selects the search policy.
	Strategy Strategy
}

// RefillFn replenishes the descriptor reserve. Implementations allocate
// physical pages, map them, and call DonateDescriptors on the accountant.
type RefillFn func(pageCount uint64) *kernel.Error

// UnmapFn is invoked after a range is freed so the caller can tear down the
// underlying mappings.
type UnmapFn func(va mem.VirtualAddress, pageCount uint64)

// WarningLevel quantizes how scarce address space has become.
type WarningLevel int

// Warning levels, in increasing severity.
const (
	WarningNone WarningLevel = iota
	WarningLevel2
	WarningLevel1
)

// Accountant tracks the layout of one address space.
type Accountant struct {
	mutex sync.RWMutex
	flags Flags

	head, tail *Descriptor
	bins       [binCount][]*Descriptor

	totalSpace mem.Size
	freeSpace  mem.Size

	// Descriptor reserve protocol for the system accountant.
	reserve   int
	refilling bool
	refill    RefillFn

	unmap UnmapFn

	// Virtual warning machinery; enabled by InitWarning.
	warningEvent  *event.Event
	warningLevel  WarningLevel
	level1Trigger mem.Size
	level1Retreat mem.Size
}

// New creates an empty accountant.
func New(flags Flags) *Accountant {
	return &Accountant{flags: flags}
}

// SetRefill installs the descriptor-reserve refill hook. Only meaningful for
// system accountants.
func (a *Accountant) SetRefill(refill RefillFn) {
	a.refill = refill
}

// SetUnmap installs the unmap callback invoked when ranges are freed.
func (a *Accountant) SetUnmap(unmap UnmapFn) {
	a.unmap = unmap
}

// DonateDescriptors adds spare descriptor capacity to the reserve. Called by
// the refill hook once backing pages are mapped.
func (a *Accountant) DonateDescriptors(count int) {
	a.mutex.Lock()
	a.reserve += count
	a.mutex.Unlock()
}

// DescriptorReserve returns the current spare descriptor count.
func (a *Accountant) DescriptorReserve() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.reserve
}

// ensureReserve tops up the descriptor reserve before an operation that may
// insert. Runs without the accountant lock so that the refill hook may call
// back into the accountant.
func (a *Accountant) ensureReserve(inserts int) *kernel.Error {
	if a.flags&FlagSystem == 0 {
		return nil
	}

	needed := 2*inserts + 2

	a.mutex.Lock()
	if a.reserve >= needed || a.refilling {
		a.mutex.Unlock()
		return nil
	}
	if a.refill == nil {
		a.mutex.Unlock()
		return ErrInsufficientResources
	}
	a.refilling = true
	a.mutex.Unlock()

	err := a.refill(DescriptorRefillPages)

	a.mutex.Lock()
	a.refilling = false
	short := a.reserve < needed
	a.mutex.Unlock()

	if err != nil {
		return err
	}
	if short {
		return ErrInsufficientResources
	}
	return nil
}

// takeDescriptor consumes one descriptor from the reserve.
func (a *Accountant) takeDescriptor(base mem.VirtualAddress, size mem.Size, typ Type) *Descriptor {
	if a.flags&FlagSystem != 0 && a.reserve > 0 {
		a.reserve--
	}
	return &Descriptor{Base: base, Size: size, Type: typ}
}

// releaseDescriptor returns a descriptor to the reserve.
func (a *Accountant) releaseDescriptor(d *Descriptor) {
	if a.flags&FlagSystem != 0 {
		a.reserve++
	}
	d.prev = nil
	d.next = nil
}

// ---- list and bin plumbing; all helpers below require the write lock ----

func (a *Accountant) binAdd(d *Descriptor) {
	if !d.Type.IsFree() {
		return
	}
	index := binIndex(d.Size)
	a.bins[index] = append(a.bins[index], d)
}

func (a *Accountant) binRemove(d *Descriptor) {
	if !d.Type.IsFree() {
		return
	}
	index := binIndex(d.Size)
	bin := a.bins[index]
	for i, candidate := range bin {
		if candidate == d {
			a.bins[index] = append(bin[:i], bin[i+1:]...)
			return
		}
	}
}

// linkAfter inserts d after prev (or at the head when prev is nil) and
// accounts for its space.
func (a *Accountant) linkAfter(prev, d *Descriptor) {
	d.prev = prev
	if prev == nil {
		d.next = a.head
		a.head = d
	} else {
		d.next = prev.next
		prev.next = d
	}
	if d.next == nil {
		a.tail = d
	} else {
		d.next.prev = d
	}

	a.totalSpace += d.Size
	if d.Type.IsFree() {
		a.freeSpace += d.Size
	}
	a.binAdd(d)
}

// unlink removes d from the list and de-accounts its space.
func (a *Accountant) unlink(d *Descriptor) {
	a.binRemove(d)
	a.totalSpace -= d.Size
	if d.Type.IsFree() {
		a.freeSpace -= d.Size
	}

	if d.prev == nil {
		a.head = d.next
	} else {
		d.prev.next = d.next
	}
	if d.next == nil {
		a.tail = d.prev
	} else {
		d.next.prev = d.prev
	}
}

// resize changes a descriptor's extent keeping accounting and bins honest.
func (a *Accountant) resize(d *Descriptor, base mem.VirtualAddress, size mem.Size) {
	a.binRemove(d)
	a.totalSpace += size - d.Size
	if d.Type.IsFree() {
		a.freeSpace += size - d.Size
	}
	d.Base = base
	d.Size = size
	a.binAdd(d)
}

// firstOverlapping returns the first descriptor whose range extends past
// base.
func (a *Accountant) firstOverlapping(base mem.VirtualAddress) *Descriptor {
	for d := a.head; d != nil; d = d.next {
		if d.End() > base {
			return d
		}
	}
	return nil
}

// carve removes all coverage of [base, base+size) from the list, splitting
// descriptors that straddle the boundaries.
func (a *Accountant) carve(base mem.VirtualAddress, size mem.Size) {
	end := base.Add(size)

	d := a.firstOverlapping(base)
	for d != nil && d.Base < end {
		next := d.next

		switch {
		case d.Base >= base && d.End() <= end:
			// Fully covered.
			a.unlink(d)
			a.releaseDescriptor(d)

		case d.Base < base && d.End() > end:
			// The hole is interior; split into a left and right part.
			right := a.takeDescriptor(end, mem.Size(d.End()-end), d.Type)
			a.resize(d, d.Base, mem.Size(base-d.Base))
			a.linkAfter(d, right)

		case d.Base < base:
			// Straddles the left boundary; keep the prefix.
			a.resize(d, d.Base, mem.Size(base-d.Base))

		default:
			// Straddles the right boundary; keep the suffix.
			a.resize(d, end, mem.Size(d.End()-end))
		}

		d = next
	}
}

// insertLocked places a new region, clobbering whatever it overlaps and
// coalescing equal-type neighbors.
func (a *Accountant) insertLocked(base mem.VirtualAddress, size mem.Size, typ Type) {
	a.carve(base, size)

	// Find the predecessor.
	var prev *Descriptor
	for d := a.head; d != nil && d.Base < base; d = d.next {
		prev = d
	}

	d := a.takeDescriptor(base, size, typ)
	a.linkAfter(prev, d)

	// Coalesce with equal-type neighbors that touch.
	if p := d.prev; p != nil && p.Type == typ && p.End() == d.Base {
		a.resize(p, p.Base, p.Size+d.Size)
		a.unlink(d)
		a.releaseDescriptor(d)
		d = p
	}
	if n := d.next; n != nil && n.Type == typ && d.End() == n.Base {
		a.resize(d, d.Base, d.Size+n.Size)
		a.unlink(n)
		a.releaseDescriptor(n)
	}
}

// Add inserts a descriptor, splitting any overlapping existing descriptors
// and coalescing equal-type neighbors.
func (a *Accountant) Add(desc Descriptor) *kernel.Error {
	if desc.Size == 0 || !desc.Base.PageAligned() || !desc.Size.PageAligned() {
		return ErrInvalidParameter
	}
	if desc.Type <= TypeInvalid || desc.Type >= maxType {
		return ErrInvalidParameter
	}
	if err := a.ensureReserve(2); err != nil {
		return err
	}

	a.mutex.Lock()
	a.insertLocked(desc.Base, desc.Size, desc.Type)
	a.updateWarningLocked()
	a.mutex.Unlock()
	return nil
}

// fitInDescriptor returns the lowest conforming address inside a free
// descriptor, or false if the request does not fit.
func fitInDescriptor(d *Descriptor, req *Request) (mem.VirtualAddress, bool) {
	if !d.Type.IsFree() {
		return 0, false
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = mem.PageSize
	}

	start := d.Base
	if req.Min > start {
		start = req.Min
	}
	start = mem.VirtualAddress((uint64(start) + uint64(alignment) - 1) &^ (uint64(alignment) - 1))

	end := d.End()
	if req.Max != 0 && req.Max < end {
		end = req.Max
	}
	if start >= end || mem.Size(end-start) < req.Size {
		return 0, false
	}
	return start, true
}

// highestFit returns the highest conforming address inside a free descriptor.
func highestFit(d *Descriptor, req *Request) (mem.VirtualAddress, bool) {
	if !d.Type.IsFree() {
		return 0, false
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = mem.PageSize
	}

	low := d.Base
	if req.Min > low {
		low = req.Min
	}
	high := d.End()
	if req.Max != 0 && req.Max < high {
		high = req.Max
	}
	if high <= low || mem.Size(high-low) < req.Size {
		return 0, false
	}

	start := mem.VirtualAddress(uint64(high-mem.VirtualAddress(req.Size)) &^ (uint64(alignment) - 1))
	if start < low {
		return 0, false
	}
	return start, true
}

// Allocate finds and marks a range per the request strategy, returning its
// base address.
func (a *Accountant) Allocate(req *Request) (mem.VirtualAddress, *kernel.Error) {
	if req.Size == 0 || !req.Size.PageAligned() {
		return 0, ErrInvalidParameter
	}
	if req.Alignment != 0 && (req.Alignment&(req.Alignment-1) != 0 || !req.Alignment.PageAligned()) {
		return 0, ErrInvalidParameter
	}
	if req.Type <= TypeInvalid || req.Type >= maxType || req.Type.IsFree() {
		return 0, ErrInvalidParameter
	}
	if err := a.ensureReserve(1); err != nil {
		return 0, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	var (
		base  mem.VirtualAddress
		found bool
	)

	switch req.Strategy {
	case StrategyFixedAddress:
		if !req.Address.PageAligned() {
			return 0, ErrInvalidParameter
		}
		if !a.isFreeLocked(req.Address, req.Size) {
			return 0, ErrMemoryConflict
		}
		base, found = req.Address, true

	case StrategyFixedAddressClobber:
		if !req.Address.PageAligned() {
			return 0, ErrInvalidParameter
		}
		base, found = req.Address, true

	case StrategyAnyAddress:
		// Search the size-class bins first; a free descriptor large
		// enough for the request cannot live in a smaller class.
		for index := binIndex(req.Size); index < binCount && !found; index++ {
			for _, d := range a.bins[index] {
				if va, ok := fitInDescriptor(d, req); ok {
					base, found = va, true
					break
				}
			}
		}
		if !found {
			// Alignment or bounds may have disqualified every
			// binned candidate; fall back to a full walk.
			for d := a.head; d != nil; d = d.next {
				if va, ok := fitInDescriptor(d, req); ok {
					base, found = va, true
					break
				}
			}
		}

	case StrategyLowestAddress:
		for d := a.head; d != nil; d = d.next {
			if va, ok := fitInDescriptor(d, req); ok {
				base, found = va, true
				break
			}
		}

	case StrategyHighestAddress:
		for d := a.tail; d != nil; d = d.prev {
			if va, ok := highestFit(d, req); ok {
				base, found = va, true
				break
			}
		}

	default:
		return 0, ErrInvalidParameter
	}

	if !found {
		return 0, ErrNoMemory
	}

	a.insertLocked(base, req.Size, req.Type)
	a.updateWarningLocked()
	return base, nil
}

// AllocateMultiple atomically allocates count discontiguous ranges of the
// same size. Either every range is allocated or none is.
func (a *Accountant) AllocateMultiple(size mem.Size, count int, typ Type) ([]mem.VirtualAddress, *kernel.Error) {
	if size == 0 || !size.PageAligned() || count <= 0 {
		return nil, ErrInvalidParameter
	}
	if typ <= TypeInvalid || typ >= maxType || typ.IsFree() {
		return nil, ErrInvalidParameter
	}
	if err := a.ensureReserve(count); err != nil {
		return nil, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	// Plan all the ranges first so failure leaves the list untouched.
	ranges := make([]mem.VirtualAddress, 0, count)
	for d := a.head; d != nil && len(ranges) < count; d = d.next {
		if !d.Type.IsFree() {
			continue
		}
		for va := d.Base; mem.Size(d.End()-va) >= size && len(ranges) < count; va = va.Add(size) {
			ranges = append(ranges, va)
		}
	}
	if len(ranges) < count {
		return nil, ErrNoMemory
	}

	for _, va := range ranges {
		a.insertLocked(va, size, typ)
	}
	a.updateWarningLocked()
	return ranges, nil
}

// Free marks a range as free, coalesces it, and tears down its mappings
// unless the accountant carries FlagNoMap.
func (a *Accountant) Free(va mem.VirtualAddress, size mem.Size) *kernel.Error {
	if size == 0 || !va.PageAligned() || !size.PageAligned() {
		return ErrInvalidParameter
	}
	if err := a.ensureReserve(1); err != nil {
		return err
	}

	a.mutex.Lock()
	a.insertLocked(va, size, TypeFree)
	a.updateWarningLocked()
	unmap := a.unmap
	noMap := a.flags&FlagNoMap != 0
	a.mutex.Unlock()

	if unmap != nil && !noMap {
		unmap(va, size.Pages())
	}
	return nil
}

// Remove deletes all coverage of a half-open range without inserting
// replacement descriptors.
func (a *Accountant) Remove(va mem.VirtualAddress, size mem.Size) *kernel.Error {
	if size == 0 || !va.PageAligned() || !size.PageAligned() {
		return ErrInvalidParameter
	}
	if err := a.ensureReserve(1); err != nil {
		return err
	}

	a.mutex.Lock()
	a.carve(va, size)
	a.updateWarningLocked()
	a.mutex.Unlock()
	return nil
}

func (a *Accountant) isFreeLocked(va mem.VirtualAddress, size mem.Size) bool {
	return a.coveredBy(va, size, func(t Type) bool { return t.IsFree() })
}

// coveredBy reports whether [va, va+size) is fully covered by descriptors
// whose type satisfies the predicate, with no gaps.
func (a *Accountant) coveredBy(va mem.VirtualAddress, size mem.Size, match func(Type) bool) bool {
	cursor := va
	end := va.Add(size)
	for d := a.firstOverlapping(va); d != nil && cursor < end; d = d.next {
		if d.Base > cursor || !match(d.Type) {
			return false
		}
		cursor = d.End()
	}
	return cursor >= end
}

// IsFree reports whether the entire range is free address space.
func (a *Accountant) IsFree(va mem.VirtualAddress, size mem.Size) bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.isFreeLocked(va, size)
}

// IsAllocated reports whether the entire range is covered by non-free
// descriptors.
func (a *Accountant) IsAllocated(va mem.VirtualAddress, size mem.Size) bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.coveredBy(va, size, func(t Type) bool { return !t.IsFree() })
}

// IsInUse reports whether any part of the range overlaps a non-free
// descriptor.
func (a *Accountant) IsInUse(va mem.VirtualAddress, size mem.Size) bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	end := va.Add(size)
	for d := a.firstOverlapping(va); d != nil && d.Base < end; d = d.next {
		if !d.Type.IsFree() {
			return true
		}
	}
	return false
}

// Iterate walks the descriptor list in address order. The callback must not
// mutate the accountant; returning false stops the walk.
func (a *Accountant) Iterate(visit func(d *Descriptor) bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	for d := a.head; d != nil; d = d.next {
		if !visit(d) {
			return
		}
	}
}

// FreeSpace returns the number of free bytes tracked by the accountant.
func (a *Accountant) FreeSpace() mem.Size {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.freeSpace
}

// TotalSpace returns the number of bytes described by the accountant.
func (a *Accountant) TotalSpace() mem.Size {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.totalSpace
}

// LargestFree returns the size of the largest free descriptor.
func (a *Accountant) LargestFree() mem.Size {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var largest mem.Size
	for d := a.head; d != nil; d = d.next {
		if d.Type.IsFree() && d.Size > largest {
			largest = d.Size
		}
	}
	return largest
}
