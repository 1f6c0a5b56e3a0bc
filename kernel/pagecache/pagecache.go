// Package pagecache defines the surface the memory manager consumes from the
// page cache. Entries are opaque: the cache owns their lifetime, the memory
// manager only references them, maps them and marks them dirty. The package
// also carries an in-memory cache implementation used by shared file mappings
// in tests and by boot-time callers that have no real file system yet.
package pagecache

import (
	"sync"

	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
)

var (
	// ErrNoEntry is returned when a backing has no resident entry at the
	// requested offset.
	ErrNoEntry = &kernel.Error{Module: "pagecache", Message: "no page cache entry at offset"}

	// ErrReadBeyondEnd is returned when a read starts past the end of the
	// backing file.
	ErrReadBeyondEnd = &kernel.Error{Module: "pagecache", Message: "read beyond end of backing"}
)

// Entry is one physically resident page of a cached file.
type Entry interface {
	// PhysicalAddress returns the physical page holding the data.
	PhysicalAddress() mem.PhysicalAddress

	// VirtualAddress returns the cache's preferred kernel mapping for the
	// page, or zero if none was set.
	VirtualAddress() mem.VirtualAddress

	// SetVirtualAddress records the kernel mapping chosen for the page so
	// later mappers can share it.
	SetVirtualAddress(va mem.VirtualAddress)

	// MarkDirty flags the page as needing writeback.
	MarkDirty()

	// Dirty reports whether the page needs writeback.
	Dirty() bool

	// AddReference takes a reference on the entry.
	AddReference()

	// ReleaseReference drops a reference on the entry.
	ReleaseReference()
}

// Backing is the per-file surface consumed by image sections: resident-page
// lookup, raw reads for private image-backed pages, writeback, and the list
// of sections mapping the file.
type Backing interface {
	// EntryAt returns the resident entry at the given byte offset, or
	// ErrNoEntry.
	EntryAt(offset uint64) (Entry, *kernel.Error)

	// LoadEntry returns the entry at the given byte offset, creating it
	// and reading the file contents if it is not resident.
	LoadEntry(offset uint64) (Entry, *kernel.Error)

	// Read copies file contents starting at offset into dst. Short reads
	// past end-of-file are zero filled.
	Read(offset uint64, dst []byte) *kernel.Error

	// Flush writes dirty entries intersecting [offset, offset+size) back
	// to the file. If sync is set the call does not return until the
	// write completed.
	Flush(offset uint64, size mem.Size, sync bool) *kernel.Error

	// Writable reports whether shared-writable mappings of this backing
	// are permitted.
	Writable() bool

	// Sections returns the list of image sections mapping this backing.
	Sections() *SectionList
}

// SectionList tracks the image sections mapping one backing, under its own
// lock. Elements are opaque to this package.
type SectionList struct {
	mutex    sync.Mutex
	sections []interface{}
}

// Add appends a section reference to the list.
func (l *SectionList) Add(section interface{}) {
	l.mutex.Lock()
	l.sections = append(l.sections, section)
	l.mutex.Unlock()
}

// Remove deletes a section reference from the list.
func (l *SectionList) Remove(section interface{}) {
	l.mutex.Lock()
	for i, candidate := range l.sections {
		if candidate == section {
			l.sections = append(l.sections[:i], l.sections[i+1:]...)
			break
		}
	}
	l.mutex.Unlock()
}

// ForEach invokes the callback for every section on the list. The callback
// runs with the list lock held and must not reenter the list.
func (l *SectionList) ForEach(visit func(section interface{}) bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for _, section := range l.sections {
		if !visit(section) {
			return
		}
	}
}

// Len returns the number of sections on the list.
func (l *SectionList) Len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.sections)
}
