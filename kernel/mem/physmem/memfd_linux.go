//go:build linux

package physmem

import (
	"golang.org/x/sys/unix"

	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
)

var errMemfdFailed = &kernel.Error{Module: "physmem", Message: "memfd slab creation failed"}

type memfdSlab struct {
	fd   int
	data []byte
}

// NewMemfd creates a slab backed by a host memory file. Pages the kernel
// under test never touches stay uncommitted on the host, which keeps large
// simulated physical spaces cheap.
func NewMemfd(size mem.Size) (Slab, *kernel.Error) {
	fd, err := unix.MemfdCreate("physmem", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, errMemfdFailed
	}
	if err = unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, errMemfdFailed
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errMemfdFailed
	}
	return &memfdSlab{fd: fd, data: data}, nil
}

func (s *memfdSlab) Bytes(pa mem.PhysicalAddress, size mem.Size) ([]byte, *kernel.Error) {
	end := uint64(pa) + uint64(size)
	if end < uint64(pa) || end > uint64(len(s.data)) {
		return nil, ErrOutOfRange
	}
	return s.data[pa:end], nil
}

func (s *memfdSlab) Size() mem.Size {
	return mem.Size(len(s.data))
}

func (s *memfdSlab) Release() {
	if s.data != nil {
		unix.Munmap(s.data)
		s.data = nil
	}
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
}
