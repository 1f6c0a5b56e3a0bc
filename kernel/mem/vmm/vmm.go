// Package vmm implements image sections and the page-fault resolver: the
// machinery that turns virtual-address regions into lazily populated,
// copy-on-write-capable mapping trees backed by anonymous memory, the page
// cache and the page file.
package vmm

import (
	"sync"

	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
	"github.com/minoca/os-sub007/kernel/mem/arch"
	"github.com/minoca/os-sub007/kernel/mem/mdl"
	"github.com/minoca/os-sub007/kernel/mem/pmm"
	"github.com/minoca/os-sub007/kernel/pagefile"
)

var (
	// ErrNotFound is returned when no section covers a virtual address.
	ErrNotFound = &kernel.Error{Module: "vmm", Message: "no section covers the address"}

	// ErrTryAgain tells the caller that a locked structure changed while
	// a lock was dropped; retry from the lookup.
	ErrTryAgain = &kernel.Error{Module: "vmm", Message: "section changed while unlocked"}

	// ErrTooLate is returned when attaching to a section that is being
	// or has been destroyed.
	ErrTooLate = &kernel.Error{Module: "vmm", Message: "section is being destroyed"}

	// ErrInvalidParameter is returned for malformed section requests.
	ErrInvalidParameter = &kernel.Error{Module: "vmm", Message: "invalid section request"}

	// ErrAccessDenied is returned when a shared-writable mapping is
	// requested on a backing without write permission.
	ErrAccessDenied = &kernel.Error{Module: "vmm", Message: "backing does not permit shared writes"}

	// ErrAccessViolation is the resolution of a fault that user mode (or
	// a registered kernel recovery range) must absorb.
	ErrAccessViolation = &kernel.Error{Module: "vmm", Message: "access violation"}

	// panicFn is mocked by tests exercising fatal fault paths.
	panicFn = kernel.Panic
)

// SignalFn delivers a fault signal to the process owning an address space.
type SignalFn func(space *AddressSpace, va mem.VirtualAddress, kind FaultKind)

// RecoveryRange describes a kernel code range whose faults are absorbed by
// redirecting the instruction pointer to a failure label. The user-copy
// helpers register themselves here.
type RecoveryRange struct {
	Start, End mem.VirtualAddress
	Failure    mem.VirtualAddress
}

// Manager ties the section machinery to its collaborators: the physical
// page database, the kernel address space and the page file.
type Manager struct {
	db       *pmm.Database
	pageFile *pagefile.Space
	kernel   *AddressSpace

	signalMutex sync.Mutex
	signal      SignalFn
	dispatch    func(tf *TrapFrame)
	recovery    []RecoveryRange
}

// NewManager creates the section manager and its kernel address space. The
// kernel accountant must already describe the kernel virtual layout.
func NewManager(db *pmm.Database, pageFile *pagefile.Space, kernelTables arch.PageTables, kernelAccountant *mdl.Accountant) *Manager {
	m := &Manager{
		db:       db,
		pageFile: pageFile,
	}
	m.kernel = &AddressSpace{
		mm:         m,
		Accountant: kernelAccountant,
		Tables:     kernelTables,
		kernel:     true,
	}
	return m
}

// Database returns the physical page database.
func (m *Manager) Database() *pmm.Database {
	return m.db
}

// KernelSpace returns the kernel address space.
func (m *Manager) KernelSpace() *AddressSpace {
	return m.kernel
}

// PageFile returns the paging space, which may be nil on systems booted
// without one.
func (m *Manager) PageFile() *pagefile.Space {
	return m.pageFile
}

// SetSignalHandler installs the user fault signal hook.
func (m *Manager) SetSignalHandler(fn SignalFn) {
	m.signalMutex.Lock()
	m.signal = fn
	m.signalMutex.Unlock()
}

// SetDispatchHook installs the hook run before a fault returns, where
// pending timers and signals are serviced.
func (m *Manager) SetDispatchHook(fn func(tf *TrapFrame)) {
	m.signalMutex.Lock()
	m.dispatch = fn
	m.signalMutex.Unlock()
}

// RegisterRecoveryRange registers a kernel code range whose faults resolve
// by instruction-pointer redirection instead of a crash.
func (m *Manager) RegisterRecoveryRange(r RecoveryRange) {
	m.signalMutex.Lock()
	m.recovery = append(m.recovery, r)
	m.signalMutex.Unlock()
}

func (m *Manager) recoveryFor(pc mem.VirtualAddress) (RecoveryRange, bool) {
	m.signalMutex.Lock()
	defer m.signalMutex.Unlock()
	for _, r := range m.recovery {
		if pc >= r.Start && pc < r.End {
			return r, true
		}
	}
	return RecoveryRange{}, false
}

// treeLock is the queued lock shared by a section tree. It is allocated
// when the tree root is created; children take a reference when attached.
type treeLock struct {
	mutex sync.Mutex
	refs  int32
}
