package vmm

import (
	"github.com/minoca/os-sub007/kernel"
	"github.com/minoca/os-sub007/kernel/mem"
)

// FaultKind describes what the processor reported about a page fault.
type FaultKind uint32

const (
	// FaultWrite is set when the faulting access was a store.
	FaultWrite FaultKind = 1 << iota

	// FaultExecute is set when the faulting access was an instruction
	// fetch.
	FaultExecute

	// FaultProtection is set when the page was present but the access
	// was not permitted; clear means the page was not present.
	FaultProtection

	// FaultUser is set when the access came from user mode.
	FaultUser
)

// RunLevel is the interrupt priority at the time of the fault. Faults above
// RunLevelLow cannot block and are fatal.
type RunLevel uint8

const (
	RunLevelLow RunLevel = iota
	RunLevelDispatch
	RunLevelInterrupt
)

// TrapFrame carries the interrupted context a fault handler may rewrite.
type TrapFrame struct {
	PC   mem.VirtualAddress
	User bool
}

// HandleFault resolves a page fault against the given address space. It
// returns nil when the fault was resolved (the instruction should be
// retried) and ErrAccessViolation when it was delivered as a signal or
// absorbed by a recovery range. Unresolvable kernel faults are fatal.
func (m *Manager) HandleFault(space *AddressSpace, va mem.VirtualAddress, kind FaultKind, level RunLevel, tf *TrapFrame) *kernel.Error {
	// A kernel address fault in a user context may just mean the
	// per-process view of the kernel directory is stale. That repair is
	// legal at any run level.
	if va >= mem.KernelVirtualBase && !space.kernel &&
		space.Tables.SyncKernelDirectory(m.kernel.Tables, va) {
		return nil
	}

	if level > RunLevelLow {
		panicFn(kernel.ErrPageFaultAtHighRunLevel)
		return kernel.ErrPageFaultAtHighRunLevel
	}

	target := space
	if va >= mem.KernelVirtualBase {
		if kind&FaultUser != 0 {
			return m.deliverViolation(space, va, kind, tf)
		}
		target = m.kernel
	}

	for {
		s, offset, err := target.Lookup(va)
		if err != nil {
			return m.deliverViolation(space, va, kind, tf)
		}

		err = m.resolveFault(s, offset, kind)
		s.ReleaseReference()

		switch err {
		case nil:
			m.runDispatch(tf)
			return nil

		case ErrTryAgain, ErrTooLate:
			// The tree changed under us; start over from the
			// lookup.
			continue

		case ErrAccessViolation:
			return m.deliverViolation(space, va, kind, tf)

		default:
			// A kernel-mode access whose page-in failed has nowhere to
			// surface the error; a recovery range absorbs it, anything
			// else is fatal.
			if kind&FaultUser == 0 && (tf == nil || !tf.User) {
				if tf != nil {
					if r, ok := m.recoveryFor(tf.PC); ok {
						tf.PC = r.Failure
						return err
					}
				}
				panicFn(kernel.ErrPageInError)
			}
			return err
		}
	}
}

// resolveFault validates the access against the section and pages in or
// isolates as the fault kind demands.
func (m *Manager) resolveFault(s *Section, offset uint64, kind FaultKind) *kernel.Error {
	s.lock.mutex.Lock()
	flags := s.flags
	s.lock.mutex.Unlock()

	if flags&(SectionDestroying|SectionDestroyed) != 0 {
		return ErrTryAgain
	}
	if flags&accessMask == 0 {
		return ErrAccessViolation
	}
	if kind&FaultWrite != 0 && flags&SectionWritable == 0 {
		return ErrAccessViolation
	}
	if kind&FaultExecute != 0 && flags&SectionExecutable == 0 {
		return ErrAccessViolation
	}

	if kind&FaultWrite != 0 {
		// Shared sections write straight through the cache mapping;
		// everything else must own the page privately before the
		// store retries.
		if flags&SectionShared != 0 {
			return m.pageIn(s, offset, true)
		}
		return m.isolate(s, offset, false)
	}
	return m.pageIn(s, offset, false)
}

// deliverViolation routes an unresolvable fault: a signal for user mode, an
// instruction-pointer redirect for registered kernel recovery ranges, and a
// crash otherwise.
func (m *Manager) deliverViolation(space *AddressSpace, va mem.VirtualAddress, kind FaultKind, tf *TrapFrame) *kernel.Error {
	fromUser := kind&FaultUser != 0 || (tf != nil && tf.User)
	if fromUser {
		m.signalMutex.Lock()
		signal := m.signal
		m.signalMutex.Unlock()
		if signal != nil {
			signal(space, va, kind)
		}
		m.runDispatch(tf)
		return ErrAccessViolation
	}

	if tf != nil {
		if r, ok := m.recoveryFor(tf.PC); ok {
			tf.PC = r.Failure
			return ErrAccessViolation
		}
	}

	panicFn(kernel.ErrPageFault)
	return kernel.ErrPageFault
}

func (m *Manager) runDispatch(tf *TrapFrame) {
	m.signalMutex.Lock()
	dispatch := m.dispatch
	m.signalMutex.Unlock()
	if dispatch != nil && tf != nil {
		dispatch(tf)
	}
}
