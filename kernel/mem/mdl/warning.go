package mdl

import (
	"github.com/minoca/os-sub007/kernel/event"
	"github.com/minoca/os-sub007/kernel/mem"
)

// Virtual address-space warning thresholds. Small address spaces (4 GiB of
// total accounted space or less) trip earlier than large ones.
const (
	smallSpaceLimit         = 4 * mem.Gb
	smallSpaceLevel1Trigger = 512 * mem.Mb
	smallSpaceLevel1Retreat = 768 * mem.Mb
	largeSpaceLevel1Trigger = 1 * mem.Gb
	largeSpaceLevel1Retreat = 2 * mem.Gb
)

// InitWarning arms virtual-memory warning tracking, sizing the level-1
// trigger and retreat thresholds from the accountant's current total space.
// Transitions pulse the supplied event.
func (a *Accountant) InitWarning(warningEvent *event.Event) {
	a.mutex.Lock()
	a.warningEvent = warningEvent
	if a.totalSpace <= smallSpaceLimit {
		a.level1Trigger = smallSpaceLevel1Trigger
		a.level1Retreat = smallSpaceLevel1Retreat
	} else {
		a.level1Trigger = largeSpaceLevel1Trigger
		a.level1Retreat = largeSpaceLevel1Retreat
	}
	a.warningLevel = WarningNone
	a.updateWarningLocked()
	a.mutex.Unlock()
}

// WarningLevel returns the current virtual warning level.
func (a *Accountant) WarningLevel() WarningLevel {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.warningLevel
}

// updateWarningLocked recomputes the warning level, pulsing the warning
// event when the quantized level crosses a trigger or retreat boundary.
func (a *Accountant) updateWarningLocked() {
	if a.warningEvent == nil {
		return
	}

	level := a.warningLevel
	switch level {
	case WarningLevel1:
		if a.freeSpace >= a.level1Retreat {
			level = WarningNone
		}
	default:
		if a.freeSpace < a.level1Trigger {
			level = WarningLevel1
		}
	}

	// Level 2 reflects fragmentation rather than volume: the largest
	// size-class bin holding no descriptors means big allocations are
	// about to start failing.
	if level == WarningNone && len(a.bins[binCount-1]) == 0 {
		level = WarningLevel2
	}

	if level != a.warningLevel {
		a.warningLevel = level
		a.warningEvent.Pulse()
	}
}
