package pmm

import "math/bits"

// WarningLevel quantizes physical memory pressure.
type WarningLevel int

// Warning levels, in increasing severity.
const (
	WarningNone WarningLevel = iota
	WarningLevel2
	WarningLevel1
)

// Physical warning thresholds, in percent of total pages allocated. Each
// level has a high and a low watermark for hysteresis.
const (
	warningLevel1HighPercent = 97
	warningLevel1LowPercent  = 95
	warningLevel2HighPercent = 90
	warningLevel2LowPercent  = 87

	// warningCountMaskPercent sizes the wrapping counter mask: the level
	// is recomputed once this share of total pages has been allocated or
	// freed since the last check.
	warningCountMaskPercent = 1
)

type warningState struct {
	level WarningLevel

	level1HighPages uint64
	level1LowPages  uint64
	level2HighPages uint64
	level2LowPages  uint64

	countMask  uint64
	sinceCheck uint64
}

// initWarningLocked sizes the thresholds from the total page count.
func (db *Database) initWarningLocked() {
	w := &db.warning
	w.level = WarningNone
	w.level1HighPages = db.totalPages * warningLevel1HighPercent / 100
	w.level1LowPages = db.totalPages * warningLevel1LowPercent / 100
	w.level2HighPages = db.totalPages * warningLevel2HighPercent / 100
	w.level2LowPages = db.totalPages * warningLevel2LowPercent / 100

	count := db.totalPages * warningCountMaskPercent / 100
	if count == 0 {
		count = 1
	}
	w.countMask = 1<<(bits.Len64(count)-1) - 1
}

// WarningLevel returns the current physical warning level.
func (db *Database) WarningLevel() WarningLevel {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	return db.warning.level
}

func (db *Database) accountAllocatedLocked(pages uint64) {
	db.maybeUpdateWarningLocked(pages)
}

func (db *Database) accountFreedLocked(pages uint64) {
	db.maybeUpdateWarningLocked(pages)
}

// maybeUpdateWarningLocked recomputes the level once enough pages have moved
// since the last check, pulsing the warning event on transitions.
func (db *Database) maybeUpdateWarningLocked(pages uint64) {
	w := &db.warning
	w.sinceCheck += pages
	if w.sinceCheck <= w.countMask && pages <= w.countMask {
		return
	}
	w.sinceCheck = 0

	allocated := db.totalPages - db.freePages
	level := w.level
	switch w.level {
	case WarningLevel1:
		if allocated < w.level1LowPages {
			if allocated >= w.level2HighPages {
				level = WarningLevel2
			} else {
				level = WarningNone
			}
		}

	case WarningLevel2:
		if allocated >= w.level1HighPages {
			level = WarningLevel1
		} else if allocated < w.level2LowPages {
			level = WarningNone
		}

	default:
		if allocated >= w.level1HighPages {
			level = WarningLevel1
		} else if allocated >= w.level2HighPages {
			level = WarningLevel2
		}
	}

	if level != w.level {
		w.level = level
		db.warningEvent.Pulse()
	}
}
