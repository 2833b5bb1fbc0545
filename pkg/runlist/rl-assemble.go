// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the runlist construction: the flat priority grouping
// and the interleaved LOW/MEDIUM/HIGH replay.
package runlist

import (
	"fmt"
)

// assembler walks one domain and appends entries into its inactive buffer.
// pos and left are the cursor and remaining capacity shared by every level.
type assembler struct {
	c         *Controller
	domain    *Domain
	dst       []byte
	entrySize uint32
	pos       uint32
	left      uint32
}

// construct rebuilds d.mem with at most maxEntries entries and returns the
// number written. The runlist lock must be held.
func (c *Controller) construct(d *Domain, maxEntries uint32) (uint32, error) {
	a := &assembler{
		c:         c,
		domain:    d,
		dst:       d.mem.buf.CPUVA,
		entrySize: c.entrySize,
		left:      maxEntries,
	}
	if uint64(len(a.dst)) < uint64(maxEntries)*uint64(a.entrySize) {
		return 0, fmt.Errorf("runlist buffer of %d bytes holds less than %d entries", len(a.dst), maxEntries)
	}

	if c.params.Interleave {
		return a.appendLow()
	}
	return a.appendFlat()
}

func (a *assembler) next() []byte {
	off := a.pos * a.entrySize
	a.pos++
	a.left--
	return a.dst[off : off+a.entrySize]
}

// appendTSG writes the TSG entry followed by its channels active in the
// domain. A TSG is never split: if the whole group does not fit, nothing of
// it is written.
func (a *assembler) appendTSG(tsg *TSG) (uint32, error) {
	if a.left == 0 {
		return 0, ErrInsufficientCapacity
	}

	tsg.chMu.RLock()
	defer tsg.chMu.RUnlock()

	active := make([]*Channel, 0, len(tsg.channels))
	for _, ch := range tsg.channels {
		if a.domain.activeChannels.test(ch.ID) {
			active = append(active, ch)
		}
	}

	need := uint32(len(active)) + 1
	if need > a.left {
		return 0, ErrInsufficientCapacity
	}

	timeslice, err := a.c.scaler.Scale(tsg.TimesliceUs())
	if err != nil {
		return 0, fmt.Errorf("tsg %d timeslice %d us: %w", tsg.ID, tsg.TimesliceUs(), err)
	}

	a.c.log.V(DBG_LVL_DEEP_DETAIL).Info("add TSG to runlist", "tsg", tsg.ID, "level", tsg.InterleaveLevel().String(), "entriesLeft", a.left)
	a.c.enc.TSGEntry(tsg, a.next(), timeslice)

	for _, ch := range active {
		a.c.log.V(DBG_LVL_DEEP_DETAIL).Info("add channel to runlist", "channel", ch.ID, "entriesLeft", a.left)
		a.c.enc.ChannelEntry(ch, a.next())
	}
	return need, nil
}

// forEachActiveTSG calls fn for every active TSG of the given level in
// ascending id order.
func (a *assembler) forEachActiveTSG(level InterleaveLevel, fn func(tsg *TSG) error) error {
	return a.domain.activeTSGs.forEachSet(func(id uint32) error {
		tsg := a.c.tsgByID(id)
		if tsg == nil {
			a.c.log.Info("active tsg has no backing object, skipped", "tsg", id)
			return nil
		}
		if tsg.InterleaveLevel() != level {
			return nil
		}
		return fn(tsg)
	})
}

func (a *assembler) appendPrio(level InterleaveLevel) (uint32, error) {
	var count uint32
	err := a.forEachActiveTSG(level, func(tsg *TSG) error {
		n, err := a.appendTSG(tsg)
		count += n
		return err
	})
	return count, err
}

// No higher levels; this is where the recursion ends.
func (a *assembler) appendHigh() (uint32, error) {
	return a.appendPrio(INTERLEAVE_LEVEL_HIGH)
}

// Every MEDIUM TSG is preceded by all HIGH TSGs.
func (a *assembler) appendMedium() (uint32, error) {
	var count uint32
	err := a.forEachActiveTSG(INTERLEAVE_LEVEL_MEDIUM, func(tsg *TSG) error {
		n, err := a.appendHigh()
		if err != nil {
			return err
		}
		count += n

		n, err = a.appendTSG(tsg)
		if err != nil {
			return err
		}
		count += n
		return nil
	})
	return count, err
}

// Every LOW TSG is preceded by the MEDIUM pass and then all HIGH TSGs. With
// no LOW TSG the MEDIUM pass is added once, and with no MEDIUM either the HIGH
// pass is added once.
func (a *assembler) appendLow() (uint32, error) {
	var count uint32
	err := a.forEachActiveTSG(INTERLEAVE_LEVEL_LOW, func(tsg *TSG) error {
		n, err := a.appendMedium()
		if err != nil {
			return err
		}
		count += n

		n, err = a.appendHigh()
		if err != nil {
			return err
		}
		count += n

		n, err = a.appendTSG(tsg)
		if err != nil {
			return err
		}
		count += n
		return nil
	})
	if err != nil {
		return 0, err
	}

	if count == 0 {
		count, err = a.appendMedium()
		if err != nil {
			return 0, err
		}
		if count == 0 {
			return a.appendHigh()
		}
	}
	return count, nil
}

// Grouped by priority, HIGH first, no interleaving.
func (a *assembler) appendFlat() (uint32, error) {
	var count uint32
	for i := 0; i < INTERLEAVE_NUM_LEVELS; i++ {
		level := INTERLEAVE_LEVEL_HIGH - InterleaveLevel(i)
		n, err := a.appendPrio(level)
		if err != nil {
			return 0, err
		}
		count += n
	}
	return count, nil
}
