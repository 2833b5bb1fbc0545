// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the scheduling domain: a named set of active channels
// and TSGs plus the two runlist buffers holding its assembled entries.
package runlist

import (
	"errors"
	"fmt"
)

// Domain is a named, swappable scheduling configuration of one runlist.
// Everything in it is guarded by the owning runlist's lock.
type Domain struct {
	name    string
	runlist *Runlist

	// mem is rebuilt, memHW is the buffer handed to hardware
	mem   *Mem
	memHW *Mem

	activeChannels *bitmap
	activeTSGs     *bitmap

	freed bool
}

func (d *Domain) Name() string {
	return d.name
}

func (d *Domain) Runlist() *Runlist {
	return d.runlist
}

// AddChannel marks ch and its TSG active. It returns true when the active set
// changed and the buffer must be rebuilt. The runlist lock must be held.
func (d *Domain) AddChannel(ch *Channel) (bool, error) {
	tsg := ch.TSG()
	if tsg == nil {
		return false, fmt.Errorf("channel %d: %w", ch.ID, ErrNoOwningGroup)
	}

	if d.activeChannels.testAndSet(ch.ID) {
		// was already there
		return false, nil
	}
	d.activeTSGs.set(tsg.ID)
	tsg.numActiveChannels.Add(1)
	return true, nil
}

// RemoveChannel is the inverse of AddChannel. The TSG leaves the active set
// together with its last active channel. The runlist lock must be held.
func (d *Domain) RemoveChannel(ch *Channel) (bool, error) {
	tsg := ch.TSG()
	if tsg == nil {
		return false, fmt.Errorf("channel %d: %w", ch.ID, ErrNoOwningGroup)
	}

	if !d.activeChannels.testAndClear(ch.ID) {
		// wasn't there
		return false, nil
	}
	if tsg.numActiveChannels.Add(^uint32(0)) == 0 {
		d.activeTSGs.clear(tsg.ID)
	}
	return true, nil
}

func (d *Domain) ChannelActive(ch *Channel) bool {
	return d.activeChannels.test(ch.ID)
}

func (d *Domain) TSGActive(tsg *TSG) bool {
	return d.activeTSGs.test(tsg.ID)
}

// Rebuild writes the entries of every active TSG into the inactive buffer and
// returns the entry count. With addEntries false the inactive buffer is only
// emptied. On failure the stored count is left untouched.
func (d *Domain) Rebuild(addEntries bool) (uint32, error) {
	c := d.runlist.c
	c.log.V(DBG_LVL_DETAIL).Info("switch to new buffer",
		"runlist", d.runlist.ID, "domain", d.name, "iova", hex(d.mem.buf.IOVA))

	if !addEntries {
		d.mem.count = 0
		return 0, nil
	}

	n, err := c.construct(d, c.params.MaxEntries)
	if err != nil {
		if errors.Is(err, ErrInsufficientCapacity) {
			return 0, fmt.Errorf("runlist %d domain %q: %w", d.runlist.ID, d.name, ErrTooManyEntries)
		}
		return 0, fmt.Errorf("runlist %d domain %q: %w", d.runlist.ID, d.name, err)
	}

	d.mem.count = n
	return n, nil
}

// SwapBuffers makes the freshly built buffer the one submitted next. The
// runlist lock must be held.
func (d *Domain) SwapBuffers() {
	d.mem, d.memHW = d.memHW, d.mem
}

func hex(a any) string {
	return fmt.Sprintf("0x%X", a)
}
