// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements runlist updates, reloads, the reschedule fast path and
// the domain tick.
package runlist

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// lockEngineMutex takes the engine mutex if one is configured. Failing to get
// it is logged and ignored. The returned func releases it.
func (c *Controller) lockEngineMutex() func() {
	if c.engMutex == nil {
		return func() {}
	}
	token, err := c.engMutex.Acquire()
	if err != nil {
		c.log.V(DBG_LVL_BASIC).Info("engine mutex not acquired, continuing", "err", err.Error())
		return func() {}
	}
	return func() {
		if err := c.engMutex.Release(token); err != nil {
			c.log.Error(err, "failed to release engine mutex")
		}
	}
}

// submitLocked hands the live buffer of the active domain to hardware.
func (c *Controller) submitLocked(rl *Runlist) {
	d := rl.domain
	if d == nil {
		c.log.Info("runlist has no domain, nothing to submit", "runlist", rl.ID)
		return
	}
	req := SubmitRequest{
		RunlistID: rl.ID,
		Domain:    d.name,
		IOVA:      d.memHW.buf.IOVA,
		Count:     d.memHW.count,
		EntrySize: c.entrySize,
	}
	c.log.V(DBG_LVL_DETAIL).Info("runlist submit", "runlist", rl.ID, "domain", d.name, "iova", hex(req.IOVA), "count", req.Count)
	c.hw.Submit(req)
}

func (c *Controller) updateLocked(ctx context.Context, rl *Runlist, d *Domain, ch *Channel, add, waitForFinish bool) error {
	if d.freed {
		return fmt.Errorf("runlist %d domain %q: %w", rl.ID, d.name, ErrNoSuchDomain)
	}

	addEntries := add
	if ch != nil {
		var changed bool
		var err error
		if add {
			changed, err = d.AddChannel(ch)
		} else {
			changed, err = d.RemoveChannel(ch)
		}
		if err != nil {
			// unsupported condition, but shouldn't break anything
			c.log.Info("warning: runlist update ignored", "runlist", rl.ID, "err", err.Error())
			return nil
		}
		if !changed {
			// no change in runlist contents
			return nil
		}
		// had a channel to update, so reconstruct
		addEntries = true
	}

	if _, err := d.Rebuild(addEntries); err != nil {
		if errors.Is(err, ErrTooManyEntries) {
			return fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
		}
		return err
	}

	// mem becomes the previously scheduled buffer and can be modified once
	// the runlist lock is released
	d.SwapBuffers()

	// a non-active domain may be updated, but the active one is submitted
	c.submitLocked(rl)

	if !waitForFinish {
		return nil
	}

	err := c.hw.WaitPending(ctx, rl.ID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout):
		c.log.Error(err, "runlist update timeout", "runlist", rl.ID)
		return fmt.Errorf("runlist %d: %w", rl.ID, err)
	case errors.Is(err, ErrInterrupted):
		c.log.Error(err, "runlist update interrupted", "runlist", rl.ID)
		return fmt.Errorf("runlist %d: %w", rl.ID, err)
	default:
		return fmt.Errorf("runlist %d wait: %w", rl.ID, err)
	}
}

// UpdateDomain adds or removes ch in domain d and resubmits the runlist. With
// ch nil, add=true rebuilds everything active and add=false clears the
// buffer. A timeout hands the runlist to recovery.
func (c *Controller) UpdateDomain(ctx context.Context, rl *Runlist, d *Domain, ch *Channel, add, waitForFinish bool) error {
	if d == nil || d.runlist != rl {
		return fmt.Errorf("domain does not belong to runlist %d: %w", rl.ID, ErrInvalidRunlist)
	}

	err := func() error {
		rl.mu.Lock()
		defer rl.mu.Unlock()

		release := c.lockEngineMutex()
		defer release()

		return c.updateLocked(ctx, rl, d, ch, add, waitForFinish)
	}()

	if errors.Is(err, ErrTimeout) {
		c.recovery.RunlistUpdateTimeout(rl.ID)
	}
	return err
}

// Update adds or removes ch in the domain its TSG is scheduled in. A TSG
// outside any domain is not participating in scheduling, so there is nothing
// to be done.
func (c *Controller) Update(ctx context.Context, ch *Channel, add, waitForFinish bool) error {
	tsg := ch.TSG()
	if tsg == nil {
		c.log.Info("warning: bare channel in runlist update", "channel", ch.ID)
		return nil
	}
	d := tsg.Domain()
	if d == nil {
		return nil
	}
	return c.UpdateDomain(ctx, ch.runlist, d, ch, add, waitForFinish)
}

// Reload rebuilds (add) or clears (!add) domain d without touching its
// active set.
func (c *Controller) Reload(ctx context.Context, rl *Runlist, d *Domain, add, waitForFinish bool) error {
	return c.UpdateDomain(ctx, rl, d, nil, add, waitForFinish)
}

// ReloadIDs reloads the active domain of every runlist whose id bit is set in
// mask, concurrently, and waits for each to finish.
func (c *Controller) ReloadIDs(ctx context.Context, mask uint32, add bool) error {
	var rls []*Runlist
	for id := uint32(0); id < MAX_RUNLISTS; id++ {
		if mask&(1<<id) == 0 {
			continue
		}
		rl, err := c.Runlist(id)
		if err != nil {
			return err
		}
		rls = append(rls, rl)
	}

	var g errgroup.Group
	for _, rl := range rls {
		rl := rl
		g.Go(func() error {
			err := c.Reload(ctx, rl, rl.ActiveDomain(), add, true)
			if err != nil {
				c.log.Error(err, "failed to update runlist", "runlist", rl.ID)
			}
			return err
		})
	}
	return g.Wait()
}

// Reschedule resubmits the live buffer as-is so hardware restarts from the
// first entry. It never waits for the runlist lock; ErrBusy means someone
// else holds it.
func (c *Controller) Reschedule(ctx context.Context, ch *Channel, preemptNext, waitPreempt bool) error {
	rl := ch.runlist
	if !rl.mu.TryLock() {
		c.busyLog.Do(func() {
			c.log.V(DBG_LVL_DETAIL).Info("runlist busy, reschedule skipped", "runlist", rl.ID)
		})
		return ErrBusy
	}
	defer rl.mu.Unlock()

	release := c.lockEngineMutex()
	defer release()

	c.submitLocked(rl)

	if preemptNext {
		if err := c.hw.PreemptNext(ctx, ch, waitPreempt); err != nil {
			c.log.Error(err, "reschedule preempt next failed", "channel", ch.ID)
		}
	}

	if err := c.hw.WaitPending(ctx, rl.ID); err != nil {
		c.log.Error(err, "wait pending failed", "runlist", rl.ID)
	}
	return nil
}

func (c *Controller) selectLocked(rl *Runlist, next *Domain) {
	c.log.V(DBG_LVL_INFO).Info("switching domain", "runlist", rl.ID, "domain", next.name)
	rl.domain = next

	if c.power != nil {
		if c.power.IsPoweredOff() {
			c.log.V(DBG_LVL_INFO).Info("power is off, skip submit", "runlist", rl.ID)
			return
		}
		if err := c.power.Busy(); err != nil {
			// probably shutting down, don't bother propagating
			c.log.Error(err, "failed to hold power for runlist submit", "runlist", rl.ID)
			return
		}
		defer c.power.Idle()
	}

	// just submit the buffer built by the last update of this domain
	c.submitLocked(rl)
}

// switchDomainLocked advances to the next domain in creation order, wrapping
// around after the last one.
func (c *Controller) switchDomainLocked(rl *Runlist) {
	if len(rl.domains) == 0 {
		return
	}
	next := rl.domains[0]
	for i, d := range rl.domains {
		if d == rl.domain && i+1 < len(rl.domains) {
			next = rl.domains[i+1]
			break
		}
	}
	if next != rl.domain {
		c.selectLocked(rl, next)
	}
}

// Tick rotates every runlist to its next domain.
func (c *Controller) Tick() {
	c.log.V(DBG_LVL_DEEP_DETAIL).Info("domain tick")
	for _, rl := range c.runlists {
		rl.mu.Lock()
		c.switchDomainLocked(rl)
		rl.mu.Unlock()
	}
}
