// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the channel and TSG lifecycle on top of the runlist
// controller.
package fifo

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/Seagate/gpu-runlist-lib/pkg/runlist"
)

// OpenTSG allocates a TSG on a runlist and binds it to the default domain. A
// zero timeslice selects runlist.TSG_TIMESLICE_DEFAULT_US.
func (s *Subsystem) OpenTSG(runlistID uint32, level runlist.InterleaveLevel, timesliceUs uint32) (*runlist.TSG, error) {
	if timesliceUs == 0 {
		timesliceUs = runlist.TSG_TIMESLICE_DEFAULT_US
	}
	d, err := s.domainFor(runlistID, runlist.DEFAULT_DOMAIN_NAME)
	if err != nil {
		return nil, err
	}
	tsg, err := s.C.NewTSG(runlistID, level, timesliceUs)
	if err != nil {
		return nil, err
	}
	tsg.SetDomain(d)
	return tsg, nil
}

// BindDomain moves the TSG to another domain of its runlist. None of its
// channels may be scheduled.
func (s *Subsystem) BindDomain(tsg *runlist.TSG, name string) error {
	if n := tsg.NumActiveChannels(); n != 0 {
		return fmt.Errorf("tsg %d has %d active channels", tsg.ID, n)
	}
	d, err := s.domainFor(tsg.Runlist().ID, name)
	if err != nil {
		return err
	}
	tsg.SetDomain(d)
	klog.V(runlist.DBG_LVL_INFO).InfoS("tsg bound to domain", "tsg", tsg.ID, "domain", name)
	return nil
}

// CloseTSG releases a TSG that has no channels left.
func (s *Subsystem) CloseTSG(tsg *runlist.TSG) error {
	return s.C.ReleaseTSG(tsg)
}

func (s *Subsystem) OpenChannel(runlistID uint32) (*runlist.Channel, error) {
	return s.C.NewChannel(runlistID)
}

func (s *Subsystem) BindChannel(tsg *runlist.TSG, ch *runlist.Channel) error {
	return tsg.Bind(ch)
}

// EnableChannel schedules the channel in its TSG's domain and waits for the
// hardware to pick up the new runlist.
func (s *Subsystem) EnableChannel(ctx context.Context, ch *runlist.Channel) error {
	return s.C.Update(ctx, ch, true, true)
}

func (s *Subsystem) DisableChannel(ctx context.Context, ch *runlist.Channel) error {
	return s.C.Update(ctx, ch, false, true)
}

// CloseChannel removes the channel from the runlist, unbinds it and releases
// its id. A failed runlist update is returned after the channel is gone.
func (s *Subsystem) CloseChannel(ctx context.Context, ch *runlist.Channel) error {
	var errs []error
	if tsg := ch.TSG(); tsg != nil {
		if err := s.DisableChannel(ctx, ch); err != nil {
			klog.ErrorS(err, "channel close: runlist update failed", "channel", ch.ID)
			errs = append(errs, err)
		}
		if err := tsg.Unbind(ch); err != nil {
			return errors.Join(append(errs, err)...)
		}
	}
	if err := s.C.ReleaseChannel(ch); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SetInterleave changes the TSG level and reloads its domain.
func (s *Subsystem) SetInterleave(ctx context.Context, tsg *runlist.TSG, level runlist.InterleaveLevel) error {
	if err := tsg.SetInterleaveLevel(level); err != nil {
		return err
	}
	return s.reloadTSG(ctx, tsg)
}

// SetTimeslice changes the TSG timeslice and reloads its domain.
func (s *Subsystem) SetTimeslice(ctx context.Context, tsg *runlist.TSG, us uint32) error {
	if us == 0 {
		return fmt.Errorf("tsg %d: zero timeslice", tsg.ID)
	}
	tsg.SetTimesliceUs(us)
	return s.reloadTSG(ctx, tsg)
}

func (s *Subsystem) reloadTSG(ctx context.Context, tsg *runlist.TSG) error {
	d := tsg.Domain()
	if d == nil {
		return nil
	}
	return s.C.Reload(ctx, tsg.Runlist(), d, true, true)
}

// SetRunlistsEnabled enables or disables scheduling on the runlists in mask.
func (s *Subsystem) SetRunlistsEnabled(mask uint32, enabled bool) {
	state := runlist.RUNLIST_DISABLED
	if enabled {
		state = runlist.RUNLIST_ENABLED
	}
	s.C.SetState(mask, state)
}

// Reschedule restarts the runlist of ch from its first entry, optionally
// preempting the current TSG.
func (s *Subsystem) Reschedule(ctx context.Context, ch *runlist.Channel, preemptNext bool) error {
	return s.C.Reschedule(ctx, ch, preemptNext, true)
}
