// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the four word runlist entry format used from gv11b on.
package ramrl

import (
	"github.com/Seagate/gpu-runlist-lib/pkg/runlist"
)

const GV11B_ENTRY_SIZE = 16

var (
	// word 0
	GV11B_RL_ENTRY_TYPE                  = U32Field{0, 1}
	GV11B_RL_ENTRY_RUNQUEUE_SELECTOR     = U32Field{1, 1}
	GV11B_RL_ENTRY_TSG_TIMESLICE_SCALE   = U32Field{16, 4}
	GV11B_RL_ENTRY_TSG_TIMESLICE_TIMEOUT = U32Field{24, 8}

	// word 1
	GV11B_RL_ENTRY_TSG_LENGTH = U32Field{0, 8}

	// word 2
	GV11B_RL_ENTRY_TSG_TSGID = U32Field{0, 12}
	GV11B_RL_ENTRY_CHID      = U32Field{0, 12}
)

const (
	GV11B_RL_ENTRY_TYPE_CHAN = 0
	GV11B_RL_ENTRY_TYPE_TSG  = 1
)

// GV11B encodes runlist entries for gv11b, tu104, ga10b and ga100.
type GV11B struct{}

func (GV11B) EntrySize() uint32 {
	return GV11B_ENTRY_SIZE
}

func (GV11B) Limits() runlist.EntryLimits {
	return runlist.EntryLimits{
		MaxID:        GV11B_RL_ENTRY_CHID.Max(),
		MaxTSGLength: GV11B_RL_ENTRY_TSG_LENGTH.Max(),
	}
}

func (GV11B) TSGEntry(tsg *runlist.TSG, dst []byte, timeslice uint32) {
	timeout, scale := scaleTimeslice(timeslice, GV11B_RL_ENTRY_TSG_TIMESLICE_TIMEOUT, GV11B_RL_ENTRY_TSG_TIMESLICE_SCALE)
	w0 := GV11B_RL_ENTRY_TYPE.F(GV11B_RL_ENTRY_TYPE_TSG) |
		GV11B_RL_ENTRY_TSG_TIMESLICE_SCALE.F(scale) |
		GV11B_RL_ENTRY_TSG_TIMESLICE_TIMEOUT.F(timeout)
	w1 := GV11B_RL_ENTRY_TSG_LENGTH.F(tsg.NumActiveChannels())
	w2 := GV11B_RL_ENTRY_TSG_TSGID.F(tsg.ID)
	putWords(dst, w0, w1, w2, 0)
}

func (GV11B) ChannelEntry(ch *runlist.Channel, dst []byte) {
	w0 := GV11B_RL_ENTRY_TYPE.F(GV11B_RL_ENTRY_TYPE_CHAN)
	putWords(dst, w0, 0, GV11B_RL_ENTRY_CHID.F(ch.ID), 0)
}

func (GV11B) Decode(entry []byte) runlist.Entry {
	w0 := word(entry, 0)
	if GV11B_RL_ENTRY_TYPE.Read(w0) == GV11B_RL_ENTRY_TYPE_CHAN {
		return runlist.Entry{Kind: runlist.ENTRY_KIND_CHANNEL, ID: GV11B_RL_ENTRY_CHID.Read(word(entry, 2))}
	}
	return runlist.Entry{
		Kind:      runlist.ENTRY_KIND_TSG,
		ID:        GV11B_RL_ENTRY_TSG_TSGID.Read(word(entry, 2)),
		Timeslice: GV11B_RL_ENTRY_TSG_TIMESLICE_TIMEOUT.Read(w0) << GV11B_RL_ENTRY_TSG_TIMESLICE_SCALE.Read(w0),
		Length:    GV11B_RL_ENTRY_TSG_LENGTH.Read(word(entry, 1)),
	}
}
