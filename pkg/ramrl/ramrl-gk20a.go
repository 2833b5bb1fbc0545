// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the two word runlist entry format of gk20a and gm20b.
package ramrl

import (
	"github.com/Seagate/gpu-runlist-lib/pkg/runlist"
)

const GK20A_ENTRY_SIZE = 8

// word 0 layout
var (
	GK20A_RL_ENTRY_ID                = U32Field{0, 12}
	GK20A_RL_ENTRY_TYPE              = U32Field{13, 1}
	GK20A_RL_ENTRY_TIMESLICE_SCALE   = U32Field{14, 4}
	GK20A_RL_ENTRY_TIMESLICE_TIMEOUT = U32Field{18, 8}
	GK20A_RL_ENTRY_TSG_LENGTH        = U32Field{26, 6}
)

const (
	GK20A_RL_ENTRY_TYPE_CHID = 0
	GK20A_RL_ENTRY_TYPE_TSG  = 1
)

// GK20A encodes runlist entries for gk20a and gm20b.
type GK20A struct{}

func (GK20A) EntrySize() uint32 {
	return GK20A_ENTRY_SIZE
}

func (GK20A) Limits() runlist.EntryLimits {
	return runlist.EntryLimits{
		MaxID:        GK20A_RL_ENTRY_ID.Max(),
		MaxTSGLength: GK20A_RL_ENTRY_TSG_LENGTH.Max(),
	}
}

func (GK20A) TSGEntry(tsg *runlist.TSG, dst []byte, timeslice uint32) {
	timeout, scale := scaleTimeslice(timeslice, GK20A_RL_ENTRY_TIMESLICE_TIMEOUT, GK20A_RL_ENTRY_TIMESLICE_SCALE)
	w0 := GK20A_RL_ENTRY_ID.F(tsg.ID) |
		GK20A_RL_ENTRY_TYPE.F(GK20A_RL_ENTRY_TYPE_TSG) |
		GK20A_RL_ENTRY_TIMESLICE_SCALE.F(scale) |
		GK20A_RL_ENTRY_TIMESLICE_TIMEOUT.F(timeout) |
		GK20A_RL_ENTRY_TSG_LENGTH.F(tsg.NumActiveChannels())
	putWords(dst, w0, 0)
}

func (GK20A) ChannelEntry(ch *runlist.Channel, dst []byte) {
	putWords(dst, GK20A_RL_ENTRY_ID.F(ch.ID), 0)
}

func (GK20A) Decode(entry []byte) runlist.Entry {
	w0 := word(entry, 0)
	if GK20A_RL_ENTRY_TYPE.Read(w0) == GK20A_RL_ENTRY_TYPE_CHID {
		return runlist.Entry{Kind: runlist.ENTRY_KIND_CHANNEL, ID: GK20A_RL_ENTRY_ID.Read(w0)}
	}
	return runlist.Entry{
		Kind:      runlist.ENTRY_KIND_TSG,
		ID:        GK20A_RL_ENTRY_ID.Read(w0),
		Timeslice: GK20A_RL_ENTRY_TIMESLICE_TIMEOUT.Read(w0) << GK20A_RL_ENTRY_TIMESLICE_SCALE.Read(w0),
		Length:    GK20A_RL_ENTRY_TSG_LENGTH.Read(w0),
	}
}
