// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file holds the scheduling data model (channels, TSGs, runlist memory)
// and the collaborator interfaces the runlist code drives.
package runlist

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	DBG_LVL_DEFAULT     = iota //0
	DBG_LVL_BASIC              //1
	DBG_LVL_INFO               //2
	DBG_LVL_DETAIL             //3
	DBG_LVL_DEEP_DETAIL        //4
)

// InterleaveLevel : how often a TSG is replayed in an interleaved runlist.
type InterleaveLevel uint32

const (
	INTERLEAVE_LEVEL_LOW    InterleaveLevel = 0
	INTERLEAVE_LEVEL_MEDIUM InterleaveLevel = 1
	INTERLEAVE_LEVEL_HIGH   InterleaveLevel = 2

	INTERLEAVE_NUM_LEVELS = 3
)

// TSG_TIMESLICE_DEFAULT_US is the timeslice of a TSG opened without one.
const TSG_TIMESLICE_DEFAULT_US = 128 << 3

func (l InterleaveLevel) String() string {
	switch l {
	case INTERLEAVE_LEVEL_LOW:
		return "LOW"
	case INTERLEAVE_LEVEL_MEDIUM:
		return "MEDIUM"
	case INTERLEAVE_LEVEL_HIGH:
		return "HIGH"
	default:
		return "?"
	}
}

func (l InterleaveLevel) Valid() bool {
	return l < INTERLEAVE_NUM_LEVELS
}

// ParseInterleaveLevel accepts LOW/MEDIUM/HIGH in any case.
func ParseInterleaveLevel(s string) (InterleaveLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return INTERLEAVE_LEVEL_LOW, nil
	case "MEDIUM", "MED":
		return INTERLEAVE_LEVEL_MEDIUM, nil
	case "HIGH", "HI":
		return INTERLEAVE_LEVEL_HIGH, nil
	}
	return 0, fmt.Errorf("unknown interleave level %q", s)
}

// Channel is one hardware execution context. It belongs to at most one TSG;
// the TSG reference is weak.
type Channel struct {
	ID      uint32
	runlist *Runlist
	tsg     atomic.Pointer[TSG]
}

func (ch *Channel) TSG() *TSG {
	return ch.tsg.Load()
}

func (ch *Channel) Runlist() *Runlist {
	return ch.runlist
}

// TSG groups channels sharing an interleave level and a timeslice.
type TSG struct {
	ID      uint32
	runlist *Runlist

	interleave  atomic.Uint32
	timesliceUs atomic.Uint32

	// num_active_channels is only changed with the runlist lock held
	numActiveChannels atomic.Uint32

	// domain the TSG is scheduled in, nil when not scheduled
	domain atomic.Pointer[Domain]

	chMu     sync.RWMutex
	channels []*Channel
}

func (tsg *TSG) Runlist() *Runlist {
	return tsg.runlist
}

func (tsg *TSG) InterleaveLevel() InterleaveLevel {
	return InterleaveLevel(tsg.interleave.Load())
}

func (tsg *TSG) SetInterleaveLevel(l InterleaveLevel) error {
	if !l.Valid() {
		return fmt.Errorf("tsg %d: invalid interleave level %d", tsg.ID, l)
	}
	tsg.interleave.Store(uint32(l))
	return nil
}

func (tsg *TSG) TimesliceUs() uint32 {
	return tsg.timesliceUs.Load()
}

func (tsg *TSG) SetTimesliceUs(us uint32) {
	tsg.timesliceUs.Store(us)
}

func (tsg *TSG) NumActiveChannels() uint32 {
	return tsg.numActiveChannels.Load()
}

// Domain returns the scheduling domain the TSG participates in, or nil.
func (tsg *TSG) Domain() *Domain {
	return tsg.domain.Load()
}

func (tsg *TSG) SetDomain(d *Domain) {
	tsg.domain.Store(d)
}

// Bind adds ch to the TSG channel list. Both must live on the same runlist
// and the TSG header must be able to count the new channel.
func (tsg *TSG) Bind(ch *Channel) error {
	if ch.runlist != tsg.runlist {
		return fmt.Errorf("channel %d on runlist %d, tsg %d on runlist %d: %w",
			ch.ID, ch.runlist.ID, tsg.ID, tsg.runlist.ID, ErrInvalidRunlist)
	}
	tsg.chMu.Lock()
	defer tsg.chMu.Unlock()
	if n := tsg.maxChannels(); uint32(len(tsg.channels)) >= n {
		return fmt.Errorf("tsg %d already has %d channels: %w", tsg.ID, n, ErrEntryFormat)
	}
	if !ch.tsg.CompareAndSwap(nil, tsg) {
		return fmt.Errorf("channel %d already bound to tsg %d", ch.ID, ch.TSG().ID)
	}
	tsg.channels = append(tsg.channels, ch)
	return nil
}

func (tsg *TSG) maxChannels() uint32 {
	if tsg.runlist == nil || tsg.runlist.c == nil {
		return ^uint32(0)
	}
	return tsg.runlist.c.limits.MaxTSGLength
}

// Unbind removes ch from the TSG. The channel should be inactive in every
// domain before this is called.
func (tsg *TSG) Unbind(ch *Channel) error {
	if ch.TSG() != tsg {
		return fmt.Errorf("channel %d is not bound to tsg %d", ch.ID, tsg.ID)
	}
	tsg.chMu.Lock()
	for i, c := range tsg.channels {
		if c == ch {
			tsg.channels = append(tsg.channels[:i], tsg.channels[i+1:]...)
			break
		}
	}
	tsg.chMu.Unlock()
	ch.tsg.Store(nil)
	return nil
}

// Channels returns a snapshot of the bound channels in bind order.
func (tsg *TSG) Channels() []*Channel {
	tsg.chMu.RLock()
	defer tsg.chMu.RUnlock()
	out := make([]*Channel, len(tsg.channels))
	copy(out, tsg.channels)
	return out
}

// DMABuffer is a CPU-writable, device-addressable region handed out by the
// memory layer.
type DMABuffer struct {
	CPUVA []byte
	IOVA  uint64
}

// Mem is one runlist buffer plus the number of valid entries in it.
type Mem struct {
	buf   DMABuffer
	count uint32
}

func (m *Mem) Count() uint32 {
	return m.count
}

func (m *Mem) Addr() uint64 {
	return m.buf.IOVA
}

// EntryKind : the type of a decoded runlist entry.
type EntryKind uint8

const (
	ENTRY_KIND_TSG     EntryKind = 0
	ENTRY_KIND_CHANNEL EntryKind = 1
)

func (k EntryKind) String() string {
	if k == ENTRY_KIND_TSG {
		return "TSG"
	}
	return "CHANNEL"
}

func (k EntryKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Entry is the decoded form of one runlist entry, used for dumps and tests.
type Entry struct {
	Kind      EntryKind
	ID        uint32
	Timeslice uint32 `json:",omitempty"`
	Length    uint32 `json:",omitempty"`
}

// EntryLimits are the largest values the entry fields can carry.
type EntryLimits struct {
	MaxID        uint32 // channel and TSG ids
	MaxTSGLength uint32 // channels counted by one TSG header
}

// EntryEncoder writes hardware runlist entries. One implementation exists per
// hardware generation and it is picked once when the Controller is built.
type EntryEncoder interface {
	// EntrySize is the fixed entry width in bytes.
	EntrySize() uint32
	Limits() EntryLimits
	TSGEntry(tsg *TSG, dst []byte, timeslice uint32)
	ChannelEntry(ch *Channel, dst []byte)
	Decode(entry []byte) Entry
}

// TimeScaler converts a timeslice in microseconds to the value programmed in
// the TSG entry.
type TimeScaler interface {
	Scale(us uint32) (uint32, error)
}

// SubmitRequest describes the live buffer of a runlist's active domain.
type SubmitRequest struct {
	RunlistID uint32
	Domain    string
	IOVA      uint64
	Count     uint32
	EntrySize uint32
}

// RunlistState : scheduling enable state written for a runlist mask.
type RunlistState uint32

const (
	RUNLIST_DISABLED RunlistState = 0
	RUNLIST_ENABLED  RunlistState = 1
)

func (s RunlistState) String() string {
	if s == RUNLIST_DISABLED {
		return "disabled"
	}
	return "enabled"
}

// Hardware programs runlist submit registers and waits for them to be
// consumed.
type Hardware interface {
	Submit(req SubmitRequest)
	// WriteState enables or disables scheduling on every runlist in mask.
	WriteState(mask uint32, state RunlistState)
	// WaitPending blocks until the last submit was consumed. It returns an
	// error wrapping ErrTimeout or ErrInterrupted otherwise.
	WaitPending(ctx context.Context, runlistID uint32) error
	PreemptNext(ctx context.Context, ch *Channel, wait bool) error
}

// SubmitLimiter is implemented by Hardware whose submit register bounds the
// number of entries.
type SubmitLimiter interface {
	MaxSubmitEntries() uint32
}

type Allocator interface {
	AllocSys(size int) (DMABuffer, error)
	Free(buf DMABuffer)
}

// EngineMutex is the lock shared with the second microcontroller. It is
// best-effort: Acquire must not block indefinitely.
type EngineMutex interface {
	Acquire() (token uint32, err error)
	Release(token uint32) error
}

type Power interface {
	IsPoweredOff() bool
	Busy() error
	Idle()
}

// Recovery receives the runlist update timeout hand-off.
type Recovery interface {
	RunlistUpdateTimeout(runlistID uint32)
}
