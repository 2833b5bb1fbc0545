// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the simulated runlist submit and preempt registers.
// Submits latch the buffer address and length, decode the entries the way the
// front-end scheduler would fetch them, and clear the pending bit after the
// configured ack delay.
package gpusim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"k8s.io/klog/v2"

	"github.com/Seagate/gpu-runlist-lib/pkg/ramrl"
	"github.com/Seagate/gpu-runlist-lib/pkg/runlist"
)

// Register offsets inside one runlist's register block
const (
	RUNLIST_SUBMIT_BASE_LO = 0x80
	RUNLIST_SUBMIT_BASE_HI = 0x84
	RUNLIST_SUBMIT         = 0x88
	RUNLIST_SUBMIT_INFO    = 0x8C
	RUNLIST_SCHED_DISABLE  = 0x94
	RUNLIST_PREEMPT        = 0x98
)

var (
	RUNLIST_SUBMIT_BASE_LO_TARGET = ramrl.U32Field{Offset: 0, Bitwidth: 2}
	RUNLIST_SUBMIT_BASE_LO_PTR_LO = ramrl.U32Field{Offset: 10, Bitwidth: 22}
	RUNLIST_SUBMIT_BASE_HI_PTR_HI = ramrl.U32Field{Offset: 0, Bitwidth: 8}
	RUNLIST_SUBMIT_LENGTH         = ramrl.U32Field{Offset: 0, Bitwidth: 16}
	RUNLIST_SUBMIT_OFFSET         = ramrl.U32Field{Offset: 16, Bitwidth: 16}
	RUNLIST_SUBMIT_INFO_PENDING   = ramrl.U32Field{Offset: 15, Bitwidth: 1}
	RUNLIST_SCHED_DISABLE_RUNLIST = ramrl.U32Field{Offset: 0, Bitwidth: 1}

	RUNLIST_PREEMPT_ID                      = ramrl.U32Field{Offset: 0, Bitwidth: 12}
	RUNLIST_PREEMPT_TSG_PREEMPT_PENDING     = ramrl.U32Field{Offset: 20, Bitwidth: 1}
	RUNLIST_PREEMPT_RUNLIST_PREEMPT_PENDING = ramrl.U32Field{Offset: 21, Bitwidth: 1}
	RUNLIST_PREEMPT_TYPE                    = ramrl.U32Field{Offset: 24, Bitwidth: 2}
)

const (
	RUNLIST_SUBMIT_BASE_LO_PTR_ALIGN_SHIFT            = 10
	RUNLIST_SUBMIT_BASE_LO_TARGET_SYS_MEM_NONCOHERENT = 3
	RUNLIST_PREEMPT_TYPE_TSG                          = 1
	RUNLIST_SCHED_DISABLE_RUNLIST_ENABLED             = 0
	RUNLIST_SCHED_DISABLE_RUNLIST_DISABLED            = 1
)

const (
	DEFAULT_POLL_INTERVAL   = 100 * time.Microsecond
	DEFAULT_PENDING_TIMEOUT = 100 * time.Millisecond
)

var errPending = errors.New("runlist submit pending")

// Options tune the simulated timing.
type Options struct {
	// AckDelay is how long a submit or preempt stays pending; zero acks
	// synchronously.
	AckDelay       time.Duration
	PollInterval   time.Duration
	PendingTimeout time.Duration
}

// runlistRegs is the register block of one runlist. gen and timers are
// keyed by the offset of the register holding a pending bit.
type runlistRegs struct {
	regs   map[uint32]uint32
	gen    map[uint32]uint64
	timers map[uint32]*time.Timer
	hung   bool
}

func (r *runlistRegs) stopTimers() {
	for off, t := range r.timers {
		t.Stop()
		delete(r.timers, off)
	}
}

func (r *runlistRegs) field(off uint32, f ramrl.U32Field) uint32 {
	return f.Read(r.regs[off])
}

func (r *runlistRegs) setField(off uint32, f ramrl.U32Field, val uint32) {
	reg := r.regs[off]
	f.Write(&reg, val)
	r.regs[off] = reg
}

// Submission is one latched runlist submit.
type Submission struct {
	RunlistID uint32
	Domain    string
	IOVA      uint64
	Count     uint32
	Entries   []runlist.Entry
}

// Preemption is one preempt-next request.
type Preemption struct {
	RunlistID uint32
	ChannelID uint32
	TSGID     uint32
}

// GPU simulates the runlist front end of one GPU.
type GPU struct {
	opts Options
	mem  *Sysmem
	enc  runlist.EntryEncoder

	mu       sync.Mutex
	runlists map[uint32]*runlistRegs
	submits  []Submission
	preempts []Preemption
}

func NewGPU(mem *Sysmem, enc runlist.EntryEncoder, opts Options) *GPU {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DEFAULT_POLL_INTERVAL
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = DEFAULT_PENDING_TIMEOUT
	}
	return &GPU{
		opts:     opts,
		mem:      mem,
		enc:      enc,
		runlists: make(map[uint32]*runlistRegs),
	}
}

func (g *GPU) regsLocked(id uint32) *runlistRegs {
	r, ok := g.runlists[id]
	if !ok {
		r = &runlistRegs{
			regs:   make(map[uint32]uint32),
			gen:    make(map[uint32]uint64),
			timers: make(map[uint32]*time.Timer),
		}
		g.runlists[id] = r
	}
	return r
}

// ackLocked clears the pending bit of the current generation after AckDelay.
func (g *GPU) ackLocked(id uint32, r *runlistRegs, off uint32, f ramrl.U32Field) {
	if r.hung {
		klog.V(runlist.DBG_LVL_INFO).InfoS("gpusim runlist hung, pending stays set", "runlist", id)
		return
	}
	if g.opts.AckDelay <= 0 {
		r.setField(off, f, 0)
		return
	}
	gen := r.gen[off]
	if t := r.timers[off]; t != nil {
		t.Stop()
	}
	r.timers[off] = time.AfterFunc(g.opts.AckDelay, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if r.gen[off] == gen && !r.hung {
			r.setField(off, f, 0)
		}
	})
}

// Submit programs the submit registers from req and latches the buffer.
func (g *GPU) Submit(req runlist.SubmitRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.regsLocked(req.RunlistID)
	r.gen[RUNLIST_SUBMIT_INFO]++

	lo := uint32(req.IOVA)
	r.setField(RUNLIST_SUBMIT_BASE_LO, RUNLIST_SUBMIT_BASE_LO_PTR_LO, lo>>RUNLIST_SUBMIT_BASE_LO_PTR_ALIGN_SHIFT)
	r.setField(RUNLIST_SUBMIT_BASE_LO, RUNLIST_SUBMIT_BASE_LO_TARGET, RUNLIST_SUBMIT_BASE_LO_TARGET_SYS_MEM_NONCOHERENT)
	r.setField(RUNLIST_SUBMIT_BASE_HI, RUNLIST_SUBMIT_BASE_HI_PTR_HI, uint32(req.IOVA>>32))
	r.setField(RUNLIST_SUBMIT, RUNLIST_SUBMIT_OFFSET, 0)
	r.setField(RUNLIST_SUBMIT, RUNLIST_SUBMIT_LENGTH, req.Count)
	r.setField(RUNLIST_SUBMIT_INFO, RUNLIST_SUBMIT_INFO_PENDING, 1)

	s := g.latchLocked(req.RunlistID, r, req.EntrySize)
	s.Domain = req.Domain
	g.submits = append(g.submits, s)
	klog.V(runlist.DBG_LVL_DETAIL).InfoS("gpusim runlist submit", "runlist", req.RunlistID,
		"iova", hex(s.IOVA), "count", s.Count, "domain", req.Domain)

	g.ackLocked(req.RunlistID, r, RUNLIST_SUBMIT_INFO, RUNLIST_SUBMIT_INFO_PENDING)
}

// latchLocked reads back the submit registers and fetches the entries.
func (g *GPU) latchLocked(id uint32, r *runlistRegs, entrySize uint32) Submission {
	iova := uint64(r.field(RUNLIST_SUBMIT_BASE_LO, RUNLIST_SUBMIT_BASE_LO_PTR_LO))<<RUNLIST_SUBMIT_BASE_LO_PTR_ALIGN_SHIFT |
		uint64(r.field(RUNLIST_SUBMIT_BASE_HI, RUNLIST_SUBMIT_BASE_HI_PTR_HI))<<32
	count := r.field(RUNLIST_SUBMIT, RUNLIST_SUBMIT_LENGTH)
	s := Submission{RunlistID: id, IOVA: iova, Count: count}

	if g.enc == nil || count == 0 {
		return s
	}
	raw, err := g.mem.Read(iova, int(count*entrySize))
	if err != nil {
		klog.ErrorS(err, "gpusim runlist fetch failed", "runlist", id)
		return s
	}
	for off := uint32(0); off < count*entrySize; off += entrySize {
		s.Entries = append(s.Entries, g.enc.Decode(raw[off:off+entrySize]))
	}
	return s
}

func (g *GPU) pending(id uint32, off uint32, f ramrl.U32Field) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.regsLocked(id).field(off, f) != 0
}

// waitClear polls a pending bit until it clears, the pending timeout passes
// or ctx is done.
func (g *GPU) waitClear(ctx context.Context, id uint32, off uint32, f ramrl.U32Field) error {
	tctx, cancel := context.WithTimeout(ctx, g.opts.PendingTimeout)
	defer cancel()

	b := backoff.WithContext(backoff.NewConstantBackOff(g.opts.PollInterval), tctx)
	op := func() error {
		if g.pending(id, off, f) {
			return errPending
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("runlist %d: %v: %w", id, ctx.Err(), runlist.ErrInterrupted)
		}
		return fmt.Errorf("runlist %d still pending after %v: %w", id, g.opts.PendingTimeout, runlist.ErrTimeout)
	}
	return nil
}

// WaitPending waits for the last submit of the runlist to be consumed.
func (g *GPU) WaitPending(ctx context.Context, runlistID uint32) error {
	return g.waitClear(ctx, runlistID, RUNLIST_SUBMIT_INFO, RUNLIST_SUBMIT_INFO_PENDING)
}

// PreemptNext asks the runlist to preempt the TSG of ch so the next entry
// runs.
func (g *GPU) PreemptNext(ctx context.Context, ch *runlist.Channel, wait bool) error {
	id := ch.Runlist().ID
	p := Preemption{RunlistID: id, ChannelID: ch.ID}
	if tsg := ch.TSG(); tsg != nil {
		p.TSGID = tsg.ID
	}

	g.mu.Lock()
	r := g.regsLocked(id)
	r.gen[RUNLIST_PREEMPT]++
	r.setField(RUNLIST_PREEMPT, RUNLIST_PREEMPT_ID, p.TSGID)
	r.setField(RUNLIST_PREEMPT, RUNLIST_PREEMPT_TYPE, RUNLIST_PREEMPT_TYPE_TSG)
	r.setField(RUNLIST_PREEMPT, RUNLIST_PREEMPT_TSG_PREEMPT_PENDING, 1)
	g.preempts = append(g.preempts, p)
	g.ackLocked(id, r, RUNLIST_PREEMPT, RUNLIST_PREEMPT_TSG_PREEMPT_PENDING)
	g.mu.Unlock()

	klog.V(runlist.DBG_LVL_DETAIL).InfoS("gpusim preempt next", "runlist", id, "channel", ch.ID, "tsg", p.TSGID)
	if !wait {
		return nil
	}
	return g.waitClear(ctx, id, RUNLIST_PREEMPT, RUNLIST_PREEMPT_TSG_PREEMPT_PENDING)
}

// MaxSubmitEntries is the largest count the submit length field holds.
func (g *GPU) MaxSubmitEntries() uint32 {
	return RUNLIST_SUBMIT_LENGTH.Max()
}

// WriteState programs the sched disable register of every runlist in mask.
func (g *GPU) WriteState(mask uint32, state runlist.RunlistState) {
	v := uint32(RUNLIST_SCHED_DISABLE_RUNLIST_DISABLED)
	if state == runlist.RUNLIST_ENABLED {
		v = RUNLIST_SCHED_DISABLE_RUNLIST_ENABLED
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for id := uint32(0); id < runlist.MAX_RUNLISTS; id++ {
		if mask&(1<<id) != 0 {
			g.regsLocked(id).setField(RUNLIST_SCHED_DISABLE, RUNLIST_SCHED_DISABLE_RUNLIST, v)
		}
	}
	klog.V(runlist.DBG_LVL_DETAIL).InfoS("gpusim runlist state", "mask", hex(mask), "state", state.String())
}

// SchedEnabled reports whether scheduling is enabled on a runlist.
func (g *GPU) SchedEnabled(runlistID uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.regsLocked(runlistID).field(RUNLIST_SCHED_DISABLE, RUNLIST_SCHED_DISABLE_RUNLIST) ==
		RUNLIST_SCHED_DISABLE_RUNLIST_ENABLED
}

// Hang stops (or resumes) acking submits on a runlist.
func (g *GPU) Hang(runlistID uint32, hung bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.regsLocked(runlistID).hung = hung
}

// ResetRunlist clears every pending bit of the runlist and un-hangs it.
func (g *GPU) ResetRunlist(runlistID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.regsLocked(runlistID)
	r.hung = false
	r.stopTimers()
	r.setField(RUNLIST_SUBMIT_INFO, RUNLIST_SUBMIT_INFO_PENDING, 0)
	r.setField(RUNLIST_PREEMPT, RUNLIST_PREEMPT_TSG_PREEMPT_PENDING, 0)
	klog.V(runlist.DBG_LVL_BASIC).InfoS("gpusim runlist reset", "runlist", runlistID)
}

// Reg returns the raw value of a register of one runlist.
func (g *GPU) Reg(runlistID uint32, off uint32) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.regsLocked(runlistID).regs[off]
}

// Submissions returns every submit seen so far, oldest first.
func (g *GPU) Submissions() []Submission {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Submission(nil), g.submits...)
}

// LastSubmission returns the latest submit of a runlist.
func (g *GPU) LastSubmission(runlistID uint32) (Submission, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.submits) - 1; i >= 0; i-- {
		if g.submits[i].RunlistID == runlistID {
			return g.submits[i], true
		}
	}
	return Submission{}, false
}

func (g *GPU) Preemptions() []Preemption {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Preemption(nil), g.preempts...)
}

// Stop cancels the outstanding ack timers.
func (g *GPU) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.runlists {
		r.stopTimers()
	}
}
