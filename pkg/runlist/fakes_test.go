// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package runlist

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

const testTimesliceUs = 1000

// fakeEncoder: word0 = id with bit 31 set for TSGs, word1 = timeslice.
type fakeEncoder struct{}

func (fakeEncoder) EntrySize() uint32 { return 8 }

func (fakeEncoder) Limits() EntryLimits {
	return EntryLimits{MaxID: 1<<31 - 1, MaxTSGLength: 1<<32 - 1}
}

// narrowEncoder is a fakeEncoder with small entry fields.
type narrowEncoder struct {
	fakeEncoder
	limits EntryLimits
}

func (e narrowEncoder) Limits() EntryLimits { return e.limits }

func (fakeEncoder) TSGEntry(tsg *TSG, dst []byte, timeslice uint32) {
	binary.LittleEndian.PutUint32(dst[0:], 1<<31|tsg.ID)
	binary.LittleEndian.PutUint32(dst[4:], timeslice)
}

func (fakeEncoder) ChannelEntry(ch *Channel, dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], ch.ID)
	binary.LittleEndian.PutUint32(dst[4:], 0)
}

func (fakeEncoder) Decode(entry []byte) Entry {
	w0 := binary.LittleEndian.Uint32(entry[0:])
	if w0&(1<<31) != 0 {
		return Entry{Kind: ENTRY_KIND_TSG, ID: w0 &^ (1 << 31), Timeslice: binary.LittleEndian.Uint32(entry[4:])}
	}
	return Entry{Kind: ENTRY_KIND_CHANNEL, ID: w0}
}

var errFakeScale = errors.New("fake scale error")

type fakeScaler struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (s *fakeScaler) Scale(us uint32) (uint32, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return 0, errFakeScale
	}
	return us, nil
}

type fakeHW struct {
	mu       sync.Mutex
	submits  []SubmitRequest
	waits    int
	preempts int
	waitErr  error
	states   map[uint32]RunlistState
}

func (h *fakeHW) WriteState(mask uint32, state RunlistState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.states == nil {
		h.states = map[uint32]RunlistState{}
	}
	for id := uint32(0); id < MAX_RUNLISTS; id++ {
		if mask&(1<<id) != 0 {
			h.states[id] = state
		}
	}
}

func (h *fakeHW) state(id uint32) (RunlistState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.states[id]
	return s, ok
}

// limitedHW bounds the submit length.
type limitedHW struct {
	fakeHW
	maxEntries uint32
}

func (h *limitedHW) MaxSubmitEntries() uint32 { return h.maxEntries }

func (h *fakeHW) Submit(req SubmitRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.submits = append(h.submits, req)
}

func (h *fakeHW) WaitPending(ctx context.Context, runlistID uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.waits++
	return h.waitErr
}

func (h *fakeHW) PreemptNext(ctx context.Context, ch *Channel, wait bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.preempts++
	return nil
}

func (h *fakeHW) submitCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.submits)
}

func (h *fakeHW) lastSubmit() SubmitRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.submits[len(h.submits)-1]
}

type fakeAlloc struct {
	mu        sync.Mutex
	next      uint64
	live      int
	allocs    int
	failAfter int
}

func (a *fakeAlloc) AllocSys(size int) (DMABuffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAfter >= 0 && a.allocs >= a.failAfter {
		return DMABuffer{}, fmt.Errorf("fake alloc: out of memory")
	}
	a.allocs++
	a.live++
	a.next += 0x1000
	return DMABuffer{CPUVA: make([]byte, size), IOVA: a.next}, nil
}

func (a *fakeAlloc) Free(buf DMABuffer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live--
}

type fakeRecovery struct {
	mu    sync.Mutex
	calls map[uint32]int
}

func (r *fakeRecovery) RunlistUpdateTimeout(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[uint32]int{}
	}
	r.calls[id]++
}

func (r *fakeRecovery) count(id uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

type fakePower struct {
	off  atomic.Bool
	busy atomic.Int32
}

func (p *fakePower) IsPoweredOff() bool { return p.off.Load() }
func (p *fakePower) Busy() error        { p.busy.Add(1); return nil }
func (p *fakePower) Idle()              { p.busy.Add(-1) }

type testEnv struct {
	c      *Controller
	hw     *fakeHW
	scaler *fakeScaler
	alloc  *fakeAlloc
	rc     *fakeRecovery
	power  *fakePower
}

func defaultParams() Params {
	return Params{
		NumChannels: 64,
		NumTSGs:     32,
		MaxEntries:  64,
		Interleave:  true,
		Engines:     []EngineInfo{{EngineID: 0, RunlistID: 0, PBDMAs: []uint32{0}}},
	}
}

func newTestEnv(t *testing.T, mod func(p *Params, d *Deps)) *testEnv {
	t.Helper()
	env := &testEnv{
		hw:     &fakeHW{},
		scaler: &fakeScaler{},
		alloc:  &fakeAlloc{failAfter: -1},
		rc:     &fakeRecovery{},
		power:  &fakePower{},
	}
	p := defaultParams()
	deps := Deps{
		Encoder:   fakeEncoder{},
		Scaler:    env.scaler,
		Hardware:  env.hw,
		Allocator: env.alloc,
		Recovery:  env.rc,
		Power:     env.power,
		Logger:    logr.Discard(),
	}
	if mod != nil {
		mod(&p, &deps)
	}
	c, err := NewController(p, deps)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	env.c = c
	return env
}

func (env *testEnv) rl(t *testing.T, id uint32) *Runlist {
	t.Helper()
	rl, err := env.c.Runlist(id)
	require.NoError(t, err)
	return rl
}

func (env *testEnv) defaultDomain(t *testing.T, id uint32) *Domain {
	t.Helper()
	d, err := env.c.DomainGet(id, DEFAULT_DOMAIN_NAME)
	require.NoError(t, err)
	return d
}

// openTSG creates a TSG with n channels on runlist 0 scheduled in d.
func (env *testEnv) openTSG(t *testing.T, d *Domain, level InterleaveLevel, n int) (*TSG, []*Channel) {
	t.Helper()
	tsg, err := env.c.NewTSG(d.runlist.ID, level, testTimesliceUs)
	require.NoError(t, err)
	tsg.SetDomain(d)
	chs := make([]*Channel, 0, n)
	for i := 0; i < n; i++ {
		ch, err := env.c.NewChannel(d.runlist.ID)
		require.NoError(t, err)
		require.NoError(t, tsg.Bind(ch))
		chs = append(chs, ch)
	}
	return tsg, chs
}

func (env *testEnv) activate(t *testing.T, d *Domain, chs ...*Channel) {
	t.Helper()
	for _, ch := range chs {
		require.NoError(t, env.c.UpdateDomain(context.Background(), d.runlist, d, ch, true, false))
	}
}

// activateLocked marks channels active without rebuilding.
func activateLocked(t *testing.T, d *Domain, chs ...*Channel) {
	t.Helper()
	d.runlist.mu.Lock()
	defer d.runlist.mu.Unlock()
	for _, ch := range chs {
		_, err := d.AddChannel(ch)
		require.NoError(t, err)
	}
}

func tsgE(id uint32) Entry { return Entry{Kind: ENTRY_KIND_TSG, ID: id, Timeslice: testTimesliceUs} }
func chE(id uint32) Entry  { return Entry{Kind: ENTRY_KIND_CHANNEL, ID: id} }

// tsgHeaders keeps only the TSG ids of a decoded sequence.
func tsgHeaders(entries []Entry) []uint32 {
	var out []uint32
	for _, e := range entries {
		if e.Kind == ENTRY_KIND_TSG {
			out = append(out, e.ID)
		}
	}
	return out
}
