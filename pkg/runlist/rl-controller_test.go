// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package runlist

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewControllerValidation(t *testing.T) {
	deps := Deps{
		Encoder:   fakeEncoder{},
		Scaler:    &fakeScaler{},
		Hardware:  &fakeHW{},
		Allocator: &fakeAlloc{failAfter: -1},
		Recovery:  &fakeRecovery{},
		Logger:    logr.Discard(),
	}

	missing := deps
	missing.Hardware = nil
	_, err := NewController(defaultParams(), missing)
	assert.Error(t, err)

	p := defaultParams()
	p.MaxEntries = 0
	_, err = NewController(p, deps)
	assert.Error(t, err)

	p = defaultParams()
	p.Engines = nil
	_, err = NewController(p, deps)
	assert.ErrorIs(t, err, ErrInvalidRunlist)

	// buffer allocation failures unwind what was allocated
	alloc := &fakeAlloc{failAfter: 1}
	failing := deps
	failing.Allocator = alloc
	_, err = NewController(defaultParams(), failing)
	assert.Error(t, err)
	assert.Zero(t, alloc.live)
}

func TestNewControllerEntryLimits(t *testing.T) {
	deps := Deps{
		Encoder:   narrowEncoder{limits: EntryLimits{MaxID: 15, MaxTSGLength: 2}},
		Scaler:    &fakeScaler{},
		Hardware:  &fakeHW{},
		Allocator: &fakeAlloc{failAfter: -1},
		Recovery:  &fakeRecovery{},
		Logger:    logr.Discard(),
	}

	// 64 channels need ids up to 63
	p := defaultParams()
	_, err := NewController(p, deps)
	assert.ErrorIs(t, err, ErrEntryFormat)

	p.NumChannels, p.NumTSGs = 16, 17
	_, err = NewController(p, deps)
	assert.ErrorIs(t, err, ErrEntryFormat)

	p.NumTSGs = 16
	deps.Hardware = &limitedHW{maxEntries: 32}
	_, err = NewController(p, deps)
	assert.ErrorIs(t, err, ErrEntryFormat)

	p.MaxEntries = 32
	c, err := NewController(p, deps)
	require.NoError(t, err)
	defer c.Close()

	tsg, err := c.NewTSG(0, INTERLEAVE_LEVEL_LOW, testTimesliceUs)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		ch, err := c.NewChannel(0)
		require.NoError(t, err)
		require.NoError(t, tsg.Bind(ch))
	}
	ch, err := c.NewChannel(0)
	require.NoError(t, err)
	assert.ErrorIs(t, tsg.Bind(ch), ErrEntryFormat)
	assert.Nil(t, ch.TSG())
	assert.Len(t, tsg.Channels(), 2)
}

func TestControllerSetup(t *testing.T) {
	env := newTestEnv(t, func(p *Params, d *Deps) {
		twoRunlists(p, d)
		p.Engines = append(p.Engines, EngineInfo{EngineID: 4, RunlistID: 1, PBDMAs: []uint32{3}})
	})

	rls := env.c.Runlists()
	require.Len(t, rls, 2)
	assert.Equal(t, uint32(0), rls[0].ID)
	assert.Equal(t, uint32(1), rls[1].ID)

	assert.Equal(t, uint32(0b1), rls[0].EngBitmask())
	assert.Equal(t, uint32(0b1), rls[0].PbdmaBitmask())
	assert.Equal(t, uint32(0b10010), rls[1].EngBitmask())
	assert.Equal(t, uint32(0b1110), rls[1].PbdmaBitmask())

	for _, rl := range rls {
		assert.Equal(t, []string{DEFAULT_DOMAIN_NAME}, rl.DomainNames())
		assert.Equal(t, DEFAULT_DOMAIN_NAME, rl.ActiveDomain().Name())
	}
	assert.Equal(t, 4, env.alloc.live)

	_, err := env.c.Runlist(2)
	assert.ErrorIs(t, err, ErrInvalidRunlist)
	_, err = env.c.Runlist(MAX_RUNLISTS + 1)
	assert.ErrorIs(t, err, ErrInvalidRunlist)

	env.c.Close()
	assert.Zero(t, env.alloc.live)
	assert.Nil(t, rls[0].ActiveDomain())
}

func TestDomainAlloc(t *testing.T) {
	env := newTestEnv(t, twoRunlists)

	require.NoError(t, env.c.DomainAlloc("rt"))
	for _, rl := range env.c.Runlists() {
		assert.Equal(t, []string{DEFAULT_DOMAIN_NAME, "rt"}, rl.DomainNames())
		// creating a domain does not select it
		assert.Equal(t, DEFAULT_DOMAIN_NAME, rl.ActiveDomain().Name())
	}

	assert.ErrorIs(t, env.c.DomainAlloc("rt"), ErrDomainExists)
	assert.Error(t, env.c.DomainAlloc(""))

	_, err := env.c.DomainGet(0, "missing")
	assert.ErrorIs(t, err, ErrNoSuchDomain)
}

func TestDomainAllocRollback(t *testing.T) {
	env := newTestEnv(t, twoRunlists)
	live := env.alloc.live

	// runlist 0 gets both buffers, runlist 1 only one
	env.alloc.failAfter = env.alloc.allocs + 3
	assert.Error(t, env.c.DomainAlloc("partial"))

	for _, rl := range env.c.Runlists() {
		assert.Equal(t, []string{DEFAULT_DOMAIN_NAME}, rl.DomainNames())
	}
	assert.Equal(t, live, env.alloc.live)
}

func TestDomainDeleteLastIsProtected(t *testing.T) {
	env := newTestEnv(t, nil)
	rl := env.rl(t, 0)
	d := env.defaultDomain(t, 0)
	_, chs := env.openTSG(t, d, INTERLEAVE_LEVEL_LOW, 2)
	env.activate(t, d, chs...)

	mem, memHW := d.mem, d.memHW
	memBytes := bytes.Clone(d.mem.buf.CPUVA)
	memHWBytes := bytes.Clone(d.memHW.buf.CPUVA)
	channels := d.activeChannels.ids()
	tsgs := d.activeTSGs.ids()
	live := env.alloc.live

	err := env.c.DomainDelete(DEFAULT_DOMAIN_NAME)
	assert.ErrorIs(t, err, ErrLastDomainProtected)

	assert.False(t, d.freed)
	assert.Same(t, d, rl.ActiveDomain())
	assert.Same(t, mem, d.mem)
	assert.Same(t, memHW, d.memHW)
	assert.Equal(t, memBytes, d.mem.buf.CPUVA)
	assert.Equal(t, memHWBytes, d.memHW.buf.CPUVA)
	assert.Equal(t, uint32(3), d.memHW.Count())
	assert.Equal(t, channels, d.activeChannels.ids())
	assert.Equal(t, tsgs, d.activeTSGs.ids())
	assert.Equal(t, live, env.alloc.live)
}

func TestDomainDeleteActiveSwitches(t *testing.T) {
	env := newTestEnv(t, nil)
	rl := env.rl(t, 0)
	require.NoError(t, env.c.DomainAlloc("next"))
	def := env.defaultDomain(t, 0)

	require.NoError(t, env.c.DomainDelete(DEFAULT_DOMAIN_NAME))
	assert.Equal(t, "next", rl.ActiveDomain().Name())
	assert.Equal(t, "next", env.hw.lastSubmit().Domain)
	assert.Equal(t, []string{"next"}, rl.DomainNames())
	assert.True(t, def.freed)
	assert.Equal(t, 2, env.alloc.live)

	assert.ErrorIs(t, env.c.DomainDelete("next"), ErrLastDomainProtected)
	// unknown names are ignored
	assert.NoError(t, env.c.DomainDelete("never-created"))
}

func TestDomainDeleteUnschedulesBoundTSGs(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.c.DomainAlloc("gone"))
	gone, err := env.c.DomainGet(0, "gone")
	require.NoError(t, err)
	def := env.defaultDomain(t, 0)

	tsg, chs := env.openTSG(t, gone, INTERLEAVE_LEVEL_LOW, 2)
	env.activate(t, gone, chs...)
	other, _ := env.openTSG(t, def, INTERLEAVE_LEVEL_LOW, 0)
	require.Equal(t, uint32(2), tsg.NumActiveChannels())

	require.NoError(t, env.c.DomainDelete("gone"))
	assert.Nil(t, tsg.Domain())
	assert.Zero(t, tsg.NumActiveChannels())
	assert.Same(t, def, other.Domain())

	// the detached TSG is not scheduled anywhere
	n := env.hw.submitCount()
	require.NoError(t, env.c.Update(ctx, chs[0], false, false))
	assert.Equal(t, n, env.hw.submitCount())

	// until it is bound again
	tsg.SetDomain(def)
	require.NoError(t, env.c.Update(ctx, chs[0], true, false))
	assert.Equal(t, []Entry{tsgE(tsg.ID), chE(chs[0].ID)}, env.c.LiveEntries(def))
}

func TestDomainDeletePerRunlist(t *testing.T) {
	env := newTestEnv(t, twoRunlists)
	rl0, rl1 := env.rl(t, 0), env.rl(t, 1)

	rl0.mu.Lock()
	_, err := env.c.allocDomainLocked(rl0, "extra")
	rl0.mu.Unlock()
	require.NoError(t, err)

	err = env.c.DomainDelete(DEFAULT_DOMAIN_NAME)
	assert.ErrorIs(t, err, ErrLastDomainProtected)
	assert.Equal(t, []string{"extra"}, rl0.DomainNames())
	assert.Equal(t, []string{DEFAULT_DOMAIN_NAME}, rl1.DomainNames())
}

type countingMutex struct {
	acquires, releases int
	fail               bool
}

func (m *countingMutex) Acquire() (uint32, error) {
	m.acquires++
	if m.fail {
		return 0, ErrBusy
	}
	return 3, nil
}

func (m *countingMutex) Release(token uint32) error {
	m.releases++
	return nil
}

func TestSetState(t *testing.T) {
	m := &countingMutex{}
	env := newTestEnv(t, func(p *Params, d *Deps) {
		twoRunlists(p, d)
		d.EngineMutex = m
	})

	env.c.SetState(0b10, RUNLIST_DISABLED)
	s, ok := env.hw.state(1)
	require.True(t, ok)
	assert.Equal(t, RUNLIST_DISABLED, s)
	_, ok = env.hw.state(0)
	assert.False(t, ok)

	env.c.SetState(env.c.RunlistsMask(0, ID_TYPE_UNKNOWN, 0, 0), RUNLIST_ENABLED)
	for _, id := range []uint32{0, 1} {
		s, ok = env.hw.state(id)
		require.True(t, ok)
		assert.Equal(t, RUNLIST_ENABLED, s, "runlist %d", id)
	}
	assert.Equal(t, 2, m.acquires)
	assert.Equal(t, 2, m.releases)

	// the state is written without the mutex too
	m.fail = true
	env.c.SetState(0b1, RUNLIST_DISABLED)
	s, _ = env.hw.state(0)
	assert.Equal(t, RUNLIST_DISABLED, s)
	assert.Equal(t, 3, m.acquires)
	assert.Equal(t, 2, m.releases)
}

func TestRunlistsMask(t *testing.T) {
	env := newTestEnv(t, twoRunlists)

	assert.Equal(t, uint32(0b11), env.c.RunlistsMask(0, ID_TYPE_UNKNOWN, 0, 0))
	assert.Equal(t, uint32(0b10), env.c.RunlistsMask(0, ID_TYPE_UNKNOWN, 1<<1, 0))
	assert.Equal(t, uint32(0b10), env.c.RunlistsMask(0, ID_TYPE_UNKNOWN, 0, 1<<2))
	assert.Equal(t, uint32(0b01), env.c.RunlistsMask(0, ID_TYPE_UNKNOWN, 1<<0, 1<<0))

	ch, err := env.c.NewChannel(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0b10), env.c.RunlistsMask(ch.ID, ID_TYPE_CHANNEL, 0, 0))

	tsg, err := env.c.NewTSG(0, INTERLEAVE_LEVEL_LOW, testTimesliceUs)
	require.NoError(t, err)
	assert.Equal(t, uint32(0b11), env.c.RunlistsMask(tsg.ID, ID_TYPE_TSG, 1<<1, 0))

	// unknown ids contribute nothing
	assert.Zero(t, env.c.RunlistsMask(31, ID_TYPE_TSG, 0, 0))
}

func TestLockActiveRunlists(t *testing.T) {
	env := newTestEnv(t, twoRunlists)
	rl0, rl1 := env.rl(t, 0), env.rl(t, 1)

	env.c.LockActiveRunlists()
	assert.False(t, rl0.mu.TryLock())
	assert.False(t, rl1.mu.TryLock())

	env.c.UnlockRunlists(1 << 1)
	require.True(t, rl1.mu.TryLock())
	rl1.mu.Unlock()
	assert.False(t, rl0.mu.TryLock())

	env.c.UnlockRunlists(1 << 0)
	env.c.LockActiveRunlists()
	env.c.UnlockActiveRunlists()
	require.True(t, rl0.mu.TryLock())
	rl0.mu.Unlock()
}

func TestIDTables(t *testing.T) {
	env := newTestEnv(t, func(p *Params, d *Deps) {
		twoRunlists(p, d)
		p.NumTSGs = 2
		p.NumChannels = 2
	})

	t1, err := env.c.NewTSG(0, INTERLEAVE_LEVEL_HIGH, 10)
	require.NoError(t, err)
	t2, err := env.c.NewTSG(1, INTERLEAVE_LEVEL_LOW, 10)
	require.NoError(t, err)
	_, err = env.c.NewTSG(0, INTERLEAVE_LEVEL_LOW, 10)
	assert.ErrorIs(t, err, ErrNoFreeID)
	_, err = env.c.NewTSG(0, InterleaveLevel(7), 10)
	assert.Error(t, err)

	c0, err := env.c.NewChannel(0)
	require.NoError(t, err)
	c1, err := env.c.NewChannel(1)
	require.NoError(t, err)
	_, err = env.c.NewChannel(0)
	assert.ErrorIs(t, err, ErrNoFreeID)

	assert.ErrorIs(t, t1.Bind(c1), ErrInvalidRunlist)
	require.NoError(t, t1.Bind(c0))
	assert.Error(t, t2.Bind(c0))
	assert.Same(t, t1, c0.TSG())
	assert.Same(t, c0, env.c.ChannelByID(c0.ID))
	assert.Same(t, t2, env.c.TSGByID(t2.ID))

	assert.Error(t, env.c.ReleaseTSG(t1))
	assert.Error(t, env.c.ReleaseChannel(c0))
	require.NoError(t, t1.Unbind(c0))
	assert.Error(t, t1.Unbind(c0))
	require.NoError(t, env.c.ReleaseChannel(c0))
	require.NoError(t, env.c.ReleaseTSG(t1))
	assert.Nil(t, env.c.TSGByID(t1.ID))
	assert.Error(t, env.c.ReleaseTSG(t1))

	again, err := env.c.NewTSG(0, INTERLEAVE_LEVEL_MEDIUM, 10)
	require.NoError(t, err)
	assert.Equal(t, t1.ID, again.ID)
}

func TestInterleaveLevel(t *testing.T) {
	for s, want := range map[string]InterleaveLevel{
		"low": INTERLEAVE_LEVEL_LOW, "Medium": INTERLEAVE_LEVEL_MEDIUM, " HIGH ": INTERLEAVE_LEVEL_HIGH, "hi": INTERLEAVE_LEVEL_HIGH,
	} {
		got, err := ParseInterleaveLevel(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}
	_, err := ParseInterleaveLevel("urgent")
	assert.Error(t, err)

	assert.Equal(t, "LOW", INTERLEAVE_LEVEL_LOW.String())
	assert.Equal(t, "MEDIUM", INTERLEAVE_LEVEL_MEDIUM.String())
	assert.Equal(t, "HIGH", INTERLEAVE_LEVEL_HIGH.String())
	assert.Equal(t, "?", InterleaveLevel(3).String())

	env := newTestEnv(t, nil)
	tsg, err := env.c.NewTSG(0, INTERLEAVE_LEVEL_LOW, 10)
	require.NoError(t, err)
	assert.Error(t, tsg.SetInterleaveLevel(INTERLEAVE_NUM_LEVELS))
	require.NoError(t, tsg.SetInterleaveLevel(INTERLEAVE_LEVEL_HIGH))
	assert.Equal(t, INTERLEAVE_LEVEL_HIGH, tsg.InterleaveLevel())
}

func TestState(t *testing.T) {
	env := newTestEnv(t, nil)
	d := env.defaultDomain(t, 0)
	tsg, chs := env.openTSG(t, d, INTERLEAVE_LEVEL_HIGH, 1)
	env.activate(t, d, chs...)
	require.NoError(t, env.c.DomainAlloc("idle"))

	st := env.c.State()
	require.Len(t, st, 1)
	assert.Equal(t, DEFAULT_DOMAIN_NAME, st[0].ActiveDomain)
	assert.Equal(t, "0x1", st[0].EngBitmask)
	require.Len(t, st[0].Domains, 2)

	def := st[0].Domains[0]
	assert.True(t, def.Active)
	assert.Equal(t, []uint32{chs[0].ID}, def.ActiveChannels)
	assert.Equal(t, []uint32{tsg.ID}, def.ActiveTSGs)
	assert.Equal(t, uint32(2), def.LiveCount)
	assert.Equal(t, []Entry{tsgE(tsg.ID), chE(chs[0].ID)}, def.Entries)

	assert.False(t, st[0].Domains[1].Active)
	assert.Empty(t, st[0].Domains[1].Entries)
}
