// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the runlist controller setup and teardown, domain
// allocation and deletion, and the channel/TSG id tables.
package runlist

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

// DEFAULT_DOMAIN_NAME is the domain every runlist starts with.
const DEFAULT_DOMAIN_NAME = "(default)"

const MAX_RUNLISTS = 32 // runlist masks are 32 bits wide

// EngineInfo describes one engine feeding a runlist.
type EngineInfo struct {
	EngineID  uint32
	RunlistID uint32
	PBDMAs    []uint32
}

// Params are the construction-time sizes queried from hardware once.
type Params struct {
	NumChannels uint32
	NumTSGs     uint32
	MaxEntries  uint32
	MaxRunlists uint32
	Interleave  bool
	Engines     []EngineInfo
}

// Deps are the external collaborators. EngineMutex and Power are optional.
type Deps struct {
	Encoder     EntryEncoder
	Scaler      TimeScaler
	Hardware    Hardware
	Allocator   Allocator
	Recovery    Recovery
	EngineMutex EngineMutex
	Power       Power
	Logger      logr.Logger
}

// Runlist is one hardware scheduling unit and its domains.
type Runlist struct {
	ID uint32
	c  *Controller

	// mu guards domains, domain and every buffer and bitmap of the domains
	mu      sync.Mutex
	domains []*Domain
	domain  *Domain

	engBitmask   uint32
	pbdmaBitmask uint32
}

func (rl *Runlist) EngBitmask() uint32 {
	return rl.engBitmask
}

func (rl *Runlist) PbdmaBitmask() uint32 {
	return rl.pbdmaBitmask
}

// ActiveDomain returns the currently selected domain.
func (rl *Runlist) ActiveDomain() *Domain {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.domain
}

// DomainNames lists the domains in creation order.
func (rl *Runlist) DomainNames() []string {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	names := make([]string, 0, len(rl.domains))
	for _, d := range rl.domains {
		names = append(names, d.name)
	}
	return names
}

// Controller owns every runlist of the GPU.
type Controller struct {
	params    Params
	entrySize uint32
	limits    EntryLimits

	enc      EntryEncoder
	scaler   TimeScaler
	hw       Hardware
	alloc    Allocator
	recovery Recovery
	engMutex EngineMutex
	power    Power
	log      logr.Logger

	runlists []*Runlist // active runlists
	byID     []*Runlist // indexed by hardware runlist id

	tsgs     idTable[TSG]
	channels idTable[Channel]

	busyLog rate.Sometimes
}

// NewController builds one runlist per runlist id that has an engine, each
// with the default domain selected.
func NewController(p Params, deps Deps) (*Controller, error) {
	if deps.Encoder == nil || deps.Scaler == nil || deps.Hardware == nil ||
		deps.Allocator == nil || deps.Recovery == nil {
		return nil, fmt.Errorf("runlist.NewController: missing collaborator")
	}
	if p.NumChannels == 0 || p.NumTSGs == 0 || p.MaxEntries == 0 {
		return nil, fmt.Errorf("runlist.NewController: invalid sizes channels=%d tsgs=%d entries=%d",
			p.NumChannels, p.NumTSGs, p.MaxEntries)
	}
	limits := deps.Encoder.Limits()
	if p.NumChannels-1 > limits.MaxID || p.NumTSGs-1 > limits.MaxID {
		return nil, fmt.Errorf("runlist.NewController: channels=%d tsgs=%d, largest entry id is %d: %w",
			p.NumChannels, p.NumTSGs, limits.MaxID, ErrEntryFormat)
	}
	if l, ok := deps.Hardware.(SubmitLimiter); ok && p.MaxEntries > l.MaxSubmitEntries() {
		return nil, fmt.Errorf("runlist.NewController: entries=%d, submit holds at most %d: %w",
			p.MaxEntries, l.MaxSubmitEntries(), ErrEntryFormat)
	}
	if p.MaxRunlists == 0 || p.MaxRunlists > MAX_RUNLISTS {
		p.MaxRunlists = MAX_RUNLISTS
	}

	c := &Controller{
		params:    p,
		entrySize: deps.Encoder.EntrySize(),
		limits:    limits,
		enc:       deps.Encoder,
		scaler:    deps.Scaler,
		hw:        deps.Hardware,
		alloc:     deps.Allocator,
		recovery:  deps.Recovery,
		engMutex:  deps.EngineMutex,
		power:     deps.Power,
		log:       deps.Logger,
		byID:      make([]*Runlist, p.MaxRunlists),
		busyLog:   rate.Sometimes{First: 1, Interval: time.Second},
	}
	if c.log.GetSink() == nil {
		c.log = klog.Background().WithName("runlist")
	}
	c.tsgs.init(p.NumTSGs)
	c.channels.init(p.NumChannels)

	c.log.V(DBG_LVL_BASIC).Info("Initializing Runlists")
	c.initActiveRunlistMapping()
	if len(c.runlists) == 0 {
		return nil, fmt.Errorf("runlist.NewController: no engine serves any runlist: %w", ErrInvalidRunlist)
	}
	c.log.V(DBG_LVL_BASIC).Info("runlist setup",
		"maxRunlists", p.MaxRunlists, "activeRunlists", len(c.runlists),
		"entrySize", c.entrySize, "maxEntries", p.MaxEntries, "interleave", p.Interleave)

	for _, rl := range c.runlists {
		rl.mu.Lock()
		_, err := c.allocDomainLocked(rl, DEFAULT_DOMAIN_NAME)
		rl.mu.Unlock()
		if err != nil {
			c.Close()
			return nil, err
		}
	}
	c.initEngineInfo()
	return c, nil
}

func (c *Controller) validRunlistID(id uint32) bool {
	for _, e := range c.params.Engines {
		if e.RunlistID == id {
			return true
		}
	}
	return false
}

func (c *Controller) initActiveRunlistMapping() {
	for id := uint32(0); id < c.params.MaxRunlists; id++ {
		if !c.validRunlistID(id) {
			continue
		}
		c.log.V(DBG_LVL_INFO).Info("Configuring HW runlist", "swIndex", len(c.runlists), "runlist", id)
		rl := &Runlist{ID: id, c: c}
		c.runlists = append(c.runlists, rl)
		c.byID[id] = rl
	}
}

func (c *Controller) initEngineInfo() {
	for _, rl := range c.runlists {
		for _, e := range c.params.Engines {
			if e.RunlistID != rl.ID {
				continue
			}
			rl.engBitmask |= 1 << e.EngineID
			for _, pbdma := range e.PBDMAs {
				rl.pbdmaBitmask |= 1 << pbdma
			}
		}
		c.log.V(DBG_LVL_INFO).Info("runlist engines", "runlist", rl.ID,
			"engBitmask", hex(rl.engBitmask), "pbdmaBitmask", hex(rl.pbdmaBitmask))
	}
}

// EntrySize is the width in bytes of one runlist entry.
func (c *Controller) EntrySize() uint32 {
	return c.entrySize
}

func (c *Controller) Params() Params {
	return c.params
}

// Runlists returns the active runlists in hardware id order.
func (c *Controller) Runlists() []*Runlist {
	return append([]*Runlist(nil), c.runlists...)
}

// Runlist looks up an active runlist by hardware id.
func (c *Controller) Runlist(id uint32) (*Runlist, error) {
	if id >= uint32(len(c.byID)) || c.byID[id] == nil {
		return nil, fmt.Errorf("runlist %d: %w", id, ErrInvalidRunlist)
	}
	return c.byID[id], nil
}

func (c *Controller) freeMem(m *Mem) {
	if m != nil {
		c.alloc.Free(m.buf)
	}
}

func (c *Controller) allocMem(size int) (*Mem, error) {
	buf, err := c.alloc.AllocSys(size)
	if err != nil {
		return nil, err
	}
	return &Mem{buf: buf}, nil
}

func (c *Controller) allocDomainLocked(rl *Runlist, name string) (*Domain, error) {
	size := int(c.entrySize) * int(c.params.MaxEntries)
	d := &Domain{
		name:           name,
		runlist:        rl,
		activeChannels: newBitmap(c.params.NumChannels),
		activeTSGs:     newBitmap(c.params.NumTSGs),
	}

	var err error
	if d.mem, err = c.allocMem(size); err != nil {
		return nil, fmt.Errorf("runlist %d domain %q: %w", rl.ID, name, err)
	}
	if d.memHW, err = c.allocMem(size); err != nil {
		c.freeMem(d.mem)
		return nil, fmt.Errorf("runlist %d domain %q: %w", rl.ID, name, err)
	}

	rl.domains = append(rl.domains, d)
	// the first created domain is the boot-time default
	if rl.domain == nil {
		rl.domain = d
	}
	c.log.V(DBG_LVL_INFO).Info("domain allocated", "runlist", rl.ID, "domain", name, "size", size)
	return d, nil
}

func (c *Controller) freeDomainLocked(rl *Runlist, d *Domain) {
	for i, cur := range rl.domains {
		if cur == d {
			rl.domains = append(rl.domains[:i], rl.domains[i+1:]...)
			break
		}
	}
	c.freeMem(d.mem)
	c.freeMem(d.memHW)
	d.mem, d.memHW = nil, nil
	d.activeChannels, d.activeTSGs = nil, nil
	d.freed = true
}

func (c *Controller) domainGetLocked(rl *Runlist, name string) *Domain {
	for _, d := range rl.domains {
		if d.name == name {
			return d
		}
	}
	return nil
}

// DomainGet looks up a domain by name on one runlist.
func (c *Controller) DomainGet(runlistID uint32, name string) (*Domain, error) {
	rl, err := c.Runlist(runlistID)
	if err != nil {
		return nil, err
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if d := c.domainGetLocked(rl, name); d != nil {
		return d, nil
	}
	return nil, fmt.Errorf("runlist %d domain %q: %w", runlistID, name, ErrNoSuchDomain)
}

// DomainAlloc creates the named domain on every runlist. On failure the
// domains created so far are deleted again.
func (c *Controller) DomainAlloc(name string) error {
	if name == "" {
		return fmt.Errorf("runlist domain name is empty")
	}
	for _, rl := range c.runlists {
		rl.mu.Lock()
		// this may only happen on the very first runlist
		if c.domainGetLocked(rl, name) != nil {
			rl.mu.Unlock()
			return fmt.Errorf("domain %q: %w", name, ErrDomainExists)
		}
		_, err := c.allocDomainLocked(rl, name)
		rl.mu.Unlock()
		if err != nil {
			// deletion skips runlists where the domain isn't found
			c.DomainDelete(name)
			return err
		}
	}
	return nil
}

// DomainDelete removes the named domain from every runlist holding it. A
// runlist where it is the only domain keeps it and reports
// ErrLastDomainProtected; the other runlists still proceed.
func (c *Controller) DomainDelete(name string) error {
	var errs []error
	for _, rl := range c.runlists {
		if err := c.domainDeleteOne(rl, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) domainDeleteOne(rl *Runlist, name string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	d := c.domainGetLocked(rl, name)
	if d == nil {
		return nil
	}
	if len(rl.domains) == 1 {
		c.log.Info("refusing to delete last domain", "runlist", rl.ID, "domain", name)
		return fmt.Errorf("runlist %d domain %q: %w", rl.ID, name, ErrLastDomainProtected)
	}
	if d == rl.domain {
		// don't let the hardware access this anymore
		c.switchDomainLocked(rl)
	}
	c.detachTSGsLocked(rl, d)
	c.freeDomainLocked(rl, d)
	c.log.V(DBG_LVL_INFO).Info("domain deleted", "runlist", rl.ID, "domain", name)
	return nil
}

// detachTSGsLocked unschedules the TSGs still bound to d. They have to be
// bound to another domain before their channels run again.
func (c *Controller) detachTSGsLocked(rl *Runlist, d *Domain) {
	c.tsgs.each(func(tsg *TSG) {
		if tsg.runlist != rl || tsg.Domain() != d {
			return
		}
		c.log.Info("tsg bound to deleted domain, unscheduling", "runlist", rl.ID, "domain", d.name,
			"tsg", tsg.ID, "activeChannels", tsg.NumActiveChannels())
		tsg.numActiveChannels.Store(0)
		tsg.SetDomain(nil)
	})
}

// Close frees every domain of every runlist.
func (c *Controller) Close() {
	for _, rl := range c.runlists {
		rl.mu.Lock()
		for len(rl.domains) > 0 {
			c.freeDomainLocked(rl, rl.domains[0])
		}
		// this isn't an owning pointer, just reset
		rl.domain = nil
		rl.mu.Unlock()
	}
}

// LockActiveRunlists takes every runlist lock in id order.
func (c *Controller) LockActiveRunlists() {
	c.log.V(DBG_LVL_INFO).Info("acquire runlist_lock for active runlists")
	for _, rl := range c.runlists {
		rl.mu.Lock()
	}
}

func (c *Controller) UnlockActiveRunlists() {
	c.log.V(DBG_LVL_INFO).Info("release runlist_lock for active runlists")
	for _, rl := range c.runlists {
		rl.mu.Unlock()
	}
}

// UnlockRunlists releases the locks of the runlists whose id bit is set.
func (c *Controller) UnlockRunlists(mask uint32) {
	c.log.V(DBG_LVL_INFO).Info("release runlist_lock for runlists in mask", "mask", hex(mask))
	for _, rl := range c.runlists {
		if mask&(1<<rl.ID) != 0 {
			rl.mu.Unlock()
		}
	}
}

// SetState enables or disables scheduling on the runlists whose id bit is set
// in mask. The write is done under the engine mutex.
func (c *Controller) SetState(mask uint32, state RunlistState) {
	c.log.V(DBG_LVL_INFO).Info("runlist set state", "mask", hex(mask), "state", state.String())
	release := c.lockEngineMutex()
	defer release()
	c.hw.WriteState(mask, state)
}

// IDType : the kind of id passed to RunlistsMask.
type IDType int

const (
	ID_TYPE_UNKNOWN IDType = iota
	ID_TYPE_CHANNEL
	ID_TYPE_TSG
)

// RunlistsMask returns the runlists served by the given engines or PBDMAs,
// plus the runlist of the given channel or TSG. With nothing known, every
// active runlist is returned.
func (c *Controller) RunlistsMask(id uint32, idType IDType, engMask, pbdmaMask uint32) uint32 {
	var mask uint32
	bitmaskDisabled := engMask == 0 && pbdmaMask == 0

	if !bitmaskDisabled {
		for _, rl := range c.runlists {
			if rl.engBitmask&engMask != 0 || rl.pbdmaBitmask&pbdmaMask != 0 {
				mask |= 1 << rl.ID
			}
		}
	}

	switch idType {
	case ID_TYPE_TSG:
		if tsg := c.tsgByID(id); tsg != nil {
			mask |= 1 << tsg.runlist.ID
		} else {
			c.log.Info("no runlist for tsg", "tsg", id)
		}
	case ID_TYPE_CHANNEL:
		if ch := c.channels.get(id); ch != nil {
			mask |= 1 << ch.runlist.ID
		} else {
			c.log.Info("no runlist for channel", "channel", id)
		}
	default:
		if bitmaskDisabled {
			for _, rl := range c.runlists {
				mask |= 1 << rl.ID
			}
		}
	}

	c.log.V(DBG_LVL_INFO).Info("runlists mask", "mask", hex(mask))
	return mask
}

// idTable hands out ids below a fixed limit and maps them back to objects.
type idTable[T any] struct {
	mu    sync.Mutex
	used  *bitmap
	items []*T
}

func (t *idTable[T]) init(n uint32) {
	t.used = newBitmap(n)
	t.items = make([]*T, n)
}

func (t *idTable[T]) alloc(build func(id uint32) *T) (*T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.used.firstClear()
	if !ok {
		return nil, ErrNoFreeID
	}
	t.used.set(id)
	item := build(id)
	t.items[id] = item
	return item, nil
}

func (t *idTable[T]) get(id uint32) *T {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id >= uint32(len(t.items)) {
		return nil
	}
	return t.items[id]
}

// each calls fn for every allocated item in id order.
func (t *idTable[T]) each(fn func(item *T)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, item := range t.items {
		if item != nil {
			fn(item)
		}
	}
}

func (t *idTable[T]) release(id uint32, item *T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id >= uint32(len(t.items)) || t.items[id] != item {
		return false
	}
	t.items[id] = nil
	t.used.clear(id)
	return true
}

func (c *Controller) tsgByID(id uint32) *TSG {
	return c.tsgs.get(id)
}

// NewTSG allocates a TSG on runlist runlistID. The TSG is not scheduled until
// it is bound to a domain.
func (c *Controller) NewTSG(runlistID uint32, level InterleaveLevel, timesliceUs uint32) (*TSG, error) {
	rl, err := c.Runlist(runlistID)
	if err != nil {
		return nil, err
	}
	if !level.Valid() {
		return nil, fmt.Errorf("invalid interleave level %d", level)
	}
	tsg, err := c.tsgs.alloc(func(id uint32) *TSG {
		t := &TSG{ID: id, runlist: rl}
		t.interleave.Store(uint32(level))
		t.timesliceUs.Store(timesliceUs)
		return t
	})
	if err != nil {
		return nil, fmt.Errorf("tsg: %w", err)
	}
	c.log.V(DBG_LVL_INFO).Info("tsg opened", "tsg", tsg.ID, "runlist", runlistID, "level", level.String(), "timesliceUs", timesliceUs)
	return tsg, nil
}

// ReleaseTSG returns the TSG id. The TSG must have no bound channels.
func (c *Controller) ReleaseTSG(tsg *TSG) error {
	if n := len(tsg.Channels()); n != 0 {
		return fmt.Errorf("tsg %d still has %d channels", tsg.ID, n)
	}
	tsg.SetDomain(nil)
	if !c.tsgs.release(tsg.ID, tsg) {
		return fmt.Errorf("tsg %d is not registered", tsg.ID)
	}
	return nil
}

// NewChannel allocates a channel on runlist runlistID.
func (c *Controller) NewChannel(runlistID uint32) (*Channel, error) {
	rl, err := c.Runlist(runlistID)
	if err != nil {
		return nil, err
	}
	ch, err := c.channels.alloc(func(id uint32) *Channel {
		return &Channel{ID: id, runlist: rl}
	})
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	c.log.V(DBG_LVL_INFO).Info("channel opened", "channel", ch.ID, "runlist", runlistID)
	return ch, nil
}

// ReleaseChannel returns the channel id. The channel must be unbound.
func (c *Controller) ReleaseChannel(ch *Channel) error {
	if tsg := ch.TSG(); tsg != nil {
		return fmt.Errorf("channel %d still bound to tsg %d", ch.ID, tsg.ID)
	}
	if !c.channels.release(ch.ID, ch) {
		return fmt.Errorf("channel %d is not registered", ch.ID)
	}
	return nil
}

func (c *Controller) ChannelByID(id uint32) *Channel {
	return c.channels.get(id)
}

func (c *Controller) TSGByID(id uint32) *TSG {
	return c.tsgByID(id)
}
