// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package runlist

// DomainState is a snapshot of one domain for debug dumps.
type DomainState struct {
	Name           string
	Active         bool
	ActiveChannels []uint32
	ActiveTSGs     []uint32
	LiveIOVA       string
	LiveCount      uint32
	Entries        []Entry
}

// RunlistSnapshot is a snapshot of one runlist for debug dumps.
type RunlistSnapshot struct {
	ID           uint32
	EngBitmask   string
	PbdmaBitmask string
	ActiveDomain string
	Domains      []DomainState
}

// State takes every runlist lock in turn and returns what each runlist would
// hand to hardware right now, entries decoded with the generation encoder.
func (c *Controller) State() []RunlistSnapshot {
	out := make([]RunlistSnapshot, 0, len(c.runlists))
	for _, rl := range c.runlists {
		out = append(out, c.runlistState(rl))
	}
	return out
}

func (c *Controller) runlistState(rl *Runlist) RunlistSnapshot {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := RunlistSnapshot{
		ID:           rl.ID,
		EngBitmask:   hex(rl.engBitmask),
		PbdmaBitmask: hex(rl.pbdmaBitmask),
	}
	if rl.domain != nil {
		s.ActiveDomain = rl.domain.name
	}
	for _, d := range rl.domains {
		s.Domains = append(s.Domains, DomainState{
			Name:           d.name,
			Active:         d == rl.domain,
			ActiveChannels: d.activeChannels.ids(),
			ActiveTSGs:     d.activeTSGs.ids(),
			LiveIOVA:       hex(d.memHW.buf.IOVA),
			LiveCount:      d.memHW.count,
			Entries:        c.decodeMem(d.memHW),
		})
	}
	return s
}

func (c *Controller) decodeMem(m *Mem) []Entry {
	entries := make([]Entry, 0, m.count)
	for i := uint32(0); i < m.count; i++ {
		off := i * c.entrySize
		entries = append(entries, c.enc.Decode(m.buf.CPUVA[off:off+c.entrySize]))
	}
	return entries
}

// LiveEntries decodes the buffer of domain d last handed to hardware.
func (c *Controller) LiveEntries(d *Domain) []Entry {
	rl := d.runlist
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if d.freed {
		return nil
	}
	return c.decodeMem(d.memHW)
}
