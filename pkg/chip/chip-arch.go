// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file holds the table of supported GPU architectures and the
// construction-time parameters each of them hands to the runlist controller.
package chip

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Seagate/gpu-runlist-lib/pkg/ptimer"
	"github.com/Seagate/gpu-runlist-lib/pkg/ramrl"
	"github.com/Seagate/gpu-runlist-lib/pkg/runlist"
)

const (
	DBG_LVL_DEFAULT     = iota //0
	DBG_LVL_BASIC              //1
	DBG_LVL_INFO               //2
	DBG_LVL_DETAIL             //3
	DBG_LVL_DEEP_DETAIL        //4
)

// EntryFormat : the runlist entry layout of an architecture.
type EntryFormat string

// List of runlist entry layouts
const (
	ENTRY_FORMAT_GK20A EntryFormat = "gk20a" // 2 words
	ENTRY_FORMAT_GV11B EntryFormat = "gv11b" // 4 words
)

// devIDRange is an inclusive range of PCI device ids.
type devIDRange struct {
	First uint16
	Last  uint16
}

// Arch describes one GPU architecture.
type Arch struct {
	Name            string
	EntryFormat     EntryFormat
	NumChannels     uint32
	NumTSGs         uint32
	MaxEntries      uint32
	MaxRunlists     uint32
	PtimerSrcFreqHz uint32
	Engines         []runlist.EngineInfo
	Integrated      bool
	devIDs          []devIDRange
}

var archTable = map[string]*Arch{
	"gk20a": {
		Name:            "gk20a",
		EntryFormat:     ENTRY_FORMAT_GK20A,
		NumChannels:     128,
		NumTSGs:         128,
		MaxEntries:      1024,
		MaxRunlists:     1,
		PtimerSrcFreqHz: ptimer.PTIMER_SRC_FREQ_19_2MHZ,
		Engines:         []runlist.EngineInfo{{EngineID: 0, RunlistID: 0, PBDMAs: []uint32{0}}, {EngineID: 1, RunlistID: 0, PBDMAs: []uint32{0}}},
		Integrated:      true,
	},
	"gm20b": {
		Name:            "gm20b",
		EntryFormat:     ENTRY_FORMAT_GK20A,
		NumChannels:     512,
		NumTSGs:         512,
		MaxEntries:      2048,
		MaxRunlists:     2,
		PtimerSrcFreqHz: ptimer.PTIMER_SRC_FREQ_19_2MHZ,
		Engines:         []runlist.EngineInfo{{EngineID: 0, RunlistID: 0, PBDMAs: []uint32{0}}, {EngineID: 1, RunlistID: 1, PBDMAs: []uint32{0}}},
		Integrated:      true,
	},
	"gv11b": {
		Name:            "gv11b",
		EntryFormat:     ENTRY_FORMAT_GV11B,
		NumChannels:     512,
		NumTSGs:         512,
		MaxEntries:      2048,
		MaxRunlists:     4,
		PtimerSrcFreqHz: ptimer.PTIMER_SRC_FREQ_31_25MHZ,
		Engines:         []runlist.EngineInfo{{EngineID: 0, RunlistID: 0, PBDMAs: []uint32{0}}, {EngineID: 1, RunlistID: 0, PBDMAs: []uint32{0}}, {EngineID: 2, RunlistID: 2, PBDMAs: []uint32{1}}},
		Integrated:      true,
	},
	"ga10b": {
		Name:            "ga10b",
		EntryFormat:     ENTRY_FORMAT_GV11B,
		NumChannels:     512,
		NumTSGs:         512,
		MaxEntries:      2048,
		MaxRunlists:     8,
		PtimerSrcFreqHz: ptimer.PTIMER_SRC_FREQ_31_25MHZ,
		Engines:         []runlist.EngineInfo{{EngineID: 0, RunlistID: 0, PBDMAs: []uint32{0}}, {EngineID: 1, RunlistID: 1, PBDMAs: []uint32{1}}, {EngineID: 2, RunlistID: 2, PBDMAs: []uint32{2}}},
		Integrated:      true,
	},
	"tu104": {
		Name:            "tu104",
		EntryFormat:     ENTRY_FORMAT_GV11B,
		NumChannels:     4096,
		NumTSGs:         4096,
		MaxEntries:      8192,
		MaxRunlists:     16,
		PtimerSrcFreqHz: ptimer.PTIMER_SRC_FREQ_31_25MHZ,
		Engines:         []runlist.EngineInfo{{EngineID: 0, RunlistID: 0, PBDMAs: []uint32{0, 1}}, {EngineID: 1, RunlistID: 2, PBDMAs: []uint32{2}}, {EngineID: 2, RunlistID: 3, PBDMAs: []uint32{3}}, {EngineID: 3, RunlistID: 4, PBDMAs: []uint32{4}}},
		devIDs:          []devIDRange{{0x1E80, 0x1EFF}},
	},
	"ga100": {
		Name:            "ga100",
		EntryFormat:     ENTRY_FORMAT_GV11B,
		NumChannels:     2048,
		NumTSGs:         2048,
		MaxEntries:      8192,
		MaxRunlists:     16,
		PtimerSrcFreqHz: ptimer.PTIMER_SRC_FREQ_31_25MHZ,
		Engines:         []runlist.EngineInfo{{EngineID: 0, RunlistID: 0, PBDMAs: []uint32{0, 1}}, {EngineID: 1, RunlistID: 1, PBDMAs: []uint32{2}}, {EngineID: 2, RunlistID: 2, PBDMAs: []uint32{3}}},
		devIDs:          []devIDRange{{0x20B0, 0x20BF}, {0x20F0, 0x20FF}},
	},
}

// Lookup returns the architecture with the given name, case insensitive.
func Lookup(name string) (*Arch, error) {
	a, ok := archTable[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown gpu architecture %q, expect one of %v", name, ArchNames())
	}
	return a, nil
}

// ArchNames lists every supported architecture, sorted.
func ArchNames() []string {
	names := make([]string, 0, len(archTable))
	for n := range archTable {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ArchForDevice maps a PCI device id of an NVIDIA GPU to its architecture.
func ArchForDevice(deviceID uint16) (*Arch, bool) {
	for _, a := range archTable {
		for _, r := range a.devIDs {
			if deviceID >= r.First && deviceID <= r.Last {
				return a, true
			}
		}
	}
	return nil, false
}

// Encoder returns the runlist entry encoder of the architecture.
func (a *Arch) Encoder() runlist.EntryEncoder {
	switch a.EntryFormat {
	case ENTRY_FORMAT_GK20A:
		return ramrl.GK20A{}
	default:
		return ramrl.GV11B{}
	}
}

// Scaler returns the PTIMER scaler of the architecture.
func (a *Arch) Scaler() ptimer.Scaler {
	return ptimer.Scaler{SrcFreqHz: a.PtimerSrcFreqHz}
}

// Params returns the runlist controller parameters, interleaving enabled.
func (a *Arch) Params() runlist.Params {
	engines := make([]runlist.EngineInfo, len(a.Engines))
	for i, e := range a.Engines {
		e.PBDMAs = append([]uint32(nil), e.PBDMAs...)
		engines[i] = e
	}
	return runlist.Params{
		NumChannels: a.NumChannels,
		NumTSGs:     a.NumTSGs,
		MaxEntries:  a.MaxEntries,
		MaxRunlists: a.MaxRunlists,
		Interleave:  true,
		Engines:     engines,
	}
}
