// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// Package config loads the runlist subsystem configuration from YAML or TOML
// files.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/Seagate/gpu-runlist-lib/pkg/chip"
	"github.com/Seagate/gpu-runlist-lib/pkg/runlist"
)

const DEFAULT_CHIP = "gv11b"
const DEFAULT_SYSFS_ROOT = "/sys"
const DEFAULT_PENDING_TIMEOUT = 100 * time.Millisecond

// Duration is a time.Duration read from strings like "10ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", text)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Engine places one engine on a runlist and lists the PBDMAs serving it.
type Engine struct {
	ID      uint32   `yaml:"id" toml:"id" json:"id"`
	Runlist uint32   `yaml:"runlist" toml:"runlist" json:"runlist"`
	PBDMAs  []uint32 `yaml:"pbdmas" toml:"pbdmas" json:"pbdmas"`
}

type Config struct {
	// Chip names the architecture. With Chip empty and BDF set the
	// architecture is probed from sysfs.
	Chip      string `yaml:"chip" toml:"chip" json:"chip,omitempty"`
	BDF       string `yaml:"bdf" toml:"bdf" json:"bdf,omitempty"`
	SysfsRoot string `yaml:"sysfs_root" toml:"sysfs_root" json:"sysfs_root,omitempty"`

	Interleave  *bool  `yaml:"interleave" toml:"interleave" json:"interleave,omitempty"`
	NumChannels uint32 `yaml:"num_channels" toml:"num_channels" json:"num_channels,omitempty"`
	NumTSGs     uint32 `yaml:"num_tsgs" toml:"num_tsgs" json:"num_tsgs,omitempty"`
	MaxEntries  uint32 `yaml:"max_entries" toml:"max_entries" json:"max_entries,omitempty"`

	Runlists []uint32 `yaml:"runlists" toml:"runlists" json:"runlists,omitempty"`
	Engines  []Engine `yaml:"engines" toml:"engines" json:"engines,omitempty"`
	Domains  []string `yaml:"domains" toml:"domains" json:"domains,omitempty"`

	TickInterval   Duration `yaml:"tick_interval" toml:"tick_interval" json:"tick_interval"`
	AckDelay       Duration `yaml:"ack_delay" toml:"ack_delay" json:"ack_delay"`
	PendingTimeout Duration `yaml:"pending_timeout" toml:"pending_timeout" json:"pending_timeout"`

	Verbosity int `yaml:"verbosity" toml:"verbosity" json:"verbosity"`
}

// Load reads path, decoding .toml files as TOML and anything else as YAML,
// and returns the validated configuration with defaults filled in.
func Load(path string) (*Config, error) {
	p, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	klog.V(runlist.DBG_LVL_BASIC).InfoS("config.Load", "path", p)

	var c Config
	if strings.EqualFold(filepath.Ext(p), ".toml") {
		md, err := toml.DecodeFile(p, &c)
		if err != nil {
			return nil, fmt.Errorf("config %q: %w", p, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return nil, fmt.Errorf("config %q: unknown keys %v", p, undec)
		}
	} else {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("config %q: %w", p, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config %q: %w", p, err)
		}
	}

	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", p, err)
	}
	return &c, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

func (c *Config) SetDefaults() {
	if c.Chip == "" && c.BDF == "" {
		c.Chip = DEFAULT_CHIP
	}
	if c.SysfsRoot == "" {
		c.SysfsRoot = DEFAULT_SYSFS_ROOT
	}
	if c.PendingTimeout.Duration == 0 {
		c.PendingTimeout.Duration = DEFAULT_PENDING_TIMEOUT
	}
	if len(c.Runlists) == 0 {
		for _, e := range c.Engines {
			if !contains(c.Runlists, e.Runlist) {
				c.Runlists = append(c.Runlists, e.Runlist)
			}
		}
	}
}

func contains(ids []uint32, id uint32) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (c *Config) Validate() error {
	if c.Chip != "" {
		if _, err := chip.Lookup(c.Chip); err != nil {
			return err
		}
	}
	if c.BDF != "" {
		if _, err := chip.ParseBDF(c.BDF); err != nil {
			return err
		}
	}

	seen := map[uint32]bool{}
	for _, id := range c.Runlists {
		if id >= runlist.MAX_RUNLISTS {
			return fmt.Errorf("runlist id %d out of range", id)
		}
		if seen[id] {
			return fmt.Errorf("duplicate runlist id %d", id)
		}
		seen[id] = true
	}
	engines := map[uint32]bool{}
	for _, e := range c.Engines {
		if engines[e.ID] {
			return fmt.Errorf("duplicate engine id %d", e.ID)
		}
		engines[e.ID] = true
		if e.ID >= 32 {
			return fmt.Errorf("engine id %d out of range", e.ID)
		}
		if !seen[e.Runlist] {
			return fmt.Errorf("engine %d on unknown runlist %d", e.ID, e.Runlist)
		}
		for _, p := range e.PBDMAs {
			if p >= 32 {
				return fmt.Errorf("engine %d: pbdma %d out of range", e.ID, p)
			}
		}
	}
	if len(c.Runlists) > 0 && len(c.Engines) == 0 {
		return fmt.Errorf("runlists given without engines")
	}

	names := map[string]bool{runlist.DEFAULT_DOMAIN_NAME: true}
	for _, n := range c.Domains {
		if n == "" || names[n] {
			return fmt.Errorf("invalid or duplicate domain name %q", n)
		}
		names[n] = true
	}
	if c.Verbosity < 0 {
		return fmt.Errorf("negative verbosity %d", c.Verbosity)
	}
	return nil
}

// ResolveArch returns the configured architecture, probing the GPU at BDF
// when no chip is named.
func (c *Config) ResolveArch() (*chip.Arch, error) {
	if c.Chip != "" {
		return chip.Lookup(c.Chip)
	}
	bdf, err := chip.ParseBDF(c.BDF)
	if err != nil {
		return nil, err
	}
	devs, err := chip.InitGpuDevList(c.SysfsRoot)
	if err != nil {
		return nil, err
	}
	dev, ok := devs[bdf.String()]
	if !ok {
		return nil, fmt.Errorf("no NVIDIA gpu at %s", bdf)
	}
	return dev.GetArch()
}

// Params merges the overrides of c into the parameters of arch a.
func (c *Config) Params(a *chip.Arch) runlist.Params {
	p := a.Params()
	if c.Interleave != nil {
		p.Interleave = *c.Interleave
	}
	if c.NumChannels != 0 {
		p.NumChannels = c.NumChannels
	}
	if c.NumTSGs != 0 {
		p.NumTSGs = c.NumTSGs
	}
	if c.MaxEntries != 0 {
		p.MaxEntries = c.MaxEntries
	}
	if len(c.Engines) > 0 {
		p.Engines = p.Engines[:0]
		for _, e := range c.Engines {
			p.Engines = append(p.Engines, runlist.EngineInfo{
				EngineID:  e.ID,
				RunlistID: e.Runlist,
				PBDMAs:    append([]uint32(nil), e.PBDMAs...),
			})
		}
		maxID := uint32(0)
		for _, id := range c.Runlists {
			if id > maxID {
				maxID = id
			}
		}
		if maxID >= p.MaxRunlists {
			p.MaxRunlists = maxID + 1
		}
	}
	return p
}
