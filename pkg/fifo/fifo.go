// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// Package fifo glues the runlist controller to its collaborators and runs the
// domain scheduler tick.
package fifo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/tomb.v2"
	"k8s.io/klog/v2"

	"github.com/Seagate/gpu-runlist-lib/pkg/chip"
	"github.com/Seagate/gpu-runlist-lib/pkg/config"
	"github.com/Seagate/gpu-runlist-lib/pkg/gpusim"
	"github.com/Seagate/gpu-runlist-lib/pkg/runlist"
)

// Subsystem is one GPU's FIFO: the runlist controller plus the domain
// scheduler worker.
type Subsystem struct {
	C    *runlist.Controller
	Arch *chip.Arch

	// set by NewSimulated only
	Mem      *gpusim.Sysmem
	GPU      *gpusim.GPU
	PMU      *gpusim.PMUMutex
	Power    *gpusim.Power
	Recovery *gpusim.Recovery

	tick    time.Duration
	mu      sync.Mutex
	started bool
	tomb    tomb.Tomb
}

// NewFromDeps builds the subsystem around caller supplied collaborators.
// tick is the domain scheduler period, zero disables the scheduler.
func NewFromDeps(p runlist.Params, deps runlist.Deps, tick time.Duration) (*Subsystem, error) {
	c, err := runlist.NewController(p, deps)
	if err != nil {
		return nil, err
	}
	return &Subsystem{C: c, tick: tick}, nil
}

// NewSimulated builds the subsystem of cfg against the simulated GPU and
// allocates the configured domains.
func NewSimulated(cfg *config.Config) (*Subsystem, error) {
	arch, err := cfg.ResolveArch()
	if err != nil {
		return nil, err
	}
	p := cfg.Params(arch)

	mem := gpusim.NewSysmem()
	enc := arch.Encoder()
	gpu := gpusim.NewGPU(mem, enc, gpusim.Options{
		AckDelay:       cfg.AckDelay.Duration,
		PendingTimeout: cfg.PendingTimeout.Duration,
	})
	pmu := gpusim.NewPMUMutex()
	power := &gpusim.Power{}
	rc := gpusim.NewRecovery(gpu)

	s, err := NewFromDeps(p, runlist.Deps{
		Encoder:     enc,
		Scaler:      arch.Scaler(),
		Hardware:    gpu,
		Allocator:   mem,
		Recovery:    rc,
		EngineMutex: pmu,
		Power:       power,
	}, cfg.TickInterval.Duration)
	if err != nil {
		gpu.Stop()
		return nil, err
	}
	s.Arch = arch
	s.Mem, s.GPU, s.PMU, s.Power, s.Recovery = mem, gpu, pmu, power, rc

	for _, name := range cfg.Domains {
		if err := s.C.DomainAlloc(name); err != nil {
			s.Close()
			return nil, err
		}
	}
	klog.V(runlist.DBG_LVL_BASIC).InfoS("fifo.NewSimulated", "arch", arch.Name,
		"runlists", len(s.C.Runlists()), "domains", len(cfg.Domains)+1)
	return s, nil
}

// Start launches the domain scheduler worker. It is a no-op without a tick
// period or when already started.
func (s *Subsystem) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tick <= 0 || s.started {
		return
	}
	s.started = true
	s.tomb.Go(s.runScheduler)
}

func (s *Subsystem) runScheduler() error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	klog.V(runlist.DBG_LVL_INFO).InfoS("domain scheduler started", "tick", s.tick)
	for {
		select {
		case <-s.tomb.Dying():
			klog.V(runlist.DBG_LVL_INFO).InfoS("domain scheduler stopped")
			return nil
		case <-ticker.C:
			s.C.Tick()
		}
	}
}

// Stop kills the scheduler worker and waits for it.
func (s *Subsystem) Stop() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

// Running reports whether the scheduler worker is alive.
func (s *Subsystem) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && s.tomb.Alive()
}

// ReloadAll rebuilds (add) or clears (!add) the active domain of every
// runlist.
func (s *Subsystem) ReloadAll(ctx context.Context, add bool) error {
	mask := s.C.RunlistsMask(0, runlist.ID_TYPE_UNKNOWN, 0, 0)
	return s.C.ReloadIDs(ctx, mask, add)
}

// Close stops the scheduler and frees every domain.
func (s *Subsystem) Close() {
	if err := s.Stop(); err != nil {
		klog.ErrorS(err, "domain scheduler exit")
	}
	s.C.Close()
	if s.GPU != nil {
		s.GPU.Stop()
	}
}

func (s *Subsystem) State() []runlist.RunlistSnapshot {
	return s.C.State()
}

func (s *Subsystem) domainFor(runlistID uint32, name string) (*runlist.Domain, error) {
	d, err := s.C.DomainGet(runlistID, name)
	if err != nil {
		return nil, fmt.Errorf("fifo: %w", err)
	}
	return d, nil
}
