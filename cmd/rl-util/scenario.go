// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/Seagate/gpu-runlist-lib/pkg/fifo"
	"github.com/Seagate/gpu-runlist-lib/pkg/runlist"
)

// Step is one scenario operation. Names refer to TSGs and channels opened by
// earlier steps.
type Step struct {
	Op          string `yaml:"op"`
	Name        string `yaml:"name"`
	Runlist     uint32 `yaml:"runlist"`
	Level       string `yaml:"level"`
	Timeslice   uint32 `yaml:"timeslice"`
	TSG         string `yaml:"tsg"`
	Channel     string `yaml:"channel"`
	Domain      string `yaml:"domain"`
	Preempt     bool   `yaml:"preempt"`
	ExpectError bool   `yaml:"expect_error"`
}

type Scenario struct {
	Steps []Step `yaml:"steps"`
}

// StepResult is printed for every executed step.
type StepResult struct {
	Index int
	Op    string
	Error string `json:",omitempty"`
}

type scenarioRunner struct {
	s        *fifo.Subsystem
	tsgs     map[string]*runlist.TSG
	channels map[string]*runlist.Channel
}

func loadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", path, err)
	}
	return &sc, nil
}

func newScenarioRunner(s *fifo.Subsystem) *scenarioRunner {
	return &scenarioRunner{
		s:        s,
		tsgs:     make(map[string]*runlist.TSG),
		channels: make(map[string]*runlist.Channel),
	}
}

func (r *scenarioRunner) tsg(name string) (*runlist.TSG, error) {
	tsg, ok := r.tsgs[name]
	if !ok {
		return nil, fmt.Errorf("unknown tsg %q", name)
	}
	return tsg, nil
}

func (r *scenarioRunner) channel(name string) (*runlist.Channel, error) {
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", name)
	}
	return ch, nil
}

// Run executes every step and stops at the first unexpected result.
func (r *scenarioRunner) Run(ctx context.Context, sc *Scenario) ([]StepResult, error) {
	var results []StepResult
	for i, st := range sc.Steps {
		klog.V(runlist.DBG_LVL_BASIC).InfoS("scenario step", "index", i, "op", st.Op)
		err := r.step(ctx, st)
		res := StepResult{Index: i, Op: st.Op}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
		if (err != nil) != st.ExpectError {
			if err == nil {
				err = fmt.Errorf("expected an error")
			}
			return results, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
	}
	return results, nil
}

func (r *scenarioRunner) step(ctx context.Context, st Step) error {
	switch st.Op {
	case "open-tsg":
		level := runlist.INTERLEAVE_LEVEL_LOW
		if st.Level != "" {
			var err error
			if level, err = runlist.ParseInterleaveLevel(st.Level); err != nil {
				return err
			}
		}
		if _, dup := r.tsgs[st.Name]; dup || st.Name == "" {
			return fmt.Errorf("tsg name %q missing or in use", st.Name)
		}
		tsg, err := r.s.OpenTSG(st.Runlist, level, st.Timeslice)
		if err != nil {
			return err
		}
		r.tsgs[st.Name] = tsg

	case "open-channel":
		if _, dup := r.channels[st.Name]; dup || st.Name == "" {
			return fmt.Errorf("channel name %q missing or in use", st.Name)
		}
		var tsg *runlist.TSG
		runlistID := st.Runlist
		if st.TSG != "" {
			var err error
			if tsg, err = r.tsg(st.TSG); err != nil {
				return err
			}
			runlistID = tsg.Runlist().ID
		}
		ch, err := r.s.OpenChannel(runlistID)
		if err != nil {
			return err
		}
		r.channels[st.Name] = ch
		if tsg != nil {
			return r.s.BindChannel(tsg, ch)
		}

	case "enable", "disable":
		ch, err := r.channel(st.Channel)
		if err != nil {
			return err
		}
		if st.Op == "enable" {
			return r.s.EnableChannel(ctx, ch)
		}
		return r.s.DisableChannel(ctx, ch)

	case "close":
		if st.Channel != "" {
			ch, err := r.channel(st.Channel)
			if err != nil {
				return err
			}
			delete(r.channels, st.Channel)
			return r.s.CloseChannel(ctx, ch)
		}
		tsg, err := r.tsg(st.TSG)
		if err != nil {
			return err
		}
		if err := r.s.CloseTSG(tsg); err != nil {
			return err
		}
		delete(r.tsgs, st.TSG)

	case "set-interleave":
		tsg, err := r.tsg(st.TSG)
		if err != nil {
			return err
		}
		level, err := runlist.ParseInterleaveLevel(st.Level)
		if err != nil {
			return err
		}
		return r.s.SetInterleave(ctx, tsg, level)

	case "set-timeslice":
		tsg, err := r.tsg(st.TSG)
		if err != nil {
			return err
		}
		return r.s.SetTimeslice(ctx, tsg, st.Timeslice)

	case "domain-alloc":
		return r.s.C.DomainAlloc(st.Domain)

	case "domain-delete":
		return r.s.C.DomainDelete(st.Domain)

	case "bind":
		tsg, err := r.tsg(st.TSG)
		if err != nil {
			return err
		}
		return r.s.BindDomain(tsg, st.Domain)

	case "tick":
		r.s.C.Tick()

	case "reschedule":
		ch, err := r.channel(st.Channel)
		if err != nil {
			return err
		}
		return r.s.Reschedule(ctx, ch, st.Preempt)

	case "reload":
		return r.s.ReloadAll(ctx, true)

	case "runlist-enable", "runlist-disable":
		if _, err := r.s.C.Runlist(st.Runlist); err != nil {
			return err
		}
		r.s.SetRunlistsEnabled(1<<st.Runlist, st.Op == "runlist-enable")

	default:
		return fmt.Errorf("unknown scenario op %q", st.Op)
	}
	return nil
}
