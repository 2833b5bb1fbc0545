// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the simulated PMU side of the runlist: the hardware
// mutex shared with the PMU firmware, the power state and the recovery hook.
package gpusim

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"k8s.io/klog/v2"

	"github.com/Seagate/gpu-runlist-lib/pkg/runlist"
)

const PMU_MUTEX_MAX_RETRY = 40
const PMU_MUTEX_RETRY_INTERVAL = 30 * time.Microsecond

const (
	PMU_MUTEX_VALUE_INITIAL_LOCK = 0x0
	PMU_MUTEX_ID_VALUE_NOT_AVAIL = 0xFF
)

var ErrMutexBusy = errors.New("pmu mutex busy")
var ErrPoweringDown = errors.New("gpu is powering down")

// PMUMutex is the FIFO mutex the driver shares with the PMU firmware.
type PMUMutex struct {
	mu      sync.Mutex
	owner   uint32
	nextID  uint32
	retries uint64
}

func NewPMUMutex() *PMUMutex {
	return &PMUMutex{owner: PMU_MUTEX_VALUE_INITIAL_LOCK, nextID: 1}
}

// genTokenLocked returns the next mutex id, skipping the reserved values.
func (m *PMUMutex) genTokenLocked() uint32 {
	tok := m.nextID
	m.nextID++
	if m.nextID >= PMU_MUTEX_ID_VALUE_NOT_AVAIL {
		m.nextID = 1
	}
	return tok
}

func (m *PMUMutex) tryLock() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != PMU_MUTEX_VALUE_INITIAL_LOCK {
		m.retries++
		return 0, ErrMutexBusy
	}
	m.owner = m.genTokenLocked()
	return m.owner, nil
}

// Acquire retries a bounded number of times and then gives up with
// ErrMutexBusy.
func (m *PMUMutex) Acquire() (uint32, error) {
	var token uint32
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(PMU_MUTEX_RETRY_INTERVAL), PMU_MUTEX_MAX_RETRY)
	err := backoff.Retry(func() error {
		var err error
		token, err = m.tryLock()
		return err
	}, b)
	if err != nil {
		return 0, fmt.Errorf("fail to acquire mutex: %w", err)
	}
	klog.V(runlist.DBG_LVL_DEEP_DETAIL).InfoS("pmu mutex acquired", "token", hex(token))
	return token, nil
}

func (m *PMUMutex) Release(token uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != token {
		return fmt.Errorf("pmu mutex release with token 0x%X, owner is 0x%X", token, m.owner)
	}
	m.owner = PMU_MUTEX_VALUE_INITIAL_LOCK
	klog.V(runlist.DBG_LVL_DEEP_DETAIL).InfoS("pmu mutex released", "token", hex(token))
	return nil
}

// HoldExternal takes the mutex on behalf of the PMU firmware. The returned
// func releases it.
func (m *PMUMutex) HoldExternal() (func(), error) {
	token, err := m.tryLock()
	if err != nil {
		return nil, err
	}
	return func() {
		if err := m.Release(token); err != nil {
			klog.ErrorS(err, "pmu external release")
		}
	}, nil
}

// Held reports whether anyone owns the mutex.
func (m *PMUMutex) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner != PMU_MUTEX_VALUE_INITIAL_LOCK
}

// Retries is the number of failed lock attempts so far.
func (m *PMUMutex) Retries() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

// Power tracks the rail state and the busy references held for submits.
type Power struct {
	off          atomic.Bool
	shuttingDown atomic.Bool
	refs         atomic.Int32
}

func (p *Power) IsPoweredOff() bool {
	return p.off.Load()
}

func (p *Power) SetPoweredOff(off bool) {
	p.off.Store(off)
}

// ShutDown makes every later Busy fail.
func (p *Power) ShutDown() {
	p.shuttingDown.Store(true)
}

func (p *Power) Busy() error {
	if p.shuttingDown.Load() {
		return ErrPoweringDown
	}
	p.refs.Add(1)
	return nil
}

func (p *Power) Idle() {
	if p.refs.Add(-1) < 0 {
		klog.ErrorS(nil, "power idle without busy")
	}
}

// Refs is the number of outstanding Busy calls.
func (p *Power) Refs() int32 {
	return p.refs.Load()
}

// Recovery counts runlist update timeouts and resets the hung runlist.
type Recovery struct {
	gpu *GPU

	mu    sync.Mutex
	calls map[uint32]int
}

func NewRecovery(gpu *GPU) *Recovery {
	return &Recovery{gpu: gpu, calls: make(map[uint32]int)}
}

func (r *Recovery) RunlistUpdateTimeout(runlistID uint32) {
	klog.ErrorS(runlist.ErrTimeout, "runlist update timed out, recovering", "runlist", runlistID)
	r.mu.Lock()
	r.calls[runlistID]++
	r.mu.Unlock()
	if r.gpu != nil {
		r.gpu.ResetRunlist(runlistID)
	}
}

// Count is the number of recoveries of one runlist.
func (r *Recovery) Count(runlistID uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[runlistID]
}
