// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the simulated system memory handing out DMA buffers
// for runlists.
package gpusim

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/Seagate/gpu-runlist-lib/pkg/runlist"
)

const SYSMEM_PAGE_SIZE = 0x1000

// IOVAs start above 4G so the hi submit register is exercised.
const SYSMEM_IOVA_BASE = 0x1_0000_0000

// Sysmem is a page-aligned DMA allocator backed by Go memory.
type Sysmem struct {
	mu        sync.Mutex
	next      uint64
	bufs      map[uint64][]byte
	allocs    int
	failAfter int
}

func NewSysmem() *Sysmem {
	return &Sysmem{
		next:      SYSMEM_IOVA_BASE,
		bufs:      make(map[uint64][]byte),
		failAfter: -1,
	}
}

// FailAfter makes every allocation after the next n fail. n < 0 disables it.
func (m *Sysmem) FailAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 {
		m.failAfter = -1
		return
	}
	m.failAfter = m.allocs + n
}

func (m *Sysmem) AllocSys(size int) (runlist.DMABuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size <= 0 {
		return runlist.DMABuffer{}, fmt.Errorf("sysmem: invalid size %d", size)
	}
	if m.failAfter >= 0 && m.allocs >= m.failAfter {
		return runlist.DMABuffer{}, fmt.Errorf("sysmem: out of memory allocating 0x%X bytes", size)
	}
	m.allocs++

	iova := m.next
	pages := (uint64(size) + SYSMEM_PAGE_SIZE - 1) / SYSMEM_PAGE_SIZE
	m.next += pages * SYSMEM_PAGE_SIZE

	buf := make([]byte, size)
	m.bufs[iova] = buf
	klog.V(runlist.DBG_LVL_DETAIL).InfoS("sysmem alloc", "iova", hex(iova), "size", size)
	return runlist.DMABuffer{CPUVA: buf, IOVA: iova}, nil
}

func (m *Sysmem) Free(buf runlist.DMABuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bufs[buf.IOVA]; !ok {
		klog.ErrorS(nil, "sysmem free of unknown buffer", "iova", hex(buf.IOVA))
		return
	}
	delete(m.bufs, buf.IOVA)
	klog.V(runlist.DBG_LVL_DETAIL).InfoS("sysmem free", "iova", hex(buf.IOVA))
}

// Read copies n bytes starting at iova, as the device would fetch them.
func (m *Sysmem) Read(iova uint64, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for base, buf := range m.bufs {
		if iova < base || iova >= base+uint64(len(buf)) {
			continue
		}
		off := int(iova - base)
		if off+n > len(buf) {
			return nil, fmt.Errorf("sysmem: read of %d bytes at 0x%X crosses buffer end", n, iova)
		}
		out := make([]byte, n)
		copy(out, buf[off:off+n])
		return out, nil
	}
	if n == 0 {
		return nil, nil
	}
	return nil, fmt.Errorf("sysmem: iova 0x%X is not mapped", iova)
}

// Live is the number of buffers not freed yet.
func (m *Sysmem) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bufs)
}

func hex(a any) string {
	return fmt.Sprintf("0x%X", a)
}
