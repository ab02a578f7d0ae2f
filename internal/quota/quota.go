// Package quota tracks per-sandbox resource counters and makes the
// admission decision for exec requests.
package quota

import (
	"log"
	"sync"
	"time"

	"github.com/opendevbox/opendevbox/internal/errdefs"
	"github.com/opendevbox/opendevbox/internal/metrics"
	"github.com/opendevbox/opendevbox/pkg/types"
)

const windowSlots = 60 // one-hour window bucketed by minute

// Limits are the per-sandbox hard caps. Zero means unlimited.
type Limits struct {
	ExecPerHour    int
	ConcurrentExec int
	MemoryBytes    int64
	StorageBytes   int64
	EgressBytes    int64
	CPUSeconds     int64
}

// bucket holds one sandbox's rolling counters. All fields are guarded by
// mu; admission for a sandbox is serialized on it.
type bucket struct {
	mu sync.Mutex

	slots     [windowSlots]int
	slotTimes [windowSlots]time.Time // minute each slot was last written

	concurrent  int
	memoryBytes int64
	storage     int64
	egress      int64
	cpuSeconds  int64

	warned map[string]bool // soft-cap kinds already warned this crossing
}

// Manager enforces quota limits across sandboxes.
type Manager struct {
	limits Limits
	now    func() time.Time

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// NewManager creates a quota manager with the given hard caps.
func NewManager(limits Limits) *Manager {
	return &Manager{
		limits:  limits,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Register creates the quota bucket for a new sandbox.
func (m *Manager) Register(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[sandboxID]; !ok {
		m.buckets[sandboxID] = &bucket{warned: make(map[string]bool)}
	}
}

// Remove drops a sandbox's bucket (called on destroy).
func (m *Manager) Remove(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, sandboxID)
}

func (m *Manager) get(sandboxID string) *bucket {
	m.mu.RLock()
	b, ok := m.buckets[sandboxID]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.buckets[sandboxID]; !ok {
		b = &bucket{warned: make(map[string]bool)}
		m.buckets[sandboxID] = b
	}
	return b
}

// execCountLocked sums the slots written within the last hour.
func (b *bucket) execCountLocked(now time.Time) int {
	cutoff := now.Add(-time.Hour)
	total := 0
	for i := 0; i < windowSlots; i++ {
		if b.slotTimes[i].After(cutoff) {
			total += b.slots[i]
		}
	}
	return total
}

// AdmitExec atomically checks every hard cap for the sandbox and, if all
// pass, reserves one concurrency slot and one rate-window unit. Two
// concurrent calls cannot both consume headroom only one of them has.
func (m *Manager) AdmitExec(sandboxID string) error {
	b := m.get(sandboxID)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := m.now()

	if m.limits.ExecPerHour > 0 && b.execCountLocked(now) >= m.limits.ExecPerHour {
		return m.reject(sandboxID, "exec_rate")
	}
	if m.limits.ConcurrentExec > 0 && b.concurrent >= m.limits.ConcurrentExec {
		return m.reject(sandboxID, "concurrent_exec")
	}
	if m.limits.MemoryBytes > 0 && b.memoryBytes >= m.limits.MemoryBytes {
		return m.reject(sandboxID, "memory")
	}
	if m.limits.StorageBytes > 0 && b.storage >= m.limits.StorageBytes {
		return m.reject(sandboxID, "storage")
	}
	if m.limits.EgressBytes > 0 && b.egress >= m.limits.EgressBytes {
		return m.reject(sandboxID, "egress")
	}
	if m.limits.CPUSeconds > 0 && b.cpuSeconds >= m.limits.CPUSeconds {
		return m.reject(sandboxID, "cpu")
	}

	slot := now.Minute() % windowSlots
	slotMinute := now.Truncate(time.Minute)
	if !b.slotTimes[slot].Equal(slotMinute) {
		b.slots[slot] = 0
		b.slotTimes[slot] = slotMinute
	}
	b.slots[slot]++
	b.concurrent++

	m.softWarnLocked(sandboxID, b, now)
	return nil
}

func (m *Manager) reject(sandboxID, kind string) error {
	metrics.QuotaViolationsTotal.WithLabelValues(kind).Inc()
	return errdefs.QuotaExceeded(kind)
}

// softWarnLocked logs once per crossing when a counter reaches 80% of its
// hard cap, and rearms when utilization drops below the threshold.
func (m *Manager) softWarnLocked(sandboxID string, b *bucket, now time.Time) {
	check := func(kind string, used, limit float64) {
		if limit <= 0 {
			return
		}
		at := used / limit
		switch {
		case at >= 0.8 && !b.warned[kind]:
			b.warned[kind] = true
			log.Printf("quota: sandbox %s at %.0f%% of %s cap", sandboxID, at*100, kind)
		case at < 0.8 && b.warned[kind]:
			delete(b.warned, kind)
		}
	}
	check("exec_rate", float64(b.execCountLocked(now)), float64(m.limits.ExecPerHour))
	check("concurrent_exec", float64(b.concurrent), float64(m.limits.ConcurrentExec))
	check("memory", float64(b.memoryBytes), float64(m.limits.MemoryBytes))
	check("storage", float64(b.storage), float64(m.limits.StorageBytes))
	check("egress", float64(b.egress), float64(m.limits.EgressBytes))
	check("cpu", float64(b.cpuSeconds), float64(m.limits.CPUSeconds))
}

// ReleaseExec returns a concurrency slot after an exec finishes.
func (m *Manager) ReleaseExec(sandboxID string) {
	b := m.get(sandboxID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.concurrent > 0 {
		b.concurrent--
	}
}

// AddStorage accumulates workspace bytes written (negative on delete).
func (m *Manager) AddStorage(sandboxID string, delta int64) {
	b := m.get(sandboxID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.storage += delta
	if b.storage < 0 {
		b.storage = 0
	}
}

// AddEgress accumulates bytes proxied out of the sandbox.
func (m *Manager) AddEgress(sandboxID string, delta int64) {
	b := m.get(sandboxID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.egress += delta
}

// AddCPUSeconds accumulates observed child CPU time.
func (m *Manager) AddCPUSeconds(sandboxID string, seconds int64) {
	b := m.get(sandboxID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cpuSeconds += seconds
}

// SetMemoryEstimate records the latest memory estimate for the sandbox.
func (m *Manager) SetMemoryEstimate(sandboxID string, bytes int64) {
	b := m.get(sandboxID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.memoryBytes = bytes
}

// Stats returns a point-in-time view of the sandbox's counters.
func (m *Manager) Stats(sandboxID string) types.StatsResponse {
	b := m.get(sandboxID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.StatsResponse{
		ExecCountHour:  b.execCountLocked(m.now()),
		ConcurrentExec: b.concurrent,
		MemoryBytes:    b.memoryBytes,
		StorageBytes:   b.storage,
		EgressBytes:    b.egress,
		CPUSeconds:     b.cpuSeconds,
	}
}
