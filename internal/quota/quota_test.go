package quota

import (
	"sync"
	"testing"
	"time"

	"github.com/opendevbox/opendevbox/internal/errdefs"
)

func TestAdmitReleaseConcurrency(t *testing.T) {
	m := NewManager(Limits{ConcurrentExec: 2})
	m.Register("sb-1")

	if err := m.AdmitExec("sb-1"); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if err := m.AdmitExec("sb-1"); err != nil {
		t.Fatalf("second admit: %v", err)
	}
	err := m.AdmitExec("sb-1")
	if errdefs.KindOf(err) != errdefs.KindQuotaExceeded {
		t.Fatalf("third admit = %v, want QuotaExceeded", err)
	}
	if errdefs.QuotaKindOf(err) != "concurrent_exec" {
		t.Errorf("violation kind = %q, want concurrent_exec", errdefs.QuotaKindOf(err))
	}

	m.ReleaseExec("sb-1")
	if err := m.AdmitExec("sb-1"); err != nil {
		t.Errorf("admit after release: %v", err)
	}
}

func TestConcurrentAdmissionSingleSlot(t *testing.T) {
	m := NewManager(Limits{ConcurrentExec: 1})
	m.Register("sb-1")

	const workers = 32
	var wg sync.WaitGroup
	admitted := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.AdmitExec("sb-1") == nil {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	if count != 1 {
		t.Errorf("with one unit of headroom, %d admissions succeeded", count)
	}
}

func TestExecRateWindow(t *testing.T) {
	m := NewManager(Limits{ExecPerHour: 3})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	m.Register("sb-1")

	for i := 0; i < 3; i++ {
		if err := m.AdmitExec("sb-1"); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		m.ReleaseExec("sb-1")
	}
	err := m.AdmitExec("sb-1")
	if errdefs.QuotaKindOf(err) != "exec_rate" {
		t.Fatalf("expected exec_rate violation, got %v", err)
	}

	// An hour later the window has rolled over.
	now = now.Add(61 * time.Minute)
	if err := m.AdmitExec("sb-1"); err != nil {
		t.Errorf("admit after window rollover: %v", err)
	}
}

func TestStorageCap(t *testing.T) {
	m := NewManager(Limits{StorageBytes: 100})
	m.Register("sb-1")
	m.AddStorage("sb-1", 100)

	err := m.AdmitExec("sb-1")
	if errdefs.QuotaKindOf(err) != "storage" {
		t.Fatalf("expected storage violation, got %v", err)
	}

	m.AddStorage("sb-1", -50)
	if err := m.AdmitExec("sb-1"); err != nil {
		t.Errorf("admit after freeing storage: %v", err)
	}
}

func TestZeroLimitsUnlimited(t *testing.T) {
	m := NewManager(Limits{})
	m.Register("sb-1")
	for i := 0; i < 100; i++ {
		if err := m.AdmitExec("sb-1"); err != nil {
			t.Fatalf("admit %d with no limits: %v", i, err)
		}
	}
}

func TestStats(t *testing.T) {
	m := NewManager(Limits{ConcurrentExec: 4})
	m.Register("sb-1")
	if err := m.AdmitExec("sb-1"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	m.AddEgress("sb-1", 1234)
	m.AddCPUSeconds("sb-1", 7)
	m.SetMemoryEstimate("sb-1", 1<<20)

	stats := m.Stats("sb-1")
	if stats.ConcurrentExec != 1 {
		t.Errorf("concurrent = %d, want 1", stats.ConcurrentExec)
	}
	if stats.ExecCountHour != 1 {
		t.Errorf("exec count = %d, want 1", stats.ExecCountHour)
	}
	if stats.EgressBytes != 1234 || stats.CPUSeconds != 7 || stats.MemoryBytes != 1<<20 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestBucketsIsolatedPerSandbox(t *testing.T) {
	m := NewManager(Limits{ConcurrentExec: 1})
	m.Register("sb-1")
	m.Register("sb-2")

	if err := m.AdmitExec("sb-1"); err != nil {
		t.Fatalf("sb-1 admit: %v", err)
	}
	if err := m.AdmitExec("sb-2"); err != nil {
		t.Errorf("sb-2 should have its own headroom: %v", err)
	}
}
