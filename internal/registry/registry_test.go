package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ljhlovehui/rustdesk-server/internal/natcheck"
)

func newTestRegistry(ttl time.Duration) *Registry {
	return New(slog.Default(), ttl)
}

func TestKeepAlive_LastWriteWinsByTimestamp(t *testing.T) {
	r := newTestRegistry(30 * time.Second)
	now := time.Unix(1000, 0)
	r.Register(Device{ID: "device1", Addr: "1.2.3.4:5000", Transport: "udp"}, now)

	// Newer logical timestamp arrives first.
	if err := r.KeepAlive("device1", "9.9.9.9:1", "udp", 20, now.Add(time.Second)); err != nil {
		t.Fatalf("KeepAlive: %v", err)
	}
	// Older one arrives late and reordered; address must not roll back.
	if err := r.KeepAlive("device1", "8.8.8.8:1", "udp", 10, now.Add(2*time.Second)); err != nil {
		t.Fatalf("KeepAlive: %v", err)
	}

	dev, err := r.Lookup("device1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if dev.Addr != "9.9.9.9:1" {
		t.Fatalf("addr = %q, want newest-by-timestamp 9.9.9.9:1", dev.Addr)
	}
	if !dev.Online {
		t.Fatalf("late keep-alive must still refresh liveness")
	}
}

func TestKeepAlive_UnknownDevice(t *testing.T) {
	r := newTestRegistry(30 * time.Second)
	if err := r.KeepAlive("ghost1", "1.1.1.1:1", "udp", 1, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweep_OfflineExcludedUntilReregistration(t *testing.T) {
	r := newTestRegistry(30 * time.Second)
	start := time.Unix(1000, 0)
	r.Register(Device{ID: "device1", Addr: "1.2.3.4:5000"}, start)

	if n := r.Sweep(start.Add(31 * time.Second)); n != 1 {
		t.Fatalf("Sweep marked %d, want 1", n)
	}

	// Diagnostics still see the last address.
	dev, err := r.Lookup("device1")
	if err != nil || dev.Addr != "1.2.3.4:5000" {
		t.Fatalf("Lookup after sweep = %+v, %v", dev, err)
	}
	if dev.Online {
		t.Fatalf("expected offline after sweep")
	}
	if _, err := r.LookupOnline("device1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("offline device must be excluded from resolution, got %v", err)
	}

	// Re-registration immediately restores eligibility.
	r.Register(Device{ID: "device1", Addr: "1.2.3.4:6000"}, start.Add(time.Minute))
	if _, err := r.LookupOnline("device1"); err != nil {
		t.Fatalf("expected eligibility restored, got %v", err)
	}
}

func TestRegister_PreservesOwnership(t *testing.T) {
	r := newTestRegistry(30 * time.Second)
	now := time.Unix(1000, 0)
	r.Register(Device{ID: "device1", Owner: "alice", Groups: []string{"ops"}}, now)
	r.Register(Device{ID: "device1", Addr: "2.2.2.2:2"}, now.Add(time.Second))

	dev, err := r.Lookup("device1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if dev.Owner != "alice" || len(dev.Groups) != 1 {
		t.Fatalf("ownership lost on re-register: %+v", dev)
	}
}

func TestRegistry_ConcurrentRegistrations(t *testing.T) {
	r := newTestRegistry(time.Minute)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("device%02d", i)
			for j := 0; j < 100; j++ {
				r.Register(Device{ID: id, Addr: "1.1.1.1:1", NATType: natcheck.NATOpen}, now)
				_ = r.KeepAlive(id, "1.1.1.1:2", "udp", int64(j), now)
				_, _ = r.Lookup(id)
			}
		}(i)
	}
	wg.Wait()

	if got := r.Len(); got != 64 {
		t.Fatalf("Len = %d, want 64", got)
	}
	if got := r.OnlineCount(); got != 64 {
		t.Fatalf("OnlineCount = %d, want 64", got)
	}
}

func TestRestore_DevicesStartOffline(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.Restore([]Device{{ID: "device1", Addr: "1.2.3.4:5000", Online: true}})

	dev, err := r.Lookup("device1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if dev.Online {
		t.Fatalf("restored device must start offline")
	}
}
