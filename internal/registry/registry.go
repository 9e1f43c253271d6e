// Package registry owns Device records: the in-memory map of device
// identity to last-known address, NAT classification and liveness.
package registry

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/ljhlovehui/rustdesk-server/internal/natcheck"
)

var ErrNotFound = errors.New("device not found")

const shardCount = 32

// Device is the registry's record for one endpoint. Values are copied in
// and out; no caller ever holds a pointer into a shard.
type Device struct {
	ID        string
	PK        []byte
	Addr      string
	Transport string // "udp", "tcp" or "ws"
	NATType   natcheck.NATType
	Online    bool
	LastSeen  time.Time
	LastTS    int64 // client logical timestamp, last-write-wins
	Owner     string
	Groups    []string
}

type shard struct {
	mu      sync.RWMutex
	devices map[string]Device
}

// Registry is a sharded concurrent device map. Registrations for different
// identities touch different shards and never contend on a global lock.
type Registry struct {
	log    *slog.Logger
	ttl    time.Duration
	shards [shardCount]*shard
}

func New(log *slog.Logger, keepAliveTTL time.Duration) *Registry {
	r := &Registry{log: log, ttl: keepAliveTTL}
	for i := range r.shards {
		r.shards[i] = &shard{devices: make(map[string]Device)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Register creates or overwrites the record for dev.ID. It is idempotent;
// re-registration immediately restores connect eligibility.
func (r *Registry) Register(dev Device, now time.Time) {
	dev.Online = true
	dev.LastSeen = now

	s := r.shardFor(dev.ID)
	s.mu.Lock()
	if prev, ok := s.devices[dev.ID]; ok {
		// Preserve ownership metadata the wire registration does not carry.
		if dev.Owner == "" {
			dev.Owner = prev.Owner
		}
		if dev.Groups == nil {
			dev.Groups = prev.Groups
		}
		if dev.LastTS < prev.LastTS {
			dev.LastTS = prev.LastTS
		}
	}
	s.devices[dev.ID] = dev
	s.mu.Unlock()
}

// KeepAlive refreshes a device's address and liveness. The update is
// last-write-wins on the client's logical timestamp so reordered datagrams
// cannot roll the address back.
func (r *Registry) KeepAlive(id, addr, transport string, ts int64, now time.Time) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[id]
	if !ok {
		return ErrNotFound
	}

	dev.Online = true
	dev.LastSeen = now
	if ts >= dev.LastTS {
		dev.LastTS = ts
		if addr != "" {
			dev.Addr = addr
		}
		if transport != "" {
			dev.Transport = transport
		}
	}
	s.devices[id] = dev
	return nil
}

// Lookup returns the record for id, including offline devices; callers
// resolving connection requests must check Online themselves.
func (r *Registry) Lookup(id string) (Device, error) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.devices[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	return dev, nil
}

// LookupOnline is Lookup restricted to online devices.
func (r *Registry) LookupOnline(id string) (Device, error) {
	dev, err := r.Lookup(id)
	if err != nil {
		return Device{}, err
	}
	if !dev.Online {
		return Device{}, ErrNotFound
	}
	return dev, nil
}

func (r *Registry) MarkOffline(id string) {
	s := r.shardFor(id)
	s.mu.Lock()
	if dev, ok := s.devices[id]; ok {
		dev.Online = false
		s.devices[id] = dev
	}
	s.mu.Unlock()
}

// SetOwner updates ownership metadata (management API).
func (r *Registry) SetOwner(id, owner string, groups []string) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[id]
	if !ok {
		return ErrNotFound
	}
	dev.Owner = owner
	if groups != nil {
		dev.Groups = groups
	}
	s.devices[id] = dev
	return nil
}

// Sweep marks devices offline whose keep-alive TTL elapsed before now.
// It locks one shard at a time; the registry as a whole never pauses.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.ttl)
	swept := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for id, dev := range s.devices {
			if dev.Online && dev.LastSeen.Before(cutoff) {
				dev.Online = false
				s.devices[id] = dev
				swept++
			}
		}
		s.mu.Unlock()
	}
	return swept
}

// RunSweeper sweeps at the given interval until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration, onSwept func(int)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := r.Sweep(now); n > 0 {
				r.log.Debug("keep-alive sweep", "marked_offline", n)
				if onSwept != nil {
					onSwept(n)
				}
			}
		}
	}
}

func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.devices)
		s.mu.RUnlock()
	}
	return n
}

func (r *Registry) OnlineCount() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, dev := range s.devices {
			if dev.Online {
				n++
			}
		}
		s.mu.RUnlock()
	}
	return n
}

// All returns a copy of every record, for snapshots and the management API.
func (r *Registry) All() []Device {
	var out []Device
	for _, s := range r.shards {
		s.mu.RLock()
		for _, dev := range s.devices {
			out = append(out, dev)
		}
		s.mu.RUnlock()
	}
	return out
}

// Restore loads devices from a snapshot. Restored devices start offline;
// they regain eligibility on their next keep-alive or registration.
func (r *Registry) Restore(devices []Device) {
	for _, dev := range devices {
		dev.Online = false
		s := r.shardFor(dev.ID)
		s.mu.Lock()
		s.devices[dev.ID] = dev
		s.mu.Unlock()
	}
}
