package metrics

import "sync"

// Event counter names used across the server. Names are intentionally flat;
// everything is exported through a single labelled Prometheus counter.
const (
	RegisterOK          = "register_ok"
	RegisterRejected    = "register_rejected"
	KeepAliveOK         = "keepalive_ok"
	KeepAliveUnknown    = "keepalive_unknown"
	DeviceSweptOffline  = "device_swept_offline"
	ConnectNotFound     = "connect_not_found"
	ConnectDirect       = "connect_direct"
	ConnectRelayed      = "connect_relayed"
	ConnectFailed       = "connect_failed"
	TraversalTimeout    = "traversal_timeout"
	RelayTokenIssued    = "relay_token_issued"
	RelayTokenRevoked   = "relay_token_revoked"
	RelayClaimExpired   = "relay_claim_expired"
	RelayActive         = "relay_active"
	RelayClosed         = "relay_closed"
	TooManySessions     = "too_many_sessions"
	MalformedDropped    = "malformed_dropped"
	AuthRejected        = "auth_rejected"
	AuditDropped        = "audit_dropped"
	SnapshotSaved       = "snapshot_saved"
	SnapshotSaveFailed  = "snapshot_save_failed"
	RegisterRateLimited = "register_rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps enforcement and lifecycle logic testable without a metrics
// backend; the management port exposes it in Prometheus' text format.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
