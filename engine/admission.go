package engine

import (
	"fmt"
	"sync"
)

// AdmissionPolicy is the accept-time decision to admit or immediately
// close an incoming connection: a global cap L and a
// per-networkID cap P, with loopback and unix-domain-socket exemptions
// from the per-IP cap.
type AdmissionPolicy struct {
	mu sync.Mutex

	connectionLimit int32
	perIPLimit      int32

	clientCount  int64
	clientsPerIP map[string]int

	metrics Metrics
}

// NewAdmissionPolicy builds a policy from the given limits. A zero
// perIPLimit disables the per-IP cap entirely.
func NewAdmissionPolicy(connectionLimit, perIPLimit int32, metrics Metrics) *AdmissionPolicy {
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &AdmissionPolicy{
		connectionLimit: connectionLimit,
		perIPLimit:      perIPLimit,
		clientsPerIP:    make(map[string]int),
		metrics:         metrics,
	}
}

// Admit evaluates one incoming connection from remoteIP (empty for a
// unix-domain peer). isUnixSocket identifies a unix-domain listener
// ("identified by local port being absent").
//
// counted reports whether this call incremented clientCount and
// clientsPerIP[networkID] — the caller must pass networkID to Release
// exactly when counted is true, and must not call Release at all when
// it is false. A rejection at the global cap never increments anything
// ("if clientCount == L, reject" is a pre-increment
// check), but a rejection at the per-IP cap does — its check compares
// against the *pre-increment* count ("If the pre-increment count == P
// ... reject") after incrementing. Release reverses both increments
// symmetrically, keeping sum(clientsPerIP) == clientCount exactly as
// the bookkeeping requires.
//
// code is a small, fixed-cardinality classification of a rejection
// ("" when allowed), meant for metrics labels; reason is the fuller,
// IP-bearing message meant for logging and must never be used as a
// label value.
func (p *AdmissionPolicy) Admit(remoteIP string, isUnixSocket bool) (networkID string, allowed bool, reason string, code string, counted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.clientCount == int64(p.connectionLimit) {
		return "", false, "too many existing connections", RejectionGlobalCap, false
	}

	networkID = networkIDForString(remoteIP)
	preCount := p.clientsPerIP[networkID]

	p.clientCount++
	p.clientsPerIP[networkID] = preCount + 1

	if p.perIPLimit > 0 && preCount == int(p.perIPLimit) && !isUnixSocket && !isLoopbackIP(remoteIP) {
		if networkID == "" {
			return networkID, false, "too many existing connections", RejectionPerIPCap, true
		}
		return networkID, false, fmt.Sprintf("too many existing connections from %s", networkID), RejectionPerIPCap, true
	}
	return networkID, true, "", "", true
}

// Rejection reason codes: the bounded vocabulary passed to
// Metrics.ConnectionRejected, as opposed to Admit's free-form (and
// IP-bearing) log reason.
const (
	RejectionGlobalCap = "global_cap"
	RejectionPerIPCap  = "per_ip_cap"
)

// Release decrements the counters symmetrically with Admit, for both
// accepted connections (on close) and rejected ones whose Admit call
// reported counted == true. clientsPerIP entries that reach zero are
// removed.
func (p *AdmissionPolicy) Release(networkID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.clientCount > 0 {
		p.clientCount--
	}
	if count, ok := p.clientsPerIP[networkID]; ok {
		if count <= 1 {
			delete(p.clientsPerIP, networkID)
		} else {
			p.clientsPerIP[networkID] = count - 1
		}
	}
}

// ClientCount is the current total admitted (and not yet released) count.
func (p *AdmissionPolicy) ClientCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientCount
}

// PerIPCount reports the current count for networkID (0 if absent).
func (p *AdmissionPolicy) PerIPCount(networkID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientsPerIP[networkID]
}
