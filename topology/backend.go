package topology

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// SoftwareVersion is a parsed (major, minor, patch) triple from a backend's
// reported build version (§3 "SoftwareVersion").
type SoftwareVersion struct {
	Major, Minor, Patch int
}

// Compare orders two versions; negative if v < o.
func (v SoftwareVersion) Compare(o SoftwareVersion) int {
	if v.Major != o.Major {
		return v.Major - o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor - o.Minor
	}
	return v.Patch - o.Patch
}

func (v SoftwareVersion) AtLeast(o SoftwareVersion) bool { return v.Compare(o) >= 0 }

// ParseSoftwareVersion parses a dotted version string such as "4.2.3".
func ParseSoftwareVersion(s string) SoftwareVersion {
	parts := strings.SplitN(s, ".", 3)
	var v SoftwareVersion
	if len(parts) > 0 {
		v.Major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		v.Minor, _ = strconv.Atoi(parts[1])
	}
	if len(parts) > 2 {
		v.Patch, _ = strconv.Atoi(parts[2])
	}
	return v
}

// owningShard is the minimal surface Backend needs from its parent Shard,
// kept small and one-directional so Backend does not need to know about the
// four Shard variants (§9 "Cyclic ownership").
type owningShard interface {
	pingQueries() []PingQuery
	backendUpdated(b *Backend)
}

// Backend is one logical node, potentially multi-homed (§3). It aggregates
// one or more Endpoints and derives alive/status/nearest-endpoint from them.
type Backend struct {
	parent  owningShard // weak back-reference, lookup-only
	Address string

	mu          sync.Mutex
	endpoints   []*Endpoint
	status      bson.Raw
	permFailure string

	generation int64 // bumped on every endpoint flip; guards the nearest cache

	nearestMu    sync.Mutex
	nearestGen   int64
	nearestCache *Endpoint
}

// NewBackend constructs a backend with no endpoints yet; callers add
// endpoints via AddEndpoint once addresses are resolved.
func NewBackend(parent owningShard, address string) *Backend {
	return &Backend{parent: parent, Address: address}
}

// AddEndpoint registers a new resolved address for this backend.
func (b *Backend) AddEndpoint(e *Endpoint) {
	b.mu.Lock()
	b.endpoints = append(b.endpoints, e)
	b.mu.Unlock()
}

// Endpoints returns the backend's endpoint set.
func (b *Backend) Endpoints() []*Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Endpoint, len(b.endpoints))
	copy(out, b.endpoints)
	return out
}

// Status returns the most recent status document, or nil if the backend is
// down.
func (b *Backend) Status() bson.Raw {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Alive implements the invariant from §3: alive iff status is non-empty and
// some endpoint is alive.
func (b *Backend) Alive() bool {
	b.mu.Lock()
	status := b.status
	b.mu.Unlock()
	if status == nil {
		return false
	}
	for _, e := range b.Endpoints() {
		if e.Alive() {
			return true
		}
	}
	return false
}

// RoundTrip returns the round-trip of the nearest endpoint, or InfiniteRTT.
func (b *Backend) RoundTrip() time.Duration {
	ne := b.NearestEndpoint()
	if ne == nil {
		return InfiniteRTT
	}
	return ne.RoundTrip()
}

// NearestEndpoint returns the lowest-round-trip endpoint, cached and
// invalidated whenever any endpoint's status flips (§4.2).
func (b *Backend) NearestEndpoint() *Endpoint {
	gen := atomic.LoadInt64(&b.generation)
	b.nearestMu.Lock()
	defer b.nearestMu.Unlock()
	if b.nearestGen == gen && b.nearestCache != nil {
		return b.nearestCache
	}
	var best *Endpoint
	for _, e := range b.Endpoints() {
		if !e.Alive() {
			continue
		}
		if best == nil || e.RoundTrip() < best.RoundTrip() {
			best = e
		}
	}
	b.nearestCache = best
	b.nearestGen = gen
	return best
}

// SoftwareVersion parses the backend's reported build version from status.
func (b *Backend) SoftwareVersion() SoftwareVersion {
	status := b.Status()
	if status == nil {
		return SoftwareVersion{}
	}
	v := status.Lookup("version")
	if s, ok := v.StringValueOK(); ok {
		return ParseSoftwareVersion(s)
	}
	return SoftwareVersion{}
}

// Failed marks status empty and forces every endpoint to re-probe
// immediately (§4.2 "failed").
func (b *Backend) Failed() {
	b.mu.Lock()
	b.status = nil
	eps := append([]*Endpoint(nil), b.endpoints...)
	b.mu.Unlock()
	atomic.AddInt64(&b.generation, 1)
	for _, e := range eps {
		e.ForceDead("shard requested re-probe")
	}
}

// PermanentlyFailed records an operator-visible permanent error (§4.1 "record
// message" on a metadata-manager-init failure).
func (b *Backend) PermanentlyFailed(msg string) {
	b.mu.Lock()
	b.permFailure = msg
	b.mu.Unlock()
}

// PermanentFailure returns the recorded permanent-error string, if any.
func (b *Backend) PermanentFailure() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.permFailure
}

func (b *Backend) pingQueries() []PingQuery {
	if b.parent == nil {
		return nil
	}
	return b.parent.pingQueries()
}

// onEndpointAlive is the upward edge from Endpoint: updates status and may
// update the nearest-endpoint cache (§4.2).
func (b *Backend) onEndpointAlive(e *Endpoint, status bson.Raw) {
	b.mu.Lock()
	prevPID := processID(b.status)
	b.status = status
	newPID := processID(status)
	if prevPID != "" && newPID != "" && prevPID != newPID {
		// Node restarted: clear any permanent-error string (§4.2).
		b.permFailure = ""
	}
	b.mu.Unlock()
	atomic.AddInt64(&b.generation, 1)
	if b.parent != nil {
		b.parent.backendUpdated(b)
	}
}

// onEndpointDead is the upward edge from Endpoint on failure: clears status
// only if no endpoint remains alive (§4.2).
func (b *Backend) onEndpointDead(dead *Endpoint) {
	stillAlive := false
	for _, e := range b.Endpoints() {
		if e != dead && e.Alive() {
			stillAlive = true
			break
		}
	}
	b.mu.Lock()
	if !stillAlive {
		b.status = nil
	}
	b.mu.Unlock()
	atomic.AddInt64(&b.generation, 1)
	if b.parent != nil {
		b.parent.backendUpdated(b)
	}
}

func processID(status bson.Raw) string {
	if status == nil {
		return ""
	}
	v := status.Lookup("serverStatus", "process_id")
	if s, ok := v.StringValueOK(); ok {
		return s
	}
	return ""
}
