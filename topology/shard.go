package topology

import "time"

// ReadPreference is the client-supplied selector over replicas (§3, §4.3).
type ReadPreference struct {
	Mode       ReadPreferenceMode
	Tags       []map[string]string // matches if ANY set is a subset match
	MaxStaleness time.Duration
}

type ReadPreferenceMode int

const (
	ReadPrimary ReadPreferenceMode = iota
	ReadPrimaryPreferred
	ReadSecondary
	ReadSecondaryPreferred
	ReadNearest
)

// Shard is the common capability set implemented by the four shard variants
// (Null, Single, Sync, ReplicaSet), per Design Note §9: "tagged sum with a
// common capability set (selectReadBackend, selectPrimary, onEndpointUpdate,
// onFailure, status, replicationLag)."
type Shard interface {
	ID() string
	ConnectionString() string
	Backends() []*Backend

	// SelectReadBackend returns a connection suitable for a read honouring
	// pref, excluding the given backend if non-nil. Returns the zero
	// Connection if none qualify (§4.3).
	SelectReadBackend(pref ReadPreference, exclude *Backend) Connection
	// SelectPrimary returns a connection suitable for writes.
	SelectPrimary() Connection

	// OnFailure is called when communication with b failed.
	OnFailure(b *Backend)
	// LostMaster is called when a backend reports "not master" or the
	// cached primary goes dead.
	LostMaster()

	// Status returns a short human-readable health description.
	Status() string
	// ReplicationLag returns b's lag behind the most recent observed
	// optime, or time.Duration max if not applicable.
	ReplicationLag(b *Backend) time.Duration

	// pingQueries and backendUpdated close the loop with Backend
	// and Endpoint; unexported because only this package's Backend/Endpoint
	// call them.
	pingQueries() []PingQuery
	backendUpdated(b *Backend)
}

// MaxLag is the sentinel "not applicable" replication lag (§4.1 "Returns a
// lag... or max() if not applicable").
const MaxLag = time.Duration(1<<63 - 1)

// tagsMatch reports whether backendTags satisfies at least one of the
// preference's tag sets, where a set matches if every key/value pair in it
// is present with an equal value in backendTags (§4.3).
func tagsMatch(pref []map[string]string, backendTags map[string]string) bool {
	if len(pref) == 0 {
		return true
	}
	for _, set := range pref {
		if tagSetMatches(set, backendTags) {
			return true
		}
	}
	return false
}

func tagSetMatches(set, backendTags map[string]string) bool {
	for k, v := range set {
		if backendTags[k] != v {
			return false
		}
	}
	return true
}
