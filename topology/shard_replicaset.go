package topology

import (
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// ReplicaSetShard is the hardest shard variant (§4.3): it tracks a cached
// primary, member tags, and optimes, refreshed on every ping completion, and
// implements the full read-preference decision tree.
type ReplicaSetShard struct {
	id             string
	connStr        string
	backends       []*Backend
	localThreshold time.Duration
	maxReplLag     time.Duration

	mu            sync.Mutex
	primary       *Backend
	lostMasterAt  time.Time
	tags          map[*Backend]map[string]string
	optimes       map[*Backend]time.Time
}

// NewReplicaSetShard constructs a replica-set shard over the given
// addresses.
func NewReplicaSetShard(id, connStr string, addresses []string, localThreshold, maxReplLag time.Duration, epCfg EndpointConfig) *ReplicaSetShard {
	s := &ReplicaSetShard{
		id:             id,
		connStr:        connStr,
		localThreshold: localThreshold,
		maxReplLag:     maxReplLag,
		tags:           make(map[*Backend]map[string]string),
		optimes:        make(map[*Backend]time.Time),
	}
	for _, addr := range addresses {
		b := NewBackend(s, addr)
		b.AddEndpoint(NewEndpoint(addr, b, epCfg))
		s.backends = append(s.backends, b)
	}
	return s
}

func (s *ReplicaSetShard) ID() string               { return s.id }
func (s *ReplicaSetShard) ConnectionString() string { return s.connStr }
func (s *ReplicaSetShard) Backends() []*Backend     { return s.backends }

func (s *ReplicaSetShard) pingQueries() []PingQuery {
	return []PingQuery{
		{Name: "status", Database: "admin", Command: map[string]interface{}{"replSetGetStatus": 1}},
		{Name: "conf", Database: "admin", Command: map[string]interface{}{"replSetGetConfig": 1}},
		{Name: "buildInfo", Database: "admin", Command: map[string]interface{}{"buildInfo": 1}},
		{Name: "serverStatus", Database: "admin", Command: map[string]interface{}{"serverStatus": 1}},
	}
}

// myState returns the member's reported replica-set state: 1 = primary, 2 =
// secondary.
func myState(b *Backend) (int, bool) {
	status := b.Status()
	if status == nil {
		return 0, false
	}
	v := status.Lookup("status", "myState")
	n, ok := v.Int32OK()
	if !ok {
		return 0, false
	}
	return int(n), true
}

func isPrimary(b *Backend) bool {
	st, ok := myState(b)
	return ok && st == 1
}

// healthy implements §4.3: "status.myState ∈ {1, 2} (primary or secondary)
// and alive".
func healthy(b *Backend) bool {
	st, ok := myState(b)
	return ok && (st == 1 || st == 2) && b.Alive()
}

// backendUpdated refreshes replica-set state on every ping completion
// (§4.3): tags from conf.members[].tags keyed by name, optime from
// status.members[self].optimeDate, and the cached primary.
func (s *ReplicaSetShard) backendUpdated(b *Backend) {
	status := b.Status()
	if status == nil {
		return
	}

	tags := extractTags(status, b.Address)
	optime := extractOptime(status, b.Address)

	s.mu.Lock()
	if tags != nil {
		s.tags[b] = tags
	}
	if !optime.IsZero() {
		s.optimes[b] = optime
	}
	if isPrimary(b) {
		s.primary = b
	} else if s.primary == b {
		s.primary = nil
	}
	s.mu.Unlock()
}

func extractTags(status bson.Raw, address string) map[string]string {
	conf := status.Lookup("conf")
	if conf.Type == 0 {
		return nil
	}
	members, err := conf.Document().Lookup("members").Array().Values()
	if err != nil {
		return nil
	}
	for _, m := range members {
		doc := m.Document()
		name, _ := doc.Lookup("name").StringValueOK()
		if name != address {
			continue
		}
		tagsDoc := doc.Lookup("tags").Document()
		elems, err := tagsDoc.Elements()
		if err != nil {
			return nil
		}
		out := make(map[string]string, len(elems))
		for _, el := range elems {
			v, _ := el.Value().StringValueOK()
			out[el.Key()] = v
		}
		return out
	}
	return nil
}

func extractOptime(status bson.Raw, address string) time.Time {
	st := status.Lookup("status")
	if st.Type == 0 {
		return time.Time{}
	}
	members, err := st.Document().Lookup("members").Array().Values()
	if err != nil {
		return time.Time{}
	}
	for _, m := range members {
		doc := m.Document()
		name, _ := doc.Lookup("name").StringValueOK()
		if name != address {
			continue
		}
		t, ok := doc.Lookup("optimeDate").TimeOK()
		if ok {
			return t
		}
	}
	return time.Time{}
}

// maxOptime returns the maximum replication optime observed across the set.
func (s *ReplicaSetShard) maxOptime() time.Time {
	var max time.Time
	for _, t := range s.optimes {
		if t.After(max) {
			max = t
		}
	}
	return max
}

// SelectReadBackend implements the full decision tree from §4.3.
func (s *ReplicaSetShard) SelectReadBackend(pref ReadPreference, exclude *Backend) Connection {
	s.mu.Lock()
	primary := s.primary
	lostAt := s.lostMasterAt
	s.mu.Unlock()

	// Pending read selections block on an in-flight ping sweep started by
	// lostMaster (§4.3). Modeled as a short poll rather than a condition
	// variable to keep Send's caller-side API simple.
	if !lostAt.IsZero() {
		s.waitForPingSweep()
	}

	switch pref.Mode {
	case ReadPrimary, ReadPrimaryPreferred:
		if primary != nil && primary != exclude && healthy(primary) && tagsMatch(pref.Tags, s.tagsFor(primary)) {
			ep := primary.NearestEndpoint()
			if ep != nil {
				return Connection{Backend: primary, Endpoint: ep, Primary: true}
			}
		}
		if pref.Mode == ReadPrimary {
			return Connection{}
		}
		fallthrough
	default:
		return s.selectSecondary(pref, exclude)
	}
}

func (s *ReplicaSetShard) tagsFor(b *Backend) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tags[b]
}

func (s *ReplicaSetShard) selectSecondary(pref ReadPreference, exclude *Backend) Connection {
	s.mu.Lock()
	maxOptime := s.maxOptime()
	s.mu.Unlock()

	var candidates []*Backend
	for _, b := range s.backends {
		if b == exclude || !healthy(b) {
			continue
		}
		if !tagsMatch(pref.Tags, s.tagsFor(b)) {
			continue
		}
		s.mu.Lock()
		optime, ok := s.optimes[b]
		s.mu.Unlock()
		if ok && s.maxReplLagOK(maxOptime, optime) {
			candidates = append(candidates, b)
		} else if !ok {
			candidates = append(candidates, b)
		}
	}
	picked := localThresholdSample(candidates, s.localThreshold)
	if picked == nil {
		return Connection{}
	}
	ep := picked.NearestEndpoint()
	if ep == nil {
		return Connection{}
	}
	return Connection{Backend: picked, Endpoint: ep, Primary: false}
}

func (s *ReplicaSetShard) maxReplLagOK(maxOptime, optime time.Time) bool {
	if s.maxReplLag <= 0 || maxOptime.IsZero() {
		return true
	}
	return !optime.Before(maxOptime.Add(-s.maxReplLag))
}

// SelectPrimary returns a connection to the cached primary, if healthy.
func (s *ReplicaSetShard) SelectPrimary() Connection {
	return s.SelectReadBackend(ReadPreference{Mode: ReadPrimary}, nil)
}

// LostMaster implements §4.3 "On lostMaster signal": clear the cached
// primary, record the instant, and force an immediate ping of all backends.
func (s *ReplicaSetShard) LostMaster() {
	s.mu.Lock()
	s.primary = nil
	s.lostMasterAt = time.Now()
	backends := append([]*Backend(nil), s.backends...)
	s.mu.Unlock()

	for _, b := range backends {
		for _, e := range b.Endpoints() {
			e.ForceDead("lostMaster sweep")
		}
	}
}

// waitForPingSweep blocks briefly for the immediate re-ping kicked off by
// LostMaster to complete, per §4.3 "pending read selections block on that
// ping until it completes." Bounded so a selector never hangs indefinitely
// if a node never answers.
func (s *ReplicaSetShard) waitForPingSweep() {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		lostAt := s.lostMasterAt
		s.mu.Unlock()
		if lostAt.IsZero() || time.Since(lostAt) > 250*time.Millisecond {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *ReplicaSetShard) OnFailure(b *Backend) {
	b.Failed()
}

func (s *ReplicaSetShard) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primary != nil {
		return "primary=" + s.primary.Address
	}
	return "no primary"
}

func (s *ReplicaSetShard) ReplicationLag(b *Backend) time.Duration {
	s.mu.Lock()
	maxOptime := s.maxOptime()
	optime, ok := s.optimes[b]
	s.mu.Unlock()
	if !ok || maxOptime.IsZero() {
		return MaxLag
	}
	return maxOptime.Sub(optime)
}
