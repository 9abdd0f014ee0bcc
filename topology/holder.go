package topology

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/logger"
)

// DiskCache persists and restores the raw topology document so the router
// can bootstrap when config servers are unreachable (§4.4, §6 "Persisted
// state"). Treated as an injected collaborator so tests can use an
// in-memory stand-in.
type DiskCache interface {
	Save(ctx context.Context, doc bson.Raw) error
	Load(ctx context.Context) (bson.Raw, error)
}

// HolderConfig bundles the topology holder's tuning knobs (§6). The
// Endpoint/local-threshold/max-lag fields are only consulted when
// reconstructing shard objects from the on-disk cache at boot, before the
// first network fetch has landed.
type HolderConfig struct {
	ConfirmInterval   time.Duration // confInterval
	ConfirmRetransmit time.Duration // confRetransmit
	ConfirmTimeout    time.Duration // confTimeout
	Cache             DiskCache
	Log               logger.Logger

	EndpointConfig EndpointConfig
	LocalThreshold time.Duration
	MaxReplLag     time.Duration
}

// Holder is the topology holder (component D): it polls config servers,
// constructs validated snapshots, and publishes them atomically for readers
// (§4.4).
type Holder struct {
	cfg HolderConfig

	configServers []*Backend
	connStr       string

	snapshot atomic.Value // holds *Snapshot

	stop chan struct{}
	done chan struct{}

	mu sync.Mutex
	// refreshCh lets callers (read/write pipeline on
	// ShardConfigStale) force a synchronous refresh outside the normal
	// polling cadence (§4.5 "Stale-config recovery").
	refreshCh chan chan error
}

// NewHolder constructs a topology holder over the given config-server
// backends. Callers must call Start to begin polling.
func NewHolder(configServers []*Backend, connStr string, cfg HolderConfig) *Holder {
	if cfg.Log == nil {
		cfg.Log = logger.NopLogger
	}
	h := &Holder{
		cfg:           cfg,
		configServers: configServers,
		connStr:       connStr,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		refreshCh:     make(chan chan error),
	}
	return h
}

// Snapshot returns the most recently installed snapshot, or nil if none has
// been fetched yet (bootstrapping from an empty on-disk cache and
// unreachable config servers).
func (h *Holder) Snapshot() *Snapshot {
	v, _ := h.snapshot.Load().(*Snapshot)
	return v
}

// Start begins the background polling loop (§4.4 "One background task polls
// the config servers at confInterval"). On first boot it tries the on-disk
// cache before the first successful network fetch lands.
func (h *Holder) Start(ctx context.Context, fetch FetchFunc) {
	if h.cfg.Cache != nil {
		if doc, err := h.cfg.Cache.Load(ctx); err == nil && doc != nil {
			if snap, err := decodeCachedSnapshot(doc, h.cfg); err == nil {
				h.snapshot.Store(snap)
				h.cfg.Log.Infof("topology: restored snapshot from disk cache")
			} else {
				h.cfg.Log.Warnf("topology: discarding unusable disk cache: %v", err)
			}
		}
	}
	go h.loop(ctx, fetch)
}

func (h *Holder) Close() {
	close(h.stop)
	<-h.done
}

// RequestRefresh triggers an out-of-cadence fetch and blocks until it
// completes, per §4.5: "If a backend reports ShardConfigStale, refresh the
// topology holder synchronously."
func (h *Holder) RequestRefresh(ctx context.Context) error {
	replyCh := make(chan error, 1)
	select {
	case h.refreshCh <- replyCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-replyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchFunc performs the four-collection fetch against one config-server
// backend over a single connection, per §4.4: "fetches four ordered
// collections over a single connection: shards, databases, collections
// (excluding dropped), chunks."
type FetchFunc func(ctx context.Context, b *Backend) (rawDoc bson.Raw, shards map[string]Shard, dbs []Database, colls []Collection, chunks []Chunk, err error)

func (h *Holder) loop(ctx context.Context, fetch FetchFunc) {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.ConfirmInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.fetchAndInstall(ctx, fetch)
		case reply := <-h.refreshCh:
			reply <- h.fetchAndInstall(ctx, fetch)
		}
	}
}

// fetchAndInstall implements the hedge-by-lowest-round-trip race from §4.4:
// "try the alive server with the lowest round-trip; if it does not answer
// within confRetransmit, hedge by launching a second fetch against the next
// server; accept whichever completes successfully first, bounded by
// confTimeout."
func (h *Holder) fetchAndInstall(parent context.Context, fetch FetchFunc) error {
	ordered := h.orderedAliveConfigServers()
	if len(ordered) == 0 {
		return errors.New(errors.NoShardConfig, "no alive config server")
	}

	ctx, cancel := context.WithTimeout(parent, h.cfg.ConfirmTimeout)
	defer cancel()

	type result struct {
		doc    bson.Raw
		shards map[string]Shard
		dbs    []Database
		colls  []Collection
		chunks []Chunk
		err    error
	}
	resultCh := make(chan result, 2)

	attempt := func(b *Backend) {
		doc, shards, dbs, colls, chunks, err := fetch(ctx, b)
		resultCh <- result{doc, shards, dbs, colls, chunks, err}
	}

	go attempt(ordered[0])

	var hedgeTimer *time.Timer
	if len(ordered) > 1 && h.cfg.ConfirmRetransmit > 0 {
		hedgeTimer = time.NewTimer(h.cfg.ConfirmRetransmit)
		defer hedgeTimer.Stop()
	}

	attempts := 1
	for {
		var hedgeFire <-chan time.Time
		if hedgeTimer != nil {
			hedgeFire = hedgeTimer.C
		}
		select {
		case r := <-resultCh:
			if r.err == nil {
				return h.install(r.doc, r.shards, r.dbs, r.colls, r.chunks)
			}
			attempts--
			if attempts == 0 {
				return errors.Wrap(r.err, "config fetch failed")
			}
		case <-hedgeFire:
			hedgeTimer = nil
			attempts++
			go attempt(ordered[1])
		case <-ctx.Done():
			return errors.New(errors.NoShardConfig, "config fetch timed out")
		}
	}
}

// install validates and, if changed, atomically swaps in a new snapshot,
// then persists it to the on-disk cache (§4.4); this happens on every
// install of a changed snapshot. Change detection is Snapshot.Equal; rawDoc,
// the wire-format document straight off the config servers, is not used.
// What gets persisted is re-encoded into the holder's own cache format so it
// can be reconstructed into live Shard objects at the next boot.
func (h *Holder) install(rawDoc bson.Raw, shards map[string]Shard, dbs []Database, colls []Collection, chunks []Chunk) error {
	snap, err := NewSnapshot(shards, dbs, colls, chunks)
	if err != nil {
		return err
	}
	old := h.Snapshot()
	if old != nil && old.Equal(snap) {
		return nil
	}
	h.snapshot.Store(snap)
	if h.cfg.Cache != nil {
		if cacheDoc, err := encodeSnapshotForCache(shards, dbs, colls, chunks); err == nil {
			_ = h.cfg.Cache.Save(context.Background(), cacheDoc)
		} else {
			h.cfg.Log.Warnf("topology: failed to encode snapshot for disk cache: %v", err)
		}
	}
	return nil
}

// orderedAliveConfigServers returns alive config-server backends sorted by
// ascending round-trip.
func (h *Holder) orderedAliveConfigServers() []*Backend {
	var alive []*Backend
	for _, b := range h.configServers {
		if b.Alive() {
			alive = append(alive, b)
		}
	}
	for i := 1; i < len(alive); i++ {
		for j := i; j > 0 && alive[j].RoundTrip() < alive[j-1].RoundTrip(); j-- {
			alive[j], alive[j-1] = alive[j-1], alive[j]
		}
	}
	return alive
}

// fetchAndInstall's hedge race above is intentionally a hand-rolled select
// loop rather than errgroup.Group: it must accept the first *success* and
// keep racing past individual failures, not stop at the first error. The
// read pipeline's multi-shard fan-out (read/pipeline.go) is the one that
// actually wants "wait for every goroutine, surface the first error" and
// uses errgroup for it.
