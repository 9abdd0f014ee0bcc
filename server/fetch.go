package server

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/topology"
	"github.com/moleculardb/shardrouter/wire"
)

// configFetcher implements topology.FetchFunc against the real config-server
// collections (config.shards, config.databases, config.collections,
// config.chunks), per §4.4: "fetches four ordered collections over a single
// connection". It carries the endpoint tuning knobs needed to construct live
// Shard objects for whatever shards the fetch discovers.
type configFetcher struct {
	epCfg          topology.EndpointConfig
	localThreshold time.Duration
	maxReplLag     time.Duration

	reqID int32
}

func newConfigFetcher(epCfg topology.EndpointConfig, localThreshold, maxReplLag time.Duration) *configFetcher {
	return &configFetcher{epCfg: epCfg, localThreshold: localThreshold, maxReplLag: maxReplLag}
}

func (f *configFetcher) nextRequestID() int32 {
	return atomic.AddInt32(&f.reqID, 1)
}

// Fetch is a topology.FetchFunc: it dials b directly (bypassing the usual
// pooled/versioned commit point, which is only meaningful for data-bearing
// shards) and reads the four collections over that one connection.
func (f *configFetcher) Fetch(ctx context.Context, b *topology.Backend) (bson.Raw, map[string]topology.Shard, []topology.Database, []topology.Collection, []topology.Chunk, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", b.Address)
	if err != nil {
		return nil, nil, nil, nil, nil, errors.Wrap(err, "dial config server")
	}
	defer conn.Close()

	shardDocs, err := f.find(conn, "config.shards", nil)
	if err != nil {
		return nil, nil, nil, nil, nil, errors.Wrap(err, "fetch config.shards")
	}
	dbDocs, err := f.find(conn, "config.databases", nil)
	if err != nil {
		return nil, nil, nil, nil, nil, errors.Wrap(err, "fetch config.databases")
	}
	collDocs, err := f.find(conn, "config.collections", bson.M{"dropped": bson.M{"$ne": true}})
	if err != nil {
		return nil, nil, nil, nil, nil, errors.Wrap(err, "fetch config.collections")
	}
	chunkDocs, err := f.find(conn, "config.chunks", nil)
	if err != nil {
		return nil, nil, nil, nil, nil, errors.Wrap(err, "fetch config.chunks")
	}

	shards, err := f.decodeShards(shardDocs)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	dbs, err := decodeDatabases(dbDocs)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	colls, err := decodeCollections(collDocs)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	collByNS := make(map[string]topology.Collection, len(colls))
	for _, c := range colls {
		collByNS[c.Namespace] = c
	}
	chunks, err := decodeChunks(chunkDocs, collByNS)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	raw, err := bson.Marshal(bson.M{
		"shards":      shardDocs,
		"databases":   dbDocs,
		"collections": collDocs,
		"chunks":      chunkDocs,
	})
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	return raw, shards, dbs, colls, chunks, nil
}

// find runs a query to exhaustion over one connection, following
// OP_GET_MORE until the backend reports cursor id 0, mirroring the legacy
// find-then-getMore sequence the router itself serves to clients (§4.7).
func (f *configFetcher) find(conn net.Conn, ns string, filter bson.M) ([]bson.Raw, error) {
	selector, err := bson.Marshal(filter)
	if err != nil {
		return nil, err
	}
	body := wire.EncodeQuery(wire.Query{
		FullCollectionName: ns,
		NumberToReturn:     0,
		Selector:           selector,
	})
	if err := wire.WriteMessage(conn, f.nextRequestID(), 0, wire.OpQuery, body); err != nil {
		return nil, err
	}
	reply, err := f.readReply(conn)
	if err != nil {
		return nil, err
	}
	docs := reply.Documents
	for reply.CursorID != 0 {
		gm := wire.EncodeGetMore(wire.GetMore{FullCollectionName: ns, NumberToReturn: 0, CursorID: reply.CursorID})
		if err := wire.WriteMessage(conn, f.nextRequestID(), 0, wire.OpGetMore, gm); err != nil {
			return nil, err
		}
		reply, err = f.readReply(conn)
		if err != nil {
			return nil, err
		}
		docs = append(docs, reply.Documents...)
	}
	return docs, nil
}

func (f *configFetcher) readReply(conn net.Conn) (wire.Reply, error) {
	_, body, err := wire.ReadMessage(conn)
	if err != nil {
		return wire.Reply{}, err
	}
	return wire.DecodeReply(body)
}

// shardDoc mirrors the real config.shards document shape: host is either
// "host:port" (single) or "rsName/host1:port,host2:port,..." (replica set).
type shardDoc struct {
	ID   string `bson:"_id"`
	Host string `bson:"host"`
}

func (f *configFetcher) decodeShards(docs []bson.Raw) (map[string]topology.Shard, error) {
	shards := make(map[string]topology.Shard, len(docs))
	for _, raw := range docs {
		var d shardDoc
		if err := bson.Unmarshal(raw, &d); err != nil {
			return nil, errors.Wrap(err, "decode config.shards document")
		}
		if slash := strings.IndexByte(d.Host, '/'); slash >= 0 {
			addrs := strings.Split(d.Host[slash+1:], ",")
			shards[d.ID] = topology.NewReplicaSetShard(d.ID, d.Host, addrs, f.localThreshold, f.maxReplLag, f.epCfg)
			continue
		}
		shards[d.ID] = topology.NewSingleShard(d.ID, d.Host, d.Host, f.epCfg)
	}
	return shards, nil
}

type databaseDoc struct {
	Name        string `bson:"_id"`
	Primary     string `bson:"primary"`
	Partitioned bool   `bson:"partitioned"`
}

func decodeDatabases(docs []bson.Raw) ([]topology.Database, error) {
	dbs := make([]topology.Database, 0, len(docs))
	for _, raw := range docs {
		var d databaseDoc
		if err := bson.Unmarshal(raw, &d); err != nil {
			return nil, errors.Wrap(err, "decode config.databases document")
		}
		dbs = append(dbs, topology.Database{Name: d.Name, Primary: d.Primary, Partitioned: d.Partitioned})
	}
	return dbs, nil
}

type collectionDoc struct {
	Namespace string  `bson:"_id"`
	Key       bson.Raw `bson:"key"`
}

func decodeCollections(docs []bson.Raw) ([]topology.Collection, error) {
	colls := make([]topology.Collection, 0, len(docs))
	for _, raw := range docs {
		var d collectionDoc
		if err := bson.Unmarshal(raw, &d); err != nil {
			return nil, errors.Wrap(err, "decode config.collections document")
		}
		var key []topology.KeyField
		if len(d.Key) > 0 {
			elems, err := d.Key.Elements()
			if err != nil {
				return nil, errors.Wrap(err, "decode shard key spec")
			}
			for _, el := range elems {
				hashed := false
				if s, ok := el.Value().StringValueOK(); ok && s == "hashed" {
					hashed = true
				}
				key = append(key, topology.KeyField{Name: el.Key(), Hashed: hashed})
			}
		}
		colls = append(colls, topology.Collection{Namespace: d.Namespace, Key: key})
	}
	return colls, nil
}

type chunkDoc struct {
	Namespace    string             `bson:"ns"`
	Min          bson.Raw           `bson:"min"`
	Max          bson.Raw           `bson:"max"`
	Shard        string             `bson:"shard"`
	LastMod      primitive.Timestamp `bson:"lastmod"`
	LastModEpoch primitive.ObjectID  `bson:"lastmodEpoch"`
}

// decodeChunks parses config.chunks documents into Chunks, resolving each
// bound against its namespace's sharding key via topology.ComposeChunkBound.
// A chunk for a namespace this fetch never saw in config.collections (e.g. a
// race with a concurrent collection drop) is skipped; the holder's own
// chunk-cover check will reject the namespace if this leaves it incomplete.
func decodeChunks(docs []bson.Raw, collByNS map[string]topology.Collection) ([]topology.Chunk, error) {
	chunks := make([]topology.Chunk, 0, len(docs))
	for _, raw := range docs {
		var d chunkDoc
		if err := bson.Unmarshal(raw, &d); err != nil {
			return nil, errors.Wrap(err, "decode config.chunks document")
		}
		coll, ok := collByNS[d.Namespace]
		if !ok {
			continue
		}
		version := topology.ChunkVersion{Epoch: d.LastModEpoch.Hex(), Stamp: uint64(d.LastMod.T)}
		chunks = append(chunks, topology.Chunk{
			Namespace: d.Namespace,
			Min:       topology.ComposeChunkBound(coll, d.Min),
			Max:       topology.ComposeChunkBound(coll, d.Max),
			Shard:     d.Shard,
			Version:   version,
		})
	}
	return chunks, nil
}
