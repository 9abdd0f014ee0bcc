package topology

import "go.mongodb.org/mongo-driver/bson"

// configServerParent is the minimal owningShard implementation for a
// config-server backend: config servers are probed for liveness exactly
// like a shard's backend, but never need the shard-level "lost master" or
// status-propagation machinery, since the holder reads their liveness
// straight off the Backend (§4.4 "try the alive server with the lowest
// round-trip").
type configServerParent struct{}

func (configServerParent) pingQueries() []PingQuery {
	return []PingQuery{
		{Name: "ismaster", Database: "admin", Command: bson.M{"ismaster": 1}},
	}
}

func (configServerParent) backendUpdated(*Backend) {}

// NewConfigServerBackend constructs a probed Backend for one config-server
// address, for use as an element of NewHolder's configServers slice.
func NewConfigServerBackend(address string, epCfg EndpointConfig) *Backend {
	var parent configServerParent
	b := NewBackend(parent, address)
	b.AddEndpoint(NewEndpoint(address, b, epCfg))
	return b
}
