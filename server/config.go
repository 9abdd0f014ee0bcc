// Copyright 2017 Pilosa Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server contains the `shardrouter server` subcommand which runs the
// router itself. The purpose of this package is to define an easily tested
// Command object which handles interpreting configuration and setting up all
// the objects the router needs.
package server

import (
	"time"

	"github.com/moleculardb/shardrouter/toml"
)

// Config represents the configuration for the router command.
type Config struct {
	// Bind is the host:port the router listens on for both the legacy wire
	// protocol and the HTTP side-channel (§6).
	Bind string `toml:"bind"`

	// ConfigServers is the connection string identifying the config-server
	// replica set, e.g. "configRepl/cfg1:27019,cfg2:27019,cfg3:27019"
	// (§4.4, §6 "Process-wide configuration").
	ConfigServers string `toml:"config-servers"`

	// DataDir is where the router persists its on-disk topology cache
	// (§4.4, §6 "Persisted state").
	DataDir string `toml:"data-dir"`

	// LogPath configures where the router will write logs; empty means
	// stderr.
	LogPath string `toml:"log-path"`

	// Verbose toggles debug-level logging.
	Verbose bool `toml:"verbose"`

	// AuthEnabled turns on the MONGODB-CR privilege model (§4.7); disabled
	// by default so a bare router behaves like an unauthenticated mongos.
	AuthEnabled bool `toml:"auth-enabled"`

	// SharedCursors, when true, uses one process-wide cursor map instead of
	// a cursor map per session (§3 "a cursor map... shared across the
	// process, by configuration").
	SharedCursors bool `toml:"shared-cursors"`

	// ReadOnly rejects every insert/update/delete/findAndModify with
	// BadRequest instead of routing it, for a router fronting a cluster
	// under maintenance (§6 "Reject writes").
	ReadOnly bool `toml:"read-only"`

	Topology struct {
		ConfirmInterval   toml.Duration `toml:"confirm-interval"`
		ConfirmRetransmit toml.Duration `toml:"confirm-retransmit"`
		ConfirmTimeout    toml.Duration `toml:"confirm-timeout"`
		LocalThreshold    toml.Duration `toml:"local-threshold"`
		MaxReplLag        toml.Duration `toml:"max-repl-lag"`
	} `toml:"topology"`

	Endpoint struct {
		ConnPoolSize     int           `toml:"conn-pool-size"`
		PingInterval     toml.Duration `toml:"ping-interval"`
		PingFailInterval toml.Duration `toml:"ping-fail-interval"`
		PingTimeout      toml.Duration `toml:"ping-timeout"`
	} `toml:"endpoint"`

	Read struct {
		Timeout    toml.Duration `toml:"timeout"`
		Retransmit toml.Duration `toml:"retransmit"`
	} `toml:"read"`

	Write struct {
		Timeout    toml.Duration `toml:"timeout"`
		Retransmit toml.Duration `toml:"retransmit"`
	} `toml:"write"`
}

// NewConfig returns an instance of Config with default options, modeled on
// real mongos's out-of-the-box timing (§4.1, §4.4's confInterval/
// confRetransmit/confTimeout naming).
func NewConfig() *Config {
	c := &Config{
		Bind:          ":27017",
		DataDir:       "~/.shardrouter",
		AuthEnabled:   false,
		SharedCursors: false,
		ReadOnly:      false,
	}

	c.Topology.ConfirmInterval = toml.Duration(30 * time.Second)
	c.Topology.ConfirmRetransmit = toml.Duration(5 * time.Second)
	c.Topology.ConfirmTimeout = toml.Duration(20 * time.Second)
	c.Topology.LocalThreshold = toml.Duration(15 * time.Millisecond)
	c.Topology.MaxReplLag = toml.Duration(90 * time.Second)

	c.Endpoint.ConnPoolSize = 8
	c.Endpoint.PingInterval = toml.Duration(10 * time.Second)
	c.Endpoint.PingFailInterval = toml.Duration(2 * time.Second)
	c.Endpoint.PingTimeout = toml.Duration(5 * time.Second)

	c.Read.Timeout = toml.Duration(30 * time.Second)
	c.Read.Retransmit = toml.Duration(5 * time.Second)
	c.Write.Timeout = toml.Duration(30 * time.Second)
	c.Write.Retransmit = toml.Duration(5 * time.Second)

	return c
}
