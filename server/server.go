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

package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	otopentracing "github.com/opentracing/opentracing-go"

	"github.com/moleculardb/shardrouter/diskcache"
	"github.com/moleculardb/shardrouter/errors"
	"github.com/moleculardb/shardrouter/logger"
	"github.com/moleculardb/shardrouter/session"
	"github.com/moleculardb/shardrouter/topology"
	"github.com/moleculardb/shardrouter/tracing"
	shardroutertracing "github.com/moleculardb/shardrouter/tracing/opentracing"
)

// Command represents the state of the router server command.
type Command struct {
	Config *Config

	Topology *topology.Holder

	// CPUProfile, if set, names a file to write a CPU profile to while the
	// server runs.
	CPUProfile string
	CPUTime    time.Duration

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	listener net.Listener
	log      logger.Logger

	// Started is closed once Run has finished setting up and begun
	// accepting connections.
	Started chan struct{}
	// Done is closed when Close is called.
	Done chan struct{}
}

// NewCommand returns a new instance of Command with a default Config.
func NewCommand(stdin io.Reader, stdout, stderr io.Writer) *Command {
	return &Command{
		Config: NewConfig(),
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Started: make(chan struct{}),
		Done:    make(chan struct{}),
	}
}

// Run starts the topology holder's background polling and begins accepting
// client connections on Config.Bind (§4.7 "Per connection").
func (m *Command) Run(ctx context.Context) (err error) {
	defer close(m.Started)

	dataDir := m.Config.DataDir
	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(dataDir, prefix) {
		home := os.Getenv("HOME")
		if home == "" {
			return errors.New(errors.BadRequest, "data directory not specified and no home dir available")
		}
		dataDir = filepath.Join(home, strings.TrimPrefix(dataDir, prefix))
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return errors.Wrap(err, "create data directory")
	}

	var logOut io.Writer = m.Stderr
	if m.Config.LogPath != "" {
		f, err := os.OpenFile(m.Config.LogPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		logOut = f
	}
	if m.Config.Verbose {
		m.log = logger.NewVerboseLogger(logOut)
	} else {
		m.log = logger.NewStandardLogger(logOut)
	}

	tracing.GlobalTracer = shardroutertracing.NewTracer(otopentracing.GlobalTracer(), m.log)

	epCfg := topology.EndpointConfig{
		ConnPoolSize:     m.Config.Endpoint.ConnPoolSize,
		PingInterval:     time.Duration(m.Config.Endpoint.PingInterval),
		PingFailInterval: time.Duration(m.Config.Endpoint.PingFailInterval),
		PingTimeout:      time.Duration(m.Config.Endpoint.PingTimeout),
		Dialer:           func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		Log: m.log,
	}

	configServers := parseHostList(m.Config.ConfigServers)
	if len(configServers) == 0 {
		return errors.New(errors.BadRequest, "config-servers must name at least one host")
	}
	backends := make([]*topology.Backend, 0, len(configServers))
	for _, addr := range configServers {
		backends = append(backends, topology.NewConfigServerBackend(addr, epCfg))
	}

	cache := diskcache.New(filepath.Join(dataDir, "topology.cache"))

	m.Topology = topology.NewHolder(backends, m.Config.ConfigServers, topology.HolderConfig{
		ConfirmInterval:   time.Duration(m.Config.Topology.ConfirmInterval),
		ConfirmRetransmit: time.Duration(m.Config.Topology.ConfirmRetransmit),
		ConfirmTimeout:    time.Duration(m.Config.Topology.ConfirmTimeout),
		Cache:             cache,
		Log:               m.log,
		EndpointConfig:    epCfg,
		LocalThreshold:    time.Duration(m.Config.Topology.LocalThreshold),
		MaxReplLag:        time.Duration(m.Config.Topology.MaxReplLag),
	})
	fetcher := newConfigFetcher(epCfg, time.Duration(m.Config.Topology.LocalThreshold), time.Duration(m.Config.Topology.MaxReplLag))
	m.Topology.Start(ctx, fetcher.Fetch)

	ln, err := net.Listen("tcp", m.Config.Bind)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	m.listener = ln
	fmt.Fprintf(m.Stderr, "Listening as mongodb://%s\n", m.Config.Bind)

	var sharedCursors *session.CursorMap
	if m.Config.SharedCursors {
		sharedCursors = session.NewCursorMap()
	}
	sessCfg := session.Config{
		ConfigServers:   m.Config.ConfigServers,
		ReadTimeout:     time.Duration(m.Config.Read.Timeout),
		ReadRetransmit:  time.Duration(m.Config.Read.Retransmit),
		WriteTimeout:    time.Duration(m.Config.Write.Timeout),
		WriteRetransmit: time.Duration(m.Config.Write.Retransmit),
		AuthEnabled:     m.Config.AuthEnabled,
		SharedCursors:   sharedCursors,
		ReadOnly:        m.Config.ReadOnly,
	}

	go m.acceptLoop(ctx, sessCfg)
	return nil
}

func (m *Command) acceptLoop(ctx context.Context, sessCfg session.Config) {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			m.log.Warnf("accept: %v", err)
			return
		}
		go func() {
			sess := session.New(conn, m.Topology, sessCfg, m.log)
			if err := sess.Run(ctx); err != nil {
				m.log.Warnf("session ended: %v", err)
			}
		}()
	}
}

// Close shuts down the listener and the topology holder.
func (m *Command) Close() error {
	var err error
	if m.listener != nil {
		err = m.listener.Close()
	}
	if m.Topology != nil {
		m.Topology.Close()
	}
	close(m.Done)
	return err
}

// parseHostList splits a "rsName/host1:port,host2:port" or bare
// "host1:port,host2:port" connection string into its host:port addresses.
func parseHostList(connStr string) []string {
	if connStr == "" {
		return nil
	}
	hosts := connStr
	if slash := strings.IndexByte(connStr, '/'); slash >= 0 {
		hosts = connStr[slash+1:]
	}
	var out []string
	for _, h := range strings.Split(hosts, ",") {
		h = strings.TrimSpace(h)
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}
