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

package server_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/moleculardb/shardrouter/server"
	"github.com/moleculardb/shardrouter/toml"
)

func Test_NewConfig(t *testing.T) {
	c := server.NewConfig()

	if c.AuthEnabled {
		t.Fatalf("unexpected AuthEnabled: %v", c.AuthEnabled)
	}
	if c.ReadOnly {
		t.Fatalf("unexpected ReadOnly: %v", c.ReadOnly)
	}
	if c.Bind != ":27017" {
		t.Fatalf("unexpected Bind: %v", c.Bind)
	}
	if time.Duration(c.Topology.ConfirmInterval) != 30*time.Second {
		t.Fatalf("unexpected Topology.ConfirmInterval: %v", c.Topology.ConfirmInterval)
	}
	if c.Endpoint.ConnPoolSize != 8 {
		t.Fatalf("unexpected Endpoint.ConnPoolSize: %v", c.Endpoint.ConnPoolSize)
	}
}

func TestDuration(t *testing.T) {
	d := toml.Duration(time.Second * 182)
	if d.String() != "3m2s" {
		t.Fatalf("Unexpected time Duration %s", d)
	}

	b := []byte{51, 109, 50, 115}
	v, _ := d.MarshalText()
	if !reflect.DeepEqual(b, v) {
		t.Fatalf("Unexpected marshalled value %v", v)
	}

	v, _ = d.MarshalTOML()
	if !reflect.DeepEqual(b, v) {
		t.Fatalf("Unexpected marshalled value %v", v)
	}

	err := d.UnmarshalText([]byte("5"))
	if err.Error() != `time: missing unit in duration "5"` {
		t.Fatalf("expected time: missing unit in duration: %s", err)
	}

	err = d.UnmarshalText([]byte("3m2s"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, _ = d.MarshalText()
	if !reflect.DeepEqual(b, v) {
		t.Fatalf("Unexpected marshalled value %v", v)
	}
}
