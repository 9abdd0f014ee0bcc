package session

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moleculardb/shardrouter/topology"
)

func newHTTPTestSession(snap *topology.Snapshot) *Session {
	return &Session{
		topo:    &fakeTopology{snap: snap},
		cursors: NewCursorMap(),
	}
}

func TestDashboardHandler_ListsShardsAndDatabases(t *testing.T) {
	snap := &topology.Snapshot{
		Shards:    map[string]topology.Shard{"shard-a": topology.NewNullShard("shard-a", "")},
		Databases: []topology.Database{{Name: "app", Primary: "shard-a"}},
	}
	s := newHTTPTestSession(snap)

	rec := httptest.NewRecorder()
	s.dashboardHandler(rec, httptest.NewRequest("GET", "/", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "shard-a")
	assert.Contains(t, body, "app (primary shard-a)")
}

func TestMonitorHandler_NoShardsReportsOK(t *testing.T) {
	s := newHTTPTestSession(&topology.Snapshot{})
	rec := httptest.NewRecorder()
	s.monitorHandler(rec, httptest.NewRequest("GET", "/monitor", nil))
	assert.Contains(t, rec.Body.String(), "OK\n")
}

func TestMonitorHandler_AllShardsDownReportsCritical(t *testing.T) {
	snap := &topology.Snapshot{
		Shards: map[string]topology.Shard{"shard-a": topology.NewNullShard("shard-a", "")},
	}
	s := newHTTPTestSession(snap)
	rec := httptest.NewRecorder()
	s.monitorHandler(rec, httptest.NewRequest("GET", "/monitor", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "CRITICAL")
	assert.Contains(t, body, "shard-a")
}

func TestMonitorHandler_ReportsOpenCursorCount(t *testing.T) {
	s := newHTTPTestSession(&topology.Snapshot{})
	s.cursors.Store(1, nil)
	rec := httptest.NewRecorder()
	s.monitorHandler(rec, httptest.NewRequest("GET", "/monitor", nil))
	assert.Contains(t, rec.Body.String(), "cursors_open=1")
}
