package session

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/moleculardb/shardrouter/metrics"
	"github.com/moleculardb/shardrouter/read"
)

// newCursorID generates a non-zero 64-bit cursor id handed back to the
// client. Zero is reserved (§6 "a cursor-id" of 0 means "no cursor"), so a
// zero draw is retried.
func newCursorID() int64 {
	for {
		var b [8]byte
		_, _ = rand.Read(b[:])
		id := int64(binary.LittleEndian.Uint64(b[:]))
		if id != 0 {
			return id
		}
	}
}

// CursorMap owns a set of open DataSources keyed by the 64-bit cursor id
// handed back to the client (§3 "Session... a cursor map (local to the
// session or shared across the process, by configuration)"). A *CursorMap
// is safe to share across sessions when the router is configured for a
// process-global cursor map; each Session otherwise gets its own.
type CursorMap struct {
	mu      sync.Mutex // short-only: map bookkeeping only, never held during I/O
	cursors map[int64]read.DataSource
}

func NewCursorMap() *CursorMap {
	return &CursorMap{cursors: make(map[int64]read.DataSource)}
}

func (m *CursorMap) Store(id int64, src read.DataSource) {
	if id == 0 {
		return
	}
	m.mu.Lock()
	m.cursors[id] = src
	m.mu.Unlock()
	metrics.CursorsOpen.Inc()
}

func (m *CursorMap) Take(id int64) (read.DataSource, bool) {
	m.mu.Lock()
	src, ok := m.cursors[id]
	if ok {
		delete(m.cursors, id)
	}
	m.mu.Unlock()
	if ok {
		metrics.CursorsOpen.Dec()
	}
	return src, ok
}

func (m *CursorMap) Drop(id int64) {
	m.mu.Lock()
	_, existed := m.cursors[id]
	delete(m.cursors, id)
	m.mu.Unlock()
	if existed {
		metrics.CursorsOpen.Dec()
	}
}

// Len reports the number of cursors currently open, surfaced on /monitor.
func (m *CursorMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cursors)
}
