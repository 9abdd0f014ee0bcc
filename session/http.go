package session

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// httpRecorder is a minimal http.ResponseWriter that buffers a response body
// in memory so it can be written back over the raw connection as a single
// HTTP/1.0 message once the handler returns.
type httpRecorder struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newHTTPRecorder() *httpRecorder {
	return &httpRecorder{status: http.StatusOK, header: make(http.Header)}
}

func (r *httpRecorder) Header() http.Header { return r.header }

func (r *httpRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }

func (r *httpRecorder) WriteHeader(status int) { r.status = status }

// serveHTTP implements the HTTP side-channel of §6/§4.7: the first 4 bytes
// already read off the socket looked like "GET ", so the rest of the
// connection is treated as one HTTP/1.0 request-response instead of the
// wire protocol. The router never keeps an HTTP connection open past one
// request.
func (s *Session) serveHTTP(ctx context.Context, peek [4]byte) error {
	reader := io.MultiReader(strings.NewReader(string(peek[:])), s.conn)
	req, err := http.ReadRequest(bufio.NewReader(reader))
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)

	rec := newHTTPRecorder()
	s.httpRouter().ServeHTTP(rec, req)

	fmt.Fprintf(s.conn, "HTTP/1.0 %d %s\r\n", rec.status, http.StatusText(rec.status))
	rec.header.Set("Content-Length", fmt.Sprintf("%d", rec.body.Len()))
	rec.header.Set("Connection", "close")
	if err := rec.header.Write(s.conn); err != nil {
		return err
	}
	if _, err := io.WriteString(s.conn, "\r\n"); err != nil {
		return err
	}
	_, err = s.conn.Write(rec.body.Bytes())
	return err
}

func (s *Session) httpRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.dashboardHandler)
	r.HandleFunc("/monitor", s.monitorHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	return r
}

func (s *Session) dashboardHandler(w http.ResponseWriter, req *http.Request) {
	snap := s.snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><head><title>shardrouter</title></head><body>\n")
	fmt.Fprintf(w, "<h1>shardrouter</h1>\n<h2>Shards</h2>\n<ul>\n")
	ids := make([]string, 0, len(snap.Shards))
	for id := range snap.Shards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "<li>%s: %s</li>\n", id, snap.Shards[id].Status())
	}
	fmt.Fprintf(w, "</ul>\n<h2>Databases</h2>\n<ul>\n")
	for _, db := range snap.Databases {
		fmt.Fprintf(w, "<li>%s (primary %s)</li>\n", db.Name, db.Primary)
	}
	fmt.Fprintf(w, "</ul>\n<p>Open cursors: %d</p>\n</body></html>\n", s.cursors.Len())
}

// monitorHandler implements the plain-text health summary of §6: a first
// line of OK/WARNING/CRITICAL followed by semicolon-separated reasons, a
// format meant to be consumed by a load balancer health check as much as a
// human.
func (s *Session) monitorHandler(w http.ResponseWriter, req *http.Request) {
	snap := s.snapshot()
	var reasons []string
	downShards := 0
	for id, shard := range snap.Shards {
		if shard.Status() != "alive" {
			downShards++
			reasons = append(reasons, fmt.Sprintf("shard %s: %s", id, shard.Status()))
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	switch {
	case downShards == 0:
		fmt.Fprintln(w, "OK")
	case downShards < len(snap.Shards):
		fmt.Fprintln(w, "WARNING")
	default:
		fmt.Fprintln(w, "CRITICAL")
	}
	if len(reasons) > 0 {
		fmt.Fprintln(w, strings.Join(reasons, "; "))
	}
	fmt.Fprintf(w, "cursors_open=%d\n", s.cursors.Len())
}
