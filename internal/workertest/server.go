// Package workertest runs in-process fake cache workers for tests.
//
// A Server serves the worker HTTP API from an in-memory page store. Tests
// can take it down, slow it, script load jobs and observe how many requests
// were in flight at once.
package workertest

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"pagecache/internal/page"
	"pagecache/internal/ring"
	"pagecache/internal/storage"
	"pagecache/internal/worker"
)

// Server is a fake cache worker.
type Server struct {
	store  storage.Store
	srv    *httptest.Server
	logger *zap.Logger

	mu       sync.Mutex
	files    map[string]worker.FileStatus
	loads    map[string]*loadJob
	down     bool
	delay    time.Duration
	requests map[string]int // op -> count

	inFlight    int
	maxInFlight int
}

type loadJob struct {
	script []worker.LoadProgress
	stops  int
}

func (j *loadJob) current() worker.LoadProgress {
	return j.script[0]
}

// advance moves to the next scripted state; the last one repeats.
func (j *loadJob) advance() {
	if len(j.script) > 1 {
		j.script = j.script[1:]
	}
}

func terminal(state string) bool {
	switch state {
	case "SUCCEEDED", "FAILED", "STOPPED":
		return true
	}
	return strings.Contains(state, "FAILED")
}

// NewServer starts a fake worker on a loopback port.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    storage.NewInMemoryStore(),
		logger:   logger,
		files:    make(map[string]worker.FileStatus),
		loads:    make(map[string]*loadJob),
		requests: make(map[string]int),
	}

	router := httprouter.New()
	router.GET("/v1/file/:fileId/page/:pageIndex", s.track("get_page", s.handleGetPage))
	router.POST("/v1/file/:fileId/page/:pageIndex", s.track("put_page", s.handlePutPage))
	router.GET("/v1/load", s.track("load", s.handleLoad))
	router.GET("/v1/info", s.track("info", s.handleInfo))
	router.GET("/v1/files", s.track("files", s.handleList))

	s.srv = httptest.NewServer(router)
	s.logger = logger.With(zap.String("worker", s.srv.Listener.Addr().String()))
	return s
}

// Close shuts the server down.
func (s *Server) Close() {
	s.srv.Close()
}

// Worker returns the identity clients should use to reach s.
func (s *Server) Worker() ring.Worker {
	host, port, _ := net.SplitHostPort(s.srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return ring.Worker{Host: host, DataPort: ring.DefaultDataPort, WebPort: p}
}

// Store returns the page store backing s.
func (s *Server) Store() storage.Store {
	return s.store
}

// SetDown makes every request fail with 503 while down is true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// SetDelay delays every response by d.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Requests returns how many requests of op were served. Ops are get_page,
// put_page, load, info and files.
func (s *Server) Requests(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[op]
}

// MaxInFlight returns the highest number of concurrent requests seen.
func (s *Server) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// PutFile stores data as the pages of path and registers its status.
func (s *Server) PutFile(path string, data []byte, pageSize int64) {
	id := page.FileID(path)
	for i, p := range page.Split(data, pageSize) {
		s.store.Put(page.Key{FileID: id, Index: int64(i)}, p)
	}
	s.AddStatus(worker.FileStatus{
		Type:    "file",
		Name:    path[strings.LastIndex(path, "/")+1:],
		Path:    path,
		UfsPath: path,
		Length:  int64(len(data)),
	})
}

// AddStatus registers the status returned for st.UfsPath.
func (s *Server) AddStatus(st worker.FileStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[st.UfsPath] = st
}

// ScriptLoad sets the states reported by successive progress polls of the
// load job of path. The last state repeats.
func (s *Server) ScriptLoad(path string, states ...worker.LoadProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads[path] = &loadJob{script: states}
}

// LoadStops returns how many stop requests reached the load job of path.
func (s *Server) LoadStops(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.loads[path]; ok {
		return j.stops
	}
	return 0
}

func (s *Server) track(op string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s.mu.Lock()
		s.requests[op]++
		s.inFlight++
		if s.inFlight > s.maxInFlight {
			s.maxInFlight = s.inFlight
		}
		down, delay := s.down, s.delay
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			s.inFlight--
			s.mu.Unlock()
		}()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if down {
			http.Error(w, "worker unavailable", http.StatusServiceUnavailable)
			return
		}
		h(w, r, ps)
	}
}

func pageKey(ps httprouter.Params) (page.Key, bool) {
	idx, err := strconv.ParseInt(ps.ByName("pageIndex"), 10, 64)
	if err != nil || idx < 0 {
		return page.Key{}, false
	}
	return page.Key{FileID: ps.ByName("fileId"), Index: idx}, true
}

func (s *Server) handleGetPage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key, ok := pageKey(ps)
	if !ok {
		http.Error(w, "bad page index", http.StatusBadRequest)
		return
	}

	var data []byte
	q := r.URL.Query()
	if q.Has("offset") || q.Has("length") {
		offset, err1 := strconv.ParseInt(q.Get("offset"), 10, 64)
		length, err2 := strconv.ParseInt(q.Get("length"), 10, 64)
		if err1 != nil || err2 != nil {
			http.Error(w, "bad offset or length", http.StatusBadRequest)
			return
		}
		data, ok = s.store.Read(key, offset, length)
	} else {
		data, ok = s.store.Get(key)
	}
	if !ok {
		s.logger.Debug("page miss", zap.Stringer("page", key))
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handlePutPage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key, ok := pageKey(ps)
	if !ok {
		http.Error(w, "bad page index", http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.store.Put(key, data)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	path := r.URL.Query().Get("path")
	op := r.URL.Query().Get("opType")

	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.loads[path]
	switch op {
	case worker.OpSubmit:
		if !exists {
			job = &loadJob{script: []worker.LoadProgress{{JobState: "RUNNING"}}}
			s.loads[path] = job
		}
		writeJSON(w, map[string]bool{"success": true})
	case worker.OpProgress:
		if !exists {
			http.Error(w, "no load job for "+path, http.StatusNotFound)
			return
		}
		p := job.current()
		job.advance()
		writeJSON(w, p)
	case worker.OpStop:
		if !exists {
			writeJSON(w, map[string]bool{"success": false})
			return
		}
		job.stops++
		if !terminal(job.current().JobState) {
			job.script = []worker.LoadProgress{{JobState: "STOPPED", Percentage: job.current().Percentage}}
		}
		writeJSON(w, map[string]bool{"success": true})
	default:
		http.Error(w, "unknown opType "+op, http.StatusBadRequest)
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	path := r.URL.Query().Get("path")

	s.mu.Lock()
	st, ok := s.files[path]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, []worker.FileStatus{st})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	dir := strings.TrimSuffix(r.URL.Query().Get("path"), "/") + "/"

	s.mu.Lock()
	var out []worker.FileStatus
	for p, st := range s.files {
		rest, ok := strings.CutPrefix(p, dir)
		if ok && rest != "" && !strings.Contains(rest, "/") {
			out = append(out, st)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UfsPath < out[j].UfsPath })
	if out == nil {
		out = []worker.FileStatus{}
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
