package federation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/c360/ctxfed/csr"
	"github.com/c360/ctxfed/ngsild"
	"github.com/c360/ctxfed/registry"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   ngsild.Entity
}

// peer is a fake context source.
type peer struct {
	*httptest.Server
	router *mux.Router

	mu       sync.Mutex
	requests []recordedRequest
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	p := &peer{router: mux.NewRouter()}
	p.Server = httptest.NewServer(p.record(p.router))
	t.Cleanup(p.Close)
	return p
}

func (p *peer) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
		}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			rec.Body, _ = ngsild.DecodeEntity(data)
		}
		p.mu.Lock()
		p.requests = append(p.requests, rec)
		p.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (p *peer) received() []recordedRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recordedRequest(nil), p.requests...)
}

// serveEntities answers queries and retrievals from a fixed entity set.
func (p *peer) serveEntities(entities ...ngsild.Entity) *peer {
	p.router.HandleFunc(EntitiesPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(ResultsCountHeader, strconv.Itoa(len(entities)))
		writeJSON(w, http.StatusOK, entities)
	}).Methods(http.MethodGet)
	p.router.HandleFunc(EntitiesPath+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		for _, e := range entities {
			if e.ID() == mux.Vars(r)["id"] {
				writeJSON(w, http.StatusOK, e)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodGet)
	return p
}

// acceptWrites answers every write with status.
func (p *peer) acceptWrites(status int) *peer {
	p.router.HandleFunc(EntitiesPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}).Methods(http.MethodPost)
	p.router.HandleFunc(EntitiesPath+"/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}).Methods(http.MethodPut, http.MethodDelete)
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type regOption func(*csr.Registration)

func withOps(ops ...csr.Operation) regOption {
	return func(r *csr.Registration) { r.Operations = ops }
}

func withAttrs(attrs ...string) regOption {
	return func(r *csr.Registration) {
		for i := range r.Information {
			r.Information[i].PropertyNames = attrs
		}
	}
}

func withEntity(ei csr.EntityInfo) regOption {
	return func(r *csr.Registration) {
		r.Information[0].Entities = []csr.EntityInfo{ei}
	}
}

func registration(id, endpoint string, mode csr.Mode, entityType string, opts ...regOption) *csr.Registration {
	r := &csr.Registration{
		ID:       id,
		Endpoint: endpoint,
		Mode:     mode,
		Information: []csr.RegistrationInfo{{
			Entities: []csr.EntityInfo{{Types: csr.TypeList{entityType}}},
		}},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ApplyDefaults()
	return r
}

// recordingStatus captures status reports synchronously.
type recordingStatus struct {
	mu      sync.Mutex
	reports map[string][]bool
}

func newRecordingStatus() *recordingStatus {
	return &recordingStatus{reports: make(map[string][]bool)}
}

func (r *recordingStatus) RecordStatus(reg *csr.Registration, success bool, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[reg.ID] = append(r.reports[reg.ID], success)
}

func (r *recordingStatus) of(id string) []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.reports[id]...)
}

// newTestDispatcher stores regs in a memory registry and wires a dispatcher to it.
func newTestDispatcher(t *testing.T, regs ...*csr.Registration) (*Dispatcher, *recordingStatus) {
	t.Helper()
	store := registry.NewMemoryStore(nil)
	for _, reg := range regs {
		if _, err := store.Create(context.Background(), reg); err != nil {
			t.Fatalf("create registration %s: %v", reg.ID, err)
		}
	}
	status := newRecordingStatus()
	caller := NewCaller(CallerConfig{Timeout: 2 * time.Second}, WithStatusRecorder(status))
	return NewDispatcher(store, caller, WithMaxConcurrency(4)), status
}

func entity(id, typ string, attrs ...string) ngsild.Entity {
	e := ngsild.Entity{"id": id, "type": typ}
	for _, a := range attrs {
		e[a] = map[string]any{"type": "Property", "value": 1}
	}
	return e
}
