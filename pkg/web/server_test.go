package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Bumply/bitirme/internal/telemetry"
	"github.com/Bumply/bitirme/pkg/pipeline"
)

type fakePipe struct {
	mu     sync.Mutex
	snap   pipeline.Snapshot
	counts map[string]int
}

func (p *fakePipe) bump(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts == nil {
		p.counts = make(map[string]int)
	}
	p.counts[name]++
}

func (p *fakePipe) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[name]
}

func (p *fakePipe) Snapshot() pipeline.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

func (p *fakePipe) Calibrate()        { p.bump("calibrate") }
func (p *fakePipe) CalibrateGesture() { p.bump("gesture") }
func (p *fakePipe) EmergencyStop()    { p.bump("estop") }
func (p *fakePipe) Reset()            { p.bump("reset") }

type fakeEvents struct {
	mu        sync.Mutex
	entries   []telemetry.Entry
	err       error
	lastLimit int
}

func (f *fakeEvents) Recent(limit int) ([]telemetry.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	if limit > len(f.entries) {
		limit = len(f.entries)
	}
	return f.entries[:limit], nil
}

func newTestServer(events EventSource) (*Server, *fakePipe) {
	pipe := &fakePipe{snap: pipeline.Snapshot{State: "disabled", Stopped: true}}
	return NewServer(DefaultConfig(), pipe, events), pipe
}

func TestStatusReturnsSnapshot(t *testing.T) {
	s, _ := newTestServer(nil)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var snap pipeline.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.State != "disabled" || !snap.Stopped {
		t.Fatalf("snapshot = %+v, want disabled and stopped", snap)
	}
}

func TestActionRoutesDriveThePipeline(t *testing.T) {
	s, pipe := newTestServer(nil)

	cases := []struct {
		path   string
		action string
	}{
		{"/api/calibrate", "calibrate"},
		{"/api/gesture/calibrate", "gesture"},
		{"/api/estop", "estop"},
		{"/api/reset", "reset"},
	}
	for _, tc := range cases {
		resp, err := s.app.Test(httptest.NewRequest(http.MethodPost, tc.path, nil))
		if err != nil {
			t.Fatalf("POST %s: %v", tc.path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST %s = %d, want 200", tc.path, resp.StatusCode)
		}
		if n := pipe.count(tc.action); n != 1 {
			t.Fatalf("POST %s reached pipeline %d times, want 1", tc.path, n)
		}
	}
}

func TestActionRoutesRejectGet(t *testing.T) {
	s, pipe := newTestServer(nil)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/api/estop", nil))
	if err != nil {
		t.Fatalf("GET /api/estop: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	if n := pipe.count("estop"); n != 0 {
		t.Fatalf("GET reached the pipeline %d times, want 0", n)
	}
}

func TestEventsReturnsRecentEntries(t *testing.T) {
	src := &fakeEvents{entries: []telemetry.Entry{
		{At: time.Now().UTC(), Kind: "state", Detail: "disabled -> enabled"},
		{At: time.Now().UTC(), Kind: "obstacle", Detail: "detected"},
	}}
	s, _ := newTestServer(src)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/api/events?limit=1", nil))
	if err != nil {
		t.Fatalf("events request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var entries []telemetry.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Kind != "state" {
		t.Fatalf("Kind = %q, want state", entries[0].Kind)
	}
	if src.lastLimit != 1 {
		t.Fatalf("limit passed through = %d, want 1", src.lastLimit)
	}
}

func TestEventsClampsLimit(t *testing.T) {
	src := &fakeEvents{}
	s, _ := newTestServer(src)

	for _, q := range []string{"?limit=0", "?limit=5000", ""} {
		if _, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/api/events"+q, nil)); err != nil {
			t.Fatalf("events request %q: %v", q, err)
		}
		if src.lastLimit != 100 {
			t.Fatalf("limit for %q = %d, want 100", q, src.lastLimit)
		}
	}
}

func TestEventsWithoutStore(t *testing.T) {
	s, _ := newTestServer(nil)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if err != nil {
		t.Fatalf("events request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var entries []telemetry.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("len(entries) = %d, want 0", len(entries))
	}
}

func TestEventsReportsStoreFailure(t *testing.T) {
	s, _ := newTestServer(&fakeEvents{err: errors.New("disk gone")})

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if err != nil {
		t.Fatalf("events request: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestStatusStreamRequiresUpgrade(t *testing.T) {
	s, _ := newTestServer(nil)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/ws/status", nil))
	if err != nil {
		t.Fatalf("ws request: %v", err)
	}
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("status = %d, want 426", resp.StatusCode)
	}
}
