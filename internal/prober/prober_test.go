package prober

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tako-run/takod/internal/domain"
	"github.com/tako-run/takod/internal/iproc"
)

type fakeRegistry struct {
	mu   sync.Mutex
	proc map[string][]*iproc.Proc
	dead []string
}

func (r *fakeRegistry) AllInstances() map[string][]*iproc.Proc {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]*iproc.Proc, len(r.proc))
	for k, v := range r.proc {
		out[k] = v
	}
	return out
}

func (r *fakeRegistry) OnDead(app string, proc *iproc.Proc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead = append(r.dead, app+"/"+proc.Addr())
}

func newProcAt(t *testing.T, app string, addr net.Addr) *iproc.Proc {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("splitting host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port: %v", err)
	}
	p := iproc.New(app, "r1", 1)
	p.Port = port
	return p
}

func TestProbeOneMarksHealthyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	proc := newProcAt(t, "blog", srv.Listener.Addr())
	p := New(Config{Path: "/status", StartupTimeout: time.Second, UnhealthyThreshold: 2, DeadThreshold: 5}, &fakeRegistry{})

	p.probeOne(context.Background(), "blog", proc)

	if proc.State() != domain.StateHealthy {
		t.Fatalf("got state %v, want healthy", proc.State())
	}
}

func TestProbeOneStaysStartingWithinGracePeriod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	proc := newProcAt(t, "blog", srv.Listener.Addr())
	p := New(Config{Path: "/status", StartupTimeout: time.Hour, UnhealthyThreshold: 2, DeadThreshold: 5}, &fakeRegistry{})

	p.probeOne(context.Background(), "blog", proc)

	if proc.State() != domain.StateStarting {
		t.Fatalf("got state %v, want still starting (within grace period)", proc.State())
	}
}

func TestProbeOneFlipsUnhealthyAfterStartupTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	proc := newProcAt(t, "blog", srv.Listener.Addr())
	proc.StartedAt = time.Now().Add(-time.Hour)
	p := New(Config{Path: "/status", StartupTimeout: time.Millisecond, UnhealthyThreshold: 2, DeadThreshold: 5}, &fakeRegistry{})

	p.probeOne(context.Background(), "blog", proc)

	if proc.State() != domain.StateUnhealthy {
		t.Fatalf("got state %v, want unhealthy", proc.State())
	}
}

func TestProbeOneEvictsAfterDeadThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := &fakeRegistry{}
	proc := newProcAt(t, "blog", srv.Listener.Addr())
	proc.StartedAt = time.Now().Add(-time.Hour)
	proc.SetState(domain.StateUnhealthy)
	p := New(Config{Path: "/status", StartupTimeout: time.Millisecond, UnhealthyThreshold: 1, DeadThreshold: 2}, reg)

	p.probeOne(context.Background(), "blog", proc)
	p.probeOne(context.Background(), "blog", proc)

	if proc.State() != domain.StateStopped {
		t.Fatalf("got state %v, want stopped", proc.State())
	}
	if len(reg.dead) != 1 {
		t.Fatalf("got %d dead notifications, want 1", len(reg.dead))
	}

	// reset the shared probe breaker's failure streak so later tests in this
	// package don't observe it half-open or open from this test's failures.
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv2.Close()
	okProc := newProcAt(t, "blog", srv2.Listener.Addr())
	p.probeOne(context.Background(), "blog", okProc)
}

func TestProbeOneRecoversToHealthyFromUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	proc := newProcAt(t, "blog", srv.Listener.Addr())
	proc.SetState(domain.StateUnhealthy)
	p := New(Config{Path: "/status", StartupTimeout: time.Second, UnhealthyThreshold: 2, DeadThreshold: 5}, &fakeRegistry{})

	p.probeOne(context.Background(), "blog", proc)

	if proc.State() != domain.StateHealthy {
		t.Fatalf("got state %v, want healthy", proc.State())
	}
}
