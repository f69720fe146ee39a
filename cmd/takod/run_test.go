package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/tako-run/takod/internal/config"
	"github.com/tako-run/takod/internal/domain"
	"github.com/tako-run/takod/internal/iproc"
	"github.com/tako-run/takod/internal/lb"
	"github.com/tako-run/takod/internal/scale"
	"github.com/tako-run/takod/internal/store"
)

func TestInstancePortOffsetOnlyAppliesToCandidate(t *testing.T) {
	primary := config.RuntimeConfig{UpgradeCandidate: false, InstancePortOffset: 10000}
	if got := instancePortOffset(primary); got != 0 {
		t.Fatalf("got %d, want 0 for the primary daemon", got)
	}

	candidate := config.RuntimeConfig{UpgradeCandidate: true, InstancePortOffset: 10000}
	if got := instancePortOffset(candidate); got != 10000 {
		t.Fatalf("got %d, want 10000 for an upgrade candidate", got)
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.Context(), afero.NewOsFs(), t.TempDir(), "run")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestIdleTimeoutForSkipsAlwaysOnApps(t *testing.T) {
	st := newTestStore(t)
	st.PutApp(t.Context(), domain.App{Name: "blog", Instances: 2})

	timeoutFor := idleTimeoutFor(st)
	if _, onDemand := timeoutFor("blog"); onDemand {
		t.Fatal("an always-on app (Instances > 0) must not be reported as on-demand")
	}
}

func TestIdleTimeoutForUsesConfiguredTimeout(t *testing.T) {
	st := newTestStore(t)
	st.PutApp(t.Context(), domain.App{Name: "shop", Instances: 0, IdleTimeoutSec: 60})

	timeoutFor := idleTimeoutFor(st)
	timeout, onDemand := timeoutFor("shop")
	if !onDemand {
		t.Fatal("expected an on-demand app to be reported as such")
	}
	if timeout != 60*time.Second {
		t.Fatalf("got %v, want 60s", timeout)
	}
}

func TestIdleTimeoutForDefaultsWhenUnset(t *testing.T) {
	st := newTestStore(t)
	st.PutApp(t.Context(), domain.App{Name: "shop", Instances: 0})

	timeoutFor := idleTimeoutFor(st)
	timeout, onDemand := timeoutFor("shop")
	if !onDemand {
		t.Fatal("expected an on-demand app to be reported as such")
	}
	if timeout != 300*time.Second {
		t.Fatalf("got %v, want the 300s default", timeout)
	}
}

func TestIdleTimeoutForUnknownAppReportsNotOnDemand(t *testing.T) {
	st := newTestStore(t)
	timeoutFor := idleTimeoutFor(st)
	if _, onDemand := timeoutFor("ghost"); onDemand {
		t.Fatal("an unregistered app must not be reported as on-demand")
	}
}

func TestProberRegistryBridgesSupervisorAndBalancer(t *testing.T) {
	bal := lb.New()
	proc := iproc.New("blog", "r1", 1)
	bal.Add("blog", proc)

	reg := &proberRegistry{sup: nil, bal: bal, st: newTestStore(t), ctx: t.Context()}
	reg.OnDead("blog", proc)

	if got := bal.Count("blog"); got != 0 {
		t.Fatalf("got %d members after OnDead, want 0", got)
	}
}

func TestProberRegistryReconcilesAlwaysOnAppAfterDeath(t *testing.T) {
	st := newTestStore(t)
	st.PutApp(t.Context(), domain.App{Name: "blog", Instances: 1})

	bal := lb.New()
	proc := iproc.New("blog", "r1", 1)
	bal.Add("blog", proc)

	spawner := &fakeSpawner{}
	reg := &proberRegistry{
		sup:       nil,
		bal:       bal,
		st:        st,
		scaleCtrl: scale.New(bal, spawner),
		ctx:       t.Context(),
		log:       slog.New(slog.DiscardHandler),
	}
	reg.OnDead("blog", proc)

	deadline := time.Now().Add(time.Second)
	for bal.Count("blog") == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := bal.Count("blog"); got != 1 {
		t.Fatalf("got %d members after reconcile, want 1 replacement instance", got)
	}
}

type fakeSpawner struct{ n int }

func (f *fakeSpawner) SpawnInstance(ctx context.Context, app domain.App) (*iproc.Proc, error) {
	f.n++
	return iproc.New(app.Name, app.CurrentRelease, f.n), nil
}
