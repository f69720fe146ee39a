// Package prober implements C6, the active health prober: one goroutine
// ticking every probe interval, fanning a GET /status check out to every
// tracked instance concurrently, and driving the
// starting -> healthy <-> unhealthy -> stopped state machine.
package prober

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tako-run/takod/internal/domain"
	"github.com/tako-run/takod/internal/httpclient"
	"github.com/tako-run/takod/internal/iproc"
	"github.com/tako-run/takod/internal/resilience"
	"github.com/tako-run/takod/internal/telemetry"
)

// Config controls probe cadence and failure thresholds, mirroring the
// matching fields in config.RuntimeConfig.
type Config struct {
	Path               string
	Interval           time.Duration
	StartupTimeout     time.Duration
	UnhealthyThreshold int32
	DeadThreshold      int32
}

// Registry is the subset of supervisor.Supervisor (and lb.Balancer) the
// prober needs: the list of instances to check, and a hook to evict dead
// ones. Kept as an interface so the prober doesn't import the supervisor
// or lb packages directly.
type Registry interface {
	AllInstances() map[string][]*iproc.Proc
	OnDead(app string, proc *iproc.Proc)
}

// Prober runs the probe loop until its context is canceled.
type Prober struct {
	cfg Config
	reg Registry
	cl  *http.Client
}

func New(cfg Config, reg Registry) *Prober {
	return &Prober{cfg: cfg, reg: reg, cl: httpclient.NewClientWithTimeout(5 * time.Second)}
}

// Run ticks every cfg.Interval and probes every known instance concurrently
// until ctx is canceled.
func (p *Prober) Run(ctx context.Context) {
	interval := p.cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Prober) tick(ctx context.Context) {
	byApp := p.reg.AllInstances()

	g, gctx := errgroup.WithContext(ctx)
	for app, procs := range byApp {
		app := app
		for _, proc := range procs {
			proc := proc
			g.Go(func() error {
				p.probeOne(gctx, app, proc)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (p *Prober) probeOne(ctx context.Context, app string, proc *iproc.Proc) {
	ctx, span := telemetry.TraceProbe(ctx, app, fmt.Sprintf("%d", proc.ID))
	defer span.End()

	ok := p.check(ctx, proc)

	if ok {
		wasStarting := proc.State() == domain.StateStarting
		proc.RecordSuccess()
		if wasStarting || proc.State() == domain.StateUnhealthy {
			proc.SetState(domain.StateHealthy)
		}
		return
	}

	failures := proc.RecordFailure()
	switch {
	case proc.State() == domain.StateStarting && time.Since(proc.StartedAt) < p.cfg.StartupTimeout:
		// still within the startup grace period; don't flip state yet
		return
	case failures >= p.cfg.DeadThreshold:
		proc.SetState(domain.StateStopped)
		p.reg.OnDead(app, proc)
	case failures >= p.cfg.UnhealthyThreshold:
		proc.SetState(domain.StateUnhealthy)
	case proc.State() == domain.StateStarting:
		proc.SetState(domain.StateUnhealthy)
	}
}

// check performs one GET against the instance's /status endpoint, through
// the shared probe circuit breaker.
func (p *Prober) check(ctx context.Context, proc *iproc.Proc) bool {
	breaker := resilience.GetProbeBreaker()
	err := breaker.Execute(func() error {
		url := fmt.Sprintf("http://%s%s", proc.Addr(), p.cfg.Path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Host = "tako.internal"

		resp, err := p.cl.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("probe %s: unexpected status %d", proc.Addr(), resp.StatusCode)
		}
		return nil
	})
	return err == nil
}
