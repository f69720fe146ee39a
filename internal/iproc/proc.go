// Package iproc defines the runtime handle for a single running app
// instance: the live counters and state shared across the supervisor,
// load balancer, health prober, scale controller and rollout engine.
// domain.Instance is its durable, JSON-safe snapshot; Proc is the
// in-memory original those snapshots are taken from.
package iproc

import (
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/atomic"

	"github.com/tako-run/takod/internal/domain"
)

// Proc is a single OS process serving one release of one app.
type Proc struct {
	App        string
	Release    string
	ID         int
	Port       int
	SocketPath string
	StartedAt  time.Time

	pid                 atomic.Int64
	state               atomic.String
	consecutiveFailures atomic.Int32
	requestCount        atomic.Int64
	inFlight            atomic.Int32

	// Cmd is the owning exec.Cmd, set and read only by the supervisor.
	Cmd *exec.Cmd
}

// New creates a Proc in the "starting" state.
func New(app, release string, id int) *Proc {
	p := &Proc{App: app, Release: release, ID: id, StartedAt: time.Now()}
	p.state.Store(string(domain.StateStarting))
	return p
}

func (p *Proc) PID() int          { return int(p.pid.Load()) }
func (p *Proc) SetPID(pid int)    { p.pid.Store(int64(pid)) }

func (p *Proc) State() domain.InstanceState { return domain.InstanceState(p.state.Load()) }
func (p *Proc) SetState(s domain.InstanceState) { p.state.Store(string(s)) }

// Addr returns the dial target: a loopback TCP address when Port is set,
// otherwise the Unix socket path.
func (p *Proc) Addr() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return fmt.Sprintf("127.0.0.1:%d", p.Port)
}

func (p *Proc) Network() string {
	if p.SocketPath != "" {
		return "unix"
	}
	return "tcp"
}

// RecordFailure increments the consecutive-failure counter and returns the
// new value, for the prober's threshold comparisons.
func (p *Proc) RecordFailure() int32 { return p.consecutiveFailures.Inc() }

// RecordSuccess resets the consecutive-failure counter.
func (p *Proc) RecordSuccess() { p.consecutiveFailures.Store(0) }

func (p *Proc) ConsecutiveFailures() int32 { return p.consecutiveFailures.Load() }

// AcquireRequest marks one request as in-flight and bumps the lifetime
// total, returning a release func the caller defers.
func (p *Proc) AcquireRequest() (release func()) {
	p.inFlight.Inc()
	p.requestCount.Inc()
	return func() { p.inFlight.Dec() }
}

func (p *Proc) InFlight() int32     { return p.inFlight.Load() }
func (p *Proc) RequestCount() int64 { return p.requestCount.Load() }

func (p *Proc) Uptime() time.Duration { return time.Since(p.StartedAt) }

// Snapshot renders the current counters into the durable, JSON-safe shape.
func (p *Proc) Snapshot() domain.Instance {
	return domain.Instance{
		App:                 p.App,
		Release:             p.Release,
		ID:                  p.ID,
		PID:                 p.PID(),
		Port:                p.Port,
		SocketPath:          p.SocketPath,
		State:               p.State(),
		StartedAt:           p.StartedAt,
		ConsecutiveFailures: p.ConsecutiveFailures(),
		RequestCount:        p.RequestCount(),
		InFlight:            p.InFlight(),
	}
}
