// Package scale implements C8, the scale controller: keeps an app's
// always-on instance count maintained, performs on-demand cold starts for
// scale-to-zero apps via a singleflight dial so concurrent requests for the
// same cold app share one spawn, and sweeps idle apps back down to zero.
package scale

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tako-run/takod/internal/domain"
	"github.com/tako-run/takod/internal/iproc"
	"github.com/tako-run/takod/internal/lb"
	"github.com/tako-run/takod/internal/supervisor"
)

// Spawner is implemented by the rollout engine: it knows how to assign a
// port and build the exec.Cmd spec for the next instance of a release.
type Spawner interface {
	SpawnInstance(ctx context.Context, app domain.App) (*iproc.Proc, error)
}

// Controller is C8.
type Controller struct {
	bal     *lb.Balancer
	spawner Spawner

	sf singleflight.Group

	mu           sync.Mutex
	lastActivity map[string]time.Time
}

func New(bal *lb.Balancer, spawner Spawner) *Controller {
	return &Controller{
		bal:          bal,
		spawner:      spawner,
		lastActivity: make(map[string]time.Time),
	}
}

// Touch records that app just served or received a request, resetting its
// idle clock.
func (c *Controller) Touch(app string) {
	c.mu.Lock()
	c.lastActivity[app] = time.Now()
	c.mu.Unlock()
}

// EnsureMinimum spawns instances until app.Instances are running, for
// always-on apps (Instances > 0). Called on daemon start and when the
// prober reports an instance of an always-on app dead.
func (c *Controller) EnsureMinimum(ctx context.Context, app domain.App) error {
	if app.Instances <= 0 {
		return nil
	}
	for c.bal.Count(app.Name) < app.Instances {
		proc, err := c.spawner.SpawnInstance(ctx, app)
		if err != nil {
			return fmt.Errorf("scaling %s up: %w", app.Name, err)
		}
		c.bal.Add(app.Name, proc)
	}
	c.Touch(app.Name)
	return nil
}

// ColdStart spawns the first instance of an on-demand (Instances == 0) app
// if none is running, collapsing concurrent callers for the same app into
// a single spawn via singleflight.
func (c *Controller) ColdStart(ctx context.Context, app domain.App) (*iproc.Proc, error) {
	c.Touch(app.Name)

	if c.bal.Count(app.Name) > 0 {
		return c.bal.Next(app.Name)
	}

	v, err, _ := c.sf.Do(app.Name, func() (any, error) {
		if c.bal.Count(app.Name) > 0 {
			return nil, nil
		}
		proc, err := c.spawner.SpawnInstance(ctx, app)
		if err != nil {
			return nil, err
		}
		c.bal.Add(app.Name, proc)
		return proc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("cold-starting %s: %w", app.Name, err)
	}
	return c.bal.Next(app.Name)
}

// IdleApps reports apps that have had no activity and no in-flight
// requests for at least idleTimeout, returned by the caller so it can
// decide which qualify (Instances == 0) before stopping instances.
func (c *Controller) IdleApps(idleTimeout time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var idle []string
	for app, last := range c.lastActivity {
		if time.Since(last) < idleTimeout {
			continue
		}
		if c.anyInFlight(app) {
			continue
		}
		idle = append(idle, app)
	}
	return idle
}

func (c *Controller) anyInFlight(app string) bool {
	for _, proc := range c.bal.Members(app) {
		if proc.InFlight() > 0 {
			return true
		}
	}
	return false
}

// ScaleToZero stops every instance of app via stopFn and clears it from the
// load balancer, used by the idle sweep for scale-to-zero apps.
func (c *Controller) ScaleToZero(ctx context.Context, app string, stop func(context.Context, *iproc.Proc) error) error {
	members := c.bal.Members(app)
	for _, proc := range members {
		if err := stop(ctx, proc); err != nil {
			return fmt.Errorf("stopping %s instance %d during idle scale-down: %w", app, proc.ID, err)
		}
		c.bal.Remove(app, proc)
	}
	return nil
}

// RunIdleSweep periodically scales down apps that have been idle past
// their configured timeout, until ctx is canceled.
func (c *Controller) RunIdleSweep(ctx context.Context, interval time.Duration, idleTimeoutFor func(app string) (time.Duration, bool), stop func(context.Context, *iproc.Proc) error) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for app := range c.snapshotActivity() {
				timeout, onDemand := idleTimeoutFor(app)
				if !onDemand {
					continue
				}
				if c.bal.Count(app) == 0 {
					continue
				}
				idle := c.IdleApps(timeout)
				for _, a := range idle {
					if a == app {
						_ = c.ScaleToZero(ctx, app, stop)
					}
				}
			}
		}
	}
}

func (c *Controller) snapshotActivity() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]time.Time, len(c.lastActivity))
	for k, v := range c.lastActivity {
		out[k] = v
	}
	return out
}
