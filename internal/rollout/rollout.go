// Package rollout implements C9, the rolling deploy engine: tentative
// persist, warm start of the new release's instances, an atomic route
// swap, and graceful retirement of the previous release's instances, with
// rollback on any failure before the swap. The orchestration follows a
// validate -> execute -> verify -> cleanup-on-failure shape, with direct
// process supervision standing in for remote execution.
package rollout

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tako-run/takod/internal/domain"
	"github.com/tako-run/takod/internal/errs"
	"github.com/tako-run/takod/internal/iproc"
	"github.com/tako-run/takod/internal/lb"
	"github.com/tako-run/takod/internal/protocol"
	"github.com/tako-run/takod/internal/routes"
	"github.com/tako-run/takod/internal/store"
	"github.com/tako-run/takod/internal/supervisor"
	"github.com/tako-run/takod/internal/telemetry"
)

// Config carries the pieces of RuntimeConfig the deploy engine consults.
type Config struct {
	StartupTimeout     time.Duration
	ProbePath          string
	InstancePortBase   int
	InstancePortOffset int // added when this daemon is the upgrade candidate
	DataRoot           string
	Environment        string
	SocketPath         string
}

// Deployer is C9.
type Deployer struct {
	store  *store.Store
	sup    *supervisor.Supervisor
	bal    *lb.Balancer
	routes *routes.Matcher
	cfg    Config
	schema *jsonschema.Schema

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(st *store.Store, sup *supervisor.Supervisor, bal *lb.Balancer, rt *routes.Matcher, cfg Config) (*Deployer, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("app.json", strings.NewReader(protocol.ManifestSchema)); err != nil {
		return nil, fmt.Errorf("loading manifest schema: %w", err)
	}
	schema, err := compiler.Compile("app.json")
	if err != nil {
		return nil, fmt.Errorf("compiling manifest schema: %w", err)
	}

	return &Deployer{
		store:  st,
		sup:    sup,
		bal:    bal,
		routes: rt,
		cfg:    cfg,
		schema: schema,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (d *Deployer) lockFor(app string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	l, ok := d.locks[app]
	if !ok {
		l = &sync.Mutex{}
		d.locks[app] = l
	}
	return l
}

// Deploy runs the full procedure for one app: validate, tentative persist,
// warm start, route swap, retire the previous release.
func (d *Deployer) Deploy(ctx context.Context, req protocol.DeployRequest) (err error) {
	ctx, span := telemetry.TraceRollout(ctx, req.App, req.Version)
	defer span.End()

	if verr := domain.ValidateAppName(req.App); verr != nil {
		return errs.New(errs.KindBadRequest, "rollout.Deploy", verr)
	}

	lock := d.lockFor(req.App)
	lock.Lock()
	defer lock.Unlock()

	manifest, merr := d.validateManifest(req.Path)
	if merr != nil {
		return errs.New(errs.KindDeployFailed, "rollout.Deploy", merr, "invalid app.json manifest")
	}

	routeSpecs := req.Routes
	if err := d.routes.CheckConflicts(req.App, routeSpecs); err != nil {
		return errs.New(errs.KindRouteConflict, "rollout.Deploy", err)
	}

	previous, hadPrevious := d.store.GetApp(req.App)
	oldInstances := d.bal.Members(req.App)

	instances := req.Instances
	idleTimeout := req.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 300
	}

	next := domain.App{
		Name:           req.App,
		CurrentRelease: req.Version,
		ReleaseDir:     req.Path,
		Routes:         routeSpecs,
		Env:            req.Env,
		Instances:      instances,
		IdleTimeoutSec: idleTimeout,
		UpdatedAt:      time.Now(),
	}

	// Tentative persist: durable before anything is spawned, so a crash
	// mid-rollout leaves a record an operator can inspect and re-deploy over.
	if err := d.store.PutApp(ctx, next); err != nil {
		return errs.New(errs.KindIoError, "rollout.Deploy", err, "persisting tentative app record")
	}

	var spawned []*iproc.Proc
	swapped := false
	defer func() {
		if err != nil && !swapped {
			d.rollback(ctx, req.App, spawned, previous, hadPrevious)
		}
	}()

	// Warm start: bring up `instances` copies of the new release (or leave
	// zero running for on-demand apps; the scale controller cold-starts).
	for i := 0; i < instances; i++ {
		proc, serr := d.spawnInstance(ctx, next, manifest, i)
		if serr != nil {
			err = errs.New(errs.KindDeployFailed, "rollout.Deploy", serr, fmt.Sprintf("starting instance %d of %s@%s", i, req.App, req.Version))
			return err
		}
		spawned = append(spawned, proc)
		if herr := d.waitHealthy(ctx, proc); herr != nil {
			err = fmt.Errorf("instance %d of %s@%s failed to become healthy: %w", i, req.App, req.Version, herr)
			return err
		}
	}

	// Atomic route swap: the new release is now live for new requests.
	if err := d.routes.CheckConflicts(req.App, routeSpecs); err != nil {
		return errs.New(errs.KindRouteConflict, "rollout.Deploy", err)
	}
	d.routes.Register(req.App, routeSpecs)
	swapped = true

	for _, proc := range spawned {
		d.bal.Add(req.App, proc)
	}

	// Retire the previous release's instances now that the new ones carry
	// live traffic. Failures here don't roll back the deploy — the new
	// release is already serving — they're aggregated and reported.
	var retireErr *multierror.Error
	for _, old := range oldInstances {
		d.bal.Remove(req.App, old)
		if serr := d.sup.Stop(ctx, old); serr != nil {
			retireErr = multierror.Append(retireErr, fmt.Errorf("stopping previous instance %d: %w", old.ID, serr))
		}
	}
	if retireErr != nil {
		return retireErr.ErrorOrNil()
	}
	return nil
}

func (d *Deployer) spawnInstance(ctx context.Context, app domain.App, manifest protocol.Manifest, idx int) (*iproc.Proc, error) {
	port := d.cfg.InstancePortBase + idx
	if d.cfg.InstancePortOffset > 0 {
		port += d.cfg.InstancePortOffset
	}

	env := os.Environ()
	for k, v := range app.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range manifest.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env,
		fmt.Sprintf("PORT=%d", port),
		fmt.Sprintf("TAKO_ENV=%s", d.cfg.Environment),
		fmt.Sprintf("TAKO_VERSION=%s", app.CurrentRelease),
		fmt.Sprintf("TAKO_INSTANCE=%d", idx),
		fmt.Sprintf("TAKO_SOCKET=%s", d.cfg.SocketPath),
	)

	spec := supervisor.Spec{
		App:        app.Name,
		Release:    app.CurrentRelease,
		InstanceID: idx,
		Command:    filepath.Join(app.ReleaseDir, manifest.Main),
		Dir:        app.ReleaseDir,
		Env:        env,
		Port:       port,
		LogDir:     filepath.Join(d.cfg.DataRoot, "apps", app.Name, "shared", "logs"),
	}
	return d.sup.Spawn(spec)
}

// SpawnInstance implements scale.Spawner for on-demand cold starts, reusing
// the same instance-index and port-assignment logic as a rolling deploy.
func (d *Deployer) SpawnInstance(ctx context.Context, app domain.App) (*iproc.Proc, error) {
	manifest, err := d.validateManifest(app.ReleaseDir)
	if err != nil {
		return nil, err
	}
	idx := len(d.bal.Members(app.Name))
	proc, err := d.spawnInstance(ctx, app, manifest, idx)
	if err != nil {
		return nil, err
	}
	if err := d.waitHealthy(ctx, proc); err != nil {
		d.sup.Stop(ctx, proc)
		return nil, err
	}
	return proc, nil
}

// waitHealthy polls proc's state until it becomes healthy or the startup
// timeout elapses; the prober drives the actual state transitions.
func (d *Deployer) waitHealthy(ctx context.Context, proc *iproc.Proc) error {
	timeout := d.cfg.StartupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		switch proc.State() {
		case domain.StateHealthy:
			return nil
		case domain.StateStopped:
			return errs.New(errs.KindStartupTimeout, "rollout.waitHealthy", fmt.Errorf("instance %d exited before becoming healthy", proc.ID))
		}
		if time.Now().After(deadline) {
			return errs.New(errs.KindStartupTimeout, "rollout.waitHealthy", fmt.Errorf("instance %d did not become healthy within %s", proc.ID, timeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// rollback stops every instance spawned during a failed deploy and
// restores the previous App record, aggregating cleanup errors.
func (d *Deployer) rollback(ctx context.Context, app string, spawned []*iproc.Proc, previous domain.App, hadPrevious bool) {
	var result *multierror.Error
	for _, proc := range spawned {
		if serr := d.sup.Stop(ctx, proc); serr != nil {
			result = multierror.Append(result, serr)
		}
	}

	if hadPrevious {
		if perr := d.store.PutApp(ctx, previous); perr != nil {
			result = multierror.Append(result, perr)
		}
	} else {
		if derr := d.store.DeleteApp(ctx, app); derr != nil {
			result = multierror.Append(result, derr)
		}
	}

	_ = result.ErrorOrNil() // rollback errors are dropped: neither returned nor logged
}

func (d *Deployer) validateManifest(releaseDir string) (protocol.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(releaseDir, "app.json"))
	if err != nil {
		return protocol.Manifest{}, fmt.Errorf("reading app.json: %w", err)
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return protocol.Manifest{}, fmt.Errorf("parsing app.json: %w", err)
	}
	if err := d.schema.Validate(generic); err != nil {
		return protocol.Manifest{}, fmt.Errorf("app.json schema validation: %w", err)
	}

	var manifest protocol.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return protocol.Manifest{}, fmt.Errorf("decoding app.json: %w", err)
	}
	return manifest, nil
}
