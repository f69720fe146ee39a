package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tako-run/takod/internal/accesslog"
	"github.com/tako-run/takod/internal/audit"
	"github.com/tako-run/takod/internal/certs"
	"github.com/tako-run/takod/internal/config"
	"github.com/tako-run/takod/internal/control"
	"github.com/tako-run/takod/internal/iproc"
	"github.com/tako-run/takod/internal/lb"
	"github.com/tako-run/takod/internal/prober"
	"github.com/tako-run/takod/internal/proxy"
	"github.com/tako-run/takod/internal/rollout"
	"github.com/tako-run/takod/internal/routes"
	"github.com/tako-run/takod/internal/scale"
	"github.com/tako-run/takod/internal/secretsredact"
	"github.com/tako-run/takod/internal/store"
	"github.com/tako-run/takod/internal/supervisor"
	"github.com/tako-run/takod/internal/telemetry"
	"github.com/tako-run/takod/internal/transport"
)

var (
	upgradeCandidateFlag bool
	upgradeOwnerFlag     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the runtime daemon in the foreground",
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().BoolVar(&upgradeCandidateFlag, "upgrade-candidate", false, "run as a temporary in-place-upgrade candidate alongside the active daemon")
	runCmd.Flags().StringVar(&upgradeOwnerFlag, "owner", "", "upgrade owner token, required with --upgrade-candidate")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if upgradeCandidateFlag {
		cfg.UpgradeCandidate = true
		cfg.UpgradeOwner = upgradeOwnerFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := newLogger(cfg.Environment)
	slog.SetDefault(log)

	if err := telemetry.Init(telemetry.Config{
		ServiceName:    "takod",
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	}); err != nil {
		log.Warn("telemetry disabled", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	socketPath := cfg.SocketPath
	operation := "run"
	if cfg.UpgradeCandidate {
		operation = "upgrade-candidate"
		socketPath = cfg.SocketPath + ".candidate"
	}

	fs := afero.NewOsFs()
	st, err := store.Open(ctx, fs, cfg.DataRoot, operation)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	routeTable := routes.New()
	bal := lb.New()
	sup := supervisor.New(cfg.DrainTimeout)

	var issuer certs.Issuer
	if cfg.ACMEDirectoryURL != "" {
		acmeIssuer, err := certs.NewACMEIssuer(ctx, cfg.ACMEDirectoryURL, cfg.ACMEContactEmail)
		if err != nil {
			return fmt.Errorf("initializing ACME issuer: %w", err)
		}
		issuer = acmeIssuer
	}
	certDir := filepath.Join(cfg.DataRoot, "certs")
	certMgr := certs.New(fs, certDir, issuer)
	if err := certMgr.LoadAll(); err != nil {
		log.Warn("loading existing certificates", "error", err)
	}
	var acmeIssuer *certs.ACMEIssuer
	if ai, ok := issuer.(*certs.ACMEIssuer); ok {
		acmeIssuer = ai
	}

	deployer, err := rollout.New(st, sup, bal, routeTable, rollout.Config{
		StartupTimeout:     cfg.StartupTimeout,
		ProbePath:          cfg.ProbePath,
		InstancePortBase:   cfg.InstancePortBase,
		InstancePortOffset: instancePortOffset(cfg),
		DataRoot:           cfg.DataRoot,
		Environment:        cfg.Environment,
		SocketPath:         socketPath,
	})
	if err != nil {
		return fmt.Errorf("initializing rollout engine: %w", err)
	}

	scaleCtrl := scale.New(bal, deployer)

	registry := &proberRegistry{sup: sup, bal: bal, st: st, scaleCtrl: scaleCtrl, ctx: ctx, log: log}
	probe := prober.New(prober.Config{
		Path:               cfg.ProbePath,
		Interval:           cfg.ProbeInterval,
		StartupTimeout:     cfg.StartupTimeout,
		UnhealthyThreshold: int32(cfg.UnhealthyThreshold),
		DeadThreshold:      int32(cfg.DeadThreshold),
	}, registry)

	auditDir := filepath.Join(cfg.DataRoot, "audit")
	auditLog, err := audit.NewFileLogger(auditDir)
	if err != nil {
		log.Warn("audit logging disabled", "error", err)
	}

	ts, err := transport.Listen(socketPath)
	if err != nil {
		return fmt.Errorf("binding control socket %s: %w", socketPath, err)
	}

	var auditLogger audit.Logger = auditLog
	if auditLog == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	controlSrv := control.NewServer(ts, &control.Deps{
		Store:         st,
		Routes:        routeTable,
		Balancer:      bal,
		Sup:           sup,
		Scale:         scaleCtrl,
		Deployer:      deployer,
		Audit:         auditLogger,
		ServerVersion: Version,
		DataRoot:      cfg.DataRoot,
	})

	px := proxy.New(proxy.Proxy{
		HTTPPort:  cfg.HTTPPort,
		HTTPSPort: cfg.HTTPSPort,
		Routes:    routeTable,
		Bal:       bal,
		Scale:     scaleCtrl,
		Certs:     certMgr,
		ACME:      acmeIssuer,
		Access:    accesslog.New(log),
		Log:       log,
		Healthy:   func() bool { return !st.IsUpgrading() },
		AppLookup: st.GetApp,
	})

	for _, app := range st.ReadAllApps() {
		if app.Instances <= 0 {
			continue
		}
		if err := scaleCtrl.EnsureMinimum(ctx, app); err != nil {
			log.Error("bringing up always-on app at startup", "app", app.Name, "error", err)
		}
		routeTable.Register(app.Name, app.Routes)
	}

	go probe.Run(ctx)
	go scaleCtrl.RunIdleSweep(ctx, 10*time.Second, idleTimeoutFor(st), sup.Stop)
	go runCertRenewal(ctx, certMgr, cfg.CertRenewInterval, cfg.CertRenewWithin, log)
	go runPIDVerification(ctx, sup, log)

	errCh := make(chan error, 2)
	go func() { errCh <- controlSrv.Serve() }()
	go func() { errCh <- px.ListenAndServe(ctx) }()

	log.Info("takod started", "data_root", cfg.DataRoot, "http_port", cfg.HTTPPort, "https_port", cfg.HTTPSPort, "socket", socketPath, "upgrade_candidate", cfg.UpgradeCandidate)

	remaining := 2
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		remaining--
		if err != nil {
			log.Error("listener exited", "error", err)
		}
		cancel()
	}

	controlSrv.Close()
	for ; remaining > 0; remaining-- {
		<-errCh // wait for each remaining listener to finish its own graceful shutdown
	}
	return nil
}

// instancePortOffset applies InstancePortOffset only when this process is
// the temporary upgrade candidate, so the primary's instances keep their
// original ports.
func instancePortOffset(cfg config.RuntimeConfig) int {
	if cfg.UpgradeCandidate {
		return cfg.InstancePortOffset
	}
	return 0
}

func idleTimeoutFor(st *store.Store) func(app string) (time.Duration, bool) {
	return func(app string) (time.Duration, bool) {
		rec, ok := st.GetApp(app)
		if !ok || rec.Instances > 0 {
			return 0, false
		}
		timeout := time.Duration(rec.IdleTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 300 * time.Second
		}
		return timeout, true
	}
}

func runCertRenewal(ctx context.Context, mgr *certs.Manager, interval, within time.Duration, log *slog.Logger) {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, domainName := range mgr.RenewDue(within) {
				if err := mgr.Renew(domainName); err != nil {
					log.Error("certificate renewal failed", "domain", domainName, "error", err)
				}
			}
		}
	}
}

func runPIDVerification(ctx context.Context, sup *supervisor.Supervisor, log *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, proc := range sup.VerifyPIDs() {
				log.Warn("instance process vanished unexpectedly", "app", proc.App, "instance", proc.ID, "pid", proc.PID())
			}
		}
	}
}

// proberRegistry bridges the supervisor (instance list) and the load
// balancer (rotation membership) to prober.Registry, without either
// package importing the other. It also reconciles always-on apps: when
// an instance is declared dead, it spawns a replacement so the app never
// drops below its configured instance count.
type proberRegistry struct {
	sup       *supervisor.Supervisor
	bal       *lb.Balancer
	st        *store.Store
	scaleCtrl *scale.Controller
	ctx       context.Context
	log       *slog.Logger
}

func (r *proberRegistry) AllInstances() map[string][]*iproc.Proc {
	return r.sup.AllInstances()
}

func (r *proberRegistry) OnDead(app string, proc *iproc.Proc) {
	r.bal.Remove(app, proc)

	rec, ok := r.st.GetApp(app)
	if !ok || rec.Instances <= 0 {
		return
	}
	go func() {
		if err := r.scaleCtrl.EnsureMinimum(r.ctx, rec); err != nil {
			r.log.Error("reconciling always-on app after instance death", "app", app, "error", err)
		}
	}()
}

func newLogger(environment string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if environment == "development" {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	redacted := secretsredact.NewSlogHandler(handler, secretsredact.NewRedactor())
	return slog.New(redacted)
}
