// Package control implements C10, the management socket server: a command
// dispatch table over the newline-delimited JSON transport, serializing
// mutations per app and refusing the mutating commands while the daemon is
// in upgrade mode (hello, server_info, routes, list, status and
// enter/exit_upgrading stay available). One verb per command, collapsed into
// a single map[string]Handler dispatch table suited to a long-lived socket
// server, rather than one subcommand per verb.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tako-run/takod/internal/audit"
	"github.com/tako-run/takod/internal/errs"
	"github.com/tako-run/takod/internal/lb"
	"github.com/tako-run/takod/internal/protocol"
	"github.com/tako-run/takod/internal/routes"
	"github.com/tako-run/takod/internal/scale"
	"github.com/tako-run/takod/internal/store"
	"github.com/tako-run/takod/internal/supervisor"
	"github.com/tako-run/takod/internal/telemetry"
	"github.com/tako-run/takod/internal/transport"
)

// Deployer is the subset of rollout.Deployer the control server calls.
type Deployer interface {
	Deploy(ctx context.Context, req protocol.DeployRequest) error
}

// Deps bundles every component a control handler may need.
type Deps struct {
	Store    *store.Store
	Routes   *routes.Matcher
	Balancer *lb.Balancer
	Sup      *supervisor.Supervisor
	Scale    *scale.Controller
	Deployer Deployer
	Audit    audit.Logger
	AppConns *AppConnRegistry

	ServerVersion string
	DataRoot      string
}

// Handler processes one decoded request and returns the response to send.
type Handler func(ctx context.Context, d *Deps, raw json.RawMessage) protocol.Response

// Server owns the transport listener and the command dispatch table.
type Server struct {
	ts       *transport.Server
	deps     *Deps
	handlers map[string]Handler

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	done chan struct{}
}

func NewServer(ts *transport.Server, deps *Deps) *Server {
	if deps.AppConns == nil {
		deps.AppConns = NewAppConnRegistry()
	}
	s := &Server{
		ts:    ts,
		deps:  deps,
		locks: make(map[string]*sync.Mutex),
		done:  make(chan struct{}),
	}
	s.handlers = map[string]Handler{
		"hello":            handleHello,
		"server_info":      handleServerInfo,
		"routes":           handleRoutes,
		"list":             handleList,
		"status":           handleStatus,
		"deploy":           s.serialize("app", handleDeploy),
		"delete":           s.serialize("app", handleDelete),
		"stop":             s.serialize("app", handleStop),
		"reload":           s.serialize("app", handleReload),
		"update_secrets":   s.serialize("app", handleUpdateSecrets),
		"enter_upgrading":  handleEnterUpgrading,
		"exit_upgrading":   handleExitUpgrading,
	}
	return s
}

func (s *Server) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// serialize wraps a handler so only one in-flight command mutates a given
// app (identified by the "app" field of the raw request) at a time.
func (s *Server) serialize(field string, next Handler) Handler {
	return func(ctx context.Context, d *Deps, raw json.RawMessage) protocol.Response {
		var probe struct {
			App string `json:"app"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil || probe.App == "" {
			return protocol.ErrorResponse(string(errs.KindBadRequest), "request missing \"app\"")
		}
		lock := s.lockFor(probe.App)
		lock.Lock()
		defer lock.Unlock()
		return next(ctx, d, raw)
	}
}

// Serve runs the accept loop until Close is called.
func (s *Server) Serve() error {
	return s.ts.Serve(s.done, func(conn *transport.Conn) {
		s.handleConn(conn)
	})
}

func (s *Server) Close() error {
	close(s.done)
	return s.ts.Close()
}

func (s *Server) handleConn(conn *transport.Conn) {
	var appName string
	var instanceID int
	var registered bool
	defer func() {
		if registered {
			s.deps.AppConns.Unregister(appName, instanceID)
		}
	}()

	for {
		var envelope struct {
			Command string `json:"command"`
			Type    string `json:"type"`
		}

		raw, err := readRaw(conn)
		if err != nil {
			return
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			conn.WriteMessage(protocol.ErrorResponse(string(errs.KindBadRequest), "malformed request"))
			continue
		}

		// App instances speak a one-way push/notify protocol keyed on
		// "type" rather than "command"; it never gets a line-framed
		// response, only the connection staying open for reload_config.
		if envelope.Command == "" && envelope.Type != "" {
			app, id, ok := s.handleAppMessage(conn, envelope.Type, raw)
			if ok {
				appName, instanceID, registered = app, id, true
			}
			continue
		}

		handler, ok := s.handlers[envelope.Command]
		if !ok {
			conn.WriteMessage(protocol.ErrorResponse(string(errs.KindBadRequest), fmt.Sprintf("unknown command %q", envelope.Command)))
			continue
		}

		ctx, span := telemetry.TraceControl(context.Background(), envelope.Command, "")
		if !isUpgradeExempt(envelope.Command) && s.deps.Store.IsUpgrading() {
			span.End()
			conn.WriteMessage(protocol.ErrorResponse(string(errs.KindUpgrading), "daemon is in upgrade mode; mutating commands are not accepted"))
			continue
		}

		resp := handler(ctx, s.deps, raw)
		s.audit(envelope.Command, raw, resp)
		span.End()

		if err := conn.WriteMessage(resp); err != nil {
			return
		}
	}
}

// handleAppMessage processes one app-protocol message. It returns the
// app/instance identity to register against this connection when msgType is
// "ready" or "heartbeat", so handleConn can unregister it once the
// connection closes.
func (s *Server) handleAppMessage(conn *transport.Conn, msgType string, raw json.RawMessage) (app string, instanceID int, registerConn bool) {
	switch msgType {
	case "ready":
		var msg protocol.AppReady
		if err := json.Unmarshal(raw, &msg); err != nil || msg.App == "" {
			return "", 0, false
		}
		s.deps.AppConns.Register(msg.App, msg.InstanceID, conn)
		return msg.App, msg.InstanceID, true
	case "heartbeat":
		var msg protocol.AppHeartbeat
		if err := json.Unmarshal(raw, &msg); err != nil || msg.App == "" {
			return "", 0, false
		}
		// The active prober drives health state from /status probes; the
		// heartbeat only keeps the connection registered as live between
		// ready and shutdown_ack.
		s.deps.AppConns.Register(msg.App, msg.InstanceID, conn)
		return msg.App, msg.InstanceID, true
	case "shutdown_ack":
		var msg protocol.AppShutdownAck
		if err := json.Unmarshal(raw, &msg); err == nil && msg.App != "" {
			s.deps.AppConns.Unregister(msg.App, msg.InstanceID)
		}
		return "", 0, false
	default:
		return "", 0, false
	}
}

func isUpgradeExempt(command string) bool {
	switch command {
	case "hello", "server_info", "enter_upgrading", "exit_upgrading", "routes", "list", "status":
		return true
	default:
		return false
	}
}

func (s *Server) audit(command string, raw json.RawMessage, resp protocol.Response) {
	if s.deps.Audit == nil {
		return
	}
	var probe struct {
		App string `json:"app"`
	}
	json.Unmarshal(raw, &probe)

	errMsg := ""
	if resp.Error != nil {
		errMsg = resp.Error.Message
	}
	s.deps.Audit.Log(&audit.Activity{
		ID:        audit.GenerateID(),
		Type:      audit.ActivityCommandExecuted,
		Actor:     "control-socket",
		App:       probe.App,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

func readRaw(conn *transport.Conn) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := conn.ReadMessage(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// --- handlers ---

func handleHello(ctx context.Context, d *Deps, raw json.RawMessage) protocol.Response {
	var req protocol.HelloRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return protocol.ErrorResponse(string(errs.KindBadRequest), err.Error())
	}
	return protocol.OK(protocol.HelloResponse{
		ProtocolVersion: protocol.ProtocolVersion,
		ServerVersion:   d.ServerVersion,
		Capabilities:    protocol.Capabilities,
	})
}

func handleServerInfo(ctx context.Context, d *Deps, raw json.RawMessage) protocol.Response {
	owner := d.Store.GetUpgradeOwner()
	return protocol.OK(protocol.ServerInfo{
		ProtocolVersion: protocol.ProtocolVersion,
		Upgrading:       owner != "",
		UpgradeOwner:    owner,
		DataRoot:        d.DataRoot,
	})
}

func handleRoutes(ctx context.Context, d *Deps, raw json.RawMessage) protocol.Response {
	var req protocol.AppCommand
	json.Unmarshal(raw, &req)
	if req.App != "" {
		return protocol.OK(d.Routes.AppRoutes(req.App))
	}
	return protocol.OK(d.Routes.AllRoutes())
}

func handleList(ctx context.Context, d *Deps, raw json.RawMessage) protocol.Response {
	return protocol.OK(d.Store.ReadAllApps())
}

func handleStatus(ctx context.Context, d *Deps, raw json.RawMessage) protocol.Response {
	var req protocol.AppCommand
	if err := json.Unmarshal(raw, &req); err != nil || req.App == "" {
		return protocol.ErrorResponse(string(errs.KindBadRequest), "request missing \"app\"")
	}
	if _, ok := d.Store.GetApp(req.App); !ok {
		return protocol.ErrorResponse(string(errs.KindNotFound), fmt.Sprintf("app %q not found", req.App))
	}

	var statuses []protocol.InstanceStatus
	for _, proc := range d.Balancer.Members(req.App) {
		statuses = append(statuses, protocol.InstanceStatus{
			ID:            proc.ID,
			State:         string(proc.State()),
			Port:          proc.Port,
			PID:           proc.PID(),
			UptimeSecs:    int64(proc.Uptime().Seconds()),
			RequestsTotal: proc.RequestCount(),
		})
	}
	return protocol.OK(statuses)
}

func handleDeploy(ctx context.Context, d *Deps, raw json.RawMessage) protocol.Response {
	var req protocol.DeployRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return protocol.ErrorResponse(string(errs.KindBadRequest), err.Error())
	}
	if err := d.Deployer.Deploy(ctx, req); err != nil {
		return protocol.ErrorResponse(string(errs.KindOf(err)), err.Error())
	}
	app, _ := d.Store.GetApp(req.App)
	return protocol.OK(app)
}

func handleDelete(ctx context.Context, d *Deps, raw json.RawMessage) protocol.Response {
	var req protocol.AppCommand
	if err := json.Unmarshal(raw, &req); err != nil || req.App == "" {
		return protocol.ErrorResponse(string(errs.KindBadRequest), "request missing \"app\"")
	}
	for _, proc := range d.Balancer.Members(req.App) {
		d.Sup.Stop(ctx, proc)
		d.Balancer.Remove(req.App, proc)
	}
	d.Balancer.RemoveApp(req.App)
	d.Routes.Unregister(req.App)
	if err := d.Store.DeleteApp(ctx, req.App); err != nil {
		return protocol.ErrorResponse(string(errs.KindIoError), err.Error())
	}
	return protocol.OK(nil)
}

func handleStop(ctx context.Context, d *Deps, raw json.RawMessage) protocol.Response {
	var req protocol.AppCommand
	if err := json.Unmarshal(raw, &req); err != nil || req.App == "" {
		return protocol.ErrorResponse(string(errs.KindBadRequest), "request missing \"app\"")
	}
	for _, proc := range d.Balancer.Members(req.App) {
		d.Sup.Stop(ctx, proc)
		d.Balancer.Remove(req.App, proc)
	}
	return protocol.OK(nil)
}

func handleReload(ctx context.Context, d *Deps, raw json.RawMessage) protocol.Response {
	var req protocol.AppCommand
	if err := json.Unmarshal(raw, &req); err != nil || req.App == "" {
		return protocol.ErrorResponse(string(errs.KindBadRequest), "request missing \"app\"")
	}
	app, ok := d.Store.GetApp(req.App)
	if !ok {
		return protocol.ErrorResponse(string(errs.KindNotFound), fmt.Sprintf("app %q not found", req.App))
	}
	d.AppConns.Push(req.App, protocol.ServerReloadConfig{Type: "reload_config", Secrets: app.Env})
	return protocol.OK(app)
}

func handleUpdateSecrets(ctx context.Context, d *Deps, raw json.RawMessage) protocol.Response {
	var req protocol.UpdateSecretsRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.App == "" {
		return protocol.ErrorResponse(string(errs.KindBadRequest), "request missing \"app\"")
	}
	app, ok := d.Store.GetApp(req.App)
	if !ok {
		return protocol.ErrorResponse(string(errs.KindNotFound), fmt.Sprintf("app %q not found", req.App))
	}
	if app.Env == nil {
		app.Env = make(map[string]string)
	}
	for k, v := range req.Env {
		app.Env[k] = v
	}
	app.UpdatedAt = time.Now()
	if err := d.Store.PutApp(ctx, app); err != nil {
		return protocol.ErrorResponse(string(errs.KindIoError), err.Error())
	}
	d.AppConns.Push(req.App, protocol.ServerReloadConfig{Type: "reload_config", Secrets: app.Env})
	return protocol.OK(app)
}

func handleEnterUpgrading(ctx context.Context, d *Deps, raw json.RawMessage) protocol.Response {
	var req protocol.UpgradeRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Owner == "" {
		return protocol.ErrorResponse(string(errs.KindBadRequest), "request missing \"owner\"")
	}
	if !d.Store.AcquireUpgrade(req.Owner) {
		return protocol.ErrorResponse(string(errs.KindConflict), fmt.Sprintf("upgrade lock already held by %q", d.Store.GetUpgradeOwner()))
	}
	return protocol.OK(nil)
}

func handleExitUpgrading(ctx context.Context, d *Deps, raw json.RawMessage) protocol.Response {
	var req protocol.UpgradeRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Owner == "" {
		return protocol.ErrorResponse(string(errs.KindBadRequest), "request missing \"owner\"")
	}
	if !d.Store.ReleaseUpgrade(req.Owner) {
		return protocol.ErrorResponse(string(errs.KindConflict), "owner does not hold the upgrade lock")
	}
	return protocol.OK(nil)
}
