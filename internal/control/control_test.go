package control

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/tako-run/takod/internal/audit"
	"github.com/tako-run/takod/internal/domain"
	"github.com/tako-run/takod/internal/lb"
	"github.com/tako-run/takod/internal/protocol"
	"github.com/tako-run/takod/internal/routes"
	"github.com/tako-run/takod/internal/store"
	"github.com/tako-run/takod/internal/supervisor"
	"github.com/tako-run/takod/internal/transport"
)

type fakeDeployer struct {
	lastReq protocol.DeployRequest
	err     error
}

func (f *fakeDeployer) Deploy(ctx context.Context, req protocol.DeployRequest) error {
	f.lastReq = req
	return f.err
}

type testServer struct {
	srv    *Server
	deps   *Deps
	sock   string
	client *transport.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dataRoot := t.TempDir()
	st, err := store.Open(context.Background(), afero.NewOsFs(), dataRoot, "run")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(st.Close)

	sock := filepath.Join(t.TempDir(), "control.sock")
	ts, err := transport.Listen(sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	deps := &Deps{
		Store:         st,
		Routes:        routes.New(),
		Balancer:      lb.New(),
		Sup:           supervisor.New(time.Second),
		Deployer:      &fakeDeployer{},
		Audit:         audit.NewNoOpLogger(),
		ServerVersion: "test",
		DataRoot:      dataRoot,
	}

	srv := NewServer(ts, deps)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	nc, err := net.DialTimeout("unix", sock, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { nc.Close() })

	return &testServer{srv: srv, deps: deps, sock: sock, client: transport.NewConn(nc)}
}

func (ts *testServer) call(t *testing.T, req any) protocol.Response {
	t.Helper()
	if err := ts.client.WriteMessage(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	var resp protocol.Response
	if err := ts.client.ReadMessage(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func TestHelloReturnsCapabilities(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.call(t, protocol.HelloRequest{Command: "hello", ProtocolVersion: protocol.ProtocolVersion})
	if resp.Status != "ok" {
		t.Fatalf("got status %q, want ok", resp.Status)
	}
}

func TestUnknownCommandReturnsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.call(t, map[string]string{"command": "not_a_real_command"})
	if resp.Status != "error" || resp.Error.Kind != "bad_request" {
		t.Fatalf("got %+v, want bad_request error", resp)
	}
}

func TestDeployDispatchesToDeployer(t *testing.T) {
	ts := newTestServer(t)
	ts.deps.Store.PutApp(context.Background(), domain.App{Name: "blog", CurrentRelease: "v1"})

	resp := ts.call(t, protocol.DeployRequest{Command: "deploy", App: "blog", Version: "v2", Instances: 1})
	if resp.Status != "ok" {
		t.Fatalf("got %+v, want ok", resp)
	}

	fd := ts.deps.Deployer.(*fakeDeployer)
	if fd.lastReq.App != "blog" || fd.lastReq.Version != "v2" {
		t.Fatalf("got %+v, want the deploy request forwarded to the deployer", fd.lastReq)
	}
}

func TestListReturnsAllApps(t *testing.T) {
	ts := newTestServer(t)
	ts.deps.Store.PutApp(context.Background(), domain.App{Name: "blog", CurrentRelease: "v1"})

	resp := ts.call(t, protocol.AppCommand{Command: "list"})
	if resp.Status != "ok" {
		t.Fatalf("got %+v, want ok", resp)
	}
}

func TestStatusUnknownAppReturnsNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.call(t, protocol.AppCommand{Command: "status", App: "ghost"})
	if resp.Status != "error" || resp.Error.Kind != "not_found" {
		t.Fatalf("got %+v, want not_found error", resp)
	}
}

func TestEnterUpgradingIsIdempotentForSameOwner(t *testing.T) {
	ts := newTestServer(t)

	first := ts.call(t, protocol.UpgradeRequest{Command: "enter_upgrading", Owner: "u1"})
	if first.Status != "ok" {
		t.Fatalf("first enter_upgrading: got %+v, want ok", first)
	}

	second := ts.call(t, protocol.UpgradeRequest{Command: "enter_upgrading", Owner: "u1"})
	if second.Status != "ok" {
		t.Fatalf("re-entry from the same owner: got %+v, want ok", second)
	}

	other := ts.call(t, protocol.UpgradeRequest{Command: "enter_upgrading", Owner: "u2"})
	if other.Status != "error" || other.Error.Kind != "conflict" {
		t.Fatalf("entry from a different owner while held: got %+v, want conflict", other)
	}
}

func TestReloadPushesReloadConfigToRegisteredInstance(t *testing.T) {
	ts := newTestServer(t)
	ts.deps.Store.PutApp(context.Background(), domain.App{Name: "blog", CurrentRelease: "v1", Env: map[string]string{"FOO": "bar"}})

	appConn, err := net.DialTimeout("unix", ts.sock, time.Second)
	if err != nil {
		t.Fatalf("dialing app connection: %v", err)
	}
	t.Cleanup(func() { appConn.Close() })
	appTransport := transport.NewConn(appConn)

	if err := appTransport.WriteMessage(protocol.AppReady{Type: "ready", App: "blog", InstanceID: 1, PID: 4242}); err != nil {
		t.Fatalf("sending ready: %v", err)
	}
	// give handleConn's goroutine a moment to register the connection
	time.Sleep(50 * time.Millisecond)

	resp := ts.call(t, protocol.AppCommand{Command: "reload", App: "blog"})
	if resp.Status != "ok" {
		t.Fatalf("reload: got %+v, want ok", resp)
	}

	appConn.SetReadDeadline(time.Now().Add(time.Second))
	var push protocol.ServerReloadConfig
	if err := appTransport.ReadMessage(&push); err != nil {
		t.Fatalf("reading pushed reload_config: %v", err)
	}
	if push.Type != "reload_config" || push.Secrets["FOO"] != "bar" {
		t.Fatalf("got %+v, want reload_config carrying the app's env", push)
	}
}

func TestUpgradeModeGatesMutatingCommands(t *testing.T) {
	ts := newTestServer(t)

	enter := ts.call(t, protocol.UpgradeRequest{Command: "enter_upgrading", Owner: "candidate-1"})
	if enter.Status != "ok" {
		t.Fatalf("enter_upgrading: got %+v, want ok", enter)
	}

	deploy := ts.call(t, protocol.DeployRequest{Command: "deploy", App: "blog", Version: "v1", Instances: 1})
	if deploy.Status != "error" || deploy.Error.Kind != "upgrading" {
		t.Fatalf("got %+v, want upgrading error while upgrade mode is held", deploy)
	}

	info := ts.call(t, protocol.AppCommand{Command: "server_info"})
	if info.Status != "ok" {
		t.Fatalf("server_info should remain exempt during upgrade mode, got %+v", info)
	}

	exit := ts.call(t, protocol.UpgradeRequest{Command: "exit_upgrading", Owner: "candidate-1"})
	if exit.Status != "ok" {
		t.Fatalf("exit_upgrading: got %+v, want ok", exit)
	}

	deployAfter := ts.call(t, protocol.DeployRequest{Command: "deploy", App: "blog", Version: "v1", Instances: 1})
	if deployAfter.Status != "ok" {
		t.Fatalf("got %+v, want deploy to succeed after exiting upgrade mode", deployAfter)
	}
}
