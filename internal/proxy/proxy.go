// Package proxy implements C11, the front-end listeners: SO_REUSEPORT
// HTTP/HTTPS listeners, SNI termination via C4, the internal status and
// ACME-challenge short-circuits, the plain-HTTP redirect policy, and
// request proxying to the instance C7 selects. The same tuned, connection-
// pooled transport used for outbound API calls backs the ReverseProxy.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tako-run/takod/internal/accesslog"
	"github.com/tako-run/takod/internal/certs"
	"github.com/tako-run/takod/internal/domain"
	"github.com/tako-run/takod/internal/httpclient"
	"github.com/tako-run/takod/internal/iproc"
	"github.com/tako-run/takod/internal/lb"
	"github.com/tako-run/takod/internal/routes"
	"github.com/tako-run/takod/internal/scale"
	"github.com/tako-run/takod/internal/telemetry"
)

const internalHost = "tako.internal"

// ColdStartTimeout bounds how long a request waits for an on-demand app's
// first instance to become healthy before the proxy gives up with 504.
const ColdStartTimeout = 30 * time.Second

// Proxy is C11.
type Proxy struct {
	HTTPPort  int
	HTTPSPort int

	Routes *routes.Matcher
	Bal    *lb.Balancer
	Scale  *scale.Controller
	Certs  *certs.Manager
	ACME   *certs.ACMEIssuer // nil if no ACME issuer is configured
	Access *accesslog.Logger
	Log    *slog.Logger

	// Healthy reports the daemon's overall liveness for the internal
	// /status endpoint (e.g. false while upgrade-draining).
	Healthy func() bool

	// AppLookup resolves an app name to its persisted record, used by the
	// cold-start path to find the release/env the scale controller needs.
	AppLookup func(name string) (domain.App, bool)

	transport *http.Transport
}

func New(p Proxy) *Proxy {
	p.transport = httpclient.DefaultClient().Transport.(*http.Transport)
	return &p
}

// ListenAndServe binds both listeners with SO_REUSEPORT and serves until
// ctx is canceled.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	httpLn, err := reusePortListen("tcp", fmt.Sprintf(":%d", p.HTTPPort))
	if err != nil {
		return fmt.Errorf("proxy: binding HTTP port %d: %w", p.HTTPPort, err)
	}
	httpsLn, err := reusePortListen("tcp", fmt.Sprintf(":%d", p.HTTPSPort))
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("proxy: binding HTTPS port %d: %w", p.HTTPSPort, err)
	}

	tlsLn := newTLSListener(httpsLn, p.Certs.GetCertificate)

	httpSrv := &http.Server{Handler: http.HandlerFunc(p.serveHTTP)}
	httpsSrv := &http.Server{Handler: http.HandlerFunc(p.serveHTTPS)}

	errCh := make(chan error, 2)
	go func() { errCh <- serveRecovered(p.Log, httpSrv, httpLn) }()
	go func() { errCh <- serveRecovered(p.Log, httpsSrv, tlsLn) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
		httpsSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// serveRecovered runs srv.Serve, recovering a panic in the accept loop and
// returning it as an error so it does not crash the process. The listener
// is not restarted: ListenAndServe returns that error to its caller.
func serveRecovered(log *slog.Logger, srv *http.Server, ln net.Listener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if log != nil {
				log.Error("listener panic recovered", "panic", r)
			}
			err = fmt.Errorf("proxy: listener panicked: %v", r)
		}
	}()
	return srv.Serve(ln)
}

func (p *Proxy) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if p.handleInternal(w, r) {
		return
	}
	if p.handleACMEChallenge(w, r) {
		return
	}
	if p.shouldRedirect(r) {
		target := "https://" + r.Host + r.URL.RequestURI()
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
		return
	}
	p.serve(w, r)
}

func (p *Proxy) serveHTTPS(w http.ResponseWriter, r *http.Request) {
	if p.handleInternal(w, r) {
		return
	}
	p.serve(w, r)
}

// handleInternal answers Host: tako.internal, /status without consulting
// the route table, on both listeners, never redirecting.
func (p *Proxy) handleInternal(w http.ResponseWriter, r *http.Request) bool {
	host := stripPort(r.Host)
	if host != internalHost || r.URL.Path != "/status" {
		return false
	}

	healthy := p.Healthy == nil || p.Healthy()
	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"healthy":true}`)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"healthy":false}`)
	}
	return true
}

const acmeChallengePrefix = "/.well-known/acme-challenge/"

func (p *Proxy) handleACMEChallenge(w http.ResponseWriter, r *http.Request) bool {
	if !strings.HasPrefix(r.URL.Path, acmeChallengePrefix) {
		return false
	}
	token := strings.TrimPrefix(r.URL.Path, acmeChallengePrefix)
	if p.ACME == nil {
		http.NotFound(w, r)
		return true
	}
	keyAuth, ok := p.ACME.ChallengeResponse(token)
	if !ok {
		http.NotFound(w, r)
		return true
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, keyAuth)
	return true
}

// shouldRedirect decides the plain-HTTP policy: redirect to HTTPS unless
// the host is private/local and carries no forwarded-proto metadata.
func (p *Proxy) shouldRedirect(r *http.Request) bool {
	host := stripPort(r.Host)
	if r.Header.Get("X-Forwarded-Proto") != "" {
		return true
	}
	return !domain.IsPrivateHost(host)
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request) {
	host := stripPort(r.Host)

	route, ok := p.Routes.Match(host, r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	ctx, span := telemetry.TraceProxy(r.Context(), host, r.URL.Path)
	defer span.End()
	r = r.WithContext(ctx)

	proc, err := p.Bal.Next(route.App)
	if err != nil {
		proc, err = p.coldStart(r.Context(), route.App)
		if err != nil {
			p.respondUnavailable(w, err)
			return
		}
	}
	if p.Scale != nil {
		p.Scale.Touch(route.App)
	}

	release := proc.AcquireRequest()
	defer release()

	start := time.Now()
	rp := p.reverseProxyFor(proc)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	rp.ServeHTTP(rec, r)

	if p.Access != nil {
		p.Access.Log(accesslog.Entry{
			Method:     r.Method,
			Host:       host,
			Path:       r.URL.Path,
			Status:     rec.status,
			Duration:   time.Since(start),
			App:        route.App,
			InstanceID: proc.ID,
			Upstream:   proc.Addr(),
			RemoteAddr: r.RemoteAddr,
		})
	}
}

// coldStart waits (bounded) for the scale controller to bring up the
// first instance of an on-demand app.
func (p *Proxy) coldStart(ctx context.Context, app string) (*iproc.Proc, error) {
	ctx, cancel := context.WithTimeout(ctx, ColdStartTimeout)
	defer cancel()

	appRec, ok := p.appByName(app)
	if !ok {
		return nil, fmt.Errorf("app %q not found", app)
	}

	done := make(chan struct {
		proc *iproc.Proc
		err  error
	}, 1)
	go func() {
		proc, err := p.Scale.ColdStart(context.Background(), appRec)
		done <- struct {
			proc *iproc.Proc
			err  error
		}{proc, err}
	}()

	select {
	case r := <-done:
		return r.proc, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("app startup timed out")
	}
}

func (p *Proxy) appByName(name string) (domain.App, bool) {
	if p.AppLookup == nil {
		return domain.App{}, false
	}
	return p.AppLookup(name)
}

func (p *Proxy) respondUnavailable(w http.ResponseWriter, err error) {
	if strings.Contains(err.Error(), "timed out") {
		http.Error(w, "app startup timed out", http.StatusGatewayTimeout)
		return
	}
	http.Error(w, "no healthy instance", http.StatusBadGateway)
}

func (p *Proxy) reverseProxyFor(proc *iproc.Proc) *httputil.ReverseProxy {
	network, addr := proc.Network(), proc.Addr()

	director := func(req *http.Request) {
		req.URL.Scheme = "http"
		req.URL.Host = "instance"
	}

	transport := p.transport
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	customTransport := transport.Clone()
	customTransport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}

	return &httputil.ReverseProxy{
		Director:  director,
		Transport: customTransport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, "upstream error", http.StatusBadGateway)
		},
	}
}

func stripPort(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(hostport)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// newTLSListener wraps ln with SNI-driven certificate selection; a hello
// with no matching certificate fails the handshake rather than falling
// back to a default certificate for the wrong host.
func newTLSListener(ln net.Listener, getCert func(*tls.ClientHelloInfo) (*tls.Certificate, error)) net.Listener {
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: getCert,
		MinVersion:     tls.VersionTLS12,
	})
}

// reusePortListen binds address with SO_REUSEPORT set before bind(2), so a
// second process (the upgrade candidate) can bind the same port.
func reusePortListen(network, address string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			ctrlErr := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if ctrlErr != nil {
				return ctrlErr
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), network, address)
}
