// Package certs implements C4, the certificate manager: SNI-keyed lookup
// for the TLS listener, self-signed issuance for private hosts, ACME HTTP-01
// issuance for public hosts, and periodic renewal, with credentials and
// issued certificates persisted on disk.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/tako-run/takod/internal/domain"
)

// snapshot is the immutable, atomically-swapped view of every loaded cert.
type snapshot struct {
	byDomain map[string]*tls.Certificate
	meta     map[string]domain.Certificate
}

// Manager is C4: lock-free reads for the TLS handshake path via
// GetCertificate, single-writer issuance/renewal serialized by mu.
type Manager struct {
	fs      afero.Fs
	certDir string
	issuer  Issuer

	cur atomic.Pointer[snapshot]
	mu  sync.Mutex // serializes issuance/renewal; reads never take it
}

// Issuer issues a certificate for domain, used for the ACME HTTP-01 path.
// Self-signed issuance does not go through this interface.
type Issuer interface {
	Issue(domainName string) (*domain.Certificate, error)
}

func New(fs afero.Fs, certDir string, issuer Issuer) *Manager {
	m := &Manager{fs: fs, certDir: certDir, issuer: issuer}
	m.cur.Store(&snapshot{byDomain: map[string]*tls.Certificate{}, meta: map[string]domain.Certificate{}})
	return m
}

// LoadAll reads every <certDir>/<domain>/{fullchain.pem,privkey.pem,meta.json}
// directory into the initial snapshot. Missing or corrupt entries are
// skipped; they will simply be re-issued on first SNI lookup.
func (m *Manager) LoadAll() error {
	exists, err := afero.DirExists(m.fs, m.certDir)
	if err != nil || !exists {
		return nil
	}

	entries, err := afero.ReadDir(m.fs, m.certDir)
	if err != nil {
		return fmt.Errorf("reading cert directory: %w", err)
	}

	next := &snapshot{byDomain: map[string]*tls.Certificate{}, meta: map[string]domain.Certificate{}}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		domainDir := m.certDir + "/" + e.Name()
		cert, meta, err := m.readFromDisk(domainDir, e.Name())
		if err != nil {
			continue
		}
		next.byDomain[e.Name()] = cert
		next.meta[e.Name()] = *meta
	}
	m.cur.Store(next)
	return nil
}

func (m *Manager) readFromDisk(dir, domainName string) (*tls.Certificate, *domain.Certificate, error) {
	chainPEM, err := afero.ReadFile(m.fs, dir+"/fullchain.pem")
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := afero.ReadFile(m.fs, dir+"/privkey.pem")
	if err != nil {
		return nil, nil, err
	}
	metaBytes, err := afero.ReadFile(m.fs, dir+"/meta.json")
	if err != nil {
		return nil, nil, err
	}

	var meta domain.Certificate
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, nil, err
	}
	meta.Domain = domainName
	meta.FullChainPEM = chainPEM
	meta.PrivateKeyPEM = keyPEM

	cert, err := tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		return nil, nil, err
	}
	return &cert, &meta, nil
}

// GetCertificate is the tls.Config.GetCertificate callback: lock-free
// lookup by SNI with single-level wildcard fallback.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	sni := strings.ToLower(hello.ServerName)
	if sni == "" {
		return nil, fmt.Errorf("certs: no SNI presented")
	}

	snap := m.cur.Load()
	if cert, ok := snap.byDomain[sni]; ok {
		return cert, nil
	}
	if parent, ok := domain.WildcardParent(sni); ok {
		if cert, ok := snap.byDomain[parent]; ok {
			return cert, nil
		}
	}

	return m.issueAndInstall(sni)
}

// issueAndInstall is the slow path invoked on first handshake for an
// unrecognized SNI: self-signed for private hosts, ACME HTTP-01 otherwise.
// Serialized so concurrent handshakes for the same new host don't race
// into duplicate issuance.
func (m *Manager) issueAndInstall(sni string) (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Another handshake may have installed it while we waited for the lock.
	if cert, ok := m.cur.Load().byDomain[sni]; ok {
		return cert, nil
	}

	var cert *domain.Certificate
	var err error
	if domain.IsPrivateHost(sni) {
		cert, err = generateSelfSigned(sni)
	} else if m.issuer != nil {
		cert, err = m.issuer.Issue(sni)
	} else {
		return nil, fmt.Errorf("certs: no ACME issuer configured for public host %s", sni)
	}
	if err != nil {
		return nil, fmt.Errorf("certs: issuing certificate for %s: %w", sni, err)
	}

	if err := m.writeToDisk(cert); err != nil {
		return nil, fmt.Errorf("certs: persisting certificate for %s: %w", sni, err)
	}

	tlsCert, err := tls.X509KeyPair(cert.FullChainPEM, cert.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("certs: building tls.Certificate for %s: %w", sni, err)
	}
	m.install(sni, &tlsCert, *cert)
	return &tlsCert, nil
}

func (m *Manager) install(domainName string, cert *tls.Certificate, meta domain.Certificate) {
	old := m.cur.Load()
	next := &snapshot{
		byDomain: make(map[string]*tls.Certificate, len(old.byDomain)+1),
		meta:     make(map[string]domain.Certificate, len(old.meta)+1),
	}
	for k, v := range old.byDomain {
		next.byDomain[k] = v
	}
	for k, v := range old.meta {
		next.meta[k] = v
	}
	next.byDomain[domainName] = cert
	next.meta[domainName] = meta
	m.cur.Store(next)
}

func (m *Manager) writeToDisk(cert *domain.Certificate) error {
	dir := m.certDir + "/" + cert.Domain
	if err := m.fs.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := afero.WriteFile(m.fs, dir+"/fullchain.pem", cert.FullChainPEM, 0600); err != nil {
		return err
	}
	if err := afero.WriteFile(m.fs, dir+"/privkey.pem", cert.PrivateKeyPEM, 0600); err != nil {
		return err
	}
	metaBytes, err := json.MarshalIndent(cert, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(m.fs, dir+"/meta.json", metaBytes, 0600)
}

// RenewDue returns every loaded domain whose certificate expires within
// within, for the periodic renewal tick.
func (m *Manager) RenewDue(within time.Duration) []string {
	snap := m.cur.Load()
	var due []string
	for d, meta := range snap.meta {
		metaCopy := meta
		if metaCopy.ExpiresWithin(within) {
			due = append(due, d)
		}
	}
	return due
}

// Renew re-issues domainName's certificate using the same path LoadAll
// would have installed it under (self-signed vs ACME), and installs it.
func (m *Manager) Renew(domainName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cert *domain.Certificate
	var err error
	if domain.IsPrivateHost(domainName) {
		cert, err = generateSelfSigned(domainName)
	} else if m.issuer != nil {
		cert, err = m.issuer.Issue(domainName)
	} else {
		return fmt.Errorf("certs: no ACME issuer configured for public host %s", domainName)
	}
	if err != nil {
		return fmt.Errorf("certs: renewing certificate for %s: %w", domainName, err)
	}

	if err := m.writeToDisk(cert); err != nil {
		return fmt.Errorf("certs: persisting renewed certificate for %s: %w", domainName, err)
	}
	tlsCert, err := tls.X509KeyPair(cert.FullChainPEM, cert.PrivateKeyPEM)
	if err != nil {
		return fmt.Errorf("certs: building tls.Certificate for %s: %w", domainName, err)
	}
	m.install(domainName, &tlsCert, *cert)
	return nil
}

// generateSelfSigned creates a short-lived ECDSA self-signed certificate
// for a private/reserved host, valid for one year.
func generateSelfSigned(domainName string) (*domain.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	notBefore := time.Now().Add(-time.Hour)
	notAfter := notBefore.Add(365 * 24 * time.Hour)

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domainName},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	if strings.HasPrefix(domainName, "*.") {
		template.DNSNames = []string{domainName}
	} else {
		template.DNSNames = []string{domainName}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating self-signed certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}

	chainPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &domain.Certificate{
		Domain:        domainName,
		FullChainPEM:  chainPEM,
		PrivateKeyPEM: keyPEM,
		NotAfter:      notAfter,
		SelfSigned:    true,
		IssuedAt:      notBefore,
	}, nil
}
