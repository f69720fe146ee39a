package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/tako-run/takod/internal/domain"
	"github.com/tako-run/takod/internal/resilience"
)

// ACMEIssuer issues certificates via the HTTP-01 challenge, the only
// challenge type usable without a DNS provider integration. The proxy's
// internal HTTP listener answers /.well-known/acme-challenge/ requests by
// consulting ChallengeResponse.
type ACMEIssuer struct {
	client    *acme.Client
	directory string
	contact   string

	mu         sync.RWMutex
	challenges map[string]string // token -> key authorization
}

// NewACMEIssuer registers (or re-registers) an ACME account against
// directoryURL using a freshly generated account key.
func NewACMEIssuer(ctx context.Context, directoryURL, contactEmail string) (*ACMEIssuer, error) {
	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ACME account key: %w", err)
	}

	client := &acme.Client{
		Key:          accountKey,
		DirectoryURL: directoryURL,
	}

	account := &acme.Account{}
	if contactEmail != "" {
		account.Contact = []string{"mailto:" + contactEmail}
	}
	if _, err := client.Register(ctx, account, acme.AcceptTOS); err != nil && err != acme.ErrAccountAlreadyExists {
		return nil, fmt.Errorf("registering ACME account: %w", err)
	}

	return &ACMEIssuer{
		client:     client,
		directory:  directoryURL,
		contact:    contactEmail,
		challenges: make(map[string]string),
	}, nil
}

// ChallengeResponse returns the key authorization for an in-flight HTTP-01
// challenge token, for the proxy's ACME passthrough handler.
func (a *ACMEIssuer) ChallengeResponse(token string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.challenges[token]
	return v, ok
}

func (a *ACMEIssuer) setChallenge(token, keyAuth string) {
	a.mu.Lock()
	a.challenges[token] = keyAuth
	a.mu.Unlock()
}

func (a *ACMEIssuer) clearChallenge(token string) {
	a.mu.Lock()
	delete(a.challenges, token)
	a.mu.Unlock()
}

// Issue runs the full order -> authorize -> HTTP-01 -> finalize flow for
// domainName, wrapped in the shared ACME circuit breaker.
func (a *ACMEIssuer) Issue(domainName string) (*domain.Certificate, error) {
	breaker := resilience.GetACMEBreaker()
	return resilience.ExecuteWithResult(breaker, func() (*domain.Certificate, error) {
		return a.issue(domainName)
	})
}

func (a *ACMEIssuer) issue(domainName string) (*domain.Certificate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	order, err := a.client.AuthorizeOrder(ctx, acme.DomainIDs(domainName))
	if err != nil {
		return nil, fmt.Errorf("authorizing order for %s: %w", domainName, err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := a.completeHTTP01(ctx, authzURL); err != nil {
			return nil, err
		}
	}

	order, err = a.client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, fmt.Errorf("waiting for order on %s: %w", domainName, err)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating certificate key: %w", err)
	}
	csrDER, err := buildCSR(domainName, certKey)
	if err != nil {
		return nil, fmt.Errorf("building CSR for %s: %w", domainName, err)
	}

	der, _, err := a.client.CreateOrderCert(ctx, order.FinalizeURL, csrDER, true)
	if err != nil {
		return nil, fmt.Errorf("finalizing order for %s: %w", domainName, err)
	}

	var chainPEM []byte
	for _, block := range der {
		chainPEM = append(chainPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: block})...)
	}
	keyDER, err := x509.MarshalECPrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling issued key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return nil, fmt.Errorf("parsing issued certificate for %s: %w", domainName, err)
	}

	return &domain.Certificate{
		Domain:        domainName,
		FullChainPEM:  chainPEM,
		PrivateKeyPEM: keyPEM,
		NotAfter:      leaf.NotAfter,
		SelfSigned:    false,
		IssuedAt:      time.Now(),
	}, nil
}

func (a *ACMEIssuer) completeHTTP01(ctx context.Context, authzURL string) error {
	authz, err := a.client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("fetching authorization: %w", err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var chal *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "http-01" {
			chal = c
			break
		}
	}
	if chal == nil {
		return fmt.Errorf("no http-01 challenge offered for %s", authz.Identifier.Value)
	}

	keyAuth, err := a.client.HTTP01ChallengeResponse(chal.Token)
	if err != nil {
		return fmt.Errorf("building http-01 response: %w", err)
	}
	a.setChallenge(chal.Token, keyAuth)
	defer a.clearChallenge(chal.Token)

	if _, err := a.client.Accept(ctx, chal); err != nil {
		return fmt.Errorf("accepting http-01 challenge: %w", err)
	}
	if _, err := a.client.WaitAuthorization(ctx, authzURL); err != nil {
		return fmt.Errorf("waiting for authorization on %s: %w", authz.Identifier.Value, err)
	}
	return nil
}

func buildCSR(domainName string, key *ecdsa.PrivateKey) ([]byte, error) {
	template := &x509.CertificateRequest{
		DNSNames: []string{domainName},
	}
	return x509.CreateCertificateRequest(rand.Reader, template, key)
}
