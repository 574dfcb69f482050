package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/hostwatch/hostwatch/internal/logger"
)

func newTestManager(t *testing.T) (*Manager, *KeyStore) {
	t.Helper()
	store, err := NewKeyStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKeyStore: %v", err)
	}
	return NewManager(store, nil, 30, logger.New("error", false)), store
}

// writeCert stores a certificate with a chosen domain set and expiry, plus
// a matching key file, without going through an ACME order.
func writeCert(t *testing.T, store *KeyStore, name string, domains []string, notAfter time.Time) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domains[0]},
		DNSNames:     domains,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	chain := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := store.SaveCertChain(name, chain); err != nil {
		t.Fatalf("SaveCertChain: %v", err)
	}
	if _, err := store.DomainKey(name, KeyEC256); err != nil {
		t.Fatalf("DomainKey: %v", err)
	}
}

func TestDomainMatches(t *testing.T) {
	cases := []struct {
		hostname   string
		certDomain string
		want       bool
	}{
		{"example.com", "example.com", true},
		{"api.example.com", "*.example.com", true},
		{"a.b.example.com", "*.example.com", false},
		{"example.com", "*.example.com", false},
		{"other.com", "example.com", false},
	}
	for _, tc := range cases {
		if got := domainMatches(tc.hostname, tc.certDomain); got != tc.want {
			t.Errorf("domainMatches(%q, %q) = %v, want %v", tc.hostname, tc.certDomain, got, tc.want)
		}
	}
}

func TestIssueExistingCoverage(t *testing.T) {
	m, store := newTestManager(t)
	writeCert(t, store, "plain.example.com", []string{"plain.example.com"},
		time.Now().Add(90*24*time.Hour))

	issued, existing := m.Issue([]string{"plain.example.com"}, KeyRSA2048)
	if len(issued) != 0 {
		t.Errorf("issued = %v, want none", issued)
	}
	if len(existing) != 1 || existing[0].Name != "plain.example.com" {
		t.Fatalf("existing = %v, want plain.example.com", existing)
	}
}

func TestResolveWildcardParent(t *testing.T) {
	m, store := newTestManager(t)
	writeCert(t, store, "*.example.com", []string{"*.example.com", "example.com"},
		time.Now().Add(90*24*time.Hour))

	if got := m.Resolve("api.example.com"); got != "*.example.com" {
		t.Errorf("Resolve(api.example.com) = %q, want *.example.com", got)
	}
	// a wildcard covers exactly one extra label
	if got := m.Resolve("a.b.example.com"); got != "" {
		t.Errorf("Resolve(a.b.example.com) = %q, want none", got)
	}
}

func TestResolveSANCoverage(t *testing.T) {
	m, store := newTestManager(t)
	writeCert(t, store, "bundle.example.com",
		[]string{"bundle.example.com", "extra.example.net"},
		time.Now().Add(90*24*time.Hour))

	if got := m.Resolve("extra.example.net"); got != "bundle.example.com" {
		t.Errorf("Resolve(extra.example.net) = %q, want bundle.example.com", got)
	}
}

func TestResolveRejectsExpiring(t *testing.T) {
	m, store := newTestManager(t)
	// inside the 30-day renewal window
	writeCert(t, store, "soon.example.com", []string{"soon.example.com"},
		time.Now().Add(5*24*time.Hour))

	if got := m.Resolve("soon.example.com"); got != "" {
		t.Errorf("Resolve(soon.example.com) = %q, want none", got)
	}
}

func TestResolveOrSelfSigned(t *testing.T) {
	m, store := newTestManager(t)
	name := m.ResolveOrSelfSigned("fresh.example.com", KeyEC256)
	if name != "fresh.example.com"+SelfSignedSuffix {
		t.Fatalf("ResolveOrSelfSigned = %q", name)
	}
	if !store.CertExists(name) {
		t.Error("self-signed fallback not persisted")
	}
	// a second call reuses the fallback
	if again := m.ResolveOrSelfSigned("fresh.example.com", KeyEC256); again != name {
		t.Errorf("second ResolveOrSelfSigned = %q, want %q", again, name)
	}
}

func TestEvictExpiring(t *testing.T) {
	m, _ := newTestManager(t)
	m.noteExpiry("keep.example.com", time.Now().Add(90*24*time.Hour))
	m.noteExpiry("evict.example.com", time.Now().Add(5*24*time.Hour))

	// drain the signals noteExpiry produced
	select {
	case <-m.ExpiryChanged():
	default:
	}

	evicted := m.EvictExpiring()
	if len(evicted) != 1 || evicted[0] != "evict.example.com" {
		t.Fatalf("EvictExpiring = %v, want [evict.example.com]", evicted)
	}
	select {
	case <-m.ExpiryChanged():
	default:
		t.Error("eviction did not signal ExpiryChanged")
	}

	next := m.NextExpiry()
	if time.Until(next) < 80*24*time.Hour {
		t.Errorf("NextExpiry = %v, want the retained certificate's deadline", next)
	}
}

func TestRenewThresholdFloor(t *testing.T) {
	store, err := NewKeyStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKeyStore: %v", err)
	}
	m := NewManager(store, nil, 3, logger.New("error", false))
	if m.Threshold() != minRenewThreshold {
		t.Errorf("Threshold = %v, want floor %v", m.Threshold(), minRenewThreshold)
	}
}

func TestKeyTypeFor(t *testing.T) {
	if got := KeyTypeFor(map[string]interface{}{"ssl_key_type": "EC"}); got != KeyEC256 {
		t.Errorf("KeyTypeFor(ec) = %v", got)
	}
	if got := KeyTypeFor(nil); got != KeyRSA2048 {
		t.Errorf("KeyTypeFor(nil) = %v", got)
	}
}
