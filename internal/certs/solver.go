package certs

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Solver publishes and withdraws the proof of control for one ACME challenge
// type. The issuer iterates its solvers and picks the first that supports
// the domain.
type Solver interface {
	Type() string
	SupportsDomain(domain string) bool
	Publish(domain, token, keyAuth string) error
	Cleanup(domain, token string) error
}

// HTTPSolver answers http-01 challenges by dropping the key authorisation
// into the directory the proxy engine serves under
// /.well-known/acme-challenge/ on port 80.
type HTTPSolver struct {
	ChallengeDir string
}

func (s *HTTPSolver) Type() string { return "http-01" }

// SupportsDomain rejects wildcards, which http-01 cannot validate.
func (s *HTTPSolver) SupportsDomain(domain string) bool {
	return !strings.HasPrefix(domain, "*.")
}

func (s *HTTPSolver) Publish(domain, token, keyAuth string) error {
	if err := os.MkdirAll(s.ChallengeDir, 0o755); err != nil {
		return fmt.Errorf("failed to create challenge dir: %w", err)
	}
	path := filepath.Join(s.ChallengeDir, sanitizeToken(token))
	if err := os.WriteFile(path, []byte(keyAuth), 0o644); err != nil {
		return fmt.Errorf("failed to write challenge token for %s: %w", domain, err)
	}
	return nil
}

func (s *HTTPSolver) Cleanup(domain, token string) error {
	return os.Remove(filepath.Join(s.ChallengeDir, sanitizeToken(token)))
}

// sanitizeToken strips anything outside the base64url alphabet before the
// token becomes a file name.
func sanitizeToken(token string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, token)
}

// DNSProvider is the minimal surface a DNS-01 solver needs from a provider
// API.
type DNSProvider interface {
	CreateRecord(domain, name, value string) (recordID string, err error)
	DeleteRecord(domain, recordID string) error
}

// DNSSolver answers dns-01 challenges through a provider client: it creates
// the _acme-challenge TXT record, waits for propagation, and removes the
// record afterwards.
type DNSSolver struct {
	Provider    DNSProvider
	Propagation time.Duration // wait after record creation, default 6s

	mu      sync.Mutex
	records map[string]string // token -> record id
}

func NewDNSSolver(provider DNSProvider) *DNSSolver {
	return &DNSSolver{
		Provider:    provider,
		Propagation: 6 * time.Second,
		records:     map[string]string{},
	}
}

func (s *DNSSolver) Type() string { return "dns-01" }

func (s *DNSSolver) SupportsDomain(domain string) bool { return s.Provider != nil }

func (s *DNSSolver) Publish(domain, token, keyAuth string) error {
	digest := sha256.Sum256([]byte(keyAuth))
	value := base64.RawURLEncoding.EncodeToString(digest[:])
	name := "_acme-challenge." + strings.TrimSuffix(strings.TrimPrefix(domain, "*."), ".")

	recordID, err := s.Provider.CreateRecord(domain, name, value)
	if err != nil {
		return fmt.Errorf("failed to create TXT record for %s: %w", domain, err)
	}
	s.mu.Lock()
	s.records[token] = recordID
	s.mu.Unlock()

	time.Sleep(s.Propagation)
	return nil
}

func (s *DNSSolver) Cleanup(domain, token string) error {
	s.mu.Lock()
	recordID, ok := s.records[token]
	delete(s.records, token)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Provider.DeleteRecord(domain, recordID)
}
