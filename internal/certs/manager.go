package certs

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hostwatch/hostwatch/internal/logger"
)

const (
	// minRenewThreshold is the floor on the renewal window. Certificates
	// with less residual validity than the threshold are treated as absent
	// and re-ordered.
	minRenewThreshold = 10 * 24 * time.Hour

	// maxDomainsPerOrder matches the ACME server's SAN limit.
	maxDomainsPerOrder = 50
)

// IssuedCert describes one usable certificate on disk.
type IssuedCert struct {
	Name     string
	Domains  []string
	NotAfter time.Time
}

// Manager resolves hostnames to certificates and drives issuance. It keeps
// an in-memory expiry cache so the refresh scheduler can compute its next
// wake-up without touching the disk, and signals on expiryChanged whenever
// issuance or eviction moves the nearest deadline.
type Manager struct {
	store     *KeyStore
	acme      *AcmeClient
	blacklist *Blacklist
	threshold time.Duration
	log       logger.Logger

	mu            sync.Mutex
	expiry        map[string]time.Time
	expiryChanged chan struct{}
}

func NewManager(store *KeyStore, acme *AcmeClient, renewThresholdDays int, log logger.Logger) *Manager {
	threshold := time.Duration(renewThresholdDays) * 24 * time.Hour
	if threshold < minRenewThreshold {
		threshold = minRenewThreshold
	}
	return &Manager{
		store:         store,
		acme:          acme,
		blacklist:     NewBlacklist(DefaultBlacklistDuration),
		threshold:     threshold,
		log:           log,
		expiry:        make(map[string]time.Time),
		expiryChanged: make(chan struct{}, 1),
	}
}

// ExpiryChanged signals whenever issuance or eviction moved the nearest
// certificate deadline.
func (m *Manager) ExpiryChanged() <-chan struct{} {
	return m.expiryChanged
}

// Threshold is the renewal window applied to every certificate.
func (m *Manager) Threshold() time.Duration {
	return m.threshold
}

// Issue ensures certificates exist for every requested domain. Domains
// already covered by a stored certificate with enough residual validity
// come back in existing; the rest are ordered in SAN batches. Domains whose
// order fails are blacklisted for a few minutes and given a self-signed
// fallback so secured hosts can still terminate TLS.
func (m *Manager) Issue(domains []string, keyType KeyType) (issued, existing []IssuedCert) {
	covered := make(map[string]bool)
	var uncovered []string
	for _, d := range domains {
		cert := m.covering(d)
		if cert == nil {
			uncovered = append(uncovered, d)
			continue
		}
		if !covered[cert.Name] {
			covered[cert.Name] = true
			existing = append(existing, *cert)
		}
	}

	wanted, blocked := m.blacklist.Partition(uncovered)
	for _, d := range blocked {
		m.log.Debug("skipping blacklisted domain", logger.String("domain", d))
	}
	if len(wanted) == 0 {
		return issued, existing
	}
	sort.Strings(wanted)

	for start := 0; start < len(wanted); start += maxDomainsPerOrder {
		end := start + maxDomainsPerOrder
		if end > len(wanted) {
			end = len(wanted)
		}
		batch := wanted[start:end]
		name := batch[0]
		notAfter, err := m.acme.Order(name, batch, keyType)
		if err != nil {
			m.log.Error("certificate order failed",
				logger.Strings("domains", batch), logger.Error(err))
			for _, d := range batch {
				m.blacklist.Add(d)
				m.selfSignFallback(d, keyType)
			}
			continue
		}
		m.noteExpiry(name, notAfter)
		issued = append(issued, IssuedCert{Name: name, Domains: batch, NotAfter: notAfter})
	}
	return issued, existing
}

// Resolve maps a hostname to the name of a usable stored certificate, or ""
// when none covers it. Lookup order: exact name, wildcard parent, then a
// scan of every stored certificate's domain set.
func (m *Manager) Resolve(hostname string) string {
	if cert := m.covering(hostname); cert != nil {
		return cert.Name
	}
	return ""
}

// ResolveOrSelfSigned is Resolve with the self-signed fallback appended, so
// secured hosts always get some certificate to terminate with.
func (m *Manager) ResolveOrSelfSigned(hostname string, keyType KeyType) string {
	if name := m.Resolve(hostname); name != "" {
		return name
	}
	name := hostname + SelfSignedSuffix
	if m.store.CertExists(name) {
		return name
	}
	selfSigned, err := m.store.SelfSign(hostname, keyType)
	if err != nil {
		m.log.Error("self-sign failed", logger.String("hostname", hostname), logger.Error(err))
		return ""
	}
	return selfSigned
}

func (m *Manager) covering(hostname string) *IssuedCert {
	for _, name := range []string{hostname, WildcardName(hostname)} {
		if name == "" || !m.store.CertExists(name) {
			continue
		}
		if cert := m.usable(name); cert != nil {
			return cert
		}
	}

	names, err := m.store.Names()
	if err != nil {
		m.log.Warn("certificate listing failed", logger.Error(err))
		return nil
	}
	for _, name := range names {
		if strings.HasSuffix(name, SelfSignedSuffix) {
			continue
		}
		cert := m.usable(name)
		if cert == nil {
			continue
		}
		for _, d := range cert.Domains {
			if domainMatches(hostname, d) {
				return cert
			}
		}
	}
	return nil
}

// usable loads a stored certificate, rejecting it when its residual
// validity is inside the renewal window.
func (m *Manager) usable(name string) *IssuedCert {
	notAfter, err := m.store.Expiry(name)
	if err != nil {
		m.log.Warn("unreadable certificate", logger.String("name", name), logger.Error(err))
		return nil
	}
	if time.Until(notAfter) < m.threshold {
		return nil
	}
	domains, err := m.store.Domains(name)
	if err != nil {
		m.log.Warn("unreadable certificate", logger.String("name", name), logger.Error(err))
		return nil
	}
	m.noteExpiry(name, notAfter)
	return &IssuedCert{Name: name, Domains: domains, NotAfter: notAfter}
}

// domainMatches reports whether a certificate domain covers hostname. A
// wildcard covers exactly one extra label.
func domainMatches(hostname, certDomain string) bool {
	if hostname == certDomain {
		return true
	}
	suffix, ok := strings.CutPrefix(certDomain, "*.")
	if !ok {
		return false
	}
	label, rest, found := strings.Cut(hostname, ".")
	return found && label != "" && rest == suffix
}

func (m *Manager) selfSignFallback(hostname string, keyType KeyType) {
	if m.store.CertExists(hostname + SelfSignedSuffix) {
		return
	}
	if _, err := m.store.SelfSign(hostname, keyType); err != nil {
		m.log.Error("self-sign fallback failed",
			logger.String("hostname", hostname), logger.Error(err))
		return
	}
	m.log.Warn("using self-signed fallback certificate", logger.String("hostname", hostname))
}

// EvictExpiring drops cache entries inside the renewal window so the next
// Issue re-orders them. It returns the evicted names.
func (m *Manager) EvictExpiring() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted []string
	for name, notAfter := range m.expiry {
		if time.Until(notAfter) < m.threshold {
			delete(m.expiry, name)
			evicted = append(evicted, name)
		}
	}
	if len(evicted) > 0 {
		sort.Strings(evicted)
		m.signal()
	}
	return evicted
}

// NextExpiry returns the earliest cached NotAfter, or the zero time when
// nothing is cached.
func (m *Manager) NextExpiry() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next time.Time
	for _, notAfter := range m.expiry {
		if next.IsZero() || notAfter.Before(next) {
			next = notAfter
		}
	}
	return next
}

func (m *Manager) noteExpiry(name string, notAfter time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.expiry[name]
	if ok && prev.Equal(notAfter) {
		return
	}
	m.expiry[name] = notAfter
	m.signal()
}

// signal is non-blocking: one pending wake-up is enough.
func (m *Manager) signal() {
	select {
	case m.expiryChanged <- struct{}{}:
	default:
	}
}

// KeyTypeFor picks the key algorithm for a hostname. RSA stays the default
// for broadest client compatibility; vhosts opt into EC via their extras.
func KeyTypeFor(extras map[string]interface{}) KeyType {
	if v, ok := extras["ssl_key_type"].(string); ok && strings.EqualFold(v, "ec") {
		return KeyEC256
	}
	return KeyRSA2048
}
