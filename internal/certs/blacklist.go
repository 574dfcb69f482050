package certs

import (
	"sync"
	"time"
)

// DefaultBlacklistDuration is how long a domain that failed issuance stays
// out of further ACME attempts, so retries do not flood the server.
const DefaultBlacklistDuration = 3 * time.Minute

// Blacklist is a time-bounded negative cache of domains. Entries past their
// expiry are treated as absent.
type Blacklist struct {
	mu       sync.Mutex
	duration time.Duration
	entries  map[string]time.Time
	now      func() time.Time
}

func NewBlacklist(duration time.Duration) *Blacklist {
	if duration <= 0 {
		duration = DefaultBlacklistDuration
	}
	return &Blacklist{
		duration: duration,
		entries:  map[string]time.Time{},
		now:      time.Now,
	}
}

// Add blacklists the domain for the default duration.
func (b *Blacklist) Add(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[domain] = b.now().Add(b.duration)
}

// Contains reports whether the domain is currently blacklisted.
func (b *Blacklist) Contains(domain string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clean()
	_, ok := b.entries[domain]
	return ok
}

// Partition splits domains into those allowed through and those currently
// blacklisted.
func (b *Blacklist) Partition(domains []string) (allowed, blocked []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clean()
	for _, d := range domains {
		if _, ok := b.entries[d]; ok {
			blocked = append(blocked, d)
		} else {
			allowed = append(allowed, d)
		}
	}
	return allowed, blocked
}

func (b *Blacklist) clean() {
	now := b.now()
	for domain, expiry := range b.entries {
		if !expiry.After(now) {
			delete(b.entries, domain)
		}
	}
}
