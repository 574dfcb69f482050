package model

import (
	"sort"
	"strconv"
	"strings"
)

// URL is the tolerant parse result of one virtual-host directive side,
// shaped like [scheme(+scheme)*://]host[:port][/path]. Any piece may be
// absent: an empty scheme set, empty hostname, zero port or empty path mean
// "unspecified" and callers supply their own defaults.
type URL struct {
	Schemes  map[string]bool
	Hostname string
	Port     int
	Path     string
}

// ParseURL splits a directive greedily by "://", then by "/", then by ":".
// It never fails; hostname validity is a separate, semantic concern
// (see ValidHostname). A non-numeric port is treated as unspecified.
func ParseURL(entry string) URL {
	u := URL{Schemes: map[string]bool{}}

	rest := strings.TrimSpace(entry)
	if scheme, after, found := strings.Cut(rest, "://"); found {
		for _, s := range strings.Split(scheme, "+") {
			if s != "" {
				u.Schemes[s] = true
			}
		}
		rest = after
	}

	hostport := rest
	if before, after, found := strings.Cut(rest, "/"); found {
		hostport = before
		u.Path = "/" + after
	}

	host := hostport
	if before, after, found := strings.Cut(hostport, ":"); found {
		host = before
		if p, err := strconv.Atoi(after); err == nil {
			u.Port = p
		}
	}
	u.Hostname = host
	return u
}

// String renders the canonical form, the inverse of ParseURL for fully
// specified urls.
func (u URL) String() string {
	var b strings.Builder
	if len(u.Schemes) > 0 {
		b.WriteString(strings.Join(u.SchemeList(), "+"))
		b.WriteString("://")
	}
	b.WriteString(u.Hostname)
	if u.Port != 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(u.Port))
	}
	b.WriteString(u.Path)
	return b.String()
}

// SchemeList returns the schemes in sorted order.
func (u URL) SchemeList() []string {
	list := make([]string, 0, len(u.Schemes))
	for s := range u.Schemes {
		list = append(list, s)
	}
	sort.Strings(list)
	return list
}

// HasScheme reports whether s is among the parsed schemes.
func (u URL) HasScheme(s string) bool { return u.Schemes[s] }

// PortOr returns the parsed port, or def when the directive omitted it.
func (u URL) PortOr(def int) int {
	if u.Port != 0 {
		return u.Port
	}
	return def
}

// PathOr returns the parsed path, or def when the directive omitted it.
func (u URL) PathOr(def string) string {
	if u.Path != "" {
		return u.Path
	}
	return def
}

// ValidHostname checks DNS hostname shape: labels of up to 63 chars from
// [A-Za-z0-9-] that do not start or end with '-', 253 chars total, and a TLD
// that is not all digits.
func ValidHostname(name string) bool {
	if name == "" || len(name) > 253 {
		return false
	}
	labels := strings.Split(name, ".")
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-') {
				return false
			}
		}
	}
	tld := labels[len(labels)-1]
	allDigits := true
	for i := 0; i < len(tld); i++ {
		if tld[i] < '0' || tld[i] > '9' {
			allDigits = false
			break
		}
	}
	return !allDigits
}
