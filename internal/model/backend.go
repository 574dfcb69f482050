package model

import (
	"sort"
	"strings"
)

// BackendType distinguishes the two runtime object kinds a Backend can be
// snapshotted from. Consumers only branch on this for logging; the rest of
// the shape is identical.
type BackendType string

const (
	BackendContainer BackendType = "container"
	BackendService   BackendType = "service"
)

// Backend is an immutable snapshot of one reachable target: a container or a
// swarm service. The address/port/scheme/path fields describe how the proxy
// reaches it once a virtual-host directive has been resolved; the remaining
// fields carry the raw runtime facts the pre-processors work from.
type Backend struct {
	ID   string
	Name string
	Type BackendType

	Scheme  string // proxy side scheme towards the backend, default http
	Address string // resolved ip on the first shared network
	Port    int
	Path    string

	Env      map[string]string
	Labels   map[string]string
	Networks map[string]string // network id -> first IPv4 address
	Ports    []int             // exposed ports
}

// Clone returns a copy sharing no mutable state with the receiver.
func (b *Backend) Clone() *Backend {
	c := *b
	c.Env = copyStringMap(b.Env)
	c.Labels = copyStringMap(b.Labels)
	c.Networks = copyStringMap(b.Networks)
	c.Ports = append([]int(nil), b.Ports...)
	return &c
}

// NetworkIDs returns the attached network ids in sorted order.
func (b *Backend) NetworkIDs() []string {
	ids := make([]string, 0, len(b.Networks))
	for id := range b.Networks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsServiceTask reports whether a container backend is a task of a swarm
// service, recognisable by the label the swarm manager stamps on it.
func (b *Backend) IsServiceTask() bool {
	_, ok := b.Labels["com.docker.swarm.service.id"]
	return ok
}

// ParseEnvList converts a runtime "K=V" list into a map, dropping malformed
// entries.
func ParseEnvList(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = strings.TrimSpace(v)
		}
	}
	return m
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
