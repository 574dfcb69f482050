package model

import "sort"

// HostKey identifies one external server.
type HostKey struct {
	Hostname string
	Port     int
}

// ProxyConfigData is the authoritative routing graph: hostname -> port ->
// Host -> Location -> Backend, plus the index of every backend id referenced
// anywhere in it. The discovery controller is its single writer; everyone
// else sees deep copies.
type ProxyConfigData struct {
	hosts    map[string]map[int]*Host
	backends map[string]bool
}

func NewProxyConfigData() *ProxyConfigData {
	return &ProxyConfigData{
		hosts:    map[string]map[int]*Host{},
		backends: map[string]bool{},
	}
}

// GetHost returns the host for (hostname, port), or nil.
func (d *ProxyConfigData) GetHost(hostname string, port int) *Host {
	if portMap, ok := d.hosts[hostname]; ok {
		return portMap[port]
	}
	return nil
}

// FindHost returns any host with the given hostname, preferring port 80 then
// 443 then the lowest port. Redirect flattening targets are looked up this
// way because the redirect directive usually names a bare hostname.
func (d *ProxyConfigData) FindHost(hostname string) *Host {
	portMap, ok := d.hosts[hostname]
	if !ok {
		return nil
	}
	if h, ok := portMap[80]; ok {
		return h
	}
	if h, ok := portMap[443]; ok {
		return h
	}
	ports := make([]int, 0, len(portMap))
	for p := range portMap {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	if len(ports) == 0 {
		return nil
	}
	return portMap[ports[0]]
}

// AddHost inserts h, or merges it into the existing host for the same
// (hostname, port): locations union their backends, extras merge, secured is
// sticky.
func (d *ProxyConfigData) AddHost(h *Host) {
	portMap, ok := d.hosts[h.Hostname]
	if !ok {
		portMap = map[int]*Host{}
		d.hosts[h.Hostname] = portMap
	}
	if existing, ok := portMap[h.Port]; ok {
		existing.UpdateWith(h)
		if h.FullRedirect != nil {
			existing.FullRedirect = h.FullRedirect
		}
	} else {
		portMap[h.Port] = h
	}
	for _, loc := range h.Locations {
		for id := range loc.Backends {
			d.backends[id] = true
		}
	}
}

// Merge folds every host of other into d.
func (d *ProxyConfigData) Merge(other *ProxyConfigData) {
	for _, h := range other.Hosts() {
		d.AddHost(h)
	}
}

// HasBackend reports whether the backend id is referenced by any location.
func (d *ProxyConfigData) HasBackend(id string) bool { return d.backends[id] }

// RemoveBackend walks every host and drops the backend. Hosts left with no
// locations are removed, unless they are redirects themselves or the target
// of a standing redirect. The keys of removed hosts are returned so the
// caller can log them.
func (d *ProxyConfigData) RemoveBackend(id string) (bool, []HostKey) {
	if !d.backends[id] {
		return false, nil
	}
	delete(d.backends, id)

	removed := false
	var emptied []*Host
	for _, h := range d.Hosts() {
		if h.RemoveBackend(id) {
			removed = true
			if h.IsEmpty() && !h.IsRedirect() {
				emptied = append(emptied, h)
			}
		}
	}

	var removedKeys []HostKey
	for _, h := range emptied {
		if d.isRedirectTarget(h.Hostname) {
			continue
		}
		h.Extras = Extras{}
		delete(d.hosts[h.Hostname], h.Port)
		if len(d.hosts[h.Hostname]) == 0 {
			delete(d.hosts, h.Hostname)
		}
		removedKeys = append(removedKeys, HostKey{h.Hostname, h.Port})
	}
	return removed, removedKeys
}

func (d *ProxyConfigData) isRedirectTarget(hostname string) bool {
	for _, h := range d.Hosts() {
		if h.FullRedirect != nil && h.FullRedirect.Hostname == hostname {
			return true
		}
	}
	return false
}

// Hosts returns every host ordered by hostname then port, so that two renders
// of the same model produce identical output.
func (d *ProxyConfigData) Hosts() []*Host {
	names := make([]string, 0, len(d.hosts))
	for name := range d.hosts {
		names = append(names, name)
	}
	sort.Strings(names)

	var list []*Host
	for _, name := range names {
		portMap := d.hosts[name]
		ports := make([]int, 0, len(portMap))
		for p := range portMap {
			ports = append(ports, p)
		}
		sort.Ints(ports)
		for _, p := range ports {
			list = append(list, portMap[p])
		}
	}
	return list
}

// Len returns the number of hosts.
func (d *ProxyConfigData) Len() int {
	n := 0
	for _, portMap := range d.hosts {
		n += len(portMap)
	}
	return n
}

// BackendIDs returns the referenced backend ids in sorted order.
func (d *ProxyConfigData) BackendIDs() []string {
	ids := make([]string, 0, len(d.backends))
	for id := range d.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloneHosts deep-copies the host list for a render pass, so post-processors
// never mutate the authoritative graph.
func (d *ProxyConfigData) CloneHosts() []*Host {
	hosts := d.Hosts()
	clones := make([]*Host, len(hosts))
	for i, h := range hosts {
		clones[i] = h.Clone()
	}
	return clones
}
