package model

import "sort"

// Location is one path prefix on a Host bound to the set of backends that
// serve it. Websocket and HTTP record which capabilities the claiming
// directives declared; both may be true when an http and a ws directive meet
// on the same path.
type Location struct {
	Path      string
	Backends  map[string]*Backend // keyed by backend id
	Websocket bool
	HTTP      bool
	Extras    Extras

	// Render-only fields, populated by the post-processors on the deep copy
	// handed to the template. The authoritative model never carries them.
	Upstream     string // upstream group id, empty for direct proxy_pass
	SecurityFile string
}

func NewLocation(path string) *Location {
	return &Location{
		Path:     path,
		Backends: map[string]*Backend{},
		Extras:   Extras{},
	}
}

// Add registers a backend and unions the capability flags.
func (l *Location) Add(b *Backend, websocket, http bool) {
	l.Backends[b.ID] = b
	l.Websocket = l.Websocket || websocket
	l.HTTP = l.HTTP || http
}

// Remove drops the backend with the given id, reporting whether it was held.
func (l *Location) Remove(id string) bool {
	if _, ok := l.Backends[id]; ok {
		delete(l.Backends, id)
		return true
	}
	return false
}

func (l *Location) IsEmpty() bool { return len(l.Backends) == 0 }

// BackendList returns the backends ordered by address and port so the render
// output is deterministic.
func (l *Location) BackendList() []*Backend {
	list := make([]*Backend, 0, len(l.Backends))
	for _, b := range l.Backends {
		list = append(list, b)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Address != list[j].Address {
			return list[i].Address < list[j].Address
		}
		if list[i].Port != list[j].Port {
			return list[i].Port < list[j].Port
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// Clone deep-copies the location; backends are cloned too so post-processors
// can annotate them without touching the live model.
func (l *Location) Clone() *Location {
	c := &Location{
		Path:      l.Path,
		Backends:  make(map[string]*Backend, len(l.Backends)),
		Websocket: l.Websocket,
		HTTP:      l.HTTP,
		Extras:    l.Extras.Clone(),
	}
	for id, b := range l.Backends {
		c.Backends[id] = b.Clone()
	}
	return c
}

// Host is one external server: the (hostname, port) pair the proxy answers
// for, its locations, and the attributes that shape the rendered server
// block.
type Host struct {
	Hostname string
	Port     int
	Schemes  map[string]bool
	Secured  bool
	Locations map[string]*Location // keyed by path
	Extras    Extras

	// FullRedirect, when set, turns this host into a 301 to the target url;
	// a redirect host carries no locations.
	FullRedirect *URL

	// Render-only fields.
	SSLFile     string
	SSLRedirect bool
	SecurityFile string
}

func NewHost(hostname string, port int) *Host {
	return &Host{
		Hostname:  hostname,
		Port:      port,
		Schemes:   map[string]bool{},
		Locations: map[string]*Location{},
		Extras:    Extras{},
	}
}

// HostFromURL builds a host from a parsed directive, defaulting the port
// to 80 and the scheme to http.
func HostFromURL(u URL) *Host {
	h := NewHost(u.Hostname, u.PortOr(80))
	if len(u.Schemes) == 0 {
		h.Schemes["http"] = true
	} else {
		for s := range u.Schemes {
			h.Schemes[s] = true
		}
	}
	h.RefreshSecured()
	return h
}

// RefreshSecured recomputes the secured flag from the scheme set and port.
func (h *Host) RefreshSecured() {
	h.Secured = h.Schemes["https"] || h.Schemes["wss"] || h.Port == 443
}

// AddBackend attaches a backend to the location at path, creating the
// location on first use.
func (h *Host) AddBackend(path string, b *Backend, websocket, http bool) {
	loc, ok := h.Locations[path]
	if !ok {
		loc = NewLocation(path)
		h.Locations[path] = loc
	}
	loc.Add(b, websocket, http)
}

// RemoveBackend drops the backend from every location and prunes locations
// that became empty. It reports whether anything was removed.
func (h *Host) RemoveBackend(id string) bool {
	removed := false
	for path, loc := range h.Locations {
		if loc.Remove(id) {
			removed = true
		}
		if loc.IsEmpty() {
			delete(h.Locations, path)
		}
	}
	return removed
}

// IsEmpty reports whether no location holds a backend.
func (h *Host) IsEmpty() bool {
	for _, loc := range h.Locations {
		if !loc.IsEmpty() {
			return false
		}
	}
	return true
}

// IsRedirect reports whether this host only forwards to another one.
func (h *Host) IsRedirect() bool { return h.FullRedirect != nil }

// UpdateWith merges another host for the same (hostname, port): locations
// union their backends, extras merge, secured is sticky.
func (h *Host) UpdateWith(other *Host) {
	h.Secured = h.Secured || other.Secured
	for s := range other.Schemes {
		h.Schemes[s] = true
	}
	h.Extras.Merge(other.Extras)
	for path, loc := range other.Locations {
		for _, b := range loc.Backends {
			h.AddBackend(path, b, loc.Websocket, loc.HTTP)
		}
		h.Locations[path].Extras.Merge(loc.Extras)
	}
}

// LocationList returns locations sorted by path for deterministic rendering.
func (h *Host) LocationList() []*Location {
	list := make([]*Location, 0, len(h.Locations))
	for _, loc := range h.Locations {
		list = append(list, loc)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	return list
}

// Clone deep-copies the host.
func (h *Host) Clone() *Host {
	c := &Host{
		Hostname:     h.Hostname,
		Port:         h.Port,
		Schemes:      make(map[string]bool, len(h.Schemes)),
		Secured:      h.Secured,
		Locations:    make(map[string]*Location, len(h.Locations)),
		Extras:       h.Extras.Clone(),
		SSLFile:      h.SSLFile,
		SSLRedirect:  h.SSLRedirect,
		SecurityFile: h.SecurityFile,
	}
	for s := range h.Schemes {
		c.Schemes[s] = true
	}
	for path, loc := range h.Locations {
		c.Locations[path] = loc.Clone()
	}
	if h.FullRedirect != nil {
		r := *h.FullRedirect
		r.Schemes = make(map[string]bool, len(h.FullRedirect.Schemes))
		for s := range h.FullRedirect.Schemes {
			r.Schemes[s] = true
		}
		c.FullRedirect = &r
	}
	return c
}
