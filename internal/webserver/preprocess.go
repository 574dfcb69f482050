package webserver

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hostwatch/hostwatch/internal/logger"
	"github.com/hostwatch/hostwatch/internal/model"
)

const (
	envVirtualHost       = "VIRTUAL_HOST"
	envStaticVirtualHost = "STATIC_VIRTUAL_HOST"
	envVirtualPort       = "VIRTUAL_PORT"
	envLetsencryptHost   = "LETSENCRYPT_HOST"
	envDefaultServer     = "PROXY_DEFAULT_SERVER"
	envBasicAuth         = "PROXY_BASIC_AUTH"
	envFullRedirect      = "PROXY_FULL_REDIRECT"
	envStickySession     = "NGINX_STICKY_SESSION"
)

// UnreachableNetworkError marks a backend that shares no network with the
// controller; its directives cannot be routed to.
type UnreachableNetworkError struct {
	Networks []string
}

func (e *UnreachableNetworkError) Error() string {
	return fmt.Sprintf("no reachable network among %v", e.Networks)
}

// Preprocessor turns one backend's environment into a fresh routing model
// ready to be merged into the controller's. Malformed directives are logged
// and dropped; the rest of the backend is still processed.
type Preprocessor struct {
	log logger.Logger
}

func NewPreprocessor(log logger.Logger) *Preprocessor {
	return &Preprocessor{log: log}
}

// Process builds the model fragment for b. knownNetworks is the
// controller's reachable network ids in discovery order; the first one the
// backend is attached to supplies its address.
func (p *Preprocessor) Process(b *model.Backend, knownNetworks []string) (*model.ProxyConfigData, error) {
	data := model.NewProxyConfigData()

	var vhostKeys, staticKeys []string
	for k := range b.Env {
		switch {
		case strings.HasPrefix(k, envStaticVirtualHost):
			staticKeys = append(staticKeys, k)
		case strings.HasPrefix(k, envVirtualHost):
			vhostKeys = append(vhostKeys, k)
		}
	}
	sort.Strings(vhostKeys)
	sort.Strings(staticKeys)

	address := ""
	for _, id := range knownNetworks {
		if ip, ok := b.Networks[id]; ok {
			address = ip
			break
		}
	}
	if address == "" && len(vhostKeys) > 0 {
		return nil, &UnreachableNetworkError{Networks: b.NetworkIDs()}
	}

	// the letsencrypt upgrade only applies to an unambiguous single vhost
	letsencrypt := b.Env[envLetsencryptHost] != "" && len(vhostKeys) == 1

	for _, k := range vhostKeys {
		p.addDirective(data, b, k, address, false, letsencrypt)
	}
	for _, k := range staticKeys {
		p.addDirective(data, b, k, address, true, false)
	}

	p.applyDefaultServer(data, b)
	p.applyBasicAuth(data, b)
	p.applyFullRedirect(data, b)
	return data, nil
}

func (p *Preprocessor) addDirective(data *model.ProxyConfigData, b *model.Backend, key string, address string, static, letsencrypt bool) {
	raw := b.Env[key]
	head, extras := splitExtras(raw)
	extSide, intSide, hasInternal := cutArrow(head)

	ext := model.ParseURL(extSide)
	if !model.ValidHostname(ext.Hostname) {
		p.dropDirective(b, key, raw, "invalid hostname")
		return
	}
	if static && !hasInternal {
		p.dropDirective(b, key, raw, "static virtual host needs an explicit '->' target")
		return
	}
	var internal model.URL
	if hasInternal {
		internal = model.ParseURL(intSide)
	}

	host := model.HostFromURL(ext)
	if letsencrypt {
		websocket := host.Schemes["ws"] || host.Schemes["wss"]
		host.Schemes = map[string]bool{"https": true}
		if websocket {
			host.Schemes["wss"] = true
		}
	}
	host.RefreshSecured()

	target := b.Clone()
	target.Scheme = "http"
	if internal.Schemes["https"] || internal.Schemes["wss"] {
		target.Scheme = "https"
	}
	if static {
		target.Address = internal.Hostname
	} else {
		target.Address = address
	}
	target.Port = p.resolvePort(internal, host, b)
	target.Path = internal.PathOr("")

	path := ext.PathOr("/")
	// keep the engine's prefix match aligned with the rewritten target
	if !strings.HasSuffix(path, "/") && strings.HasSuffix(target.Path, "/") {
		path += "/"
	}

	websocket := host.Schemes["ws"] || host.Schemes["wss"]
	plain := host.Schemes["http"] || host.Schemes["https"] || !websocket
	host.AddBackend(path, target, websocket, plain)
	if len(extras) > 0 {
		host.Locations[path].Extras.Set("injected", extras)
	}
	data.AddHost(host)
}

// resolvePort picks the backend-side port: explicit directive port, then
// VIRTUAL_PORT, then the single exposed port, then the scheme default.
func (p *Preprocessor) resolvePort(internal model.URL, host *model.Host, b *model.Backend) int {
	if internal.Port != 0 {
		return internal.Port
	}
	if v := b.Env[envVirtualPort]; v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			return port
		}
		p.log.Warn("ignoring malformed VIRTUAL_PORT",
			logger.String("backend", b.ID), logger.String("value", v))
	}
	if len(b.Ports) == 1 {
		return b.Ports[0]
	}
	if host.Schemes["https"] || host.Schemes["wss"] {
		return 443
	}
	return 80
}

func (p *Preprocessor) applyDefaultServer(data *model.ProxyConfigData, b *model.Backend) {
	value, ok := b.Env[envDefaultServer]
	if !ok {
		return
	}
	var host *model.Host
	if model.ValidHostname(value) {
		host = data.FindHost(value)
	} else if data.Len() == 1 {
		host = data.Hosts()[0]
	}
	if host == nil {
		p.dropDirective(b, envDefaultServer, value, "names no known host")
		return
	}
	host.Extras.Set("default_server", true)
}

func (p *Preprocessor) applyBasicAuth(data *model.ProxyConfigData, b *model.Backend) {
	for _, key := range prefixedKeys(b.Env, envBasicAuth) {
		raw := b.Env[key]
		scope, credsPart, scoped := cutArrow(raw)
		if !scoped {
			credsPart = raw
		}
		creds := parseCredentials(credsPart)
		if len(creds) == 0 {
			p.dropDirective(b, key, raw, "no user:pass pairs")
			continue
		}
		if !scoped {
			for _, host := range data.Hosts() {
				host.Extras.Set("security", creds)
			}
			continue
		}
		u := model.ParseURL(scope)
		host := data.FindHost(u.Hostname)
		if host == nil {
			p.dropDirective(b, key, raw, "scope names no known host")
			continue
		}
		if path := u.PathOr("/"); path != "/" {
			loc, ok := host.Locations[path]
			if !ok {
				p.dropDirective(b, key, raw, "scope names no known location")
				continue
			}
			loc.Extras.Set("security", creds)
			continue
		}
		host.Extras.Set("security", creds)
	}
}

func (p *Preprocessor) applyFullRedirect(data *model.ProxyConfigData, b *model.Backend) {
	for _, key := range prefixedKeys(b.Env, envFullRedirect) {
		raw := b.Env[key]
		sources, destRaw, ok := cutArrow(raw)
		if !ok {
			p.dropDirective(b, key, raw, "redirect needs a '->' destination")
			continue
		}
		dest := model.ParseURL(destRaw)
		if !model.ValidHostname(dest.Hostname) {
			p.dropDirective(b, key, raw, "invalid destination hostname")
			continue
		}
		for _, src := range strings.Split(sources, ",") {
			u := model.ParseURL(strings.TrimSpace(src))
			if !model.ValidHostname(u.Hostname) {
				p.dropDirective(b, key, raw, "invalid source hostname")
				continue
			}
			host := model.HostFromURL(u)
			target := dest
			host.FullRedirect = &target
			host.RefreshSecured()
			data.AddHost(host)
		}
	}
}

func (p *Preprocessor) dropDirective(b *model.Backend, key, raw, reason string) {
	p.log.Warn("dropping malformed directive",
		logger.String("backend", b.ID),
		logger.String("env", key),
		logger.String("value", raw),
		logger.String("reason", reason))
}

// splitExtras separates the directive head from the trailing `; k v; k v`
// extras, returning the verbatim extra lines.
func splitExtras(raw string) (string, []string) {
	parts := strings.Split(raw, ";")
	head := strings.TrimSpace(parts[0])
	var extras []string
	for _, p := range parts[1:] {
		if p = strings.TrimSpace(p); p != "" {
			extras = append(extras, p)
		}
	}
	return head, extras
}

// cutArrow splits `A -> B`, trimming both sides.
func cutArrow(s string) (string, string, bool) {
	left, right, found := strings.Cut(s, "->")
	return strings.TrimSpace(left), strings.TrimSpace(right), found
}

// parseCredentials parses `user:pass[,user:pass]*`.
func parseCredentials(s string) map[string]string {
	creds := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		user, pass, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || user == "" || pass == "" {
			continue
		}
		creds[user] = pass
	}
	return creds
}

func prefixedKeys(env map[string]string, prefix string) []string {
	var keys []string
	for k := range env {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
