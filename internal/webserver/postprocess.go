package webserver

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/hostwatch/hostwatch/internal/certs"
	"github.com/hostwatch/hostwatch/internal/logger"
	"github.com/hostwatch/hostwatch/internal/model"
	"github.com/hostwatch/hostwatch/internal/nginx"
)

// Postprocessor runs on a deep copy of the live host list right before each
// render. It never touches the authoritative model: everything it writes
// lands on the clones' render-only fields.
type Postprocessor struct {
	certs   *certs.Manager
	authDir string
	log     logger.Logger
}

func NewPostprocessor(certManager *certs.Manager, authDir string, log logger.Logger) *Postprocessor {
	return &Postprocessor{certs: certManager, authDir: authDir, log: log}
}

// Run applies the four passes in order and returns the upstream groups
// minted for multi-backend locations.
func (pp *Postprocessor) Run(hosts []*model.Host) []nginx.Upstream {
	pp.flattenRedirects(hosts)
	pp.claimDefaultServer(hosts)
	upstreams := pp.mintUpstreams(hosts)
	pp.materialiseBasicAuth(hosts)
	pp.attachCertificates(hosts)
	return upstreams
}

// flattenRedirects transplants a redirecting host's extras onto its target
// and empties the source. A redirect to the host's own name is dropped,
// and a target that is itself a redirect is left alone, so the rendered
// config can never loop or cascade.
func (pp *Postprocessor) flattenRedirects(hosts []*model.Host) {
	byName := make(map[string]*model.Host, len(hosts))
	redirected := make(map[string]bool)
	for _, h := range hosts {
		if _, ok := byName[h.Hostname]; !ok {
			byName[h.Hostname] = h
		}
		if h.FullRedirect != nil {
			redirected[h.Hostname] = true
		}
	}
	for _, h := range hosts {
		if h.FullRedirect == nil {
			continue
		}
		if h.FullRedirect.Hostname == h.Hostname {
			h.FullRedirect = nil
			continue
		}
		target, ok := byName[h.FullRedirect.Hostname]
		if !ok || target == h || redirected[target.Hostname] {
			continue
		}
		target.Extras.Merge(h.Extras)
		h.Locations = map[string]*model.Location{}
		h.Extras = model.Extras{}
	}
}

// claimDefaultServer keeps the flag on the first claimant only.
func (pp *Postprocessor) claimDefaultServer(hosts []*model.Host) {
	claimed := false
	for _, h := range hosts {
		if h.Extras["default_server"] != true {
			continue
		}
		if claimed {
			pp.log.Warn("ignoring duplicate default-server claim",
				logger.String("hostname", h.Hostname))
			delete(h.Extras, "default_server")
			continue
		}
		claimed = true
	}
}

// mintUpstreams names a deterministic upstream group for every location
// with more than one backend. Groups are keyed by the sorted (address, port)
// list, so locations with the same backend set share one group even across
// hosts; the first claimant's hostname names it.
func (pp *Postprocessor) mintUpstreams(hosts []*model.Host) []nginx.Upstream {
	minted := map[string]string{}
	var upstreams []nginx.Upstream
	for _, h := range hosts {
		for _, loc := range h.LocationList() {
			backends := loc.BackendList()
			if len(backends) < 2 {
				continue
			}
			servers := make([]string, len(backends))
			for i, b := range backends {
				servers[i] = fmt.Sprintf("%s:%d", b.Address, b.Port)
			}
			key := strings.Join(servers, ",")
			if name, ok := minted[key]; ok {
				loc.Upstream = name
				continue
			}
			sum := sha1.Sum([]byte(key))
			name := h.Hostname + "_" + hex.EncodeToString(sum[:])[:12]
			minted[key] = name
			loc.Upstream = name
			upstreams = append(upstreams, nginx.Upstream{
				Name:    name,
				Sticky:  stickyDirective(backends),
				Servers: servers,
			})
		}
	}
	sort.Slice(upstreams, func(i, j int) bool { return upstreams[i].Name < upstreams[j].Name })
	return upstreams
}

// stickyDirective maps NGINX_STICKY_SESSION on any group member to the
// directive emitted in the upstream block.
func stickyDirective(backends []*model.Backend) string {
	for _, b := range backends {
		switch v := b.Env[envStickySession]; v {
		case "", "false":
		case "true":
			return "ip_hash"
		default:
			return v
		}
	}
	return ""
}

// materialiseBasicAuth writes one htpasswd file per secured host or
// location and records its path on the clone.
func (pp *Postprocessor) materialiseBasicAuth(hosts []*model.Host) {
	for _, h := range hosts {
		if creds := h.Extras.Security(); len(creds) > 0 {
			if path, err := pp.writeHtpasswd(h.Hostname, creds); err != nil {
				pp.log.Error("htpasswd write failed",
					logger.String("hostname", h.Hostname), logger.Error(err))
			} else {
				h.SecurityFile = path
			}
		}
		for _, loc := range h.LocationList() {
			creds := loc.Extras.Security()
			if len(creds) == 0 {
				continue
			}
			name := h.Hostname + sanitisePath(loc.Path)
			if path, err := pp.writeHtpasswd(name, creds); err != nil {
				pp.log.Error("htpasswd write failed",
					logger.String("hostname", h.Hostname),
					logger.String("path", loc.Path), logger.Error(err))
			} else {
				loc.SecurityFile = path
			}
		}
	}
}

func (pp *Postprocessor) writeHtpasswd(name string, creds map[string]string) (string, error) {
	if err := os.MkdirAll(pp.authDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create auth directory: %w", err)
	}
	users := make([]string, 0, len(creds))
	for u := range creds {
		users = append(users, u)
	}
	sort.Strings(users)

	var sb strings.Builder
	for _, user := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(creds[user]), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("failed to hash password for %s: %w", user, err)
		}
		// x/crypto/bcrypt emits $2a$; nginx's crypt only understands $2y$
		line := strings.Replace(string(hash), "$2a$", "$2y$", 1)
		sb.WriteString(user + ":" + line + "\n")
	}
	path := filepath.Join(pp.authDir, name+".htpasswd")
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

func sanitisePath(p string) string {
	replaced := strings.NewReplacer("/", "_", "..", "_").Replace(p)
	if replaced == "_" {
		return ""
	}
	return replaced
}

// attachCertificates resolves a certificate for every secured host: exact
// match, wildcard parent, fresh issuance, then the self-signed fallback.
func (pp *Postprocessor) attachCertificates(hosts []*model.Host) {
	if pp.certs == nil {
		return
	}
	byKeyType := map[certs.KeyType][]string{}
	seen := map[string]bool{}
	for _, h := range hosts {
		if !h.Secured || seen[h.Hostname] {
			continue
		}
		seen[h.Hostname] = true
		kt := certs.KeyTypeFor(h.Extras)
		byKeyType[kt] = append(byKeyType[kt], h.Hostname)
	}
	for kt, domains := range byKeyType {
		sort.Strings(domains)
		pp.certs.Issue(domains, kt)
	}
	for _, h := range hosts {
		if !h.Secured {
			continue
		}
		h.SSLFile = pp.certs.ResolveOrSelfSigned(h.Hostname, certs.KeyTypeFor(h.Extras))
		h.SSLRedirect = h.SSLFile != "" && !h.Schemes["http"] && !h.Schemes["ws"]
	}
}
