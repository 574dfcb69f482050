package nginx

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/hostwatch/hostwatch/internal/model"
)

// Upstream is one minted load-balancing group. Sticky holds the directive
// line to emit inside the block, "" for none.
type Upstream struct {
	Name    string
	Sticky  string
	Servers []string
}

// Settings are the engine-level knobs that shape the rendered files.
type Settings struct {
	WorkerProcesses   string
	WorkerConnections int
	ClientMaxBodySize string
	EnableIPv6        bool
	DefaultServer     bool
	SSLDir            string
	ChallengeDir      string
	WellKnownPath     string
}

// RenderData is the post-processed snapshot handed to the template: hosts
// deep-copied from the live model with their render-only fields filled in,
// plus the upstream groups minted for multi-backend locations.
type RenderData struct {
	Hosts     []*model.Host
	Upstreams []Upstream
	Settings  Settings
}

const baseTemplate = `daemon off;
worker_processes {{ .WorkerProcesses }};

events {
    worker_connections {{ .WorkerConnections }};
}

http {
    include /etc/nginx/mime.types;
    default_type application/octet-stream;

    sendfile on;
    server_tokens off;
    client_max_body_size {{ .ClientMaxBodySize }};

    map $http_upgrade $connection_upgrade {
        default upgrade;
        '' close;
    }

    include {{ .ConfDir }}/*.conf;
}
`

const hostsTemplate = `# generated by hostwatch, do not edit
{{ range .Upstreams }}
upstream {{ .Name }} {
{{- if .Sticky }}
    {{ .Sticky }};
{{- end }}
{{- range .Servers }}
    server {{ . }};
{{- end }}
}
{{ end }}
{{- if .Settings.DefaultServer }}
server {
    listen 80 default_server;
{{- if .Settings.EnableIPv6 }}
    listen [::]:80 default_server;
{{- end }}
    server_name _;

    location {{ .Settings.WellKnownPath }} {
        alias {{ .Settings.ChallengeDir }}/;
    }

    location / {
        return 503;
    }
}
{{ end }}
{{- range .Hosts }}
{{- if .FullRedirect }}
server {
    listen {{ .Port }};
{{- if $.Settings.EnableIPv6 }}
    listen [::]:{{ .Port }};
{{- end }}
    server_name {{ .Hostname }};

    location {{ $.Settings.WellKnownPath }} {
        alias {{ $.Settings.ChallengeDir }}/;
    }

    location / {
        return 301 {{ redirectTarget . }}$request_uri;
    }
}
{{- else }}
{{- if or (not .Secured) (ne .Port 443) }}
server {
    listen {{ .Port }}{{ if isDefault . }} default_server{{ end }};
{{- if $.Settings.EnableIPv6 }}
    listen [::]:{{ .Port }}{{ if isDefault . }} default_server{{ end }};
{{- end }}
    server_name {{ .Hostname }};

    location {{ $.Settings.WellKnownPath }} {
        alias {{ $.Settings.ChallengeDir }}/;
    }
{{- if .SSLRedirect }}

    location / {
        return 301 https://$host$request_uri;
    }
{{- else }}
{{- template "locations" dict "Host" . }}
{{- end }}
}
{{- end }}
{{- if and .Secured .SSLFile }}

server {
    listen 443 ssl;
{{- if $.Settings.EnableIPv6 }}
    listen [::]:443 ssl;
{{- end }}
    http2 on;
    server_name {{ .Hostname }};

    ssl_certificate {{ certPath .SSLFile }};
    ssl_certificate_key {{ keyPath .SSLFile }};
{{- template "locations" dict "Host" . }}
}
{{- end }}
{{- end }}
{{ end }}
{{- define "locations" }}
{{- $h := .Host }}
{{- range $h.LocationList }}

    location {{ .Path }} {
{{- $sec := securityFile $h . }}
{{- if $sec }}
        auth_basic "Restricted";
        auth_basic_user_file {{ $sec }};
{{- end }}
{{- range .Extras.Injected }}
        {{ . }};
{{- end }}
{{- if .Websocket }}
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection $connection_upgrade;
{{- end }}
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_pass {{ proxyPass . }};
    }
{{- end }}
{{- end }}
`

// Renderer turns a post-processed snapshot into the two nginx files.
type Renderer struct {
	base  *template.Template
	hosts *template.Template
	conf  Settings
}

func NewRenderer(settings Settings) (*Renderer, error) {
	r := &Renderer{conf: settings}
	funcs := template.FuncMap{
		"certPath": func(name string) string {
			return filepath.Join(settings.SSLDir, "certs", name+".crt")
		},
		"keyPath": func(name string) string {
			return filepath.Join(settings.SSLDir, "private", name+".key")
		},
		"securityFile":   securityFile,
		"proxyPass":      proxyPass,
		"redirectTarget": redirectTarget,
		"isDefault":      isDefaultServer,
		"dict":           templateDict,
	}
	base, err := template.New("base").Parse(baseTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base template: %w", err)
	}
	hosts, err := template.New("hosts").Funcs(funcs).Parse(hostsTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse hosts template: %w", err)
	}
	r.base, r.hosts = base, hosts
	return r, nil
}

// RenderBase produces the top-level nginx.conf. confDir is where the vhost
// file will live.
func (r *Renderer) RenderBase(confDir string) (string, error) {
	var sb strings.Builder
	data := struct {
		Settings
		ConfDir string
	}{r.conf, confDir}
	if err := r.base.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render base config: %w", err)
	}
	return sb.String(), nil
}

// Render produces the vhost config. The input must already be sorted and
// post-processed; rendering the same snapshot twice yields identical text.
func (r *Renderer) Render(data RenderData) (string, error) {
	data.Settings = r.conf
	for _, h := range data.Hosts {
		// a claimed default_server displaces the catch-all 503 server
		if isDefaultServer(h) {
			data.Settings.DefaultServer = false
			break
		}
	}
	sort.Slice(data.Upstreams, func(i, j int) bool {
		return data.Upstreams[i].Name < data.Upstreams[j].Name
	})
	var sb strings.Builder
	if err := r.hosts.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render hosts config: %w", err)
	}
	return sb.String(), nil
}

// proxyPass resolves a location to its target: the minted upstream group
// when one exists, else the single backend directly.
func proxyPass(l *model.Location) string {
	backends := l.BackendList()
	scheme := "http"
	path := ""
	if len(backends) > 0 {
		if backends[0].Scheme != "" {
			scheme = backends[0].Scheme
		}
		path = backends[0].Path
	}
	if l.Upstream != "" {
		return scheme + "://" + l.Upstream + path
	}
	if len(backends) == 0 {
		return scheme + "://127.0.0.1:65535" // no live backend, force a refusal
	}
	b := backends[0]
	return fmt.Sprintf("%s://%s:%d%s", scheme, b.Address, b.Port, path)
}

// redirectTarget renders the 301 destination for a full-redirect host.
func redirectTarget(h *model.Host) string {
	u := h.FullRedirect
	scheme := "http"
	if u.Schemes["https"] || u.Schemes["wss"] {
		scheme = "https"
	}
	target := scheme + "://" + u.Hostname
	if p := u.PortOr(0); p != 0 && p != 80 && p != 443 {
		target = fmt.Sprintf("%s:%d", target, p)
	}
	return target + u.Path
}

func isDefaultServer(h *model.Host) bool {
	return h.Extras["default_server"] == true
}

// securityFile prefers the location's own password file over the host's.
func securityFile(h *model.Host, l *model.Location) string {
	if l.SecurityFile != "" {
		return l.SecurityFile
	}
	return h.SecurityFile
}

func templateDict(pairs ...interface{}) map[string]interface{} {
	d := make(map[string]interface{}, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		d[pairs[i].(string)] = pairs[i+1]
	}
	return d
}
