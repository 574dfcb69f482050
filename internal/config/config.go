package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SwarmMode controls how swarm services and their task containers are
// discovered alongside plain containers.
type SwarmMode string

const (
	SwarmIgnore  SwarmMode = "ignore"  // containers only
	SwarmExclude SwarmMode = "exclude" // containers only, skip service task containers
	SwarmEnable  SwarmMode = "enable"  // containers and services
	SwarmStrict  SwarmMode = "strict"  // services only
)

type Config struct {
	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	AdminAddr       string        // ex: ":8420", empty = admin API disabled
	ShutdownTimeout time.Duration // ex: 5s

	ThrottleInterval time.Duration // min delay between two proxy rebuilds

	DockerSwarm     SwarmMode // discovery behaviour for swarm services
	SwarmDockerHost string    // separate runtime socket for swarm management, optional
	DefaultNetwork  string    // network to assume when self-identification fails

	SSLDir            string // ssl state root: account/, private/, certs/
	ConfDir           string // nginx configuration directory
	ChallengeDir      string // directory served for http-01 tokens
	WellKnownPath     string // URL path nginx serves the challenge dir under
	BasicAuthDir      string // generated htpasswd files
	ClientMaxBodySize string // passed verbatim into the nginx base config
	WorkerProcesses   string // NGINX_WORKER_PROCESSES, number or "auto"
	WorkerConnections int    // NGINX_WORKER_CONNECTIONS
	EnableIPv6        bool
	DefaultServer     bool // render a catch-all 503 server block

	StaticHostsFile string // optional yaml file of literal vhost routes

	AcmeAPI                string // ACME directory URL
	CertRenewThresholdDays int    // days before expiry at which renewal is attempted
	CloudflareAPIToken     string // dns-01 provider credentials, optional
	CloudflareAccountID    string
}

func Load() *Config {
	cfg := &Config{
		LogLevel:  getenv("HOSTWATCH_LOG_LEVEL", "info"),
		PrettyLog: mustBool("HOSTWATCH_PRETTY_LOG", false),

		AdminAddr:       getenv("HOSTWATCH_ADMIN_ADDR", ""),
		ShutdownTimeout: mustDuration("HOSTWATCH_SHUTDOWN_TIMEOUT", 5*time.Second),

		ThrottleInterval: mustDuration("HOSTWATCH_THROTTLE_INTERVAL", 5*time.Second),

		DockerSwarm:     SwarmMode(strings.ToLower(getenv("DOCKER_SWARM", "ignore"))),
		SwarmDockerHost: getenv("SWARM_DOCKER_HOST", ""),
		DefaultNetwork:  getenv("HOSTWATCH_DEFAULT_NETWORK", "frontend"),

		SSLDir:            stripEnd(getenv("SSL_DIR", "/etc/ssl")),
		ConfDir:           stripEnd(getenv("NGINX_CONF_DIR", "/etc/nginx")),
		ChallengeDir:      stripEnd(getenv("CHALLENGE_DIR", "/etc/nginx/challenges")) + "/",
		WellKnownPath:     wellKnown(getenv("WELLKNOWN_PATH", "/.well-known/acme-challenge/")),
		BasicAuthDir:      stripEnd(getenv("BASIC_AUTH_DIR", "/etc/nginx/basic_auth")),
		ClientMaxBodySize: getenv("CLIENT_MAX_BODY_SIZE", "1m"),
		WorkerProcesses:   getenv("NGINX_WORKER_PROCESSES", "auto"),
		WorkerConnections: getenvInt("NGINX_WORKER_CONNECTIONS", 65535),
		EnableIPv6:        mustBool("ENABLE_IPV6", false),
		DefaultServer:     mustBool("DEFAULT_HOST", true),

		StaticHostsFile: getenv("STATIC_HOSTS_FILE", ""),

		AcmeAPI:                getenv("LETSENCRYPT_API", "https://acme-v02.api.letsencrypt.org/directory"),
		CertRenewThresholdDays: getenvInt("CERT_RENEW_THRESHOLD_DAYS", 30),
		CloudflareAPIToken:     getenv("CLOUDFLARE_API_TOKEN", ""),
		CloudflareAccountID:    getenv("CLOUDFLARE_ACCOUNT_ID", ""),
	}

	switch cfg.DockerSwarm {
	case SwarmIgnore, SwarmExclude, SwarmEnable, SwarmStrict:
	default:
		panic(fmt.Sprintf("❌ FATAL: Invalid DOCKER_SWARM value %q (want ignore|exclude|enable|strict)", cfg.DockerSwarm))
	}

	return cfg
}

// ContainersEnabled reports whether plain containers are discovered.
func (c *Config) ContainersEnabled() bool { return c.DockerSwarm != SwarmStrict }

// ServicesEnabled reports whether swarm services are discovered.
func (c *Config) ServicesEnabled() bool {
	return c.DockerSwarm == SwarmEnable || c.DockerSwarm == SwarmStrict
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func stripEnd(s string) string {
	return strings.TrimSuffix(s, "/")
}

// wellKnown normalizes the challenge URL path so nginx's prefix match works:
// it must both start and end with a slash.
func wellKnown(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p = p + "/"
	}
	return p
}
