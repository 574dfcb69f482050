package webserver

import (
	"os"
	"path/filepath"
	"testing"
)

func writeStaticFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadStaticBackends(t *testing.T) {
	path := writeStaticFile(t, `
hosts:
  - virtual_host: "https://nas.example.com -> http://10.0.0.5:8080"
    basic_auth: "admin:secret"
  - virtual_host: "files.example.com -> http://10.0.0.6:9000"
    full_redirect: "dl.example.com -> files.example.com"
`)
	backends, err := LoadStaticBackends(path)
	if err != nil {
		t.Fatalf("LoadStaticBackends: %v", err)
	}
	if len(backends) != 2 {
		t.Fatalf("backends = %d, want 2", len(backends))
	}
	if backends[0].Env[envStaticVirtualHost] != "https://nas.example.com -> http://10.0.0.5:8080" {
		t.Errorf("env = %v", backends[0].Env)
	}
	if backends[0].Env[envBasicAuth] != "admin:secret" {
		t.Error("basic_auth not mapped")
	}
	if backends[1].Env[envFullRedirect] == "" {
		t.Error("full_redirect not mapped")
	}
	if backends[0].ID == backends[1].ID {
		t.Error("pseudo-backend ids must be distinct")
	}
}

func TestLoadStaticBackendsMissingFile(t *testing.T) {
	backends, err := LoadStaticBackends(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error, got %v", err)
	}
	if backends != nil {
		t.Errorf("backends = %v, want nil", backends)
	}
}

func TestLoadStaticBackendsRejectsEmptyEntry(t *testing.T) {
	path := writeStaticFile(t, "hosts:\n  - basic_auth: \"a:b\"\n")
	if _, err := LoadStaticBackends(path); err == nil {
		t.Error("entry without virtual_host or full_redirect should be rejected")
	}
}

func TestStaticBackendsFlowThroughPreprocessor(t *testing.T) {
	path := writeStaticFile(t, `
hosts:
  - virtual_host: "nas.example.com -> http://10.0.0.5:8080"
`)
	backends, err := LoadStaticBackends(path)
	if err != nil {
		t.Fatalf("LoadStaticBackends: %v", err)
	}
	data, err := testPre().Process(backends[0], nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if data.GetHost("nas.example.com", 80) == nil {
		t.Error("static entry did not produce a host")
	}
}
