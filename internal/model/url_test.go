package model

import (
	"reflect"
	"testing"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		schemes  []string
		hostname string
		port     int
		path     string
	}{
		{"bare host", "example.com", []string{}, "example.com", 0, ""},
		{"host and port", "example.com:8080", []string{}, "example.com", 8080, ""},
		{"host and path", "example.com/api", []string{}, "example.com", 0, "/api"},
		{"full", "https://example.com:8443/api/v1", []string{"https"}, "example.com", 8443, "/api/v1"},
		{"joined schemes", "http+ws://chat.example.com", []string{"http", "ws"}, "chat.example.com", 0, ""},
		{"scheme only", "https://", []string{"https"}, "", 0, ""},
		{"port only", ":8080", []string{}, "", 8080, ""},
		{"path only", "/metrics", []string{}, "", 0, "/metrics"},
		{"non numeric port", "example.com:http", []string{}, "example.com", 0, ""},
		{"surrounding space", "  example.com  ", []string{}, "example.com", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := ParseURL(tt.in)
			if got := u.SchemeList(); !reflect.DeepEqual(got, tt.schemes) && !(len(got) == 0 && len(tt.schemes) == 0) {
				t.Errorf("schemes = %v, want %v", got, tt.schemes)
			}
			if u.Hostname != tt.hostname {
				t.Errorf("hostname = %q, want %q", u.Hostname, tt.hostname)
			}
			if u.Port != tt.port {
				t.Errorf("port = %d, want %d", u.Port, tt.port)
			}
			if u.Path != tt.path {
				t.Errorf("path = %q, want %q", u.Path, tt.path)
			}
		})
	}
}

func TestURLRoundTrip(t *testing.T) {
	// parse(render(u)) must equal u for canonical urls
	canonical := []string{
		"http://example.com:80/",
		"https://ssl.example.com:443/app",
		"http+ws://chat.example.com:8080/socket",
		"example.com:9000/api",
	}
	for _, s := range canonical {
		u := ParseURL(s)
		again := ParseURL(u.String())
		if !reflect.DeepEqual(u, again) {
			t.Errorf("round trip of %q: %#v != %#v", s, u, again)
		}
	}
}

func TestValidHostname(t *testing.T) {
	valid := []string{"example.com", "a.b.c.example.com", "x1-y2.example.io", "localhost"}
	for _, h := range valid {
		if !ValidHostname(h) {
			t.Errorf("%q should be valid", h)
		}
	}

	invalid := []string{
		"",
		"-leading.example.com",
		"trailing-.example.com",
		"under_score.example.com",
		"example..com",
		"123.456", // all-digit TLD
		string(make([]byte, 254)),
	}
	for _, h := range invalid {
		if ValidHostname(h) {
			t.Errorf("%q should be invalid", h)
		}
	}
}
