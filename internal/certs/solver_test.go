package certs

import (
	"crypto/sha256"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestHTTPSolverPublishCleanup(t *testing.T) {
	dir := t.TempDir()
	s := &HTTPSolver{ChallengeDir: dir}

	if s.SupportsDomain("*.example.com") {
		t.Error("http-01 cannot validate wildcards")
	}
	if !s.SupportsDomain("www.example.com") {
		t.Error("http-01 should support plain domains")
	}

	if err := s.Publish("www.example.com", "tok-123", "tok-123.thumb"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "tok-123"))
	if err != nil {
		t.Fatalf("token file missing: %v", err)
	}
	if string(data) != "tok-123.thumb" {
		t.Errorf("token content = %q", data)
	}

	if err := s.Cleanup("www.example.com", "tok-123"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "tok-123")); !os.IsNotExist(err) {
		t.Error("token file not removed")
	}
}

func TestHTTPSolverSanitisesToken(t *testing.T) {
	dir := t.TempDir()
	s := &HTTPSolver{ChallengeDir: dir}
	if err := s.Publish("www.example.com", "../../etc/passwd", "x"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if name := entries[0].Name(); name == ".." || filepath.Base(name) != name {
		t.Errorf("unsanitised token file name %q", name)
	}
}

type fakeDNS struct {
	created map[string]string // recordID -> name
	deleted []string
	next    int
}

func (f *fakeDNS) CreateRecord(domain, name, value string) (string, error) {
	if f.created == nil {
		f.created = map[string]string{}
	}
	f.next++
	id := string(rune('a' + f.next))
	f.created[id] = name + "=" + value
	return id, nil
}

func (f *fakeDNS) DeleteRecord(domain, recordID string) error {
	f.deleted = append(f.deleted, recordID)
	return nil
}

func TestDNSSolverRecordContent(t *testing.T) {
	provider := &fakeDNS{}
	s := NewDNSSolver(provider)
	s.Propagation = 0 // no need to wait against a fake

	keyAuth := "tok.thumbprint"
	if err := s.Publish("*.example.com", "tok", keyAuth); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	digest := sha256.Sum256([]byte(keyAuth))
	wantValue := base64.RawURLEncoding.EncodeToString(digest[:])
	wantName := "_acme-challenge.example.com"

	if len(provider.created) != 1 {
		t.Fatalf("records created = %d, want 1", len(provider.created))
	}
	for _, rec := range provider.created {
		if rec != wantName+"="+wantValue {
			t.Errorf("record = %q, want %q", rec, wantName+"="+wantValue)
		}
	}

	if err := s.Cleanup("*.example.com", "tok"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(provider.deleted) != 1 {
		t.Errorf("deleted = %v, want one record", provider.deleted)
	}
}
