package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.DockerSwarm != SwarmIgnore {
		t.Errorf("expected default swarm mode %q, got %q", SwarmIgnore, cfg.DockerSwarm)
	}
	if cfg.CertRenewThresholdDays != 30 {
		t.Errorf("expected default renew threshold 30, got %d", cfg.CertRenewThresholdDays)
	}
	if cfg.ThrottleInterval != 5*time.Second {
		t.Errorf("expected default throttle interval 5s, got %v", cfg.ThrottleInterval)
	}
	if cfg.ChallengeDir != "/etc/nginx/challenges/" {
		t.Errorf("challenge dir must end with a slash, got %q", cfg.ChallengeDir)
	}
	if cfg.WellKnownPath != "/.well-known/acme-challenge/" {
		t.Errorf("unexpected well-known path %q", cfg.WellKnownPath)
	}
}

func TestLoadSwarmMode(t *testing.T) {
	t.Setenv("DOCKER_SWARM", "strict")
	cfg := Load()

	if cfg.DockerSwarm != SwarmStrict {
		t.Fatalf("expected strict, got %q", cfg.DockerSwarm)
	}
	if cfg.ContainersEnabled() {
		t.Error("strict mode must not discover plain containers")
	}
	if !cfg.ServicesEnabled() {
		t.Error("strict mode must discover services")
	}
}

func TestLoadInvalidSwarmModePanics(t *testing.T) {
	t.Setenv("DOCKER_SWARM", "bogus")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on invalid DOCKER_SWARM")
		}
	}()
	Load()
}

func TestWellKnownNormalization(t *testing.T) {
	t.Setenv("WELLKNOWN_PATH", "acme/tokens")
	cfg := Load()

	if cfg.WellKnownPath != "/acme/tokens/" {
		t.Errorf("expected /acme/tokens/, got %q", cfg.WellKnownPath)
	}
}
