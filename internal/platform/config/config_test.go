package config

import (
	"errors"
	"testing"

	domainerrors "leafletcep/contexts/event-integration/cep-service/domain/errors"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/cep")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.InputStreams) != 3 {
		t.Fatalf("expected 3 default input streams, got %v", cfg.InputStreams)
	}
	if cfg.IntegratedStream != "events.multi-originated" {
		t.Fatalf("unexpected default integrated stream: %q", cfg.IntegratedStream)
	}
}

func TestLoadRejectsMissingPostgresDSN(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	_, err := Load()
	if !errors.Is(err, domainerrors.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadRejectsIntegratedStreamCollidingWithInput(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/cep")
	t.Setenv("INPUT_STREAMS", "events.sensor-a")
	t.Setenv("INTEGRATED_STREAM", "events.sensor-a")
	_, err := Load()
	if !errors.Is(err, domainerrors.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/cep")
	t.Setenv("ARCHIVAL_INTERVAL", "not-a-duration")
	_, err := Load()
	if !errors.Is(err, domainerrors.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
