package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SizeThreshold() != DefaultSizeThreshold {
		t.Errorf("SizeThreshold = %d, want %d", cfg.SizeThreshold(), DefaultSizeThreshold)
	}
	if cfg.MinimumInterval() != 5*time.Minute {
		t.Errorf("MinimumInterval = %v", cfg.MinimumInterval())
	}
	if cfg.StoragePath() != "pimd.db" {
		t.Errorf("StoragePath = %q", cfg.StoragePath())
	}
	if cfg.UnixSocket() == "" {
		t.Errorf("UnixSocket empty")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pimd.toml")
	content := `
[General]
SizeThreshold = 8192

[Listener]
UnixSocket = "/tmp/test-pimd.sock"
TCPAddress = "127.0.0.1:4144"

[Storage]
Path = "/tmp/test-pimd.db"

[Scheduler]
MinimumIntervalMinutes = 2
DefaultIntervalMinutes = 10

[Observability]
OTLPEndpoint = "localhost:4318"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SizeThreshold() != 8192 {
		t.Errorf("SizeThreshold = %d", cfg.SizeThreshold())
	}
	if cfg.TCPAddress() != "127.0.0.1:4144" {
		t.Errorf("TCPAddress = %q", cfg.TCPAddress())
	}
	if cfg.MinimumInterval() != 2*time.Minute {
		t.Errorf("MinimumInterval = %v", cfg.MinimumInterval())
	}
	if cfg.DefaultInterval() != 10*time.Minute {
		t.Errorf("DefaultInterval = %v", cfg.DefaultInterval())
	}
	if cfg.OTLPEndpoint() != "localhost:4318" {
		t.Errorf("OTLPEndpoint = %q", cfg.OTLPEndpoint())
	}
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SizeThreshold() != DefaultSizeThreshold {
		t.Errorf("SizeThreshold = %d", cfg.SizeThreshold())
	}
}

func TestSetSizeThresholdOverride(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.SetSizeThreshold(1 << 62)
	if cfg.SizeThreshold() != 1<<62 {
		t.Errorf("override failed: %d", cfg.SizeThreshold())
	}
}

func TestWatchReloadsSizeThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pimd.toml")
	write := func(threshold string) {
		content := "[General]\nSizeThreshold = " + threshold + "\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	write("1000")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer cfg.Close()

	write("2000")
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cfg.SizeThreshold() == 2000 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("SizeThreshold never reloaded, still %d", cfg.SizeThreshold())
}
