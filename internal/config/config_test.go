package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: sim-1
engine:
  iter_block: 50
control:
  listen_addr: ":9090"
transport:
  udp_listen_addr: ":7000"
  wsfeed_listen_addr: ":7001"
logging:
  level: debug
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "sim-1" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "sim-1")
	}
	if cfg.Engine.IterBlock != 50 {
		t.Errorf("Engine.IterBlock = %d, want 50", cfg.Engine.IterBlock)
	}
	if cfg.Control.ListenAddr != ":9090" {
		t.Errorf("Control.ListenAddr = %q, want %q", cfg.Control.ListenAddr, ":9090")
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_CONTROL_ADDR", ":6000")

	yaml := `
instance:
  id: sim-1
control:
  listen_addr: ${TEST_CONTROL_ADDR}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Control.ListenAddr != ":6000" {
		t.Errorf("Control.ListenAddr = %q, want %q", cfg.Control.ListenAddr, ":6000")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
instance:
  id: sim-1
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Engine.IterBlock != DefaultIterBlock {
		t.Errorf("Engine.IterBlock = %d, want default %d", cfg.Engine.IterBlock, DefaultIterBlock)
	}
	if cfg.Control.ListenAddr != DefaultControlAddr {
		t.Errorf("Control.ListenAddr = %q, want default %q", cfg.Control.ListenAddr, DefaultControlAddr)
	}
	if cfg.Transport.UDPListenAddr != DefaultUDPListenAddr {
		t.Errorf("Transport.UDPListenAddr = %q, want default %q", cfg.Transport.UDPListenAddr, DefaultUDPListenAddr)
	}
	if cfg.Transport.WSFeedAddr != DefaultWSFeedAddr {
		t.Errorf("Transport.WSFeedAddr = %q, want default %q", cfg.Transport.WSFeedAddr, DefaultWSFeedAddr)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Errorf("Logging.Level = %q, want default %q", cfg.Logging.Level, DefaultLogLevel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SimConfig
		wantErr string
	}{
		{
			name:    "missing instance id",
			cfg:     SimConfig{},
			wantErr: "instance.id is required",
		},
		{
			name: "zero iter_block",
			cfg: SimConfig{
				Instance: InstanceConfig{ID: "sim-1"},
				Control:  ControlConfig{ListenAddr: ":8080"},
				Transport: TransportConfig{
					UDPListenAddr: ":9999",
					WSFeedAddr:    ":9998",
				},
			},
			wantErr: "engine.iter_block must be >= 1",
		},
		{
			name: "bad log level",
			cfg: SimConfig{
				Instance: InstanceConfig{ID: "sim-1"},
				Engine:   EngineConfig{IterBlock: 10},
				Control:  ControlConfig{ListenAddr: ":8080"},
				Transport: TransportConfig{
					UDPListenAddr: ":9999",
					WSFeedAddr:    ":9998",
				},
				Logging: LoggingConfig{Level: "verbose"},
			},
			wantErr: `logging.level "verbose" is not one of debug, info, warn, error`,
		},
		{
			name: "valid config",
			cfg: SimConfig{
				Instance: InstanceConfig{ID: "sim-1"},
				Engine:   EngineConfig{IterBlock: 10},
				Control:  ControlConfig{ListenAddr: ":8080"},
				Transport: TransportConfig{
					UDPListenAddr: ":9999",
					WSFeedAddr:    ":9998",
				},
				Logging: LoggingConfig{Level: "info"},
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
