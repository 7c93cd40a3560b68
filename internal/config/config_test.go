package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "linkbench.yaml")
	raw := `
node:
  name: bench-1
test:
  role: coordinator
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Node.Name != "bench-1" {
		t.Errorf("Node.Name = %q, want bench-1", cfg.Node.Name)
	}
	if cfg.Test.Role != "coordinator" {
		t.Errorf("Test.Role = %q, want coordinator", cfg.Test.Role)
	}
	if cfg.Node.Channel != DefaultChannel {
		t.Errorf("Node.Channel = %d, want default %d", cfg.Node.Channel, DefaultChannel)
	}
	if cfg.Link.StaleTimeoutSec != DefaultStaleTimeoutSec {
		t.Errorf("Link.StaleTimeoutSec = %d, want default %d", cfg.Link.StaleTimeoutSec, DefaultStaleTimeoutSec)
	}
	if cfg.Test.Iterations != DefaultTestIterations {
		t.Errorf("Test.Iterations = %d, want default %d", cfg.Test.Iterations, DefaultTestIterations)
	}
	if cfg.API.Listen != DefaultListenAddr {
		t.Errorf("API.Listen = %q, want default %q", cfg.API.Listen, DefaultListenAddr)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "linkbench.yaml")

	in := Config{}
	in.Node.Name = "node-a"
	in.Node.Address = "02:11:22:33:44:55"
	in.Test.Role = "observer"
	in.Link.UDPPort = 50000

	if err := Save(path, in); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if out.Node.Name != in.Node.Name || out.Node.Address != in.Node.Address {
		t.Errorf("node section mismatch: %+v", out.Node)
	}
	if out.Test.Role != "observer" {
		t.Errorf("Test.Role = %q, want observer", out.Test.Role)
	}
	if out.Link.UDPPort != 50000 {
		t.Errorf("Link.UDPPort = %d, want 50000", out.Link.UDPPort)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}, wantErr: false},
		{name: "missing name", mutate: func(c *Config) { c.Node.Name = "" }, wantErr: true},
		{name: "bad role", mutate: func(c *Config) { c.Test.Role = "driver" }, wantErr: true},
		{name: "bad address", mutate: func(c *Config) { c.Node.Address = "zz:zz" }, wantErr: true},
		{name: "explicit address", mutate: func(c *Config) { c.Node.Address = "02:00:00:00:00:01" }, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{}
			cfg.Node.Name = "n"
			cfg.Test.Role = "peer"
			ApplyDefaults(&cfg)
			tt.mutate(&cfg)
			if err := Validate(cfg); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
