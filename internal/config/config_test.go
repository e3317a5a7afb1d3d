package config

import (
	"os"
	"path/filepath"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestLoadNoFile(t *testing.T) {
	f, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Client.Server != "" || f.Server.Host != "" {
		t.Errorf("expected zero-value File, got %+v", f)
	}
}

func TestLoadValidFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "otun.yaml")

	content := `
server:
  host: 0.0.0.0
  control_port: "9000"
  no_ssl: true
client:
  server: test.example.com
  server_port: "9000"
  subdomain: myapp
  debug: true
  reconnect: false
  max_retries: 5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.Server.ControlPort != "9000" {
		t.Errorf("ControlPort = %q, want 9000", f.Server.ControlPort)
	}
	if f.Server.NoSSL == nil || !*f.Server.NoSSL {
		t.Errorf("NoSSL = %v, want true", f.Server.NoSSL)
	}
	if f.Client.Server != "test.example.com" {
		t.Errorf("Client.Server = %q, want test.example.com", f.Client.Server)
	}
	if f.Client.Debug == nil || !*f.Client.Debug {
		t.Errorf("Debug = %v, want true", f.Client.Debug)
	}
	if f.Client.Reconnect == nil || *f.Client.Reconnect {
		t.Errorf("Reconnect = %v, want false", f.Client.Reconnect)
	}
	if f.Client.MaxRetries == nil || *f.Client.MaxRetries != 5 {
		t.Errorf("MaxRetries = %v, want 5", f.Client.MaxRetries)
	}
}

func TestLoadPartialFileLeavesPointersNil(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "otun.yaml")

	if err := os.WriteFile(path, []byte("client:\n  server: partial.example.com\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Client.Debug != nil {
		t.Errorf("expected nil Debug, got %v", f.Client.Debug)
	}
	if f.Client.MaxRetries != nil {
		t.Errorf("expected nil MaxRetries, got %v", f.Client.MaxRetries)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "otun.yaml")

	content := "client:\n  server: [invalid\n    - not closed\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "otun.yaml")

	if err := os.WriteFile(path, []byte(""), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f == nil {
		t.Fatal("expected non-nil File for empty config")
	}
}
