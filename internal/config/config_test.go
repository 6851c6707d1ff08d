package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Agent.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.Agent.LogLevel)
	}
	if cfg.Proxy.Mode != ProxyDirect {
		t.Errorf("Proxy.Mode = %q, want direct", cfg.Proxy.Mode)
	}
	if cfg.Circuit.MaxRetransmits != 5 {
		t.Errorf("Circuit.MaxRetransmits = %d, want 5", cfg.Circuit.MaxRetransmits)
	}
	if cfg.Circuit.RetransmitBackoffCap != 2 {
		t.Errorf("Circuit.RetransmitBackoffCap = %d, want 2", cfg.Circuit.RetransmitBackoffCap)
	}
	if cfg.Throttle.Resend != 150000 {
		t.Errorf("Throttle.Resend = %v, want 150000", cfg.Throttle.Resend)
	}
}

func TestDefaultFailsValidationWithoutLoginURI(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing grid.login_uri")
	}
}

func TestParseValidConfig(t *testing.T) {
	data := []byte(`
grid:
  login_uri: https://login.example.com/cgi-bin/login.cgi
  first_name: Test
  last_name: Agent
  password: secret
proxy:
  mode: direct
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Grid.LoginURI != "https://login.example.com/cgi-bin/login.cgi" {
		t.Errorf("Grid.LoginURI = %q", cfg.Grid.LoginURI)
	}
	if cfg.Circuit.MaxRetransmits != 5 {
		t.Error("defaults should still apply for unspecified fields")
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("not: valid: yaml: [")); err == nil {
		t.Error("expected parse error for malformed YAML")
	}
}

func TestParseInvalidProxyMode(t *testing.T) {
	data := []byte(`
grid:
  login_uri: https://login.example.com/
proxy:
  mode: teleport
`)
	if _, err := Parse(data); err == nil {
		t.Error("expected validation error for invalid proxy.mode")
	}
}

func TestParseProxyModeRequiresAddress(t *testing.T) {
	data := []byte(`
grid:
  login_uri: https://login.example.com/
proxy:
  mode: manual_socks5
`)
	if _, err := Parse(data); err == nil {
		t.Error("expected validation error for missing proxy.address")
	}
}

func TestEnvVarSubstitution(t *testing.T) {
	os.Setenv("GRIDWIRE_TEST_LOGIN_URI", "https://env.example.com/login.cgi")
	defer os.Unsetenv("GRIDWIRE_TEST_LOGIN_URI")

	data := []byte(`
grid:
  login_uri: ${GRIDWIRE_TEST_LOGIN_URI}
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Grid.LoginURI != "https://env.example.com/login.cgi" {
		t.Errorf("Grid.LoginURI = %q", cfg.Grid.LoginURI)
	}
}

func TestEnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("GRIDWIRE_TEST_UNSET_VAR")
	data := []byte(`
grid:
  login_uri: ${GRIDWIRE_TEST_UNSET_VAR:-https://default.example.com/login.cgi}
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Grid.LoginURI != "https://default.example.com/login.cgi" {
		t.Errorf("Grid.LoginURI = %q", cfg.Grid.LoginURI)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "grid:\n  login_uri: https://login.example.com/\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Grid.LoginURI != "https://login.example.com/" {
		t.Errorf("Grid.LoginURI = %q", cfg.Grid.LoginURI)
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Grid.LoginURI = "https://login.example.com/"
	cfg.Agent.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for invalid log level")
	}
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Grid.Password = "hunter2"
	cfg.Proxy.Password = "swordfish"

	redacted := cfg.Redacted()
	if redacted.Grid.Password != "***" {
		t.Errorf("Grid.Password = %q, want masked", redacted.Grid.Password)
	}
	if redacted.Proxy.Password != "***" {
		t.Errorf("Proxy.Password = %q, want masked", redacted.Proxy.Password)
	}
	if cfg.Grid.Password != "hunter2" {
		t.Error("Redacted() must not mutate the receiver")
	}
}
