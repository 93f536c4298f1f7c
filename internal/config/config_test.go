package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.config")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
targetServer=https://vantiq.example.com
authToken=abc123
sources=src1, src2 ,src1
sendPings=True
failOnConnectionError=yes
tcpProbePort=9100
reconnectSecret=fixed
connectKWArgs={"disableSslVerification": true, "subprotocols": ["v1"]}
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TargetServer != "wss://vantiq.example.com/api/v1/wsock/websocket" {
		t.Errorf("TargetServer = %q", cfg.TargetServer)
	}
	if cfg.AuthToken != "abc123" {
		t.Errorf("AuthToken = %q", cfg.AuthToken)
	}
	// Whitespace stripped, duplicates kept, order preserved.
	want := []string{"src1", "src2", "src1"}
	if len(cfg.Sources) != len(want) {
		t.Fatalf("Sources = %v", cfg.Sources)
	}
	for i := range want {
		if cfg.Sources[i] != want[i] {
			t.Errorf("Sources[%d] = %q, want %q", i, cfg.Sources[i], want[i])
		}
	}
	if !cfg.SendPings {
		t.Error("SendPings should be true")
	}
	if !cfg.FailOnConnectionError {
		t.Error("FailOnConnectionError should be true")
	}
	if cfg.TCPProbePort != 9100 {
		t.Errorf("TCPProbePort = %d", cfg.TCPProbePort)
	}
	if cfg.ReconnectSecret != "fixed" {
		t.Errorf("ReconnectSecret = %q", cfg.ReconnectSecret)
	}
	if !cfg.DisableSSLCheck {
		t.Error("DisableSSLCheck should be true")
	}
	if _, ok := cfg.ConnectArgs["disableSslVerification"]; ok {
		t.Error("disableSslVerification should be extracted from ConnectArgs")
	}
	if _, ok := cfg.ConnectArgs["subprotocols"]; !ok {
		t.Error("ConnectArgs should keep subprotocols")
	}
	if cfg.Path != path {
		t.Errorf("Path = %q", cfg.Path)
	}
}

func TestLoadFileDefaults(t *testing.T) {
	path := writeConfig(t, "targetServer=http://dev.vantiq.com\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TargetServer != "ws://dev.vantiq.com/api/v1/wsock/websocket" {
		t.Errorf("TargetServer = %q", cfg.TargetServer)
	}
	if cfg.SendPings || cfg.FailOnConnectionError || cfg.DisableSSLCheck {
		t.Error("boolean options should default to false")
	}
	if cfg.TCPProbePort != DefaultTCPProbePort {
		t.Errorf("TCPProbePort = %d, want %d", cfg.TCPProbePort, DefaultTCPProbePort)
	}
	if len(cfg.Sources) != 0 {
		t.Errorf("Sources = %v, want none", cfg.Sources)
	}
}

func TestLoadFileMissingTargetServer(t *testing.T) {
	path := writeConfig(t, "authToken=abc\n")
	_, err := LoadFile(path)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestLoadFileBadConnectKWArgs(t *testing.T) {
	path := writeConfig(t, "targetServer=https://x\nconnectKWArgs=not-json\n")
	_, err := LoadFile(path)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestAuthTokenFromEnvironment(t *testing.T) {
	t.Setenv(EnvAuthToken, "env-token")

	path := writeConfig(t, "targetServer=https://x\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuthToken != "env-token" {
		t.Errorf("AuthToken = %q, want env fallback", cfg.AuthToken)
	}

	// The file entry wins over the environment.
	path = writeConfig(t, "targetServer=https://x\nauthToken=file-token\n")
	cfg, err = LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuthToken != "file-token" {
		t.Errorf("AuthToken = %q, want file value", cfg.AuthToken)
	}
}

func TestSanitizeServerURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://vantiq.example.com", "wss://vantiq.example.com/api/v1/wsock/websocket"},
		{"http://localhost:8080", "ws://localhost:8080/api/v1/wsock/websocket"},
		{"https://x.io/some/other/path", "wss://x.io/api/v1/wsock/websocket"},
		{"wss://x.io/api/v1/wsock/websocket", "wss://x.io/api/v1/wsock/websocket"},
		{"wss://x.io/api/v13/wsock/websocket", "wss://x.io/api/v13/wsock/websocket"},
	}
	for _, c := range cases {
		if got := SanitizeServerURL(c.in); got != c.want {
			t.Errorf("SanitizeServerURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	// Normalizing twice yields the same URL.
	once := SanitizeServerURL("https://vantiq.example.com")
	if twice := SanitizeServerURL(once); twice != once {
		t.Errorf("not idempotent: %q then %q", once, twice)
	}
}

func TestBoolValue(t *testing.T) {
	truthy := []any{true, "yes", "YES", "true", "True", "t", "T", "1", " true "}
	for _, v := range truthy {
		if !BoolValue(v) {
			t.Errorf("BoolValue(%v) should be true", v)
		}
	}
	falsy := []any{false, "no", "false", "0", "", nil, 1, "on"}
	for _, v := range falsy {
		if BoolValue(v) {
			t.Errorf("BoolValue(%v) should be false", v)
		}
	}
}
