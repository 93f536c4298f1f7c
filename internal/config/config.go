package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/magiconair/properties"
)

// Property keys recognized in server.config.
const (
	KeyTargetServer          = "targetServer"
	KeyAuthToken             = "authToken"
	KeySources               = "sources"
	KeySendPings             = "sendPings"
	KeyFailOnConnectionError = "failOnConnectionError"
	KeyTCPProbePort          = "tcpProbePort"
	KeyReconnectSecret       = "reconnectSecret"
	KeyConnectKWArgs         = "connectKWArgs"

	// EnvAuthToken supplies the access token when authToken is absent from
	// the config file.
	EnvAuthToken = "CONNECTOR_AUTH_TOKEN"

	// DefaultTCPProbePort is the health-probe listening port when
	// tcpProbePort is not configured.
	DefaultTCPProbePort = 8000

	disableSSLKey = "disableSslVerification"
)

// Search order for the server configuration file.
var searchPaths = []string{"serverConfig/server.config", "server.config"}

// ErrMissing reports that no server.config file exists in any search path.
var ErrMissing = errors.New("no server.config file found")

// ErrInvalid marks unrecoverable configuration problems: a required key is
// absent, connectKWArgs is not valid JSON, or the server rejected the
// access token. Errors wrapping ErrInvalid are fatal; the reconnect loop
// must not retry them.
var ErrInvalid = errors.New("invalid configuration")

// Config is the parsed server.config file, one snapshot per process.
type Config struct {
	TargetServer          string // WebSocket URL after normalization
	AuthToken             string
	Sources               []string // order preserved, duplicates kept
	SendPings             bool
	FailOnConnectionError bool
	TCPProbePort          int
	ReconnectSecret       string         // fixed suffix; empty means generate one
	DisableSSLCheck       bool           // from connectKWArgs.disableSslVerification
	ConnectArgs           map[string]any // remaining transport options, passed through

	// Path is the file the configuration was loaded from.
	Path string
}

// Load reads the server configuration, trying each search path in order.
// Returns ErrMissing when no file exists.
func Load() (*Config, error) {
	for _, path := range searchPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return LoadFile(path)
	}
	return nil, ErrMissing
}

// LoadFile reads and validates a single properties file.
func LoadFile(path string) (*Config, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	target, ok := p.Get(KeyTargetServer)
	if !ok || target == "" {
		return nil, fmt.Errorf("%w: %s has no %s entry", ErrInvalid, path, KeyTargetServer)
	}

	cfg := &Config{
		TargetServer: SanitizeServerURL(target),
		AuthToken:    p.GetString(KeyAuthToken, ""),
		TCPProbePort: p.GetInt(KeyTCPProbePort, DefaultTCPProbePort),
		Path:         path,
	}

	// Defined behavior: authToken in the file overrides the environment.
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv(EnvAuthToken)
	}

	// Whitespace is stripped before splitting; duplicates are preserved so
	// that the server sees exactly the configured source list.
	if raw := p.GetString(KeySources, ""); raw != "" {
		cleaned := strings.ReplaceAll(raw, " ", "")
		cfg.Sources = strings.Split(cleaned, ",")
	}

	cfg.SendPings = BoolValue(p.GetString(KeySendPings, ""))
	cfg.FailOnConnectionError = BoolValue(p.GetString(KeyFailOnConnectionError, ""))
	cfg.ReconnectSecret = p.GetString(KeyReconnectSecret, "")

	if raw := p.GetString(KeyConnectKWArgs, ""); raw != "" {
		var args map[string]any
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("%w: %s did not contain valid JSON: %v", ErrInvalid, KeyConnectKWArgs, err)
		}
		if v, ok := args[disableSSLKey]; ok {
			cfg.DisableSSLCheck = BoolValue(v)
			delete(args, disableSSLKey)
		}
		cfg.ConnectArgs = args
	}

	return cfg, nil
}

// wsAPIPath matches an already-correct websocket API path.
var wsAPIPath = regexp.MustCompile(`^.*/api/v[0-9]+/wsock/websocket$`)

const wsAPIPathV1 = "/api/v1/wsock/websocket"

// SanitizeServerURL rewrites an HTTP(S) server URL to the matching
// WebSocket URL with the canonical API path. Non-HTTP schemes pass through
// unchanged; a path that already matches the API pattern is kept, so
// normalizing twice yields the same URL.
func SanitizeServerURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if !wsAPIPath.MatchString(u.Path) {
		u.Path = wsAPIPathV1
	}
	return u.String()
}

// BoolValue converts a loosely-typed flag to a boolean. Case
// notwithstanding, the strings "yes", "true", "t", and "1" are true;
// booleans pass through; everything else is false.
func BoolValue(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "yes", "true", "t", "1":
			return true
		}
	}
	return false
}
