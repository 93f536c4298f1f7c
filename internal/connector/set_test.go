package connector

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/vantiq-ext/execsource/internal/config"
)

// freePort grabs an ephemeral port for the health probe to bind.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestSetBuildsConnections(t *testing.T) {
	cfg := &config.Config{Sources: []string{"a", "b", "a"}}
	s := NewSet(cfg)

	// Duplicates collapse to one connection but the order is kept.
	if got := s.Sources(); len(got) != 3 {
		t.Fatalf("Sources = %v", got)
	}
	if s.Connection("a") == nil || s.Connection("b") == nil {
		t.Fatal("connections should exist for each source")
	}
	if s.Connection("missing") != nil {
		t.Error("unknown source should return nil")
	}
	if s.Connection("a").Source() != "a" {
		t.Errorf("Source = %q", s.Connection("a").Source())
	}
	if s.Connection("a").set != s {
		t.Error("connection should reference its owning set")
	}
}

func TestHealthProbeLifecycle(t *testing.T) {
	port := freePort(t)
	cfg := &config.Config{Sources: []string{"a"}, TCPProbePort: port}
	s := NewSet(cfg)

	if s.Health() != HealthUndeclared {
		t.Fatalf("Health = %v, want undeclared", s.Health())
	}

	if err := s.DeclareHealthy(); err != nil {
		t.Fatal(err)
	}
	if s.Health() != HealthHealthy {
		t.Errorf("Health = %v, want healthy", s.Health())
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("probe should be reachable while healthy: %v", err)
	}
	conn.Close()

	// Declaring healthy again is a no-op, not a second listener.
	if err := s.DeclareHealthy(); err != nil {
		t.Fatal(err)
	}

	if err := s.DeclareUnhealthy(); err != nil {
		t.Fatal(err)
	}
	if s.Health() != HealthUnhealthy {
		t.Errorf("Health = %v, want unhealthy", s.Health())
	}
	if _, err := net.DialTimeout("tcp", addr, 500*time.Millisecond); err == nil {
		t.Error("probe should be unreachable while unhealthy")
	}

	// Health can flip back.
	if err := s.DeclareHealthy(); err != nil {
		t.Fatal(err)
	}
	conn, err = net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("probe should be reachable again: %v", err)
	}
	conn.Close()

	s.Close()
	if _, err := net.DialTimeout("tcp", addr, 500*time.Millisecond); err == nil {
		t.Error("probe should stop with the set")
	}
}

func TestConnectionHealthDelegation(t *testing.T) {
	port := freePort(t)
	cfg := &config.Config{Sources: []string{"a"}, TCPProbePort: port}
	s := NewSet(cfg)
	defer s.Close()

	conn := s.Connection("a")
	if err := conn.DeclareHealthy(); err != nil {
		t.Fatal(err)
	}
	if s.Health() != HealthHealthy {
		t.Errorf("Health = %v, want healthy after delegated declaration", s.Health())
	}
	if err := conn.DeclareUnhealthy(); err != nil {
		t.Fatal(err)
	}
	if s.Health() != HealthUnhealthy {
		t.Errorf("Health = %v, want unhealthy after delegated declaration", s.Health())
	}
}

func TestStandaloneConnectionHealthIsNoop(t *testing.T) {
	conn := NewSourceConnection("solo", &config.Config{})
	if err := conn.DeclareHealthy(); err != nil {
		t.Errorf("DeclareHealthy = %v", err)
	}
	if err := conn.DeclareUnhealthy(); err != nil {
		t.Errorf("DeclareUnhealthy = %v", err)
	}
}
