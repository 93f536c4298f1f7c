package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vantiq-ext/execsource/internal/config"
)

// HealthState is the declared health of a connector set.
type HealthState int

const (
	// HealthUndeclared is the state before the first declaration.
	HealthUndeclared HealthState = iota
	HealthHealthy
	HealthUnhealthy
)

func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "undeclared"
	}
}

// Set owns one SourceConnection per configured source, drives their
// reconnect loops in parallel, and manages the shared TCP health probe.
type Set struct {
	cfg   *config.Config
	order []string
	conns map[string]*SourceConnection

	// healthMu serializes probe transitions across all sources.
	healthMu  sync.Mutex
	health    HealthState
	probe     net.Listener
	probeDone chan struct{}
}

// NewSet builds the connections for every source named in the
// configuration.
func NewSet(cfg *config.Config) *Set {
	s := &Set{
		cfg:   cfg,
		conns: make(map[string]*SourceConnection, len(cfg.Sources)),
	}
	for _, src := range cfg.Sources {
		conn := NewSourceConnection(src, cfg)
		conn.set = s
		s.conns[src] = conn
		s.order = append(s.order, src)
	}
	return s
}

// Sources returns the configured source names in order.
func (s *Set) Sources() []string { return s.order }

// Connection returns the connection for a named source, or nil.
func (s *Set) Connection(sourceName string) *SourceConnection {
	return s.conns[sourceName]
}

// Connections returns the connections indexed by source name.
func (s *Set) Connections() map[string]*SourceConnection { return s.conns }

// ConfigureHandlersForAll registers the same handlers on every connection
// in the set.
func (s *Set) ConfigureHandlersForAll(h Handlers) {
	for _, src := range s.order {
		s.conns[src].ConfigureHandlers(h)
	}
}

// Run starts the reconnect loop of every connection and blocks until all
// of them finish. The first fatal error cancels the rest.
func (s *Set) Run(ctx context.Context) error {
	slog.Info("starting connectors", "count", len(s.order))
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range s.order {
		conn := s.conns[src]
		g.Go(func() error {
			return conn.Run(gctx)
		})
	}
	return g.Wait()
}

// Close drops every connection's socket and tears down the health probe.
// In-flight emitted frames are lost.
func (s *Set) Close() {
	for _, src := range s.order {
		s.conns[src].Close()
	}
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.stopProbeLocked()
}

// Health returns the declared health state; HealthUndeclared before the
// first declaration.
func (s *Set) Health() HealthState {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return s.health
}

// DeclareHealthy marks the set healthy and starts the TCP health probe if
// it is not already listening. The probe is accept-only: openability is
// the entire signal, as with Kubernetes TCP probes.
func (s *Set) DeclareHealthy() error {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	s.health = HealthHealthy
	if s.probe != nil {
		return nil
	}

	port := s.cfg.TCPProbePort
	if port == 0 {
		port = config.DefaultTCPProbePort
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("start health probe on port %d: %w", port, err)
	}
	s.probe = ln
	s.probeDone = make(chan struct{})
	go acceptProbes(ln, s.probeDone)
	slog.Info("health probe listening", "port", port)
	return nil
}

// DeclareUnhealthy marks the set unhealthy and closes the probe listener,
// waiting for the accept loop to stop. Subsequent probe attempts fail to
// connect, which is the intended signal.
func (s *Set) DeclareUnhealthy() error {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	s.health = HealthUnhealthy
	slog.Warn("connector set declared unhealthy")
	s.stopProbeLocked()
	return nil
}

func (s *Set) stopProbeLocked() {
	if s.probe == nil {
		return
	}
	s.probe.Close()
	<-s.probeDone
	s.probe = nil
	s.probeDone = nil
}

// acceptProbes accepts and immediately drops connections until the
// listener closes. No bytes are exchanged; only openability matters.
func acceptProbes(ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}
