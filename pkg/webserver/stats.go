package webserver

import (
	"fmt"
	"strings"

	"github.com/jpillora/sizestr"
	"github.com/wsbroker/wsbroker/pkg/metrics"
)

// Stats is a point-in-time view of a Server.
type Stats struct {
	metrics.Snapshot

	State          State
	Clients        int
	InboundQueued  int
	OutboundQueued int
}

// Stats returns the current counters and queue depths.
func (s *Server) Stats() Stats {
	inbound := s.inbound.Load().Size()
	s.mu.RLock()
	if s.callback != nil {
		inbound = s.dispatch.Load().Size()
	}
	s.mu.RUnlock()

	return Stats{
		Snapshot:       s.metrics.Snapshot(),
		State:          s.State(),
		Clients:        s.ClientCount(),
		InboundQueued:  inbound,
		OutboundQueued: s.outbound.Load().Size(),
	}
}

// Config returns a diagnostic dump of the configuration, one setting per line.
func (s *Server) Config() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	line := func(label string, v any) {
		fmt.Fprintf(&b, "%-15s%v\n", label+":", v)
	}
	line("Hostname", s.hostname)
	line("Web directory", s.webDir)
	line("HTTP port", s.port)
	line("HTTP enabled", s.port > 0)
	line("SSL port", s.tlsPort)
	line("SSL Cert Path", s.certPath)
	line("SSL Key Path", s.keyPath)
	line("HTTPS enabled", s.tlsPort > 0)
	line("Frame size", sizestr.ToString(int64(s.opts.MaxFrameSize)))
	line("Max clients", s.opts.MaxConnections)
	return b.String()
}
