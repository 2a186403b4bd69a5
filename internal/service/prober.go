package service

import (
	"context"
	"net"
	"net/netip"
)

// TCPProber considers a backend healthy when a TCP connection can be opened
type TCPProber struct {
	dialer net.Dialer
}

// NewTCPProber creates a TCP connect prober; the timeout comes from the context
func NewTCPProber() *TCPProber {
	return &TCPProber{}
}

// Probe dials the backend and closes the connection right away
func (p *TCPProber) Probe(ctx context.Context, address netip.AddrPort) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", address.String())
	if err != nil {
		return err
	}
	return conn.Close()
}
