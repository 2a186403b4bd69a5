package service

import (
	"sync/atomic"

	"github.com/mir00r/domain-proxy/internal/domain"
)

// RoundRobinStrategy rotates over the healthy subset of a fixed backend list.
// The rotation order is the configured order, so with N healthy backends N
// consecutive picks return each of them exactly once.
type RoundRobinStrategy struct {
	index atomic.Uint64
}

// NewRoundRobinStrategy creates a new round-robin strategy
func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{}
}

// SelectBackend picks the next healthy backend, or nil if none is healthy
func (s *RoundRobinStrategy) SelectBackend(backends []*domain.Backend) *domain.Backend {
	healthy := make([]*domain.Backend, 0, len(backends))
	for _, b := range backends {
		if b.IsHealthy() {
			healthy = append(healthy, b)
		}
	}
	if len(healthy) == 0 {
		return nil
	}

	next := s.index.Add(1)
	return healthy[(next-1)%uint64(len(healthy))]
}

// Name returns the strategy name
func (s *RoundRobinStrategy) Name() string {
	return "round_robin"
}
