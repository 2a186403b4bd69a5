package service

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
)

var errProbeRefused = errors.New("connection refused")

type resolveResponse struct {
	addrs []string
	err   error
	block <-chan struct{}
}

// fakeResolver replays queued responses per domain; the last one sticks
type fakeResolver struct {
	mu        sync.Mutex
	responses map[string][]resolveResponse
	calls     atomic.Int64
	started   chan string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		responses: make(map[string][]resolveResponse),
		started:   make(chan string, 64),
	}
}

func (f *fakeResolver) set(name string, responses ...resolveResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[name] = responses
}

func (f *fakeResolver) Resolve(ctx context.Context, name string) ([]netip.Addr, error) {
	f.calls.Add(1)

	f.mu.Lock()
	queue := f.responses[name]
	if len(queue) == 0 {
		f.mu.Unlock()
		return nil, errors.New("no such host")
	}
	resp := queue[0]
	if len(queue) > 1 {
		f.responses[name] = queue[1:]
	}
	f.mu.Unlock()

	select {
	case f.started <- name:
	default:
	}

	if resp.block != nil {
		select {
		case <-resp.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if resp.err != nil {
		return nil, resp.err
	}

	addrs := make([]netip.Addr, len(resp.addrs))
	for i, a := range resp.addrs {
		addrs[i] = netip.MustParseAddr(a)
	}
	return addrs, nil
}

// fakeProber fails the probes of addresses marked as failing
type fakeProber struct {
	mu      sync.Mutex
	failing map[netip.AddrPort]bool
	probes  atomic.Int64
}

func newFakeProber() *fakeProber {
	return &fakeProber{failing: make(map[netip.AddrPort]bool)}
}

func (f *fakeProber) setFailing(addr string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[netip.MustParseAddrPort(addr)] = failing
}

func (f *fakeProber) Probe(ctx context.Context, address netip.AddrPort) error {
	f.probes.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[address] {
		return errProbeRefused
	}
	return nil
}

// blockingProber holds every probe until released or its context ends
type blockingProber struct {
	entered  chan struct{}
	release  chan struct{}
	finished chan error
}

func newBlockingProber() *blockingProber {
	return &blockingProber{
		entered:  make(chan struct{}, 16),
		release:  make(chan struct{}),
		finished: make(chan error, 16),
	}
}

func (b *blockingProber) Probe(ctx context.Context, address netip.AddrPort) error {
	b.entered <- struct{}{}

	var err error
	select {
	case <-b.release:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.finished <- err
	return err
}

func mustAddrPorts(addrs ...string) []netip.AddrPort {
	out := make([]netip.AddrPort, len(addrs))
	for i, a := range addrs {
		out[i] = netip.MustParseAddrPort(a)
	}
	return out
}
