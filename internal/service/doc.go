/*
Package service implements the control and data plane services of the proxy.

BackendPool is the health supervisor of one domain: it owns an immutable set of
backends, probes each of them on its own loop and answers Select with a
round-robin pick over the currently healthy subset.

	pool := service.NewBackendPool("example.com", addrs, healthConfig, service.NewTCPProber(), metrics, log)
	if err := pool.Start(ctx); err != nil {
		return err
	}
	addr, err := pool.Select()

DNSResolverWorker is the single writer of the pool registry. It consumes
ControlOp values, resolves domains off the loop and installs pools when the
answer arrives:

	commands := make(chan domain.ControlOp, 64)
	worker := service.NewDNSResolverWorker(resolver, registry, commands, resolverConfig, factory, metrics, log)
	go worker.Run(ctx)

	control := service.NewControlService(commands, registry, worker.Done(), log)
	control.AddDomain(ctx, "example.com")

Every command bumps a per-domain generation. A resolution that finishes after
a newer command for the same domain is discarded, so a Remove issued while an
Add is still resolving always wins.
*/
package service
