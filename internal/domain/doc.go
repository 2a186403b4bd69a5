/*
Package domain holds the core types shared by the resolver worker, the
backend pools, the registry and the router.

A Domain is a canonical lower-case host name. It is the registry key and
also the name handed to DNS. Backends are immutable ip:port pairs with
atomically updated liveness state; a pool never changes its address set,
re-adding the domain replaces the whole pool.

Control commands flow one way:

	ControlService -> chan ControlOp -> DNSResolverWorker -> PoolRegistry

while every inbound request only reads:

	Router.Route(host) -> PoolRegistry.Get -> BackendPool.Select
*/
package domain
