// Package ratelimit is per-IP request rate limiting for the public listener.
//
// Buckets live in process memory and are not shared between replicas. Idle
// IPs are evicted after a TTL, and the table has a size cap so a spray of
// source addresses cannot grow it without bound. Denied requests get a plain
// 429 with Retry-After and no detail about the remaining budget.
//
// This guards one instance against a single noisy client. Distributed floods
// belong to the load balancer or CDN in front of it.
package ratelimit
