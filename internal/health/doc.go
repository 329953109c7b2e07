// Package health holds the liveness and readiness probes and their HTTP
// handlers. Both the public listener (/-/healthy, /-/ready) and the ops
// listener serve the same probes.
//
// Readiness is the AND of the shutdown gate and "a package snapshot is
// loaded". Once the gate is set during shutdown, readiness fails
// immediately so load balancers stop routing before listeners close.
package health
