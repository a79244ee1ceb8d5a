/*
Package registry manages the lifecycle of registered agents: upsert
registration with one auth token per agent, heartbeats, runtime-profile
normalization into workspace modes, and the quality counters consumed by
the done gate and the consensus resolver.
*/
package registry
