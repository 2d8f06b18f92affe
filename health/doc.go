// Package health provides the liveness endpoint used by orchestration probes.
//
// The endpoint reports only that the process is serving HTTP. It does not
// look at the registry or the bus: a relay that has lost the bus for good
// exits instead of reporting unhealthy.
package health
