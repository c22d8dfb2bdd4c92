// Package memory implement pooled memory management for a line editing
// shell, along with necessary tools and libraries.
//
// api:
//
// Types shared across packages, handles, tiers, events and the
// interfaces applications implement to enumerate roots and walk their
// object graph.
//
// lib:
//
// Convinience functions and statistics helpers that can be used by
// other packages.
//
// malloc:
//
// Pools, fragment tables, pool hierarchy, safety layer, reclamation
// engine and the pool manager.
//
// metrics:
//
// Prometheus sink for pool events and collector for manager stats.
//
// tools/pools:
//
// Command line tool to run simulated shell workloads against a pool
// manager and inspect pool settings.
package memory
