// Package lib provide small helpers used across the pool subsystem:
// alignment arithmetic, size histograms, running averages and stats
// formatting. Nothing here depends on the allocator itself.
package lib
