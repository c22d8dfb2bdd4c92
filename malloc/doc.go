// Package malloc supplies pooled memory management for a line editing
// shell, with a limited scope:
//
//  * Memory is carved out of pools, one pool per allocation type, say
//    "event", "string", "buffer" or "temp". Each pool owns a single
//    contiguous region obtained from a parent allocator.
//  * Allocations are referred by handles, never by pointers. A handle
//    carries pool id, slot and generation, stale handles are detected
//    instead of aliasing newer allocations.
//  * Regions grow on demand upto maxsize and shrink back when
//    utilization stays low. Offsets of live allocations never change
//    on resize, shrink never cuts into live data.
//  * Reclamation is mark-sweep-compact. Application supply the root
//    set and the object graph, memory not reachable from roots is
//    freed and pools with high fragmentation are compacted.
//  * Double free, use after free, out of bound access and writes to
//    sealed allocations are detected and rejected, and reported as
//    events.
//
// Pools are organised into a four tier hierarchy, primary, secondary,
// large and emergency. Requests are routed by size and fall through to
// the next tier when a tier is exhausted. Emergency tier is tried last,
// before reporting out-of-memory.
//
// Manager owns the pools, the hierarchy and the reclamation engine.
// All exported methods on Manager and Pool are thread safe.
package malloc
