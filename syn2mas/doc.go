// Package syn2mas implements the one-shot, offline migration of a Synapse
// identity database into the MAS authorization-server schema.
//
// A run acquires an advisory lock on the target so only one migration can
// ever be in flight, validates both configurations and databases with
// severity-classified consistency checks, then streams each entity type
// out of a single Synapse snapshot, remaps primary and foreign keys
// through a run-scoped translation table, and bulk-loads the transformed
// rows through a fixed pool of parallel writer connections. Indexes and
// foreign keys on the target are paused for the load and rebuilt at the
// end.
//
// There is no checkpointing: a failed run must be rerun against a
// restored, clean target.
package syn2mas
