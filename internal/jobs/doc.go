// Package jobs contains background workers that run on a schedule: the write-behind
// state flusher, the idle organization evictor, and the snapshot archiver.
// Each job is idempotent; persistence backends ignore stale versions, so a rerun
// after a crash or an overlapping save produces the same stored state.
package jobs
