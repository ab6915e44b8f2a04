// Package merge decides what happens when two sides edited the same
// shape. Vector clocks establish causality; when neither side precedes
// the other, per-property wall-clock timestamps break the tie.
package merge

import (
	"github.com/easelhq/easel/vclock"
)

// Action is the resolver's verdict for a remote edit.
type Action int

const (
	// KeepLocal: the remote edit is causally stale, drop it.
	KeepLocal Action = iota
	// ApplyRemote: the local state is causally stale, overwrite it.
	ApplyRemote
	// Merge: concurrent edits, apply the per-property merge in Decision.
	Merge
)

func (a Action) String() string {
	switch a {
	case KeepLocal:
		return "KEEP_LOCAL"
	case ApplyRemote:
		return "APPLY_REMOTE"
	case Merge:
		return "MERGE"
	default:
		return "UNKNOWN"
	}
}

// ShapeVersion is one side's view of a shape for resolution purposes.
type ShapeVersion struct {
	Properties map[string]interface{}
	Clock      vclock.Clock
	// Timestamps maps property name to the wall-clock millis of the
	// last local touch of that property.
	Timestamps map[string]int64
}

// Decision is the resolver output. Properties and Clock are only set
// for the Merge action.
type Decision struct {
	Action     Action
	Properties map[string]interface{}
	Clock      vclock.Clock
}

// Resolve compares a remote edit against the known local state of the
// same shape.
func Resolve(local, remote ShapeVersion) Decision {
	if remote.Clock.HappensBefore(local.Clock) {
		return Decision{Action: KeepLocal}
	}
	if local.Clock.HappensBefore(remote.Clock) {
		return Decision{Action: ApplyRemote}
	}

	merged := MergeProperties(local.Properties, local.Properties, remote.Properties, local.Timestamps, remote.Timestamps)

	// Local absorbs the remote's causal history
	clock := local.Clock.Clone().Merge(remote.Clock)

	return Decision{
		Action:     Merge,
		Properties: merged,
		Clock:      clock,
	}
}

// MergeProperties performs the per-property timestamp merge. For each
// key touched on either side the value with the greater timestamp wins;
// on a tie the remote wins (the server is the tie-breaker). Keys
// untouched on both sides retain the base value.
func MergeProperties(base, local, remote map[string]interface{}, localTS, remoteTS map[string]int64) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(remote))
	for k, v := range base {
		out[k] = v
	}

	for k, v := range local {
		out[k] = v
	}

	for k, rv := range remote {
		lt, localTouched := localTS[k]
		rt := remoteTS[k]
		if !localTouched || rt >= lt {
			out[k] = rv
		}
	}

	return out
}

// MergeTimestamps folds the remote timestamps into the local map,
// keeping the greater value per property. Used by the server to record
// the winning touch times after a merge.
func MergeTimestamps(local, remote map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(local)+len(remote))
	for k, v := range local {
		out[k] = v
	}
	for k, v := range remote {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}
