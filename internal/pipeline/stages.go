package pipeline

import (
	"strings"
)

// Stage represents a checkpoint in an entity's pipeline lifecycle.
// Each *_dispatched stage owns at most one live attempt; the matching *_done
// stage may only be entered from it via a successful webhook.
type Stage string

const (
	StageCreated Stage = "created"

	// Segment-scoped stages.
	StageVoiceDispatched Stage = "voice_dispatched"
	StageVoiceDone       Stage = "voice_done"
	StageMediaDispatched Stage = "media_dispatched"
	StageMediaDone       Stage = "media_done"

	// Video-scoped stages, gated on every segment reaching media_done.
	StageConcatDispatched Stage = "concat_dispatched"
	StageConcatDone       Stage = "concat_done"
	StageMusicDispatched  Stage = "music_dispatched"
	StageMusicDone        Stage = "music_done"

	// StageFailed is terminal for the entity that reaches it.
	StageFailed Stage = "failed"
)

// Status is the coarse lifecycle reported alongside the stage.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// StageKind identifies which external processor serves a dispatched stage.
type StageKind string

const (
	KindVoice  StageKind = "voice"
	KindMedia  StageKind = "media"
	KindConcat StageKind = "concat"
	KindMusic  StageKind = "music"
)

// EntityKind distinguishes the two row types the orchestrator drives.
type EntityKind string

const (
	EntityVideo   EntityKind = "video"
	EntitySegment EntityKind = "segment"
)

var segmentOrder = []Stage{
	StageCreated,
	StageVoiceDispatched,
	StageVoiceDone,
	StageMediaDispatched,
	StageMediaDone,
}

var videoOrder = []Stage{
	StageCreated,
	StageConcatDispatched,
	StageConcatDone,
	StageMusicDispatched,
	StageMusicDone,
}

var dispatchedKinds = map[Stage]StageKind{
	StageVoiceDispatched:  KindVoice,
	StageMediaDispatched:  KindMedia,
	StageConcatDispatched: KindConcat,
	StageMusicDispatched:  KindMusic,
}

var doneForDispatched = map[Stage]Stage{
	StageVoiceDispatched:  StageVoiceDone,
	StageMediaDispatched:  StageMediaDone,
	StageConcatDispatched: StageConcatDone,
	StageMusicDispatched:  StageMusicDone,
}

// Order returns the fixed stage sequence for an entity kind.
func Order(kind EntityKind) []Stage {
	var src []Stage
	if kind == EntitySegment {
		src = segmentOrder
	} else {
		src = videoOrder
	}
	cp := make([]Stage, len(src))
	copy(cp, src)
	return cp
}

// ParseStage converts a stored string into a known Stage for the entity kind.
func ParseStage(kind EntityKind, value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	if normalized == StageFailed {
		return StageFailed, true
	}
	for _, s := range Order(kind) {
		if s == normalized {
			return s, true
		}
	}
	return "", false
}

// Next returns the stage that follows s for the entity kind. The second
// return is false when s is terminal or unknown.
func Next(kind EntityKind, s Stage) (Stage, bool) {
	order := Order(kind)
	for i, candidate := range order {
		if candidate == s {
			if i+1 < len(order) {
				return order[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// KindFor maps a dispatched stage to the processor that serves it.
func KindFor(s Stage) (StageKind, bool) {
	kind, ok := dispatchedKinds[s]
	return kind, ok
}

// DoneFor maps a dispatched stage to its completion stage.
func DoneFor(s Stage) (Stage, bool) {
	done, ok := doneForDispatched[s]
	return done, ok
}

// IsDispatched reports whether a stage owns a live external attempt.
func IsDispatched(s Stage) bool {
	_, ok := dispatchedKinds[s]
	return ok
}

// IsTerminal reports whether no further transition may apply.
func IsTerminal(kind EntityKind, s Stage) bool {
	if s == StageFailed {
		return true
	}
	order := Order(kind)
	return s == order[len(order)-1]
}

// AtOrPast reports whether s has reached target in the entity kind's fixed
// order. A failed entity has not reached anything.
func AtOrPast(kind EntityKind, s, target Stage) bool {
	if s == StageFailed {
		return false
	}
	order := Order(kind)
	si, ti := -1, -1
	for i, candidate := range order {
		if candidate == s {
			si = i
		}
		if candidate == target {
			ti = i
		}
	}
	return si >= 0 && ti >= 0 && si >= ti
}

// AggregateReady reports whether every segment stage has reached media_done,
// the gate for the video-scoped concatenation stage.
func AggregateReady(segmentStages []Stage) bool {
	if len(segmentStages) == 0 {
		return false
	}
	for _, s := range segmentStages {
		if !AtOrPast(EntitySegment, s, StageMediaDone) {
			return false
		}
	}
	return true
}

// ValidateSequence checks that segment sequence indices form exactly
// {0, 1, ..., N-1}. Concatenation ordering depends on this and must be
// refused when it does not hold.
func ValidateSequence(indices []int) error {
	if len(indices) == 0 {
		return NewInvariantError("video has no segments")
	}
	seen := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(indices) {
			return NewInvariantError("segment index %d outside [0, %d)", idx, len(indices))
		}
		if _, dup := seen[idx]; dup {
			return NewInvariantError("duplicate segment index %d", idx)
		}
		seen[idx] = struct{}{}
	}
	return nil
}

// String implements fmt.Stringer for log fields.
func (s Stage) String() string { return string(s) }

// String implements fmt.Stringer for log fields.
func (k StageKind) String() string { return string(k) }
