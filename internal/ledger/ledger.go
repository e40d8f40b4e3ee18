// Package ledger is the authoritative record of pipeline progress. One row
// per video, child rows per segment, read and written through the external
// record store. All coordination between the scheduler and the correlator
// happens via compare-and-swap on an entity's stage column, never via
// in-process locks shared between them.
package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"clipforge/internal/pipeline"
	"clipforge/models"
)

// ErrNotFound is returned when an entity row does not exist.
var ErrNotFound = errors.New("ledger: entity not found")

// EntityRef identifies a video or segment row.
type EntityRef struct {
	Kind pipeline.EntityKind
	ID   uuid.UUID
}

// Patch carries column updates applied alongside a stage transition.
// Keys are column names; a nil value clears the column.
type Patch map[string]interface{}

// Store is the persistence surface the orchestrator core requires. It may be
// backed by any store offering single-row compare-and-swap semantics.
type Store interface {
	CreateVideo(ctx context.Context, video *models.Video, segments []models.Segment) error
	GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error)
	GetSegment(ctx context.Context, id uuid.UUID) (*models.Segment, error)
	// ListSegments returns a video's segments ordered by sequence index.
	ListSegments(ctx context.Context, videoID uuid.UUID) ([]models.Segment, error)

	// TryTransition applies patch and moves the entity from expected to next.
	// It succeeds only while the persisted stage equals expected, so two
	// concurrent callers cannot both apply a transition. A non-empty
	// attemptToken additionally requires the live attempt token to match,
	// which is what stops a transition applying twice for one attempt.
	TryTransition(ctx context.Context, ref EntityRef, expected, next pipeline.Stage, attemptToken string, patch Patch) (bool, error)

	// RecordAttempt replaces the live attempt fields for an entity. The write
	// only applies while priorToken is still the live attempt token, so a
	// callback racing a timeout retry cannot be silently overwritten.
	RecordAttempt(ctx context.Context, ref EntityRef, kind pipeline.StageKind, token string, deadline time.Time, count int, priorToken string) (bool, error)

	// MarkFailed terminally fails an entity regardless of its stage, unless
	// it is already failed. Used for cascading segment failure to the parent
	// video and for external cancellation.
	MarkFailed(ctx context.Context, ref EntityRef, reason string) error

	// FindByToken resolves a correlation token back to the entity whose live
	// attempt minted it. A miss means the attempt was superseded or resolved.
	FindByToken(ctx context.Context, token string) (EntityRef, bool, error)

	// ListExpiredAttempts returns entities in a dispatched stage whose live
	// attempt deadline passed before cutoff.
	ListExpiredAttempts(ctx context.Context, cutoff time.Time) ([]EntityRef, error)

	// ListStalled returns non-terminal entities with no live attempt whose
	// last update happened before cutoff. These are entities whose queued
	// advance was lost: a dropped pool job, or a crash between a completion
	// and the follow-up dispatch.
	ListStalled(ctx context.Context, cutoff time.Time) ([]EntityRef, error)
}

// AttemptPatch returns the patch that stores a fresh live attempt.
func AttemptPatch(kind pipeline.StageKind, token string, count int, deadline time.Time) Patch {
	now := time.Now().UTC()
	return Patch{
		"attempt_stage":    string(kind),
		"attempt_token":    token,
		"attempt_count":    count,
		"attempt_deadline": deadline.UTC(),
		"dispatched_at":    now,
	}
}

// ClearAttemptPatch returns the patch that resolves the live attempt. Any
// callback referencing the cleared token is stale from this point on.
func ClearAttemptPatch() Patch {
	return Patch{
		"attempt_stage":    nil,
		"attempt_token":    nil,
		"attempt_deadline": nil,
		"dispatched_at":    nil,
	}
}

// MergePatches folds several patches left to right into one.
func MergePatches(patches ...Patch) Patch {
	merged := Patch{}
	for _, p := range patches {
		for k, v := range p {
			merged[k] = v
		}
	}
	return merged
}

func sortSegments(segments []models.Segment) {
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].SequenceIndex < segments[j].SequenceIndex
	})
}
