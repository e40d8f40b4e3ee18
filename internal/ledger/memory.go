package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"clipforge/internal/pipeline"
	"clipforge/models"
)

// Memory is an in-process Store with the same compare-and-swap semantics as
// the hosted implementation. It backs the scheduler and correlator tests and
// works as a real Store for single-process runs without a record store.
type Memory struct {
	mu       sync.Mutex
	videos   map[uuid.UUID]*models.Video
	segments map[uuid.UUID]*models.Segment
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		videos:   make(map[uuid.UUID]*models.Video),
		segments: make(map[uuid.UUID]*models.Segment),
	}
}

// CreateVideo inserts the video row and its segment rows.
func (m *Memory) CreateVideo(ctx context.Context, video *models.Video, segments []models.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.videos[video.ID]; exists {
		return fmt.Errorf("video %s already exists", video.ID)
	}
	videoCopy := *video
	m.videos[video.ID] = &videoCopy
	for i := range segments {
		segCopy := segments[i]
		m.segments[segCopy.ID] = &segCopy
	}
	return nil
}

// GetVideo fetches one video row.
func (m *Memory) GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	video, ok := m.videos[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *video
	return &cp, nil
}

// GetSegment fetches one segment row.
func (m *Memory) GetSegment(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	segment, ok := m.segments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *segment
	return &cp, nil
}

// ListSegments returns a video's segments ordered by sequence index.
func (m *Memory) ListSegments(ctx context.Context, videoID uuid.UUID) ([]models.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Segment
	for _, segment := range m.segments {
		if segment.VideoID == videoID {
			out = append(out, *segment)
		}
	}
	sortSegments(out)
	return out, nil
}

// TryTransition applies patch iff the persisted stage equals expected and,
// when attemptToken is non-empty, the live attempt token matches.
func (m *Memory) TryTransition(ctx context.Context, ref EntityRef, expected, next pipeline.Stage, attemptToken string, patch Patch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update := MergePatches(patch, Patch{
		"stage":      string(next),
		"updated_at": time.Now().UTC(),
	})
	guards := []guard{{column: "stage", value: string(expected)}}
	if attemptToken != "" {
		guards = append(guards, guard{column: "attempt_token", value: attemptToken})
	}
	return m.conditionalUpdate(ref, update, guards...)
}

// RecordAttempt supersedes the live attempt, guarded on the prior token.
func (m *Memory) RecordAttempt(ctx context.Context, ref EntityRef, kind pipeline.StageKind, token string, deadline time.Time, count int, priorToken string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update := MergePatches(AttemptPatch(kind, token, count, deadline), Patch{
		"updated_at": time.Now().UTC(),
	})
	return m.conditionalUpdate(ref, update, guard{column: "attempt_token", value: priorToken})
}

// MarkFailed terminally fails the entity unless it already is.
func (m *Memory) MarkFailed(ctx context.Context, ref EntityRef, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stage, ok := m.currentStage(ref)
	if !ok {
		return ErrNotFound
	}
	if stage == pipeline.StageFailed {
		return nil
	}
	update := MergePatches(ClearAttemptPatch(), Patch{
		"stage":          string(pipeline.StageFailed),
		"status":         pipeline.StatusFailed,
		"failure_reason": reason,
		"updated_at":     time.Now().UTC(),
	})
	_, err := m.conditionalUpdate(ref, update, guard{column: "stage", value: string(stage)})
	return err
}

// FindByToken resolves a correlation token to its owning entity.
func (m *Memory) FindByToken(ctx context.Context, token string) (EntityRef, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, segment := range m.segments {
		if segment.AttemptToken != nil && *segment.AttemptToken == token {
			return EntityRef{Kind: pipeline.EntitySegment, ID: id}, true, nil
		}
	}
	for id, video := range m.videos {
		if video.AttemptToken != nil && *video.AttemptToken == token {
			return EntityRef{Kind: pipeline.EntityVideo, ID: id}, true, nil
		}
	}
	return EntityRef{}, false, nil
}

// ListExpiredAttempts returns dispatched entities with a lapsed deadline.
func (m *Memory) ListExpiredAttempts(ctx context.Context, cutoff time.Time) ([]EntityRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []EntityRef
	for id, segment := range m.segments {
		if pipeline.IsDispatched(pipeline.Stage(segment.Stage)) &&
			segment.AttemptDeadline != nil && segment.AttemptDeadline.Before(cutoff) {
			refs = append(refs, EntityRef{Kind: pipeline.EntitySegment, ID: id})
		}
	}
	for id, video := range m.videos {
		if pipeline.IsDispatched(pipeline.Stage(video.Stage)) &&
			video.AttemptDeadline != nil && video.AttemptDeadline.Before(cutoff) {
			refs = append(refs, EntityRef{Kind: pipeline.EntityVideo, ID: id})
		}
	}
	return refs, nil
}

// ListStalled returns non-terminal entities with no live attempt that have
// not been touched since cutoff.
func (m *Memory) ListStalled(ctx context.Context, cutoff time.Time) ([]EntityRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []EntityRef
	for id, segment := range m.segments {
		if stalled(pipeline.EntitySegment, segment.Stage, segment.UpdatedAt, cutoff) {
			refs = append(refs, EntityRef{Kind: pipeline.EntitySegment, ID: id})
		}
	}
	for id, video := range m.videos {
		if stalled(pipeline.EntityVideo, video.Stage, video.UpdatedAt, cutoff) {
			refs = append(refs, EntityRef{Kind: pipeline.EntityVideo, ID: id})
		}
	}
	return refs, nil
}

func stalled(kind pipeline.EntityKind, stageValue string, updatedAt, cutoff time.Time) bool {
	stage, ok := pipeline.ParseStage(kind, stageValue)
	if !ok {
		return false
	}
	return !pipeline.IsTerminal(kind, stage) &&
		!pipeline.IsDispatched(stage) &&
		updatedAt.Before(cutoff)
}

// conditionalUpdate mirrors the PostgREST filtered UPDATE: apply the patch
// only while every guard column still holds its expected value. Callers
// hold m.mu.
func (m *Memory) conditionalUpdate(ref EntityRef, update Patch, guards ...guard) (bool, error) {
	switch ref.Kind {
	case pipeline.EntitySegment:
		segment, ok := m.segments[ref.ID]
		if !ok {
			return false, nil
		}
		for _, g := range guards {
			if columnValue(g.column, segment.Stage, segment.AttemptToken) != g.value {
				return false, nil
			}
		}
		applySegmentPatch(segment, update)
		return true, nil
	default:
		video, ok := m.videos[ref.ID]
		if !ok {
			return false, nil
		}
		for _, g := range guards {
			if columnValue(g.column, video.Stage, video.AttemptToken) != g.value {
				return false, nil
			}
		}
		applyVideoPatch(video, update)
		return true, nil
	}
}

func (m *Memory) currentStage(ref EntityRef) (pipeline.Stage, bool) {
	switch ref.Kind {
	case pipeline.EntitySegment:
		if segment, ok := m.segments[ref.ID]; ok {
			return pipeline.Stage(segment.Stage), true
		}
	default:
		if video, ok := m.videos[ref.ID]; ok {
			return pipeline.Stage(video.Stage), true
		}
	}
	return "", false
}

func columnValue(column, stage string, attemptToken *string) string {
	if column == "attempt_token" {
		if attemptToken == nil {
			return ""
		}
		return *attemptToken
	}
	return stage
}

func applySegmentPatch(segment *models.Segment, patch Patch) {
	for column, value := range patch {
		switch column {
		case "stage":
			segment.Stage = asString(value)
		case "status":
			segment.Status = asString(value)
		case "failure_reason":
			segment.FailureReason = asStringPtr(value)
		case "voiceover_ref":
			segment.VoiceoverRef = asStringPtr(value)
		case "combined_ref":
			segment.CombinedRef = asStringPtr(value)
		case "attempt_stage":
			segment.AttemptStage = asStringPtr(value)
		case "attempt_token":
			segment.AttemptToken = asStringPtr(value)
		case "attempt_count":
			segment.AttemptCount = asInt(value)
		case "attempt_deadline":
			segment.AttemptDeadline = asTimePtr(value)
		case "dispatched_at":
			segment.DispatchedAt = asTimePtr(value)
		case "updated_at":
			segment.UpdatedAt = asTime(value)
		}
	}
}

func applyVideoPatch(video *models.Video, patch Patch) {
	for column, value := range patch {
		switch column {
		case "stage":
			video.Stage = asString(value)
		case "status":
			video.Status = asString(value)
		case "failure_reason":
			video.FailureReason = asStringPtr(value)
		case "concat_media_ref":
			video.ConcatMediaRef = asStringPtr(value)
		case "final_media_ref":
			video.FinalMediaRef = asStringPtr(value)
		case "attempt_stage":
			video.AttemptStage = asStringPtr(value)
		case "attempt_token":
			video.AttemptToken = asStringPtr(value)
		case "attempt_count":
			video.AttemptCount = asInt(value)
		case "attempt_deadline":
			video.AttemptDeadline = asTimePtr(value)
		case "dispatched_at":
			video.DispatchedAt = asTimePtr(value)
		case "updated_at":
			video.UpdatedAt = asTime(value)
		}
	}
}

func asString(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}

func asStringPtr(value interface{}) *string {
	if value == nil {
		return nil
	}
	if s, ok := value.(string); ok {
		return &s
	}
	return nil
}

func asInt(value interface{}) int {
	if n, ok := value.(int); ok {
		return n
	}
	return 0
}

func asTime(value interface{}) time.Time {
	if t, ok := value.(time.Time); ok {
		return t
	}
	return time.Time{}
}

func asTimePtr(value interface{}) *time.Time {
	if value == nil {
		return nil
	}
	if t, ok := value.(time.Time); ok {
		return &t
	}
	return nil
}
