package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	postgrest "github.com/supabase-community/postgrest-go"

	"clipforge/internal/pipeline"
	"clipforge/models"
)

const (
	videosTable   = "videos"
	segmentsTable = "segments"
)

var segmentDispatchedStages = []string{
	string(pipeline.StageVoiceDispatched),
	string(pipeline.StageMediaDispatched),
}

var videoDispatchedStages = []string{
	string(pipeline.StageConcatDispatched),
	string(pipeline.StageMusicDispatched),
}

// Non-terminal stages without a live attempt, per entity kind. Rows idling
// in one of these past the stall grace lost their queued advance.
var segmentStalledStages = []string{
	string(pipeline.StageCreated),
	string(pipeline.StageVoiceDone),
}

var videoStalledStages = []string{
	string(pipeline.StageCreated),
	string(pipeline.StageConcatDone),
}

// Supabase is the Store implementation backed by the hosted tabular store,
// accessed over HTTP through PostgREST. Compare-and-swap is expressed as a
// conditional UPDATE filtered on the expected stage, with the representation
// row count deciding whether the swap applied.
type Supabase struct {
	client *postgrest.Client
	logger *logrus.Logger
}

// NewSupabase creates a ledger Store on top of an initialized PostgREST client.
func NewSupabase(client *postgrest.Client, logger *logrus.Logger) *Supabase {
	return &Supabase{client: client, logger: logger}
}

func tableFor(kind pipeline.EntityKind) string {
	if kind == pipeline.EntitySegment {
		return segmentsTable
	}
	return videosTable
}

// CreateVideo inserts the video row and its segment rows.
func (s *Supabase) CreateVideo(ctx context.Context, video *models.Video, segments []models.Segment) error {
	var createdVideos []models.Video
	_, err := s.client.From(videosTable).
		Insert(video, false, "", "representation", "").
		ExecuteTo(&createdVideos)
	if err != nil {
		return fmt.Errorf("insert video %s: %w", video.ID, err)
	}
	if len(createdVideos) == 0 {
		return fmt.Errorf("no record returned after video insert, id: %s", video.ID)
	}

	var createdSegments []models.Segment
	_, err = s.client.From(segmentsTable).
		Insert(segments, false, "", "representation", "").
		ExecuteTo(&createdSegments)
	if err != nil {
		return fmt.Errorf("insert segments for video %s: %w", video.ID, err)
	}
	if len(createdSegments) != len(segments) {
		return fmt.Errorf("expected %d segment records after insert, got %d", len(segments), len(createdSegments))
	}
	return nil
}

// GetVideo fetches one video row.
func (s *Supabase) GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	var videos []models.Video
	_, err := s.client.From(videosTable).
		Select("*", "", false).
		Eq("id", id.String()).
		Limit(1, "").
		ExecuteTo(&videos)
	if err != nil {
		return nil, fmt.Errorf("fetch video %s: %w", id, err)
	}
	if len(videos) == 0 {
		return nil, ErrNotFound
	}
	return &videos[0], nil
}

// GetSegment fetches one segment row.
func (s *Supabase) GetSegment(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	var segments []models.Segment
	_, err := s.client.From(segmentsTable).
		Select("*", "", false).
		Eq("id", id.String()).
		Limit(1, "").
		ExecuteTo(&segments)
	if err != nil {
		return nil, fmt.Errorf("fetch segment %s: %w", id, err)
	}
	if len(segments) == 0 {
		return nil, ErrNotFound
	}
	return &segments[0], nil
}

// ListSegments returns a video's segments ordered by sequence index.
func (s *Supabase) ListSegments(ctx context.Context, videoID uuid.UUID) ([]models.Segment, error) {
	var segments []models.Segment
	_, err := s.client.From(segmentsTable).
		Select("*", "", false).
		Eq("video_id", videoID.String()).
		ExecuteTo(&segments)
	if err != nil {
		return nil, fmt.Errorf("list segments for video %s: %w", videoID, err)
	}
	sortSegments(segments)
	return segments, nil
}

// TryTransition is the CAS the whole design leans on: the UPDATE is filtered
// on the row id, the expected stage, and optionally the live attempt token,
// so it matches zero rows whenever another caller already moved the entity on.
func (s *Supabase) TryTransition(ctx context.Context, ref EntityRef, expected, next pipeline.Stage, attemptToken string, patch Patch) (bool, error) {
	update := MergePatches(patch, Patch{
		"stage":      string(next),
		"updated_at": time.Now().UTC(),
	})

	guards := []guard{{column: "stage", value: string(expected)}}
	if attemptToken != "" {
		guards = append(guards, guard{column: "attempt_token", value: attemptToken})
	}
	matched, err := s.conditionalUpdate(ref, update, guards...)
	if err != nil {
		return false, fmt.Errorf("transition %s %s from %s to %s: %w", ref.Kind, ref.ID, expected, next, err)
	}
	if !matched {
		s.logger.WithFields(logrus.Fields{
			"entity":   string(ref.Kind),
			"id":       ref.ID.String(),
			"expected": string(expected),
			"next":     string(next),
		}).Info("Stage transition lost CAS; discarding")
	}
	return matched, nil
}

// RecordAttempt supersedes the live attempt, guarded on the prior token.
func (s *Supabase) RecordAttempt(ctx context.Context, ref EntityRef, kind pipeline.StageKind, token string, deadline time.Time, count int, priorToken string) (bool, error) {
	update := MergePatches(AttemptPatch(kind, token, count, deadline), Patch{
		"updated_at": time.Now().UTC(),
	})
	matched, err := s.conditionalUpdate(ref, update, guard{column: "attempt_token", value: priorToken})
	if err != nil {
		return false, fmt.Errorf("record attempt for %s %s: %w", ref.Kind, ref.ID, err)
	}
	return matched, nil
}

// MarkFailed terminally fails the entity unless it already is.
func (s *Supabase) MarkFailed(ctx context.Context, ref EntityRef, reason string) error {
	update := MergePatches(ClearAttemptPatch(), Patch{
		"stage":          string(pipeline.StageFailed),
		"status":         pipeline.StatusFailed,
		"failure_reason": reason,
		"updated_at":     time.Now().UTC(),
	})

	switch ref.Kind {
	case pipeline.EntitySegment:
		var rows []models.Segment
		_, err := s.client.From(segmentsTable).
			Update(update, "representation", "").
			Eq("id", ref.ID.String()).
			Neq("stage", string(pipeline.StageFailed)).
			ExecuteTo(&rows)
		if err != nil {
			return fmt.Errorf("mark segment %s failed: %w", ref.ID, err)
		}
	default:
		var rows []models.Video
		_, err := s.client.From(videosTable).
			Update(update, "representation", "").
			Eq("id", ref.ID.String()).
			Neq("stage", string(pipeline.StageFailed)).
			ExecuteTo(&rows)
		if err != nil {
			return fmt.Errorf("mark video %s failed: %w", ref.ID, err)
		}
	}
	return nil
}

// FindByToken resolves a correlation token, checking segments first since
// segment-scoped stages dominate traffic.
func (s *Supabase) FindByToken(ctx context.Context, token string) (EntityRef, bool, error) {
	var segments []models.Segment
	_, err := s.client.From(segmentsTable).
		Select("id", "", false).
		Eq("attempt_token", token).
		Limit(1, "").
		ExecuteTo(&segments)
	if err != nil {
		return EntityRef{}, false, fmt.Errorf("find segment by token: %w", err)
	}
	if len(segments) > 0 {
		return EntityRef{Kind: pipeline.EntitySegment, ID: segments[0].ID}, true, nil
	}

	var videos []models.Video
	_, err = s.client.From(videosTable).
		Select("id", "", false).
		Eq("attempt_token", token).
		Limit(1, "").
		ExecuteTo(&videos)
	if err != nil {
		return EntityRef{}, false, fmt.Errorf("find video by token: %w", err)
	}
	if len(videos) > 0 {
		return EntityRef{Kind: pipeline.EntityVideo, ID: videos[0].ID}, true, nil
	}
	return EntityRef{}, false, nil
}

// ListExpiredAttempts scans both tables for dispatched rows whose attempt
// deadline passed before cutoff.
func (s *Supabase) ListExpiredAttempts(ctx context.Context, cutoff time.Time) ([]EntityRef, error) {
	cutoffValue := cutoff.UTC().Format(time.RFC3339Nano)
	var refs []EntityRef

	var segments []models.Segment
	_, err := s.client.From(segmentsTable).
		Select("id", "", false).
		In("stage", segmentDispatchedStages).
		Lt("attempt_deadline", cutoffValue).
		ExecuteTo(&segments)
	if err != nil {
		return nil, fmt.Errorf("list expired segment attempts: %w", err)
	}
	for _, seg := range segments {
		refs = append(refs, EntityRef{Kind: pipeline.EntitySegment, ID: seg.ID})
	}

	var videos []models.Video
	_, err = s.client.From(videosTable).
		Select("id", "", false).
		In("stage", videoDispatchedStages).
		Lt("attempt_deadline", cutoffValue).
		ExecuteTo(&videos)
	if err != nil {
		return nil, fmt.Errorf("list expired video attempts: %w", err)
	}
	for _, video := range videos {
		refs = append(refs, EntityRef{Kind: pipeline.EntityVideo, ID: video.ID})
	}
	return refs, nil
}

// ListStalled scans both tables for non-terminal rows without a live
// attempt that have not been touched since cutoff.
func (s *Supabase) ListStalled(ctx context.Context, cutoff time.Time) ([]EntityRef, error) {
	cutoffValue := cutoff.UTC().Format(time.RFC3339Nano)
	var refs []EntityRef

	var segments []models.Segment
	_, err := s.client.From(segmentsTable).
		Select("id", "", false).
		In("stage", segmentStalledStages).
		Lt("updated_at", cutoffValue).
		ExecuteTo(&segments)
	if err != nil {
		return nil, fmt.Errorf("list stalled segments: %w", err)
	}
	for _, seg := range segments {
		refs = append(refs, EntityRef{Kind: pipeline.EntitySegment, ID: seg.ID})
	}

	var videos []models.Video
	_, err = s.client.From(videosTable).
		Select("id", "", false).
		In("stage", videoStalledStages).
		Lt("updated_at", cutoffValue).
		ExecuteTo(&videos)
	if err != nil {
		return nil, fmt.Errorf("list stalled videos: %w", err)
	}
	for _, video := range videos {
		refs = append(refs, EntityRef{Kind: pipeline.EntityVideo, ID: video.ID})
	}
	return refs, nil
}

// guard is one column equality the conditional update is filtered on.
type guard struct {
	column string
	value  string
}

func (s *Supabase) conditionalUpdate(ref EntityRef, update Patch, guards ...guard) (bool, error) {
	switch ref.Kind {
	case pipeline.EntitySegment:
		builder := s.client.From(segmentsTable).
			Update(update, "representation", "").
			Eq("id", ref.ID.String())
		for _, g := range guards {
			builder = builder.Eq(g.column, g.value)
		}
		var rows []models.Segment
		_, err := builder.ExecuteTo(&rows)
		if err != nil {
			return false, err
		}
		return len(rows) > 0, nil
	default:
		builder := s.client.From(videosTable).
			Update(update, "representation", "").
			Eq("id", ref.ID.String())
		for _, g := range guards {
			builder = builder.Eq(g.column, g.value)
		}
		var rows []models.Video
		_, err := builder.ExecuteTo(&rows)
		if err != nil {
			return false, err
		}
		return len(rows) > 0, nil
	}
}
