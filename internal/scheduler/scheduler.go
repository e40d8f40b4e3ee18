// Package scheduler drives forward progress. It decides which stage an
// entity runs next, issues the dispatch with a fresh correlation token,
// arms the timeout, and applies the retry policy when a provider errors or
// never calls back. It never blocks waiting for a webhook; the correlator
// resumes an entity by calling Advance again.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"clipforge/config"
	"clipforge/internal/ledger"
	"clipforge/internal/pipeline"
	"clipforge/internal/stageclient"
	"clipforge/models"
)

// lockShards bounds the entity lock set for the life of the process.
const lockShards = 64

// Scheduler advances videos and segments through the pipeline state machine.
type Scheduler struct {
	store        ledger.Store
	adapter      stageclient.Dispatcher
	stages       config.StageTable
	callbackBase string
	logger       *logrus.Logger

	// Entity locks serialize concurrent Advance calls in this process so a
	// second dispatch cannot start while one is being issued. Sharded by id
	// so the set stays fixed-size; two entities sharing a shard serialize
	// harmlessly. The ledger CAS remains the authority across processes.
	locks [lockShards]sync.Mutex
}

// New creates a Scheduler. callbackBase is the externally reachable URL
// prefix providers deliver webhooks to.
func New(store ledger.Store, adapter stageclient.Dispatcher, stages config.StageTable, callbackBase string, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		store:        store,
		adapter:      adapter,
		stages:       stages,
		callbackBase: callbackBase,
		logger:       logger,
	}
}

// Advance reads the entity's current state and performs at most one action:
// dispatch the next stage, retry or fail an expired attempt, or nothing when
// a live attempt is pending or an aggregate gate is not yet satisfied.
func (s *Scheduler) Advance(ctx context.Context, ref ledger.EntityRef) error {
	unlock := s.lockEntity(ref.ID)
	defer unlock()

	if ref.Kind == pipeline.EntitySegment {
		return s.advanceSegment(ctx, ref)
	}
	return s.advanceVideo(ctx, ref)
}

func (s *Scheduler) advanceSegment(ctx context.Context, ref ledger.EntityRef) error {
	segment, err := s.store.GetSegment(ctx, ref.ID)
	if err != nil {
		return fmt.Errorf("advance segment %s: %w", ref.ID, err)
	}
	stage, ok := pipeline.ParseStage(pipeline.EntitySegment, segment.Stage)
	if !ok {
		return pipeline.NewInvariantError("segment %s has unknown stage %q", ref.ID, segment.Stage)
	}
	if pipeline.IsTerminal(pipeline.EntitySegment, stage) {
		return nil
	}

	if pipeline.IsDispatched(stage) {
		if attemptLive(segment.AttemptDeadline) {
			return nil
		}
		text, inputs, err := segmentRequestInputs(segment, stageKindOf(stage))
		if err != nil {
			return err
		}
		return s.retryOrFail(ctx, ref, stage, segment.AttemptCount, attemptToken(segment.AttemptToken), text, inputs)
	}

	next, ok := pipeline.Next(pipeline.EntitySegment, stage)
	if !ok {
		return nil
	}
	kind := stageKindOf(next)
	text, inputs, err := segmentRequestInputs(segment, kind)
	if err != nil {
		return err
	}
	return s.dispatchStage(ctx, ref, stage, next, kind, text, inputs)
}

func (s *Scheduler) advanceVideo(ctx context.Context, ref ledger.EntityRef) error {
	video, err := s.store.GetVideo(ctx, ref.ID)
	if err != nil {
		return fmt.Errorf("advance video %s: %w", ref.ID, err)
	}
	stage, ok := pipeline.ParseStage(pipeline.EntityVideo, video.Stage)
	if !ok {
		return pipeline.NewInvariantError("video %s has unknown stage %q", ref.ID, video.Stage)
	}
	if pipeline.IsTerminal(pipeline.EntityVideo, stage) {
		return nil
	}

	if pipeline.IsDispatched(stage) {
		if attemptLive(video.AttemptDeadline) {
			return nil
		}
		inputs, err := s.videoRequestInputs(ctx, video, stageKindOf(stage))
		if err != nil {
			return err
		}
		return s.retryOrFail(ctx, ref, stage, video.AttemptCount, attemptToken(video.AttemptToken), "", inputs)
	}

	next, ok := pipeline.Next(pipeline.EntityVideo, stage)
	if !ok {
		return nil
	}
	kind := stageKindOf(next)

	if kind == pipeline.KindConcat {
		ready, err := s.concatReady(ctx, video)
		if err != nil || !ready {
			return err
		}
	}

	inputs, err := s.videoRequestInputs(ctx, video, kind)
	if err != nil {
		return err
	}
	return s.dispatchStage(ctx, ref, stage, next, kind, "", inputs)
}

// concatReady applies the aggregate rule: every segment must be at or past
// media_done before the video-scoped stages may start. A failed segment
// fails the video immediately instead of waiting for siblings.
func (s *Scheduler) concatReady(ctx context.Context, video *models.Video) (bool, error) {
	segments, err := s.store.ListSegments(ctx, video.ID)
	if err != nil {
		return false, fmt.Errorf("aggregate check for video %s: %w", video.ID, err)
	}
	stages := make([]pipeline.Stage, 0, len(segments))
	for _, segment := range segments {
		if segment.Stage == string(pipeline.StageFailed) {
			if err := s.store.MarkFailed(ctx, ledger.EntityRef{Kind: pipeline.EntityVideo, ID: video.ID}, pipeline.ReasonSegmentFailed); err != nil {
				return false, err
			}
			return false, nil
		}
		stages = append(stages, pipeline.Stage(segment.Stage))
	}
	return pipeline.AggregateReady(stages), nil
}

// dispatchStage moves the entity into the *_dispatched stage and issues the
// provider call. The CAS into the dispatched stage is what guarantees only
// one caller dispatches; the loser simply sees the transition refused.
func (s *Scheduler) dispatchStage(ctx context.Context, ref ledger.EntityRef, current, next pipeline.Stage, kind pipeline.StageKind, text string, inputs []string) error {
	settings := s.stages[kind]
	token := uuid.NewString()
	deadline := time.Now().Add(settings.Timeout)

	patch := ledger.MergePatches(
		ledger.AttemptPatch(kind, token, 1, deadline),
		ledger.Patch{"status": pipeline.StatusRunning},
	)
	ok, err := s.store.TryTransition(ctx, ref, current, next, "", patch)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"entity": string(ref.Kind),
		"id":     ref.ID.String(),
		"stage":  string(next),
		"token":  token,
	}).Info("Dispatching stage")
	return s.runDispatch(ctx, ref, next, kind, token, 1, text, inputs)
}

// retryOrFail handles an expired attempt: supersede it with a new token
// while under the ceiling, otherwise terminally fail with stage_timeout.
func (s *Scheduler) retryOrFail(ctx context.Context, ref ledger.EntityRef, dispatched pipeline.Stage, count int, priorToken, text string, inputs []string) error {
	kind := stageKindOf(dispatched)
	settings := s.stages[kind]

	if count >= settings.MaxAttempts {
		s.logger.WithFields(logrus.Fields{
			"entity":   string(ref.Kind),
			"id":       ref.ID.String(),
			"stage":    string(dispatched),
			"attempts": count,
		}).Warn("Attempt ceiling reached; failing entity")
		return s.failFromDispatched(ctx, ref, dispatched, priorToken, pipeline.ReasonStageTimeout)
	}

	token := uuid.NewString()
	deadline := time.Now().Add(settings.Timeout)
	ok, err := s.store.RecordAttempt(ctx, ref, kind, token, deadline, count+1, priorToken)
	if err != nil {
		return err
	}
	if !ok {
		// A callback resolved the prior attempt between the sweep and here.
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"entity":  string(ref.Kind),
		"id":      ref.ID.String(),
		"stage":   string(dispatched),
		"attempt": count + 1,
		"token":   token,
	}).Info("Retrying timed-out stage attempt")
	return s.runDispatch(ctx, ref, dispatched, kind, token, count+1, text, inputs)
}

// runDispatch issues the provider call once. A transport error under the
// attempt ceiling expires the attempt's deadline in place, so the next sweep
// pass retries it through the normal timeout accounting instead of looping
// with backoff while the entity lock is held. At the ceiling it fails
// terminally with transient_provider_error.
func (s *Scheduler) runDispatch(ctx context.Context, ref ledger.EntityRef, dispatched pipeline.Stage, kind pipeline.StageKind, token string, count int, text string, inputs []string) error {
	_, err := s.adapter.Dispatch(ctx, stageclient.DispatchRequest{
		Kind:        kind,
		EntityID:    ref.ID,
		Token:       token,
		Text:        text,
		InputRefs:   inputs,
		CallbackURL: s.callbackURL(kind, token),
	})
	if err == nil {
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"entity":  string(ref.Kind),
		"id":      ref.ID.String(),
		"stage":   string(dispatched),
		"attempt": count,
		"error":   err.Error(),
	}).Warn("Provider dispatch failed")

	if count >= s.stages[kind].MaxAttempts {
		return s.failFromDispatched(ctx, ref, dispatched, token, pipeline.ReasonTransientProvider)
	}

	// Expiring can lose the CAS only when someone else already resolved or
	// superseded the attempt; either way there is nothing left to do here.
	if _, recordErr := s.store.RecordAttempt(ctx, ref, kind, token, time.Now(), count, token); recordErr != nil {
		return recordErr
	}
	return nil
}

// failFromDispatched terminally fails an entity stuck in a dispatched stage
// and cascades segment failure to the parent video. The transition is
// guarded on the attempt token, so a webhook landing at the same moment
// wins or loses cleanly; the loser is a no-op.
func (s *Scheduler) failFromDispatched(ctx context.Context, ref ledger.EntityRef, dispatched pipeline.Stage, token, reason string) error {
	patch := ledger.MergePatches(ledger.ClearAttemptPatch(), ledger.Patch{
		"status":         pipeline.StatusFailed,
		"failure_reason": reason,
	})
	ok, err := s.store.TryTransition(ctx, ref, dispatched, pipeline.StageFailed, token, patch)
	if err != nil {
		return err
	}
	if !ok || ref.Kind != pipeline.EntitySegment {
		return nil
	}

	segment, err := s.store.GetSegment(ctx, ref.ID)
	if err != nil {
		return err
	}
	return s.store.MarkFailed(ctx, ledger.EntityRef{Kind: pipeline.EntityVideo, ID: segment.VideoID}, pipeline.ReasonSegmentFailed)
}

// videoRequestInputs builds the ordered input refs for a video-scoped stage.
// Concatenation refuses to start when the sequence-index invariant is broken.
func (s *Scheduler) videoRequestInputs(ctx context.Context, video *models.Video, kind pipeline.StageKind) ([]string, error) {
	switch kind {
	case pipeline.KindConcat:
		segments, err := s.store.ListSegments(ctx, video.ID)
		if err != nil {
			return nil, fmt.Errorf("list segments for concat of video %s: %w", video.ID, err)
		}
		indices := make([]int, 0, len(segments))
		for _, segment := range segments {
			indices = append(indices, segment.SequenceIndex)
		}
		if err := pipeline.ValidateSequence(indices); err != nil {
			return nil, err
		}
		refs := make([]string, 0, len(segments))
		for _, segment := range segments {
			if segment.CombinedRef == nil || *segment.CombinedRef == "" {
				return nil, pipeline.NewInvariantError("segment %s (index %d) reached %s without a combined media ref", segment.ID, segment.SequenceIndex, segment.Stage)
			}
			refs = append(refs, *segment.CombinedRef)
		}
		return refs, nil
	case pipeline.KindMusic:
		if video.ConcatMediaRef == nil || *video.ConcatMediaRef == "" {
			return nil, pipeline.NewInvariantError("video %s reached music stage without a concatenated media ref", video.ID)
		}
		return []string{*video.ConcatMediaRef}, nil
	default:
		return nil, pipeline.NewInvariantError("video %s cannot run segment-scoped stage kind %q", video.ID, kind)
	}
}

func (s *Scheduler) callbackURL(kind pipeline.StageKind, token string) string {
	return fmt.Sprintf("%s/api/v1/webhooks/%s/%s", s.callbackBase, string(kind), token)
}

func (s *Scheduler) lockEntity(id uuid.UUID) func() {
	lock := &s.locks[int(id[0])%lockShards]
	lock.Lock()
	return lock.Unlock
}

// segmentRequestInputs builds the dispatch payload for a segment-scoped
// stage. Inputs are validated here, before the adapter sees them.
func segmentRequestInputs(segment *models.Segment, kind pipeline.StageKind) (string, []string, error) {
	switch kind {
	case pipeline.KindVoice:
		if segment.Text == "" {
			return "", nil, pipeline.NewInvariantError("segment %s has no text for voice synthesis", segment.ID)
		}
		return segment.Text, nil, nil
	case pipeline.KindMedia:
		if segment.VoiceoverRef == nil || *segment.VoiceoverRef == "" {
			return "", nil, pipeline.NewInvariantError("segment %s reached media stage without a voiceover ref", segment.ID)
		}
		if segment.BackgroundRef == "" {
			return "", nil, pipeline.NewInvariantError("segment %s has no background ref", segment.ID)
		}
		return "", []string{*segment.VoiceoverRef, segment.BackgroundRef}, nil
	default:
		return "", nil, pipeline.NewInvariantError("segment %s cannot run video-scoped stage kind %q", segment.ID, kind)
	}
}

func stageKindOf(stage pipeline.Stage) pipeline.StageKind {
	kind, _ := pipeline.KindFor(stage)
	return kind
}

func attemptLive(deadline *time.Time) bool {
	return deadline != nil && deadline.After(time.Now())
}

func attemptToken(token *string) string {
	if token == nil {
		return ""
	}
	return *token
}
