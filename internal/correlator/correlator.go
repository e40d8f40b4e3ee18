// Package correlator receives normalized provider callbacks and maps them
// back to the attempt that minted their correlation token. It applies the
// completion transition through the ledger CAS, persists the produced
// artifact, and re-triggers the scheduler. Unknown or superseded tokens are
// discarded without error; the webhook has already been acknowledged by the
// HTTP layer regardless of what happens here.
package correlator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"clipforge/internal/ledger"
	"clipforge/internal/pipeline"
	"clipforge/internal/worker"
	"clipforge/models"
)

// Advancer re-triggers forward progress after a completion lands.
type Advancer interface {
	Advance(ctx context.Context, ref ledger.EntityRef) error
}

// Correlator resolves webhook events against the ledger.
type Correlator struct {
	store  ledger.Store
	sched  Advancer
	logger *logrus.Logger
}

// New creates a Correlator.
func New(store ledger.Store, sched Advancer, logger *logrus.Logger) *Correlator {
	return &Correlator{store: store, sched: sched, logger: logger}
}

// OnCallback resolves one webhook event. Replays of an already-resolved
// event and callbacks for superseded attempts are no-ops.
func (c *Correlator) OnCallback(ctx context.Context, event models.WebhookEvent) error {
	ref, found, err := c.store.FindByToken(ctx, event.Token)
	if err != nil {
		return fmt.Errorf("resolve token %s: %w", event.Token, err)
	}
	if !found {
		// Replay after resolution, or an attempt superseded by retry.
		c.logger.WithFields(logrus.Fields{
			"provider": event.Provider,
			"token":    event.Token,
		}).Info("Discarding callback with unknown correlation token")
		return nil
	}

	dispatched, kind, videoID, err := c.liveAttemptState(ctx, ref, event.Token)
	if err != nil {
		return err
	}
	if dispatched == "" {
		return nil
	}

	if event.Outcome == models.OutcomeFailure {
		return c.applyFailure(ctx, ref, dispatched, videoID, event)
	}
	return c.applySuccess(ctx, ref, dispatched, kind, videoID, event)
}

// liveAttemptState re-reads the entity and confirms the token still names
// its live attempt in the matching dispatched stage. An empty stage return
// means the callback is stale.
func (c *Correlator) liveAttemptState(ctx context.Context, ref ledger.EntityRef, token string) (pipeline.Stage, pipeline.StageKind, uuid.UUID, error) {
	var (
		stageValue string
		liveToken  *string
		videoID    uuid.UUID
	)
	switch ref.Kind {
	case pipeline.EntitySegment:
		segment, err := c.store.GetSegment(ctx, ref.ID)
		if err != nil {
			return "", "", uuid.Nil, fmt.Errorf("load segment %s for callback: %w", ref.ID, err)
		}
		stageValue = segment.Stage
		liveToken = segment.AttemptToken
		videoID = segment.VideoID
	default:
		video, err := c.store.GetVideo(ctx, ref.ID)
		if err != nil {
			return "", "", uuid.Nil, fmt.Errorf("load video %s for callback: %w", ref.ID, err)
		}
		stageValue = video.Stage
		liveToken = video.AttemptToken
	}

	stage := pipeline.Stage(stageValue)
	kind, isDispatched := pipeline.KindFor(stage)
	if !isDispatched || liveToken == nil || *liveToken != token {
		c.logger.WithFields(logrus.Fields{
			"entity": string(ref.Kind),
			"id":     ref.ID.String(),
			"stage":  stageValue,
			"token":  token,
		}).Info("Discarding stale callback; state already moved on")
		return "", "", uuid.Nil, nil
	}
	return stage, kind, videoID, nil
}

func (c *Correlator) applySuccess(ctx context.Context, ref ledger.EntityRef, dispatched pipeline.Stage, kind pipeline.StageKind, videoID uuid.UUID, event models.WebhookEvent) error {
	done, _ := pipeline.DoneFor(dispatched)
	patch := ledger.MergePatches(ledger.ClearAttemptPatch(), artifactPatch(kind, event.ArtifactRef))

	ok, err := c.store.TryTransition(ctx, ref, dispatched, done, event.Token, patch)
	if err != nil {
		return err
	}
	if !ok {
		// A retry or duplicate delivery won the CAS first.
		return nil
	}

	c.logger.WithFields(logrus.Fields{
		"entity":   string(ref.Kind),
		"id":       ref.ID.String(),
		"stage":    string(done),
		"provider": event.Provider,
	}).Info("Stage completed via webhook")

	if err := c.sched.Advance(ctx, ref); err != nil {
		c.logger.WithFields(logrus.Fields{
			"entity": string(ref.Kind),
			"id":     ref.ID.String(),
			"error":  err.Error(),
		}).Error("Advance after completion failed")
	}

	// A segment completion may satisfy the parent video's aggregate gate.
	if ref.Kind == pipeline.EntitySegment {
		parentRef := ledger.EntityRef{Kind: pipeline.EntityVideo, ID: videoID}
		if err := c.sched.Advance(ctx, parentRef); err != nil {
			c.logger.WithFields(logrus.Fields{
				"video": videoID.String(),
				"error": err.Error(),
			}).Error("Parent video advance failed")
		}
	}
	return nil
}

// applyFailure handles a provider explicitly reporting it cannot produce
// output. Terminal immediately; no retry.
func (c *Correlator) applyFailure(ctx context.Context, ref ledger.EntityRef, dispatched pipeline.Stage, videoID uuid.UUID, event models.WebhookEvent) error {
	patch := ledger.MergePatches(ledger.ClearAttemptPatch(), ledger.Patch{
		"status":         pipeline.StatusFailed,
		"failure_reason": pipeline.ReasonProviderFailure,
	})
	ok, err := c.store.TryTransition(ctx, ref, dispatched, pipeline.StageFailed, event.Token, patch)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	c.logger.WithFields(logrus.Fields{
		"entity":   string(ref.Kind),
		"id":       ref.ID.String(),
		"stage":    string(dispatched),
		"provider": event.Provider,
		"error":    event.ErrorMessage,
	}).Warn("Provider reported stage failure")

	if ref.Kind == pipeline.EntitySegment {
		parentRef := ledger.EntityRef{Kind: pipeline.EntityVideo, ID: videoID}
		return c.store.MarkFailed(ctx, parentRef, pipeline.ReasonSegmentFailed)
	}
	return nil
}

// artifactPatch maps a completed stage to the column its artifact lands in.
// The segment and video terminal stages also flip status to complete.
func artifactPatch(kind pipeline.StageKind, artifactRef string) ledger.Patch {
	switch kind {
	case pipeline.KindVoice:
		return ledger.Patch{"voiceover_ref": artifactRef}
	case pipeline.KindMedia:
		return ledger.Patch{"combined_ref": artifactRef, "status": pipeline.StatusComplete}
	case pipeline.KindConcat:
		return ledger.Patch{"concat_media_ref": artifactRef}
	default:
		return ledger.Patch{"final_media_ref": artifactRef, "status": pipeline.StatusComplete}
	}
}

// callbackJob runs one OnCallback on the worker pool so the webhook handler
// can acknowledge receipt immediately.
type callbackJob struct {
	correlator *Correlator
	event      models.WebhookEvent
}

// NewCallbackJob wraps a webhook event as a pool job.
func NewCallbackJob(correlator *Correlator, event models.WebhookEvent) worker.Job {
	return &callbackJob{correlator: correlator, event: event}
}

func (j *callbackJob) Execute(ctx context.Context) error {
	return j.correlator.OnCallback(ctx, j.event)
}

func (j *callbackJob) ID() string {
	return "callback-" + j.event.Provider + "-" + j.event.Token
}
