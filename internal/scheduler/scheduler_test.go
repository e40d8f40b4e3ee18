package scheduler

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"clipforge/config"
	"clipforge/internal/ledger"
	"clipforge/internal/pipeline"
	"clipforge/internal/stageclient"
	"clipforge/models"
)

type fakeAdapter struct {
	mu    sync.Mutex
	calls []stageclient.DispatchRequest
	// failures counts down; while positive every Dispatch errors.
	failures int
}

func (f *fakeAdapter) Dispatch(ctx context.Context, req stageclient.DispatchRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.failures > 0 {
		f.failures--
		return "", errors.New("connection refused")
	}
	return req.Token, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAdapter) lastCall() stageclient.DispatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testStages() config.StageTable {
	return config.StageTable{
		pipeline.KindVoice:  {Timeout: time.Minute, MaxAttempts: 2},
		pipeline.KindMedia:  {Timeout: time.Minute, MaxAttempts: 2},
		pipeline.KindConcat: {Timeout: time.Minute, MaxAttempts: 2},
		pipeline.KindMusic:  {Timeout: time.Minute, MaxAttempts: 2},
	}
}

func newTestScheduler(store ledger.Store, adapter stageclient.Dispatcher) *Scheduler {
	return New(store, adapter, testStages(), "https://clipforge.test", testLogger())
}

func seedVideo(t *testing.T, store *ledger.Memory, segmentStages []pipeline.Stage) (*models.Video, []models.Segment) {
	t.Helper()
	now := time.Now().UTC()
	video := &models.Video{
		ID:        uuid.New(),
		Title:     "test",
		Script:    "script",
		Stage:     string(pipeline.StageCreated),
		Status:    pipeline.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	segments := make([]models.Segment, 0, len(segmentStages))
	for i, stage := range segmentStages {
		voiceover := "voice-" + uuid.NewString() + ".mp3"
		combined := "combined-" + uuid.NewString() + ".mp4"
		segment := models.Segment{
			ID:            uuid.New(),
			VideoID:       video.ID,
			SequenceIndex: i,
			Text:          "line",
			BackgroundRef: "bg.mp4",
			Stage:         string(stage),
			Status:        pipeline.StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if pipeline.AtOrPast(pipeline.EntitySegment, stage, pipeline.StageVoiceDone) {
			segment.VoiceoverRef = &voiceover
		}
		if pipeline.AtOrPast(pipeline.EntitySegment, stage, pipeline.StageMediaDone) {
			segment.CombinedRef = &combined
		}
		segments = append(segments, segment)
	}
	if err := store.CreateVideo(context.Background(), video, segments); err != nil {
		t.Fatalf("seed video: %v", err)
	}
	return video, segments
}

func TestAdvanceDispatchesVoice(t *testing.T) {
	store := ledger.NewMemory()
	adapter := &fakeAdapter{}
	sched := newTestScheduler(store, adapter)
	_, segments := seedVideo(t, store, []pipeline.Stage{pipeline.StageCreated})
	ref := ledger.EntityRef{Kind: pipeline.EntitySegment, ID: segments[0].ID}

	if err := sched.Advance(context.Background(), ref); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if adapter.callCount() != 1 {
		t.Fatalf("dispatch count = %d, want 1", adapter.callCount())
	}
	call := adapter.lastCall()
	if call.Kind != pipeline.KindVoice {
		t.Errorf("dispatch kind = %s, want voice", call.Kind)
	}
	if call.Text != "line" {
		t.Errorf("dispatch text = %q", call.Text)
	}
	if !strings.Contains(call.CallbackURL, "/api/v1/webhooks/voice/"+call.Token) {
		t.Errorf("callback URL %q does not embed the token", call.CallbackURL)
	}

	segment, _ := store.GetSegment(context.Background(), ref.ID)
	if segment.Stage != string(pipeline.StageVoiceDispatched) {
		t.Errorf("stage = %s, want voice_dispatched", segment.Stage)
	}
	if segment.AttemptToken == nil || *segment.AttemptToken != call.Token {
		t.Error("live attempt token does not match the dispatched token")
	}
	if segment.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", segment.AttemptCount)
	}
	if segment.AttemptDeadline == nil || !segment.AttemptDeadline.After(time.Now()) {
		t.Error("attempt deadline not armed in the future")
	}
}

func TestAdvanceNoopWhileAttemptLive(t *testing.T) {
	store := ledger.NewMemory()
	adapter := &fakeAdapter{}
	sched := newTestScheduler(store, adapter)
	_, segments := seedVideo(t, store, []pipeline.Stage{pipeline.StageCreated})
	ref := ledger.EntityRef{Kind: pipeline.EntitySegment, ID: segments[0].ID}
	ctx := context.Background()

	if err := sched.Advance(ctx, ref); err != nil {
		t.Fatalf("first Advance: %v", err)
	}
	// Second and third advances land while the attempt is live.
	if err := sched.Advance(ctx, ref); err != nil {
		t.Fatalf("second Advance: %v", err)
	}
	if err := sched.Advance(ctx, ref); err != nil {
		t.Fatalf("third Advance: %v", err)
	}

	if adapter.callCount() != 1 {
		t.Errorf("dispatch count = %d, want 1 (live attempt must not re-dispatch)", adapter.callCount())
	}
}

func TestAdvanceRetriesExpiredAttempt(t *testing.T) {
	store := ledger.NewMemory()
	adapter := &fakeAdapter{}
	sched := newTestScheduler(store, adapter)
	_, segments := seedVideo(t, store, []pipeline.Stage{pipeline.StageCreated})
	ref := ledger.EntityRef{Kind: pipeline.EntitySegment, ID: segments[0].ID}
	ctx := context.Background()

	if err := sched.Advance(ctx, ref); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	firstToken := adapter.lastCall().Token

	// Expire the attempt by rewinding its deadline.
	expired := time.Now().Add(-time.Second)
	if ok, _ := store.RecordAttempt(ctx, ref, pipeline.KindVoice, firstToken, expired, 1, firstToken); !ok {
		t.Fatal("could not rewind attempt deadline")
	}

	if err := sched.Advance(ctx, ref); err != nil {
		t.Fatalf("retry Advance: %v", err)
	}

	if adapter.callCount() != 2 {
		t.Fatalf("dispatch count = %d, want 2", adapter.callCount())
	}
	retryToken := adapter.lastCall().Token
	if retryToken == firstToken {
		t.Error("retry must mint a fresh correlation token")
	}

	segment, _ := store.GetSegment(ctx, ref.ID)
	if segment.Stage != string(pipeline.StageVoiceDispatched) {
		t.Errorf("stage = %s, want voice_dispatched", segment.Stage)
	}
	if segment.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", segment.AttemptCount)
	}
	if segment.AttemptToken == nil || *segment.AttemptToken != retryToken {
		t.Error("live token not superseded by the retry token")
	}
}

func TestAttemptCeilingFailsSegmentAndCascades(t *testing.T) {
	store := ledger.NewMemory()
	adapter := &fakeAdapter{}
	sched := newTestScheduler(store, adapter)
	video, segments := seedVideo(t, store, []pipeline.Stage{pipeline.StageCreated, pipeline.StageCreated})
	ref := ledger.EntityRef{Kind: pipeline.EntitySegment, ID: segments[0].ID}
	ctx := context.Background()

	if err := sched.Advance(ctx, ref); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	// Burn through the budget: expire, retry, expire again.
	for attempt := 1; attempt <= 2; attempt++ {
		segment, _ := store.GetSegment(ctx, ref.ID)
		token := *segment.AttemptToken
		if ok, _ := store.RecordAttempt(ctx, ref, pipeline.KindVoice, token, time.Now().Add(-time.Second), attempt, token); !ok {
			t.Fatalf("could not expire attempt %d", attempt)
		}
		if err := sched.Advance(ctx, ref); err != nil {
			t.Fatalf("Advance after expiry %d: %v", attempt, err)
		}
	}

	segment, _ := store.GetSegment(ctx, ref.ID)
	if segment.Stage != string(pipeline.StageFailed) {
		t.Fatalf("segment stage = %s, want failed", segment.Stage)
	}
	if segment.FailureReason == nil || *segment.FailureReason != pipeline.ReasonStageTimeout {
		t.Errorf("failure reason = %v, want %s", segment.FailureReason, pipeline.ReasonStageTimeout)
	}
	if segment.AttemptToken != nil || segment.AttemptDeadline != nil {
		t.Error("failed segment still carries a live attempt")
	}

	got, _ := store.GetVideo(ctx, video.ID)
	if got.Stage != string(pipeline.StageFailed) {
		t.Errorf("video stage = %s, want failed (cascade)", got.Stage)
	}
	if got.FailureReason == nil || *got.FailureReason != pipeline.ReasonSegmentFailed {
		t.Errorf("video failure reason = %v, want %s", got.FailureReason, pipeline.ReasonSegmentFailed)
	}

	// The sibling keeps whatever state it had.
	sibling, _ := store.GetSegment(ctx, segments[1].ID)
	if sibling.Stage != string(pipeline.StageCreated) {
		t.Errorf("sibling stage = %s, want created", sibling.Stage)
	}
}

func TestConcatWaitsForAllSegments(t *testing.T) {
	store := ledger.NewMemory()
	adapter := &fakeAdapter{}
	sched := newTestScheduler(store, adapter)
	video, _ := seedVideo(t, store, []pipeline.Stage{pipeline.StageMediaDone, pipeline.StageVoiceDone})
	ref := ledger.EntityRef{Kind: pipeline.EntityVideo, ID: video.ID}

	if err := sched.Advance(context.Background(), ref); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if adapter.callCount() != 0 {
		t.Errorf("dispatch count = %d, want 0 (aggregate gate not satisfied)", adapter.callCount())
	}
	got, _ := store.GetVideo(context.Background(), video.ID)
	if got.Stage != string(pipeline.StageCreated) {
		t.Errorf("video stage = %s, want created", got.Stage)
	}
}

func TestConcatDispatchesOrderedRefs(t *testing.T) {
	store := ledger.NewMemory()
	adapter := &fakeAdapter{}
	sched := newTestScheduler(store, adapter)
	video, segments := seedVideo(t, store, []pipeline.Stage{pipeline.StageMediaDone, pipeline.StageMediaDone, pipeline.StageMediaDone})
	ref := ledger.EntityRef{Kind: pipeline.EntityVideo, ID: video.ID}

	if err := sched.Advance(context.Background(), ref); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if adapter.callCount() != 1 {
		t.Fatalf("dispatch count = %d, want 1", adapter.callCount())
	}
	call := adapter.lastCall()
	if call.Kind != pipeline.KindConcat {
		t.Errorf("dispatch kind = %s, want concat", call.Kind)
	}
	if len(call.InputRefs) != 3 {
		t.Fatalf("input refs = %d, want 3", len(call.InputRefs))
	}
	for i, segment := range segments {
		if call.InputRefs[i] != *segment.CombinedRef {
			t.Errorf("input[%d] = %s, want %s (sequence order)", i, call.InputRefs[i], *segment.CombinedRef)
		}
	}
}

func TestFailedSegmentFailsVideoAtGate(t *testing.T) {
	store := ledger.NewMemory()
	adapter := &fakeAdapter{}
	sched := newTestScheduler(store, adapter)
	video, _ := seedVideo(t, store, []pipeline.Stage{pipeline.StageMediaDone, pipeline.StageFailed})
	ref := ledger.EntityRef{Kind: pipeline.EntityVideo, ID: video.ID}

	if err := sched.Advance(context.Background(), ref); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if adapter.callCount() != 0 {
		t.Errorf("dispatch count = %d, want 0", adapter.callCount())
	}
	got, _ := store.GetVideo(context.Background(), video.ID)
	if got.Stage != string(pipeline.StageFailed) {
		t.Errorf("video stage = %s, want failed", got.Stage)
	}
	if got.FailureReason == nil || *got.FailureReason != pipeline.ReasonSegmentFailed {
		t.Errorf("failure reason = %v, want %s", got.FailureReason, pipeline.ReasonSegmentFailed)
	}
}

func TestConcatRefusesBrokenSequence(t *testing.T) {
	store := ledger.NewMemory()
	adapter := &fakeAdapter{}
	sched := newTestScheduler(store, adapter)

	// Seed directly with a gap in the indices: {0, 2}.
	now := time.Now().UTC()
	video := &models.Video{
		ID: uuid.New(), Title: "t", Script: "s",
		Stage: string(pipeline.StageCreated), Status: pipeline.StatusPending,
		CreatedAt: now, UpdatedAt: now,
	}
	combinedA, combinedB := "a.mp4", "b.mp4"
	segments := []models.Segment{
		{ID: uuid.New(), VideoID: video.ID, SequenceIndex: 0, Text: "x", BackgroundRef: "bg",
			Stage: string(pipeline.StageMediaDone), CombinedRef: &combinedA, CreatedAt: now, UpdatedAt: now},
		{ID: uuid.New(), VideoID: video.ID, SequenceIndex: 2, Text: "y", BackgroundRef: "bg",
			Stage: string(pipeline.StageMediaDone), CombinedRef: &combinedB, CreatedAt: now, UpdatedAt: now},
	}
	if err := store.CreateVideo(context.Background(), video, segments); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ref := ledger.EntityRef{Kind: pipeline.EntityVideo, ID: video.ID}
	err := sched.Advance(context.Background(), ref)
	if err == nil {
		t.Fatal("Advance should refuse a broken sequence")
	}
	if !pipeline.IsInvariantError(err) {
		t.Errorf("error = %v, want invariant error", err)
	}
	if adapter.callCount() != 0 {
		t.Errorf("dispatch count = %d, want 0", adapter.callCount())
	}
}

func TestTransientDispatchErrorExpiresAttempt(t *testing.T) {
	store := ledger.NewMemory()
	adapter := &fakeAdapter{failures: 1}
	sched := newTestScheduler(store, adapter)
	_, segments := seedVideo(t, store, []pipeline.Stage{pipeline.StageCreated})
	ref := ledger.EntityRef{Kind: pipeline.EntitySegment, ID: segments[0].ID}
	ctx := context.Background()

	if err := sched.Advance(ctx, ref); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if adapter.callCount() != 1 {
		t.Fatalf("dispatch count = %d, want 1 (no inline retry loop)", adapter.callCount())
	}

	// The failed dispatch leaves the attempt in place with an expired
	// deadline so the sweep retries it on a later pass.
	segment, _ := store.GetSegment(ctx, ref.ID)
	if segment.Stage != string(pipeline.StageVoiceDispatched) {
		t.Fatalf("stage = %s, want voice_dispatched", segment.Stage)
	}
	if segment.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", segment.AttemptCount)
	}
	if segment.AttemptToken == nil || *segment.AttemptToken != adapter.lastCall().Token {
		t.Error("attempt token changed on a failed dispatch")
	}
	if attemptLive(segment.AttemptDeadline) {
		t.Error("attempt deadline still live after a failed dispatch")
	}

	// The next pass retries with a fresh token and succeeds.
	if err := sched.Advance(ctx, ref); err != nil {
		t.Fatalf("retry Advance: %v", err)
	}
	if adapter.callCount() != 2 {
		t.Fatalf("dispatch count = %d, want 2", adapter.callCount())
	}
	segment, _ = store.GetSegment(ctx, ref.ID)
	if segment.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", segment.AttemptCount)
	}
	if !attemptLive(segment.AttemptDeadline) {
		t.Error("retried attempt should carry a live deadline")
	}
}

func TestTransientDispatchErrorsExhaustBudget(t *testing.T) {
	store := ledger.NewMemory()
	adapter := &fakeAdapter{failures: 10}
	sched := newTestScheduler(store, adapter)
	video, segments := seedVideo(t, store, []pipeline.Stage{pipeline.StageCreated})
	ref := ledger.EntityRef{Kind: pipeline.EntitySegment, ID: segments[0].ID}
	ctx := context.Background()

	// First pass dispatches and expires the attempt; second pass retries and
	// hits the ceiling.
	if err := sched.Advance(ctx, ref); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := sched.Advance(ctx, ref); err != nil {
		t.Fatalf("second Advance: %v", err)
	}

	if adapter.callCount() != 2 {
		t.Errorf("dispatch count = %d, want 2", adapter.callCount())
	}
	segment, _ := store.GetSegment(ctx, ref.ID)
	if segment.Stage != string(pipeline.StageFailed) {
		t.Fatalf("segment stage = %s, want failed", segment.Stage)
	}
	if segment.FailureReason == nil || *segment.FailureReason != pipeline.ReasonTransientProvider {
		t.Errorf("failure reason = %v, want %s", segment.FailureReason, pipeline.ReasonTransientProvider)
	}
	got, _ := store.GetVideo(ctx, video.ID)
	if got.Stage != string(pipeline.StageFailed) {
		t.Errorf("video stage = %s, want failed", got.Stage)
	}
}

func TestConcurrentAdvanceDispatchesOnce(t *testing.T) {
	store := ledger.NewMemory()
	adapter := &fakeAdapter{}
	sched := newTestScheduler(store, adapter)
	_, segments := seedVideo(t, store, []pipeline.Stage{pipeline.StageCreated})
	ref := ledger.EntityRef{Kind: pipeline.EntitySegment, ID: segments[0].ID}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sched.Advance(context.Background(), ref); err != nil {
				t.Errorf("Advance: %v", err)
			}
		}()
	}
	wg.Wait()

	if adapter.callCount() != 1 {
		t.Errorf("dispatch count = %d, want 1", adapter.callCount())
	}
	segment, _ := store.GetSegment(context.Background(), ref.ID)
	if segment.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", segment.AttemptCount)
	}
}

func TestMusicDispatchUsesConcatRef(t *testing.T) {
	store := ledger.NewMemory()
	adapter := &fakeAdapter{}
	sched := newTestScheduler(store, adapter)

	now := time.Now().UTC()
	concatRef := "concat.mp4"
	video := &models.Video{
		ID: uuid.New(), Title: "t", Script: "s",
		Stage: string(pipeline.StageConcatDone), Status: pipeline.StatusRunning,
		ConcatMediaRef: &concatRef, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateVideo(context.Background(), video, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ref := ledger.EntityRef{Kind: pipeline.EntityVideo, ID: video.ID}
	if err := sched.Advance(context.Background(), ref); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if adapter.callCount() != 1 {
		t.Fatalf("dispatch count = %d, want 1", adapter.callCount())
	}
	call := adapter.lastCall()
	if call.Kind != pipeline.KindMusic {
		t.Errorf("dispatch kind = %s, want music", call.Kind)
	}
	if len(call.InputRefs) != 1 || call.InputRefs[0] != concatRef {
		t.Errorf("input refs = %v, want [%s]", call.InputRefs, concatRef)
	}
	got, _ := store.GetVideo(context.Background(), video.ID)
	if got.Stage != string(pipeline.StageMusicDispatched) {
		t.Errorf("video stage = %s, want music_dispatched", got.Stage)
	}
}

func TestAdvanceTerminalIsNoop(t *testing.T) {
	store := ledger.NewMemory()
	adapter := &fakeAdapter{}
	sched := newTestScheduler(store, adapter)
	_, segments := seedVideo(t, store, []pipeline.Stage{pipeline.StageMediaDone})
	ref := ledger.EntityRef{Kind: pipeline.EntitySegment, ID: segments[0].ID}

	if err := sched.Advance(context.Background(), ref); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if adapter.callCount() != 0 {
		t.Errorf("dispatch count = %d, want 0 for a terminal segment", adapter.callCount())
	}
}
