package models

import (
	"time"

	"github.com/google/uuid"
)

// Segment represents one slice of a video's script in the database.
// SequenceIndex defines concatenation order and must be contiguous from 0
// within a video.
type Segment struct {
	ID              uuid.UUID  `json:"id"`
	VideoID         uuid.UUID  `json:"video_id"`
	SequenceIndex   int        `json:"sequence_index"`
	Text            string     `json:"text"`
	BackgroundRef   string     `json:"background_ref"`
	VoiceoverRef    *string    `json:"voiceover_ref,omitempty"` // Set after voice synthesis succeeds
	CombinedRef     *string    `json:"combined_ref,omitempty"`  // Set after media combination succeeds
	Stage           string     `json:"stage"`
	Status          string     `json:"status"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	AttemptStage    *string    `json:"attempt_stage,omitempty"`
	AttemptToken    *string    `json:"attempt_token,omitempty"`
	AttemptCount    int        `json:"attempt_count"`
	AttemptDeadline *time.Time `json:"attempt_deadline,omitempty"`
	DispatchedAt    *time.Time `json:"dispatched_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
