package models

import (
	"time"

	"github.com/google/uuid"
)

// Video represents the structure of a video pipeline record in the database.
type Video struct {
	ID                   uuid.UUID  `json:"id"`
	Title                string     `json:"title"`
	Script               string     `json:"script"`
	TargetSegmentSeconds int        `json:"target_segment_seconds"`
	Stage                string     `json:"stage"`
	Status               string     `json:"status"`
	FailureReason        *string    `json:"failure_reason,omitempty"`
	ConcatMediaRef       *string    `json:"concat_media_ref,omitempty"` // Set after concatenation succeeds
	FinalMediaRef        *string    `json:"final_media_ref,omitempty"`  // Set after music generation succeeds
	AttemptStage         *string    `json:"attempt_stage,omitempty"`
	AttemptToken         *string    `json:"attempt_token,omitempty"`
	AttemptCount         int        `json:"attempt_count"`
	AttemptDeadline      *time.Time `json:"attempt_deadline,omitempty"`
	DispatchedAt         *time.Time `json:"dispatched_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}
