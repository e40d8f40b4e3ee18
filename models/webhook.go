package models

// Webhook outcome values reported by providers.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// WebhookEvent is the normalized form of a provider completion callback.
// It is consumed once to resolve the owning stage attempt and then discarded;
// replays of the same (provider, token, outcome) must be safely ignorable.
type WebhookEvent struct {
	Provider     string `json:"provider"`
	Token        string `json:"token"`
	Outcome      string `json:"outcome"`
	ArtifactRef  string `json:"artifact_ref,omitempty"`
	ErrorMessage string `json:"error,omitempty"`
}
