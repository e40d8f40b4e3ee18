// Package stageclient is the uniform adapter over the external asynchronous
// processors. Dispatch translates a stage request into one provider call and
// forwards the attempt's correlation token. It performs no retries; the
// retry policy lives in the scheduler so every stage shares one policy.
package stageclient

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"clipforge/internal/pipeline"
)

// DispatchRequest describes one stage dispatch handed to a provider. The
// payload is validated by the caller; the adapter only translates it into
// the provider's request shape.
type DispatchRequest struct {
	Kind     pipeline.StageKind
	EntityID uuid.UUID
	// Token is the freshly minted correlation token for this attempt. The
	// provider echoes it back in the webhook; nothing else maps a callback
	// to an attempt.
	Token string
	// Text is the script slice for voice synthesis.
	Text string
	// InputRefs are the ordered input artifacts the stage consumes:
	// voiceover + background for media combination, combined segment refs in
	// sequence order for concatenation, the concatenated ref for music.
	InputRefs []string
	// CallbackURL is where the provider must deliver its completion webhook.
	// The token is embedded in it.
	CallbackURL string
}

// Dispatcher issues one stage request to an external processor and returns
// the correlation token the provider will echo back. Transport failures are
// returned immediately without retry.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (string, error)
}

// Registry routes dispatches to the provider serving each stage kind. The
// orchestrator core is written once against Dispatcher; the registry is the
// only place that knows which provider owns which stage.
type Registry struct {
	providers map[pipeline.StageKind]Dispatcher
}

// NewRegistry builds the stage-kind routing table. Media combination and
// concatenation are served by the same provider.
func NewRegistry(voice, media, music Dispatcher) *Registry {
	return &Registry{
		providers: map[pipeline.StageKind]Dispatcher{
			pipeline.KindVoice:  voice,
			pipeline.KindMedia:  media,
			pipeline.KindConcat: media,
			pipeline.KindMusic:  music,
		},
	}
}

// Dispatch implements Dispatcher by delegating to the stage's provider.
func (r *Registry) Dispatch(ctx context.Context, req DispatchRequest) (string, error) {
	provider, ok := r.providers[req.Kind]
	if !ok {
		return "", fmt.Errorf("no provider registered for stage kind %q", req.Kind)
	}
	return provider.Dispatch(ctx, req)
}
