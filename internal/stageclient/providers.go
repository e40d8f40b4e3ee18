package stageclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"clipforge/internal/pipeline"
)

const defaultRequestTimeout = 30 * time.Second

// httpProvider is the shared transport for the JSON webhook providers. Each
// provider variant owns its request shape; this owns posting it.
type httpProvider struct {
	name    string
	baseURL string
	client  *http.Client
	logger  *logrus.Logger
}

func newHTTPProvider(name, baseURL string, logger *logrus.Logger) httpProvider {
	return httpProvider{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultRequestTimeout},
		logger:  logger,
	}
}

// post submits the provider request and returns the attempt token on a 2xx
// acceptance. Anything else is a transport error surfaced to the scheduler.
func (p httpProvider) post(ctx context.Context, path string, payload interface{}, token string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s request: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build %s request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s dispatch failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read a little of the body for the log; providers return JSON errors.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		p.logger.WithFields(logrus.Fields{
			"provider": p.name,
			"status":   resp.StatusCode,
			"body":     string(snippet),
		}).Warn("Provider rejected dispatch")
		return "", fmt.Errorf("%s dispatch returned status %d", p.name, resp.StatusCode)
	}

	p.logger.WithFields(logrus.Fields{
		"provider": p.name,
		"token":    token,
	}).Info("Dispatched stage request to provider")
	return token, nil
}

// VoiceProvider submits voice synthesis requests.
type VoiceProvider struct {
	httpProvider
	voiceID string
}

// NewVoiceProvider creates the voice synthesis adapter. voiceID selects the
// narrator voice and may be empty for the provider default.
func NewVoiceProvider(baseURL, voiceID string, logger *logrus.Logger) *VoiceProvider {
	return &VoiceProvider{httpProvider: newHTTPProvider("voice", baseURL, logger), voiceID: voiceID}
}

// Dispatch implements Dispatcher for voice synthesis.
func (p *VoiceProvider) Dispatch(ctx context.Context, req DispatchRequest) (string, error) {
	if req.Kind != pipeline.KindVoice {
		return "", fmt.Errorf("voice provider cannot serve stage kind %q", req.Kind)
	}
	payload := map[string]interface{}{
		"text":         req.Text,
		"voice_id":     p.voiceID,
		"callback_url": req.CallbackURL,
	}
	return p.post(ctx, "/v1/speech", payload, req.Token)
}

// MediaProvider submits media combination and concatenation requests; both
// stages are served by the same external processor.
type MediaProvider struct {
	httpProvider
}

// NewMediaProvider creates the media combination/concatenation adapter.
func NewMediaProvider(baseURL string, logger *logrus.Logger) *MediaProvider {
	return &MediaProvider{httpProvider: newHTTPProvider("media", baseURL, logger)}
}

// Dispatch implements Dispatcher for media combination and concatenation.
func (p *MediaProvider) Dispatch(ctx context.Context, req DispatchRequest) (string, error) {
	switch req.Kind {
	case pipeline.KindMedia:
		if len(req.InputRefs) != 2 {
			return "", fmt.Errorf("media combination needs voiceover and background refs, got %d inputs", len(req.InputRefs))
		}
		payload := map[string]interface{}{
			"voiceover_url":  req.InputRefs[0],
			"background_url": req.InputRefs[1],
			"callback_url":   req.CallbackURL,
		}
		return p.post(ctx, "/v1/combine", payload, req.Token)
	case pipeline.KindConcat:
		if len(req.InputRefs) == 0 {
			return "", fmt.Errorf("concatenation needs at least one segment ref")
		}
		payload := map[string]interface{}{
			"segment_urls": req.InputRefs,
			"callback_url": req.CallbackURL,
		}
		return p.post(ctx, "/v1/concatenate", payload, req.Token)
	default:
		return "", fmt.Errorf("media provider cannot serve stage kind %q", req.Kind)
	}
}

// MusicProvider submits background music generation requests.
type MusicProvider struct {
	httpProvider
}

// NewMusicProvider creates the music generation adapter.
func NewMusicProvider(baseURL string, logger *logrus.Logger) *MusicProvider {
	return &MusicProvider{httpProvider: newHTTPProvider("music", baseURL, logger)}
}

// Dispatch implements Dispatcher for music generation.
func (p *MusicProvider) Dispatch(ctx context.Context, req DispatchRequest) (string, error) {
	if req.Kind != pipeline.KindMusic {
		return "", fmt.Errorf("music provider cannot serve stage kind %q", req.Kind)
	}
	if len(req.InputRefs) != 1 {
		return "", fmt.Errorf("music generation needs the concatenated video ref, got %d inputs", len(req.InputRefs))
	}
	payload := map[string]interface{}{
		"video_url":    req.InputRefs[0],
		"callback_url": req.CallbackURL,
	}
	return p.post(ctx, "/v1/score", payload, req.Token)
}
