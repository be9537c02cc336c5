// ABOUTME: AI reply generation with per-owner settings and pluggable providers
// ABOUTME: Builds bounded conversation context and dispatches to one of the adapters

package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chorus-im/chorus/internal/config"
	"github.com/chorus-im/chorus/internal/store"
)

// ErrNotConfigured is returned when neither the owner's settings nor the
// process defaults carry an API key. No network call is made in this case.
var ErrNotConfigured = errors.New("ai not configured: no API key")

// historyWindow bounds how many stored messages feed the reply context.
const historyWindow = 10

// Message is one entry of provider conversation context.
type Message struct {
	Role    string // user or assistant
	Content string
}

// Prompt is the provider-independent form of one completion request.
// Adapters translate it to their wire shape.
type Prompt struct {
	System   string
	Messages []Message
}

// provider is one backend adapter.
type provider interface {
	Complete(ctx context.Context, settings *store.AISettings, prompt Prompt) (string, error)
}

// Responder generates AI replies using an owner's stored settings, falling
// back to process-wide defaults for any unset field.
type Responder struct {
	store     store.Store
	defaults  config.AIConfig
	timeout   time.Duration
	providers map[string]provider
	logger    *slog.Logger
}

// NewResponder creates a responder backed by the given store and defaults.
func NewResponder(st store.Store, defaults config.AIConfig) *Responder {
	timeout := defaults.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	return &Responder{
		store:    st,
		defaults: defaults,
		timeout:  timeout,
		providers: map[string]provider{
			"openai":    newOpenAIProvider(httpClient),
			"anthropic": newAnthropicProvider(httpClient),
			"google":    newGoogleProvider(httpClient),
		},
		logger: slog.Default().With("component", "ai"),
	}
}

// Reply generates a reply to current given the stored history for the
// conversation. history must be oldest first; only the newest historyWindow
// entries are used. Returns ErrNotConfigured without any network activity
// when no API key is available.
func (r *Responder) Reply(ctx context.Context, ownerID string, history []*store.Message, current string) (string, error) {
	settings, err := r.resolveSettings(ctx, ownerID)
	if err != nil {
		return "", err
	}

	prompt := buildPrompt(settings, history, current)
	return r.dispatch(ctx, settings, prompt)
}

// Test generates a reply to a single message with no history. Used by the
// settings test endpoint so owners can verify credentials before enabling
// auto-reply.
func (r *Responder) Test(ctx context.Context, ownerID, message string) (string, error) {
	settings, err := r.resolveSettings(ctx, ownerID)
	if err != nil {
		return "", err
	}

	prompt := buildPrompt(settings, nil, message)
	return r.dispatch(ctx, settings, prompt)
}

func (r *Responder) dispatch(ctx context.Context, settings *store.AISettings, prompt Prompt) (string, error) {
	p, ok := r.providers[settings.Provider]
	if !ok {
		// Unknown provider names fall back to the openai adapter rather
		// than failing the reply.
		r.logger.Warn("unknown ai provider, using openai adapter", "provider", settings.Provider)
		p = r.providers["openai"]
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	text, err := p.Complete(ctx, settings, prompt)
	if err != nil {
		return "", fmt.Errorf("generating reply via %s: %w", settings.Provider, err)
	}

	r.logger.Debug("reply generated",
		"provider", settings.Provider,
		"model", settings.Model,
		"duration", time.Since(start))
	return text, nil
}

// resolveSettings loads the owner's stored settings, filling unset fields
// from config defaults. An owner with no stored settings gets the defaults
// outright.
func (r *Responder) resolveSettings(ctx context.Context, ownerID string) (*store.AISettings, error) {
	settings, err := r.store.GetAISettings(ctx, ownerID)
	if err == store.ErrNotFound {
		settings = &store.AISettings{OwnerID: ownerID}
	} else if err != nil {
		return nil, fmt.Errorf("loading ai settings: %w", err)
	}

	if settings.Provider == "" {
		settings.Provider = r.defaults.Provider
	}
	if settings.APIKey == "" {
		settings.APIKey = r.defaults.APIKey
	}
	if settings.Model == "" {
		settings.Model = r.defaults.Model
	}
	if settings.Temperature == 0 {
		settings.Temperature = r.defaults.Temperature
	}
	if settings.MaxTokens == 0 {
		settings.MaxTokens = r.defaults.MaxTokens
	}
	if settings.SystemPrompt == "" {
		settings.SystemPrompt = r.defaults.SystemPrompt
	}

	if settings.APIKey == "" {
		return nil, ErrNotConfigured
	}
	return settings, nil
}

// buildPrompt assembles the provider-independent context: one system entry,
// up to historyWindow prior messages, then the current message. Incoming
// messages map to user turns, AI responses to assistant turns, and other
// outgoing messages (human operator sends) are excluded.
func buildPrompt(settings *store.AISettings, history []*store.Message, current string) Prompt {
	system := settings.SystemPrompt
	if settings.CustomInstructions != "" {
		system = system + "\n\n" + settings.CustomInstructions
	}

	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	var messages []Message
	for _, msg := range history {
		switch {
		case msg.Direction == store.DirectionIncoming:
			messages = append(messages, Message{Role: "user", Content: msg.Content})
		case msg.IsAIResponse:
			messages = append(messages, Message{Role: "assistant", Content: msg.Content})
		}
	}
	messages = append(messages, Message{Role: "user", Content: current})

	return Prompt{System: system, Messages: messages}
}
