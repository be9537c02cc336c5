// ABOUTME: Google Gemini generateContent adapter
// ABOUTME: Translates prompts to contents/parts with assistant mapped to the model role

package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/chorus-im/chorus/internal/store"
)

const defaultGoogleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type googleProvider struct {
	baseURL    string
	httpClient *http.Client
}

func newGoogleProvider(httpClient *http.Client) *googleProvider {
	return &googleProvider{
		baseURL:    defaultGoogleBaseURL,
		httpClient: httpClient,
	}
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type googleRequest struct {
	Contents          []googleContent        `json:"contents"`
	GenerationConfig  googleGenerationConfig `json:"generationConfig"`
	SystemInstruction *googleContent         `json:"systemInstruction,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []googlePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (p *googleProvider) Complete(ctx context.Context, settings *store.AISettings, prompt Prompt) (string, error) {
	contents := make([]googleContent, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, googleContent{
			Role:  role,
			Parts: []googlePart{{Text: m.Content}},
		})
	}

	reqBody := googleRequest{
		Contents: contents,
		GenerationConfig: googleGenerationConfig{
			Temperature:     settings.Temperature,
			MaxOutputTokens: settings.MaxTokens,
		},
	}
	if prompt.System != "" {
		reqBody.SystemInstruction = &googleContent{
			Parts: []googlePart{{Text: prompt.System}},
		}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		p.baseURL, url.PathEscape(settings.Model), url.QueryEscape(settings.APIKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling google: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("google returned %d: %s", resp.StatusCode, body)
	}

	var parsed googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("google returned no candidates")
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}
