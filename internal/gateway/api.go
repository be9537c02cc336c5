// ABOUTME: HTTP helpers plus health, auth, and AI settings handlers
// ABOUTME: All responses are JSON; errors use the {"error": ...} envelope

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/chorus-im/chorus/internal/ai"
	"github.com/chorus-im/chorus/internal/auth"
	"github.com/chorus-im/chorus/internal/store"
)

const minPasswordLength = 8

// writeJSON writes a JSON response with the given status code.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(g.startedAt).String(),
	})
}

// userResponse is the public shape of a user.
type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

func toUserResponse(u *store.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName}
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		g.sendJSONError(w, http.StatusBadRequest, "valid email is required")
		return
	}
	if len(req.Password) < minPasswordLength {
		g.sendJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("password must be at least %d characters", minPasswordLength))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = req.Email
	}

	user := &store.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		CreatedAt:    time.Now().UTC(),
	}
	if err := g.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			g.sendJSONError(w, http.StatusConflict, "email already registered")
			return
		}
		g.logger.Error("creating user failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	token, err := g.verifier.Generate(user.ID, g.config.Auth.TokenTTL)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("user registered", "user_id", user.ID)
	g.writeJSON(w, http.StatusCreated, map[string]any{
		"token": token,
		"user":  toUserResponse(user),
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := g.store.GetUserByEmail(r.Context(), strings.TrimSpace(strings.ToLower(req.Email)))
	if err != nil {
		// Same response for unknown email and wrong password
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := g.verifier.Generate(user.ID, g.config.Auth.TokenTTL)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  toUserResponse(user),
	})
}

func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())
	user, err := g.store.GetUser(r.Context(), ac.UserID)
	if err != nil {
		g.sendJSONError(w, http.StatusNotFound, "user not found")
		return
	}
	g.writeJSON(w, http.StatusOK, toUserResponse(user))
}

// aiSettingsResponse redacts the API key to a presence flag.
type aiSettingsResponse struct {
	Provider           string  `json:"provider"`
	HasAPIKey          bool    `json:"has_api_key"`
	Model              string  `json:"model"`
	Temperature        float64 `json:"temperature"`
	MaxTokens          int     `json:"max_tokens"`
	SystemPrompt       string  `json:"system_prompt"`
	CustomInstructions string  `json:"custom_instructions"`
}

func (g *Gateway) handleGetAISettings(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())

	settings, err := g.store.GetAISettings(r.Context(), ac.UserID)
	if errors.Is(err, store.ErrNotFound) {
		// Never saved: report the process defaults
		g.writeJSON(w, http.StatusOK, aiSettingsResponse{
			Provider:     g.config.AI.Provider,
			HasAPIKey:    g.config.AI.APIKey != "",
			Model:        g.config.AI.Model,
			Temperature:  g.config.AI.Temperature,
			MaxTokens:    g.config.AI.MaxTokens,
			SystemPrompt: g.config.AI.SystemPrompt,
		})
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, aiSettingsResponse{
		Provider:           settings.Provider,
		HasAPIKey:          settings.APIKey != "",
		Model:              settings.Model,
		Temperature:        settings.Temperature,
		MaxTokens:          settings.MaxTokens,
		SystemPrompt:       settings.SystemPrompt,
		CustomInstructions: settings.CustomInstructions,
	})
}

type putAISettingsRequest struct {
	Provider           string  `json:"provider"`
	APIKey             string  `json:"api_key"`
	Model              string  `json:"model"`
	Temperature        float64 `json:"temperature"`
	MaxTokens          int     `json:"max_tokens"`
	SystemPrompt       string  `json:"system_prompt"`
	CustomInstructions string  `json:"custom_instructions"`
}

func (g *Gateway) handlePutAISettings(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())

	var req putAISettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch req.Provider {
	case "openai", "anthropic", "google":
	default:
		g.sendJSONError(w, http.StatusBadRequest, "provider must be one of openai, anthropic, google")
		return
	}

	// An empty api_key keeps the previously stored key, so the UI can
	// resubmit the redacted form without wiping credentials.
	if req.APIKey == "" {
		if existing, err := g.store.GetAISettings(r.Context(), ac.UserID); err == nil {
			req.APIKey = existing.APIKey
		}
	}

	settings := &store.AISettings{
		OwnerID:            ac.UserID,
		Provider:           req.Provider,
		APIKey:             req.APIKey,
		Model:              req.Model,
		Temperature:        req.Temperature,
		MaxTokens:          req.MaxTokens,
		SystemPrompt:       req.SystemPrompt,
		CustomInstructions: req.CustomInstructions,
	}
	if err := g.store.SaveAISettings(r.Context(), settings); err != nil {
		g.logger.Error("saving ai settings failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, aiSettingsResponse{
		Provider:           settings.Provider,
		HasAPIKey:          settings.APIKey != "",
		Model:              settings.Model,
		Temperature:        settings.Temperature,
		MaxTokens:          settings.MaxTokens,
		SystemPrompt:       settings.SystemPrompt,
		CustomInstructions: settings.CustomInstructions,
	})
}

type testAIRequest struct {
	Message string `json:"message"`
}

func (g *Gateway) handleTestAI(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())

	var req testAIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	response, err := g.responder.Test(r.Context(), ac.UserID, req.Message)
	if errors.Is(err, ai.ErrNotConfigured) {
		g.sendJSONError(w, http.StatusBadRequest, "ai not configured: save an API key first")
		return
	}
	if err != nil {
		g.logger.Warn("ai test call failed", "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "ai provider request failed")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"response": response})
}
