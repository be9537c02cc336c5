// ABOUTME: Tests for the HTTP API: auth, instance lifecycle, messaging, AI settings, SSE
// ABOUTME: Drives the full router with httptest and a scripted transport dialer

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorus-im/chorus/internal/broadcast"
	"github.com/chorus-im/chorus/internal/config"
	"github.com/chorus-im/chorus/internal/transport"
)

// scriptedDialer records the handlers each instance registered so tests can
// fire transport events.
type scriptedDialer struct {
	mu       sync.Mutex
	handlers map[string]transport.Handlers
}

func newScriptedDialer() *scriptedDialer {
	return &scriptedDialer{handlers: make(map[string]transport.Handlers)}
}

func (d *scriptedDialer) Dial(ctx context.Context, instanceID string, handlers transport.Handlers) (transport.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[instanceID] = handlers
	return &scriptedClient{}, nil
}

func (d *scriptedDialer) ready(instanceID, phone string) {
	d.mu.Lock()
	h := d.handlers[instanceID]
	d.mu.Unlock()
	h.Ready(phone)
}

func (d *scriptedDialer) deliver(instanceID string, msg transport.InboundMessage) {
	d.mu.Lock()
	h := d.handlers[instanceID]
	d.mu.Unlock()
	h.Message(msg)
}

type scriptedClient struct{ n int }

func (c *scriptedClient) Send(ctx context.Context, recipient, body string) (string, error) {
	c.n++
	return fmt.Sprintf("scripted-%d", c.n), nil
}
func (c *scriptedClient) Destroy() {}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "localhost:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "gateway.db")
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.TokenTTL = time.Hour
	cfg.Limits.MaxInstances = 2
	cfg.AI.Provider = "openai"
	cfg.AI.Model = "gpt-4"
	cfg.AI.Temperature = 0.7
	cfg.AI.MaxTokens = 500
	cfg.AI.SystemPrompt = "You are a helpful assistant."
	cfg.AI.RequestTimeout = 5 * time.Second
	return cfg
}

func newTestGateway(t *testing.T) (*Gateway, http.Handler, *scriptedDialer) {
	t.Helper()
	dialer := newScriptedDialer()
	gw, err := New(testConfig(t), dialer, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		gw.registry.Shutdown()
		gw.broadcaster.Close()
		gw.seen.Close()
		gw.store.Close()
	})
	return gw, gw.routes(), dialer
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func registerUser(t *testing.T, handler http.Handler, email string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":        email,
		"password":     "hunter2hunter2",
		"display_name": "Test User",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	decode(t, rec, &resp)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func createInstance(t *testing.T, handler http.Handler, token, name string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/instances", token, map[string]string{
		"display_name": name,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp instanceResponse
	decode(t, rec, &resp)
	return resp.ID
}

func TestHealth_NoAuthRequired(t *testing.T) {
	_, handler, _ := newTestGateway(t)

	rec := doJSON(t, handler, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRegister_DuplicateEmailConflicts(t *testing.T) {
	_, handler, _ := newTestGateway(t)

	registerUser(t, handler, "dup@example.com")

	rec := doJSON(t, handler, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":    "dup@example.com",
		"password": "hunter2hunter2",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegister_RejectsShortPassword(t *testing.T) {
	_, handler, _ := newTestGateway(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":    "short@example.com",
		"password": "abc",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin_RoundTrip(t *testing.T) {
	_, handler, _ := newTestGateway(t)
	registerUser(t, handler, "alice@example.com")

	rec := doJSON(t, handler, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "hunter2hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
		User  userResponse
	}
	decode(t, rec, &resp)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "alice@example.com", resp.User.Email)
}

func TestLogin_WrongPasswordUnauthorized(t *testing.T) {
	_, handler, _ := newTestGateway(t)
	registerUser(t, handler, "alice@example.com")

	rec := doJSON(t, handler, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "nobody@example.com",
		"password": "hunter2hunter2",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "unknown email gets the same answer")
}

func TestMe_RequiresAuth(t *testing.T) {
	_, handler, _ := newTestGateway(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/me", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe_ReturnsProfile(t *testing.T) {
	_, handler, _ := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")

	rec := doJSON(t, handler, http.MethodGet, "/api/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp userResponse
	decode(t, rec, &resp)
	assert.Equal(t, "alice@example.com", resp.Email)
}

func TestInstances_CreateAndList(t *testing.T) {
	_, handler, _ := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")

	id := createInstance(t, handler, token, "Support Line")

	rec := doJSON(t, handler, http.MethodGet, "/api/instances", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Instances []instanceResponse `json:"instances"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Instances, 1)
	assert.Equal(t, id, resp.Instances[0].ID)
	assert.Equal(t, "disconnected", resp.Instances[0].State)
	assert.True(t, resp.Instances[0].AIEnabled)
	assert.False(t, resp.Instances[0].AutoReply)
}

func TestInstances_LimitEnforced(t *testing.T) {
	_, handler, _ := newTestGateway(t) // max_instances = 2
	token := registerUser(t, handler, "alice@example.com")

	createInstance(t, handler, token, "One")
	createInstance(t, handler, token, "Two")

	rec := doJSON(t, handler, http.MethodPost, "/api/instances", token, map[string]string{
		"display_name": "Three",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInstances_OwnershipHidesOthers(t *testing.T) {
	_, handler, _ := newTestGateway(t)
	aliceToken := registerUser(t, handler, "alice@example.com")
	bobToken := registerUser(t, handler, "bob@example.com")

	id := createInstance(t, handler, aliceToken, "Alice's Line")

	rec := doJSON(t, handler, http.MethodGet, "/api/instances/"+id, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "other users' instances look like 404")

	rec = doJSON(t, handler, http.MethodDelete, "/api/instances/"+id, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/instances/"+id, aliceToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInstances_PatchSettings(t *testing.T) {
	_, handler, _ := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")
	id := createInstance(t, handler, token, "Support")

	rec := doJSON(t, handler, http.MethodPatch, "/api/instances/"+id, token, map[string]any{
		"auto_reply": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp instanceResponse
	decode(t, rec, &resp)
	assert.True(t, resp.AutoReply)
	assert.Equal(t, "Support", resp.DisplayName, "unsent fields stay put")
}

func TestInstances_DeleteRemoves(t *testing.T) {
	_, handler, _ := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")
	id := createInstance(t, handler, token, "Short Lived")

	rec := doJSON(t, handler, http.MethodDelete, "/api/instances/"+id, token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/instances/"+id, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConnect_ReportsConnectingThenConnected(t *testing.T) {
	_, handler, dialer := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")
	id := createInstance(t, handler, token, "Support")

	rec := doJSON(t, handler, http.MethodPost, "/api/instances/"+id+"/connect", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "connecting")

	dialer.ready(id, "15551234567")

	// Already-connected short circuit
	rec = doJSON(t, handler, http.MethodPost, "/api/instances/"+id+"/connect", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "connected")

	rec = doJSON(t, handler, http.MethodGet, "/api/instances/"+id, token, nil)
	var resp instanceResponse
	decode(t, rec, &resp)
	assert.Equal(t, "connected", resp.State)
	assert.Equal(t, "15551234567", resp.PhoneNumber)
}

func TestSend_RequiresConnectedInstance(t *testing.T) {
	_, handler, _ := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")
	id := createInstance(t, handler, token, "Support")

	rec := doJSON(t, handler, http.MethodPost, "/api/instances/"+id+"/send", token, map[string]string{
		"phone":   "15550001111",
		"message": "hello",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSend_DeliversWhenConnected(t *testing.T) {
	_, handler, dialer := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")
	id := createInstance(t, handler, token, "Support")

	doJSON(t, handler, http.MethodPost, "/api/instances/"+id+"/connect", token, nil)
	dialer.ready(id, "15551234567")

	rec := doJSON(t, handler, http.MethodPost, "/api/instances/"+id+"/send", token, map[string]string{
		"phone":   "15550001111",
		"message": "hello from the api",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		MessageID string `json:"message_id"`
	}
	decode(t, rec, &resp)
	assert.NotEmpty(t, resp.MessageID)

	// The message shows up in the conversation listing
	rec = doJSON(t, handler, http.MethodGet, "/api/messages?instance_id="+id, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs struct {
		Messages []messageResponse `json:"messages"`
	}
	decode(t, rec, &msgs)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "hello from the api", msgs.Messages[0].Content)
	assert.Equal(t, "outgoing", msgs.Messages[0].Direction)
}

func TestContacts_ListAfterInboundMessage(t *testing.T) {
	_, handler, dialer := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")
	id := createInstance(t, handler, token, "Support")

	doJSON(t, handler, http.MethodPost, "/api/instances/"+id+"/connect", token, nil)
	dialer.ready(id, "15551234567")
	dialer.deliver(id, transport.InboundMessage{
		ExternalID: "ext-1",
		FromPhone:  "15550001111",
		PushName:   "Ana",
		Type:       "chat",
		Body:       "hola",
	})

	rec := doJSON(t, handler, http.MethodGet, "/api/contacts?instance_id="+id, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Contacts []contactResponse `json:"contacts"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Contacts, 1)
	assert.Equal(t, "15550001111", resp.Contacts[0].PhoneNumber)
	assert.Equal(t, "Ana", resp.Contacts[0].PushName)
}

func TestContacts_RequireInstanceParam(t *testing.T) {
	_, handler, _ := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")

	rec := doJSON(t, handler, http.MethodGet, "/api/contacts", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContacts_PatchNotesAndTags(t *testing.T) {
	_, handler, dialer := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")
	id := createInstance(t, handler, token, "Support")

	doJSON(t, handler, http.MethodPost, "/api/instances/"+id+"/connect", token, nil)
	dialer.ready(id, "15551234567")
	dialer.deliver(id, transport.InboundMessage{
		ExternalID: "ext-1",
		FromPhone:  "15550001111",
		Body:       "hola",
	})

	rec := doJSON(t, handler, http.MethodGet, "/api/contacts?instance_id="+id, token, nil)
	var listResp struct {
		Contacts []contactResponse `json:"contacts"`
	}
	decode(t, rec, &listResp)
	require.Len(t, listResp.Contacts, 1)
	contactID := listResp.Contacts[0].ID

	rec = doJSON(t, handler, http.MethodPatch, "/api/contacts/"+contactID, token, map[string]string{
		"notes": "VIP",
		"tags":  `["vip"]`,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp contactResponse
	decode(t, rec, &resp)
	assert.Equal(t, "VIP", resp.Notes)
	assert.Equal(t, `["vip"]`, resp.Tags)
}

func TestMessages_InvalidLimitRejected(t *testing.T) {
	_, handler, _ := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")
	id := createInstance(t, handler, token, "Support")

	rec := doJSON(t, handler, http.MethodGet, "/api/messages?instance_id="+id+"&limit=banana", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAISettings_DefaultsWhenUnsaved(t *testing.T) {
	_, handler, _ := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")

	rec := doJSON(t, handler, http.MethodGet, "/api/ai/settings", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp aiSettingsResponse
	decode(t, rec, &resp)
	assert.Equal(t, "openai", resp.Provider)
	assert.False(t, resp.HasAPIKey)
	assert.Equal(t, "gpt-4", resp.Model)
}

func TestAISettings_PutRejectsUnknownProvider(t *testing.T) {
	_, handler, _ := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")

	rec := doJSON(t, handler, http.MethodPut, "/api/ai/settings", token, map[string]any{
		"provider": "llamacpp",
		"model":    "whatever",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAISettings_RoundTripRedactsKey(t *testing.T) {
	_, handler, _ := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")

	rec := doJSON(t, handler, http.MethodPut, "/api/ai/settings", token, map[string]any{
		"provider":    "anthropic",
		"api_key":     "sk-ant-secret",
		"model":       "claude-3-sonnet-20240229",
		"temperature": 0.4,
		"max_tokens":  700,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "sk-ant-secret", "api key must never be echoed")

	var resp aiSettingsResponse
	decode(t, rec, &resp)
	assert.True(t, resp.HasAPIKey)
	assert.Equal(t, "anthropic", resp.Provider)

	// Resubmitting without the key keeps the stored one
	rec = doJSON(t, handler, http.MethodPut, "/api/ai/settings", token, map[string]any{
		"provider": "anthropic",
		"model":    "claude-3-opus-20240229",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.True(t, resp.HasAPIKey, "empty api_key keeps the existing credential")
	assert.Equal(t, "claude-3-opus-20240229", resp.Model)
}

func TestAITest_NotConfigured(t *testing.T) {
	_, handler, _ := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")

	rec := doJSON(t, handler, http.MethodPost, "/api/ai/test", token, map[string]string{
		"message": "ping",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not configured")
}

func TestEvents_StreamsOwnerEvents(t *testing.T) {
	gw, handler, _ := newTestGateway(t)
	token := registerUser(t, handler, "alice@example.com")

	srv := httptest.NewServer(handler)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: stream-open", strings.TrimSpace(line))

	// Resolve the owner ID and publish an event for them
	var me userResponse
	rec := doJSON(t, handler, http.MethodGet, "/api/me", token, nil)
	decode(t, rec, &me)

	// Drain the stream-open data block first
	for {
		l, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(l) == "" {
			break
		}
	}

	gw.broadcaster.Publish(me.ID, broadcast.Event{
		Name:       broadcast.EventConnected,
		InstanceID: "inst-x",
	})

	deadline := time.Now().Add(2 * time.Second)
	var got string
	for time.Now().Before(deadline) {
		l, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(l, "event: ") {
			got = strings.TrimSpace(strings.TrimPrefix(l, "event: "))
			break
		}
	}
	assert.Equal(t, broadcast.EventConnected, got)
}
