// ABOUTME: Instance lifecycle handlers: CRUD, connect/disconnect, and outbound send
// ABOUTME: Every instance-scoped route enforces ownership, answering 404 for others' resources

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chorus-im/chorus/internal/auth"
	"github.com/chorus-im/chorus/internal/session"
	"github.com/chorus-im/chorus/internal/store"
)

// instanceResponse is the public shape of an instance.
type instanceResponse struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	State       string    `json:"state"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	PairingCode string    `json:"pairing_code,omitempty"`
	AIEnabled   bool      `json:"ai_enabled"`
	AutoReply   bool      `json:"auto_reply"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toInstanceResponse(inst *store.Instance) instanceResponse {
	return instanceResponse{
		ID:          inst.ID,
		DisplayName: inst.DisplayName,
		State:       inst.State,
		PhoneNumber: inst.PhoneNumber,
		PairingCode: inst.PairingCode,
		AIEnabled:   inst.AIEnabled,
		AutoReply:   inst.AutoReply,
		CreatedAt:   inst.CreatedAt,
		UpdatedAt:   inst.UpdatedAt,
	}
}

// ownedInstance loads the instance and verifies ownership. Writes a 404 and
// returns nil when the instance is missing or owned by someone else, hiding
// the difference from the caller.
func (g *Gateway) ownedInstance(w http.ResponseWriter, r *http.Request, id string) *store.Instance {
	ac := auth.MustFromContext(r.Context())

	inst, err := g.store.GetInstance(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && inst.OwnerID != ac.UserID) {
		g.sendJSONError(w, http.StatusNotFound, "instance not found")
		return nil
	}
	if err != nil {
		g.logger.Error("loading instance failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil
	}
	return inst
}

type createInstanceRequest struct {
	DisplayName string `json:"display_name"`
}

func (g *Gateway) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())

	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.DisplayName == "" {
		g.sendJSONError(w, http.StatusBadRequest, "display_name is required")
		return
	}

	count, err := g.store.CountInstances(r.Context(), ac.UserID)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if count >= g.config.Limits.MaxInstances {
		g.sendJSONError(w, http.StatusForbidden, "maximum instances limit reached")
		return
	}

	now := time.Now().UTC()
	inst := &store.Instance{
		ID:          uuid.NewString(),
		OwnerID:     ac.UserID,
		DisplayName: req.DisplayName,
		State:       store.InstanceStateDisconnected,
		AIEnabled:   true,
		AutoReply:   false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.store.CreateInstance(r.Context(), inst); err != nil {
		g.logger.Error("creating instance failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("instance created", "instance_id", inst.ID, "owner_id", ac.UserID)
	g.writeJSON(w, http.StatusCreated, toInstanceResponse(inst))
}

func (g *Gateway) handleListInstances(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())

	instances, err := g.store.ListInstances(r.Context(), ac.UserID)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]instanceResponse, 0, len(instances))
	for _, inst := range instances {
		out = append(out, toInstanceResponse(inst))
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"instances": out})
}

func (g *Gateway) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst := g.ownedInstance(w, r, r.PathValue("id"))
	if inst == nil {
		return
	}
	g.writeJSON(w, http.StatusOK, toInstanceResponse(inst))
}

type updateInstanceRequest struct {
	DisplayName *string `json:"display_name"`
	AIEnabled   *bool   `json:"ai_enabled"`
	AutoReply   *bool   `json:"auto_reply"`
}

func (g *Gateway) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	inst := g.ownedInstance(w, r, r.PathValue("id"))
	if inst == nil {
		return
	}

	var req updateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DisplayName != nil && strings.TrimSpace(*req.DisplayName) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "display_name must not be empty")
		return
	}

	if err := g.store.UpdateInstanceSettings(r.Context(), inst.ID, req.DisplayName, req.AIEnabled, req.AutoReply); err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	updated, err := g.store.GetInstance(r.Context(), inst.ID)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, toInstanceResponse(updated))
}

func (g *Gateway) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	inst := g.ownedInstance(w, r, r.PathValue("id"))
	if inst == nil {
		return
	}

	// Tear down the live session before dropping the rows
	g.registry.Disconnect(inst.ID)

	if err := g.store.DeleteInstance(r.Context(), inst.ID); err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("instance deleted", "instance_id", inst.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleConnectInstance(w http.ResponseWriter, r *http.Request) {
	inst := g.ownedInstance(w, r, r.PathValue("id"))
	if inst == nil {
		return
	}

	// Already-connected short circuit
	if s, ok := g.registry.Lookup(inst.ID); ok && s.State() == store.InstanceStateConnected {
		g.writeJSON(w, http.StatusOK, map[string]string{"status": store.InstanceStateConnected})
		return
	}

	s, err := g.registry.Connect(r.Context(), inst.ID, inst.OwnerID)
	if err != nil {
		g.logger.Warn("instance connect failed", "instance_id", inst.ID, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "transport connection failed")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": s.State()})
}

func (g *Gateway) handleDisconnectInstance(w http.ResponseWriter, r *http.Request) {
	inst := g.ownedInstance(w, r, r.PathValue("id"))
	if inst == nil {
		return
	}

	g.registry.Disconnect(inst.ID)
	g.writeJSON(w, http.StatusOK, map[string]string{"status": store.InstanceStateDisconnected})
}

type sendMessageRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	inst := g.ownedInstance(w, r, r.PathValue("id"))
	if inst == nil {
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Phone == "" || req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "phone and message are required")
		return
	}

	s, ok := g.registry.Lookup(inst.ID)
	if !ok {
		g.sendJSONError(w, http.StatusConflict, "instance not connected")
		return
	}

	msg, err := s.Send(r.Context(), req.Phone, req.Message)
	if errors.Is(err, session.ErrNotReady) || errors.Is(err, session.ErrShutdown) {
		g.sendJSONError(w, http.StatusConflict, "instance not connected")
		return
	}
	if err != nil {
		g.logger.Error("send failed", "instance_id", inst.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"message_id": msg.ID})
}

// contactResponse is the public shape of a contact.
type contactResponse struct {
	ID          string    `json:"id"`
	InstanceID  string    `json:"instance_id"`
	PhoneNumber string    `json:"phone_number"`
	DisplayName string    `json:"display_name,omitempty"`
	PushName    string    `json:"push_name,omitempty"`
	IsBusiness  bool      `json:"is_business"`
	Notes       string    `json:"notes"`
	Tags        string    `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toContactResponse(c *store.Contact) contactResponse {
	return contactResponse{
		ID:          c.ID,
		InstanceID:  c.InstanceID,
		PhoneNumber: c.PhoneNumber,
		DisplayName: c.DisplayName,
		PushName:    c.PushName,
		IsBusiness:  c.IsBusiness,
		Notes:       c.Notes,
		Tags:        c.Tags,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func (g *Gateway) handleListContacts(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instance_id")
	if instanceID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "instance_id query parameter is required")
		return
	}
	if g.ownedInstance(w, r, instanceID) == nil {
		return
	}

	contacts, err := g.store.ListContacts(r.Context(), instanceID)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]contactResponse, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, toContactResponse(c))
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"contacts": out})
}

type updateContactRequest struct {
	Notes *string `json:"notes"`
	Tags  *string `json:"tags"`
}

func (g *Gateway) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	contact, err := g.store.GetContact(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "contact not found")
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// Ownership flows through the contact's instance
	if g.ownedInstance(w, r, contact.InstanceID) == nil {
		return
	}

	var req updateContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := g.store.UpdateContactNotes(r.Context(), contact.ID, req.Notes, req.Tags); err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	updated, err := g.store.GetContact(r.Context(), contact.ID)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, toContactResponse(updated))
}

// messageResponse is the public shape of a message.
type messageResponse struct {
	ID           string    `json:"id"`
	InstanceID   string    `json:"instance_id"`
	ContactID    string    `json:"contact_id"`
	ExternalID   string    `json:"external_id"`
	Type         string    `json:"type"`
	Content      string    `json:"content"`
	Direction    string    `json:"direction"`
	IsAIResponse bool      `json:"is_ai_response"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instanceID := q.Get("instance_id")
	if instanceID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "instance_id query parameter is required")
		return
	}
	if g.ownedInstance(w, r, instanceID) == nil {
		return
	}

	limit := defaultMessageLimit
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxMessageLimit)
	}

	offset := 0
	if raw := q.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	messages, err := g.store.ListMessages(r.Context(), instanceID, q.Get("contact_id"), limit, offset)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageResponse{
			ID:           m.ID,
			InstanceID:   m.InstanceID,
			ContactID:    m.ContactID,
			ExternalID:   m.ExternalID,
			Type:         m.Type,
			Content:      m.Content,
			Direction:    m.Direction,
			IsAIResponse: m.IsAIResponse,
			Status:       m.Status,
			Timestamp:    m.Timestamp,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}
