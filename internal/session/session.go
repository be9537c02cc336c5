// ABOUTME: Per-instance connection session: state machine, ingestion, auto-reply
// ABOUTME: Owns the transport client and serializes state transitions under one mutex

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chorus-im/chorus/internal/ai"
	"github.com/chorus-im/chorus/internal/broadcast"
	"github.com/chorus-im/chorus/internal/dedupe"
	"github.com/chorus-im/chorus/internal/store"
	"github.com/chorus-im/chorus/internal/transport"
)

// ErrNotReady is returned by Send when the session is not connected.
var ErrNotReady = errors.New("instance not connected")

// ErrShutdown is returned when an operation arrives after disconnect began.
var ErrShutdown = errors.New("session shut down")

// replyTimeout bounds one auto-reply turn: generation plus the send.
const replyTimeout = 45 * time.Second

// Replier generates a reply from conversation history. Satisfied by
// ai.Responder; nil disables auto-reply entirely.
type Replier interface {
	Reply(ctx context.Context, ownerID string, history []*store.Message, current string) (string, error)
}

// Deps carries the collaborators a session needs.
type Deps struct {
	Store       store.Store
	Dialer      transport.Dialer
	Broadcaster *broadcast.Broadcaster
	Replier     Replier
	Seen        *dedupe.Cache
	Logger      *slog.Logger
}

// Session is one instance's live connection. Transitions:
// disconnected -> connecting -> connected -> {disconnected, error}.
// The error state is only left by an explicit reconnect.
type Session struct {
	instanceID string
	ownerID    string
	deps       Deps
	logger     *slog.Logger

	mu       sync.Mutex
	state    string
	phone    string
	client   transport.Client
	shutdown bool
}

// New creates a session in the disconnected state. It does not dial.
func New(instanceID, ownerID string, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		instanceID: instanceID,
		ownerID:    ownerID,
		deps:       deps,
		state:      store.InstanceStateDisconnected,
		logger:     logger.With("component", "session", "instance_id", instanceID),
	}
}

// State returns the current connection state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PhoneNumber returns the bound phone number, empty unless connected.
func (s *Session) PhoneNumber() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phone
}

// Connect dials the transport. Idempotent while connecting or connected;
// from the error or disconnected states it starts a fresh dial. Returns
// ErrShutdown once Disconnect has begun.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	switch s.state {
	case store.InstanceStateConnecting, store.InstanceStateConnected:
		s.mu.Unlock()
		return nil
	}
	// Reconnect from error: drop the dead client first
	if s.client != nil {
		s.client.Destroy()
		s.client = nil
	}
	s.state = store.InstanceStateConnecting
	s.mu.Unlock()

	if err := s.deps.Store.UpdateInstanceState(ctx, s.instanceID, store.InstanceStateConnecting, nil, nil); err != nil {
		s.logger.Error("persisting connecting state failed", "error", err)
	}

	client, err := s.deps.Dialer.Dial(ctx, s.instanceID, transport.Handlers{
		PairingCode:   s.onPairingCode,
		Authenticated: s.onAuthenticated,
		Ready:         s.onReady,
		AuthFailure:   s.onAuthFailure,
		Disconnected:  s.onDisconnected,
		Message:       s.onMessage,
		Ack:           s.onAck,
	})
	if err != nil {
		s.mu.Lock()
		s.state = store.InstanceStateError
		s.mu.Unlock()
		if perr := s.deps.Store.UpdateInstanceState(ctx, s.instanceID, store.InstanceStateError, nil, nil); perr != nil {
			s.logger.Error("persisting error state failed", "error", perr)
		}
		s.publish(broadcast.EventError, map[string]string{"reason": err.Error()})
		return fmt.Errorf("dialing transport: %w", err)
	}

	s.mu.Lock()
	if s.shutdown {
		// Disconnect raced the dial; the new client must not survive
		s.mu.Unlock()
		client.Destroy()
		return ErrShutdown
	}
	s.client = client
	s.mu.Unlock()

	s.logger.Info("session connecting")
	return nil
}

// Disconnect tears the session down from any state. Idempotent. After it
// returns no handler can mutate state and Connect refuses to dial.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	client := s.client
	s.client = nil
	s.state = store.InstanceStateDisconnected
	s.phone = ""
	s.mu.Unlock()

	if client != nil {
		client.Destroy()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Store.UpdateInstanceState(ctx, s.instanceID, store.InstanceStateDisconnected, nil, nil); err != nil {
		s.logger.Error("persisting disconnected state failed", "error", err)
	}
	s.publish(broadcast.EventDisconnected, nil)

	s.logger.Info("session disconnected")
}

// Send delivers an outbound message and persists it with status sent.
// Returns ErrNotReady unless the session is connected.
func (s *Session) Send(ctx context.Context, phone, body string) (*store.Message, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil, ErrShutdown
	}
	if s.state != store.InstanceStateConnected || s.client == nil {
		s.mu.Unlock()
		return nil, ErrNotReady
	}
	client := s.client
	s.mu.Unlock()

	externalID, err := client.Send(ctx, phone, body)
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	contactID, err := s.deps.Store.UpsertContact(ctx, store.UpsertContactParams{
		InstanceID:  s.instanceID,
		PhoneNumber: phone,
	})
	if err != nil {
		return nil, fmt.Errorf("upserting contact: %w", err)
	}

	msg := &store.Message{
		ID:         uuid.NewString(),
		InstanceID: s.instanceID,
		ContactID:  contactID,
		ExternalID: externalID,
		Type:       "chat",
		Content:    body,
		Direction:  store.DirectionOutgoing,
		Status:     store.StatusSent,
		Timestamp:  time.Now().UTC(),
	}
	if _, err := s.deps.Store.InsertMessageIfAbsent(ctx, msg); err != nil {
		return nil, fmt.Errorf("persisting message: %w", err)
	}
	s.deps.Seen.Remember(s.dedupeKey(externalID))

	return msg, nil
}

// --- transport handlers; the transport invokes these serially ---

func (s *Session) onPairingCode(code string) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Store.UpdateInstanceState(ctx, s.instanceID, store.InstanceStateConnecting, nil, &code); err != nil {
		s.logger.Error("persisting pairing code failed", "error", err)
	}
	s.publish(broadcast.EventPairingCode, map[string]string{"code": code})
	s.logger.Info("pairing code issued")
}

func (s *Session) onAuthenticated() {
	s.logger.Info("transport authenticated")
}

func (s *Session) onReady(phoneNumber string) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.state = store.InstanceStateConnected
	s.phone = phoneNumber
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Ready clears the pairing code and records the bound number
	if err := s.deps.Store.UpdateInstanceState(ctx, s.instanceID, store.InstanceStateConnected, &phoneNumber, nil); err != nil {
		s.logger.Error("persisting connected state failed", "error", err)
	}
	s.publish(broadcast.EventConnected, map[string]string{"phone_number": phoneNumber})
	s.logger.Info("session connected", "phone_number", phoneNumber)
}

func (s *Session) onAuthFailure(reason string) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.state = store.InstanceStateError
	s.phone = ""
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Store.UpdateInstanceState(ctx, s.instanceID, store.InstanceStateError, nil, nil); err != nil {
		s.logger.Error("persisting error state failed", "error", err)
	}
	s.publish(broadcast.EventError, map[string]string{"reason": reason})
	s.logger.Warn("transport auth failed", "reason", reason)
}

func (s *Session) onDisconnected(reason string) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.state = store.InstanceStateDisconnected
	s.phone = ""
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Store.UpdateInstanceState(ctx, s.instanceID, store.InstanceStateDisconnected, nil, nil); err != nil {
		s.logger.Error("persisting disconnected state failed", "error", err)
	}
	s.publish(broadcast.EventDisconnected, map[string]string{"reason": reason})
	s.logger.Info("transport disconnected", "reason", reason)
}

// onMessage runs the ingestion pipeline: echo drop, dedupe, contact upsert,
// insert-if-absent, broadcast, then async auto-reply.
func (s *Session) onMessage(msg transport.InboundMessage) {
	if msg.FromMe {
		// Echo of our own send
		return
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	key := s.dedupeKey(msg.ExternalID)
	if s.deps.Seen.Seen(key) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	contactID, err := s.deps.Store.UpsertContact(ctx, store.UpsertContactParams{
		InstanceID:  s.instanceID,
		PhoneNumber: msg.FromPhone,
		DisplayName: msg.DisplayName,
		PushName:    msg.PushName,
		IsBusiness:  msg.IsBusiness,
	})
	if err != nil {
		s.logger.Error("contact upsert failed", "error", err, "phone", msg.FromPhone)
		return
	}

	msgType := msg.Type
	if msgType == "" {
		msgType = "chat"
	}
	stored := &store.Message{
		ID:         uuid.NewString(),
		InstanceID: s.instanceID,
		ContactID:  contactID,
		ExternalID: msg.ExternalID,
		Type:       msgType,
		Content:    msg.Body,
		Direction:  store.DirectionIncoming,
		Status:     store.StatusPending,
		Timestamp:  time.Now().UTC(),
	}

	inserted, err := s.deps.Store.InsertMessageIfAbsent(ctx, stored)
	if err != nil {
		// Not remembered: a redelivery must get another shot at persisting
		s.logger.Error("message insert failed", "error", err, "external_id", msg.ExternalID)
		return
	}
	// The row exists now (this delivery or an earlier one), so the cache may
	// short-circuit future deliveries.
	s.deps.Seen.Remember(key)
	if !inserted {
		// The cache missed but the database had it: a re-delivery
		return
	}

	s.publish(broadcast.EventNewMessage, map[string]any{
		"message_id":  stored.ID,
		"contact_id":  contactID,
		"external_id": stored.ExternalID,
		"content":     stored.Content,
		"direction":   stored.Direction,
		"timestamp":   stored.Timestamp,
	})

	inst, err := s.deps.Store.GetInstance(ctx, s.instanceID)
	if err != nil {
		s.logger.Error("loading instance for auto-reply check failed", "error", err)
		return
	}
	if inst.AIEnabled && inst.AutoReply && s.deps.Replier != nil {
		go s.autoReply(contactID, msg.FromPhone, msg.Body)
	}
}

func (s *Session) onAck(externalID string, code int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.deps.Store.UpdateMessageStatus(ctx, s.instanceID, externalID, ackStatus(code)); err != nil {
		s.logger.Error("ack update failed", "error", err, "external_id", externalID)
	}
}

// ackStatus maps transport ack codes to delivery statuses. Codes outside the
// table map to pending.
func ackStatus(code int) string {
	switch code {
	case transport.AckSent:
		return store.StatusSent
	case transport.AckDelivered:
		return store.StatusDelivered
	case transport.AckRead:
		return store.StatusRead
	case transport.AckFailed:
		return store.StatusFailed
	default:
		return store.StatusPending
	}
}

// autoReply generates and sends an AI response. Every failure ends the
// pipeline silently; the caller never retries.
func (s *Session) autoReply(contactID, phone, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()

	history, err := s.deps.Store.RecentMessages(ctx, s.instanceID, contactID, 10)
	if err != nil {
		s.logger.Error("loading history for auto-reply failed", "error", err)
		return
	}

	text, err := s.deps.Replier.Reply(ctx, s.ownerID, history, content)
	if err != nil {
		if errors.Is(err, ai.ErrNotConfigured) {
			s.logger.Debug("auto-reply skipped: ai not configured")
		} else {
			s.logger.Warn("auto-reply generation failed", "error", err)
		}
		return
	}

	s.mu.Lock()
	if s.shutdown || s.state != store.InstanceStateConnected || s.client == nil {
		s.mu.Unlock()
		s.logger.Debug("auto-reply dropped: session no longer connected")
		return
	}
	client := s.client
	s.mu.Unlock()

	externalID, err := client.Send(ctx, phone, text)
	if err != nil {
		s.logger.Warn("auto-reply send failed", "error", err)
		return
	}

	reply := &store.Message{
		ID:           uuid.NewString(),
		InstanceID:   s.instanceID,
		ContactID:    contactID,
		ExternalID:   externalID,
		Type:         "chat",
		Content:      text,
		Direction:    store.DirectionOutgoing,
		IsAIResponse: true,
		Status:       store.StatusSent,
		Timestamp:    time.Now().UTC(),
	}
	if _, err := s.deps.Store.InsertMessageIfAbsent(ctx, reply); err != nil {
		s.logger.Error("persisting auto-reply failed", "error", err)
		return
	}
	s.deps.Seen.Remember(s.dedupeKey(externalID))

	s.publish(broadcast.EventNewMessage, map[string]any{
		"message_id":     reply.ID,
		"contact_id":     contactID,
		"external_id":    reply.ExternalID,
		"content":        reply.Content,
		"direction":      reply.Direction,
		"is_ai_response": true,
		"timestamp":      reply.Timestamp,
	})

	s.refreshConversationCache(ctx, contactID)
	s.logger.Info("auto-reply sent", "contact_id", contactID)
}

// refreshConversationCache rewrites the denormalized history blob after an
// AI turn. Failures only cost the cache, so they are logged and dropped.
func (s *Session) refreshConversationCache(ctx context.Context, contactID string) {
	history, err := s.deps.Store.RecentMessages(ctx, s.instanceID, contactID, 10)
	if err != nil {
		s.logger.Debug("conversation cache refresh failed", "error", err)
		return
	}

	type entry struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	var entries []entry
	for _, m := range history {
		role := "user"
		if m.Direction == store.DirectionOutgoing {
			role = "assistant"
		}
		entries = append(entries, entry{Role: role, Content: m.Content})
	}

	blob, err := json.Marshal(entries)
	if err != nil {
		return
	}
	conv := &store.Conversation{
		InstanceID:      s.instanceID,
		ContactID:       contactID,
		HistoryJSON:     string(blob),
		LastInteraction: time.Now().UTC(),
	}
	if err := s.deps.Store.SaveConversation(ctx, conv); err != nil {
		s.logger.Debug("conversation cache save failed", "error", err)
	}
}

func (s *Session) dedupeKey(externalID string) string {
	return s.instanceID + ":" + externalID
}

func (s *Session) publish(name string, payload any) {
	if s.deps.Broadcaster == nil {
		return
	}
	s.deps.Broadcaster.Publish(s.ownerID, broadcast.Event{
		Name:       name,
		InstanceID: s.instanceID,
		Payload:    payload,
	})
}
