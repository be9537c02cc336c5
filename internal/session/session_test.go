// ABOUTME: Tests for the per-instance connection session
// ABOUTME: Covers the state machine, ingestion pipeline, acks, and auto-reply

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorus-im/chorus/internal/ai"
	"github.com/chorus-im/chorus/internal/broadcast"
	"github.com/chorus-im/chorus/internal/dedupe"
	"github.com/chorus-im/chorus/internal/store"
	"github.com/chorus-im/chorus/internal/transport"
)

// fakeDialer hands out fakeClients and exposes the handlers the session
// registered so tests can drive transport events directly.
type fakeDialer struct {
	mu       sync.Mutex
	handlers transport.Handlers
	client   *fakeClient
	dialErr  error
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context, instanceID string, handlers transport.Handlers) (transport.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.handlers = handlers
	d.client = &fakeClient{}
	return d.client, nil
}

type sentMessage struct {
	Recipient string
	Body      string
}

type fakeClient struct {
	mu        sync.Mutex
	sent      []sentMessage
	destroyed bool
	sendErr   error
}

func (c *fakeClient) Send(ctx context.Context, recipient, body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, sentMessage{Recipient: recipient, Body: body})
	return fmt.Sprintf("out-%d", len(c.sent)), nil
}

func (c *fakeClient) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
}

func (c *fakeClient) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// fakeReplier returns a canned reply or error.
type fakeReplier struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	history []*store.Message
}

func (r *fakeReplier) Reply(ctx context.Context, ownerID string, history []*store.Message, current string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.history = history
	if r.err != nil {
		return "", r.err
	}
	return r.reply, nil
}

func (r *fakeReplier) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fixture struct {
	store   *store.MockStore
	dialer  *fakeDialer
	bc      *broadcast.Broadcaster
	replier *fakeReplier
	seen    *dedupe.Cache
	session *Session
	events  <-chan broadcast.Event
}

func newFixture(t *testing.T, aiEnabled, autoReply bool) *fixture {
	t.Helper()

	st := store.NewMockStore()
	now := time.Now()
	require.NoError(t, st.CreateInstance(context.Background(), &store.Instance{
		ID:          "inst-1",
		OwnerID:     "owner-1",
		DisplayName: "Support",
		State:       store.InstanceStateDisconnected,
		AIEnabled:   aiEnabled,
		AutoReply:   autoReply,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	dialer := &fakeDialer{}
	bc := broadcast.New(nil)
	t.Cleanup(bc.Close)
	replier := &fakeReplier{reply: "canned reply"}
	seen := dedupe.New(time.Minute, 100)
	t.Cleanup(seen.Close)

	events, _ := bc.Subscribe(t.Context(), "owner-1")

	sess := New("inst-1", "owner-1", Deps{
		Store:       st,
		Dialer:      dialer,
		Broadcaster: bc,
		Replier:     replier,
		Seen:        seen,
	})

	return &fixture{
		store:   st,
		dialer:  dialer,
		bc:      bc,
		replier: replier,
		seen:    seen,
		session: sess,
		events:  events,
	}
}

func (f *fixture) connectAndReady(t *testing.T, phone string) {
	t.Helper()
	require.NoError(t, f.session.Connect(context.Background()))
	f.dialer.handlers.Ready(phone)
}

func (f *fixture) waitEvent(t *testing.T, name string) broadcast.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", name)
		}
	}
}

func incoming(externalID, phone, body string) transport.InboundMessage {
	return transport.InboundMessage{
		ExternalID: externalID,
		FromPhone:  phone,
		PushName:   "Ana",
		Type:       "chat",
		Body:       body,
	}
}

func TestSession_ConnectTransitionsToConnecting(t *testing.T) {
	f := newFixture(t, false, false)

	require.NoError(t, f.session.Connect(context.Background()))
	assert.Equal(t, store.InstanceStateConnecting, f.session.State())

	inst, err := f.store.GetInstance(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, store.InstanceStateConnecting, inst.State)
}

func TestSession_ConnectIsIdempotentWhileConnecting(t *testing.T) {
	f := newFixture(t, false, false)

	require.NoError(t, f.session.Connect(context.Background()))
	require.NoError(t, f.session.Connect(context.Background()))
	assert.Equal(t, 1, f.dialer.dials)
}

func TestSession_PairingCodePersistsAndBroadcasts(t *testing.T) {
	f := newFixture(t, false, false)
	require.NoError(t, f.session.Connect(context.Background()))

	f.dialer.handlers.PairingCode("ABCD-1234")

	// Still connecting: pairing does not advance the state machine
	assert.Equal(t, store.InstanceStateConnecting, f.session.State())

	inst, _ := f.store.GetInstance(context.Background(), "inst-1")
	assert.Equal(t, "ABCD-1234", inst.PairingCode)

	ev := f.waitEvent(t, broadcast.EventPairingCode)
	assert.Equal(t, "inst-1", ev.InstanceID)
	payload := ev.Payload.(map[string]string)
	assert.Equal(t, "ABCD-1234", payload["code"])
}

func TestSession_ReadyConnectsAndClearsPairingCode(t *testing.T) {
	f := newFixture(t, false, false)
	require.NoError(t, f.session.Connect(context.Background()))
	f.dialer.handlers.PairingCode("ABCD-1234")

	f.dialer.handlers.Ready("15551234567")

	assert.Equal(t, store.InstanceStateConnected, f.session.State())
	assert.Equal(t, "15551234567", f.session.PhoneNumber())

	inst, _ := f.store.GetInstance(context.Background(), "inst-1")
	assert.Equal(t, store.InstanceStateConnected, inst.State)
	assert.Equal(t, "15551234567", inst.PhoneNumber)
	assert.Empty(t, inst.PairingCode, "pairing code should clear on ready")

	f.waitEvent(t, broadcast.EventConnected)
}

func TestSession_AuthFailureEntersErrorState(t *testing.T) {
	f := newFixture(t, false, false)
	require.NoError(t, f.session.Connect(context.Background()))

	f.dialer.handlers.AuthFailure("bad credentials")

	assert.Equal(t, store.InstanceStateError, f.session.State())
	inst, _ := f.store.GetInstance(context.Background(), "inst-1")
	assert.Equal(t, store.InstanceStateError, inst.State)

	ev := f.waitEvent(t, broadcast.EventError)
	payload := ev.Payload.(map[string]string)
	assert.Equal(t, "bad credentials", payload["reason"])
}

func TestSession_ErrorStateExitsViaReconnect(t *testing.T) {
	f := newFixture(t, false, false)
	require.NoError(t, f.session.Connect(context.Background()))
	f.dialer.handlers.AuthFailure("bad credentials")
	require.Equal(t, store.InstanceStateError, f.session.State())

	require.NoError(t, f.session.Connect(context.Background()))
	assert.Equal(t, store.InstanceStateConnecting, f.session.State())
	assert.Equal(t, 2, f.dialer.dials)
}

func TestSession_DialFailureEntersErrorState(t *testing.T) {
	f := newFixture(t, false, false)
	f.dialer.dialErr = errors.New("network down")

	err := f.session.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, store.InstanceStateError, f.session.State())
}

func TestSession_TransportDisconnectReturnsToDisconnected(t *testing.T) {
	f := newFixture(t, false, false)
	f.connectAndReady(t, "15551234567")

	f.dialer.handlers.Disconnected("connection lost")

	assert.Equal(t, store.InstanceStateDisconnected, f.session.State())
	assert.Empty(t, f.session.PhoneNumber())

	inst, _ := f.store.GetInstance(context.Background(), "inst-1")
	assert.Empty(t, inst.PhoneNumber, "phone number should clear on disconnect")

	f.waitEvent(t, broadcast.EventDisconnected)
}

func TestSession_SendRequiresConnected(t *testing.T) {
	f := newFixture(t, false, false)

	_, err := f.session.Send(context.Background(), "15550001111", "hi")
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, f.session.Connect(context.Background()))
	_, err = f.session.Send(context.Background(), "15550001111", "hi")
	assert.ErrorIs(t, err, ErrNotReady, "connecting is not connected")
}

func TestSession_SendPersistsOutgoingMessage(t *testing.T) {
	f := newFixture(t, false, false)
	f.connectAndReady(t, "15551234567")

	msg, err := f.session.Send(context.Background(), "15550001111", "hello out there")
	require.NoError(t, err)
	assert.Equal(t, store.DirectionOutgoing, msg.Direction)
	assert.Equal(t, store.StatusSent, msg.Status)
	assert.False(t, msg.IsAIResponse)

	stored, err := f.store.ListMessages(context.Background(), "inst-1", msg.ContactID, 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hello out there", stored[0].Content)
}

func TestSession_EchoMessagesAreDropped(t *testing.T) {
	f := newFixture(t, false, false)
	f.connectAndReady(t, "15551234567")

	echo := incoming("ext-1", "15550001111", "our own words")
	echo.FromMe = true
	f.dialer.handlers.Message(echo)

	messages, err := f.store.ListMessages(context.Background(), "inst-1", "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, messages, "echoes must not be ingested")
}

func TestSession_IncomingMessageIngestedAndBroadcast(t *testing.T) {
	f := newFixture(t, false, false)
	f.connectAndReady(t, "15551234567")

	f.dialer.handlers.Message(incoming("ext-1", "15550001111", "hello gateway"))

	contacts, err := f.store.ListContacts(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "15550001111", contacts[0].PhoneNumber)
	assert.Equal(t, "Ana", contacts[0].PushName)

	messages, err := f.store.ListMessages(context.Background(), "inst-1", contacts[0].ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.DirectionIncoming, messages[0].Direction)
	assert.Equal(t, store.StatusPending, messages[0].Status)

	ev := f.waitEvent(t, broadcast.EventNewMessage)
	payload := ev.Payload.(map[string]any)
	assert.Equal(t, "hello gateway", payload["content"])
}

func TestSession_DuplicateDeliveryIngestedOnce(t *testing.T) {
	f := newFixture(t, false, false)
	f.connectAndReady(t, "15551234567")

	f.dialer.handlers.Message(incoming("ext-1", "15550001111", "hello"))
	f.dialer.handlers.Message(incoming("ext-1", "15550001111", "hello"))
	f.dialer.handlers.Message(incoming("ext-1", "15550001111", "hello"))

	messages, err := f.store.ListMessages(context.Background(), "inst-1", "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestSession_RedeliveryAfterContactUpsertFailureIngests(t *testing.T) {
	f := newFixture(t, false, false)
	f.connectAndReady(t, "15551234567")

	f.store.FailUpsertContact = errors.New("storage offline")
	f.dialer.handlers.Message(incoming("ext-9", "15550001111", "first attempt"))

	messages, err := f.store.ListMessages(context.Background(), "inst-1", "", 10, 0)
	require.NoError(t, err)
	require.Empty(t, messages, "failed ingestion must not persist anything")

	// Storage recovers; the transport redelivers the same message
	f.store.FailUpsertContact = nil
	f.dialer.handlers.Message(incoming("ext-9", "15550001111", "first attempt"))

	messages, err = f.store.ListMessages(context.Background(), "inst-1", "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 1, "redelivery after a storage failure must ingest")
}

func TestSession_RedeliveryAfterInsertFailureIngests(t *testing.T) {
	f := newFixture(t, false, false)
	f.connectAndReady(t, "15551234567")

	f.store.FailInsertMessage = errors.New("storage offline")
	f.dialer.handlers.Message(incoming("ext-9", "15550001111", "first attempt"))

	messages, err := f.store.ListMessages(context.Background(), "inst-1", "", 10, 0)
	require.NoError(t, err)
	require.Empty(t, messages)

	f.store.FailInsertMessage = nil
	f.dialer.handlers.Message(incoming("ext-9", "15550001111", "first attempt"))

	messages, err = f.store.ListMessages(context.Background(), "inst-1", "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 1, "redelivery after a storage failure must ingest")
}

func TestSession_SendKeepsContactMetadata(t *testing.T) {
	f := newFixture(t, false, false)
	f.connectAndReady(t, "15551234567")

	f.dialer.handlers.Message(incoming("ext-1", "15550001111", "hola"))

	contacts, err := f.store.ListContacts(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	require.Equal(t, "Ana", contacts[0].PushName)

	// An API send to the same contact carries no metadata
	_, err = f.session.Send(context.Background(), "15550001111", "hello back")
	require.NoError(t, err)

	contacts, err = f.store.ListContacts(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "Ana", contacts[0].PushName,
		"outbound sends must not erase names learned from inbound traffic")
}

func TestSession_AckUpdatesDeliveryStatus(t *testing.T) {
	f := newFixture(t, false, false)
	f.connectAndReady(t, "15551234567")

	msg, err := f.session.Send(context.Background(), "15550001111", "ping")
	require.NoError(t, err)

	f.dialer.handlers.Ack(msg.ExternalID, transport.AckDelivered)

	stored, _ := f.store.ListMessages(context.Background(), "inst-1", msg.ContactID, 10, 0)
	require.Len(t, stored, 1)
	assert.Equal(t, store.StatusDelivered, stored[0].Status)
}

func TestSession_AckForUnknownMessageIsSilent(t *testing.T) {
	f := newFixture(t, false, false)
	f.connectAndReady(t, "15551234567")

	// Must not panic or error
	f.dialer.handlers.Ack("never-seen", transport.AckRead)
}

func TestAckStatus_UnknownCodeMapsToPending(t *testing.T) {
	assert.Equal(t, store.StatusPending, ackStatus(0))
	assert.Equal(t, store.StatusSent, ackStatus(1))
	assert.Equal(t, store.StatusDelivered, ackStatus(2))
	assert.Equal(t, store.StatusRead, ackStatus(3))
	assert.Equal(t, store.StatusFailed, ackStatus(4))
	assert.Equal(t, store.StatusPending, ackStatus(7))
	assert.Equal(t, store.StatusPending, ackStatus(-1))
}

func TestSession_AutoReplyDisabledSkipsReplier(t *testing.T) {
	f := newFixture(t, true, false) // ai on, auto-reply off
	f.connectAndReady(t, "15551234567")

	f.dialer.handlers.Message(incoming("ext-1", "15550001111", "anyone there?"))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.replier.callCount(), "auto-reply must be gated on both flags")
}

func TestSession_AutoReplySendsAndPersists(t *testing.T) {
	f := newFixture(t, true, true)
	f.connectAndReady(t, "15551234567")

	f.dialer.handlers.Message(incoming("ext-1", "15550001111", "anyone there?"))

	require.Eventually(t, func() bool {
		messages, _ := f.store.ListMessages(context.Background(), "inst-1", "", 10, 0)
		return len(messages) == 2
	}, 2*time.Second, 10*time.Millisecond, "expected incoming plus AI reply")

	messages, _ := f.store.ListMessages(context.Background(), "inst-1", "", 10, 0)
	var reply *store.Message
	for _, m := range messages {
		if m.IsAIResponse {
			reply = m
		}
	}
	require.NotNil(t, reply, "AI reply should be persisted")
	assert.Equal(t, "canned reply", reply.Content)
	assert.Equal(t, store.DirectionOutgoing, reply.Direction)
	assert.Equal(t, store.StatusSent, reply.Status)

	assert.Equal(t, 1, f.dialer.client.sentCount())

	// Conversation cache refreshed after the AI turn
	require.Eventually(t, func() bool {
		_, err := f.store.GetConversation(context.Background(), "inst-1", reply.ContactID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_AutoReplyNotConfiguredEndsSilently(t *testing.T) {
	f := newFixture(t, true, true)
	f.replier.err = ai.ErrNotConfigured
	f.connectAndReady(t, "15551234567")

	f.dialer.handlers.Message(incoming("ext-1", "15550001111", "hello"))

	require.Eventually(t, func() bool {
		return f.replier.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	messages, _ := f.store.ListMessages(context.Background(), "inst-1", "", 10, 0)
	assert.Len(t, messages, 1, "no outgoing message on replier failure")
	assert.Zero(t, f.dialer.client.sentCount())
}

func TestSession_DisconnectDestroysClient(t *testing.T) {
	f := newFixture(t, false, false)
	f.connectAndReady(t, "15551234567")

	f.session.Disconnect()

	assert.Equal(t, store.InstanceStateDisconnected, f.session.State())
	assert.True(t, f.dialer.client.destroyed)

	// Idempotent
	f.session.Disconnect()
}

func TestSession_HandlersCannotResurrectAfterDisconnect(t *testing.T) {
	f := newFixture(t, false, false)
	f.connectAndReady(t, "15551234567")
	handlers := f.dialer.handlers

	f.session.Disconnect()

	handlers.Ready("15559999999")
	assert.Equal(t, store.InstanceStateDisconnected, f.session.State(),
		"late ready event must not resurrect the session")

	handlers.Message(incoming("ext-late", "15550001111", "too late"))
	messages, _ := f.store.ListMessages(context.Background(), "inst-1", "", 10, 0)
	assert.Empty(t, messages, "ingestion stops after shutdown")
}

func TestSession_ConnectAfterDisconnectIsRefused(t *testing.T) {
	f := newFixture(t, false, false)
	f.connectAndReady(t, "15551234567")
	f.session.Disconnect()

	err := f.session.Connect(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestSession_SendAfterDisconnectIsRefused(t *testing.T) {
	f := newFixture(t, false, false)
	f.connectAndReady(t, "15551234567")
	f.session.Disconnect()

	_, err := f.session.Send(context.Background(), "15550001111", "hi")
	assert.ErrorIs(t, err, ErrShutdown)
}
