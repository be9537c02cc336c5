// ABOUTME: In-memory mock implementation of the Store interface for testing
// ABOUTME: Thread-safe with RWMutex, returns copies to prevent mutation

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store for tests
type MockStore struct {
	mu            sync.RWMutex
	users         map[string]*User
	instances     map[string]*Instance
	contacts      map[string]*Contact
	messages      map[string]*Message // keyed by instanceID+"\x00"+externalID
	aiSettings    map[string]*AISettings
	conversations map[string]*Conversation // keyed by instanceID+"\x00"+contactID

	// Optional error injection
	FailInsertMessage error
	FailUpsertContact error
}

// NewMockStore creates a new empty mock store
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[string]*User),
		instances:     make(map[string]*Instance),
		contacts:      make(map[string]*Contact),
		messages:      make(map[string]*Message),
		aiSettings:    make(map[string]*AISettings),
		conversations: make(map[string]*Conversation),
	}
}

func messageKey(instanceID, externalID string) string {
	return instanceID + "\x00" + externalID
}

func conversationKey(instanceID, contactID string) string {
	return instanceID + "\x00" + contactID
}

func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Email == user.Email {
			return ErrDuplicateEmail
		}
	}
	copied := *user
	m.users[user.ID] = &copied
	return nil
}

func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) CreateInstance(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *inst
	m.instances[inst.ID] = &copied
	return nil
}

func (m *MockStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *inst
	return &copied, nil
}

func (m *MockStore) ListInstances(ctx context.Context, ownerID string) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Instance
	for _, inst := range m.instances {
		if inst.OwnerID == ownerID {
			copied := *inst
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MockStore) CountInstances(ctx context.Context, ownerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, inst := range m.instances {
		if inst.OwnerID == ownerID {
			count++
		}
	}
	return count, nil
}

func (m *MockStore) UpdateInstanceSettings(ctx context.Context, id string, displayName *string, aiEnabled, autoReply *bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	if displayName != nil {
		inst.DisplayName = *displayName
	}
	if aiEnabled != nil {
		inst.AIEnabled = *aiEnabled
	}
	if autoReply != nil {
		inst.AutoReply = *autoReply
	}
	inst.UpdatedAt = time.Now()
	return nil
}

func (m *MockStore) UpdateInstanceState(ctx context.Context, id, state string, phoneNumber, pairingCode *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	inst.State = state
	inst.PhoneNumber = ""
	if phoneNumber != nil {
		inst.PhoneNumber = *phoneNumber
	}
	inst.PairingCode = ""
	if pairingCode != nil {
		inst.PairingCode = *pairingCode
	}
	inst.UpdatedAt = time.Now()
	return nil
}

func (m *MockStore) DeleteInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[id]; !ok {
		return ErrNotFound
	}
	delete(m.instances, id)

	for cid, c := range m.contacts {
		if c.InstanceID == id {
			delete(m.contacts, cid)
		}
	}
	for key := range m.messages {
		if strings.HasPrefix(key, id+"\x00") {
			delete(m.messages, key)
		}
	}
	for key := range m.conversations {
		if strings.HasPrefix(key, id+"\x00") {
			delete(m.conversations, key)
		}
	}
	return nil
}

func (m *MockStore) UpsertContact(ctx context.Context, p UpsertContactParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUpsertContact != nil {
		return "", m.FailUpsertContact
	}

	now := time.Now()
	for _, c := range m.contacts {
		if c.InstanceID == p.InstanceID && c.PhoneNumber == p.PhoneNumber {
			// Empty fields never erase learned metadata
			if p.DisplayName != "" {
				c.DisplayName = p.DisplayName
			}
			if p.PushName != "" {
				c.PushName = p.PushName
			}
			if p.IsBusiness {
				c.IsBusiness = true
			}
			c.UpdatedAt = now
			return c.ID, nil
		}
	}

	id := newID()
	m.contacts[id] = &Contact{
		ID:          id,
		InstanceID:  p.InstanceID,
		PhoneNumber: p.PhoneNumber,
		DisplayName: p.DisplayName,
		PushName:    p.PushName,
		IsBusiness:  p.IsBusiness,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

func (m *MockStore) ListContacts(ctx context.Context, instanceID string) ([]*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contact
	for _, c := range m.contacts {
		if c.InstanceID == instanceID {
			copied := *c
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (m *MockStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (m *MockStore) UpdateContactNotes(ctx context.Context, id string, notes, tags *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contacts[id]
	if !ok {
		return ErrNotFound
	}
	if notes != nil {
		c.Notes = *notes
	}
	if tags != nil {
		c.Tags = *tags
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MockStore) InsertMessageIfAbsent(ctx context.Context, msg *Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailInsertMessage != nil {
		return false, m.FailInsertMessage
	}

	key := messageKey(msg.InstanceID, msg.ExternalID)
	if _, ok := m.messages[key]; ok {
		return false, nil
	}
	copied := *msg
	m.messages[key] = &copied
	return true, nil
}

func (m *MockStore) UpdateMessageStatus(ctx context.Context, instanceID, externalID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg, ok := m.messages[messageKey(instanceID, externalID)]; ok {
		msg.Status = status
	}
	return nil
}

func (m *MockStore) RecentMessages(ctx context.Context, instanceID, contactID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages {
		if msg.InstanceID == instanceID && msg.ContactID == contactID {
			copied := *msg
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (m *MockStore) ListMessages(ctx context.Context, instanceID, contactID string, limit, offset int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages {
		if msg.InstanceID != instanceID {
			continue
		}
		if contactID != "" && msg.ContactID != contactID {
			continue
		}
		copied := *msg
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockStore) GetAISettings(ctx context.Context, ownerID string) (*AISettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.aiSettings[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *MockStore) SaveAISettings(ctx context.Context, settings *AISettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *settings
	copied.UpdatedAt = time.Now()
	m.aiSettings[settings.OwnerID] = &copied
	return nil
}

func (m *MockStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *conv
	m.conversations[conversationKey(conv.InstanceID, conv.ContactID)] = &copied
	return nil
}

func (m *MockStore) GetConversation(ctx context.Context, instanceID, contactID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversationKey(instanceID, contactID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *conv
	return &copied, nil
}

func (m *MockStore) Close() error {
	return nil
}
