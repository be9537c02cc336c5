// ABOUTME: Store interface and data types for chorus-gateway persistence
// ABOUTME: Defines User, Instance, Contact, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned when registering a user with an email that already exists
var ErrDuplicateEmail = errors.New("email already registered")

// Connection states for an instance. Transitions are owned by the session
// layer; the store only records them.
const (
	InstanceStateDisconnected = "disconnected"
	InstanceStateConnecting   = "connecting"
	InstanceStateConnected    = "connected"
	InstanceStateError        = "error"
)

// Message directions
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Delivery statuses for a message. Immutable fields aside, deliveryStatus is
// the only column that changes after insert.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// User represents a dashboard account that owns instances
type User struct {
	ID           string
	Email        string
	PasswordHash string
	DisplayName  string
	CreatedAt    time.Time
}

// Instance represents one tenant's connection to the messaging network
type Instance struct {
	ID          string
	OwnerID     string
	DisplayName string
	State       string // disconnected, connecting, connected, error
	PhoneNumber string // set while connected, cleared on disconnect
	PairingCode string // opaque pairing payload, cleared once ready
	AIEnabled   bool
	AutoReply   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Contact is a remote party seen by an instance, unique per (instance, phone)
type Contact struct {
	ID          string
	InstanceID  string
	PhoneNumber string
	DisplayName string
	PushName    string
	IsBusiness  bool
	Notes       string
	Tags        string // JSON-encoded list, managed by the API layer
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is a single inbound or outbound message. ExternalID is the
// transport-assigned identifier used for deduplication and ack correlation.
type Message struct {
	ID           string
	InstanceID   string
	ContactID    string
	ExternalID   string
	Type         string
	Content      string
	Direction    string // incoming, outgoing
	IsAIResponse bool
	Status       string // pending, sent, delivered, read, failed
	Timestamp    time.Time
}

// AISettings holds an owner's AI configuration
type AISettings struct {
	OwnerID            string
	Provider           string // openai, anthropic, google
	APIKey             string
	Model              string
	Temperature        float64
	MaxTokens          int
	SystemPrompt       string
	CustomInstructions string
	UpdatedAt          time.Time
}

// Conversation is the denormalized recent-history blob written after each AI
// turn. It is a read-through cache only; the messages table is the source of
// truth for reply context.
type Conversation struct {
	InstanceID      string
	ContactID       string
	HistoryJSON     string
	LastInteraction time.Time
}

// UpsertContactParams carries the fields refreshed on every inbound message.
// Only non-empty fields overwrite stored values, so an upsert carrying just
// the phone number (the outbound send path) resolves the contact without
// erasing names learned from inbound traffic.
type UpsertContactParams struct {
	InstanceID  string
	PhoneNumber string
	DisplayName string
	PushName    string
	IsBusiness  bool
}

// Store defines the persistence interface for chorus-gateway
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context, ownerID string) ([]*Instance, error)
	CountInstances(ctx context.Context, ownerID string) (int, error)
	UpdateInstanceSettings(ctx context.Context, id string, displayName *string, aiEnabled, autoReply *bool) error
	// UpdateInstanceState records a connection-state transition. phoneNumber
	// and pairingCode replace the stored values outright (nil string means
	// clear), since every transition in the session layer decides both.
	UpdateInstanceState(ctx context.Context, id, state string, phoneNumber, pairingCode *string) error
	DeleteInstance(ctx context.Context, id string) error

	// Contacts
	UpsertContact(ctx context.Context, p UpsertContactParams) (contactID string, err error)
	ListContacts(ctx context.Context, instanceID string) ([]*Contact, error)
	GetContact(ctx context.Context, id string) (*Contact, error)
	UpdateContactNotes(ctx context.Context, id string, notes, tags *string) error

	// Messages
	// InsertMessageIfAbsent inserts the message unless one with the same
	// (instanceID, externalID) already exists. Returns whether a row was
	// inserted.
	InsertMessageIfAbsent(ctx context.Context, msg *Message) (inserted bool, err error)
	UpdateMessageStatus(ctx context.Context, instanceID, externalID, status string) error
	// RecentMessages returns up to limit messages for the contact, ordered
	// oldest first.
	RecentMessages(ctx context.Context, instanceID, contactID string, limit int) ([]*Message, error)
	ListMessages(ctx context.Context, instanceID, contactID string, limit, offset int) ([]*Message, error)

	// AI settings
	GetAISettings(ctx context.Context, ownerID string) (*AISettings, error)
	SaveAISettings(ctx context.Context, settings *AISettings) error

	// Conversation cache
	SaveConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, instanceID, contactID string) (*Conversation, error)

	// Close releases any resources held by the store
	Close() error
}
