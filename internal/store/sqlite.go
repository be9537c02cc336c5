// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user/instance/contact/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// newID generates a fresh identifier for store-created rows
func newID() string {
	return uuid.NewString()
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			display_name  TEXT NOT NULL,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);

		CREATE TABLE IF NOT EXISTS instances (
			id           TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL REFERENCES users(id),
			display_name TEXT NOT NULL,
			state        TEXT NOT NULL DEFAULT 'disconnected',
			phone_number TEXT,
			pairing_code TEXT,
			ai_enabled   INTEGER NOT NULL DEFAULT 1,
			auto_reply   INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (state IN ('disconnected', 'connecting', 'connected', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_instances_owner ON instances(owner_id);

		CREATE TABLE IF NOT EXISTS contacts (
			id           TEXT PRIMARY KEY,
			instance_id  TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
			phone_number TEXT NOT NULL,
			display_name TEXT,
			push_name    TEXT,
			is_business  INTEGER NOT NULL DEFAULT 0,
			notes        TEXT NOT NULL DEFAULT '',
			tags         TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			UNIQUE(instance_id, phone_number)
		);

		CREATE INDEX IF NOT EXISTS idx_contacts_instance ON contacts(instance_id, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id             TEXT PRIMARY KEY,
			instance_id    TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
			contact_id     TEXT NOT NULL REFERENCES contacts(id),
			external_id    TEXT NOT NULL,
			type           TEXT NOT NULL DEFAULT 'chat',
			content        TEXT NOT NULL,
			direction      TEXT NOT NULL,
			is_ai_response INTEGER NOT NULL DEFAULT 0,
			status         TEXT NOT NULL DEFAULT 'pending',
			timestamp      TEXT NOT NULL,

			UNIQUE(instance_id, external_id),
			CHECK (direction IN ('incoming', 'outgoing')),
			CHECK (status IN ('pending', 'sent', 'delivered', 'read', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(instance_id, contact_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_messages_external
			ON messages(instance_id, external_id);

		CREATE TABLE IF NOT EXISTS ai_settings (
			owner_id            TEXT PRIMARY KEY REFERENCES users(id),
			provider            TEXT NOT NULL DEFAULT 'openai',
			api_key             TEXT NOT NULL DEFAULT '',
			model               TEXT NOT NULL DEFAULT '',
			temperature         REAL NOT NULL DEFAULT 0.7,
			max_tokens          INTEGER NOT NULL DEFAULT 500,
			system_prompt       TEXT NOT NULL DEFAULT '',
			custom_instructions TEXT NOT NULL DEFAULT '',
			updated_at          TEXT NOT NULL,

			CHECK (provider IN ('openai', 'anthropic', 'google'))
		);

		CREATE TABLE IF NOT EXISTS conversations (
			instance_id      TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
			contact_id       TEXT NOT NULL REFERENCES contacts(id),
			history_json     TEXT NOT NULL,
			last_interaction TEXT NOT NULL,

			PRIMARY KEY (instance_id, contact_id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateUser inserts a new user.
// Returns ErrDuplicateEmail if the email is already registered.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, email, password_hash, display_name, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.DisplayName,
		user.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID, "email", user.Email)
	return nil
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var user User
	var createdAtStr string

	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.DisplayName, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &user, nil
}

// GetUser retrieves a user by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, display_name, created_at FROM users WHERE id = ?`, id)
	return s.scanUser(row)
}

// GetUserByEmail retrieves a user by email. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, display_name, created_at FROM users WHERE email = ?`, email)
	return s.scanUser(row)
}

// CreateInstance inserts a new instance in the disconnected state.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *Instance) error {
	query := `
		INSERT INTO instances (id, owner_id, display_name, state, ai_enabled, auto_reply, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		inst.ID,
		inst.OwnerID,
		inst.DisplayName,
		inst.State,
		boolToInt(inst.AIEnabled),
		boolToInt(inst.AutoReply),
		inst.CreatedAt.UTC().Format(time.RFC3339),
		inst.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting instance: %w", err)
	}

	s.logger.Debug("created instance", "id", inst.ID, "owner_id", inst.OwnerID)
	return nil
}

const instanceColumns = `id, owner_id, display_name, state, phone_number, pairing_code, ai_enabled, auto_reply, created_at, updated_at`

func scanInstance(scan func(dest ...any) error) (*Instance, error) {
	var inst Instance
	var phone, pairing sql.NullString
	var aiEnabled, autoReply int
	var createdAtStr, updatedAtStr string

	err := scan(
		&inst.ID,
		&inst.OwnerID,
		&inst.DisplayName,
		&inst.State,
		&phone,
		&pairing,
		&aiEnabled,
		&autoReply,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	inst.PhoneNumber = phone.String
	inst.PairingCode = pairing.String
	inst.AIEnabled = aiEnabled != 0
	inst.AutoReply = autoReply != 0

	inst.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	inst.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &inst, nil
}

// GetInstance retrieves an instance by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)

	inst, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns all instances owned by the given user, newest first.
func (s *SQLiteStore) ListInstances(ctx context.Context, ownerID string) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// CountInstances returns the number of instances owned by the given user.
func (s *SQLiteStore) CountInstances(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM instances WHERE owner_id = ?`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting instances: %w", err)
	}
	return count, nil
}

// UpdateInstanceSettings applies partial updates to an instance's editable
// fields. Nil pointers leave the stored value unchanged.
func (s *SQLiteStore) UpdateInstanceSettings(ctx context.Context, id string, displayName *string, aiEnabled, autoReply *bool) error {
	updates := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}

	if displayName != nil {
		updates = append(updates, "display_name = ?")
		args = append(args, *displayName)
	}
	if aiEnabled != nil {
		updates = append(updates, "ai_enabled = ?")
		args = append(args, boolToInt(*aiEnabled))
	}
	if autoReply != nil {
		updates = append(updates, "auto_reply = ?")
		args = append(args, boolToInt(*autoReply))
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET `+strings.Join(updates, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateInstanceState records a connection-state transition, replacing the
// stored phone number and pairing code (nil clears).
func (s *SQLiteStore) UpdateInstanceState(ctx context.Context, id, state string, phoneNumber, pairingCode *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET state = ?, phone_number = ?, pairing_code = ?, updated_at = ? WHERE id = ?`,
		state,
		nullable(phoneNumber),
		nullable(pairingCode),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating instance state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.logger.Debug("instance state updated", "id", id, "state", state)
	return nil
}

// DeleteInstance removes an instance and, via cascade, its contacts,
// messages, and conversation cache rows.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertContact creates or refreshes the contact for (instance, phone).
// Name fields are last-write-wins, matching re-delivery semantics where the
// newest transport payload is authoritative.
func (s *SQLiteStore) UpsertContact(ctx context.Context, p UpsertContactParams) (string, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM contacts WHERE instance_id = ? AND phone_number = ?`,
		p.InstanceID, p.PhoneNumber).Scan(&id)

	switch {
	case err == sql.ErrNoRows:
		id = newID()
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO contacts (id, instance_id, phone_number, display_name, push_name, is_business, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, p.InstanceID, p.PhoneNumber, p.DisplayName, p.PushName, boolToInt(p.IsBusiness), now, now)
		if err != nil {
			// Another writer may have inserted the same contact between our
			// lookup and insert. Re-read and fall through to the update path.
			if isConstraintViolation(err) {
				if lookupErr := s.db.QueryRowContext(ctx,
					`SELECT id FROM contacts WHERE instance_id = ? AND phone_number = ?`,
					p.InstanceID, p.PhoneNumber).Scan(&id); lookupErr == nil {
					break
				}
			}
			return "", fmt.Errorf("inserting contact: %w", err)
		}
		return id, nil
	case err != nil:
		return "", fmt.Errorf("querying contact: %w", err)
	}

	// Empty fields never erase learned metadata: the outbound send path
	// upserts with the phone number alone.
	_, err = s.db.ExecContext(ctx,
		`UPDATE contacts SET
			display_name = CASE WHEN ? <> '' THEN ? ELSE display_name END,
			push_name = CASE WHEN ? <> '' THEN ? ELSE push_name END,
			is_business = CASE WHEN ? = 1 THEN 1 ELSE is_business END,
			updated_at = ?
		 WHERE id = ?`,
		p.DisplayName, p.DisplayName, p.PushName, p.PushName, boolToInt(p.IsBusiness), now, id)
	if err != nil {
		return "", fmt.Errorf("updating contact: %w", err)
	}
	return id, nil
}

const contactColumns = `id, instance_id, phone_number, display_name, push_name, is_business, notes, tags, created_at, updated_at`

func scanContact(scan func(dest ...any) error) (*Contact, error) {
	var c Contact
	var displayName, pushName sql.NullString
	var isBusiness int
	var createdAtStr, updatedAtStr string

	err := scan(
		&c.ID,
		&c.InstanceID,
		&c.PhoneNumber,
		&displayName,
		&pushName,
		&isBusiness,
		&c.Notes,
		&c.Tags,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	c.DisplayName = displayName.String
	c.PushName = pushName.String
	c.IsBusiness = isBusiness != 0

	c.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// ListContacts returns all contacts for an instance, most recently active first.
func (s *SQLiteStore) ListContacts(ctx context.Context, instanceID string) ([]*Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE instance_id = ? ORDER BY updated_at DESC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		c, err := scanContact(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// GetContact retrieves a contact by ID. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)

	c, err := scanContact(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying contact: %w", err)
	}
	return c, nil
}

// UpdateContactNotes applies partial updates to a contact's notes and tags.
func (s *SQLiteStore) UpdateContactNotes(ctx context.Context, id string, notes, tags *string) error {
	updates := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}

	if notes != nil {
		updates = append(updates, "notes = ?")
		args = append(args, *notes)
	}
	if tags != nil {
		updates = append(updates, "tags = ?")
		args = append(args, *tags)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET `+strings.Join(updates, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertMessageIfAbsent inserts the message unless (instance_id, external_id)
// already exists. INSERT OR IGNORE keeps re-delivered messages idempotent
// without a read-then-write race.
func (s *SQLiteStore) InsertMessageIfAbsent(ctx context.Context, msg *Message) (bool, error) {
	query := `
		INSERT OR IGNORE INTO messages (id, instance_id, contact_id, external_id, type, content, direction, is_ai_response, status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.InstanceID,
		msg.ContactID,
		msg.ExternalID,
		msg.Type,
		msg.Content,
		msg.Direction,
		boolToInt(msg.IsAIResponse),
		msg.Status,
		msg.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("inserting message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking insert result: %w", err)
	}
	return n > 0, nil
}

// UpdateMessageStatus updates the delivery status of the message identified
// by (instance_id, external_id). Unknown external IDs are a silent no-op:
// acks can arrive for messages sent before this gateway stored them.
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, instanceID, externalID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE instance_id = ? AND external_id = ?`,
		status, instanceID, externalID)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	return nil
}

const messageColumns = `id, instance_id, contact_id, external_id, type, content, direction, is_ai_response, status, timestamp`

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var m Message
	var isAI int
	var timestampStr string

	err := scan(
		&m.ID,
		&m.InstanceID,
		&m.ContactID,
		&m.ExternalID,
		&m.Type,
		&m.Content,
		&m.Direction,
		&isAI,
		&m.Status,
		&timestampStr,
	)
	if err != nil {
		return nil, err
	}

	m.IsAIResponse = isAI != 0
	m.Timestamp, err = time.Parse(time.RFC3339, timestampStr)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &m, nil
}

// RecentMessages returns up to limit messages for the conversation, ordered
// oldest first. The query selects the newest rows then reverses, matching
// how a bounded context window is built.
func (s *SQLiteStore) RecentMessages(ctx context.Context, instanceID, contactID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE instance_id = ? AND contact_id = ?
		 ORDER BY timestamp DESC LIMIT ?`,
		instanceID, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse newest-first into oldest-first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ListMessages returns a page of messages for an instance, oldest first.
// contactID narrows to one conversation when non-empty.
func (s *SQLiteStore) ListMessages(ctx context.Context, instanceID, contactID string, limit, offset int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE instance_id = ?`
	args := []any{instanceID}

	if contactID != "" {
		query += ` AND contact_id = ?`
		args = append(args, contactID)
	}
	query += ` ORDER BY timestamp ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetAISettings retrieves an owner's AI configuration.
// Returns ErrNotFound if the owner has never saved settings.
func (s *SQLiteStore) GetAISettings(ctx context.Context, ownerID string) (*AISettings, error) {
	var settings AISettings
	var updatedAtStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, provider, api_key, model, temperature, max_tokens, system_prompt, custom_instructions, updated_at
		 FROM ai_settings WHERE owner_id = ?`, ownerID).Scan(
		&settings.OwnerID,
		&settings.Provider,
		&settings.APIKey,
		&settings.Model,
		&settings.Temperature,
		&settings.MaxTokens,
		&settings.SystemPrompt,
		&settings.CustomInstructions,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ai settings: %w", err)
	}

	settings.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &settings, nil
}

// SaveAISettings creates or replaces an owner's AI configuration.
func (s *SQLiteStore) SaveAISettings(ctx context.Context, settings *AISettings) error {
	query := `
		INSERT INTO ai_settings (owner_id, provider, api_key, model, temperature, max_tokens, system_prompt, custom_instructions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			provider = excluded.provider,
			api_key = excluded.api_key,
			model = excluded.model,
			temperature = excluded.temperature,
			max_tokens = excluded.max_tokens,
			system_prompt = excluded.system_prompt,
			custom_instructions = excluded.custom_instructions,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		settings.OwnerID,
		settings.Provider,
		settings.APIKey,
		settings.Model,
		settings.Temperature,
		settings.MaxTokens,
		settings.SystemPrompt,
		settings.CustomInstructions,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving ai settings: %w", err)
	}
	return nil
}

// SaveConversation creates or replaces the cached history blob for a conversation.
func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (instance_id, contact_id, history_json, last_interaction)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instance_id, contact_id) DO UPDATE SET
			history_json = excluded.history_json,
			last_interaction = excluded.last_interaction
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.InstanceID,
		conv.ContactID,
		conv.HistoryJSON,
		conv.LastInteraction.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves the cached history blob. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetConversation(ctx context.Context, instanceID, contactID string) (*Conversation, error) {
	var conv Conversation
	var lastStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, contact_id, history_json, last_interaction
		 FROM conversations WHERE instance_id = ? AND contact_id = ?`,
		instanceID, contactID).Scan(
		&conv.InstanceID,
		&conv.ContactID,
		&conv.HistoryJSON,
		&lastStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.LastInteraction, err = time.Parse(time.RFC3339, lastStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_interaction: %w", err)
	}
	return &conv, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
