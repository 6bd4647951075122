// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

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
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			title      TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user
			ON conversations(user_id, created_at);

		-- seq is the insertion order; messages are never renumbered or edited
		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			agent_id        TEXT,
			created_at      TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant', 'system')),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS agents (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT,
			features    TEXT,
			order_index INTEGER NOT NULL,
			is_active   INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS rag_documents (
			doc_id      TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			filename    TEXT NOT NULL,
			pages       INTEGER,
			chunks      INTEGER,
			uploaded_at TEXT NOT NULL
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

// CreateConversation inserts a new conversation row.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO conversations (id, user_id, title, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.UserID,
		conv.Title,
		conv.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "user_id", conv.UserID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, user_id, title, created_at
		FROM conversations
		WHERE id = ?
	`

	var conv Conversation
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Title,
		&createdAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &conv, nil
}

// ListConversations returns a user's conversations, most recent first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	query := `
		SELECT id, user_id, title, created_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var createdAtStr string

		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		convs = append(convs, &conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// DeleteConversation removes a conversation and all of its messages in one
// transaction. Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// AppendMessage inserts one message row. This is a pure insert with no
// read-modify-write step, which keeps the log race-free under concurrent
// writers. The server-assigned seq and timestamp are written back into msg.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO messages (id, conversation_id, role, content, agent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		nullString(msg.AgentID),
		msg.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
		}
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message seq: %w", err)
	}
	msg.Seq = seq

	s.logger.Debug("appended message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"role", msg.Role,
		"seq", seq)
	return nil
}

// isForeignKeyViolation checks if the error is a SQLite FOREIGN KEY violation,
// which on the messages table means the parent conversation is gone.
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
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

// nullString returns nil for empty strings, otherwise the string value
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListMessages retrieves all messages for a conversation in insertion order
// (oldest first). Repeated calls with no intervening writes return the same
// sequence.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	query := `
		SELECT seq, id, conversation_id, role, content, agent_id, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string
		var agentID *string

		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &agentID, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		if agentID != nil {
			msg.AgentID = *agentID
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// UpsertAgent inserts or replaces an agent catalog entry.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	features, err := json.Marshal(agent.Features)
	if err != nil {
		return fmt.Errorf("encoding agent features: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO agents (id, name, description, features, order_index, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	active := 0
	if agent.Active {
		active = 1
	}

	if _, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		nullString(agent.Description),
		string(features),
		agent.OrderIndex,
		active,
	); err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}

	s.logger.Debug("upserted agent", "id", agent.ID, "order", agent.OrderIndex)
	return nil
}

// ListAgents returns catalog entries in display order. When activeOnly is
// set, hidden agents are filtered out.
func (s *SQLiteStore) ListAgents(ctx context.Context, activeOnly bool) ([]*Agent, error) {
	query := `
		SELECT id, name, description, features, order_index, is_active
		FROM agents
	`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY order_index ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		var description, features sql.NullString
		var active int

		if err := rows.Scan(&a.ID, &a.Name, &description, &features, &a.OrderIndex, &active); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}

		a.Description = description.String
		a.Active = active == 1
		if features.Valid && features.String != "" {
			if err := json.Unmarshal([]byte(features.String), &a.Features); err != nil {
				return nil, fmt.Errorf("decoding agent features: %w", err)
			}
		}

		agents = append(agents, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}

	return agents, nil
}

// ReorderAgents rewrites order_index for the given ids in one transaction.
// This is the only multi-row mutation in the store; everything else is a
// single atomic insert or delete.
func (s *SQLiteStore) ReorderAgents(ctx context.Context, orderedIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reorder transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE agents SET order_index = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("preparing reorder statement: %w", err)
	}
	defer stmt.Close()

	for i, id := range orderedIDs {
		if _, err := stmt.ExecContext(ctx, i, id); err != nil {
			return fmt.Errorf("reordering agent %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing reorder: %w", err)
	}

	s.logger.Debug("reordered agents", "count", len(orderedIDs))
	return nil
}

// SaveRagDocument records an uploaded document for filename mapping.
func (s *SQLiteStore) SaveRagDocument(ctx context.Context, doc *RagDocument) error {
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}

	query := `
		INSERT OR REPLACE INTO rag_documents (doc_id, user_id, filename, pages, chunks, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query,
		doc.DocID,
		doc.UserID,
		doc.Filename,
		doc.Pages,
		doc.Chunks,
		doc.UploadedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("saving rag document: %w", err)
	}

	return nil
}

// LookupDocumentNames maps doc ids to their recorded filenames. Unknown ids
// are simply absent from the result.
func (s *SQLiteStore) LookupDocumentNames(ctx context.Context, docIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(docIDs))
	if len(docIDs) == 0 {
		return names, nil
	}

	placeholders := strings.Repeat("?,", len(docIDs))
	placeholders = placeholders[:len(placeholders)-1]
	query := `SELECT doc_id, filename FROM rag_documents WHERE doc_id IN (` + placeholders + `)`

	args := make([]any, len(docIDs))
	for i, id := range docIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rag documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var docID, filename string
		if err := rows.Scan(&docID, &filename); err != nil {
			return nil, fmt.Errorf("scanning rag document row: %w", err)
		}
		names[docID] = filename
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rag document rows: %w", err)
	}

	return names, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
