// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Defines Conversation, Message, Agent structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when appending a message whose id already exists
var ErrDuplicateMessage = errors.New("message already exists")

// Role constants for message authorship
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is one user-owned exchange. The title is derived from the
// first turn at creation and never mutated afterwards.
type Conversation struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
}

// Message is one turn entry in a conversation's append-only log. Content is
// the serialized content-union text form. Seq is assigned by the store on
// insert and defines display order within a conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	AgentID        string // which agent produced/consumed it; display only
	Seq            int64
	CreatedAt      time.Time
}

// Agent is one catalog entry shown to users for routing a turn.
type Agent struct {
	ID          string
	Name        string
	Description string
	Features    []string
	OrderIndex  int
	Active      bool
}

// RagDocument records an uploaded document known to the document Q&A service,
// used to map source doc_ids back to human filenames.
type RagDocument struct {
	DocID      string
	UserID     string
	Filename   string
	Pages      int
	Chunks     int
	UploadedAt time.Time
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// Messages (append-only log)
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// Agent catalog
	UpsertAgent(ctx context.Context, agent *Agent) error
	ListAgents(ctx context.Context, activeOnly bool) ([]*Agent, error)
	ReorderAgents(ctx context.Context, orderedIDs []string) error

	// Document registry for the Q&A agent
	SaveRagDocument(ctx context.Context, doc *RagDocument) error
	LookupDocumentNames(ctx context.Context, docIDs []string) (map[string]string, error)

	// Close releases any resources held by the store
	Close() error
}
