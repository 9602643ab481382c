package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record does not exist or is not
// owned by the caller.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a unique constraint would be violated.
var ErrConflict = errors.New("conflict")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StatusFilter narrows a task listing by completion state.
type StatusFilter string

const (
	StatusAll       StatusFilter = "all"
	StatusPending   StatusFilter = "pending"
	StatusCompleted StatusFilter = "completed"
)

// ParseStatusFilter maps user input to a StatusFilter. Empty input means all.
func ParseStatusFilter(s string) (StatusFilter, error) {
	switch StatusFilter(strings.ToLower(strings.TrimSpace(s))) {
	case "", StatusAll:
		return StatusAll, nil
	case StatusPending:
		return StatusPending, nil
	case StatusCompleted:
		return StatusCompleted, nil
	}
	return "", fmt.Errorf("unknown status filter %q", s)
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type Task struct {
	ID          int64     `json:"id"`
	OwnerID     string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskUpdate carries the fields to change; nil fields are left untouched.
type TaskUpdate struct {
	Title       *string
	Description *string
}

type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             int64     `json:"id"`
	OwnerID        string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Backend is the full set of persistence operations the server needs.
// It is implemented by the SQLite Store and the Postgres GormStore.
type Backend interface {
	Ping() error
	Close() error

	CreateUser(u User) error
	GetUser(id string) (User, error)
	GetUserByEmail(email string) (User, error)

	CreateTask(ownerID, title, description string) (Task, error)
	ListTasks(ownerID string, filter StatusFilter) ([]Task, error)
	GetTask(ownerID string, id int64) (Task, error)
	UpdateTask(ownerID string, id int64, upd TaskUpdate) (Task, error)
	DeleteTask(ownerID string, id int64) error
	SetTaskCompleted(ownerID string, id int64, completed bool) (Task, error)

	CreateConversation(ownerID string) (Conversation, error)
	GetConversation(ownerID, id string) (Conversation, error)
	ListConversations(ownerID string, limit int) ([]Conversation, error)
	TouchConversation(ownerID, id string, at time.Time) error
	AppendMessage(ownerID, conversationID, role, content string) (Message, error)
	ListMessages(conversationID string, limit int) ([]Message, error)
}

func validRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}
