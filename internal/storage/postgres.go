package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 48151623

type userRow struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	Name         string    `gorm:"not null;default:''"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (userRow) TableName() string { return "users" }

type taskRow struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	OwnerID     string    `gorm:"not null;index:idx_tasks_owner,priority:1"`
	Title       string    `gorm:"not null"`
	Description string    `gorm:"not null;default:''"`
	Completed   bool      `gorm:"not null;default:false"`
	CreatedAt   time.Time `gorm:"not null;index:idx_tasks_owner,priority:2"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (taskRow) TableName() string { return "tasks" }

type conversationRow struct {
	ID        string    `gorm:"primaryKey"`
	OwnerID   string    `gorm:"not null;index:idx_conversations_owner,priority:1"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index:idx_conversations_owner,priority:2"`
}

func (conversationRow) TableName() string { return "conversations" }

type messageRow struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	OwnerID        string    `gorm:"not null"`
	ConversationID string    `gorm:"not null;index:idx_messages_conversation,priority:1"`
	Role           string    `gorm:"not null"`
	Content        string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;index:idx_messages_conversation,priority:2"`
}

func (messageRow) TableName() string { return "messages" }

var _ Backend = (*GormStore)(nil)

// GormStore implements Backend on Postgres through GORM.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenPostgres connects to dsn and migrates the schema. Concurrent starts
// are serialized with an advisory lock.
func OpenPostgres(dsn string, logger *slog.Logger) (*GormStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gormLog := gormlogger.New(
		slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		return tx.AutoMigrate(&userRow{}, &taskRow{}, &conversationRow{}, &messageRow{})
	}); err != nil {
		return nil, fmt.Errorf("migrating postgres: %w", err)
	}
	return &GormStore{db: db, now: time.Now}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("opening sql conn: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquiring migrate lock: %w", err)
	}
	defer conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", migrateLockID)
	return fn(db)
}

func (s *GormStore) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// --- Users ---

func (s *GormStore) CreateUser(u User) error {
	row := userRow{ID: u.ID, Email: strings.ToLower(u.Email), Name: u.Name, PasswordHash: u.PasswordHash, CreatedAt: u.CreatedAt}
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.stamp()
	}
	err := s.db.Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}

func (s *GormStore) GetUser(id string) (User, error) {
	var row userRow
	if err := s.db.First(&row, "id = ?", id).Error; err != nil {
		return User{}, notFound(err)
	}
	return userFromRow(row), nil
}

func (s *GormStore) GetUserByEmail(email string) (User, error) {
	var row userRow
	if err := s.db.Where("email = ?", strings.ToLower(email)).First(&row).Error; err != nil {
		return User{}, notFound(err)
	}
	return userFromRow(row), nil
}

func userFromRow(r userRow) User {
	return User{ID: r.ID, Email: r.Email, Name: r.Name, PasswordHash: r.PasswordHash, CreatedAt: r.CreatedAt.UTC()}
}

// --- Tasks ---

func taskFromRow(r taskRow) Task {
	return Task{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Title:       r.Title,
		Description: r.Description,
		Completed:   r.Completed,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func (s *GormStore) CreateTask(ownerID, title, description string) (Task, error) {
	now := s.stamp()
	row := taskRow{OwnerID: ownerID, Title: title, Description: description, CreatedAt: now, UpdatedAt: now}
	if err := s.db.Create(&row).Error; err != nil {
		return Task{}, err
	}
	return taskFromRow(row), nil
}

func (s *GormStore) ListTasks(ownerID string, filter StatusFilter) ([]Task, error) {
	q := s.db.Where("owner_id = ?", ownerID)
	switch filter {
	case StatusPending:
		q = q.Where("completed = ?", false)
	case StatusCompleted:
		q = q.Where("completed = ?", true)
	}
	var rows []taskRow
	if err := q.Order("created_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, taskFromRow(r))
	}
	return tasks, nil
}

func (s *GormStore) GetTask(ownerID string, id int64) (Task, error) {
	var row taskRow
	if err := s.db.Where("id = ? AND owner_id = ?", id, ownerID).First(&row).Error; err != nil {
		return Task{}, notFound(err)
	}
	return taskFromRow(row), nil
}

func (s *GormStore) UpdateTask(ownerID string, id int64, upd TaskUpdate) (Task, error) {
	var out taskRow
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND owner_id = ?", id, ownerID).First(&out).Error; err != nil {
			return notFound(err)
		}
		changes := map[string]any{"updated_at": s.stamp()}
		if upd.Title != nil {
			changes["title"] = *upd.Title
		}
		if upd.Description != nil {
			changes["description"] = *upd.Description
		}
		if err := tx.Model(&taskRow{}).Where("id = ? AND owner_id = ?", id, ownerID).Updates(changes).Error; err != nil {
			return err
		}
		return tx.Where("id = ? AND owner_id = ?", id, ownerID).First(&out).Error
	})
	if err != nil {
		return Task{}, err
	}
	return taskFromRow(out), nil
}

func (s *GormStore) SetTaskCompleted(ownerID string, id int64, completed bool) (Task, error) {
	res := s.db.Model(&taskRow{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Updates(map[string]any{"completed": completed, "updated_at": s.stamp()})
	if res.Error != nil {
		return Task{}, res.Error
	}
	if res.RowsAffected == 0 {
		return Task{}, ErrNotFound
	}
	return s.GetTask(ownerID, id)
}

func (s *GormStore) DeleteTask(ownerID string, id int64) error {
	res := s.db.Where("id = ? AND owner_id = ?", id, ownerID).Delete(&taskRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Conversations ---

func conversationFromRow(r conversationRow) Conversation {
	return Conversation{ID: r.ID, OwnerID: r.OwnerID, CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()}
}

func (s *GormStore) CreateConversation(ownerID string) (Conversation, error) {
	now := s.stamp()
	row := conversationRow{ID: uuid.New().String(), OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}
	if err := s.db.Create(&row).Error; err != nil {
		return Conversation{}, err
	}
	return conversationFromRow(row), nil
}

func (s *GormStore) GetConversation(ownerID, id string) (Conversation, error) {
	var row conversationRow
	if err := s.db.Where("id = ? AND owner_id = ?", id, ownerID).First(&row).Error; err != nil {
		return Conversation{}, notFound(err)
	}
	return conversationFromRow(row), nil
}

func (s *GormStore) ListConversations(ownerID string, limit int) ([]Conversation, error) {
	q := s.db.Where("owner_id = ?", ownerID).Order("updated_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []conversationRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	convs := make([]Conversation, 0, len(rows))
	for _, r := range rows {
		convs = append(convs, conversationFromRow(r))
	}
	return convs, nil
}

func (s *GormStore) TouchConversation(ownerID, id string, at time.Time) error {
	res := s.db.Model(&conversationRow{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Update("updated_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) AppendMessage(ownerID, conversationID, role, content string) (Message, error) {
	if !validRole(role) {
		return Message{}, fmt.Errorf("invalid message role %q", role)
	}
	row := messageRow{OwnerID: ownerID, ConversationID: conversationID, Role: role, Content: content, CreatedAt: s.stamp()}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&conversationRow{}).Where("id = ? AND owner_id = ?", conversationID, ownerID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:             row.ID,
		OwnerID:        row.OwnerID,
		ConversationID: row.ConversationID,
		Role:           row.Role,
		Content:        row.Content,
		CreatedAt:      row.CreatedAt,
	}, nil
}

func (s *GormStore) ListMessages(conversationID string, limit int) ([]Message, error) {
	q := s.db.Where("conversation_id = ?", conversationID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	msgs := make([]Message, len(rows))
	for i, r := range rows {
		msgs[len(rows)-1-i] = Message{
			ID:             r.ID,
			OwnerID:        r.OwnerID,
			ConversationID: r.ConversationID,
			Role:           r.Role,
			Content:        r.Content,
			CreatedAt:      r.CreatedAt.UTC(),
		}
	}
	return msgs, nil
}
