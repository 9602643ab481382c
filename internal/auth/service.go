package auth

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kalambet/tasktalk/internal/storage"
)

// MinPasswordLen is the shortest password sign-up accepts.
const MinPasswordLen = 8

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLen)
)

// UserStore is the user persistence the service needs.
type UserStore interface {
	CreateUser(u storage.User) error
	GetUser(id string) (storage.User, error)
	GetUserByEmail(email string) (storage.User, error)
}

// Session is an issued access token.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Service struct {
	users  UserStore
	tokens *Tokens
	cost   int
}

func NewService(users UserStore, tokens *Tokens) *Service {
	return &Service{users: users, tokens: tokens, cost: bcrypt.DefaultCost}
}

// Tokens returns the signer used for sessions.
func (s *Service) Tokens() *Tokens { return s.tokens }

// SignUp registers a user and returns a fresh session.
func (s *Service) SignUp(email, password, name string) (storage.User, Session, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return storage.User{}, Session{}, ErrInvalidEmail
	}
	if utf8.RuneCountInString(password) < MinPasswordLen {
		return storage.User{}, Session{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return storage.User{}, Session{}, fmt.Errorf("hashing password: %w", err)
	}
	u := storage.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(u); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return storage.User{}, Session{}, ErrEmailTaken
		}
		return storage.User{}, Session{}, fmt.Errorf("creating user: %w", err)
	}

	sess, err := s.session(u)
	if err != nil {
		return storage.User{}, Session{}, err
	}
	return u, sess, nil
}

// SignIn checks credentials and returns a fresh session. Unknown emails and
// wrong passwords both yield ErrInvalidCredentials.
func (s *Service) SignIn(email, password string) (storage.User, Session, error) {
	u, err := s.users.GetUserByEmail(normalizeEmail(email))
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return storage.User{}, Session{}, fmt.Errorf("loading user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return storage.User{}, Session{}, ErrInvalidCredentials
	}

	sess, err := s.session(u)
	if err != nil {
		return storage.User{}, Session{}, err
	}
	return u, sess, nil
}

// Me returns the user a verified token belongs to.
func (s *Service) Me(userID string) (storage.User, error) {
	u, err := s.users.GetUser(userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, ErrInvalidToken
	}
	return u, err
}

func (s *Service) session(u storage.User) (Session, error) {
	token, exp, err := s.tokens.Issue(u.ID, u.Email)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresAt: exp}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
