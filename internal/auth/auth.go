// Package auth implements the credential check for review users.
package auth

import (
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/jo-hoe/carsort/internal/backend/database"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

var ErrInvalidCredentials = errors.New("invalid username or password")

type Service struct {
	db database.DatabaseService
}

func NewService(db database.DatabaseService) *Service {
	return &Service{db: db}
}

// Register creates a user with a bcrypt-hashed password.
func (s *Service) Register(username, password, role string) (int64, error) {
	if username == "" || password == "" {
		return 0, fmt.Errorf("username and password are required")
	}
	if role != RoleAdmin && role != RoleUser {
		return 0, fmt.Errorf("unknown role: %s", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}
	return s.db.CreateUser(username, string(hash), role)
}

// Authenticate verifies the password and returns the user on success.
func (s *Service) Authenticate(username, password string) (*database.User, error) {
	user, err := s.db.GetUserByUsername(username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
