package users

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmailTaken is returned when an account already uses the email.
	ErrEmailTaken = errors.New("users: email already registered")
	// ErrInvalidRole rejects roles outside the assignable set.
	ErrInvalidRole = errors.New("users: invalid role")
	// ErrNotFound is returned for unknown user IDs.
	ErrNotFound = errors.New("users: not found")
)

// User represents a user account for management.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateInput carries the fields of a new account.
type CreateInput struct {
	Email    string
	Name     string
	Password string
	Role     string
}
