package store

import (
	"errors"
	"time"
)

// ErrDuplicate reports a unique-constraint violation, e.g. a taken email.
var ErrDuplicate = errors.New("duplicate record")

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
