package core

import (
	"github.com/google/uuid"
)

// NewID returns a random UUIDv4 string used for tasks, audit rows and notifications.
func NewID() string {
	return uuid.NewString()
}
