package user

import (
	"github.com/google/uuid"
)

// User is the read-only projection of the identity service's users table.
type User struct {
	ID          uuid.UUID
	Username    string
	DisplayName string
}
