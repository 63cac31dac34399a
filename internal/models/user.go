package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// CanModerate reports whether the role holds moderator-or-above capability.
func (r Role) CanModerate() bool {
	return r == RoleModerator || r == RoleAdmin
}

// Profile is the slice of the platform's user entity this service reads and,
// for suspension fields, owns.
type Profile struct {
	ID          uuid.UUID `json:"id" db:"id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Role        Role      `json:"role" db:"role"`
	Ban         BanState  `json:"ban"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Validate checks basic profile fields
func (p *Profile) Validate() error {
	if p.DisplayName == "" {
		return fmt.Errorf("display name is required")
	}
	if len(p.DisplayName) < 2 || len(p.DisplayName) > 100 {
		return fmt.Errorf("display name length invalid")
	}
	switch p.Role {
	case RoleUser, RoleModerator, RoleAdmin:
	default:
		return fmt.Errorf("invalid role %q", p.Role)
	}
	return nil
}
