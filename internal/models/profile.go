package models

import (
	"time"

	"github.com/google/uuid"
)

// Profile is the application-owned metadata record for an authenticated
// identity, keyed 1:1 by the identity provider's subject id. SubjectID is
// immutable after creation.
type Profile struct {
	ID           uuid.UUID `json:"id"`
	SubjectID    string    `json:"subject_id"`
	Email        string    `json:"email"`
	Userhash     string    `json:"userhash"`
	Name         *string   `json:"name,omitempty"`
	Phone        *string   `json:"phone,omitempty"`
	Organization *string   `json:"organization,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProfileUpdate carries the user-editable profile fields. Nil means
// "leave unchanged". SubjectID, Email and Userhash are not updatable.
type ProfileUpdate struct {
	Name         *string `json:"name,omitempty" validate:"omitempty,max=120"`
	Phone        *string `json:"phone,omitempty" validate:"omitempty,max=40"`
	Organization *string `json:"organization,omitempty" validate:"omitempty,max=200"`
}

// Empty reports whether the update changes nothing.
func (u ProfileUpdate) Empty() bool {
	return u.Name == nil && u.Phone == nil && u.Organization == nil
}
