// Package conversation contains core concepts of a two-party chat session.
// This file defines the local Identity and the Credential scoped to it.
// No runtime, network, or UI logic should be added here.
package conversation

import (
	"fmt"
	"lingo-chat/errors"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Identity is an immutable snapshot of the authenticated local user.
// Any field change is treated as a different identity.
type Identity struct {
	ID    string `json:"id" validate:"required"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

func (i Identity) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidIdentity, err)
	}
	return nil
}

// Credential is an opaque token authorizing exactly one identity
// (SubjectID) to connect to the messaging backend.
type Credential struct {
	SubjectID string    `validate:"required"`
	Token     string    `validate:"required"`
	ExpiresAt time.Time // zero when the issuer does not say
}

// Validate checks the credential shape and that it belongs to identity.
func (c Credential) Validate(identity Identity) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidCredential, err)
	}
	if !c.ScopedTo(identity) {
		return fmt.Errorf("%w: credential for %q, identity %q",
			errors.ErrCredentialMismatch, c.SubjectID, identity.ID)
	}
	return nil
}

func (c Credential) ScopedTo(identity Identity) bool {
	return c.SubjectID == identity.ID
}

// Equal compares subject and token only; expiry is derived from the token.
func (c Credential) Equal(other Credential) bool {
	return c.SubjectID == other.SubjectID && c.Token == other.Token
}

// ExpiresWithin reports whether the credential expires before now+d.
// A credential without expiry never does.
func (c Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !c.ExpiresAt.After(now.Add(d))
}
