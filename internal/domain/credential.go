package domain

import (
	"fmt"
	"strings"
	"time"
)

// Credential holds the login identity for one external clinical system.
// The password only ever leaves this struct encrypted; repositories store
// the sealed form and the plaintext lives in memory for the duration of a
// login attempt.
type Credential struct {
	SourceKey SourceKey
	Username  string
	Password  string
	UpdatedBy string
	UpdatedAt time.Time
}

func (c *Credential) Validate() error {
	if err := c.SourceKey.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Username) == "" {
		return fmt.Errorf("%w: username is required", ErrValidation)
	}
	if c.Password == "" {
		return fmt.Errorf("%w: password is required", ErrValidation)
	}
	return nil
}

// CredentialStatus reports whether a source has stored credentials without
// disclosing them.
type CredentialStatus struct {
	SourceKey  SourceKey  `json:"source"`
	Configured bool       `json:"configured"`
	Username   string     `json:"username,omitempty"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
}
