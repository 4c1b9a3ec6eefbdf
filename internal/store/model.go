package store

import (
	"errors"
	"fmt"
	"strings"
)

// Role names what a grant allows on a document.
type Role string

const (
	// RoleOwner may edit and grant access to others.
	RoleOwner Role = "owner"
	// RoleEditor may join and edit the document.
	RoleEditor Role = "editor"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates an empty or oversized document identifier.
	ErrInvalidDocumentID = errors.New("store: invalid document id")
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("store: invalid user id")
	// ErrInvalidRole indicates a role outside the supported set.
	ErrInvalidRole = errors.New("store: invalid role")
)

// ParseRole normalizes raw input into a supported Role.
func ParseRole(raw string) (Role, error) {
	switch role := Role(strings.ToLower(strings.TrimSpace(raw))); role {
	case RoleOwner, RoleEditor:
		return role, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

func validateIdentifier(raw string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// DocumentSnapshot is the last persisted state of a document.
type DocumentSnapshot struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentSnapshot) TableName() string {
	return "document_snapshots"
}

// AccessGrant allows one user to work on one document.
type AccessGrant struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_access_grants_user"`
	Role             Role   `gorm:"column:role;size:32;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AccessGrant) TableName() string {
	return "access_grants"
}
