package storage

import (
	"errors"
	"fmt"
	"strings"

	"stagesuite/internal/domain"
)

// Sentinel errors for the storage layer.
// HTTP handlers should use errors.Is() to map these to appropriate HTTP status codes.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = domain.ErrNotFound

	// ErrConflict indicates the operation conflicts with existing state
	// (e.g., a domain already claimed by another organisation, or a duplicate key).
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates the input failed validation
	// (e.g., missing required fields).
	ErrValidation = domain.ErrValidation
)

// WrapIfConflict wraps a database error as ErrConflict if it represents a
// unique constraint violation. This detects UNIQUE errors from SQLite and
// SQLSTATE 23505 from PostgreSQL.
func WrapIfConflict(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "duplicate") || strings.Contains(msg, "23505") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
