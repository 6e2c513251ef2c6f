// Package uuid generates and checks the identifiers attached to sync runs.
package uuid

import (
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/kimhsiao/rocade/internal/errors"
)

// NewRunID returns a fresh random (v4) run identifier in canonical lower-case form.
func NewRunID() string {
	return uuid.New().String()
}

// ParseRunID accepts a run identifier in canonical form only.
// Braced, URN and dashless spellings that uuid.Parse tolerates are rejected.
func ParseRunID(s string) (uuid.UUID, error) {
	if len(s) != 36 || strings.Count(s, "-") != 4 {
		return uuid.Nil, apperrors.Newf(apperrors.ErrInvalid, "malformed run id %q", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, apperrors.Wrap(apperrors.ErrInvalid, "malformed run id", err)
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return uuid.Nil, apperrors.Newf(apperrors.ErrInvalid, "run id %q is not a random uuid", s)
	}
	return id, nil
}

// IsRunID reports whether s is a valid run identifier.
func IsRunID(s string) bool {
	_, err := ParseRunID(s)
	return err == nil
}
