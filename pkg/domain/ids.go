// Package domain holds the typed identifiers shared across modules. Typed
// UUIDs keep a request ID from ever being passed where a user ID is expected.
package domain

import (
	"github.com/google/uuid"

	dErrors "oblivion/pkg/domain-errors"
)

// UserID identifies the account being forgotten.
type UserID uuid.UUID

// RequestID identifies one logical forget request.
type RequestID uuid.UUID

// ShardID names one independently-databased site in the federation.
type ShardID string

func (id UserID) String() string    { return uuid.UUID(id).String() }
func (id RequestID) String() string { return uuid.UUID(id).String() }
func (id ShardID) String() string   { return string(id) }

func (id UserID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id RequestID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// NewRequestID returns a fresh random request identifier.
func NewRequestID() RequestID { return RequestID(uuid.New()) }

// ParseUserID parses and validates a user ID from its string form.
// IDs must be valid, non-empty, non-nil UUIDs.
func ParseUserID(s string) (UserID, error) {
	parsed, err := parseUUID(s)
	if err != nil {
		return UserID{}, err
	}
	return UserID(parsed), nil
}

// ParseRequestID parses and validates a request ID from its string form.
func ParseRequestID(s string) (RequestID, error) {
	parsed, err := parseUUID(s)
	if err != nil {
		return RequestID{}, err
	}
	return RequestID(parsed), nil
}

func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must not be empty")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "id must be a valid UUID")
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must not be the nil UUID")
	}
	return parsed, nil
}
