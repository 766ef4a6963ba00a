package audit

import (
	"time"

	"oblivion/pkg/domain"
)

// Event is emitted from domain logic to capture key actions in the forget
// pipeline. Keep it transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp time.Time
	UserID    domain.UserID
	RequestID domain.RequestID
	ShardID   domain.ShardID
	Action    string
	// Actor tracks who performed the action when different from UserID
	// (staff-forced requests, the system purge actor). A string to support
	// various actor identification schemes.
	Actor  string
	Reason string
}

type AuditEvent string

const (
	EventRequestInitiated AuditEvent = "forget_request_initiated"
	EventRequestConfirmed AuditEvent = "forget_request_confirmed"
	EventRequestForced    AuditEvent = "forget_request_forced"
	EventIdentityRenamed  AuditEvent = "identity_renamed"
	EventRenameFailed     AuditEvent = "identity_rename_failed"
	EventShardAnonymised  AuditEvent = "shard_anonymised"
	EventRequestCompleted AuditEvent = "forget_request_completed"
	EventRequestFailed    AuditEvent = "forget_request_failed"
)
