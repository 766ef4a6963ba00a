// Package models defines the durable records of the forget pipeline: the
// master Request and its per-shard ShardTarget rows.
package models

import (
	"time"

	"oblivion/pkg/domain"
)

// Status enumerates the shared lifecycle states of a request and of each
// per-shard target. The numeric values are persisted; do not reorder.
type Status int

const (
	// StatusPending: submitted and awaiting confirmation (master request),
	// or queued and not yet started (shard target).
	StatusPending Status = 1

	// StatusConfirmedWaiting: the user confirmed and the request is waiting
	// to be picked up.
	StatusConfirmedWaiting Status = 2

	// StatusInProgress: picked up and being processed.
	StatusInProgress Status = 3

	// StatusFinished: the user has been anonymised everywhere.
	StatusFinished Status = 4

	// StatusFailed: the request failed and will not proceed.
	StatusFailed Status = 5
)

// Active reports whether the status is non-terminal.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmedWaiting || s == StatusInProgress
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmedWaiting:
		return "confirmed_waiting"
	case StatusInProgress:
		return "in_progress"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StatusAttributes carries the severity and label admins see for a status.
// Rendering is up to the caller.
type StatusAttributes struct {
	Severity string
	Label    string
}

// Attributes maps a status onto its admin-facing severity and label.
func (s Status) Attributes() StatusAttributes {
	switch s {
	case StatusPending:
		return StatusAttributes{Severity: "notice", Label: "Awaiting confirmation"}
	case StatusConfirmedWaiting:
		return StatusAttributes{Severity: "warning", Label: "Confirmed, waiting"}
	case StatusInProgress:
		return StatusAttributes{Severity: "warning", Label: "In progress"}
	case StatusFinished:
		return StatusAttributes{Severity: "success", Label: "Complete"}
	case StatusFailed:
		return StatusAttributes{Severity: "error", Label: "Failed"}
	default:
		return StatusAttributes{Severity: "error", Label: "Unknown"}
	}
}

// Source records how a request entered the system.
type Source string

const (
	SourceWeb   Source = "web"
	SourceStaff Source = "staff-forced"
)

// Request is one logical "forget this user" operation. The target name is
// generated once at creation and never changes afterwards.
type Request struct {
	ID           domain.RequestID
	UserID       domain.UserID
	OriginalName string
	TargetName   string
	Status       Status
	Source       Source

	// Token is the single-use confirmation token. Empty for staff-forced
	// requests and after consumption.
	Token        string
	TokenExpires time.Time

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// CanExecute reports whether anonymisation may run for this request: either
// the user confirmed it themselves, or staff forced it past confirmation.
func (r *Request) CanExecute() bool {
	return r.Status == StatusConfirmedWaiting || r.Status == StatusInProgress
}

// TokenExpired reports whether the confirmation token has lapsed at now.
func (r *Request) TokenExpired(now time.Time) bool {
	return now.After(r.TokenExpires)
}

// ShardTarget tracks one shard's share of a request. The set of targets for a
// request is fixed at fan-out and each row is driven only by its own worker.
type ShardTarget struct {
	RequestID    domain.RequestID
	ShardID      domain.ShardID
	Status       Status
	ErrorMessage string
	UpdatedAt    time.Time
}
