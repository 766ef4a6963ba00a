// Package service orchestrates the forget request lifecycle: initiation and
// confirmation, the identity rename, the fan-out to shard workers, and the
// exactly-once completion transition.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"oblivion/internal/forget/metrics"
	"oblivion/internal/forget/models"
	"oblivion/internal/forget/store/request"
	"oblivion/internal/identity"
	"oblivion/internal/notify"
	"oblivion/internal/queue"
	"oblivion/pkg/domain"
	dErrors "oblivion/pkg/domain-errors"
	"oblivion/pkg/platform/audit"
	"oblivion/pkg/platform/sentinel"
	"oblivion/pkg/requestcontext"
)

// defaultTokenTTL bounds how long a confirmation link stays usable.
const defaultTokenTTL = 15 * time.Minute

// CompletionSubscriber is notified after a request reaches FINISHED. The
// exactly-once finalize transition guarantees each subscriber fires once per
// request; subscribers run synchronously in registration order.
type CompletionSubscriber func(ctx context.Context, req *models.Request)

// Service drives forget requests from initiation to completion.
type Service struct {
	requests    request.Store
	identities  identity.Store
	directory   identity.Directory
	renamer     *identity.Renamer
	queue       queue.Queue
	notifier    notify.Notifier
	audit       *audit.Publisher
	subscribers []CompletionSubscriber
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tokenTTL    time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAudit(p *audit.Publisher) Option {
	return func(s *Service) {
		s.audit = p
	}
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

func New(requests request.Store, identities identity.Store, directory identity.Directory, renamer *identity.Renamer, q queue.Queue, notifier notify.Notifier, opts ...Option) *Service {
	s := &Service{
		requests:   requests,
		identities: identities,
		directory:  directory,
		renamer:    renamer,
		queue:      q,
		notifier:   notifier,
		logger:     slog.Default(),
		tokenTTL:   defaultTokenTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SubscribeCompletion registers a callback for finished requests. Call before
// serving traffic; registration is not synchronized with dispatch.
func (s *Service) SubscribeCompletion(fn CompletionSubscriber) {
	if fn != nil {
		s.subscribers = append(s.subscribers, fn)
	}
}

// InitiateRequest opens a web-sourced request for the user and sends them the
// confirmation link. The request row persists even when the link cannot be
// delivered, so a retried initiation reports the existing pending request
// instead of silently double-creating.
func (s *Service) InitiateRequest(ctx context.Context, userID domain.UserID) (*models.Request, error) {
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "user id is required")
	}
	profile, err := s.identities.FindByID(ctx, userID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "no such user")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load user")
	}

	now := requestcontext.Now(ctx)
	token := newToken()
	req := &models.Request{
		ID:           domain.NewRequestID(),
		UserID:       userID,
		OriginalName: profile.Name,
		TargetName:   targetName(token),
		Status:       models.StatusPending,
		Source:       models.SourceWeb,
		Token:        token,
		TokenExpires: now.Add(s.tokenTTL),
		CreatedAt:    now,
	}
	if err := s.requests.Create(ctx, req); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeAlreadyPending, "a forget request for this user is already in flight")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create request")
	}
	s.metrics.IncInitiated()
	s.emit(ctx, req, "", audit.EventRequestInitiated, profile.Name, "")

	if err := s.notifier.SendConfirmation(ctx, identity.Ref{ID: userID, Name: profile.Name}, token); err != nil {
		s.logger.Error("confirmation delivery failed, request remains pending",
			"request_id", req.ID.String(), "error", err)
		return req, dErrors.Wrap(err, dErrors.CodeUnavailable, "confirmation could not be delivered")
	}
	return req, nil
}

// ConfirmAndExecute consumes a confirmation token and runs the request. The
// token is single-use: any status other than PENDING means it was already
// consumed, and an expired token requires initiating afresh.
func (s *Service) ConfirmAndExecute(ctx context.Context, token string) (*models.Request, error) {
	if token == "" {
		return nil, dErrors.New(dErrors.CodeInvalidToken, "confirmation token is required")
	}
	req, err := s.requests.FindByToken(ctx, token)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeInvalidToken, "unknown confirmation token")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up token")
	}
	if req.Status != models.StatusPending {
		return nil, dErrors.New(dErrors.CodeInvalidToken, "this confirmation link has already been used")
	}
	now := requestcontext.Now(ctx)
	if req.TokenExpired(now) {
		return nil, dErrors.New(dErrors.CodeExpiredToken, "this confirmation link has expired, please start over")
	}
	if caller := requestcontext.UserID(ctx); !caller.IsNil() && caller != req.UserID {
		return nil, dErrors.New(dErrors.CodeIdentityMismatch, "this confirmation link belongs to a different account")
	}

	if err := s.requests.UpdateStatus(ctx, req.ID, models.StatusConfirmedWaiting); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to confirm request")
	}
	req.Status = models.StatusConfirmedWaiting
	s.metrics.IncConfirmed()
	s.emit(ctx, req, "", audit.EventRequestConfirmed, req.OriginalName, "")

	if err := s.execute(ctx, req); err != nil {
		return req, err
	}
	return s.reload(ctx, req)
}

// ForceExecute opens and immediately runs a staff-sourced request, bypassing
// user confirmation. The actor is recorded for the audit trail.
func (s *Service) ForceExecute(ctx context.Context, userID domain.UserID, actor, reason string) (*models.Request, error) {
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "user id is required")
	}
	profile, err := s.identities.FindByID(ctx, userID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "no such user")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load user")
	}

	now := requestcontext.Now(ctx)
	req := &models.Request{
		ID:           domain.NewRequestID(),
		UserID:       userID,
		OriginalName: profile.Name,
		TargetName:   targetName(newToken()),
		Status:       models.StatusConfirmedWaiting,
		Source:       models.SourceStaff,
		CreatedAt:    now,
	}
	if err := s.requests.Create(ctx, req); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeAlreadyPending, "a forget request for this user is already in flight")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create request")
	}
	s.metrics.IncForced()
	s.emit(ctx, req, "", audit.EventRequestForced, actor, reason)

	if err := s.execute(ctx, req); err != nil {
		return req, err
	}
	return s.reload(ctx, req)
}

// execute runs the rename and fans the shard work out. It owns the FAILED
// transition: a rename failure is the one error that dead-ends a request,
// because shard rules derive their predicates from the new name.
func (s *Service) execute(ctx context.Context, req *models.Request) error {
	if !req.CanExecute() {
		return dErrors.Newf(dErrors.CodeConflict, "request is %s and cannot be executed", req.Status)
	}
	if err := s.requests.UpdateStatus(ctx, req.ID, models.StatusInProgress); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to start request")
	}
	req.Status = models.StatusInProgress

	if err := s.renamer.Execute(ctx, req.UserID, req.OriginalName, req.TargetName); err != nil {
		s.emit(ctx, req, "", audit.EventRenameFailed, req.OriginalName, err.Error())
		s.fail(ctx, req, err)
		return dErrors.Wrap(err, dErrors.CodeRenameFailed, "identity rename failed, request aborted")
	}
	s.emit(ctx, req, "", audit.EventIdentityRenamed, req.OriginalName, "")

	shards, err := s.directory.AttachedShards(ctx, req.UserID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve attached shards")
	}
	if len(shards) == 0 {
		// Nothing to fan out; the rename alone completes the request.
		return s.CheckAndFinalize(ctx, req.ID)
	}

	targets := make([]models.ShardTarget, 0, len(shards))
	for shardID := range shards {
		targets = append(targets, models.ShardTarget{
			RequestID: req.ID,
			ShardID:   shardID,
			Status:    models.StatusPending,
			UpdatedAt: requestcontext.Now(ctx),
		})
	}
	if err := s.requests.CreateShardTargets(ctx, targets); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record shard fan-out")
	}

	var enqueueErrs []string
	for shardID := range shards {
		item := queue.Item{
			RequestID: req.ID,
			UserID:    req.UserID,
			ShardID:   shardID,
			OldName:   req.OriginalName,
			NewName:   req.TargetName,
		}
		if err := s.queue.Enqueue(ctx, item); err != nil {
			enqueueErrs = append(enqueueErrs, fmt.Sprintf("%s: %v", shardID, err))
			s.logger.Error("failed to enqueue shard work",
				"request_id", req.ID.String(),
				"shard_id", shardID.String(),
				"error", err)
		}
	}
	if len(enqueueErrs) > 0 {
		return dErrors.Newf(dErrors.CodeUnavailable,
			"some shard work could not be queued: %s", strings.Join(enqueueErrs, "; "))
	}
	return nil
}

// CheckAndFinalize finishes the request once every shard target is terminal.
// Safe under concurrent calls from workers finishing different shards: the
// store performs the transition at most once, and subscribers fire only on
// the call that performed it.
func (s *Service) CheckAndFinalize(ctx context.Context, id domain.RequestID) error {
	req, transitioned, err := s.requests.FinalizeIfComplete(ctx, id, requestcontext.Now(ctx))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "completion check failed")
	}
	if !transitioned {
		return nil
	}
	s.metrics.IncFinished()
	s.emit(ctx, req, "", audit.EventRequestCompleted, req.TargetName, "")
	s.logger.Info("forget request completed",
		"request_id", req.ID.String(), "user_id", req.UserID.String())
	for _, fn := range s.subscribers {
		fn(ctx, req)
	}
	return nil
}

// GetRequest returns one request for the admin surface.
func (s *Service) GetRequest(ctx context.Context, id domain.RequestID) (*models.Request, error) {
	req, err := s.requests.FindByID(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "no such request")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load request")
	}
	return req, nil
}

// ListRequests returns every request, newest first.
func (s *Service) ListRequests(ctx context.Context) ([]*models.Request, error) {
	reqs, err := s.requests.ListAll(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list requests")
	}
	return reqs, nil
}

// GetShardTargets returns the fan-out rows for one request. An existing
// request with no rows yields an empty slice: zero-shard requests finish
// without ever fanning out.
func (s *Service) GetShardTargets(ctx context.Context, id domain.RequestID) ([]models.ShardTarget, error) {
	if _, err := s.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	targets, err := s.requests.ShardTargets(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return []models.ShardTarget{}, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load shard targets")
	}
	return targets, nil
}

// fail moves the request to FAILED. A failed status write is logged, not
// returned: the caller already holds the underlying execution error.
func (s *Service) fail(ctx context.Context, req *models.Request, cause error) {
	if err := s.requests.UpdateStatus(ctx, req.ID, models.StatusFailed); err != nil {
		s.logger.Error("failed to record FAILED status",
			"request_id", req.ID.String(), "error", err)
	}
	req.Status = models.StatusFailed
	s.metrics.IncFailed()
	s.emit(ctx, req, "", audit.EventRequestFailed, req.OriginalName, cause.Error())
}

func (s *Service) reload(ctx context.Context, req *models.Request) (*models.Request, error) {
	fresh, err := s.requests.FindByID(ctx, req.ID)
	if err != nil {
		// The request ran; a stale view beats an error here.
		return req, nil
	}
	return fresh, nil
}

func (s *Service) emit(ctx context.Context, req *models.Request, shardID domain.ShardID, action audit.AuditEvent, actor, reason string) {
	if s.audit == nil {
		return
	}
	event := audit.Event{
		Timestamp: requestcontext.Now(ctx),
		UserID:    req.UserID,
		RequestID: req.ID,
		ShardID:   shardID,
		Action:    string(action),
		Actor:     actor,
		Reason:    reason,
	}
	if err := s.audit.Emit(ctx, event); err != nil {
		s.logger.Warn("audit emit failed", "action", string(action), "error", err)
	}
}

// newToken returns a fresh 32-hex confirmation token.
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// targetName derives the permanent anonymous name from a token prefix, giving
// each forgotten account a unique, meaningless replacement name.
func targetName(token string) string {
	return "Anonymous " + token[:8]
}
