// Package handler exposes the forget pipeline over HTTP: the public
// initiate/confirm pair and the staff-only query and force surface.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"oblivion/internal/forget/models"
	"oblivion/internal/platform/middleware"
	"oblivion/internal/transport/http/shared"
	"oblivion/pkg/domain"
	dErrors "oblivion/pkg/domain-errors"
)

// Service defines the forget operations the HTTP layer needs.
type Service interface {
	InitiateRequest(ctx context.Context, userID domain.UserID) (*models.Request, error)
	ConfirmAndExecute(ctx context.Context, token string) (*models.Request, error)
	ForceExecute(ctx context.Context, userID domain.UserID, actor, reason string) (*models.Request, error)
	GetRequest(ctx context.Context, id domain.RequestID) (*models.Request, error)
	ListRequests(ctx context.Context) ([]*models.Request, error)
	GetShardTargets(ctx context.Context, id domain.RequestID) ([]models.ShardTarget, error)
}

// Handler handles forget-related endpoints.
type Handler struct {
	logger       *slog.Logger
	forget       Service
	jwtValidator middleware.JWTValidator
}

func New(forget Service, logger *slog.Logger, jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		forget:       forget,
		jwtValidator: jwtValidator,
	}
}

// Register registers the forget routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	public := chi.NewRouter()
	public.Use(middleware.Recovery(h.logger))
	public.Use(middleware.RequestID)
	public.Use(middleware.RequestScope)
	public.Use(middleware.Logger(h.logger))
	public.Use(middleware.Timeout(30 * time.Second))
	public.Use(middleware.ContentTypeJSON)
	public.Post("/forget", h.handleInitiate)
	public.Post("/forget/confirm", h.handleConfirm)
	public.Get("/forget/confirm", h.handleConfirmLink)
	r.Mount("/", public)

	admin := chi.NewRouter()
	admin.Use(middleware.Recovery(h.logger))
	admin.Use(middleware.RequestID)
	admin.Use(middleware.RequestScope)
	admin.Use(middleware.Logger(h.logger))
	admin.Use(middleware.Timeout(60 * time.Second))
	admin.Use(middleware.ContentTypeJSON)
	admin.Use(middleware.RequireStaff(h.jwtValidator, "staff", h.logger))
	admin.Get("/requests", h.handleListRequests)
	admin.Get("/requests/{id}", h.handleGetRequest)
	admin.Get("/requests/{id}/shards", h.handleGetShards)
	admin.Post("/requests/force", h.handleForce)
	r.Mount("/admin", admin)
}

type initiateRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	userID, err := domain.ParseUserID(body.UserID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	req, err := h.forget.InitiateRequest(ctx, userID)
	if err != nil {
		// A non-nil req here means the row exists but the confirmation link
		// was not delivered; the pending request still blocks double-creation.
		h.logError(ctx, "initiate failed", err)
		shared.WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(requestResponse(req))
}

type confirmRequest struct {
	Token string `json:"token"`
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var body confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	h.confirm(w, r, body.Token)
}

// handleConfirmLink serves the emailed confirmation URL directly.
func (h *Handler) handleConfirmLink(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, r.URL.Query().Get("token"))
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request, token string) {
	ctx := r.Context()
	req, err := h.forget.ConfirmAndExecute(ctx, token)
	if err != nil {
		h.logError(ctx, "confirm failed", err)
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(requestResponse(req))
}

type forceRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

func (h *Handler) handleForce(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body forceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	userID, err := domain.ParseUserID(body.UserID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	actor := middleware.GetStaffID(ctx)
	req, err := h.forget.ForceExecute(ctx, userID, actor, body.Reason)
	if err != nil {
		h.logError(ctx, "force failed", err)
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(requestResponse(req))
}

func (h *Handler) handleListRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqs, err := h.forget.ListRequests(ctx)
	if err != nil {
		h.logError(ctx, "list requests failed", err)
		shared.WriteError(w, err)
		return
	}
	out := make([]requestJSON, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, requestResponse(req))
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := domain.ParseRequestID(chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	req, err := h.forget.GetRequest(ctx, id)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(requestResponse(req))
}

func (h *Handler) handleGetShards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := domain.ParseRequestID(chi.URLParam(r, "id"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	targets, err := h.forget.GetShardTargets(ctx, id)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	out := make([]shardTargetJSON, 0, len(targets))
	for _, t := range targets {
		out = append(out, shardTargetResponse(t))
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Handler) logError(ctx context.Context, msg string, err error) {
	h.logger.ErrorContext(ctx, msg,
		"request_id", middleware.GetRequestID(ctx),
		"error", err.Error(),
	)
}

type requestJSON struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Status         string     `json:"status"`
	StatusLabel    string     `json:"status_label"`
	StatusSeverity string     `json:"status_severity"`
	Source         string     `json:"source"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func requestResponse(req *models.Request) requestJSON {
	attrs := req.Status.Attributes()
	return requestJSON{
		ID:             req.ID.String(),
		UserID:         req.UserID.String(),
		Status:         req.Status.String(),
		StatusLabel:    attrs.Label,
		StatusSeverity: attrs.Severity,
		Source:         string(req.Source),
		CreatedAt:      req.CreatedAt,
		CompletedAt:    req.CompletedAt,
	}
}

type shardTargetJSON struct {
	ShardID   string    `json:"shard_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func shardTargetResponse(t models.ShardTarget) shardTargetJSON {
	return shardTargetJSON{
		ShardID:   t.ShardID.String(),
		Status:    t.Status.String(),
		Error:     t.ErrorMessage,
		UpdatedAt: t.UpdatedAt,
	}
}
