package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"oblivion/internal/forget/models"
	"oblivion/internal/platform/middleware"
	"oblivion/pkg/domain"
	dErrors "oblivion/pkg/domain-errors"
)

type fakeService struct {
	initiateResp *models.Request
	initiateErr  error
	confirmResp  *models.Request
	confirmErr   error
	confirmToken string
	forceResp    *models.Request
	forceErr     error
	forceActor   string
	listResp     []*models.Request
	getResp      *models.Request
	getErr       error
	targetsResp  []models.ShardTarget
	targetsErr   error
}

func (f *fakeService) InitiateRequest(_ context.Context, _ domain.UserID) (*models.Request, error) {
	return f.initiateResp, f.initiateErr
}

func (f *fakeService) ConfirmAndExecute(_ context.Context, token string) (*models.Request, error) {
	f.confirmToken = token
	return f.confirmResp, f.confirmErr
}

func (f *fakeService) ForceExecute(_ context.Context, _ domain.UserID, actor, _ string) (*models.Request, error) {
	f.forceActor = actor
	return f.forceResp, f.forceErr
}

func (f *fakeService) GetRequest(context.Context, domain.RequestID) (*models.Request, error) {
	return f.getResp, f.getErr
}

func (f *fakeService) ListRequests(context.Context) ([]*models.Request, error) {
	return f.listResp, nil
}

func (f *fakeService) GetShardTargets(context.Context, domain.RequestID) ([]models.ShardTarget, error) {
	return f.targetsResp, f.targetsErr
}

type fakeValidator struct {
	claims *middleware.JWTClaims
	err    error
}

func (v *fakeValidator) ValidateToken(string) (*middleware.JWTClaims, error) {
	return v.claims, v.err
}

func sampleRequest(status models.Status) *models.Request {
	return &models.Request{
		ID:        domain.NewRequestID(),
		UserID:    domain.UserID(uuid.New()),
		Status:    status,
		Source:    models.SourceWeb,
		CreatedAt: time.Now(),
	}
}

type HandlerSuite struct {
	suite.Suite
	service   *fakeService
	validator *fakeValidator
	router    *chi.Mux
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.service = &fakeService{}
	s.validator = &fakeValidator{
		claims: &middleware.JWTClaims{UserID: uuid.NewString(), Role: "staff"},
	}
	s.router = chi.NewRouter()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	New(s.service, logger, s.validator).Register(s.router)
}

func (s *HandlerSuite) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) TestInitiate() {
	s.Run("accepts a valid request", func() {
		s.service.initiateResp = sampleRequest(models.StatusPending)
		rec := s.do(http.MethodPost, "/forget",
			`{"user_id":"`+uuid.NewString()+`"}`, nil)

		s.Equal(http.StatusAccepted, rec.Code)
		var resp map[string]any
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
		s.Equal("pending", resp["status"])
		s.Equal("Awaiting confirmation", resp["status_label"])
	})

	s.Run("rejects malformed JSON", func() {
		rec := s.do(http.MethodPost, "/forget", `{"user_id":`, nil)
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("rejects an invalid user id", func() {
		rec := s.do(http.MethodPost, "/forget", `{"user_id":"not-a-uuid"}`, nil)
		s.Equal(http.StatusBadRequest, rec.Code)
	})

	s.Run("maps an active duplicate to 409", func() {
		s.service.initiateResp = nil
		s.service.initiateErr = dErrors.New(dErrors.CodeAlreadyPending, "already in flight")
		rec := s.do(http.MethodPost, "/forget",
			`{"user_id":"`+uuid.NewString()+`"}`, nil)

		s.Equal(http.StatusConflict, rec.Code)
		var resp map[string]string
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
		s.Equal("already_pending", resp["error"])
	})
}

func (s *HandlerSuite) TestConfirm() {
	s.Run("confirms via emailed link", func() {
		s.service.confirmResp = sampleRequest(models.StatusInProgress)
		rec := s.do(http.MethodGet, "/forget/confirm?token=abc123", "", nil)

		s.Equal(http.StatusOK, rec.Code)
		s.Equal("abc123", s.service.confirmToken)
	})

	s.Run("confirms via JSON body", func() {
		s.service.confirmResp = sampleRequest(models.StatusInProgress)
		rec := s.do(http.MethodPost, "/forget/confirm", `{"token":"def456"}`, nil)

		s.Equal(http.StatusOK, rec.Code)
		s.Equal("def456", s.service.confirmToken)
	})

	s.Run("maps a consumed token to 410", func() {
		s.service.confirmResp = nil
		s.service.confirmErr = dErrors.New(dErrors.CodeInvalidToken, "already used")
		rec := s.do(http.MethodGet, "/forget/confirm?token=used", "", nil)
		s.Equal(http.StatusGone, rec.Code)
	})

	s.Run("maps a mismatched identity to 403", func() {
		s.service.confirmErr = dErrors.New(dErrors.CodeIdentityMismatch, "wrong account")
		rec := s.do(http.MethodGet, "/forget/confirm?token=foreign", "", nil)
		s.Equal(http.StatusForbidden, rec.Code)
	})
}

func (s *HandlerSuite) TestAdminAuth() {
	s.Run("rejects missing bearer token", func() {
		rec := s.do(http.MethodGet, "/admin/requests", "", nil)
		s.Equal(http.StatusUnauthorized, rec.Code)
	})

	s.Run("rejects invalid token", func() {
		s.validator.err = dErrors.New(dErrors.CodeUnauthorized, "invalid token")
		rec := s.do(http.MethodGet, "/admin/requests", "",
			map[string]string{"Authorization": "Bearer bad"})
		s.Equal(http.StatusUnauthorized, rec.Code)
		s.validator.err = nil
	})

	s.Run("rejects non-staff role", func() {
		s.validator.claims = &middleware.JWTClaims{UserID: uuid.NewString(), Role: "user"}
		rec := s.do(http.MethodGet, "/admin/requests", "",
			map[string]string{"Authorization": "Bearer ok"})
		s.Equal(http.StatusForbidden, rec.Code)
	})
}

func (s *HandlerSuite) TestAdminQueries() {
	auth := map[string]string{"Authorization": "Bearer ok"}

	s.Run("lists requests", func() {
		s.service.listResp = []*models.Request{
			sampleRequest(models.StatusFinished),
			sampleRequest(models.StatusPending),
		}
		rec := s.do(http.MethodGet, "/admin/requests", "", auth)

		s.Equal(http.StatusOK, rec.Code)
		var resp []map[string]any
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
		s.Len(resp, 2)
	})

	s.Run("maps unknown request to 404", func() {
		s.service.getErr = dErrors.New(dErrors.CodeNotFound, "no such request")
		rec := s.do(http.MethodGet, "/admin/requests/"+uuid.NewString(), "", auth)
		s.Equal(http.StatusNotFound, rec.Code)
	})

	s.Run("returns empty shard list for zero-shard requests", func() {
		s.service.targetsResp = []models.ShardTarget{}
		rec := s.do(http.MethodGet, "/admin/requests/"+uuid.NewString()+"/shards", "", auth)

		s.Equal(http.StatusOK, rec.Code)
		s.JSONEq("[]", rec.Body.String())
	})

	s.Run("returns shard rows with error summaries", func() {
		s.service.targetsResp = []models.ShardTarget{
			{ShardID: "alpha", Status: models.StatusFinished, ErrorMessage: "delete cu_log: timeout", UpdatedAt: time.Now()},
		}
		rec := s.do(http.MethodGet, "/admin/requests/"+uuid.NewString()+"/shards", "", auth)

		s.Equal(http.StatusOK, rec.Code)
		var resp []map[string]any
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
		s.Require().Len(resp, 1)
		s.Equal("alpha", resp[0]["shard_id"])
		s.Equal("delete cu_log: timeout", resp[0]["error"])
	})
}

func (s *HandlerSuite) TestForce() {
	auth := map[string]string{"Authorization": "Bearer ok"}

	s.Run("forces with the staff id from the token", func() {
		s.service.forceResp = sampleRequest(models.StatusInProgress)
		rec := s.do(http.MethodPost, "/admin/requests/force",
			`{"user_id":"`+uuid.NewString()+`","reason":"legal"}`, auth)

		s.Equal(http.StatusAccepted, rec.Code)
		s.Equal(s.validator.claims.UserID, s.service.forceActor)
	})

	s.Run("requires authentication", func() {
		rec := s.do(http.MethodPost, "/admin/requests/force",
			`{"user_id":"`+uuid.NewString()+`"}`, nil)
		s.Equal(http.StatusUnauthorized, rec.Code)
	})
}
