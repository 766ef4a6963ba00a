package request

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"oblivion/internal/forget/models"
	"oblivion/pkg/domain"
	"oblivion/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewMemory()
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func newTestRequest(status models.Status) *models.Request {
	return &models.Request{
		ID:           domain.NewRequestID(),
		UserID:       domain.UserID(uuid.New()),
		OriginalName: "Jane Doe",
		TargetName:   "Anonymous 1a2b3c4d",
		Status:       status,
		Source:       models.SourceWeb,
		Token:        uuid.NewString(),
		TokenExpires: time.Now().Add(15 * time.Minute),
		CreatedAt:    time.Now(),
	}
}

func (s *InMemoryStoreSuite) TestCreateConflicts() {
	ctx := context.Background()

	s.Run("rejects a second active request for the same user", func() {
		first := newTestRequest(models.StatusPending)
		s.Require().NoError(s.store.Create(ctx, first))

		second := newTestRequest(models.StatusPending)
		second.UserID = first.UserID
		s.Require().ErrorIs(s.store.Create(ctx, second), sentinel.ErrConflict)
	})

	s.Run("allows a new request once the previous one is terminal", func() {
		first := newTestRequest(models.StatusFailed)
		s.Require().NoError(s.store.Create(ctx, first))

		second := newTestRequest(models.StatusPending)
		second.UserID = first.UserID
		s.Require().NoError(s.store.Create(ctx, second))
	})

	s.Run("allows concurrent active requests for different users", func() {
		s.Require().NoError(s.store.Create(ctx, newTestRequest(models.StatusPending)))
		s.Require().NoError(s.store.Create(ctx, newTestRequest(models.StatusInProgress)))
	})
}

func (s *InMemoryStoreSuite) TestTokenLookup() {
	ctx := context.Background()

	s.Run("finds a request by its token regardless of status", func() {
		req := newTestRequest(models.StatusFinished)
		s.Require().NoError(s.store.Create(ctx, req))

		found, err := s.store.FindByToken(ctx, req.Token)
		s.Require().NoError(err)
		s.Equal(req.ID, found.ID)
		s.Equal(models.StatusFinished, found.Status)
	})

	s.Run("returns ErrNotFound for an unknown token", func() {
		_, err := s.store.FindByToken(ctx, "nope")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("never matches the empty token of staff-forced requests", func() {
		req := newTestRequest(models.StatusInProgress)
		req.Token = ""
		req.Source = models.SourceStaff
		s.Require().NoError(s.store.Create(ctx, req))

		_, err := s.store.FindByToken(ctx, "")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestShardTargets() {
	ctx := context.Background()

	s.Run("returns ErrNotFound when a request never fanned out", func() {
		req := newTestRequest(models.StatusInProgress)
		s.Require().NoError(s.store.Create(ctx, req))

		_, err := s.store.ShardTargets(ctx, req.ID)
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("rejects duplicate shard rows in a batch", func() {
		req := newTestRequest(models.StatusInProgress)
		s.Require().NoError(s.store.Create(ctx, req))

		targets := []models.ShardTarget{
			{RequestID: req.ID, ShardID: "alpha", Status: models.StatusPending},
			{RequestID: req.ID, ShardID: "alpha", Status: models.StatusPending},
		}
		s.Require().Error(s.store.CreateShardTargets(ctx, targets))
	})

	s.Run("updates one shard row without touching siblings", func() {
		req := newTestRequest(models.StatusInProgress)
		s.Require().NoError(s.store.Create(ctx, req))
		s.Require().NoError(s.store.CreateShardTargets(ctx, []models.ShardTarget{
			{RequestID: req.ID, ShardID: "alpha", Status: models.StatusPending},
			{RequestID: req.ID, ShardID: "beta", Status: models.StatusPending},
		}))

		s.Require().NoError(s.store.UpdateShardStatus(ctx, req.ID, "alpha", models.StatusFinished, "2 rule errors"))

		targets, err := s.store.ShardTargets(ctx, req.ID)
		s.Require().NoError(err)
		byShard := make(map[domain.ShardID]models.ShardTarget)
		for _, t := range targets {
			byShard[t.ShardID] = t
		}
		s.Equal(models.StatusFinished, byShard["alpha"].Status)
		s.Equal("2 rule errors", byShard["alpha"].ErrorMessage)
		s.Equal(models.StatusPending, byShard["beta"].Status)
	})

	s.Run("returns ErrNotFound when updating a shard that was never fanned out", func() {
		req := newTestRequest(models.StatusInProgress)
		s.Require().NoError(s.store.Create(ctx, req))

		err := s.store.UpdateShardStatus(ctx, req.ID, "ghost", models.StatusFinished, "")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestFinalizeIfComplete() {
	ctx := context.Background()

	s.Run("does not finalize while any shard is still active", func() {
		req := newTestRequest(models.StatusInProgress)
		s.Require().NoError(s.store.Create(ctx, req))
		s.Require().NoError(s.store.CreateShardTargets(ctx, []models.ShardTarget{
			{RequestID: req.ID, ShardID: "alpha", Status: models.StatusFinished},
			{RequestID: req.ID, ShardID: "beta", Status: models.StatusInProgress},
		}))

		_, transitioned, err := s.store.FinalizeIfComplete(ctx, req.ID, time.Now())
		s.Require().NoError(err)
		s.False(transitioned)
	})

	s.Run("finalizes a zero-shard request", func() {
		req := newTestRequest(models.StatusInProgress)
		s.Require().NoError(s.store.Create(ctx, req))

		now := time.Now()
		finished, transitioned, err := s.store.FinalizeIfComplete(ctx, req.ID, now)
		s.Require().NoError(err)
		s.True(transitioned)
		s.Equal(models.StatusFinished, finished.Status)
		s.Require().NotNil(finished.CompletedAt)
		s.WithinDuration(now, *finished.CompletedAt, time.Second)
	})

	s.Run("transitions exactly once under concurrent completion checks", func() {
		req := newTestRequest(models.StatusInProgress)
		s.Require().NoError(s.store.Create(ctx, req))
		s.Require().NoError(s.store.CreateShardTargets(ctx, []models.ShardTarget{
			{RequestID: req.ID, ShardID: "alpha", Status: models.StatusFinished},
			{RequestID: req.ID, ShardID: "beta", Status: models.StatusFinished},
		}))

		const goroutines = 50
		var wg sync.WaitGroup
		var transitions atomic.Int32
		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, transitioned, err := s.store.FinalizeIfComplete(ctx, req.ID, time.Now())
				s.NoError(err)
				if transitioned {
					transitions.Add(1)
				}
			}()
		}
		wg.Wait()

		s.Equal(int32(1), transitions.Load(), "exactly one caller should perform the transition")
	})

	s.Run("never revives a terminal request", func() {
		req := newTestRequest(models.StatusFailed)
		s.Require().NoError(s.store.Create(ctx, req))

		_, transitioned, err := s.store.FinalizeIfComplete(ctx, req.ID, time.Now())
		s.Require().NoError(err)
		s.False(transitioned)

		found, err := s.store.FindByID(ctx, req.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusFailed, found.Status)
	})
}

func (s *InMemoryStoreSuite) TestListAll() {
	ctx := context.Background()

	older := newTestRequest(models.StatusFinished)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := newTestRequest(models.StatusPending)
	newer.CreatedAt = time.Now()
	s.Require().NoError(s.store.Create(ctx, older))
	s.Require().NoError(s.store.Create(ctx, newer))

	all, err := s.store.ListAll(ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	s.Equal(newer.ID, all[0].ID, "newest request should come first")
	s.Equal(older.ID, all[1].ID)
}
