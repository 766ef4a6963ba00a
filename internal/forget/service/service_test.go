package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"oblivion/internal/forget/models"
	requeststore "oblivion/internal/forget/store/request"
	"oblivion/internal/identity"
	"oblivion/internal/queue"
	"oblivion/pkg/domain"
	dErrors "oblivion/pkg/domain-errors"
	"oblivion/pkg/platform/audit"
	auditmemory "oblivion/pkg/platform/audit/store/memory"
	"oblivion/pkg/requestcontext"
)

type captureQueue struct {
	mu    sync.Mutex
	items []queue.Item
	err   error
}

func (q *captureQueue) Enqueue(_ context.Context, item queue.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

func (q *captureQueue) all() []queue.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Item, len(q.items))
	copy(out, q.items)
	return out
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []string
	sendErr error
}

func (n *fakeNotifier) SendConfirmation(_ context.Context, _ identity.Ref, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sendErr != nil {
		return n.sendErr
	}
	n.sent = append(n.sent, token)
	return nil
}

// failingRenameStore wraps the identity store to break the rename step only.
type failingRenameStore struct {
	identity.Store
}

func (failingRenameStore) Rename(context.Context, string, string) error {
	return errors.New("actor table locked")
}

type ServiceSuite struct {
	suite.Suite

	requests   *requeststore.InMemoryStore
	identities *identity.InMemoryStore
	queue      *captureQueue
	notifier   *fakeNotifier
	auditStore *auditmemory.Store
	svc        *Service

	userID domain.UserID
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.requests = requeststore.NewMemory()
	s.identities = identity.NewInMemoryStore()
	s.queue = &captureQueue{}
	s.notifier = &fakeNotifier{}
	s.auditStore = auditmemory.New()

	s.userID = domain.UserID(uuid.New())
	s.identities.Seed(identity.Profile{
		ID:           s.userID,
		Name:         "Jane Doe",
		Email:        "jane@example.com",
		RealName:     "Jane Q. Doe",
		PasswordHash: "old-hash",
	})

	s.svc = s.newService(s.identities, []string{"alpha", "beta"})
}

func (s *ServiceSuite) newService(identities identity.Store, shards []string) *Service {
	renamer := identity.NewRenamer(identities,
		identity.NoopInvalidator{}, identity.NoopInvalidator{}, identity.NoopAvatarBackend{})
	return New(s.requests, identities, identity.NewStaticDirectory(shards), renamer,
		s.queue, s.notifier,
		WithAudit(audit.NewPublisher(s.auditStore)),
	)
}

func (s *ServiceSuite) initiate() *models.Request {
	req, err := s.svc.InitiateRequest(context.Background(), s.userID)
	s.Require().NoError(err)
	return req
}

func (s *ServiceSuite) TestInitiate() {
	s.Run("creates a pending request with token and anonymous target", func() {
		req := s.initiate()
		s.Equal(models.StatusPending, req.Status)
		s.Equal(models.SourceWeb, req.Source)
		s.Equal("Jane Doe", req.OriginalName)
		s.Len(req.Token, 32)
		s.Equal("Anonymous "+req.Token[:8], req.TargetName)
		s.Equal([]string{req.Token}, s.notifier.sent)
	})

	s.Run("rejects a second request while one is active", func() {
		_, err := s.svc.InitiateRequest(context.Background(), s.userID)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyPending))
	})

	s.Run("rejects unknown users", func() {
		_, err := s.svc.InitiateRequest(context.Background(), domain.UserID(uuid.New()))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestInitiateNotifierFailure() {
	s.notifier.sendErr = errors.New("smtp down")

	req, err := s.svc.InitiateRequest(context.Background(), s.userID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	s.Require().NotNil(req, "the request row must persist despite delivery failure")

	stored, findErr := s.requests.FindByID(context.Background(), req.ID)
	s.Require().NoError(findErr)
	s.Equal(models.StatusPending, stored.Status)

	// The persisted row blocks a quiet double-create on retry.
	_, err = s.svc.InitiateRequest(context.Background(), s.userID)
	s.True(dErrors.HasCode(err, dErrors.CodeAlreadyPending))
}

func (s *ServiceSuite) TestConfirmAndExecute() {
	req := s.initiate()

	confirmed, err := s.svc.ConfirmAndExecute(context.Background(), req.Token)
	s.Require().NoError(err)
	s.Equal(models.StatusInProgress, confirmed.Status)

	s.Run("identity was renamed and scrubbed", func() {
		profile, err := s.identities.FindByID(context.Background(), s.userID)
		s.Require().NoError(err)
		s.Equal(req.TargetName, profile.Name)
		s.Empty(profile.Email)
		s.Empty(profile.RealName)
		s.NotEqual("old-hash", profile.PasswordHash)
	})

	s.Run("work fanned out to every attached shard", func() {
		targets, err := s.requests.ShardTargets(context.Background(), req.ID)
		s.Require().NoError(err)
		s.Len(targets, 2)

		items := s.queue.all()
		s.Require().Len(items, 2)
		shardIDs := map[domain.ShardID]bool{}
		for _, item := range items {
			shardIDs[item.ShardID] = true
			s.Equal(req.ID, item.RequestID)
			s.Equal("Jane Doe", item.OldName)
			s.Equal(req.TargetName, item.NewName)
		}
		s.True(shardIDs["alpha"])
		s.True(shardIDs["beta"])
	})

	s.Run("token is single use", func() {
		_, err := s.svc.ConfirmAndExecute(context.Background(), req.Token)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidToken))
	})
}

func (s *ServiceSuite) TestConfirmRejections() {
	s.Run("unknown token", func() {
		_, err := s.svc.ConfirmAndExecute(context.Background(), "no-such-token")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidToken))
	})

	s.Run("empty token", func() {
		_, err := s.svc.ConfirmAndExecute(context.Background(), "")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidToken))
	})

	s.Run("expired token", func() {
		req := s.initiate()
		late := requestcontext.WithTime(context.Background(),
			time.Now().Add(16*time.Minute))
		_, err := s.svc.ConfirmAndExecute(late, req.Token)
		s.True(dErrors.HasCode(err, dErrors.CodeExpiredToken))
	})

	s.Run("token presented by a different account", func() {
		// Previous subtest left the request pending; reuse it.
		stored, err := s.requests.ListAll(context.Background())
		s.Require().NoError(err)
		s.Require().NotEmpty(stored)

		other := requestcontext.WithUserID(context.Background(), domain.UserID(uuid.New()))
		_, err = s.svc.ConfirmAndExecute(other, stored[0].Token)
		s.True(dErrors.HasCode(err, dErrors.CodeIdentityMismatch))
	})
}

func (s *ServiceSuite) TestZeroShardRequestFinishesImmediately() {
	svc := s.newService(s.identities, nil)

	var completions []*models.Request
	svc.SubscribeCompletion(func(_ context.Context, req *models.Request) {
		completions = append(completions, req)
	})

	req, err := svc.InitiateRequest(context.Background(), s.userID)
	s.Require().NoError(err)

	finished, err := svc.ConfirmAndExecute(context.Background(), req.Token)
	s.Require().NoError(err)
	s.Equal(models.StatusFinished, finished.Status)
	s.Require().NotNil(finished.CompletedAt)
	s.Empty(s.queue.all())

	s.Require().Len(completions, 1)
	s.Equal(req.ID, completions[0].ID)
}

func (s *ServiceSuite) TestRenameFailureDeadEndsRequest() {
	svc := s.newService(failingRenameStore{Store: s.identities}, []string{"alpha"})

	req, err := svc.InitiateRequest(context.Background(), s.userID)
	s.Require().NoError(err)

	_, err = svc.ConfirmAndExecute(context.Background(), req.Token)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeRenameFailed))

	stored, findErr := s.requests.FindByID(context.Background(), req.ID)
	s.Require().NoError(findErr)
	s.Equal(models.StatusFailed, stored.Status)
	s.Empty(s.queue.all(), "no shard work may be queued after a failed rename")
}

func (s *ServiceSuite) TestForceExecute() {
	req, err := s.svc.ForceExecute(context.Background(), s.userID, "staff-1234", "legal request ref 88")
	s.Require().NoError(err)
	s.Equal(models.SourceStaff, req.Source)
	s.Equal(models.StatusInProgress, req.Status)
	s.Empty(req.Token, "forced requests never carry a confirmation token")
	s.Len(s.queue.all(), 2)

	s.Run("audit trail records the acting staff member", func() {
		events, err := s.auditStore.ListByRequest(context.Background(), req.ID)
		s.Require().NoError(err)
		var forced bool
		for _, e := range events {
			if e.Action == string(audit.EventRequestForced) {
				forced = true
				s.Equal("staff-1234", e.Actor)
				s.Equal("legal request ref 88", e.Reason)
			}
		}
		s.True(forced)
	})

	s.Run("forced request blocks a parallel web request", func() {
		_, err := s.svc.InitiateRequest(context.Background(), s.userID)
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyPending))
	})
}

func (s *ServiceSuite) TestCheckAndFinalizeFiresSubscribersOnce() {
	var mu sync.Mutex
	var completions int
	s.svc.SubscribeCompletion(func(context.Context, *models.Request) {
		mu.Lock()
		completions++
		mu.Unlock()
	})

	req := s.initiate()
	_, err := s.svc.ConfirmAndExecute(context.Background(), req.Token)
	s.Require().NoError(err)

	ctx := context.Background()
	s.Require().NoError(s.requests.UpdateShardStatus(ctx, req.ID, "alpha", models.StatusFinished, ""))
	s.Require().NoError(s.svc.CheckAndFinalize(ctx, req.ID))
	s.Equal(0, completions, "one shard still active")

	s.Require().NoError(s.requests.UpdateShardStatus(ctx, req.ID, "beta", models.StatusFinished, ""))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NoError(s.svc.CheckAndFinalize(ctx, req.ID))
		}()
	}
	wg.Wait()

	s.Equal(1, completions, "completion subscribers fire exactly once")

	stored, err := s.requests.FindByID(ctx, req.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFinished, stored.Status)
}

func (s *ServiceSuite) TestAdminQueries() {
	req := s.initiate()

	s.Run("get request", func() {
		found, err := s.svc.GetRequest(context.Background(), req.ID)
		s.Require().NoError(err)
		s.Equal(req.ID, found.ID)

		_, err = s.svc.GetRequest(context.Background(), domain.NewRequestID())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("shard targets of an un-fanned-out request are empty not missing", func() {
		targets, err := s.svc.GetShardTargets(context.Background(), req.ID)
		s.Require().NoError(err)
		s.Empty(targets)
	})

	s.Run("shard targets of an unknown request are a 404", func() {
		_, err := s.svc.GetShardTargets(context.Background(), domain.NewRequestID())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}
