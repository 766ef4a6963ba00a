package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"oblivion/internal/forget/engine"
	"oblivion/internal/forget/models"
	"oblivion/internal/forget/rules"
	requeststore "oblivion/internal/forget/store/request"
	"oblivion/internal/queue"
	"oblivion/pkg/domain"
)

type stubSession struct {
	failTables map[string]error
}

func (s *stubSession) ActorID(context.Context, domain.UserID) (int64, error) { return 1, nil }
func (s *stubSession) TableExists(context.Context, string) (bool, error)     { return true, nil }

func (s *stubSession) Delete(_ context.Context, table string, _ []engine.Clause) error {
	return s.failTables[table]
}

func (s *stubSession) Update(_ context.Context, table string, _, _ []engine.Clause) error {
	return s.failTables[table]
}

func (s *stubSession) UserPages(context.Context, string, string) ([]engine.Page, error) {
	return nil, nil
}
func (s *stubSession) DeletePage(context.Context, engine.Page) error      { return nil }
func (s *stubSession) PurgeArchive(context.Context, string, string) error { return nil }
func (s *stubSession) PurgeLogging(context.Context, string, string) error { return nil }
func (s *stubSession) PurgeRecentChanges(context.Context, string, string) error {
	return nil
}

type stubFactory struct {
	session    engine.Session
	sessionErr error
}

func (f *stubFactory) Session(context.Context, domain.ShardID) (engine.Session, error) {
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	return f.session, nil
}

func (f *stubFactory) WaitForReplication(context.Context, domain.ShardID) error { return nil }

type countingFinalizer struct {
	calls int
	err   error
}

func (f *countingFinalizer) CheckAndFinalize(context.Context, domain.RequestID) error {
	f.calls++
	return f.err
}

// brokenFinishStore fails the completion write while letting everything else
// through, to model a tracking database outage mid-item.
type brokenFinishStore struct {
	requeststore.Store
}

func (s brokenFinishStore) UpdateShardStatus(ctx context.Context, id domain.RequestID, shard domain.ShardID, status models.Status, errMsg string) error {
	if status == models.StatusFinished {
		return errors.New("tracking db unavailable")
	}
	return s.Store.UpdateShardStatus(ctx, id, shard, status, errMsg)
}

func workerRegistry() *rules.Registry {
	reg := rules.NewRegistry()
	reg.RegisterDeletionRule("user_groups", rules.UserID("ug_user"))
	reg.Freeze()
	return reg
}

type WorkerSuite struct {
	suite.Suite

	requests  *requeststore.InMemoryStore
	finalizer *countingFinalizer
	item      queue.Item
}

func TestWorkerSuite(t *testing.T) {
	suite.Run(t, new(WorkerSuite))
}

func (s *WorkerSuite) SetupTest() {
	s.requests = requeststore.NewMemory()
	s.finalizer = &countingFinalizer{}
	s.item = queue.Item{
		RequestID: domain.NewRequestID(),
		UserID:    domain.UserID(uuid.New()),
		ShardID:   "alpha",
		OldName:   "Jane Doe",
		NewName:   "Anonymous 1a2b3c4d",
	}

	req := &models.Request{
		ID:     s.item.RequestID,
		UserID: s.item.UserID,
		Status: models.StatusInProgress,
		Source: models.SourceWeb,
	}
	s.Require().NoError(s.requests.Create(context.Background(), req))
	s.Require().NoError(s.requests.CreateShardTargets(context.Background(), []models.ShardTarget{
		{RequestID: s.item.RequestID, ShardID: "alpha", Status: models.StatusPending},
	}))
}

func (s *WorkerSuite) newWorker(store requeststore.Store, factory engine.SessionFactory) *Worker {
	eng := engine.New(factory, workerRegistry())
	return New(store, eng, s.finalizer)
}

func (s *WorkerSuite) shardStatus() models.ShardTarget {
	targets, err := s.requests.ShardTargets(context.Background(), s.item.RequestID)
	s.Require().NoError(err)
	s.Require().Len(targets, 1)
	return targets[0]
}

func (s *WorkerSuite) TestCleanItemFinishesTargetAndChecksCompletion() {
	w := s.newWorker(s.requests, &stubFactory{session: &stubSession{}})

	s.Require().NoError(w.Handle(context.Background(), s.item))

	target := s.shardStatus()
	s.Equal(models.StatusFinished, target.Status)
	s.Empty(target.ErrorMessage)
	s.Equal(1, s.finalizer.calls)
}

func (s *WorkerSuite) TestPartialFailureStillFinishesWithSummary() {
	session := &stubSession{failTables: map[string]error{
		"user_groups": errors.New("lock timeout"),
	}}
	w := s.newWorker(s.requests, &stubFactory{session: session})

	s.Require().NoError(w.Handle(context.Background(), s.item),
		"isolated rule failures are recorded, not retried")

	target := s.shardStatus()
	s.Equal(models.StatusFinished, target.Status)
	s.Contains(target.ErrorMessage, "user_groups")
	s.Equal(1, s.finalizer.calls)
}

func (s *WorkerSuite) TestUnreachableShardRequeues() {
	w := s.newWorker(s.requests, &stubFactory{sessionErr: errors.New("shard down")})

	s.Require().Error(w.Handle(context.Background(), s.item),
		"nothing ran, redelivery is safe and wanted")

	target := s.shardStatus()
	s.NotEqual(models.StatusFinished, target.Status)
	s.Equal(0, s.finalizer.calls)
}

func (s *WorkerSuite) TestTrackingWriteFailureNeverRequeues() {
	w := s.newWorker(brokenFinishStore{Store: s.requests}, &stubFactory{session: &stubSession{}})

	s.Require().NoError(w.Handle(context.Background(), s.item),
		"the shard was mutated, a requeue loop would hammer it forever")
	s.Equal(0, s.finalizer.calls, "without the finish write the completion check is pointless")
}

func (s *WorkerSuite) TestStaleTrackingRowStillProcesses() {
	// Simulate a redelivered item whose tracking row vanished.
	item := s.item
	item.RequestID = domain.NewRequestID()
	req := &models.Request{
		ID:     item.RequestID,
		UserID: domain.UserID(uuid.New()),
		Status: models.StatusInProgress,
	}
	s.Require().NoError(s.requests.Create(context.Background(), req))

	w := s.newWorker(s.requests, &stubFactory{session: &stubSession{}})
	s.Require().NoError(w.Handle(context.Background(), item),
		"a missing tracking row must not block the anonymisation work")
}

func (s *WorkerSuite) TestRedeliveredItemReachesTheSameEndState() {
	w := s.newWorker(s.requests, &stubFactory{session: &stubSession{}})

	s.Require().NoError(w.Handle(context.Background(), s.item))
	first := s.shardStatus()
	s.Require().Equal(models.StatusFinished, first.Status)

	// At-least-once delivery: the broker may hand the same item over again
	// after the shard already finished.
	s.Require().NoError(w.Handle(context.Background(), s.item))
	second := s.shardStatus()

	s.Equal(first.Status, second.Status)
	s.Equal(first.ErrorMessage, second.ErrorMessage)
	s.Equal(2, s.finalizer.calls,
		"every delivery re-checks completion; the check itself is idempotent")
}

func (s *WorkerSuite) TestFinalizerErrorIsAbsorbed() {
	s.finalizer.err = errors.New("tracking db flaky")
	w := s.newWorker(s.requests, &stubFactory{session: &stubSession{}})

	s.Require().NoError(w.Handle(context.Background(), s.item))
	s.Equal(models.StatusFinished, s.shardStatus().Status)
}
