package dispatcher

import (
	"context"
	"testing"
	"time"

	"trafficengine/internal/accountstore"
	"trafficengine/internal/config"
	"trafficengine/internal/metrics"
	"trafficengine/internal/models"
	"trafficengine/internal/strategy"
	"trafficengine/internal/telegramclient"
	"trafficengine/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type mockReplyFetcher struct{ mock.Mock }

func (m *mockReplyFetcher) FetchReplies(ctx context.Context, accountID primitive.ObjectID, channel string, postID int64, since time.Time) ([]telegramclient.Reply, error) {
	args := m.Called(ctx, accountID, channel, postID, since)
	replies, _ := args.Get(0).([]telegramclient.Reply)
	return replies, args.Error(1)
}

type ReplyPollerTestSuite struct {
	suite.Suite
	ctx context.Context

	accountRepo  *mockAccountRepo
	actionRepo   *mockActionRepo
	strategyRepo *mockStrategyRepo
	fetcher      *mockReplyFetcher

	cfg    *config.Config
	poller *ReplyPoller
	acct   *models.Account
}

func TestReplyPollerTestSuite(t *testing.T) {
	suite.Run(t, new(ReplyPollerTestSuite))
}

func (s *ReplyPollerTestSuite) SetupTest() {
	s.ctx = context.Background()

	s.accountRepo = new(mockAccountRepo)
	s.actionRepo = new(mockActionRepo)
	s.strategyRepo = new(mockStrategyRepo)
	s.fetcher = new(mockReplyFetcher)

	s.cfg = &config.Config{}
	s.cfg.Strategy.CountSelfReactions = false
	log := logger.New("error", "text")

	accounts := accountstore.New(s.accountRepo, log)
	oracle := strategy.New(s.strategyRepo, s.cfg, log)
	m := metrics.New(prometheus.NewRegistry())
	s.poller = NewReplyPoller(accounts, s.actionRepo, s.fetcher, oracle, m, s.cfg, log)

	s.acct = &models.Account{ID: primitive.NewObjectID(), Segment: models.SegmentZozh}
}

func (s *ReplyPollerTestSuite) TestHandleOutcomePending_ReplyScoresFullReward() {
	actionID := primitive.NewObjectID()
	record := &models.ActionRecord{
		ID: actionID, AccountID: s.acct.ID, Kind: models.ActionKindComment,
		TargetRef: "healthchan", StrategyUsed: models.StrategySmart,
		PostTopic: "fitness", TimeSlot: models.TimeSlotMorning,
		FinishedAt: time.Now().Add(-30 * time.Minute),
	}
	event := OutcomePendingEvent{
		ActionID: actionID.Hex(), AccountID: s.acct.ID.Hex(),
		Channel: "healthchan", CommentMessageID: 99, PollAt: time.Now(),
	}

	s.actionRepo.On("GetByID", s.ctx, actionID).Return(record, nil)
	s.fetcher.On("FetchReplies", s.ctx, s.acct.ID, "healthchan", int64(99), record.FinishedAt).
		Return([]telegramclient.Reply{{MessageID: 1, IsReaction: false, FromUserID: "other-user"}}, nil)
	s.actionRepo.On("ApplyOutcome", s.ctx, actionID, true, 1).Return(true, nil)

	s.accountRepo.On("GetByID", s.ctx, s.acct.ID).Return(s.acct, nil)
	s.strategyRepo.On("Get", s.ctx, mock.Anything, models.StrategySmart).
		Return(&models.StrategyEffectiveness{}, nil)
	s.strategyRepo.On("RecordOutcome", s.ctx, mock.Anything, models.StrategySmart, rewardReply, mock.Anything).Return(nil)

	err := s.poller.HandleOutcomePending(s.ctx, event)
	s.Require().NoError(err)

	s.strategyRepo.AssertExpectations(s.T())
}

func (s *ReplyPollerTestSuite) TestHandleOutcomePending_ReactionOnlyScoresHalfReward() {
	actionID := primitive.NewObjectID()
	record := &models.ActionRecord{
		ID: actionID, AccountID: s.acct.ID, Kind: models.ActionKindComment,
		TargetRef: "healthchan", StrategyUsed: models.StrategyFunny,
		FinishedAt: time.Now().Add(-30 * time.Minute),
	}
	event := OutcomePendingEvent{
		ActionID: actionID.Hex(), AccountID: s.acct.ID.Hex(),
		Channel: "healthchan", CommentMessageID: 99, PollAt: time.Now(),
	}

	s.actionRepo.On("GetByID", s.ctx, actionID).Return(record, nil)
	s.fetcher.On("FetchReplies", s.ctx, s.acct.ID, "healthchan", int64(99), record.FinishedAt).
		Return([]telegramclient.Reply{{MessageID: 2, IsReaction: true, FromUserID: "other-user"}}, nil)
	s.actionRepo.On("ApplyOutcome", s.ctx, actionID, false, 0).Return(true, nil)

	s.accountRepo.On("GetByID", s.ctx, s.acct.ID).Return(s.acct, nil)
	s.strategyRepo.On("Get", s.ctx, mock.Anything, models.StrategyFunny).
		Return(&models.StrategyEffectiveness{}, nil)
	s.strategyRepo.On("RecordOutcome", s.ctx, mock.Anything, models.StrategyFunny, rewardReaction, mock.Anything).Return(nil)

	err := s.poller.HandleOutcomePending(s.ctx, event)
	s.Require().NoError(err)

	s.strategyRepo.AssertExpectations(s.T())
}

func (s *ReplyPollerTestSuite) TestHandleOutcomePending_SelfReactionExcludedByDefault() {
	actionID := primitive.NewObjectID()
	record := &models.ActionRecord{
		ID: actionID, AccountID: s.acct.ID, Kind: models.ActionKindComment,
		TargetRef: "healthchan", StrategyUsed: models.StrategyExpert,
		FinishedAt: time.Now().Add(-30 * time.Minute),
	}
	event := OutcomePendingEvent{
		ActionID: actionID.Hex(), AccountID: s.acct.ID.Hex(),
		Channel: "healthchan", CommentMessageID: 99, PollAt: time.Now(),
	}

	s.actionRepo.On("GetByID", s.ctx, actionID).Return(record, nil)
	s.fetcher.On("FetchReplies", s.ctx, s.acct.ID, "healthchan", int64(99), record.FinishedAt).
		Return([]telegramclient.Reply{{MessageID: 3, IsReaction: true, FromUserID: s.acct.ID.Hex()}}, nil)
	s.actionRepo.On("ApplyOutcome", s.ctx, actionID, false, 0).Return(true, nil)

	s.accountRepo.On("GetByID", s.ctx, s.acct.ID).Return(s.acct, nil)
	s.strategyRepo.On("Get", s.ctx, mock.Anything, models.StrategyExpert).
		Return(&models.StrategyEffectiveness{}, nil)
	s.strategyRepo.On("RecordOutcome", s.ctx, mock.Anything, models.StrategyExpert, rewardNone, mock.Anything).Return(nil)

	err := s.poller.HandleOutcomePending(s.ctx, event)
	s.Require().NoError(err)

	s.strategyRepo.AssertExpectations(s.T())
}

func (s *ReplyPollerTestSuite) TestHandleOutcomePending_SelfReactionCountsWhenConfigured() {
	s.cfg.Strategy.CountSelfReactions = true

	actionID := primitive.NewObjectID()
	record := &models.ActionRecord{
		ID: actionID, AccountID: s.acct.ID, Kind: models.ActionKindComment,
		TargetRef: "healthchan", StrategyUsed: models.StrategyExpert,
		FinishedAt: time.Now().Add(-30 * time.Minute),
	}
	event := OutcomePendingEvent{
		ActionID: actionID.Hex(), AccountID: s.acct.ID.Hex(),
		Channel: "healthchan", CommentMessageID: 99, PollAt: time.Now(),
	}

	s.actionRepo.On("GetByID", s.ctx, actionID).Return(record, nil)
	s.fetcher.On("FetchReplies", s.ctx, s.acct.ID, "healthchan", int64(99), record.FinishedAt).
		Return([]telegramclient.Reply{{MessageID: 3, IsReaction: true, FromUserID: s.acct.ID.Hex()}}, nil)
	s.actionRepo.On("ApplyOutcome", s.ctx, actionID, false, 0).Return(true, nil)

	s.accountRepo.On("GetByID", s.ctx, s.acct.ID).Return(s.acct, nil)
	s.strategyRepo.On("Get", s.ctx, mock.Anything, models.StrategyExpert).
		Return(&models.StrategyEffectiveness{}, nil)
	s.strategyRepo.On("RecordOutcome", s.ctx, mock.Anything, models.StrategyExpert, rewardReaction, mock.Anything).Return(nil)

	err := s.poller.HandleOutcomePending(s.ctx, event)
	s.Require().NoError(err)

	s.strategyRepo.AssertExpectations(s.T())
}

func (s *ReplyPollerTestSuite) TestHandleOutcomePending_DuplicateDeliverySkipsOracleUpdate() {
	actionID := primitive.NewObjectID()
	record := &models.ActionRecord{
		ID: actionID, AccountID: s.acct.ID, Kind: models.ActionKindComment,
		TargetRef: "healthchan", StrategyUsed: models.StrategySmart,
		FinishedAt: time.Now().Add(-30 * time.Minute),
	}
	event := OutcomePendingEvent{
		ActionID: actionID.Hex(), AccountID: s.acct.ID.Hex(),
		Channel: "healthchan", CommentMessageID: 99, PollAt: time.Now(),
	}

	s.actionRepo.On("GetByID", s.ctx, actionID).Return(record, nil)
	s.fetcher.On("FetchReplies", s.ctx, s.acct.ID, "healthchan", int64(99), record.FinishedAt).
		Return([]telegramclient.Reply{}, nil)
	s.actionRepo.On("ApplyOutcome", s.ctx, actionID, false, 0).Return(false, nil)

	err := s.poller.HandleOutcomePending(s.ctx, event)
	s.Require().NoError(err)

	s.accountRepo.AssertNotCalled(s.T(), "GetByID", mock.Anything, mock.Anything)
	s.strategyRepo.AssertNotCalled(s.T(), "RecordOutcome", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
