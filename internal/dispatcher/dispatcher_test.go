package dispatcher

import (
	"context"
	"testing"
	"time"

	"trafficengine/internal/accountstore"
	"trafficengine/internal/config"
	"trafficengine/internal/ledger"
	"trafficengine/internal/metrics"
	"trafficengine/internal/models"
	"trafficengine/internal/strategy"
	"trafficengine/internal/textgen"
	"trafficengine/internal/warmup"
	"trafficengine/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// -- repository mocks, matching the interfaces exactly --

type mockAccountRepo struct{ mock.Mock }

func (m *mockAccountRepo) Create(ctx context.Context, account *models.Account) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}
func (m *mockAccountRepo) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Account, error) {
	args := m.Called(ctx, id)
	acc, _ := args.Get(0).(*models.Account)
	return acc, args.Error(1)
}
func (m *mockAccountRepo) ListByStatus(ctx context.Context, status models.AccountStatus, segment models.Segment) ([]*models.Account, error) {
	args := m.Called(ctx, status, segment)
	accs, _ := args.Get(0).([]*models.Account)
	return accs, args.Error(1)
}
func (m *mockAccountRepo) Transition(ctx context.Context, id primitive.ObjectID, from, to models.AccountStatus) (bool, error) {
	args := m.Called(ctx, id, from, to)
	return args.Bool(0), args.Error(1)
}
func (m *mockAccountRepo) RecordSpamCheck(ctx context.Context, id primitive.ObjectID, verdict models.SpamVerdict) error {
	args := m.Called(ctx, id, verdict)
	return args.Error(0)
}
func (m *mockAccountRepo) MarkBanned(ctx context.Context, id primitive.ObjectID, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}
func (m *mockAccountRepo) AdvanceWarmup(ctx context.Context, id primitive.ObjectID, phase, dayInPhase int, completed bool) error {
	args := m.Called(ctx, id, phase, dayInPhase, completed)
	return args.Error(0)
}
func (m *mockAccountRepo) SetCooldown(ctx context.Context, id primitive.ObjectID, until time.Time) error {
	args := m.Called(ctx, id, until)
	return args.Error(0)
}
func (m *mockAccountRepo) SetProxy(ctx context.Context, id primitive.ObjectID, proxyID primitive.ObjectID) error {
	args := m.Called(ctx, id, proxyID)
	return args.Error(0)
}
func (m *mockAccountRepo) TouchLastActivity(ctx context.Context, id primitive.ObjectID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *mockAccountRepo) CountByStatus(ctx context.Context) (map[models.AccountStatus]int64, error) {
	args := m.Called(ctx)
	counts, _ := args.Get(0).(map[models.AccountStatus]int64)
	return counts, args.Error(1)
}

type mockChannelRepo struct{ mock.Mock }

func (m *mockChannelRepo) ListActive(ctx context.Context, segment models.Segment) ([]*models.TargetChannel, error) {
	args := m.Called(ctx, segment)
	chans, _ := args.Get(0).([]*models.TargetChannel)
	return chans, args.Error(1)
}
func (m *mockChannelRepo) Upsert(ctx context.Context, channel *models.TargetChannel) error {
	args := m.Called(ctx, channel)
	return args.Error(0)
}
func (m *mockChannelRepo) Deactivate(ctx context.Context, username string) error {
	args := m.Called(ctx, username)
	return args.Error(0)
}

type mockWarmupLimitRepo struct{ mock.Mock }

func (m *mockWarmupLimitRepo) Get(ctx context.Context, phase, dayInPhase int) (*models.WarmupDailyLimit, error) {
	args := m.Called(ctx, phase, dayInPhase)
	limit, _ := args.Get(0).(*models.WarmupDailyLimit)
	return limit, args.Error(1)
}
func (m *mockWarmupLimitRepo) PhaseLength(ctx context.Context, phase int) (int, error) {
	args := m.Called(ctx, phase)
	return args.Int(0), args.Error(1)
}
func (m *mockWarmupLimitRepo) Seed(ctx context.Context, limits []*models.WarmupDailyLimit) error {
	args := m.Called(ctx, limits)
	return args.Error(0)
}

type mockLedgerRepo struct{ mock.Mock }

func (m *mockLedgerRepo) DailyCounter(ctx context.Context, accountID primitive.ObjectID, kind models.ActionKind, date string) (int, error) {
	args := m.Called(ctx, accountID, kind, date)
	return args.Int(0), args.Error(1)
}
func (m *mockLedgerRepo) TryIncrement(ctx context.Context, accountID primitive.ObjectID, kind models.ActionKind, date string, limit int) (bool, error) {
	args := m.Called(ctx, accountID, kind, date, limit)
	return args.Bool(0), args.Error(1)
}
func (m *mockLedgerRepo) CompactBefore(ctx context.Context, cutoffDate string) (int64, error) {
	args := m.Called(ctx, cutoffDate)
	return args.Get(0).(int64), args.Error(1)
}

type mockActionRepo struct{ mock.Mock }

func (m *mockActionRepo) Append(ctx context.Context, record *models.ActionRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}
func (m *mockActionRepo) GetByID(ctx context.Context, id primitive.ObjectID) (*models.ActionRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*models.ActionRecord)
	return rec, args.Error(1)
}
func (m *mockActionRepo) ApplyOutcome(ctx context.Context, id primitive.ObjectID, gotReply bool, replyCount int) (bool, error) {
	args := m.Called(ctx, id, gotReply, replyCount)
	return args.Bool(0), args.Error(1)
}
func (m *mockActionRepo) ListInFlight(ctx context.Context, accountID primitive.ObjectID) ([]*models.ActionRecord, error) {
	args := m.Called(ctx, accountID)
	recs, _ := args.Get(0).([]*models.ActionRecord)
	return recs, args.Error(1)
}
func (m *mockActionRepo) MarkErrored(ctx context.Context, id primitive.ObjectID, kind models.ErrorKind) error {
	args := m.Called(ctx, id, kind)
	return args.Error(0)
}
func (m *mockActionRepo) CountByOutcomeSince(ctx context.Context, accountID primitive.ObjectID, since time.Time) (map[models.ActionOutcome]int64, error) {
	args := m.Called(ctx, accountID, since)
	counts, _ := args.Get(0).(map[models.ActionOutcome]int64)
	return counts, args.Error(1)
}
func (m *mockActionRepo) RecentErrors(ctx context.Context, since time.Time, limit int) ([]*models.ActionRecord, error) {
	args := m.Called(ctx, since, limit)
	recs, _ := args.Get(0).([]*models.ActionRecord)
	return recs, args.Error(1)
}
func (m *mockActionRepo) CountAllByOutcomeSince(ctx context.Context, since time.Time) (map[models.ActionOutcome]int64, error) {
	args := m.Called(ctx, since)
	counts, _ := args.Get(0).(map[models.ActionOutcome]int64)
	return counts, args.Error(1)
}
func (m *mockActionRepo) ListRecentByAccount(ctx context.Context, accountID primitive.ObjectID, limit int) ([]*models.ActionRecord, error) {
	args := m.Called(ctx, accountID, limit)
	recs, _ := args.Get(0).([]*models.ActionRecord)
	return recs, args.Error(1)
}

type mockStrategyRepo struct{ mock.Mock }

func (m *mockStrategyRepo) Get(ctx context.Context, ctxKey models.StrategyContext, strategy models.Strategy) (*models.StrategyEffectiveness, error) {
	args := m.Called(ctx, ctxKey, strategy)
	eff, _ := args.Get(0).(*models.StrategyEffectiveness)
	return eff, args.Error(1)
}
func (m *mockStrategyRepo) ListForContext(ctx context.Context, ctxKey models.StrategyContext) ([]*models.StrategyEffectiveness, error) {
	args := m.Called(ctx, ctxKey)
	rows, _ := args.Get(0).([]*models.StrategyEffectiveness)
	return rows, args.Error(1)
}
func (m *mockStrategyRepo) RecordOutcome(ctx context.Context, ctxKey models.StrategyContext, strategy models.Strategy, reward, score float64) error {
	args := m.Called(ctx, ctxKey, strategy, reward, score)
	return args.Error(0)
}

// -- dispatcher-facing capability mocks --

type mockPostClaims struct{ mock.Mock }

func (m *mockPostClaims) ListClaimable(ctx context.Context, channel string, limit int) ([]*models.PostObservation, error) {
	args := m.Called(ctx, channel, limit)
	posts, _ := args.Get(0).([]*models.PostObservation)
	return posts, args.Error(1)
}
func (m *mockPostClaims) Claim(ctx context.Context, post *models.PostObservation, accountID primitive.ObjectID) (bool, error) {
	args := m.Called(ctx, post, accountID)
	return args.Bool(0), args.Error(1)
}

type mockSession struct{ mock.Mock }

func (m *mockSession) SendComment(ctx context.Context, accountID primitive.ObjectID, channel string, postID int64, text string) (int64, error) {
	args := m.Called(ctx, accountID, channel, postID, text)
	return args.Get(0).(int64), args.Error(1)
}
func (m *mockSession) ViewStory(ctx context.Context, accountID primitive.ObjectID, owner string, storyID int64) error {
	args := m.Called(ctx, accountID, owner, storyID)
	return args.Error(0)
}
func (m *mockSession) React(ctx context.Context, accountID primitive.ObjectID, target, emoji string) error {
	args := m.Called(ctx, accountID, target, emoji)
	return args.Error(0)
}
func (m *mockSession) Subscribe(ctx context.Context, accountID primitive.ObjectID, channel string) error {
	args := m.Called(ctx, accountID, channel)
	return args.Error(0)
}
func (m *mockSession) SendDirect(ctx context.Context, accountID primitive.ObjectID, peer, text string) error {
	args := m.Called(ctx, accountID, peer, text)
	return args.Error(0)
}
func (m *mockSession) PublishPost(ctx context.Context, accountID primitive.ObjectID, channel, text string) (int64, error) {
	args := m.Called(ctx, accountID, channel, text)
	return args.Get(0).(int64), args.Error(1)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(exchange, routingKey string, message interface{}) error {
	args := m.Called(exchange, routingKey, message)
	return args.Error(0)
}

// -- test suite --

type DispatcherTestSuite struct {
	suite.Suite
	ctx context.Context

	accountRepo *mockAccountRepo
	channelRepo *mockChannelRepo
	limitRepo   *mockWarmupLimitRepo
	ledgerRepo  *mockLedgerRepo
	actionRepo  *mockActionRepo
	strategyRepo *mockStrategyRepo
	posts       *mockPostClaims
	session     *mockSession
	pub         *mockPublisher
	gen         *textgen.FakeGenerator

	cfg  *config.Config
	d    *Dispatcher
	acct *models.Account
}

func TestDispatcherTestSuite(t *testing.T) {
	suite.Run(t, new(DispatcherTestSuite))
}

func (s *DispatcherTestSuite) SetupTest() {
	s.ctx = context.Background()

	s.accountRepo = new(mockAccountRepo)
	s.channelRepo = new(mockChannelRepo)
	s.limitRepo = new(mockWarmupLimitRepo)
	s.ledgerRepo = new(mockLedgerRepo)
	s.actionRepo = new(mockActionRepo)
	s.strategyRepo = new(mockStrategyRepo)
	s.posts = new(mockPostClaims)
	s.session = new(mockSession)
	s.pub = new(mockPublisher)
	s.gen = textgen.NewFakeGenerator()

	s.cfg = &config.Config{}
	s.cfg.Strategy.Epsilon = 0
	s.cfg.Strategy.ColdStartThreshold = 5
	s.cfg.ReplyPoller.WindowMinutes = 30
	log := logger.New("error", "text")

	accounts := accountstore.New(s.accountRepo, log)
	planner := warmup.New(s.accountRepo, s.limitRepo, ledger.New(s.ledgerRepo, log), s.cfg, log)
	oracle := strategy.New(s.strategyRepo, s.cfg, log)
	m := metrics.New(prometheus.NewRegistry())

	s.d = New(accounts, s.channelRepo, s.posts, planner, ledger.New(s.ledgerRepo, log), oracle, s.gen, s.session, s.actionRepo, s.pub, m, s.cfg, log)

	s.acct = &models.Account{
		ID:       primitive.NewObjectID(),
		Segment:  models.SegmentZozh,
		Status:   models.AccountStatusActive,
		Timezone: "UTC",
	}
}

func (s *DispatcherTestSuite) budgetCommentOnly() *warmup.ActionBudget {
	return &warmup.ActionBudget{
		Quotas: map[models.ActionKind]int{
			models.ActionKindComment:    5,
			models.ActionKindReaction:   0,
			models.ActionKindSubscribe:  0,
			models.ActionKindStoryView:  0,
			models.ActionKindStoryReact: 0,
			models.ActionKindMessage:    0,
			models.ActionKindPost:       0,
		},
		MinDelay: time.Millisecond,
		MaxDelay: 2 * time.Millisecond,
	}
}

func (s *DispatcherTestSuite) TestChooseKind_NoEligibleKindReturnsFalse() {
	budget := &warmup.ActionBudget{Quotas: map[models.ActionKind]int{}}
	s.ledgerRepo.On("DailyCounter", s.ctx, s.acct.ID, mock.Anything, mock.Anything).Return(0, nil)

	_, ok := s.d.chooseKind(s.ctx, s.acct, budget)
	s.False(ok)
}

func (s *DispatcherTestSuite) TestChooseKind_PicksOnlyEligibleKind() {
	budget := s.budgetCommentOnly()
	s.ledgerRepo.On("DailyCounter", s.ctx, s.acct.ID, mock.Anything, mock.Anything).Return(0, nil)

	kind, ok := s.d.chooseKind(s.ctx, s.acct, budget)
	s.True(ok)
	s.Equal(models.ActionKindComment, kind)
}

func (s *DispatcherTestSuite) TestRunCycle_CommentSuccessPublishesOutcomePending() {
	budget := s.budgetCommentOnly()
	s.ledgerRepo.On("DailyCounter", s.ctx, s.acct.ID, mock.Anything, mock.Anything).Return(0, nil)

	channel := &models.TargetChannel{Username: "healthchan", Segment: models.SegmentZozh, Active: true}
	s.channelRepo.On("ListActive", s.ctx, models.SegmentZozh).Return([]*models.TargetChannel{channel}, nil)

	post := &models.PostObservation{Channel: "healthchan", TelegramMsgID: 42, TopicTag: "fitness"}
	s.posts.On("ListClaimable", s.ctx, "healthchan", 5).Return([]*models.PostObservation{post}, nil)
	s.posts.On("Claim", s.ctx, post, s.acct.ID).Return(true, nil)

	s.strategyRepo.On("ListForContext", s.ctx, mock.Anything).Return([]*models.StrategyEffectiveness{}, nil)

	s.ledgerRepo.On("TryIncrement", s.ctx, s.acct.ID, models.ActionKindComment, mock.Anything, 5).Return(true, nil)

	s.session.On("SendComment", s.ctx, s.acct.ID, "healthchan", int64(42), mock.Anything).Return(int64(777), nil)

	s.actionRepo.On("Append", s.ctx, mock.Anything).Return(nil)
	s.accountRepo.On("TouchLastActivity", s.ctx, s.acct.ID, mock.Anything).Return(nil)
	s.pub.On("Publish", dispatcherEventsExchange, outcomePendingKey, mock.Anything).Return(nil)

	executed, fatal := s.d.runCycle(s.ctx, s.acct, budget)
	s.Require().NoError(fatal)
	s.True(executed)

	s.pub.AssertExpectations(s.T())
	s.session.AssertExpectations(s.T())
}

func (s *DispatcherTestSuite) TestRunCycle_LedgerDeniedDropsAction() {
	budget := s.budgetCommentOnly()
	s.ledgerRepo.On("DailyCounter", s.ctx, s.acct.ID, mock.Anything, mock.Anything).Return(0, nil)

	channel := &models.TargetChannel{Username: "healthchan", Segment: models.SegmentZozh, Active: true}
	s.channelRepo.On("ListActive", s.ctx, models.SegmentZozh).Return([]*models.TargetChannel{channel}, nil)

	post := &models.PostObservation{Channel: "healthchan", TelegramMsgID: 42, TopicTag: "fitness"}
	s.posts.On("ListClaimable", s.ctx, "healthchan", 5).Return([]*models.PostObservation{post}, nil)
	s.posts.On("Claim", s.ctx, post, s.acct.ID).Return(true, nil)

	s.strategyRepo.On("ListForContext", s.ctx, mock.Anything).Return([]*models.StrategyEffectiveness{}, nil)

	s.ledgerRepo.On("TryIncrement", s.ctx, s.acct.ID, models.ActionKindComment, mock.Anything, 5).Return(false, nil)

	executed, fatal := s.d.runCycle(s.ctx, s.acct, budget)
	s.Require().NoError(fatal)
	s.False(executed)

	s.session.AssertNotCalled(s.T(), "SendComment", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	s.actionRepo.AssertNotCalled(s.T(), "Append", mock.Anything, mock.Anything)
}

func (s *DispatcherTestSuite) TestHandleExecError_FloodWaitLongParksAccountInCooldown() {
	s.actionRepo.On("Append", s.ctx, mock.Anything).Return(nil)
	s.accountRepo.On("Transition", s.ctx, s.acct.ID, models.AccountStatusActive, models.AccountStatusPaused).Return(true, nil)
	s.accountRepo.On("SetCooldown", s.ctx, s.acct.ID, mock.Anything).Return(nil)

	record := &models.ActionRecord{AccountID: s.acct.ID, Kind: models.ActionKindComment}
	execErr := models.NewFloodWaitLongError("flood_wait", 3600)

	executed, fatal := s.d.handleExecError(s.ctx, s.acct, record, execErr)
	s.True(executed)
	s.Require().NoError(fatal)
	s.Equal(models.ActionOutcomeFloodWait, record.Outcome)
	s.Equal(models.AccountStatusPaused, s.acct.Status)
	s.True(s.acct.CooldownUntil.After(time.Now()))

	s.accountRepo.AssertExpectations(s.T())
}

func (s *DispatcherTestSuite) TestHandleExecError_BannedErrorStopsAccount() {
	s.actionRepo.On("Append", s.ctx, mock.Anything).Return(nil)
	s.accountRepo.On("MarkBanned", s.ctx, s.acct.ID, mock.Anything).Return(nil)

	record := &models.ActionRecord{AccountID: s.acct.ID, Kind: models.ActionKindComment}
	execErr := models.NewBannedError("account_banned")

	executed, fatal := s.d.handleExecError(s.ctx, s.acct, record, execErr)
	s.False(executed)
	s.Require().Error(fatal)
	s.Equal(models.ActionOutcomeBlocked, record.Outcome)
	s.Equal(models.AccountStatusBanned, s.acct.Status)

	s.accountRepo.AssertExpectations(s.T())
}

func (s *DispatcherTestSuite) TestInQuietHours_SpansMidnight() {
	s.True(inQuietHours(23, 7, 1))
	s.False(inQuietHours(23, 7, 12))
	s.True(inQuietHours(1, 6, 2))
	s.False(inQuietHours(1, 6, 8))
	s.False(inQuietHours(5, 5, 5))
}
