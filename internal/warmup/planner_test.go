package warmup

import (
	"context"
	"testing"
	"time"

	"trafficengine/internal/config"
	"trafficengine/internal/models"
	"trafficengine/pkg/logger"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type mockAccountRepo struct {
	mock.Mock
}

func (m *mockAccountRepo) Create(ctx context.Context, account *models.Account) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *mockAccountRepo) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Account, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func (m *mockAccountRepo) ListByStatus(ctx context.Context, status models.AccountStatus, segment models.Segment) ([]*models.Account, error) {
	args := m.Called(ctx, status, segment)
	return args.Get(0).([]*models.Account), args.Error(1)
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

func (m *mockAccountRepo) SetProxy(ctx context.Context, id, proxyID primitive.ObjectID) error {
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

type mockWarmupLimitRepo struct {
	mock.Mock
}

func (m *mockWarmupLimitRepo) Get(ctx context.Context, phase, dayInPhase int) (*models.WarmupDailyLimit, error) {
	args := m.Called(ctx, phase, dayInPhase)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WarmupDailyLimit), args.Error(1)
}

func (m *mockWarmupLimitRepo) PhaseLength(ctx context.Context, phase int) (int, error) {
	args := m.Called(ctx, phase)
	return args.Int(0), args.Error(1)
}

func (m *mockWarmupLimitRepo) Seed(ctx context.Context, limits []*models.WarmupDailyLimit) error {
	args := m.Called(ctx, limits)
	return args.Error(0)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Now() time.Time { return time.Now() }

func (m *mockLedger) DailyCounter(ctx context.Context, accountID primitive.ObjectID, kind models.ActionKind, loc *time.Location) (int, error) {
	args := m.Called(ctx, accountID, kind, loc)
	return args.Int(0), args.Error(1)
}

func (m *mockLedger) TryIncrement(ctx context.Context, accountID primitive.ObjectID, kind models.ActionKind, limit int, loc *time.Location) (bool, error) {
	args := m.Called(ctx, accountID, kind, limit, loc)
	return args.Bool(0), args.Error(1)
}

func (m *mockLedger) Compact(ctx context.Context, olderThan time.Duration) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

type PlannerTestSuite struct {
	suite.Suite
	ctx      context.Context
	accounts *mockAccountRepo
	limits   *mockWarmupLimitRepo
	ledgerM  *mockLedger
	cfg      *config.Config
	planner  *Planner
}

func (s *PlannerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.accounts = new(mockAccountRepo)
	s.limits = new(mockWarmupLimitRepo)
	s.ledgerM = new(mockLedger)
	s.cfg = &config.Config{}
	s.cfg.QuietHours.Start = 23
	s.cfg.QuietHours.End = 8
	s.planner = New(s.accounts, s.limits, s.ledgerM, s.cfg, logger.New("error", "text"))
}

func TestPlannerTestSuite(t *testing.T) {
	suite.Run(t, new(PlannerTestSuite))
}

func (s *PlannerTestSuite) TestBuildBudget_UsesFleetQuietHoursWhenNoOverride() {
	account := &models.Account{ID: primitive.NewObjectID(), Phase: 1, DayInPhase: 1, Timezone: "UTC"}
	limit := &models.WarmupDailyLimit{Phase: 1, DayInPhase: 1, MaxMessages: 2, MaxReactions: 3, MinDelaySeconds: 60, MaxDelaySeconds: 120}
	s.limits.On("Get", s.ctx, 1, 1).Return(limit, nil)

	budget, err := s.planner.BuildBudget(s.ctx, account)
	s.Require().NoError(err)
	s.Equal(23, budget.QuietHoursStart)
	s.Equal(8, budget.QuietHoursEnd)
	s.Equal(2, budget.Quotas[models.ActionKindMessage])
}

func (s *PlannerTestSuite) TestBuildBudget_AccountOverrideWins() {
	start, end := 22, 7
	account := &models.Account{ID: primitive.NewObjectID(), Phase: 1, DayInPhase: 1, Timezone: "UTC", QuietHoursStart: &start, QuietHoursEnd: &end}
	limit := &models.WarmupDailyLimit{Phase: 1, DayInPhase: 1}
	s.limits.On("Get", s.ctx, 1, 1).Return(limit, nil)

	budget, err := s.planner.BuildBudget(s.ctx, account)
	s.Require().NoError(err)
	s.Equal(22, budget.QuietHoursStart)
	s.Equal(7, budget.QuietHoursEnd)
}

func (s *PlannerTestSuite) TestAdvanceIfNewDay_NoopSameDay() {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	account := &models.Account{ID: primitive.NewObjectID(), Phase: 1, DayInPhase: 2, Timezone: "UTC", LastActivityAt: now.Add(-2 * time.Hour)}

	err := s.planner.AdvanceIfNewDay(s.ctx, account, now)
	s.Require().NoError(err)
	s.Equal(2, account.DayInPhase)
	s.accounts.AssertNotCalled(s.T(), "AdvanceWarmup")
}

func (s *PlannerTestSuite) TestAdvanceIfNewDay_AdvancesDayWithinPhase() {
	lastActivity := time.Date(2026, 7, 30, 23, 0, 0, 0, time.UTC)
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	account := &models.Account{ID: primitive.NewObjectID(), Phase: 1, DayInPhase: 1, Timezone: "UTC", LastActivityAt: lastActivity}

	s.limits.On("PhaseLength", s.ctx, 1).Return(3, nil)
	s.accounts.On("AdvanceWarmup", s.ctx, account.ID, 1, 2, false).Return(nil)

	err := s.planner.AdvanceIfNewDay(s.ctx, account, now)
	s.Require().NoError(err)
	s.Equal(1, account.Phase)
	s.Equal(2, account.DayInPhase)
	s.False(account.WarmupCompleted)
}

func (s *PlannerTestSuite) TestAdvanceIfNewDay_RollsIntoNextPhase() {
	lastActivity := time.Date(2026, 7, 30, 23, 0, 0, 0, time.UTC)
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	account := &models.Account{ID: primitive.NewObjectID(), Phase: 1, DayInPhase: 3, Timezone: "UTC", LastActivityAt: lastActivity}

	s.limits.On("PhaseLength", s.ctx, 1).Return(3, nil)
	s.accounts.On("AdvanceWarmup", s.ctx, account.ID, 2, 1, false).Return(nil)

	err := s.planner.AdvanceIfNewDay(s.ctx, account, now)
	s.Require().NoError(err)
	s.Equal(2, account.Phase)
	s.Equal(1, account.DayInPhase)
}

func (s *PlannerTestSuite) TestAdvanceIfNewDay_CompletesAfterFinalPhase() {
	lastActivity := time.Date(2026, 7, 30, 23, 0, 0, 0, time.UTC)
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	account := &models.Account{ID: primitive.NewObjectID(), Phase: models.WarmupPhaseCount, DayInPhase: 3, Timezone: "UTC", LastActivityAt: lastActivity}

	s.limits.On("PhaseLength", s.ctx, models.WarmupPhaseCount).Return(3, nil)
	s.accounts.On("AdvanceWarmup", s.ctx, account.ID, models.WarmupPhaseCount, 4, true).Return(nil)

	err := s.planner.AdvanceIfNewDay(s.ctx, account, now)
	s.Require().NoError(err)
	s.True(account.WarmupCompleted)
}

func (s *PlannerTestSuite) TestRemainingToday_FloorsAtZero() {
	account := &models.Account{ID: primitive.NewObjectID(), Timezone: "UTC"}
	budget := &ActionBudget{Quotas: map[models.ActionKind]int{models.ActionKindComment: 5}}

	s.ledgerM.On("DailyCounter", s.ctx, account.ID, models.ActionKindComment, time.UTC).Return(9, nil)

	remaining, err := s.planner.RemainingToday(s.ctx, account, budget, models.ActionKindComment)
	s.Require().NoError(err)
	s.Equal(0, remaining)
}

func TestJitteredDelay_WithinExpandedRange(t *testing.T) {
	budget := &ActionBudget{MinDelay: 10 * time.Second, MaxDelay: 20 * time.Second}
	for i := 0; i < 50; i++ {
		d := JitteredDelay(budget)
		if d < 0 || d > 24*time.Second {
			t.Fatalf("jittered delay %s out of expected bounds", d)
		}
	}
}
