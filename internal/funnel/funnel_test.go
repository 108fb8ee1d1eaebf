package funnel

import (
	"context"
	"testing"
	"time"

	"trafficengine/internal/config"
	"trafficengine/internal/metrics"
	"trafficengine/internal/models"
	"trafficengine/internal/telegramclient"
	"trafficengine/internal/textgen"
	"trafficengine/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type mockInviteRepo struct{ mock.Mock }

func (m *mockInviteRepo) Create(ctx context.Context, invite *models.InviteLink) error {
	args := m.Called(ctx, invite)
	return args.Error(0)
}
func (m *mockInviteRepo) GetByHash(ctx context.Context, hash string) (*models.InviteLink, error) {
	args := m.Called(ctx, hash)
	invite, _ := args.Get(0).(*models.InviteLink)
	return invite, args.Error(1)
}
func (m *mockInviteRepo) GetActiveExpiring(ctx context.Context, now time.Time) ([]*models.InviteLink, error) {
	args := m.Called(ctx, now)
	links, _ := args.Get(0).([]*models.InviteLink)
	return links, args.Error(1)
}
func (m *mockInviteRepo) GetPastAutoDelete(ctx context.Context, now time.Time) ([]*models.InviteLink, error) {
	args := m.Called(ctx, now)
	links, _ := args.Get(0).([]*models.InviteLink)
	return links, args.Error(1)
}
func (m *mockInviteRepo) Expire(ctx context.Context, id primitive.ObjectID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *mockInviteRepo) Revoke(ctx context.Context, id primitive.ObjectID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *mockInviteRepo) RecordJoin(ctx context.Context, id primitive.ObjectID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}
func (m *mockInviteRepo) MarkAutoDeleted(ctx context.Context, id primitive.ObjectID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type mockConversionRepo struct{ mock.Mock }

func (m *mockConversionRepo) Create(ctx context.Context, conversion *models.FunnelConversion) error {
	args := m.Called(ctx, conversion)
	return args.Error(0)
}
func (m *mockConversionRepo) SetVerified(ctx context.Context, id primitive.ObjectID, verified bool) error {
	args := m.Called(ctx, id, verified)
	return args.Error(0)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) CreateInviteLink(ctx context.Context, accountID primitive.ObjectID, channel string, expire time.Time, limit int) (*telegramclient.Invite, error) {
	args := m.Called(ctx, accountID, channel, expire, limit)
	invite, _ := args.Get(0).(*telegramclient.Invite)
	return invite, args.Error(1)
}
func (m *mockPublisher) PublishPost(ctx context.Context, accountID primitive.ObjectID, channel, text string) (int64, error) {
	args := m.Called(ctx, accountID, channel, text)
	return args.Get(0).(int64), args.Error(1)
}
func (m *mockPublisher) DeleteMessage(ctx context.Context, accountID primitive.ObjectID, channel string, messageID int64) error {
	args := m.Called(ctx, accountID, channel, messageID)
	return args.Error(0)
}

type FunnelTestSuite struct {
	suite.Suite
	ctx         context.Context
	invites     *mockInviteRepo
	conversions *mockConversionRepo
	publisher   *mockPublisher
	mgr         *Manager
}

func TestFunnelTestSuite(t *testing.T) {
	suite.Run(t, new(FunnelTestSuite))
}

func (s *FunnelTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.invites = new(mockInviteRepo)
	s.conversions = new(mockConversionRepo)
	s.publisher = new(mockPublisher)

	cfg := &config.Config{}
	cfg.Invite.DefaultExpireHours = 2
	cfg.Invite.DefaultUsageLimit = 25
	cfg.Invite.SweepIntervalSeconds = 60

	s.mgr = New(s.invites, s.conversions, s.publisher, textgen.NewFakeGenerator(), metrics.New(prometheus.NewRegistry()), cfg, logger.New("error", "text"))
}

func (s *FunnelTestSuite) TestPublishTeaser_CreatesInviteAndPublishesPost() {
	accountID := primitive.NewObjectID()
	s.publisher.On("CreateInviteLink", s.ctx, accountID, "vip_channel", mock.Anything, 25).
		Return(&telegramclient.Invite{URL: "https://t.me/+abc", Hash: "abc"}, nil)
	s.publisher.On("PublishPost", s.ctx, accountID, "public_channel", mock.Anything).Return(int64(55), nil)
	s.invites.On("Create", s.ctx, mock.MatchedBy(func(l *models.InviteLink) bool {
		return l.InviteHash == "abc" && l.TeaserPostRef == "public_channel:55" && l.PublishedBy == accountID
	})).Return(nil)

	link, err := s.mgr.PublishTeaser(s.ctx, accountID, "public_channel", "vip_channel", models.SegmentZozh)
	s.Require().NoError(err)
	s.Equal("abc", link.InviteHash)
	s.Equal("public_channel:55", link.TeaserPostRef)

	s.publisher.AssertExpectations(s.T())
	s.invites.AssertExpectations(s.T())
}

func (s *FunnelTestSuite) TestSweep_ExpiresAndDeletesPastDue() {
	now := time.Now()
	expiring := &models.InviteLink{ID: primitive.NewObjectID(), Status: models.InviteStatusActive}
	pastDelete := &models.InviteLink{
		ID: primitive.NewObjectID(), PublishedBy: primitive.NewObjectID(),
		TeaserPostRef: "public_channel:99",
	}

	s.invites.On("GetActiveExpiring", s.ctx, mock.Anything).Return([]*models.InviteLink{expiring}, nil)
	s.invites.On("Expire", s.ctx, expiring.ID).Return(nil)
	s.invites.On("GetPastAutoDelete", s.ctx, mock.Anything).Return([]*models.InviteLink{pastDelete}, nil)
	s.publisher.On("DeleteMessage", s.ctx, pastDelete.PublishedBy, "public_channel", int64(99)).Return(nil)
	s.invites.On("MarkAutoDeleted", s.ctx, pastDelete.ID).Return(nil)

	s.mgr.Sweep(s.ctx)
	_ = now

	s.invites.AssertExpectations(s.T())
	s.publisher.AssertExpectations(s.T())
}

func (s *FunnelTestSuite) TestHandleMembershipUpdate_AttributesJoinToActiveInvite() {
	invite := &models.InviteLink{
		ID: primitive.NewObjectID(), InviteHash: "abc",
		Status: models.InviteStatusActive, ExpireDate: time.Now().Add(time.Hour), UsageLimit: 25,
	}
	event := MembershipUpdateEvent{ChannelUsername: "vip_channel", UserID: "user1", InviteHash: "abc", JoinedAt: time.Now()}

	s.invites.On("GetByHash", s.ctx, "abc").Return(invite, nil)
	s.invites.On("RecordJoin", s.ctx, invite.ID).Return(true, nil)
	s.conversions.On("Create", s.ctx, mock.MatchedBy(func(c *models.FunnelConversion) bool {
		return c.InviteLinkID == invite.ID && c.UserID == "user1"
	})).Return(nil)

	err := s.mgr.HandleMembershipUpdate(s.ctx, event)
	s.Require().NoError(err)

	s.conversions.AssertExpectations(s.T())
}

func (s *FunnelTestSuite) TestHandleMembershipUpdate_DropsJoinForExpiredInvite() {
	invite := &models.InviteLink{
		ID: primitive.NewObjectID(), InviteHash: "abc",
		Status: models.InviteStatusExpired, ExpireDate: time.Now().Add(-time.Hour), UsageLimit: 25,
	}
	event := MembershipUpdateEvent{ChannelUsername: "vip_channel", UserID: "user1", InviteHash: "abc", JoinedAt: time.Now()}

	s.invites.On("GetByHash", s.ctx, "abc").Return(invite, nil)

	err := s.mgr.HandleMembershipUpdate(s.ctx, event)
	s.Require().NoError(err)

	s.conversions.AssertNotCalled(s.T(), "Create", mock.Anything, mock.Anything)
	s.invites.AssertNotCalled(s.T(), "RecordJoin", mock.Anything, mock.Anything)
}

func (s *FunnelTestSuite) TestHandleMembershipUpdate_DropsJoinForUnknownHash() {
	event := MembershipUpdateEvent{ChannelUsername: "vip_channel", UserID: "user1", InviteHash: "missing", JoinedAt: time.Now()}
	s.invites.On("GetByHash", s.ctx, "missing").Return(nil, nil)

	err := s.mgr.HandleMembershipUpdate(s.ctx, event)
	s.Require().NoError(err)
	s.conversions.AssertNotCalled(s.T(), "Create", mock.Anything, mock.Anything)
}

func (s *FunnelTestSuite) TestParseTeaserRef_RoundTrips() {
	channel, id, ok := parseTeaserRef(teaserRef("mychan", 42))
	s.True(ok)
	s.Equal("mychan", channel)
	s.Equal(int64(42), id)

	_, _, ok = parseTeaserRef("malformed")
	s.False(ok)
}
