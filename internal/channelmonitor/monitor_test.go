package channelmonitor

import (
	"context"
	"testing"
	"time"

	"trafficengine/internal/config"
	"trafficengine/internal/metrics"
	"trafficengine/internal/models"
	"trafficengine/internal/telegramclient"
	"trafficengine/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestClassifyTopic(t *testing.T) {
	cases := map[string]string{
		"Quick morning workout and detox smoothie":     "health",
		"Toddler refused school again today":           "parenting",
		"Our startup just closed a new investor round": "business",
		"Studying for the university exam all night":   "study",
		"nothing relevant in here at all":               "general",
	}

	for text, want := range cases {
		if got := ClassifyTopic(text); got != want {
			t.Errorf("ClassifyTopic(%q) = %q, want %q", text, got, want)
		}
	}
}

type mockChannelRepo struct{ mock.Mock }

func (m *mockChannelRepo) ListActive(ctx context.Context, segment models.Segment) ([]*models.TargetChannel, error) {
	args := m.Called(ctx, segment)
	return args.Get(0).([]*models.TargetChannel), args.Error(1)
}
func (m *mockChannelRepo) Upsert(ctx context.Context, channel *models.TargetChannel) error {
	args := m.Called(ctx, channel)
	return args.Error(0)
}
func (m *mockChannelRepo) Deactivate(ctx context.Context, username string) error {
	args := m.Called(ctx, username)
	return args.Error(0)
}

type mockPostRepo struct{ mock.Mock }

func (m *mockPostRepo) Upsert(ctx context.Context, channel string, telegramMsgID int64, seenAt time.Time, topicTag string) (*models.PostObservation, bool, error) {
	args := m.Called(ctx, channel, telegramMsgID, seenAt, topicTag)
	return args.Get(0).(*models.PostObservation), args.Bool(1), args.Error(2)
}
func (m *mockPostRepo) Claim(ctx context.Context, postID, accountID primitive.ObjectID) (bool, error) {
	args := m.Called(ctx, postID, accountID)
	return args.Bool(0), args.Error(1)
}
func (m *mockPostRepo) ListClaimable(ctx context.Context, channel string, horizon time.Duration, limit int) ([]*models.PostObservation, error) {
	args := m.Called(ctx, channel, horizon, limit)
	return args.Get(0).([]*models.PostObservation), args.Error(1)
}

type mockFetcher struct{ mock.Mock }

func (m *mockFetcher) FetchNewPosts(ctx context.Context, accountID primitive.ObjectID, channel string, since time.Time) ([]telegramclient.Post, error) {
	args := m.Called(ctx, accountID, channel, since)
	return args.Get(0).([]telegramclient.Post), args.Error(1)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(exchange, routingKey string, message interface{}) error {
	args := m.Called(exchange, routingKey, message)
	return args.Error(0)
}

type MonitorTestSuite struct {
	suite.Suite
	ctx       context.Context
	channels  *mockChannelRepo
	posts     *mockPostRepo
	fetcher   *mockFetcher
	publisher *mockPublisher
	cfg       *config.Config
	reader    primitive.ObjectID
	monitor   *Monitor
}

func (s *MonitorTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.channels = new(mockChannelRepo)
	s.posts = new(mockPostRepo)
	s.fetcher = new(mockFetcher)
	s.publisher = new(mockPublisher)
	s.cfg = &config.Config{}
	s.cfg.ChannelMonitor.ClaimHorizonSeconds = 1800
	s.cfg.ChannelMonitor.PollIntervalSeconds = 30
	s.reader = primitive.NewObjectID()
	s.monitor = New(s.channels, s.posts, s.fetcher, s.publisher, metrics.New(prometheus.NewRegistry()), s.cfg, logger.New("error", "text"), s.reader)
}

func TestMonitorTestSuite(t *testing.T) {
	suite.Run(t, new(MonitorTestSuite))
}

func (s *MonitorTestSuite) TestPollOnce_PublishesOnlyForFreshlyCreatedObservations() {
	channel := &models.TargetChannel{Username: "zozh_channel"}
	s.channels.On("ListActive", s.ctx, models.Segment("")).Return([]*models.TargetChannel{channel}, nil)

	postedAt := time.Now()
	posts := []telegramclient.Post{{MessageID: 42, Text: "detox and fitness tips", PostedAt: postedAt}}
	s.fetcher.On("FetchNewPosts", s.ctx, s.reader, "zozh_channel", mock.Anything).Return(posts, nil)

	observation := &models.PostObservation{ID: primitive.NewObjectID(), Channel: "zozh_channel", TelegramMsgID: 42, SeenAt: postedAt, TopicTag: "health"}
	s.posts.On("Upsert", s.ctx, "zozh_channel", int64(42), postedAt, "health").Return(observation, true, nil)

	s.publisher.On("Publish", channelEventsExchange, postObservedKey, mock.MatchedBy(func(event interface{}) bool {
		e, ok := event.(NewPostEvent)
		return ok && e.Channel == "zozh_channel" && e.TopicTag == "health"
	})).Return(nil)

	err := s.monitor.pollOnce(s.ctx)
	s.Require().NoError(err)
	s.publisher.AssertExpectations(s.T())
}

func (s *MonitorTestSuite) TestPollOnce_SkipsPublishWhenAlreadySeen() {
	channel := &models.TargetChannel{Username: "zozh_channel"}
	s.channels.On("ListActive", s.ctx, models.Segment("")).Return([]*models.TargetChannel{channel}, nil)

	postedAt := time.Now()
	posts := []telegramclient.Post{{MessageID: 42, Text: "detox tips", PostedAt: postedAt}}
	s.fetcher.On("FetchNewPosts", s.ctx, s.reader, "zozh_channel", mock.Anything).Return(posts, nil)

	observation := &models.PostObservation{ID: primitive.NewObjectID(), Channel: "zozh_channel", TelegramMsgID: 42, SeenAt: postedAt, TopicTag: "health"}
	s.posts.On("Upsert", s.ctx, "zozh_channel", int64(42), postedAt, "health").Return(observation, false, nil)

	err := s.monitor.pollOnce(s.ctx)
	s.Require().NoError(err)
	s.publisher.AssertNotCalled(s.T(), "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func (s *MonitorTestSuite) TestClaim_RejectsPostPastHorizon() {
	stale := &models.PostObservation{
		ID:     primitive.NewObjectID(),
		SeenAt: time.Now().Add(-2 * time.Hour),
	}

	ok, err := s.monitor.Claim(s.ctx, stale, primitive.NewObjectID())
	s.Require().NoError(err)
	s.False(ok)
	s.posts.AssertNotCalled(s.T(), "Claim", mock.Anything, mock.Anything, mock.Anything)
}

func (s *MonitorTestSuite) TestClaim_DelegatesWithinHorizon() {
	fresh := &models.PostObservation{ID: primitive.NewObjectID(), SeenAt: time.Now()}
	accountID := primitive.NewObjectID()
	s.posts.On("Claim", s.ctx, fresh.ID, accountID).Return(true, nil)

	ok, err := s.monitor.Claim(s.ctx, fresh, accountID)
	s.Require().NoError(err)
	s.True(ok)
}
