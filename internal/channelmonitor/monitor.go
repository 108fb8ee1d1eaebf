package channelmonitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trafficengine/internal/config"
	"trafficengine/internal/metrics"
	"trafficengine/internal/models"
	"trafficengine/internal/repository"
	"trafficengine/internal/telegramclient"
	"trafficengine/pkg/logger"
	"trafficengine/pkg/messaging"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PostFetcher is the narrow capability the monitor needs from the session
// layer; *session.Registry satisfies it.
type PostFetcher interface {
	FetchNewPosts(ctx context.Context, accountID primitive.ObjectID, channel string, since time.Time) ([]telegramclient.Post, error)
}

const (
	channelEventsExchange = "channel.events"
	postObservedKey       = "post.observed"
)

// NewPostEvent is published once per freshly observed post, after
// deduplication but before any account has claimed it.
type NewPostEvent struct {
	Channel       string    `json:"channel"`
	PostID        string    `json:"post_id"`
	TelegramMsgID int64     `json:"telegram_message_id"`
	ObservedAt    time.Time `json:"observed_at"`
	TopicTag      string    `json:"topic_tag"`
}

// Monitor maintains per-channel watermarks and publishes a NewPost event for
// every freshly observed post, deduplicated by (channel, post_id) at the
// repository layer. It polls through the session of a designated reader
// account, using a ticker plus per-resource fan-out worker shape.
type Monitor struct {
	channels  repository.ChannelRepository
	posts     repository.PostRepository
	registry  PostFetcher
	publisher messaging.Publisher
	metrics   *metrics.Metrics
	cfg       *config.Config
	logger    logger.Logger

	readerAccountID primitive.ObjectID

	mu         sync.Mutex
	watermarks map[string]time.Time
}

func New(channels repository.ChannelRepository, posts repository.PostRepository, registry PostFetcher, publisher messaging.Publisher, m *metrics.Metrics, cfg *config.Config, log logger.Logger, readerAccountID primitive.ObjectID) *Monitor {
	return &Monitor{
		channels:        channels,
		posts:           posts,
		registry:        registry,
		publisher:       publisher,
		metrics:         m,
		cfg:             cfg,
		logger:          log,
		readerAccountID: readerAccountID,
		watermarks:      make(map[string]time.Time),
	}
}

// Run polls every active channel on a fixed interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.ChannelMonitor.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.pollOnce(ctx); err != nil {
				m.logger.Error("channel monitor poll failed", logger.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) error {
	channels, err := m.channels.ListActive(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list active channels: %w", err)
	}
	m.metrics.ChannelsPolled.Inc()

	for _, channel := range channels {
		if err := m.pollChannel(ctx, channel); err != nil {
			m.logger.Error("failed to poll channel",
				logger.Field{Key: "channel", Value: channel.Username},
				logger.Field{Key: "error", Value: err.Error()},
			)
		}
	}
	return nil
}

func (m *Monitor) watermarkFor(channel string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	wm, ok := m.watermarks[channel]
	if !ok {
		return time.Now().Add(-time.Duration(m.cfg.ChannelMonitor.ClaimHorizonSeconds) * time.Second)
	}
	return wm
}

func (m *Monitor) advanceWatermark(channel string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.watermarks[channel]; !ok || at.After(cur) {
		m.watermarks[channel] = at
	}
}

func (m *Monitor) pollChannel(ctx context.Context, channel *models.TargetChannel) error {
	since := m.watermarkFor(channel.Username)

	fresh, err := m.registry.FetchNewPosts(ctx, m.readerAccountID, channel.Username, since)
	if err != nil {
		return fmt.Errorf("failed to fetch new posts: %w", err)
	}

	for _, post := range fresh {
		topic := ClassifyTopic(post.Text)

		observation, created, err := m.posts.Upsert(ctx, channel.Username, post.MessageID, post.PostedAt, topic)
		if err != nil {
			m.logger.Error("failed to upsert post observation",
				logger.Field{Key: "channel", Value: channel.Username},
				logger.Field{Key: "error", Value: err.Error()},
			)
			continue
		}

		m.advanceWatermark(channel.Username, post.PostedAt)

		if !created {
			continue
		}
		m.metrics.PostsObservedTotal.Inc()

		event := NewPostEvent{
			Channel:       channel.Username,
			PostID:        observation.ID.Hex(),
			TelegramMsgID: observation.TelegramMsgID,
			ObservedAt:    observation.SeenAt,
			TopicTag:      observation.TopicTag,
		}
		if err := m.publisher.Publish(channelEventsExchange, postObservedKey, event); err != nil {
			m.logger.Error("failed to publish NewPost event",
				logger.Field{Key: "channel", Value: channel.Username},
				logger.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	return nil
}

// Claim attempts the one-commenter-per-post CAS on behalf of accountID. It
// rejects posts older than the configured claim horizon before touching
// storage.
func (m *Monitor) Claim(ctx context.Context, post *models.PostObservation, accountID primitive.ObjectID) (bool, error) {
	horizon := time.Duration(m.cfg.ChannelMonitor.ClaimHorizonSeconds) * time.Second
	if !post.IsClaimable(time.Now(), horizon) {
		return false, nil
	}
	return m.posts.Claim(ctx, post.ID, accountID)
}

// ListClaimable returns posts still open for a claim on channel, oldest
// first; the horizon filtering and ordering happen in the repository query.
func (m *Monitor) ListClaimable(ctx context.Context, channel string, limit int) ([]*models.PostObservation, error) {
	horizon := time.Duration(m.cfg.ChannelMonitor.ClaimHorizonSeconds) * time.Second
	return m.posts.ListClaimable(ctx, channel, horizon, limit)
}
