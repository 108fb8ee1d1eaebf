package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trafficengine/internal/config"
	"trafficengine/internal/models"
	"trafficengine/internal/proxypool"
	"trafficengine/internal/telegramclient"
	"trafficengine/pkg/logger"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/time/rate"
)

// ErrFloodExceeded is surfaced to the dispatcher when a flood-wait exceeds
// the configured ceiling; the caller is expected to park the account.
type ErrFloodExceeded struct {
	WaitSeconds int
}

func (e *ErrFloodExceeded) Error() string {
	return fmt.Sprintf("flood wait of %ds exceeds ceiling", e.WaitSeconds)
}

type accountSession struct {
	mu      sync.Mutex
	client  telegramclient.Client
	limiter *rate.Limiter
	proxyID *primitive.ObjectID
}

// Registry owns one logical session per account and guarantees at most
// one concurrent call per session: concurrent requests for the same
// account serialize on accountSession.mu. Each session borrows a proxy
// from the pool for the lifetime of its underlying client connection and
// reports every call's transport outcome back to it, so a proxy that
// starts failing an account's calls gets rotated onto cooldown.
type Registry struct {
	mu        sync.Mutex
	sessions  map[primitive.ObjectID]*accountSession
	newClient func(accountID primitive.ObjectID, proxy *models.Proxy) telegramclient.Client
	proxies   proxypool.Pool
	cfg       *config.Config
	logger    logger.Logger
}

func NewRegistry(newClient func(primitive.ObjectID, *models.Proxy) telegramclient.Client, proxies proxypool.Pool, cfg *config.Config, log logger.Logger) *Registry {
	return &Registry{
		sessions:  make(map[primitive.ObjectID]*accountSession),
		newClient: newClient,
		proxies:   proxies,
		cfg:       cfg,
		logger:    log,
	}
}

// sessionFor returns the account's session, acquiring a proxy and dialing
// a fresh client on first use. A proxy pool with nothing available
// degrades to a direct (proxy-less) connection rather than blocking the
// fiber, since Acquire's absence of candidates is routine under load.
func (r *Registry) sessionFor(ctx context.Context, accountID primitive.ObjectID) (*accountSession, error) {
	r.mu.Lock()
	s, ok := r.sessions[accountID]
	r.mu.Unlock()
	if ok {
		return s, nil
	}

	proxy, err := r.proxies.Acquire(ctx, accountID)
	if err != nil {
		if err != proxypool.ErrNoneAvailable {
			return nil, models.NewProxyFailureError(fmt.Sprintf("failed to acquire proxy: %v", err))
		}
		r.logger.Warn("no proxy available, dialing direct", logger.Field{Key: "account_id", Value: accountID.Hex()})
		proxy = nil
	}

	var proxyID *primitive.ObjectID
	if proxy != nil {
		id := proxy.ID
		proxyID = &id
	}

	s = &accountSession{
		client:  r.newClient(accountID, proxy),
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		proxyID: proxyID,
	}

	r.mu.Lock()
	if existing, ok := r.sessions[accountID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.sessions[accountID] = s
	r.mu.Unlock()
	return s, nil
}

// Drop discards a session and releases its proxy, forcing the next call
// to re-login through a freshly acquired proxy. Used after a Banned or
// AuthError transition.
func (r *Registry) Drop(accountID primitive.ObjectID) {
	r.mu.Lock()
	_, ok := r.sessions[accountID]
	delete(r.sessions, accountID)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := r.proxies.Release(context.Background(), accountID); err != nil {
		r.logger.Warn("failed to release proxy", logger.Field{Key: "account_id", Value: accountID.Hex()}, logger.Field{Key: "error", Value: err.Error()})
	}
}

// reportProxyOutcome feeds a call's transport result back to the proxy
// pool; it uses a background context so a caller-canceled ctx doesn't
// drop the report.
func (r *Registry) reportProxyOutcome(sess *accountSession, outcome proxypool.Outcome) {
	if sess.proxyID == nil {
		return
	}
	if err := r.proxies.Report(context.Background(), *sess.proxyID, outcome); err != nil {
		r.logger.Warn("failed to report proxy outcome", logger.Field{Key: "proxy_id", Value: sess.proxyID.Hex()}, logger.Field{Key: "error", Value: err.Error()})
	}
}

// withSession serializes calls to one account's session and translates
// flood-wait responses: a wait below the ceiling sleeps and retries once;
// above it, returns ErrFloodExceeded for the dispatcher to act on.
func (r *Registry) withSession(ctx context.Context, accountID primitive.ObjectID, call func(context.Context, telegramclient.Client) error) error {
	s, err := r.sessionFor(ctx, accountID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return models.NewTransientNetworkError(fmt.Sprintf("rate limiter wait failed: %v", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.TransportTimeout())
	defer cancel()

	err = call(callCtx, s.client)
	if err == nil {
		r.reportProxyOutcome(s, proxypool.OutcomeSuccess)
		return nil
	}

	floodErr, isFlood := err.(*telegramclient.FloodWaitError)
	if !isFlood {
		r.reportProxyOutcome(s, proxypool.OutcomeTransportFailure)
		return err
	}

	ceiling := r.cfg.FloodWaitCeiling()
	if time.Duration(floodErr.WaitSeconds)*time.Second > ceiling {
		return &ErrFloodExceeded{WaitSeconds: floodErr.WaitSeconds}
	}

	select {
	case <-time.After(time.Duration(floodErr.WaitSeconds) * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	retryCtx, retryCancel := context.WithTimeout(ctx, r.cfg.TransportTimeout())
	defer retryCancel()
	err = call(retryCtx, s.client)
	if err == nil {
		r.reportProxyOutcome(s, proxypool.OutcomeSuccess)
	} else {
		r.reportProxyOutcome(s, proxypool.OutcomeTransportFailure)
	}
	return err
}

func (r *Registry) SendComment(ctx context.Context, accountID primitive.ObjectID, channel string, postID int64, text string) (int64, error) {
	var messageID int64
	err := r.withSession(ctx, accountID, func(c context.Context, client telegramclient.Client) error {
		var innerErr error
		messageID, innerErr = client.SendComment(c, channel, postID, text)
		return innerErr
	})
	return messageID, err
}

func (r *Registry) ViewStory(ctx context.Context, accountID primitive.ObjectID, owner string, storyID int64) error {
	return r.withSession(ctx, accountID, func(c context.Context, client telegramclient.Client) error {
		return client.ViewStory(c, owner, storyID)
	})
}

func (r *Registry) React(ctx context.Context, accountID primitive.ObjectID, target, emoji string) error {
	return r.withSession(ctx, accountID, func(c context.Context, client telegramclient.Client) error {
		return client.React(c, target, emoji)
	})
}

func (r *Registry) Subscribe(ctx context.Context, accountID primitive.ObjectID, channel string) error {
	return r.withSession(ctx, accountID, func(c context.Context, client telegramclient.Client) error {
		return client.Subscribe(c, channel)
	})
}

func (r *Registry) SendDirect(ctx context.Context, accountID primitive.ObjectID, peer, text string) error {
	return r.withSession(ctx, accountID, func(c context.Context, client telegramclient.Client) error {
		return client.SendDirect(c, peer, text)
	})
}

func (r *Registry) PublishPost(ctx context.Context, accountID primitive.ObjectID, channel, text string) (int64, error) {
	var messageID int64
	err := r.withSession(ctx, accountID, func(c context.Context, client telegramclient.Client) error {
		var innerErr error
		messageID, innerErr = client.PublishPost(c, channel, text)
		return innerErr
	})
	return messageID, err
}

func (r *Registry) FetchNewPosts(ctx context.Context, accountID primitive.ObjectID, channel string, since time.Time) ([]telegramclient.Post, error) {
	var posts []telegramclient.Post
	err := r.withSession(ctx, accountID, func(c context.Context, client telegramclient.Client) error {
		var innerErr error
		posts, innerErr = client.FetchNewPosts(c, channel, since)
		return innerErr
	})
	return posts, err
}

func (r *Registry) CreateInviteLink(ctx context.Context, accountID primitive.ObjectID, channel string, expire time.Time, limit int) (*telegramclient.Invite, error) {
	var invite *telegramclient.Invite
	err := r.withSession(ctx, accountID, func(c context.Context, client telegramclient.Client) error {
		var innerErr error
		invite, innerErr = client.CreateInviteLink(c, channel, expire, limit)
		return innerErr
	})
	return invite, err
}

func (r *Registry) DeleteMessage(ctx context.Context, accountID primitive.ObjectID, channel string, messageID int64) error {
	return r.withSession(ctx, accountID, func(c context.Context, client telegramclient.Client) error {
		return client.DeleteMessage(c, channel, messageID)
	})
}

func (r *Registry) FetchReplies(ctx context.Context, accountID primitive.ObjectID, channel string, postID int64, since time.Time) ([]telegramclient.Reply, error) {
	var replies []telegramclient.Reply
	err := r.withSession(ctx, accountID, func(c context.Context, client telegramclient.Client) error {
		var innerErr error
		replies, innerErr = client.FetchReplies(c, channel, postID, since)
		return innerErr
	})
	return replies, err
}

func (r *Registry) CheckSpamStatus(ctx context.Context, accountID primitive.ObjectID) (telegramclient.SpamStatus, error) {
	var status telegramclient.SpamStatus
	err := r.withSession(ctx, accountID, func(c context.Context, client telegramclient.Client) error {
		var innerErr error
		status, innerErr = client.CheckSpamStatus(c)
		return innerErr
	})
	return status, err
}

func (r *Registry) Login(ctx context.Context, accountID primitive.ObjectID, sessionBlob string) error {
	return r.withSession(ctx, accountID, func(c context.Context, client telegramclient.Client) error {
		return client.Login(c, sessionBlob)
	})
}
