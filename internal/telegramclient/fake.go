package telegramclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// FakeClient is an in-memory Client used by tests and local development; it
// never touches a network and records every call for assertions.
type FakeClient struct {
	mu      sync.Mutex
	nextMsg int64
	replies map[string][]Reply
	posts   map[string][]Post
	status  SpamStatus
	Calls   []string
}

func NewFakeClient() *FakeClient {
	return &FakeClient{status: SpamStatusOK, replies: make(map[string][]Reply), posts: make(map[string][]Post)}
}

// SeedPosts registers posts to be returned by FetchNewPosts for a channel,
// for test scenario setup.
func (f *FakeClient) SeedPosts(channel string, posts []Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[channel] = posts
}

func (f *FakeClient) FetchNewPosts(ctx context.Context, channel string, since time.Time) ([]Post, error) {
	f.record("FetchNewPosts")
	f.mu.Lock()
	defer f.mu.Unlock()

	var fresh []Post
	for _, p := range f.posts[channel] {
		if p.PostedAt.After(since) {
			fresh = append(fresh, p)
		}
	}
	return fresh, nil
}

func (f *FakeClient) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)
}

func (f *FakeClient) SetSpamStatus(status SpamStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

// SeedReplies registers replies to be returned by FetchReplies for a given
// (channel, postID) key, for test scenario setup.
func (f *FakeClient) SeedReplies(channel string, postID int64, replies []Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[replyKey(channel, postID)] = replies
}

func replyKey(channel string, postID int64) string {
	return fmt.Sprintf("%s:%d", channel, postID)
}

func (f *FakeClient) SendComment(ctx context.Context, channel string, postID int64, text string) (int64, error) {
	f.record("SendComment")
	id := atomic.AddInt64(&f.nextMsg, 1)
	return id, nil
}

func (f *FakeClient) ViewStory(ctx context.Context, owner string, storyID int64) error {
	f.record("ViewStory")
	return nil
}

func (f *FakeClient) React(ctx context.Context, target string, emoji string) error {
	f.record("React")
	return nil
}

func (f *FakeClient) Subscribe(ctx context.Context, channel string) error {
	f.record("Subscribe")
	return nil
}

func (f *FakeClient) SendDirect(ctx context.Context, peer string, text string) error {
	f.record("SendDirect")
	return nil
}

func (f *FakeClient) PublishPost(ctx context.Context, channel string, text string) (int64, error) {
	f.record("PublishPost")
	return atomic.AddInt64(&f.nextMsg, 1), nil
}

func (f *FakeClient) CreateInviteLink(ctx context.Context, channel string, expire time.Time, limit int) (*Invite, error) {
	f.record("CreateInviteLink")
	id := atomic.AddInt64(&f.nextMsg, 1)
	return &Invite{
		URL:  fmt.Sprintf("https://t.me/+fake%d", id),
		Hash: fmt.Sprintf("fakehash%d", id),
	}, nil
}

func (f *FakeClient) DeleteMessage(ctx context.Context, channel string, messageID int64) error {
	f.record("DeleteMessage")
	return nil
}

func (f *FakeClient) FetchReplies(ctx context.Context, channel string, postID int64, since time.Time) ([]Reply, error) {
	f.record("FetchReplies")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replies[replyKey(channel, postID)], nil
}

func (f *FakeClient) CheckSpamStatus(ctx context.Context) (SpamStatus, error) {
	f.record("CheckSpamStatus")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *FakeClient) Login(ctx context.Context, sessionBlob string) error {
	f.record("Login")
	return nil
}
