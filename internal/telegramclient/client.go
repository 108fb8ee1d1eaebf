package telegramclient

import (
	"context"
	"time"
)

// SpamStatus is the verdict returned by CheckSpamStatus.
type SpamStatus string

const (
	SpamStatusOK      SpamStatus = "ok"
	SpamStatusLimited SpamStatus = "limited"
	SpamStatusBanned  SpamStatus = "banned"
)

// Reply is one reply or reaction observed on a published comment.
type Reply struct {
	MessageID   int64
	IsReaction  bool
	FromUserID  string
	PostedAt    time.Time
}

// Invite is the result of creating a time-limited invite link.
type Invite struct {
	URL  string
	Hash string
}

// Post is a channel post observed by the reader account, as surfaced by the
// Channel Monitor's poll.
type Post struct {
	MessageID int64
	Text      string
	PostedAt  time.Time
}

// FloodWaitError is returned by any capability when Telegram asks the
// caller to wait before retrying. The registry catches this and either
// sleeps (below the configured ceiling) or surfaces FloodExceeded.
type FloodWaitError struct {
	WaitSeconds int
}

func (e *FloodWaitError) Error() string {
	return "flood wait required"
}

// Client is the narrow capability set the engine depends on. Every
// operation blocks its calling fiber/task; the Session Registry is
// responsible for serializing concurrent calls for the same account and
// translating flood-waits.
type Client interface {
	SendComment(ctx context.Context, channel string, postID int64, text string) (messageID int64, err error)
	ViewStory(ctx context.Context, owner string, storyID int64) error
	React(ctx context.Context, target string, emoji string) error
	Subscribe(ctx context.Context, channel string) error
	SendDirect(ctx context.Context, peer string, text string) error
	PublishPost(ctx context.Context, channel string, text string) (messageID int64, err error)
	FetchNewPosts(ctx context.Context, channel string, since time.Time) ([]Post, error)
	CreateInviteLink(ctx context.Context, channel string, expire time.Time, limit int) (*Invite, error)
	DeleteMessage(ctx context.Context, channel string, messageID int64) error
	FetchReplies(ctx context.Context, channel string, postID int64, since time.Time) ([]Reply, error)
	CheckSpamStatus(ctx context.Context) (SpamStatus, error)
	Login(ctx context.Context, sessionBlob string) error
}
