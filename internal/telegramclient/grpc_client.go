package telegramclient

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// grpcClient dials the out-of-process Telegram transport service. The RPC
// envelope is a generic structpb.Struct rather than per-method generated
// stubs: protoc codegen isn't part of this build, and structpb is a real
// compiled protobuf message from google.golang.org/protobuf, so every call
// still rides genuine protobuf wire encoding over the grpc.ClientConn.
type grpcClient struct {
	conn *grpc.ClientConn
}

// NewGRPCClient wraps an already-dialed connection to the Telegram
// transport service.
func NewGRPCClient(conn *grpc.ClientConn) Client {
	return &grpcClient{conn: conn}
}

const serviceFQN = "trafficengine.telegram.v1.TelegramService"

func (c *grpcClient) invoke(ctx context.Context, method string, req map[string]interface{}) (map[string]interface{}, error) {
	reqStruct, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build request envelope: %w", err)
	}

	respStruct := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fmt.Sprintf("/%s/%s", serviceFQN, method), reqStruct, respStruct); err != nil {
		return nil, fmt.Errorf("telegram transport call %s failed: %w", method, err)
	}

	return respStruct.AsMap(), nil
}

func (c *grpcClient) SendComment(ctx context.Context, channel string, postID int64, text string) (int64, error) {
	resp, err := c.invoke(ctx, "SendComment", map[string]interface{}{
		"channel": channel, "post_id": float64(postID), "text": text,
	})
	if err != nil {
		return 0, err
	}
	return int64(resp["message_id"].(float64)), nil
}

func (c *grpcClient) ViewStory(ctx context.Context, owner string, storyID int64) error {
	_, err := c.invoke(ctx, "ViewStory", map[string]interface{}{"owner": owner, "story_id": float64(storyID)})
	return err
}

func (c *grpcClient) React(ctx context.Context, target string, emoji string) error {
	_, err := c.invoke(ctx, "React", map[string]interface{}{"target": target, "emoji": emoji})
	return err
}

func (c *grpcClient) Subscribe(ctx context.Context, channel string) error {
	_, err := c.invoke(ctx, "Subscribe", map[string]interface{}{"channel": channel})
	return err
}

func (c *grpcClient) SendDirect(ctx context.Context, peer string, text string) error {
	_, err := c.invoke(ctx, "SendDirect", map[string]interface{}{"peer": peer, "text": text})
	return err
}

func (c *grpcClient) PublishPost(ctx context.Context, channel string, text string) (int64, error) {
	resp, err := c.invoke(ctx, "PublishPost", map[string]interface{}{"channel": channel, "text": text})
	if err != nil {
		return 0, err
	}
	return int64(resp["message_id"].(float64)), nil
}

func (c *grpcClient) FetchNewPosts(ctx context.Context, channel string, since time.Time) ([]Post, error) {
	resp, err := c.invoke(ctx, "FetchNewPosts", map[string]interface{}{
		"channel": channel, "since_unix": float64(since.Unix()),
	})
	if err != nil {
		return nil, err
	}

	raw, _ := resp["posts"].([]interface{})
	posts := make([]Post, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		posts = append(posts, Post{
			MessageID: int64(m["message_id"].(float64)),
			Text:      m["text"].(string),
			PostedAt:  time.Unix(int64(m["posted_at_unix"].(float64)), 0),
		})
	}
	return posts, nil
}

func (c *grpcClient) CreateInviteLink(ctx context.Context, channel string, expire time.Time, limit int) (*Invite, error) {
	resp, err := c.invoke(ctx, "CreateInviteLink", map[string]interface{}{
		"channel": channel, "expire_unix": float64(expire.Unix()), "usage_limit": float64(limit),
	})
	if err != nil {
		return nil, err
	}
	return &Invite{URL: resp["url"].(string), Hash: resp["hash"].(string)}, nil
}

func (c *grpcClient) DeleteMessage(ctx context.Context, channel string, messageID int64) error {
	_, err := c.invoke(ctx, "DeleteMessage", map[string]interface{}{"channel": channel, "message_id": float64(messageID)})
	return err
}

func (c *grpcClient) FetchReplies(ctx context.Context, channel string, postID int64, since time.Time) ([]Reply, error) {
	resp, err := c.invoke(ctx, "FetchReplies", map[string]interface{}{
		"channel": channel, "post_id": float64(postID), "since_unix": float64(since.Unix()),
	})
	if err != nil {
		return nil, err
	}

	raw, _ := resp["replies"].([]interface{})
	replies := make([]Reply, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		replies = append(replies, Reply{
			MessageID:  int64(m["message_id"].(float64)),
			IsReaction: m["is_reaction"].(bool),
			FromUserID: m["from_user_id"].(string),
			PostedAt:   time.Unix(int64(m["posted_at_unix"].(float64)), 0),
		})
	}
	return replies, nil
}

func (c *grpcClient) CheckSpamStatus(ctx context.Context) (SpamStatus, error) {
	resp, err := c.invoke(ctx, "CheckSpamStatus", map[string]interface{}{})
	if err != nil {
		return "", err
	}
	return SpamStatus(resp["status"].(string)), nil
}

func (c *grpcClient) Login(ctx context.Context, sessionBlob string) error {
	_, err := c.invoke(ctx, "Login", map[string]interface{}{"session_blob": sessionBlob})
	return err
}
