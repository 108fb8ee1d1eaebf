package textgen

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceFQN = "trafficengine.textgen.v1.TextGenService"

// grpcClient dials the out-of-process text generation service, using the
// same generic structpb envelope as the telegram transport client rather
// than per-method generated stubs.
type grpcClient struct {
	conn *grpc.ClientConn
}

func NewGRPCClient(conn *grpc.ClientConn) Generator {
	return &grpcClient{conn: conn}
}

func (c *grpcClient) Generate(ctx context.Context, kind Kind, info GenContext) (string, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"kind":                string(kind),
		"segment":             string(info.Segment),
		"persona":             info.Persona,
		"strategy":            string(info.Strategy),
		"topic":               info.Topic,
		"source_post_excerpt": info.SourcePostExcerpt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build generation request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, fmt.Sprintf("/%s/Generate", serviceFQN), req, resp); err != nil {
		return "", fmt.Errorf("text generation call failed: %w", err)
	}

	text, _ := resp.AsMap()["text"].(string)
	return text, nil
}
