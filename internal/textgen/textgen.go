// Package textgen models the external text-generation boundary: an
// out-of-process service that turns a (kind, context) pair into UTF-8
// copy for a comment, channel post, invite teaser, or direct message.
package textgen

import (
	"context"

	"trafficengine/internal/models"
)

// Kind is the closed set of things the generator can be asked to write.
type Kind string

const (
	KindComment       Kind = "comment"
	KindPost          Kind = "post"
	KindInviteTeaser  Kind = "invite_teaser"
	KindDirectMessage Kind = "direct_message"
)

// GenContext carries everything a prompt-assembly strategy needs to
// produce copy. SourcePostExcerpt is only populated for comment
// generation, where the text should react to the post it is replying to.
type GenContext struct {
	Segment           models.Segment
	Persona           string
	Strategy          models.Strategy
	Topic             string
	SourcePostExcerpt string
}

// Generator is the narrow capability the dispatcher and funnel manager
// consume. Implementations must never return text longer than the
// caller's configured per-kind limit.
type Generator interface {
	Generate(ctx context.Context, kind Kind, info GenContext) (string, error)
}
