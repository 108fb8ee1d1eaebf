package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"trafficengine/internal/models"
	"trafficengine/internal/textgen"
)

func currentTimeSlot(loc *time.Location) models.TimeSlot {
	return models.TimeSlotFor(time.Now().In(loc).Hour())
}

// actionTarget carries whatever the chosen kind needs to execute and to
// describe itself in the committed ActionRecord.
type actionTarget struct {
	ref      string
	channel  string
	postID   int64
	strategy models.Strategy
	topic    string
	timeSlot models.TimeSlot
}

// acquireTarget resolves a concrete target and, where generated copy is
// needed, the text to send. ok=false means no target is currently
// available; the caller retries with a different kind next cycle rather
// than blocking.
func (d *Dispatcher) acquireTarget(ctx context.Context, account *models.Account, kind models.ActionKind) (actionTarget, string, bool, error) {
	switch kind {
	case models.ActionKindComment:
		return d.acquireCommentTarget(ctx, account)
	case models.ActionKindStoryView, models.ActionKindStoryReact, models.ActionKindReaction:
		return d.acquireStoryTarget(ctx, account)
	case models.ActionKindSubscribe:
		return d.acquireSubscribeTarget(ctx, account)
	case models.ActionKindMessage:
		return d.acquireMessageTarget(ctx, account)
	case models.ActionKindPost:
		return d.acquirePostTarget(ctx, account)
	default:
		return actionTarget{}, "", false, fmt.Errorf("unsupported action kind %s", kind)
	}
}

// acquireCommentTarget pops unclaimed posts from channels matching the
// account's segment and races the compare-and-set claim, moving to the
// next post on a lost race rather than giving up the whole cycle.
func (d *Dispatcher) acquireCommentTarget(ctx context.Context, account *models.Account) (actionTarget, string, bool, error) {
	channels, err := d.channels.ListActive(ctx, account.Segment)
	if err != nil {
		return actionTarget{}, "", false, fmt.Errorf("failed to list active channels: %w", err)
	}
	shuffleChannels(channels)

	for _, channel := range channels {
		candidates, err := d.posts.ListClaimable(ctx, channel.Username, 5)
		if err != nil {
			return actionTarget{}, "", false, fmt.Errorf("failed to list claimable posts: %w", err)
		}

		for _, post := range candidates {
			won, err := d.posts.Claim(ctx, post, account.ID)
			if err != nil {
				return actionTarget{}, "", false, fmt.Errorf("failed to claim post: %w", err)
			}
			if !won {
				continue
			}

			slot := currentTimeSlot(d.planner.Timezone(account))
			ctxKey := models.StrategyContext{
				Segment:         account.Segment,
				ChannelUsername: channel.Username,
				TimeSlot:        slot,
				PostTopic:       post.TopicTag,
			}

			chosen, err := d.oracle.Select(ctx, ctxKey)
			if err != nil {
				return actionTarget{}, "", false, fmt.Errorf("failed to select comment strategy: %w", err)
			}

			text, err := d.gen.Generate(ctx, textgen.KindComment, textgen.GenContext{
				Segment: account.Segment, Persona: account.PersonaFirstName,
				Strategy: chosen, Topic: post.TopicTag,
			})
			if err != nil {
				// Dropped: content generation exhausted its retries and comments have
				// no templated fallback. The claim still stands, so the post
				// is simply not commented on by this account.
				return actionTarget{}, "", false, nil
			}

			return actionTarget{
				ref: channel.Username, channel: channel.Username, postID: post.TelegramMsgID,
				strategy: chosen, topic: post.TopicTag, timeSlot: slot,
			}, text, true, nil
		}
	}

	return actionTarget{}, "", false, nil
}

// acquireStoryTarget treats active TargetChannels as the story-owner
// surface: there's no separate story-owner collection, so this reuses
// the segment-scoped channel pool already maintained by the monitor
// rather than inventing a new one.
func (d *Dispatcher) acquireStoryTarget(ctx context.Context, account *models.Account) (actionTarget, string, bool, error) {
	channels, err := d.channels.ListActive(ctx, account.Segment)
	if err != nil {
		return actionTarget{}, "", false, fmt.Errorf("failed to list active channels: %w", err)
	}
	if len(channels) == 0 {
		return actionTarget{}, "", false, nil
	}
	owner := channels[rand.Intn(len(channels))]
	return actionTarget{ref: owner.Username, channel: owner.Username, postID: 1}, "", true, nil
}

func (d *Dispatcher) acquireSubscribeTarget(ctx context.Context, account *models.Account) (actionTarget, string, bool, error) {
	channels, err := d.channels.ListActive(ctx, account.Segment)
	if err != nil {
		return actionTarget{}, "", false, fmt.Errorf("failed to list active channels: %w", err)
	}
	if len(channels) == 0 {
		return actionTarget{}, "", false, nil
	}
	pick := channels[rand.Intn(len(channels))]
	return actionTarget{ref: pick.Username, channel: pick.Username}, "", true, nil
}

// acquireMessageTarget targets another fleet account in the same segment
// rather than an external contact list: there's no outside-contact
// repository, and DMing a sibling account is a common warmup-realism
// technique.
func (d *Dispatcher) acquireMessageTarget(ctx context.Context, account *models.Account) (actionTarget, string, bool, error) {
	peers, err := d.accounts.ListByStatus(ctx, models.AccountStatusActive, account.Segment)
	if err != nil {
		return actionTarget{}, "", false, fmt.Errorf("failed to list peer accounts: %w", err)
	}
	var eligible []string
	for _, p := range peers {
		if p.ID != account.ID {
			eligible = append(eligible, p.PhoneIdentifier)
		}
	}
	if len(eligible) == 0 {
		return actionTarget{}, "", false, nil
	}
	peer := eligible[rand.Intn(len(eligible))]

	text, err := d.gen.Generate(ctx, textgen.KindDirectMessage, textgen.GenContext{
		Segment: account.Segment, Persona: account.PersonaFirstName,
	})
	if err != nil {
		return actionTarget{}, "", false, fmt.Errorf("failed to generate direct message: %w", err)
	}
	return actionTarget{ref: peer}, text, true, nil
}

func (d *Dispatcher) acquirePostTarget(ctx context.Context, account *models.Account) (actionTarget, string, bool, error) {
	if account.LinkedChannelID == "" {
		return actionTarget{}, "", false, nil
	}

	text, err := d.gen.Generate(ctx, textgen.KindPost, textgen.GenContext{
		Segment: account.Segment, Persona: account.PersonaFirstName,
	})
	if err != nil {
		return actionTarget{}, "", false, fmt.Errorf("failed to generate post copy: %w", err)
	}
	return actionTarget{ref: account.LinkedChannelID, channel: account.LinkedChannelID}, text, true, nil
}

func shuffleChannels(channels []*models.TargetChannel) {
	rand.Shuffle(len(channels), func(i, j int) { channels[i], channels[j] = channels[j], channels[i] })
}
