// Copyright 2024-2026 Aiku AI

package hub

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/telehooper/pkg/ratelimit"
)

// QueuedSender wraps a Sender with per-identity admission control. The
// bucket key is the bot identity plus the destination chat, so several bots
// in one chat do not share a quota.
type QueuedSender struct {
	next      Sender
	limiter   *ratelimit.Limiter
	mainBotID int64
	maxDelay  time.Duration
	log       zerolog.Logger
}

var _ Sender = (*QueuedSender)(nil)

// NewQueuedSender creates the wrapper. maxDelay is the default admission
// wait; a negative value waits indefinitely.
func NewQueuedSender(next Sender, limiter *ratelimit.Limiter, mainBotID int64, maxDelay time.Duration, log zerolog.Logger) *QueuedSender {
	return &QueuedSender{
		next:      next,
		limiter:   limiter,
		mainBotID: mainBotID,
		maxDelay:  maxDelay,
		log:       log.With().Str("component", "hub_queue").Logger(),
	}
}

// BucketKey returns the limiter key of a bot identity in a chat.
func (q *QueuedSender) BucketKey(botID, chatID int64) string {
	if botID == 0 {
		botID = q.mainBotID
	}
	return strconv.FormatInt(botID, 10) + ":" + strconv.FormatInt(chatID, 10)
}

// Load reports the current bucket occupancy of a bot identity in a chat.
func (q *QueuedSender) Load(botID, chatID int64) int {
	return q.limiter.CurrentLoad(q.BucketKey(botID, chatID))
}

func (q *QueuedSender) admit(ctx context.Context, chatID int64, call string, opts Options) error {
	if opts.BypassQueue {
		return nil
	}
	maxDelay := q.maxDelay
	if opts.MaxDelay != nil {
		maxDelay = *opts.MaxDelay
	}
	key := q.BucketKey(opts.As, chatID)
	if !q.limiter.Acquire(ctx, key, maxDelay) {
		q.log.Debug().Str("bucket", key).Str("call", call).Msg("Dropping hub call, bucket full")
		return ErrDropped
	}
	return nil
}

func (q *QueuedSender) SendMessage(ctx context.Context, msg Message, opts Options) (*Sent, error) {
	if err := q.admit(ctx, msg.ChatID, "send", opts); err != nil {
		return nil, err
	}
	return q.next.SendMessage(ctx, msg, opts)
}

func (q *QueuedSender) EditMessage(ctx context.Context, chatID int64, messageID int, text string, opts Options) error {
	if err := q.admit(ctx, chatID, "edit", opts); err != nil {
		return err
	}
	return q.next.EditMessage(ctx, chatID, messageID, text, opts)
}

func (q *QueuedSender) DeleteMessages(ctx context.Context, chatID int64, messageIDs []int, opts Options) error {
	if err := q.admit(ctx, chatID, "delete", opts); err != nil {
		return err
	}
	return q.next.DeleteMessages(ctx, chatID, messageIDs, opts)
}

func (q *QueuedSender) StartActivity(ctx context.Context, chatID, topicID int64, kind ActivityKind, opts Options) error {
	if err := q.admit(ctx, chatID, "activity", opts); err != nil {
		return err
	}
	return q.next.StartActivity(ctx, chatID, topicID, kind, opts)
}

func (q *QueuedSender) PinMessage(ctx context.Context, chatID int64, messageID int, opts Options) error {
	if err := q.admit(ctx, chatID, "pin", opts); err != nil {
		return err
	}
	return q.next.PinMessage(ctx, chatID, messageID, opts)
}

func (q *QueuedSender) UnpinMessage(ctx context.Context, chatID int64, messageID int, opts Options) error {
	if err := q.admit(ctx, chatID, "unpin", opts); err != nil {
		return err
	}
	return q.next.UnpinMessage(ctx, chatID, messageID, opts)
}
