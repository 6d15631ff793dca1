// Copyright 2024-2026 Aiku AI

// Package hub is the send surface towards the hub platform (Telegram).
// Every call may be made as an alternate bot identity, and every call made
// through QueuedSender passes per-identity admission control unless the
// caller asks to bypass it.
package hub

import (
	"context"
	"errors"
	"time"
)

// ErrDropped is returned when admission control rejects a call. The caller
// must not retry inline.
var ErrDropped = errors.New("hub call dropped by rate limiter")

// ErrUnknownBot is returned when Options.As names a bot the sender does not
// hold a token for.
var ErrUnknownBot = errors.New("unknown bot identity")

// MediaKind is the hub-side representation of an attachment.
type MediaKind int

const (
	MediaPhoto MediaKind = iota
	MediaVideo
	MediaAudio
	MediaVoice
	MediaDocument
	MediaSticker
	MediaAnimation
	MediaVideoNote
)

func (k MediaKind) String() string {
	switch k {
	case MediaPhoto:
		return "photo"
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	case MediaVoice:
		return "voice"
	case MediaDocument:
		return "document"
	case MediaSticker:
		return "sticker"
	case MediaAnimation:
		return "animation"
	case MediaVideoNote:
		return "video_note"
	default:
		return "unknown"
	}
}

// Groupable reports whether the kind may be part of a media group.
func (k MediaKind) Groupable() bool {
	switch k {
	case MediaPhoto, MediaVideo, MediaAudio, MediaDocument:
		return true
	default:
		return false
	}
}

// Captionable reports whether the kind accepts a caption.
func (k MediaKind) Captionable() bool {
	return k != MediaSticker && k != MediaVideoNote
}

// Media is one attachment. Exactly one of FileID, URL and Data is used, in
// that order of preference.
type Media struct {
	Kind     MediaKind
	FileName string
	MimeType string
	FileID   string
	URL      string
	Data     []byte
	// CacheKey, if set, asks the caller to remember the file ID returned by
	// a successful send under this key.
	CacheKey string
}

// Location is a geo point.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Button is one inline keyboard button. Either CallbackData or URL is set.
type Button struct {
	Text         string
	CallbackData string
	URL          string
}

// Message is an outgoing hub message. Text is HTML.
type Message struct {
	ChatID   int64
	TopicID  int64
	Text     string
	Media    []*Media
	ReplyTo  int
	Silent   bool
	Location *Location
	Buttons  [][]Button
}

// Options apply to every hub call.
type Options struct {
	// As selects the bot identity; 0 means the main bot.
	As int64
	// BypassQueue skips admission control. Reserved for error and system
	// notices that must not be starved.
	BypassQueue bool
	// MaxDelay overrides the admission wait of the queued sender when set.
	// Zero admits the call only if a slot is free right now; a negative
	// value waits indefinitely.
	MaxDelay *time.Duration
}

// Sent describes the hub messages produced by SendMessage.
type Sent struct {
	MessageIDs []int
	// FileIDs is aligned with Message.Media.
	FileIDs []string
}

// ActivityKind is a chat action shown to hub users.
type ActivityKind string

const (
	ActivityTyping      ActivityKind = "typing"
	ActivityRecordVoice ActivityKind = "record_voice"
	ActivityUploadPhoto ActivityKind = "upload_photo"
)

// Sender sends to the hub platform.
type Sender interface {
	SendMessage(ctx context.Context, msg Message, opts Options) (*Sent, error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, opts Options) error
	DeleteMessages(ctx context.Context, chatID int64, messageIDs []int, opts Options) error
	StartActivity(ctx context.Context, chatID, topicID int64, kind ActivityKind, opts Options) error
	PinMessage(ctx context.Context, chatID int64, messageID int, opts Options) error
	UnpinMessage(ctx context.Context, chatID int64, messageID int, opts Options) error
}
