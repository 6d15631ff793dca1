// Copyright 2024-2026 Aiku AI

package longpoll

import (
	"strconv"

	"github.com/tidwall/gjson"
)

// EventType is the integer tag heading every longpoll update.
type EventType int

const (
	// EventDisconnect is synthesised by the consumer when it stops for good.
	EventDisconnect EventType = -1

	EventFlagsSet   EventType = 2
	EventFlagsReset EventType = 3
	EventNewMessage EventType = 4
	EventEdit       EventType = 5
	EventReadIn     EventType = 6
	EventReadOut    EventType = 7
	EventTyping     EventType = 63
	EventRecording  EventType = 64
)

// Message flags.
const (
	FlagUnread        = 1
	FlagOutbox        = 2
	FlagDeleted       = 128
	FlagDeletedForAll = 131072
)

// ReasonExternalRevocation is the disconnect reason for revoked tokens and
// deactivated accounts.
const ReasonExternalRevocation = "external-revocation"

// Event is one decoded longpoll update.
type Event struct {
	Type      EventType
	MessageID int64
	Flags     int64
	PeerID    int64
	Timestamp int64
	Text      string
	// Extras holds the per-message metadata object (sender, title, ...).
	Extras gjson.Result
	// Attachments holds the attachN / reply / fwd / geo object. In the
	// single-object layout it is the same object as Extras.
	Attachments           gjson.Result
	RandomID              int64
	ConversationMessageID int64
	// UserIDs lists the active users of typing and recording events.
	UserIDs []int64
	// Reason is set on EventDisconnect.
	Reason string
	Raw    gjson.Result
}

// Outgoing reports whether the account holder sent the message.
func (e *Event) Outgoing() bool {
	return e.Flags&FlagOutbox != 0
}

// Deleted reports whether a flags update removes the message.
func (e *Event) Deleted() bool {
	return e.Flags&(FlagDeleted|FlagDeletedForAll) != 0
}

// FromID returns the author of a message in a multi-user dialogue, or 0.
func (e *Event) FromID() int64 {
	for _, obj := range []gjson.Result{e.Extras, e.Attachments} {
		if from := obj.Get("from"); from.Exists() {
			return from.Int()
		}
	}
	return 0
}

// NeedsFullMessage reports whether the update omits content that only the
// full message object carries (media, replies, forwards, locations,
// keyboards, service actions).
func (e *Event) NeedsFullMessage() bool {
	a := e.Attachments
	return a.Get("attach1_type").Exists() ||
		a.Get("attach1").Exists() ||
		a.Get("reply").Exists() ||
		a.Get("fwd").Exists() ||
		a.Get("geo").Exists() ||
		e.Extras.Get("keyboard").Exists() ||
		e.SourceAction() != ""
}

// SourceAction returns the service action (chat_pin_message, ...) if any.
func (e *Event) SourceAction() string {
	for _, obj := range []gjson.Result{e.Extras, e.Attachments} {
		if act := obj.Get("source_act"); act.Exists() {
			return act.String()
		}
	}
	return ""
}

// SourceMessageID returns the conversation-relative target of a service action.
func (e *Event) SourceMessageID() int64 {
	for _, obj := range []gjson.Result{e.Extras, e.Attachments} {
		if mid := obj.Get("source_mid"); mid.Exists() {
			return mid.Int()
		}
	}
	return 0
}

// Decode converts one raw update. ok is false for unknown or malformed
// updates.
func Decode(update gjson.Result) (ev Event, ok bool) {
	fields := update.Array()
	if len(fields) == 0 {
		return Event{}, false
	}
	at := func(i int) gjson.Result {
		if i < len(fields) {
			return fields[i]
		}
		return gjson.Result{}
	}
	ev = Event{Type: EventType(at(0).Int()), Raw: update}
	switch ev.Type {
	case EventNewMessage, EventEdit:
		if len(fields) < 4 {
			return Event{}, false
		}
		ev.MessageID = at(1).Int()
		ev.Flags = at(2).Int()
		ev.PeerID = at(3).Int()
		ev.Timestamp = at(4).Int()
		if at(5).Type == gjson.String && at(6).IsObject() {
			// [type, id, flags, peer, ts, text, extras, attachments, random_id, cmid]
			ev.Text = at(5).String()
			ev.Extras = at(6)
			ev.Attachments = at(7)
			ev.RandomID = at(8).Int()
			ev.ConversationMessageID = at(9).Int()
		} else {
			// [type, id, flags, peer, ts, subject, text, extras]
			ev.Text = at(6).String()
			ev.Extras = at(7)
			ev.Attachments = at(7)
		}
	case EventFlagsSet, EventFlagsReset:
		if len(fields) < 3 {
			return Event{}, false
		}
		ev.MessageID = at(1).Int()
		ev.Flags = at(2).Int()
		ev.PeerID = at(3).Int()
	case EventReadIn, EventReadOut:
		if len(fields) < 3 {
			return Event{}, false
		}
		ev.PeerID = at(1).Int()
		ev.MessageID = at(2).Int()
	case EventTyping, EventRecording:
		if len(fields) < 3 {
			return Event{}, false
		}
		ev.PeerID = at(1).Int()
		for _, uid := range at(2).Array() {
			ev.UserIDs = append(ev.UserIDs, uid.Int())
		}
		ev.Timestamp = at(4).Int()
	default:
		return ev, false
	}
	return ev, true
}

// String names an event type for logs.
func (t EventType) String() string {
	switch t {
	case EventDisconnect:
		return "disconnect"
	case EventFlagsSet:
		return "flags_set"
	case EventFlagsReset:
		return "flags_reset"
	case EventNewMessage:
		return "new_message"
	case EventEdit:
		return "edit"
	case EventReadIn:
		return "read_in"
	case EventReadOut:
		return "read_out"
	case EventTyping:
		return "typing"
	case EventRecording:
		return "recording"
	default:
		return "unknown_" + strconv.Itoa(int(t))
	}
}
