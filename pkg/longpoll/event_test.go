// Copyright 2024-2026 Aiku AI

package longpoll

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestDecode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		ok       bool
		typ      EventType
		msgID    int64
		peer     int64
		text     string
		outgoing bool
		deleted  bool
		from     int64
		full     bool
	}{
		{
			name: "new message, subject layout",
			raw:  `[4,555,0,100,1700000000,0,"hello",{}]`,
			ok:   true, typ: EventNewMessage, msgID: 555, peer: 100, text: "hello",
		},
		{
			name: "new message, extras layout",
			raw:  `[4,556,3,2000000001,1700000001,"hi all",{"from":"77","title":""},{"attach1_type":"photo","attach1":"10_20"},0,12]`,
			ok:   true, typ: EventNewMessage, msgID: 556, peer: 2000000001, text: "hi all",
			outgoing: true, from: 77, full: true,
		},
		{
			name: "reply needs full message",
			raw:  `[4,557,1,100,1700000002,"re",{},{"reply":"{\"conversation_message_id\":3}"}]`,
			ok:   true, typ: EventNewMessage, msgID: 557, peer: 100, text: "re", full: true,
		},
		{
			name: "pin action",
			raw:  `[4,558,1,2000000001,1700000003,"",{"source_act":"chat_pin_message","source_mid":"42","from":"1"},{}]`,
			ok:   true, typ: EventNewMessage, msgID: 558, peer: 2000000001, from: 1, full: true,
		},
		{
			name: "edit",
			raw:  `[5,555,0,100,1700000005,"hello!",{},{}]`,
			ok:   true, typ: EventEdit, msgID: 555, peer: 100, text: "hello!",
		},
		{
			name: "deleted for all",
			raw:  `[2,555,131200,100]`,
			ok:   true, typ: EventFlagsSet, msgID: 555, peer: 100, deleted: true,
		},
		{
			name: "marked important only",
			raw:  `[2,555,8,100]`,
			ok:   true, typ: EventFlagsSet, msgID: 555, peer: 100,
		},
		{
			name: "read incoming",
			raw:  `[6,100,555]`,
			ok:   true, typ: EventReadIn, msgID: 555, peer: 100,
		},
		{
			name: "read outgoing",
			raw:  `[7,100,556]`,
			ok:   true, typ: EventReadOut, msgID: 556, peer: 100,
		},
		{
			name: "typing",
			raw:  `[63,2000000001,[77,78],2,1700000006]`,
			ok:   true, typ: EventTyping, peer: 2000000001,
		},
		{name: "unknown tag", raw: `[80,1,0]`, ok: false},
		{name: "truncated", raw: `[4,1]`, ok: false},
		{name: "empty", raw: `[]`, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := Decode(gjson.Parse(tt.raw))
			if ok != tt.ok {
				t.Fatalf("ok: got %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if ev.Type != tt.typ || ev.MessageID != tt.msgID || ev.PeerID != tt.peer || ev.Text != tt.text {
				t.Errorf("got type=%v id=%d peer=%d text=%q", ev.Type, ev.MessageID, ev.PeerID, ev.Text)
			}
			if ev.Outgoing() != tt.outgoing {
				t.Errorf("Outgoing: got %v", ev.Outgoing())
			}
			if ev.Deleted() != tt.deleted {
				t.Errorf("Deleted: got %v", ev.Deleted())
			}
			if ev.FromID() != tt.from {
				t.Errorf("FromID: got %d, want %d", ev.FromID(), tt.from)
			}
			if ev.NeedsFullMessage() != tt.full {
				t.Errorf("NeedsFullMessage: got %v", ev.NeedsFullMessage())
			}
		})
	}
}

func TestDecodeTypingUsers(t *testing.T) {
	t.Parallel()
	ev, ok := Decode(gjson.Parse(`[64,2000000001,[77,78],2,1700000006]`))
	if !ok || ev.Type != EventRecording {
		t.Fatalf("Decode: %v %v", ev.Type, ok)
	}
	if len(ev.UserIDs) != 2 || ev.UserIDs[1] != 78 {
		t.Errorf("UserIDs: got %v", ev.UserIDs)
	}
}

func TestDecodeExtrasLayoutFields(t *testing.T) {
	t.Parallel()
	ev, _ := Decode(gjson.Parse(`[4,556,3,100,1700000001,"x",{},{},987654,12]`))
	if ev.RandomID != 987654 || ev.ConversationMessageID != 12 {
		t.Errorf("RandomID=%d ConversationMessageID=%d", ev.RandomID, ev.ConversationMessageID)
	}
	if ev.SourceAction() != "" || ev.SourceMessageID() != 0 {
		t.Error("unexpected source action")
	}
}

func TestEventTypeString(t *testing.T) {
	t.Parallel()
	if EventNewMessage.String() != "new_message" || EventType(99).String() != "unknown_99" {
		t.Errorf("String: %s %s", EventNewMessage, EventType(99))
	}
}
