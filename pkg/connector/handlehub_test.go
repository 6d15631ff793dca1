// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aiku/telehooper/pkg/dialogue"
	"github.com/aiku/telehooper/pkg/hub"
)

// setupOutbound binds hub chat 42 to VK peer 100 of hub user 7, whose
// account is a fake connector.
func setupOutbound(t *testing.T) (*testBridge, *fakeConnector, *dialogue.SubGroup) {
	t.Helper()
	tb := newTestBridge(t)
	fc := tb.attachFake(7)
	sub := tb.bind(t, 42, 0, 7, 100)
	return tb, fc, sub
}

func TestOutboundTextRecordsLedger(t *testing.T) {
	t.Parallel()
	tb, fc, sub := setupOutbound(t)
	ctx := context.Background()

	err := tb.HandleHubMessage(ctx, HubMessage{ChatID: 42, MessageID: 5, SenderID: 7, Text: "hi"})
	if err != nil {
		t.Fatalf("HandleHubMessage: %v", err)
	}
	sent := fc.Sent()
	if len(sent) != 1 || sent[0].PeerID != 100 || sent[0].Text != "hi" {
		t.Fatalf("sent: got %+v", sent)
	}
	entry, ok := tb.Ledger.FindByHubID(ServiceVK, 7, 42, 5)
	if !ok {
		t.Fatal("ledger entry not found by hub ID")
	}
	if !entry.SentViaBridge || len(entry.RemoteIDs) != 1 || entry.RemoteIDs[0] != 501 {
		t.Errorf("entry: got %+v", entry)
	}
	if !tb.Ledger.IsEcho(ServiceVK, 7, 501) {
		t.Error("sent message is not recognised as an echo")
	}
	if sub.PreSend.Len() != 0 {
		t.Errorf("pending texts left behind: %d", sub.PreSend.Len())
	}
}

func TestOutboundTextLinksInlined(t *testing.T) {
	t.Parallel()
	tb, fc, _ := setupOutbound(t)
	err := tb.HandleHubMessage(context.Background(), HubMessage{
		ChatID:    42,
		MessageID: 5,
		SenderID:  7,
		Text:      "read docs now",
		Entities:  []tgbotapi.MessageEntity{{Type: "text_link", Offset: 5, Length: 4, URL: "https://d.io"}},
	})
	if err != nil {
		t.Fatalf("HandleHubMessage: %v", err)
	}
	if sent := fc.Sent(); len(sent) != 1 || sent[0].Text != "read docs (https://d.io) now" {
		t.Errorf("sent: got %+v", sent)
	}
}

func TestOutboundSkips(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  HubMessage
	}{
		{"unbound chat", HubMessage{ChatID: 43, MessageID: 1, SenderID: 7, Text: "hi"}},
		{"other topic", HubMessage{ChatID: 42, TopicID: 3, MessageID: 1, SenderID: 7, Text: "hi"}},
		{"non-owner", HubMessage{ChatID: 42, MessageID: 1, SenderID: 8, Text: "hi"}},
		{"empty", HubMessage{ChatID: 42, MessageID: 1, SenderID: 7, Text: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tb, fc, _ := setupOutbound(t)
			if err := tb.HandleHubMessage(context.Background(), tt.msg); err != nil {
				t.Fatalf("HandleHubMessage: %v", err)
			}
			if len(fc.Sent()) != 0 {
				t.Errorf("sent: got %+v", fc.Sent())
			}
			if n := len(tb.hub.Notices()); n != 0 {
				t.Errorf("notices: got %v", tb.hub.Notices())
			}
		})
	}
}

func TestOutboundAccountDisconnected(t *testing.T) {
	t.Parallel()
	tb, fc, _ := setupOutbound(t)
	fc.setLoggedIn(false)

	if err := tb.HandleHubMessage(context.Background(), HubMessage{ChatID: 42, MessageID: 5, SenderID: 7, Text: "hi"}); err != nil {
		t.Fatalf("HandleHubMessage: %v", err)
	}
	if len(fc.Sent()) != 0 {
		t.Error("message sent through a disconnected account")
	}
	notices := tb.hub.Notices()
	if len(notices) != 1 || !strings.Contains(notices[0], "not connected") {
		t.Errorf("notices: got %v", notices)
	}
}

func TestOutboundSendFailure(t *testing.T) {
	t.Parallel()
	tb, fc, sub := setupOutbound(t)
	fc.sendErr = errors.New("flood control")

	err := tb.HandleHubMessage(context.Background(), HubMessage{ChatID: 42, MessageID: 5, SenderID: 7, Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "flood control") {
		t.Fatalf("HandleHubMessage: got %v", err)
	}
	if tb.Ledger.Len() != 0 {
		t.Errorf("ledger entries: got %d, want 0", tb.Ledger.Len())
	}
	if sub.PreSend.Len() != 0 {
		t.Errorf("pending texts left behind: %d", sub.PreSend.Len())
	}
	notices := tb.hub.Notices()
	if len(notices) != 1 || !strings.Contains(notices[0], "Failed to deliver") {
		t.Errorf("notices: got %v", notices)
	}
}

func TestOutboundReplyMapping(t *testing.T) {
	t.Parallel()
	tb, fc, _ := setupOutbound(t)
	ctx := context.Background()

	if err := tb.HandleHubMessage(ctx, HubMessage{ChatID: 42, MessageID: 5, SenderID: 7, Text: "first"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := tb.HandleHubMessage(ctx, HubMessage{ChatID: 42, MessageID: 6, SenderID: 7, Text: "second", ReplyTo: 5}); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := tb.HandleHubMessage(ctx, HubMessage{ChatID: 42, MessageID: 7, SenderID: 7, Text: "third", ReplyTo: 99}); err != nil {
		t.Fatalf("third: %v", err)
	}
	sent := fc.Sent()
	if len(sent) != 3 {
		t.Fatalf("sent: got %d, want 3", len(sent))
	}
	if sent[1].Opts.ReplyTo != 501 {
		t.Errorf("reply: got %d, want 501", sent[1].Opts.ReplyTo)
	}
	if sent[2].Opts.ReplyTo != 0 {
		t.Errorf("reply to unknown message: got %d, want 0", sent[2].Opts.ReplyTo)
	}
}

func TestOutboundMedia(t *testing.T) {
	t.Parallel()
	tb, fc, _ := setupOutbound(t)
	tb.vk.SetFile("pic-1", []byte("PIC"))

	err := tb.HandleHubMessage(context.Background(), HubMessage{
		ChatID:    42,
		MessageID: 5,
		SenderID:  7,
		Text:      "caption",
		Media:     []HubMedia{{Kind: hub.MediaPhoto, FileID: "pic-1"}},
	})
	if err != nil {
		t.Fatalf("HandleHubMessage: %v", err)
	}
	sent := fc.Sent()
	if len(sent) != 1 || len(sent[0].Opts.Media) != 1 {
		t.Fatalf("sent: got %+v", sent)
	}
	if m := sent[0].Opts.Media[0]; m.Kind != hub.MediaPhoto || string(m.Data) != "PIC" {
		t.Errorf("media: got %+v", m)
	}
}

func TestOutboundMediaDownloadFailure(t *testing.T) {
	t.Parallel()
	tb, fc, _ := setupOutbound(t)

	err := tb.HandleHubMessage(context.Background(), HubMessage{
		ChatID:    42,
		MessageID: 5,
		SenderID:  7,
		Media:     []HubMedia{{Kind: hub.MediaDocument, FileID: "missing"}},
	})
	if err != nil {
		t.Fatalf("HandleHubMessage: %v", err)
	}
	if len(fc.Sent()) != 0 {
		t.Error("message sent without its media")
	}
	notices := tb.hub.Notices()
	if len(notices) != 1 || !strings.Contains(notices[0], "Failed to download") {
		t.Errorf("notices: got %v", notices)
	}
}

func TestOutboundAlbumDebounced(t *testing.T) {
	t.Parallel()
	tb, fc, _ := setupOutbound(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		tb.vk.SetFile(name, []byte(name))
	}

	items := []HubMessage{
		{ChatID: 42, MessageID: 12, SenderID: 7, MediaGroupID: "g1", Media: []HubMedia{{Kind: hub.MediaPhoto, FileID: "c"}}},
		{ChatID: 42, MessageID: 10, SenderID: 7, MediaGroupID: "g1", Text: "album", Media: []HubMedia{{Kind: hub.MediaPhoto, FileID: "a"}}},
		{ChatID: 42, MessageID: 11, SenderID: 7, MediaGroupID: "g1", Media: []HubMedia{{Kind: hub.MediaPhoto, FileID: "b"}}},
	}
	for _, item := range items {
		if err := tb.HandleHubMessage(ctx, item); err != nil {
			t.Fatalf("HandleHubMessage: %v", err)
		}
	}
	if !waitFor(t, 2*time.Second, func() bool { return tb.Ledger.Len() == 1 }) {
		t.Fatalf("album was not sent, sent: %+v", fc.Sent())
	}
	sent := fc.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent: got %d messages, want 1", len(sent))
	}
	if sent[0].Text != "album" || len(sent[0].Opts.Media) != 3 {
		t.Errorf("album: got %+v", sent[0])
	}
	var order string
	for _, m := range sent[0].Opts.Media {
		order += string(m.Data)
	}
	if order != "abc" {
		t.Errorf("media order: got %q, want abc", order)
	}
	for _, id := range []int{10, 11, 12} {
		if _, ok := tb.Ledger.FindByHubID(ServiceVK, 7, 42, id); !ok {
			t.Errorf("hub message %d is not in the ledger", id)
		}
	}
}

func TestOutboundAlbumSpacedItems(t *testing.T) {
	t.Parallel()
	tb, fc, _ := setupOutbound(t)
	ctx := context.Background()
	tb.vk.SetFile("a", []byte("a"))

	for i := range 3 {
		msg := HubMessage{ChatID: 42, MessageID: 10 + i, SenderID: 7, MediaGroupID: "g2", Media: []HubMedia{{Kind: hub.MediaPhoto, FileID: "a"}}}
		if err := tb.HandleHubMessage(ctx, msg); err != nil {
			t.Fatalf("HandleHubMessage: %v", err)
		}
		want := i + 1
		if !waitFor(t, 2*time.Second, func() bool { return len(fc.Sent()) == want }) {
			t.Fatalf("item %d was not flushed on its own", i)
		}
	}
	if n := len(fc.Sent()); n != 3 {
		t.Errorf("sent: got %d messages, want 3", n)
	}
}

func TestOutboundEdit(t *testing.T) {
	t.Parallel()
	tb, fc, _ := setupOutbound(t)
	ctx := context.Background()
	if err := tb.HandleHubMessage(ctx, HubMessage{ChatID: 42, MessageID: 5, SenderID: 7, Text: "tpyo"}); err != nil {
		t.Fatalf("HandleHubMessage: %v", err)
	}

	if err := tb.HandleHubEdit(ctx, HubMessage{ChatID: 42, MessageID: 5, SenderID: 7, Text: "typo"}); err != nil {
		t.Fatalf("HandleHubEdit: %v", err)
	}
	if len(fc.edits) != 1 || fc.edits[0] != "501:typo" {
		t.Errorf("edits: got %v", fc.edits)
	}

	if err := tb.HandleHubEdit(ctx, HubMessage{ChatID: 42, MessageID: 99, SenderID: 7, Text: "x"}); err != nil {
		t.Fatalf("HandleHubEdit (unknown): %v", err)
	}
	notices := tb.hub.Notices()
	if len(notices) != 1 || !strings.Contains(notices[0], "not found") {
		t.Errorf("notices: got %v", notices)
	}
}

func TestOutboundDeleteReadTyping(t *testing.T) {
	t.Parallel()
	tb, fc, _ := setupOutbound(t)
	ctx := context.Background()
	if err := tb.HandleHubMessage(ctx, HubMessage{ChatID: 42, MessageID: 5, SenderID: 7, Text: "hi"}); err != nil {
		t.Fatalf("HandleHubMessage: %v", err)
	}

	if err := tb.HandleHubRead(ctx, 42, 0, 7, 5); err != nil {
		t.Fatalf("HandleHubRead: %v", err)
	}
	if len(fc.reads) != 1 || fc.reads[0] != 501 {
		t.Errorf("reads: got %v", fc.reads)
	}
	if err := tb.HandleHubTyping(ctx, 42, 0, 7); err != nil {
		t.Fatalf("HandleHubTyping: %v", err)
	}
	if fc.typing != 1 {
		t.Errorf("typing: got %d", fc.typing)
	}

	if err := tb.HandleHubDelete(ctx, 42, 0, 7, []int{5}); err != nil {
		t.Fatalf("HandleHubDelete: %v", err)
	}
	if len(fc.deleted) != 1 || fc.deleted[0] != 501 {
		t.Errorf("deleted: got %v", fc.deleted)
	}
	if tb.Ledger.Len() != 0 {
		t.Errorf("ledger entries after delete: %d", tb.Ledger.Len())
	}

	if err := tb.HandleHubDelete(ctx, 42, 0, 7, []int{5}); err != nil {
		t.Fatalf("HandleHubDelete (again): %v", err)
	}
	if notices := tb.hub.Notices(); len(notices) != 1 {
		t.Errorf("notices: got %v", notices)
	}
}

func TestOutboundCallback(t *testing.T) {
	t.Parallel()
	tb, fc, sub := setupOutbound(t)
	ctx := context.Background()
	sub.Callbacks.Set("tok-1", dialogue.CallbackAction{Label: "Yes", Payload: `{"a":1}`, MessageID: 400})

	answer, err := tb.HandleHubCallback(ctx, 42, 0, 7, "tok-1")
	if err != nil {
		t.Fatalf("HandleHubCallback: %v", err)
	}
	if answer != "Yes" {
		t.Errorf("answer: got %q", answer)
	}
	sent := fc.Sent()
	if len(sent) != 1 || sent[0].Text != "Yes" || sent[0].Opts.Payload != `{"a":1}` {
		t.Fatalf("sent: got %+v", sent)
	}
	if !tb.Ledger.IsEcho(ServiceVK, 7, 501) {
		t.Error("button press is not recognised as an echo")
	}

	answer, err = tb.HandleHubCallback(ctx, 42, 0, 7, "gone")
	if err != nil {
		t.Fatalf("HandleHubCallback (expired): %v", err)
	}
	if answer != "Expired" {
		t.Errorf("answer: got %q", answer)
	}
	if notices := tb.hub.Notices(); len(notices) != 1 || !strings.Contains(notices[0], "expired") {
		t.Errorf("notices: got %v", notices)
	}
}
