// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aiku/telehooper/pkg/attachment"
	"github.com/aiku/telehooper/pkg/dialogue"
	"github.com/aiku/telehooper/pkg/hub"
	"github.com/aiku/telehooper/pkg/ledger"
)

// HubMedia is a file attached to a hub message.
type HubMedia struct {
	Kind     hub.MediaKind
	FileID   string
	FileName string
	MimeType string
}

// HubMessage is a message received from the hub.
type HubMessage struct {
	ChatID    int64
	TopicID   int64
	MessageID int
	SenderID  int64
	Text      string
	Entities  []tgbotapi.MessageEntity
	// HTML, if set, replaces Text and Entities. It is used for messages
	// posted through the admin API.
	HTML    string
	ReplyTo int
	Media   []HubMedia
	// MediaGroupID is set on every item of an album.
	MediaGroupID string
}

// outboundTarget resolves the binding and account a hub message goes to.
// Messages of unbound chats and of users other than the binding owner are
// skipped silently; a disconnected account gets a notice.
func (b *Bridge) outboundTarget(ctx context.Context, chatID, topicID, senderID int64) (*dialogue.SubGroup, ServiceConnector, bool) {
	sub, ok := b.Registry.LookupByHubChat(chatID, topicID)
	if !ok {
		b.Log.Trace().Int64("chat_id", chatID).Int64("topic_id", topicID).Msg("Skipping message of unbound hub chat")
		return nil, nil, false
	}
	if senderID != sub.Owner.HubUserID {
		b.Log.Debug().Int64("chat_id", chatID).Int64("sender_id", senderID).Msg("Skipping message from non-owner")
		return nil, nil, false
	}
	client, ok := b.Client(sub.Owner.HubUserID)
	if !ok || !client.IsLoggedIn() {
		b.notice(ctx, chatID, topicID, "The VK account of this dialogue is not connected.")
		return nil, nil, false
	}
	return sub, client, true
}

// HandleHubMessage forwards a hub message to the bound remote dialogue.
// Album items are collected first and sent together.
func (b *Bridge) HandleHubMessage(ctx context.Context, msg HubMessage) error {
	sub, client, ok := b.outboundTarget(ctx, msg.ChatID, msg.TopicID, msg.SenderID)
	if !ok {
		return nil
	}
	if msg.MediaGroupID != "" {
		b.albums.Add(albumKey(msg.ChatID, msg.MediaGroupID), msg)
		return nil
	}
	return b.sendToRemote(ctx, sub, client, []HubMessage{msg})
}

func (b *Bridge) flushAlbum(key string, items []HubMessage) {
	if len(items) == 0 {
		return
	}
	first := items[0]
	sub, client, ok := b.outboundTarget(b.ctx, first.ChatID, first.TopicID, first.SenderID)
	if !ok {
		return
	}
	if err := b.sendToRemote(b.ctx, sub, client, items); err != nil {
		b.Log.Err(err).Str("album", key).Msg("Failed to send album")
	}
}

func (b *Bridge) fetchHubMedia(ctx context.Context, m HubMedia) (OutgoingMedia, error) {
	if b.files == nil {
		return OutgoingMedia{}, errors.New("hub file downloads are not configured")
	}
	url, err := b.files.FileURL(m.FileID)
	if err != nil {
		return OutgoingMedia{}, fmt.Errorf("failed to get file URL: %w", err)
	}
	data, err := b.Attachments.Fetch(ctx, m.Kind.String(), url)
	if err != nil {
		return OutgoingMedia{}, err
	}
	return OutgoingMedia{Kind: m.Kind, FileName: m.FileName, Data: data}, nil
}

// sendToRemote sends one hub message, or the items of one album, as a
// single remote message.
func (b *Bridge) sendToRemote(ctx context.Context, sub *dialogue.SubGroup, client ServiceConnector, msgs []HubMessage) error {
	log := b.Log.With().
		Int64("chat_id", sub.GroupID).
		Int64("topic_id", sub.TopicID).
		Int64("peer_id", sub.RemoteDialogueID).
		Int("hub_message_id", msgs[0].MessageID).
		Logger()

	var (
		texts  []string
		media  []OutgoingMedia
		hubIDs []int
	)
	for _, msg := range msgs {
		if msg.MessageID != 0 {
			hubIDs = append(hubIDs, msg.MessageID)
		}
		if text := msg.remoteText(); text != "" {
			texts = append(texts, text)
		}
		for _, m := range msg.Media {
			out, err := b.fetchHubMedia(ctx, m)
			if err != nil {
				log.Warn().Err(err).Str("kind", m.Kind.String()).Msg("Failed to download hub media")
				notice := "Failed to download a file of this message."
				if attachment.IsTooLarge(err) {
					notice = "A file of this message is too large to bridge."
				}
				b.notice(ctx, sub.GroupID, sub.TopicID, notice)
				return nil
			}
			media = append(media, out)
		}
	}
	text := strings.Join(texts, "\n")
	if text == "" && len(media) == 0 {
		log.Debug().Msg("Skipping empty message")
		return nil
	}

	var opts SendOptions
	opts.Media = media
	if replyTo := msgs[0].ReplyTo; replyTo != 0 {
		if entry, ok := b.Ledger.FindByHubID(ServiceVK, sub.Owner.HubUserID, sub.GroupID, replyTo); ok && len(entry.RemoteIDs) > 0 {
			opts.ReplyTo = entry.RemoteIDs[0]
		}
	}

	// The remote feed echoes the message back, possibly before the ledger
	// entry exists. The pending text covers that window.
	sub.PreSend.Set(text, 0)
	remoteID, err := client.SendMessage(ctx, sub.RemoteDialogueID, text, opts)
	if err != nil {
		sub.PreSend.Delete(text)
		b.notice(ctx, sub.GroupID, sub.TopicID, "Failed to deliver the message to VK.")
		return fmt.Errorf("failed to send message to VK: %w", err)
	}
	_, err = b.Ledger.Record(ctx, ledger.Entry{
		Service:       ServiceVK,
		OwnerID:       sub.Owner.HubUserID,
		HubChatID:     sub.GroupID,
		TopicID:       sub.TopicID,
		HubIDs:        hubIDs,
		RemoteIDs:     []int64{remoteID},
		PeerID:        sub.RemoteDialogueID,
		SentViaBridge: true,
	})
	sub.PreSend.Delete(text)
	if err != nil {
		return fmt.Errorf("failed to record sent message: %w", err)
	}
	log.Debug().Int64("remote_id", remoteID).Int("items", len(msgs)).Msg("Bridged message to VK")
	return nil
}

// findHub looks up a bridged hub message, posting a notice on a miss.
func (b *Bridge) findHub(ctx context.Context, sub *dialogue.SubGroup, messageID int) (*ledger.Entry, bool) {
	entry, ok := b.Ledger.FindByHubID(ServiceVK, sub.Owner.HubUserID, sub.GroupID, messageID)
	if !ok || len(entry.RemoteIDs) == 0 {
		b.notice(ctx, sub.GroupID, sub.TopicID, "This message was not found in the dialogue history.")
		return nil, false
	}
	return entry, true
}

// HandleHubEdit applies an edit of a hub message to its remote copy.
func (b *Bridge) HandleHubEdit(ctx context.Context, msg HubMessage) error {
	sub, client, ok := b.outboundTarget(ctx, msg.ChatID, msg.TopicID, msg.SenderID)
	if !ok {
		return nil
	}
	entry, ok := b.findHub(ctx, sub, msg.MessageID)
	if !ok {
		return nil
	}
	text := msg.remoteText()
	if err := client.EditMessage(ctx, entry.PeerID, entry.RemoteIDs[0], text); err != nil {
		return fmt.Errorf("failed to edit VK message: %w", err)
	}
	return nil
}

// HandleHubDelete deletes the remote copies of hub messages.
func (b *Bridge) HandleHubDelete(ctx context.Context, chatID, topicID, senderID int64, messageIDs []int) error {
	sub, client, ok := b.outboundTarget(ctx, chatID, topicID, senderID)
	if !ok {
		return nil
	}
	var (
		entries   []*ledger.Entry
		remoteIDs []int64
	)
	for _, id := range messageIDs {
		entry, found := b.Ledger.FindByHubID(ServiceVK, sub.Owner.HubUserID, sub.GroupID, id)
		if found {
			entries = append(entries, entry)
			remoteIDs = append(remoteIDs, entry.RemoteIDs...)
		}
	}
	if len(remoteIDs) == 0 {
		b.notice(ctx, chatID, topicID, "This message was not found in the dialogue history.")
		return nil
	}
	if err := client.DeleteMessages(ctx, remoteIDs); err != nil {
		return fmt.Errorf("failed to delete VK messages: %w", err)
	}
	for _, entry := range entries {
		if err := b.Ledger.DeleteEntry(ctx, entry); err != nil {
			b.Log.Warn().Err(err).Str("entry_id", entry.ID).Msg("Failed to delete ledger entry")
		}
	}
	return nil
}

// HandleHubRead marks the remote dialogue as read up to a bridged message.
func (b *Bridge) HandleHubRead(ctx context.Context, chatID, topicID, senderID int64, messageID int) error {
	sub, client, ok := b.outboundTarget(ctx, chatID, topicID, senderID)
	if !ok {
		return nil
	}
	entry, ok := b.findHub(ctx, sub, messageID)
	if !ok {
		return nil
	}
	remoteID := entry.RemoteIDs[len(entry.RemoteIDs)-1]
	if err := client.MarkAsRead(ctx, entry.PeerID, remoteID); err != nil {
		return fmt.Errorf("failed to mark VK dialogue as read: %w", err)
	}
	return nil
}

// HandleHubTyping shows the owner as typing in the remote dialogue.
func (b *Bridge) HandleHubTyping(ctx context.Context, chatID, topicID, senderID int64) error {
	sub, client, ok := b.outboundTarget(ctx, chatID, topicID, senderID)
	if !ok {
		return nil
	}
	return client.StartTyping(ctx, sub.RemoteDialogueID)
}

// HandleHubCallback presses a remote keyboard button on behalf of the
// owner. It returns the text to show as the callback answer.
func (b *Bridge) HandleHubCallback(ctx context.Context, chatID, topicID, senderID int64, token string) (string, error) {
	sub, client, ok := b.outboundTarget(ctx, chatID, topicID, senderID)
	if !ok {
		return "", nil
	}
	action, ok := sub.Callbacks.Get(token)
	if !ok {
		b.notice(ctx, chatID, topicID, "This button has expired.")
		return "Expired", nil
	}
	sub.PreSend.Set(action.Label, 0)
	remoteID, err := client.SendMessage(ctx, sub.RemoteDialogueID, action.Label, SendOptions{Payload: action.Payload})
	if err != nil {
		sub.PreSend.Delete(action.Label)
		return "Failed", fmt.Errorf("failed to send button press: %w", err)
	}
	_, err = b.Ledger.Record(ctx, ledger.Entry{
		Service:       ServiceVK,
		OwnerID:       sub.Owner.HubUserID,
		HubChatID:     sub.GroupID,
		TopicID:       sub.TopicID,
		RemoteIDs:     []int64{remoteID},
		PeerID:        sub.RemoteDialogueID,
		SentViaBridge: true,
	})
	sub.PreSend.Delete(action.Label)
	if err != nil {
		b.Log.Warn().Err(err).Msg("Failed to record button press")
	}
	return action.Label, nil
}
