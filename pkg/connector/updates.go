// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/tidwall/gjson"

	"github.com/aiku/telehooper/pkg/dialogue"
	"github.com/aiku/telehooper/pkg/hub"
)

var allowedUpdates = []string{"message", "edited_message", "callback_query", "my_chat_member"}

// updateBackoff is the pause after a failed getUpdates call.
const updateBackoff = 3 * time.Second

// RunUpdates long-polls the main bot for hub updates until ctx is done.
// tgbotapi's own update channel predates forum topics, so updates are
// fetched manually and the thread ID is read from the raw payload.
func (b *Bridge) RunUpdates(ctx context.Context, bot *tgbotapi.BotAPI) {
	log := b.Log.With().Str("component", "hub_updates").Logger()
	offset := 0
	for ctx.Err() == nil {
		params := tgbotapi.Params{}
		params.AddNonZero("offset", offset)
		params.AddNonZero("timeout", 30)
		if err := params.AddInterface("allowed_updates", allowedUpdates); err != nil {
			log.Err(err).Msg("Failed to encode allowed updates")
			return
		}
		resp, err := bot.MakeRequest("getUpdates", params)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get hub updates")
			select {
			case <-ctx.Done():
				return
			case <-time.After(updateBackoff):
			}
			continue
		}
		var updates []tgbotapi.Update
		if err = json.Unmarshal(resp.Result, &updates); err != nil {
			log.Err(err).Msg("Failed to decode hub updates")
			continue
		}
		raw := gjson.ParseBytes(resp.Result).Array()
		for i, update := range updates {
			offset = update.UpdateID + 1
			var threadID int64
			if i < len(raw) {
				threadID = topicOf(raw[i])
			}
			answer, err := b.HandleUpdate(ctx, update, threadID)
			if err != nil {
				log.Err(err).Int("update_id", update.UpdateID).Msg("Failed to handle hub update")
			}
			if update.CallbackQuery != nil {
				if _, err = bot.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, answer)); err != nil {
					log.Debug().Err(err).Msg("Failed to answer callback query")
				}
			}
		}
	}
}

// topicOf returns the forum topic of the message in a raw update, or 0.
func topicOf(raw gjson.Result) int64 {
	for _, path := range []string{"message", "edited_message", "callback_query.message"} {
		msg := raw.Get(path)
		if msg.Exists() {
			if msg.Get("is_topic_message").Bool() {
				return msg.Get("message_thread_id").Int()
			}
			return 0
		}
	}
	return 0
}

// HandleUpdate routes one hub update. threadID is the forum topic the update
// belongs to. For callback queries the returned text is the answer to show.
func (b *Bridge) HandleUpdate(ctx context.Context, update tgbotapi.Update, threadID int64) (string, error) {
	switch {
	case update.MyChatMember != nil:
		return "", b.handleMembership(ctx, update.MyChatMember)
	case update.Message != nil:
		return "", b.handleHubUpdateMessage(ctx, update.Message, threadID)
	case update.EditedMessage != nil:
		msg := convertHubMessage(update.EditedMessage, threadID)
		if msg.SenderID == 0 {
			return "", nil
		}
		return "", b.HandleHubEdit(ctx, msg)
	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		if cq.Message == nil || cq.From == nil {
			return "", nil
		}
		return b.HandleHubCallback(ctx, cq.Message.Chat.ID, threadID, cq.From.ID, cq.Data)
	default:
		b.Log.Trace().Int("update_id", update.UpdateID).Msg("Unhandled update type")
		return "", nil
	}
}

func (b *Bridge) handleMembership(ctx context.Context, upd *tgbotapi.ChatMemberUpdated) error {
	if upd.NewChatMember.User == nil || upd.NewChatMember.User.ID != b.mainBotID {
		return nil
	}
	switch upd.NewChatMember.Status {
	case "member", "administrator":
		return b.GroupJoined(ctx, upd.Chat.ID, upd.From.ID, upd.NewChatMember.Status == "administrator")
	case "left", "kicked":
		return b.GroupLeft(ctx, upd.Chat.ID)
	}
	return nil
}

func (b *Bridge) handleHubUpdateMessage(ctx context.Context, m *tgbotapi.Message, threadID int64) error {
	if m.Chat == nil {
		return nil
	}
	for _, user := range m.NewChatMembers {
		if user.IsBot && user.ID != b.mainBotID {
			if err := b.MinibotJoined(ctx, m.Chat.ID, user.ID); err != nil {
				return err
			}
		}
	}
	if user := m.LeftChatMember; user != nil && user.IsBot && user.ID != b.mainBotID {
		return b.MinibotLeft(ctx, m.Chat.ID, user.ID)
	}
	if m.From == nil || m.From.IsBot {
		return nil
	}
	if m.IsCommand() {
		return b.handleCommand(ctx, m, threadID)
	}
	msg := convertHubMessage(m, threadID)
	if msg.Text == "" && len(msg.Media) == 0 {
		return nil
	}
	return b.HandleHubMessage(ctx, msg)
}

// convertHubMessage extracts the bridged parts of a Telegram message.
func convertHubMessage(m *tgbotapi.Message, threadID int64) HubMessage {
	msg := HubMessage{
		ChatID:       m.Chat.ID,
		TopicID:      threadID,
		MessageID:    m.MessageID,
		Text:         m.Text,
		Entities:     m.Entities,
		MediaGroupID: m.MediaGroupID,
	}
	if m.From != nil {
		msg.SenderID = m.From.ID
	}
	if m.Caption != "" {
		msg.Text = m.Caption
		msg.Entities = m.CaptionEntities
	}
	// A reply to the topic's opening message is not a real reply.
	if r := m.ReplyToMessage; r != nil && int64(r.MessageID) != threadID {
		msg.ReplyTo = r.MessageID
	}
	add := func(kind hub.MediaKind, fileID, name, mime string) {
		msg.Media = append(msg.Media, HubMedia{Kind: kind, FileID: fileID, FileName: name, MimeType: mime})
	}
	switch {
	case len(m.Photo) > 0:
		add(hub.MediaPhoto, m.Photo[len(m.Photo)-1].FileID, "", "image/jpeg")
	case m.Animation != nil:
		add(hub.MediaAnimation, m.Animation.FileID, m.Animation.FileName, m.Animation.MimeType)
	case m.Video != nil:
		add(hub.MediaVideo, m.Video.FileID, m.Video.FileName, m.Video.MimeType)
	case m.VideoNote != nil:
		add(hub.MediaVideoNote, m.VideoNote.FileID, "", "video/mp4")
	case m.Voice != nil:
		add(hub.MediaVoice, m.Voice.FileID, "", m.Voice.MimeType)
	case m.Audio != nil:
		add(hub.MediaAudio, m.Audio.FileID, m.Audio.FileName, m.Audio.MimeType)
	case m.Sticker != nil:
		add(hub.MediaSticker, m.Sticker.FileID, "", "image/webp")
	case m.Document != nil:
		add(hub.MediaDocument, m.Document.FileID, m.Document.FileName, m.Document.MimeType)
	}
	return msg
}

// handleCommand implements the chat commands for linking and binding. The
// replies are plain notices.
func (b *Bridge) handleCommand(ctx context.Context, m *tgbotapi.Message, threadID int64) error {
	chatID := m.Chat.ID
	args := strings.TrimSpace(m.CommandArguments())
	reply := func(text string) {
		b.notice(ctx, chatID, threadID, text)
	}
	switch m.Command() {
	case "link":
		if !m.Chat.IsPrivate() {
			reply("Send /link in a private chat with the bot.")
			return nil
		}
		remoteID, err := b.LinkAccount(ctx, m.From.ID, args)
		if err != nil {
			reply("Failed to link the VK account.")
			return err
		}
		reply("Linked VK account id" + strconv.FormatInt(remoteID, 10) + ".")
	case "unlink":
		if err := b.UnlinkAccount(ctx, m.From.ID); errors.Is(err, ErrAccountNotConnected) {
			reply("No VK account is linked.")
		} else if err != nil {
			return err
		} else {
			reply("VK account unlinked.")
		}
	case "bind":
		peerID, err := strconv.ParseInt(args, 10, 64)
		if err != nil {
			reply("Usage: /bind &lt;peer id&gt;")
			return nil
		}
		sub, err := b.BindDialogue(ctx, chatID, threadID, m.From.ID, ServiceVK, peerID)
		var inUse *dialogue.DialogueInUseError
		switch {
		case errors.Is(err, ErrAccountNotConnected):
			reply("Link a VK account first.")
		case errors.Is(err, ErrNotGroupCreator):
			reply("Only the creator of this chat can bind dialogues.")
		case dialogue.IsAlreadyBound(err):
			reply("This chat is already bound to another dialogue.")
		case errors.As(err, &inUse):
			reply("This dialogue is already bound to another chat.")
		case err != nil:
			reply("Failed to bind the dialogue.")
			return err
		default:
			reply(fmt.Sprintf("Bound to <b>%s</b>.", html.EscapeString(sub.RemoteDialogueName)))
		}
	case "unbind":
		if err := b.UnbindDialogue(ctx, chatID, threadID); errors.Is(err, dialogue.ErrNotBound) {
			reply("This chat is not bound.")
		} else if err != nil {
			return err
		} else {
			reply("Dialogue unbound.")
		}
	case "quality":
		quality, err := strconv.Atoi(args)
		if args == "" || err != nil {
			reply("Usage: /quality &lt;1080|720|480|360|240|144|0&gt;")
			return nil
		}
		switch err = b.SetVideoQuality(ctx, m.From.ID, quality); {
		case errors.Is(err, ErrAccountNotConnected):
			reply("Link a VK account first.")
		case errors.Is(err, ErrInvalidVideoQuality):
			reply("Unsupported video quality.")
		case err != nil:
			return err
		case quality == 0:
			reply("Video quality reset to the default.")
		default:
			reply("Videos will be bridged in at most " + strconv.Itoa(quality) + "p.")
		}
	default:
		b.Log.Trace().Str("command", m.Command()).Msg("Ignoring unknown command")
	}
	return nil
}
