// Copyright 2024-2026 Aiku AI

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const maxMediaGroup = 10

// TelegramSender implements Sender over the Telegram Bot API. It holds the
// main bot and any number of minibots; calls pick a bot by Options.As.
type TelegramSender struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger

	mainID int64
	botsMu sync.RWMutex
	bots   map[int64]*tgbotapi.BotAPI
}

var _ Sender = (*TelegramSender)(nil)

// NewTelegramSender logs in the main bot. endpoint is a Bot API endpoint
// format string; empty means tgbotapi.APIEndpoint.
func NewTelegramSender(token, endpoint string, client *http.Client, log zerolog.Logger) (*TelegramSender, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	s := &TelegramSender{
		endpoint: endpoint,
		client:   client,
		log:      log.With().Str("component", "telegram").Logger(),
		bots:     make(map[int64]*tgbotapi.BotAPI),
	}
	bot, err := s.login(token)
	if err != nil {
		return nil, fmt.Errorf("failed to log in main bot: %w", err)
	}
	s.mainID = bot.Self.ID
	s.bots[bot.Self.ID] = bot
	s.log.Info().Int64("bot_id", bot.Self.ID).Str("username", bot.Self.UserName).Msg("Logged in main bot")
	return s, nil
}

func (s *TelegramSender) login(token string) (*tgbotapi.BotAPI, error) {
	return tgbotapi.NewBotAPIWithClient(token, s.endpoint, s.client)
}

// MainBotID returns the user ID of the main bot.
func (s *TelegramSender) MainBotID() int64 {
	return s.mainID
}

// MainBot returns the main bot client, used for receiving updates.
func (s *TelegramSender) MainBot() *tgbotapi.BotAPI {
	s.botsMu.RLock()
	defer s.botsMu.RUnlock()
	return s.bots[s.mainID]
}

// AddMinibot logs in an additional bot and returns its user ID. Adding a
// bot that is already known replaces its client.
func (s *TelegramSender) AddMinibot(token string) (int64, error) {
	bot, err := s.login(token)
	if err != nil {
		return 0, err
	}
	s.botsMu.Lock()
	s.bots[bot.Self.ID] = bot
	s.botsMu.Unlock()
	s.log.Info().Int64("bot_id", bot.Self.ID).Str("username", bot.Self.UserName).Msg("Loaded minibot")
	return bot.Self.ID, nil
}

// RemoveMinibot forgets a minibot. The main bot cannot be removed.
func (s *TelegramSender) RemoveMinibot(id int64) {
	if id == s.mainID {
		return
	}
	s.botsMu.Lock()
	delete(s.bots, id)
	s.botsMu.Unlock()
}

// Minibots returns the user IDs of all loaded minibots.
func (s *TelegramSender) Minibots() []int64 {
	s.botsMu.RLock()
	defer s.botsMu.RUnlock()
	ids := make([]int64, 0, len(s.bots))
	for id := range s.bots {
		if id != s.mainID {
			ids = append(ids, id)
		}
	}
	return ids
}

// HasBot reports whether a bot with the given user ID is loaded.
func (s *TelegramSender) HasBot(id int64) bool {
	s.botsMu.RLock()
	defer s.botsMu.RUnlock()
	_, ok := s.bots[id]
	return ok
}

// ReloadMinibots makes the loaded minibots match tokens. Bots whose token is
// unchanged are kept as-is; tokens that fail to log in are skipped.
func (s *TelegramSender) ReloadMinibots(tokens []string) (added, removed int) {
	desired := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		desired[t] = struct{}{}
	}

	s.botsMu.Lock()
	for id, bot := range s.bots {
		if id == s.mainID {
			continue
		}
		if _, ok := desired[bot.Token]; ok {
			delete(desired, bot.Token)
			continue
		}
		s.log.Info().Int64("bot_id", id).Msg("Removing minibot")
		delete(s.bots, id)
		removed++
	}
	s.botsMu.Unlock()

	for token := range desired {
		if _, err := s.AddMinibot(token); err != nil {
			s.log.Err(err).Msg("Failed to log in minibot during reload, skipping")
			continue
		}
		added++
	}
	s.log.Info().
		Int("added", added).
		Int("removed", removed).
		Int("total", len(s.Minibots())).
		Msg("Minibot reload complete")
	return added, removed
}

// FileURL resolves a hub file ID to a temporary download URL.
func (s *TelegramSender) FileURL(fileID string) (string, error) {
	return s.MainBot().GetFileDirectURL(fileID)
}

func (s *TelegramSender) bot(as int64) (*tgbotapi.BotAPI, error) {
	if as == 0 {
		as = s.mainID
	}
	s.botsMu.RLock()
	defer s.botsMu.RUnlock()
	bot, ok := s.bots[as]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBot, as)
	}
	return bot, nil
}

func baseParams(chatID, topicID int64) tgbotapi.Params {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonZero64("message_thread_id", topicID)
	return params
}

func decodeMessage(resp *tgbotapi.APIResponse) (*tgbotapi.Message, error) {
	var msg tgbotapi.Message
	if err := json.Unmarshal(resp.Result, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode sent message: %w", err)
	}
	return &msg, nil
}

func buildKeyboard(rows [][]Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	keyboard := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			} else {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.CallbackData))
			}
		}
		keyboard = append(keyboard, buttons)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(keyboard...)
	return &markup
}

// SendMessage sends text, media, a location or any combination. Text
// becomes the caption of the first media item if there is media.
func (s *TelegramSender) SendMessage(ctx context.Context, msg Message, opts Options) (*Sent, error) {
	bot, err := s.bot(opts.As)
	if err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	sent := &Sent{FileIDs: make([]string, len(msg.Media))}
	text := msg.Text
	replyTo := msg.ReplyTo
	// Keyboards only attach to text messages, so the text is not used as a
	// caption when there are buttons.
	var caption string
	if len(msg.Buttons) == 0 {
		caption, text = text, ""
	}

	var group []int
	for i, m := range msg.Media {
		if m.Kind.Groupable() && len(msg.Media) > 1 {
			group = append(group, i)
			continue
		}
		out, err := s.sendSingleMedia(bot, msg, m, caption, replyTo)
		if err != nil {
			return sent, err
		}
		if m.Kind.Captionable() {
			caption = ""
		}
		replyTo = 0
		sent.MessageIDs = append(sent.MessageIDs, out.MessageID)
		sent.FileIDs[i] = fileIDOf(out)
	}
	for start := 0; start < len(group); start += maxMediaGroup {
		end := min(start+maxMediaGroup, len(group))
		chunk := group[start:end]
		if len(chunk) == 1 {
			out, err := s.sendSingleMedia(bot, msg, msg.Media[chunk[0]], caption, replyTo)
			if err != nil {
				return sent, err
			}
			sent.MessageIDs = append(sent.MessageIDs, out.MessageID)
			sent.FileIDs[chunk[0]] = fileIDOf(out)
		} else {
			outs, err := s.sendMediaGroup(bot, msg, chunk, caption, replyTo)
			if err != nil {
				return sent, err
			}
			for j, out := range outs {
				sent.MessageIDs = append(sent.MessageIDs, out.MessageID)
				if j < len(chunk) {
					sent.FileIDs[chunk[j]] = fileIDOf(&out)
				}
			}
		}
		caption, replyTo = "", 0
	}

	if msg.Location != nil {
		params := baseParams(msg.ChatID, msg.TopicID)
		params.AddNonZeroFloat("latitude", msg.Location.Latitude)
		params.AddNonZeroFloat("longitude", msg.Location.Longitude)
		params.AddNonZero("reply_to_message_id", replyTo)
		params.AddBool("disable_notification", msg.Silent)
		out, err := s.request(bot, "sendLocation", params)
		if err != nil {
			return sent, err
		}
		replyTo = 0
		sent.MessageIDs = append(sent.MessageIDs, out.MessageID)
	}

	text += caption
	if text != "" {
		params := baseParams(msg.ChatID, msg.TopicID)
		params["text"] = text
		params["parse_mode"] = tgbotapi.ModeHTML
		params.AddNonZero("reply_to_message_id", replyTo)
		params.AddBool("disable_notification", msg.Silent)
		params.AddBool("disable_web_page_preview", true)
		if kb := buildKeyboard(msg.Buttons); kb != nil {
			if err := params.AddInterface("reply_markup", kb); err != nil {
				return sent, err
			}
		}
		out, err := s.request(bot, "sendMessage", params)
		if err != nil {
			return sent, err
		}
		sent.MessageIDs = append(sent.MessageIDs, out.MessageID)
	}
	return sent, nil
}

func mediaMethod(kind MediaKind) (method, field string) {
	switch kind {
	case MediaPhoto:
		return "sendPhoto", "photo"
	case MediaVideo:
		return "sendVideo", "video"
	case MediaAudio:
		return "sendAudio", "audio"
	case MediaVoice:
		return "sendVoice", "voice"
	case MediaSticker:
		return "sendSticker", "sticker"
	case MediaAnimation:
		return "sendAnimation", "animation"
	case MediaVideoNote:
		return "sendVideoNote", "video_note"
	default:
		return "sendDocument", "document"
	}
}

func fileData(m *Media) tgbotapi.RequestFileData {
	switch {
	case m.FileID != "":
		return tgbotapi.FileID(m.FileID)
	case m.URL != "":
		return tgbotapi.FileURL(m.URL)
	default:
		name := m.FileName
		if name == "" {
			name = m.Kind.String()
		}
		return tgbotapi.FileBytes{Name: name, Bytes: m.Data}
	}
}

func (s *TelegramSender) sendSingleMedia(bot *tgbotapi.BotAPI, msg Message, m *Media, caption string, replyTo int) (*tgbotapi.Message, error) {
	method, field := mediaMethod(m.Kind)
	params := baseParams(msg.ChatID, msg.TopicID)
	if caption != "" && m.Kind.Captionable() {
		params["caption"] = caption
		params["parse_mode"] = tgbotapi.ModeHTML
	}
	params.AddNonZero("reply_to_message_id", replyTo)
	params.AddBool("disable_notification", msg.Silent)
	resp, err := bot.UploadFiles(method, params, []tgbotapi.RequestFile{{Name: field, Data: fileData(m)}})
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}
	return decodeMessage(resp)
}

type inputMedia struct {
	Type      string `json:"type"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

func groupType(kind MediaKind) string {
	switch kind {
	case MediaPhoto:
		return "photo"
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	default:
		return "document"
	}
}

func (s *TelegramSender) sendMediaGroup(bot *tgbotapi.BotAPI, msg Message, idx []int, caption string, replyTo int) ([]tgbotapi.Message, error) {
	items := make([]inputMedia, 0, len(idx))
	var files []tgbotapi.RequestFile
	for n, i := range idx {
		m := msg.Media[i]
		item := inputMedia{Type: groupType(m.Kind)}
		switch data := fileData(m).(type) {
		case tgbotapi.FileBytes:
			name := "file-" + strconv.Itoa(n)
			item.Media = "attach://" + name
			files = append(files, tgbotapi.RequestFile{Name: name, Data: data})
		default:
			item.Media = data.SendData()
		}
		if n == 0 && caption != "" {
			item.Caption = caption
			item.ParseMode = tgbotapi.ModeHTML
		}
		items = append(items, item)
	}
	params := baseParams(msg.ChatID, msg.TopicID)
	if err := params.AddInterface("media", items); err != nil {
		return nil, err
	}
	params.AddNonZero("reply_to_message_id", replyTo)
	params.AddBool("disable_notification", msg.Silent)
	resp, err := bot.UploadFiles("sendMediaGroup", params, files)
	if err != nil {
		return nil, fmt.Errorf("sendMediaGroup failed: %w", err)
	}
	var out []tgbotapi.Message
	if err = json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("failed to decode media group: %w", err)
	}
	return out, nil
}

func fileIDOf(msg *tgbotapi.Message) string {
	switch {
	case len(msg.Photo) > 0:
		return msg.Photo[len(msg.Photo)-1].FileID
	case msg.Video != nil:
		return msg.Video.FileID
	case msg.Audio != nil:
		return msg.Audio.FileID
	case msg.Voice != nil:
		return msg.Voice.FileID
	case msg.Sticker != nil:
		return msg.Sticker.FileID
	case msg.Animation != nil:
		return msg.Animation.FileID
	case msg.VideoNote != nil:
		return msg.VideoNote.FileID
	case msg.Document != nil:
		return msg.Document.FileID
	default:
		return ""
	}
}

func (s *TelegramSender) request(bot *tgbotapi.BotAPI, method string, params tgbotapi.Params) (*tgbotapi.Message, error) {
	resp, err := bot.MakeRequest(method, params)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}
	return decodeMessage(resp)
}

func (s *TelegramSender) call(ctx context.Context, as int64, method string, params tgbotapi.Params) error {
	bot, err := s.bot(as)
	if err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	if _, err = bot.MakeRequest(method, params); err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	return nil
}

// EditMessage replaces the text of a message, or its caption if the
// message carries media.
func (s *TelegramSender) EditMessage(ctx context.Context, chatID int64, messageID int, text string, opts Options) error {
	params := baseParams(chatID, 0)
	params.AddNonZero("message_id", messageID)
	params["text"] = text
	params["parse_mode"] = tgbotapi.ModeHTML
	err := s.call(ctx, opts.As, "editMessageText", params)
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && strings.Contains(tgErr.Message, "no text in the message") {
		delete(params, "text")
		params["caption"] = text
		err = s.call(ctx, opts.As, "editMessageCaption", params)
	}
	return err
}

// DeleteMessages deletes every message, continuing past failures and
// returning the first error.
func (s *TelegramSender) DeleteMessages(ctx context.Context, chatID int64, messageIDs []int, opts Options) error {
	var firstErr error
	for _, id := range messageIDs {
		params := baseParams(chatID, 0)
		params.AddNonZero("message_id", id)
		if err := s.call(ctx, opts.As, "deleteMessage", params); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *TelegramSender) StartActivity(ctx context.Context, chatID, topicID int64, kind ActivityKind, opts Options) error {
	params := baseParams(chatID, topicID)
	params["action"] = string(kind)
	return s.call(ctx, opts.As, "sendChatAction", params)
}

func (s *TelegramSender) PinMessage(ctx context.Context, chatID int64, messageID int, opts Options) error {
	params := baseParams(chatID, 0)
	params.AddNonZero("message_id", messageID)
	params.AddBool("disable_notification", true)
	return s.call(ctx, opts.As, "pinChatMessage", params)
}

func (s *TelegramSender) UnpinMessage(ctx context.Context, chatID int64, messageID int, opts Options) error {
	params := baseParams(chatID, 0)
	params.AddNonZero("message_id", messageID)
	return s.call(ctx, opts.As, "unpinChatMessage", params)
}

// RetryAfter extracts the flood-wait hint from a Bot API error, in seconds.
func RetryAfter(err error) int {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return tgErr.RetryAfter
	}
	return 0
}
