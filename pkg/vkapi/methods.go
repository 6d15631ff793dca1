// Copyright 2024-2026 Aiku AI

package vkapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ChatPeerOffset is added to a chat ID to form its peer ID.
const ChatPeerOffset = 2000000000

// LongPollServer is the result of messages.getLongPollServer.
type LongPollServer struct {
	Server string
	Key    string
	TS     int64
}

// User is a subset of the VK user object.
type User struct {
	ID         int64
	FirstName  string
	LastName   string
	ScreenName string
	Photo      string
}

// FullName joins the first and last name.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Conversation is a subset of messages.getConversationsById.
type Conversation struct {
	PeerID      int64
	Type        string
	Title       string
	Photo       string
	IsMultiUser bool
	IsPinned    bool
	IsMuted     bool
}

// Message is a subset of the VK message object. Attachments, Keyboard and
// Geo are kept raw for the attachment pipeline and the formatters.
type Message struct {
	ID                    int64
	ConversationMessageID int64
	PeerID                int64
	FromID                int64
	Date                  int64
	Text                  string
	Out                   bool
	ReplyTo               int64
	ReplyToConversationID int64
	ForwardCount          int
	Attachments           []gjson.Result
	Geo                   gjson.Result
	Keyboard              gjson.Result
	ActionType            string
	ActionConversationID  int64
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func (c *Client) GetLongPollServer(ctx context.Context, lpVersion int) (*LongPollServer, error) {
	res, err := c.Call(ctx, "messages.getLongPollServer", url.Values{
		"lp_version": {strconv.Itoa(lpVersion)},
		"need_pts":   {"0"},
	})
	if err != nil {
		return nil, err
	}
	srv := &LongPollServer{
		Server: res.Get("server").String(),
		Key:    res.Get("key").String(),
		TS:     res.Get("ts").Int(),
	}
	if srv.Server == "" || srv.Key == "" {
		return nil, fmt.Errorf("messages.getLongPollServer returned no server")
	}
	return srv, nil
}

// UsersGet fetches users by ID; with no IDs it returns the token owner.
func (c *Client) UsersGet(ctx context.Context, ids ...int64) ([]User, error) {
	params := url.Values{"fields": {"screen_name,photo_200"}}
	if len(ids) > 0 {
		params.Set("user_ids", joinIDs(ids))
	}
	res, err := c.Call(ctx, "users.get", params)
	if err != nil {
		return nil, err
	}
	var users []User
	for _, u := range res.Array() {
		users = append(users, parseUser(u))
	}
	return users, nil
}

func parseUser(u gjson.Result) User {
	return User{
		ID:         u.Get("id").Int(),
		FirstName:  u.Get("first_name").String(),
		LastName:   u.Get("last_name").String(),
		ScreenName: u.Get("screen_name").String(),
		Photo:      u.Get("photo_200").String(),
	}
}

func (c *Client) GetConversation(ctx context.Context, peerID int64) (*Conversation, error) {
	res, err := c.Call(ctx, "messages.getConversationsById", url.Values{
		"peer_ids": {strconv.FormatInt(peerID, 10)},
		"extended": {"1"},
		"fields":   {"photo_200"},
	})
	if err != nil {
		return nil, err
	}
	item := res.Get("items.0")
	if !item.Exists() {
		return nil, &Error{Code: CodeAccessDenied, Message: "conversation not found", Method: "messages.getConversationsById"}
	}
	conv := &Conversation{
		PeerID:   peerID,
		Type:     item.Get("peer.type").String(),
		IsPinned: item.Get("sort_id.major_id").Int() > 0,
		IsMuted:  item.Get("push_settings.disabled_forever").Bool() || item.Get("push_settings.no_sound").Bool(),
	}
	switch conv.Type {
	case "chat":
		conv.IsMultiUser = true
		conv.Title = item.Get("chat_settings.title").String()
		conv.Photo = item.Get("chat_settings.photo.photo_200").String()
	case "group":
		for _, g := range res.Get("groups").Array() {
			if -g.Get("id").Int() == peerID {
				conv.Title = g.Get("name").String()
				conv.Photo = g.Get("photo_200").String()
			}
		}
	default:
		for _, p := range res.Get("profiles").Array() {
			if p.Get("id").Int() == peerID {
				u := parseUser(p)
				conv.Title = u.FullName()
				conv.Photo = u.Photo
			}
		}
	}
	return conv, nil
}

// GetMessagesByID fetches full message objects by account-relative ID.
func (c *Client) GetMessagesByID(ctx context.Context, ids ...int64) ([]Message, error) {
	res, err := c.Call(ctx, "messages.getById", url.Values{"message_ids": {joinIDs(ids)}})
	if err != nil {
		return nil, err
	}
	items := res.Get("items").Array()
	out := make([]Message, 0, len(items))
	for _, item := range items {
		out = append(out, ParseMessage(item))
	}
	return out, nil
}

// ParseMessage converts a raw VK message object.
func ParseMessage(item gjson.Result) Message {
	return Message{
		ID:                    item.Get("id").Int(),
		ConversationMessageID: item.Get("conversation_message_id").Int(),
		PeerID:                item.Get("peer_id").Int(),
		FromID:                item.Get("from_id").Int(),
		Date:                  item.Get("date").Int(),
		Text:                  item.Get("text").String(),
		Out:                   item.Get("out").Int() == 1,
		ReplyTo:               item.Get("reply_message.id").Int(),
		ReplyToConversationID: item.Get("reply_message.conversation_message_id").Int(),
		ForwardCount:          len(item.Get("fwd_messages").Array()),
		Attachments:           item.Get("attachments").Array(),
		Geo:                   item.Get("geo"),
		Keyboard:              item.Get("keyboard"),
		ActionType:            item.Get("action.type").String(),
		ActionConversationID:  item.Get("action.conversation_message_id").Int(),
	}
}

// SendParams describe a messages.send call.
type SendParams struct {
	PeerID      int64
	Text        string
	ReplyTo     int64
	Attachments []string
	RandomID    int64
	Payload     string
}

// SendMessage sends a message and returns its account-relative ID.
func (c *Client) SendMessage(ctx context.Context, p SendParams) (int64, error) {
	params := url.Values{
		"peer_id":   {strconv.FormatInt(p.PeerID, 10)},
		"random_id": {strconv.FormatInt(p.RandomID, 10)},
	}
	if p.Text != "" {
		params.Set("message", p.Text)
	}
	if p.ReplyTo != 0 {
		params.Set("reply_to", strconv.FormatInt(p.ReplyTo, 10))
	}
	if len(p.Attachments) > 0 {
		params.Set("attachment", strings.Join(p.Attachments, ","))
	}
	if p.Payload != "" {
		params.Set("payload", p.Payload)
	}
	res, err := c.Call(ctx, "messages.send", params)
	if err != nil {
		return 0, err
	}
	return res.Int(), nil
}

func (c *Client) EditMessage(ctx context.Context, peerID, messageID int64, text string, attachments []string) error {
	params := url.Values{
		"peer_id":               {strconv.FormatInt(peerID, 10)},
		"message_id":            {strconv.FormatInt(messageID, 10)},
		"message":               {text},
		"keep_forward_messages": {"1"},
	}
	if len(attachments) > 0 {
		params.Set("attachment", strings.Join(attachments, ","))
	}
	_, err := c.Call(ctx, "messages.edit", params)
	return err
}

func (c *Client) DeleteMessages(ctx context.Context, ids []int64, forAll bool) error {
	params := url.Values{"message_ids": {joinIDs(ids)}}
	if forAll {
		params.Set("delete_for_all", "1")
	}
	_, err := c.Call(ctx, "messages.delete", params)
	return err
}

func (c *Client) MarkAsRead(ctx context.Context, peerID, startMessageID int64) error {
	params := url.Values{"peer_id": {strconv.FormatInt(peerID, 10)}}
	if startMessageID != 0 {
		params.Set("start_message_id", strconv.FormatInt(startMessageID, 10))
	}
	_, err := c.Call(ctx, "messages.markAsRead", params)
	return err
}

// SetActivity shows an activity indicator; kind is "typing" or "audiomessage".
func (c *Client) SetActivity(ctx context.Context, peerID int64, kind string) error {
	_, err := c.Call(ctx, "messages.setActivity", url.Values{
		"peer_id": {strconv.FormatInt(peerID, 10)},
		"type":    {kind},
	})
	return err
}
