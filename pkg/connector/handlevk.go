// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"strconv"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/telehooper/pkg/attachment"
	"github.com/aiku/telehooper/pkg/dialogue"
	"github.com/aiku/telehooper/pkg/hub"
	"github.com/aiku/telehooper/pkg/ledger"
	"github.com/aiku/telehooper/pkg/longpoll"
	"github.com/aiku/telehooper/pkg/minibot"
	"github.com/aiku/telehooper/pkg/vkapi"
)

// handleEvent dispatches a longpoll event to the appropriate handler.
func (c *VKClient) handleEvent(ctx context.Context, ev longpoll.Event) {
	switch ev.Type {
	case longpoll.EventNewMessage:
		c.handleNewMessage(ctx, ev)
	case longpoll.EventEdit:
		c.handleEdit(ctx, ev)
	case longpoll.EventFlagsSet:
		if ev.Deleted() {
			c.handleDelete(ctx, ev)
		}
	case longpoll.EventReadIn, longpoll.EventReadOut:
		c.bridge.publish(Event{
			Kind:      EventReadReceipt,
			HubUserID: c.hubUserID,
			Service:   ServiceVK,
			PeerID:    ev.PeerID,
			MessageID: ev.MessageID,
			Outgoing:  ev.Type == longpoll.EventReadOut,
		})
	case longpoll.EventTyping, longpoll.EventRecording:
		c.handleActivity(ctx, ev)
	case longpoll.EventDisconnect:
		c.handleDisconnect(ev)
	default:
		c.log.Trace().Str("event_type", ev.Type.String()).Msg("Unhandled event type")
	}
}

func (c *VKClient) binding(peerID int64) (*dialogue.SubGroup, bool) {
	return c.bridge.Registry.LookupByRemoteDialogue(ServiceVK, c.hubUserID, peerID)
}

// parseNewMessage resolves a new-message event into a full message and its
// binding, applying loop prevention. Returns (nil, nil, nil) to skip
// silently.
func (c *VKClient) parseNewMessage(ctx context.Context, ev longpoll.Event) (*vkapi.Message, *dialogue.SubGroup, error) {
	sub, ok := c.binding(ev.PeerID)
	if !ok {
		c.log.Trace().Int64("peer_id", ev.PeerID).Msg("Skipping message of unbound dialogue")
		return nil, nil, nil
	}

	// Loop prevention: skip messages the bridge sent itself.
	if !c.bridge.Config.RelayOwnEcho {
		if c.bridge.Ledger.IsEcho(ServiceVK, c.hubUserID, ev.MessageID) {
			c.log.Debug().Int64("message_id", ev.MessageID).Msg("Skipping bridged message (echo prevention)")
			return nil, nil, nil
		}
		if ev.Outgoing() {
			if _, pending := sub.PreSend.Pop(longpollText(ev.Text)); pending {
				c.log.Debug().Int64("message_id", ev.MessageID).Msg("Skipping pending outgoing message (echo prevention)")
				return nil, nil, nil
			}
		}
	}

	if ev.NeedsFullMessage() {
		msgs, err := c.api.GetMessagesByID(ctx, ev.MessageID)
		if err != nil {
			return nil, nil, err
		} else if len(msgs) > 0 {
			return &msgs[0], sub, nil
		}
	}

	msg := &vkapi.Message{
		ID:                    ev.MessageID,
		ConversationMessageID: ev.ConversationMessageID,
		PeerID:                ev.PeerID,
		FromID:                ev.FromID(),
		Date:                  ev.Timestamp,
		Text:                  longpollText(ev.Text),
		Out:                   ev.Outgoing(),
	}
	if msg.FromID == 0 {
		if msg.Out {
			msg.FromID = c.RemoteUserID()
		} else {
			msg.FromID = ev.PeerID
		}
	}
	if act := ev.SourceAction(); act != "" {
		msg.ActionType = act
		msg.ActionConversationID = ev.SourceMessageID()
	}
	return msg, sub, nil
}

func (c *VKClient) handleNewMessage(ctx context.Context, ev longpoll.Event) {
	msg, sub, err := c.parseNewMessage(ctx, ev)
	if err != nil {
		c.log.Err(err).Int64("message_id", ev.MessageID).Msg("Failed to fetch message")
		return
	} else if msg == nil {
		return
	}
	log := c.log.With().
		Int64("message_id", msg.ID).
		Int64("peer_id", msg.PeerID).
		Int64("group_id", sub.GroupID).
		Int64("topic_id", sub.TopicID).
		Logger()

	if msg.ActionType != "" {
		c.handleServiceAction(ctx, sub, msg)
		return
	}

	hubMsg := hub.Message{
		ChatID:  sub.GroupID,
		TopicID: sub.TopicID,
	}
	var notes []string
	if len(msg.Attachments) > 0 {
		// Downloads are not interrupted by a disconnect, but their result
		// is dropped.
		resolved, err := c.bridge.Attachments.ResolveAll(context.WithoutCancel(ctx), msg.Attachments, c.attachmentPrefs())
		if ctx.Err() != nil {
			log.Debug().Msg("Dropping message, client stopped during attachment download")
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("Failed to bridge attachment")
			text := "Failed to load an attachment from the dialogue."
			if attachment.IsTooLarge(err) {
				text = "An attachment from the dialogue is too large to bridge."
			}
			c.bridge.notice(ctx, sub.GroupID, sub.TopicID, text)
			return
		}
		hubMsg.Media = resolved.Media
		notes = resolved.Notes
	}
	if msg.ForwardCount > 0 {
		notes = append(notes, "[forwarded messages: "+strconv.Itoa(msg.ForwardCount)+"]")
	}
	if msg.Geo.Exists() {
		hubMsg.Location = &hub.Location{
			Latitude:  msg.Geo.Get("coordinates.latitude").Float(),
			Longitude: msg.Geo.Get("coordinates.longitude").Float(),
		}
	}

	identity := c.bridge.Minibots.ResolveSenderIdentity(ctx, sub, msg.FromID)
	hubMsg.Text = inboundHTML(msg.Text, notes)
	if sub.IsMultiUser && identity == minibot.MainIdentity && msg.FromID != sub.Owner.RemoteUserID {
		hubMsg.Text = senderPrefix(c.senderName(ctx, msg.FromID)) + hubMsg.Text
	}
	if reply := c.findRemote(msg.PeerID, msg.ReplyTo, msg.ReplyToConversationID); reply != nil && reply.HubChatID == sub.GroupID {
		hubMsg.ReplyTo = reply.HubIDs[0]
	}
	if dlg, ok := c.dialogues.Get(msg.PeerID); ok {
		hubMsg.Silent = dlg.IsMuted
	}
	hubMsg.Buttons = c.copyKeyboard(sub, msg)

	if hubMsg.Text == "" && len(hubMsg.Media) == 0 && hubMsg.Location == nil {
		log.Debug().Msg("Skipping empty message")
		return
	}

	sent, err := c.bridge.Hub.SendMessage(ctx, hubMsg, hub.Options{As: identity})
	if errors.Is(err, hub.ErrDropped) {
		log.Warn().Msg("Hub queue full, dropping message")
		return
	} else if err != nil {
		log.Err(err).Msg("Failed to send message to hub")
		return
	}
	if c.stopped() || ctx.Err() != nil {
		log.Debug().Msg("Client stopped, not recording delivered message")
		return
	}
	for i, m := range hubMsg.Media {
		if i < len(sent.FileIDs) {
			c.bridge.Attachments.Remember(ctx, m, sent.FileIDs[i])
		}
	}
	entry := ledger.Entry{
		Service:   ServiceVK,
		OwnerID:   c.hubUserID,
		HubChatID: sub.GroupID,
		TopicID:   sub.TopicID,
		HubBotID:  identity,
		HubIDs:    sent.MessageIDs,
		RemoteIDs: []int64{msg.ID},
		PeerID:    msg.PeerID,
	}
	if msg.ConversationMessageID != 0 {
		entry.ConversationIDs = []int64{msg.ConversationMessageID}
	}
	if _, err = c.bridge.Ledger.Record(ctx, entry); err != nil {
		log.Err(err).Msg("Failed to record bridged message")
		return
	}
	log.Debug().Ints("hub_ids", sent.MessageIDs).Int64("as", identity).Msg("Bridged message to hub")
}

// findRemote looks up a ledger entry by account-relative ID, falling back to
// the conversation-relative one.
func (c *VKClient) findRemote(peerID, remoteID, convID int64) *ledger.Entry {
	if remoteID != 0 {
		if entry, ok := c.bridge.Ledger.FindByRemoteID(ServiceVK, c.hubUserID, remoteID); ok && len(entry.HubIDs) > 0 {
			return entry
		}
	}
	if convID != 0 {
		if entry, ok := c.bridge.Ledger.FindByConversationID(ServiceVK, c.hubUserID, peerID, convID); ok && len(entry.HubIDs) > 0 {
			return entry
		}
	}
	return nil
}

// copyKeyboard turns the remote keyboard into inline hub buttons. Text
// buttons are stored behind a callback token.
func (c *VKClient) copyKeyboard(sub *dialogue.SubGroup, msg *vkapi.Message) [][]hub.Button {
	if !msg.Keyboard.Exists() {
		return nil
	}
	var rows [][]hub.Button
	msg.Keyboard.Get("buttons").ForEach(func(_, row gjson.Result) bool {
		var buttons []hub.Button
		row.ForEach(func(_, btn gjson.Result) bool {
			action := btn.Get("action")
			label := action.Get("label").String()
			switch action.Get("type").String() {
			case "text", "callback":
				token := MakeCallbackToken()
				sub.Callbacks.Set(token, dialogue.CallbackAction{
					Label:     label,
					Payload:   action.Get("payload").String(),
					MessageID: msg.ID,
				})
				buttons = append(buttons, hub.Button{Text: label, CallbackData: token})
			case "open_link":
				buttons = append(buttons, hub.Button{Text: label, URL: action.Get("link").String()})
			}
			return true
		})
		if len(buttons) > 0 {
			rows = append(rows, buttons)
		}
		return true
	})
	return rows
}

// handleServiceAction mirrors pins. Other service messages are not bridged.
func (c *VKClient) handleServiceAction(ctx context.Context, sub *dialogue.SubGroup, msg *vkapi.Message) {
	log := c.log.With().Str("action", msg.ActionType).Int64("peer_id", msg.PeerID).Logger()
	switch msg.ActionType {
	case "chat_pin_message":
		target := c.findRemote(msg.PeerID, 0, msg.ActionConversationID)
		if target == nil {
			log.Debug().Msg("Pinned message is not bridged")
			return
		}
		if err := c.bridge.Hub.PinMessage(ctx, sub.GroupID, target.HubIDs[0], hub.Options{}); err != nil {
			log.Err(err).Msg("Failed to pin hub message")
			return
		}
		if err := c.bridge.Registry.SetPinned(ctx, sub.GroupID, sub.TopicID, target.HubIDs[0]); err != nil {
			log.Warn().Err(err).Msg("Failed to save pinned message")
		}
	case "chat_unpin_message":
		hubID := sub.PinnedMessageID()
		if target := c.findRemote(msg.PeerID, 0, msg.ActionConversationID); target != nil {
			hubID = target.HubIDs[0]
		}
		if hubID == 0 {
			return
		}
		if err := c.bridge.Hub.UnpinMessage(ctx, sub.GroupID, hubID, hub.Options{}); err != nil {
			log.Err(err).Msg("Failed to unpin hub message")
			return
		}
		if err := c.bridge.Registry.SetPinned(ctx, sub.GroupID, sub.TopicID, 0); err != nil {
			log.Warn().Err(err).Msg("Failed to save pinned message")
		}
	default:
		log.Trace().Msg("Ignoring service message")
	}
}

func (c *VKClient) handleEdit(ctx context.Context, ev longpoll.Event) {
	sub, ok := c.binding(ev.PeerID)
	if !ok {
		return
	}
	entry, ok := c.bridge.Ledger.FindByRemoteID(ServiceVK, c.hubUserID, ev.MessageID)
	if !ok || len(entry.HubIDs) == 0 {
		c.log.Debug().Int64("message_id", ev.MessageID).Msg("Edited message is not bridged")
		return
	}
	if entry.SentViaBridge && !c.bridge.Config.RelayOwnEcho {
		c.log.Debug().Int64("message_id", ev.MessageID).Msg("Skipping bridged edit (echo prevention)")
		return
	}
	text := inboundHTML(longpollText(ev.Text), nil)
	if text == "" {
		return
	}
	err := c.bridge.Hub.EditMessage(ctx, sub.GroupID, entry.HubIDs[0], text, hub.Options{As: entry.HubBotID})
	if err != nil {
		c.log.Err(err).Int64("message_id", ev.MessageID).Msg("Failed to edit hub message")
	}
}

func (c *VKClient) handleDelete(ctx context.Context, ev longpoll.Event) {
	entry, ok := c.bridge.Ledger.FindByRemoteID(ServiceVK, c.hubUserID, ev.MessageID)
	if !ok {
		return
	}
	err := c.bridge.Hub.DeleteMessages(ctx, entry.HubChatID, entry.HubIDs, hub.Options{As: entry.HubBotID})
	if err != nil {
		c.log.Err(err).Int64("message_id", ev.MessageID).Msg("Failed to delete hub message")
		return
	}
	if err = c.bridge.Ledger.DeleteEntry(ctx, entry); err != nil {
		c.log.Warn().Err(err).Msg("Failed to delete ledger entry")
	}
}

// handleActivity shows remote typing in the hub. Activity is best-effort and
// never waits long for the queue.
func (c *VKClient) handleActivity(ctx context.Context, ev longpoll.Event) {
	sub, ok := c.binding(ev.PeerID)
	if !ok {
		return
	}
	kind := hub.ActivityTyping
	if ev.Type == longpoll.EventRecording {
		kind = hub.ActivityRecordVoice
	}
	senderID := ev.PeerID
	if len(ev.UserIDs) > 0 {
		senderID = ev.UserIDs[0]
	}
	if senderID == c.RemoteUserID() {
		return
	}
	identity := c.bridge.Minibots.ResolveSenderIdentity(ctx, sub, senderID)
	maxDelay := c.bridge.Config.ActivityMaxDelay()
	err := c.bridge.Hub.StartActivity(ctx, sub.GroupID, sub.TopicID, kind, hub.Options{
		As:       identity,
		MaxDelay: &maxDelay,
	})
	if err != nil && !errors.Is(err, hub.ErrDropped) {
		c.log.Debug().Err(err).Msg("Failed to send activity")
	}
}

func (c *VKClient) handleDisconnect(ev longpoll.Event) {
	c.loggedIn.Store(false)
	c.sendState(status.BridgeState{
		StateEvent: status.StateBadCredentials,
		Error:      status.BridgeStateErrorCode(ev.Reason),
		Message:    "VK access was revoked",
	})
	c.bridge.publish(Event{
		Kind:      EventDisconnect,
		HubUserID: c.hubUserID,
		Service:   ServiceVK,
		Reason:    ev.Reason,
	})
}
