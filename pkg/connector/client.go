// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/telehooper/pkg/attachment"
	"github.com/aiku/telehooper/pkg/dialogue"
	"github.com/aiku/telehooper/pkg/hub"
	"github.com/aiku/telehooper/pkg/longpoll"
	"github.com/aiku/telehooper/pkg/vkapi"
)

// ServiceConnector is one linked remote account as seen by the bridge.
type ServiceConnector interface {
	ServiceName() string
	// Connect validates the account and starts its update feed. Problems are
	// reported as account state events rather than returned.
	Connect(ctx context.Context)
	Disconnect()
	IsLoggedIn() bool
	RemoteUserID() int64

	SendMessage(ctx context.Context, peerID int64, text string, opts SendOptions) (int64, error)
	EditMessage(ctx context.Context, peerID, messageID int64, text string) error
	DeleteMessages(ctx context.Context, messageIDs []int64) error
	MarkAsRead(ctx context.Context, peerID, messageID int64) error
	StartTyping(ctx context.Context, peerID int64) error
	GetDialogue(ctx context.Context, peerID int64, forceUpdate bool) (dialogue.ServiceDialogue, error)
}

// OutgoingMedia is a hub file forwarded to the remote side.
type OutgoingMedia struct {
	Kind     hub.MediaKind
	FileName string
	Data     []byte
}

// SendOptions are the optional parts of a remote send.
type SendOptions struct {
	ReplyTo int64
	Media   []OutgoingMedia
	// Payload is attached to keyboard button presses.
	Payload string
}

// VKClient is the VK account of one hub user.
type VKClient struct {
	bridge    *Bridge
	hubUserID int64
	api       *vkapi.Client

	remoteUserID atomic.Int64
	loggedIn     atomic.Bool
	videoQuality atomic.Int64

	dialogues *exsync.Map[int64, dialogue.ServiceDialogue]
	users     *exsync.Map[int64, vkapi.User]

	mu       sync.Mutex
	consumer *longpoll.Consumer
	cancel   context.CancelFunc
	done     chan struct{}

	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var _ ServiceConnector = (*VKClient)(nil)

// NewVKClient creates the client of a stored account. remoteUserID is the
// last known owner of the token and is refreshed on Connect.
func NewVKClient(b *Bridge, hubUserID int64, token string, remoteUserID int64) *VKClient {
	c := &VKClient{
		bridge:    b,
		hubUserID: hubUserID,
		api:       b.newVKAPI(token),
		dialogues: exsync.NewMap[int64, dialogue.ServiceDialogue](),
		users:     exsync.NewMap[int64, vkapi.User](),
		done:      make(chan struct{}),
		stopChan:  make(chan struct{}),
		log: b.Log.With().
			Str("component", "vk_client").
			Int64("hub_user_id", hubUserID).
			Logger(),
	}
	c.remoteUserID.Store(remoteUserID)
	return c
}

// SetVideoQuality changes the highest video height picked for inbound
// videos. 0 restores the bridge default.
func (c *VKClient) SetVideoQuality(quality int) {
	c.videoQuality.Store(int64(quality))
}

func (c *VKClient) attachmentPrefs() attachment.Prefs {
	return attachment.Prefs{MaxVideoQuality: int(c.videoQuality.Load())}
}

func (c *VKClient) ServiceName() string {
	return ServiceVK
}

func (c *VKClient) sendState(state status.BridgeState) {
	c.log.Debug().Str("state_event", string(state.StateEvent)).Str("error", string(state.Error)).Msg("Account state changed")
	c.bridge.publish(Event{
		Kind:      EventAccountState,
		HubUserID: c.hubUserID,
		Service:   ServiceVK,
		State:     state,
	})
}

// Connect implements ServiceConnector.
func (c *VKClient) Connect(ctx context.Context) {
	c.sendState(status.BridgeState{StateEvent: status.StateConnecting})

	users, err := c.api.UsersGet(ctx)
	switch {
	case vkapi.IsRevoked(err):
		c.log.Warn().Err(err).Msg("VK token was revoked")
		c.sendState(status.BridgeState{
			StateEvent: status.StateBadCredentials,
			Error:      longpoll.ReasonExternalRevocation,
			Message:    "VK access token is no longer valid",
		})
		return
	case err != nil:
		// The longpoll loop retries on its own, so keep going with the
		// stored identity.
		c.log.Warn().Err(err).Msg("Failed to verify VK session")
		c.sendState(status.BridgeState{
			StateEvent: status.StateTransientDisconnect,
			Error:      "vk-unreachable",
			Message:    "Failed to reach VK",
		})
	case len(users) > 0:
		c.remoteUserID.Store(users[0].ID)
		c.users.Set(users[0].ID, users[0])
		c.log.Info().Int64("remote_user_id", users[0].ID).Str("name", users[0].FullName()).Msg("Authenticated")
	}
	c.loggedIn.Store(true)

	c.mu.Lock()
	select {
	case <-c.stopChan:
		c.mu.Unlock()
		return
	default:
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.consumer = longpoll.New(c.api, c.api.HTTPClient(), longpoll.Config{
		Wait:    c.bridge.Config.VK.LongpollWait,
		Mode:    c.bridge.Config.VK.LongpollMode,
		Version: c.bridge.Config.VK.LongpollVersion,
	}, c.log)
	consumer := c.consumer
	c.mu.Unlock()

	go c.run(loopCtx, consumer)

	if err == nil {
		c.sendState(status.BridgeState{StateEvent: status.StateConnected})
	}
}

// run consumes the longpoll feed. Events are handled one at a time so the
// hub sees them in remote order.
func (c *VKClient) run(ctx context.Context, consumer *longpoll.Consumer) {
	defer close(c.done)
	errCh := make(chan error, 1)
	go func() {
		errCh <- consumer.Run(ctx)
	}()
	for ev := range consumer.Events() {
		c.handleEvent(ctx, ev)
	}
	err := <-errCh
	switch {
	case errors.Is(err, longpoll.ErrRevoked):
		c.loggedIn.Store(false)
		c.log.Warn().Err(err).Msg("Longpoll loop stopped, access revoked")
	case err != nil && ctx.Err() == nil:
		c.log.Error().Err(err).Msg("Longpoll loop failed")
		c.sendState(status.BridgeState{
			StateEvent: status.StateUnknownError,
			Error:      "vk-longpoll-failed",
			Message:    err.Error(),
		})
	default:
		c.log.Info().Msg("Longpoll loop stopped")
	}
}

// Disconnect stops the update feed. Events already being handled finish, but
// their results are not recorded.
func (c *VKClient) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.mu.Lock()
	consumer, cancel := c.consumer, c.cancel
	c.mu.Unlock()
	if consumer != nil {
		consumer.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

func (c *VKClient) stopped() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

// Done is closed when the update feed has fully stopped. It never closes if
// Connect did not start the feed.
func (c *VKClient) Done() <-chan struct{} {
	return c.done
}

// IsLoggedIn reports whether the account token was accepted.
func (c *VKClient) IsLoggedIn() bool {
	return c.loggedIn.Load()
}

func (c *VKClient) RemoteUserID() int64 {
	return c.remoteUserID.Load()
}

func (c *VKClient) upload(ctx context.Context, peerID int64, m OutgoingMedia) (string, error) {
	name := m.FileName
	if name == "" {
		name = defaultFileName(m.Kind)
	}
	switch m.Kind {
	case hub.MediaPhoto:
		return c.api.UploadPhoto(ctx, peerID, name, m.Data)
	case hub.MediaVoice:
		return c.api.UploadDocument(ctx, peerID, vkapi.DocTypeAudioMessage, name, m.Data)
	default:
		return c.api.UploadDocument(ctx, peerID, vkapi.DocTypeDoc, name, m.Data)
	}
}

func defaultFileName(kind hub.MediaKind) string {
	switch kind {
	case hub.MediaPhoto:
		return "photo.jpg"
	case hub.MediaVoice:
		return "voice.ogg"
	case hub.MediaVideo, hub.MediaVideoNote, hub.MediaAnimation:
		return "video.mp4"
	case hub.MediaAudio:
		return "audio.mp3"
	case hub.MediaSticker:
		return "sticker.webp"
	default:
		return "file"
	}
}

// SendMessage uploads the media of a hub message and sends it to peerID.
func (c *VKClient) SendMessage(ctx context.Context, peerID int64, text string, opts SendOptions) (int64, error) {
	var attachments []string
	for _, m := range opts.Media {
		att, err := c.upload(ctx, peerID, m)
		if err != nil {
			return 0, fmt.Errorf("failed to upload %s: %w", m.Kind, err)
		}
		attachments = append(attachments, att)
	}
	id, err := c.api.SendMessage(ctx, vkapi.SendParams{
		PeerID:      peerID,
		Text:        text,
		ReplyTo:     opts.ReplyTo,
		Attachments: attachments,
		RandomID:    MakeRandomID(),
		Payload:     opts.Payload,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	return id, nil
}

func (c *VKClient) EditMessage(ctx context.Context, peerID, messageID int64, text string) error {
	return c.api.EditMessage(ctx, peerID, messageID, text, nil)
}

// DeleteMessages deletes messages for every participant.
func (c *VKClient) DeleteMessages(ctx context.Context, messageIDs []int64) error {
	return c.api.DeleteMessages(ctx, messageIDs, true)
}

func (c *VKClient) MarkAsRead(ctx context.Context, peerID, messageID int64) error {
	return c.api.MarkAsRead(ctx, peerID, messageID)
}

func (c *VKClient) StartTyping(ctx context.Context, peerID int64) error {
	return c.api.SetActivity(ctx, peerID, "typing")
}
