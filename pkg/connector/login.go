// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"maunium.net/go/mautrix/bridgev2/status"

	"github.com/aiku/telehooper/pkg/attachment"
	"github.com/aiku/telehooper/pkg/sealed"
	"github.com/aiku/telehooper/pkg/store"
	"github.com/aiku/telehooper/pkg/vkapi"
)

var ErrEmptyToken = errors.New("no access token given")

// ParseTokenInput accepts either a bare VK access token or the redirect URL
// of the implicit OAuth flow (https://oauth.vk.com/blank.html#access_token=...).
func ParseTokenInput(input string) string {
	input = strings.TrimSpace(input)
	if !strings.Contains(input, "access_token=") {
		return input
	}
	fragment := input
	if idx := strings.IndexAny(input, "#?"); idx >= 0 {
		fragment = input[idx+1:]
	}
	values, err := url.ParseQuery(fragment)
	if err != nil {
		return ""
	}
	return values.Get("access_token")
}

func (b *Bridge) newVKAPI(token string) *vkapi.Client {
	return vkapi.New(token, vkapi.Options{
		APIURL:     b.Config.VK.APIURL,
		Version:    b.Config.VK.APIVersion,
		HTTPClient: b.http,
		Log:        b.Log,
	})
}

// LinkAccount validates a VK token, stores it sealed in the user document
// and connects the account. It returns the VK user ID of the token owner.
func (b *Bridge) LinkAccount(ctx context.Context, hubUserID int64, tokenInput string) (int64, error) {
	token := ParseTokenInput(tokenInput)
	if token == "" {
		return 0, ErrEmptyToken
	}
	users, err := b.newVKAPI(token).UsersGet(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to validate token: %w", err)
	}
	if len(users) == 0 {
		return 0, errors.New("failed to validate token: users.get returned no user")
	}
	me := users[0]

	sealedToken, err := sealed.Seal([]byte(b.Config.EncryptionKey), []byte(token))
	if err != nil {
		return 0, fmt.Errorf("failed to seal token: %w", err)
	}
	if err = b.saveConnection(ctx, hubUserID, me.ID, sealedToken); err != nil {
		return 0, err
	}
	b.Log.Info().
		Int64("hub_user_id", hubUserID).
		Int64("remote_user_id", me.ID).
		Str("name", me.FullName()).
		Msg("Linked VK account")

	if err = b.StartAccount(ctx, hubUserID, ServiceVK); err != nil {
		return me.ID, err
	}
	return me.ID, nil
}

func (b *Bridge) saveConnection(ctx context.Context, hubUserID, remoteUserID int64, sealedToken string) error {
	b.usersMu.Lock()
	defer b.usersMu.Unlock()
	doc, err := b.Store.GetUser(ctx, hubUserID)
	if errors.Is(err, store.ErrNotFound) {
		doc = &store.UserDocument{ID: hubUserID}
	} else if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if doc.Connections == nil {
		doc.Connections = make(map[string]*store.ConnectionDocument)
	}
	conn, ok := doc.Connections[ServiceVK]
	if !ok || conn.RemoteUserID != remoteUserID {
		conn = &store.ConnectionDocument{}
		doc.Connections[ServiceVK] = conn
	}
	conn.Token = sealedToken
	conn.RemoteUserID = remoteUserID
	if err = b.Store.SaveUser(ctx, doc); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// UnlinkAccount disconnects a hub user's account, unbinds its dialogues and
// forgets the stored token.
func (b *Bridge) UnlinkAccount(ctx context.Context, hubUserID int64) error {
	b.StopAccount(hubUserID)
	b.usersMu.Lock()
	defer b.usersMu.Unlock()
	doc, err := b.Store.GetUser(ctx, hubUserID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrAccountNotConnected
	} else if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	conn, ok := doc.Connections[ServiceVK]
	if !ok {
		return ErrAccountNotConnected
	}
	for _, peerID := range conn.OwnedDialogues {
		sub, found := b.Registry.LookupByRemoteDialogue(ServiceVK, hubUserID, peerID)
		if !found {
			continue
		}
		if _, err = b.Registry.Unbind(ctx, sub.GroupID, sub.TopicID); err != nil {
			b.Log.Warn().Err(err).Int64("peer_id", peerID).Msg("Failed to unbind dialogue of unlinked account")
		}
	}
	delete(doc.Connections, ServiceVK)
	if err = b.Store.SaveUser(ctx, doc); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	b.publish(Event{
		Kind:      EventAccountState,
		HubUserID: hubUserID,
		Service:   ServiceVK,
		State:     status.BridgeState{StateEvent: status.StateLoggedOut},
	})
	return nil
}

// SetVideoQuality stores the highest video height bridged for a hub user's
// account and applies it to the running client. quality must be one of
// attachment.QualityLadder, or 0 for the bridge default.
func (b *Bridge) SetVideoQuality(ctx context.Context, hubUserID int64, quality int) error {
	if quality != 0 && !slices.Contains(attachment.QualityLadder, quality) {
		return fmt.Errorf("%w: %d", ErrInvalidVideoQuality, quality)
	}
	err := b.updateConnection(ctx, hubUserID, func(conn *store.ConnectionDocument) {
		conn.VideoQuality = quality
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrAccountNotConnected
	} else if err != nil {
		return fmt.Errorf("failed to save video quality: %w", err)
	}
	if client, ok := b.Client(hubUserID); ok {
		if vk, ok := client.(*VKClient); ok {
			vk.SetVideoQuality(quality)
		}
	}
	return nil
}

// loadConnection returns the opened token and the stored connection.
func (b *Bridge) loadConnection(ctx context.Context, hubUserID int64) (string, *store.ConnectionDocument, error) {
	doc, err := b.Store.GetUser(ctx, hubUserID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load user %d: %w", hubUserID, err)
	}
	conn, ok := doc.Connections[ServiceVK]
	if !ok {
		return "", nil, ErrAccountNotConnected
	}
	token, err := sealed.Open([]byte(b.Config.EncryptionKey), conn.Token)
	if err != nil {
		return "", nil, fmt.Errorf("failed to open stored token: %w", err)
	}
	return string(token), conn, nil
}

func (b *Bridge) updateConnection(ctx context.Context, hubUserID int64, fn func(conn *store.ConnectionDocument)) error {
	b.usersMu.Lock()
	defer b.usersMu.Unlock()
	doc, err := b.Store.GetUser(ctx, hubUserID)
	if err != nil {
		return err
	}
	conn, ok := doc.Connections[ServiceVK]
	if !ok {
		return ErrAccountNotConnected
	}
	fn(conn)
	return b.Store.SaveUser(ctx, doc)
}
