// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aiku/telehooper/pkg/dialogue"
	"github.com/aiku/telehooper/pkg/vkapi"
)

// dialogueCacheTTL bounds how stale a cached dialogue snapshot may be when
// the caller does not force a refresh.
const dialogueCacheTTL = 10 * time.Minute

// GetDialogue returns the snapshot of a remote dialogue, fetching it if the
// cached copy is missing, expired or forceUpdate is set.
func (c *VKClient) GetDialogue(ctx context.Context, peerID int64, forceUpdate bool) (dialogue.ServiceDialogue, error) {
	if !forceUpdate {
		if dlg, ok := c.dialogues.Get(peerID); ok && time.Since(dlg.FetchedAt) < dialogueCacheTTL {
			return dlg, nil
		}
	}
	conv, err := c.api.GetConversation(ctx, peerID)
	if err != nil {
		return dialogue.ServiceDialogue{}, fmt.Errorf("failed to get dialogue %d: %w", peerID, err)
	}
	dlg := dialogue.ServiceDialogue{
		Service:     ServiceVK,
		ID:          peerID,
		Name:        conv.Title,
		AvatarURL:   conv.Photo,
		IsMultiUser: conv.IsMultiUser,
		IsPinned:    conv.IsPinned,
		IsMuted:     conv.IsMuted,
		FetchedAt:   time.Now(),
	}
	// 1:1 dialogues carry no title, the peer's name stands in for it.
	if dlg.Name == "" && peerID > 0 {
		if user, err := c.getUser(ctx, peerID); err == nil {
			dlg.Name = user.FullName()
			if dlg.AvatarURL == "" {
				dlg.AvatarURL = user.Photo
			}
		}
	}
	if dlg.Name == "" {
		dlg.Name = "Dialogue " + strconv.FormatInt(peerID, 10)
	}
	c.dialogues.Set(peerID, dlg)
	return dlg, nil
}

func (c *VKClient) getUser(ctx context.Context, userID int64) (vkapi.User, error) {
	if user, ok := c.users.Get(userID); ok {
		return user, nil
	}
	users, err := c.api.UsersGet(ctx, userID)
	if err != nil {
		return vkapi.User{}, err
	} else if len(users) == 0 {
		return vkapi.User{}, fmt.Errorf("user %d not found", userID)
	}
	c.users.Set(userID, users[0])
	return users[0], nil
}

// senderName returns the display name of a remote sender. Communities are
// looked up as dialogues.
func (c *VKClient) senderName(ctx context.Context, senderID int64) string {
	if IsCommunityPeer(senderID) {
		dlg, err := c.GetDialogue(ctx, senderID, false)
		if err != nil {
			c.log.Debug().Err(err).Int64("sender_id", senderID).Msg("Failed to get community info")
			return "Community " + strconv.FormatInt(-senderID, 10)
		}
		return dlg.Name
	}
	user, err := c.getUser(ctx, senderID)
	if err != nil {
		c.log.Debug().Err(err).Int64("sender_id", senderID).Msg("Failed to get user info")
		return "User " + strconv.FormatInt(senderID, 10)
	}
	return c.bridge.Config.FormatDisplayname(DisplaynameParams{
		FirstName:  user.FirstName,
		LastName:   user.LastName,
		ScreenName: user.ScreenName,
		ID:         user.ID,
	})
}
