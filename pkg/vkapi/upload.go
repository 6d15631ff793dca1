// Copyright 2024-2026 Aiku AI

package vkapi

import (
	"bytes"
	"context"
	"errors"
	"strconv"
)

// Document upload types accepted by docs.getMessagesUploadServer.
const (
	DocTypeDoc          = "doc"
	DocTypeAudioMessage = "audio_message"
)

// UploadPhoto uploads an image for peerID and returns its attachment string.
// The upload itself is not cancellable; ctx is only checked before it starts.
func (c *Client) UploadPhoto(ctx context.Context, peerID int64, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	saved, err := c.vk.UploadMessagesPhoto(int(peerID), bytes.NewReader(data))
	if err != nil {
		return "", c.wrapError("photos.saveMessagesPhoto", err)
	}
	if len(saved) == 0 {
		return "", errors.New("photos.saveMessagesPhoto returned no photo")
	}
	c.log.Debug().Str("name", name).Int("photo_id", saved[0].ID).Msg("Uploaded photo")
	return attachmentString("photo", saved[0].OwnerID, saved[0].ID, saved[0].AccessKey), nil
}

// UploadDocument uploads a file (or a voice message for DocTypeAudioMessage)
// and returns its attachment string.
func (c *Client) UploadDocument(ctx context.Context, peerID int64, docType, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	saved, err := c.vk.UploadMessagesDoc(int(peerID), docType, name, "", bytes.NewReader(data))
	if err != nil {
		return "", c.wrapError("docs.save", err)
	}
	if saved.Type == DocTypeAudioMessage {
		voice := saved.AudioMessage
		return attachmentString("doc", voice.OwnerID, voice.ID, voice.AccessKey), nil
	}
	return attachmentString("doc", saved.Doc.OwnerID, saved.Doc.ID, saved.Doc.AccessKey), nil
}

func attachmentString(kind string, ownerID, id int, accessKey string) string {
	s := kind + strconv.Itoa(ownerID) + "_" + strconv.Itoa(id)
	if accessKey != "" {
		s += "_" + accessKey
	}
	return s
}
