// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/binary"
	"strconv"

	"github.com/google/uuid"

	"github.com/aiku/telehooper/pkg/vkapi"
)

// ServiceVK is the service name of VK connections, bindings and ledger entries.
const ServiceVK = "vk"

// IsChatPeer reports whether a VK peer ID refers to a multi-user chat.
func IsChatPeer(peerID int64) bool {
	return peerID > vkapi.ChatPeerOffset
}

// IsCommunityPeer reports whether a VK peer ID refers to a community.
func IsCommunityPeer(peerID int64) bool {
	return peerID < 0
}

// MakeRandomID returns a random_id for messages.send. VK deduplicates sends
// with the same value, so every call needs a fresh one.
func MakeRandomID() int64 {
	u := uuid.New()
	return int64(binary.BigEndian.Uint32(u[:4]) & 0x7fffffff)
}

// MakeCallbackToken returns an opaque token for hub callback data. Hub
// callback data is limited to 64 bytes, so remote payloads are stored
// behind the token instead of being embedded.
func MakeCallbackToken() string {
	return uuid.NewString()
}

// albumKey identifies a hub media group.
func albumKey(chatID int64, mediaGroupID string) string {
	return strconv.FormatInt(chatID, 10) + "/" + mediaGroupID
}
