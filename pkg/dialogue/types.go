// Copyright 2024-2026 Aiku AI

package dialogue

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
	"time"
)

const (
	// PreSendTTL bounds how long an outgoing text waits for its echo.
	PreSendTTL = 60 * time.Second
	// CallbackTTL bounds how long a copied inline button stays usable.
	CallbackTTL = 20 * time.Minute
)

// Dialogue types stored in the group document.
const (
	TypeDialogue = "dialogue"
	TypeTopic    = "topic"
)

var (
	ErrNotBound      = errors.New("hub chat is not bound to a dialogue")
	ErrGroupNotFound = errors.New("hub group not found")
)

// AlreadyBoundError is returned by Bind when the hub chat already serves a
// different remote dialogue.
type AlreadyBoundError struct {
	GroupID            int64
	TopicID            int64
	ExistingDialogueID int64
}

func (e *AlreadyBoundError) Error() string {
	return fmt.Sprintf("hub chat %d/%d is already bound to dialogue %d", e.GroupID, e.TopicID, e.ExistingDialogueID)
}

// DialogueInUseError is returned by Bind when the remote dialogue is already
// served by another hub chat of the same owner.
type DialogueInUseError struct {
	DialogueID int64
	GroupID    int64
	TopicID    int64
}

func (e *DialogueInUseError) Error() string {
	return fmt.Sprintf("dialogue %d is already bound to hub chat %d/%d", e.DialogueID, e.GroupID, e.TopicID)
}

// ServiceDialogue is a snapshot of one remote conversation.
type ServiceDialogue struct {
	Service string
	// ID is positive for users, negative for communities and
	// 2000000000+ for multi-user chats.
	ID          int64
	Name        string
	AvatarURL   string
	IsMultiUser bool
	IsPinned    bool
	IsMuted     bool
	FetchedAt   time.Time
}

// Owner identifies the hub user that linked the remote account and that
// account's own remote ID.
type Owner struct {
	HubUserID    int64
	RemoteUserID int64
}

// CallbackAction is an inline button copied from the remote UI.
type CallbackAction struct {
	Label     string
	Payload   string
	MessageID int64
}

// HubGroup is a hub chat the bridge has joined. Values returned by the
// registry are copies.
type HubGroup struct {
	ID          int64
	CreatorID   int64
	AdminRights bool
	TopicIDs    []int64
	// Minibots is the pool of auxiliary bot identities in this chat.
	Minibots []int64
	// MinibotAssignments maps remote sender ID to bot ID.
	MinibotAssignments map[int64]int64
}

func (g *HubGroup) clone() *HubGroup {
	cp := *g
	cp.TopicIDs = slices.Clone(g.TopicIDs)
	cp.Minibots = slices.Clone(g.Minibots)
	cp.MinibotAssignments = maps.Clone(g.MinibotAssignments)
	if cp.MinibotAssignments == nil {
		cp.MinibotAssignments = make(map[int64]int64)
	}
	return &cp
}

// SubGroup is a hub chat (or one forum topic of it) bound to exactly one
// remote dialogue. It refers to its parent by GroupID.
type SubGroup struct {
	GroupID            int64
	TopicID            int64
	Service            string
	RemoteDialogueID   int64
	RemoteDialogueName string
	Type               string
	Owner              Owner
	IsMultiUser        bool

	// PreSend maps outgoing text to the pending remote message ID so the
	// echo on the longpoll feed can be recognised.
	PreSend *TTLCache[string, int64]
	// Callbacks maps a hub callback token to the remote inline action.
	Callbacks *TTLCache[string, CallbackAction]

	pinnedMessageID atomic.Int64
}

func newSubGroup(groupID, topicID int64, dlg ServiceDialogue, owner Owner, typ string) *SubGroup {
	return &SubGroup{
		GroupID:            groupID,
		TopicID:            topicID,
		Service:            dlg.Service,
		RemoteDialogueID:   dlg.ID,
		RemoteDialogueName: dlg.Name,
		Type:               typ,
		Owner:              owner,
		IsMultiUser:        dlg.IsMultiUser,
		PreSend:            NewTTLCache[string, int64](PreSendTTL),
		Callbacks:          NewTTLCache[string, CallbackAction](CallbackTTL),
	}
}

// PinnedMessageID returns the hub message ID currently pinned for this binding.
func (s *SubGroup) PinnedMessageID() int {
	return int(s.pinnedMessageID.Load())
}
