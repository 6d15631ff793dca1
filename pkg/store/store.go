// Copyright 2024-2026 Aiku AI

// Package store persists the bridge's documents (hub groups, hub users,
// bridged messages, cached attachments) in a key-value document store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Collection names.
const (
	CollectionGroups      = "groups"
	CollectionUsers       = "users"
	CollectionMessages    = "messages"
	CollectionAttachments = "attachments"
)

// Backend is a raw document store addressed by (collection, id).
type Backend interface {
	Get(ctx context.Context, collection, id string) ([]byte, error)
	Put(ctx context.Context, collection, id string, data []byte) error
	Delete(ctx context.Context, collection, id string) error
	List(ctx context.Context, collection string) (map[string][]byte, error)
	Close() error
}

// TopicDocument is the persisted form of a dialogue binding.
type TopicDocument struct {
	Service            string `json:"service"`
	RemoteDialogueID   int64  `json:"remote_dialogue_id"`
	RemoteDialogueName string `json:"remote_dialogue_name"`
	PinnedMessageID    int    `json:"pinned_message_id,omitempty"`
	Type               string `json:"type"`
	OwnerHubUserID     int64  `json:"owner_hub_user_id"`
	OwnerRemoteID      int64  `json:"owner_remote_id,omitempty"`
	IsMultiUser        bool   `json:"is_multi_user,omitempty"`
}

// GroupDocument is keyed by hub group ID.
type GroupDocument struct {
	ID          int64                    `json:"id"`
	Creator     int64                    `json:"creator"`
	AdminRights bool                     `json:"admin_rights"`
	Topics      map[int64]*TopicDocument `json:"topics"`
	// Minibots lists auxiliary bot identities present in the group.
	Minibots []int64 `json:"minibots,omitempty"`
	// MinibotAssignments maps a remote sender ID to the bot ID that
	// represents it in this group.
	MinibotAssignments map[int64]int64 `json:"minibot_assignments,omitempty"`
}

// ConnectionDocument holds one linked remote account.
type ConnectionDocument struct {
	// Token is sealed with the bridge encryption key.
	Token          string  `json:"token"`
	RemoteUserID   int64   `json:"remote_user_id"`
	OwnedDialogues []int64 `json:"owned_dialogues,omitempty"`
	// VideoQuality is the highest video height to bridge; 0 uses the
	// bridge default.
	VideoQuality int `json:"video_quality,omitempty"`
}

// UserDocument is keyed by hub user ID.
type UserDocument struct {
	ID          int64                          `json:"id"`
	Connections map[string]*ConnectionDocument `json:"connections"`
}

// MessageDocument is the persisted form of a ledger entry.
type MessageDocument struct {
	ID              string  `json:"id"`
	Service         string  `json:"service"`
	OwnerID         int64   `json:"owner_id"`
	HubChatID       int64   `json:"hub_chat_id"`
	TopicID         int64   `json:"topic_id,omitempty"`
	HubBotID        int64   `json:"hub_bot_id,omitempty"`
	HubIDs          []int   `json:"hub_ids"`
	RemoteIDs       []int64 `json:"remote_ids"`
	ConversationIDs []int64 `json:"conversation_ids,omitempty"`
	PeerID          int64   `json:"peer_id,omitempty"`
	SentViaBridge   bool    `json:"sent_via_bridge"`
	CreatedAt       int64   `json:"created_at"`
}

// Store is the typed view over a Backend.
type Store struct {
	backend Backend
}

// New wraps a backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func idKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func getJSON[T any](ctx context.Context, b Backend, collection, id string) (*T, error) {
	data, err := b.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}
	return &out, nil
}

func putJSON(ctx context.Context, b Backend, collection, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
	}
	return b.Put(ctx, collection, id, data)
}

func listJSON[T any](ctx context.Context, b Backend, collection string) ([]*T, error) {
	raw, err := b.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(raw))
	for id, data := range raw {
		var doc T
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
		}
		out = append(out, &doc)
	}
	return out, nil
}

func (s *Store) GetGroup(ctx context.Context, id int64) (*GroupDocument, error) {
	return getJSON[GroupDocument](ctx, s.backend, CollectionGroups, idKey(id))
}

func (s *Store) SaveGroup(ctx context.Context, doc *GroupDocument) error {
	return putJSON(ctx, s.backend, CollectionGroups, idKey(doc.ID), doc)
}

func (s *Store) DeleteGroup(ctx context.Context, id int64) error {
	return s.backend.Delete(ctx, CollectionGroups, idKey(id))
}

func (s *Store) ListGroups(ctx context.Context) ([]*GroupDocument, error) {
	return listJSON[GroupDocument](ctx, s.backend, CollectionGroups)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*UserDocument, error) {
	return getJSON[UserDocument](ctx, s.backend, CollectionUsers, idKey(id))
}

func (s *Store) SaveUser(ctx context.Context, doc *UserDocument) error {
	return putJSON(ctx, s.backend, CollectionUsers, idKey(doc.ID), doc)
}

func (s *Store) ListUsers(ctx context.Context) ([]*UserDocument, error) {
	return listJSON[UserDocument](ctx, s.backend, CollectionUsers)
}

func (s *Store) SaveMessage(ctx context.Context, doc *MessageDocument) error {
	return putJSON(ctx, s.backend, CollectionMessages, doc.ID, doc)
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	return s.backend.Delete(ctx, CollectionMessages, id)
}

func (s *Store) ListMessages(ctx context.Context) ([]*MessageDocument, error) {
	return listJSON[MessageDocument](ctx, s.backend, CollectionMessages)
}

// GetAttachment returns the sealed value stored under a hashed key.
func (s *Store) GetAttachment(ctx context.Context, keyHash string) (string, error) {
	data, err := s.backend.Get(ctx, CollectionAttachments, keyHash)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PutAttachment stores a sealed value under a hashed key.
func (s *Store) PutAttachment(ctx context.Context, keyHash, sealedValue string) error {
	return s.backend.Put(ctx, CollectionAttachments, keyHash, []byte(sealedValue))
}
